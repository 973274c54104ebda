package receipt

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	datamodel "github.com/frahmantamala/fiscal-receipts/internal/core/datamodel/receipt"
)

// CreateReceiptRequest is the intake payload. Contact details are allowed
// to be absent here: a missing contact is a lifecycle outcome
// (no_email_phone), not an intake rejection.
type CreateReceiptRequest struct {
	PurchaseName  string `json:"purchase_name"`
	PurchasePrice string `json:"purchase_price"`
	UserEmail     string `json:"user_email,omitempty"`
	UserPhone     string `json:"user_phone,omitempty"`

	price decimal.Decimal
}

func (r *CreateReceiptRequest) Validate() error {
	if r.PurchaseName == "" {
		return fmt.Errorf("purchase_name is required")
	}
	price, err := decimal.NewFromString(r.PurchasePrice)
	if err != nil {
		return fmt.Errorf("purchase_price must be a decimal string: %w", err)
	}
	if price.IsNegative() || price.IsZero() {
		return fmt.Errorf("purchase_price must be positive")
	}
	r.price = price
	return nil
}

// ReceiptView is what the API returns; the internal row never leaves the
// service.
type ReceiptView struct {
	InternalUUID  string     `json:"internal_uuid"`
	RemoteUUID    string     `json:"remote_uuid,omitempty"`
	Status        string     `json:"status"`
	PurchaseName  string     `json:"purchase_name"`
	PurchasePrice string     `json:"purchase_price"`
	CreatedAt     time.Time  `json:"created_at"`
	InitiatedAt   *time.Time `json:"initiated_at,omitempty"`
	RetriedAt     *time.Time `json:"retried_at,omitempty"`
	ReceivedAt    *time.Time `json:"received_at,omitempty"`
	FailedAt      *time.Time `json:"failed_at,omitempty"`
}

func ToView(rec *datamodel.Receipt) *ReceiptView {
	return &ReceiptView{
		InternalUUID:  rec.InternalUUID,
		RemoteUUID:    rec.RemoteUUID,
		Status:        rec.Status,
		PurchaseName:  rec.PurchaseName,
		PurchasePrice: rec.PurchasePrice.StringFixed(2),
		CreatedAt:     rec.CreatedAt,
		InitiatedAt:   rec.InitiatedAt,
		RetriedAt:     rec.RetriedAt,
		ReceivedAt:    rec.ReceivedAt,
		FailedAt:      rec.FailedAt,
	}
}
