package fiscal

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"

	"github.com/frahmantamala/fiscal-receipts/internal"
)

// SellRequest is the domain-level input for registering a receipt. The wire
// payload is assembled by the client.
type SellRequest struct {
	ExternalID    string
	Timestamp     time.Time
	PurchaseName  string
	PurchasePrice decimal.Decimal
	UserEmail     string
	UserPhone     string
}

// Validate enforces the one precondition that must never reach the wire:
// the processor requires at least one contact attribute.
func (r *SellRequest) Validate() error {
	if r.UserEmail == "" && r.UserPhone == "" {
		return internal.ErrNoContact
	}
	return nil
}

// NewReceipt is the result of a successful (or duplicate-absorbed) sell.
type NewReceipt struct {
	UUID string
	Data json.RawMessage
}

// ReceiptReport is the final fiscal report for a registered receipt.
type ReceiptReport struct {
	UUID string
	Data json.RawMessage
}

// processorTimeFormat is the fixed textual format the processor expects,
// DD.MM.YYYY HH:MM:SS.
const processorTimeFormat = "02.01.2006 15:04:05"

// wire payloads

type tokenRequest struct {
	Login string `json:"login"`
	Pass  string `json:"pass"`
}

type tokenResponse struct {
	Code  *int   `json:"code"`
	Token string `json:"token"`
	Text  string `json:"text"`
}

type sellPayload struct {
	ExternalID string         `json:"external_id"`
	Timestamp  string         `json:"timestamp"`
	Receipt    receiptPayload `json:"receipt"`
	Service    servicePayload `json:"service"`
}

type receiptPayload struct {
	Attributes attributesPayload `json:"attributes"`
	Items      []itemPayload     `json:"items"`
	Payments   []paymentPayload  `json:"payments"`
	Total      json.Number       `json:"total"`
}

type attributesPayload struct {
	Email string `json:"email"`
	Phone string `json:"phone"`
}

type itemPayload struct {
	Name     string      `json:"name"`
	Price    json.Number `json:"price"`
	Quantity int         `json:"quantity"`
	Sum      json.Number `json:"sum"`
	Tax      string      `json:"tax"`
}

type paymentPayload struct {
	Sum  json.Number `json:"sum"`
	Type int         `json:"type"`
}

type servicePayload struct {
	INN            string `json:"inn"`
	CallbackURL    string `json:"callback_url"`
	PaymentAddress string `json:"payment_address"`
}

// envelopeResponse is the minimal shape shared by sell and report bodies;
// the full body travels onwards as raw JSON.
type envelopeResponse struct {
	UUID  string                  `json:"uuid"`
	Error *internal.ErrorEnvelope `json:"error"`
}

// wireAmount renders a decimal as a bare JSON number; the processor rejects
// quoted amounts.
func wireAmount(d decimal.Decimal) json.Number {
	return json.Number(d.StringFixed(2))
}
