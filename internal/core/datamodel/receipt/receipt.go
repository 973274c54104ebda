package receipt

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// Receipt statuses. Forward-only except initiated -> retried -> initiated,
// the resubmission cycle triggered by a NotProcessed report.
const (
	StatusCreated   = "created"
	StatusInitiated = "initiated"
	StatusRetried   = "retried"
	StatusReceived  = "received"
	StatusNoContact = "no_email_phone"
	StatusFailed    = "failed"
)

type Receipt struct {
	ID int64 `gorm:"primaryKey"`

	// InternalUUID doubles as the idempotency key sent to the processor as
	// external_id. Regenerated only when the processor reports the previous
	// submission as dead; the old value is then retired for good.
	InternalUUID string `gorm:"column:internal_uuid;not null;uniqueIndex"`

	// RemoteUUID is the processor-assigned id, immutable per InternalUUID
	// generation. Empty until sell succeeds.
	RemoteUUID string `gorm:"column:remote_uuid"`

	Status string `gorm:"column:status;default:created;index:idx_receipts_status_created_at,priority:1"`

	// Content is the raw report payload, present iff status is received.
	Content json.RawMessage `gorm:"column:content;type:jsonb"`

	UserEmail     string          `gorm:"column:user_email"`
	UserPhone     string          `gorm:"column:user_phone"`
	PurchasePrice decimal.Decimal `gorm:"column:purchase_price;type:numeric(10,2)"`
	PurchaseName  string          `gorm:"column:purchase_name"`

	CreatedAt   time.Time  `gorm:"column:created_at;index:idx_receipts_status_created_at,priority:2"`
	InitiatedAt *time.Time `gorm:"column:initiated_at"`
	RetriedAt   *time.Time `gorm:"column:retried_at"`
	ReceivedAt  *time.Time `gorm:"column:received_at"`
	FailedAt    *time.Time `gorm:"column:failed_at"`
	UpdatedAt   time.Time  `gorm:"column:updated_at"`
}

func (Receipt) TableName() string {
	return "receipts"
}

func (r *Receipt) BeforeCreate(tx *gorm.DB) error {
	if r.InternalUUID == "" {
		r.InternalUUID = uuid.NewString()
	}
	if r.Status == "" {
		r.Status = StatusCreated
	}
	return nil
}

// HasContact reports whether the processor can deliver this receipt at all.
func (r *Receipt) HasContact() bool {
	return r.UserEmail != "" || r.UserPhone != ""
}

// Terminal statuses never transition again; redelivered jobs become no-ops.
func (r *Receipt) Terminal() bool {
	switch r.Status {
	case StatusReceived, StatusNoContact, StatusFailed:
		return true
	}
	return false
}

// Initiate records the processor-assigned id after a successful sell. A
// receipt arriving here from retried keeps its status-history semantics: the
// lifecycle event is a resubmission, so retried_at is stamped instead of
// initiated_at.
func (r *Receipt) Initiate(remoteUUID string, now time.Time) {
	r.RemoteUUID = remoteUUID
	if r.Status == StatusRetried {
		r.RetriedAt = &now
		return
	}
	r.Status = StatusInitiated
	r.InitiatedAt = &now
}

// Receive stores the final report payload. Only valid transition into the
// received terminal state.
func (r *Receipt) Receive(content json.RawMessage, now time.Time) {
	r.Content = content
	r.Status = StatusReceived
	r.ReceivedAt = &now
}

// DeclareFailed moves the receipt into a terminal failure state; status
// defaults to failed but callers may pass no_email_phone.
func (r *Receipt) DeclareFailed(status string, now time.Time) {
	if status == "" {
		status = StatusFailed
	}
	r.Status = status
	r.FailedAt = &now
}

// Resubmit retires the current idempotency key and mints a fresh one, the
// only sanctioned cycle in the lifecycle. The old RemoteUUID is dropped with
// it; the new generation gets its own from the next sell.
func (r *Receipt) Resubmit() {
	r.InternalUUID = uuid.NewString()
	r.RemoteUUID = ""
	r.Status = StatusRetried
}
