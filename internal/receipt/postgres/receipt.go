package postgres

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"

	"github.com/frahmantamala/fiscal-receipts/internal"
	datamodel "github.com/frahmantamala/fiscal-receipts/internal/core/datamodel/receipt"
	receiptpkg "github.com/frahmantamala/fiscal-receipts/internal/receipt"
)

type ReceiptRepository struct {
	db *gorm.DB
}

func NewReceiptRepository(db *gorm.DB) receiptpkg.Repository {
	return &ReceiptRepository{db: db}
}

func (r *ReceiptRepository) Create(ctx context.Context, rec *datamodel.Receipt) error {
	return r.db.WithContext(ctx).Create(rec).Error
}

func (r *ReceiptRepository) Save(ctx context.Context, rec *datamodel.Receipt) error {
	return r.db.WithContext(ctx).Save(rec).Error
}

func (r *ReceiptRepository) GetByID(ctx context.Context, id int64) (*datamodel.Receipt, error) {
	var rec datamodel.Receipt
	err := r.db.WithContext(ctx).First(&rec, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, internal.ErrReceiptNotFound
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

func (r *ReceiptRepository) GetByInternalUUID(ctx context.Context, internalUUID string) (*datamodel.Receipt, error) {
	var rec datamodel.Receipt
	err := r.db.WithContext(ctx).Where("internal_uuid = ?", internalUUID).First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, internal.ErrReceiptNotFound
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// ageColumn picks the timestamp the sweep window applies to. A retried
// receipt has no single natural timestamp (it may be awaiting a submit or a
// report), so its last update stands in.
func ageColumn(status string) string {
	switch status {
	case datamodel.StatusInitiated:
		return "initiated_at"
	case datamodel.StatusRetried:
		return "updated_at"
	default:
		return "created_at"
	}
}

// FindByStatusAndAgeWindow returns receipts in status whose age is within
// [minAge, maxAge]. Bounds are inclusive: a receipt exactly maxAge old is
// still inside the window.
func (r *ReceiptRepository) FindByStatusAndAgeWindow(ctx context.Context, status string, minAge, maxAge time.Duration) ([]*datamodel.Receipt, error) {
	now := time.Now()
	column := ageColumn(status)

	var receipts []*datamodel.Receipt
	err := r.db.WithContext(ctx).
		Where("status = ?", status).
		Where(column+" >= ?", now.Add(-maxAge)).
		Where(column+" <= ?", now.Add(-minAge)).
		Order("id").
		Find(&receipts).Error
	return receipts, err
}
