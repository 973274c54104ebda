package receipt

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/frahmantamala/fiscal-receipts/internal"
	datamodel "github.com/frahmantamala/fiscal-receipts/internal/core/datamodel/receipt"
	"github.com/frahmantamala/fiscal-receipts/internal/core/events"
	"github.com/frahmantamala/fiscal-receipts/internal/fiscal"
	"github.com/frahmantamala/fiscal-receipts/internal/queue"
)

// Repository is the durable store behind the state machine. Any row or
// document store works; sweeps only need the age-window query.
type Repository interface {
	Create(ctx context.Context, rec *datamodel.Receipt) error
	Save(ctx context.Context, rec *datamodel.Receipt) error
	GetByID(ctx context.Context, id int64) (*datamodel.Receipt, error)
	GetByInternalUUID(ctx context.Context, internalUUID string) (*datamodel.Receipt, error)
	FindByStatusAndAgeWindow(ctx context.Context, status string, minAge, maxAge time.Duration) ([]*datamodel.Receipt, error)
}

// FiscalAPI is the capability set the state machine needs from the
// processor client: submit and poll, nothing else.
type FiscalAPI interface {
	Sell(ctx context.Context, req *fiscal.SellRequest) (*fiscal.NewReceipt, error)
	Report(ctx context.Context, remoteUUID string) (*fiscal.ReceiptReport, error)
}

// Service owns the receipt lifecycle. Submit and Reconcile are safe to
// re-run: duplicate queue deliveries hit the status guards and become
// no-ops. Follow-up jobs are enqueued only after the state mutation is
// saved, so a reconcile never races a submit that has not committed.
type Service struct {
	repo        Repository
	client      FiscalAPI
	queue       queue.Queue
	bus         *events.EventBus
	reportDelay time.Duration
	ofdTemplate string
	logger      *slog.Logger
	now         func() time.Time
}

func NewService(repo Repository, client FiscalAPI, q queue.Queue, bus *events.EventBus, reportDelay time.Duration, ofdTemplate string, logger *slog.Logger) *Service {
	if reportDelay <= 0 {
		reportDelay = time.Minute
	}
	return &Service{
		repo:        repo,
		client:      client,
		queue:       q,
		bus:         bus,
		reportDelay: reportDelay,
		ofdTemplate: ofdTemplate,
		logger:      logger,
		now:         time.Now,
	}
}

// CreateReceipt stores a fresh receipt and enqueues its first submission.
func (s *Service) CreateReceipt(ctx context.Context, req *CreateReceiptRequest) (*datamodel.Receipt, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	rec := &datamodel.Receipt{
		InternalUUID:  uuid.NewString(),
		Status:        datamodel.StatusCreated,
		UserEmail:     req.UserEmail,
		UserPhone:     req.UserPhone,
		PurchaseName:  req.PurchaseName,
		PurchasePrice: req.price,
	}

	if err := s.repo.Create(ctx, rec); err != nil {
		s.logger.Error("failed to create receipt", "error", err)
		return nil, fmt.Errorf("create receipt: %w", err)
	}

	if err := s.queue.Enqueue(ctx, queue.Job{Kind: queue.KindSubmit, ReceiptID: rec.ID}, 0); err != nil {
		// the sweep picks up created receipts whose submit never ran
		s.logger.Error("failed to enqueue submit, sweep will recover",
			"error", err, "receipt_id", rec.ID)
	}

	s.logger.Info("receipt created",
		"receipt_id", rec.ID, "internal_uuid", rec.InternalUUID)
	return rec, nil
}

// Submit registers the receipt with the processor. Returns an error only
// for recoverable faults, which the scheduler retries with backoff;
// terminal outcomes are committed here and return nil.
func (s *Service) Submit(ctx context.Context, receiptID int64) error {
	rec, err := s.repo.GetByID(ctx, receiptID)
	if err != nil {
		return fmt.Errorf("load receipt %d: %w", receiptID, err)
	}

	if !rec.HasContact() {
		s.logger.Warn("receipt has no email or phone, cannot submit", "receipt_id", rec.ID)
		return s.declareFailed(ctx, rec, datamodel.StatusNoContact, internal.ErrNoContact.Error())
	}

	// status guard: duplicate queue deliveries land here and do nothing
	if rec.Status != datamodel.StatusCreated && rec.Status != datamodel.StatusRetried {
		s.logger.Info("submit skipped, receipt not awaiting submission",
			"receipt_id", rec.ID, "status", rec.Status)
		return nil
	}

	result, err := s.client.Sell(ctx, &fiscal.SellRequest{
		ExternalID:    rec.InternalUUID,
		Timestamp:     rec.CreatedAt,
		PurchaseName:  rec.PurchaseName,
		PurchasePrice: rec.PurchasePrice,
		UserEmail:     rec.UserEmail,
		UserPhone:     rec.UserPhone,
	})
	switch {
	case err == nil:
	case internal.IsUnrecoverable(err):
		s.logger.Error("sell failed unrecoverably",
			"receipt_id", rec.ID, "internal_uuid", rec.InternalUUID, "error", err)
		return s.declareFailed(ctx, rec, datamodel.StatusFailed, err.Error())
	default:
		s.logger.Warn("sell failed, escalating for retry",
			"receipt_id", rec.ID, "internal_uuid", rec.InternalUUID, "error", err)
		return err
	}

	rec.Initiate(result.UUID, s.now())
	if err := s.repo.Save(ctx, rec); err != nil {
		return fmt.Errorf("save initiated receipt %d: %w", rec.ID, err)
	}

	s.publish(ctx, events.NewReceiptInitiatedEvent(rec.ID, rec.InternalUUID, rec.RemoteUUID))

	if err := s.queue.Enqueue(ctx, queue.Job{Kind: queue.KindReconcile, ReceiptID: rec.ID}, s.reportDelay); err != nil {
		s.logger.Error("failed to enqueue reconcile, sweep will recover",
			"error", err, "receipt_id", rec.ID)
	}

	s.logger.Info("receipt initiated",
		"receipt_id", rec.ID, "remote_uuid", rec.RemoteUUID, "status", rec.Status)
	return nil
}

// Reconcile polls the processor for the final report. A NotProcessed answer
// retires the idempotency key and schedules a fresh submission, the one
// sanctioned cycle in the lifecycle.
func (s *Service) Reconcile(ctx context.Context, receiptID int64) error {
	rec, err := s.repo.GetByID(ctx, receiptID)
	if err != nil {
		return fmt.Errorf("load receipt %d: %w", receiptID, err)
	}

	if rec.RemoteUUID == "" {
		s.logger.Error("reconcile skipped, receipt has no remote uuid", "receipt_id", rec.ID)
		return nil
	}
	if rec.Status != datamodel.StatusInitiated && rec.Status != datamodel.StatusRetried {
		s.logger.Info("reconcile skipped, receipt not awaiting report",
			"receipt_id", rec.ID, "status", rec.Status)
		return nil
	}

	report, err := s.client.Report(ctx, rec.RemoteUUID)
	switch {
	case err == nil:
	case internal.IsNotProcessed(err):
		return s.resubmit(ctx, rec)
	case internal.IsUnrecoverable(err):
		s.logger.Error("report failed unrecoverably",
			"receipt_id", rec.ID, "remote_uuid", rec.RemoteUUID, "error", err)
		return s.declareFailed(ctx, rec, datamodel.StatusFailed, err.Error())
	default:
		s.logger.Warn("report failed, escalating for retry",
			"receipt_id", rec.ID, "remote_uuid", rec.RemoteUUID, "error", err)
		return err
	}

	rec.Receive(report.Data, s.now())
	if err := s.repo.Save(ctx, rec); err != nil {
		return fmt.Errorf("save received receipt %d: %w", rec.ID, err)
	}

	s.publish(ctx, events.NewReceiptReceivedEvent(rec.ID, rec.InternalUUID, rec.RemoteUUID))

	s.logger.Info("receipt received", "receipt_id", rec.ID, "remote_uuid", rec.RemoteUUID)
	return nil
}

// resubmit handles the processor declaring the original submission dead.
// The old external_id must never be reused: it would be rejected as a
// duplicate of a receipt that will never complete.
func (s *Service) resubmit(ctx context.Context, rec *datamodel.Receipt) error {
	oldUUID := rec.InternalUUID
	rec.Resubmit()
	if err := s.repo.Save(ctx, rec); err != nil {
		return fmt.Errorf("save resubmitted receipt %d: %w", rec.ID, err)
	}

	s.logger.Warn("receipt resubmission scheduled",
		"receipt_id", rec.ID, "old_internal_uuid", oldUUID, "new_internal_uuid", rec.InternalUUID)

	if err := s.queue.Enqueue(ctx, queue.Job{Kind: queue.KindSubmit, ReceiptID: rec.ID}, s.reportDelay); err != nil {
		s.logger.Error("failed to enqueue resubmission, sweep will recover",
			"error", err, "receipt_id", rec.ID)
	}
	return nil
}

// Fail is the scheduler's exhaustion path: retries ran out. Receipts
// already terminal stay untouched.
func (s *Service) Fail(ctx context.Context, receiptID int64, reason string) error {
	rec, err := s.repo.GetByID(ctx, receiptID)
	if err != nil {
		return fmt.Errorf("load receipt %d: %w", receiptID, err)
	}
	if rec.Terminal() {
		return nil
	}
	return s.declareFailed(ctx, rec, datamodel.StatusFailed, reason)
}

func (s *Service) declareFailed(ctx context.Context, rec *datamodel.Receipt, status, reason string) error {
	s.logger.Warn("declaring receipt failed",
		"receipt_id", rec.ID, "status", status, "reason", reason)

	rec.DeclareFailed(status, s.now())
	if err := s.repo.Save(ctx, rec); err != nil {
		return fmt.Errorf("save failed receipt %d: %w", rec.ID, err)
	}

	s.publish(ctx, events.NewReceiptFailedEvent(rec.ID, rec.InternalUUID, status, reason))
	return nil
}

func (s *Service) publish(ctx context.Context, event events.Event) {
	if s.bus == nil {
		return
	}
	if err := s.bus.PublishSync(ctx, event); err != nil {
		s.logger.Error("lifecycle event handler failed",
			"event_type", event.EventType(), "error", err)
	}
}

// GetByInternalUUID serves the intake API and the redirect view.
func (s *Service) GetByInternalUUID(ctx context.Context, internalUUID string) (*datamodel.Receipt, error) {
	return s.repo.GetByInternalUUID(ctx, internalUUID)
}

// reportPayload is the slice of the report the verification link needs.
type reportPayload struct {
	Payload struct {
		Total                   json.Number `json:"total"`
		FNNumber                string      `json:"fn_number"`
		FiscalDocumentNumber    json.Number `json:"fiscal_document_number"`
		FiscalDocumentAttribute json.Number `json:"fiscal_document_attribute"`
		FiscalReceiptNumber     json.Number `json:"fiscal_receipt_number"`
		ReceiptDatetime         string      `json:"receipt_datetime"`
	} `json:"payload"`
}

// OFDLink renders the processor-hosted verification URL for a received
// receipt. Returns ErrReceiptNotFound when the report has not arrived yet
// or lacks the expected fields, so the view shows a plain 404.
func (s *Service) OFDLink(ctx context.Context, internalUUID string) (string, error) {
	rec, err := s.repo.GetByInternalUUID(ctx, internalUUID)
	if err != nil {
		return "", err
	}
	if len(rec.Content) == 0 {
		s.logger.Warn("receipt accessed before report arrived", "receipt_id", rec.ID)
		return "", internal.ErrReceiptNotFound
	}

	var content reportPayload
	if err := json.Unmarshal(rec.Content, &content); err != nil {
		s.logger.Error("invalid receipt content", "receipt_id", rec.ID, "error", err)
		return "", internal.ErrReceiptNotFound
	}
	p := content.Payload
	if p.FNNumber == "" || p.ReceiptDatetime == "" {
		s.logger.Error("receipt content missing fiscal fields", "receipt_id", rec.ID)
		return "", internal.ErrReceiptNotFound
	}

	receiptTime, err := parseReceiptDatetime(p.ReceiptDatetime)
	if err != nil {
		s.logger.Error("unexpected date format in receipt",
			"receipt_id", rec.ID, "receipt_datetime", p.ReceiptDatetime)
		return "", internal.ErrReceiptNotFound
	}

	return strings.NewReplacer(
		"{t}", receiptTime.Format("20060102T150405"),
		"{s}", p.Total.String(),
		"{fn}", p.FNNumber,
		"{fd}", p.FiscalDocumentNumber.String(),
		"{fp}", p.FiscalDocumentAttribute.String(),
		"{n}", p.FiscalReceiptNumber.String(),
	).Replace(s.ofdTemplate), nil
}

// parseReceiptDatetime tries the processor's format first and falls back to
// RFC3339, which some processor versions emit.
func parseReceiptDatetime(value string) (time.Time, error) {
	if t, err := time.Parse("02.01.2006 15:04:05", value); err == nil {
		return t, nil
	}
	return time.Parse(time.RFC3339, value)
}
