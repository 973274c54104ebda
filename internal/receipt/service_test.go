package receipt_test

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"testing"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/shopspring/decimal"

	"github.com/frahmantamala/fiscal-receipts/internal"
	datamodel "github.com/frahmantamala/fiscal-receipts/internal/core/datamodel/receipt"
	"github.com/frahmantamala/fiscal-receipts/internal/core/events"
	"github.com/frahmantamala/fiscal-receipts/internal/fiscal"
	"github.com/frahmantamala/fiscal-receipts/internal/queue"
	receiptPkg "github.com/frahmantamala/fiscal-receipts/internal/receipt"
)

func TestReceiptService(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Receipt Service Suite")
}

type mockRepository struct {
	receipts    map[int64]*datamodel.Receipt
	nextID      int64
	createError error
	saveError   error
}

func newMockRepository() *mockRepository {
	return &mockRepository{receipts: make(map[int64]*datamodel.Receipt), nextID: 1}
}

func (m *mockRepository) Create(_ context.Context, rec *datamodel.Receipt) error {
	if m.createError != nil {
		return m.createError
	}
	rec.ID = m.nextID
	m.nextID++
	rec.CreatedAt = time.Now()
	copied := *rec
	m.receipts[rec.ID] = &copied
	return nil
}

func (m *mockRepository) Save(_ context.Context, rec *datamodel.Receipt) error {
	if m.saveError != nil {
		return m.saveError
	}
	copied := *rec
	m.receipts[rec.ID] = &copied
	return nil
}

func (m *mockRepository) GetByID(_ context.Context, id int64) (*datamodel.Receipt, error) {
	rec, ok := m.receipts[id]
	if !ok {
		return nil, internal.ErrReceiptNotFound
	}
	copied := *rec
	return &copied, nil
}

func (m *mockRepository) GetByInternalUUID(_ context.Context, internalUUID string) (*datamodel.Receipt, error) {
	for _, rec := range m.receipts {
		if rec.InternalUUID == internalUUID {
			copied := *rec
			return &copied, nil
		}
	}
	return nil, internal.ErrReceiptNotFound
}

func (m *mockRepository) FindByStatusAndAgeWindow(_ context.Context, _ string, _, _ time.Duration) ([]*datamodel.Receipt, error) {
	return nil, nil
}

type fakeFiscalAPI struct {
	sellResult *fiscal.NewReceipt
	sellError  error
	lastSell   *fiscal.SellRequest
	sellCalls  int

	reportResult *fiscal.ReceiptReport
	reportError  error
	reportCalls  int
	lastReport   string
}

func (f *fakeFiscalAPI) Sell(_ context.Context, req *fiscal.SellRequest) (*fiscal.NewReceipt, error) {
	f.sellCalls++
	f.lastSell = req
	return f.sellResult, f.sellError
}

func (f *fakeFiscalAPI) Report(_ context.Context, remoteUUID string) (*fiscal.ReceiptReport, error) {
	f.reportCalls++
	f.lastReport = remoteUUID
	return f.reportResult, f.reportError
}

type scheduled struct {
	job   queue.Job
	delay time.Duration
}

type recordingQueue struct {
	entries []scheduled
}

func (q *recordingQueue) Enqueue(_ context.Context, job queue.Job, delay time.Duration) error {
	q.entries = append(q.entries, scheduled{job: job, delay: delay})
	return nil
}

const reportContent = `{"payload":{"total":99.9,"fn_number":"8710000100","fiscal_document_number":133,"fiscal_document_attribute":3449555941,"fiscal_receipt_number":2,"receipt_datetime":"12.04.2017 20:16:00"}}`

var _ = Describe("Service", func() {
	var (
		repo      *mockRepository
		client    *fakeFiscalAPI
		q         *recordingQueue
		bus       *events.EventBus
		service   *receiptPkg.Service
		published []events.Event
		ctx       context.Context
	)

	reportDelay := 30 * time.Second

	BeforeEach(func() {
		repo = newMockRepository()
		client = &fakeFiscalAPI{
			sellResult:   &fiscal.NewReceipt{UUID: "remote-1"},
			reportResult: &fiscal.ReceiptReport{UUID: "remote-1", Data: json.RawMessage(reportContent)},
		}
		q = &recordingQueue{}
		ctx = context.Background()
		published = nil

		logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
		bus = events.NewEventBus(logger)
		record := func(_ context.Context, event events.Event) error {
			published = append(published, event)
			return nil
		}
		bus.Subscribe(events.EventTypeReceiptInitiated, record)
		bus.Subscribe(events.EventTypeReceiptReceived, record)
		bus.Subscribe(events.EventTypeReceiptFailed, record)

		service = receiptPkg.NewService(repo, client, q, bus,
			reportDelay, "https://ofd.example.com/?t={t}&s={s}&fn={fn}&i={fd}&fp={fp}&n={n}", logger)
	})

	storeReceipt := func(status, remoteUUID string) *datamodel.Receipt {
		rec := &datamodel.Receipt{
			InternalUUID:  "internal-1",
			RemoteUUID:    remoteUUID,
			Status:        status,
			UserEmail:     "client@example.com",
			PurchaseName:  "Monthly subscription",
			PurchasePrice: decimal.NewFromFloat(99.9),
		}
		Expect(repo.Create(ctx, rec)).To(Succeed())
		return rec
	}

	Describe("CreateReceipt", func() {
		It("stores the receipt and enqueues an immediate submission", func() {
			rec, err := service.CreateReceipt(ctx, &receiptPkg.CreateReceiptRequest{
				PurchaseName:  "Monthly subscription",
				PurchasePrice: "99.90",
				UserEmail:     "client@example.com",
			})
			Expect(err).ToNot(HaveOccurred())
			Expect(rec.Status).To(Equal(datamodel.StatusCreated))
			Expect(rec.InternalUUID).ToNot(BeEmpty())

			Expect(q.entries).To(HaveLen(1))
			Expect(q.entries[0].job.Kind).To(Equal(queue.KindSubmit))
			Expect(q.entries[0].job.ReceiptID).To(Equal(rec.ID))
			Expect(q.entries[0].delay).To(BeZero())
		})

		It("rejects an unparsable price", func() {
			_, err := service.CreateReceipt(ctx, &receiptPkg.CreateReceiptRequest{
				PurchaseName:  "Monthly subscription",
				PurchasePrice: "ninety-nine",
				UserEmail:     "client@example.com",
			})
			Expect(err).To(HaveOccurred())
			Expect(q.entries).To(BeEmpty())
		})
	})

	Describe("Submit", func() {
		It("declares a receipt without contact details failed before any network call", func() {
			rec := storeReceipt(datamodel.StatusCreated, "")
			rec.UserEmail = ""
			Expect(repo.Save(ctx, rec)).To(Succeed())

			Expect(service.Submit(ctx, rec.ID)).To(Succeed())

			Expect(client.sellCalls).To(BeZero())
			saved, _ := repo.GetByID(ctx, rec.ID)
			Expect(saved.Status).To(Equal(datamodel.StatusNoContact))

			Expect(published).To(HaveLen(1))
			Expect(published[0].EventType()).To(Equal(events.EventTypeReceiptFailed))
		})

		It("ignores redelivered jobs for receipts already past submission", func() {
			rec := storeReceipt(datamodel.StatusReceived, "remote-1")

			Expect(service.Submit(ctx, rec.ID)).To(Succeed())

			Expect(client.sellCalls).To(BeZero())
			saved, _ := repo.GetByID(ctx, rec.ID)
			Expect(saved.Status).To(Equal(datamodel.StatusReceived))
		})

		It("moves the receipt to initiated and schedules reconciliation on success", func() {
			rec := storeReceipt(datamodel.StatusCreated, "")

			Expect(service.Submit(ctx, rec.ID)).To(Succeed())

			Expect(client.lastSell.ExternalID).To(Equal("internal-1"))

			saved, _ := repo.GetByID(ctx, rec.ID)
			Expect(saved.Status).To(Equal(datamodel.StatusInitiated))
			Expect(saved.RemoteUUID).To(Equal("remote-1"))
			Expect(saved.InitiatedAt).ToNot(BeNil())

			Expect(q.entries).To(HaveLen(1))
			Expect(q.entries[0].job.Kind).To(Equal(queue.KindReconcile))
			Expect(q.entries[0].delay).To(Equal(reportDelay))

			Expect(published).To(HaveLen(1))
			Expect(published[0].EventType()).To(Equal(events.EventTypeReceiptInitiated))
		})

		It("keeps the retried status when a resubmission succeeds", func() {
			rec := storeReceipt(datamodel.StatusRetried, "")

			Expect(service.Submit(ctx, rec.ID)).To(Succeed())

			saved, _ := repo.GetByID(ctx, rec.ID)
			Expect(saved.Status).To(Equal(datamodel.StatusRetried))
			Expect(saved.RemoteUUID).To(Equal("remote-1"))
			Expect(saved.RetriedAt).ToNot(BeNil())
		})

		It("escalates recoverable faults without touching the receipt", func() {
			rec := storeReceipt(datamodel.StatusCreated, "")
			client.sellResult = nil
			client.sellError = internal.NewTransportFault("connection refused", nil)

			err := service.Submit(ctx, rec.ID)
			Expect(err).To(HaveOccurred())
			Expect(internal.IsRecoverable(err)).To(BeTrue())

			saved, _ := repo.GetByID(ctx, rec.ID)
			Expect(saved.Status).To(Equal(datamodel.StatusCreated))
			Expect(q.entries).To(BeEmpty())
		})

		It("commits unrecoverable faults as a terminal failure", func() {
			rec := storeReceipt(datamodel.StatusCreated, "")
			client.sellResult = nil
			client.sellError = internal.NewDomainFault(internal.ClassUnrecoverable, "invalid inn", nil)

			Expect(service.Submit(ctx, rec.ID)).To(Succeed())

			saved, _ := repo.GetByID(ctx, rec.ID)
			Expect(saved.Status).To(Equal(datamodel.StatusFailed))
			Expect(saved.FailedAt).ToNot(BeNil())

			Expect(published).To(HaveLen(1))
			Expect(published[0].EventType()).To(Equal(events.EventTypeReceiptFailed))
		})
	})

	Describe("Reconcile", func() {
		It("skips receipts that never got a remote uuid", func() {
			rec := storeReceipt(datamodel.StatusInitiated, "")

			Expect(service.Reconcile(ctx, rec.ID)).To(Succeed())
			Expect(client.reportCalls).To(BeZero())
		})

		It("ignores redelivered jobs for receipts already resolved", func() {
			rec := storeReceipt(datamodel.StatusReceived, "remote-1")

			Expect(service.Reconcile(ctx, rec.ID)).To(Succeed())
			Expect(client.reportCalls).To(BeZero())
		})

		It("stores the report and completes the receipt", func() {
			rec := storeReceipt(datamodel.StatusInitiated, "remote-1")

			Expect(service.Reconcile(ctx, rec.ID)).To(Succeed())

			Expect(client.lastReport).To(Equal("remote-1"))

			saved, _ := repo.GetByID(ctx, rec.ID)
			Expect(saved.Status).To(Equal(datamodel.StatusReceived))
			Expect(saved.Content).To(MatchJSON(reportContent))
			Expect(saved.ReceivedAt).ToNot(BeNil())

			Expect(published).To(HaveLen(1))
			Expect(published[0].EventType()).To(Equal(events.EventTypeReceiptReceived))
		})

		It("resubmits a dead submission under a fresh idempotency key", func() {
			rec := storeReceipt(datamodel.StatusInitiated, "remote-1")
			client.reportResult = nil
			client.reportError = internal.NewDomainFault(internal.ClassNotProcessed, "not processed", nil)

			Expect(service.Reconcile(ctx, rec.ID)).To(Succeed())

			saved, _ := repo.GetByID(ctx, rec.ID)
			Expect(saved.Status).To(Equal(datamodel.StatusRetried))
			Expect(saved.InternalUUID).ToNot(Equal("internal-1"))
			Expect(saved.RemoteUUID).To(BeEmpty())

			Expect(q.entries).To(HaveLen(1))
			Expect(q.entries[0].job.Kind).To(Equal(queue.KindSubmit))
			Expect(q.entries[0].delay).To(Equal(reportDelay))
		})

		It("escalates a not-ready report for retry without touching the receipt", func() {
			rec := storeReceipt(datamodel.StatusInitiated, "remote-1")
			client.reportResult = nil
			client.reportError = internal.NewDomainFault(internal.ClassRecoverable, "report not ready", nil)

			err := service.Reconcile(ctx, rec.ID)
			Expect(err).To(HaveOccurred())
			Expect(internal.IsRecoverable(err)).To(BeTrue())

			saved, _ := repo.GetByID(ctx, rec.ID)
			Expect(saved.Status).To(Equal(datamodel.StatusInitiated))
			Expect(saved.RemoteUUID).To(Equal("remote-1"))
		})

		It("commits unrecoverable report faults as a terminal failure", func() {
			rec := storeReceipt(datamodel.StatusInitiated, "remote-1")
			client.reportResult = nil
			client.reportError = internal.NewDomainFault(internal.ClassUnrecoverable, "group mismatch", nil)

			Expect(service.Reconcile(ctx, rec.ID)).To(Succeed())

			saved, _ := repo.GetByID(ctx, rec.ID)
			Expect(saved.Status).To(Equal(datamodel.StatusFailed))
		})
	})

	Describe("Fail", func() {
		It("marks a stuck receipt failed and publishes the event", func() {
			rec := storeReceipt(datamodel.StatusInitiated, "remote-1")

			Expect(service.Fail(ctx, rec.ID, "run out of attempts")).To(Succeed())

			saved, _ := repo.GetByID(ctx, rec.ID)
			Expect(saved.Status).To(Equal(datamodel.StatusFailed))

			Expect(published).To(HaveLen(1))
			failed, ok := published[0].(*events.ReceiptFailedEvent)
			Expect(ok).To(BeTrue())
			Expect(failed.Reason).To(Equal("run out of attempts"))
		})

		It("leaves terminal receipts untouched", func() {
			rec := storeReceipt(datamodel.StatusReceived, "remote-1")

			Expect(service.Fail(ctx, rec.ID, "late exhaustion")).To(Succeed())

			saved, _ := repo.GetByID(ctx, rec.ID)
			Expect(saved.Status).To(Equal(datamodel.StatusReceived))
			Expect(published).To(BeEmpty())
		})
	})

	Describe("OFDLink", func() {
		It("renders the verification url from the stored report", func() {
			rec := storeReceipt(datamodel.StatusReceived, "remote-1")
			rec.Content = json.RawMessage(reportContent)
			Expect(repo.Save(ctx, rec)).To(Succeed())

			link, err := service.OFDLink(ctx, "internal-1")
			Expect(err).ToNot(HaveOccurred())
			Expect(link).To(Equal("https://ofd.example.com/?t=20170412T201600&s=99.9&fn=8710000100&i=133&fp=3449555941&n=2"))
		})

		It("accepts RFC3339 receipt timestamps", func() {
			rec := storeReceipt(datamodel.StatusReceived, "remote-1")
			rec.Content = json.RawMessage(`{"payload":{"total":10,"fn_number":"8710000100","fiscal_document_number":1,"fiscal_document_attribute":2,"fiscal_receipt_number":3,"receipt_datetime":"2017-04-12T20:16:00Z"}}`)
			Expect(repo.Save(ctx, rec)).To(Succeed())

			link, err := service.OFDLink(ctx, "internal-1")
			Expect(err).ToNot(HaveOccurred())
			Expect(link).To(ContainSubstring("t=20170412T201600"))
		})

		It("reports not found before the report arrives", func() {
			storeReceipt(datamodel.StatusInitiated, "remote-1")

			_, err := service.OFDLink(ctx, "internal-1")
			Expect(err).To(MatchError(internal.ErrReceiptNotFound))
		})

		It("reports not found on malformed content", func() {
			rec := storeReceipt(datamodel.StatusReceived, "remote-1")
			rec.Content = json.RawMessage(`{"payload":{"total":10}}`)
			Expect(repo.Save(ctx, rec)).To(Succeed())

			_, err := service.OFDLink(ctx, "internal-1")
			Expect(err).To(MatchError(internal.ErrReceiptNotFound))
		})

		It("reports not found for unknown receipts", func() {
			_, err := service.OFDLink(ctx, "no-such-uuid")
			Expect(err).To(MatchError(internal.ErrReceiptNotFound))
		})
	})

	Describe("repository failures", func() {
		It("propagates save failures so the job is retried", func() {
			rec := storeReceipt(datamodel.StatusCreated, "")
			repo.saveError = errors.New("connection lost")

			err := service.Submit(ctx, rec.ID)
			Expect(err).To(HaveOccurred())
			// unknown errors count as recoverable
			Expect(internal.IsRecoverable(err)).To(BeTrue())
		})
	})
})
