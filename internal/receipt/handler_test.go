package receipt_test

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"time"

	"github.com/go-chi/chi"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/shopspring/decimal"

	datamodel "github.com/frahmantamala/fiscal-receipts/internal/core/datamodel/receipt"
	receiptPkg "github.com/frahmantamala/fiscal-receipts/internal/receipt"
)

var _ = Describe("Handler", func() {
	var (
		repo    *mockRepository
		router  *chi.Mux
		ctx     context.Context
		service *receiptPkg.Service
	)

	BeforeEach(func() {
		repo = newMockRepository()
		ctx = context.Background()
		logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))

		client := &fakeFiscalAPI{}
		q := &recordingQueue{}
		service = receiptPkg.NewService(repo, client, q, nil,
			time.Minute, "https://ofd.example.com/?t={t}&s={s}&fn={fn}&i={fd}&fp={fp}&n={n}", logger)
		handler := receiptPkg.NewHandler(service, logger)

		router = chi.NewRouter()
		router.Post("/api/v1/receipts", handler.CreateReceipt)
		router.Get("/api/v1/receipts/{uuid}", handler.GetReceipt)
		router.Get("/r/{uuid}", handler.Redirect)
	})

	Describe("POST /api/v1/receipts", func() {
		It("creates a receipt and returns its view", func() {
			body := `{"purchase_name":"Monthly subscription","purchase_price":"99.90","user_email":"client@example.com"}`
			req := httptest.NewRequest(http.MethodPost, "/api/v1/receipts", strings.NewReader(body))
			rec := httptest.NewRecorder()

			router.ServeHTTP(rec, req)

			Expect(rec.Code).To(Equal(http.StatusCreated))

			var view receiptPkg.ReceiptView
			Expect(json.Unmarshal(rec.Body.Bytes(), &view)).To(Succeed())
			Expect(view.InternalUUID).ToNot(BeEmpty())
			Expect(view.Status).To(Equal(datamodel.StatusCreated))
			Expect(view.PurchasePrice).To(Equal("99.90"))
		})

		It("rejects a malformed body", func() {
			req := httptest.NewRequest(http.MethodPost, "/api/v1/receipts", strings.NewReader("{not json"))
			rec := httptest.NewRecorder()

			router.ServeHTTP(rec, req)
			Expect(rec.Code).To(Equal(http.StatusBadRequest))
		})

		It("rejects an invalid price", func() {
			body := `{"purchase_name":"Monthly subscription","purchase_price":"-5"}`
			req := httptest.NewRequest(http.MethodPost, "/api/v1/receipts", strings.NewReader(body))
			rec := httptest.NewRecorder()

			router.ServeHTTP(rec, req)
			Expect(rec.Code).To(Equal(http.StatusBadRequest))
			Expect(rec.Body.String()).To(ContainSubstring("purchase_price"))
		})
	})

	Describe("GET /api/v1/receipts/{uuid}", func() {
		It("returns the receipt view", func() {
			stored := &datamodel.Receipt{
				InternalUUID:  "uuid-1",
				Status:        datamodel.StatusInitiated,
				RemoteUUID:    "remote-1",
				PurchaseName:  "Monthly subscription",
				PurchasePrice: decimal.NewFromFloat(99.9),
			}
			Expect(repo.Create(ctx, stored)).To(Succeed())

			req := httptest.NewRequest(http.MethodGet, "/api/v1/receipts/uuid-1", nil)
			rec := httptest.NewRecorder()

			router.ServeHTTP(rec, req)

			Expect(rec.Code).To(Equal(http.StatusOK))

			var view receiptPkg.ReceiptView
			Expect(json.Unmarshal(rec.Body.Bytes(), &view)).To(Succeed())
			Expect(view.Status).To(Equal(datamodel.StatusInitiated))
			Expect(view.RemoteUUID).To(Equal("remote-1"))
		})

		It("returns 404 for unknown receipts", func() {
			req := httptest.NewRequest(http.MethodGet, "/api/v1/receipts/no-such-uuid", nil)
			rec := httptest.NewRecorder()

			router.ServeHTTP(rec, req)
			Expect(rec.Code).To(Equal(http.StatusNotFound))
		})
	})

	Describe("GET /r/{uuid}", func() {
		It("redirects to the verification page for a received receipt", func() {
			stored := &datamodel.Receipt{
				InternalUUID:  "uuid-1",
				Status:        datamodel.StatusReceived,
				RemoteUUID:    "remote-1",
				Content:       json.RawMessage(reportContent),
				PurchasePrice: decimal.NewFromFloat(99.9),
			}
			Expect(repo.Create(ctx, stored)).To(Succeed())

			req := httptest.NewRequest(http.MethodGet, "/r/uuid-1", nil)
			rec := httptest.NewRecorder()

			router.ServeHTTP(rec, req)

			Expect(rec.Code).To(Equal(http.StatusFound))
			Expect(rec.Header().Get("Location")).To(Equal(
				"https://ofd.example.com/?t=20170412T201600&s=99.9&fn=8710000100&i=133&fp=3449555941&n=2"))
		})

		It("returns 404 before the report arrives", func() {
			stored := &datamodel.Receipt{
				InternalUUID:  "uuid-1",
				Status:        datamodel.StatusInitiated,
				PurchasePrice: decimal.NewFromFloat(99.9),
			}
			Expect(repo.Create(ctx, stored)).To(Succeed())

			req := httptest.NewRequest(http.MethodGet, "/r/uuid-1", nil)
			rec := httptest.NewRecorder()

			router.ServeHTTP(rec, req)
			Expect(rec.Code).To(Equal(http.StatusNotFound))
		})

		It("returns 404 for unknown receipts", func() {
			req := httptest.NewRequest(http.MethodGet, "/r/no-such-uuid", nil)
			rec := httptest.NewRecorder()

			router.ServeHTTP(rec, req)
			Expect(rec.Code).To(Equal(http.StatusNotFound))
		})
	})
})
