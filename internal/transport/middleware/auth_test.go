package middleware_test

import (
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/frahmantamala/fiscal-receipts/internal/transport/middleware"
)

func TestMiddleware(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Transport Middleware Suite")
}

var _ = Describe("ServiceAuth", func() {
	const secret = "test-secret"

	var protected http.Handler

	BeforeEach(func() {
		logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
		next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusNoContent)
		})
		protected = middleware.ServiceAuth(secret, logger)(next)
	})

	signToken := func(secret string, expiry time.Duration) string {
		token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
			"sub": "billing-service",
			"exp": time.Now().Add(expiry).Unix(),
		})
		signed, err := token.SignedString([]byte(secret))
		Expect(err).ToNot(HaveOccurred())
		return signed
	}

	It("lets a valid token through", func() {
		req := httptest.NewRequest(http.MethodPost, "/api/v1/receipts", nil)
		req.Header.Set("Authorization", "Bearer "+signToken(secret, time.Hour))
		rec := httptest.NewRecorder()

		protected.ServeHTTP(rec, req)
		Expect(rec.Code).To(Equal(http.StatusNoContent))
	})

	It("rejects a missing token", func() {
		req := httptest.NewRequest(http.MethodPost, "/api/v1/receipts", nil)
		rec := httptest.NewRecorder()

		protected.ServeHTTP(rec, req)
		Expect(rec.Code).To(Equal(http.StatusUnauthorized))
	})

	It("rejects a token signed with the wrong secret", func() {
		req := httptest.NewRequest(http.MethodPost, "/api/v1/receipts", nil)
		req.Header.Set("Authorization", "Bearer "+signToken("other-secret", time.Hour))
		rec := httptest.NewRecorder()

		protected.ServeHTTP(rec, req)
		Expect(rec.Code).To(Equal(http.StatusUnauthorized))
	})

	It("rejects an expired token", func() {
		req := httptest.NewRequest(http.MethodPost, "/api/v1/receipts", nil)
		req.Header.Set("Authorization", "Bearer "+signToken(secret, -time.Hour))
		rec := httptest.NewRecorder()

		protected.ServeHTTP(rec, req)
		Expect(rec.Code).To(Equal(http.StatusUnauthorized))
	})
})
