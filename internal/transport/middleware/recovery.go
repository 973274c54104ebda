package middleware

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"runtime/debug"

	"github.com/frahmantamala/fiscal-receipts/internal"
)

// RecoveryMiddleware converts panics into 500 responses with full logging.
func RecoveryMiddleware(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if err := recover(); err != nil {
					logger.Error("panic recovered",
						"error", err,
						"method", r.Method,
						"url", r.URL.String(),
						"stack", string(debug.Stack()))

					w.Header().Set("Content-Type", "application/json")
					w.WriteHeader(http.StatusInternalServerError)
					_ = json.NewEncoder(w).Encode(internal.APIErrorResponse{
						Error: internal.APIError{
							Code:    http.StatusText(http.StatusInternalServerError),
							Message: fmt.Sprintf("panic: %v", err),
						},
					})
				}
			}()

			next.ServeHTTP(w, r)
		})
	}
}
