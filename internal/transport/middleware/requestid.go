package middleware

import (
	"net/http"

	"github.com/google/uuid"

	"github.com/frahmantamala/fiscal-receipts/pkg/logger"
)

// RequestID tags every request with a trace id, propagated into the context
// logger and echoed back to the caller.
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		traceID := r.Header.Get("X-Trace-ID")
		if traceID == "" {
			traceID = uuid.NewString()
		}

		ctx := logger.With(r.Context(), "traceID", traceID)
		w.Header().Set("X-Trace-ID", traceID)

		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
