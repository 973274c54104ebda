package middleware

import (
	"log/slog"
	"net/http"
	"time"
)

// statusWriter captures the response code for the access log.
type statusWriter struct {
	http.ResponseWriter
	statusCode int
}

func (sw *statusWriter) WriteHeader(code int) {
	sw.statusCode = code
	sw.ResponseWriter.WriteHeader(code)
}

// LoggingMiddleware writes one structured access-log line per request.
// Bodies are never logged: sell payloads carry emails and phone numbers.
func LoggingMiddleware(logger *slog.Logger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			sw := &statusWriter{ResponseWriter: w, statusCode: http.StatusOK}
			next.ServeHTTP(sw, r)

			logger.Info("http request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", sw.statusCode,
				"duration_ms", time.Since(start).Milliseconds(),
				"trace_id", w.Header().Get("X-Trace-ID"))
		})
	}
}
