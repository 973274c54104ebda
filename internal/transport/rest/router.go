package rest

import (
	"database/sql"
	"log/slog"

	"github.com/go-chi/chi"
	"github.com/redis/go-redis/v9"

	"github.com/frahmantamala/fiscal-receipts/internal/receipt"
	"github.com/frahmantamala/fiscal-receipts/internal/transport/middleware"
)

// RegisterAllRoutes wires the three surfaces of the service: health checks,
// the token-protected intake API, and the anonymous receipt redirect.
func RegisterAllRoutes(router *chi.Mux, db *sql.DB, redisClient *redis.Client, receiptHandler *receipt.Handler, serviceTokenSecret string, logger *slog.Logger) {
	healthHandler := NewHealthHandler(db, redisClient)

	router.Use(middleware.RequestID)
	router.Use(middleware.RecoveryMiddleware(logger))
	router.Use(middleware.LoggingMiddleware(logger))

	// anonymous redirect to the OFD verification page; links travel in
	// sms/email and must stay short and stable
	router.Get("/r/{uuid}", receiptHandler.Redirect)

	router.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", healthHandler.healthCheckHandler)
		r.Get("/ping", healthHandler.pingHandler)

		r.Group(func(pr chi.Router) {
			if serviceTokenSecret != "" {
				pr.Use(middleware.ServiceAuth(serviceTokenSecret, logger))
			}
			pr.Post("/receipts", receiptHandler.CreateReceipt)
			pr.Get("/receipts/{uuid}", receiptHandler.GetReceipt)
		})
	})
}
