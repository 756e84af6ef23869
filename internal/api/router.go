/**
 * @description
 * This file sets up the HTTP router for the payment-batch-service. Batch endpoints are
 * internal and guarded by the shared API key; health and metrics are open.
 *
 * @dependencies
 * - github.com/go-chi/chi/v5: A lightweight and idiomatic router for Go.
 * - github.com/go-chi/cors: For the optional operations dashboard origins.
 */

package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// RouterConfig configures BatchRoutes.
type RouterConfig struct {
	InternalAPIKey string
	// RequestTimeout must exceed the hold timeout; a batch request blocks until commit.
	RequestTimeout time.Duration
	AllowedOrigins []string
	Metrics        http.Handler
}

// BatchRoutes creates and returns a new router for the payment batch service.
func BatchRoutes(h *BatchHandlers, cfg RouterConfig) http.Handler {
	r := chi.NewRouter()

	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}

	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(timeout))
	if len(cfg.AllowedOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: cfg.AllowedOrigins,
			AllowedMethods: []string{"GET", "POST", "OPTIONS"},
			AllowedHeaders: []string{"Accept", "Content-Type", "X-Internal-API-Key", callerHeader},
			MaxAge:         300,
		}))
	}

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("healthy"))
	})
	if cfg.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", cfg.Metrics)
	}

	r.Group(func(r chi.Router) {
		r.Use(InternalAuthMiddleware(cfg.InternalAPIKey))

		r.Post("/payment-batches", h.SubmitBatchHandler)
		r.Post("/payment-intake", h.EnqueueIntakeHandler)
		r.Get("/payments/{paymentRef}", h.GetPaymentHandler)
	})

	return r
}
