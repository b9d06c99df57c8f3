package http

import (
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/robertarktes/pandit-bookings/internal/idempotency"
	"github.com/robertarktes/pandit-bookings/internal/observability"
	"github.com/robertarktes/pandit-bookings/internal/rateLimit"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

type RouterOptions struct {
	JWTSecret   string
	RateLimiter *rateLimit.RateLimiter
	PerSubject  rateLimit.Limit
	PerIP       rateLimit.Limit
	Idempotency *idempotency.Idempotency
}

func SetupRouter(h *Handlers, logger observability.Logger, opts RouterOptions) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.Recoverer)
	r.Use(RequestIDMiddleware)
	r.Use(LoggerMiddleware(logger))
	r.Use(otelhttp.NewMiddleware("pandit-api"))
	r.Use(MetricsMiddleware)

	r.Get("/v1/healthz", h.Healthz)
	r.Get("/v1/readyz", h.Readyz)
	r.Get("/metrics", promhttp.Handler().ServeHTTP)

	// The gateway authenticates with the webhook signature and retries on
	// its own, so neither JWT nor Idempotency-Key applies.
	r.Post("/v1/payments/webhook", h.PaymentWebhook)

	r.Group(func(r chi.Router) {
		r.Use(JWTMiddleware(opts.JWTSecret))
		r.Use(RateLimitMiddleware(opts.RateLimiter, opts.PerSubject, opts.PerIP))
		r.Use(IdempotencyMiddleware(opts.Idempotency, logger))

		r.Post("/v1/bookings", h.CreateBooking)
		r.Get("/v1/bookings/{id}", h.GetBooking)
		r.Post("/v1/bookings/{id}/decision", h.SubmitDecision)
		r.Post("/v1/bookings/{id}/cancel", h.Cancel)
		r.Post("/v1/bookings/{id}/complete", h.Complete)
	})

	return r
}
