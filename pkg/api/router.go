package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// Routes returns a chi router serving every endpoint of the handler.
//
//	POST /webhooks/stripe
//	GET  /v1/subscriptions/me
//	GET  /v1/subscriptions/diagnose
//	GET  /v1/subscriptions/verify-session
//	POST /v1/subscriptions/cancel
//	POST /v1/admin/subscriptions/cancel
//	GET  /v1/admin/webhook-events
//	GET  /healthz
//	GET  /readyz
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", h.Healthz)
	r.Get("/readyz", h.Readyz)

	if h.config.WebhookHandler != nil {
		// the provider handler enforces its own method, size and rate limits
		r.Handle("/webhooks/stripe", h.config.WebhookHandler)
	}

	r.Route("/v1", func(r chi.Router) {
		// bounded by the post-checkout poll deadline plus one provider call
		r.Use(middleware.Timeout(30 * time.Second))

		r.Route("/subscriptions", func(r chi.Router) {
			r.Get("/me", h.Me)
			r.Get("/diagnose", h.Diagnose)
			r.Get("/verify-session", h.VerifySession)
			r.Post("/cancel", h.CancelOwn)
		})
		r.Route("/admin", func(r chi.Router) {
			r.Post("/subscriptions/cancel", h.AdminCancel)
			r.Get("/webhook-events", h.WebhookEvents)
		})
	})
	return r
}

// ServeHTTP makes the handler usable directly as an http.Handler.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.router.ServeHTTP(w, r)
}
