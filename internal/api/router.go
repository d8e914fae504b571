package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimid "github.com/go-chi/chi/v5/middleware"

	"github.com/prguard/engine/internal/api/handlers"
	mw "github.com/prguard/engine/internal/api/middleware"
	"github.com/prguard/engine/internal/services"
)

// Default per-IP limits for inbound traffic. GitHub delivers from a small pool
// of addresses, so the bucket is generous.
const (
	DefaultRateLimit = 50
	DefaultBurst     = 200
)

type Dependencies struct {
	Webhooks  services.WebhookService
	Checks    map[string]handlers.Checker
	RateLimit float64
	Burst     int
}

func NewRouter(dep Dependencies) http.Handler {
	if dep.RateLimit <= 0 {
		dep.RateLimit = DefaultRateLimit
	}
	if dep.Burst <= 0 {
		dep.Burst = DefaultBurst
	}

	r := chi.NewRouter()

	r.Use(mw.RequestID)
	r.Use(mw.Recovery)
	r.Use(mw.Logging)
	r.Use(mw.RateLimit(dep.RateLimit, dep.Burst))
	r.Use(chimid.Compress(5))

	hh := handlers.NewHealthHandler(dep.Checks)
	r.Get("/healthz", hh.Liveness)
	r.Get("/readyz", hh.Readiness)

	wh := handlers.NewWebhookHandler(dep.Webhooks)
	r.Route("/webhooks", func(wr chi.Router) {
		wr.Post("/github", wh.GitHub)
	})

	return r
}
