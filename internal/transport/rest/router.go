package rest

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httprate"
	"github.com/hirehub/view-service/internal/metrics"
	"github.com/hirehub/view-service/internal/security"
)

type RateLimit struct {
	Enabled bool
	Limit   int
	Window  time.Duration
}

type RouterDeps struct {
	Handler        *Handler
	Verifier       security.AccessTokenVerifier
	InternalSecret string
	RateLimit      RateLimit
}

func NewRouter(d RouterDeps) http.Handler {
	if d.Handler == nil {
		panic("rest.NewRouter: nil handler")
	}

	r := chi.NewRouter()

	r.Use(RequestID)
	r.Use(middleware.RealIP)
	r.Use(HTTPLogger)
	r.Use(middleware.Recoverer)
	r.Use(SecurityHeaders)
	r.Use(metrics.HTTPMetrics)

	r.Get("/healthz", d.Handler.Healthz)
	r.Get("/readyz", d.Handler.Readyz)
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(OptionalAuth(d.Verifier))

		r.Get("/jobs/{jobID}/views", d.Handler.GetViewCount)
		r.Get("/views", d.Handler.GetViewCounts)

		r.Group(func(r chi.Router) {
			if d.RateLimit.Enabled {
				r.Use(httprate.LimitByIP(d.RateLimit.Limit, d.RateLimit.Window))
			}
			r.Post("/jobs/{jobID}/views", d.Handler.RecordView)
		})
	})

	r.Route("/internal/views", func(r chi.Router) {
		r.Use(InternalAuth(d.InternalSecret))

		r.Get("/pending", d.Handler.PendingSubjects)
		r.Post("/flush", d.Handler.Flush)
		r.Post("/sweep", d.Handler.Sweep)
	})

	return r
}
