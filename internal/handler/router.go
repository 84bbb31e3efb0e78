package handler

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/ComUnity/city-sentinel/internal/middleware"
)

type RouterDeps struct {
	Auth           *AuthHandler
	Health         *HealthHandler
	Dispatcher     DispatcherStatser
	Headers        middleware.HeadersConfig
	RequestTimeout time.Duration

	// Audit is optional; nil skips request auditing.
	Audit *middleware.RequestAuditMW
	// Sessions is optional; nil leaves /auth/session unrouted.
	Sessions TokenValidator
	// RegisterLimiter throttles /auth/register per client address. Login and
	// password changes are throttled inside the facade instead, so their
	// denials stay indistinguishable.
	RegisterLimiter *middleware.RateLimiter
}

// NewRouter wires the HTTP surface of the security service.
func NewRouter(d RouterDeps) http.Handler {
	if d.RequestTimeout <= 0 {
		d.RequestTimeout = 10 * time.Second
	}
	r := chi.NewRouter()
	r.Use(chimw.RequestID, chimw.Recoverer, chimw.Timeout(d.RequestTimeout))
	r.Use(middleware.SecurityHeaders(d.Headers))
	if d.Audit != nil {
		r.Use(d.Audit.Handler)
	}

	r.Method(http.MethodGet, "/healthz", d.Health)
	if d.Dispatcher != nil {
		r.Get("/dispatcher/stats", DispatcherStatsHandler(d.Dispatcher))
	}
	r.Route("/auth", func(rt chi.Router) {
		rt.Post("/login", d.Auth.Login)
		rt.Post("/password", d.Auth.ChangeSecret)
		if d.RegisterLimiter != nil {
			rt.With(d.RegisterLimiter.Handler).Post("/register", d.Auth.Register)
		} else {
			rt.Post("/register", d.Auth.Register)
		}
		if d.Sessions != nil {
			rt.Get("/session", SessionInfoHandler(d.Sessions))
		}
	})
	return r
}
