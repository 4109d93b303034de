package http

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/jockeBjers/isolApi/pkg/health"
	"github.com/jockeBjers/isolApi/pkg/middleware"
	"github.com/jockeBjers/isolApi/services/auth/internal/service"
	"github.com/jockeBjers/isolApi/services/auth/internal/token"
)

const serviceName = "auth"

// RouterDeps are the collaborators NewRouter wires into the routes.
type RouterDeps struct {
	Service *service.Authenticator
	Health  *health.Handler
	Limiter middleware.Limiter

	// TrustedProxies decides whose forwarding headers key the rate limits.
	TrustedProxies middleware.TrustedProxies

	// Registry receives the HTTP collectors and is served on /metrics.
	Registry *prometheus.Registry

	CORS   middleware.CORSConfig
	Logger *slog.Logger
}

// NewRouter creates a chi router with all auth service routes registered.
func NewRouter(deps RouterDeps) http.Handler {
	logger := deps.Logger
	r := chi.NewRouter()

	// Global middleware
	r.Use(middleware.Recovery(logger))
	r.Use(middleware.RequestLogging(logger))
	r.Use(middleware.Tracing(serviceName))
	r.Use(middleware.RequestLogger(logger))
	r.Use(middleware.NewHTTPMetrics(deps.Registry, serviceName).Handler)
	r.Use(middleware.CORS(deps.CORS))

	// Health check endpoints
	r.Get("/health/live", deps.Health.LivenessHandler())
	r.Get("/health/ready", deps.Health.ReadinessHandler())
	r.Handle("/metrics", promhttp.HandlerFor(deps.Registry, promhttp.HandlerOpts{Registry: deps.Registry}))

	authHandler := NewAuthHandler(deps.Service, logger)
	validate := tokenValidator(deps.Service.Issuer())

	r.Route("/api/v1/auth", func(r chi.Router) {
		r.Use(ContentTypeJSON)

		r.With(middleware.RateLimit(deps.Limiter, "register", deps.TrustedProxies, logger)).Post("/register", authHandler.Register)
		r.With(middleware.RateLimit(deps.Limiter, "login", deps.TrustedProxies, logger)).Post("/login", authHandler.Login)
		r.Post("/refresh", authHandler.Refresh)

		r.Group(func(r chi.Router) {
			r.Use(middleware.Auth(validate))

			r.Post("/logout", authHandler.Logout)
			r.Get("/me", authHandler.Me)
		})
	})

	return r
}

// tokenValidator bridges the access token issuer to the auth middleware.
func tokenValidator(issuer *token.Issuer) middleware.TokenValidator {
	return func(_ context.Context, raw string) (*middleware.Claims, error) {
		claims, err := issuer.ParseToken(raw)
		if err != nil {
			return nil, err
		}
		return &middleware.Claims{
			UserID:         strconv.FormatInt(claims.UserID, 10),
			Email:          claims.Email,
			Role:           claims.Role,
			OrganizationID: claims.OrganizationID,
			TokenID:        claims.ID,
		}, nil
	}
}
