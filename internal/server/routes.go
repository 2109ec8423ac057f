package server

import (
	"context"
	"os"

	"github.com/fulmenhq/gofulmen/signals"
	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/shopvet/shopvet/internal/appid"
	"github.com/shopvet/shopvet/internal/observability"
	"github.com/shopvet/shopvet/internal/server/handlers"
)

func (s *Server) registerRoutes() {
	s.router.Get("/health", handlers.HealthHandler)
	s.router.Get("/health/live", handlers.LivenessHandler)
	s.router.Get("/health/ready", handlers.ReadinessHandler)
	s.router.Get("/health/startup", handlers.StartupHandler)

	s.router.Get("/version", handlers.VersionHandler)
	s.router.Get("/metrics", MetricsHandler)

	if s.governor != nil {
		api := handlers.NewGovernanceAPI(s.governor)
		s.router.Route("/v1", func(r chi.Router) {
			api.Routes(r)
		})
	}

	s.registerAdminEndpoint()
}

// registerAdminEndpoint mounts POST /admin/signal when {PREFIX}ADMIN_TOKEN
// is set. Requests need the token as a bearer credential.
func (s *Server) registerAdminEndpoint() {
	envPrefix := appid.EnvPrefix
	if identity, _ := appid.Get(context.Background()); identity != nil && identity.EnvPrefix != "" {
		envPrefix = identity.EnvPrefix
	}

	logger := observability.ActiveLogger()
	adminToken := os.Getenv(envPrefix + "ADMIN_TOKEN")
	if adminToken == "" {
		logger.Debug("Admin signal endpoint disabled (no " + envPrefix + "ADMIN_TOKEN set)")
		return
	}

	handler := signals.NewHTTPHandler(signals.HTTPConfig{
		TokenAuth: adminToken,
		RateLimit: 10, // per minute
		RateBurst: 5,
	})
	s.router.Post("/admin/signal", handler.ServeHTTP)

	logger.Info("Admin signal endpoint enabled",
		zap.String("path", "/admin/signal"),
		zap.String("auth", "bearer token"),
		zap.String("rate_limit", "10/min, burst 5"))
	logger.Warn("Admin endpoint enabled - ensure this server is not exposed to public internet")
}
