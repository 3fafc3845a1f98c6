package http

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/utafrali/catalog-screen/internal/config"
	"github.com/utafrali/catalog-screen/pkg/health"
	"github.com/utafrali/catalog-screen/pkg/middleware"
)

// NewRouter creates a chi router with all catalog screen routes registered.
func NewRouter(
	screens Screens,
	healthHandler *health.Handler,
	cfg *config.Config,
	logger *slog.Logger,
) http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(middleware.Recovery(logger))
	r.Use(middleware.CORS(middleware.CORSConfig{
		AllowedOrigins: cfg.CORSAllowedOrigins,
		Environment:    cfg.Environment,
	}))
	r.Use(chimw.Compress(5))
	r.Use(chimw.Timeout(30 * time.Second))
	r.Use(middleware.RequestLogging(logger))
	r.Use(middleware.PrometheusMetrics(config.ServiceName))
	r.Use(middleware.Tracing(config.ServiceName))
	r.Use(middleware.RequestLogger(logger))

	// Health check endpoints
	r.Get("/health/live", healthHandler.LivenessHandler())
	r.Get("/health/ready", healthHandler.ReadinessHandler())
	r.With(middleware.IPAllowlist(cfg.MetricsAllowedCIDRs, logger)).
		Handle("/metrics", promhttp.Handler())

	// Pprof debug endpoints with IP allowlist.
	middleware.RegisterPprof(r, cfg.PprofAllowedCIDRs, logger)

	screenHandler := NewScreenHandler(screens, logger)

	r.Route("/api/v1/screens", func(r chi.Router) {
		r.Use(middleware.RateLimit(cfg.RateLimitRPS, cfg.RateLimitBurst, logger))
		r.Use(middleware.NoStore)
		r.Use(ContentTypeJSON)

		r.Post("/", screenHandler.CreateScreen)

		r.Route("/{id}", func(r chi.Router) {
			r.Use(middleware.ScreenScope("id"))

			r.Get("/", screenHandler.GetScreen)
			r.Delete("/", screenHandler.DeleteScreen)
			r.Patch("/filters", screenHandler.PatchFilters)
			r.Put("/filters", screenHandler.ReplaceFilters)
			r.Post("/retry", screenHandler.RetryScreen)
		})
	})

	return r
}
