package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/sony/gobreaker/v2"

	"github.com/utafrali/catalog-screen/internal/catalog"
	"github.com/utafrali/catalog-screen/internal/config"
	"github.com/utafrali/catalog-screen/internal/controller"
	"github.com/utafrali/catalog-screen/internal/event"
	handler "github.com/utafrali/catalog-screen/internal/handler/http"
	"github.com/utafrali/catalog-screen/internal/screen"
	"github.com/utafrali/catalog-screen/pkg/health"
	"github.com/utafrali/catalog-screen/pkg/httpclient"
	pkgkafka "github.com/utafrali/catalog-screen/pkg/kafka"
	"github.com/utafrali/catalog-screen/pkg/tracing"
)

// App wires together all dependencies and runs the catalog screen service.
type App struct {
	cfg            *config.Config
	logger         *slog.Logger
	registry       *screen.Registry
	kafka          *pkgkafka.Producer
	events         *event.Producer
	httpServer     *http.Server
	tracerShutdown func(context.Context) error
}

// NewApp creates a new application instance: the listing client, the screen
// registry and the HTTP router.
func NewApp(cfg *config.Config, logger *slog.Logger) (*App, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	// Initialize OpenTelemetry tracing.
	tracerShutdown, err := tracing.InitTracer(ctx, cfg.Tracing())
	if err != nil {
		return nil, fmt.Errorf("init tracer: %w", err)
	}

	// Listing client, optionally behind a circuit breaker.
	var doer httpclient.Doer = httpclient.New(cfg.HTTPClient())
	var breaker *httpclient.CircuitBreakerClient
	if cfg.CBEnabled {
		breaker = httpclient.NewCircuitBreakerClient(doer, cfg.CircuitBreaker(), logger)
		doer = breaker
	}
	listing := catalog.NewClient(doer, cfg.APIBaseURL, logger)

	// Failures are always logged; with brokers configured they are also
	// published as events.
	var (
		kafkaProducer *pkgkafka.Producer
		events        *event.Producer
	)
	reporter := controller.Reporter(controller.NewLogReporter(logger))
	if len(cfg.KafkaBrokers) > 0 {
		kafkaProducer = pkgkafka.NewProducer(cfg.Kafka(), logger)
		events = event.NewProducer(kafkaProducer, config.ServiceName, cfg.KafkaPublishTimeout, logger)
		reporter = controller.Reporters(reporter, events)
	}

	policy := cfg.Policy()
	registry := screen.NewRegistry(func(id string, renderer controller.Renderer) *controller.Controller {
		return controller.New(listing,
			controller.WithScreenID(id),
			controller.WithLogger(logger),
			controller.WithRenderer(renderer),
			controller.WithReporter(reporter),
			controller.WithFailurePolicy(policy),
		)
	}, screen.Config{
		MaxScreens: cfg.MaxScreens,
		IdleTTL:    cfg.ScreenIdleTTL,
	}, logger)

	// Health checks: the listing service must be reachable; an open breaker
	// only degrades readiness.
	healthHandler := health.NewHandler()
	healthHandler.RegisterCritical("listing", listingReachable(cfg.APIBaseURL))
	if breaker != nil {
		healthHandler.RegisterNonCritical("circuit_breaker", func(ctx context.Context) error {
			if breaker.State() == gobreaker.StateOpen {
				return errors.New("listing circuit breaker is open")
			}
			return nil
		})
	}

	if kafkaProducer != nil {
		healthHandler.RegisterNonCritical("kafka", kafkaProducer.Ping)
	}

	router := handler.NewRouter(registry, healthHandler, cfg, logger)

	httpServer := &http.Server{
		Addr:              cfg.ListenAddr(),
		Handler:           router,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      35 * time.Second,
		IdleTimeout:       60 * time.Second,
		ReadHeaderTimeout: 10 * time.Second,
	}

	logger.Info("catalog screen service configured",
		slog.String("listing_url", listing.BaseURL()),
		slog.String("failure_policy", policy.String()),
		slog.Bool("circuit_breaker", cfg.CBEnabled),
		slog.Int("max_screens", cfg.MaxScreens),
		slog.Bool("failure_events", kafkaProducer != nil),
	)

	return &App{
		cfg:            cfg,
		logger:         logger,
		registry:       registry,
		kafka:          kafkaProducer,
		events:         events,
		httpServer:     httpServer,
		tracerShutdown: tracerShutdown,
	}, nil
}

// listingReachable dials the listing service host.
func listingReachable(baseURL string) health.Checker {
	return func(ctx context.Context) error {
		u, err := url.Parse(baseURL)
		if err != nil {
			return fmt.Errorf("parse listing URL: %w", err)
		}
		host := u.Host
		if u.Port() == "" {
			port := "80"
			if u.Scheme == "https" {
				port = "443"
			}
			host = net.JoinHostPort(u.Hostname(), port)
		}
		d := net.Dialer{Timeout: 2 * time.Second}
		conn, err := d.DialContext(ctx, "tcp", host)
		if err != nil {
			return fmt.Errorf("listing service unreachable: %w", err)
		}
		_ = conn.Close()
		return nil
	}
}

// Handler returns the HTTP handler. Used by tests.
func (a *App) Handler() http.Handler {
	return a.httpServer.Handler
}

// Run starts the HTTP server and blocks until the context is canceled.
func (a *App) Run(ctx context.Context) error {
	errCh := make(chan error, 1)

	go func() {
		a.logger.Info("starting HTTP server",
			slog.String("addr", a.httpServer.Addr),
		)
		if err := a.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("http server: %w", err)
		}
	}()

	select {
	case <-ctx.Done():
		a.logger.Info("shutdown signal received")
	case err := <-errCh:
		a.registry.CloseAll()
		return err
	}

	return a.Shutdown()
}

// Shutdown stops the service in order:
// 1. HTTP server (drain in-flight requests)
// 2. Screens (cancel outstanding fetches)
// 3. Failure events (finish publishes, flush the writer)
// 4. Tracer (flush pending spans)
func (a *App) Shutdown() error {
	a.logger.Info("shutting down application...")

	var errs []error

	httpCtx, httpCancel := context.WithTimeout(context.Background(), a.cfg.ShutdownTimeout)
	defer httpCancel()
	if err := a.httpServer.Shutdown(httpCtx); err != nil {
		a.logger.Error("http server shutdown error", slog.String("error", err.Error()))
		errs = append(errs, err)
	}

	a.registry.CloseAll()

	if a.kafka != nil {
		a.events.Wait()
		if err := a.kafka.Close(); err != nil {
			a.logger.Error("kafka producer close error", slog.String("error", err.Error()))
			errs = append(errs, err)
		}
	}

	if a.tracerShutdown != nil {
		tracerCtx, tracerCancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer tracerCancel()
		if err := a.tracerShutdown(tracerCtx); err != nil {
			a.logger.Error("tracer shutdown error", slog.String("error", err.Error()))
			errs = append(errs, err)
		}
	}

	a.logger.Info("application shutdown complete")
	return errors.Join(errs...)
}
