package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/utafrali/catalog-screen/internal/app"
	"github.com/utafrali/catalog-screen/internal/config"
	"github.com/utafrali/catalog-screen/pkg/logger"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("catalog-screen: invalid configuration", slog.String("error", err.Error()))
		os.Exit(2)
	}

	log := logger.NewFormat(config.ServiceName, cfg.LogLevel, cfg.LogFormat)
	if err := run(cfg, log); err != nil {
		log.Error("catalog screens exited with error", slog.String("error", err.Error()))
		os.Exit(1)
	}
}

// run serves screens until SIGINT or SIGTERM, then drains them.
func run(cfg *config.Config, log *slog.Logger) error {
	log.Info("serving catalog screens",
		slog.String("environment", cfg.Environment),
		slog.String("addr", cfg.ListenAddr()),
		slog.String("listing_api", cfg.APIBaseURL),
		slog.String("failure_policy", cfg.Policy().String()),
		slog.Int("max_screens", cfg.MaxScreens),
	)

	application, err := app.NewApp(cfg, log)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := application.Run(ctx); err != nil {
		return err
	}
	log.Info("catalog screens drained, bye")
	return nil
}
