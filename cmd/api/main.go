package main

import (
	"context"
	"errors"
	"fmt"
	nethttp "net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gramvpn/provisioning-service/internal/app"
	"github.com/gramvpn/provisioning-service/internal/config"
	"github.com/gramvpn/provisioning-service/internal/http"
	"github.com/gramvpn/provisioning-service/internal/pkg/logger"
	"github.com/gramvpn/provisioning-service/migrations"
)

func main() {
	// Load configuration
	cfg := config.Load()

	log := logger.New(logger.Config{Level: cfg.Logging.Level, Format: cfg.Logging.Format})
	log.Info().Str("gateway_mode", cfg.Gateway.Mode).Msg("starting provisioning service")

	if err := cfg.Validate(); err != nil {
		log.Fatal().Err(err).Msg("invalid configuration")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize")
	}
	defer a.Close()

	applied, err := a.DB.Migrate(ctx, migrations.Files)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to apply migrations")
	}
	if len(applied) > 0 {
		log.Info().Strs("migrations", applied).Msg("migrations applied")
	}

	// Initialize HTTP server
	server := http.NewServer(cfg, a.Provision, a.Fleet, logger.Component(log, "http"))

	go a.RunJanitor(ctx, server.SweepLimiters)
	srv := &nethttp.Server{
		Addr:              fmt.Sprintf(":%s", cfg.Server.Port),
		Handler:           server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Start server in goroutine
	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", srv.Addr).Msg("server starting")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, nethttp.ErrServerClosed) {
			errCh <- err
		}
	}()

	// Graceful shutdown
	select {
	case <-ctx.Done():
	case err := <-errCh:
		log.Error().Err(err).Msg("server failed")
	}

	log.Info().Msg("shutting down server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("graceful shutdown failed")
	}

	log.Info().Msg("server exited")
}
