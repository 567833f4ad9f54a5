// Command reviewd is the review pipeline daemon. It receives code-host
// webhook events, drives the review workflow for each change, and exposes
// the review and inspection API.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/fyrsmithlabs/reviewd/internal/checks"
	"github.com/fyrsmithlabs/reviewd/internal/codehost"
	"github.com/fyrsmithlabs/reviewd/internal/config"
	"github.com/fyrsmithlabs/reviewd/internal/engine"
	"github.com/fyrsmithlabs/reviewd/internal/gateway"
	"github.com/fyrsmithlabs/reviewd/internal/httpapi"
	"github.com/fyrsmithlabs/reviewd/internal/identity"
	"github.com/fyrsmithlabs/reviewd/internal/logging"
	"github.com/fyrsmithlabs/reviewd/internal/store"
	"github.com/fyrsmithlabs/reviewd/internal/telemetry"
	"github.com/fyrsmithlabs/reviewd/internal/ticket"
	"github.com/fyrsmithlabs/reviewd/internal/ticketing"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", "", "path to config file")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger, err := newLogger(cfg.Logging)
	if err != nil {
		return fmt.Errorf("initializing logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	logger.Info(ctx, "reviewd starting",
		zap.String("host", cfg.Server.Host),
		zap.Int("port", cfg.Server.Port),
	)

	tel, err := telemetry.New(ctx, cfg.Telemetry, logger)
	if err != nil {
		return fmt.Errorf("initializing telemetry: %w", err)
	}
	defer func() {
		if err := tel.Shutdown(context.Background()); err != nil {
			logger.Warn(context.Background(), "telemetry shutdown failed", zap.Error(err))
		}
	}()

	st, err := store.Open(cfg.Store.Path, logger)
	if err != nil {
		return fmt.Errorf("opening state store: %w", err)
	}
	defer func() { _ = st.Close() }()

	alarm := func(ctx context.Context, reason string, err error) {
		logger.Error(ctx, "ALARM", zap.String("reason", reason), zap.Error(err))
	}
	gw := gateway.New(cfg.Gateway, logger, func(ctx context.Context, dependency, reason string, err error) {
		alarm(ctx, fmt.Sprintf("%s: %s", dependency, reason), err)
	})

	host, err := codehost.NewClient(ctx, cfg.CodeHost, gw)
	if err != nil {
		return fmt.Errorf("creating code host client: %w", err)
	}
	tracker := ticketing.NewClient(cfg.Ticketing, gw)

	cache := identity.NewCache(cfg.Identity.CacheTTL.Duration())
	resolver := identity.NewResolver(cfg.Identity, cache, tracker, logger)

	tickets := ticket.NewService(cfg.Ticketing, tracker, resolver, st, logger, alarm)
	defer tickets.Close()

	registry := checks.NewRegistry()
	for _, step := range cfg.Pipeline.Steps {
		if step.Name == config.HumanReviewStep || step.Endpoint == "" {
			continue
		}
		registry.Register(checks.NewHTTPChecker(step.Name, step.Endpoint, gw))
	}

	eng := engine.New(cfg.Pipeline, cfg.Server.BaseURL, registry, st, host, tickets, logger, alarm)
	defer eng.Close()

	if n := eng.Resume(ctx); n > 0 {
		logger.Info(ctx, "resumed in-flight workflows", zap.Int("count", n))
	}

	srv, err := httpapi.NewServer(cfg.Server, cfg.CodeHost.WebhookSecret, eng, logger)
	if err != nil {
		return fmt.Errorf("creating http server: %w", err)
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
	}

	logger.Info(context.Background(), "shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout.Duration())
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn(shutdownCtx, "http shutdown failed", zap.Error(err))
	}
	return nil
}

// newLogger builds the logger from the daemon's logging section.
func newLogger(cfg config.LoggingConfig) (*logging.Logger, error) {
	lc := logging.NewDefaultConfig()
	if cfg.Level != "" {
		level, err := zapcore.ParseLevel(cfg.Level)
		if err != nil {
			return nil, fmt.Errorf("invalid log level %q: %w", cfg.Level, err)
		}
		lc.Level = level
	}
	if cfg.Format != "" {
		lc.Format = cfg.Format
	}
	return logging.NewLogger(lc)
}
