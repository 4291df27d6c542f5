package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

func main() {
	os.Exit(run())
}

// run returns the process exit code. Everything deferred in it, the
// trace flush included, has run by the time main exits.
func run() int {
	conf, err := parseFlags(os.Args[1:], os.LookupEnv, os.Stderr)
	if errors.Is(err, flag.ErrHelp) {
		return 0
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "startonce: %v\n", err)
		return 2
	}

	logger, err := newLogger(conf)
	if err != nil {
		fmt.Fprintf(os.Stderr, "startonce: %v\n", err)
		return 2
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := initTracing(ctx, conf)
	if err != nil {
		logger.Error("Failed to initialize tracing", zap.Error(err))
		return 1
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(shutdownCtx); err != nil {
			logger.Warn("Failed to flush traces", zap.Error(err))
		}
	}()

	registry := prometheus.NewRegistry()
	m := newMetrics(registry)

	switch conf.command {
	case "simulate":
		err = runSimulate(ctx, conf, logger, m)
	case "reset":
		err = runReset(ctx, conf, logger)
	default:
		err = runInstance(ctx, conf, logger, registry, m)
	}
	if err != nil {
		logger.Error("Application failed", zap.Error(err))
		return 1
	}

	logger.Info("Stopping application...")
	return 0
}

// runInstance joins the configured backend and runs one instance, with
// the health server alongside it when -listen is set.
func runInstance(ctx context.Context, conf config, logger *zap.Logger, registry *prometheus.Registry, m *metrics) error {
	logger.Info("Connecting to backend", zap.String("backend", conf.backend))
	substrate, err := connectSubstrate(ctx, conf, logger)
	if err != nil {
		return fmt.Errorf("failed to connect to %s backend: %w", conf.backend, err)
	}
	defer func() {
		if err := substrate.Close(); err != nil {
			logger.Warn("Failed to close backend", zap.Error(err))
		}
	}()

	app := newApp(conf, substrate, logger, m)

	g, gctx := errgroup.WithContext(ctx)
	serverCtx, stopServer := context.WithCancel(gctx)
	defer stopServer()

	g.Go(func() error {
		defer stopServer()
		return app.Run(gctx)
	})

	if conf.listenAddress != "" {
		g.Go(func() error {
			return runHealthCheckServer(serverCtx, conf.listenAddress, healthHandler(app, registry), logger)
		})
	}

	return g.Wait()
}

func runSimulate(ctx context.Context, conf config, logger *zap.Logger, m *metrics) error {
	activated, err := simulate(ctx, conf, logger, m, nil)
	if err != nil {
		return err
	}
	if activated != 1 {
		logger.Warn("Unexpected number of activations", zap.Int("activated", activated))
	}
	return nil
}

// runReset clears the cluster's shared objects so the next group of
// instances elects again.
func runReset(ctx context.Context, conf config, logger *zap.Logger) error {
	substrate, err := connectSubstrate(ctx, conf, logger)
	if err != nil {
		return fmt.Errorf("failed to connect to %s backend: %w", conf.backend, err)
	}
	defer func() {
		if err := substrate.Close(); err != nil {
			logger.Warn("Failed to close backend", zap.Error(err))
		}
	}()

	if err := substrate.Reset(ctx); err != nil {
		return err
	}
	logger.Info("Cluster reset", zap.String("backend", conf.backend))
	return nil
}
