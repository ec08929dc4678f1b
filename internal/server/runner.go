// Package server runs the HTTP listeners for the lifetime of the process.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"
)

const defaultShutdownTimeout = 30 * time.Second

// Config for the runner.
type Config struct {
	Addr            string // API listen address
	MetricsAddr     string // empty disables the metrics listener
	ShutdownTimeout time.Duration
}

// Runner manages the API and metrics servers.
type Runner struct {
	config  Config
	api     http.Handler
	metrics http.Handler
	logger  *slog.Logger
}

// NewRunner creates a new runner. metrics may be nil.
func NewRunner(cfg Config, api, metrics http.Handler, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = defaultShutdownTimeout
	}
	return &Runner{
		config:  cfg,
		api:     api,
		metrics: metrics,
		logger:  logger,
	}
}

// Run listens on the configured addresses and serves until ctx is canceled.
func (r *Runner) Run(ctx context.Context) error {
	apiLn, err := net.Listen("tcp", r.config.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", r.config.Addr, err)
	}

	var metricsLn net.Listener
	if r.config.MetricsAddr != "" && r.metrics != nil {
		metricsLn, err = net.Listen("tcp", r.config.MetricsAddr)
		if err != nil {
			_ = apiLn.Close()
			return fmt.Errorf("listen %s: %w", r.config.MetricsAddr, err)
		}
	}

	return r.Serve(ctx, apiLn, metricsLn)
}

// Serve serves on already-open listeners. metricsLn may be nil.
// It blocks until ctx is canceled or a server fails, then shuts both down.
func (r *Runner) Serve(ctx context.Context, apiLn, metricsLn net.Listener) error {
	g, ctx := errgroup.WithContext(ctx)

	r.serve(ctx, g, "api", apiLn, r.api)
	if metricsLn != nil {
		mux := http.NewServeMux()
		mux.Handle("GET /metrics", r.metrics)
		r.serve(ctx, g, "metrics", metricsLn, mux)
	}

	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (r *Runner) serve(ctx context.Context, g *errgroup.Group, name string, ln net.Listener, h http.Handler) {
	srv := &http.Server{
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
	}
	log := r.logger.With("listener", name)

	g.Go(func() error {
		log.Info("server listening", "addr", ln.Addr().String())
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("%s server: %w", name, err)
		}
		return nil
	})

	g.Go(func() error {
		<-ctx.Done()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), r.config.ShutdownTimeout)
		defer cancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("%s shutdown: %w", name, err)
		}
		log.Info("server stopped")
		return ctx.Err()
	})
}
