package main

import (
	"database/sql"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/vmunix/upflix/internal/api"
	"github.com/vmunix/upflix/internal/cache"
	"github.com/vmunix/upflix/internal/config"
	"github.com/vmunix/upflix/internal/limiter"
	"github.com/vmunix/upflix/internal/metrics"
	"github.com/vmunix/upflix/internal/server"
	"github.com/vmunix/upflix/internal/service"
	"github.com/vmunix/upflix/internal/upstream"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP server",
	Args:  cobra.NoArgs,
	RunE:  runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	logger := newLogger(os.Stdout, cfg.Server.LogLevel)

	db, err := cache.Open(cfg.Database.Path)
	if err != nil {
		return err
	}
	defer func() { _ = db.Close() }()

	client, err := newUpstreamClient(cfg, upstream.WithLogger(logger))
	if err != nil {
		return err
	}

	lim := limiter.New(cfg.Limiter.Cooldown)
	m := metrics.New(lim.Active)

	svc := service.New(newStore(db, cfg), lim, client,
		service.WithSentinelTitle(cfg.Limiter.SentinelTitle),
		service.WithMetrics(m),
		service.WithLogger(logger),
	)
	srv := api.New(svc, api.WithCooldown(lim), api.WithLogger(logger))

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info("upflix starting",
		"version", version,
		"addr", cfg.Addr(),
		"metrics_addr", cfg.Server.MetricsAddr,
		"database", cfg.Database.Path,
		"upstream", cfg.Upstream.BaseURL,
		"cache_ttl", cfg.Cache.TTL,
		"cooldown", cfg.Limiter.Cooldown,
	)

	runner := server.NewRunner(server.Config{
		Addr:        cfg.Addr(),
		MetricsAddr: cfg.Server.MetricsAddr,
	}, srv.Handler(), m.Handler(), logger)
	return runner.Run(ctx)
}

// newStore builds the durable store, fronted by the memory tier unless it is disabled.
func newStore(db *sql.DB, cfg *config.Config) cache.Store {
	durable := cache.NewSQLiteStore(db, cfg.Cache.TTL)
	if cfg.Cache.MemorySize <= 0 {
		return durable
	}
	return cache.NewTiered(durable, cfg.Cache.MemorySize, cfg.Cache.TTL)
}

func newUpstreamClient(cfg *config.Config, opts ...upstream.Option) (*upstream.Client, error) {
	opts = append([]upstream.Option{upstream.WithTimeout(cfg.Upstream.Timeout)}, opts...)
	if cfg.Upstream.UserAgent != "" {
		opts = append(opts, upstream.WithUserAgent(cfg.Upstream.UserAgent))
	}
	client, err := upstream.NewClient(cfg.Upstream.BaseURL, opts...)
	if err != nil {
		return nil, fmt.Errorf("upstream client: %w", err)
	}
	return client, nil
}
