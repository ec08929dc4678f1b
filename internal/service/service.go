// Package service sequences a catalogue lookup: cooldown check, cache read,
// upstream fetch, block-signal detection and cache write.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/vmunix/upflix/internal/media"
	"github.com/vmunix/upflix/internal/metrics"
)

//go:generate mockgen -destination=mocks/mocks.go -package=mocks . Fetcher,Limiter,Cache

// DefaultSentinelTitle is the english title of the decoy page the upstream
// serves once it has blocked the scraper.
const DefaultSentinelTitle = "Miss Christmas"

// ErrRateLimited is returned while the cooldown is active or when the
// upstream answered with its block page.
var ErrRateLimited = errors.New("rate limited")

// Fetcher scrapes a fresh record for a catalogue path.
type Fetcher interface {
	Fetch(ctx context.Context, path string) (*media.Record, error)
}

// Limiter is the upstream cooldown.
type Limiter interface {
	Active() bool
	Signal()
}

// Cache stores records by catalogue path.
type Cache interface {
	Get(ctx context.Context, key string) (*media.Record, bool, error)
	Put(ctx context.Context, key string, rec *media.Record) error
}

// Source tells where a record came from.
type Source string

const (
	SourceCache    Source = "cache"
	SourceUpstream Source = "upstream"
)

// Result is a successful lookup.
type Result struct {
	Record *media.Record
	Source Source
}

// Service is stateless apart from its collaborators, which are shared
// process-wide.
type Service struct {
	cache    Cache
	limiter  Limiter
	fetcher  Fetcher
	sentinel string
	metrics  *metrics.Metrics
	logger   *slog.Logger

	// flights collapses concurrent fetches of the same path into one.
	flights singleflight.Group
}

// Option configures a Service.
type Option func(*Service)

// WithSentinelTitle overrides the block-page english title.
func WithSentinelTitle(title string) Option {
	return func(s *Service) {
		s.sentinel = title
	}
}

// WithMetrics records pipeline outcomes.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) {
		s.metrics = m
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		s.logger = logger
	}
}

// New creates a service.
func New(cache Cache, limiter Limiter, fetcher Fetcher, opts ...Option) *Service {
	s := &Service{
		cache:    cache,
		limiter:  limiter,
		fetcher:  fetcher,
		sentinel: DefaultSentinelTitle,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Lookup returns the record for path. With bypass the cooldown and the cache
// read are skipped, but a clean result is still written to the cache and a
// block page still starts the cooldown.
func (s *Service) Lookup(ctx context.Context, path string, bypass bool) (*Result, error) {
	if !bypass {
		if s.limiter.Active() {
			s.metrics.RateLimited(metrics.ReasonCooldown)
			return nil, ErrRateLimited
		}

		// One Get covers the validity check and the read, so the entry
		// cannot expire between them.
		rec, ok, err := s.cache.Get(ctx, path)
		if err != nil {
			return nil, fmt.Errorf("cache lookup: %w", err)
		}
		if ok {
			s.metrics.CacheLookup(metrics.CacheHit)
			return &Result{Record: rec, Source: SourceCache}, nil
		}
		s.metrics.CacheLookup(metrics.CacheMiss)
	} else {
		s.metrics.CacheLookup(metrics.CacheBypass)
	}

	rec, err := s.fetchShared(ctx, path)
	if err != nil {
		return nil, err
	}
	return &Result{Record: rec, Source: SourceUpstream}, nil
}

// fetchShared runs refresh once per path no matter how many callers are
// waiting. The shared work is detached from any one caller's cancellation;
// each caller still stops waiting when its own context ends.
func (s *Service) fetchShared(ctx context.Context, path string) (*media.Record, error) {
	ch := s.flights.DoChan(path, func() (any, error) {
		return s.refresh(context.WithoutCancel(ctx), path)
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*media.Record), nil
	}
}

// ErrFetchPanic wraps a panic raised while refreshing a record.
var ErrFetchPanic = errors.New("fetch panicked")

// refresh fetches path upstream, screens for the block page and stores the record.
// It runs outside the request goroutine, so a panic is turned into an error here.
func (s *Service) refresh(ctx context.Context, path string) (rec *media.Record, err error) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("upstream fetch panicked", "path", path, "panic", r)
			rec, err = nil, fmt.Errorf("fetch %s: %w: %v", path, ErrFetchPanic, r)
		}
	}()

	start := time.Now()
	rec, err = s.fetcher.Fetch(ctx, path)
	if err != nil {
		s.metrics.Fetch(metrics.FetchError, time.Since(start))
		s.logger.Warn("upstream fetch failed", "path", path, "error", err)
		return nil, fmt.Errorf("fetch %s: %w", path, err)
	}

	if rec.HasEnglishTitle(s.sentinel) {
		s.limiter.Signal()
		s.metrics.Fetch(metrics.FetchBlocked, time.Since(start))
		s.metrics.RateLimited(metrics.ReasonBlockSignal)
		s.logger.Warn("upstream served block page, cooling down", "path", path)
		return nil, ErrRateLimited
	}
	s.metrics.Fetch(metrics.FetchOK, time.Since(start))

	if err := s.cache.Put(ctx, path, rec); err != nil {
		return nil, fmt.Errorf("cache store: %w", err)
	}
	s.logger.Debug("cached fresh record", "path", path, "fetched_at", rec.FetchedAt)
	return rec, nil
}
