// Package cache stores scraped records keyed by catalogue path with a fixed
// validity window. Expiry is lazy: stale entries stay stored until they are
// overwritten but are reported as absent.
package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/vmunix/upflix/internal/media"
)

// DefaultTTL is the validity window of a cached record, measured from FetchedAt.
const DefaultTTL = 7 * 24 * time.Hour

// Store is a record cache keyed by catalogue path.
type Store interface {
	// Has reports whether a valid record is stored under key.
	Has(ctx context.Context, key string) (bool, error)
	// Get returns the record stored under key if it is still valid.
	Get(ctx context.Context, key string) (*media.Record, bool, error)
	// Put unconditionally overwrites the record stored under key.
	Put(ctx context.Context, key string, rec *media.Record) error
}

// IOError reports a failure of the backing store.
type IOError struct {
	Op  string
	Key string
	Err error
}

func (e *IOError) Error() string {
	if e.Key == "" {
		return fmt.Sprintf("cache %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("cache %s %q: %v", e.Op, e.Key, e.Err)
}

func (e *IOError) Unwrap() error { return e.Err }

// Stats summarizes the durable cache contents.
type Stats struct {
	Total int64 `json:"total"`
	Valid int64 `json:"valid"`
}

// Option configures a store.
type Option func(*options)

type options struct {
	now func() time.Time
}

// WithClock overrides the time source used for validity checks.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		o.now = now
	}
}

func buildOptions(opts []Option) options {
	o := options{now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}
