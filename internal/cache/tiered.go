package cache

import (
	"context"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/vmunix/upflix/internal/media"
)

// Tiered fronts a durable Store with a bounded in-memory LRU.
//
// The LRU expires entries relative to insertion, so every memory hit is
// re-checked against the record's FetchedAt before it is served.
type Tiered struct {
	durable Store
	memory  *expirable.LRU[string, *media.Record]
	ttl     time.Duration
	now     func() time.Time

	// mu orders durable writes with memory updates so the two tiers agree
	// on the last writer.
	mu sync.Mutex
}

// NewTiered creates a tiered store holding at most size records in memory.
//
// The memory tier starts a cleanup goroutine that runs for the life of the
// process; golang-lru v2 offers no way to stop it. Create one Tiered per
// process and share it.
func NewTiered(durable Store, size int, ttl time.Duration, opts ...Option) *Tiered {
	o := buildOptions(opts)
	return &Tiered{
		durable: durable,
		memory:  expirable.NewLRU[string, *media.Record](size, nil, ttl),
		ttl:     ttl,
		now:     o.now,
	}
}

// Has reports whether a valid record is stored under key.
func (t *Tiered) Has(ctx context.Context, key string) (bool, error) {
	_, ok, err := t.Get(ctx, key)
	return ok, err
}

// Get returns the record stored under key if it is still valid.
func (t *Tiered) Get(ctx context.Context, key string) (*media.Record, bool, error) {
	if rec, ok := t.memory.Get(key); ok {
		if rec.ValidAt(t.now(), t.ttl) {
			return rec, true, nil
		}
		t.memory.Remove(key)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	rec, ok, err := t.durable.Get(ctx, key)
	if err != nil || !ok {
		return nil, false, err
	}
	t.memory.Add(key, rec)
	return rec, true, nil
}

// Put writes the durable tier first, then memory. Both tiers hold the
// normalized record.
func (t *Tiered) Put(ctx context.Context, key string, rec *media.Record) error {
	rec = rec.Normalized()

	t.mu.Lock()
	defer t.mu.Unlock()

	if err := t.durable.Put(ctx, key, rec); err != nil {
		t.memory.Remove(key)
		return err
	}
	t.memory.Add(key, rec)
	return nil
}

// Len returns the number of records currently held in memory.
func (t *Tiered) Len() int {
	return t.memory.Len()
}
