package service

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/vmunix/upflix/internal/cache"
	"github.com/vmunix/upflix/internal/limiter"
	"github.com/vmunix/upflix/internal/media"
	"github.com/vmunix/upflix/internal/service/mocks"
	"github.com/vmunix/upflix/internal/upstream"
)

var t0 = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func inception(fetchedAt time.Time) *media.Record {
	return &media.Record{
		FetchedAt:     fetchedAt,
		EnglishTitle:  media.String("Inception"),
		Year:          media.String("2010"),
		Genres:        []string{"Sci-Fi", "Action"},
		Subscriptions: []string{"netflix"},
		Rents:         []string{},
	}
}

func decoy(fetchedAt time.Time) *media.Record {
	return &media.Record{
		FetchedAt:    fetchedAt,
		PolishTitle:  media.String("Świąteczna panna"),
		EnglishTitle: media.String("Miss Christmas"),
	}
}

// pipeline wires a real durable cache and limiter around a mock fetcher.
type pipeline struct {
	svc     *Service
	store   *cache.SQLiteStore
	limiter *limiter.Cooldown
	fetcher *mocks.MockFetcher
	clock   *fakeClock
}

func newPipeline(t *testing.T) *pipeline {
	t.Helper()
	ctrl := gomock.NewController(t)

	db, err := cache.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	clock := &fakeClock{now: t0}
	store := cache.NewSQLiteStore(db, cache.DefaultTTL, cache.WithClock(clock.Now))
	lim := limiter.New(limiter.DefaultCooldown, limiter.WithClock(clock.Now))
	fetcher := mocks.NewMockFetcher(ctrl)

	return &pipeline{
		svc:     New(store, lim, fetcher),
		store:   store,
		limiter: lim,
		fetcher: fetcher,
		clock:   clock,
	}
}

func TestLookup_RateLimitedSkipsCacheAndFetch(t *testing.T) {
	ctrl := gomock.NewController(t)
	c := mocks.NewMockCache(ctrl)
	l := mocks.NewMockLimiter(ctrl)
	f := mocks.NewMockFetcher(ctrl)

	l.EXPECT().Active().Return(true)
	// No cache or fetch expectations: any call fails the test.

	_, err := New(c, l, f).Lookup(context.Background(), "/film/inception", false)
	assert.ErrorIs(t, err, ErrRateLimited)
}

func TestLookup_CacheHitSkipsFetch(t *testing.T) {
	ctrl := gomock.NewController(t)
	c := mocks.NewMockCache(ctrl)
	l := mocks.NewMockLimiter(ctrl)
	f := mocks.NewMockFetcher(ctrl)

	rec := inception(t0)
	l.EXPECT().Active().Return(false)
	c.EXPECT().Get(gomock.Any(), "/film/inception").Return(rec, true, nil)

	res, err := New(c, l, f).Lookup(context.Background(), "/film/inception", false)
	require.NoError(t, err)
	assert.Same(t, rec, res.Record)
	assert.Equal(t, SourceCache, res.Source)
}

func TestLookup_MissFetchesAndStores(t *testing.T) {
	ctrl := gomock.NewController(t)
	c := mocks.NewMockCache(ctrl)
	l := mocks.NewMockLimiter(ctrl)
	f := mocks.NewMockFetcher(ctrl)

	rec := inception(t0)
	gomock.InOrder(
		l.EXPECT().Active().Return(false),
		c.EXPECT().Get(gomock.Any(), "/film/inception").Return(nil, false, nil),
		f.EXPECT().Fetch(gomock.Any(), "/film/inception").Return(rec, nil),
		c.EXPECT().Put(gomock.Any(), "/film/inception", rec).Return(nil),
	)

	res, err := New(c, l, f).Lookup(context.Background(), "/film/inception", false)
	require.NoError(t, err)
	assert.Same(t, rec, res.Record)
	assert.Equal(t, SourceUpstream, res.Source)
}

func TestLookup_BypassIgnoresLimiterAndCache(t *testing.T) {
	ctrl := gomock.NewController(t)
	c := mocks.NewMockCache(ctrl)
	l := mocks.NewMockLimiter(ctrl)
	f := mocks.NewMockFetcher(ctrl)

	rec := inception(t0)
	// Active and Get are never consulted.
	f.EXPECT().Fetch(gomock.Any(), "/film/inception").Return(rec, nil)
	c.EXPECT().Put(gomock.Any(), "/film/inception", rec).Return(nil)

	res, err := New(c, l, f).Lookup(context.Background(), "/film/inception", true)
	require.NoError(t, err)
	assert.Same(t, rec, res.Record)
}

func TestLookup_SentinelSignalsAndSkipsStore(t *testing.T) {
	ctrl := gomock.NewController(t)
	c := mocks.NewMockCache(ctrl)
	l := mocks.NewMockLimiter(ctrl)
	f := mocks.NewMockFetcher(ctrl)

	l.EXPECT().Active().Return(false)
	c.EXPECT().Get(gomock.Any(), "/film/x").Return(nil, false, nil)
	f.EXPECT().Fetch(gomock.Any(), "/film/x").Return(decoy(t0), nil)
	l.EXPECT().Signal()

	_, err := New(c, l, f).Lookup(context.Background(), "/film/x", false)
	assert.ErrorIs(t, err, ErrRateLimited)
}

func TestLookup_SentinelOnBypassStillSignals(t *testing.T) {
	ctrl := gomock.NewController(t)
	c := mocks.NewMockCache(ctrl)
	l := mocks.NewMockLimiter(ctrl)
	f := mocks.NewMockFetcher(ctrl)

	f.EXPECT().Fetch(gomock.Any(), "/film/x").Return(decoy(t0), nil)
	l.EXPECT().Signal()

	_, err := New(c, l, f).Lookup(context.Background(), "/film/x", true)
	assert.ErrorIs(t, err, ErrRateLimited)
}

func TestLookup_CustomSentinel(t *testing.T) {
	ctrl := gomock.NewController(t)
	c := mocks.NewMockCache(ctrl)
	l := mocks.NewMockLimiter(ctrl)
	f := mocks.NewMockFetcher(ctrl)

	rec := decoy(t0)
	f.EXPECT().Fetch(gomock.Any(), "/film/x").Return(rec, nil)
	c.EXPECT().Put(gomock.Any(), "/film/x", rec).Return(nil)

	svc := New(c, l, f, WithSentinelTitle("Blocked"))
	res, err := svc.Lookup(context.Background(), "/film/x", true)
	require.NoError(t, err)
	assert.Same(t, rec, res.Record)
}

func TestLookup_FetchErrorPropagates(t *testing.T) {
	ctrl := gomock.NewController(t)
	c := mocks.NewMockCache(ctrl)
	l := mocks.NewMockLimiter(ctrl)
	f := mocks.NewMockFetcher(ctrl)

	fetchErr := &upstream.TransportError{URL: "https://upflix.pl/film/x", Err: context.DeadlineExceeded}
	l.EXPECT().Active().Return(false)
	c.EXPECT().Get(gomock.Any(), "/film/x").Return(nil, false, nil)
	f.EXPECT().Fetch(gomock.Any(), "/film/x").Return(nil, fetchErr)
	// No Signal, no Put.

	_, err := New(c, l, f).Lookup(context.Background(), "/film/x", false)
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrRateLimited)

	var transportErr *upstream.TransportError
	require.True(t, errors.As(err, &transportErr))
	assert.True(t, transportErr.Timeout())
}

func TestLookup_CacheReadErrorFailsRequest(t *testing.T) {
	ctrl := gomock.NewController(t)
	c := mocks.NewMockCache(ctrl)
	l := mocks.NewMockLimiter(ctrl)
	f := mocks.NewMockFetcher(ctrl)

	ioErr := &cache.IOError{Op: "get", Key: "/film/x", Err: errors.New("disk I/O error")}
	l.EXPECT().Active().Return(false)
	c.EXPECT().Get(gomock.Any(), "/film/x").Return(nil, false, ioErr)
	// Must not fall through to a fetch.

	_, err := New(c, l, f).Lookup(context.Background(), "/film/x", false)

	var gotIOErr *cache.IOError
	require.True(t, errors.As(err, &gotIOErr))
}

func TestLookup_CacheWriteErrorFailsRequest(t *testing.T) {
	ctrl := gomock.NewController(t)
	c := mocks.NewMockCache(ctrl)
	l := mocks.NewMockLimiter(ctrl)
	f := mocks.NewMockFetcher(ctrl)

	ioErr := &cache.IOError{Op: "put", Key: "/film/x", Err: errors.New("database is locked")}
	f.EXPECT().Fetch(gomock.Any(), "/film/x").Return(inception(t0), nil)
	c.EXPECT().Put(gomock.Any(), "/film/x", gomock.Any()).Return(ioErr)

	_, err := New(c, l, f).Lookup(context.Background(), "/film/x", true)

	var gotIOErr *cache.IOError
	require.True(t, errors.As(err, &gotIOErr))
}

func TestLookup_SentinelLeavesExistingEntryUntouched(t *testing.T) {
	p := newPipeline(t)
	ctx := context.Background()

	require.NoError(t, p.store.Put(ctx, "/film/x", inception(t0)))

	p.fetcher.EXPECT().Fetch(gomock.Any(), "/film/x").Return(decoy(t0.Add(time.Minute)), nil)

	_, err := p.svc.Lookup(ctx, "/film/x", true)
	require.ErrorIs(t, err, ErrRateLimited)
	assert.True(t, p.limiter.Active())

	got, ok, err := p.store.Get(ctx, "/film/x")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, inception(t0), got)
}

func TestLookup_ForceDoesNotResetCooldown(t *testing.T) {
	p := newPipeline(t)
	ctx := context.Background()

	p.limiter.Signal()
	p.fetcher.EXPECT().Fetch(gomock.Any(), "/film/inception").Return(inception(t0), nil)

	_, err := p.svc.Lookup(ctx, "/film/inception", true)
	require.NoError(t, err)
	assert.True(t, p.limiter.Active())

	_, err = p.svc.Lookup(ctx, "/film/inception", false)
	assert.ErrorIs(t, err, ErrRateLimited)
}

func TestLookup_ScenarioInception(t *testing.T) {
	p := newPipeline(t)
	ctx := context.Background()

	p.fetcher.EXPECT().
		Fetch(gomock.Any(), "/film/inception").
		DoAndReturn(func(context.Context, string) (*media.Record, error) {
			return inception(p.clock.Now()), nil
		}).
		Times(1)

	first, err := p.svc.Lookup(ctx, "/film/inception", false)
	require.NoError(t, err)
	assert.Equal(t, SourceUpstream, first.Source)
	assert.Equal(t, t0, first.Record.FetchedAt)

	has, err := p.store.Has(ctx, "/film/inception")
	require.NoError(t, err)
	assert.True(t, has)

	p.clock.Advance(time.Second)

	second, err := p.svc.Lookup(ctx, "/film/inception", false)
	require.NoError(t, err)
	assert.Equal(t, SourceCache, second.Source)
	assert.Equal(t, first.Record, second.Record)
}

func TestLookup_ScenarioBlockThenOtherPath(t *testing.T) {
	p := newPipeline(t)
	ctx := context.Background()

	p.fetcher.EXPECT().Fetch(gomock.Any(), "/film/x").Return(decoy(t0), nil)
	// No fetch expectation for /film/y.

	_, err := p.svc.Lookup(ctx, "/film/x", false)
	require.ErrorIs(t, err, ErrRateLimited)
	assert.Equal(t, limiter.StateCooling, p.limiter.State())

	_, err = p.svc.Lookup(ctx, "/film/y", false)
	assert.ErrorIs(t, err, ErrRateLimited)

	has, err := p.store.Has(ctx, "/film/x")
	require.NoError(t, err)
	assert.False(t, has)
}

func TestLookup_CooldownExpiryResumesFetching(t *testing.T) {
	p := newPipeline(t)
	ctx := context.Background()

	p.limiter.Signal()
	p.clock.Advance(limiter.DefaultCooldown)

	p.fetcher.EXPECT().Fetch(gomock.Any(), "/film/inception").Return(inception(p.clock.Now()), nil)

	res, err := p.svc.Lookup(ctx, "/film/inception", false)
	require.NoError(t, err)
	assert.Equal(t, SourceUpstream, res.Source)
}

func TestLookup_ExpiredEntryRefetched(t *testing.T) {
	p := newPipeline(t)
	ctx := context.Background()

	require.NoError(t, p.store.Put(ctx, "/film/inception", inception(t0)))
	p.clock.Advance(cache.DefaultTTL)

	fresh := inception(p.clock.Now())
	p.fetcher.EXPECT().Fetch(gomock.Any(), "/film/inception").Return(fresh, nil)

	res, err := p.svc.Lookup(ctx, "/film/inception", false)
	require.NoError(t, err)
	assert.Equal(t, SourceUpstream, res.Source)
	assert.Equal(t, fresh.FetchedAt, res.Record.FetchedAt)
}

// blockingFetcher counts calls and holds every fetch until released.
type blockingFetcher struct {
	calls   atomic.Int32
	release chan struct{}
}

func (f *blockingFetcher) Fetch(_ context.Context, _ string) (*media.Record, error) {
	f.calls.Add(1)
	<-f.release
	return inception(t0), nil
}

func TestLookup_ConcurrentMissesShareOneFetch(t *testing.T) {
	db, err := cache.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	clock := &fakeClock{now: t0}
	store := cache.NewSQLiteStore(db, cache.DefaultTTL, cache.WithClock(clock.Now))
	fetcher := &blockingFetcher{release: make(chan struct{})}
	svc := New(store, limiter.New(limiter.DefaultCooldown), fetcher)

	const callers = 8
	var started, done sync.WaitGroup
	results := make([]*Result, callers)
	errs := make([]error, callers)
	for i := range callers {
		started.Add(1)
		done.Add(1)
		go func() {
			defer done.Done()
			started.Done()
			results[i], errs[i] = svc.Lookup(context.Background(), "/film/inception", true)
		}()
	}
	started.Wait()
	time.Sleep(50 * time.Millisecond)
	close(fetcher.release)
	done.Wait()

	assert.Equal(t, int32(1), fetcher.calls.Load())
	for i := range callers {
		require.NoError(t, errs[i])
		assert.Same(t, results[0].Record, results[i].Record)
	}
}

func TestLookup_CallerCancelDoesNotAbortSharedFetch(t *testing.T) {
	db, err := cache.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	clock := &fakeClock{now: t0}
	store := cache.NewSQLiteStore(db, cache.DefaultTTL, cache.WithClock(clock.Now))
	fetcher := &blockingFetcher{release: make(chan struct{})}
	svc := New(store, limiter.New(limiter.DefaultCooldown), fetcher)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		_, err := svc.Lookup(ctx, "/film/inception", true)
		errCh <- err
	}()

	require.Eventually(t, func() bool { return fetcher.calls.Load() == 1 }, time.Second, 5*time.Millisecond)
	cancel()
	assert.ErrorIs(t, <-errCh, context.Canceled)

	close(fetcher.release)
	require.Eventually(t, func() bool {
		has, err := store.Has(context.Background(), "/film/inception")
		return err == nil && has
	}, time.Second, 5*time.Millisecond)
}

// panicFetcher panics on the first call and succeeds afterwards.
type panicFetcher struct {
	calls atomic.Int32
}

func (f *panicFetcher) Fetch(_ context.Context, _ string) (*media.Record, error) {
	if f.calls.Add(1) == 1 {
		panic("nil selection")
	}
	return inception(t0), nil
}

func TestLookup_FetcherPanicBecomesError(t *testing.T) {
	db, err := cache.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	clock := &fakeClock{now: t0}
	store := cache.NewSQLiteStore(db, cache.DefaultTTL, cache.WithClock(clock.Now))
	fetcher := &panicFetcher{}
	svc := New(store, limiter.New(limiter.DefaultCooldown), fetcher)

	var res *Result
	require.NotPanics(t, func() {
		res, err = svc.Lookup(context.Background(), "/film/inception", false)
	})
	assert.Nil(t, res)
	require.ErrorIs(t, err, ErrFetchPanic)
	assert.Contains(t, err.Error(), "nil selection")

	has, err := store.Has(context.Background(), "/film/inception")
	require.NoError(t, err)
	assert.False(t, has)

	// The path is not stuck behind the failed flight.
	res, err = svc.Lookup(context.Background(), "/film/inception", false)
	require.NoError(t, err)
	assert.Equal(t, SourceUpstream, res.Source)
}
