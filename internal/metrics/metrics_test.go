package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetrics_Counters(t *testing.T) {
	m := New(nil)

	m.CacheLookup(CacheHit)
	m.CacheLookup(CacheHit)
	m.CacheLookup(CacheMiss)
	m.RateLimited(ReasonBlockSignal)
	m.Fetch(FetchOK, 120*time.Millisecond)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.cacheLookups.WithLabelValues(CacheHit)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.cacheLookups.WithLabelValues(CacheMiss)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.rateLimited.WithLabelValues(ReasonBlockSignal)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.fetches.WithLabelValues(FetchOK)))
}

func TestMetrics_Registry(t *testing.T) {
	m := New(func() bool { return false })
	m.CacheLookup(CacheMiss)
	m.Fetch(FetchBlocked, time.Second)

	families, err := m.Registry().Gather()
	require.NoError(t, err)

	names := make([]string, 0, len(families))
	for _, f := range families {
		names = append(names, f.GetName())
	}
	assert.ElementsMatch(t, []string{
		"upflix_cache_lookups_total",
		"upflix_upstream_fetches_total",
		"upflix_upstream_fetch_duration_seconds",
		"upflix_limiter_cooling",
	}, names)

	count, err := testutil.GatherAndCount(m.Registry(), "upflix_upstream_fetches_total")
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestMetrics_NilIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.CacheLookup(CacheHit)
		m.RateLimited(ReasonCooldown)
		m.Fetch(FetchError, time.Second)
	})
}

func TestMetrics_Handler(t *testing.T) {
	cooling := true
	m := New(func() bool { return cooling })
	m.RateLimited(ReasonCooldown)

	srv := httptest.NewServer(m.Handler())
	t.Cleanup(srv.Close)

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `upflix_rate_limited_total{reason="cooldown"} 1`)
	assert.Contains(t, string(body), "upflix_limiter_cooling 1")
}
