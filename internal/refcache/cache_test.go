package refcache

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/medical-dx-engine/internal/domain"
	"github.com/medical-dx-engine/internal/metrics"
)

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

type sleepRecorder struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (s *sleepRecorder) Sleep(ctx context.Context, d time.Duration) error {
	s.mu.Lock()
	s.delays = append(s.delays, d)
	s.mu.Unlock()
	return ctx.Err()
}

func (s *sleepRecorder) Delays() []time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]time.Duration(nil), s.delays...)
}

func testConfig() domain.CacheConfig {
	return domain.CacheConfig{
		Backend: BackendMemory,
		TTL:     time.Hour,
		Retry: domain.RetryConfig{
			MaxRetries:     3,
			InitialDelay:   time.Second,
			Multiplier:     1.5,
			AttemptTimeout: time.Second,
		},
		Breaker: domain.BreakerConfig{
			MinRequests:  100,
			FailureRatio: 0.9,
			Timeout:      time.Minute,
		},
	}
}

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.FatalLevel)
	return logger
}

type testHarness struct {
	cache   *Cache
	backend *MemoryBackend
	clock   *fakeClock
	sleeps  *sleepRecorder
	metrics *metrics.Metrics
}

func newHarness(t *testing.T, cfg domain.CacheConfig) *testHarness {
	t.Helper()
	backend, err := NewMemoryBackend(100)
	require.NoError(t, err)

	h := &testHarness{
		backend: backend,
		clock:   &fakeClock{now: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)},
		sleeps:  &sleepRecorder{},
		metrics: metrics.New(),
	}
	h.cache = New(backend, cfg, testLogger(),
		WithClock(h.clock.Now),
		WithSleep(h.sleeps.Sleep),
		WithMetrics(h.metrics),
	)
	return h
}

// countingFetcher returns errs in order, then payload.
func countingFetcher(calls *int32, payload []byte, errs ...error) Fetcher {
	return func(ctx context.Context) ([]byte, error) {
		n := atomic.AddInt32(calls, 1)
		if int(n) <= len(errs) {
			return nil, errs[n-1]
		}
		return payload, nil
	}
}

func failingFetcher(calls *int32, err error) Fetcher {
	return func(ctx context.Context) ([]byte, error) {
		atomic.AddInt32(calls, 1)
		return nil, err
	}
}

var testKey = Key{Source: "pubmed", ID: "malaria"}

func TestCache_Fetch_FreshThenCached(t *testing.T) {
	h := newHarness(t, testConfig())
	ctx := context.Background()
	var calls int32

	first := h.cache.Fetch(ctx, testKey, countingFetcher(&calls, []byte(`"payload"`)))
	require.Equal(t, StatusFresh, first.Status)
	assert.Equal(t, []byte(`"payload"`), first.Payload)
	assert.NoError(t, first.Err)

	h.clock.Advance(30 * time.Minute)
	second := h.cache.Fetch(ctx, testKey, countingFetcher(&calls, []byte(`"other"`)))
	assert.Equal(t, StatusCached, second.Status)
	assert.Equal(t, []byte(`"payload"`), second.Payload)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls), "fresh entry must not call the fetcher")
	assert.False(t, second.Degraded())

	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.CacheResults.WithLabelValues("pubmed", "fresh")))
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.CacheResults.WithLabelValues("pubmed", "cached")))
}

func TestCache_Fetch_ExpiredEntryRefetches(t *testing.T) {
	h := newHarness(t, testConfig())
	ctx := context.Background()
	var calls int32

	h.cache.Fetch(ctx, testKey, countingFetcher(&calls, []byte(`1`)))
	h.clock.Advance(time.Hour)

	res := h.cache.Fetch(ctx, testKey, countingFetcher(&calls, []byte(`2`)))
	assert.Equal(t, StatusFresh, res.Status)
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
}

func TestCache_Fetch_RetriesTransientFailures(t *testing.T) {
	h := newHarness(t, testConfig())
	var calls int32

	res := h.cache.Fetch(context.Background(), testKey, countingFetcher(&calls, []byte(`"ok"`),
		domain.NewUpstreamError("pubmed", 503, nil),
		domain.NewUpstreamError("pubmed", 429, nil),
	))

	require.Equal(t, StatusFresh, res.Status)
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
	assert.Equal(t, []time.Duration{time.Second, 1500 * time.Millisecond}, h.sleeps.Delays())
}

func TestCache_Fetch_StaleOnFailure(t *testing.T) {
	h := newHarness(t, testConfig())
	ctx := context.Background()
	var calls int32

	first := h.cache.Fetch(ctx, testKey, countingFetcher(&calls, []byte(`"prior"`)))
	require.Equal(t, StatusFresh, first.Status)

	h.clock.Advance(3 * time.Hour)
	res := h.cache.Fetch(ctx, testKey, failingFetcher(&calls, domain.NewUpstreamError("pubmed", 500, nil)))

	assert.Equal(t, StatusStale, res.Status)
	assert.Equal(t, []byte(`"prior"`), res.Payload)
	assert.Equal(t, first.FetchedAt, res.FetchedAt)
	assert.True(t, res.Available())
	assert.True(t, res.Degraded())
	assert.ErrorIs(t, res.Err, domain.ErrDataUnavailable)
	assert.Equal(t, int32(5), atomic.LoadInt32(&calls), "one initial call plus four attempts")
}

func TestCache_Fetch_UnavailableWithoutPriorEntry(t *testing.T) {
	tests := []struct {
		name    string
		err     error
		calls   int32
		wantErr error
	}{
		{
			name:    "Server_Error_Exhausts_Retries",
			err:     domain.NewUpstreamError("pubmed", 502, nil),
			calls:   4,
			wantErr: domain.ErrDataUnavailable,
		},
		{
			name:    "Rate_Limited_Exhausts_Retries",
			err:     domain.NewUpstreamError("pubmed", 429, nil),
			calls:   4,
			wantErr: domain.ErrRateLimited,
		},
		{
			name:    "Client_Error_Fails_Immediately",
			err:     domain.NewUpstreamError("pubmed", 400, nil),
			calls:   1,
			wantErr: domain.ErrDataUnavailable,
		},
		{
			name:    "Plain_Error_Fails_Immediately",
			err:     errors.New("connection refused"),
			calls:   1,
			wantErr: domain.ErrDataUnavailable,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, testConfig())
			var calls int32

			res := h.cache.Fetch(context.Background(), testKey, failingFetcher(&calls, tt.err))

			assert.Equal(t, StatusUnavailable, res.Status)
			assert.False(t, res.Available())
			assert.Nil(t, res.Payload)
			assert.ErrorIs(t, res.Err, tt.wantErr)
			assert.Equal(t, tt.calls, atomic.LoadInt32(&calls))
			assert.Len(t, h.sleeps.Delays(), int(tt.calls-1))
		})
	}
}

func TestCache_Fetch_AttemptTimeout(t *testing.T) {
	cfg := testConfig()
	cfg.Retry.MaxRetries = 1
	cfg.Retry.AttemptTimeout = 20 * time.Millisecond
	h := newHarness(t, cfg)

	var calls int32
	slow := func(ctx context.Context) ([]byte, error) {
		atomic.AddInt32(&calls, 1)
		<-ctx.Done()
		return nil, ctx.Err()
	}

	parent := context.Background()
	res := h.cache.Fetch(parent, testKey, slow)

	assert.Equal(t, StatusUnavailable, res.Status)
	assert.ErrorIs(t, res.Err, domain.ErrTimeout)
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
	assert.NoError(t, parent.Err(), "attempt timeout must not cancel the caller")
}

func TestCache_Fetch_CancelledContextStopsRetrying(t *testing.T) {
	h := newHarness(t, testConfig())
	ctx, cancel := context.WithCancel(context.Background())
	var calls int32

	fetch := func(context.Context) ([]byte, error) {
		atomic.AddInt32(&calls, 1)
		cancel()
		return nil, domain.NewUpstreamError("pubmed", 503, nil)
	}
	res := h.cache.Fetch(ctx, testKey, fetch)

	assert.Equal(t, StatusUnavailable, res.Status)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestCache_Breaker_OpensAndFailsFast(t *testing.T) {
	cfg := testConfig()
	cfg.Retry.MaxRetries = 0
	cfg.Breaker = domain.BreakerConfig{MinRequests: 2, FailureRatio: 0.5, Timeout: time.Minute}
	h := newHarness(t, cfg)
	ctx := context.Background()
	var calls int32

	for _, id := range []string{"a", "b"} {
		res := h.cache.Fetch(ctx, Key{Source: "openfda", ID: id}, failingFetcher(&calls, domain.NewUpstreamError("openfda", 503, nil)))
		require.Equal(t, StatusUnavailable, res.Status)
	}
	assert.Equal(t, gobreaker.StateOpen, h.cache.BreakerState("openfda"))

	res := h.cache.Fetch(ctx, Key{Source: "openfda", ID: "c"}, failingFetcher(&calls, nil))
	assert.Equal(t, StatusUnavailable, res.Status)
	assert.ErrorIs(t, res.Err, domain.ErrDataUnavailable)
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls), "open breaker must not call the fetcher")

	assert.Equal(t, gobreaker.StateClosed, h.cache.BreakerState("pubmed"), "breakers are per source")
}

func TestCache_Breaker_CountsOneFailurePerFetch(t *testing.T) {
	cfg := testConfig()
	cfg.Breaker = domain.BreakerConfig{
		MaxRequests:  3,
		Interval:     30 * time.Second,
		Timeout:      60 * time.Second,
		MinRequests:  3,
		FailureRatio: 0.6,
	}
	h := newHarness(t, cfg)
	ctx := context.Background()
	var calls int32

	res := h.cache.Fetch(ctx, Key{Source: "openfda", ID: "a"}, failingFetcher(&calls, domain.NewUpstreamError("openfda", 503, nil)))
	assert.Equal(t, StatusUnavailable, res.Status)
	assert.Equal(t, int32(4), atomic.LoadInt32(&calls), "initial attempt plus three retries")
	assert.ErrorIs(t, res.Err, domain.ErrDataUnavailable)
	assert.NotContains(t, res.Err.Error(), "circuit open")
	assert.Equal(t, 4.0, testutil.ToFloat64(h.metrics.UpstreamAttempts.WithLabelValues("openfda", "failure")))
	assert.Equal(t, gobreaker.StateClosed, h.cache.BreakerState("openfda"))

	var siblingCalls int32
	sibling := h.cache.Fetch(ctx, Key{Source: "openfda", ID: "sibling"}, countingFetcher(&siblingCalls, []byte(`"label"`)))
	assert.Equal(t, StatusFresh, sibling.Status)
	assert.Equal(t, int32(1), atomic.LoadInt32(&siblingCalls))
}

func TestCache_Breaker_IgnoresNotFound(t *testing.T) {
	cfg := testConfig()
	cfg.Retry.MaxRetries = 0
	cfg.Breaker = domain.BreakerConfig{MinRequests: 2, FailureRatio: 0.5, Timeout: time.Minute}
	h := newHarness(t, cfg)
	var calls int32

	for _, id := range []string{"a", "b", "c"} {
		h.cache.Fetch(context.Background(), Key{Source: "rxnorm", ID: id}, failingFetcher(&calls, domain.ErrNotFound))
	}
	assert.Equal(t, gobreaker.StateClosed, h.cache.BreakerState("rxnorm"))
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
}

func TestCache_Invalidate(t *testing.T) {
	h := newHarness(t, testConfig())
	ctx := context.Background()
	var calls int32

	h.cache.Fetch(ctx, testKey, countingFetcher(&calls, []byte(`1`)))
	require.NoError(t, h.cache.Invalidate(ctx, testKey))
	assert.Equal(t, 0, h.backend.Len())

	res := h.cache.Fetch(ctx, testKey, countingFetcher(&calls, []byte(`2`)))
	assert.Equal(t, StatusFresh, res.Status)
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
}

type article struct {
	PMID  string `json:"pmid"`
	Title string `json:"title"`
}

func TestFetchJSON(t *testing.T) {
	h := newHarness(t, testConfig())
	ctx := context.Background()
	var calls int32

	fetch := func(context.Context) ([]article, error) {
		atomic.AddInt32(&calls, 1)
		return []article{{PMID: "1", Title: "Malaria in travellers"}}, nil
	}

	got, res := FetchJSON(ctx, h.cache, testKey, fetch)
	require.Equal(t, StatusFresh, res.Status)
	require.Len(t, got, 1)
	assert.Equal(t, "Malaria in travellers", got[0].Title)

	got, res = FetchJSON(ctx, h.cache, testKey, fetch)
	assert.Equal(t, StatusCached, res.Status)
	assert.Equal(t, "1", got[0].PMID)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestFetchJSON_CorruptPayload(t *testing.T) {
	h := newHarness(t, testConfig())
	ctx := context.Background()
	require.NoError(t, h.backend.Set(ctx, domain.CacheEntry{
		Key:        testKey.String(),
		Payload:    []byte(`{not json`),
		FetchedAt:  h.clock.Now(),
		TTLSeconds: 3600,
	}))

	got, res := FetchJSON(ctx, h.cache, testKey, func(context.Context) ([]article, error) {
		return nil, nil
	})
	assert.Nil(t, got)
	assert.Equal(t, StatusUnavailable, res.Status)
	assert.ErrorIs(t, res.Err, domain.ErrDataUnavailable)
}

func TestRetryPolicy(t *testing.T) {
	t.Run("Defaults", func(t *testing.T) {
		p := PolicyFromConfig(domain.RetryConfig{MaxRetries: 3})
		assert.Equal(t, DefaultRetryPolicy(), p)
	})

	t.Run("Negative_Retries_Clamped", func(t *testing.T) {
		p := PolicyFromConfig(domain.RetryConfig{MaxRetries: -2})
		assert.Equal(t, 0, p.MaxRetries)
	})

	t.Run("Delay_Grows_Geometrically", func(t *testing.T) {
		p := DefaultRetryPolicy()
		assert.Equal(t, time.Second, p.Delay(0))
		assert.Equal(t, 1500*time.Millisecond, p.Delay(1))
		assert.Equal(t, 2250*time.Millisecond, p.Delay(2))
	})

	t.Run("Retryable", func(t *testing.T) {
		assert.True(t, Retryable(domain.NewUpstreamError("x", 429, nil)))
		assert.True(t, Retryable(domain.NewUpstreamError("x", 503, nil)))
		assert.True(t, Retryable(domain.ErrTimeout))
		assert.False(t, Retryable(domain.NewUpstreamError("x", 404, nil)))
		assert.False(t, Retryable(domain.ErrNotFound))
		assert.False(t, Retryable(errors.New("boom")))
	})
}

func TestMemoryBackend_Evicts(t *testing.T) {
	b, err := NewMemoryBackend(2)
	require.NoError(t, err)
	ctx := context.Background()

	for _, k := range []string{"a", "b", "c"} {
		require.NoError(t, b.Set(ctx, domain.CacheEntry{Key: k, Payload: []byte(k)}))
	}
	assert.Equal(t, 2, b.Len())

	miss, err := b.Get(ctx, "a")
	require.NoError(t, err)
	assert.Nil(t, miss)

	hit, err := b.Get(ctx, "c")
	require.NoError(t, err)
	require.NotNil(t, hit)
	assert.Equal(t, []byte("c"), hit.Payload)
}

func TestSQLiteBackend(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "cache", "refcache.db")
	ctx := context.Background()

	b, err := NewSQLiteBackend(path)
	require.NoError(t, err)
	_, err = os.Stat(path)
	require.NoError(t, err, "database file should exist")

	miss, err := b.Get(ctx, "pubmed:none")
	require.NoError(t, err)
	assert.Nil(t, miss)

	fetched := time.Date(2024, 1, 2, 3, 4, 5, 6, time.UTC)
	require.NoError(t, b.Set(ctx, domain.CacheEntry{Key: "pubmed:x", Payload: []byte(`[1]`), FetchedAt: fetched, TTLSeconds: 60}))
	require.NoError(t, b.Set(ctx, domain.CacheEntry{Key: "pubmed:x", Payload: []byte(`[2]`), FetchedAt: fetched, TTLSeconds: 90}))
	require.NoError(t, b.Close())

	b, err = NewSQLiteBackend(path)
	require.NoError(t, err)
	defer b.Close()

	got, err := b.Get(ctx, "pubmed:x")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, []byte(`[2]`), got.Payload)
	assert.Equal(t, int64(90), got.TTLSeconds)
	assert.True(t, fetched.Equal(got.FetchedAt))

	n, err := b.PurgeOlderThan(ctx, fetched.Add(time.Second))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	require.NoError(t, b.Delete(ctx, "pubmed:x"))
	got, err = b.Get(ctx, "pubmed:x")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestSQLiteBackend_ServesStaleAcrossRestart(t *testing.T) {
	path := filepath.Join(t.TempDir(), "refcache.db")
	ctx := context.Background()
	clock := &fakeClock{now: time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)}
	sleeps := &sleepRecorder{}

	b, err := NewSQLiteBackend(path)
	require.NoError(t, err)
	c := New(b, testConfig(), testLogger(), WithClock(clock.Now), WithSleep(sleeps.Sleep))
	var calls int32
	require.Equal(t, StatusFresh, c.Fetch(ctx, testKey, countingFetcher(&calls, []byte(`"kept"`))).Status)
	require.NoError(t, c.Close())

	b, err = NewSQLiteBackend(path)
	require.NoError(t, err)
	c = New(b, testConfig(), testLogger(), WithClock(clock.Now), WithSleep(sleeps.Sleep))
	defer c.Close()

	clock.Advance(48 * time.Hour)
	res := c.Fetch(ctx, testKey, failingFetcher(&calls, domain.NewUpstreamError("pubmed", 503, nil)))
	assert.Equal(t, StatusStale, res.Status)
	assert.Equal(t, []byte(`"kept"`), res.Payload)
}

func TestRedisBackend(t *testing.T) {
	addr := os.Getenv("TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("TEST_REDIS_ADDR not set, skipping Redis tests")
	}
	ctx := context.Background()

	b, err := NewRedisBackend(ctx, domain.RedisConfig{Addr: addr, KeyPrefix: "meddx-test:", StaleFor: time.Minute})
	require.NoError(t, err)
	defer b.Close()

	entry := domain.CacheEntry{Key: "gho:MALARIA_EST_INCIDENCE", Payload: []byte(`{"mean":1}`), FetchedAt: time.Now().UTC(), TTLSeconds: 10}
	require.NoError(t, b.Set(ctx, entry))

	got, err := b.Get(ctx, entry.Key)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, entry.Payload, got.Payload)

	require.NoError(t, b.Delete(ctx, entry.Key))
	got, err = b.Get(ctx, entry.Key)
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestNewBackend(t *testing.T) {
	ctx := context.Background()

	b, err := NewBackend(ctx, domain.CacheConfig{})
	require.NoError(t, err)
	assert.IsType(t, &MemoryBackend{}, b)

	b, err = NewBackend(ctx, domain.CacheConfig{Backend: "sqlite", SQLitePath: filepath.Join(t.TempDir(), "c.db")})
	require.NoError(t, err)
	assert.IsType(t, &SQLiteBackend{}, b)
	require.NoError(t, b.Close())

	_, err = NewBackend(ctx, domain.CacheConfig{Backend: "memcached"})
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
}
