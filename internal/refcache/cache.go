// Package refcache wraps external reference lookups in a TTL cache with a
// bounded retry policy and per-source circuit breakers. Failures degrade to
// the last stored entry, or to an explicit unavailable result, and are never
// returned to callers as hard errors.
package refcache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"

	"github.com/medical-dx-engine/internal/domain"
	"github.com/medical-dx-engine/internal/metrics"
)

// Key identifies a cached payload.
type Key struct {
	Source string
	ID     string
}

func (k Key) String() string {
	return k.Source + ":" + k.ID
}

// Status tells where a payload came from.
type Status string

const (
	// StatusFresh is a payload fetched from the source by this call.
	StatusFresh Status = "fresh"
	// StatusCached is a payload served from an entry within its TTL.
	StatusCached Status = "cached"
	// StatusStale is an expired entry served because the fetch failed.
	StatusStale Status = "stale"
	// StatusUnavailable means the fetch failed and nothing was stored.
	StatusUnavailable Status = "unavailable"
)

// Result is the outcome of Fetch. Err carries the classified fetch error
// for stale and unavailable results.
type Result struct {
	Payload   []byte
	Status    Status
	FetchedAt time.Time
	Err       error
}

// Available reports whether a payload was returned.
func (r Result) Available() bool {
	return r.Status != StatusUnavailable
}

// Degraded reports whether the source could not be reached.
func (r Result) Degraded() bool {
	return r.Status == StatusStale || r.Status == StatusUnavailable
}

// Fetcher retrieves a payload from the source.
type Fetcher func(ctx context.Context) ([]byte, error)

// Backend stores cache entries. Get returns expired entries too, so they
// can serve as a degraded fallback; a miss is (nil, nil).
type Backend interface {
	Get(ctx context.Context, key string) (*domain.CacheEntry, error)
	Set(ctx context.Context, entry domain.CacheEntry) error
	Delete(ctx context.Context, key string) error
	Close() error
}

// Cache is the External Reference Cache.
type Cache struct {
	backend Backend
	ttl     time.Duration
	policy  RetryPolicy
	breaker domain.BreakerConfig
	metrics *metrics.Metrics
	logger  *logrus.Logger

	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// Option customizes a Cache.
type Option func(*Cache)

// WithMetrics records fetch outcomes.
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Cache) { c.metrics = m }
}

// WithClock replaces the wall clock.
func WithClock(now func() time.Time) Option {
	return func(c *Cache) { c.now = now }
}

// WithSleep replaces the backoff sleep.
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(c *Cache) { c.sleep = sleep }
}

// New creates a cache over backend.
func New(backend Backend, cfg domain.CacheConfig, logger *logrus.Logger, opts ...Option) *Cache {
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = time.Hour
	}
	c := &Cache{
		backend:  backend,
		ttl:      ttl,
		policy:   PolicyFromConfig(cfg.Retry),
		breaker:  cfg.Breaker,
		logger:   logger,
		breakers: make(map[string]*gobreaker.CircuitBreaker),
		now:      time.Now,
		sleep:    sleepContext,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Fetch returns the payload for key. A fresh stored entry is returned
// without calling fetch. Otherwise fetch runs under the retry policy; on
// success the payload is stored, on failure the prior entry (even expired)
// is returned as stale, or an unavailable result when there is none.
func (c *Cache) Fetch(ctx context.Context, key Key, fetch Fetcher) Result {
	k := key.String()
	log := c.logger.WithFields(logrus.Fields{"source": key.Source, "key": key.ID})

	prior, err := c.backend.Get(ctx, k)
	if err != nil {
		log.WithError(err).Warn("Reference cache read failed")
		prior = nil
	}
	if prior != nil && prior.Fresh(c.now()) {
		return c.result(key, Result{Payload: prior.Payload, Status: StatusCached, FetchedAt: prior.FetchedAt})
	}

	payload, err := c.fetchWithRetry(ctx, key, fetch)
	if err == nil {
		entry := domain.CacheEntry{
			Key:        k,
			Payload:    payload,
			FetchedAt:  c.now().UTC(),
			TTLSeconds: int64(c.ttl / time.Second),
		}
		if serr := c.backend.Set(context.WithoutCancel(ctx), entry); serr != nil {
			log.WithError(serr).Warn("Reference cache write failed")
		}
		return c.result(key, Result{Payload: payload, Status: StatusFresh, FetchedAt: entry.FetchedAt})
	}

	if prior != nil {
		log.WithError(err).Warn("Reference fetch failed, serving stale entry")
		return c.result(key, Result{Payload: prior.Payload, Status: StatusStale, FetchedAt: prior.FetchedAt, Err: err})
	}
	log.WithError(err).Warn("Reference fetch failed with no prior entry")
	return c.result(key, Result{Status: StatusUnavailable, Err: err})
}

func (c *Cache) result(key Key, r Result) Result {
	c.metrics.RecordCacheResult(key.Source, string(r.Status))
	return r
}

// Invalidate removes a stored entry.
func (c *Cache) Invalidate(ctx context.Context, key Key) error {
	if err := c.backend.Delete(ctx, key.String()); err != nil {
		return fmt.Errorf("failed to invalidate %s: %w", key, err)
	}
	return nil
}

// Close releases the backend.
func (c *Cache) Close() error {
	return c.backend.Close()
}

// fetchWithRetry runs the whole retry loop as one breaker request, so a
// single failing key counts once toward tripping its source.
func (c *Cache) fetchWithRetry(ctx context.Context, key Key, fetch Fetcher) ([]byte, error) {
	out, err := c.breakerFor(key.Source).Execute(func() (interface{}, error) {
		return c.retry(ctx, key, fetch)
	})
	if err == nil {
		return out.([]byte), nil
	}
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		c.metrics.RecordUpstreamAttempt(key.Source, "breaker_open")
		return nil, fmt.Errorf("%w: circuit open for %s", domain.ErrDataUnavailable, key.Source)
	}
	return nil, err
}

func (c *Cache) retry(ctx context.Context, key Key, fetch Fetcher) ([]byte, error) {
	for attempt := 0; ; attempt++ {
		payload, err := c.attempt(ctx, fetch)
		if err == nil {
			c.metrics.RecordUpstreamAttempt(key.Source, "success")
			return payload, nil
		}
		c.metrics.RecordUpstreamAttempt(key.Source, "failure")

		if !Retryable(err) || attempt >= c.policy.MaxRetries || ctx.Err() != nil {
			return nil, classify(err)
		}

		delay := c.policy.Delay(attempt)
		c.logger.WithFields(logrus.Fields{
			"source":  key.Source,
			"key":     key.ID,
			"attempt": attempt + 1,
			"delay":   delay,
		}).WithError(err).Debug("Retrying reference fetch")
		if serr := c.sleep(ctx, delay); serr != nil {
			return nil, classify(err)
		}
	}
}

// attempt bounds a single fetch by the per-attempt timeout. The child
// context only affects this attempt.
func (c *Cache) attempt(ctx context.Context, fetch Fetcher) ([]byte, error) {
	actx, cancel := context.WithTimeout(ctx, c.policy.AttemptTimeout)
	defer cancel()

	payload, err := fetch(actx)
	if err != nil {
		if ctx.Err() == nil && errors.Is(actx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: attempt exceeded %s: %w", domain.ErrTimeout, c.policy.AttemptTimeout, err)
		}
		return nil, err
	}
	return payload, nil
}

func (c *Cache) breakerFor(source string) *gobreaker.CircuitBreaker {
	c.mu.Lock()
	defer c.mu.Unlock()
	if cb, ok := c.breakers[source]; ok {
		return cb
	}

	cfg := c.breaker
	if cfg.MinRequests == 0 {
		cfg.MinRequests = 3
	}
	if cfg.FailureRatio <= 0 {
		cfg.FailureRatio = 0.6
	}
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        source,
		MaxRequests: cfg.MaxRequests,
		Interval:    cfg.Interval,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.Requests >= cfg.MinRequests && failureRatio >= cfg.FailureRatio
		},
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, domain.ErrNotFound) || errors.Is(err, domain.ErrInvalidInput)
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			c.logger.WithFields(logrus.Fields{
				"circuit_breaker": name,
				"from_state":      from.String(),
				"to_state":        to.String(),
			}).Warn("Circuit breaker state changed")
		},
	})
	c.breakers[source] = cb
	return cb
}

// BreakerState reports the state of a source's breaker.
func (c *Cache) BreakerState(source string) gobreaker.State {
	return c.breakerFor(source).State()
}

// FetchJSON fetches through the cache and decodes the JSON payload into T.
// A payload that fails to decode is reported as unavailable.
func FetchJSON[T any](ctx context.Context, c *Cache, key Key, fetch func(ctx context.Context) (T, error)) (T, Result) {
	res := c.Fetch(ctx, key, func(ctx context.Context) ([]byte, error) {
		v, err := fetch(ctx)
		if err != nil {
			return nil, err
		}
		return json.Marshal(v)
	})

	var out T
	if !res.Available() {
		return out, res
	}
	if err := json.Unmarshal(res.Payload, &out); err != nil {
		var zero T
		return zero, Result{Status: StatusUnavailable, Err: fmt.Errorf("%w: corrupt cached payload: %w", domain.ErrDataUnavailable, err)}
	}
	return out, res
}
