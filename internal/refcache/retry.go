package refcache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/medical-dx-engine/internal/domain"
)

// RetryPolicy is the single retry/backoff policy for external calls.
type RetryPolicy struct {
	MaxRetries     int
	InitialDelay   time.Duration
	Multiplier     float64
	AttemptTimeout time.Duration
}

// DefaultRetryPolicy waits 1s, 1.5s and 2.25s between four attempts of at
// most 10s each.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries:     3,
		InitialDelay:   time.Second,
		Multiplier:     1.5,
		AttemptTimeout: 10 * time.Second,
	}
}

// PolicyFromConfig builds a policy from config. Zero durations and
// multipliers below 1 fall back to DefaultRetryPolicy.
func PolicyFromConfig(cfg domain.RetryConfig) RetryPolicy {
	p := DefaultRetryPolicy()
	p.MaxRetries = cfg.MaxRetries
	if p.MaxRetries < 0 {
		p.MaxRetries = 0
	}
	if cfg.InitialDelay > 0 {
		p.InitialDelay = cfg.InitialDelay
	}
	if cfg.Multiplier >= 1 {
		p.Multiplier = cfg.Multiplier
	}
	if cfg.AttemptTimeout > 0 {
		p.AttemptTimeout = cfg.AttemptTimeout
	}
	return p
}

// Delay returns the wait before retry number n (0-based).
func (p RetryPolicy) Delay(n int) time.Duration {
	d := float64(p.InitialDelay)
	for i := 0; i < n; i++ {
		d *= p.Multiplier
	}
	return time.Duration(d)
}

// Retryable reports whether err warrants another attempt: rate limiting,
// server errors and attempt timeouts.
func Retryable(err error) bool {
	var upstream *domain.UpstreamError
	if errors.As(err, &upstream) {
		return upstream.Retryable()
	}
	return errors.Is(err, domain.ErrRateLimited) || errors.Is(err, domain.ErrTimeout)
}

// classify maps a terminal failure onto the cache error taxonomy.
func classify(err error) error {
	switch {
	case errors.Is(err, domain.ErrRateLimited),
		errors.Is(err, domain.ErrTimeout),
		errors.Is(err, domain.ErrDataUnavailable):
		return err
	case errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%w: %w", domain.ErrTimeout, err)
	default:
		return fmt.Errorf("%w: %w", domain.ErrDataUnavailable, err)
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
