package reliability

import (
	"context"
	"math"
	"math/rand"
	"time"

	"github.com/EffortlessMetrics/flow-studio-dev-sub003/internal/kernelerrors"
)

// RetryConfig configures one retry loop. MaxAttempts counts the initial
// try, so MaxAttempts=5 means up to 4 retries after the first failure.
type RetryConfig struct {
	MaxAttempts   int
	BackoffCap    time.Duration
	RetryAfterCap time.Duration
	// UseJitter enables the uniform(0, 0.5*2^attempt) jitter term from the
	// spec's backoff formula. Disabled only in tests that need determinism.
	UseJitter bool
	rand      *rand.Rand
}

// TransientRetryConfig matches the spec: exponential backoff with jitter,
// delay = min(cap, 2^attempt + uniform(0, 0.5*2^attempt)) seconds, cap 60s,
// max 5 attempts; an upstream Retry-After is honored up to 300s.
func TransientRetryConfig() RetryConfig {
	return RetryConfig{MaxAttempts: 5, BackoffCap: 60 * time.Second, RetryAfterCap: 300 * time.Second, UseJitter: true}
}

// RetriableRetryConfig matches the spec: no backoff, max 3 attempts.
func RetriableRetryConfig() RetryConfig {
	return RetryConfig{MaxAttempts: 3, BackoffCap: 0, UseJitter: false}
}

func (c RetryConfig) delay(attempt int) time.Duration {
	if c.BackoffCap <= 0 {
		return 0
	}
	base := math.Pow(2, float64(attempt))
	d := base
	if c.UseJitter {
		r := c.rand
		if r == nil {
			r = rand.New(rand.NewSource(time.Now().UnixNano()))
		}
		d += r.Float64() * 0.5 * base
	}
	seconds := time.Duration(d * float64(time.Second))
	if seconds > c.BackoffCap {
		seconds = c.BackoffCap
	}
	return seconds
}

// Attempt is one outcome of fn, carrying the category the caller assigned
// it so Retry knows whether to continue.
type Attempt struct {
	Err      error
	Category kernelerrors.Category
	// RetryAfter, if set, overrides the computed backoff (honoring an
	// upstream Retry-After header), clamped to RetryAfterCap.
	RetryAfter time.Duration
}

// Retry executes fn, retrying on Transient/Retriable categories per cfg
// until it succeeds, a non-retriable category is returned, or attempts
// are exhausted. fn reports its own classification via the returned
// Attempt so Retry never has to inspect error strings.
func Retry(ctx context.Context, cfg RetryConfig, fn func(attempt int) Attempt) error {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}
	var lastErr error
	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return kernelerrors.New("reliability.Retry", kernelerrors.CategoryTransient, "", ctx.Err())
		default:
		}

		outcome := fn(attempt)
		if outcome.Err == nil {
			return nil
		}
		lastErr = outcome.Err

		if outcome.Category != kernelerrors.CategoryTransient && outcome.Category != kernelerrors.CategoryRetriable {
			return outcome.Err
		}
		if attempt == cfg.MaxAttempts {
			break
		}

		d := cfg.delay(attempt)
		if outcome.RetryAfter > 0 {
			d = outcome.RetryAfter
			if cfg.RetryAfterCap > 0 && d > cfg.RetryAfterCap {
				d = cfg.RetryAfterCap
			}
		}
		if d > 0 {
			timer := time.NewTimer(d)
			select {
			case <-ctx.Done():
				timer.Stop()
				return kernelerrors.New("reliability.Retry", kernelerrors.CategoryTransient, "", ctx.Err())
			case <-timer.C:
			}
		}
	}
	return kernelerrors.New("reliability.Retry", kernelerrors.CategoryPermanent, "", lastErr)
}
