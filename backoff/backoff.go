// Package backoff wraps outbound calls to rate-limited upstreams with bounded
// exponential-backoff retry. Upstream-supplied wait hints (Retry-After) are
// honored as a floor: the caller never waits less than the hint.
package backoff

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"time"

	"github.com/onnwee/matchscribe/backend/telemetry"
)

// Kind classifies why a call ultimately failed.
type Kind int

const (
	// KindTransient covers network errors and 5xx-class upstream failures.
	KindTransient Kind = iota
	// KindRateLimited covers 429-class failures that exhausted the retry budget.
	KindRateLimited
	// KindNonRetryable covers not-found / malformed-request failures that never retry.
	KindNonRetryable
)

func (k Kind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindRateLimited:
		return "rate_limited"
	case KindNonRetryable:
		return "non_retryable"
	default:
		return "unknown"
	}
}

// RateLimitedError marks an error as a rate-limit signal, optionally carrying
// the upstream's suggested wait duration.
type RateLimitedError struct {
	RetryAfter time.Duration
	Err        error
}

func (e *RateLimitedError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("rate limited (retry after %s): %v", e.RetryAfter, e.Err)
	}
	return fmt.Sprintf("rate limited: %v", e.Err)
}

func (e *RateLimitedError) Unwrap() error { return e.Err }

// NonRetryableError marks an error as permanent; the caller fails immediately
// without consuming retry budget.
type NonRetryableError struct{ Err error }

func (e *NonRetryableError) Error() string { return fmt.Sprintf("non-retryable: %v", e.Err) }
func (e *NonRetryableError) Unwrap() error { return e.Err }

// RateLimited wraps err as a rate-limit signal with an optional wait hint.
func RateLimited(err error, retryAfter time.Duration) error {
	return &RateLimitedError{RetryAfter: retryAfter, Err: err}
}

// NonRetryable wraps err as a permanent failure.
func NonRetryable(err error) error { return &NonRetryableError{Err: err} }

// ExhaustedError is the typed failure surfaced after the retry budget is spent
// (or immediately, for non-retryable errors). Kind lets callers choose between
// fallback and hard failure.
type ExhaustedError struct {
	Kind     Kind
	Attempts int
	Err      error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("upstream call failed (%s) after %d attempt(s): %v", e.Kind, e.Attempts, e.Err)
}

func (e *ExhaustedError) Unwrap() error { return e.Err }

// Caller retries an operation with exponential backoff and jitter.
// The zero value is not usable; construct with New.
type Caller struct {
	Name        string // attached to retry logs
	MaxAttempts int
	Base        time.Duration
	Multiplier  float64
	Jitter      bool

	// sleep is injectable for tests; defaults to a ctx-aware time.After wait.
	sleep func(ctx context.Context, d time.Duration) error
	randn func(n int64) int64
}

// New returns a Caller with the given budget. Non-positive arguments fall back
// to MaxAttempts=5, Base=2s, Multiplier=2.
func New(name string, maxAttempts int, base time.Duration, multiplier float64, jitter bool) *Caller {
	if maxAttempts <= 0 {
		maxAttempts = 5
	}
	if base <= 0 {
		base = 2 * time.Second
	}
	if multiplier < 1 {
		multiplier = 2
	}
	return &Caller{
		Name:        name,
		MaxAttempts: maxAttempts,
		Base:        base,
		Multiplier:  multiplier,
		Jitter:      jitter,
		sleep:       ctxSleep,
		randn:       rand.Int63n,
	}
}

func ctxSleep(ctx context.Context, d time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}

// Do runs op, retrying transient and rate-limited failures until the budget is
// exhausted. It returns nil on success, ctx.Err() if the context ends during a
// wait, and *ExhaustedError otherwise.
func (c *Caller) Do(ctx context.Context, op func(ctx context.Context) error) error {
	var lastErr error
	lastKind := KindTransient
	for attempt := 0; attempt < c.MaxAttempts; attempt++ {
		if attempt > 0 {
			wait := c.backoffFor(attempt)
			// An upstream wait hint is a floor, never shortened.
			var rl *RateLimitedError
			if errors.As(lastErr, &rl) && rl.RetryAfter > wait {
				wait = rl.RetryAfter
			}
			slog.Warn("retrying upstream call", slog.String("caller", c.Name), slog.Int("attempt", attempt), slog.Duration("backoff", wait), slog.Any("err", lastErr))
			telemetry.CountStage(c.Name, "retry")
			if err := c.sleep(ctx, wait); err != nil {
				return err
			}
		}
		err := op(ctx)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		kind := Classify(err)
		if kind == KindNonRetryable {
			var nr *NonRetryableError
			if errors.As(err, &nr) {
				err = nr.Err
			}
			return &ExhaustedError{Kind: KindNonRetryable, Attempts: attempt + 1, Err: err}
		}
		lastErr = err
		lastKind = kind
	}
	return &ExhaustedError{Kind: lastKind, Attempts: c.MaxAttempts, Err: lastErr}
}

// backoffFor computes base * multiplier^(attempt-1) plus up to base of jitter.
func (c *Caller) backoffFor(attempt int) time.Duration {
	d := float64(c.Base)
	for i := 1; i < attempt; i++ {
		d *= c.Multiplier
	}
	wait := time.Duration(d)
	if c.Jitter && c.Base > 0 {
		wait += time.Duration(c.randn(int64(c.Base)))
	}
	return wait
}
