package sync

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/vonshlovens/capture-sync/internal/model"
)

const (
	DefaultRetryBase        = time.Second
	DefaultMaxRetryAttempts = 8
)

// RetryPolicy decides whether and when failed sync requests are retried
type RetryPolicy struct {
	Base        time.Duration
	MaxAttempts int
}

// DefaultRetryPolicy returns the standard Fibonacci policy (1s base, 8 attempts)
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{Base: DefaultRetryBase, MaxAttempts: DefaultMaxRetryAttempts}
}

// DelayFor returns the wait before retry number attempt (1-based):
// Base × 1, 1, 2, 3, 5, 8, ...
func (p RetryPolicy) DelayFor(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	base := p.Base
	if base <= 0 {
		base = DefaultRetryBase
	}

	a, b := int64(1), int64(1)
	for i := 1; i < attempt; i++ {
		a, b = b, a+b
	}
	return time.Duration(a) * base
}

// IsRetryable reports whether err is worth retrying
func (p RetryPolicy) IsRetryable(err error) bool {
	return model.IsRetryable(err)
}

func (p RetryPolicy) maxAttempts() int {
	if p.MaxAttempts <= 0 {
		return DefaultMaxRetryAttempts
	}
	return p.MaxAttempts
}

// PhaseBackoff is a Fibonacci backoff whose attempt budget is shared by every
// request in one sync phase
type PhaseBackoff struct {
	mu       sync.Mutex
	policy   RetryPolicy
	failures int
}

// NewBackoff returns a fresh backoff for one phase
func (p RetryPolicy) NewBackoff() *PhaseBackoff {
	return &PhaseBackoff{policy: p}
}

// Next implements retry.Backoff
func (b *PhaseBackoff) Next() (time.Duration, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures++
	if b.failures >= b.policy.maxAttempts() {
		return 0, true
	}
	return b.policy.DelayFor(b.failures), false
}

// Failures returns the number of failed attempts recorded so far
func (b *PhaseBackoff) Failures() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failures
}

// Do runs fn until it succeeds, fails terminally, or the backoff is exhausted
func (p RetryPolicy) Do(ctx context.Context, b retry.Backoff, op string, fn func(ctx context.Context) error) error {
	attempt := 0
	return retry.Do(ctx, b, func(ctx context.Context) error {
		attempt++
		err := fn(ctx)
		if err == nil {
			return nil
		}
		if !p.IsRetryable(err) {
			return err
		}
		slog.Warn("sync request failed, retrying",
			"op", op,
			"attempt", attempt,
			"error", err)
		return retry.RetryableError(err)
	})
}
