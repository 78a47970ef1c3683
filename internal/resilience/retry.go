// Package resilience wraps provider calls with timeouts and bounded retries.
package resilience

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sethvargo/go-retry"
	"go.uber.org/zap"

	"github.com/kailas-cloud/docqa/internal/domain"
	"github.com/kailas-cloud/docqa/internal/metrics"
)

const (
	defaultAttempts  = 3
	defaultBaseDelay = 100 * time.Millisecond
	defaultMaxDelay  = 2 * time.Second
)

// Policy is an exponential backoff retry policy. Only errors matching
// domain.ErrProviderUnavailable are retried.
type Policy struct {
	// Attempts is the total number of tries, first one included.
	Attempts  int
	BaseDelay time.Duration
	MaxDelay  time.Duration
	Jitter    time.Duration
	// Timeout bounds each attempt. Zero leaves only the caller's deadline.
	Timeout time.Duration
	Logger  *zap.Logger
}

// WithDefaults fills zero fields.
func (p Policy) WithDefaults() Policy {
	if p.Attempts <= 0 {
		p.Attempts = defaultAttempts
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = defaultBaseDelay
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = defaultMaxDelay
	}
	if p.Logger == nil {
		p.Logger = zap.NewNop()
	}
	return p
}

// WithTimeout returns a copy with a different per-attempt timeout.
func (p Policy) WithTimeout(d time.Duration) Policy {
	p.Timeout = d
	return p
}

func (p Policy) backoff() retry.Backoff {
	b := retry.NewExponential(p.BaseDelay)
	b = retry.WithCappedDuration(p.MaxDelay, b)
	if p.Jitter > 0 {
		b = retry.WithJitter(p.Jitter, b)
	}
	return retry.WithMaxRetries(uint64(p.Attempts-1), b) //nolint:gosec // Attempts >= 1 after defaults
}

// Do runs fn until it succeeds, fails permanently, or attempts run out.
// op labels logs and the retries metric.
func (p Policy) Do(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	p = p.WithDefaults()
	attempt := 0

	err := retry.Do(ctx, p.backoff(), func(ctx context.Context) error {
		attempt++
		if attempt > 1 {
			metrics.RetriesTotal.WithLabelValues(op).Inc()
		}

		err := p.attempt(ctx, fn)
		if err == nil {
			return nil
		}
		if domain.IsRetryable(err) && ctx.Err() == nil {
			p.Logger.Debug("Retrying provider call",
				zap.String("operation", op), zap.Int("attempt", attempt), zap.Error(err))
			return retry.RetryableError(err)
		}
		return err
	})
	if err != nil {
		return fmt.Errorf("%s after %d attempt(s): %w", op, attempt, err)
	}
	return nil
}

// attempt runs fn under the per-attempt timeout. An attempt that hits its own
// deadline while the caller is still waiting counts as a transient failure.
func (p Policy) attempt(ctx context.Context, fn func(ctx context.Context) error) error {
	if p.Timeout <= 0 {
		return fn(ctx)
	}
	actx, cancel := context.WithTimeout(ctx, p.Timeout)
	defer cancel()

	err := fn(actx)
	if err != nil && ctx.Err() == nil && errors.Is(actx.Err(), context.DeadlineExceeded) &&
		!domain.IsRetryable(err) {
		return fmt.Errorf("attempt timed out after %s: %w: %w", p.Timeout, domain.ErrProviderUnavailable, err)
	}
	return err
}

// Call is Do for functions that return a value.
func Call[T any](ctx context.Context, p Policy, op string, fn func(ctx context.Context) (T, error)) (T, error) {
	var out T
	err := p.Do(ctx, op, func(ctx context.Context) error {
		v, err := fn(ctx)
		if err != nil {
			return err
		}
		out = v
		return nil
	})
	return out, err
}
