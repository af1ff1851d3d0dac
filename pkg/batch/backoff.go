package batch

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"time"

	"github.com/tigrisdata/fluxcoach/pkg/forge"
)

// RetryPolicy bounds per-item retries of retryable remote failures.
type RetryPolicy struct {
	// MaxAttempts counts the first call.
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// DefaultRetryPolicy returns four attempts backing off from 1s up to 60s.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 4, BaseDelay: time.Second, MaxDelay: time.Minute}
}

func (p RetryPolicy) withDefaults() RetryPolicy {
	def := DefaultRetryPolicy()
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = def.MaxAttempts
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = def.BaseDelay
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = def.MaxDelay
	}
	if p.MaxDelay < p.BaseDelay {
		p.MaxDelay = p.BaseDelay
	}
	return p
}

// Sleeper waits between attempts. Implementations return early with the
// context error on cancellation.
type Sleeper interface {
	Sleep(ctx context.Context, d time.Duration) error
}

type realSleeper struct{}

func (realSleeper) Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// defaultJitter spreads delays over [0.8, 1.2) of the nominal value.
func defaultJitter() float64 {
	return 0.8 + 0.4*rand.Float64()
}

// backoffDelay is the wait after the given failed attempt (1-based).
func (c *Coordinator) backoffDelay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	policy := c.cfg.Retry
	pow := math.Pow(2, float64(attempt-1))
	delay := time.Duration(float64(policy.BaseDelay) * pow * c.jitter())
	if delay > policy.MaxDelay || delay <= 0 {
		return policy.MaxDelay
	}
	return delay
}

// withRetry runs call until it succeeds, fails permanently, or the attempt
// budget is spent. Each attempt first waits for the submission gate.
func (c *Coordinator) withRetry(ctx context.Context, name string, call func(ctx context.Context) error) error {
	for attempt := 1; ; attempt++ {
		if err := c.gate.Wait(ctx); err != nil {
			return err
		}
		err := call(ctx)
		if err == nil {
			return nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if errors.Is(err, context.Canceled) || !forge.IsRetryable(err) || attempt >= c.cfg.Retry.MaxAttempts {
			return err
		}
		delay := c.backoffDelay(attempt)
		c.logger.Warnf("batch: retrying %s in %s (attempt %d/%d): %v",
			name, delay.Round(time.Millisecond), attempt+1, c.cfg.Retry.MaxAttempts, err)
		c.metrics.RecordRetried(name)
		if err := c.sleeper.Sleep(ctx, delay); err != nil {
			return err
		}
	}
}
