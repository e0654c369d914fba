package perception

import (
	"context"
	"errors"
	"time"

	"recall/internal/config"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
)

// RetryPolicy bounds the attempts made for a single Sample.
type RetryPolicy struct {
	MaxAttempts    int
	BackoffBase    time.Duration
	BackoffMax     time.Duration
	PerCallTimeout time.Duration
}

// PolicyFromTimeouts converts the configured timeouts into a RetryPolicy.
func PolicyFromTimeouts(t config.LLMTimeouts) RetryPolicy {
	return RetryPolicy{
		MaxAttempts:    t.MaxRetries,
		BackoffBase:    t.RetryBackoffBase,
		BackoffMax:     t.RetryBackoffMax,
		PerCallTimeout: t.PerCallTimeout,
	}
}

// DefaultRetryPolicy returns the policy built from the default timeouts.
func DefaultRetryPolicy() RetryPolicy {
	return PolicyFromTimeouts(config.DefaultLLMTimeouts())
}

// exponential returns the wait schedule between attempts: base, 2*base,
// 4*base, ... capped at BackoffMax, without jitter or an elapsed-time limit.
func (p RetryPolicy) exponential() *backoff.ExponentialBackOff {
	expo := backoff.NewExponentialBackOff()
	expo.InitialInterval = p.BackoffBase
	expo.Multiplier = 2
	expo.RandomizationFactor = 0
	expo.MaxInterval = p.BackoffMax
	expo.MaxElapsedTime = 0
	expo.Reset()
	return expo
}

// backOff bounds the schedule to MaxAttempts calls and stops when ctx is done.
func (p RetryPolicy) backOff(ctx context.Context) backoff.BackOff {
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	return backoff.WithMaxRetries(backoff.WithContext(p.exponential(), ctx), uint64(attempts-1))
}

type attemptFunc func(ctx context.Context) (Sample, error)

// sampleWithRetry runs call until it succeeds, fails permanently, or the
// policy is exhausted. Every attempt gets its own PerCallTimeout deadline.
// Failures wrapped with backoff.Permanent are not retried.
func sampleWithRetry(ctx context.Context, policy RetryPolicy, logger *zap.Logger, call attemptFunc) Sample {
	var (
		sample   Sample
		attempts int
		stopped  bool
	)
	op := func() error {
		attempts++
		callCtx := ctx
		cancel := context.CancelFunc(func() {})
		if policy.PerCallTimeout > 0 {
			callCtx, cancel = context.WithTimeout(ctx, policy.PerCallTimeout)
		}
		defer cancel()

		s, err := call(callCtx)
		if err != nil {
			var perm *backoff.PermanentError
			stopped = errors.As(err, &perm)
			return err
		}
		sample = s
		return nil
	}
	notify := func(err error, wait time.Duration) {
		logger.Debug("retrying sample request",
			zap.Int("attempt", attempts+1),
			zap.Duration("backoff", wait),
			zap.Error(err))
	}

	err := backoff.RetryNotify(op, policy.backOff(ctx), notify)
	switch {
	case err == nil:
		return sample
	case stopped:
		logger.Error("sample request failed permanently", zap.Int("attempt", attempts), zap.Error(err))
	case ctx.Err() != nil:
		logger.Warn("sample request cancelled", zap.Int("attempt", attempts), zap.Error(ctx.Err()))
	default:
		logger.Warn("sample retries exhausted", zap.Int("attempts", attempts), zap.Error(err))
	}
	return Absent()
}
