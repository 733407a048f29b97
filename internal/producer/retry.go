package producer

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"go.uber.org/zap"
)

// RetryConfig parameterizes the retry discipline applied to broker calls.
type RetryConfig struct {
	// MaxAttempts is the total number of tries, including the first.
	MaxAttempts int
	// BaseDelay is the wait after the first failure; it doubles per attempt.
	BaseDelay time.Duration
	// MaxJitter is the upper bound of the random delay added per attempt.
	MaxJitter time.Duration
}

// DefaultRetryConfig matches the producer discipline: three attempts,
// exponential backoff from one second, up to half a second of jitter.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts: 3,
		BaseDelay:   time.Second,
		MaxJitter:   500 * time.Millisecond,
	}
}

// retry runs fn until it succeeds, attempts are exhausted, or the context
// ends. It is a pure higher-order operation: the action, attempt ceiling,
// base delay, and jitter bound are all parameters, and the result is either
// a value or the final failure.
func retry[T any](ctx context.Context, cfg RetryConfig, logger *zap.Logger, op string, fn func(context.Context) (T, error)) (T, error) {
	var zero T
	var lastErr error

	delay := cfg.BaseDelay
	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		result, err := fn(ctx)
		if err == nil {
			return result, nil
		}
		lastErr = err

		// Permanent failures are not worth repeating.
		var pe *permanentError
		if errors.As(err, &pe) {
			return zero, pe.err
		}

		if attempt == cfg.MaxAttempts {
			break
		}

		wait := delay
		if cfg.MaxJitter > 0 {
			wait += time.Duration(rand.Int63n(int64(cfg.MaxJitter)))
		}
		logger.Warn("Broker call failed, retrying",
			zap.String("operation", op),
			zap.Int("attempt", attempt),
			zap.Duration("backoff", wait),
			zap.Error(err))
		delay *= 2

		select {
		case <-ctx.Done():
			return zero, fmt.Errorf("%s abandoned: %w", op, ctx.Err())
		case <-time.After(wait):
		}
	}

	return zero, fmt.Errorf("%s failed after %d attempts: %w", op, cfg.MaxAttempts, lastErr)
}

// permanentError wraps a failure that retrying cannot fix, such as a
// validation rejection from the broker.
type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

func permanent(err error) error {
	return &permanentError{err: err}
}
