// Package retry runs an operation with bounded exponential backoff and jitter.
package retry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"time"
)

// PermanentError wraps an error that should not be retried.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string {
	return e.Err.Error()
}

func (e *PermanentError) Unwrap() error {
	return e.Err
}

// Permanent wraps err so Do returns it without further attempts.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// Config configures the retry behavior.
type Config struct {
	// InitialDelay is the base delay before the first retry.
	InitialDelay time.Duration
	// MaxDelay caps the exponential backoff.
	MaxDelay time.Duration
	// MaxAttempts limits total attempts, including the first.
	MaxAttempts int
}

// DefaultConfig returns the defaults used for worker spawns.
func DefaultConfig() Config {
	return Config{
		InitialDelay: 100 * time.Millisecond,
		MaxDelay:     2 * time.Second,
		MaxAttempts:  3,
	}
}

// Do executes fn until it succeeds, returns a PermanentError, the attempts
// run out or ctx is cancelled. The last error is returned wrapped.
func Do(ctx context.Context, cfg Config, operation string, fn func(ctx context.Context) error) error {
	if cfg.InitialDelay <= 0 {
		cfg.InitialDelay = DefaultConfig().InitialDelay
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = DefaultConfig().MaxDelay
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}

	delay := cfg.InitialDelay
	for attempt := 1; ; attempt++ {
		err := fn(ctx)
		if err == nil {
			if attempt > 1 {
				slog.Info("Operation succeeded after retry", "operation", operation, "attempt", attempt)
			}
			return nil
		}

		var permErr *PermanentError
		if errors.As(err, &permErr) {
			return permErr.Err
		}

		if attempt >= cfg.MaxAttempts {
			slog.Warn("Operation retries exhausted", "operation", operation, "attempts", attempt, "error", err)
			return fmt.Errorf("%s: retries exhausted after %d attempts: %w", operation, attempt, err)
		}

		sleep := delay
		if half := int64(delay) / 2; half > 0 {
			sleep += time.Duration(rand.Int63n(half))
		}
		slog.Debug("Operation failed, retrying", "operation", operation, "attempt", attempt, "delay", sleep, "error", err)

		timer := time.NewTimer(sleep)
		select {
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("%s: cancelled during retry: %w", operation, errors.Join(ctx.Err(), err))
		case <-timer.C:
		}

		delay = min(delay*2, cfg.MaxDelay)
	}
}
