package util

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"
)

// RetryConfig holds retry configuration
type RetryConfig struct {
	MaxAttempts     int
	InitialDelay    time.Duration
	MaxDelay        time.Duration
	Multiplier      float64
	RandomizeFactor float64
	RetryableFunc   func(error) bool
	// OnRetry is called before sleeping between attempts
	OnRetry func(attempt int, err error, delay time.Duration)
}

// DefaultRetryConfig returns a default retry configuration
func DefaultRetryConfig() *RetryConfig {
	return &RetryConfig{
		MaxAttempts:     3,
		InitialDelay:    1 * time.Second,
		MaxDelay:        30 * time.Second,
		Multiplier:      2.0,
		RandomizeFactor: 0.3,
		RetryableFunc:   IsRetryableError,
	}
}

type permanentError struct {
	err error
}

func (p *permanentError) Error() string { return p.err.Error() }
func (p *permanentError) Unwrap() error { return p.err }

// Permanent marks err as not worth retrying
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsRetryableError determines if an error is retryable
func IsRetryableError(err error) bool {
	if err == nil {
		return false
	}

	// Context errors and explicitly permanent errors are final
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var perm *permanentError
	if errors.As(err, &perm) {
		return false
	}

	// Default to retryable for unknown errors
	return true
}

// RetryWithBackoff executes a function with exponential backoff retry
func RetryWithBackoff(ctx context.Context, config *RetryConfig, operation string, fn func() error) error {
	if config == nil {
		config = DefaultRetryConfig()
	}
	retryable := config.RetryableFunc
	if retryable == nil {
		retryable = IsRetryableError
	}

	var lastErr error
	delay := config.InitialDelay

	for attempt := 1; attempt <= config.MaxAttempts; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}

		lastErr = err

		if !retryable(err) {
			return fmt.Errorf("%s failed (non-retryable): %w", operation, err)
		}

		if attempt >= config.MaxAttempts {
			break
		}

		nextDelay := calculateDelay(delay, config.RandomizeFactor, config.MaxDelay)
		if config.OnRetry != nil {
			config.OnRetry(attempt, err, nextDelay)
		}

		timer := time.NewTimer(nextDelay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("%s cancelled after %d attempts: %w", operation, attempt, ctx.Err())
		case <-timer.C:
		}

		delay = time.Duration(float64(delay) * config.Multiplier)
		if delay > config.MaxDelay {
			delay = config.MaxDelay
		}
	}

	return fmt.Errorf("%s failed after %d attempts: %w", operation, config.MaxAttempts, lastErr)
}

// calculateDelay adds jitter to the delay
func calculateDelay(base time.Duration, randomizeFactor float64, maxDelay time.Duration) time.Duration {
	jitter := float64(base) * randomizeFactor
	minDelay := float64(base) - jitter
	maxJitteredDelay := float64(base) + jitter

	delay := minDelay + (rand.Float64() * (maxJitteredDelay - minDelay))

	if delay > float64(maxDelay) {
		delay = float64(maxDelay)
	}

	// Ensure minimum delay of 1ms
	if delay < float64(time.Millisecond) {
		delay = float64(time.Millisecond)
	}

	return time.Duration(delay)
}
