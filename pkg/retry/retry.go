// Package retry provides simple exponential backoff retry logic for the kernel.
package retry

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"
)

var (
	// Thread-safe random source for jitter
	randMu     sync.Mutex
	randSource = rand.New(rand.NewSource(time.Now().UnixNano()))
)

// NonRetryableError wraps errors that should not be retried.
type NonRetryableError struct {
	Err error
}

func (e *NonRetryableError) Error() string {
	return fmt.Sprintf("non-retryable: %v", e.Err)
}

func (e *NonRetryableError) Unwrap() error {
	return e.Err
}

// NonRetryable wraps an error to indicate it should not be retried.
func NonRetryable(err error) error {
	if err == nil {
		return nil
	}
	return &NonRetryableError{Err: err}
}

// IsNonRetryable checks if an error is marked as non-retryable.
func IsNonRetryable(err error) bool {
	var nre *NonRetryableError
	return errors.As(err, &nre)
}

// Config provides retry configuration.
type Config struct {
	MaxAttempts  int           // Maximum number of attempts (0 = run once)
	InitialDelay time.Duration // Initial delay between attempts
	MaxDelay     time.Duration // Maximum delay between attempts
	Multiplier   float64       // Backoff multiplier (typically 2.0)
	AddJitter    bool          // Add randomness to prevent thundering herd
}

// DefaultConfig returns sensible defaults for retry operations.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:  3,
		InitialDelay: 100 * time.Millisecond,
		MaxDelay:     5 * time.Second,
		Multiplier:   2.0,
		AddJitter:    true,
	}
}

// Do executes fn with exponential backoff retry.
func Do(ctx context.Context, cfg Config, fn func() error) error {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}
	if cfg.InitialDelay <= 0 {
		cfg.InitialDelay = 100 * time.Millisecond
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = 5 * time.Second
	}
	if cfg.Multiplier <= 0 {
		cfg.Multiplier = 2.0
	}
	if cfg.MaxDelay < cfg.InitialDelay {
		return errors.New("retry: MaxDelay must be >= InitialDelay")
	}

	var lastErr error
	delay := cfg.InitialDelay

	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}
		lastErr = err

		if IsNonRetryable(err) {
			return err
		}
		if attempt == cfg.MaxAttempts {
			break
		}

		wait := delay
		if cfg.AddJitter {
			wait += jitter(delay)
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("retry cancelled after %d attempts: %w", attempt, ctx.Err())
		case <-time.After(wait):
		}

		delay = time.Duration(float64(delay) * cfg.Multiplier)
		if delay > cfg.MaxDelay {
			delay = cfg.MaxDelay
		}
	}

	return fmt.Errorf("retry exhausted after %d attempts: %w", cfg.MaxAttempts, lastErr)
}

// jitter returns a random duration in [0, d/4).
func jitter(d time.Duration) time.Duration {
	if d <= 0 {
		return 0
	}
	randMu.Lock()
	defer randMu.Unlock()
	return time.Duration(randSource.Int63n(int64(d) / 4))
}
