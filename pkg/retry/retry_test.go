package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDoSucceedsAfterRetries(t *testing.T) {
	attempts := 0
	cfg := Config{MaxAttempts: 3, InitialDelay: time.Millisecond, MaxDelay: 10 * time.Millisecond, Multiplier: 2}

	err := Do(context.Background(), cfg, func() error {
		attempts++
		if attempts < 3 {
			return errors.New("transient")
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 3, attempts)
}

func TestDoExhaustsAttempts(t *testing.T) {
	attempts := 0
	cfg := Config{MaxAttempts: 2, InitialDelay: time.Millisecond, MaxDelay: 10 * time.Millisecond, Multiplier: 2}

	base := errors.New("still broken")
	err := Do(context.Background(), cfg, func() error {
		attempts++
		return base
	})

	require.Error(t, err)
	assert.Equal(t, 2, attempts)
	assert.True(t, errors.Is(err, base))
}

func TestDoStopsOnNonRetryable(t *testing.T) {
	attempts := 0
	cfg := DefaultConfig()

	err := Do(context.Background(), cfg, func() error {
		attempts++
		return NonRetryable(errors.New("bad input"))
	})

	require.Error(t, err)
	assert.Equal(t, 1, attempts)
	assert.True(t, IsNonRetryable(err))
}

func TestDoRespectsContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	cfg := Config{MaxAttempts: 5, InitialDelay: 50 * time.Millisecond, MaxDelay: time.Second, Multiplier: 2}
	err := Do(ctx, cfg, func() error { return errors.New("transient") })

	require.Error(t, err)
	assert.True(t, errors.Is(err, context.Canceled))
}
