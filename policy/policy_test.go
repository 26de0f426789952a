package policy

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/agentkernel/errors"
)

func TestTimeoutPolicyElapsed(t *testing.T) {
	now := time.Now()
	p := &TimeoutPolicy{MaxDuration: time.Minute, WarnThreshold: 0.8}

	d := p.Check(&Context{StartedAt: now.Add(-30 * time.Second), Now: now})
	assert.True(t, d.Allowed)
	assert.Empty(t, d.Warning)

	d = p.Check(&Context{StartedAt: now.Add(-50 * time.Second), Now: now})
	assert.True(t, d.Allowed)
	assert.NotEmpty(t, d.Warning, "expected warning past threshold")

	d = p.Check(&Context{StartedAt: now.Add(-2 * time.Minute), Now: now})
	assert.False(t, d.Allowed)
	assert.Contains(t, d.Reason, "elapsed")

	err := d.Err()
	require.Error(t, err)
	assert.True(t, errors.IsPolicyDenied(err))
}

func TestTimeoutPolicyIdle(t *testing.T) {
	now := time.Now()
	p := &TimeoutPolicy{MaxIdle: 10 * time.Second}

	d := p.Check(&Context{LastActivity: now.Add(-30 * time.Second), Now: now})
	assert.False(t, d.Allowed)
	assert.Contains(t, d.Reason, "idle")
}

func TestResourcePolicy(t *testing.T) {
	p := &ResourcePolicy{MaxMemoryBytes: 1024, MaxOperations: 10}

	d := p.Check(&Context{MemoryBytes: 512, Operations: 5})
	assert.True(t, d.Allowed)

	d = p.Check(&Context{MemoryBytes: 2048})
	assert.False(t, d.Allowed)
	assert.Contains(t, d.Reason, "memory")

	d = p.Check(&Context{Operations: 11})
	assert.False(t, d.Allowed)
	assert.Contains(t, d.Reason, "operations")
}

func TestRatePolicy(t *testing.T) {
	rl := NewRateLimiter(RateLimiterConfig{AllowDynamicBuckets: false, MaxBuckets: 4})
	rl.AddBucket("session", BucketConfig{Capacity: 1, RefillRate: 1, RefillInterval: time.Hour})

	p := &RatePolicy{Limiter: rl, Key: "session"}
	assert.True(t, p.Check(&Context{}).Allowed)

	d := p.Check(&Context{})
	assert.False(t, d.Allowed)
	err := d.Err()
	require.Error(t, err)
	assert.True(t, errors.IsPolicyDenied(err))
}

func TestAllowedDecisionHasNoError(t *testing.T) {
	d := Decision{Allowed: true, Policy: "timeout"}
	assert.NoError(t, d.Err())
}
