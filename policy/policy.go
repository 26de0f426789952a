package policy

import (
	"fmt"
	"time"

	"github.com/c360/agentkernel/errors"
)

// Context carries the observable counters a policy may consult. Timestamps
// come from the session; counters come from the hook context.
type Context struct {
	SessionID    string
	StartedAt    time.Time
	LastActivity time.Time
	MemoryBytes  int64
	Operations   int64
	Now          time.Time // zero means time.Now()
}

func (c *Context) now() time.Time {
	if c.Now.IsZero() {
		return time.Now()
	}
	return c.Now
}

// Decision is the outcome of one policy check.
type Decision struct {
	Allowed bool
	Policy  string
	Reason  string
	Warning string // non-empty when a threshold was crossed short of failure
}

// Err converts a denying decision to a PolicyDenied error carrying the
// policy name and reason.
func (d Decision) Err() error {
	if d.Allowed {
		return nil
	}
	var sentinel error
	switch d.Policy {
	case "timeout":
		sentinel = errors.ErrTimeout
	case "resource":
		sentinel = errors.ErrLimitExceeded
	default:
		sentinel = errors.ErrRateLimited
	}
	return errors.WrapKind(errors.KindPolicyDenied,
		fmt.Errorf("policy %s: %s: %w", d.Policy, d.Reason, sentinel),
		"policy", d.Policy, "check")
}

// Policy is a capability consulted before an operation proceeds.
type Policy interface {
	Name() string
	Check(ctx *Context) Decision
}

// TimeoutPolicy fails an operation once session elapsed time or idle time
// exceeds configured bounds, warning at configurable fractions first.
type TimeoutPolicy struct {
	MaxDuration   time.Duration // 0 disables
	MaxIdle       time.Duration // 0 disables
	WarnThreshold float64       // fraction of the bound, e.g. 0.8; 0 disables warnings
}

// Name implements Policy.
func (p *TimeoutPolicy) Name() string { return "timeout" }

// Check implements Policy.
func (p *TimeoutPolicy) Check(ctx *Context) Decision {
	now := ctx.now()
	d := Decision{Allowed: true, Policy: p.Name()}

	if p.MaxDuration > 0 && !ctx.StartedAt.IsZero() {
		elapsed := now.Sub(ctx.StartedAt)
		if elapsed > p.MaxDuration {
			return Decision{Policy: p.Name(),
				Reason: fmt.Sprintf("session elapsed %s exceeds limit %s", elapsed.Round(time.Millisecond), p.MaxDuration)}
		}
		if p.WarnThreshold > 0 && float64(elapsed) > p.WarnThreshold*float64(p.MaxDuration) {
			d.Warning = fmt.Sprintf("session elapsed %s approaching limit %s", elapsed.Round(time.Millisecond), p.MaxDuration)
		}
	}

	if p.MaxIdle > 0 && !ctx.LastActivity.IsZero() {
		idle := now.Sub(ctx.LastActivity)
		if idle > p.MaxIdle {
			return Decision{Policy: p.Name(),
				Reason: fmt.Sprintf("session idle %s exceeds limit %s", idle.Round(time.Millisecond), p.MaxIdle)}
		}
		if p.WarnThreshold > 0 && float64(idle) > p.WarnThreshold*float64(p.MaxIdle) && d.Warning == "" {
			d.Warning = fmt.Sprintf("session idle %s approaching limit %s", idle.Round(time.Millisecond), p.MaxIdle)
		}
	}

	return d
}

// ResourcePolicy fails an operation when memory or operation counters exceed
// configured caps.
type ResourcePolicy struct {
	MaxMemoryBytes int64 // 0 disables
	MaxOperations  int64 // 0 disables
}

// Name implements Policy.
func (p *ResourcePolicy) Name() string { return "resource" }

// Check implements Policy.
func (p *ResourcePolicy) Check(ctx *Context) Decision {
	if p.MaxMemoryBytes > 0 && ctx.MemoryBytes > p.MaxMemoryBytes {
		return Decision{Policy: p.Name(),
			Reason: fmt.Sprintf("memory %d exceeds limit %d", ctx.MemoryBytes, p.MaxMemoryBytes)}
	}
	if p.MaxOperations > 0 && ctx.Operations > p.MaxOperations {
		return Decision{Policy: p.Name(),
			Reason: fmt.Sprintf("operations %d exceeds limit %d", ctx.Operations, p.MaxOperations)}
	}
	return Decision{Allowed: true, Policy: p.Name()}
}

// RatePolicy adapts a named limiter bucket to the Policy interface. Each
// check costs one token.
type RatePolicy struct {
	Limiter *RateLimiter
	Key     string
	Cost    float64 // 0 means 1
}

// Name implements Policy.
func (p *RatePolicy) Name() string { return "rate" }

// Check implements Policy.
func (p *RatePolicy) Check(_ *Context) Decision {
	cost := p.Cost
	if cost <= 0 {
		cost = 1
	}
	allowed, remaining := p.Limiter.TryAcquire(p.Key, cost)
	if !allowed {
		return Decision{Policy: p.Name(),
			Reason: fmt.Sprintf("bucket %q exhausted (remaining %.2f)", p.Key, remaining)}
	}
	return Decision{Allowed: true, Policy: p.Name()}
}
