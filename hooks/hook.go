// Package hooks implements the hook/event pipeline: registration by hook
// point, priority-ordered dispatch with short-circuiting results, persistent
// execution records with correlation IDs, and deterministic replay.
package hooks

import (
	"context"
	"time"
)

// Point names a place in the kernel code path where registered hooks run.
type Point string

const (
	BeforeAgentInit     Point = "before_agent_init"
	AfterAgentInit      Point = "after_agent_init"
	BeforeToolExecution Point = "before_tool_execution"
	AfterToolExecution  Point = "after_tool_execution"
	SessionStart        Point = "session_start"
	SessionEnd          Point = "session_end"
	SessionCheckpoint   Point = "session_checkpoint"
	BeforeStateWrite    Point = "before_state_write"
	AfterStateWrite     Point = "after_state_write"
)

// CustomPoint names an application-defined hook point.
func CustomPoint(name string) Point { return Point("custom:" + name) }

// Priority orders hooks at a point. Higher runs first; ties break by
// registration order.
type Priority int

const (
	PriorityLowest  Priority = -100
	PriorityLow     Priority = -50
	PriorityNormal  Priority = 0
	PriorityHigh    Priority = 50
	PriorityHighest Priority = 100
)

// Metadata describes a registered hook.
type Metadata struct {
	Priority    Priority `json:"priority"`
	LanguageTag string   `json:"language_tag"`
	Version     string   `json:"version"`
	Tags        []string `json:"tags,omitempty"`
}

// ResultKind enumerates hook outcomes.
type ResultKind string

const (
	// Continue falls through to the next hook.
	Continue ResultKind = "continue"
	// Cancel aborts the operation with a reason; remaining hooks are skipped.
	Cancel ResultKind = "cancel"
	// Modified falls through with the returned data merged into the context.
	Modified ResultKind = "modified"
	// Redirect aborts dispatch and points the caller at another target.
	Redirect ResultKind = "redirect"
	// Replace aborts dispatch; the returned data replaces the operation's
	// result entirely.
	Replace ResultKind = "replace"
	// Retry re-runs the same hook after a delay, bounded by MaxAttempts.
	Retry ResultKind = "retry"
)

// Result is the outcome of one hook execution.
type Result struct {
	Kind        ResultKind     `json:"kind"`
	Reason      string         `json:"reason,omitempty"`
	Data        map[string]any `json:"data,omitempty"`
	Target      string         `json:"target,omitempty"`
	Delay       time.Duration  `json:"delay,omitempty"`
	MaxAttempts int            `json:"max_attempts,omitempty"`
}

// ContinueResult is the common fall-through result.
func ContinueResult() Result { return Result{Kind: Continue} }

// HookContext is the mutable context passed through the hooks at a point.
type HookContext struct {
	Point         Point          `json:"point"`
	CorrelationID string         `json:"correlation_id"`
	TenantID      string         `json:"tenant_id,omitempty"`
	Tags          []string       `json:"tags,omitempty"`
	Data          map[string]any `json:"data"`
}

// Clone deep-copies the top level of the context so replay never mutates a
// stored blob.
func (c *HookContext) Clone() *HookContext {
	data := make(map[string]any, len(c.Data))
	for k, v := range c.Data {
		data[k] = v
	}
	return &HookContext{
		Point:         c.Point,
		CorrelationID: c.CorrelationID,
		TenantID:      c.TenantID,
		Tags:          append([]string(nil), c.Tags...),
		Data:          data,
	}
}

// Hook is the capability registered at a point.
type Hook interface {
	Execute(ctx context.Context, hctx *HookContext) (Result, error)
	Metadata() Metadata
}

// HookFunc adapts a function to the Hook interface with normal priority.
type HookFunc func(ctx context.Context, hctx *HookContext) (Result, error)

// Execute implements Hook.
func (f HookFunc) Execute(ctx context.Context, hctx *HookContext) (Result, error) {
	return f(ctx, hctx)
}

// Metadata implements Hook.
func (f HookFunc) Metadata() Metadata {
	return Metadata{Priority: PriorityNormal, LanguageTag: "go", Version: "1"}
}
