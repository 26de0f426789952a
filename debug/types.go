// Package debug implements the execution manager: breakpoint tables,
// pause/resume/step state machines, stack and variable snapshots, and the
// ordered debug event stream, across concurrent debug sessions.
package debug

import "fmt"

// State is the debug state of one session.
type State string

const (
	// Running executes freely until a breakpoint, pause, or interrupt.
	Running State = "running"
	// Paused waits for a continue or step command.
	Paused State = "paused"
	// Stepping runs until the step target is reached, then pauses.
	Stepping State = "stepping"
	// Terminated is absorbing; no further commands are accepted.
	Terminated State = "terminated"
)

// StepMode selects the step target.
type StepMode string

const (
	// StepInto stops on the next statement anywhere.
	StepInto StepMode = "into"
	// StepOver stops on the next statement at or above the current depth.
	StepOver StepMode = "over"
	// StepOut stops on the next statement above the current depth.
	StepOut StepMode = "out"
)

// Breakpoint is one source location the debuggee stops at.
type Breakpoint struct {
	ID        string `json:"id"`
	Source    string `json:"source"`
	Line      int    `json:"line"`
	Condition string `json:"condition,omitempty"`
	HitCount  int    `json:"hit_count"`
	Enabled   bool   `json:"enabled"`
}

// Frame is one stack frame of a paused debuggee.
type Frame struct {
	ID     uint64 `json:"id"`
	Name   string `json:"name"`
	Source string `json:"source"`
	Line   int    `json:"line"`
}

// Variable is one entry of a frame-scoped variable tree. ChildrenRef is an
// opaque handle valid only against the snapshot it came from.
type Variable struct {
	Name        string `json:"name"`
	ValueRepr   string `json:"value_repr"`
	Type        string `json:"type,omitempty"`
	ChildrenRef uint64 `json:"children_ref,omitempty"`
}

// EventKind labels a debug event.
type EventKind string

const (
	// EventPaused fires when the session reaches Paused.
	EventPaused EventKind = "paused"
	// EventResumed fires on continue or step.
	EventResumed EventKind = "resumed"
	// EventBreakpointHit fires when an enabled breakpoint matches.
	EventBreakpointHit EventKind = "breakpoint_hit"
	// EventVariableUpdated fires when the debuggee reports a change.
	EventVariableUpdated EventKind = "variable_updated"
	// EventOutput carries debuggee output.
	EventOutput EventKind = "output"
	// EventTerminated fires once, when the session terminates.
	EventTerminated EventKind = "terminated"
)

// Event is one debug notification. Delivery order matches occurrence order.
type Event struct {
	Kind         EventKind `json:"kind"`
	Reason       string    `json:"reason,omitempty"`
	Source       string    `json:"source,omitempty"`
	Line         int       `json:"line,omitempty"`
	BreakpointID string    `json:"breakpoint_id,omitempty"`
	Name         string    `json:"name,omitempty"`
	Value        string    `json:"value,omitempty"`
	Category     string    `json:"category,omitempty"`
	Text         string    `json:"text,omitempty"`
}

func (e Event) String() string {
	return fmt.Sprintf("%s %s:%d", e.Kind, e.Source, e.Line)
}
