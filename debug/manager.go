package debug

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/c360/agentkernel/errors"
)

// ConditionFunc evaluates a breakpoint condition against the current frame.
// An error is logged and treated as "condition false"; it never halts the
// debuggee.
type ConditionFunc func(condition string, frame *Frame) (bool, error)

type locationKey struct {
	source string
	line   int
}

// debugSession is the per-session debug state. Its fields are guarded by
// the manager lock.
type debugSession struct {
	id         string
	scriptPath string
	state      State
	stepMode   StepMode
	stepDepth  int

	breakpoints map[locationKey]*Breakpoint
	byID        map[string]locationKey

	frames    []Frame
	variables map[uint64][]Variable
	nextRef   uint64

	events chan Event
}

// Manager owns all debug sessions and the script-path lock table. The
// interrupt flag is process-wide: script hosts poll it at safe points.
type Manager struct {
	mu       sync.Mutex
	sessions map[string]*debugSession
	locks    map[string]string // script path -> session id

	interrupted atomic.Bool

	condition   ConditionFunc
	logger      *slog.Logger
	eventBuffer int
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithCondition sets the breakpoint condition evaluator.
func WithCondition(fn ConditionFunc) ManagerOption {
	return func(m *Manager) { m.condition = fn }
}

// WithLogger sets the manager logger.
func WithLogger(logger *slog.Logger) ManagerOption {
	return func(m *Manager) { m.logger = logger }
}

// WithEventBuffer sizes per-session event channels.
func WithEventBuffer(n int) ManagerOption {
	return func(m *Manager) { m.eventBuffer = n }
}

// NewManager creates an execution manager.
func NewManager(opts ...ManagerOption) *Manager {
	m := &Manager{
		sessions:    map[string]*debugSession{},
		locks:       map[string]string{},
		logger:      slog.Default(),
		eventBuffer: 256,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// AttachSession starts a debug session for scriptPath. A path already locked
// by another session yields a conflict naming the holder.
func (m *Manager) AttachSession(sessionID, scriptPath string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if holder, locked := m.locks[scriptPath]; locked && holder != sessionID {
		return errors.WrapKind(errors.KindConflict,
			fmt.Errorf("%w: held by %s", errors.ErrScriptLocked, holder),
			"ExecutionManager", "AttachSession", scriptPath)
	}
	if _, exists := m.sessions[sessionID]; exists {
		return errors.WrapKind(errors.KindConflict, errors.ErrAlreadyStarted,
			"ExecutionManager", "AttachSession", sessionID)
	}

	m.locks[scriptPath] = sessionID
	m.sessions[sessionID] = &debugSession{
		id:          sessionID,
		scriptPath:  scriptPath,
		state:       Running,
		breakpoints: map[locationKey]*Breakpoint{},
		byID:        map[string]locationKey{},
		variables:   map[uint64][]Variable{},
		events:      make(chan Event, m.eventBuffer),
	}
	m.logger.Info("Debug session attached", "session_id", sessionID, "script", scriptPath)
	return nil
}

// RemoveSession terminates the session and releases its script lock
// atomically.
func (m *Manager) RemoveSession(sessionID string) error {
	m.mu.Lock()
	s, ok := m.sessions[sessionID]
	if ok {
		if s.state != Terminated {
			s.state = Terminated
			m.emitLocked(s, Event{Kind: EventTerminated, Reason: "session removed"})
		}
		delete(m.sessions, sessionID)
		delete(m.locks, s.scriptPath)
	}
	m.mu.Unlock()

	if !ok {
		return errors.WrapKind(errors.KindNotFound, errors.ErrSessionNotFound,
			"ExecutionManager", "RemoveSession", sessionID)
	}
	m.logger.Info("Debug session removed", "session_id", sessionID)
	return nil
}

// Events returns the ordered event stream for a session.
func (m *Manager) Events(sessionID string) (<-chan Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[sessionID]
	if !ok {
		return nil, errors.WrapKind(errors.KindNotFound, errors.ErrSessionNotFound,
			"ExecutionManager", "Events", sessionID)
	}
	return s.events, nil
}

// emitLocked must hold m.mu. Full channels drop the oldest event so the
// relative order of delivered events still matches occurrence order.
func (m *Manager) emitLocked(s *debugSession, ev Event) {
	for {
		select {
		case s.events <- ev:
			return
		default:
			select {
			case dropped := <-s.events:
				m.logger.Warn("Debug event dropped", "session_id", s.id, "event", dropped.Kind)
			default:
			}
		}
	}
}

// SetBreakpoint inserts or replaces the breakpoint at (source, line).
func (m *Manager) SetBreakpoint(sessionID, source string, line int, condition string) (*Breakpoint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[sessionID]
	if !ok {
		return nil, errors.WrapKind(errors.KindNotFound, errors.ErrSessionNotFound,
			"ExecutionManager", "SetBreakpoint", sessionID)
	}

	key := locationKey{source: source, line: line}
	if old, exists := s.breakpoints[key]; exists {
		delete(s.byID, old.ID)
	}
	bp := &Breakpoint{
		ID:        uuid.NewString(),
		Source:    source,
		Line:      line,
		Condition: condition,
		Enabled:   true,
	}
	s.breakpoints[key] = bp
	s.byID[bp.ID] = key

	cp := *bp
	return &cp, nil
}

// RemoveBreakpoint removes a breakpoint by id.
func (m *Manager) RemoveBreakpoint(sessionID, breakpointID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[sessionID]
	if !ok {
		return errors.WrapKind(errors.KindNotFound, errors.ErrSessionNotFound,
			"ExecutionManager", "RemoveBreakpoint", sessionID)
	}
	key, ok := s.byID[breakpointID]
	if !ok {
		return errors.WrapKind(errors.KindNotFound, errors.ErrBreakpointNotFound,
			"ExecutionManager", "RemoveBreakpoint", breakpointID)
	}
	delete(s.byID, breakpointID)
	delete(s.breakpoints, key)
	return nil
}

// ListBreakpoints returns the session's breakpoints.
func (m *Manager) ListBreakpoints(sessionID string) ([]Breakpoint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[sessionID]
	if !ok {
		return nil, errors.WrapKind(errors.KindNotFound, errors.ErrSessionNotFound,
			"ExecutionManager", "ListBreakpoints", sessionID)
	}
	out := make([]Breakpoint, 0, len(s.breakpoints))
	for _, bp := range s.breakpoints {
		out = append(out, *bp)
	}
	return out, nil
}

// Continue resumes a paused session.
func (m *Manager) Continue(sessionID string) error {
	return m.command(sessionID, func(s *debugSession) error {
		if s.state != Paused && s.state != Stepping {
			return fmt.Errorf("%w: continue from %s", errors.ErrInvalidState, s.state)
		}
		s.state = Running
		m.emitLocked(s, Event{Kind: EventResumed})
		return nil
	})
}

// StepInto steps to the next statement anywhere.
func (m *Manager) StepInto(sessionID string) error { return m.step(sessionID, StepInto) }

// StepOver steps to the next statement at or above the current depth.
func (m *Manager) StepOver(sessionID string) error { return m.step(sessionID, StepOver) }

// StepOut steps to the next statement above the current depth.
func (m *Manager) StepOut(sessionID string) error { return m.step(sessionID, StepOut) }

func (m *Manager) step(sessionID string, mode StepMode) error {
	return m.command(sessionID, func(s *debugSession) error {
		if s.state != Paused {
			return fmt.Errorf("%w: step from %s", errors.ErrInvalidState, s.state)
		}
		s.state = Stepping
		s.stepMode = mode
		s.stepDepth = len(s.frames)
		m.emitLocked(s, Event{Kind: EventResumed})
		return nil
	})
}

// Pause requests the session stop at the next safe point. Pausing an
// already-paused session is a no-op.
func (m *Manager) Pause(sessionID string) error {
	return m.command(sessionID, func(s *debugSession) error {
		if s.state == Running || s.state == Stepping {
			s.state = Paused
			m.emitLocked(s, Event{Kind: EventPaused, Reason: "pause"})
		}
		return nil
	})
}

// Terminate moves the session to the absorbing Terminated state.
func (m *Manager) Terminate(sessionID, reason string) error {
	return m.command(sessionID, func(s *debugSession) error {
		s.state = Terminated
		m.emitLocked(s, Event{Kind: EventTerminated, Reason: reason})
		return nil
	})
}

func (m *Manager) command(sessionID string, fn func(*debugSession) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[sessionID]
	if !ok {
		return errors.WrapKind(errors.KindNotFound, errors.ErrSessionNotFound,
			"ExecutionManager", "command", sessionID)
	}
	if s.state == Terminated {
		return errors.WrapKind(errors.KindConflict,
			fmt.Errorf("%w: session terminated", errors.ErrInvalidState),
			"ExecutionManager", "command", sessionID)
	}
	if err := fn(s); err != nil {
		return errors.WrapKind(errors.KindConflict, err, "ExecutionManager", "command", sessionID)
	}
	return nil
}

// State returns the session's current debug state.
func (m *Manager) State(sessionID string) (State, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[sessionID]
	if !ok {
		return "", errors.WrapKind(errors.KindNotFound, errors.ErrSessionNotFound,
			"ExecutionManager", "State", sessionID)
	}
	return s.state, nil
}

// OnStatement is the script host's safe-point callback, invoked before each
// statement with the current location and call depth. It returns true when
// the host must block until the session leaves Paused.
func (m *Manager) OnStatement(sessionID, source string, line, depth int) bool {
	if m.interrupted.Load() {
		return false
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[sessionID]
	if !ok || s.state == Terminated {
		return false
	}

	switch s.state {
	case Paused:
		return true
	case Stepping:
		if m.stepTargetReachedLocked(s, depth) {
			s.state = Paused
			m.emitLocked(s, Event{Kind: EventPaused, Reason: "step", Source: source, Line: line})
			return true
		}
	}

	key := locationKey{source: source, line: line}
	bp, exists := s.breakpoints[key]
	if !exists || !bp.Enabled {
		return false
	}
	if !m.conditionTrueLocked(s, bp) {
		return false
	}
	bp.HitCount++
	s.state = Paused
	m.emitLocked(s, Event{Kind: EventBreakpointHit, BreakpointID: bp.ID, Source: source, Line: line})
	m.emitLocked(s, Event{Kind: EventPaused, Reason: "breakpoint", Source: source, Line: line})
	return true
}

func (m *Manager) stepTargetReachedLocked(s *debugSession, depth int) bool {
	switch s.stepMode {
	case StepInto:
		return true
	case StepOver:
		return depth <= s.stepDepth
	case StepOut:
		return depth < s.stepDepth
	default:
		return false
	}
}

func (m *Manager) conditionTrueLocked(s *debugSession, bp *Breakpoint) bool {
	if bp.Condition == "" {
		return true
	}
	if m.condition == nil {
		return true
	}
	var frame *Frame
	if len(s.frames) > 0 {
		frame = &s.frames[0]
	}
	ok, err := m.condition(bp.Condition, frame)
	if err != nil {
		m.logger.Warn("Breakpoint condition failed, treating as false",
			"session_id", s.id, "breakpoint", bp.ID, "error", err)
		return false
	}
	return ok
}

// ReportPause installs the frame and variable snapshot for the most recent
// Paused state. Variable trees are registered separately via RegisterChildren.
func (m *Manager) ReportPause(sessionID string, frames []Frame) error {
	return m.command(sessionID, func(s *debugSession) error {
		s.frames = append([]Frame(nil), frames...)
		s.variables = map[uint64][]Variable{}
		return nil
	})
}

// RegisterVariables installs one node of the variable tree and returns the
// handle get requests resolve against. Nested scopes chain through each
// variable's ChildrenRef.
func (m *Manager) RegisterVariables(sessionID string, vars []Variable) (uint64, error) {
	var ref uint64
	err := m.command(sessionID, func(s *debugSession) error {
		s.nextRef++
		ref = s.nextRef
		s.variables[ref] = append([]Variable(nil), vars...)
		return nil
	})
	if err != nil {
		return 0, err
	}
	return ref, nil
}

// GetStackFrames returns the frame snapshot of the most recent pause.
func (m *Manager) GetStackFrames(sessionID string) ([]Frame, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[sessionID]
	if !ok {
		return nil, errors.WrapKind(errors.KindNotFound, errors.ErrSessionNotFound,
			"ExecutionManager", "GetStackFrames", sessionID)
	}
	return append([]Frame(nil), s.frames...), nil
}

// GetVariables resolves a variables handle from the current snapshot.
func (m *Manager) GetVariables(sessionID string, ref uint64) ([]Variable, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[sessionID]
	if !ok {
		return nil, errors.WrapKind(errors.KindNotFound, errors.ErrSessionNotFound,
			"ExecutionManager", "GetVariables", sessionID)
	}
	vars, ok := s.variables[ref]
	if !ok {
		return nil, errors.WrapKind(errors.KindNotFound, errors.ErrKeyNotFound,
			"ExecutionManager", "GetVariables", fmt.Sprintf("ref %d", ref))
	}
	return append([]Variable(nil), vars...), nil
}

// EmitOutput forwards debuggee output onto the event stream.
func (m *Manager) EmitOutput(sessionID, category, text string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sessions[sessionID]; ok && s.state != Terminated {
		m.emitLocked(s, Event{Kind: EventOutput, Category: category, Text: text})
	}
}

// Interrupt sets the cooperative cancel flag. Script hosts observe it at
// safe points.
func (m *Manager) Interrupt() { m.interrupted.Store(true) }

// ClearInterrupt resets the flag before the next execution.
func (m *Manager) ClearInterrupt() { m.interrupted.Store(false) }

// Interrupted reports the flag.
func (m *Manager) Interrupted() bool { return m.interrupted.Load() }
