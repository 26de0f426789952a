package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/c360/agentkernel/errors"
	"github.com/c360/agentkernel/metric"
	"github.com/c360/agentkernel/policy"
)

const minSweepInterval = time.Second

// Config controls manager defaults.
type Config struct {
	// DefaultTTL applies to sessions created without an explicit TTL.
	// Zero disables expiry.
	DefaultTTL time.Duration
	// SweepInterval is the TTL sweeper period, floored at one second.
	SweepInterval time.Duration
	// DefaultPolicies are attached to every new session.
	DefaultPolicies []policy.Policy
	// ResumeOnRestart keeps previously Active sessions Active when the
	// manager is rebuilt from persisted state. When false they are marked
	// Failed.
	ResumeOnRestart bool
	// EventBuffer sizes the event channel; events are dropped, not
	// blocked on, when the subscriber lags.
	EventBuffer int
}

// Manager tracks sessions. All methods are safe for concurrent use; the
// lock is never held across blocking calls.
type Manager struct {
	mu       sync.RWMutex
	sessions map[string]*Session

	cfg     Config
	logger  *slog.Logger
	metrics *metric.Core
	now     func() time.Time

	events chan Event

	sweepOnce   sync.Once
	sweepCancel context.CancelFunc
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the manager logger.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) { m.logger = logger }
}

// WithMetrics wires kernel metrics.
func WithMetrics(core *metric.Core) Option {
	return func(m *Manager) { m.metrics = core }
}

// WithClock overrides the time source, for tests.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// NewManager creates a session manager.
func NewManager(cfg Config, opts ...Option) *Manager {
	if cfg.SweepInterval < minSweepInterval {
		cfg.SweepInterval = minSweepInterval
	}
	if cfg.EventBuffer <= 0 {
		cfg.EventBuffer = 64
	}
	m := &Manager{
		sessions: map[string]*Session{},
		cfg:      cfg,
		logger:   slog.Default(),
		now:      time.Now,
		events:   make(chan Event, cfg.EventBuffer),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Events exposes the lifecycle event stream. Events are dropped when the
// subscriber falls behind.
func (m *Manager) Events() <-chan Event { return m.events }

func (m *Manager) emit(ev Event) {
	ev.At = m.now()
	select {
	case m.events <- ev:
	default:
		m.logger.Debug("Session event dropped", "kind", ev.Kind, "session_id", ev.SessionID)
	}
}

// CreateSession creates an Active session for owner (may be empty) and
// returns its id.
func (m *Manager) CreateSession(owner string) string {
	id := uuid.NewString()
	now := m.now()
	s := &Session{
		ID:       id,
		Owner:    owner,
		Status:   Active,
		Metadata: map[string]string{},
		Metrics:  Metrics{CreatedAt: now, LastActivity: now},
		TTL:      m.cfg.DefaultTTL,
		policies: append([]policy.Policy(nil), m.cfg.DefaultPolicies...),
	}

	m.mu.Lock()
	m.sessions[id] = s
	m.mu.Unlock()

	if m.metrics != nil {
		m.metrics.ActiveSessions.Inc()
	}
	m.emit(Event{Kind: EventCreated, SessionID: id, To: Active})
	m.logger.Info("Session created", "session_id", id, "owner", owner)
	return id
}

// GetSession returns a snapshot of the session.
func (m *Manager) GetSession(id string) (*Session, error) {
	m.mu.RLock()
	s, ok := m.sessions[id]
	var snap *Session
	if ok {
		snap = s.clone()
	}
	m.mu.RUnlock()

	if !ok {
		return nil, errors.WrapKind(errors.KindNotFound, errors.ErrSessionNotFound,
			"SessionManager", "GetSession", id)
	}
	return snap, nil
}

// UpdateSession applies fn to the session under the lock. fn must not
// block; it may mutate metadata, TTL, and policies but not status.
func (m *Manager) UpdateSession(id string, fn func(*Session)) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[id]
	if !ok {
		return errors.WrapKind(errors.KindNotFound, errors.ErrSessionNotFound,
			"SessionManager", "UpdateSession", id)
	}
	status := s.Status
	fn(s)
	s.Status = status
	s.Metrics.LastActivity = m.now()
	return nil
}

// PauseSession transitions Active→Paused.
func (m *Manager) PauseSession(id string) error { return m.transition(id, Paused) }

// ResumeSession transitions Paused→Active.
func (m *Manager) ResumeSession(id string) error { return m.transition(id, Active) }

// CompleteSession transitions Active→Completed.
func (m *Manager) CompleteSession(id string) error { return m.transition(id, Completed) }

// FailSession transitions Active→Failed.
func (m *Manager) FailSession(id string) error { return m.transition(id, Failed) }

// ArchiveSession transitions Active→Archived.
func (m *Manager) ArchiveSession(id string) error { return m.transition(id, Archived) }

func (m *Manager) transition(id string, to Status) error {
	m.mu.Lock()
	s, ok := m.sessions[id]
	if !ok {
		m.mu.Unlock()
		return errors.WrapKind(errors.KindNotFound, errors.ErrSessionNotFound,
			"SessionManager", "transition", id)
	}
	from := s.Status
	if !canTransition(from, to) {
		m.mu.Unlock()
		return errors.WrapKind(errors.KindConflict,
			fmt.Errorf("%w: %s to %s", errors.ErrInvalidState, from, to),
			"SessionManager", "transition", id)
	}
	s.Status = to
	s.Metrics.LastActivity = m.now()
	m.mu.Unlock()

	if m.metrics != nil && from == Active && to != Active {
		m.metrics.ActiveSessions.Dec()
	}
	m.emit(Event{Kind: EventTransition, SessionID: id, From: from, To: to})
	m.logger.Info("Session transition", "session_id", id, "from", from, "to", to)
	return nil
}

// ValidateAccess reports whether user may operate on the session. Sessions
// without an owner are open to any user.
func (m *Manager) ValidateAccess(id, user string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, ok := m.sessions[id]
	if !ok {
		return false
	}
	return s.Owner == "" || s.Owner == user
}

// ActiveSessions returns the ids of Active sessions.
func (m *Manager) ActiveSessions() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []string
	for id, s := range m.sessions {
		if s.Status == Active {
			out = append(out, id)
		}
	}
	return out
}

// GetMetrics returns a snapshot of the session's counters.
func (m *Manager) GetMetrics(id string) (Metrics, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, ok := m.sessions[id]
	if !ok {
		return Metrics{}, errors.WrapKind(errors.KindNotFound, errors.ErrSessionNotFound,
			"SessionManager", "GetMetrics", id)
	}
	return s.Metrics, nil
}

// StartTTLCleanup launches the background sweeper. The first pass marks
// expired sessions Expired; the next pass removes them. Safe to call once;
// later calls are no-ops.
func (m *Manager) StartTTLCleanup(ctx context.Context) {
	m.sweepOnce.Do(func() {
		ctx, m.sweepCancel = context.WithCancel(ctx)
		go m.sweepLoop(ctx)
	})
}

// StopTTLCleanup halts the sweeper if running.
func (m *Manager) StopTTLCleanup() {
	if m.sweepCancel != nil {
		m.sweepCancel()
	}
}

func (m *Manager) sweepLoop(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Sweep()
		}
	}
}

// Sweep runs one TTL pass: sessions past TTL transition to Expired, already
// Expired sessions are removed.
func (m *Manager) Sweep() {
	now := m.now()

	m.mu.Lock()
	var expired, removed []string
	var expiredFrom []Status
	for id, s := range m.sessions {
		if s.Status == Expired {
			delete(m.sessions, id)
			removed = append(removed, id)
			continue
		}
		if s.TTL > 0 && now.Sub(s.Metrics.LastActivity) > s.TTL {
			expiredFrom = append(expiredFrom, s.Status)
			s.Status = Expired
			expired = append(expired, id)
		}
	}
	m.mu.Unlock()

	for i, id := range expired {
		if m.metrics != nil && expiredFrom[i] == Active {
			m.metrics.ActiveSessions.Dec()
		}
		m.emit(Event{Kind: EventExpired, SessionID: id, From: expiredFrom[i], To: Expired})
		m.logger.Info("Session expired", "session_id", id)
	}
	for _, id := range removed {
		m.emit(Event{Kind: EventRemoved, SessionID: id, From: Expired})
	}
}

// RestoreSession reinstates a persisted session on restart, honouring the
// ResumeOnRestart flag: Active sessions stay Active only when the flag is
// set, otherwise they are marked Failed.
func (m *Manager) RestoreSession(s *Session) {
	restored := s.clone()
	if restored.Status == Active && !m.cfg.ResumeOnRestart {
		restored.Status = Failed
		m.logger.Warn("Active session marked failed on restart", "session_id", restored.ID)
	}

	m.mu.Lock()
	m.sessions[restored.ID] = restored
	m.mu.Unlock()

	if m.metrics != nil && restored.Status == Active {
		m.metrics.ActiveSessions.Inc()
	}
}

// touch bumps activity counters; callers hold no lock.
func (m *Manager) touch(id string, rejected bool) (Status, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[id]
	if !ok {
		return "", false
	}
	s.Metrics.MessagesProcessed++
	s.Metrics.LastActivity = m.now()
	if rejected {
		s.Metrics.PolicyRejections++
	}
	return s.Status, true
}

func (m *Manager) policyContext(id string) (*policy.Context, []policy.Policy, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, ok := m.sessions[id]
	if !ok {
		return nil, nil, false
	}
	return &policy.Context{
		SessionID:    id,
		StartedAt:    s.Metrics.CreatedAt,
		LastActivity: s.Metrics.LastActivity,
		Operations:   s.Metrics.MessagesProcessed,
	}, append([]policy.Policy(nil), s.policies...), true
}
