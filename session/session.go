// Package session manages session lifecycle: creation, status transitions,
// owner-scoped access, policy enforcement, metrics, and TTL expiry.
package session

import (
	"time"

	"github.com/c360/agentkernel/policy"
)

// Status enumerates session lifecycle states.
type Status string

const (
	// Active accepts new requests.
	Active Status = "active"
	// Paused halts dispatch of new requests; in-flight ones complete.
	Paused Status = "paused"
	// Completed is terminal for a session that finished normally.
	Completed Status = "completed"
	// Failed is terminal for a session that ended in error.
	Failed Status = "failed"
	// Archived is terminal for a session retained for later inspection.
	Archived Status = "archived"
	// Expired marks a session past its TTL; removed on the next sweep.
	Expired Status = "expired"
)

// Terminal reports whether no further transition out of the status is
// permitted, TTL expiry aside.
func (s Status) Terminal() bool {
	switch s {
	case Completed, Failed, Archived, Expired:
		return true
	default:
		return false
	}
}

// transitions holds the permitted status graph. Any state may additionally
// reach Expired via the TTL sweep.
var transitions = map[Status][]Status{
	Active: {Paused, Completed, Failed, Archived},
	Paused: {Active},
}

func canTransition(from, to Status) bool {
	if to == Expired {
		return true
	}
	for _, allowed := range transitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// Metrics are the per-session observability counters.
type Metrics struct {
	MessagesProcessed int64     `json:"messages_processed"`
	PolicyRejections  int64     `json:"policy_rejections"`
	CreatedAt         time.Time `json:"created_at"`
	LastActivity      time.Time `json:"last_activity"`
}

// Session is one tracked session. Copies returned by the manager are
// snapshots; callers never hold a reference into manager state.
type Session struct {
	ID       string            `json:"id"`
	Owner    string            `json:"owner,omitempty"`
	Status   Status            `json:"status"`
	Metadata map[string]string `json:"metadata,omitempty"`
	Metrics  Metrics           `json:"metrics"`
	TTL      time.Duration     `json:"ttl,omitempty"`

	policies []policy.Policy
}

// Policies returns the session's policy chain.
func (s *Session) Policies() []policy.Policy { return s.policies }

func (s *Session) clone() *Session {
	cp := *s
	cp.Metadata = make(map[string]string, len(s.Metadata))
	for k, v := range s.Metadata {
		cp.Metadata[k] = v
	}
	cp.policies = append([]policy.Policy(nil), s.policies...)
	return &cp
}

// EventKind labels a session lifecycle event.
type EventKind string

const (
	// EventCreated fires when a session is created.
	EventCreated EventKind = "created"
	// EventTransition fires on every status change.
	EventTransition EventKind = "transition"
	// EventExpired fires when the TTL sweep expires a session.
	EventExpired EventKind = "expired"
	// EventRemoved fires when an expired session is swept away.
	EventRemoved EventKind = "removed"
)

// Event is a session lifecycle notification.
type Event struct {
	Kind      EventKind `json:"kind"`
	SessionID string    `json:"session_id"`
	From      Status    `json:"from,omitempty"`
	To        Status    `json:"to,omitempty"`
	At        time.Time `json:"at"`
}
