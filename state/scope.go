// Package state provides the scoped key/value store with TTL, state
// classes, write hooks, and pluggable persistence.
package state

import (
	"fmt"
	"strings"
)

// ScopeKind enumerates state namespaces.
type ScopeKind string

const (
	ScopeGlobal  ScopeKind = "global"
	ScopeSession ScopeKind = "session"
	ScopeAgent   ScopeKind = "agent"
	ScopeUser    ScopeKind = "user"
	ScopeCustom  ScopeKind = "custom"
)

// Scope is a namespace for state entries. ClearScope removes only keys owned
// by the exact scope; it never traverses children.
type Scope struct {
	Kind ScopeKind
	ID   string // empty for Global
}

// GlobalScope is the process-wide namespace.
func GlobalScope() Scope { return Scope{Kind: ScopeGlobal} }

// SessionScope namespaces entries to one session.
func SessionScope(id string) Scope { return Scope{Kind: ScopeSession, ID: id} }

// AgentScope namespaces entries to one agent.
func AgentScope(id string) Scope { return Scope{Kind: ScopeAgent, ID: id} }

// UserScope namespaces entries to one user.
func UserScope(id string) Scope { return Scope{Kind: ScopeUser, ID: id} }

// CustomScope namespaces entries to an application-defined tag.
func CustomScope(tag string) Scope { return Scope{Kind: ScopeCustom, ID: tag} }

// String renders the canonical persisted form, e.g. "session:abc".
func (s Scope) String() string {
	if s.Kind == ScopeGlobal {
		return string(ScopeGlobal)
	}
	return fmt.Sprintf("%s:%s", s.Kind, s.ID)
}

// ParseScope reverses String.
func ParseScope(raw string) (Scope, error) {
	if raw == string(ScopeGlobal) {
		return GlobalScope(), nil
	}
	kind, id, ok := strings.Cut(raw, ":")
	if !ok {
		return Scope{}, fmt.Errorf("invalid scope %q", raw)
	}
	switch ScopeKind(kind) {
	case ScopeSession, ScopeAgent, ScopeUser, ScopeCustom:
		return Scope{Kind: ScopeKind(kind), ID: id}, nil
	default:
		return Scope{}, fmt.Errorf("invalid scope kind %q", kind)
	}
}

// Class labels an entry's retention and visibility semantics.
type Class string

const (
	// ClassEphemeral entries are skipped by persistence entirely.
	ClassEphemeral Class = "ephemeral"
	// ClassStandard is the default.
	ClassStandard Class = "standard"
	// ClassDurable entries survive snapshots and restarts.
	ClassDurable Class = "durable"
	// ClassSensitive entries are excluded from snapshots unless the
	// snapshot explicitly includes them.
	ClassSensitive Class = "sensitive"
)
