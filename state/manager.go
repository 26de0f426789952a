package state

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/c360/agentkernel/errors"
	"github.com/c360/agentkernel/hooks"
	"github.com/c360/agentkernel/pkg/cache"
)

// agentStateKey is the key agent helpers store their payload under within
// the agent scope.
const agentStateKey = "state"

// AgentMetadata describes a saved agent state without loading it.
type AgentMetadata struct {
	AgentID   string    `json:"agent_id"`
	SavedAt   time.Time `json:"saved_at"`
	SizeBytes int       `json:"size_bytes"`
}

// Manager is the scoped key/value store. Writes are atomic per (scope, key);
// concurrent writes to the same key serialise on the manager lock. The lock
// is never held across persistence or hook dispatch.
type Manager struct {
	mu      sync.RWMutex
	entries map[string]map[string]Entry

	persistence Persistence
	pipeline    *hooks.Pipeline
	logger      *slog.Logger
	fastCache   *cache.Cache[json.RawMessage]
	now         func() time.Time
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithHookPipeline enables SetWithHooks dispatch through the pipeline.
func WithHookPipeline(p *hooks.Pipeline) ManagerOption {
	return func(m *Manager) { m.pipeline = p }
}

// WithLogger sets the manager logger.
func WithLogger(logger *slog.Logger) ManagerOption {
	return func(m *Manager) { m.logger = logger }
}

// NewManager creates a state manager over the given persistence backend and
// loads any previously persisted state.
func NewManager(p Persistence, opts ...ManagerOption) (*Manager, error) {
	m := &Manager{
		entries:     map[string]map[string]Entry{},
		persistence: p,
		logger:      slog.Default(),
		fastCache:   cache.New[json.RawMessage](256, time.Minute),
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}

	doc, err := p.LoadState()
	if err != nil {
		return nil, errors.WrapStorage(err, "StateManager", "NewManager", "load persisted state")
	}
	m.entries = doc.Entries
	return m, nil
}

// Set stores value under (scope, key) with the standard class.
func (m *Manager) Set(scope Scope, key string, value any) error {
	return m.SetWithClass(scope, key, value, ClassStandard)
}

// SetWithClass stores value with an explicit class. An empty class means
// standard.
func (m *Manager) SetWithClass(scope Scope, key string, value any, class Class) error {
	return m.setEntry(scope, key, value, class, 0)
}

// SetWithTTL stores value with an expiry. Expired entries behave as absent
// and are dropped lazily.
func (m *Manager) SetWithTTL(scope Scope, key string, value any, ttl time.Duration) error {
	return m.setEntry(scope, key, value, ClassStandard, ttl)
}

func (m *Manager) setEntry(scope Scope, key string, value any, class Class, ttl time.Duration) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return errors.WrapExecution(err, "StateManager", "Set", fmt.Sprintf("marshal %s/%s", scope, key))
	}
	if class == "" {
		class = ClassStandard
	}

	entry := Entry{Value: raw, Class: class, UpdatedAt: m.now()}
	if ttl > 0 {
		exp := m.now().Add(ttl)
		entry.ExpiresAt = &exp
	}

	m.mu.Lock()
	scoped, ok := m.entries[scope.String()]
	if !ok {
		scoped = map[string]Entry{}
		m.entries[scope.String()] = scoped
	}
	scoped[key] = entry
	m.mu.Unlock()

	m.fastCache.Delete(scope.String() + "/" + key)
	return m.persist()
}

// SetWithHooks stores value, dispatching the state-write hook points around
// the write. A pre-hook Cancel aborts the write and surfaces the hook's
// reason; a failing post-hook is logged and does not roll back.
func (m *Manager) SetWithHooks(ctx context.Context, scope Scope, key string, value any) error {
	if m.pipeline == nil {
		return m.Set(scope, key, value)
	}

	prev, hadPrev := m.Get(scope, key)
	hctx := &hooks.HookContext{
		Point: hooks.BeforeStateWrite,
		Data: map[string]any{
			"scope":     scope.String(),
			"key":       key,
			"new_value": value,
		},
	}
	if hadPrev {
		hctx.Data["previous_value"] = json.RawMessage(prev)
	}

	outcome, err := m.pipeline.Dispatch(ctx, hctx)
	if err != nil {
		return errors.WrapExecution(err, "StateManager", "SetWithHooks", "pre-write hooks")
	}
	if outcome.Final.Kind == hooks.Cancel {
		return errors.WrapExecution(
			fmt.Errorf("%w: %s", errors.ErrHookCancel, outcome.Final.Reason),
			"StateManager", "SetWithHooks", fmt.Sprintf("write %s/%s", scope, key))
	}
	// A Modified pre-hook may rewrite the value.
	if outcome.Final.Kind == hooks.Replace {
		value = outcome.Final.Data["new_value"]
	} else if v, ok := hctx.Data["new_value"]; ok {
		value = v
	}

	if err := m.Set(scope, key, value); err != nil {
		return err
	}

	post := &hooks.HookContext{
		Point:         hooks.AfterStateWrite,
		CorrelationID: hctx.CorrelationID,
		Data: map[string]any{
			"scope": scope.String(),
			"key":   key,
		},
	}
	if _, err := m.pipeline.Dispatch(ctx, post); err != nil {
		m.logger.Warn("Post-write hook failed", "scope", scope.String(), "key", key, "error", err)
	}
	return nil
}

// Get retrieves the raw value for (scope, key).
func (m *Manager) Get(scope Scope, key string) (json.RawMessage, bool) {
	m.mu.RLock()
	entry, ok := m.entries[scope.String()][key]
	m.mu.RUnlock()

	if !ok {
		return nil, false
	}
	if m.expired(entry) {
		m.dropExpired(scope, key)
		return nil, false
	}
	return entry.Value, true
}

// GetInto decodes the value for (scope, key) into dest.
func (m *Manager) GetInto(scope Scope, key string, dest any) (bool, error) {
	raw, ok := m.Get(scope, key)
	if !ok {
		return false, nil
	}
	if err := json.Unmarshal(raw, dest); err != nil {
		return false, errors.WrapExecution(err, "StateManager", "GetInto",
			fmt.Sprintf("decode %s/%s", scope, key))
	}
	return true, nil
}

// GetWithClass retrieves the value only when the entry carries the given
// class. An empty class matches any.
func (m *Manager) GetWithClass(scope Scope, key string, class Class) (json.RawMessage, bool) {
	m.mu.RLock()
	entry, ok := m.entries[scope.String()][key]
	m.mu.RUnlock()

	if !ok || m.expired(entry) {
		return nil, false
	}
	if class != "" && entry.Class != class {
		return nil, false
	}
	return entry.Value, true
}

// Delete removes (scope, key). Returns whether it existed.
func (m *Manager) Delete(scope Scope, key string) (bool, error) {
	m.mu.Lock()
	scoped, ok := m.entries[scope.String()]
	if ok {
		_, ok = scoped[key]
		delete(scoped, key)
	}
	m.mu.Unlock()

	if !ok {
		return false, nil
	}
	m.fastCache.Delete(scope.String() + "/" + key)
	return true, m.persist()
}

// ListKeys returns the live keys of a scope, sorted.
func (m *Manager) ListKeys(scope Scope) []string {
	m.mu.RLock()
	scoped := m.entries[scope.String()]
	keys := make([]string, 0, len(scoped))
	for k, e := range scoped {
		if !m.expired(e) {
			keys = append(keys, k)
		}
	}
	m.mu.RUnlock()

	sort.Strings(keys)
	return keys
}

// ClearScope removes every key owned by exactly this scope. Child scopes are
// untouched.
func (m *Manager) ClearScope(scope Scope) error {
	m.mu.Lock()
	delete(m.entries, scope.String())
	m.mu.Unlock()
	return m.persist()
}

// SaveSnapshot persists a named snapshot of the current state. Sensitive
// entries are excluded unless includeSensitive is set; ephemeral entries are
// always excluded.
func (m *Manager) SaveSnapshot(name string, includeSensitive bool) error {
	doc := m.snapshot(func(e Entry) bool {
		if e.Class == ClassEphemeral {
			return false
		}
		if e.Class == ClassSensitive && !includeSensitive {
			return false
		}
		return true
	})
	return m.persistence.SaveSnapshot(name, doc)
}

// LoadSnapshot replaces in-memory state with a named snapshot.
func (m *Manager) LoadSnapshot(name string) error {
	doc, err := m.persistence.LoadSnapshot(name)
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.entries = doc.Entries
	m.mu.Unlock()
	m.fastCache.Purge()
	return m.persist()
}

// ListSnapshots lists the named snapshots.
func (m *Manager) ListSnapshots() ([]string, error) {
	return m.persistence.ListSnapshots()
}

// SaveAgentState stores an agent's state payload and metadata.
func (m *Manager) SaveAgentState(agentID string, state any) error {
	raw, err := json.Marshal(state)
	if err != nil {
		return errors.WrapExecution(err, "StateManager", "SaveAgentState", agentID)
	}
	scope := AgentScope(agentID)
	meta := AgentMetadata{AgentID: agentID, SavedAt: m.now(), SizeBytes: len(raw)}
	if err := m.Set(scope, agentStateKey, json.RawMessage(raw)); err != nil {
		return err
	}
	return m.Set(scope, "metadata", meta)
}

// LoadAgentState decodes an agent's state payload into dest.
func (m *Manager) LoadAgentState(agentID string, dest any) (bool, error) {
	return m.GetInto(AgentScope(agentID), agentStateKey, dest)
}

// LoadAgentStateFast is the hot-path variant: it serves from a read-through
// cache and skips class checks and hook dispatch entirely.
func (m *Manager) LoadAgentStateFast(agentID string, dest any) (bool, error) {
	cacheKey := AgentScope(agentID).String() + "/" + agentStateKey
	if raw, ok := m.fastCache.Get(cacheKey); ok {
		return true, json.Unmarshal(raw, dest)
	}

	raw, ok := m.Get(AgentScope(agentID), agentStateKey)
	if !ok {
		return false, nil
	}
	m.fastCache.Set(cacheKey, raw)
	return true, json.Unmarshal(raw, dest)
}

// GetAgentMetadata returns the saved metadata for an agent.
func (m *Manager) GetAgentMetadata(agentID string) (*AgentMetadata, error) {
	var meta AgentMetadata
	ok, err := m.GetInto(AgentScope(agentID), "metadata", &meta)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, errors.WrapKind(errors.KindNotFound, errors.ErrKeyNotFound,
			"StateManager", "GetAgentMetadata", agentID)
	}
	return &meta, nil
}

// ListAgentStates returns the agent ids with saved state.
func (m *Manager) ListAgentStates() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []string
	for scopeStr, entries := range m.entries {
		scope, err := ParseScope(scopeStr)
		if err != nil || scope.Kind != ScopeAgent {
			continue
		}
		if _, ok := entries[agentStateKey]; ok {
			out = append(out, scope.ID)
		}
	}
	sort.Strings(out)
	return out
}

// DeleteAgentState removes an agent's saved state and metadata.
func (m *Manager) DeleteAgentState(agentID string) error {
	return m.ClearScope(AgentScope(agentID))
}

// GetHookExecutionsByCorrelation returns the ordered hook records for one
// correlation id.
func (m *Manager) GetHookExecutionsByCorrelation(id string) ([]*hooks.ExecutionRecord, error) {
	if m.pipeline == nil {
		return nil, nil
	}
	return m.pipeline.GetHookExecutionsByCorrelation(id)
}

func (m *Manager) expired(e Entry) bool {
	return e.ExpiresAt != nil && m.now().After(*e.ExpiresAt)
}

func (m *Manager) dropExpired(scope Scope, key string) {
	m.mu.Lock()
	if scoped, ok := m.entries[scope.String()]; ok {
		if e, ok := scoped[key]; ok && m.expired(e) {
			delete(scoped, key)
		}
	}
	m.mu.Unlock()
}

// persist writes the current non-ephemeral state to the backend. The
// snapshot is taken under the read lock; the write happens outside it.
func (m *Manager) persist() error {
	doc := m.snapshot(func(e Entry) bool { return e.Class != ClassEphemeral })
	if err := m.persistence.SaveState(doc); err != nil {
		return errors.WrapStorage(err, "StateManager", "persist", "save state")
	}
	return nil
}

func (m *Manager) snapshot(keep func(Entry) bool) *Document {
	m.mu.RLock()
	defer m.mu.RUnlock()

	doc := &Document{Version: documentVersion, SavedAt: m.now(), Entries: map[string]map[string]Entry{}}
	for scope, entries := range m.entries {
		for k, e := range entries {
			if m.expired(e) || !keep(e) {
				continue
			}
			if doc.Entries[scope] == nil {
				doc.Entries[scope] = map[string]Entry{}
			}
			doc.Entries[scope][k] = e
		}
	}
	return doc
}
