package state

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	kerrors "github.com/c360/agentkernel/errors"
	"github.com/c360/agentkernel/hooks"
)

func newTestManager(t *testing.T, opts ...ManagerOption) *Manager {
	t.Helper()
	m, err := NewManager(NewMemoryPersistence(), opts...)
	require.NoError(t, err)
	return m
}

func TestManagerSetGet(t *testing.T) {
	m := newTestManager(t)

	require.NoError(t, m.Set(GlobalScope(), "greeting", "hello"))

	var got string
	ok, err := m.GetInto(GlobalScope(), "greeting", &got)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "hello", got)

	_, ok = m.Get(GlobalScope(), "missing")
	assert.False(t, ok)
}

func TestManagerScopeIsolation(t *testing.T) {
	m := newTestManager(t)

	require.NoError(t, m.Set(SessionScope("a"), "k", 1))
	require.NoError(t, m.Set(SessionScope("b"), "k", 2))

	var got int
	ok, err := m.GetInto(SessionScope("a"), "k", &got)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 1, got)

	ok, err = m.GetInto(SessionScope("b"), "k", &got)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 2, got)
}

func TestManagerGetWithClass(t *testing.T) {
	m := newTestManager(t)

	require.NoError(t, m.SetWithClass(GlobalScope(), "token", "secret", ClassSensitive))

	_, ok := m.GetWithClass(GlobalScope(), "token", ClassStandard)
	assert.False(t, ok, "class mismatch should not match")

	raw, ok := m.GetWithClass(GlobalScope(), "token", ClassSensitive)
	require.True(t, ok)
	assert.JSONEq(t, `"secret"`, string(raw))

	raw, ok = m.GetWithClass(GlobalScope(), "token", "")
	require.True(t, ok)
	assert.NotEmpty(t, raw)
}

func TestManagerTTLExpiry(t *testing.T) {
	m := newTestManager(t)
	base := time.Now()
	m.now = func() time.Time { return base }

	require.NoError(t, m.SetWithTTL(GlobalScope(), "temp", 42, time.Second))

	_, ok := m.Get(GlobalScope(), "temp")
	assert.True(t, ok)

	m.now = func() time.Time { return base.Add(2 * time.Second) }
	_, ok = m.Get(GlobalScope(), "temp")
	assert.False(t, ok, "expired entry behaves as absent")
	assert.NotContains(t, m.ListKeys(GlobalScope()), "temp")
}

func TestManagerDeleteAndListKeys(t *testing.T) {
	m := newTestManager(t)

	require.NoError(t, m.Set(GlobalScope(), "b", 1))
	require.NoError(t, m.Set(GlobalScope(), "a", 2))
	assert.Equal(t, []string{"a", "b"}, m.ListKeys(GlobalScope()))

	removed, err := m.Delete(GlobalScope(), "a")
	require.NoError(t, err)
	assert.True(t, removed)

	removed, err = m.Delete(GlobalScope(), "a")
	require.NoError(t, err)
	assert.False(t, removed)

	assert.Equal(t, []string{"b"}, m.ListKeys(GlobalScope()))
}

func TestManagerClearScopeExactOnly(t *testing.T) {
	m := newTestManager(t)

	require.NoError(t, m.Set(SessionScope("s1"), "k", 1))
	require.NoError(t, m.Set(AgentScope("s1"), "k", 2))
	require.NoError(t, m.Set(GlobalScope(), "k", 3))

	require.NoError(t, m.ClearScope(SessionScope("s1")))

	assert.Empty(t, m.ListKeys(SessionScope("s1")))
	assert.Len(t, m.ListKeys(AgentScope("s1")), 1)
	assert.Len(t, m.ListKeys(GlobalScope()), 1)
}

func TestManagerPersistenceRoundTrip(t *testing.T) {
	p, err := NewFilePersistence(t.TempDir())
	require.NoError(t, err)

	m, err := NewManager(p)
	require.NoError(t, err)
	require.NoError(t, m.Set(GlobalScope(), "durable", "survives"))
	require.NoError(t, m.SetWithClass(GlobalScope(), "scratch", "gone", ClassEphemeral))

	reloaded, err := NewManager(p)
	require.NoError(t, err)

	var got string
	ok, err := reloaded.GetInto(GlobalScope(), "durable", &got)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "survives", got)

	_, ok = reloaded.Get(GlobalScope(), "scratch")
	assert.False(t, ok, "ephemeral entries do not persist")
}

func TestManagerSnapshots(t *testing.T) {
	m := newTestManager(t)

	require.NoError(t, m.Set(GlobalScope(), "k", "v1"))
	require.NoError(t, m.SetWithClass(GlobalScope(), "secret", "s", ClassSensitive))
	require.NoError(t, m.SaveSnapshot("before", false))

	require.NoError(t, m.Set(GlobalScope(), "k", "v2"))
	require.NoError(t, m.LoadSnapshot("before"))

	var got string
	ok, err := m.GetInto(GlobalScope(), "k", &got)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "v1", got)

	_, ok = m.Get(GlobalScope(), "secret")
	assert.False(t, ok, "sensitive entries excluded from snapshot")

	names, err := m.ListSnapshots()
	require.NoError(t, err)
	assert.Contains(t, names, "before")
}

func TestManagerAgentStateHelpers(t *testing.T) {
	m := newTestManager(t)

	type agentState struct {
		Step int `json:"step"`
	}
	require.NoError(t, m.SaveAgentState("agent-1", agentState{Step: 3}))
	require.NoError(t, m.SaveAgentState("agent-2", agentState{Step: 7}))

	var got agentState
	ok, err := m.LoadAgentState("agent-1", &got)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 3, got.Step)

	meta, err := m.GetAgentMetadata("agent-1")
	require.NoError(t, err)
	assert.Equal(t, "agent-1", meta.AgentID)
	assert.Positive(t, meta.SizeBytes)
	assert.False(t, meta.SavedAt.IsZero())

	assert.Equal(t, []string{"agent-1", "agent-2"}, m.ListAgentStates())

	require.NoError(t, m.DeleteAgentState("agent-1"))
	assert.Equal(t, []string{"agent-2"}, m.ListAgentStates())

	_, err = m.GetAgentMetadata("agent-1")
	assert.True(t, kerrors.IsNotFound(err))
}

func TestManagerLoadAgentStateFast(t *testing.T) {
	m := newTestManager(t)

	type agentState struct {
		Step int `json:"step"`
	}
	require.NoError(t, m.SaveAgentState("fast", agentState{Step: 1}))

	var got agentState
	ok, err := m.LoadAgentStateFast("fast", &got)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 1, got.Step)

	// Cached read still works and a fresh write invalidates the cache.
	ok, err = m.LoadAgentStateFast("fast", &got)
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, m.SaveAgentState("fast", agentState{Step: 2}))
	ok, err = m.LoadAgentStateFast("fast", &got)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 2, got.Step)
}

type cancelHook struct{ reason string }

func (h *cancelHook) Execute(ctx context.Context, hctx *hooks.HookContext) (hooks.Result, error) {
	return hooks.Result{Kind: hooks.Cancel, Reason: h.reason}, nil
}
func (h *cancelHook) Metadata() hooks.Metadata { return hooks.Metadata{} }

type countingHook struct{ calls int }

func (h *countingHook) Execute(ctx context.Context, hctx *hooks.HookContext) (hooks.Result, error) {
	h.calls++
	return hooks.ContinueResult(), nil
}
func (h *countingHook) Metadata() hooks.Metadata { return hooks.Metadata{} }

func TestManagerSetWithHooksCancel(t *testing.T) {
	pipeline := hooks.NewPipeline(hooks.PipelineConfig{}, hooks.NewMemoryStorage())
	pipeline.Register(hooks.BeforeStateWrite, "guard", &cancelHook{reason: "read-only"})

	m := newTestManager(t, WithHookPipeline(pipeline))

	err := m.SetWithHooks(context.Background(), GlobalScope(), "k", "v")
	require.Error(t, err)
	assert.ErrorContains(t, err, "read-only")

	_, ok := m.Get(GlobalScope(), "k")
	assert.False(t, ok, "cancelled write leaves no entry")
}

func TestManagerSetWithHooksPostWrite(t *testing.T) {
	pipeline := hooks.NewPipeline(hooks.PipelineConfig{}, hooks.NewMemoryStorage())
	post := &countingHook{}
	pipeline.Register(hooks.AfterStateWrite, "audit", post)

	m := newTestManager(t, WithHookPipeline(pipeline))

	require.NoError(t, m.SetWithHooks(context.Background(), GlobalScope(), "k", "v"))
	assert.Equal(t, 1, post.calls)

	_, ok := m.Get(GlobalScope(), "k")
	assert.True(t, ok)
}
