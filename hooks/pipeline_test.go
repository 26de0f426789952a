package hooks

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	kerrors "github.com/c360/agentkernel/errors"
)

type testHook struct {
	meta   Metadata
	fn     func(hctx *HookContext) (Result, error)
	calls  int
}

func (h *testHook) Execute(_ context.Context, hctx *HookContext) (Result, error) {
	h.calls++
	return h.fn(hctx)
}

func (h *testHook) Metadata() Metadata { return h.meta }

func continueHook(priority Priority) *testHook {
	return &testHook{
		meta: Metadata{Priority: priority, LanguageTag: "go", Version: "1"},
		fn:   func(*HookContext) (Result, error) { return ContinueResult(), nil },
	}
}

func newTestPipeline() *Pipeline {
	return NewPipeline(DefaultPipelineConfig(), NewMemoryStorage())
}

func dispatchCtx(point Point) *HookContext {
	return &HookContext{Point: point, CorrelationID: "corr-1", Data: map[string]any{}}
}

func TestDispatchPriorityOrder(t *testing.T) {
	p := newTestPipeline()
	var order []string

	mk := func(id string, prio Priority) {
		p.Register(BeforeToolExecution, id, &testHook{
			meta: Metadata{Priority: prio},
			fn: func(*HookContext) (Result, error) {
				order = append(order, id)
				return ContinueResult(), nil
			},
		})
	}
	mk("low", PriorityLow)
	mk("highest", PriorityHighest)
	mk("normal-a", PriorityNormal)
	mk("normal-b", PriorityNormal)

	_, err := p.Dispatch(context.Background(), dispatchCtx(BeforeToolExecution))
	require.NoError(t, err)
	assert.Equal(t, []string{"highest", "normal-a", "normal-b", "low"}, order,
		"priority desc, registration order breaking ties")
}

func TestDispatchCancelShortCircuits(t *testing.T) {
	p := newTestPipeline()
	p.Register(BeforeStateWrite, "canceller", &testHook{
		meta: Metadata{Priority: PriorityHigh},
		fn: func(*HookContext) (Result, error) {
			return Result{Kind: Cancel, Reason: "write denied"}, nil
		},
	})
	later := continueHook(PriorityNormal)
	p.Register(BeforeStateWrite, "later", later)

	outcome, err := p.Dispatch(context.Background(), dispatchCtx(BeforeStateWrite))
	require.NoError(t, err)
	assert.Equal(t, Cancel, outcome.Final.Kind)
	assert.Equal(t, "write denied", outcome.Final.Reason)
	assert.Zero(t, later.calls, "hooks after Cancel must not run")
}

func TestDispatchModifiedFallsThrough(t *testing.T) {
	p := newTestPipeline()
	p.Register(BeforeAgentInit, "modifier", &testHook{
		meta: Metadata{Priority: PriorityHigh},
		fn: func(*HookContext) (Result, error) {
			return Result{Kind: Modified, Data: map[string]any{"model": "large"}}, nil
		},
	})
	var seen any
	p.Register(BeforeAgentInit, "reader", &testHook{
		meta: Metadata{Priority: PriorityNormal},
		fn: func(hctx *HookContext) (Result, error) {
			seen = hctx.Data["model"]
			return ContinueResult(), nil
		},
	})

	outcome, err := p.Dispatch(context.Background(), dispatchCtx(BeforeAgentInit))
	require.NoError(t, err)
	assert.Equal(t, Continue, outcome.Final.Kind)
	assert.Equal(t, "large", seen, "Modified data must flow to later hooks")
}

func TestDispatchFailingHookContinues(t *testing.T) {
	p := newTestPipeline()
	p.Register(AfterToolExecution, "broken", &testHook{
		meta: Metadata{Priority: PriorityHigh},
		fn:   func(*HookContext) (Result, error) { return Result{}, errors.New("boom") },
	})
	later := continueHook(PriorityNormal)
	p.Register(AfterToolExecution, "later", later)

	outcome, err := p.Dispatch(context.Background(), dispatchCtx(AfterToolExecution))
	require.NoError(t, err, "hook failure is never fatal")
	assert.Equal(t, Continue, outcome.Final.Kind)
	assert.Equal(t, 1, later.calls)
}

func TestCircuitBreakerOpensAndCoolsDown(t *testing.T) {
	now := time.Now()
	p := NewPipeline(PipelineConfig{CircuitThreshold: 2, CircuitCooldown: time.Minute},
		NewMemoryStorage(), WithClock(func() time.Time { return now }))

	failing := &testHook{
		meta: Metadata{},
		fn:   func(*HookContext) (Result, error) { return Result{}, errors.New("down") },
	}
	p.Register(SessionStart, "flaky", failing)

	// Two failures open the circuit.
	_, _ = p.Dispatch(context.Background(), dispatchCtx(SessionStart))
	_, _ = p.Dispatch(context.Background(), dispatchCtx(SessionStart))
	assert.Equal(t, 2, failing.calls)

	// Third dispatch is short-circuited: the hook does not run.
	_, _ = p.Dispatch(context.Background(), dispatchCtx(SessionStart))
	assert.Equal(t, 2, failing.calls, "open circuit must skip execution")

	// After cooldown the hook runs again.
	now = now.Add(2 * time.Minute)
	failing.fn = func(*HookContext) (Result, error) { return ContinueResult(), nil }
	_, _ = p.Dispatch(context.Background(), dispatchCtx(SessionStart))
	assert.Equal(t, 3, failing.calls)
}

func TestRecordsPersistedWithCorrelationOrder(t *testing.T) {
	storage := NewMemoryStorage()
	p := NewPipeline(DefaultPipelineConfig(), storage)
	p.Register(SessionCheckpoint, "a", continueHook(PriorityHigh))
	p.Register(SessionCheckpoint, "b", continueHook(PriorityNormal))

	_, err := p.Dispatch(context.Background(), dispatchCtx(SessionCheckpoint))
	require.NoError(t, err)

	recs, err := p.GetHookExecutionsByCorrelation("corr-1")
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, "a", recs[0].HookID)
	assert.Equal(t, "b", recs[1].HookID)
	assert.NotEmpty(t, recs[0].ExecutionID)

	// Records are self-contained: the context blob parses back.
	byID, err := storage.GetRecord(recs[0].ExecutionID)
	require.NoError(t, err)
	assert.Equal(t, SessionCheckpoint, byID.HookPoint)
}

func TestRetryExhaustsAttempts(t *testing.T) {
	p := NewPipeline(PipelineConfig{MaxRetryAttempts: 2, CircuitThreshold: 10, CircuitCooldown: time.Minute},
		NewMemoryStorage())
	retrying := &testHook{
		meta: Metadata{},
		fn: func(*HookContext) (Result, error) {
			return Result{Kind: Retry, MaxAttempts: 5}, nil
		},
	}
	p.Register(BeforeToolExecution, "retry", retrying)

	outcome, err := p.Dispatch(context.Background(), dispatchCtx(BeforeToolExecution))
	require.NoError(t, err)
	assert.Equal(t, Retry, outcome.Final.Kind)
	assert.Equal(t, 2, retrying.calls, "pipeline cap bounds hook-requested attempts")
}

func TestUnregisterStopsDispatch(t *testing.T) {
	p := newTestPipeline()
	h := continueHook(PriorityNormal)
	p.Register(SessionEnd, "h", h)
	p.Unregister(SessionEnd, "h")
	p.Unregister(SessionEnd, "h") // idempotent

	_, err := p.Dispatch(context.Background(), dispatchCtx(SessionEnd))
	require.NoError(t, err)
	assert.Zero(t, h.calls)
}

func TestCircuitOpenClassifiesAsPolicyDenied(t *testing.T) {
	err := kerrors.WrapKind(kerrors.KindPolicyDenied, kerrors.ErrCircuitOpen, "Pipeline", "Dispatch", "h")
	assert.True(t, kerrors.IsPolicyDenied(err))
}
