package hooks

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// pureHook doubles the "n" field in the context data.
func pureHook() *testHook {
	return &testHook{
		meta: Metadata{LanguageTag: "go", Version: "1"},
		fn: func(hctx *HookContext) (Result, error) {
			n, _ := hctx.Data["n"].(float64)
			if n == 0 {
				if i, ok := hctx.Data["n"].(int); ok {
					n = float64(i)
				}
			}
			return Result{Kind: Modified, Data: map[string]any{"n": n * 2}}, nil
		},
	}
}

func recordedPipeline(t *testing.T) *Pipeline {
	t.Helper()
	p := newTestPipeline()
	p.Register(BeforeToolExecution, "doubler", pureHook())

	hctx := &HookContext{
		Point:         BeforeToolExecution,
		CorrelationID: "replay-corr",
		Data:          map[string]any{"n": 21},
	}
	_, err := p.Dispatch(context.Background(), hctx)
	require.NoError(t, err)
	return p
}

func TestReplaySimulateReportsStoredResults(t *testing.T) {
	p := recordedPipeline(t)

	// Simulate must not execute anything: replace the hook with one that
	// would diverge if run.
	p.Register(BeforeToolExecution, "doubler", &testHook{
		fn: func(*HookContext) (Result, error) {
			return Result{Kind: Cancel, Reason: "diverged"}, nil
		},
	})

	steps, err := p.Replay(context.Background(), ReplayRequest{
		CorrelationID: "replay-corr",
		Mode:          ReplaySimulate,
	})
	require.NoError(t, err)
	require.Len(t, steps, 1)
	assert.Equal(t, Modified, steps[0].Result.Kind, "stored result reported byte-for-byte")
	assert.True(t, steps[0].Matched)
}

func TestReplayExactComparesResults(t *testing.T) {
	p := recordedPipeline(t)

	steps, err := p.Replay(context.Background(), ReplayRequest{
		CorrelationID: "replay-corr",
		Mode:          ReplayExact,
	})
	require.NoError(t, err)
	require.Len(t, steps, 1)
	assert.True(t, steps[0].Matched, "pure hook must reproduce the recorded result")
}

func TestReplayExactDetectsDivergence(t *testing.T) {
	p := recordedPipeline(t)
	p.Register(BeforeToolExecution, "doubler", &testHook{
		fn: func(hctx *HookContext) (Result, error) {
			return Result{Kind: Modified, Data: map[string]any{"n": float64(0)}}, nil
		},
	})

	steps, err := p.Replay(context.Background(), ReplayRequest{
		CorrelationID: "replay-corr",
		Mode:          ReplayExact,
	})
	require.NoError(t, err)
	assert.False(t, steps[0].Matched)
}

func TestReplayModifiedAppliesOverrides(t *testing.T) {
	p := recordedPipeline(t)

	steps, err := p.Replay(context.Background(), ReplayRequest{
		CorrelationID: "replay-corr",
		Mode:          ReplayModified,
		Overrides:     map[string]any{"n": float64(5)},
	})
	require.NoError(t, err)
	require.Len(t, steps, 1)
	assert.Equal(t, float64(10), steps[0].Result.Data["n"], "override must feed the hook")
}

type stopAfter struct {
	n     int
	seen  []*ExecutionRecord
}

func (s *stopAfter) Paused(rec *ExecutionRecord) bool {
	s.seen = append(s.seen, rec)
	return len(s.seen) <= s.n
}

func TestReplayDebugPausesBetweenRecords(t *testing.T) {
	p := newTestPipeline()
	p.Register(BeforeToolExecution, "doubler", pureHook())

	for i := 0; i < 3; i++ {
		hctx := &HookContext{
			Point:         BeforeToolExecution,
			CorrelationID: "debug-corr",
			Data:          map[string]any{"n": i},
		}
		_, err := p.Dispatch(context.Background(), hctx)
		require.NoError(t, err)
	}

	stepper := &stopAfter{n: 1}
	steps, err := p.Replay(context.Background(), ReplayRequest{
		CorrelationID: "debug-corr",
		Mode:          ReplayDebug,
		Stepper:       stepper,
	})
	require.NoError(t, err)
	assert.Len(t, steps, 1, "stepper declined after the first record")
	assert.Len(t, stepper.seen, 2, "stepper consulted before each record")
}

func TestReplayUnknownCorrelation(t *testing.T) {
	p := newTestPipeline()
	_, err := p.Replay(context.Background(), ReplayRequest{CorrelationID: "ghost", Mode: ReplayExact})
	require.Error(t, err)
}

func TestFileStorageRoundTripAndPrune(t *testing.T) {
	dir := t.TempDir()
	fs, err := NewFileStorage(dir)
	require.NoError(t, err)

	old := &ExecutionRecord{
		ExecutionID:   "exec-old",
		CorrelationID: "c1",
		HookID:        "h",
		HookPoint:     SessionStart,
		ContextBlob:   []byte(`{}`),
		Result:        ContinueResult(),
		StartedAt:     time.Now().Add(-time.Hour),
	}
	fresh := &ExecutionRecord{
		ExecutionID:   "exec-new",
		CorrelationID: "c1",
		HookID:        "h",
		HookPoint:     SessionStart,
		ContextBlob:   []byte(`{}`),
		Result:        ContinueResult(),
		StartedAt:     time.Now(),
	}
	require.NoError(t, fs.SaveRecord(old))
	require.NoError(t, fs.SaveRecord(fresh))

	// Reopen rebuilds the index from disk.
	reopened, err := NewFileStorage(dir)
	require.NoError(t, err)
	recs, err := reopened.GetByCorrelation("c1")
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, "exec-old", recs[0].ExecutionID, "ordered by started_at")

	removed, err := reopened.Prune(time.Now().Add(-time.Minute), 0)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	_, err = reopened.GetRecord("exec-old")
	require.Error(t, err)
	_, err = reopened.GetRecord("exec-new")
	require.NoError(t, err)
}
