package hooks

import (
	"context"
	"encoding/json"
	"reflect"

	"github.com/c360/agentkernel/errors"
)

// ReplayMode selects how recorded executions are re-run.
type ReplayMode string

const (
	// ReplayExact runs each record's original context and compares the
	// result against the stored one.
	ReplayExact ReplayMode = "exact"
	// ReplayModified runs with overridden context fields; no comparison.
	ReplayModified ReplayMode = "modified"
	// ReplaySimulate is a dry run: nothing executes, the stored results
	// are reported as-is.
	ReplaySimulate ReplayMode = "simulate"
	// ReplayDebug pauses between records, emitting breakpoint-style events
	// to the stepper.
	ReplayDebug ReplayMode = "debug"
)

// ReplayStep is the outcome of replaying one record.
type ReplayStep struct {
	Record  *ExecutionRecord
	Result  Result
	Matched bool   // Exact mode: result equals the stored one
	Skipped bool   // hook id no longer registered
	Err     string // execution error during replay
}

// Stepper gates Debug-mode replay. Resume returns false to abort the replay.
type Stepper interface {
	// Paused is called before each record executes.
	Paused(rec *ExecutionRecord) (resume bool)
}

// ReplayRequest configures one replay run.
type ReplayRequest struct {
	CorrelationID string
	Mode          ReplayMode
	// Overrides is merged over each record's context data in Modified mode.
	Overrides map[string]any
	// Stepper is required in Debug mode.
	Stepper Stepper
}

// Replay re-runs the totally-ordered records of a correlation id according
// to the mode. The record sequence itself is the replay script; the context
// blob makes each step self-contained.
func (p *Pipeline) Replay(ctx context.Context, req ReplayRequest) ([]ReplayStep, error) {
	if p.storage == nil {
		return nil, errors.WrapStorage(errors.ErrKeyNotFound, "Pipeline", "Replay", "no storage configured")
	}
	records, err := p.storage.GetByCorrelation(req.CorrelationID)
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, errors.WrapKind(errors.KindNotFound, errors.ErrKeyNotFound,
			"Pipeline", "Replay", req.CorrelationID)
	}

	steps := make([]ReplayStep, 0, len(records))
	for _, rec := range records {
		if req.Mode == ReplayDebug && req.Stepper != nil {
			if !req.Stepper.Paused(rec) {
				break
			}
		}
		steps = append(steps, p.replayOne(ctx, rec, req))
	}
	return steps, nil
}

func (p *Pipeline) replayOne(ctx context.Context, rec *ExecutionRecord, req ReplayRequest) ReplayStep {
	step := ReplayStep{Record: rec}

	if req.Mode == ReplaySimulate {
		step.Result = rec.Result
		step.Matched = true
		return step
	}

	hook, ok := p.Lookup(rec.HookID)
	if !ok {
		step.Skipped = true
		if req.Mode == ReplayExact {
			step.Err = errors.ErrHookNotFound.Error()
		} else {
			p.logger.Warn("Replay skipping unregistered hook", "hook_id", rec.HookID)
		}
		return step
	}

	var hctx HookContext
	if err := json.Unmarshal(rec.ContextBlob, &hctx); err != nil {
		step.Err = err.Error()
		return step
	}
	if hctx.Data == nil {
		hctx.Data = map[string]any{}
	}
	if req.Mode == ReplayModified {
		for k, v := range req.Overrides {
			hctx.Data[k] = v
		}
	}

	result, err := hook.Execute(ctx, &hctx)
	if err != nil {
		step.Err = err.Error()
		return step
	}
	step.Result = result

	if req.Mode == ReplayExact || req.Mode == ReplayDebug {
		step.Matched = resultsEqual(result, rec.Result)
	}
	return step
}

// resultsEqual compares two results by their serialized form so nested data
// maps compare structurally.
func resultsEqual(a, b Result) bool {
	ra, errA := json.Marshal(a)
	rb, errB := json.Marshal(b)
	if errA != nil || errB != nil {
		return reflect.DeepEqual(a, b)
	}
	return string(ra) == string(rb)
}

// GetHookExecutionsByCorrelation returns the ordered records for one
// correlation id.
func (p *Pipeline) GetHookExecutionsByCorrelation(correlationID string) ([]*ExecutionRecord, error) {
	if p.storage == nil {
		return nil, nil
	}
	return p.storage.GetByCorrelation(correlationID)
}
