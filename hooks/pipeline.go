package hooks

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/c360/agentkernel/errors"
)

// registration pairs a hook with its identity and registration order.
type registration struct {
	id    string
	hook  Hook
	order int
}

// breaker tracks consecutive failures for one hook id.
type breaker struct {
	failures int32
	openedAt time.Time
}

// PipelineConfig configures dispatch behavior.
type PipelineConfig struct {
	CircuitThreshold int           // consecutive failures before the circuit opens
	CircuitCooldown  time.Duration // how long a circuit stays open
	MaxRetryAttempts int           // upper bound honored regardless of Result.MaxAttempts
}

// DefaultPipelineConfig returns sensible defaults.
func DefaultPipelineConfig() PipelineConfig {
	return PipelineConfig{
		CircuitThreshold: 5,
		CircuitCooldown:  30 * time.Second,
		MaxRetryAttempts: 3,
	}
}

// Outcome is the aggregate result of dispatching a point.
type Outcome struct {
	// Final is the short-circuiting result, or Continue when every hook
	// fell through.
	Final Result
	// Context is the possibly-modified hook context after dispatch.
	Context *HookContext
	// Executed lists execution ids in dispatch order.
	Executed []string
}

// Pipeline is the hook registry and dispatcher.
type Pipeline struct {
	cfg     PipelineConfig
	storage Storage
	logger  *slog.Logger

	mu        sync.RWMutex
	points    map[Point][]registration
	hooksByID map[string]Hook
	breakers  map[string]*breaker
	nextOrder int

	now func() time.Time
}

// PipelineOption configures a Pipeline.
type PipelineOption func(*Pipeline)

// WithPipelineLogger sets the logger.
func WithPipelineLogger(logger *slog.Logger) PipelineOption {
	return func(p *Pipeline) { p.logger = logger }
}

// WithClock overrides the time source. Used by tests.
func WithClock(now func() time.Time) PipelineOption {
	return func(p *Pipeline) { p.now = now }
}

// NewPipeline creates a pipeline persisting records to storage.
func NewPipeline(cfg PipelineConfig, storage Storage, opts ...PipelineOption) *Pipeline {
	if cfg.CircuitThreshold <= 0 {
		cfg.CircuitThreshold = 5
	}
	if cfg.CircuitCooldown <= 0 {
		cfg.CircuitCooldown = 30 * time.Second
	}
	if cfg.MaxRetryAttempts <= 0 {
		cfg.MaxRetryAttempts = 3
	}
	p := &Pipeline{
		cfg:       cfg,
		storage:   storage,
		logger:    slog.Default(),
		points:    make(map[Point][]registration),
		hooksByID: make(map[string]Hook),
		breakers:  make(map[string]*breaker),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Register adds a hook at a point under the given id. Re-registering an id
// replaces the previous hook but keeps its dispatch order.
func (p *Pipeline) Register(point Point, id string, hook Hook) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.hooksByID[id] = hook
	for i, reg := range p.points[point] {
		if reg.id == id {
			p.points[point][i].hook = hook
			return
		}
	}
	p.nextOrder++
	p.points[point] = append(p.points[point], registration{id: id, hook: hook, order: p.nextOrder})
}

// Unregister removes a hook id from a point. Idempotent.
func (p *Pipeline) Unregister(point Point, id string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	regs := p.points[point]
	for i, reg := range regs {
		if reg.id == id {
			p.points[point] = append(regs[:i], regs[i+1:]...)
			break
		}
	}
	delete(p.hooksByID, id)
}

// Lookup returns the hook registered under id.
func (p *Pipeline) Lookup(id string) (Hook, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	h, ok := p.hooksByID[id]
	return h, ok
}

// ordered returns the registrations at a point ordered by priority
// descending, ties broken by registration order.
func (p *Pipeline) ordered(point Point) []registration {
	p.mu.RLock()
	regs := append([]registration(nil), p.points[point]...)
	p.mu.RUnlock()

	sort.SliceStable(regs, func(i, j int) bool {
		pi, pj := regs[i].hook.Metadata().Priority, regs[j].hook.Metadata().Priority
		if pi != pj {
			return pi > pj
		}
		return regs[i].order < regs[j].order
	})
	return regs
}

// Dispatch runs the hooks at hctx.Point in order. Cancel, Redirect, Replace,
// and exhausted Retry short-circuit the remaining hooks; Continue and
// Modified fall through with the possibly-modified context. Every execution
// is persisted.
func (p *Pipeline) Dispatch(ctx context.Context, hctx *HookContext) (*Outcome, error) {
	if hctx.CorrelationID == "" {
		hctx.CorrelationID = uuid.NewString()
	}
	outcome := &Outcome{Final: ContinueResult(), Context: hctx}

	for _, reg := range p.ordered(hctx.Point) {
		result, execID, err := p.executeOne(ctx, reg, hctx)
		if execID != "" {
			outcome.Executed = append(outcome.Executed, execID)
		}
		if err != nil {
			// A failing hook never halts the kernel; log and move on.
			p.logger.Warn("Hook execution failed",
				"hook_id", reg.id, "point", string(hctx.Point), "error", err)
			continue
		}

		switch result.Kind {
		case Continue:
		case Modified:
			for k, v := range result.Data {
				hctx.Data[k] = v
			}
		case Cancel, Redirect, Replace:
			outcome.Final = result
			return outcome, nil
		case Retry:
			// Retry that falls out of executeOne is already exhausted.
			outcome.Final = result
			return outcome, nil
		}
	}
	return outcome, nil
}

// executeOne runs one hook with circuit gating, retry handling, and record
// persistence. The returned error reflects hook failure, never storage
// failure.
func (p *Pipeline) executeOne(ctx context.Context, reg registration, hctx *HookContext) (Result, string, error) {
	if open, reason := p.circuitOpen(reg.id); open {
		rec := p.record(reg, hctx, Result{Kind: Cancel, Reason: reason}, 0, errors.ErrCircuitOpen)
		return Result{}, rec, errors.WrapKind(errors.KindPolicyDenied, errors.ErrCircuitOpen,
			"Pipeline", "Dispatch", reg.id)
	}

	attempts := 0
	for {
		attempts++
		start := p.now()
		result, err := reg.hook.Execute(ctx, hctx)
		duration := p.now().Sub(start)

		execID := p.record(reg, hctx, result, duration, err)

		if err != nil {
			p.recordFailure(reg.id)
			return Result{}, execID, err
		}
		p.recordSuccess(reg.id)

		if result.Kind != Retry {
			return result, execID, nil
		}

		max := result.MaxAttempts
		if max <= 0 || max > p.cfg.MaxRetryAttempts {
			max = p.cfg.MaxRetryAttempts
		}
		if attempts >= max {
			return result, execID, nil
		}
		if result.Delay > 0 {
			select {
			case <-ctx.Done():
				return result, execID, ctx.Err()
			case <-time.After(result.Delay):
			}
		}
	}
}

// record persists one execution and returns its id. Storage failures are
// logged; hook records are observability, not correctness.
func (p *Pipeline) record(reg registration, hctx *HookContext, result Result, duration time.Duration, execErr error) string {
	if p.storage == nil {
		return ""
	}

	blob, err := json.Marshal(hctx)
	if err != nil {
		blob = []byte(fmt.Sprintf(`{"error":%q}`, err.Error()))
	}
	rec := &ExecutionRecord{
		ExecutionID:   uuid.NewString(),
		CorrelationID: hctx.CorrelationID,
		HookID:        reg.id,
		HookPoint:     hctx.Point,
		ContextBlob:   blob,
		Result:        result,
		StartedAt:     p.now(),
		Duration:      duration,
		TenantID:      hctx.TenantID,
		Tags:          append([]string(nil), hctx.Tags...),
	}
	if execErr != nil {
		rec.Error = execErr.Error()
	}
	if err := p.storage.SaveRecord(rec); err != nil {
		p.logger.Warn("Failed to persist hook record",
			"hook_id", reg.id, "error", err)
	}
	return rec.ExecutionID
}

func (p *Pipeline) circuitOpen(hookID string) (bool, string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	b, ok := p.breakers[hookID]
	if !ok || b.openedAt.IsZero() {
		return false, ""
	}
	if p.now().Sub(b.openedAt) >= p.cfg.CircuitCooldown {
		// Cooldown elapsed: half-open.
		b.openedAt = time.Time{}
		b.failures = 0
		return false, ""
	}
	return true, fmt.Sprintf("circuit open for hook %s after %d consecutive failures", hookID, b.failures)
}

func (p *Pipeline) recordFailure(hookID string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	b, ok := p.breakers[hookID]
	if !ok {
		b = &breaker{}
		p.breakers[hookID] = b
	}
	b.failures++
	if int(b.failures) >= p.cfg.CircuitThreshold && b.openedAt.IsZero() {
		b.openedAt = p.now()
		p.logger.Warn("Hook circuit opened", "hook_id", hookID, "failures", b.failures)
	}
}

func (p *Pipeline) recordSuccess(hookID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if b, ok := p.breakers[hookID]; ok {
		b.failures = 0
		b.openedAt = time.Time{}
	}
}

// Storage exposes the record store for correlated queries.
func (p *Pipeline) Storage() Storage { return p.storage }
