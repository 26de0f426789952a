// Package runtime provides the process-wide I/O runtime that owns every
// long-lived I/O resource in the kernel.
//
// Resources constructed on a transient task are torn down when that task
// completes, which later surfaces as "dispatch gone" failures. Constructing
// them through CreateIOBoundResource ties their lifetime to the global
// runtime instead.
package runtime

import (
	"context"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/c360/agentkernel/metric"
)

type ctxKey int

// taskKey marks contexts that are executing inside a runtime task. BlockOn
// consults it to refuse reentrant calls that would deadlock the pool.
const taskKey ctxKey = 0

// Task is a unit of work scheduled on the runtime.
type Task func(ctx context.Context)

// Handle allows waiting for a spawned task.
type Handle struct {
	done chan struct{}
}

// Wait blocks until the task completes or ctx is cancelled.
func (h *Handle) Wait(ctx context.Context) error {
	select {
	case <-h.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Done returns a channel closed when the task completes.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Stats holds always-on runtime counters read by operational tooling.
type Stats struct {
	TasksSpawned         int64
	BlockOnCalls         int64
	ResourcesCreated     int64
	CumulativeTaskTime   time.Duration
	CumulativeBlockTime  time.Duration
	CumulativeCreateTime time.Duration
}

// Runtime is a multi-threaded task executor. The kernel uses exactly one,
// obtained via Global.
type Runtime struct {
	base    context.Context
	cancel  context.CancelFunc
	tasks   chan queued
	wg      sync.WaitGroup
	workers int

	tasksSpawned     atomic.Int64
	blockOnCalls     atomic.Int64
	resourcesCreated atomic.Int64
	taskNanos        atomic.Int64
	blockNanos       atomic.Int64
	createNanos      atomic.Int64

	metrics *metric.Core
}

type queued struct {
	task Task
	done chan struct{}
}

var (
	globalOnce sync.Once
	global     *Runtime
)

// Global returns the singleton runtime, initialising it on first use with one
// worker per available CPU.
func Global() *Runtime {
	globalOnce.Do(func() {
		global = New(runtime.NumCPU())
	})
	return global
}

// New creates a runtime with the given worker count. Most callers should use
// Global; New exists for tests and embedders that need isolation.
func New(workers int) *Runtime {
	if workers < 1 {
		workers = 1
	}
	base, cancel := context.WithCancel(context.Background())
	rt := &Runtime{
		base:    base,
		cancel:  cancel,
		tasks:   make(chan queued, workers*64),
		workers: workers,
	}
	for i := 0; i < workers; i++ {
		rt.wg.Add(1)
		go rt.worker()
	}
	return rt
}

// SetMetrics attaches Prometheus counters; statistics are tracked regardless.
func (r *Runtime) SetMetrics(core *metric.Core) {
	r.metrics = core
}

func (r *Runtime) worker() {
	defer r.wg.Done()
	taskCtx := context.WithValue(r.base, taskKey, true)
	for {
		select {
		case <-r.base.Done():
			return
		case q := <-r.tasks:
			start := time.Now()
			q.task(taskCtx)
			r.taskNanos.Add(time.Since(start).Nanoseconds())
			close(q.done)
		}
	}
}

// Spawn schedules a task on the runtime and returns a handle to await it.
// The task receives a context cancelled when the runtime shuts down.
func (r *Runtime) Spawn(task Task) *Handle {
	r.tasksSpawned.Add(1)
	if r.metrics != nil {
		r.metrics.RuntimeTasksSpawned.Inc()
	}

	done := make(chan struct{})
	q := queued{task: task, done: done}

	select {
	case r.tasks <- q:
	default:
		// Queue saturated: run on a dedicated goroutine rather than block
		// the caller. Still carries the runtime context.
		go func() {
			taskCtx := context.WithValue(r.base, taskKey, true)
			start := time.Now()
			task(taskCtx)
			r.taskNanos.Add(time.Since(start).Nanoseconds())
			close(done)
		}()
	}
	return &Handle{done: done}
}

// BlockOn runs fn to completion and returns its result. Calling BlockOn from
// inside a runtime task would deadlock the pool, so it panics with a
// diagnostic instead.
func (r *Runtime) BlockOn(ctx context.Context, fn func(ctx context.Context) error) error {
	if isTaskContext(ctx) {
		panic("runtime: BlockOn called from inside a runtime task; spawn the work or restructure the caller")
	}
	r.blockOnCalls.Add(1)
	if r.metrics != nil {
		r.metrics.RuntimeBlockOn.Inc()
	}

	start := time.Now()
	defer func() {
		r.blockNanos.Add(time.Since(start).Nanoseconds())
	}()
	return fn(ctx)
}

// CreateIOBoundResource constructs a long-lived I/O resource on the runtime.
// When the caller is already executing on the runtime the factory runs in
// place; otherwise it is dispatched to a runtime worker and awaited.
func CreateIOBoundResource[T any](ctx context.Context, r *Runtime, factory func(ctx context.Context) (T, error)) (T, error) {
	r.resourcesCreated.Add(1)
	if r.metrics != nil {
		r.metrics.RuntimeResources.Inc()
	}
	start := time.Now()
	defer func() {
		r.createNanos.Add(time.Since(start).Nanoseconds())
	}()

	if isTaskContext(ctx) {
		return factory(ctx)
	}

	var (
		value T
		err   error
	)
	h := r.Spawn(func(taskCtx context.Context) {
		value, err = factory(taskCtx)
	})
	if werr := h.Wait(ctx); werr != nil {
		var zero T
		return zero, werr
	}
	return value, err
}

// Stats returns a snapshot of the runtime counters.
func (r *Runtime) Stats() Stats {
	return Stats{
		TasksSpawned:         r.tasksSpawned.Load(),
		BlockOnCalls:         r.blockOnCalls.Load(),
		ResourcesCreated:     r.resourcesCreated.Load(),
		CumulativeTaskTime:   time.Duration(r.taskNanos.Load()),
		CumulativeBlockTime:  time.Duration(r.blockNanos.Load()),
		CumulativeCreateTime: time.Duration(r.createNanos.Load()),
	}
}

// Workers returns the configured worker count.
func (r *Runtime) Workers() int { return r.workers }

// Shutdown cancels the runtime context and waits for workers to exit.
func (r *Runtime) Shutdown() {
	r.cancel()
	r.wg.Wait()
}

func isTaskContext(ctx context.Context) bool {
	if ctx == nil {
		return false
	}
	v, _ := ctx.Value(taskKey).(bool)
	return v
}
