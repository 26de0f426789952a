// Package metric manages Prometheus metric registration for kernel components.
// Components always track statistics atomically; Prometheus export is the
// optional second half of the dual-tracking pattern.
package metric

import (
	stderrors "errors"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/c360/agentkernel/errors"
)

// Registrar defines the interface for registering component-specific metrics.
type Registrar interface {
	RegisterCounter(component, name string, counter prometheus.Counter) error
	RegisterGauge(component, name string, gauge prometheus.Gauge) error
	RegisterHistogram(component, name string, histogram prometheus.Histogram) error
	RegisterCounterVec(component, name string, vec *prometheus.CounterVec) error
	RegisterGaugeVec(component, name string, vec *prometheus.GaugeVec) error
	RegisterHistogramVec(component, name string, vec *prometheus.HistogramVec) error
	Unregister(component, name string) bool
}

// Registry manages the registration and lifecycle of kernel metrics.
type Registry struct {
	prometheusRegistry *prometheus.Registry
	Core               *Core
	registered         map[string]prometheus.Collector
	mu                 sync.RWMutex
}

// NewRegistry creates a new metrics registry with core kernel metrics and the
// Go runtime collectors.
func NewRegistry() *Registry {
	r := &Registry{
		prometheusRegistry: prometheus.NewRegistry(),
		registered:         make(map[string]prometheus.Collector),
	}

	r.Core = NewCore()
	r.registerCore()

	r.prometheusRegistry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	return r
}

// PrometheusRegistry returns the underlying Prometheus registry.
func (r *Registry) PrometheusRegistry() *prometheus.Registry {
	return r.prometheusRegistry
}

func (r *Registry) registerCore() {
	r.prometheusRegistry.MustRegister(
		r.Core.MessagesReceived,
		r.Core.MessagesRouted,
		r.Core.RepliesSent,
		r.Core.HandlerDuration,
		r.Core.ErrorsTotal,
		r.Core.ActiveSessions,
		r.Core.ActiveClients,
		r.Core.RuntimeTasksSpawned,
		r.Core.RuntimeResources,
		r.Core.RuntimeBlockOn,
	)
}

func (r *Registry) register(component, name string, c prometheus.Collector, op string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := fmt.Sprintf("%s.%s", component, name)
	if _, exists := r.registered[key]; exists {
		return errors.WrapKind(errors.KindConflict,
			fmt.Errorf("metric %s already registered for component %s", name, component),
			"Registry", op, "duplicate metric registration")
	}

	if err := r.prometheusRegistry.Register(c); err != nil {
		var already prometheus.AlreadyRegisteredError
		if stderrors.As(err, &already) {
			return errors.WrapKind(errors.KindConflict, err, "Registry", op,
				fmt.Sprintf("prometheus conflict for metric %s", name))
		}
		return errors.WrapFatal(err, "Registry", op, "prometheus registration")
	}

	r.registered[key] = c
	return nil
}

// RegisterCounter registers a counter metric for a component.
func (r *Registry) RegisterCounter(component, name string, counter prometheus.Counter) error {
	return r.register(component, name, counter, "RegisterCounter")
}

// RegisterGauge registers a gauge metric for a component.
func (r *Registry) RegisterGauge(component, name string, gauge prometheus.Gauge) error {
	return r.register(component, name, gauge, "RegisterGauge")
}

// RegisterHistogram registers a histogram metric for a component.
func (r *Registry) RegisterHistogram(component, name string, histogram prometheus.Histogram) error {
	return r.register(component, name, histogram, "RegisterHistogram")
}

// RegisterCounterVec registers a counter vector metric for a component.
func (r *Registry) RegisterCounterVec(component, name string, vec *prometheus.CounterVec) error {
	return r.register(component, name, vec, "RegisterCounterVec")
}

// RegisterGaugeVec registers a gauge vector metric for a component.
func (r *Registry) RegisterGaugeVec(component, name string, vec *prometheus.GaugeVec) error {
	return r.register(component, name, vec, "RegisterGaugeVec")
}

// RegisterHistogramVec registers a histogram vector metric for a component.
func (r *Registry) RegisterHistogramVec(component, name string, vec *prometheus.HistogramVec) error {
	return r.register(component, name, vec, "RegisterHistogramVec")
}

// Unregister removes a component metric. Returns true if it was registered.
func (r *Registry) Unregister(component, name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := fmt.Sprintf("%s.%s", component, name)
	c, exists := r.registered[key]
	if !exists {
		return false
	}
	delete(r.registered, key)
	return r.prometheusRegistry.Unregister(c)
}
