package metric

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Core contains kernel-level metrics shared by all components.
type Core struct {
	MessagesReceived *prometheus.CounterVec
	MessagesRouted   *prometheus.CounterVec
	RepliesSent      *prometheus.CounterVec
	HandlerDuration  *prometheus.HistogramVec
	ErrorsTotal      *prometheus.CounterVec
	ActiveSessions   prometheus.Gauge
	ActiveClients    prometheus.Gauge

	RuntimeTasksSpawned prometheus.Counter
	RuntimeResources    prometheus.Counter
	RuntimeBlockOn      prometheus.Counter
}

// NewCore creates the core kernel metrics.
func NewCore() *Core {
	return &Core{
		MessagesReceived: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "agentkernel",
				Subsystem: "wire",
				Name:      "messages_received_total",
				Help:      "Total wire messages received per channel and msg_type",
			},
			[]string{"channel", "msg_type"},
		),
		MessagesRouted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "agentkernel",
				Subsystem: "router",
				Name:      "messages_routed_total",
				Help:      "Total messages routed per destination kind and status",
			},
			[]string{"destination", "status"},
		),
		RepliesSent: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "agentkernel",
				Subsystem: "protocol",
				Name:      "replies_sent_total",
				Help:      "Total replies sent per msg_type and status",
			},
			[]string{"msg_type", "status"},
		),
		HandlerDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "agentkernel",
				Subsystem: "protocol",
				Name:      "handler_duration_seconds",
				Help:      "Time spent handling requests",
				Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
			},
			[]string{"msg_type"},
		),
		ErrorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "agentkernel",
				Subsystem: "kernel",
				Name:      "errors_total",
				Help:      "Total errors per component and kind",
			},
			[]string{"component", "kind"},
		),
		ActiveSessions: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "agentkernel",
				Subsystem: "session",
				Name:      "active",
				Help:      "Number of active sessions",
			},
		),
		ActiveClients: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "agentkernel",
				Subsystem: "router",
				Name:      "active_clients",
				Help:      "Number of active client connections",
			},
		),
		RuntimeTasksSpawned: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "agentkernel",
				Subsystem: "runtime",
				Name:      "tasks_spawned_total",
				Help:      "Total tasks spawned on the global runtime",
			},
		),
		RuntimeResources: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "agentkernel",
				Subsystem: "runtime",
				Name:      "io_resources_total",
				Help:      "Total I/O bound resources constructed on the global runtime",
			},
		),
		RuntimeBlockOn: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "agentkernel",
				Subsystem: "runtime",
				Name:      "block_on_total",
				Help:      "Total block_on calls against the global runtime",
			},
		),
	}
}
