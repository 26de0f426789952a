package sidecar

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/c360/agentkernel/metric"
)

type metrics struct {
	messages    *prometheus.CounterVec
	rejected    prometheus.Counter
	negotiation prometheus.Histogram
}

func newMetrics() *metrics {
	return &metrics{
		messages: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "agentkernel",
				Subsystem: "sidecar",
				Name:      "messages_total",
				Help:      "Total messages processed per protocol and result",
			},
			[]string{"protocol", "result"},
		),
		rejected: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "agentkernel",
				Subsystem: "sidecar",
				Name:      "circuit_rejected_total",
				Help:      "Total messages rejected by the open circuit",
			},
		),
		negotiation: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: "agentkernel",
				Subsystem: "sidecar",
				Name:      "negotiation_duration_seconds",
				Help:      "Time spent detecting a peer's protocol on cache miss",
				Buckets:   []float64{0.00001, 0.0001, 0.001, 0.01, 0.1},
			},
		),
	}
}

// RegisterMetrics attaches the sidecar's collectors to the kernel registry.
func (s *Sidecar) RegisterMetrics(reg *metric.Registry) error {
	if err := reg.RegisterCounterVec("sidecar", "messages_total", s.mx.messages); err != nil {
		return err
	}
	if err := reg.RegisterCounter("sidecar", "circuit_rejected_total", s.mx.rejected); err != nil {
		return err
	}
	return reg.RegisterHistogram("sidecar", "negotiation_duration_seconds", s.mx.negotiation)
}
