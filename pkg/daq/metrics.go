package daq

import "github.com/prometheus/client_golang/prometheus"

// Metrics are informational Prometheus collectors, one set per Engine.
// Nothing in the core reads them back, so they add no behavioural
// coupling.
type Metrics struct {
	SamplesDropped prometheus.Counter
	SamplesPushed  prometheus.Counter
	ConnectionUp   prometheus.Gauge
}

// NewMetrics registers a fresh Metrics set against reg. Callers
// wanting process-default registration can pass
// prometheus.DefaultRegisterer.
func NewMetrics(reg prometheus.Registerer, sessionID string) *Metrics {
	m := &Metrics{
		SamplesDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "telepathy",
			Subsystem:   "daq",
			Name:        "samples_dropped_total",
			Help:        "DAQ samples lost to queue overflow or a reassembly window closing early.",
			ConstLabels: prometheus.Labels{"session": sessionID},
		}),
		SamplesPushed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "telepathy",
			Subsystem:   "daq",
			Name:        "samples_pushed_total",
			Help:        "DAQ samples finalised and delivered to the consumer queue.",
			ConstLabels: prometheus.Labels{"session": sessionID},
		}),
		ConnectionUp: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   "telepathy",
			Subsystem:   "daq",
			Name:        "connection_up",
			Help:        "1 while the DAQ list is running, 0 otherwise.",
			ConstLabels: prometheus.Labels{"session": sessionID},
		}),
	}
	reg.MustRegister(m.SamplesDropped, m.SamplesPushed, m.ConnectionUp)
	return m
}
