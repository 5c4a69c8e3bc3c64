// Package metrics exposes the client's Prometheus instrumentation, the
// way the broader example pack's services (katzenpost, zrepl) expose
// theirs: a handful of gauges and counters registered once per process
// (see Set for which of them the client updates). This client's
// Non-goals don't exclude metrics, so the ambient pattern of the pack
// applies directly rather than being trimmed away.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Set is one client's metric instances. Each Context owns one Set,
// registered into the Registerer passed to NewContext (or into
// prometheus.DefaultRegisterer if none is given), so that multiple
// Contexts in one process don't collide on metric names.
//
// The client updates ActiveChannels and ActiveOperations. ActiveCircuits,
// SearchRetries, BeaconAnomalies and OperationTimeouts are registered
// but nothing in the client changes them, so they stay at zero.
type Set struct {
	ActiveChannels    prometheus.Gauge
	ActiveCircuits    prometheus.Gauge
	ActiveOperations  prometheus.Gauge
	SearchRetries     prometheus.Counter
	BeaconAnomalies   prometheus.Counter
	OperationTimeouts prometheus.Counter
}

// NewSet creates and registers a fresh metric Set against reg. If reg
// is nil, prometheus.DefaultRegisterer is used.
func NewSet(reg prometheus.Registerer, constLabels prometheus.Labels) *Set {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &Set{
		ActiveChannels: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   "pvaccess",
			Subsystem:   "client",
			Name:        "active_channels",
			Help:        "Number of channels not yet destroyed.",
			ConstLabels: constLabels,
		}),
		ActiveCircuits: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   "pvaccess",
			Subsystem:   "client",
			Name:        "active_circuits",
			Help:        "Number of virtual circuits with at least one attached channel.",
			ConstLabels: constLabels,
		}),
		ActiveOperations: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   "pvaccess",
			Subsystem:   "client",
			Name:        "active_operations",
			Help:        "Number of operations registered in the context IOID map.",
			ConstLabels: constLabels,
		}),
		SearchRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "pvaccess",
			Subsystem:   "client",
			Name:        "search_retries_total",
			Help:        "Number of search frames emitted for channels still SEARCHING.",
			ConstLabels: constLabels,
		}),
		BeaconAnomalies: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "pvaccess",
			Subsystem:   "client",
			Name:        "beacon_anomalies_total",
			Help:        "Number of detected server restarts (beacon sequence/startup-time anomalies).",
			ConstLabels: constLabels,
		}),
		OperationTimeouts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "pvaccess",
			Subsystem:   "client",
			Name:        "operation_timeouts_total",
			Help:        "Number of operations cancelled due to timeout.",
			ConstLabels: constLabels,
		}),
	}
	for _, c := range []prometheus.Collector{
		s.ActiveChannels, s.ActiveCircuits, s.ActiveOperations,
		s.SearchRetries, s.BeaconAnomalies, s.OperationTimeouts,
	} {
		// AlreadyRegisteredError is expected (and harmless) when more
		// than one Context shares a registerer; ignore it the way
		// prometheus client examples throughout the pack do.
		if err := reg.Register(c); err != nil {
			if _, ok := err.(prometheus.AlreadyRegisteredError); !ok {
				panic(err)
			}
		}
	}
	return s
}
