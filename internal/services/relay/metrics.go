package relay

import "github.com/prometheus/client_golang/prometheus"

const namespace = "bridge_relay"

// Metrics are the relay's Prometheus collectors.
type Metrics struct {
	events     *prometheus.CounterVec
	duplicates *prometheus.CounterVec
	releases   *prometheus.CounterVec
	retries    prometheus.Counter
	alerts     prometheus.Counter
	inflight   prometheus.Gauge
}

// NewMetrics creates the collectors and registers them on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_total",
			Help:      "External-chain events handled, by kind and outcome.",
		}, []string{"kind", "outcome"}),
		duplicates: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "duplicates_total",
			Help:      "Dropped duplicate deliveries, by source.",
		}, []string{"source"}),
		releases: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "releases_total",
			Help:      "Completed release attempts, by outcome.",
		}, []string{"outcome"}),
		retries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "release_retries_total",
			Help:      "Release retries after a settlement failure.",
		}),
		alerts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "alerts_total",
			Help:      "Releases that exhausted their retries.",
		}),
		inflight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "releases_inflight",
			Help:      "Releases currently running.",
		}),
	}
	reg.MustRegister(m.events, m.duplicates, m.releases, m.retries, m.alerts, m.inflight)
	return m
}
