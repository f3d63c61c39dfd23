package meter

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/ineyio/quotaplane"
)

// PromMeter exports enforcement and telemetry counters to Prometheus.
type PromMeter struct {
	decisions      *prometheus.CounterVec
	degradedAllows prometheus.Counter
	checkLatency   prometheus.Histogram
	configApplied  prometheus.Counter
	configStale    prometheus.Counter
	telemetry      *prometheus.CounterVec
}

var _ quotaplane.Meter = (*PromMeter)(nil)

// NewPromMeter creates a PromMeter and registers its collectors on reg.
// If reg is nil, prometheus.DefaultRegisterer is used.
func NewPromMeter(reg prometheus.Registerer) *PromMeter {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	m := &PromMeter{
		decisions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "quotaplane_decisions_total",
				Help: "Quota decisions by outcome",
			},
			[]string{"outcome"},
		),
		degradedAllows: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "quotaplane_degraded_allows_total",
				Help: "Checks that failed open due to store unavailability",
			},
		),
		checkLatency: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "quotaplane_check_duration_seconds",
				Help:    "Latency of quota checks",
				Buckets: prometheus.DefBuckets,
			},
		),
		configApplied: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "quotaplane_config_applied_total",
				Help: "Policy updates applied to the snapshot",
			},
		),
		configStale: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "quotaplane_config_stale_total",
				Help: "Policy updates discarded as stale",
			},
		),
		telemetry: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "quotaplane_telemetry_events_total",
				Help: "Usage telemetry events by fate",
			},
			[]string{"fate"},
		),
	}

	reg.MustRegister(
		m.decisions,
		m.degradedAllows,
		m.checkLatency,
		m.configApplied,
		m.configStale,
		m.telemetry,
	)
	return m
}

func (m *PromMeter) OnDecision(e quotaplane.DecisionEvent) {
	m.decisions.WithLabelValues(string(e.Outcome)).Inc()
	m.checkLatency.Observe(e.Duration.Seconds())
	if e.Outcome == quotaplane.AllowedDegraded {
		m.degradedAllows.Inc()
	}
}

func (m *PromMeter) OnConfig(e quotaplane.ConfigEvent) {
	if e.Applied {
		m.configApplied.Inc()
	} else {
		m.configStale.Inc()
	}
}

func (m *PromMeter) OnTelemetry(e quotaplane.TelemetryEvent) {
	if e.Flushed > 0 {
		m.telemetry.WithLabelValues("flushed").Add(float64(e.Flushed))
	}
	if e.Dropped > 0 {
		m.telemetry.WithLabelValues("dropped").Add(float64(e.Dropped))
	}
	if e.Lost > 0 {
		m.telemetry.WithLabelValues("lost").Add(float64(e.Lost))
	}
}
