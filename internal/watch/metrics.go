package watch

import (
	"github.com/prometheus/client_golang/prometheus"

	"freshd/internal/artifact"
	"freshd/internal/installer"
)

// Metrics aggregates the run counters exposed on /metrics.
type Metrics struct {
	Registry *prometheus.Registry

	runs            *prometheus.CounterVec
	failures        *prometheus.CounterVec
	lastRunTime     prometheus.Gauge
	lastRunDuration prometheus.Gauge
}

// NewMetrics builds a registry with the freshd run collectors.
func NewMetrics() *Metrics {
	m := &Metrics{
		Registry: prometheus.NewRegistry(),
		runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "freshd_runs_total",
			Help: "Completed update runs by outcome.",
		}, []string{"outcome"}),
		failures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "freshd_run_failures_total",
			Help: "Failed update runs by error class.",
		}, []string{"class"}),
		lastRunTime: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "freshd_last_run_timestamp_seconds",
			Help: "Unix time of the most recent completed run.",
		}),
		lastRunDuration: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "freshd_last_run_duration_seconds",
			Help: "Wall-clock duration of the most recent completed run.",
		}),
	}

	m.Registry.MustRegister(m.runs, m.failures, m.lastRunTime, m.lastRunDuration)
	return m
}

func (m *Metrics) observe(result installer.Result, err error, endedAtUnix float64) {
	if err != nil {
		m.runs.WithLabelValues("error").Inc()
		m.failures.WithLabelValues(artifact.Classify(err)).Inc()
	} else {
		m.runs.WithLabelValues(string(result.Outcome)).Inc()
	}
	m.lastRunTime.Set(endedAtUnix)
	m.lastRunDuration.Set(result.Duration.Seconds())
}
