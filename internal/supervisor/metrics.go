// Metrics is an optional prometheus collector set for the supervision
// loop's stall-detector and correlation counters. This package neither
// registers nor serves them; a caller that wants them exposed registers
// them and serves them itself. A nil *Metrics disables instrumentation
// entirely; Supervisor.Run never requires one.
package supervisor

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds the counters/gauges a running supervisor updates. Build one
// with NewMetrics and register it with a prometheus.Registerer; pass it via
// Dependencies.Metrics.
type Metrics struct {
	runsTotal          *prometheus.CounterVec
	stallDetections    *prometheus.CounterVec
	toolRequestsTotal  prometheus.Counter
	toolFailuresTotal  prometheus.Counter
	runDurationSeconds prometheus.Histogram
}

// NewMetrics constructs a Metrics set with the standard
// "mem_wrapper_supervisor_" namespace, ready to register.
func NewMetrics() *Metrics {
	return &Metrics{
		runsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "mem_wrapper",
			Subsystem: "supervisor",
			Name:      "runs_total",
			Help:      "Completed supervised runs by terminal reason.",
		}, []string{"reason"}),
		stallDetections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "mem_wrapper",
			Subsystem: "supervisor",
			Name:      "stall_detections_total",
			Help:      "Stall-detector signals fired, by signal kind.",
		}, []string{"signal"}),
		toolRequestsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "mem_wrapper",
			Subsystem: "supervisor",
			Name:      "tool_requests_total",
			Help:      "Total tool-use requests correlated across all runs.",
		}),
		toolFailuresTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "mem_wrapper",
			Subsystem: "supervisor",
			Name:      "tool_failures_total",
			Help:      "Total failed tool-use results correlated across all runs.",
		}),
		runDurationSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "mem_wrapper",
			Subsystem: "supervisor",
			Name:      "run_duration_seconds",
			Help:      "Wall-clock duration of supervised runs.",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 12),
		}),
	}
}

// MustRegister registers every collector in m with reg, panicking on a
// duplicate-registration error (the standard prometheus.MustRegister
// contract) — intended for one-time startup wiring.
func (m *Metrics) MustRegister(reg prometheus.Registerer) {
	reg.MustRegister(m.runsTotal, m.stallDetections, m.toolRequestsTotal, m.toolFailuresTotal, m.runDurationSeconds)
}

func (m *Metrics) observeStall(signal Reason) {
	if m == nil {
		return
	}
	m.stallDetections.WithLabelValues(string(signal)).Inc()
}

func (m *Metrics) observeRun(o Outcome) {
	if m == nil {
		return
	}
	m.runsTotal.WithLabelValues(string(o.Reason)).Inc()
	m.toolRequestsTotal.Add(float64(o.Correlation.TotalRequests))
	m.toolFailuresTotal.Add(float64(o.Correlation.FailedResults))
	m.runDurationSeconds.Observe(o.Duration.Seconds())
}
