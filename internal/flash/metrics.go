package flash

import (
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
)

// flashMetrics holds the Prometheus instruments backing abort-latency
// and watchdog-trigger counters, plus the job-outcome counters the
// reference prototype's FlashMetrics struct tracks.
type flashMetrics struct {
	jobsCompleted    prometheus.Counter
	jobsFailed       prometheus.Counter
	jobsAborted      prometheus.Counter
	abortLatencyMS   prometheus.Histogram
	watchdogTriggers prometheus.Counter

	lastAbortLatencyMS int64 // atomic, surfaced via Supervisor.Metrics
}

func newFlashMetrics(reg prometheus.Registerer) *flashMetrics {
	m := &flashMetrics{
		jobsCompleted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "ecusafe",
			Subsystem: "flash",
			Name:      "jobs_completed_total",
			Help:      "Flash jobs that reached Completed.",
		}),
		jobsFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "ecusafe",
			Subsystem: "flash",
			Name:      "jobs_failed_total",
			Help:      "Flash jobs that reached Failed.",
		}),
		jobsAborted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "ecusafe",
			Subsystem: "flash",
			Name:      "jobs_aborted_total",
			Help:      "Flash jobs that reached Aborted.",
		}),
		abortLatencyMS: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "ecusafe",
			Subsystem: "flash",
			Name:      "abort_latency_ms",
			Help:      "Observed command-arrival-to-Aborted-state latency.",
			Buckets:   []float64{1, 2, 5, 10, 15, 20, 25, 30, 50, 100},
		}),
		watchdogTriggers: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "ecusafe",
			Subsystem: "flash",
			Name:      "watchdog_triggers_total",
			Help:      "Times the watchdog forced a stalled job to Failed.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.jobsCompleted, m.jobsFailed, m.jobsAborted, m.abortLatencyMS, m.watchdogTriggers)
	}
	return m
}

func (m *flashMetrics) recordAbort(latencyMS int64) {
	atomic.StoreInt64(&m.lastAbortLatencyMS, latencyMS)
	m.abortLatencyMS.Observe(float64(latencyMS))
	m.jobsAborted.Inc()
}

func (m *flashMetrics) lastAbortLatency() int64 {
	return atomic.LoadInt64(&m.lastAbortLatencyMS)
}
