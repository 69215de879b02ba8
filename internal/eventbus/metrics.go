package eventbus

import "github.com/prometheus/client_golang/prometheus"

// busMetrics holds the Prometheus instruments backing §4.5's required
// sent/delivered/dropped-per-class counters and queue-depth gauge.
type busMetrics struct {
	sent      *prometheus.CounterVec
	delivered prometheus.Counter
	dropped   *prometheus.CounterVec
	depth     *prometheus.GaugeVec
}

func newBusMetrics(reg prometheus.Registerer) *busMetrics {
	m := &busMetrics{
		sent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ecusafe",
			Subsystem: "eventbus",
			Name:      "events_sent_total",
			Help:      "Events accepted for send, per priority class.",
		}, []string{"priority"}),
		delivered: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "ecusafe",
			Subsystem: "eventbus",
			Name:      "safety_events_delivered_total",
			Help:      "P0-Safety events acknowledged by a subscriber.",
		}),
		dropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ecusafe",
			Subsystem: "eventbus",
			Name:      "events_dropped_total",
			Help:      "Events silently dropped on overflow, per priority class.",
		}, []string{"priority"}),
		depth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "ecusafe",
			Subsystem: "eventbus",
			Name:      "queue_depth",
			Help:      "Current subscriber queue depth, per priority class.",
		}, []string{"priority"}),
	}
	if reg != nil {
		reg.MustRegister(m.sent, m.delivered, m.dropped, m.depth)
	}
	return m
}
