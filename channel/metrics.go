package channel

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	routerMetricsOnce sync.Once
	sharedRouter      *routerMetrics
)

// routerMetrics instruments the Channel Router's topic-retry traffic,
// following the same Prometheus registration idiom as the Peer Host.
type routerMetrics struct {
	topicAttempts *prometheus.CounterVec
	pendingCount  *prometheus.GaugeVec
}

func newRouterMetrics() *routerMetrics {
	routerMetricsOnce.Do(func() {
		m := &routerMetrics{
			topicAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "meshnode_channel_topic_attempts_total",
				Help: "Total topic-routed delivery attempts by target kind.",
			}, []string{"target"}),
			pendingCount: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Name: "meshnode_channel_pending_requests",
				Help: "In-flight correlated requests by kind.",
			}, []string{"kind"}),
		}
		prometheus.MustRegister(m.topicAttempts, m.pendingCount)
		sharedRouter = m
	})
	return sharedRouter
}

func (m *routerMetrics) recordTopicAttempt(target string) {
	if m == nil {
		return
	}
	m.topicAttempts.WithLabelValues(target).Inc()
}

func (m *routerMetrics) setPending(kind string, count int) {
	if m == nil {
		return
	}
	m.pendingCount.WithLabelValues(kind).Set(float64(count))
}
