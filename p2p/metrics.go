package p2p

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

var (
	metricsInitOnce sync.Once
	sharedMetrics   *hostMetrics
)

// hostMetrics instruments the Peer Host with both a Prometheus registry
// (for scraping) and an OpenTelemetry meter (for exporter-agnostic
// pipelines), the dual-emission pattern used throughout this codebase.
type hostMetrics struct {
	activeSessions   prometheus.Gauge
	handshakeResult  *prometheus.CounterVec
	disconnectReason *prometheus.CounterVec

	meter              metric.Meter
	handshakeCounter   metric.Int64Counter
	disconnectCounter  metric.Int64Counter
	activeSessionGauge metric.Int64ObservableGauge
	activeSessionValue atomic.Int64
}

func newHostMetrics() *hostMetrics {
	metricsInitOnce.Do(func() {
		m := &hostMetrics{
			activeSessions: prometheus.NewGauge(prometheus.GaugeOpts{
				Name: "meshnode_p2p_active_sessions",
				Help: "Number of established peer sessions.",
			}),
			handshakeResult: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "meshnode_p2p_handshakes_total",
				Help: "Total handshake outcomes by result.",
			}, []string{"result"}),
			disconnectReason: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "meshnode_p2p_disconnects_total",
				Help: "Total session teardowns by reason.",
			}, []string{"reason"}),
		}
		prometheus.MustRegister(m.activeSessions, m.handshakeResult, m.disconnectReason)
		m.initMeter()
		sharedMetrics = m
	})
	return sharedMetrics
}

func (m *hostMetrics) initMeter() {
	meter := otel.GetMeterProvider().Meter("meshnode/p2p")
	handshakeCounter, err := meter.Int64Counter("meshnode.p2p.handshakes")
	if err != nil {
		fallback := noop.NewMeterProvider().Meter("meshnode/p2p")
		handshakeCounter, _ = fallback.Int64Counter("meshnode.p2p.handshakes")
		meter = fallback
	}
	disconnectCounter, err := meter.Int64Counter("meshnode.p2p.disconnects")
	if err != nil {
		fallback := noop.NewMeterProvider().Meter("meshnode/p2p")
		disconnectCounter, _ = fallback.Int64Counter("meshnode.p2p.disconnects")
		meter = fallback
	}
	activeSessionGauge, err := meter.Int64ObservableGauge(
		"meshnode.p2p.active_sessions",
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(m.activeSessionValue.Load())
			return nil
		}),
	)
	if err != nil {
		fallback := noop.NewMeterProvider().Meter("meshnode/p2p")
		activeSessionGauge, _ = fallback.Int64ObservableGauge("meshnode.p2p.active_sessions")
	}
	m.meter = meter
	m.handshakeCounter = handshakeCounter
	m.disconnectCounter = disconnectCounter
	m.activeSessionGauge = activeSessionGauge
}

func (m *hostMetrics) recordHandshake(result string) {
	if m == nil {
		return
	}
	if result == "" {
		result = "unknown"
	}
	m.handshakeResult.WithLabelValues(result).Inc()
	if m.handshakeCounter != nil {
		m.handshakeCounter.Add(contextBackground(), 1, metric.WithAttributes(attribute.String("result", result)))
	}
}

func (m *hostMetrics) recordDisconnect(reason DisconnectReason) {
	if m == nil {
		return
	}
	label := reason.String()
	m.disconnectReason.WithLabelValues(label).Inc()
	if m.disconnectCounter != nil {
		m.disconnectCounter.Add(contextBackground(), 1, metric.WithAttributes(attribute.String("reason", label)))
	}
}

func (m *hostMetrics) setActiveSessions(count int) {
	if m == nil {
		return
	}
	m.activeSessions.Set(float64(count))
	m.activeSessionValue.Store(int64(count))
}

var backgroundOnce sync.Once
var backgroundContext context.Context

func contextBackground() context.Context {
	backgroundOnce.Do(func() {
		backgroundContext = context.Background()
	})
	return backgroundContext
}
