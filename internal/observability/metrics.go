package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups all Prometheus instruments exposed by the relay server at
// /metrics.
type Metrics struct {
	ConnectedClients     prometheus.Gauge
	TurnEvents           *prometheus.CounterVec
	AgentProcessEvents   *prometheus.CounterVec
	PermissionEvents     *prometheus.CounterVec
	EventBusDropped      *prometheus.CounterVec
	WSMessages           *prometheus.CounterVec
	WSWriteErrors        *prometheus.CounterVec
	ProviderErrors       *prometheus.CounterVec
	STTLatency           prometheus.Histogram
	TTSLatency           prometheus.Histogram
	TurnStageLatency     *prometheus.HistogramVec
	PermissionWaitLatency prometheus.Histogram
	turnStageWindow      *turnStageWindow
}

func NewMetrics(namespace string) *Metrics {
	return &Metrics{
		ConnectedClients: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connected_clients",
			Help:      "Number of currently subscribed WebSocket clients.",
		}),
		TurnEvents: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "turn_events_total",
			Help:      "Turn lifecycle events by outcome (created, completed).",
		}, []string{"event"}),
		AgentProcessEvents: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "agent_process_events_total",
			Help:      "Agent process lifecycle transitions by kind.",
		}, []string{"event"}),
		PermissionEvents: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "permission_events_total",
			Help:      "Permission broker events (pending, auto_allow, and the operator's allow or deny).",
		}, []string{"event"}),
		EventBusDropped: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "event_bus_dropped_total",
			Help:      "Events dropped for a slow subscriber, by subscriber kind.",
		}, []string{"subscriber_kind"}),
		WSMessages: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ws_messages_total",
			Help:      "WebSocket messages by direction and type.",
		}, []string{"direction", "type"}),
		WSWriteErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ws_write_errors_total",
			Help:      "WebSocket write errors by reason.",
		}, []string{"reason"}),
		ProviderErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "provider_errors_total",
			Help:      "STT/TTS provider errors by provider and upstream status code.",
		}, []string{"provider", "code"}),
		STTLatency: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "stt_latency_ms",
			Help:      "Latency of transcribe() calls in milliseconds.",
			Buckets:   []float64{100, 250, 500, 1000, 1500, 2500, 4000, 7000, 12000},
		}),
		TTSLatency: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "tts_latency_ms",
			Help:      "Latency of synthesize() calls in milliseconds.",
			Buckets:   []float64{100, 250, 500, 1000, 1500, 2500, 4000, 7000, 12000},
		}),
		TurnStageLatency: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "turn_stage_latency_ms",
			Help:      "Turn-stage latency in milliseconds.",
			Buckets:   []float64{20, 50, 100, 150, 250, 400, 700, 1200, 2000, 4000, 7000, 10000},
		}, []string{"stage"}),
		PermissionWaitLatency: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "permission_wait_ms",
			Help:      "Time spent waiting for an operator permission decision.",
			Buckets:   []float64{100, 250, 500, 1000, 2000, 5000, 10000, 30000, 60000, 300000},
		}),
		turnStageWindow: newTurnStageWindow(256),
	}
}

func (m *Metrics) ObserveSTTLatency(d time.Duration) {
	if m == nil || m.STTLatency == nil {
		return
	}
	m.STTLatency.Observe(float64(d.Milliseconds()))
}

func (m *Metrics) ObserveTTSLatency(d time.Duration) {
	if m == nil || m.TTSLatency == nil {
		return
	}
	m.TTSLatency.Observe(float64(d.Milliseconds()))
}

func (m *Metrics) ObserveTurnStage(stage string, d time.Duration) {
	if m == nil {
		return
	}
	ms := float64(d.Milliseconds())
	m.TurnStageLatency.WithLabelValues(stage).Observe(ms)
	m.turnStageWindow.Observe(stage, ms)
}

func (m *Metrics) ObserveTurnEvent(event string) {
	if m == nil || m.TurnEvents == nil {
		return
	}
	m.TurnEvents.WithLabelValues(event).Inc()
}

func (m *Metrics) ObserveAgentProcessEvent(event string) {
	if m == nil || m.AgentProcessEvents == nil {
		return
	}
	m.AgentProcessEvents.WithLabelValues(event).Inc()
}

func (m *Metrics) ObservePermissionEvent(event string) {
	if m == nil || m.PermissionEvents == nil {
		return
	}
	m.PermissionEvents.WithLabelValues(event).Inc()
}

func (m *Metrics) ObservePermissionWait(d time.Duration) {
	if m == nil || m.PermissionWaitLatency == nil {
		return
	}
	m.PermissionWaitLatency.Observe(float64(d.Milliseconds()))
}

func (m *Metrics) ObserveEventBusDrop(subscriberKind string) {
	if m == nil || m.EventBusDropped == nil {
		return
	}
	m.EventBusDropped.WithLabelValues(subscriberKind).Inc()
}

func (m *Metrics) SnapshotTurnStages() TurnStageSnapshot {
	if m == nil || m.turnStageWindow == nil {
		return TurnStageSnapshot{}
	}
	return m.turnStageWindow.Snapshot()
}

func (m *Metrics) ResetTurnStages() {
	if m == nil || m.turnStageWindow == nil {
		return
	}
	m.turnStageWindow.Reset()
}

func MetricsHandler() http.Handler {
	return promhttp.Handler()
}
