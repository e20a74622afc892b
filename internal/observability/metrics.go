package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups all Prometheus instruments used by the service.
type Metrics struct {
	ActiveCalls          prometheus.Gauge
	TrackedConversations prometheus.Gauge
	Observers            prometheus.Gauge
	CallEvents           *prometheus.CounterVec
	WSMessages           *prometheus.CounterVec
	AISessions           *prometheus.CounterVec
	BroadcastMessages    *prometheus.CounterVec
	PollTicks            *prometheus.CounterVec
	ReconciledEvents     prometheus.Counter
	ProviderErrors       *prometheus.CounterVec
	AIConnectLatency     prometheus.Histogram

	stages *stageWindow
}

func NewMetrics(namespace string) *Metrics {
	return &Metrics{
		ActiveCalls: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_calls",
			Help:      "Number of call legs currently bridged.",
		}),
		TrackedConversations: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "tracked_conversations",
			Help:      "Conversations held in the registry, including ended ones inside the grace window.",
		}),
		Observers: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "observers",
			Help:      "Observer connections subscribed to the broadcast hub.",
		}),
		CallEvents: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "call_events_total",
			Help:      "Call leg lifecycle events by type.",
		}, []string{"event"}),
		WSMessages: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ws_messages_total",
			Help:      "WebSocket messages by socket, direction and type.",
		}, []string{"socket", "direction", "type"}),
		AISessions: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ai_sessions_total",
			Help:      "AI session setup attempts by result.",
		}, []string{"result"}),
		BroadcastMessages: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "broadcast_messages_total",
			Help:      "Messages fanned out to observers by type.",
		}, []string{"type"}),
		PollTicks: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "poll_ticks_total",
			Help:      "Reconciliation poll ticks by result.",
		}, []string{"result"}),
		ReconciledEvents: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconciled_transcript_events_total",
			Help:      "Transcript events replayed by the reconciliation poller.",
		}),
		ProviderErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "provider_errors_total",
			Help:      "Provider errors by provider and code.",
		}, []string{"provider", "code"}),
		AIConnectLatency: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "ai_connect_latency_ms",
			Help:      "Latency to open an AI conversation session in milliseconds.",
			Buckets:   []float64{100, 200, 300, 500, 800, 1200, 2000, 5000, 10000},
		}),
		stages: newStageWindow(256),
	}
}

func (m *Metrics) ObserveAIConnect(d time.Duration, result string) {
	if m == nil {
		return
	}
	m.AISessions.WithLabelValues(result).Inc()
	if result == "ok" {
		m.AIConnectLatency.Observe(float64(d.Milliseconds()))
		m.stages.Observe(StageAIConnect, float64(d.Milliseconds()))
	}
}

func (m *Metrics) ObserveStage(stage string, d time.Duration) {
	if m == nil {
		return
	}
	m.stages.Observe(stage, float64(d.Milliseconds()))
}

func (m *Metrics) ObserveIndicator(name string) {
	if m == nil {
		return
	}
	m.stages.ObserveIndicator(name)
}

func (m *Metrics) ObserveCallEvent(event string) {
	if m == nil {
		return
	}
	m.CallEvents.WithLabelValues(event).Inc()
}

func (m *Metrics) ObserveWSMessage(socket, direction, msgType string) {
	if m == nil {
		return
	}
	m.WSMessages.WithLabelValues(socket, direction, msgType).Inc()
}

func (m *Metrics) ObserveBroadcast(msgType string, observers int) {
	if m == nil {
		return
	}
	m.BroadcastMessages.WithLabelValues(msgType).Inc()
	m.Observers.Set(float64(observers))
}

func (m *Metrics) ObservePollTick(result string) {
	if m == nil {
		return
	}
	m.PollTicks.WithLabelValues(result).Inc()
}

func (m *Metrics) ObserveReconciledEvents(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.ReconciledEvents.Add(float64(n))
}

func (m *Metrics) ObserveProviderError(provider, code string) {
	if m == nil {
		return
	}
	m.ProviderErrors.WithLabelValues(provider, code).Inc()
}

func (m *Metrics) SetTrackedConversations(n int) {
	if m == nil {
		return
	}
	m.TrackedConversations.Set(float64(n))
}

func (m *Metrics) SetActiveCalls(n int) {
	if m == nil {
		return
	}
	m.ActiveCalls.Set(float64(n))
}

func (m *Metrics) SetObservers(n int) {
	if m == nil {
		return
	}
	m.Observers.Set(float64(n))
}

// ResetStages clears the rolling latency window.
func (m *Metrics) ResetStages() {
	if m == nil {
		return
	}
	m.stages.Reset()
}

// SnapshotStages returns the rolling latency window for the perf endpoint.
func (m *Metrics) SnapshotStages() StageSnapshot {
	if m == nil {
		return StageSnapshot{GeneratedAt: time.Now().UTC()}
	}
	return m.stages.Snapshot()
}

func MetricsHandler() http.Handler {
	return promhttp.Handler()
}
