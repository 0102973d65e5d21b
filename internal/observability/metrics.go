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
	ActiveSessions     prometheus.Gauge
	SessionEvents      *prometheus.CounterVec
	GateDecisions      *prometheus.CounterVec
	Challenges         *prometheus.CounterVec
	Escalations        prometheus.Counter
	AuditAppends       *prometheus.CounterVec
	AuditAppendLatency prometheus.Histogram
	DeliveryAttempts   *prometheus.CounterVec
	WSMessages         *prometheus.CounterVec
	DecisionLatency    prometheus.Histogram

	stages *decisionStageWindow
}

func NewMetrics(namespace string) *Metrics {
	return &Metrics{
		ActiveSessions: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_sessions",
			Help:      "Number of live caller sessions.",
		}),
		SessionEvents: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_events_total",
			Help:      "Session events by type.",
		}, []string{"event"}),
		GateDecisions: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "gate_decisions_total",
			Help:      "Authorization gate decisions by operation and outcome.",
		}, []string{"operation", "decision"}),
		Challenges: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "challenges_total",
			Help:      "Step-up challenge events by factor kind and outcome.",
		}, []string{"kind", "outcome"}),
		Escalations: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "escalations_total",
			Help:      "Sessions escalated to a human.",
		}),
		AuditAppends: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audit_appends_total",
			Help:      "Audit ledger appends by result.",
		}, []string{"result"}),
		AuditAppendLatency: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "audit_append_latency_ms",
			Help:      "Audit ledger append latency in milliseconds.",
			Buckets:   []float64{1, 2, 5, 10, 25, 50, 100, 250, 500},
		}),
		DeliveryAttempts: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "delivery_attempts_total",
			Help:      "One-time code delivery attempts by relay and result.",
		}, []string{"relay", "result"}),
		WSMessages: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ws_messages_total",
			Help:      "WebSocket messages by direction and type.",
		}, []string{"direction", "type"}),
		DecisionLatency: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "decision_latency_ms",
			Help:      "End-to-end gate decision latency in milliseconds.",
			Buckets:   []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 2500},
		}),
		stages: newDecisionStageWindow(512),
	}
}

// ObserveDecisionStage records one stage sample; nil-safe so components can
// run without metrics in tests.
func (m *Metrics) ObserveDecisionStage(stage string, d time.Duration) {
	if m == nil {
		return
	}
	ms := float64(d.Microseconds()) / 1000
	m.stages.Observe(stage, ms)
	if stage == StageDecisionTotal {
		m.DecisionLatency.Observe(ms)
	}
}

func (m *Metrics) ObserveIndicator(name string) {
	if m == nil {
		return
	}
	m.stages.ObserveIndicator(name)
}

func (m *Metrics) SnapshotDecisionStages() DecisionStageSnapshot {
	if m == nil {
		return DecisionStageSnapshot{GeneratedAt: time.Now().UTC()}
	}
	return m.stages.Snapshot()
}

func (m *Metrics) ResetDecisionStages() {
	if m == nil {
		return
	}
	m.stages.Reset()
}

func (m *Metrics) ObserveAuditAppend(result string, d time.Duration) {
	if m == nil {
		return
	}
	m.AuditAppends.WithLabelValues(result).Inc()
	m.AuditAppendLatency.Observe(float64(d.Microseconds()) / 1000)
}

func (m *Metrics) ObserveDeliveryAttempt(relay, result string) {
	if m == nil {
		return
	}
	m.DeliveryAttempts.WithLabelValues(relay, result).Inc()
}

func (m *Metrics) ObserveChallenge(kind, outcome string) {
	if m == nil {
		return
	}
	m.Challenges.WithLabelValues(kind, outcome).Inc()
}

func (m *Metrics) ObserveDecision(operation, decision string) {
	if m == nil {
		return
	}
	m.GateDecisions.WithLabelValues(operation, decision).Inc()
}

func (m *Metrics) ObserveEscalation() {
	if m == nil {
		return
	}
	m.Escalations.Inc()
}

func (m *Metrics) ObserveSessionEvent(event string) {
	if m == nil {
		return
	}
	m.SessionEvents.WithLabelValues(event).Inc()
}

func (m *Metrics) ObserveWSMessage(direction, msgType string) {
	if m == nil {
		return
	}
	m.WSMessages.WithLabelValues(direction, msgType).Inc()
}

func MetricsHandler() http.Handler {
	return promhttp.Handler()
}
