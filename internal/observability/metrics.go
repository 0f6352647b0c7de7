package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Turn stages recorded in the latency window.
const (
	StageRetrieve = "retrieve"
	StageGenerate = "generate"
	StageReflect  = "reflect"
	StageGate     = "gate"
	StagePersist  = "persist"
	StageTotal    = "turn_total"
)

// Metrics groups all Prometheus instruments used by the service. A nil
// *Metrics is valid and records nothing.
type Metrics struct {
	Turns              *prometheus.CounterVec
	GateDecisions      *prometheus.CounterVec
	ReflectionFailures *prometheus.CounterVec
	CollaboratorCalls  *prometheus.CounterVec
	CollaboratorMS     *prometheus.HistogramVec
	MemoryEntries      prometheus.Gauge
	StorageErrors      *prometheus.CounterVec
	ActiveSessions     prometheus.Gauge

	turnStages *turnStageWindow
}

// NewMetricsWith registers the instruments with reg.
func NewMetricsWith(namespace string, reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		Turns: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "turns_total",
			Help:      "Processed turns by outcome.",
		}, []string{"outcome"}),
		GateDecisions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "gate_decisions_total",
			Help:      "Memory gate decisions by decision and rule.",
		}, []string{"decision", "rule"}),
		ReflectionFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reflection_failures_total",
			Help:      "Reflection failures by kind.",
		}, []string{"kind"}),
		CollaboratorCalls: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "collaborator_calls_total",
			Help:      "Generation and reflection calls by purpose and outcome.",
		}, []string{"purpose", "outcome"}),
		CollaboratorMS: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "collaborator_latency_ms",
			Help:      "Collaborator call latency in milliseconds.",
			Buckets:   []float64{100, 250, 500, 1000, 2000, 4000, 8000, 16000, 30000},
		}, []string{"purpose"}),
		MemoryEntries: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "memory_entries",
			Help:      "Entries in the long-term memory store after the last save.",
		}),
		StorageErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "storage_errors_total",
			Help:      "Storage failures by store.",
		}, []string{"store"}),
		ActiveSessions: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_sessions",
			Help:      "Sessions with an in-process lock.",
		}),
		turnStages: newTurnStageWindow(512),
	}
}

func (m *Metrics) ObserveTurn(outcome string) {
	if m == nil {
		return
	}
	m.Turns.WithLabelValues(outcome).Inc()
}

func (m *Metrics) ObserveGateDecision(decision, rule string) {
	if m == nil {
		return
	}
	m.GateDecisions.WithLabelValues(decision, rule).Inc()
}

func (m *Metrics) ObserveReflectionFailure(kind string) {
	if m == nil {
		return
	}
	m.ReflectionFailures.WithLabelValues(kind).Inc()
	m.turnStages.ObserveIndicator("reflection_" + kind)
}

func (m *Metrics) ObserveCollaboratorCall(purpose, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.CollaboratorCalls.WithLabelValues(purpose, outcome).Inc()
	m.CollaboratorMS.WithLabelValues(purpose).Observe(float64(d.Milliseconds()))
}

func (m *Metrics) SetMemoryEntries(n int) {
	if m == nil {
		return
	}
	m.MemoryEntries.Set(float64(n))
}

func (m *Metrics) ObserveStorageError(store string) {
	if m == nil {
		return
	}
	m.StorageErrors.WithLabelValues(store).Inc()
	m.turnStages.ObserveIndicator(store + "_storage_error")
}

func (m *Metrics) SetActiveSessions(n int) {
	if m == nil {
		return
	}
	m.ActiveSessions.Set(float64(n))
}

// ObserveStage records one stage latency in the rolling window.
func (m *Metrics) ObserveStage(stage string, d time.Duration) {
	if m == nil {
		return
	}
	m.turnStages.Observe(stage, float64(d.Microseconds())/1000)
}

func (m *Metrics) SnapshotTurnStages() TurnStageSnapshot {
	if m == nil {
		return newTurnStageWindow(0).Snapshot()
	}
	return m.turnStages.Snapshot()
}

func (m *Metrics) ResetTurnStages() {
	if m == nil {
		return
	}
	m.turnStages.Reset()
}

func MetricsHandler() http.Handler {
	return promhttp.Handler()
}
