package services

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"mongowatch/internal/checkpoint"
	"mongowatch/internal/monitor"
)

// Metrics holds all custom Prometheus metrics for the application.
// It implements monitor.Observer so sessions report milestones directly.
type Metrics struct {
	// Session lifecycle
	StateTransitions *prometheus.CounterVec

	// Stream activity
	ChangeEvents     *prometheus.CounterVec
	RecordsEmitted   prometheus.Counter
	ProcessingErrors prometheus.Counter
	Resubscriptions  prometheus.Counter

	// Checkpoint writes by outcome
	CheckpointSaves *prometheus.CounterVec

	// WebSocket metrics
	WebSocketConnections prometheus.Gauge

	// Session manager reference for dynamic metrics
	manager *SessionManager
}

var globalMetrics *Metrics

// InitMetrics initializes the Prometheus metrics
func InitMetrics(manager *SessionManager) *Metrics {
	metrics := &Metrics{
		manager: manager,

		// State transitions by target state (counter - only goes up)
		StateTransitions: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "mongowatch_session_state_transitions_total",
			Help: "Total number of session state transitions by target state",
		}, []string{"state"}),

		// Change events by operation type
		ChangeEvents: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "mongowatch_change_events_total",
			Help: "Total number of change stream events received by operation type",
		}, []string{"operation"}),

		// Records delivered to consumers
		RecordsEmitted: promauto.NewCounter(prometheus.CounterOpts{
			Name: "mongowatch_records_emitted_total",
			Help: "Total number of records emitted to consumers",
		}),

		// Events that failed to decode or format
		ProcessingErrors: promauto.NewCounter(prometheus.CounterOpts{
			Name: "mongowatch_processing_errors_total",
			Help: "Total number of change events that failed processing",
		}),

		// Automatic stream re-establishments
		Resubscriptions: promauto.NewCounter(prometheus.CounterOpts{
			Name: "mongowatch_resubscriptions_total",
			Help: "Total number of successful change stream resubscriptions",
		}),

		// Checkpoint save attempts by outcome (saved, skipped, deferred)
		CheckpointSaves: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "mongowatch_checkpoint_saves_total",
			Help: "Total number of checkpoint save decisions by outcome",
		}, []string{"outcome"}),

		// WebSocket active connections (gauge - can go up and down)
		WebSocketConnections: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "mongowatch_websocket_connections_active",
			Help: "Number of active WebSocket connections",
		}),
	}

	// Register a collector that reports active sessions from the manager
	prometheus.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: "mongowatch_sessions_active",
			Help: "Current number of sessions in the active state",
		},
		func() float64 {
			if manager != nil {
				return float64(manager.ActiveCount())
			}
			return 0
		},
	))

	globalMetrics = metrics
	return metrics
}

// GetMetrics returns the global metrics instance
func GetMetrics() *Metrics {
	return globalMetrics
}

// SessionState records a session state transition
func (m *Metrics) SessionState(sessionID string, state monitor.State) {
	m.StateTransitions.WithLabelValues(string(state)).Inc()
}

// EventReceived records a change stream event
func (m *Metrics) EventReceived(sessionID, operationType string) {
	m.ChangeEvents.WithLabelValues(operationType).Inc()
}

// RecordEmitted records a record delivered to consumers
func (m *Metrics) RecordEmitted(sessionID string) {
	m.RecordsEmitted.Inc()
}

// ProcessingError records an event that failed to decode or format
func (m *Metrics) ProcessingError(sessionID string) {
	m.ProcessingErrors.Inc()
}

// CheckpointOutcome records a checkpoint save decision
func (m *Metrics) CheckpointOutcome(sessionID string, outcome checkpoint.Outcome) {
	m.CheckpointSaves.WithLabelValues(string(outcome)).Inc()
}

// Resubscribed records a successful stream re-establishment
func (m *Metrics) Resubscribed(sessionID string, attempt int) {
	m.Resubscriptions.Inc()
}

// RecordWebSocketConnect records a new WebSocket connection
func (m *Metrics) RecordWebSocketConnect() {
	m.WebSocketConnections.Inc()
}

// RecordWebSocketDisconnect records a WebSocket disconnection
func (m *Metrics) RecordWebSocketDisconnect() {
	m.WebSocketConnections.Dec()
}
