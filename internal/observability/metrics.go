package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics provides a centralized interface for collecting bridge metrics.
//
// The metrics system is built on Prometheus and tracks:
//   - Active call sessions and call lifetimes
//   - Control-channel event flow by event kind
//   - Tool execution outcomes
//   - Lifecycle webhook delivery outcomes and retry counts
type Metrics struct {
	// ActiveCalls is a gauge of currently running call sessions.
	// Labels: call_type (phone_call|web_call)
	ActiveCalls *prometheus.GaugeVec

	// CallsTotal counts completed calls.
	// Labels: call_type, reason (user_hangup|agent_hangup|call_transferred|...)
	CallsTotal *prometheus.CounterVec

	// CallDuration measures call lifetime in seconds.
	// Labels: call_type
	// Buckets: 5s, 15s, 30s, 60s, 120s, 300s, 600s, 1800s
	CallDuration *prometheus.HistogramVec

	// ControlEvents counts decoded control-channel events.
	// Labels: kind
	ControlEvents *prometheus.CounterVec

	// ToolExecutions counts tool invocations.
	// Labels: tool_name, status (success|error)
	ToolExecutions *prometheus.CounterVec

	// WebhookDeliveries counts lifecycle webhook outcomes.
	// Labels: event (call_started|call_ended), status (success|error|skipped)
	WebhookDeliveries *prometheus.CounterVec

	// WebhookAttempts measures how many attempts a delivery needed.
	// Buckets: 1..4
	WebhookAttempts prometheus.Histogram
}

// NewMetrics creates and registers all Prometheus meters with the given
// registerer. Call once at startup; pass prometheus.DefaultRegisterer in
// production.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		ActiveCalls: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "callbridge_active_calls",
				Help: "Number of currently active call sessions by call type",
			},
			[]string{"call_type"},
		),
		CallsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "callbridge_calls_total",
				Help: "Total number of completed calls by call type and disconnection reason",
			},
			[]string{"call_type", "reason"},
		),
		CallDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "callbridge_call_duration_seconds",
				Help:    "Call session lifetime in seconds",
				Buckets: []float64{5, 15, 30, 60, 120, 300, 600, 1800},
			},
			[]string{"call_type"},
		),
		ControlEvents: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "callbridge_control_events_total",
				Help: "Total number of control-channel events by kind",
			},
			[]string{"kind"},
		),
		ToolExecutions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "callbridge_tool_executions_total",
				Help: "Total number of tool executions by tool name and status",
			},
			[]string{"tool_name", "status"},
		),
		WebhookDeliveries: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "callbridge_webhook_deliveries_total",
				Help: "Total number of lifecycle webhook deliveries by event and status",
			},
			[]string{"event", "status"},
		),
		WebhookAttempts: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "callbridge_webhook_delivery_attempts",
				Help:    "Attempts needed per webhook delivery",
				Buckets: []float64{1, 2, 3, 4},
			},
		),
	}
}

// CallStarted records a session entering the active state.
func (m *Metrics) CallStarted(callType string) {
	m.ActiveCalls.WithLabelValues(orUnknown(callType)).Inc()
}

// CallEnded records session teardown.
func (m *Metrics) CallEnded(callType, reason string, duration time.Duration) {
	callType = orUnknown(callType)
	m.ActiveCalls.WithLabelValues(callType).Dec()
	m.CallsTotal.WithLabelValues(callType, orUnknown(reason)).Inc()
	m.CallDuration.WithLabelValues(callType).Observe(duration.Seconds())
}

// ControlEvent records one decoded control-channel event.
func (m *Metrics) ControlEvent(kind string) {
	m.ControlEvents.WithLabelValues(kind).Inc()
}

// ToolExecuted records a tool invocation outcome.
func (m *Metrics) ToolExecuted(name string, ok bool) {
	m.ToolExecutions.WithLabelValues(name, statusLabel(ok)).Inc()
}

// WebhookDelivered records a lifecycle webhook outcome.
func (m *Metrics) WebhookDelivered(event string, ok, skipped bool, attempts int) {
	status := statusLabel(ok)
	if skipped {
		status = "skipped"
	}
	m.WebhookDeliveries.WithLabelValues(event, status).Inc()
	if !skipped {
		m.WebhookAttempts.Observe(float64(attempts))
	}
}

func statusLabel(ok bool) string {
	if ok {
		return "success"
	}
	return "error"
}

func orUnknown(s string) string {
	if s == "" {
		return "unknown"
	}
	return s
}
