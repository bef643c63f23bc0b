package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// ConnectionsActive tracks currently open WebSocket connections
	ConnectionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "acpgate_connections_active",
			Help: "Number of open WebSocket connections",
		},
	)

	// SessionsActive tracks currently active agent sessions
	SessionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "acpgate_sessions_active",
			Help: "Number of active agent sessions",
		},
	)

	// EnvelopesTotal counts envelopes crossing the client socket
	EnvelopesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "acpgate_envelopes_total",
			Help: "Total envelopes by type and direction",
		},
		[]string{"type", "direction"},
	)

	// AgentProcessesSpawned counts agent subprocess launches
	AgentProcessesSpawned = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "acpgate_agent_processes_spawned_total",
			Help: "Total agent subprocesses spawned",
		},
	)

	// AgentProcessExits counts subprocess exits by class
	AgentProcessExits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "acpgate_agent_process_exits_total",
			Help: "Total agent subprocess exits",
		},
		[]string{"clean"},
	)

	// StderrErrors counts stderr lines matching the error taxonomy
	StderrErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "acpgate_agent_stderr_errors_total",
			Help: "Agent stderr lines matching a known error pattern",
		},
		[]string{"kind"},
	)

	// PromptTurnDuration tracks time from prompt accept to completion
	PromptTurnDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "acpgate_prompt_turn_duration_seconds",
			Help:    "Duration of a prompt turn from accept to completion",
			Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60, 120, 300, 600},
		},
	)

	// CorrelatorTimeouts counts JSON-RPC requests that timed out
	CorrelatorTimeouts = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "acpgate_rpc_timeouts_total",
			Help: "JSON-RPC requests to the agent that timed out",
		},
	)

	// AuthFailures counts rejected socket upgrades and login attempts
	AuthFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "acpgate_auth_failures_total",
			Help: "Authentication failures by surface",
		},
		[]string{"surface"},
	)
)

// Handler returns the Prometheus metrics HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordEnvelopeIn records a client-to-gateway envelope
func RecordEnvelopeIn(msgType string) {
	EnvelopesTotal.WithLabelValues(msgType, "in").Inc()
}

// RecordEnvelopeOut records a gateway-to-client envelope
func RecordEnvelopeOut(msgType string) {
	EnvelopesTotal.WithLabelValues(msgType, "out").Inc()
}

// RecordProcessExit records an agent subprocess exit
func RecordProcessExit(clean bool) {
	label := "false"
	if clean {
		label = "true"
	}
	AgentProcessExits.WithLabelValues(label).Inc()
}
