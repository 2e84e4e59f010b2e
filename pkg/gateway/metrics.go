package gateway

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the gateway
type Metrics struct {
	connectedDevices  prometheus.Gauge
	sessionsTotal     prometheus.Counter
	disconnectsTotal  *prometheus.CounterVec
	framesReceived    *prometheus.CounterVec
	commandsSent      prometheus.Counter
	commandFailures   *prometheus.CounterVec
	heartbeatTimeouts prometheus.Counter
	callStatus        *prometheus.CounterVec
}

// NewMetrics creates a new metrics instance
func NewMetrics() *Metrics {
	return &Metrics{
		connectedDevices: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "phonelink_connected_devices",
				Help: "Current number of devices with a live session",
			},
		),
		sessionsTotal: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "phonelink_sessions_total",
				Help: "Total number of sessions registered",
			},
		),
		disconnectsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "phonelink_disconnects_total",
				Help: "Total number of session disconnects by reason",
			},
			[]string{"reason"},
		),
		framesReceived: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "phonelink_frames_received_total",
				Help: "Total number of frames received from devices by type",
			},
			[]string{"type"},
		),
		commandsSent: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "phonelink_commands_dispatched_total",
				Help: "Total number of CALL commands dispatched to devices",
			},
		),
		commandFailures: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "phonelink_command_failures_total",
				Help: "Total number of CALL commands that could not be dispatched",
			},
			[]string{"reason"},
		),
		heartbeatTimeouts: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "phonelink_heartbeat_timeouts_total",
				Help: "Total number of sessions terminated by probe timeout",
			},
		),
		callStatus: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "phonelink_call_status_total",
				Help: "Total number of STATUS reports by call state",
			},
			[]string{"state"},
		),
	}
}

// RecordConnectedDevices updates the live session gauge
func (m *Metrics) RecordConnectedDevices(count int) {
	m.connectedDevices.Set(float64(count))
}

// RecordSessionRegistered increments the session counter
func (m *Metrics) RecordSessionRegistered() {
	m.sessionsTotal.Inc()
}

// RecordDisconnect increments the disconnect counter for a reason
func (m *Metrics) RecordDisconnect(reason string) {
	m.disconnectsTotal.WithLabelValues(reason).Inc()
}

// RecordFrameReceived increments the frame counter for a type
func (m *Metrics) RecordFrameReceived(frameType string) {
	m.framesReceived.WithLabelValues(frameType).Inc()
}

// RecordCommandDispatched increments the dispatched command counter
func (m *Metrics) RecordCommandDispatched() {
	m.commandsSent.Inc()
}

// RecordCommandFailure increments the failed dispatch counter for a reason
func (m *Metrics) RecordCommandFailure(reason string) {
	m.commandFailures.WithLabelValues(reason).Inc()
}

// RecordHeartbeatTimeout increments the probe timeout counter
func (m *Metrics) RecordHeartbeatTimeout() {
	m.heartbeatTimeouts.Inc()
}

// RecordCallStatus increments the STATUS counter for a call state
func (m *Metrics) RecordCallStatus(state string) {
	m.callStatus.WithLabelValues(state).Inc()
}
