// Package metrics exposes Prometheus instrumentation for the live pipeline.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics contains all Prometheus metrics for the live session pipeline.
type Metrics struct {
	// Send path
	InputsSent    prometheus.Counter
	InputsDropped prometheus.Counter
	SendFailures  prometheus.Counter

	// Capture pairing
	FramesOverwritten prometheus.Counter

	// Session lifecycle
	SessionState      prometheus.Gauge
	ReconnectAttempts prometheus.Counter
	GoAwayWarnings    prometheus.Counter
	InboundMessages   *prometheus.CounterVec

	// Credentials
	CredentialRefreshes prometheus.Counter
	CredentialFailures  prometheus.Counter
}

// New creates and registers all pipeline metrics with reg. Pass
// prometheus.DefaultRegisterer for the process-wide registry.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		InputsSent: factory.NewCounter(prometheus.CounterOpts{
			Name: "livelink_inputs_sent_total",
			Help: "Total number of multimodal inputs sent to the endpoint",
		}),
		InputsDropped: factory.NewCounter(prometheus.CounterOpts{
			Name: "livelink_inputs_dropped_total",
			Help: "Total number of audio-bearing inputs dropped while a response was pending",
		}),
		SendFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "livelink_send_failures_total",
			Help: "Total number of transient send failures",
		}),
		FramesOverwritten: factory.NewCounter(prometheus.CounterOpts{
			Name: "livelink_frames_overwritten_total",
			Help: "Total number of video frames replaced before pairing",
		}),
		SessionState: factory.NewGauge(prometheus.GaugeOpts{
			Name: "livelink_session_state",
			Help: "Current session state (0=idle 1=connecting 2=connected 3=reconnecting 4=closed)",
		}),
		ReconnectAttempts: factory.NewCounter(prometheus.CounterOpts{
			Name: "livelink_reconnect_attempts_total",
			Help: "Total number of reconnection attempts",
		}),
		GoAwayWarnings: factory.NewCounter(prometheus.CounterOpts{
			Name: "livelink_go_away_warnings_total",
			Help: "Total number of termination warnings received",
		}),
		InboundMessages: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "livelink_inbound_messages_total",
			Help: "Total number of inbound messages decoded",
		}, []string{"kind"}),
		CredentialRefreshes: factory.NewCounter(prometheus.CounterOpts{
			Name: "livelink_credential_refreshes_total",
			Help: "Total number of successful credential issuances",
		}),
		CredentialFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "livelink_credential_failures_total",
			Help: "Total number of failed credential issuance requests",
		}),
	}
}

// RecordInputSent increments the inputs sent counter.
func (m *Metrics) RecordInputSent() {
	if m == nil {
		return
	}
	m.InputsSent.Inc()
}

// RecordInputDropped increments the busy-drop counter.
func (m *Metrics) RecordInputDropped() {
	if m == nil {
		return
	}
	m.InputsDropped.Inc()
}

// RecordSendFailure increments the transient send failure counter.
func (m *Metrics) RecordSendFailure() {
	if m == nil {
		return
	}
	m.SendFailures.Inc()
}

// RecordFrameOverwritten increments the overwritten frame counter.
func (m *Metrics) RecordFrameOverwritten() {
	if m == nil {
		return
	}
	m.FramesOverwritten.Inc()
}

// SetSessionState records the current lifecycle state code.
func (m *Metrics) SetSessionState(code int) {
	if m == nil {
		return
	}
	m.SessionState.Set(float64(code))
}

// RecordReconnectAttempt increments the reconnect attempt counter.
func (m *Metrics) RecordReconnectAttempt() {
	if m == nil {
		return
	}
	m.ReconnectAttempts.Inc()
}

// RecordGoAway increments the termination warning counter.
func (m *Metrics) RecordGoAway() {
	if m == nil {
		return
	}
	m.GoAwayWarnings.Inc()
}

// RecordInboundMessage increments the inbound message counter for kind.
func (m *Metrics) RecordInboundMessage(kind string) {
	if m == nil {
		return
	}
	m.InboundMessages.WithLabelValues(kind).Inc()
}

// RecordCredentialRefresh increments the successful issuance counter.
func (m *Metrics) RecordCredentialRefresh() {
	if m == nil {
		return
	}
	m.CredentialRefreshes.Inc()
}

// RecordCredentialFailure increments the failed issuance counter.
func (m *Metrics) RecordCredentialFailure() {
	if m == nil {
		return
	}
	m.CredentialFailures.Inc()
}
