// Package session owns the lifecycle of one realtime connection: credential
// rotation, bounded reconnection with resumption, termination warnings, and
// the busy send gate. External callers only ever Send and consume Events;
// the connection and credential are never exposed.
package session

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/solara-ai/livelink/pkg/clock"
	"github.com/solara-ai/livelink/pkg/credential"
	"github.com/solara-ai/livelink/pkg/media"
	"github.com/solara-ai/livelink/pkg/metrics"
	"github.com/solara-ai/livelink/pkg/protocol"
)

// Manager is the session lifecycle state machine. All transitions happen
// under one mutex; timers and the connection read loop re-enter through it.
type Manager struct {
	cfg     Config
	dialer  Dialer
	creds   *credential.Store
	clock   clock.Clock
	logger  *slog.Logger
	metrics *metrics.Metrics

	events chan Event

	mu           sync.Mutex
	state        State
	busy         bool
	conn         Conn
	connGen      int
	resumeHandle string
	attempt      int
	lastActivity time.Time
	goAwayTimer  clock.Timer
	backoffTimer clock.Timer
	fatalSent    bool
	stopped      bool

	runCtx    context.Context
	runCancel context.CancelFunc
}

// New creates a Manager. clk, logger and m may be nil; real clock, the
// default logger and no instrumentation are used respectively.
func New(cfg Config, dialer Dialer, creds *credential.Store, clk clock.Clock, logger *slog.Logger, m *metrics.Metrics) *Manager {
	cfg = cfg.withDefaults()
	if clk == nil {
		clk = clock.Real()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		cfg:     cfg,
		dialer:  dialer,
		creds:   creds,
		clock:   clk,
		logger:  logger,
		metrics: m,
		state:   StateIdle,
		events:  make(chan Event, cfg.EventBuffer),
	}
}

// Events yields lifecycle notifications. The channel is never closed; a
// ClosedEvent is the final event a manager emits.
func (m *Manager) Events() <-chan Event {
	return m.events
}

// State returns the current lifecycle state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Busy reports whether an audio-bearing send is awaiting its response.
func (m *Manager) Busy() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.busy
}

// ResumptionHandle returns the stored resumption handle, empty when the
// endpoint has not offered one.
func (m *Manager) ResumptionHandle() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.resumeHandle
}

// Start begins connecting. Valid only in Idle.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.state != StateIdle {
		m.mu.Unlock()
		return NewInvalidStateError("start requires an idle manager")
	}
	m.runCtx, m.runCancel = context.WithCancel(ctx)
	m.setStateLocked(StateConnecting)
	gen := m.nextGenLocked()
	m.mu.Unlock()

	go m.monitorLoop()
	go m.connect(gen)
	return nil
}

// Send transmits one multimodal input. Only valid in Connected. While a
// prior audio-bearing send's response is pending, new audio-bearing inputs
// are dropped without error; video-only inputs pass through.
func (m *Manager) Send(input media.Input) error {
	m.mu.Lock()
	if m.state != StateConnected || m.conn == nil {
		m.mu.Unlock()
		return NewInvalidStateError("send requires a connected session")
	}
	audio := input.AudioBearing()
	if audio && m.busy {
		m.mu.Unlock()
		m.metrics.RecordInputDropped()
		m.logger.Debug("response pending, dropping audio-bearing input")
		return nil
	}
	conn := m.conn
	gen := m.connGen
	if audio {
		m.busy = true
	}
	m.mu.Unlock()

	if err := conn.Send(input); err != nil {
		m.mu.Lock()
		if audio && gen == m.connGen {
			m.busy = false
		}
		m.mu.Unlock()
		m.metrics.RecordSendFailure()
		m.logger.Warn("send failed", "error", err)
		return NewSendFailedError(err)
	}
	m.metrics.RecordInputSent()
	return nil
}

// Stop closes the session. Idempotent; safe in any state. No fatal event is
// emitted for an explicit stop.
func (m *Manager) Stop() {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return
	}
	m.stopped = true
	conn := m.closeLocked(nil)
	m.mu.Unlock()
	if conn != nil {
		_ = conn.Close()
	}
}

// connect runs one dial attempt for generation gen.
func (m *Manager) connect(gen int) {
	cred, err := m.creds.EnsureValid(m.runCtx)
	if err != nil {
		m.connectFailed(gen, NewCredentialUnavailableError("no valid credential", err))
		return
	}

	m.mu.Lock()
	if m.stopped || gen != m.connGen {
		m.mu.Unlock()
		return
	}
	handle := m.resumeHandle
	m.mu.Unlock()

	dialCtx, cancel := context.WithTimeout(m.runCtx, m.cfg.DialTimeout)
	conn, err := m.dialer.Dial(dialCtx, cred, handle)
	cancel()
	if err != nil {
		if IsAuthRejected(err) {
			// The endpoint refused this token; retrying with it would fail the
			// same way. Force a fresh issuance on the next attempt.
			m.creds.Invalidate()
		}
		m.connectFailed(gen, err)
		return
	}

	m.mu.Lock()
	if m.stopped || gen != m.connGen {
		m.mu.Unlock()
		_ = conn.Close()
		return
	}
	m.conn = conn
	m.attempt = 0
	m.busy = false
	m.lastActivity = m.clock.Now()
	m.setStateLocked(StateConnected)
	m.emit(ConnectedEvent{Resumed: handle != ""})
	m.mu.Unlock()

	m.logger.Info("session connected", "resumed", handle != "")
	go m.readLoop(gen, conn)
}

func (m *Manager) connectFailed(gen int, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stopped || gen != m.connGen {
		return
	}
	m.logger.Warn("connect attempt failed", "error", err)
	m.scheduleReconnectLocked(err)
}

// scheduleReconnectLocked moves toward the next connect attempt, or to
// Closed once the attempt cap is exceeded. Callers must hold mu.
func (m *Manager) scheduleReconnectLocked(cause error) {
	m.busy = false
	m.conn = nil
	m.stopGoAwayTimerLocked()

	m.attempt++
	if m.attempt > m.cfg.Reconnect.MaxAttempts {
		m.logger.Error("reconnect attempts exhausted", "attempts", m.cfg.Reconnect.MaxAttempts, "cause", cause)
		if conn := m.closeLocked(NewReconnectExhaustedError(m.cfg.Reconnect.MaxAttempts, cause)); conn != nil {
			go conn.Close()
		}
		return
	}

	m.metrics.RecordReconnectAttempt()
	delay := m.cfg.Reconnect.BaseDelay * time.Duration(m.attempt)
	m.setStateLocked(StateReconnecting)
	m.emit(ReconnectingEvent{Attempt: m.attempt, Delay: delay, Cause: cause})
	m.logger.Info("reconnecting", "attempt", m.attempt, "delay", delay)

	gen := m.nextGenLocked()
	m.backoffTimer = m.clock.AfterFunc(delay, func() {
		m.mu.Lock()
		if m.stopped || gen != m.connGen {
			m.mu.Unlock()
			return
		}
		m.setStateLocked(StateConnecting)
		m.mu.Unlock()
		m.connect(gen)
	})
}

func (m *Manager) readLoop(gen int, conn Conn) {
	for msg := range conn.Messages() {
		m.handleMessage(gen, msg)
	}
	m.handleDisconnect(gen, conn.Err())
}

func (m *Manager) handleMessage(gen int, msg protocol.ServerMessage) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stopped || gen != m.connGen {
		return
	}
	m.lastActivity = m.clock.Now()
	m.metrics.RecordInboundMessage(msg.Kind())

	if ru := msg.ResumptionUpdate; ru != nil && ru.Resumable && ru.NewHandle != "" {
		m.resumeHandle = ru.NewHandle
		m.logger.Debug("resumption handle updated")
	}
	if msg.GenerationComplete {
		m.busy = false
	}
	if ga := msg.GoAway; ga != nil {
		m.metrics.RecordGoAway()
		m.scheduleGoAwayLocked(gen, ga.TimeLeft())
	}
	if msg.Audio != nil || msg.GenerationComplete {
		m.emit(MessageEvent{Message: msg})
	}
}

// scheduleGoAwayLocked arms a proactive reconnect ahead of the endpoint's
// termination deadline instead of waiting for the hard close.
func (m *Manager) scheduleGoAwayLocked(gen int, timeLeft time.Duration) {
	wait := timeLeft - m.cfg.GoAwaySafetyMargin
	if wait < 0 {
		wait = 0
	}
	m.stopGoAwayTimerLocked()
	m.emit(GoAwayEvent{TimeLeft: timeLeft, ReconnectAt: m.clock.Now().Add(wait)})
	m.logger.Info("termination warning received", "time_left", timeLeft, "reconnect_in", wait)

	m.goAwayTimer = m.clock.AfterFunc(wait, func() {
		m.mu.Lock()
		if m.stopped || gen != m.connGen || m.state != StateConnected {
			m.mu.Unlock()
			return
		}
		conn := m.conn
		m.scheduleReconnectLocked(NewConnectionLostError("endpoint is going away", nil))
		m.mu.Unlock()
		if conn != nil {
			_ = conn.Close()
		}
	})
}

func (m *Manager) handleDisconnect(gen int, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stopped || gen != m.connGen || m.state == StateClosed {
		return
	}
	m.logger.Warn("connection lost", "error", err)
	m.scheduleReconnectLocked(NewConnectionLostError("connection closed", err))
}

// monitorLoop is the dead-connection detector: a silent Connected session
// past the inactivity threshold is reconnected even though no close or error
// event ever fired.
func (m *Manager) monitorLoop() {
	ticker := m.clock.NewTicker(m.cfg.Health.CheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-m.runCtx.Done():
			return
		case <-ticker.C():
			m.checkHealth()
		}
	}
}

func (m *Manager) checkHealth() {
	m.mu.Lock()
	if m.stopped || m.state != StateConnected {
		m.mu.Unlock()
		return
	}
	idle := m.clock.Now().Sub(m.lastActivity)
	if idle <= m.cfg.Health.InactivityThreshold {
		m.mu.Unlock()
		return
	}
	m.logger.Warn("connection inactive, forcing reconnect", "idle", idle)
	conn := m.conn
	m.scheduleReconnectLocked(NewConnectionLostError("inactivity threshold exceeded", nil))
	m.mu.Unlock()
	if conn != nil {
		_ = conn.Close()
	}
}

// closeLocked releases everything and moves to Closed. Returns the current
// connection, which the caller must close outside the lock. Callers must
// hold mu.
func (m *Manager) closeLocked(reason error) Conn {
	if m.state == StateClosed {
		return nil
	}
	m.stopGoAwayTimerLocked()
	if m.backoffTimer != nil {
		m.backoffTimer.Stop()
		m.backoffTimer = nil
	}
	conn := m.conn
	m.conn = nil
	m.connGen++
	m.busy = false
	m.resumeHandle = ""
	if m.creds != nil {
		m.creds.Invalidate()
	}
	if m.runCancel != nil {
		m.runCancel()
	}
	m.setStateLocked(StateClosed)
	if reason != nil && !m.fatalSent {
		m.fatalSent = true
		m.emit(FatalEvent{Err: reason})
	}
	m.emit(ClosedEvent{Reason: reason})
	return conn
}

func (m *Manager) stopGoAwayTimerLocked() {
	if m.goAwayTimer != nil {
		m.goAwayTimer.Stop()
		m.goAwayTimer = nil
	}
}

func (m *Manager) setStateLocked(next State) {
	if m.state == next {
		return
	}
	prev := m.state
	m.state = next
	m.metrics.SetSessionState(next.Code())
	m.emit(StateChangedEvent{From: prev, To: next})
}

func (m *Manager) nextGenLocked() int {
	m.connGen++
	return m.connGen
}

// emit never blocks; lifecycle progress must not depend on event consumers.
func (m *Manager) emit(event Event) {
	select {
	case m.events <- event:
	default:
	}
}
