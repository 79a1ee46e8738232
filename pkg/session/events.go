package session

import (
	"time"

	"github.com/solara-ai/livelink/pkg/protocol"
)

// Event is a lifecycle notification emitted by Manager.Events(). Callers see
// state transitions and application-level messages; retry-internal churn
// stays inside the manager.
type Event interface {
	eventType() string
}

// StateChangedEvent reports a lifecycle transition.
type StateChangedEvent struct {
	From State
	To   State
}

func (e StateChangedEvent) eventType() string { return "state_changed" }

// ConnectedEvent reports a successfully opened connection.
type ConnectedEvent struct {
	Resumed bool
}

func (e ConnectedEvent) eventType() string { return "connected" }

// ReconnectingEvent reports one scheduled reconnection attempt.
type ReconnectingEvent struct {
	Attempt int
	Delay   time.Duration
	Cause   error
}

func (e ReconnectingEvent) eventType() string { return "reconnecting" }

// GoAwayEvent reports a termination warning from the endpoint.
type GoAwayEvent struct {
	TimeLeft    time.Duration
	ReconnectAt time.Time
}

func (e GoAwayEvent) eventType() string { return "go_away" }

// MessageEvent surfaces one application-level inbound message.
type MessageEvent struct {
	Message protocol.ServerMessage
}

func (e MessageEvent) eventType() string { return "message" }

// FatalEvent reports the single terminal failure of a session. At most one
// is emitted per manager.
type FatalEvent struct {
	Err error
}

func (e FatalEvent) eventType() string { return "fatal" }

// ClosedEvent reports that the manager reached its terminal state. Reason is
// nil on explicit stop.
type ClosedEvent struct {
	Reason error
}

func (e ClosedEvent) eventType() string { return "closed" }
