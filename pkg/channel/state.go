package channel

import "weatherdash/pkg/proto"

// Phase is the connection lifecycle stage.
type Phase int

const (
	PhaseIdle Phase = iota
	PhaseConnecting
	PhaseOpen
	PhaseClosed
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseConnecting:
		return "connecting"
	case PhaseOpen:
		return "open"
	case PhaseClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// ConnectionState is what consumers poll. Error is empty when there is no
// last known failure.
type ConnectionState struct {
	Connected    bool
	Error        string
	Reconnecting bool
}

// Messages stored in ConnectionState.Error.
const (
	MsgInitFailed      = "Failed to initialize connection"
	MsgTransportError  = "WebSocket connection error"
	MsgReconnectFailed = "Failed to reconnect after multiple attempts"
)

// Local events emitted by the client itself, never read from the wire.
const (
	EventConnection   proto.EventName = "connection"
	EventError        proto.EventName = "error"
	EventReconnecting proto.EventName = "reconnecting"
)

// ConnectionEvent is emitted on every open and every close.
type ConnectionEvent struct {
	Connected bool
	Reason    string
}

// ErrorEvent reports a transport error. It does not by itself mean the
// connection is gone; a ConnectionEvent follows if it is.
type ErrorEvent struct {
	Message string
}

// ReconnectingEvent is emitted when a reconnect timer is scheduled.
type ReconnectingEvent struct {
	AttemptNumber int
}

func (ConnectionEvent) EventName() proto.EventName   { return EventConnection }
func (ErrorEvent) EventName() proto.EventName        { return EventError }
func (ReconnectingEvent) EventName() proto.EventName { return EventReconnecting }
