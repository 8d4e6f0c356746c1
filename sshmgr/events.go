package sshmgr

import (
	"time"

	"github.com/google/uuid"

	"ztalkd/bus"
)

// State is a connection lifecycle state.
type State string

// Connection lifecycle states.
const (
	StateIdle          State = "idle"
	StateConnecting    State = "connecting"
	StateConnected     State = "connected"
	StateDisconnecting State = "disconnecting"
	StateDisconnected  State = "disconnected"
	StateError         State = "error"
)

// ErrorReason classifies why a connection entered StateError.
type ErrorReason string

// Error reasons.
const (
	ReasonNone                 ErrorReason = ""
	ReasonAuthenticationFailed ErrorReason = "authentication_failed"
	ReasonConnectionLost       ErrorReason = "connection_lost"
	ReasonTimeout              ErrorReason = "timeout"
)

// Output stream identifiers carried on chunks.
const (
	StreamStdout = "stdout"
	StreamStderr = "stderr"
	StreamExit   = "exit"
)

// ConnectionStateChanged is published on every state transition.
type ConnectionStateChanged struct {
	ConnectionID uuid.UUID
	Previous     State
	State        State
	Reason       ErrorReason
	Err          error
}

// EventKind implements bus.Event.
func (ConnectionStateChanged) EventKind() bus.Kind { return bus.KindConnectionStateChanged }

// OutputChunk is one piece of command output in arrival order.
type OutputChunk struct {
	ConnectionID uuid.UUID
	Stream       string
	Data         []byte
	At           time.Time
}

// OutputReceived is published for every chunk streamed from a command.
type OutputReceived struct{ Chunk OutputChunk }

// EventKind implements bus.Event.
func (OutputReceived) EventKind() bus.Kind { return bus.KindOutputReceived }

// ConnectionInfo is an observer-safe snapshot of one connection. The
// password never appears here.
type ConnectionInfo struct {
	ID           uuid.UUID
	Host         string
	Port         int
	Username     string
	State        State
	Reason       ErrorReason
	LastError    string
	LastActivity time.Time
	History      []string
	Output       []OutputChunk
}
