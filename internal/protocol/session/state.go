package session

import (
	"errors"
	"fmt"
)

var (
	ErrHeartbeatTimeout = errors.New("session: heartbeat timeout")
	ErrAlreadyRunning   = errors.New("session: manager already running")
	ErrNotRunning       = errors.New("session: manager not running")
)

type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateClosing
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateClosing:
		return "closing"
	default:
		return "unknown"
	}
}

// Session is a snapshot of the live session. ID is empty until the transport assigns one.
type Session struct {
	ID        string
	State     State
	LastError error
}

// TransportError is a connect, handshake, read or heartbeat failure. It always leads to
// a reconnect.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("session: transport %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}
