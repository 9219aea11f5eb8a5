// Package transport defines the streaming channel contract the session manager drives.
//
// A Dialer produces one Channel per connect attempt. A Channel is owned by exactly one
// session; once Frames is closed the channel is dead and Err reports why.
package transport

import (
	"context"
	"errors"
	"time"
)

var (
	ErrClosed          = errors.New("transport: channel closed")
	ErrHandshake       = errors.New("transport: handshake failed")
	ErrRemote          = errors.New("transport: remote error")
	ErrUnknownTopic    = errors.New("transport: topic has no destination")
	ErrNotSubscribed   = errors.New("transport: topic not subscribed")
	ErrInvalidEndpoint = errors.New("transport: invalid endpoint")
)

// Frame is one inbound unit from the gateway, already addressed to a topic.
type Frame struct {
	Topic      string
	Body       []byte
	Heartbeat  bool
	ReceivedAt time.Time
}

// Channel is a single live bidirectional stream to the gateway.
type Channel interface {
	SessionID() string
	Subscribe(topic string) error
	Unsubscribe(topic string) error
	SendHeartbeat() error
	// Frames delivers inbound frames in transport order. It is closed when the channel
	// fails or is closed.
	Frames() <-chan Frame
	// Err is the reason Frames was closed; nil while the channel is live.
	Err() error
	Close() error
}

// Dialer opens and handshakes a new Channel.
type Dialer interface {
	Dial(ctx context.Context) (Channel, error)
}

// HeartbeatNegotiator is implemented by channels whose handshake negotiates heartbeat
// intervals. A zero value disables that direction.
type HeartbeatNegotiator interface {
	HeartbeatIntervals() (send, expect time.Duration)
}

// DialerFunc adapts a function to Dialer.
type DialerFunc func(ctx context.Context) (Channel, error)

func (f DialerFunc) Dial(ctx context.Context) (Channel, error) {
	return f(ctx)
}
