package session

import (
	"errors"
	"fmt"
	"time"
)

var ErrInvalidConfig = errors.New("session: invalid config")

// BackoffConfig defines retry backoff behavior.
type BackoffConfig struct {
	InitialDelay time.Duration
	Multiplier   float64
	MaxDelay     time.Duration
	Jitter       bool
}

// Config defines transport/session reliability defaults.
type Config struct {
	ConnectTimeout    time.Duration
	HandshakeTimeout  time.Duration
	WriteTimeout      time.Duration
	HeartbeatInterval time.Duration
	// HeartbeatTimeout is how long the session may go without inbound traffic.
	HeartbeatTimeout time.Duration
	Backoff          BackoffConfig
}

// DefaultConfig mirrors the gateway's STOMP client settings: 4s heartbeats both ways.
func DefaultConfig() Config {
	return Config{
		ConnectTimeout:    5 * time.Second,
		HandshakeTimeout:  5 * time.Second,
		WriteTimeout:      10 * time.Second,
		HeartbeatInterval: 4 * time.Second,
		HeartbeatTimeout:  12 * time.Second,
		Backoff: BackoffConfig{
			InitialDelay: 500 * time.Millisecond,
			Multiplier:   2.0,
			MaxDelay:     30 * time.Second,
			Jitter:       true,
		},
	}
}

// WithDefaults fills unset durations from DefaultConfig. Heartbeat fields are left
// alone so zero keeps meaning "disabled".
func (c Config) WithDefaults() Config {
	def := DefaultConfig()
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = def.ConnectTimeout
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = def.HandshakeTimeout
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = def.WriteTimeout
	}
	if c.Backoff.InitialDelay <= 0 {
		c.Backoff.InitialDelay = def.Backoff.InitialDelay
	}
	if c.Backoff.Multiplier == 0 {
		c.Backoff.Multiplier = def.Backoff.Multiplier
	}
	if c.Backoff.MaxDelay <= 0 {
		c.Backoff.MaxDelay = def.Backoff.MaxDelay
	}
	return c
}

func (c Config) Validate() error {
	if c.HeartbeatInterval < 0 || c.HeartbeatTimeout < 0 {
		return fmt.Errorf("%w: negative heartbeat", ErrInvalidConfig)
	}
	if c.HeartbeatInterval > 0 && c.HeartbeatTimeout > 0 && c.HeartbeatTimeout <= c.HeartbeatInterval {
		return fmt.Errorf("%w: heartbeat timeout %v must exceed interval %v", ErrInvalidConfig, c.HeartbeatTimeout, c.HeartbeatInterval)
	}
	if c.Backoff.Multiplier < 1.0 {
		return fmt.Errorf("%w: backoff multiplier %v < 1", ErrInvalidConfig, c.Backoff.Multiplier)
	}
	if c.Backoff.MaxDelay > 0 && c.Backoff.MaxDelay < c.Backoff.InitialDelay {
		return fmt.Errorf("%w: backoff max delay below initial delay", ErrInvalidConfig)
	}
	return nil
}
