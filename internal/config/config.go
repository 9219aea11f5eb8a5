// Package config loads the client's TOML configuration.
package config

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/danmuck/flowlearn/internal/feed"
	"github.com/danmuck/flowlearn/internal/protocol/session"
	"github.com/danmuck/flowlearn/internal/transport"
	"github.com/danmuck/flowlearn/internal/transport/natsbus"
	"github.com/danmuck/flowlearn/internal/transport/stompws"
)

const (
	TransportStomp = "stomp"
	TransportNATS  = "nats"

	EnvPath = "FLOWLEARN_CONFIG"

	DefaultHTTPURL   = "http://localhost:8080"
	DefaultStreamURL = stompws.DefaultURL
)

var ErrInvalid = errors.New("config: invalid")

type GatewayConfig struct {
	HTTPURL           string
	StreamURL         string
	DestinationPrefix string
}

type NATSConfig struct {
	URL      string
	Name     string
	Subjects map[string]string
}

type TLSConfig struct {
	Enabled            bool
	CAFile             string
	ServerName         string
	InsecureSkipVerify bool
}

type Config struct {
	Username     string
	Topics       []string
	Transport    string
	FeedCapacity int
	// StatusAddr enables the status server when non-empty.
	StatusAddr string
	Gateway    GatewayConfig
	NATS       NATSConfig
	Session    session.Config
	TLS        TLSConfig
}

func Default() Config {
	return Config{
		Topics:       feed.DefaultTopics(),
		Transport:    TransportStomp,
		FeedCapacity: feed.DefaultCapacity,
		Gateway: GatewayConfig{
			HTTPURL:           DefaultHTTPURL,
			StreamURL:         DefaultStreamURL,
			DestinationPrefix: stompws.DefaultDestinationPrefix,
		},
		NATS: NATSConfig{
			URL:      natsbus.DefaultURL,
			Name:     natsbus.DefaultName,
			Subjects: natsbus.DefaultSubjects(),
		},
		Session: session.DefaultConfig(),
	}
}

type fileConfig struct {
	Username     string      `toml:"username"`
	Topics       []string    `toml:"topics"`
	Transport    string      `toml:"transport"`
	FeedCapacity int         `toml:"feed_capacity"`
	StatusAddr   string      `toml:"status_addr"`
	Gateway      fileGateway `toml:"gateway"`
	NATS         fileNATS    `toml:"nats"`
	Session      fileSession `toml:"session"`
	TLS          fileTLS     `toml:"tls"`
}

type fileGateway struct {
	HTTPURL           string `toml:"http_url"`
	StreamURL         string `toml:"stream_url"`
	DestinationPrefix string `toml:"destination_prefix"`
}

type fileNATS struct {
	URL      string            `toml:"url"`
	Name     string            `toml:"name"`
	Subjects map[string]string `toml:"subjects"`
}

type fileSession struct {
	ConnectTimeout    string      `toml:"connect_timeout"`
	HandshakeTimeout  string      `toml:"handshake_timeout"`
	HeartbeatInterval string      `toml:"heartbeat_interval"`
	HeartbeatTimeout  string      `toml:"heartbeat_timeout"`
	WriteTimeout      string      `toml:"write_timeout"`
	Backoff           fileBackoff `toml:"backoff"`
}

type fileBackoff struct {
	InitialDelay string  `toml:"initial_delay"`
	Multiplier   float64 `toml:"multiplier"`
	MaxDelay     string  `toml:"max_delay"`
	Jitter       bool    `toml:"jitter"`
}

type fileTLS struct {
	Enabled            bool   `toml:"enabled"`
	CAFile             string `toml:"ca_file"`
	ServerName         string `toml:"server_name"`
	InsecureSkipVerify bool   `toml:"insecure_skip_verify"`
}

// Load decodes path over Default and validates the result. Keys absent from the file
// keep their defaults.
func Load(path string) (Config, error) {
	cfg := Default()

	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return Config{}, fmt.Errorf("load config: %w", err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return Config{}, fmt.Errorf("%w: unknown key %q", ErrInvalid, undecoded[0].String())
	}

	if meta.IsDefined("username") {
		cfg.Username = strings.TrimSpace(raw.Username)
	}
	if meta.IsDefined("topics") {
		cfg.Topics = normalizeTopics(raw.Topics)
	}
	if meta.IsDefined("transport") {
		cfg.Transport = strings.ToLower(strings.TrimSpace(raw.Transport))
	}
	if meta.IsDefined("feed_capacity") {
		cfg.FeedCapacity = raw.FeedCapacity
	}
	if meta.IsDefined("status_addr") {
		cfg.StatusAddr = strings.TrimSpace(raw.StatusAddr)
	}

	if meta.IsDefined("gateway", "http_url") {
		cfg.Gateway.HTTPURL = strings.TrimSpace(raw.Gateway.HTTPURL)
	}
	if meta.IsDefined("gateway", "stream_url") {
		cfg.Gateway.StreamURL = strings.TrimSpace(raw.Gateway.StreamURL)
	}
	if meta.IsDefined("gateway", "destination_prefix") {
		cfg.Gateway.DestinationPrefix = strings.TrimSpace(raw.Gateway.DestinationPrefix)
	}

	if meta.IsDefined("nats", "url") {
		cfg.NATS.URL = strings.TrimSpace(raw.NATS.URL)
	}
	if meta.IsDefined("nats", "name") {
		cfg.NATS.Name = strings.TrimSpace(raw.NATS.Name)
	}
	if meta.IsDefined("nats", "subjects") {
		for topic, subject := range raw.NATS.Subjects {
			cfg.NATS.Subjects[strings.TrimSpace(topic)] = strings.TrimSpace(subject)
		}
	}

	durations := []struct {
		key string
		raw string
		dst *time.Duration
	}{
		{"connect_timeout", raw.Session.ConnectTimeout, &cfg.Session.ConnectTimeout},
		{"handshake_timeout", raw.Session.HandshakeTimeout, &cfg.Session.HandshakeTimeout},
		{"heartbeat_interval", raw.Session.HeartbeatInterval, &cfg.Session.HeartbeatInterval},
		{"heartbeat_timeout", raw.Session.HeartbeatTimeout, &cfg.Session.HeartbeatTimeout},
		{"write_timeout", raw.Session.WriteTimeout, &cfg.Session.WriteTimeout},
	}
	for _, d := range durations {
		if !meta.IsDefined("session", d.key) {
			continue
		}
		v, err := parseDuration(d.raw)
		if err != nil {
			return Config{}, fmt.Errorf("parse session.%s: %w", d.key, err)
		}
		*d.dst = v
	}
	if meta.IsDefined("session", "backoff", "initial_delay") {
		v, err := parseDuration(raw.Session.Backoff.InitialDelay)
		if err != nil {
			return Config{}, fmt.Errorf("parse session.backoff.initial_delay: %w", err)
		}
		cfg.Session.Backoff.InitialDelay = v
	}
	if meta.IsDefined("session", "backoff", "max_delay") {
		v, err := parseDuration(raw.Session.Backoff.MaxDelay)
		if err != nil {
			return Config{}, fmt.Errorf("parse session.backoff.max_delay: %w", err)
		}
		cfg.Session.Backoff.MaxDelay = v
	}
	if meta.IsDefined("session", "backoff", "multiplier") {
		cfg.Session.Backoff.Multiplier = raw.Session.Backoff.Multiplier
	}
	if meta.IsDefined("session", "backoff", "jitter") {
		cfg.Session.Backoff.Jitter = raw.Session.Backoff.Jitter
	}

	if meta.IsDefined("tls") {
		cfg.TLS = TLSConfig{
			Enabled:            raw.TLS.Enabled,
			CAFile:             strings.TrimSpace(raw.TLS.CAFile),
			ServerName:         strings.TrimSpace(raw.TLS.ServerName),
			InsecureSkipVerify: raw.TLS.InsecureSkipVerify,
		}
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// ResolvePath returns explicit, then $FLOWLEARN_CONFIG, then "".
func ResolvePath(explicit string) string {
	if p := strings.TrimSpace(explicit); p != "" {
		return p
	}
	return strings.TrimSpace(os.Getenv(EnvPath))
}

func (c Config) Validate() error {
	if len(c.Topics) == 0 {
		return fmt.Errorf("%w: missing topics", ErrInvalid)
	}
	switch c.Transport {
	case TransportStomp:
		if c.Gateway.StreamURL == "" {
			return fmt.Errorf("%w: missing gateway.stream_url", ErrInvalid)
		}
	case TransportNATS:
		if c.NATS.URL == "" {
			return fmt.Errorf("%w: missing nats.url", ErrInvalid)
		}
	default:
		return fmt.Errorf("%w: unknown transport %q", ErrInvalid, c.Transport)
	}
	if c.Gateway.HTTPURL == "" {
		return fmt.Errorf("%w: missing gateway.http_url", ErrInvalid)
	}
	if c.FeedCapacity < 0 {
		return fmt.Errorf("%w: negative feed_capacity", ErrInvalid)
	}
	if c.TLS.Enabled && c.TLS.CAFile != "" {
		if _, err := os.Stat(c.TLS.CAFile); err != nil {
			return fmt.Errorf("%w: tls.ca_file: %v", ErrInvalid, err)
		}
	}
	if err := c.Session.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	return nil
}

// ClientTLS builds the TLS client config, or nil when TLS is disabled.
func (c Config) ClientTLS() (*tls.Config, error) {
	if !c.TLS.Enabled {
		return nil, nil
	}
	out := &tls.Config{
		MinVersion:         tls.VersionTLS12,
		ServerName:         c.TLS.ServerName,
		InsecureSkipVerify: c.TLS.InsecureSkipVerify,
	}
	if c.TLS.CAFile != "" {
		pem, err := os.ReadFile(c.TLS.CAFile)
		if err != nil {
			return nil, fmt.Errorf("read tls.ca_file: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("%w: tls.ca_file has no certificates", ErrInvalid)
		}
		out.RootCAs = pool
	}
	return out, nil
}

// StreamDialer builds the dialer for the configured transport.
func (c Config) StreamDialer() (transport.Dialer, error) {
	tlsCfg, err := c.ClientTLS()
	if err != nil {
		return nil, err
	}
	switch c.Transport {
	case TransportNATS:
		d, err := natsbus.NewDialer(natsbus.Config{
			URL:            c.NATS.URL,
			Name:           c.NATS.Name,
			Subjects:       c.NATS.Subjects,
			ConnectTimeout: c.Session.ConnectTimeout,
			FlushTimeout:   c.Session.WriteTimeout,
			TLS:            tlsCfg,
		})
		if err != nil {
			return nil, err
		}
		return d, nil
	default:
		d, err := stompws.NewDialer(stompws.Config{
			URL:               c.Gateway.StreamURL,
			DestinationPrefix: c.Gateway.DestinationPrefix,
			HeartbeatSend:     c.Session.HeartbeatInterval,
			HeartbeatExpect:   c.Session.HeartbeatInterval,
			HandshakeTimeout:  c.Session.HandshakeTimeout,
			WriteTimeout:      c.Session.WriteTimeout,
			TLS:               tlsCfg,
		})
		if err != nil {
			return nil, err
		}
		return d, nil
	}
}

func parseDuration(raw string) (time.Duration, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" || raw == "0" {
		return 0, nil
	}
	return time.ParseDuration(raw)
}

func normalizeTopics(in []string) []string {
	out := make([]string, 0, len(in))
	seen := make(map[string]struct{}, len(in))
	for _, topic := range in {
		v := strings.TrimSpace(topic)
		if v == "" {
			continue
		}
		if _, dup := seen[v]; dup {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}
