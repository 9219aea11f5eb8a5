// Package stompws is the STOMP 1.2 over WebSocket transport for the gateway.
package stompws

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/danmuck/flowlearn/internal/protocol/stomp"
	"github.com/danmuck/flowlearn/internal/transport"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

const (
	DefaultURL               = "ws://localhost:8080/ws/websocket"
	DefaultDestinationPrefix = "/topic/"

	defaultHandshakeTimeout = 5 * time.Second
	defaultWriteTimeout     = 10 * time.Second
)

type Config struct {
	URL string
	// DestinationPrefix is prepended to topics to build STOMP destinations.
	DestinationPrefix string
	// Host is the STOMP virtual host; the URL host when empty.
	Host string
	// HeartbeatSend and HeartbeatExpect are offered in CONNECT.
	HeartbeatSend    time.Duration
	HeartbeatExpect  time.Duration
	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
	TLS              *tls.Config
	Header           http.Header
	Limits           stomp.Limits
}

func (c Config) withDefaults() Config {
	if strings.TrimSpace(c.URL) == "" {
		c.URL = DefaultURL
	}
	if c.DestinationPrefix == "" {
		c.DestinationPrefix = DefaultDestinationPrefix
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = defaultHandshakeTimeout
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = defaultWriteTimeout
	}
	if c.Limits.MaxFrameBytes <= 0 && c.Limits.MaxHeaders <= 0 {
		c.Limits = stomp.DefaultLimits()
	}
	return c
}

type Dialer struct {
	cfg  Config
	url  string
	host string
	ws   *websocket.Dialer
}

// NewDialer validates cfg. http and https URLs are mapped to ws and wss.
func NewDialer(cfg Config) (*Dialer, error) {
	cfg = cfg.withDefaults()
	u, err := url.Parse(strings.TrimSpace(cfg.URL))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", transport.ErrInvalidEndpoint, err)
	}
	switch u.Scheme {
	case "ws", "wss":
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return nil, fmt.Errorf("%w: scheme %q", transport.ErrInvalidEndpoint, u.Scheme)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("%w: missing host in %q", transport.ErrInvalidEndpoint, cfg.URL)
	}
	host := cfg.Host
	if host == "" {
		host = u.Hostname()
	}
	return &Dialer{
		cfg:  cfg,
		url:  u.String(),
		host: host,
		ws: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: cfg.HandshakeTimeout,
			TLSClientConfig:  cfg.TLS,
		},
	}, nil
}

// Dial opens the socket and completes the CONNECT/CONNECTED exchange. ctx bounds the
// whole attempt.
func (d *Dialer) Dial(ctx context.Context) (transport.Channel, error) {
	conn, resp, err := d.ws.DialContext(ctx, d.url, d.cfg.Header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("%w: websocket upgrade status %d: %v", transport.ErrHandshake, resp.StatusCode, err)
		}
		return nil, err
	}
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	send, expect, session, err := d.handshake(ctx, conn)
	if !stop() {
		return nil, ctx.Err()
	}
	if err != nil {
		_ = conn.Close()
		return nil, err
	}

	ch := newChannel(conn, d.cfg, session, send, expect)
	go ch.readPump()
	log.Info().
		Str("url", d.url).
		Str("session_id", session).
		Dur("heartbeat_send", send).
		Dur("heartbeat_expect", expect).
		Msg("stompws.Dialer.connected")
	return ch, nil
}

func (d *Dialer) handshake(ctx context.Context, conn *websocket.Conn) (send, expect time.Duration, session string, err error) {
	deadline := time.Now().Add(d.cfg.HandshakeTimeout)
	if dl, ok := ctx.Deadline(); ok && dl.Before(deadline) {
		deadline = dl
	}

	connect := stomp.NewFrame(stomp.CmdConnect,
		stomp.HdrAcceptVersion, "1.2",
		stomp.HdrHost, d.host,
		stomp.HdrHeartBeat, stomp.FormatHeartBeat(d.cfg.HeartbeatSend, d.cfg.HeartbeatExpect),
	)
	raw, err := stomp.Encode(connect)
	if err != nil {
		return 0, 0, "", err
	}
	_ = conn.SetWriteDeadline(deadline)
	if err := conn.WriteMessage(websocket.TextMessage, raw); err != nil {
		return 0, 0, "", fmt.Errorf("%w: write CONNECT: %v", transport.ErrHandshake, err)
	}

	conn.SetReadLimit(int64(d.cfg.Limits.MaxFrameBytes))
	_ = conn.SetReadDeadline(deadline)
	defer func() { _ = conn.SetReadDeadline(time.Time{}) }()
	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return 0, 0, "", fmt.Errorf("%w: read CONNECTED: %v", transport.ErrHandshake, err)
		}
		frames, err := stomp.Decode(msg, d.cfg.Limits)
		if err != nil {
			return 0, 0, "", fmt.Errorf("%w: %v", transport.ErrHandshake, err)
		}
		if len(frames) == 0 {
			continue
		}
		f := frames[0]
		switch f.Command {
		case stomp.CmdConnected:
		case stomp.CmdError:
			return 0, 0, "", remoteError(f)
		default:
			return 0, 0, "", fmt.Errorf("%w: unexpected %s", transport.ErrHandshake, f.Command)
		}
		if v, ok := f.Get(stomp.HdrVersion); ok && v != "1.2" {
			return 0, 0, "", fmt.Errorf("%w: server version %q", transport.ErrHandshake, v)
		}
		var serverSend, serverExpect time.Duration
		if hb, ok := f.Get(stomp.HdrHeartBeat); ok {
			serverSend, serverExpect, err = stomp.ParseHeartBeat(hb)
			if err != nil {
				return 0, 0, "", fmt.Errorf("%w: %v", transport.ErrHandshake, err)
			}
		}
		send, expect = stomp.NegotiateHeartBeat(d.cfg.HeartbeatSend, d.cfg.HeartbeatExpect, serverSend, serverExpect)
		session, _ = f.Get(stomp.HdrSession)
		return send, expect, session, nil
	}
}

func remoteError(f stomp.Frame) error {
	msg, _ := f.Get(stomp.HdrMessage)
	if body := strings.TrimSpace(string(f.Body)); body != "" {
		if msg != "" {
			msg += ": "
		}
		msg += body
	}
	if msg == "" {
		return transport.ErrRemote
	}
	return fmt.Errorf("%w: %s", transport.ErrRemote, msg)
}

// IsClose reports whether err is a normal websocket close.
func IsClose(err error) bool {
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		return ce.Code == websocket.CloseNormalClosure || ce.Code == websocket.CloseGoingAway
	}
	return false
}
