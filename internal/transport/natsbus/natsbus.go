// Package natsbus streams topics straight from the gateway's NATS subjects.
//
// Reconnect is owned by the session manager, so connections are dialed with
// nats.NoReconnect and any disconnect ends the channel.
package natsbus

import (
	"context"
	"crypto/tls"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/danmuck/flowlearn/internal/transport"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"
)

const (
	DefaultURL  = nats.DefaultURL
	DefaultName = "flowlearn"

	defaultConnectTimeout = 5 * time.Second
	defaultFlushTimeout   = 2 * time.Second
	msgBuffer             = 1024
	frameBuffer           = 128
)

// DefaultSubjects maps the gateway topics to the subjects its service publishes on.
func DefaultSubjects() map[string]string {
	return map[string]string{
		"chat":          "chat.messages",
		"notifications": "notifications",
		"tasks":         "tasks.process",
	}
}

type Config struct {
	URL  string
	Name string
	// Subjects maps topic -> subject. Unmapped topics use the topic name as subject.
	Subjects       map[string]string
	ConnectTimeout time.Duration
	// FlushTimeout bounds one heartbeat round trip.
	FlushTimeout time.Duration
	TLS          *tls.Config
	CAFile       string
}

func (c Config) withDefaults() Config {
	if strings.TrimSpace(c.URL) == "" {
		c.URL = DefaultURL
	}
	if c.Name == "" {
		c.Name = DefaultName
	}
	if len(c.Subjects) == 0 {
		c.Subjects = DefaultSubjects()
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = defaultConnectTimeout
	}
	if c.FlushTimeout <= 0 {
		c.FlushTimeout = defaultFlushTimeout
	}
	return c
}

// Subject resolves the subject for topic.
func (c Config) Subject(topic string) string {
	if s, ok := c.Subjects[topic]; ok && strings.TrimSpace(s) != "" {
		return s
	}
	return topic
}

type Dialer struct {
	cfg Config
}

func NewDialer(cfg Config) (*Dialer, error) {
	cfg = cfg.withDefaults()
	for _, raw := range strings.Split(cfg.URL, ",") {
		raw = strings.TrimSpace(raw)
		if !strings.HasPrefix(raw, "nats://") && !strings.HasPrefix(raw, "tls://") {
			return nil, fmt.Errorf("%w: %q", transport.ErrInvalidEndpoint, raw)
		}
	}
	return &Dialer{cfg: cfg}, nil
}

func (d *Dialer) options(c *Channel) []nats.Option {
	opts := []nats.Option{
		nats.Name(d.cfg.Name),
		nats.Timeout(d.cfg.ConnectTimeout),
		nats.NoReconnect(),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err == nil {
				err = transport.ErrClosed
			}
			c.finish(err)
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			c.finish(transport.ErrClosed)
		}),
		nats.ErrorHandler(func(_ *nats.Conn, sub *nats.Subscription, err error) {
			subject := ""
			if sub != nil {
				subject = sub.Subject
			}
			log.Warn().Err(err).Str("subject", subject).Msg("natsbus.Channel.async error")
		}),
	}
	if d.cfg.TLS != nil {
		opts = append(opts, nats.Secure(d.cfg.TLS))
	}
	if d.cfg.CAFile != "" {
		opts = append(opts, nats.RootCAs(d.cfg.CAFile))
	}
	return opts
}

// Dial connects to the broker. nats.Connect is not context aware, so a connection that
// completes after ctx ends is closed in the background.
func (d *Dialer) Dial(ctx context.Context) (transport.Channel, error) {
	c := newChannel(d.cfg)
	type result struct {
		conn *nats.Conn
		err  error
	}
	done := make(chan result, 1)
	go func() {
		conn, err := nats.Connect(d.cfg.URL, d.options(c)...)
		done <- result{conn: conn, err: err}
	}()

	select {
	case res := <-done:
		if res.err != nil {
			return nil, fmt.Errorf("natsbus: connect %s: %w", d.cfg.URL, res.err)
		}
		c.attach(res.conn)
		log.Info().Str("url", res.conn.ConnectedUrlRedacted()).Str("session_id", c.id).Msg("natsbus.Dialer.connected")
		return c, nil
	case <-ctx.Done():
		go func() {
			if res := <-done; res.conn != nil {
				res.conn.Close()
			}
		}()
		return nil, ctx.Err()
	}
}

// Channel maps NATS subscriptions onto topic frames. A single pump goroutine owns the
// Frames channel.
type Channel struct {
	cfg  Config
	conn *nats.Conn
	id   string

	mu     sync.Mutex
	subs   map[string]*nats.Subscription
	topics map[*nats.Subscription]string
	err    error

	msgs     chan *nats.Msg
	pongs    chan time.Time
	flushing atomic.Bool
	frames   chan transport.Frame
	done     chan struct{}
	doneOnce sync.Once
}

func newChannel(cfg Config) *Channel {
	return &Channel{
		cfg:    cfg,
		subs:   make(map[string]*nats.Subscription),
		topics: make(map[*nats.Subscription]string),
		msgs:   make(chan *nats.Msg, msgBuffer),
		pongs:  make(chan time.Time, 1),
		frames: make(chan transport.Frame, frameBuffer),
		done:   make(chan struct{}),
	}
}

func (c *Channel) attach(conn *nats.Conn) {
	c.conn = conn
	c.id = conn.ConnectedServerId()
	if cid, err := conn.GetClientID(); err == nil {
		c.id += "-" + strconv.FormatUint(cid, 10)
	}
	go c.pump()
}

func (c *Channel) SessionID() string { return c.id }

func (c *Channel) Frames() <-chan transport.Frame { return c.frames }

func (c *Channel) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

func (c *Channel) Subscribe(topic string) error {
	topic = strings.TrimSpace(topic)
	if topic == "" {
		return transport.ErrUnknownTopic
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return transport.ErrClosed
	}
	if _, ok := c.subs[topic]; ok {
		return nil
	}
	sub, err := c.conn.ChanSubscribe(c.cfg.Subject(topic), c.msgs)
	if err != nil {
		return err
	}
	c.subs[topic] = sub
	c.topics[sub] = topic
	log.Debug().Str("topic", topic).Str("subject", sub.Subject).Msg("natsbus.Channel.subscribe")
	return nil
}

func (c *Channel) Unsubscribe(topic string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return transport.ErrClosed
	}
	sub, ok := c.subs[topic]
	if !ok {
		return fmt.Errorf("%w: %q", transport.ErrNotSubscribed, topic)
	}
	delete(c.subs, topic)
	delete(c.topics, sub)
	return sub.Unsubscribe()
}

// SendHeartbeat starts a flush round trip; the PONG arrives as a heartbeat frame. It never
// blocks the caller, and a failed flush ends the channel.
func (c *Channel) SendHeartbeat() error {
	if err := c.Err(); err != nil {
		return transport.ErrClosed
	}
	if !c.flushing.CompareAndSwap(false, true) {
		return nil
	}
	go func() {
		defer c.flushing.Store(false)
		if err := c.conn.FlushTimeout(c.cfg.FlushTimeout); err != nil {
			c.finish(fmt.Errorf("natsbus: flush: %w", err))
			c.conn.Close()
			return
		}
		select {
		case c.pongs <- time.Now():
		default:
		}
	}()
	return nil
}

func (c *Channel) Close() error {
	c.finish(transport.ErrClosed)
	if c.conn != nil {
		c.conn.Close()
	}
	return nil
}

func (c *Channel) finish(err error) {
	c.mu.Lock()
	if c.err == nil {
		c.err = err
	}
	c.mu.Unlock()
	c.doneOnce.Do(func() { close(c.done) })
}

func (c *Channel) pump() {
	defer close(c.frames)
	for {
		select {
		case <-c.done:
			return
		case msg := <-c.msgs:
			c.mu.Lock()
			topic, ok := c.topics[msg.Sub]
			c.mu.Unlock()
			if !ok {
				continue
			}
			if !c.forward(transport.Frame{Topic: topic, Body: msg.Data, ReceivedAt: time.Now()}) {
				return
			}
		case at := <-c.pongs:
			if !c.forward(transport.Frame{Heartbeat: true, ReceivedAt: at}) {
				return
			}
		}
	}
}

func (c *Channel) forward(f transport.Frame) bool {
	select {
	case c.frames <- f:
		return true
	case <-c.done:
		return false
	}
}
