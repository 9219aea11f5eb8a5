package stompws

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/danmuck/flowlearn/internal/protocol/stomp"
	"github.com/danmuck/flowlearn/internal/transport"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

const frameBuffer = 128

// Channel is one STOMP session. Writes are serialized; a single read pump feeds Frames.
type Channel struct {
	conn    *websocket.Conn
	cfg     Config
	session string
	send    time.Duration
	expect  time.Duration

	writeMu sync.Mutex

	mu     sync.Mutex
	subs   map[string]string // topic -> subscription id
	topics map[string]string // subscription id -> topic
	nextID int
	closed bool
	err    error

	frames   chan transport.Frame
	done     chan struct{}
	doneOnce sync.Once
}

func newChannel(conn *websocket.Conn, cfg Config, session string, send, expect time.Duration) *Channel {
	return &Channel{
		conn:    conn,
		cfg:     cfg,
		session: session,
		send:    send,
		expect:  expect,
		subs:    make(map[string]string),
		topics:  make(map[string]string),
		frames:  make(chan transport.Frame, frameBuffer),
		done:    make(chan struct{}),
	}
}

func (c *Channel) SessionID() string { return c.session }

func (c *Channel) HeartbeatIntervals() (send, expect time.Duration) {
	return c.send, c.expect
}

func (c *Channel) Frames() <-chan transport.Frame { return c.frames }

func (c *Channel) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Subscribe is idempotent per topic.
func (c *Channel) Subscribe(topic string) error {
	topic = strings.TrimSpace(topic)
	if topic == "" {
		return transport.ErrUnknownTopic
	}
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return transport.ErrClosed
	}
	if _, ok := c.subs[topic]; ok {
		c.mu.Unlock()
		return nil
	}
	c.nextID++
	id := "sub-" + strconv.Itoa(c.nextID)
	c.subs[topic] = id
	c.topics[id] = topic
	c.mu.Unlock()

	f := stomp.NewFrame(stomp.CmdSubscribe,
		stomp.HdrID, id,
		stomp.HdrDestination, c.cfg.DestinationPrefix+topic,
		stomp.HdrAck, "auto",
	)
	if err := c.writeFrame(f); err != nil {
		c.mu.Lock()
		delete(c.subs, topic)
		delete(c.topics, id)
		c.mu.Unlock()
		return err
	}
	log.Debug().Str("topic", topic).Str("sub_id", id).Msg("stompws.Channel.subscribe")
	return nil
}

func (c *Channel) Unsubscribe(topic string) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return transport.ErrClosed
	}
	id, ok := c.subs[topic]
	if !ok {
		c.mu.Unlock()
		return fmt.Errorf("%w: %q", transport.ErrNotSubscribed, topic)
	}
	delete(c.subs, topic)
	delete(c.topics, id)
	c.mu.Unlock()
	return c.writeFrame(stomp.NewFrame(stomp.CmdUnsubscribe, stomp.HdrID, id))
}

func (c *Channel) SendHeartbeat() error {
	return c.write(stomp.Heartbeat())
}

// Close sends DISCONNECT best effort and closes the socket. Frames is closed by the read
// pump once it observes the closed socket.
func (c *Channel) Close() error {
	c.mu.Lock()
	first := !c.closed
	c.closed = true
	if c.err == nil {
		c.err = transport.ErrClosed
	}
	c.mu.Unlock()
	c.doneOnce.Do(func() { close(c.done) })

	if first {
		if raw, err := stomp.Encode(stomp.NewFrame(stomp.CmdDisconnect)); err == nil {
			_ = c.writeRaw(raw)
		}
	}
	if err := c.conn.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
		return err
	}
	return nil
}

func (c *Channel) writeFrame(f stomp.Frame) error {
	raw, err := stomp.Encode(f)
	if err != nil {
		return err
	}
	return c.write(raw)
}

func (c *Channel) write(raw []byte) error {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return transport.ErrClosed
	}
	return c.writeRaw(raw)
}

func (c *Channel) writeRaw(raw []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
	return c.conn.WriteMessage(websocket.TextMessage, raw)
}

func (c *Channel) readPump() {
	defer close(c.frames)
	for {
		_, msg, err := c.conn.ReadMessage()
		if err != nil {
			c.finish(err)
			return
		}
		now := time.Now()
		if stomp.IsHeartbeat(msg) {
			if !c.emit(transport.Frame{Heartbeat: true, ReceivedAt: now}) {
				return
			}
			continue
		}
		frames, err := stomp.Decode(msg, c.cfg.Limits)
		if err != nil {
			log.Warn().Err(err).Str("session_id", c.session).Msg("stompws.Channel.decode")
		}
		for _, f := range frames {
			switch f.Command {
			case stomp.CmdMessage:
				topic, ok := c.topicOf(f)
				if !ok {
					log.Debug().Str("session_id", c.session).Msg("stompws.Channel.drop unknown destination")
					continue
				}
				if !c.emit(transport.Frame{Topic: topic, Body: f.Body, ReceivedAt: now}) {
					return
				}
			case stomp.CmdError:
				c.finish(remoteError(f))
				_ = c.conn.Close()
				return
			default:
				// RECEIPT and anything else still counts as inbound traffic
				if !c.emit(transport.Frame{Heartbeat: true, ReceivedAt: now}) {
					return
				}
			}
		}
	}
}

func (c *Channel) topicOf(f stomp.Frame) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if id, ok := f.Get(stomp.HdrSubscription); ok {
		if topic, ok := c.topics[id]; ok {
			return topic, true
		}
	}
	if dest, ok := f.Get(stomp.HdrDestination); ok && strings.HasPrefix(dest, c.cfg.DestinationPrefix) {
		topic := strings.TrimPrefix(dest, c.cfg.DestinationPrefix)
		if _, ok := c.subs[topic]; ok {
			return topic, true
		}
	}
	return "", false
}

func (c *Channel) emit(f transport.Frame) bool {
	select {
	case c.frames <- f:
		return true
	case <-c.done:
		return false
	}
}

func (c *Channel) finish(err error) {
	c.mu.Lock()
	if c.err == nil {
		if errors.Is(err, websocket.ErrCloseSent) || IsClose(err) {
			err = fmt.Errorf("%w: %v", transport.ErrClosed, err)
		}
		c.err = err
	}
	c.closed = true
	c.mu.Unlock()
	c.doneOnce.Do(func() { close(c.done) })
}
