// Package transporttest provides a scriptable in-memory transport for tests.
package transporttest

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/danmuck/flowlearn/internal/transport"
)

var ErrScripted = errors.New("transporttest: scripted failure")

// Op is one subscribe/unsubscribe issued on some channel.
type Op struct {
	Channel int
	Kind    string
	Topic   string
}

// Dialer hands out fake channels. DialErrors are consumed one per attempt before any
// channel is produced.
type Dialer struct {
	mu         sync.Mutex
	DialErrors []error
	// Hold blocks Dial until it is closed or the dial context ends.
	Hold chan struct{}
	// OnDial runs before the channel is returned, e.g. to preload frames.
	OnDial func(ch *Channel)
	// SubscribeErrors fail Subscribe for the named topic while set; use SetSubscribeError.
	SubscribeErrors map[string]error

	dials    int
	channels []*Channel
	ops      []Op
}

func NewDialer() *Dialer {
	return &Dialer{SubscribeErrors: make(map[string]error)}
}

func (d *Dialer) Dial(ctx context.Context) (transport.Channel, error) {
	d.mu.Lock()
	d.dials++
	hold := d.Hold
	d.mu.Unlock()

	if hold != nil {
		select {
		case <-hold:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	d.mu.Lock()
	if len(d.DialErrors) > 0 {
		err := d.DialErrors[0]
		d.DialErrors = d.DialErrors[1:]
		d.mu.Unlock()
		return nil, err
	}
	ch := &Channel{
		dialer: d,
		index:  len(d.channels),
		id:     fmt.Sprintf("fake-%d", len(d.channels)),
		frames: make(chan transport.Frame, 64),
		subs:   make(map[string]bool),
	}
	d.channels = append(d.channels, ch)
	onDial := d.OnDial
	d.mu.Unlock()

	if onDial != nil {
		onDial(ch)
	}
	return ch, nil
}

func (d *Dialer) Dials() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

func (d *Dialer) Channels() []*Channel {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]*Channel(nil), d.channels...)
}

// Last returns the most recently dialed channel or nil.
func (d *Dialer) Last() *Channel {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.channels) == 0 {
		return nil
	}
	return d.channels[len(d.channels)-1]
}

func (d *Dialer) Ops() []Op {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]Op(nil), d.ops...)
}

func (d *Dialer) SetHold(hold chan struct{}) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.Hold = hold
}

func (d *Dialer) SetOnDial(fn func(ch *Channel)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.OnDial = fn
}

// SetSubscribeError fails Subscribe(topic) on every channel until cleared with nil.
func (d *Dialer) SetSubscribeError(topic string, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.SubscribeErrors == nil {
		d.SubscribeErrors = make(map[string]error)
	}
	if err == nil {
		delete(d.SubscribeErrors, topic)
		return
	}
	d.SubscribeErrors[topic] = err
}

func (d *Dialer) record(op Op) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.ops = append(d.ops, op)
}

func (d *Dialer) subscribeErr(topic string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.SubscribeErrors[topic]
}

// Channel is an in-memory transport.Channel.
type Channel struct {
	dialer *Dialer
	index  int
	id     string

	mu         sync.Mutex
	frames     chan transport.Frame
	subs       map[string]bool
	heartbeats int
	closed     bool
	err        error
}

func (c *Channel) SessionID() string { return c.id }

func (c *Channel) Subscribe(topic string) error {
	if err := c.dialer.subscribeErr(topic); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return transport.ErrClosed
	}
	c.subs[topic] = true
	c.dialer.record(Op{Channel: c.index, Kind: "subscribe", Topic: topic})
	return nil
}

func (c *Channel) Unsubscribe(topic string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return transport.ErrClosed
	}
	if !c.subs[topic] {
		return transport.ErrNotSubscribed
	}
	delete(c.subs, topic)
	c.dialer.record(Op{Channel: c.index, Kind: "unsubscribe", Topic: topic})
	return nil
}

func (c *Channel) SendHeartbeat() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return transport.ErrClosed
	}
	c.heartbeats++
	return nil
}

func (c *Channel) Frames() <-chan transport.Frame { return c.frames }

func (c *Channel) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

func (c *Channel) Close() error {
	c.shutdown(transport.ErrClosed)
	return nil
}

// Fail kills the channel as if the connection dropped.
func (c *Channel) Fail(err error) {
	if err == nil {
		err = ErrScripted
	}
	c.shutdown(err)
}

// Deliver queues one message frame. It returns false if the channel is closed.
func (c *Channel) Deliver(topic string, body []byte) bool {
	return c.push(transport.Frame{Topic: topic, Body: body, ReceivedAt: time.Now()})
}

func (c *Channel) DeliverHeartbeat() bool {
	return c.push(transport.Frame{Heartbeat: true, ReceivedAt: time.Now()})
}

func (c *Channel) push(f transport.Frame) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	c.frames <- f
	return true
}

// Subscribed returns the topics currently subscribed on this channel, sorted.
func (c *Channel) Subscribed() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.subs))
	for topic := range c.subs {
		out = append(out, topic)
	}
	sort.Strings(out)
	return out
}

func (c *Channel) IsSubscribed(topic string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.subs[topic]
}

func (c *Channel) Heartbeats() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.heartbeats
}

func (c *Channel) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *Channel) shutdown(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	c.err = err
	close(c.frames)
}
