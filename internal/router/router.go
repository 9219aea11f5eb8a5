// Package router decodes inbound frames and dispatches them to topic handlers.
package router

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/danmuck/flowlearn/internal/event"
	"github.com/danmuck/flowlearn/internal/observability"
	"github.com/danmuck/flowlearn/internal/transport"
	"github.com/rs/zerolog/log"
)

var (
	ErrEmptyPayload = errors.New("router: empty payload")
	ErrTrailingData = errors.New("router: trailing data after payload")
)

// DecodeError is a malformed frame. The frame is dropped; the session is unaffected.
type DecodeError struct {
	Topic string
	Err   error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("router: decode frame on %q: %v", e.Topic, e.Err)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

// Lookup resolves the handler currently registered for a topic.
type Lookup interface {
	Lookup(topic string) (event.Handler, bool)
}

type Stats struct {
	Dispatched   uint64
	Dropped      uint64
	DecodeErrors uint64
}

// Router is used from a single goroutine, the session loop.
type Router struct {
	lookup  Lookup
	onError func(error)
	stats   Stats
}

func New(lookup Lookup, onError func(error)) *Router {
	return &Router{lookup: lookup, onError: onError}
}

// OnFrame decodes f and invokes the topic's handler synchronously. Frames for topics
// with no handler are counted and dropped.
func (r *Router) OnFrame(f transport.Frame) {
	if f.Heartbeat {
		return
	}
	ev, err := Decode(f)
	if err != nil {
		r.stats.DecodeErrors++
		observability.RecordFrame(f.Topic, observability.OutcomeDecodeError)
		log.Warn().Err(err).Str("topic", f.Topic).Msg("router.Router.decode")
		if r.onError != nil {
			r.onError(err)
		}
		return
	}

	h, ok := r.lookup.Lookup(ev.Topic)
	if !ok {
		r.stats.Dropped++
		observability.RecordFrame(ev.Topic, observability.OutcomeUnsubscribed)
		log.Debug().Str("topic", ev.Topic).Msg("router.Router.drop unsubscribed")
		return
	}
	r.stats.Dispatched++
	observability.RecordFrame(ev.Topic, observability.OutcomeDispatched)
	h(ev)
}

func (r *Router) Stats() Stats {
	return r.stats
}

// Decode turns a transport frame into an Event. The body must be well-formed JSON.
func Decode(f transport.Frame) (event.Event, error) {
	body := bytes.TrimSpace(f.Body)
	if len(body) == 0 {
		return event.Event{}, &DecodeError{Topic: f.Topic, Err: ErrEmptyPayload}
	}
	var payload any
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	if err := dec.Decode(&payload); err != nil {
		return event.Event{}, &DecodeError{Topic: f.Topic, Err: err}
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return event.Event{}, &DecodeError{Topic: f.Topic, Err: ErrTrailingData}
	}
	received := f.ReceivedAt
	if received.IsZero() {
		received = time.Now()
	}
	return event.Event{
		Topic:      f.Topic,
		ID:         payloadID(payload),
		Payload:    payload,
		Raw:        json.RawMessage(append([]byte(nil), body...)),
		ReceivedAt: received,
	}, nil
}

func payloadID(payload any) string {
	obj, ok := payload.(map[string]any)
	if !ok {
		return ""
	}
	switch id := obj["id"].(type) {
	case string:
		return id
	case json.Number:
		return id.String()
	default:
		return ""
	}
}
