// Package subscription keeps the topic -> handler table and replays it onto every new
// session.
package subscription

import (
	"errors"
	"fmt"
	"strings"

	"github.com/danmuck/flowlearn/internal/event"
	"github.com/danmuck/flowlearn/internal/observability"
	"github.com/rs/zerolog/log"
)

var (
	ErrEmptyTopic = errors.New("subscription: empty topic")
	ErrNilHandler = errors.New("subscription: nil handler")
	ErrNotFound   = errors.New("subscription: topic not registered")
)

const (
	OpSubscribe   = "subscribe"
	OpUnsubscribe = "unsubscribe"
)

// Subscriber is the transport-side half a registry drives.
type Subscriber interface {
	Subscribe(topic string) error
	Unsubscribe(topic string) error
}

// SubscriptionError reports one failed transport operation. The handler stays registered
// and is retried on the next Attach.
type SubscriptionError struct {
	Topic string
	Op    string
	Err   error
}

func (e *SubscriptionError) Error() string {
	return fmt.Sprintf("subscription: %s %q: %v", e.Op, e.Topic, e.Err)
}

func (e *SubscriptionError) Unwrap() error {
	return e.Err
}

// Registry maps topics to handlers in insertion order. It is not safe for concurrent
// use; the session loop owns it.
type Registry struct {
	order    []string
	handlers map[string]event.Handler
	active   Subscriber
	onError  func(error)
}

func NewRegistry(onError func(error)) *Registry {
	return &Registry{
		handlers: make(map[string]event.Handler),
		onError:  onError,
	}
}

// Subscribe stores or replaces the handler for topic. A replaced topic keeps its slot
// and is not re-issued to the transport.
func (r *Registry) Subscribe(topic string, h event.Handler) error {
	topic = strings.TrimSpace(topic)
	if topic == "" {
		return ErrEmptyTopic
	}
	if h == nil {
		return ErrNilHandler
	}
	if _, exists := r.handlers[topic]; exists {
		r.handlers[topic] = h
		return nil
	}
	r.order = append(r.order, topic)
	r.handlers[topic] = h
	if r.active == nil {
		log.Debug().Str("topic", topic).Msg("subscription.Registry.subscribe pending")
		return nil
	}
	if err := r.active.Subscribe(topic); err != nil {
		return r.report(topic, OpSubscribe, err)
	}
	return nil
}

// Unsubscribe removes topic. The transport unsubscribe is issued only while attached.
func (r *Registry) Unsubscribe(topic string) error {
	topic = strings.TrimSpace(topic)
	if _, ok := r.handlers[topic]; !ok {
		return fmt.Errorf("%w: %q", ErrNotFound, topic)
	}
	delete(r.handlers, topic)
	for i, t := range r.order {
		if t == topic {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	if r.active == nil {
		return nil
	}
	if err := r.active.Unsubscribe(topic); err != nil {
		return r.report(topic, OpUnsubscribe, err)
	}
	return nil
}

// Attach binds a freshly connected transport and subscribes every registered topic in
// insertion order. Failures are reported and collected; replay always covers every topic.
func (r *Registry) Attach(sub Subscriber) []error {
	r.active = sub
	if sub == nil {
		return nil
	}
	var errs []error
	for _, topic := range r.order {
		if err := sub.Subscribe(topic); err != nil {
			errs = append(errs, r.report(topic, OpSubscribe, err))
		}
	}
	log.Info().Int("topics", len(r.order)).Int("failed", len(errs)).Msg("subscription.Registry.replay")
	return errs
}

// Detach forgets the transport; later subscribes are held pending.
func (r *Registry) Detach() {
	r.active = nil
}

func (r *Registry) Attached() bool {
	return r.active != nil
}

func (r *Registry) Lookup(topic string) (event.Handler, bool) {
	h, ok := r.handlers[topic]
	return h, ok
}

// Topics returns registered topics in insertion order.
func (r *Registry) Topics() []string {
	return append([]string(nil), r.order...)
}

func (r *Registry) Len() int {
	return len(r.order)
}

func (r *Registry) report(topic, op string, err error) error {
	serr := &SubscriptionError{Topic: topic, Op: op, Err: err}
	observability.RecordSubscriptionError(op)
	log.Warn().Err(err).Str("topic", topic).Str("op", op).Msg("subscription.Registry.failed")
	if r.onError != nil {
		r.onError(serr)
	}
	return serr
}
