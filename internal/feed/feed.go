// Package feed holds the client's view of recent messages per topic.
//
// The backlog fetched at startup and the events streamed afterwards land in the same
// per-topic history; entries are deduplicated by Message.Key and kept newest first.
package feed

import (
	"sort"
	"strings"
	"sync"

	"github.com/danmuck/flowlearn/internal/event"
)

// DefaultCapacity matches the gateway's recent-messages page.
const DefaultCapacity = 20

type history struct {
	items []Message
	seen  map[string]struct{}
}

// Feed is safe for concurrent use: handlers write from the session loop while display
// code reads.
type Feed struct {
	mu       sync.RWMutex
	capacity int
	topics   map[string]*history
}

func New(capacity int) *Feed {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Feed{
		capacity: capacity,
		topics:   make(map[string]*history),
	}
}

// Add inserts m into topic unless its key is already present. It reports whether the
// history changed.
func (f *Feed) Add(topic string, m Message) bool {
	topic = strings.TrimSpace(topic)
	if topic == "" {
		return false
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	h := f.topics[topic]
	if h == nil {
		h = &history{seen: make(map[string]struct{})}
		f.topics[topic] = h
	}
	key := m.Key()
	if _, dup := h.seen[key]; dup {
		return false
	}

	// newest first; an equal timestamp goes ahead of what is already there
	idx := sort.Search(len(h.items), func(i int) bool {
		return !h.items[i].Timestamp.After(m.Timestamp.Time)
	})
	h.items = append(h.items, Message{})
	copy(h.items[idx+1:], h.items[idx:])
	h.items[idx] = m
	h.seen[key] = struct{}{}

	for len(h.items) > f.capacity {
		last := h.items[len(h.items)-1]
		delete(h.seen, last.Key())
		h.items = h.items[:len(h.items)-1]
	}
	_, kept := h.seen[key]
	return kept
}

// Apply decodes ev as a Message and adds it under ev.Topic. Messages without a
// timestamp take the event's receive time.
func (f *Feed) Apply(ev event.Event) (Message, bool, error) {
	var m Message
	if err := ev.Decode(&m); err != nil {
		return Message{}, false, err
	}
	if m.ID == "" {
		m.ID = ev.ID
	}
	if m.Timestamp.IsZero() {
		m.Timestamp = Timestamp{Time: ev.ReceivedAt}
	}
	return m, f.Add(ev.Topic, m), nil
}

// MergeBacklog files each backlog message under the topic of its type. Unknown types
// are skipped. It returns how many entries were added.
func (f *Feed) MergeBacklog(msgs []Message) int {
	added := 0
	for _, m := range msgs {
		topic, ok := TopicForType(m.Type)
		if !ok {
			continue
		}
		if f.Add(topic, m) {
			added++
		}
	}
	return added
}

// Handler returns an event.Handler that applies events to the feed and then calls
// onMessage for entries that were new. onMessage may be nil.
func (f *Feed) Handler(onMessage func(topic string, m Message), onError func(error)) event.Handler {
	return func(ev event.Event) {
		m, added, err := f.Apply(ev)
		if err != nil {
			if onError != nil {
				onError(err)
			}
			return
		}
		if added && onMessage != nil {
			onMessage(ev.Topic, m)
		}
	}
}

// Messages returns a copy of topic's history, newest first.
func (f *Feed) Messages(topic string) []Message {
	f.mu.RLock()
	defer f.mu.RUnlock()
	h := f.topics[topic]
	if h == nil {
		return []Message{}
	}
	return append([]Message(nil), h.items...)
}

func (f *Feed) Len(topic string) int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if h := f.topics[topic]; h != nil {
		return len(h.items)
	}
	return 0
}

// Topics returns every topic with at least one entry, sorted.
func (f *Feed) Topics() []string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := make([]string, 0, len(f.topics))
	for topic, h := range f.topics {
		if len(h.items) > 0 {
			out = append(out, topic)
		}
	}
	sort.Strings(out)
	return out
}
