package feed

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Message types as the gateway stores them.
const (
	TypeChat         = "CHAT"
	TypeNotification = "NOTIFICATION"
	TypeTask         = "TASK"
)

// Default topics the gateway republishes on.
const (
	TopicChat          = "chat"
	TopicNotifications = "notifications"
	TopicTasks         = "tasks"
)

var ErrInvalidTimestamp = errors.New("feed: invalid timestamp")

// DefaultTopics returns the gateway's three topics in display order.
func DefaultTopics() []string {
	return []string{TopicChat, TopicNotifications, TopicTasks}
}

// TopicForType maps a stored message type to the topic it is streamed on.
func TopicForType(t string) (string, bool) {
	switch strings.ToUpper(strings.TrimSpace(t)) {
	case TypeChat:
		return TopicChat, true
	case TypeNotification:
		return TopicNotifications, true
	case TypeTask:
		return TopicTasks, true
	default:
		return "", false
	}
}

// Message is one chat message, notification or task result.
type Message struct {
	ID        string    `json:"id"`
	Username  string    `json:"username"`
	Content   string    `json:"content"`
	Type      string    `json:"type"`
	Timestamp Timestamp `json:"timestamp"`
}

// Key is the dedup key: the id, or a content hash for messages without one.
func (m Message) Key() string {
	if id := strings.TrimSpace(m.ID); id != "" {
		return id
	}
	sum := sha256.Sum256([]byte(strings.Join([]string{
		m.Type, m.Username, m.Content, m.Timestamp.UTC().Format(time.RFC3339Nano),
	}, "\x1f")))
	return "sha256:" + hex.EncodeToString(sum[:12])
}

// Timestamp accepts the shapes a Java LocalDateTime serializes to: zone-less ISO
// strings, RFC3339, epoch milliseconds, or a [y,m,d,h,m,s,nanos] array.
type Timestamp struct {
	time.Time
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
}

func (t *Timestamp) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		t.Time = time.Time{}
		return nil
	}
	switch data[0] {
	case '"':
		var raw string
		if err := json.Unmarshal(data, &raw); err != nil {
			return err
		}
		return t.parseString(raw)
	case '[':
		var parts []int
		if err := json.Unmarshal(data, &parts); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidTimestamp, err)
		}
		return t.parseParts(parts)
	default:
		var ms int64
		if err := json.Unmarshal(data, &ms); err != nil {
			return fmt.Errorf("%w: %s", ErrInvalidTimestamp, data)
		}
		t.Time = time.UnixMilli(ms)
		return nil
	}
}

func (t Timestamp) MarshalJSON() ([]byte, error) {
	if t.IsZero() {
		return []byte("null"), nil
	}
	return json.Marshal(t.Format(time.RFC3339Nano))
}

func (t *Timestamp) parseString(raw string) error {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		t.Time = time.Time{}
		return nil
	}
	for _, layout := range timestampLayouts {
		if v, err := time.ParseInLocation(layout, raw, time.Local); err == nil {
			t.Time = v
			return nil
		}
	}
	return fmt.Errorf("%w: %q", ErrInvalidTimestamp, raw)
}

func (t *Timestamp) parseParts(p []int) error {
	if len(p) < 3 {
		return fmt.Errorf("%w: %v", ErrInvalidTimestamp, p)
	}
	for len(p) < 7 {
		p = append(p, 0)
	}
	t.Time = time.Date(p[0], time.Month(p[1]), p[2], p[3], p[4], p[5], p[6], time.Local)
	return nil
}
