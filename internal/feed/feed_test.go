package feed

import (
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/danmuck/flowlearn/internal/event"
	"github.com/danmuck/flowlearn/internal/testutil/testlog"
)

func at(sec int) Timestamp {
	return Timestamp{Time: time.Date(2024, 5, 1, 10, 0, sec, 0, time.UTC)}
}

func TestFeedKeepsNewestFirstAndCapacity(t *testing.T) {
	testlog.Start(t)
	f := New(3)
	for i, sec := range []int{2, 0, 5, 3, 1} {
		f.Add(TopicChat, Message{ID: fmt.Sprint(i), Type: TypeChat, Timestamp: at(sec)})
	}
	got := f.Messages(TopicChat)
	if len(got) != 3 {
		t.Fatalf("expected capacity 3, got %d", len(got))
	}
	// seconds 5, 3, 2 survive
	want := []string{"2", "3", "0"}
	for i, m := range got {
		if m.ID != want[i] {
			t.Fatalf("position %d: got %s want %s (%+v)", i, m.ID, want[i], got)
		}
	}
}

func TestFeedDedupsByID(t *testing.T) {
	testlog.Start(t)
	f := New(0)
	m := Message{ID: "42", Username: "alice", Content: "hi", Type: TypeChat, Timestamp: at(1)}
	if !f.Add(TopicChat, m) {
		t.Fatalf("first add should change the feed")
	}
	m.Content = "edited"
	if f.Add(TopicChat, m) {
		t.Fatalf("duplicate id should be ignored")
	}
	if f.Len(TopicChat) != 1 || f.Messages(TopicChat)[0].Content != "hi" {
		t.Fatalf("unexpected feed %+v", f.Messages(TopicChat))
	}
}

func TestFeedDedupsByContentWithoutID(t *testing.T) {
	testlog.Start(t)
	f := New(0)
	m := Message{Username: "bob", Content: "yo", Type: TypeChat, Timestamp: at(1)}
	f.Add(TopicChat, m)
	f.Add(TopicChat, m)
	m.Timestamp = at(2)
	f.Add(TopicChat, m)
	if f.Len(TopicChat) != 2 {
		t.Fatalf("expected 2 distinct entries, got %d", f.Len(TopicChat))
	}
}

func TestMergeBacklogThenStreamSkipsOverlap(t *testing.T) {
	testlog.Start(t)
	f := New(DefaultCapacity)
	added := f.MergeBacklog([]Message{
		{ID: "3", Type: TypeTask, Content: "Task processed: resize", Timestamp: at(3)},
		{ID: "2", Type: TypeNotification, Content: "deploy", Timestamp: at(2)},
		{ID: "1", Type: TypeChat, Username: "alice", Content: "hi", Timestamp: at(1)},
		{ID: "0", Type: "UNKNOWN", Timestamp: at(0)},
	})
	if added != 3 {
		t.Fatalf("expected 3 backlog entries, got %d", added)
	}
	for _, topic := range DefaultTopics() {
		if f.Len(topic) != 1 {
			t.Fatalf("topic %s: expected 1 entry, got %d", topic, f.Len(topic))
		}
	}

	// the stream redelivers id 1 and then a new message
	for _, raw := range []string{
		`{"id":"1","username":"alice","content":"hi","type":"CHAT","timestamp":"2024-05-01T10:00:01Z"}`,
		`{"id":"4","username":"bob","content":"hey","type":"CHAT","timestamp":"2024-05-01T10:00:04Z"}`,
	} {
		if _, _, err := f.Apply(event.Event{Topic: TopicChat, Raw: json.RawMessage(raw), ReceivedAt: time.Now()}); err != nil {
			t.Fatalf("apply: %v", err)
		}
	}
	chat := f.Messages(TopicChat)
	if len(chat) != 2 || chat[0].ID != "4" || chat[1].ID != "1" {
		t.Fatalf("unexpected chat history %+v", chat)
	}
	if got := f.Topics(); len(got) != 3 {
		t.Fatalf("unexpected topics %v", got)
	}
}

func TestApplyFallsBackToEventFields(t *testing.T) {
	testlog.Start(t)
	f := New(0)
	recv := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	m, added, err := f.Apply(event.Event{
		Topic:      TopicNotifications,
		ID:         "evt-7",
		Raw:        json.RawMessage(`{"username":"System","content":"up","type":"NOTIFICATION"}`),
		ReceivedAt: recv,
	})
	if err != nil || !added {
		t.Fatalf("apply: added=%v err=%v", added, err)
	}
	if m.ID != "evt-7" || !m.Timestamp.Equal(recv) {
		t.Fatalf("expected event fallbacks, got %+v", m)
	}
}

func TestHandlerReportsNewMessagesAndErrors(t *testing.T) {
	testlog.Start(t)
	f := New(0)
	var (
		seen []string
		errs []error
	)
	h := f.Handler(func(topic string, m Message) {
		seen = append(seen, topic+":"+m.ID)
	}, func(err error) { errs = append(errs, err) })

	h(event.Event{Topic: TopicChat, Raw: json.RawMessage(`{"id":"a","type":"CHAT"}`)})
	h(event.Event{Topic: TopicChat, Raw: json.RawMessage(`{"id":"a","type":"CHAT"}`)})
	h(event.Event{Topic: TopicChat, Raw: json.RawMessage(`{"id":"b","timestamp":"yesterday"}`)})

	if len(seen) != 1 || seen[0] != "chat:a" {
		t.Fatalf("unexpected callbacks %v", seen)
	}
	if len(errs) != 1 || !errors.Is(errs[0], ErrInvalidTimestamp) {
		t.Fatalf("expected invalid timestamp error, got %v", errs)
	}
}

func TestTimestampShapes(t *testing.T) {
	testlog.Start(t)
	want := time.Date(2024, 5, 1, 10, 0, 1, 0, time.Local)
	cases := []string{
		`"2024-05-01T10:00:01"`,
		`"2024-05-01T10:00:01.000"`,
		`"2024-05-01 10:00:01"`,
		`[2024,5,1,10,0,1]`,
	}
	for _, raw := range cases {
		var ts Timestamp
		if err := json.Unmarshal([]byte(raw), &ts); err != nil {
			t.Fatalf("%s: %v", raw, err)
		}
		if !ts.Equal(want) {
			t.Fatalf("%s: got %v want %v", raw, ts.Time, want)
		}
	}

	var ts Timestamp
	if err := json.Unmarshal([]byte(`"2024-05-01T10:00:01+02:00"`), &ts); err != nil {
		t.Fatalf("rfc3339: %v", err)
	}
	if !ts.Equal(time.Date(2024, 5, 1, 8, 0, 1, 0, time.UTC)) {
		t.Fatalf("rfc3339 offset lost: %v", ts.Time)
	}
	if err := json.Unmarshal([]byte(`1714557601000`), &ts); err != nil || ts.UnixMilli() != 1714557601000 {
		t.Fatalf("epoch millis: %v %v", ts.Time, err)
	}
	if err := json.Unmarshal([]byte(`null`), &ts); err != nil || !ts.IsZero() {
		t.Fatalf("null should clear: %v %v", ts.Time, err)
	}
	if err := json.Unmarshal([]byte(`[2024]`), &ts); !errors.Is(err, ErrInvalidTimestamp) {
		t.Fatalf("short array should fail, got %v", err)
	}
}

func TestTopicForType(t *testing.T) {
	testlog.Start(t)
	for typ, want := range map[string]string{
		"CHAT":         TopicChat,
		"notification": TopicNotifications,
		" TASK ":       TopicTasks,
	} {
		got, ok := TopicForType(typ)
		if !ok || got != want {
			t.Fatalf("%q: got %q ok=%v", typ, got, ok)
		}
	}
	if _, ok := TopicForType("OTHER"); ok {
		t.Fatalf("unknown type should not map")
	}
}
