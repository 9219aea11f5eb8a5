package command

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/danmuck/flowlearn/internal/testutil/testlog"
)

type recorded struct {
	method string
	path   string
	body   map[string]string
}

func newGateway(t *testing.T, status int) (*httptest.Server, func() []recorded) {
	t.Helper()
	var (
		mu   sync.Mutex
		seen []recorded
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := recorded{method: r.Method, path: r.URL.Path}
		if r.Method == http.MethodPost {
			_ = json.NewDecoder(r.Body).Decode(&rec.body)
		}
		mu.Lock()
		seen = append(seen, rec)
		mu.Unlock()
		if r.URL.Path == EndpointRecent {
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`[
				{"id":"2","username":"bob","content":"hey","type":"CHAT","timestamp":"2024-05-01T10:00:01"},
				{"id":"1","username":"System","content":"up","type":"NOTIFICATION","timestamp":"2024-05-01T10:00:00"}
			]`))
			return
		}
		w.WriteHeader(status)
		if status >= 300 {
			_, _ = w.Write([]byte("nope"))
		}
	}))
	t.Cleanup(srv.Close)
	return srv, func() []recorded {
		mu.Lock()
		defer mu.Unlock()
		return append([]recorded(nil), seen...)
	}
}

func TestSubmitChatPostsTrimmedBody(t *testing.T) {
	testlog.Start(t)
	srv, seen := newGateway(t, http.StatusOK)
	c, err := New(srv.URL+"/", nil)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if err := c.SubmitChat(context.Background(), "  alice ", " hello "); err != nil {
		t.Fatalf("submit: %v", err)
	}
	got := seen()
	if len(got) != 1 {
		t.Fatalf("expected one request, got %d", len(got))
	}
	if got[0].method != http.MethodPost || got[0].path != EndpointChat {
		t.Fatalf("unexpected request %s %s", got[0].method, got[0].path)
	}
	if got[0].body["username"] != "alice" || got[0].body["content"] != "hello" {
		t.Fatalf("unexpected body %+v", got[0].body)
	}
}

func TestSubmitNotificationAndTaskEndpoints(t *testing.T) {
	testlog.Start(t)
	srv, seen := newGateway(t, http.StatusAccepted)
	c, err := New(srv.URL, nil)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if err := c.SubmitNotification(context.Background(), "Deploy", "done"); err != nil {
		t.Fatalf("notify: %v", err)
	}
	if err := c.SubmitTask(context.Background(), "resize"); err != nil {
		t.Fatalf("task: %v", err)
	}
	got := seen()
	if len(got) != 2 || got[0].path != EndpointNotification || got[1].path != EndpointTask {
		t.Fatalf("unexpected requests %+v", got)
	}
	if got[0].body["title"] != "Deploy" || got[1].body["taskData"] != "resize" {
		t.Fatalf("unexpected bodies %+v", got)
	}
}

func TestNon2xxIsCommandError(t *testing.T) {
	testlog.Start(t)
	srv, _ := newGateway(t, http.StatusInternalServerError)
	c, err := New(srv.URL, nil)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	err = c.SubmitTask(context.Background(), "x")
	var ce *CommandError
	if !errors.As(err, &ce) {
		t.Fatalf("expected CommandError, got %T %v", err, err)
	}
	if ce.StatusCode != http.StatusInternalServerError || ce.Endpoint != EndpointTask || ce.Body != "nope" {
		t.Fatalf("unexpected error %+v", ce)
	}
}

func TestEmptyFieldRejectedWithoutRequest(t *testing.T) {
	testlog.Start(t)
	srv, seen := newGateway(t, http.StatusOK)
	c, err := New(srv.URL, nil)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	cases := []error{
		c.SubmitChat(context.Background(), "alice", "   "),
		c.SubmitChat(context.Background(), "", "hi"),
		c.SubmitNotification(context.Background(), "t", ""),
		c.SubmitTask(context.Background(), "\t"),
	}
	for i, err := range cases {
		if !errors.Is(err, ErrEmptyField) {
			t.Fatalf("case %d: expected ErrEmptyField, got %v", i, err)
		}
	}
	if n := len(seen()); n != 0 {
		t.Fatalf("expected no requests, got %d", n)
	}
}

func TestTransportFailureIsCommandError(t *testing.T) {
	testlog.Start(t)
	srv, _ := newGateway(t, http.StatusOK)
	url := srv.URL
	srv.Close()
	c, err := New(url, nil)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	err = c.SubmitChat(context.Background(), "a", "b")
	var ce *CommandError
	if !errors.As(err, &ce) || ce.StatusCode != 0 || ce.Err == nil {
		t.Fatalf("expected transport CommandError, got %v", err)
	}
}

func TestFetchRecentDecodesBacklog(t *testing.T) {
	testlog.Start(t)
	srv, _ := newGateway(t, http.StatusOK)
	c, err := New(srv.URL, nil)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	msgs, err := c.FetchRecent(context.Background())
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if len(msgs) != 2 || msgs[0].ID != "2" || msgs[1].Type != "NOTIFICATION" {
		t.Fatalf("unexpected backlog %+v", msgs)
	}
	if msgs[0].Timestamp.IsZero() {
		t.Fatalf("expected parsed timestamp")
	}
}

func TestNewRejectsBadBase(t *testing.T) {
	for _, raw := range []string{"", "ftp://x", "localhost:8080", "http://"} {
		if _, err := New(raw, nil); !errors.Is(err, ErrInvalidBase) {
			t.Fatalf("%q: expected ErrInvalidBase, got %v", raw, err)
		}
	}
}
