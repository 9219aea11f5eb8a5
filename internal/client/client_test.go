package client

import (
	"context"
	"errors"
	"math/rand"
	"reflect"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/danmuck/flowlearn/internal/event"
	"github.com/danmuck/flowlearn/internal/protocol/session"
	"github.com/danmuck/flowlearn/internal/subscription"
	"github.com/danmuck/flowlearn/internal/testutil/testlog"
	"github.com/danmuck/flowlearn/internal/transport/transporttest"
)

type sink struct {
	mu     sync.Mutex
	events map[string][]event.Event
	errs   []error
}

func newSink() *sink {
	return &sink{events: make(map[string][]event.Event)}
}

func (s *sink) handler(ev event.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events[ev.Topic] = append(s.events[ev.Topic], ev)
}

func (s *sink) onError(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.errs = append(s.errs, err)
}

func (s *sink) count(topic string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.events[topic])
}

func (s *sink) ids(topic string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.events[topic]))
	for _, ev := range s.events[topic] {
		out = append(out, ev.ID)
	}
	return out
}

func (s *sink) errList() []error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]error(nil), s.errs...)
}

func fastSession() session.Config {
	return session.Config{
		ConnectTimeout:   time.Second,
		HandshakeTimeout: time.Second,
		Backoff: session.BackoffConfig{
			InitialDelay: 5 * time.Millisecond,
			Multiplier:   2,
			MaxDelay:     20 * time.Millisecond,
		},
	}
}

func runClient(t *testing.T, d *transporttest.Dialer, s *sink) *Client {
	t.Helper()
	c := New(Config{Session: fastSession(), OnError: s.onError}, d)
	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = c.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-c.Done()
	})
	return c
}

func ctxT(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestSubscriptionsBeforeStartAreAppliedOnConnect(t *testing.T) {
	testlog.Start(t)
	d := transporttest.NewDialer()
	s := newSink()
	c := runClient(t, d, s)
	ctx := ctxT(t)
	if err := c.Subscribe(ctx, "chat", s.handler); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	c.Start()
	waitFor(t, "connected", c.Connected)
	ch := d.Last()
	if !ch.IsSubscribed("chat") {
		t.Fatalf("pending subscription not applied")
	}
	ch.Deliver("chat", []byte(`{"id":"1","username":"alice","content":"hello"}`))
	waitFor(t, "chat event", func() bool { return s.count("chat") == 1 })
}

func TestChatAndTasksWithUnregisteredNotifications(t *testing.T) {
	testlog.Start(t)
	d := transporttest.NewDialer()
	s := newSink()
	c := runClient(t, d, s)
	ctx := ctxT(t)
	c.Start()
	waitFor(t, "connected", c.Connected)
	for _, topic := range []string{"chat", "tasks"} {
		if err := c.Subscribe(ctx, topic, s.handler); err != nil {
			t.Fatalf("subscribe %s: %v", topic, err)
		}
	}
	ch := d.Last()
	ch.Deliver("notifications", []byte(`{"id":"n1"}`))
	ch.Deliver("chat", []byte(`{"id":"c1"}`))
	ch.Deliver("tasks", []byte(`{"id":"t1","content":"resize [PROCESSED]"}`))
	ch.Deliver("chat", []byte(`{"id":"c2"}`))

	waitFor(t, "dispatch", func() bool { return s.count("chat") == 2 && s.count("tasks") == 1 })
	st, err := c.Stats(ctx)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if st.Dropped != 1 || st.Dispatched != 3 {
		t.Fatalf("unexpected stats %+v", st)
	}
	if got := s.ids("chat"); !reflect.DeepEqual(got, []string{"c1", "c2"}) {
		t.Fatalf("chat order %v", got)
	}
}

func TestReconnectReplaysBeforeDispatch(t *testing.T) {
	testlog.Start(t)
	d := transporttest.NewDialer()
	s := newSink()
	c := runClient(t, d, s)
	ctx := ctxT(t)
	var (
		mu         sync.Mutex
		opsAtFrame []transporttest.Op
	)
	if err := c.Subscribe(ctx, "chat", func(ev event.Event) {
		mu.Lock()
		opsAtFrame = d.Ops()
		mu.Unlock()
		s.handler(ev)
	}); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	c.Start()
	waitFor(t, "connected", c.Connected)

	d.SetOnDial(func(ch *transporttest.Channel) {
		ch.Deliver("chat", []byte(`{"id":"after-reconnect"}`))
	})
	d.Last().Fail(transporttest.ErrScripted)
	waitFor(t, "replayed event", func() bool { return s.count("chat") == 1 })

	mu.Lock()
	defer mu.Unlock()
	found := false
	for _, op := range opsAtFrame {
		if op.Channel == 1 && op.Kind == "subscribe" && op.Topic == "chat" {
			found = true
		}
	}
	if !found {
		t.Fatalf("frame dispatched before replay: ops=%+v", opsAtFrame)
	}
	errs := s.errList()
	if len(errs) == 0 || !errors.Is(errs[0], transporttest.ErrScripted) {
		t.Fatalf("expected transport error reported, got %v", errs)
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	testlog.Start(t)
	d := transporttest.NewDialer()
	s := newSink()
	c := runClient(t, d, s)
	ctx := ctxT(t)
	c.Start()
	waitFor(t, "connected", c.Connected)
	if err := c.Subscribe(ctx, "chat", s.handler); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if err := c.Unsubscribe(ctx, "chat"); err != nil {
		t.Fatalf("unsubscribe: %v", err)
	}
	ch := d.Last()
	if ch.IsSubscribed("chat") {
		t.Fatalf("transport still subscribed")
	}
	ch.Deliver("chat", []byte(`{"id":"late"}`))
	waitFor(t, "drop", func() bool {
		st, err := c.Stats(ctx)
		return err == nil && st.Dropped == 1
	})
	if s.count("chat") != 0 {
		t.Fatalf("event dispatched after unsubscribe")
	}
	if err := c.Unsubscribe(ctx, "chat"); !errors.Is(err, subscription.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestReplayFailureIsReportedAndRetried(t *testing.T) {
	testlog.Start(t)
	d := transporttest.NewDialer()
	d.SetSubscribeError("tasks", transporttest.ErrScripted)
	s := newSink()
	c := runClient(t, d, s)
	ctx := ctxT(t)
	for _, topic := range []string{"chat", "tasks", "notifications"} {
		if err := c.Subscribe(ctx, topic, s.handler); err != nil {
			t.Fatalf("subscribe %s: %v", topic, err)
		}
	}
	c.Start()
	waitFor(t, "connected", c.Connected)
	first := d.Last()
	if got := first.Subscribed(); !reflect.DeepEqual(got, []string{"chat", "notifications"}) {
		t.Fatalf("unexpected first session topics %v", got)
	}
	var se *subscription.SubscriptionError
	if errs := s.errList(); len(errs) != 1 || !errors.As(errs[0], &se) || se.Topic != "tasks" {
		t.Fatalf("expected one SubscriptionError for tasks, got %v", errs)
	}

	d.SetSubscribeError("tasks", nil)
	first.Fail(transporttest.ErrScripted)
	waitFor(t, "reconnect", func() bool { return d.Dials() == 2 && c.Connected() })
	if got := d.Last().Subscribed(); !reflect.DeepEqual(got, []string{"chat", "notifications", "tasks"}) {
		t.Fatalf("retry replay incomplete: %v", got)
	}
}

// Whatever the mix of subscribes, unsubscribes and drops, the live channel carries
// exactly the registered topic set once the client is connected again.
func TestTransportTopicsMatchRegistryAcrossReconnects(t *testing.T) {
	testlog.Start(t)
	d := transporttest.NewDialer()
	s := newSink()
	c := runClient(t, d, s)
	ctx := ctxT(t)
	c.Start()
	waitFor(t, "connected", c.Connected)

	topics := []string{"chat", "notifications", "tasks", "alerts"}
	rng := rand.New(rand.NewSource(3))
	want := map[string]bool{}
	for step := 0; step < 40; step++ {
		topic := topics[rng.Intn(len(topics))]
		switch rng.Intn(4) {
		case 0, 1:
			_ = c.Subscribe(ctx, topic, s.handler)
			want[topic] = true
		case 2:
			_ = c.Unsubscribe(ctx, topic)
			delete(want, topic)
		case 3:
			dials := d.Dials()
			d.Last().Fail(transporttest.ErrScripted)
			waitFor(t, "reconnect", func() bool { return d.Dials() > dials && c.Connected() })
		}
	}
	exp := make([]string, 0, len(want))
	for topic := range want {
		exp = append(exp, topic)
	}
	sort.Strings(exp)

	got, err := c.Topics(ctx)
	if err != nil {
		t.Fatalf("topics: %v", err)
	}
	sort.Strings(got)
	if !reflect.DeepEqual(got, exp) {
		t.Fatalf("registry %v want %v", got, exp)
	}
	waitFor(t, "connected", c.Connected)
	if live := d.Last().Subscribed(); !reflect.DeepEqual(live, exp) {
		t.Fatalf("transport %v want %v", live, exp)
	}
}

func TestStopWhileConnectingNeverConnects(t *testing.T) {
	testlog.Start(t)
	d := transporttest.NewDialer()
	hold := make(chan struct{})
	d.SetHold(hold)
	s := newSink()
	c := runClient(t, d, s)
	c.Start()
	waitFor(t, "connecting", func() bool { return c.Session().State == session.StateConnecting })
	c.Stop()
	if _, err := c.Topics(ctxT(t)); err != nil {
		t.Fatalf("sync: %v", err)
	}
	close(hold)
	time.Sleep(40 * time.Millisecond)
	if c.Connected() || c.Session().State != session.StateDisconnected || d.Dials() != 1 {
		t.Fatalf("unexpected state %+v dials=%d", c.Session(), d.Dials())
	}
}

func TestSubscribeAfterRunExits(t *testing.T) {
	testlog.Start(t)
	c := New(Config{Session: fastSession()}, transporttest.NewDialer())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_ = c.Run(ctx)
	if err := c.Subscribe(context.Background(), "chat", func(event.Event) {}); !errors.Is(err, session.ErrNotRunning) {
		t.Fatalf("expected ErrNotRunning, got %v", err)
	}
}
