package observability

import (
	"bytes"
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/danmuck/flowlearn/internal/testutil/testlog"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
)

func TestRegisterMetricsAndRecordersAreSafe(t *testing.T) {
	testlog.Start(t)
	RegisterMetrics()
	RegisterMetrics()

	RecordSessionState("connected", true)
	RecordSessionState("disconnected", false)
	RecordSessionFailure("read")
	RecordReconnectScheduled()
	RecordFrame("chat", OutcomeDispatched)
	RecordSubscriptionError("subscribe")
	RecordCommand("/api/messages/chat", 200, 12*time.Millisecond, true)
	RecordHTTPRequest("GET", "/health", 200)
}

func newTestServer(connected bool) *StatusServer {
	gin.SetMode(gin.TestMode)
	return NewStatusServer("127.0.0.1:0", func(context.Context) Status {
		st := Status{State: "disconnected", Topics: []string{"chat"}}
		if connected {
			st.Connected = true
			st.State = "connected"
			st.SessionID = "s-1"
			st.Dispatched = 3
		}
		return st
	})
}

func get(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, path, nil))
	return rr
}

func TestStatusRoutes(t *testing.T) {
	testlog.Start(t)
	up := newTestServer(true).Handler()
	down := newTestServer(false).Handler()

	if rr := get(t, up, "/health"); rr.Code != http.StatusOK {
		t.Fatalf("health status=%d", rr.Code)
	}
	if rr := get(t, up, "/ready"); rr.Code != http.StatusOK {
		t.Fatalf("ready while connected status=%d", rr.Code)
	}
	if rr := get(t, down, "/ready"); rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("ready while disconnected status=%d", rr.Code)
	}

	rr := get(t, up, "/status")
	if rr.Code != http.StatusOK {
		t.Fatalf("status code=%d", rr.Code)
	}
	var st Status
	if err := json.Unmarshal(rr.Body.Bytes(), &st); err != nil {
		t.Fatalf("decode status: %v", err)
	}
	if !st.Connected || st.SessionID != "s-1" || st.Dispatched != 3 || len(st.Topics) != 1 {
		t.Fatalf("unexpected status %+v", st)
	}

	rr = get(t, up, "/metrics")
	if rr.Code != http.StatusOK || !strings.Contains(rr.Body.String(), "flowlearn_http_requests_total") {
		t.Fatalf("metrics missing http counter: code=%d", rr.Code)
	}
}

func TestRequestLoggerLevelsByStatus(t *testing.T) {
	testlog.Start(t)
	gin.SetMode(gin.TestMode)
	var buf bytes.Buffer
	logger := zerolog.New(&buf).Level(zerolog.DebugLevel)
	r := gin.New()
	r.Use(RequestLogger(logger))
	r.GET("/boom", func(c *gin.Context) { c.Status(http.StatusInternalServerError) })
	r.GET("/ok", func(c *gin.Context) { c.Status(http.StatusOK) })

	get(t, r, "/boom")
	get(t, r, "/ok")
	get(t, r, "/missing")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 3 {
		t.Fatalf("expected 3 log lines, got %d: %s", len(lines), buf.String())
	}
	want := []struct{ level, path string }{
		{"error", "/boom"},
		{"debug", "/ok"},
		{"warn", "unmatched"},
	}
	for i, line := range lines {
		var entry map[string]any
		if err := json.Unmarshal([]byte(line), &entry); err != nil {
			t.Fatalf("line %d: %v", i, err)
		}
		if entry["level"] != want[i].level || entry["path"] != want[i].path {
			t.Fatalf("line %d: unexpected entry %v", i, entry)
		}
	}
}

func TestServeShutsDownOnCancel(t *testing.T) {
	testlog.Start(t)
	s := newTestServer(true)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- s.Serve(ctx, ln) }()

	resp, err := http.Get("http://" + ln.Addr().String() + "/health")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("health status=%d", resp.StatusCode)
	}

	cancel()
	select {
	case err := <-errc:
		if err != nil {
			t.Fatalf("serve: %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("server did not shut down")
	}
}
