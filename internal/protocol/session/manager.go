package session

import (
	"context"
	"math/rand"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/danmuck/flowlearn/internal/observability"
	"github.com/danmuck/flowlearn/internal/transport"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// Hooks are invoked on the manager loop. They must not block.
type Hooks struct {
	// OnConnected runs after the handshake and before the first inbound frame is read.
	OnConnected func(ch transport.Channel)
	// OnDisconnected runs once for every Connected session that ends.
	OnDisconnected func(err error)
	OnFrame        func(f transport.Frame)
	OnStateChange  func(s Session)
	// OnError receives every transport failure; it never stops the reconnect loop.
	OnError func(err error)
}

type dialResult struct {
	gen uint64
	ch  transport.Channel
	err error
}

// Manager drives one streaming session at a time and reconnects until stopped.
// All state below the loop-owned marker is touched only by the Run goroutine.
type Manager struct {
	cfg     Config
	dialer  transport.Dialer
	hooks   Hooks
	box     *mailbox
	results chan dialResult
	done    chan struct{}
	running atomic.Bool
	closeMu sync.Once

	snap      atomic.Pointer[Session]
	connected atomic.Bool

	// loop-owned
	runCtx      context.Context
	rng         *rand.Rand
	state       State
	sessionID   string
	lastErr     error
	ch          transport.Channel
	frames      <-chan transport.Frame
	gen         uint64
	dialCancel  context.CancelFunc
	reconnect   *time.Timer
	reconnectC  <-chan time.Time
	attempt     int
	stopped     bool
	ticker      *time.Ticker
	tickerC     <-chan time.Time
	sendEvery   time.Duration
	deadAfter   time.Duration
	lastSent    time.Time
	lastInbound time.Time
}

func NewManager(cfg Config, dialer transport.Dialer, hooks Hooks) *Manager {
	m := &Manager{
		cfg:     cfg.WithDefaults(),
		dialer:  dialer,
		hooks:   hooks,
		box:     newMailbox(),
		results: make(chan dialResult),
		done:    make(chan struct{}),
		rng:     rand.New(rand.NewSource(time.Now().UnixNano())),
		stopped: true,
	}
	m.snap.Store(&Session{State: StateDisconnected})
	return m
}

// Start requests a connection. It is a no-op while Connecting or Connected.
func (m *Manager) Start() {
	m.box.post(func() {
		m.stopped = false
		if m.state == StateDisconnected {
			m.connect()
		}
	})
}

// Stop closes the session and suppresses any further automatic reconnect.
func (m *Manager) Stop() {
	m.box.post(m.stop)
}

// Do runs fn on the manager loop after every previously posted operation.
func (m *Manager) Do(fn func()) {
	m.box.post(fn)
}

// Exec runs fn on the loop and waits for it to finish.
func (m *Manager) Exec(ctx context.Context, fn func()) error {
	ran := make(chan struct{})
	m.box.post(func() {
		fn()
		close(ran)
	})
	select {
	case <-ran:
		return nil
	case <-m.done:
		return ErrNotRunning
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Sync waits until every operation posted so far has been applied.
func (m *Manager) Sync(ctx context.Context) error {
	return m.Exec(ctx, func() {})
}

func (m *Manager) Session() Session {
	return *m.snap.Load()
}

func (m *Manager) State() State {
	return m.snap.Load().State
}

// Connected is for display only.
func (m *Manager) Connected() bool {
	return m.connected.Load()
}

// Done is closed once Run has returned.
func (m *Manager) Done() <-chan struct{} {
	return m.done
}

// Run owns the loop until ctx is cancelled. Any live channel is closed on return.
func (m *Manager) Run(ctx context.Context) error {
	if !m.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	m.runCtx = ctx
	defer m.shutdown()

	for {
		select {
		case <-ctx.Done():
			log.Debug().Msg("session.Manager.run shutdown")
			return nil
		case <-m.box.ready:
			for _, fn := range m.box.drain() {
				fn()
			}
		case res := <-m.results:
			m.handleDial(res)
		case f, ok := <-m.frames:
			if !ok {
				var err error
				if m.ch != nil {
					err = m.ch.Err()
				}
				if err == nil {
					err = transport.ErrClosed
				}
				m.fail(&TransportError{Op: "read", Err: err})
				continue
			}
			m.handleFrame(f)
		case <-m.reconnectC:
			m.reconnect = nil
			m.reconnectC = nil
			if m.state == StateDisconnected && !m.stopped {
				m.connect()
			}
		case now := <-m.tickerC:
			m.tickHeartbeat(now)
		}
	}
}

func (m *Manager) connect() {
	m.stopReconnect()
	m.gen++
	gen := m.gen
	timeout := m.cfg.ConnectTimeout + m.cfg.HandshakeTimeout
	ctx, cancel := context.WithTimeout(m.runCtx, timeout)
	m.dialCancel = cancel
	m.sessionID = ""
	m.setState(StateConnecting)

	go func() {
		ch, err := m.dialer.Dial(ctx)
		select {
		case m.results <- dialResult{gen: gen, ch: ch, err: err}:
		case <-m.done:
			if ch != nil {
				_ = ch.Close()
			}
		}
	}()
}

func (m *Manager) handleDial(res dialResult) {
	if res.gen != m.gen || m.state != StateConnecting {
		if res.ch != nil {
			_ = res.ch.Close()
		}
		return
	}
	if m.dialCancel != nil {
		m.dialCancel()
		m.dialCancel = nil
	}
	if res.err != nil {
		m.fail(&TransportError{Op: "connect", Err: res.err})
		return
	}
	if res.ch == nil {
		m.fail(&TransportError{Op: "connect", Err: transport.ErrHandshake})
		return
	}

	m.ch = res.ch
	m.sessionID = strings.TrimSpace(res.ch.SessionID())
	if m.sessionID == "" {
		m.sessionID = uuid.NewString()
	}
	m.attempt = 0
	m.lastErr = nil
	m.setState(StateConnected)
	log.Info().Str("session_id", m.sessionID).Msg("session.Manager.connected")

	if m.hooks.OnConnected != nil {
		m.hooks.OnConnected(res.ch)
	}
	m.frames = res.ch.Frames()
	m.startHeartbeat(res.ch)
}

func (m *Manager) handleFrame(f transport.Frame) {
	if f.ReceivedAt.IsZero() {
		f.ReceivedAt = time.Now()
	}
	m.lastInbound = f.ReceivedAt
	if f.Heartbeat {
		return
	}
	if m.hooks.OnFrame != nil {
		m.hooks.OnFrame(f)
	}
}

// fail moves a Connecting or Connected session to Disconnected and schedules a retry.
func (m *Manager) fail(err error) {
	if m.state != StateConnecting && m.state != StateConnected {
		return
	}
	wasConnected := m.state == StateConnected
	op := "unknown"
	if te, ok := err.(*TransportError); ok {
		op = te.Op
	}
	observability.RecordSessionFailure(op)
	log.Warn().Err(err).Str("session_id", m.sessionID).Int("attempt", m.attempt).Msg("session.Manager.failed")

	m.lastErr = err
	m.teardown()
	m.setState(StateDisconnected)
	if wasConnected && m.hooks.OnDisconnected != nil {
		m.hooks.OnDisconnected(err)
	}
	if m.hooks.OnError != nil {
		m.hooks.OnError(err)
	}
	m.scheduleReconnect()
}

func (m *Manager) scheduleReconnect() {
	if m.stopped {
		return
	}
	m.stopReconnect()
	m.attempt++
	delay := NextBackoffDelay(m.cfg.Backoff, m.attempt, m.rng)
	m.reconnect = time.NewTimer(delay)
	m.reconnectC = m.reconnect.C
	observability.RecordReconnectScheduled()
	log.Info().Int("attempt", m.attempt).Dur("delay", delay).Msg("session.Manager.reconnect scheduled")
}

func (m *Manager) stopReconnect() {
	if m.reconnect != nil {
		m.reconnect.Stop()
	}
	m.reconnect = nil
	m.reconnectC = nil
}

func (m *Manager) stop() {
	m.stopped = true
	m.stopReconnect()
	prev := m.state
	if prev == StateDisconnected {
		return
	}
	m.setState(StateClosing)
	m.teardown()
	m.setState(StateDisconnected)
	if prev == StateConnected && m.hooks.OnDisconnected != nil {
		m.hooks.OnDisconnected(nil)
	}
	log.Info().Str("from", prev.String()).Msg("session.Manager.stopped")
}

// teardown cancels any dial and closes the live channel before returning.
func (m *Manager) teardown() {
	if m.dialCancel != nil {
		m.dialCancel()
		m.dialCancel = nil
	}
	m.gen++
	m.stopHeartbeat()
	if m.ch != nil {
		if err := m.ch.Close(); err != nil {
			log.Debug().Err(err).Str("session_id", m.sessionID).Msg("session.Manager.close")
		}
		m.ch = nil
	}
	m.frames = nil
	m.sessionID = ""
}

func (m *Manager) shutdown() {
	m.stop()
	m.closeMu.Do(func() { close(m.done) })
}

func (m *Manager) startHeartbeat(ch transport.Channel) {
	m.sendEvery = m.cfg.HeartbeatInterval
	m.deadAfter = m.cfg.HeartbeatTimeout
	if n, ok := ch.(transport.HeartbeatNegotiator); ok {
		send, expect := n.HeartbeatIntervals()
		m.sendEvery = send
		switch {
		case expect == 0:
			m.deadAfter = 0
		case m.deadAfter < expect:
			m.deadAfter = 2 * expect
		}
	}
	now := time.Now()
	m.lastSent = now
	m.lastInbound = now

	tick := m.sendEvery
	if m.deadAfter > 0 && (tick == 0 || m.deadAfter/2 < tick) {
		tick = m.deadAfter / 2
	}
	if tick <= 0 {
		return
	}
	m.ticker = time.NewTicker(tick)
	m.tickerC = m.ticker.C
}

func (m *Manager) stopHeartbeat() {
	if m.ticker != nil {
		m.ticker.Stop()
	}
	m.ticker = nil
	m.tickerC = nil
}

func (m *Manager) tickHeartbeat(now time.Time) {
	if m.state != StateConnected || m.ch == nil {
		return
	}
	if m.deadAfter > 0 && now.Sub(m.lastInbound) > m.deadAfter {
		m.fail(&TransportError{Op: "heartbeat", Err: ErrHeartbeatTimeout})
		return
	}
	if m.sendEvery > 0 && now.Sub(m.lastSent) >= m.sendEvery-m.sendEvery/4 {
		if err := m.ch.SendHeartbeat(); err != nil {
			m.fail(&TransportError{Op: "heartbeat", Err: err})
			return
		}
		m.lastSent = now
	}
}

func (m *Manager) setState(s State) {
	m.state = s
	snap := &Session{ID: m.sessionID, State: s, LastError: m.lastErr}
	m.snap.Store(snap)
	m.connected.Store(s == StateConnected)
	observability.RecordSessionState(s.String(), s == StateConnected)
	if m.hooks.OnStateChange != nil {
		m.hooks.OnStateChange(*snap)
	}
}
