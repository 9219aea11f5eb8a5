// Package client composes the session manager, subscription registry and router into
// the realtime subscription client. Callers construct one per gateway and pass it
// explicitly; there is no package-level instance.
package client

import (
	"context"

	"github.com/danmuck/flowlearn/internal/event"
	"github.com/danmuck/flowlearn/internal/protocol/session"
	"github.com/danmuck/flowlearn/internal/router"
	"github.com/danmuck/flowlearn/internal/subscription"
	"github.com/danmuck/flowlearn/internal/transport"
	"github.com/rs/zerolog/log"
)

type Config struct {
	Session session.Config
	// OnError receives transport, decode and subscription errors. It runs on the
	// session loop and must not block.
	OnError func(error)
	// OnStateChange observes connectivity for display.
	OnStateChange func(session.Session)
}

type Client struct {
	cfg    Config
	mgr    *session.Manager
	reg    *subscription.Registry
	router *router.Router
}

func New(cfg Config, dialer transport.Dialer) *Client {
	c := &Client{cfg: cfg}
	c.reg = subscription.NewRegistry(c.reportError)
	c.router = router.New(c.reg, c.reportError)
	c.mgr = session.NewManager(cfg.Session, dialer, session.Hooks{
		OnConnected:    c.onConnected,
		OnDisconnected: c.onDisconnected,
		OnFrame:        c.router.OnFrame,
		OnStateChange:  cfg.OnStateChange,
		OnError:        c.reportError,
	})
	return c
}

// Run drives the client until ctx is cancelled.
func (c *Client) Run(ctx context.Context) error {
	return c.mgr.Run(ctx)
}

func (c *Client) Start() { c.mgr.Start() }

func (c *Client) Stop() { c.mgr.Stop() }

// Done is closed once Run has returned.
func (c *Client) Done() <-chan struct{} { return c.mgr.Done() }

func (c *Client) Connected() bool { return c.mgr.Connected() }

func (c *Client) Session() session.Session { return c.mgr.Session() }

// Subscribe registers h for topic. The registration is queued on the session loop, so
// it applies even when ctx ends before the result is known. A transport failure is
// returned but the handler stays registered for the next session.
func (c *Client) Subscribe(ctx context.Context, topic string, h event.Handler) error {
	return c.apply(ctx, func() error { return c.reg.Subscribe(topic, h) })
}

func (c *Client) Unsubscribe(ctx context.Context, topic string) error {
	return c.apply(ctx, func() error { return c.reg.Unsubscribe(topic) })
}

// Topics returns the registered topics in insertion order.
func (c *Client) Topics(ctx context.Context) ([]string, error) {
	out := make(chan []string, 1)
	if err := c.mgr.Exec(ctx, func() { out <- c.reg.Topics() }); err != nil {
		return nil, err
	}
	return <-out, nil
}

func (c *Client) Stats(ctx context.Context) (router.Stats, error) {
	out := make(chan router.Stats, 1)
	if err := c.mgr.Exec(ctx, func() { out <- c.router.Stats() }); err != nil {
		return router.Stats{}, err
	}
	return <-out, nil
}

func (c *Client) apply(ctx context.Context, op func() error) error {
	errc := make(chan error, 1)
	c.mgr.Do(func() { errc <- op() })
	select {
	case err := <-errc:
		return err
	case <-c.mgr.Done():
		return session.ErrNotRunning
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Client) onConnected(ch transport.Channel) {
	errs := c.reg.Attach(ch)
	log.Info().
		Str("session_id", ch.SessionID()).
		Strs("topics", c.reg.Topics()).
		Int("replay_failures", len(errs)).
		Msg("client.Client.attached")
}

func (c *Client) onDisconnected(err error) {
	c.reg.Detach()
	log.Info().Err(err).Msg("client.Client.detached")
}

func (c *Client) reportError(err error) {
	if c.cfg.OnError != nil {
		c.cfg.OnError(err)
	}
}
