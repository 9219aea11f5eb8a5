package main

import (
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/danmuck/flowlearn/internal/feed"
	"github.com/danmuck/flowlearn/internal/protocol/session"
)

type printer struct {
	mu  sync.Mutex
	out io.Writer
}

func (p *printer) message(topic string, m feed.Message) {
	p.mu.Lock()
	defer p.mu.Unlock()
	ts := m.Timestamp.Local().Format("15:04:05")
	if m.Timestamp.IsZero() {
		ts = "--:--:--"
	}
	who := strings.TrimSpace(m.Username)
	if who == "" {
		who = "-"
	}
	fmt.Fprintf(p.out, "%s [%-13s] %-10s %s\n", ts, topic, who, m.Content)
}

func (p *printer) state(s session.Session) {
	p.mu.Lock()
	defer p.mu.Unlock()
	switch s.State {
	case session.StateConnected:
		fmt.Fprintf(p.out, "%s * connected (session %s)\n", time.Now().Format("15:04:05"), s.ID)
	case session.StateDisconnected:
		if s.LastError != nil {
			fmt.Fprintf(p.out, "%s o disconnected: %v\n", time.Now().Format("15:04:05"), s.LastError)
			return
		}
		fmt.Fprintf(p.out, "%s o disconnected\n", time.Now().Format("15:04:05"))
	}
}

func (p *printer) linef(format string, args ...any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprintf(p.out, format+"\n", args...)
}

// backlog prints each topic oldest first so the newest line ends up last.
func (p *printer) backlog(f *feed.Feed, topics []string) {
	for _, topic := range topics {
		msgs := f.Messages(topic)
		for i := len(msgs) - 1; i >= 0; i-- {
			p.message(topic, msgs[i])
		}
	}
}
