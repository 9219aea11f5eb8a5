package session

import "sync"

// mailbox is an unbounded FIFO of closures drained by the manager loop. Posting never
// blocks, so callers may enqueue before Run starts.
type mailbox struct {
	mu    sync.Mutex
	items []func()
	ready chan struct{}
}

func newMailbox() *mailbox {
	return &mailbox{ready: make(chan struct{}, 1)}
}

func (b *mailbox) post(fn func()) {
	b.mu.Lock()
	b.items = append(b.items, fn)
	b.mu.Unlock()
	select {
	case b.ready <- struct{}{}:
	default:
	}
}

func (b *mailbox) drain() []func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	items := b.items
	b.items = nil
	return items
}
