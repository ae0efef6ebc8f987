package fsm

import "sync"

// Mailbox is an unbounded FIFO queue. Post never blocks, so it is safe to
// call from transport callbacks and timer goroutines.
type Mailbox[E any] struct {
	mu     sync.Mutex
	items  []E
	signal chan struct{}
}

// NewMailbox returns an empty mailbox.
func NewMailbox[E any]() *Mailbox[E] {
	return &Mailbox[E]{signal: make(chan struct{}, 1)}
}

// Post appends e to the queue.
func (m *Mailbox[E]) Post(e E) {
	m.mu.Lock()
	m.items = append(m.items, e)
	m.mu.Unlock()

	select {
	case m.signal <- struct{}{}:
	default:
	}
}

// Ready is signalled whenever the mailbox may hold items.
func (m *Mailbox[E]) Ready() <-chan struct{} {
	return m.signal
}

// Drain removes and returns all queued items in order.
func (m *Mailbox[E]) Drain() []E {
	m.mu.Lock()
	defer m.mu.Unlock()
	items := m.items
	m.items = nil
	return items
}

// Len returns the number of queued items.
func (m *Mailbox[E]) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.items)
}
