package session

import (
	"sync"

	"github.com/gammazero/deque"

	"github.com/isqad/splitstreamer/internal/protocol"
)

// Outbox is the outbound signaling queue shared by the registry and all peers.
// Push never blocks, so engine continuations can enqueue replies while the
// message loop is busy.
type Outbox struct {
	mu     sync.Mutex
	queue  deque.Deque[protocol.Message]
	closed bool

	ready     chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

func NewOutbox() *Outbox {
	return &Outbox{
		ready: make(chan struct{}, 1),
		done:  make(chan struct{}),
	}
}

// Push appends m and reports whether it was accepted
func (o *Outbox) Push(m protocol.Message) bool {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return false
	}
	o.queue.PushBack(m)
	o.mu.Unlock()

	select {
	case o.ready <- struct{}{}:
	default:
	}

	return true
}

// Ready receives a value whenever messages were pushed since the last Drain
func (o *Outbox) Ready() <-chan struct{} {
	return o.ready
}

// Drain returns queued messages in push order
func (o *Outbox) Drain() []protocol.Message {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.queue.Len() == 0 {
		return nil
	}
	queue := make([]protocol.Message, 0, o.queue.Len())
	for o.queue.Len() > 0 {
		queue = append(queue, o.queue.PopFront())
	}

	return queue
}

func (o *Outbox) Len() int {
	o.mu.Lock()
	defer o.mu.Unlock()

	return o.queue.Len()
}

func (o *Outbox) Done() <-chan struct{} {
	return o.done
}

func (o *Outbox) Close() {
	o.closeOnce.Do(func() {
		o.mu.Lock()
		o.closed = true
		o.mu.Unlock()

		close(o.done)
	})
}
