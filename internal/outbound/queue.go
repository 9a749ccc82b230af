package outbound

import (
	"errors"
	"sync"

	kit "automemer/internal/transport"
)

var ErrStopped = errors.New("outbound queue stopped")

// Kind tells posts apart from operator replies in logs and history.
type Kind string

const (
	KindPost  Kind = "post"
	KindReply Kind = "reply"
)

type Message struct {
	Kind    Kind
	Target  kit.ChatTarget
	Text    string
	Options *kit.SendOptions
}

// Queue is an unbounded in-memory FIFO. Its content does not survive a
// restart.
type Queue struct {
	mu     sync.Mutex
	items  []Message
	closed bool
	ready  chan struct{}
}

func NewQueue() *Queue {
	return &Queue{ready: make(chan struct{}, 1)}
}

// Push appends msgs in order. It fails only after Close.
func (q *Queue) Push(msgs ...Message) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrStopped
	}
	q.items = append(q.items, msgs...)
	q.mu.Unlock()
	q.wake()
	return nil
}

func (q *Queue) Pop() (Message, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return Message{}, false
	}
	m := q.items[0]
	q.items[0] = Message{}
	q.items = q.items[1:]
	if len(q.items) == 0 {
		q.items = nil
	}
	return m, true
}

func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Ready is signaled after a Push or Close. A receiver must re-check Len.
func (q *Queue) Ready() <-chan struct{} { return q.ready }

// Close rejects further pushes. Queued messages can still be popped.
func (q *Queue) Close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.wake()
}

func (q *Queue) Closed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed
}

func (q *Queue) wake() {
	select {
	case q.ready <- struct{}{}:
	default:
	}
}
