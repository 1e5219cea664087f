package coordinator

import (
	"container/list"
	"context"
	"sync"
	"time"
)

// Queue is the outbound message queue of the node. Messages that could not be
// delivered are pushed back to the front, so the order is kept.
type Queue struct {
	mu     sync.Mutex
	items  *list.List
	notify chan struct{}
}

// NewQueue creates an empty queue
func NewQueue() *Queue {
	return &Queue{items: list.New(), notify: make(chan struct{}, 1)}
}

func (q *Queue) signal() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// PushBack appends a message
func (q *Queue) PushBack(m Message) {
	q.mu.Lock()
	q.items.PushBack(m)
	q.mu.Unlock()
	q.signal()
}

// PushFront puts a message in front of all others
func (q *Queue) PushFront(m Message) {
	q.mu.Lock()
	q.items.PushFront(m)
	q.mu.Unlock()
	q.signal()
}

// TryPoll removes the first message without waiting
func (q *Queue) TryPoll() (Message, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	front := q.items.Front()
	if front == nil {
		return nil, false
	}
	q.items.Remove(front)
	return front.Value.(Message), true
}

// Poll waits up to timeout for a message
func (q *Queue) Poll(ctx context.Context, timeout time.Duration) (Message, bool) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for {
		if m, ok := q.TryPoll(); ok {
			return m, true
		}
		select {
		case <-q.notify:
		case <-timer.C:
			return nil, false
		case <-ctx.Done():
			return nil, false
		}
	}
}

// Len returns the number of queued messages
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.items.Len()
}
