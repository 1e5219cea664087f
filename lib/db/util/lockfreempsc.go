// Package util provides a lock-free Multi-Producer Single-Consumer (MPSC) queue.
//
// Features and Guarantees:
//
//   - Lock-Free: producers append with atomic operations only
//   - Unbounded Size: the queue grows as needed, limited only by available memory
//   - Batch Consumption: the single consumer drains everything that was pushed since
//     the last drain in one call. The WAL group commit uses this to answer all pending
//     sync requests with a single fsync.
//   - No Strict FIFO Guarantee across producers: under concurrent Push() operations the
//     order is determined by which producer completes its operation first.
package util

import (
	"runtime"
	"sync/atomic"
)

// node represents a single element in the queue
type node[T any] struct {
	value *T
	next  atomic.Pointer[node[T]]
}

// LockFreeMPSC is a lock-free multi-producer single-consumer queue
type LockFreeMPSC[T any] struct {
	head   *node[T] // only touched by the consumer
	tail   atomic.Pointer[node[T]]
	notify chan struct{}
	closed atomic.Bool
}

// NewLockFreeMPSC creates a new queue
func NewLockFreeMPSC[T any]() *LockFreeMPSC[T] {
	sentinel := &node[T]{}
	q := &LockFreeMPSC[T]{
		head:   sentinel,
		notify: make(chan struct{}, 1),
	}
	q.tail.Store(sentinel)
	return q
}

// Push adds an item to the queue.
// Returns false if the item is nil or the queue is closed.
//
// Thread-safety: This method is thread-safe and can be called concurrently.
func (q *LockFreeMPSC[T]) Push(value *T) bool {
	if value == nil || q.closed.Load() {
		return false
	}

	newNode := &node[T]{value: value}
	var backoff uint8
	for {
		tailNode := q.tail.Load()
		next := tailNode.next.Load()
		if next == nil {
			if tailNode.next.CompareAndSwap(nil, newNode) {
				// may fail if another producer already helped, the tail moves forward either way
				q.tail.CompareAndSwap(tailNode, newNode)
				q.signal()
				return true
			}
		} else {
			// help a producer that appended but did not move the tail yet
			q.tail.CompareAndSwap(tailNode, next)
		}

		// spin a little at low contention, then yield
		if backoff < 6 {
			backoff++
			for i := 0; i < 1<<backoff; i++ {
				runtime.Gosched()
			}
		}
		runtime.Gosched()
	}
}

func (q *LockFreeMPSC[T]) signal() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// Notify returns a channel that receives a value whenever new items may be available.
// Signals are coalesced: one receive may stand for any number of pushes.
func (q *LockFreeMPSC[T]) Notify() <-chan struct{} {
	return q.notify
}

// Drain removes and returns up to max items (0 = all available items).
//
// Thread-safety: Only the single consumer may call Drain.
func (q *LockFreeMPSC[T]) Drain(max int) []*T {
	var res []*T
	for max <= 0 || len(res) < max {
		next := q.head.next.Load()
		if next == nil {
			break
		}
		res = append(res, next.value)
		next.value = nil // help the gc, the node stays as the new sentinel
		q.head = next
	}
	return res
}

// Close prevents further pushes. Items already in the queue can still be drained.
func (q *LockFreeMPSC[T]) Close() {
	q.closed.Store(true)
	q.signal()
}

// IsClosed returns true if the queue is closed.
func (q *LockFreeMPSC[T]) IsClosed() bool {
	return q.closed.Load()
}

// Len returns an approximate count of the items in the queue.
// This is O(n) and should only be used for debugging.
func (q *LockFreeMPSC[T]) Len() int {
	count := 0
	for current := q.head.next.Load(); current != nil; current = current.next.Load() {
		count++
	}
	return count
}
