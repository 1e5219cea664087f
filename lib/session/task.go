package session

import (
	"context"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
)

// ErrTaskTimeout is returned by Task.Wait if the task did not finish in time
var ErrTaskTimeout = errors.New("task did not finish in time")

// ErrTaskCanceled is the result of a canceled task
var ErrTaskCanceled = errors.New("task canceled")

// Task is the result of background work started for a session, e.g. the
// readahead of the next scan batch.
type Task[T any] struct {
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
	result T
	err    error
}

// NewTask creates a pending task. The worker has to observe Context and call Complete.
func NewTask[T any](parent context.Context) *Task[T] {
	ctx, cancel := context.WithCancel(parent)
	return &Task[T]{ctx: ctx, cancel: cancel, done: make(chan struct{})}
}

// Context is canceled when the task is canceled
func (t *Task[T]) Context() context.Context {
	return t.ctx
}

// Complete stores the result, only the first call has an effect
func (t *Task[T]) Complete(result T, err error) {
	t.once.Do(func() {
		t.result, t.err = result, err
		close(t.done)
	})
}

// Cancel cancels the task, a pending task completes with ErrTaskCanceled
func (t *Task[T]) Cancel() {
	t.cancel()
	var zero T
	t.Complete(zero, ErrTaskCanceled)
}

// Done reports whether the task completed
func (t *Task[T]) Done() bool {
	select {
	case <-t.done:
		return true
	default:
		return false
	}
}

// Wait blocks until the task completed or the timeout passed (ErrTaskTimeout)
func (t *Task[T]) Wait(timeout time.Duration) (T, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-t.done:
		return t.result, t.err
	case <-timer.C:
		var zero T
		return zero, ErrTaskTimeout
	}
}
