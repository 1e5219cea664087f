package coordinator

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/ValentinKolb/dTablet/lib/lockmgr"
	"github.com/cockroachdb/errors"
)

// ErrLockNotAcquired is returned if the node lock is held by another instance
var ErrLockNotAcquired = errors.New("node lock is held by another instance")

// HaltFunc stops the process, it must not return
type HaltFunc func(reason string)

// LockWatcher keeps the node lock alive. Losing the lock is fatal: the node
// would keep serving tablets that may already be assigned elsewhere, so the
// watcher calls Halt as soon as the loss is confirmed.
type LockWatcher struct {
	locks    lockmgr.ILockManager
	key      string
	ttl      time.Duration
	interval time.Duration
	halt     HaltFunc

	owner   []byte
	held    atomic.Bool
	refresh time.Time
}

// NewLockWatcher creates a watcher for the lock key. The lock is refreshed every
// ttl/3.
func NewLockWatcher(locks lockmgr.ILockManager, key string, ttl time.Duration, halt HaltFunc) *LockWatcher {
	return &LockWatcher{locks: locks, key: key, ttl: ttl, interval: ttl / 3, halt: halt}
}

// Acquire takes the node lock, waiting up to timeout for an expired lock of a
// previous instance
func (w *LockWatcher) Acquire(ctx context.Context, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		ok, owner, err := w.locks.AcquireLock(w.key, uint64(w.ttl.Milliseconds()))
		if err != nil {
			return errors.Wrapf(err, "acquire lock %s", w.key)
		}
		if ok {
			w.owner = owner
			w.refresh = time.Now()
			w.held.Store(true)
			return nil
		}
		if time.Now().After(deadline) {
			return errors.Wrapf(ErrLockNotAcquired, "lock %s", w.key)
		}
		select {
		case <-time.After(w.interval):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Owner returns the owner id of the held lock, it identifies this node instance
func (w *LockWatcher) Owner() string {
	return string(w.owner)
}

// Held reports whether the lock was acquired and not lost
func (w *LockWatcher) Held() bool {
	return w.held.Load()
}

// Run refreshes the lock until ctx is done
func (w *LockWatcher) Run(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.check()
		}
	}
}

// check refreshes the lock once. A refused refresh means another instance holds
// the lock. If the store is unreachable the lock is considered lost once its
// ttl passed since the last successful refresh.
func (w *LockWatcher) check() {
	ok, err := w.locks.RefreshLock(w.key, w.owner, uint64(w.ttl.Milliseconds()))
	switch {
	case err != nil && time.Since(w.refresh) < w.ttl:
		Logger.Warningf("failed to refresh lock %s: %v", w.key, err)
	case err != nil:
		w.lost(errors.Wrapf(err, "lock %s expired", w.key).Error())
	case !ok:
		w.lost("lock " + w.key + " is no longer held")
	default:
		w.refresh = time.Now()
	}
}

func (w *LockWatcher) lost(reason string) {
	w.held.Store(false)
	Logger.Errorf("lost node lock, halting: %s", reason)
	w.halt(reason)
}

// Release frees the lock on a clean shutdown
func (w *LockWatcher) Release() error {
	if !w.held.Swap(false) {
		return nil
	}
	_, err := w.locks.ReleaseLock(w.key, w.owner)
	return err
}
