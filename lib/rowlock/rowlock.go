package rowlock

import (
	"bytes"
	"context"
	"sort"
	"sync"

	"golang.org/x/sync/semaphore"
)

// entry is the lock of one row. refs counts the holders and waiters, the entry
// is removed from the table once nobody references it anymore.
type entry struct {
	sem  *semaphore.Weighted
	refs int
}

// Table maps rows to exclusive locks. Locks live only in memory and only as long
// as they are held or awaited.
type Table struct {
	mu    sync.Mutex
	locks map[string]*entry
}

// Lock is a held row lock
type Lock struct {
	table *Table
	key   string
	e     *entry
	once  sync.Once
}

// NewTable creates an empty row lock table
func NewTable() *Table {
	return &Table{locks: make(map[string]*entry)}
}

func lockKey(table string, row []byte) string {
	return table + "\x00" + string(row)
}

// ref returns the entry of the key and increases its reference count
func (t *Table) ref(key string) *entry {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.locks[key]
	if !ok {
		e = &entry{sem: semaphore.NewWeighted(1)}
		t.locks[key] = e
	}
	e.refs++
	return e
}

func (t *Table) unref(key string, e *entry) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e.refs--
	if e.refs == 0 {
		delete(t.locks, key)
	}
}

// TryLock acquires the lock of the row without waiting
func (t *Table) TryLock(table string, row []byte) (*Lock, bool) {
	key := lockKey(table, row)
	e := t.ref(key)
	if !e.sem.TryAcquire(1) {
		t.unref(key, e)
		return nil, false
	}
	return &Lock{table: t, key: key, e: e}, true
}

// Lock waits until the lock of the row is acquired or ctx is done
func (t *Table) Lock(ctx context.Context, table string, row []byte) (*Lock, error) {
	key := lockKey(table, row)
	e := t.ref(key)
	if err := e.sem.Acquire(ctx, 1); err != nil {
		t.unref(key, e)
		return nil, err
	}
	return &Lock{table: t, key: key, e: e}, nil
}

// Unlock releases the lock, calling it more than once has no effect
func (l *Lock) Unlock() {
	l.once.Do(func() {
		l.e.sem.Release(1)
		l.table.unref(l.key, l.e)
	})
}

// Len returns the number of rows that are locked or awaited
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.locks)
}

// AcquireBatch locks a set of rows of one table. The rows are sorted, the first row
// is locked blocking and all others are only tried, so concurrent callers can not
// deadlock: a caller waits only while it holds no row lock. Blocking on the first
// row means every call locks at least one row, so a caller retrying its deferred
// rows always makes progress. Rows that could not be locked are returned as deferred.
// Duplicate rows must be removed by the caller.
func (t *Table) AcquireBatch(ctx context.Context, table string, rows [][]byte) (held map[string]*Lock, deferred [][]byte, err error) {
	sorted := make([][]byte, len(rows))
	copy(sorted, rows)
	sort.Slice(sorted, func(i, j int) bool { return bytes.Compare(sorted[i], sorted[j]) < 0 })

	held = make(map[string]*Lock, len(sorted))
	for i, row := range sorted {
		if i == 0 {
			l, err := t.Lock(ctx, table, row)
			if err != nil {
				return nil, sorted, err
			}
			held[string(row)] = l
			continue
		}
		if l, ok := t.TryLock(table, row); ok {
			held[string(row)] = l
		} else {
			deferred = append(deferred, row)
		}
	}
	return held, deferred, nil
}

// UnlockAll releases all locks of a batch
func UnlockAll(locks map[string]*Lock) {
	for _, l := range locks {
		l.Unlock()
	}
}
