package coordinator

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/ValentinKolb/dTablet/lib/data"
	"github.com/ValentinKolb/dTablet/lib/db"
	"github.com/ValentinKolb/dTablet/lib/db/engines/ordered"
	"github.com/ValentinKolb/dTablet/lib/lockmgr"
	"github.com/ValentinKolb/dTablet/lib/store"
	"github.com/ValentinKolb/dTablet/lib/store/lstore"
	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/require"
)

func newStore() store.IStore {
	return lstore.NewLocalStore(func() db.KVDB { return ordered.NewOrderedDB() })
}

func status(state LoadState, end string) Message {
	return &TabletStatus{State: state, Extent: data.NewExtent("1", []byte(end), nil)}
}

func TestQueue(t *testing.T) {
	q := NewQueue()
	_, ok := q.TryPoll()
	require.False(t, ok)

	q.PushBack(status(Loaded, "a"))
	q.PushBack(status(Loaded, "b"))
	q.PushFront(status(Unloaded, "c"))
	require.Equal(t, 3, q.Len())

	var order []string
	for {
		m, ok := q.TryPoll()
		if !ok {
			break
		}
		order = append(order, string(m.(*TabletStatus).Extent.EndRow))
	}
	require.Equal(t, []string{"c", "a", "b"}, order)

	start := time.Now()
	_, ok = q.Poll(context.Background(), 20*time.Millisecond)
	require.False(t, ok)
	require.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond)

	go func() {
		time.Sleep(10 * time.Millisecond)
		q.PushBack(status(Loaded, "d"))
	}()
	m, ok := q.Poll(context.Background(), time.Second)
	require.True(t, ok)
	require.Equal(t, "d", string(m.(*TabletStatus).Extent.EndRow))
}

func TestEncoding(t *testing.T) {
	old := data.NewExtent("1", nil, nil)
	low, high := old.SplitAt([]byte("m"))
	split := &SplitReport{Old: old, Low: low, High: high, LowDir: "t-1", HighDir: "t-default"}

	b, err := Encode("node1:9000", split)
	require.NoError(t, err)
	server, m, err := Decode(b)
	require.NoError(t, err)
	require.Equal(t, "node1:9000", server)
	got, ok := m.(*SplitReport)
	require.True(t, ok)
	require.True(t, got.Low.Equal(low))
	require.True(t, got.High.Equal(high))
	require.Equal(t, "t-1", got.LowDir)

	_, _, err = Decode([]byte(`{"kind":"other","payload":{}}`))
	require.Error(t, err)
}

// flakySender fails the first failures sends
type flakySender struct {
	mu       sync.Mutex
	failures int
	calls    int
	got      []Message
}

func (s *flakySender) Send(_ context.Context, m Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.calls <= s.failures {
		return errors.New("coordinator unavailable")
	}
	s.got = append(s.got, m)
	return nil
}

func (s *flakySender) delivered() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.got)
}

func TestLoopRetriesInOrder(t *testing.T) {
	q := NewQueue()
	sender := &flakySender{failures: 3}
	loop := NewLoop(q, sender, time.Millisecond)

	for _, end := range []string{"a", "b", "c"} {
		q.PushBack(status(Loaded, end))
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		loop.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool { return sender.delivered() == 3 }, 5*time.Second, 5*time.Millisecond)
	cancel()
	<-done

	var order []string
	for _, m := range sender.got {
		order = append(order, string(m.(*TabletStatus).Extent.EndRow))
	}
	require.Equal(t, []string{"a", "b", "c"}, order)
	require.Equal(t, 6, sender.calls)
}

func TestStoreSender(t *testing.T) {
	s := newStore()
	sender := NewStoreSender(s, "node1:9000")
	for _, end := range []string{"a", "b", "c"} {
		require.NoError(t, sender.Send(context.Background(), status(Loaded, end)))
	}
	require.NoError(t, s.Set(InboxPrefix+"zzz", []byte("garbage")))

	msgs, err := ReadInbox(s, 0)
	require.NoError(t, err)
	require.Len(t, msgs, 3)
	for i, end := range []string{"a", "b", "c"} {
		require.Equal(t, "node1:9000", msgs[i].Server)
		require.Equal(t, end, string(msgs[i].Message.(*TabletStatus).Extent.EndRow))
	}

	require.NoError(t, Ack(s, msgs[0].Key))
	msgs, err = ReadInbox(s, 1)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	require.Equal(t, "b", string(msgs[0].Message.(*TabletStatus).Extent.EndRow))
}

// failingLocks returns an error for every refresh
type failingLocks struct {
	lockmgr.ILockManager
}

func (failingLocks) RefreshLock(string, []byte, uint64) (bool, error) {
	return false, errors.New("store unavailable")
}

func TestLockWatcher(t *testing.T) {
	locks := lockmgr.NewLockManager(newStore())
	var reasons []string
	halt := func(reason string) { reasons = append(reasons, reason) }

	w := NewLockWatcher(locks, "tservers/node1", time.Minute, halt)
	require.NoError(t, w.Acquire(context.Background(), time.Second))
	require.True(t, w.Held())
	require.NotEmpty(t, w.Owner())

	// a second instance does not get the lock
	other := NewLockWatcher(locks, "tservers/node1", time.Minute, halt)
	err := other.Acquire(context.Background(), 0)
	require.True(t, errors.Is(err, ErrLockNotAcquired))

	w.check()
	require.Empty(t, reasons)

	// the lock is taken over by someone else
	ok, err := locks.ReleaseLock("tservers/node1", []byte(w.Owner()))
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, other.Acquire(context.Background(), time.Second))
	w.check()
	require.Len(t, reasons, 1)
	require.False(t, w.Held())

	// an unreachable store halts once the ttl passed
	w = NewLockWatcher(failingLocks{locks}, "tservers/node2", time.Minute, halt)
	w.owner = []byte("owner")
	w.refresh = time.Now()
	w.held.Store(true)
	w.check()
	require.Len(t, reasons, 1)
	w.refresh = time.Now().Add(-2 * time.Minute)
	w.check()
	require.Len(t, reasons, 2)

	require.NoError(t, other.Release())
	require.False(t, other.Held())
}
