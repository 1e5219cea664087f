package session

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ValentinKolb/dTablet/lib/data"
	"github.com/stretchr/testify/require"
)

// fakeClock is a manually advanced clock
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// countingPayload counts cleanup calls and can report running work
type countingPayload struct {
	kind     Kind
	cleanups atomic.Int32
	busy     atomic.Bool
}

func (p *countingPayload) Kind() Kind { return p.kind }
func (p *countingPayload) isPayload() {}
func (p *countingPayload) Cleanup() bool {
	p.cleanups.Add(1)
	return !p.busy.Load()
}

func newTestManager() (*Manager, *fakeClock) {
	clock := &fakeClock{now: time.Unix(1000, 0)}
	m := newManager(Config{MaxIdle: time.Minute, MaxUpdateIdle: 10 * time.Second}, clock.Now)
	return m, clock
}

func TestCreateAndReserve(t *testing.T) {
	m, _ := newTestManager()

	s := m.Create("alice", "1", &countingPayload{kind: KindScan}, false)
	require.NotZero(t, s.ID)
	require.Equal(t, 1, m.Len())
	require.Same(t, s, m.Get(s.ID))

	r := m.Reserve(s.ID)
	require.Same(t, s, r)
	require.Equal(t, StateReserved, s.State())

	// fail fast while reserved
	require.Nil(t, m.Reserve(s.ID))
	m.Unreserve(r)
	require.NotNil(t, m.Reserve(s.ID))

	require.Nil(t, m.Reserve(42))

	// reserved at creation
	s2 := m.Create("bob", "1", &countingPayload{kind: KindUpdate}, true)
	require.Equal(t, StateReserved, s2.State())
	require.NotEqual(t, s.ID, s2.ID)
}

func TestReserveWait(t *testing.T) {
	m, _ := newTestManager()
	s := m.Create("alice", "1", &countingPayload{kind: KindScan}, true)

	got := make(chan *Session)
	go func() {
		got <- m.ReserveWait(context.Background(), s.ID)
	}()

	select {
	case <-got:
		t.Fatal("ReserveWait returned while the session was reserved")
	case <-time.After(50 * time.Millisecond):
	}
	m.Unreserve(s)
	require.Same(t, s, <-got)

	// context cancellation
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	require.Nil(t, m.ReserveWait(ctx, s.ID))

	// removal while waiting
	go func() {
		got <- m.ReserveWait(context.Background(), s.ID)
	}()
	time.Sleep(20 * time.Millisecond)
	m.Remove(s.ID, true)
	require.Nil(t, <-got)
}

func TestRemove(t *testing.T) {
	m, _ := newTestManager()

	p := &countingPayload{kind: KindScan}
	s := m.Create("alice", "1", p, false)
	require.Same(t, s, m.Remove(s.ID, false))
	require.Equal(t, int32(1), p.cleanups.Load())
	require.Nil(t, m.Get(s.ID))
	require.Nil(t, m.Remove(s.ID, false))

	// a running session is cleaned up by its holder
	p2 := &countingPayload{kind: KindScan}
	s2 := m.Create("alice", "1", p2, true)
	m.Remove(s2.ID, true)
	require.Equal(t, int32(0), p2.cleanups.Load())
	require.Equal(t, StateRemoved, s2.State())
	m.Unreserve(s2)
	require.Equal(t, int32(1), p2.cleanups.Load())
	m.Unreserve(s2)
	require.Equal(t, int32(1), p2.cleanups.Load())

	// without possiblyRunning the cleanup happens immediately
	p3 := &countingPayload{kind: KindScan}
	s3 := m.Create("alice", "1", p3, true)
	m.Remove(s3.ID, false)
	require.Equal(t, int32(1), p3.cleanups.Load())
	require.Equal(t, 0, m.Len())
}

func TestRemoveIfNotAccessed(t *testing.T) {
	m, _ := newTestManager()

	p := &countingPayload{kind: KindScan}
	s := m.Create("alice", "1", p, false)
	m.RemoveIfNotAccessed(s.ID, 10*time.Millisecond)
	require.Eventually(t, func() bool { return m.Get(s.ID) == nil }, time.Second, 5*time.Millisecond)
	require.Equal(t, int32(1), p.cleanups.Load())

	// an access in between keeps the session
	s2 := m.Create("alice", "1", &countingPayload{kind: KindScan}, false)
	m.RemoveIfNotAccessed(s2.ID, 30*time.Millisecond)
	m.Unreserve(m.Reserve(s2.ID))
	time.Sleep(80 * time.Millisecond)
	require.NotNil(t, m.Get(s2.ID))

	// a reserved session is kept
	s3 := m.Create("alice", "1", &countingPayload{kind: KindScan}, true)
	m.RemoveIfNotAccessed(s3.ID, 10*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	require.NotNil(t, m.Get(s3.ID))
}

func TestSweep(t *testing.T) {
	m, clock := newTestManager()

	scan := &countingPayload{kind: KindScan}
	update := &countingPayload{kind: KindUpdate}
	running := &countingPayload{kind: KindScan}
	sScan := m.Create("alice", "1", scan, false)
	sUpdate := m.Create("alice", "1", update, false)
	sRunning := m.Create("alice", "1", running, true)

	clock.Advance(11 * time.Second)
	require.Equal(t, 1, m.Sweep(), "only the update session is past its timeout")
	require.Nil(t, m.Get(sUpdate.ID))
	require.NotNil(t, m.Get(sScan.ID))
	require.Equal(t, int32(1), update.cleanups.Load())

	// accessing the scan session resets its idle time
	clock.Advance(40 * time.Second)
	m.Unreserve(m.Reserve(sScan.ID))
	clock.Advance(30 * time.Second)
	require.Equal(t, 0, m.Sweep())

	clock.Advance(31 * time.Second)
	require.Equal(t, 1, m.Sweep())
	require.Nil(t, m.Get(sScan.ID))

	// reserved sessions are never swept
	require.NotNil(t, m.Get(sRunning.ID))
}

func TestSweepSubMillisecondAccess(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1000, 700_000)}
	m := newManager(Config{MaxIdle: time.Second, MaxUpdateIdle: time.Second}, clock.Now)
	s := m.Create("alice", "1", &countingPayload{kind: KindScan}, false)

	// lands between the millisecond deadline and the exact one
	clock.Advance(999_600 * time.Microsecond)
	removed := m.Sweep()
	clock.Advance(time.Hour)
	removed += m.Sweep()

	require.Equal(t, 1, removed)
	require.Nil(t, m.Get(s.ID))
	require.Equal(t, 0, m.Len())
}

func TestSweepRetriesCleanup(t *testing.T) {
	m, clock := newTestManager()

	p := &countingPayload{kind: KindScan}
	p.busy.Store(true)
	s := m.Create("alice", "1", p, false)

	clock.Advance(2 * time.Minute)
	require.Equal(t, 1, m.Sweep())
	require.Nil(t, m.Get(s.ID))
	require.Equal(t, int32(1), p.cleanups.Load())

	m.Sweep()
	require.Equal(t, int32(2), p.cleanups.Load())

	p.busy.Store(false)
	m.Sweep()
	m.Sweep()
	require.Equal(t, int32(3), p.cleanups.Load(), "no retry after a finished cleanup")
}

func TestActiveScans(t *testing.T) {
	m, clock := newTestManager()

	scan := &ScanState{Extent: data.NewExtent("1", []byte("m"), nil)}
	m.Create("alice", "1", scan, false)
	m.Create("bob", "2", &MultiScanState{Table: "2"}, true)
	m.Create("carol", "1", NewUpdateState(data.DurabilityDefault), false)
	clock.Advance(time.Second)

	scans := m.ActiveScans()
	require.Len(t, scans, 2)
	for _, as := range scans {
		require.Equal(t, int64(1000), as.AgeMillis)
		switch as.User {
		case "alice":
			require.Equal(t, "scan", as.Kind)
			require.False(t, as.Running)
			require.Equal(t, scan.Extent.String(), as.Extent)
		case "bob":
			require.Equal(t, "multiscan", as.Kind)
			require.True(t, as.Running)
		default:
			t.Errorf("unexpected scan of %s", as.User)
		}
	}

	require.Equal(t, map[data.TableID]int{"1": 1, "2": 1}, m.ActiveScansPerTable())
}

func TestStartStop(t *testing.T) {
	m := NewManager(Config{MaxIdle: 10 * time.Millisecond, MaxUpdateIdle: 10 * time.Millisecond, SweepInterval: 5 * time.Millisecond})
	m.Start()

	s := m.Create("alice", "1", &countingPayload{kind: KindScan}, false)
	require.Eventually(t, func() bool { return m.Get(s.ID) == nil }, time.Second, 5*time.Millisecond)

	p := &countingPayload{kind: KindScan}
	m.Create("alice", "1", p, true)
	m.Stop()
	require.Equal(t, 0, m.Len())
	require.Equal(t, int32(0), p.cleanups.Load(), "the holder of a reserved session cleans up")
}
