package tserver

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/ValentinKolb/dTablet/lib/coordinator"
	"github.com/ValentinKolb/dTablet/lib/data"
	"github.com/ValentinKolb/dTablet/lib/db"
	"github.com/ValentinKolb/dTablet/lib/db/engines/ordered"
	"github.com/ValentinKolb/dTablet/lib/lockmgr"
	"github.com/ValentinKolb/dTablet/lib/metadata"
	"github.com/ValentinKolb/dTablet/lib/security"
	"github.com/ValentinKolb/dTablet/lib/store"
	"github.com/ValentinKolb/dTablet/lib/store/lstore"
	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/require"
)

var root = security.Credentials{User: security.RootUser, Password: "secret"}

// --------------------------------------------------------------------------
// Fixtures
// --------------------------------------------------------------------------

type fakeSender struct {
	mu   sync.Mutex
	sent []coordinator.Message
}

func (f *fakeSender) Send(_ context.Context, m coordinator.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, m)
	return nil
}

// statuses returns the reported states of extent in send order
func (f *fakeSender) statuses(extent data.Extent) []coordinator.LoadState {
	f.mu.Lock()
	defer f.mu.Unlock()
	var res []coordinator.LoadState
	for _, m := range f.sent {
		if st, ok := m.(*coordinator.TabletStatus); ok && st.Extent.Equal(extent) {
			res = append(res, st.State)
		}
	}
	return res
}

type testNode struct {
	*TabletServer
	coord  store.IStore
	sender *fakeSender
	halted chan string
}

func newTestNode(t *testing.T, modify ...func(*Config)) *testNode {
	t.Helper()
	cfg := DefaultConfig()
	cfg.Server = "localhost:9100"
	cfg.DataDir = t.TempDir()
	cfg.RootPassword = "secret"
	cfg.LockTTL = 3 * time.Second
	cfg.MaintenanceInterval = time.Hour
	cfg.ScanWait = 500 * time.Millisecond
	cfg.ClientTimeout = 100 * time.Millisecond
	for _, m := range modify {
		m(&cfg)
	}

	n := &testNode{
		coord:  lstore.NewLocalStore(func() db.KVDB { return ordered.NewOrderedDB() }),
		sender: &fakeSender{},
		halted: make(chan string, 1),
	}
	halt := func(reason string) {
		select {
		case n.halted <- reason:
		default:
		}
	}
	s, err := NewTabletServer(cfg, n.coord, WithSender(n.sender), WithHalt(halt))
	require.NoError(t, err)
	require.NoError(t, s.Start(context.Background()))
	t.Cleanup(func() { _ = s.Stop() })
	n.TabletServer = s
	return n
}

// coordinatorLock takes the coordinator lock and returns its id
func (n *testNode) coordinatorLock(t *testing.T) string {
	ok, owner, err := lockmgr.NewLockManager(n.coord).AcquireLock(CoordinatorLock, 60_000)
	require.NoError(t, err)
	require.True(t, ok)
	return string(owner)
}

// createTable creates a table with durability sync, readable and writable by user
func (n *testNode) createTable(t *testing.T, table data.TableID, user string, splits ...[]byte) {
	cfg := metadata.TableConfig{
		Table:      table,
		Durability: data.DurabilitySync,
		Permissions: map[string][]string{
			user: {security.PermRead, security.PermWrite},
		},
	}
	require.NoError(t, n.CreateTable(root, cfg, splits))
}

// load assigns the extent like a coordinator would and waits until it is online
func (n *testNode) load(t *testing.T, lockID string, extent data.Extent) {
	require.NoError(t, metadata.SetFutureLocation(n.meta, extent, n.Instance()))
	require.NoError(t, n.LoadTablet(root, lockID, extent))
	require.Eventually(t, func() bool {
		return n.tablets.Online(extent) != nil
	}, 5*time.Second, 5*time.Millisecond, "tablet %s was not loaded", extent)
}

func put(row, value string) *data.Mutation {
	return data.NewMutation([]byte(row)).Put("f", "q", []byte(value))
}

// --------------------------------------------------------------------------
// Tests
// --------------------------------------------------------------------------

func TestScanSingleRow(t *testing.T) {
	n := newTestNode(t)
	lockID := n.coordinatorLock(t)
	n.createTable(t, "t1", security.RootUser)
	extent := data.NewExtent("t1", nil, nil)
	n.load(t, lockID, extent)

	require.NoError(t, n.Update(context.Background(), root, extent, put("r1", "v1"), data.DurabilityDefault))

	res, err := n.StartScan(root, ScanRequest{Extent: extent})
	require.NoError(t, err)
	require.False(t, res.More)
	require.Len(t, res.Entries, 1)
	require.Equal(t, "v1", string(res.Entries[0].Value))

	// the session was closed with the last batch
	_, err = n.ContinueScan(root, res.SessionID)
	require.ErrorIs(t, err, ErrNoSuchSession)
	require.ErrorIs(t, n.CloseScan(root, res.SessionID), ErrNoSuchSession)
	require.Equal(t, CodeNoSuchSession, CodeOf(err))
}

func TestScanBatches(t *testing.T) {
	n := newTestNode(t)
	lockID := n.coordinatorLock(t)
	n.createTable(t, "t1", security.RootUser)
	extent := data.NewExtent("t1", nil, nil)
	n.load(t, lockID, extent)

	rows := []string{"a", "b", "c", "d", "e"}
	for _, r := range rows {
		require.NoError(t, n.Update(context.Background(), root, extent, put(r, r), data.DurabilityDefault))
	}

	res, err := n.StartScan(root, ScanRequest{Extent: extent, BatchSize: 2})
	require.NoError(t, err)
	var got []string
	for {
		for _, e := range res.Entries {
			got = append(got, string(e.Key.Row))
		}
		if !res.More {
			break
		}
		res, err = n.ContinueScan(root, res.SessionID)
		require.NoError(t, err)
	}
	require.Equal(t, rows, got)
}

func TestScanNotServing(t *testing.T) {
	n := newTestNode(t)
	n.createTable(t, "t1", security.RootUser)

	_, err := n.StartScan(root, ScanRequest{Extent: data.NewExtent("t1", nil, nil)})
	require.ErrorIs(t, err, ErrNotServingTablet)
	require.Equal(t, CodeNotServingTablet, CodeOf(err))

	_, err = n.StartScan(root, ScanRequest{Extent: data.NewExtent("missing", nil, nil)})
	require.ErrorIs(t, err, ErrTableNotFound)
}

func TestMultiScanFailures(t *testing.T) {
	n := newTestNode(t)
	lockID := n.coordinatorLock(t)
	n.createTable(t, "t1", security.RootUser, []byte("m"))
	low := data.NewExtent("t1", []byte("m"), nil)
	high := data.NewExtent("t1", nil, []byte("m"))
	n.load(t, lockID, low)

	require.NoError(t, n.Update(context.Background(), root, low, put("a", "1"), data.DurabilityDefault))

	res, err := n.StartMultiScan(root, MultiScanRequest{
		Table: "t1",
		Batches: []ExtentRanges{
			{Extent: low, Ranges: []data.Range{{}}},
			{Extent: high, Ranges: []data.Range{{}}},
		},
	})
	require.NoError(t, err)
	require.False(t, res.More)
	require.Len(t, res.Entries, 1)
	require.Len(t, res.Failures, 1)
	require.True(t, res.Failures[0].Equal(high))
}

func TestUpdateSession(t *testing.T) {
	n := newTestNode(t)
	lockID := n.coordinatorLock(t)
	ctx := context.Background()
	n.createTable(t, "t1", security.RootUser)
	n.createTable(t, "t2", "nobody")
	extent := data.NewExtent("t1", nil, nil)
	n.load(t, lockID, extent)
	require.NoError(t, n.CreateUser(root, "alice", "pw", nil, false))
	require.NoError(t, n.GrantTablePermission(root, "t1", "alice", security.PermWrite))
	alice := security.Credentials{User: "alice", Password: "pw"}

	id, err := n.StartUpdate(alice, data.DurabilityDefault)
	require.NoError(t, err)
	require.NoError(t, n.ApplyUpdates(ctx, alice, id, extent, []*data.Mutation{put("a", "1"), put("b", "2")}))
	forbidden := data.NewExtent("t2", nil, nil)
	require.NoError(t, n.ApplyUpdates(ctx, alice, id, forbidden, []*data.Mutation{put("a", "1")}))

	// sessions belong to the user that created them
	_, err = n.CloseUpdate(ctx, root, id)
	require.ErrorIs(t, err, ErrNoSuchSession)

	ue, err := n.CloseUpdate(ctx, alice, id)
	require.NoError(t, err)
	require.Len(t, ue.AuthFailures, 1)
	require.Empty(t, ue.FailedExtents)

	_, err = n.CloseUpdate(ctx, alice, id)
	require.ErrorIs(t, err, ErrNoSuchSession)

	res, err := n.StartScan(root, ScanRequest{Extent: extent})
	require.NoError(t, err)
	require.Len(t, res.Entries, 2)
}

func TestConditionalRejectWritesNoLog(t *testing.T) {
	n := newTestNode(t)
	lockID := n.coordinatorLock(t)
	ctx := context.Background()
	n.createTable(t, "t1", security.RootUser)
	extent := data.NewExtent("t1", nil, nil)
	n.load(t, lockID, extent)

	id, err := n.StartConditionalUpdate(root, "t1", nil, data.DurabilityDefault)
	require.NoError(t, err)

	rejected := data.ConditionalMutation{
		ID:         1,
		Mutation:   put("r1", "v1"),
		Conditions: []data.Condition{{Family: []byte("f"), Qualifier: []byte("q"), Value: []byte("old")}},
	}
	results, err := n.ConditionalUpdate(ctx, root, id, []ConditionalBatch{{Extent: extent, Mutations: []data.ConditionalMutation{rejected}}})
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.Equal(t, data.StatusRejected, results[0].Status)
	require.Empty(t, n.log.CurrentLog(), "a rejected mutation must not be logged")

	accepted := data.ConditionalMutation{
		ID:         2,
		Mutation:   put("r1", "v1"),
		Conditions: []data.Condition{{Family: []byte("f"), Qualifier: []byte("q")}},
	}
	results, err = n.ConditionalUpdate(ctx, root, id, []ConditionalBatch{{Extent: extent, Mutations: []data.ConditionalMutation{accepted}}})
	require.NoError(t, err)
	require.Equal(t, data.StatusAccepted, results[0].Status)
	require.NotEmpty(t, n.log.CurrentLog())
	require.EqualValues(t, 1, n.log.SyncCount())

	require.NoError(t, n.InvalidateConditionalUpdate(ctx, root, id))
	_, err = n.ConditionalUpdate(ctx, root, id, nil)
	require.ErrorIs(t, err, ErrNoSuchSession)
	require.NoError(t, n.CloseConditionalUpdate(root, id), "closing an unknown session is a no-op")
}

func TestLoadTwiceLoadsOnce(t *testing.T) {
	n := newTestNode(t)
	lockID := n.coordinatorLock(t)
	n.createTable(t, "t1", security.RootUser)
	extent := data.NewExtent("t1", nil, nil)
	require.NoError(t, metadata.SetFutureLocation(n.meta, extent, n.Instance()))

	require.NoError(t, n.LoadTablet(root, lockID, extent))
	require.NoError(t, n.LoadTablet(root, lockID, extent))
	require.Eventually(t, func() bool {
		return len(n.sender.statuses(extent)) > 0
	}, 5*time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)

	require.Equal(t, []coordinator.LoadState{coordinator.Loaded}, n.sender.statuses(extent))
	require.EqualValues(t, 1, n.loads.Get())

	meta, err := n.meta.Get(extent)
	require.NoError(t, err)
	require.Nil(t, meta.Future)
	require.True(t, meta.Current.Equal(n.Instance()))
}

func TestLoadWithoutFutureLocationFails(t *testing.T) {
	n := newTestNode(t)
	lockID := n.coordinatorLock(t)
	n.createTable(t, "t1", security.RootUser)
	extent := data.NewExtent("t1", nil, nil)

	require.NoError(t, n.LoadTablet(root, lockID, extent))
	require.Eventually(t, func() bool {
		return len(n.sender.statuses(extent)) > 0
	}, 5*time.Second, 5*time.Millisecond)
	require.Equal(t, []coordinator.LoadState{coordinator.LoadFailure}, n.sender.statuses(extent))
	_, known := n.tablets.Get(extent)
	require.False(t, known)
}

func TestUnloadGoals(t *testing.T) {
	n := newTestNode(t)
	lockID := n.coordinatorLock(t)
	n.createTable(t, "t1", security.RootUser, []byte("m"))
	low := data.NewExtent("t1", []byte("m"), nil)
	high := data.NewExtent("t1", nil, []byte("m"))
	n.load(t, lockID, low)
	n.load(t, lockID, high)
	require.NoError(t, n.Update(context.Background(), root, low, put("a", "1"), data.DurabilityDefault))

	requestTime := time.Now().Add(-time.Hour).UnixMilli()
	require.NoError(t, n.UnloadTablet(root, lockID, low, GoalSuspend, requestTime))
	require.NoError(t, n.UnloadTablet(root, lockID, high, GoalUnassign, 0))
	for _, e := range []data.Extent{low, high} {
		require.Eventually(t, func() bool {
			st := n.sender.statuses(e)
			return len(st) == 2 && st[1] == coordinator.Unloaded
		}, 5*time.Second, 5*time.Millisecond)
	}

	meta, err := n.meta.Get(low)
	require.NoError(t, err)
	require.Nil(t, meta.Current)
	require.NotNil(t, meta.Suspend)
	require.Equal(t, n.cfg.Server, meta.Suspend.Server)
	require.Less(t, meta.Suspend.TimeMillis, time.Now().Add(-30*time.Minute).UnixMilli(), "suspended at the coordinator time")
	require.Len(t, meta.Files, 1, "unloading flushes the tablet")

	meta, err = n.meta.Get(high)
	require.NoError(t, err)
	require.Nil(t, meta.Current)
	require.Nil(t, meta.Suspend)

	// a repeated unload crossing the first one is not reported
	require.NoError(t, n.unload(context.Background(), low, GoalUnassign, 0))
	require.Len(t, n.sender.statuses(low), 2)

	// an extent that was never served is
	other := data.NewExtent("t2", nil, nil)
	require.NoError(t, n.unload(context.Background(), other, GoalUnassign, 0))
	require.Eventually(t, func() bool {
		st := n.sender.statuses(other)
		return len(st) == 1 && st[0] == coordinator.UnloadFailureNotServing
	}, 5*time.Second, 5*time.Millisecond)
}

func TestCoordinatorLockRequired(t *testing.T) {
	n := newTestNode(t)
	n.createTable(t, "t1", security.RootUser)
	extent := data.NewExtent("t1", nil, nil)

	err := n.LoadTablet(root, "not-the-lock", extent)
	require.ErrorIs(t, err, ErrLockNotHeld)
	require.Equal(t, CodeLockNotHeld, CodeOf(err))

	lockID := n.coordinatorLock(t)
	require.NoError(t, n.CreateUser(root, "bob", "pw", nil, false))
	err = n.LoadTablet(security.Credentials{User: "bob", Password: "pw"}, lockID, extent)
	require.ErrorIs(t, err, ErrPermissionDenied)

	err = n.LoadTablet(security.Credentials{User: "bob", Password: "wrong"}, lockID, extent)
	require.ErrorIs(t, err, ErrBadCredentials)
}

func TestRecoveryAfterCrash(t *testing.T) {
	dir := t.TempDir()
	coord := lstore.NewLocalStore(func() db.KVDB { return ordered.NewOrderedDB() })
	newNode := func() *TabletServer {
		cfg := DefaultConfig()
		cfg.Server = "localhost:9100"
		cfg.DataDir = dir
		cfg.RootPassword = "secret"
		cfg.LockTTL = 300 * time.Millisecond
		cfg.MaintenanceInterval = 10 * time.Millisecond
		cfg.Standalone = true
		s, err := NewTabletServer(cfg, coord, WithSender(&fakeSender{}), WithHalt(func(string) {}))
		require.NoError(t, err)
		require.NoError(t, s.Start(context.Background()))
		return s
	}
	extent := data.NewExtent("t1", nil, nil)
	waitOnline := func(s *TabletServer) {
		require.Eventually(t, func() bool {
			return s.tablets.Online(extent) != nil
		}, 5*time.Second, 5*time.Millisecond)
	}

	first := newNode()
	require.NoError(t, first.CreateTable(root, metadata.TableConfig{Table: "t1", Durability: data.DurabilitySync}, nil))
	waitOnline(first)
	require.NoError(t, first.Update(context.Background(), root, extent, put("r1", "v1"), data.DurabilityDefault))

	// crash: the log is closed but nothing is flushed or unassigned
	first.cancel()
	_ = first.work.Wait()
	first.bgCancel()
	_ = first.bg.Wait()
	require.NoError(t, first.log.Close())
	require.NoError(t, first.watcher.Release())

	second := newNode()
	t.Cleanup(func() { _ = second.Stop() })
	waitOnline(second)

	res, err := second.StartScan(root, ScanRequest{Extent: extent})
	require.NoError(t, err)
	require.Len(t, res.Entries, 1)
	require.Equal(t, "v1", string(res.Entries[0].Value))
}

func TestErrorCodes(t *testing.T) {
	tests := []struct {
		err  error
		code ErrCode
	}{
		{nil, CodeNone},
		{errors.New("boom"), CodeInternal},
		{errors.Wrap(ErrNoSuchSession, "session 1"), CodeNoSuchSession},
		{errors.Wrap(ErrTableNotFound, "t"), CodeTableNotFound},
		{ErrHoldTimeout, CodeHoldTimeout},
		{ErrBadAuthorizations, CodeBadAuthorizations},
	}
	for _, tt := range tests {
		require.Equal(t, tt.code, CodeOf(tt.err), "%v", tt.err)
		if tt.code == CodeNone || tt.code == CodeInternal {
			continue
		}
		back := ErrorOf(tt.code, tt.err.Error())
		require.Equal(t, tt.code, CodeOf(back))
	}
	require.NoError(t, ErrorOf(CodeNone, ""))
}

func TestTableAdministration(t *testing.T) {
	n := newTestNode(t)
	n.createTable(t, "t1", "alice", []byte("g"), []byte("p"))

	metas, err := n.meta.Tablets("t1")
	require.NoError(t, err)
	require.Len(t, metas, 3)

	err = n.CreateTable(root, metadata.TableConfig{Table: "t1"}, nil)
	require.ErrorIs(t, err, metadata.ErrExists)
	err = n.CreateTable(root, metadata.TableConfig{Table: data.MetadataTableID}, nil)
	require.Error(t, err)

	id, err := n.RequestTableFlush(root, "t1")
	require.NoError(t, err)
	require.EqualValues(t, 1, id)

	tables, err := n.Tables(root)
	require.NoError(t, err)
	require.Len(t, tables, 3, "root, metadata and t1")

	status, err := n.GetTabletServerStatus(root)
	require.NoError(t, err)
	require.Equal(t, n.cfg.Server, status.Name)
}

func TestSplitTablet(t *testing.T) {
	n := newTestNode(t)
	lockID := n.coordinatorLock(t)
	ctx := context.Background()
	n.createTable(t, "t1", security.RootUser)
	extent := data.NewExtent("t1", nil, nil)
	n.load(t, lockID, extent)
	require.NoError(t, n.Update(ctx, root, extent, put("a", "1"), data.DurabilityDefault))
	require.NoError(t, n.Update(ctx, root, extent, put("z", "2"), data.DurabilityDefault))

	require.Error(t, n.SplitTablet(ctx, root, "not-the-lock", extent, []byte("m")))
	require.NoError(t, n.SplitTablet(ctx, root, lockID, extent, []byte("m")))

	low := data.NewExtent("t1", []byte("m"), nil)
	high := data.NewExtent("t1", nil, []byte("m"))
	require.Nil(t, n.tablets.Online(extent))
	require.NotNil(t, n.tablets.Online(low))
	require.NotNil(t, n.tablets.Online(high))

	var report *coordinator.SplitReport
	require.Eventually(t, func() bool {
		n.sender.mu.Lock()
		defer n.sender.mu.Unlock()
		for _, m := range n.sender.sent {
			if r, ok := m.(*coordinator.SplitReport); ok {
				report = r
				return true
			}
		}
		return false
	}, 5*time.Second, 5*time.Millisecond, "split was not reported")
	require.True(t, report.Old.Equal(extent))
	require.True(t, report.Low.Equal(low))
	require.True(t, report.High.Equal(high))
	require.NotEqual(t, report.LowDir, report.HighDir)

	metas, err := n.meta.Tablets("t1")
	require.NoError(t, err)
	require.Len(t, metas, 2)

	for _, tt := range []struct {
		extent data.Extent
		row    string
	}{{low, "a"}, {high, "z"}} {
		res, err := n.StartScan(root, ScanRequest{Extent: tt.extent})
		require.NoError(t, err)
		require.Len(t, res.Entries, 1, "%s", tt.extent)
		require.Equal(t, tt.row, string(res.Entries[0].Key.Row))
	}

	// the old extent is gone, the children take writes
	err = n.Update(ctx, root, extent, put("b", "3"), data.DurabilityDefault)
	require.ErrorIs(t, err, ErrNotServingTablet)
	require.NoError(t, n.Update(ctx, root, high, put("y", "4"), data.DurabilityDefault))

	err = n.SplitTablet(ctx, root, lockID, low, []byte("x"))
	require.Error(t, err, "the split row must be inside the tablet")
}

func TestReferencedLogsAreKept(t *testing.T) {
	n := newTestNode(t)
	lockID := n.coordinatorLock(t)
	ctx := context.Background()
	n.createTable(t, "t1", security.RootUser)
	extent := data.NewExtent("t1", nil, nil)
	n.load(t, lockID, extent)

	require.NoError(t, n.Update(ctx, root, extent, put("r1", "v1"), data.DurabilityDefault))
	logID := n.log.CurrentLog()
	require.NotEmpty(t, logID)
	require.Equal(t, []string{logID}, n.tablets.Online(extent).Logs())
	n.log.Roll()
	require.Equal(t, []string{logID}, n.tracker.ClosedLogs())

	// unflushed data keeps the log alive
	require.NoError(t, n.markUnusedWALs())
	removed, err := n.RemoveLogs(root, lockID, []string{logID})
	require.NoError(t, err)
	require.Empty(t, removed)
	require.FileExists(t, n.log.Path(logID))

	_, err = n.RemoveLogs(root, "not-the-lock", []string{logID})
	require.ErrorIs(t, err, ErrLockNotHeld)

	require.NoError(t, n.FlushTablet(ctx, root, lockID, extent))
	require.NotContains(t, n.tracker.ClosedLogs(), logID)
	require.NoFileExists(t, n.log.Path(logID))

	res, err := n.StartScan(root, ScanRequest{Extent: extent})
	require.NoError(t, err)
	require.Len(t, res.Entries, 1)
}

func TestLogsOfPreviousInstanceAreAdopted(t *testing.T) {
	dir := t.TempDir()
	coord := lstore.NewLocalStore(func() db.KVDB { return ordered.NewOrderedDB() })
	newNode := func(standalone bool) *TabletServer {
		cfg := DefaultConfig()
		cfg.Server = "localhost:9100"
		cfg.DataDir = dir
		cfg.RootPassword = "secret"
		cfg.LockTTL = 300 * time.Millisecond
		cfg.MaintenanceInterval = time.Hour
		if standalone {
			cfg.MaintenanceInterval = 10 * time.Millisecond
			cfg.Standalone = true
		}
		s, err := NewTabletServer(cfg, coord, WithSender(&fakeSender{}), WithHalt(func(string) {}))
		require.NoError(t, err)
		require.NoError(t, s.Start(context.Background()))
		return s
	}
	extent := data.NewExtent("t1", nil, nil)

	first := newNode(true)
	require.NoError(t, first.CreateTable(root, metadata.TableConfig{Table: "t1"}, nil))
	require.Eventually(t, func() bool {
		return first.tablets.Online(extent) != nil
	}, 5*time.Second, 5*time.Millisecond)
	require.NoError(t, first.Update(context.Background(), root, extent, put("r1", "v1"), data.DurabilityDefault))
	previous := first.log.CurrentLog()
	require.NotEmpty(t, previous)

	// crash without flushing
	first.cancel()
	_ = first.work.Wait()
	first.bgCancel()
	_ = first.bg.Wait()
	require.NoError(t, first.log.Close())
	require.NoError(t, first.watcher.Release())

	second := &testNode{TabletServer: newNode(false), coord: coord}
	t.Cleanup(func() { _ = second.Stop() })
	require.Contains(t, second.tracker.ClosedLogs(), previous)

	// the tablet is not loaded yet, its metadata still references the log
	require.NoError(t, second.markUnusedWALs())
	require.Contains(t, second.tracker.ClosedLogs(), previous)
	require.FileExists(t, second.log.Path(previous))

	// recovery flushes the replayed data, after that nothing needs the log
	lockID := second.coordinatorLock(t)
	second.load(t, lockID, extent)
	require.NoError(t, second.markUnusedWALs())
	require.NotContains(t, second.tracker.ClosedLogs(), previous)
	require.NoFileExists(t, second.log.Path(previous))

	res, err := second.StartScan(root, ScanRequest{Extent: extent})
	require.NoError(t, err)
	require.Len(t, res.Entries, 1)
	require.Equal(t, "v1", string(res.Entries[0].Value))
}

func TestLockLossHalts(t *testing.T) {
	n := newTestNode(t, func(cfg *Config) {
		cfg.LockTTL = 300 * time.Millisecond
	})
	require.True(t, n.watcher.Held())

	// another instance takes over the node lock
	locks := lockmgr.NewLockManager(n.coord)
	key := NodeLockPrefix + n.cfg.Server
	released, err := locks.ReleaseLock(key, []byte(n.watcher.Owner()))
	require.NoError(t, err)
	require.True(t, released)
	ok, _, err := locks.AcquireLock(key, 60_000)
	require.NoError(t, err)
	require.True(t, ok)

	select {
	case reason := <-n.halted:
		require.Contains(t, reason, key)
	case <-time.After(5 * time.Second):
		t.Fatal("node did not halt after losing its lock")
	}
	require.False(t, n.watcher.Held())
}

func TestActiveCompactions(t *testing.T) {
	n := newTestNode(t)
	extent := data.NewExtent("t1", nil, nil)
	release := make(chan struct{})
	done := sync.OnceFunc(func() { close(release) })
	t.Cleanup(done)

	require.True(t, n.schedule("majc", extent, func(context.Context) {
		n.markRunning("majc", extent)
		<-release
	}))
	require.False(t, n.schedule("majc", extent, func(context.Context) {}), "one task per kind and tablet")
	require.True(t, n.schedule("split", extent, func(context.Context) { <-release }))

	var active []data.ActiveCompaction
	require.Eventually(t, func() bool {
		var err error
		active, err = n.ActiveCompactions(root)
		return err == nil && len(active) == 1 && active[0].Running
	}, 5*time.Second, 5*time.Millisecond)
	require.Equal(t, "major", active[0].Type)
	require.True(t, active[0].Extent.Equal(extent))

	done()
	require.Eventually(t, func() bool {
		active, err := n.ActiveCompactions(root)
		return err == nil && len(active) == 0
	}, 5*time.Second, 5*time.Millisecond)
}
