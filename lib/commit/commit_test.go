package commit

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/ValentinKolb/dTablet/lib/data"
	"github.com/ValentinKolb/dTablet/lib/db"
	"github.com/ValentinKolb/dTablet/lib/db/engines/ordered"
	"github.com/ValentinKolb/dTablet/lib/metadata"
	"github.com/ValentinKolb/dTablet/lib/store/lstore"
	"github.com/ValentinKolb/dTablet/lib/tablet"
	"github.com/ValentinKolb/dTablet/lib/wal"
	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/require"
)

var self = metadata.Instance{Server: "localhost:9000", Session: "s1"}

// fakeWAL fails the first failures calls with the given error
type fakeWAL struct {
	mu       sync.Mutex
	failures int
	err      error
	calls    int
	batches  [][]wal.TabletMutations
}

func (w *fakeWAL) LogManyTablets(_ context.Context, batch []wal.TabletMutations) (string, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.calls++
	if w.calls <= w.failures {
		return "", w.err
	}
	w.batches = append(w.batches, batch)
	return "log-1", nil
}

// rollingWAL rolls the log and discards unused logs right after every append,
// before the pipeline got to commit the batch
type rollingWAL struct {
	log     *wal.Log
	tracker *wal.Tracker
	tab     *tablet.Tablet
}

func (w *rollingWAL) LogManyTablets(ctx context.Context, batch []wal.TabletMutations) (string, error) {
	id, err := w.log.LogManyTablets(ctx, batch)
	if err != nil {
		return "", err
	}
	w.log.Roll()
	if _, err := w.tracker.MarkUnusedWALs(w.tab.RemoveInUseLogs); err != nil {
		return "", err
	}
	return id, nil
}

func newWALMarker() wal.Marker {
	return metadata.NewMetadataStore(lstore.NewLocalStore(func() db.KVDB { return ordered.NewOrderedDB() }))
}

type noopLog struct{}

func (noopLog) MinorCompactionStarted(data.Extent, int64, string) error { return nil }
func (noopLog) MinorCompactionFinished(data.Extent, int64) error       { return nil }

func openTablet(t *testing.T, extent data.Extent, table *metadata.TableConfig) *tablet.Tablet {
	ms := metadata.NewMetadataStore(lstore.NewLocalStore(func() db.KVDB { return ordered.NewOrderedDB() }))
	ts := int64(0)
	meta := &metadata.TabletMetadata{Extent: extent, PrevRowSet: true, Dir: "/tables/1/t-default", Time: &ts, Current: &self}
	require.NoError(t, ms.Create(meta))
	tab, err := tablet.Open(tablet.Config{
		Meta:     meta,
		Table:    table,
		Files:    tablet.NewFileStore(t.TempDir()),
		Metadata: ms,
		Log:      noopLog{},
		Location: self,
	})
	require.NoError(t, err)
	return tab
}

func entries(t *testing.T, tab *tablet.Tablet) int {
	res, err := tab.Scan(data.Range{}, tablet.ScanOptions{})
	require.NoError(t, err)
	return len(res.Entries)
}

func TestBackoffPolicy(t *testing.T) {
	p := NewBackoffPolicy(10*time.Millisecond, 50*time.Millisecond, 2, 4)
	tests := []struct {
		attempt int
		wait    time.Duration
		ok      bool
	}{
		{1, 10 * time.Millisecond, true},
		{2, 20 * time.Millisecond, true},
		{3, 40 * time.Millisecond, true},
		{4, 50 * time.Millisecond, true},
		{5, 0, false},
	}
	for _, tt := range tests {
		wait, ok := p.Next(tt.attempt)
		if wait != tt.wait || ok != tt.ok {
			t.Errorf("Next(%d) = %s, %v, want %s, %v", tt.attempt, wait, ok, tt.wait, tt.ok)
		}
	}

	wait, ok := Immediate().Next(1000)
	require.True(t, ok)
	require.Zero(t, wait)
}

func TestGate(t *testing.T) {
	g := NewGate()
	require.NoError(t, g.WaitUntilCommitsAreEnabled(context.Background(), time.Millisecond))

	g.Disable()
	require.False(t, g.Enabled())
	err := g.WaitUntilCommitsAreEnabled(context.Background(), 20*time.Millisecond)
	require.True(t, errors.Is(err, ErrHoldTimeout))
	require.GreaterOrEqual(t, g.HoldTime(), 20*time.Millisecond)

	done := make(chan error, 1)
	go func() { done <- g.WaitUntilCommitsAreEnabled(context.Background(), time.Minute) }()
	time.Sleep(10 * time.Millisecond)
	g.Enable()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("writer was not released")
	}

	g.Disable()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.ErrorIs(t, g.WaitUntilCommitsAreEnabled(ctx, time.Minute), context.Canceled)
}

func TestSingleRetriesRecoverableErrors(t *testing.T) {
	extent := data.NewExtent("1", nil, nil)
	tab := openTablet(t, extent, &metadata.TableConfig{Table: "1", Durability: data.DurabilityLog})
	log := &fakeWAL{failures: 2, err: errors.Wrap(wal.ErrRecoverable, "disk full")}
	p := NewPipeline(Config{Retry: Immediate()}, log, NewGate(), nil)

	err := p.Single(context.Background(), tab, data.NewMutation([]byte("r")).Put("f", "q", []byte("v")), data.DurabilityDefault)
	require.NoError(t, err)
	require.Equal(t, 3, log.calls)
	require.Len(t, log.batches, 1)
	require.Equal(t, data.DurabilityLog, log.batches[0][0].Durability)
	require.Equal(t, 1, entries(t, tab))
	require.Equal(t, []string{"log-1"}, tab.Logs())
}

func TestSingleGivesUp(t *testing.T) {
	extent := data.NewExtent("1", nil, nil)
	tab := openTablet(t, extent, &metadata.TableConfig{Table: "1", Durability: data.DurabilityLog})

	// recoverable, but the policy stops retrying
	log := &fakeWAL{failures: 10, err: wal.ErrRecoverable}
	p := NewPipeline(Config{Retry: NewBackoffPolicy(0, 0, 1, 2)}, log, NewGate(), nil)
	err := p.Single(context.Background(), tab, data.NewMutation([]byte("r")).Put("f", "q", []byte("v")), data.DurabilityDefault)
	require.Error(t, err)
	require.Equal(t, 3, log.calls)
	require.Equal(t, 0, entries(t, tab))

	// fatal errors are not retried
	log = &fakeWAL{failures: 1, err: errors.New("corrupt")}
	p = NewPipeline(Config{}, log, NewGate(), nil)
	err = p.Single(context.Background(), tab, data.NewMutation([]byte("r")).Put("f", "q", []byte("v")), data.DurabilityDefault)
	require.Error(t, err)
	require.Equal(t, 1, log.calls)
	require.Equal(t, 0, entries(t, tab))

	// the aborted sessions do not block later writes
	require.NoError(t, p.Single(context.Background(), tab, data.NewMutation([]byte("r")).Put("f", "q", []byte("v")), data.DurabilityDefault))
	require.Equal(t, 1, entries(t, tab))
}

func TestSingleViolationsAndClosed(t *testing.T) {
	extent := data.NewExtent("1", nil, nil)
	tab := openTablet(t, extent, &metadata.TableConfig{
		Table:       "1",
		Durability:  data.DurabilityLog,
		Constraints: []metadata.ConstraintSpec{{Name: "maxValueSize", Arg: "4"}},
	})
	p := NewPipeline(Config{}, &fakeWAL{}, NewGate(), nil)

	err := p.Single(context.Background(), tab, data.NewMutation([]byte("r")).Put("f", "q", []byte("too large")), data.DurabilityDefault)
	var verr *ViolationsError
	require.True(t, errors.As(err, &verr))
	require.Len(t, verr.Violations, 1)
	require.Equal(t, 0, entries(t, tab))

	require.NoError(t, tab.Close(false))
	err = p.Single(context.Background(), tab, data.NewMutation([]byte("r")).Put("f", "q", []byte("v")), data.DurabilityDefault)
	require.ErrorIs(t, err, ErrTabletClosed)
}

func TestDurabilityNoneIsNotReferenced(t *testing.T) {
	extent := data.NewExtent("1", nil, nil)
	tab := openTablet(t, extent, &metadata.TableConfig{Table: "1", Durability: data.DurabilityNone})
	log := &fakeWAL{}
	p := NewPipeline(Config{}, log, NewGate(), nil)

	require.NoError(t, p.Single(context.Background(), tab, data.NewMutation([]byte("r")).Put("f", "q", []byte("v")), data.DurabilityDefault))
	require.Len(t, log.batches, 1)
	require.Equal(t, data.DurabilityNone, log.batches[0][0].Durability)
	require.Empty(t, tab.Logs())
}

func TestLogReferencedBeforeCommit(t *testing.T) {
	extent := data.NewExtent("1", nil, nil)
	tab := openTablet(t, extent, &metadata.TableConfig{Table: "1", Durability: data.DurabilitySync})
	tracker := wal.NewTracker(self.Server, newWALMarker())
	log := wal.NewLog(wal.Config{Dir: t.TempDir(), Server: self.Server}, tracker)
	defer log.Close()
	p := NewPipeline(Config{}, &rollingWAL{log: log, tracker: tracker, tab: tab}, NewGate(), nil)

	require.NoError(t, p.Single(context.Background(), tab, data.NewMutation([]byte("r")).Put("f", "q", []byte("v")), data.DurabilitySync))
	logs := tab.Logs()
	require.Len(t, logs, 1)
	_, err := os.Stat(log.Path(logs[0]))
	require.NoError(t, err, "a log holding unflushed data was removed")
	require.Equal(t, logs, tracker.ClosedLogs())
	require.Equal(t, 1, entries(t, tab))
}

func TestDefaultDurabilityIsLogged(t *testing.T) {
	extent := data.NewExtent("1", nil, nil)
	tab := openTablet(t, extent, &metadata.TableConfig{Table: "1"})
	log := wal.NewLog(wal.Config{Dir: t.TempDir(), Server: self.Server}, wal.NewTracker(self.Server, newWALMarker()))
	defer log.Close()
	p := NewPipeline(Config{}, log, NewGate(), nil)

	require.NoError(t, p.Single(context.Background(), tab, data.NewMutation([]byte("r")).Put("f", "q", []byte("v")), data.DurabilityDefault))
	logs := tab.Logs()
	require.Len(t, logs, 1)
	require.Equal(t, int64(1), log.SyncCount())

	stats, err := wal.Recover(extent, []string{log.Path(logs[0])}, func(int64, *data.Mutation) error { return nil })
	require.NoError(t, err)
	require.Equal(t, 1, stats.Mutations)
}

func TestUpdateSessionFlush(t *testing.T) {
	low := data.NewExtent("1", []byte("m"), nil)
	high := data.NewExtent("1", nil, []byte("m"))
	missing := data.NewExtent("2", nil, nil)
	lowTab := openTablet(t, low, &metadata.TableConfig{
		Table:       "1",
		Durability:  data.DurabilityLog,
		Constraints: []metadata.ConstraintSpec{{Name: "maxValueSize", Arg: "4"}},
	})
	highTab := openTablet(t, high, &metadata.TableConfig{Table: "1", Durability: data.DurabilityLog})
	tablets := map[string]*tablet.Tablet{low.Key(): lowTab, high.Key(): highTab}

	log := &fakeWAL{}
	p := NewPipeline(Config{}, log, NewGate(), func(e data.Extent) *tablet.Tablet { return tablets[e.Key()] })
	us := p.NewUpdateState(data.DurabilityDefault)
	ctx := context.Background()

	require.NoError(t, p.Apply(ctx, us, low, []*data.Mutation{
		data.NewMutation([]byte("a")).Put("f", "q", []byte("v")),
		data.NewMutation([]byte("b")).Put("f", "q", []byte("too large")),
	}))
	require.NoError(t, p.Apply(ctx, us, high, []*data.Mutation{data.NewMutation([]byte("x")).Put("f", "q", []byte("v"))}))
	require.NoError(t, p.Apply(ctx, us, missing, []*data.Mutation{data.NewMutation([]byte("y")).Put("f", "q", []byte("v"))}))
	require.Positive(t, p.QueuedBytes())

	require.NoError(t, p.Flush(ctx, us))
	require.Zero(t, p.QueuedBytes())
	require.Len(t, log.batches, 1, "all tablets are logged in one call")
	require.Len(t, log.batches[0], 2)
	require.Equal(t, 1, entries(t, lowTab))
	require.Equal(t, 1, entries(t, highTab))

	errs := us.Errors()
	require.Contains(t, errs.FailedExtents, missing.Key())
	require.Len(t, errs.Violations, 1)
	require.Equal(t, int64(1), us.SuccessfulCommits[low.Key()])
	require.Equal(t, int64(4), us.TotalUpdates)

	// mutations for failed extents are dropped
	require.NoError(t, p.Apply(ctx, us, missing, []*data.Mutation{data.NewMutation([]byte("z")).Put("f", "q", []byte("v"))}))
	require.Empty(t, us.Queued)
}

func TestQueuedBytesCeiling(t *testing.T) {
	extent := data.NewExtent("1", nil, nil)
	tab := openTablet(t, extent, &metadata.TableConfig{Table: "1", Durability: data.DurabilityLog})
	log := &fakeWAL{}
	m := data.NewMutation([]byte("row")).Put("f", "q", []byte("value"))
	p := NewPipeline(Config{MaxQueuedBytes: int64(m.SizeBytes()) * 3}, log, NewGate(), func(data.Extent) *tablet.Tablet { return tab })
	us := p.NewUpdateState(data.DurabilityDefault)

	require.NoError(t, p.Apply(context.Background(), us, extent, []*data.Mutation{m, m}))
	require.Empty(t, log.batches)
	require.NoError(t, p.Apply(context.Background(), us, extent, []*data.Mutation{m}))
	require.Len(t, log.batches, 1, "exceeding the limit flushes the session")
	require.Empty(t, us.Queued)
	require.Zero(t, p.QueuedBytes())
}

func TestFlushKeepsQueueWhenHeld(t *testing.T) {
	extent := data.NewExtent("1", nil, nil)
	tab := openTablet(t, extent, &metadata.TableConfig{Table: "1", Durability: data.DurabilityLog})
	gate := NewGate()
	p := NewPipeline(Config{HoldTimeout: 10 * time.Millisecond}, &fakeWAL{}, gate, func(data.Extent) *tablet.Tablet { return tab })
	us := p.NewUpdateState(data.DurabilityDefault)
	require.NoError(t, p.Apply(context.Background(), us, extent, []*data.Mutation{data.NewMutation([]byte("r")).Put("f", "q", []byte("v"))}))

	gate.Disable()
	require.ErrorIs(t, p.Flush(context.Background(), us), ErrHoldTimeout)
	require.Len(t, us.Queued, 1)

	gate.Enable()
	require.NoError(t, p.Flush(context.Background(), us))
	require.Equal(t, 1, entries(t, tab))

	require.NoError(t, p.Apply(context.Background(), us, extent, []*data.Mutation{data.NewMutation([]byte("s")).Put("f", "q", []byte("v"))}))
	p.Release(us)
	require.Zero(t, p.QueuedBytes())
	require.Empty(t, us.Queued)
}
