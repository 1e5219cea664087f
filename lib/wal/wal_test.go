package wal

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/ValentinKolb/dTablet/lib/data"
	"github.com/ValentinKolb/dTablet/lib/metadata"
	"github.com/stretchr/testify/require"
)

// memMarker records WAL markers in memory
type memMarker struct {
	mu     sync.Mutex
	states map[string]metadata.WALState
}

func newMemMarker() *memMarker {
	return &memMarker{states: map[string]metadata.WALState{}}
}

func (m *memMarker) MarkWAL(_, log string, state metadata.WALState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.states[log] = state
	return nil
}

func (m *memMarker) RemoveWAL(_, log string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.states, log)
	return nil
}

func (m *memMarker) state(log string) metadata.WALState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.states[log]
}

var testExtent = data.NewExtent("1", []byte("m"), nil)

func mutation(row, value string) *data.Mutation {
	return data.NewMutation([]byte(row)).PutAt("f", "q", 1, []byte(value))
}

func TestSegmentReplay(t *testing.T) {
	seg, err := CreateSegment(t.TempDir(), "srv")
	require.NoError(t, err)

	require.NoError(t, seg.Append(
		&Record{Type: RecordDefineTablet, TabletID: 1, Extent: testExtent},
		&Record{Type: RecordMutations, TabletID: 1, Seq: 3, Mutations: []*data.Mutation{mutation("a", "1"), mutation("b", "2")}},
		&Record{Type: RecordCompactionStart, TabletID: 1, Seq: 4, File: "f1"},
		&Record{Type: RecordCompactionFinish, TabletID: 1, Seq: 4},
	))
	require.Equal(t, int64(4), seg.Writes())
	require.NoError(t, seg.Close())
	require.NoError(t, seg.Close())

	var records []*Record
	end, err := Replay(seg.Path(), 0, func(r *Record) error {
		records = append(records, r)
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, seg.Size(), end)
	require.Len(t, records, 5)
	require.Equal(t, RecordOpen, records[0].Type)
	require.Equal(t, "srv", records[0].File)
	require.True(t, records[1].Extent.Equal(testExtent))
	require.Len(t, records[2].Mutations, 2)
	require.Equal(t, []byte("b"), records[2].Mutations[1].Row)
	require.Equal(t, "f1", records[3].File)
	require.Equal(t, int64(4), records[4].Seq)
}

func TestReplayTornTail(t *testing.T) {
	seg, err := CreateSegment(t.TempDir(), "srv")
	require.NoError(t, err)
	require.NoError(t, seg.Append(&Record{Type: RecordDefineTablet, TabletID: 1, Extent: testExtent}))
	require.NoError(t, seg.Sync())
	valid := seg.Size()
	require.NoError(t, seg.Append(&Record{Type: RecordMutations, TabletID: 1, Seq: 1, Mutations: []*data.Mutation{mutation("a", "1")}}))
	require.NoError(t, seg.Close())

	// cut the last record in half
	require.NoError(t, os.Truncate(seg.Path(), valid+5))

	n := 0
	end, err := Replay(seg.Path(), 0, func(r *Record) error {
		n++
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, 2, n)
	require.Equal(t, valid, end)

	// replay from an offset
	n = 0
	_, err = Replay(seg.Path(), end, func(r *Record) error { n++; return nil })
	require.NoError(t, err)
	require.Equal(t, 0, n)
}

func TestLogManyTablets(t *testing.T) {
	dir := t.TempDir()
	marker := newMemMarker()
	var defined []string
	log := NewLog(Config{
		Dir:    dir,
		Server: "srv",
		OnDefine: func(extent data.Extent, logID string) error {
			defined = append(defined, extent.String()+"@"+logID)
			return nil
		},
	}, NewTracker("srv", marker))

	other := data.NewExtent("1", nil, []byte("m"))
	id, err := log.LogManyTablets(context.Background(), []TabletMutations{
		{Extent: testExtent, Seq: 1, Mutations: []*data.Mutation{mutation("a", "1")}, Durability: data.DurabilitySync},
		{Extent: other, Seq: 1, Mutations: []*data.Mutation{mutation("x", "1")}, Durability: data.DurabilityNone},
	})
	require.NoError(t, err)
	require.Equal(t, log.CurrentLog(), id)
	require.Equal(t, metadata.WALOpen, marker.state(id))
	require.Len(t, defined, 1, "tablets with durability none are not logged")
	require.Equal(t, int64(1), log.SyncCount())

	// concurrent syncs are all answered
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := log.LogManyTablets(context.Background(), []TabletMutations{
				{Extent: testExtent, Seq: int64(i + 2), Mutations: []*data.Mutation{mutation("b", "2")}, Durability: data.DurabilitySync},
			})
			if err != nil {
				t.Errorf("LogManyTablets() error = %v", err)
			}
		}(i)
	}
	wg.Wait()
	require.Len(t, defined, 1, "a tablet is defined once per segment")

	require.NoError(t, log.Close())
	require.Equal(t, metadata.WALClosed, marker.state(id))

	stats, err := Recover(testExtent, []string{filepath.Join(dir, id)}, func(seq int64, m *data.Mutation) error { return nil })
	require.NoError(t, err)
	require.Equal(t, 21, stats.Mutations)
	require.Equal(t, int64(21), stats.MaxSeq)

	_, err = log.LogManyTablets(context.Background(), []TabletMutations{
		{Extent: testExtent, Seq: 30, Mutations: []*data.Mutation{mutation("c", "3")}, Durability: data.DurabilityLog},
	})
	require.ErrorIs(t, err, ErrClosed)
}

func TestLogManyTabletsNothingToLog(t *testing.T) {
	marker := newMemMarker()
	log := NewLog(Config{Dir: t.TempDir(), Server: "srv"}, NewTracker("srv", marker))
	defer log.Close()

	id, err := log.LogManyTablets(context.Background(), []TabletMutations{
		{Extent: testExtent, Seq: 1, Mutations: []*data.Mutation{mutation("a", "1")}, Durability: data.DurabilityNone},
		{Extent: testExtent, Seq: 2, Durability: data.DurabilitySync},
	})
	require.NoError(t, err)
	require.Empty(t, id)
	require.Empty(t, log.CurrentLog(), "no segment is started for unlogged writes")
	require.Empty(t, marker.states)

	// the durability of the table applies when nothing was requested
	var referenced []string
	id, err = log.LogManyTablets(context.Background(), []TabletMutations{
		{Extent: testExtent, Seq: 3, Mutations: []*data.Mutation{mutation("a", "1")}, OnLog: func(logID string) {
			referenced = append(referenced, logID)
		}},
	})
	require.NoError(t, err)
	require.Equal(t, []string{id}, referenced)
	require.Equal(t, int64(1), log.SyncCount())
}

func TestSyncReportsCloseError(t *testing.T) {
	log := NewLog(Config{Dir: t.TempDir(), Server: "srv"}, NewTracker("srv", newMemMarker()))
	defer log.Close()

	_, err := log.LogManyTablets(context.Background(), []TabletMutations{
		{Extent: testExtent, Seq: 1, Mutations: []*data.Mutation{mutation("a", "1")}, Durability: data.DurabilityLog},
	})
	require.NoError(t, err)
	log.mu.Lock()
	seg := log.current
	log.mu.Unlock()

	// the file goes away underneath the segment, closing it can not persist the buffer
	require.NoError(t, seg.f.Close())
	log.Roll()
	closed, closeErr := seg.closeResult()
	require.True(t, closed)
	require.Error(t, closeErr)

	err = log.sync(context.Background(), seg)
	require.Error(t, err)
	require.ErrorIs(t, err, ErrRecoverable)
}

func TestRecoverSkipsCompactedData(t *testing.T) {
	dir := t.TempDir()
	log := NewLog(Config{Dir: dir, Server: "srv"}, NewTracker("srv", newMemMarker()))
	ctx := context.Background()

	write := func(seq int64, row string) {
		_, err := log.LogManyTablets(ctx, []TabletMutations{
			{Extent: testExtent, Seq: seq, Mutations: []*data.Mutation{mutation(row, row)}, Durability: data.DurabilityFlush},
		})
		require.NoError(t, err)
	}

	write(1, "a")
	write(2, "b")
	first := log.CurrentLog()
	require.NoError(t, log.MinorCompactionStarted(testExtent, 3, "file1"))
	write(3, "c")
	require.NoError(t, log.MinorCompactionFinished(testExtent, 3))
	log.Roll()
	write(4, "d")
	second := log.CurrentLog()
	require.NotEqual(t, first, second)
	require.NoError(t, log.Close())

	var rows []string
	stats, err := Recover(testExtent, []string{log.Path(first), log.Path(second)}, func(seq int64, m *data.Mutation) error {
		rows = append(rows, string(m.Row))
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, []string{"c", "d"}, rows)
	require.Equal(t, 2, stats.Skipped)
	require.Equal(t, int64(4), stats.MaxSeq)

	// other extents recover nothing
	stats, err = Recover(data.NewExtent("2", nil, nil), []string{log.Path(first)}, func(int64, *data.Mutation) error { return nil })
	require.NoError(t, err)
	require.Equal(t, 0, stats.Mutations)
}

func TestFindEligibleForRemoval(t *testing.T) {
	closed := []string{"l1", "l2", "l3", "l4"}

	tests := []struct {
		name       string
		referenced []string
		want       []string
	}{
		{"nothing referenced", nil, []string{"l1", "l2", "l3", "l4"}},
		{"oldest referenced", []string{"l1"}, nil},
		{"middle referenced", []string{"l3"}, []string{"l1", "l2"}},
		{"newest referenced", []string{"l4"}, []string{"l1", "l2", "l3"}},
		{"gap", []string{"l2", "l4"}, []string{"l1"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			eligible := FindEligibleForRemoval(closed, func(candidates map[string]struct{}) {
				for _, r := range tt.referenced {
					delete(candidates, r)
				}
			})
			if len(eligible) != len(tt.want) {
				t.Fatalf("eligible = %v, want %v", eligible, tt.want)
			}
			for _, w := range tt.want {
				if _, ok := eligible[w]; !ok {
					t.Errorf("%s should be eligible", w)
				}
			}
		})
	}
}

func TestTrackerMarkUnused(t *testing.T) {
	dir := t.TempDir()
	marker := newMemMarker()
	tracker := NewTracker("srv", marker)

	// an empty log is discarded on close
	empty, err := CreateSegment(dir, "srv")
	require.NoError(t, err)
	require.NoError(t, empty.Close())
	require.NoError(t, tracker.Closed(empty))
	require.Empty(t, tracker.ClosedLogs())
	_, err = os.Stat(empty.Path())
	require.True(t, os.IsNotExist(err))

	var segs []*Segment
	for i := 0; i < 3; i++ {
		s, err := CreateSegment(dir, "srv")
		require.NoError(t, err)
		require.NoError(t, s.Append(&Record{Type: RecordCompactionFinish, TabletID: 1, Seq: 1}))
		require.NoError(t, s.Close())
		require.NoError(t, tracker.Closed(s))
		segs = append(segs, s)
	}
	require.Len(t, tracker.ClosedLogs(), 3)

	// the second log is still referenced, only the first one can go
	removed, err := tracker.MarkUnusedWALs(func(c map[string]struct{}) { delete(c, segs[1].ID()) })
	require.NoError(t, err)
	require.Equal(t, []string{segs[0].ID()}, removed)
	require.Equal(t, []string{segs[1].ID(), segs[2].ID()}, tracker.ClosedLogs())
	require.Equal(t, metadata.WALClosed, marker.state(segs[1].ID()))

	removed, err = tracker.MarkUnusedWALs(func(map[string]struct{}) {})
	require.NoError(t, err)
	require.Len(t, removed, 2)
	require.Empty(t, tracker.ClosedLogs())
}

func TestTrackerAdoptAndRemoveLogs(t *testing.T) {
	dir := t.TempDir()
	marker := newMemMarker()
	tracker := NewTracker("srv", marker)

	// logs of a previous instance, the second one is still referenced
	var old []string
	for i := 0; i < 2; i++ {
		s, err := CreateSegment(dir, "srv")
		require.NoError(t, err)
		require.NoError(t, s.Close())
		require.NoError(t, tracker.Adopt(s.ID(), s.Path()))
		old = append(old, s.ID())
	}
	require.Equal(t, old, tracker.ClosedLogs())
	require.Equal(t, metadata.WALClosed, marker.state(old[0]))

	removed, err := tracker.MarkUnusedWALs(func(c map[string]struct{}) { delete(c, old[1]) })
	require.NoError(t, err)
	require.Equal(t, []string{old[0]}, removed)
	_, err = os.Stat(filepath.Join(dir, old[0]))
	require.True(t, os.IsNotExist(err))
	require.Equal(t, metadata.WALState(""), marker.state(old[0]))

	// explicit removal skips referenced logs and unknown ids
	removed, err = tracker.RemoveLogs([]string{old[1], "unknown"}, func(c map[string]struct{}) { delete(c, old[1]) })
	require.NoError(t, err)
	require.Empty(t, removed)
	removed, err = tracker.RemoveLogs([]string{old[1]}, func(map[string]struct{}) {})
	require.NoError(t, err)
	require.Equal(t, []string{old[1]}, removed)
	require.Empty(t, tracker.ClosedLogs())
}
