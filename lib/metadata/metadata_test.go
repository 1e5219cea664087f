package metadata

import (
	"testing"

	"github.com/ValentinKolb/dTablet/lib/data"
	"github.com/ValentinKolb/dTablet/lib/db"
	"github.com/ValentinKolb/dTablet/lib/db/engines/ordered"
	"github.com/ValentinKolb/dTablet/lib/store/lstore"
	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/require"
)

var self = Instance{Server: "localhost:9000", Session: "s1"}

func newTestStore() IMetadataStore {
	return NewMetadataStore(lstore.NewLocalStore(func() db.KVDB { return ordered.NewOrderedDB() }))
}

func newTablet(extent data.Extent) *TabletMetadata {
	ts := int64(1)
	return &TabletMetadata{
		Extent:     extent,
		PrevRowSet: true,
		Dir:        "/data/t1",
		Time:       &ts,
		Future:     &Instance{Server: self.Server, Session: self.Session},
		Files:      map[string]FileInfo{"f1": {Size: 1000, Entries: 100}},
	}
}

func TestCheckTabletMetadata(t *testing.T) {
	extent := data.NewExtent("1", []byte("m"), nil)

	tests := []struct {
		name    string
		modify  func(m *TabletMetadata)
		ok      bool
		wantErr bool
	}{
		{"valid", func(m *TabletMetadata) {}, true, false},
		{"no prev row", func(m *TabletMetadata) { m.PrevRowSet = false }, false, true},
		{"extent mismatch", func(m *TabletMetadata) { m.Extent = data.NewExtent("1", []byte("m"), []byte("a")) }, false, false},
		{"no dir", func(m *TabletMetadata) { m.Dir = "" }, false, true},
		{"no time", func(m *TabletMetadata) { m.Time = nil }, false, true},
		{"current location", func(m *TabletMetadata) { m.Current, m.Future = m.Future, nil }, false, false},
		{"other server", func(m *TabletMetadata) { m.Future = &Instance{Server: "other:9000", Session: "s1"} }, false, false},
		{"old session", func(m *TabletMetadata) { m.Future = &Instance{Server: self.Server, Session: "s0"} }, false, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := newTablet(extent)
			tt.modify(m)
			ok, err := CheckTabletMetadata(extent, self, m)
			if tt.wantErr != (err != nil) {
				t.Errorf("error = %v, wantErr %v", err, tt.wantErr)
			}
			if ok != tt.ok {
				t.Errorf("ok = %v, want %v", ok, tt.ok)
			}
		})
	}

	// the root tablet does not need a time
	root := newTablet(data.RootExtent)
	root.Time = nil
	ok, err := CheckTabletMetadata(data.RootExtent, self, root)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestCreateMutateAndList(t *testing.T) {
	ms := newTestStore()
	a := data.NewExtent("1", []byte("m"), nil)
	b := data.NewExtent("1", nil, []byte("m"))

	require.NoError(t, ms.Create(newTablet(b)))
	require.NoError(t, ms.Create(newTablet(a)))
	require.True(t, errors.Is(ms.Create(newTablet(a)), ErrExists))

	_, err := ms.Get(data.NewExtent("1", []byte("x"), nil))
	require.True(t, errors.Is(err, ErrNotFound))

	require.NoError(t, SetCurrentLocation(ms, a, self))
	m, err := ms.Get(a)
	require.NoError(t, err)
	require.Nil(t, m.Future)
	require.True(t, m.Current.Equal(self))

	require.NoError(t, AddLogs(ms, a, "wal-1", "wal-2", "wal-1"))
	require.NoError(t, RecordMinorCompaction(ms, a, "f2", FileInfo{Size: 10, Entries: 1}, []string{"wal-1"}, 3, 50))
	m, err = ms.Get(a)
	require.NoError(t, err)
	require.Equal(t, []string{"wal-2"}, m.Logs)
	require.Equal(t, int64(3), m.FlushID)
	require.Equal(t, int64(50), *m.Time)
	require.Len(t, m.Files, 2)

	tablets, err := ms.Tablets("1")
	require.NoError(t, err)
	require.Len(t, tablets, 2)
	require.True(t, tablets[0].Extent.Equal(a), "tablets are listed in row order")

	require.NoError(t, Suspend(ms, a, self, 1234))
	m, err = ms.Get(a)
	require.NoError(t, err)
	require.Nil(t, m.Current)
	require.Equal(t, int64(1234), m.Suspend.TimeMillis)

	referenced, err := FileReferenced(ms, "1", "f2")
	require.NoError(t, err)
	require.True(t, referenced)
	require.NoError(t, RecordMajorCompaction(ms, a, []string{"f1", "f2"}, "f3", FileInfo{Size: 5, Entries: 1}, 1))
	referenced, err = FileReferenced(ms, "1", "f2")
	require.NoError(t, err)
	require.False(t, referenced)
}

func TestSplitTablet(t *testing.T) {
	ms := newTestStore()
	old := data.NewExtent("1", nil, nil)
	require.NoError(t, ms.Create(newTablet(old)))

	low, high := old.SplitAt([]byte("g"))
	require.NoError(t, SplitTablet(ms, old, low, high, 0.25, "/data/t2", 7, self))

	hm, err := ms.Get(high)
	require.NoError(t, err)
	require.True(t, hm.Extent.Equal(high))
	require.False(t, hm.HasOldPrevEndRow)
	require.Equal(t, int64(750), hm.Files["f1"].Size)

	lm, err := ms.Get(low)
	require.NoError(t, err)
	require.True(t, lm.Extent.Equal(low))
	require.Equal(t, int64(250), lm.Files["f1"].Size)
	require.Equal(t, "/data/t2", lm.Dir)
}

func TestFixSplitRollback(t *testing.T) {
	ms := newTestStore()
	old := data.NewExtent("1", []byte("z"), []byte("a"))
	require.NoError(t, ms.Create(newTablet(old)))

	// simulate a crash after the first split step
	_, high := old.SplitAt([]byte("g"))
	_, err := ms.Mutate(old, func(m *TabletMetadata) error {
		m.Extent = high
		m.OldPrevEndRow = old.PrevEndRow
		m.HasOldPrevEndRow = true
		m.SplitRatio = 0.5
		return nil
	})
	require.NoError(t, err)

	m, err := ms.Get(high)
	require.NoError(t, err)
	fixed, err := FixSplit(ms, m)
	require.NoError(t, err)
	require.True(t, fixed.Equal(old), "split without low tablet is rolled back")

	m, err = ms.Get(old)
	require.NoError(t, err)
	require.True(t, m.Extent.Equal(old))
	require.False(t, m.HasOldPrevEndRow)
}

func TestFixSplitFinish(t *testing.T) {
	ms := newTestStore()
	old := data.NewExtent("1", []byte("z"), nil)
	require.NoError(t, ms.Create(newTablet(old)))

	low, high := old.SplitAt([]byte("g"))
	_, err := ms.Mutate(old, func(m *TabletMetadata) error {
		m.Extent = high
		m.OldPrevEndRow = nil
		m.HasOldPrevEndRow = true
		m.SplitRatio = 0.5
		return nil
	})
	require.NoError(t, err)
	require.NoError(t, ms.Create(newTablet(low)))

	m, err := ms.Get(high)
	require.NoError(t, err)
	fixed, err := FixSplit(ms, m)
	require.NoError(t, err)
	require.True(t, fixed.Equal(high), "split with existing low tablet is finished")

	m, err = ms.Get(high)
	require.NoError(t, err)
	require.False(t, m.HasOldPrevEndRow)
	require.Equal(t, int64(500), m.Files["f1"].Size)
}

func TestTablesAndWALs(t *testing.T) {
	ms := newTestStore()
	require.NoError(t, ms.PutTableConfig(&TableConfig{Table: "1", Name: "t", Durability: data.DurabilityLog}))

	cfg, err := ms.MutateTableConfig("1", func(cfg *TableConfig) error {
		cfg.FlushID++
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, int64(1), cfg.FlushID)

	tables, err := ms.Tables()
	require.NoError(t, err)
	require.Len(t, tables, 1)

	require.NoError(t, ms.MarkWAL("srv", "a", WALOpen))
	require.NoError(t, ms.MarkWAL("srv", "b", WALClosed))
	require.NoError(t, ms.MarkWAL("other", "c", WALOpen))
	wals, err := ms.WALs("srv")
	require.NoError(t, err)
	require.Equal(t, map[string]WALState{"a": WALOpen, "b": WALClosed}, wals)
	require.NoError(t, ms.RemoveWAL("srv", "a"))
	wals, err = ms.WALs("srv")
	require.NoError(t, err)
	require.Len(t, wals, 1)
}
