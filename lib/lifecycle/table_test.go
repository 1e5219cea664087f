package lifecycle

import (
	"context"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/ValentinKolb/dTablet/lib/data"
	"github.com/ValentinKolb/dTablet/lib/db"
	"github.com/ValentinKolb/dTablet/lib/db/engines/ordered"
	"github.com/ValentinKolb/dTablet/lib/metadata"
	"github.com/ValentinKolb/dTablet/lib/store/lstore"
	"github.com/ValentinKolb/dTablet/lib/tablet"
	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/require"
)

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
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type noopLog struct{}

func (noopLog) MinorCompactionStarted(data.Extent, int64, string) error { return nil }
func (noopLog) MinorCompactionFinished(data.Extent, int64) error       { return nil }

func openTablet(t *testing.T, extent data.Extent) *tablet.Tablet {
	self := metadata.Instance{Server: "localhost:9000", Session: "s1"}
	ms := metadata.NewMetadataStore(lstore.NewLocalStore(func() db.KVDB { return ordered.NewOrderedDB() }))
	ts := int64(0)
	meta := &metadata.TabletMetadata{Extent: extent, PrevRowSet: true, Dir: "/tables/1/t-default", Time: &ts, Current: &self}
	tab, err := tablet.Open(tablet.Config{
		Meta:     meta,
		Table:    &metadata.TableConfig{Table: extent.Table},
		Files:    tablet.NewFileStore(t.TempDir()),
		Metadata: ms,
		Log:      noopLog{},
		Location: self,
	})
	require.NoError(t, err)
	return tab
}

func load(t *testing.T, tbl *Table, extent data.Extent, tab *tablet.Tablet) {
	ok, err := tbl.Assign(extent)
	require.NoError(t, err)
	require.True(t, ok)
	_, ok, err = tbl.BeginOpening(extent)
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, tbl.FinishOpening(extent, tab))
}

func TestBackoff(t *testing.T) {
	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{0, time.Second},
		{1, 2 * time.Second},
		{5, 32 * time.Second},
		{9, 512 * time.Second},
		{10, 10 * time.Minute},
		{1000, 10 * time.Minute},
	}
	for _, tt := range tests {
		if got := Backoff(tt.attempt); got != tt.want {
			t.Errorf("Backoff(%d) = %s, want %s", tt.attempt, got, tt.want)
		}
	}
}

func TestLoad(t *testing.T) {
	tbl := NewTable()
	e := data.NewExtent("1", []byte("m"), nil)

	ok, err := tbl.Assign(e)
	require.NoError(t, err)
	require.True(t, ok)

	// a repeated assignment is ignored
	ok, err = tbl.Assign(e)
	require.NoError(t, err)
	require.False(t, ok)

	attempt, ok, err := tbl.BeginOpening(e)
	require.NoError(t, err)
	require.True(t, ok)
	require.Zero(t, attempt)

	_, ok, err = tbl.BeginOpening(e)
	require.NoError(t, err)
	require.False(t, ok, "only one load runs at a time")

	ok, err = tbl.Assign(e)
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, tbl.FinishOpening(e, nil))
	entry, found := tbl.Get(e)
	require.True(t, found)
	require.Equal(t, StateOnline, entry.State)
	require.Equal(t, map[State]int{StateOnline: 1}, tbl.Counts())

	require.ErrorIs(t, tbl.FinishOpening(e, nil), ErrInvalidTransition)
}

func TestAssignOverlap(t *testing.T) {
	tbl := NewTable()
	ok, err := tbl.Assign(data.NewExtent("1", []byte("m"), nil))
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = tbl.Assign(data.NewExtent("1", []byte("z"), []byte("a")))
	require.False(t, ok)
	require.True(t, errors.Is(err, ErrOverlap))

	// other tables and adjacent extents do not overlap
	ok, err = tbl.Assign(data.NewExtent("2", []byte("m"), nil))
	require.NoError(t, err)
	require.True(t, ok)
	ok, err = tbl.Assign(data.NewExtent("1", nil, []byte("m")))
	require.NoError(t, err)
	require.True(t, ok)
}

func TestFailOpening(t *testing.T) {
	tbl := NewTable()
	e := data.NewExtent("1", nil, nil)
	_, err := tbl.Assign(e)
	require.NoError(t, err)

	_, _, err = tbl.BeginOpening(e)
	require.NoError(t, err)
	require.Equal(t, 1, tbl.FailOpening(e, true))
	entry, _ := tbl.Get(e)
	require.Equal(t, StateUnopened, entry.State)

	attempt, ok, err := tbl.BeginOpening(e)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, 1, attempt)
	require.Equal(t, 2, tbl.FailOpening(e, true))

	_, _, err = tbl.BeginOpening(e)
	require.NoError(t, err)
	tbl.FailOpening(e, false)
	_, found := tbl.Get(e)
	require.False(t, found)
}

func TestReplaceOpening(t *testing.T) {
	tbl := NewTable()
	high := data.NewExtent("1", nil, []byte("m"))
	fixed := data.NewExtent("1", nil, nil)
	_, err := tbl.Assign(high)
	require.NoError(t, err)
	_, _, err = tbl.BeginOpening(high)
	require.NoError(t, err)

	require.NoError(t, tbl.ReplaceOpening(high, fixed))
	_, found := tbl.Get(high)
	require.False(t, found)
	entry, found := tbl.Get(fixed)
	require.True(t, found)
	require.Equal(t, StateUnopened, entry.State)

	require.ErrorIs(t, tbl.ReplaceOpening(high, fixed), ErrInvalidTransition)
}

func TestUnload(t *testing.T) {
	tbl := NewTable()
	ctx := context.Background()
	e := data.NewExtent("1", nil, nil)

	// unknown
	_, _, err := tbl.BeginUnloading(ctx, e)
	require.ErrorIs(t, err, ErrNotServing)

	// unopened extents are dropped
	_, err = tbl.Assign(e)
	require.NoError(t, err)
	_, dropped, err := tbl.BeginUnloading(ctx, e)
	require.NoError(t, err)
	require.True(t, dropped)
	require.Empty(t, tbl.Counts())

	// a running load is awaited
	tab := openTablet(t, e)
	_, err = tbl.Assign(e)
	require.NoError(t, err)
	_, _, err = tbl.BeginOpening(e)
	require.NoError(t, err)

	timeout, cancel := context.WithTimeout(ctx, 10*time.Millisecond)
	defer cancel()
	_, _, err = tbl.BeginUnloading(timeout, e)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	go func() {
		time.Sleep(20 * time.Millisecond)
		_ = tbl.FinishOpening(e, tab)
	}()
	got, dropped, err := tbl.BeginUnloading(ctx, e)
	require.NoError(t, err)
	require.False(t, dropped)
	require.Same(t, tab, got)
	require.Nil(t, tbl.Online(e), "unloading tablets are not served")
	require.Len(t, tbl.Loaded(), 1, "unloading tablets still hold their logs")
	entries := tbl.Entries()
	require.Len(t, entries, 1)
	require.Equal(t, StateUnloading, entries[0].State)

	ok, err := tbl.Assign(e)
	require.NoError(t, err)
	require.False(t, ok)

	tbl.AbortUnloading(e)
	require.Same(t, tab, tbl.Online(e))

	_, _, err = tbl.BeginUnloading(ctx, e)
	require.NoError(t, err)
	tbl.Remove(e)
	require.Empty(t, tbl.Counts())
}

func TestSplit(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1000, 0)}
	tbl := newTable(clock.Now)
	parent := data.NewExtent("1", nil, nil)
	lowExtent, highExtent := parent.SplitAt([]byte("m"))

	load(t, tbl, parent, openTablet(t, parent))
	low, high := openTablet(t, lowExtent), openTablet(t, highExtent)
	require.NoError(t, tbl.Split(parent, low, high))

	require.Nil(t, tbl.Online(parent))
	require.Same(t, low, tbl.Online(lowExtent))
	require.Same(t, high, tbl.Online(highExtent))
	require.Equal(t, []*tablet.Tablet{low, high}, tbl.OnlineSnapshot())

	// a late assignment of the parent crossing the split is ignored silently
	ok, err := tbl.Assign(parent)
	require.NoError(t, err)
	require.False(t, ok)

	clock.Advance(2 * RecentlySplit)
	_, err = tbl.Assign(parent)
	require.ErrorIs(t, err, ErrOverlap)

	require.ErrorIs(t, tbl.Split(parent, low, high), ErrInvalidTransition)
}

// random transitions over overlapping extents never leave two overlapping extents known
func TestNoOverlappingEntries(t *testing.T) {
	extents := []data.Extent{
		data.NewExtent("1", nil, nil),
		data.NewExtent("1", []byte("m"), nil),
		data.NewExtent("1", nil, []byte("m")),
		data.NewExtent("1", []byte("f"), nil),
	}
	rnd := rand.New(rand.NewSource(7))
	tbl := NewTable()
	ctx, cancel := context.WithTimeout(context.Background(), time.Millisecond)
	defer cancel()

	for i := 0; i < 2000; i++ {
		e := extents[rnd.Intn(len(extents))]
		switch rnd.Intn(5) {
		case 0:
			_, _ = tbl.Assign(e)
		case 1:
			_, _, err := tbl.BeginOpening(e)
			require.NoError(t, err)
		case 2:
			_ = tbl.FinishOpening(e, nil)
		case 3:
			tbl.FailOpening(e, rnd.Intn(2) == 0)
		case 4:
			if _, _, err := tbl.BeginUnloading(ctx, e); err == nil {
				tbl.Remove(e)
			}
		}

		tbl.mu.Lock()
		var known []data.Extent
		for _, entry := range tbl.entries {
			known = append(known, entry.Extent)
		}
		tbl.mu.Unlock()
		for a := range known {
			for b := a + 1; b < len(known); b++ {
				if known[a].Overlaps(known[b]) {
					t.Fatalf("step %d: %s overlaps %s", i, known[a], known[b])
				}
			}
		}
	}
}
