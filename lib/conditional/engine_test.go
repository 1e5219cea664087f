package conditional

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/ValentinKolb/dTablet/lib/commit"
	"github.com/ValentinKolb/dTablet/lib/data"
	"github.com/ValentinKolb/dTablet/lib/db"
	"github.com/ValentinKolb/dTablet/lib/db/engines/ordered"
	"github.com/ValentinKolb/dTablet/lib/metadata"
	"github.com/ValentinKolb/dTablet/lib/rowlock"
	"github.com/ValentinKolb/dTablet/lib/session"
	"github.com/ValentinKolb/dTablet/lib/store/lstore"
	"github.com/ValentinKolb/dTablet/lib/tablet"
	"github.com/ValentinKolb/dTablet/lib/wal"
	"github.com/stretchr/testify/require"
)

var self = metadata.Instance{Server: "localhost:9000", Session: "s1"}

// countingWAL records the rows of every logged mutation
type countingWAL struct {
	mu   sync.Mutex
	rows []string
}

func (w *countingWAL) LogManyTablets(_ context.Context, batch []wal.TabletMutations) (string, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, tm := range batch {
		for _, m := range tm.Mutations {
			w.rows = append(w.rows, string(m.Row))
		}
	}
	return "log-1", nil
}

type noopLog struct{}

func (noopLog) MinorCompactionStarted(data.Extent, int64, string) error { return nil }
func (noopLog) MinorCompactionFinished(data.Extent, int64) error       { return nil }

type fixture struct {
	extent data.Extent
	tab    *tablet.Tablet
	log    *countingWAL
	locks  *rowlock.Table
	engine *Engine
}

func newFixture(t *testing.T) *fixture {
	extent := data.NewExtent("1", nil, nil)
	ms := metadata.NewMetadataStore(lstore.NewLocalStore(func() db.KVDB { return ordered.NewOrderedDB() }))
	ts := int64(0)
	meta := &metadata.TabletMetadata{Extent: extent, PrevRowSet: true, Dir: "/tables/1/t-default", Time: &ts, Current: &self}
	require.NoError(t, ms.Create(meta))
	tab, err := tablet.Open(tablet.Config{
		Meta: meta,
		Table: &metadata.TableConfig{
			Table:       "1",
			Durability:  data.DurabilityLog,
			Constraints: []metadata.ConstraintSpec{{Name: "maxValueSize", Arg: "8"}},
		},
		Files:    tablet.NewFileStore(t.TempDir()),
		Metadata: ms,
		Log:      noopLog{},
		Location: self,
	})
	require.NoError(t, err)

	f := &fixture{extent: extent, tab: tab, log: &countingWAL{}, locks: rowlock.NewTable()}
	resolve := func(e data.Extent) *tablet.Tablet {
		if e.Equal(extent) {
			return tab
		}
		return nil
	}
	pipeline := commit.NewPipeline(commit.Config{}, f.log, commit.NewGate(), resolve)
	f.engine = NewEngine(Config{}, f.locks, pipeline, resolve)
	return f
}

func (f *fixture) value(t *testing.T, row string) string {
	res, err := f.tab.Scan(data.ExactRow([]byte(row)), tablet.ScanOptions{})
	require.NoError(t, err)
	if len(res.Entries) == 0 {
		return ""
	}
	return string(res.Entries[0].Value)
}

// ifAbsent puts row/f:q = value if the column does not exist yet
func ifAbsent(id int64, row, value string) data.ConditionalMutation {
	return data.ConditionalMutation{
		ID:         id,
		Mutation:   data.NewMutation([]byte(row)).Put("f", "q", []byte(value)),
		Conditions: []data.Condition{{Family: []byte("f"), Qualifier: []byte("q")}},
	}
}

// ifEquals puts row/f:q = value if the column currently holds expected
func ifEquals(id int64, row, expected, value string) data.ConditionalMutation {
	return data.ConditionalMutation{
		ID:         id,
		Mutation:   data.NewMutation([]byte(row)).Put("f", "q", []byte(value)),
		Conditions: []data.Condition{{Family: []byte("f"), Qualifier: []byte("q"), Value: []byte(expected)}},
	}
}

func statuses(results []data.Result) map[int64]data.Status {
	res := make(map[int64]data.Status, len(results))
	for _, r := range results {
		res[r.ID] = r.Status
	}
	return res
}

func TestApply(t *testing.T) {
	f := newFixture(t)
	cs := &session.ConditionalState{Table: "1"}

	results := f.engine.Apply(context.Background(), cs, []Batch{{Extent: f.extent, Mutations: []data.ConditionalMutation{
		ifAbsent(1, "a", "v1"),
		ifEquals(2, "b", "other", "v1"),
		ifAbsent(3, "c", "much too large"),
	}}})

	require.Len(t, results, 3)
	require.Equal(t, map[int64]data.Status{
		1: data.StatusAccepted,
		2: data.StatusRejected,
		3: data.StatusViolated,
	}, statuses(results))
	require.Equal(t, []string{"a"}, f.log.rows, "rejected mutations are not logged")
	require.Equal(t, "v1", f.value(t, "a"))
	require.Equal(t, "", f.value(t, "b"))

	results = f.engine.Apply(context.Background(), cs, []Batch{{Extent: f.extent, Mutations: []data.ConditionalMutation{
		ifEquals(4, "a", "v1", "v2"),
		ifAbsent(5, "a", "v3"),
	}}})
	require.Equal(t, map[int64]data.Status{4: data.StatusAccepted, 5: data.StatusRejected}, statuses(results))
	require.Equal(t, "v2", f.value(t, "a"))
}

func TestDuplicateRowsAreDeferred(t *testing.T) {
	f := newFixture(t)
	cs := &session.ConditionalState{Table: "1"}

	// both mutations only hold on an absent column: the first one is applied in
	// the first pass, the second one sees its write in the next pass
	results := f.engine.Apply(context.Background(), cs, []Batch{{Extent: f.extent, Mutations: []data.ConditionalMutation{
		ifAbsent(1, "r", "first"),
		ifAbsent(2, "r", "second"),
		ifEquals(3, "r", "first", "third"),
	}}})
	require.Equal(t, map[int64]data.Status{
		1: data.StatusAccepted,
		2: data.StatusRejected,
		3: data.StatusAccepted,
	}, statuses(results))
	require.Equal(t, "third", f.value(t, "r"))
	require.Equal(t, []string{"r", "r"}, f.log.rows)
}

func TestLockedRowsAreDeferred(t *testing.T) {
	f := newFixture(t)
	cs := &session.ConditionalState{Table: "1"}

	lock, ok := f.locks.TryLock("1", []byte("b"))
	require.True(t, ok)
	go func() {
		time.Sleep(50 * time.Millisecond)
		lock.Unlock()
	}()

	results := f.engine.Apply(context.Background(), cs, []Batch{{Extent: f.extent, Mutations: []data.ConditionalMutation{
		ifAbsent(1, "b", "v"),
		ifAbsent(2, "a", "v"),
	}}})
	require.Equal(t, map[int64]data.Status{1: data.StatusAccepted, 2: data.StatusAccepted}, statuses(results))
	require.Equal(t, []string{"a", "b"}, f.log.rows, "the free row is written before the locked one")
	require.Zero(t, f.locks.Len())
}

func TestIgnored(t *testing.T) {
	f := newFixture(t)

	// tablet not served here
	cs := &session.ConditionalState{Table: "1"}
	results := f.engine.Apply(context.Background(), cs, []Batch{{
		Extent:    data.NewExtent("1", []byte("m"), nil),
		Mutations: []data.ConditionalMutation{ifAbsent(1, "a", "v")},
	}})
	require.Equal(t, map[int64]data.Status{1: data.StatusIgnored}, statuses(results))

	// interrupted session
	cs.Interrupted.Store(true)
	results = f.engine.Apply(context.Background(), cs, []Batch{{Extent: f.extent, Mutations: []data.ConditionalMutation{
		ifAbsent(2, "a", "v"),
		ifAbsent(3, "b", "v"),
	}}})
	require.Equal(t, map[int64]data.Status{2: data.StatusIgnored, 3: data.StatusIgnored}, statuses(results))

	// closed tablet
	cs = &session.ConditionalState{Table: "1"}
	require.NoError(t, f.tab.Close(false))
	results = f.engine.Apply(context.Background(), cs, []Batch{{Extent: f.extent, Mutations: []data.ConditionalMutation{ifAbsent(4, "a", "v")}}})
	require.Equal(t, map[int64]data.Status{4: data.StatusIgnored}, statuses(results))
	require.Empty(t, f.log.rows)
}

func TestMaxPasses(t *testing.T) {
	f := newFixture(t)
	f.engine.maxPass = 1
	cs := &session.ConditionalState{Table: "1"}

	results := f.engine.Apply(context.Background(), cs, []Batch{{Extent: f.extent, Mutations: []data.ConditionalMutation{
		ifAbsent(1, "r", "first"),
		ifAbsent(2, "r", "second"),
	}}})
	require.Equal(t, map[int64]data.Status{1: data.StatusAccepted, 2: data.StatusIgnored}, statuses(results))
}
