package lifecycle

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/ValentinKolb/dTablet/lib/data"
	"github.com/ValentinKolb/dTablet/lib/tablet"
	"github.com/cockroachdb/errors"
	"github.com/lni/dragonboat/v4/logger"
)

var Logger = logger.GetLogger("lifecycle")

var (
	// ErrOverlap is returned if an extent overlaps extents already known to the node
	ErrOverlap = errors.New("extent overlaps assigned tablets")
	// ErrNotServing is returned if the extent is not online on this node
	ErrNotServing = errors.New("tablet not served")
	// ErrInvalidTransition is returned for transitions that are not allowed from the current state
	ErrInvalidTransition = errors.New("invalid tablet state transition")
)

const (
	// RecentlySplit is the time a tablet created by a split is exempt from overlap errors
	RecentlySplit = time.Minute

	maxBackoff = 10 * time.Minute
)

// State of a tablet on this node
type State uint8

const (
	StateUnopened  State = iota // assigned, waiting to be loaded
	StateOpening                // load in progress
	StateOnline                 // serving
	StateUnloading              // close in progress
)

func (s State) String() string {
	switch s {
	case StateUnopened:
		return "unopened"
	case StateOpening:
		return "opening"
	case StateOnline:
		return "online"
	case StateUnloading:
		return "unloading"
	default:
		return "unknown"
	}
}

// Entry is the state of one extent
type Entry struct {
	Extent data.Extent
	State  State
	// Tablet is set while the tablet is online or unloading
	Tablet *tablet.Tablet
	// Attempt counts the failed loads
	Attempt int
	// SplitTime is set for tablets created by a split
	SplitTime time.Time
}

// Table maps every extent known to the node to its state. All transitions are
// made under one lock and keep the invariant that no two known extents overlap.
type Table struct {
	mu      sync.Mutex
	cond    *sync.Cond
	entries map[string]*Entry
	clock   func() time.Time
}

// NewTable creates an empty lifecycle table
func NewTable() *Table {
	return newTable(time.Now)
}

func newTable(clock func() time.Time) *Table {
	t := &Table{entries: make(map[string]*Entry), clock: clock}
	t.cond = sync.NewCond(&t.mu)
	return t
}

// Backoff returns the delay before load attempt number attempt is retried
func Backoff(attempt int) time.Duration {
	if attempt > 32 {
		attempt = 32
	}
	d := time.Duration(int64(1)<<attempt) * time.Second
	if d > maxBackoff || d <= 0 {
		return maxBackoff
	}
	return d
}

// overlappingLocked returns all known entries overlapping extent (including extent itself)
func (t *Table) overlappingLocked(extent data.Extent) []*Entry {
	var res []*Entry
	for _, e := range t.entries {
		if e.Extent.Overlaps(extent) {
			res = append(res, e)
		}
	}
	return res
}

func (t *Table) recentlySplit(e *Entry) bool {
	return !e.SplitTime.IsZero() && t.clock().Sub(e.SplitTime) < RecentlySplit
}

// --------------------------------------------------------------------------
// Loading
// --------------------------------------------------------------------------

// Assign records a new assignment as unopened. It returns false if the extent
// or an overlapping one is already known. Overlaps other than the extent itself
// or tablets that were recently created by a split are returned as ErrOverlap.
func (t *Table) Assign(extent data.Extent) (bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	overlapping := t.overlappingLocked(extent)
	if len(overlapping) == 0 {
		t.entries[extent.Key()] = &Entry{Extent: extent, State: StateUnopened}
		return true, nil
	}

	var conflicts []string
	for _, e := range overlapping {
		if e.Extent.Equal(extent) || (e.State == StateOnline && t.recentlySplit(e)) {
			continue
		}
		conflicts = append(conflicts, e.Extent.String()+"("+e.State.String()+")")
	}
	if len(conflicts) > 0 {
		return false, errors.Wrapf(ErrOverlap, "%s overlaps %v", extent, conflicts)
	}
	return false, nil
}

// BeginOpening moves an unopened extent to opening and returns its failed
// attempts. It returns false if the extent is no longer unopened.
func (t *Table) BeginOpening(extent data.Extent) (int, bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.entries[extent.Key()]
	if !ok || e.State != StateUnopened {
		return 0, false, nil
	}
	for _, o := range t.overlappingLocked(extent) {
		if o != e {
			return 0, false, errors.AssertionFailedf("%s overlaps %s (%s)", extent, o.Extent, o.State)
		}
	}
	e.State = StateOpening
	return e.Attempt, true, nil
}

// FinishOpening puts the opened tablet online
func (t *Table) FinishOpening(extent data.Extent, tab *tablet.Tablet) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.entries[extent.Key()]
	if !ok || e.State != StateOpening {
		return errors.Wrapf(ErrInvalidTransition, "finish opening %s", extent)
	}
	e.State = StateOnline
	e.Tablet = tab
	e.Attempt = 0
	t.cond.Broadcast()
	return nil
}

// FailOpening ends a failed load. If retry is set the extent goes back to
// unopened and the number of failed attempts is returned, otherwise it is dropped.
func (t *Table) FailOpening(extent data.Extent, retry bool) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	defer t.cond.Broadcast()

	e, ok := t.entries[extent.Key()]
	if !ok || e.State != StateOpening {
		return 0
	}
	if !retry {
		delete(t.entries, extent.Key())
		return 0
	}
	e.State = StateUnopened
	e.Attempt++
	return e.Attempt
}

// ReplaceOpening replaces an opening extent by the extent its metadata was fixed
// to. The fixed extent is unopened afterwards.
func (t *Table) ReplaceOpening(old, fixed data.Extent) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	defer t.cond.Broadcast()

	e, ok := t.entries[old.Key()]
	if !ok || e.State != StateOpening {
		return errors.Wrapf(ErrInvalidTransition, "replace opening %s", old)
	}
	delete(t.entries, old.Key())
	if !fixed.Overlaps(old) {
		return errors.AssertionFailedf("fixed split %s does not overlap %s", fixed, old)
	}
	if o := t.overlappingLocked(fixed); len(o) > 0 {
		return errors.Wrapf(ErrOverlap, "fixed extent %s overlaps %s (%s)", fixed, o[0].Extent, o[0].State)
	}
	t.entries[fixed.Key()] = &Entry{Extent: fixed, State: StateUnopened, Attempt: e.Attempt}
	return nil
}

// WaitWhileOpening blocks while a load of the extent is in progress
func (t *Table) WaitWhileOpening(ctx context.Context, extent data.Extent) error {
	stop := context.AfterFunc(ctx, func() {
		t.mu.Lock()
		defer t.mu.Unlock()
		t.cond.Broadcast()
	})
	defer stop()

	t.mu.Lock()
	defer t.mu.Unlock()
	for {
		e, ok := t.entries[extent.Key()]
		if !ok || e.State != StateOpening {
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		t.cond.Wait()
	}
}

// --------------------------------------------------------------------------
// Unloading
// --------------------------------------------------------------------------

// BeginUnloading starts the unload of an extent. An unopened extent is dropped
// directly (dropped = true), a load in progress is waited for. An online tablet
// is moved to unloading and returned, it has to be closed by the caller and then
// removed. ErrNotServing is returned if the extent is neither known nor online.
func (t *Table) BeginUnloading(ctx context.Context, extent data.Extent) (tab *tablet.Tablet, dropped bool, err error) {
	t.mu.Lock()
	if e, ok := t.entries[extent.Key()]; ok && e.State == StateUnopened {
		delete(t.entries, extent.Key())
		t.mu.Unlock()
		return nil, true, nil
	}
	t.mu.Unlock()

	if err := t.WaitWhileOpening(ctx, extent); err != nil {
		return nil, false, err
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[extent.Key()]
	if !ok || e.State != StateOnline {
		return nil, false, errors.Wrapf(ErrNotServing, "unload %s", extent)
	}
	e.State = StateUnloading
	return e.Tablet, false, nil
}

// AbortUnloading puts a tablet whose close failed back online
func (t *Table) AbortUnloading(extent data.Extent) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if e, ok := t.entries[extent.Key()]; ok && e.State == StateUnloading {
		e.State = StateOnline
	}
}

// Remove forgets the extent
func (t *Table) Remove(extent data.Extent) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.entries, extent.Key())
	t.cond.Broadcast()
}

// --------------------------------------------------------------------------
// Split
// --------------------------------------------------------------------------

// Split replaces the online tablet of old by the two tablets it was split into.
// Readers observe either the old tablet or both new ones.
func (t *Table) Split(old data.Extent, low, high *tablet.Tablet) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.entries[old.Key()]
	if !ok || e.State != StateOnline {
		return errors.Wrapf(ErrInvalidTransition, "split %s", old)
	}
	now := t.clock()
	delete(t.entries, old.Key())
	t.entries[low.Extent().Key()] = &Entry{Extent: low.Extent(), State: StateOnline, Tablet: low, SplitTime: now}
	t.entries[high.Extent().Key()] = &Entry{Extent: high.Extent(), State: StateOnline, Tablet: high, SplitTime: now}
	return nil
}

// --------------------------------------------------------------------------
// Reads
// --------------------------------------------------------------------------

// Online returns the online tablet of the extent or nil
func (t *Table) Online(extent data.Extent) *tablet.Tablet {
	t.mu.Lock()
	defer t.mu.Unlock()
	if e, ok := t.entries[extent.Key()]; ok && e.State == StateOnline {
		return e.Tablet
	}
	return nil
}

// OnlineSnapshot returns all online tablets ordered by extent
func (t *Table) OnlineSnapshot() []*tablet.Tablet {
	t.mu.Lock()
	var res []*tablet.Tablet
	for _, e := range t.entries {
		if e.State == StateOnline {
			res = append(res, e.Tablet)
		}
	}
	t.mu.Unlock()
	sort.Slice(res, func(i, j int) bool { return res[i].Extent().Compare(res[j].Extent()) < 0 })
	return res
}

// Loaded returns the tablets that are online or unloading. An unloading tablet
// still holds its unflushed data until the close finished.
func (t *Table) Loaded() []*tablet.Tablet {
	t.mu.Lock()
	defer t.mu.Unlock()
	var res []*tablet.Tablet
	for _, e := range t.entries {
		if e.Tablet != nil && (e.State == StateOnline || e.State == StateUnloading) {
			res = append(res, e.Tablet)
		}
	}
	return res
}

// Get returns a copy of the entry of the extent
func (t *Table) Get(extent data.Extent) (Entry, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[extent.Key()]
	if !ok {
		return Entry{}, false
	}
	return *e, true
}

// Counts returns the number of extents per state
func (t *Table) Counts() map[State]int {
	t.mu.Lock()
	defer t.mu.Unlock()
	res := make(map[State]int, 4)
	for _, e := range t.entries {
		res[e.State]++
	}
	return res
}

// Entries returns a copy of all entries ordered by extent
func (t *Table) Entries() []Entry {
	t.mu.Lock()
	res := make([]Entry, 0, len(t.entries))
	for _, e := range t.entries {
		res = append(res, *e)
	}
	t.mu.Unlock()
	sort.Slice(res, func(i, j int) bool { return res[i].Extent.Compare(res[j].Extent) < 0 })
	return res
}
