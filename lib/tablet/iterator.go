package tablet

import (
	"container/heap"
	"sync/atomic"

	"github.com/ValentinKolb/dTablet/lib/data"
	"github.com/cockroachdb/errors"
)

// ErrInterrupted is returned when a scan was interrupted by its session
var ErrInterrupted = errors.New("scan interrupted")

// interruptCheckInterval is the number of entries read between interrupt checks
const interruptCheckInterval = 256

// cursor is a sorted stream of entries
type cursor interface {
	Next() (data.Entry, bool, error)
	Close() error
}

// --------------------------------------------------------------------------
// Merge
// --------------------------------------------------------------------------

type mergeItem struct {
	cur  cursor
	head data.Entry
	// prio orders equal keys, lower wins (newer sources first)
	prio int
}

type mergeHeap []*mergeItem

func (h mergeHeap) Len() int { return len(h) }
func (h mergeHeap) Less(i, j int) bool {
	if c := h[i].head.Key.Compare(h[j].head.Key); c != 0 {
		return c < 0
	}
	return h[i].prio < h[j].prio
}
func (h mergeHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *mergeHeap) Push(x any)  { *h = append(*h, x.(*mergeItem)) }
func (h *mergeHeap) Pop() any {
	old := *h
	it := old[len(old)-1]
	*h = old[:len(old)-1]
	return it
}

// mergeCursor merges several cursors into one sorted stream. If more than one
// cursor holds the same key, only the entry of the first cursor is returned.
type mergeCursor struct {
	all  []cursor
	h    mergeHeap
	last *data.Key
	err  error
}

func newMergeCursor(cursors ...cursor) *mergeCursor {
	m := &mergeCursor{all: cursors}
	for i, c := range cursors {
		e, ok, err := c.Next()
		if err != nil {
			m.err = err
			return m
		}
		if ok {
			m.h = append(m.h, &mergeItem{cur: c, head: e, prio: i})
		}
	}
	heap.Init(&m.h)
	return m
}

func (m *mergeCursor) Next() (data.Entry, bool, error) {
	for {
		if m.err != nil {
			return data.Entry{}, false, m.err
		}
		if len(m.h) == 0 {
			return data.Entry{}, false, nil
		}
		top := m.h[0]
		e := top.head
		next, ok, err := top.cur.Next()
		switch {
		case err != nil:
			m.err = err
			return data.Entry{}, false, err
		case ok:
			top.head = next
			heap.Fix(&m.h, 0)
		default:
			heap.Pop(&m.h)
		}
		if m.last != nil && m.last.Compare(e.Key) == 0 {
			continue
		}
		k := e.Key
		m.last = &k
		return e, true, nil
	}
}

func (m *mergeCursor) Close() error {
	var err error
	for _, c := range m.all {
		err = errors.CombineErrors(err, c.Close())
	}
	return err
}

// --------------------------------------------------------------------------
// Versions / deletes
// --------------------------------------------------------------------------

// versionCursor hides deleted entries and limits the number of versions per column.
// Delete markers themselves are never returned.
type versionCursor struct {
	src         cursor
	maxVersions int

	col      *data.Key
	versions int
	deleted  bool
}

func newVersionCursor(src cursor, maxVersions int) *versionCursor {
	if maxVersions <= 0 {
		maxVersions = 1
	}
	return &versionCursor{src: src, maxVersions: maxVersions}
}

func (v *versionCursor) Next() (data.Entry, bool, error) {
	for {
		e, ok, err := v.src.Next()
		if err != nil || !ok {
			return e, ok, err
		}
		if v.col == nil || !v.col.SameColumn(e.Key) {
			k := e.Key
			v.col = &k
			v.versions = 0
			v.deleted = false
		}
		if v.deleted {
			continue
		}
		if e.Key.Deleted {
			// newer versions sort first, everything left in the column is older
			v.deleted = true
			continue
		}
		if v.versions >= v.maxVersions {
			continue
		}
		v.versions++
		return e, true, nil
	}
}

func (v *versionCursor) Close() error {
	return v.src.Close()
}

// --------------------------------------------------------------------------
// Scan
// --------------------------------------------------------------------------

// ScanOptions controls which entries a scan returns
type ScanOptions struct {
	Columns []data.Column
	Auths   data.Authorizations
	// MaxVersions per column, 0 uses the table setting
	MaxVersions int
	// After resumes a scan behind this key
	After *data.Key
	// Limit is the maximum number of entries returned, 0 = no limit
	Limit int
	// Interrupt aborts the scan with ErrInterrupted when set
	Interrupt *atomic.Bool
}

// ScanResult is one batch of a scan
type ScanResult struct {
	Entries []data.Entry
	// More is set if the limit was reached before the end of the range
	More bool
}

// Last returns the last key of the batch (nil for an empty batch)
func (r ScanResult) Last() *data.Key {
	if len(r.Entries) == 0 {
		return nil
	}
	k := r.Entries[len(r.Entries)-1].Key
	return &k
}

// collect reads the filtered entries of src
func collect(src cursor, opts ScanOptions) (ScanResult, error) {
	var res ScanResult
	read := 0
	for {
		read++
		if opts.Interrupt != nil && read%interruptCheckInterval == 0 && opts.Interrupt.Load() {
			return res, ErrInterrupted
		}
		e, ok, err := src.Next()
		if err != nil {
			return res, err
		}
		if !ok {
			return res, nil
		}
		if opts.After != nil && e.Key.Compare(*opts.After) <= 0 {
			continue
		}
		if !data.MatchColumns(e.Key, opts.Columns) || !opts.Auths.CanSee(e.Key.Visibility) {
			continue
		}
		if opts.Limit > 0 && len(res.Entries) >= opts.Limit {
			res.More = true
			return res, nil
		}
		res.Entries = append(res.Entries, e)
	}
}
