package tablet

import (
	"github.com/ValentinKolb/dTablet/lib/data"
	"github.com/google/btree"
)

const btreeDegree = 32

func lessEntry(a, b data.Entry) bool {
	return a.Key.Compare(b.Key) < 0
}

// memTable is the in-memory write buffer of a tablet. Entries are kept in key
// order, writing the same key twice replaces the value.
type memTable struct {
	tree      *btree.BTreeG[data.Entry]
	sizeBytes int64
	// maxTime is the highest commit time applied
	maxTime int64
}

func newMemTable() *memTable {
	return &memTable{tree: btree.NewG[data.Entry](btreeDegree, lessEntry)}
}

// apply inserts the entries of a mutation, the caller must hold the tablet lock
func (m *memTable) apply(mut *data.Mutation, ts int64) int {
	entries := mut.Entries(ts)
	for _, e := range entries {
		if old, replaced := m.tree.ReplaceOrInsert(e); replaced {
			m.sizeBytes -= int64(old.SizeBytes())
		}
		m.sizeBytes += int64(e.SizeBytes())
	}
	if ts > m.maxTime {
		m.maxTime = ts
	}
	return len(entries)
}

func (m *memTable) len() int {
	return m.tree.Len()
}

// snapshot returns a read-only copy, later writes to m are not visible in it
func (m *memTable) snapshot() *btree.BTreeG[data.Entry] {
	return m.tree.Clone()
}

// --------------------------------------------------------------------------
// Cursor
// --------------------------------------------------------------------------

const memCursorChunk = 128

// memCursor iterates a btree snapshot in chunks starting at a key
type memCursor struct {
	tree *btree.BTreeG[data.Entry]
	buf  []data.Entry
	pos  int
	// pivot is where the next chunk starts, after is set once an entry was returned
	pivot data.Key
	after bool
	done  bool
	end   []byte // exclusive end row, nil = unbounded
}

func newMemCursor(tree *btree.BTreeG[data.Entry], start data.Key, endRow []byte) *memCursor {
	return &memCursor{tree: tree, pivot: start, end: endRow}
}

func (c *memCursor) fill() {
	c.buf = c.buf[:0]
	c.pos = 0
	c.tree.AscendGreaterOrEqual(data.Entry{Key: c.pivot}, func(e data.Entry) bool {
		if c.after && e.Key.Compare(c.pivot) == 0 {
			return true
		}
		if c.end != nil && (data.Range{End: c.end}).AfterEnd(e.Key.Row) {
			c.done = true
			return false
		}
		c.buf = append(c.buf, e)
		return len(c.buf) < memCursorChunk
	})
	if len(c.buf) < memCursorChunk {
		c.done = true
	}
	if len(c.buf) > 0 {
		c.pivot = c.buf[len(c.buf)-1].Key
		c.after = true
	}
}

func (c *memCursor) Next() (data.Entry, bool, error) {
	if c.pos >= len(c.buf) {
		if c.done {
			return data.Entry{}, false, nil
		}
		c.fill()
		if len(c.buf) == 0 {
			return data.Entry{}, false, nil
		}
	}
	e := c.buf[c.pos]
	c.pos++
	return e, true, nil
}

func (c *memCursor) Close() error {
	return nil
}
