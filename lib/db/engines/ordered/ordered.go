package ordered

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"io"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/ValentinKolb/dTablet/lib/db"
	"github.com/cockroachdb/errors"
	"github.com/google/btree"
)

// --------------------------------------------------------------------------
// Constants
// --------------------------------------------------------------------------

const (
	magicNum       = "ORDERDB\x00" // File format identifier
	orderedVersion = 1             // Database version
	btreeDegree    = 32
)

// entry is a single key-value pair stored in the tree
type entry struct {
	key      string
	value    []byte
	index    uint64 // write index of the last modification
	deleteAt uint64 // unix ms, 0 = never
}

// live reports whether the entry is visible at now
func (e entry) live(now uint64) bool {
	return e.deleteAt == 0 || e.deleteAt > now
}

func lessEntry(a, b entry) bool {
	return a.key < b.key
}

// --------------------------------------------------------------------------
// Core database structure
// --------------------------------------------------------------------------

// orderedImpl is a btree backed database that keeps all keys in lexicographic order
type orderedImpl struct {
	mu        sync.RWMutex
	tree      *btree.BTreeG[entry]
	currIndex atomic.Uint64
	sizeBytes atomic.Int64
}

// NewOrderedDB creates a new ordered in-memory database
func NewOrderedDB() db.KVDB {
	return &orderedImpl{
		tree: btree.NewG[entry](btreeDegree, lessEntry),
	}
}

// --------------------------------------------------------------------------
// Write Operations
// --------------------------------------------------------------------------

func (o *orderedImpl) Set(key string, value []byte, writeIndex uint64) {
	o.SetE(key, value, writeIndex, 0)
}

func (o *orderedImpl) SetE(key string, value []byte, writeIndex uint64, deleteAt uint64) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.put(entry{key: key, value: value, index: writeIndex, deleteAt: deleteAt})
}

func (o *orderedImpl) SetEIfUnset(key string, value []byte, writeIndex uint64, deleteAt uint64, now uint64) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if old, ok := o.tree.Get(entry{key: key}); ok && old.live(now) {
		o.SetWriteIdx(writeIndex)
		return false
	}
	o.put(entry{key: key, value: value, index: writeIndex, deleteAt: deleteAt})
	return true
}

func (o *orderedImpl) CompareAndSet(key string, expected, value []byte, writeIndex uint64, deleteAt uint64, now uint64) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	old, ok := o.tree.Get(entry{key: key})
	ok = ok && old.live(now)

	switch {
	case expected == nil && ok:
		o.SetWriteIdx(writeIndex)
		return false
	case expected != nil && (!ok || !bytes.Equal(old.value, expected)):
		o.SetWriteIdx(writeIndex)
		return false
	}
	o.put(entry{key: key, value: value, index: writeIndex, deleteAt: deleteAt})
	return true
}

func (o *orderedImpl) Delete(key string, writeIndex uint64) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if old, ok := o.tree.Delete(entry{key: key}); ok {
		o.sizeBytes.Add(-int64(len(old.key) + len(old.value)))
	}
	o.SetWriteIdx(writeIndex)
}

func (o *orderedImpl) GarbageCollect(now uint64) int {
	o.mu.Lock()
	defer o.mu.Unlock()

	var dead []entry
	o.tree.Ascend(func(e entry) bool {
		if !e.live(now) {
			dead = append(dead, e)
		}
		return true
	})
	for _, e := range dead {
		o.tree.Delete(e)
		o.sizeBytes.Add(-int64(len(e.key) + len(e.value)))
	}
	return len(dead)
}

// put stores the entry, the caller must hold the write lock
func (o *orderedImpl) put(e entry) {
	if old, replaced := o.tree.ReplaceOrInsert(e); replaced {
		o.sizeBytes.Add(-int64(len(old.key) + len(old.value)))
	}
	o.sizeBytes.Add(int64(len(e.key) + len(e.value)))
	o.SetWriteIdx(e.index)
}

// --------------------------------------------------------------------------
// Query Operations
// --------------------------------------------------------------------------

func (o *orderedImpl) Get(key string, now uint64) ([]byte, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	e, ok := o.tree.Get(entry{key: key})
	if !ok || !e.live(now) {
		return nil, false
	}
	return e.value, true
}

func (o *orderedImpl) Has(key string, now uint64) bool {
	_, ok := o.Get(key, now)
	return ok
}

func (o *orderedImpl) Scan(prefix string, now uint64, limit int) []db.KV {
	o.mu.RLock()
	defer o.mu.RUnlock()

	var res []db.KV
	o.tree.AscendGreaterOrEqual(entry{key: prefix}, func(e entry) bool {
		if !strings.HasPrefix(e.key, prefix) {
			return false
		}
		if e.live(now) {
			res = append(res, db.KV{Key: e.key, Value: e.value})
		}
		return limit <= 0 || len(res) < limit
	})
	return res
}

// --------------------------------------------------------------------------
// Persistence Operations
// --------------------------------------------------------------------------

// Save writes all entries with the format:
// magic, version (1 byte), write index (8 bytes), count (8 bytes), followed by
// key length (4), key, deleteAt (8), index (8), value length (4), value for every entry.
func (o *orderedImpl) Save(w io.Writer) error {
	o.mu.RLock()
	defer o.mu.RUnlock()

	bw := bufio.NewWriterSize(w, 1024*1024)
	if _, err := bw.WriteString(magicNum); err != nil {
		return err
	}
	if err := bw.WriteByte(orderedVersion); err != nil {
		return err
	}

	var buf []byte
	buf = binary.LittleEndian.AppendUint64(buf, o.currIndex.Load())
	buf = binary.LittleEndian.AppendUint64(buf, uint64(o.tree.Len()))
	if _, err := bw.Write(buf); err != nil {
		return err
	}

	var werr error
	o.tree.Ascend(func(e entry) bool {
		buf = buf[:0]
		buf = binary.LittleEndian.AppendUint32(buf, uint32(len(e.key)))
		buf = append(buf, e.key...)
		buf = binary.LittleEndian.AppendUint64(buf, e.deleteAt)
		buf = binary.LittleEndian.AppendUint64(buf, e.index)
		buf = binary.LittleEndian.AppendUint32(buf, uint32(len(e.value)))
		buf = append(buf, e.value...)
		_, werr = bw.Write(buf)
		return werr == nil
	})
	if werr != nil {
		return werr
	}
	return bw.Flush()
}

// Load replaces the content of the database with the entries read from r
func (o *orderedImpl) Load(r io.Reader) error {
	br := bufio.NewReaderSize(r, 1024*1024)

	magic := make([]byte, len(magicNum))
	if _, err := io.ReadFull(br, magic); err != nil {
		return err
	}
	if string(magic) != magicNum {
		return errors.New("invalid file format: magic number mismatch")
	}
	version, err := br.ReadByte()
	if err != nil {
		return err
	}
	if version != orderedVersion {
		return errors.Newf("unsupported version: %d (expected %d)", version, orderedVersion)
	}

	var header [16]byte
	if _, err := io.ReadFull(br, header[:]); err != nil {
		return err
	}
	writeIdx := binary.LittleEndian.Uint64(header[0:8])
	count := binary.LittleEndian.Uint64(header[8:16])

	tree := btree.NewG[entry](btreeDegree, lessEntry)
	var size int64
	var u32 [4]byte
	var u64 [8]byte
	for i := uint64(0); i < count; i++ {
		if _, err := io.ReadFull(br, u32[:]); err != nil {
			return err
		}
		key := make([]byte, binary.LittleEndian.Uint32(u32[:]))
		if _, err := io.ReadFull(br, key); err != nil {
			return err
		}
		e := entry{key: string(key)}
		if _, err := io.ReadFull(br, u64[:]); err != nil {
			return err
		}
		e.deleteAt = binary.LittleEndian.Uint64(u64[:])
		if _, err := io.ReadFull(br, u64[:]); err != nil {
			return err
		}
		e.index = binary.LittleEndian.Uint64(u64[:])
		if _, err := io.ReadFull(br, u32[:]); err != nil {
			return err
		}
		e.value = make([]byte, binary.LittleEndian.Uint32(u32[:]))
		if _, err := io.ReadFull(br, e.value); err != nil {
			return err
		}
		tree.ReplaceOrInsert(e)
		size += int64(len(e.key) + len(e.value))
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	o.tree = tree
	o.sizeBytes.Store(size)
	o.currIndex.Store(0)
	o.SetWriteIdx(writeIdx)
	return nil
}

// --------------------------------------------------------------------------
// Metadata
// --------------------------------------------------------------------------

func (o *orderedImpl) GetInfo() db.DatabaseInfo {
	o.mu.RLock()
	entries := o.tree.Len()
	o.mu.RUnlock()

	meta := &struct {
		CurrentWriteIndex uint64 `json:"current_write_index"`
		BTreeDegree       int    `json:"btree_degree"`
	}{
		CurrentWriteIndex: o.currIndex.Load(),
		BTreeDegree:       btreeDegree,
	}
	return db.DatabaseInfo{
		SizeBytes: int(o.sizeBytes.Load()),
		Entries:   entries,
		DbType:    db.ImplOrdered,
		Metadata:  meta,
	}
}

func (o *orderedImpl) Close() error {
	return nil
}

// --------------------------------------------------------------------------
// Index Management
// --------------------------------------------------------------------------

// SetWriteIdx only moves the index forward
//
// Thread-safety: This method is thread-safe and can be called concurrently.
func (o *orderedImpl) SetWriteIdx(newIdx uint64) {
	for {
		currIdx := o.currIndex.Load()
		if newIdx <= currIdx {
			return
		}
		if o.currIndex.CompareAndSwap(currIdx, newIdx) {
			return
		}
	}
}

func (o *orderedImpl) WriteIdx() uint64 {
	return o.currIndex.Load()
}
