package tablet

import (
	"os"
	"path/filepath"
	"sync"

	"github.com/ValentinKolb/dTablet/lib/data"
	"github.com/ValentinKolb/dTablet/lib/metadata"
	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/pebble"
	"github.com/google/uuid"
)

const writeBatchSize = 1024

// pebbleLogger forwards the messages of the file engine to the package logger
type pebbleLogger struct{}

func (pebbleLogger) Infof(format string, args ...interface{})  { Logger.Debugf(format, args...) }
func (pebbleLogger) Errorf(format string, args ...interface{}) { Logger.Errorf(format, args...) }
func (pebbleLogger) Fatalf(format string, args ...interface{}) { Logger.Panicf(format, args...) }

// FileStore manages the immutable data files of all tablets of a node. A data
// file is written once by a compaction and only read afterwards. The tablets
// created by a split share the files of their parent, so open files are
// reference counted and opened only once per node.
type FileStore struct {
	dir string

	mu   sync.Mutex
	open map[string]*File
}

// NewFileStore creates a file store below dir
func NewFileStore(dir string) *FileStore {
	return &FileStore{dir: dir, open: make(map[string]*File)}
}

// File is an open data file
type File struct {
	name string
	db   *pebble.DB
	refs int
	fs   *FileStore
}

// Name returns the name of the file relative to the store
func (f *File) Name() string {
	return f.name
}

func (fs *FileStore) path(name string) string {
	return filepath.Join(fs.dir, name)
}

// NewFileName returns a unique name for a new file of the table
func (fs *FileStore) NewFileName(table data.TableID) string {
	return filepath.Join("tables", string(table), "F"+uuid.NewString())
}

// Write stores the entries as the file name. Entries must be passed in key order.
// It returns an empty name if no entry was written.
func (fs *FileStore) Write(name string, next func() (data.Entry, bool, error)) (string, metadata.FileInfo, error) {
	var info metadata.FileInfo
	path := fs.path(name)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", info, err
	}

	db, err := pebble.Open(path, &pebble.Options{
		DisableWAL:    true,
		ErrorIfExists: true,
		Logger:        pebbleLogger{},
	})
	if err != nil {
		return "", info, errors.Wrapf(err, "create file %s", name)
	}
	abort := func(err error) (string, metadata.FileInfo, error) {
		_ = db.Close()
		_ = os.RemoveAll(path)
		return "", metadata.FileInfo{}, err
	}

	batch := db.NewBatch()
	for {
		e, ok, err := next()
		if err != nil {
			return abort(err)
		}
		if !ok {
			break
		}
		if err := batch.Set(encodeKey(e.Key), e.Value, nil); err != nil {
			return abort(err)
		}
		info.Entries++
		info.Size += int64(e.SizeBytes())
		if batch.Count() >= writeBatchSize {
			if err := batch.Commit(pebble.NoSync); err != nil {
				return abort(err)
			}
			batch = db.NewBatch()
		}
	}
	if err := batch.Commit(pebble.NoSync); err != nil {
		return abort(err)
	}
	if info.Entries == 0 {
		_ = db.Close()
		return "", info, os.RemoveAll(path)
	}
	// without a WAL the data is only durable once the memtable is flushed
	if err := db.Flush(); err != nil {
		return abort(err)
	}
	if err := db.Close(); err != nil {
		_ = os.RemoveAll(path)
		return "", metadata.FileInfo{}, err
	}
	return name, info, nil
}

// Open returns the open file, the caller has to Release it
func (fs *FileStore) Open(name string) (*File, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if f, ok := fs.open[name]; ok {
		f.refs++
		return f, nil
	}
	db, err := pebble.Open(fs.path(name), &pebble.Options{
		ReadOnly: true,
		Logger:   pebbleLogger{},
	})
	if err != nil {
		return nil, errors.Wrapf(err, "open file %s", name)
	}
	f := &File{name: name, db: db, refs: 1, fs: fs}
	fs.open[name] = f
	return f, nil
}

// Release drops a reference, the file is closed with the last one
func (f *File) Release() {
	fs := f.fs
	fs.mu.Lock()
	defer fs.mu.Unlock()
	f.refs--
	if f.refs > 0 {
		return
	}
	delete(fs.open, f.name)
	if err := f.db.Close(); err != nil {
		Logger.Warningf("failed to close file %s: %v", f.name, err)
	}
}

// Remove deletes a file that is no longer referenced by any tablet
func (fs *FileStore) Remove(name string) error {
	fs.mu.Lock()
	_, open := fs.open[name]
	fs.mu.Unlock()
	if open {
		return errors.Newf("file %s is still open", name)
	}
	return os.RemoveAll(fs.path(name))
}

// OpenFiles returns the number of open files
func (fs *FileStore) OpenFiles() int {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return len(fs.open)
}

// --------------------------------------------------------------------------
// Cursor
// --------------------------------------------------------------------------

// fileCursor iterates the entries of a file starting at a key
type fileCursor struct {
	iter  *pebble.Iterator
	first bool
	start []byte
}

// cursor returns an iterator over the rows of r starting at start
func (f *File) cursor(start data.Key, r data.Range) *fileCursor {
	opts := &pebble.IterOptions{}
	if r.Start != nil {
		opts.LowerBound = rowBound(r.Start)
	}
	if r.End != nil {
		opts.UpperBound = rowBound(r.End)
	}
	return &fileCursor{iter: f.db.NewIter(opts), first: true, start: encodeKey(start)}
}

func (c *fileCursor) Next() (data.Entry, bool, error) {
	var valid bool
	if c.first {
		c.first = false
		valid = c.iter.SeekGE(c.start)
	} else {
		valid = c.iter.Next()
	}
	if !valid {
		return data.Entry{}, false, c.iter.Error()
	}
	k, err := decodeKey(c.iter.Key())
	if err != nil {
		return data.Entry{}, false, err
	}
	value := append([]byte(nil), c.iter.Value()...)
	return data.Entry{Key: k, Value: value}, true, nil
}

func (c *fileCursor) Close() error {
	return c.iter.Close()
}
