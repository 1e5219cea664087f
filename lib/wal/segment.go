package wal

import (
	"bufio"
	"encoding/binary"
	"hash/crc32"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
)

// frame header: | payload len (4) | crc32 of type and payload (4) | type (1) |
const frameHeader = 9

// maxRecordSize guards against reading garbage lengths from a damaged file
const maxRecordSize = 256 << 20

var crcTable = crc32.MakeTable(crc32.Castagnoli)

// Segment is one append-only log file. Only the Logger writes to a segment,
// Writes and Size may be read concurrently.
type Segment struct {
	id   string
	path string

	mu     sync.Mutex
	f      *os.File
	w      *bufio.Writer
	size   int64
	writes int64
	closed bool
	// closeErr is the error of the final flush and sync, returned to pending syncs
	closeErr error
	buf      []byte
}

// CreateSegment creates a new segment with a random name in dir
func CreateSegment(dir string, server string) (*Segment, error) {
	id := uuid.NewString()
	path := filepath.Join(dir, id)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, errors.Wrapf(err, "create log %s", path)
	}
	s := &Segment{id: id, path: path, f: f, w: bufio.NewWriterSize(f, 64*1024)}
	if err := s.Append(&Record{Type: RecordOpen, File: server}); err != nil {
		_ = f.Close()
		return nil, err
	}
	s.writes = 0
	if err := s.Sync(); err != nil {
		_ = f.Close()
		return nil, err
	}
	return s, nil
}

// ID returns the name of the segment
func (s *Segment) ID() string { return s.id }

// Path returns the file path of the segment
func (s *Segment) Path() string { return s.path }

// Writes returns the number of appended records (the open record is not counted)
func (s *Segment) Writes() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writes
}

// Size returns the number of bytes appended so far
func (s *Segment) Size() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.size
}

// Append frames and buffers the records. Nothing is guaranteed to reach the
// operating system before Flush or Sync.
func (s *Segment) Append(records ...*Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errors.Newf("log %s is closed", s.id)
	}
	for _, r := range records {
		s.buf = r.encode(append(s.buf[:0], make([]byte, frameHeader)...))
		payload := s.buf[frameHeader:]
		binary.BigEndian.PutUint32(s.buf[0:4], uint32(len(payload)))
		s.buf[8] = byte(r.Type)
		binary.BigEndian.PutUint32(s.buf[4:8], crc32.Checksum(s.buf[8:], crcTable))
		if _, err := s.w.Write(s.buf); err != nil {
			return errors.Wrapf(err, "append to log %s", s.id)
		}
		s.size += int64(len(s.buf))
		s.writes++
	}
	return nil
}

// Flush hands all buffered records to the operating system
func (s *Segment) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.flushLocked()
}

func (s *Segment) flushLocked() error {
	if s.closed {
		return errors.Newf("log %s is closed", s.id)
	}
	return errors.Wrapf(s.w.Flush(), "flush log %s", s.id)
}

// Sync flushes the buffer and syncs the file to disk
func (s *Segment) Sync() error {
	s.mu.Lock()
	if err := s.flushLocked(); err != nil {
		s.mu.Unlock()
		return err
	}
	f := s.f
	s.mu.Unlock()
	// fsync runs without the lock so appends can continue
	return errors.Wrapf(f.Sync(), "sync log %s", s.id)
}

// Close syncs and closes the file, closing twice is a no-op
func (s *Segment) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	err := s.w.Flush()
	if err == nil {
		err = s.f.Sync()
	}
	s.closed = true
	s.closeErr = errors.Wrapf(errors.CombineErrors(err, s.f.Close()), "close log %s", s.id)
	return s.closeErr
}

// --------------------------------------------------------------------------
// Replay
// --------------------------------------------------------------------------

// Replay reads all records of the log file starting at offset and calls fn for each.
// A torn or damaged tail (from a crash during an append) ends the replay without error.
// It returns the offset after the last valid record.
func Replay(path string, offset int64, fn func(r *Record) error) (int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, errors.Wrapf(err, "open log %s", path)
	}
	defer f.Close()

	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		return 0, err
	}
	br := bufio.NewReaderSize(f, 64*1024)
	pos := offset
	var header [frameHeader]byte
	for {
		if _, err := io.ReadFull(br, header[:]); err != nil {
			if err != io.EOF {
				Logger.Warningf("log %s: torn record header at %d", path, pos)
			}
			return pos, nil
		}
		n := binary.BigEndian.Uint32(header[0:4])
		if n > maxRecordSize {
			Logger.Warningf("log %s: invalid record length %d at %d", path, n, pos)
			return pos, nil
		}
		frame := make([]byte, 1+n)
		frame[0] = header[8]
		if _, err := io.ReadFull(br, frame[1:]); err != nil {
			Logger.Warningf("log %s: torn record at %d", path, pos)
			return pos, nil
		}
		if crc32.Checksum(frame, crcTable) != binary.BigEndian.Uint32(header[4:8]) {
			Logger.Warningf("log %s: checksum mismatch at %d", path, pos)
			return pos, nil
		}
		r, err := decodeRecord(RecordType(frame[0]), frame[1:])
		if err != nil {
			return pos, errors.Wrapf(err, "log %s at %d", path, pos)
		}
		if err := fn(r); err != nil {
			return pos, err
		}
		pos += int64(frameHeader) + int64(n)
	}
}
