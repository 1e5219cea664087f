package wal

import (
	"context"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/ValentinKolb/dTablet/lib/data"
	"github.com/ValentinKolb/dTablet/lib/db/util"
	"github.com/cockroachdb/errors"
	"github.com/lni/dragonboat/v4/logger"
)

var Logger = logger.GetLogger("wal")

var (
	// ErrRecoverable marks log errors that can be retried with a new segment
	ErrRecoverable = errors.New("recoverable log error")
	// ErrClosed is returned after the logger was closed
	ErrClosed = errors.New("logger is closed")
)

// Config of the node write-ahead log
type Config struct {
	Dir    string
	Server string
	// MaxSize is the size in bytes after which a new segment is started
	MaxSize int64
	// OnDefine is called before the first record of a tablet is written to a segment.
	// It is used to record the log reference in the tablet metadata.
	OnDefine func(extent data.Extent, logID string) error
}

// TabletMutations are the mutations of one commit session of a tablet
type TabletMutations struct {
	Extent     data.Extent
	Seq        int64
	Mutations  []*data.Mutation
	Durability data.Durability
	// OnLog is called with the id of the segment before the mutations are appended.
	// The segment can not be closed before OnLog returned, so a reference taken
	// here is visible to MarkUnusedWALs before the log may become eligible.
	OnLog func(logID string)
}

// logged reports whether the entry is written to the log
func (tm *TabletMutations) logged() bool {
	return data.ResolveDurability(tm.Durability, data.DurabilityDefault) > data.DurabilityNone && len(tm.Mutations) > 0
}

type syncRequest struct {
	seg *Segment
	res chan error
}

// Log is the write-ahead log of a node. All tablets share one current segment.
// Sync requests of concurrent writers are answered by a single fsync.
type Log struct {
	cfg     Config
	tracker *Tracker

	mu      sync.Mutex
	current *Segment
	defined map[string]int32 // extent key -> tablet id in the current segment
	nextID  int32
	closed  bool

	syncs      *util.LockFreeMPSC[syncRequest]
	workerDone chan struct{}

	syncCount  atomic.Int64
	flushCount atomic.Int64
}

// NewLog creates the node log, segments are created lazily on the first write
func NewLog(cfg Config, tracker *Tracker) *Log {
	l := &Log{
		cfg:        cfg,
		tracker:    tracker,
		defined:    make(map[string]int32),
		syncs:      util.NewLockFreeMPSC[syncRequest](),
		workerDone: make(chan struct{}),
	}
	go l.syncWorker()
	return l
}

// Path returns the file path of a log id
func (l *Log) Path(id string) string {
	return filepath.Join(l.cfg.Dir, id)
}

// CurrentLog returns the id of the current segment ("" if none is open)
func (l *Log) CurrentLog() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.current == nil {
		return ""
	}
	return l.current.ID()
}

// SyncCount and FlushCount return how often the log was synced or flushed
func (l *Log) SyncCount() int64  { return l.syncCount.Load() }
func (l *Log) FlushCount() int64 { return l.flushCount.Load() }

// segmentLocked returns the current segment and starts a new one if necessary
func (l *Log) segmentLocked() (*Segment, error) {
	if l.closed {
		return nil, ErrClosed
	}
	if l.current != nil && l.cfg.MaxSize > 0 && l.current.Size() >= l.cfg.MaxSize {
		l.closeCurrentLocked()
	}
	if l.current != nil {
		return l.current, nil
	}
	seg, err := CreateSegment(l.cfg.Dir, l.cfg.Server)
	if err != nil {
		return nil, err
	}
	if l.tracker != nil {
		if err := l.tracker.Opened(seg); err != nil {
			_ = seg.Close()
			return nil, err
		}
	}
	Logger.Infof("started new log %s", seg.ID())
	l.current = seg
	l.defined = make(map[string]int32)
	l.nextID = 1
	return seg, nil
}

func (l *Log) closeCurrentLocked() {
	seg := l.current
	if seg == nil {
		return
	}
	l.current = nil
	l.defined = make(map[string]int32)
	if err := seg.Close(); err != nil {
		Logger.Warningf("failed to close log %s: %v", seg.ID(), err)
	}
	if l.tracker != nil {
		if err := l.tracker.Closed(seg); err != nil {
			Logger.Errorf("failed to mark log %s as closed: %v", seg.ID(), err)
		}
	}
}

// defineLocked returns the tablet id of extent in the current segment and writes
// the define record if the tablet is new to the segment
func (l *Log) defineLocked(seg *Segment, extent data.Extent, records []*Record) (int32, []*Record, error) {
	if id, ok := l.defined[extent.Key()]; ok {
		return id, records, nil
	}
	if l.cfg.OnDefine != nil {
		if err := l.cfg.OnDefine(extent, seg.ID()); err != nil {
			return 0, records, err
		}
	}
	id := l.nextID
	l.nextID++
	l.defined[extent.Key()] = id
	return id, append(records, &Record{Type: RecordDefineTablet, TabletID: id, Extent: extent}), nil
}

// LogManyTablets appends the mutations of several tablets and waits until the
// strongest requested durability of the batch is reached. Entries with durability
// none are skipped. It returns the id of the segment the mutations were written to.
//
// I/O errors close the current segment and are marked with ErrRecoverable,
// retrying the same batch writes it to a fresh segment.
func (l *Log) LogManyTablets(ctx context.Context, batch []TabletMutations) (string, error) {
	needed := false
	for i := range batch {
		needed = needed || batch[i].logged()
	}
	if !needed {
		return "", nil
	}

	l.mu.Lock()
	seg, err := l.segmentLocked()
	if err != nil {
		l.mu.Unlock()
		if errors.Is(err, ErrClosed) {
			return "", err
		}
		return "", errors.Mark(err, ErrRecoverable)
	}

	strongest := data.DurabilityNone
	var records []*Record
	for i := range batch {
		tm := &batch[i]
		if !tm.logged() {
			continue
		}
		var id int32
		id, records, err = l.defineLocked(seg, tm.Extent, records)
		if err != nil {
			l.mu.Unlock()
			return "", errors.Mark(errors.Wrapf(err, "define %s", tm.Extent), ErrRecoverable)
		}
		if tm.OnLog != nil {
			tm.OnLog(seg.ID())
		}
		records = append(records, &Record{Type: RecordMutations, TabletID: id, Seq: tm.Seq, Mutations: tm.Mutations})
		if d := data.ResolveDurability(tm.Durability, data.DurabilityDefault); d > strongest {
			strongest = d
		}
	}

	if err := seg.Append(records...); err != nil {
		l.closeCurrentLocked()
		l.mu.Unlock()
		return "", errors.Mark(err, ErrRecoverable)
	}
	if strongest >= data.DurabilityFlush {
		if err := seg.Flush(); err != nil {
			l.closeCurrentLocked()
			l.mu.Unlock()
			return "", errors.Mark(err, ErrRecoverable)
		}
		l.flushCount.Add(1)
	}
	l.mu.Unlock()

	if strongest == data.DurabilitySync {
		if err := l.sync(ctx, seg); err != nil {
			return "", err
		}
	}
	return seg.ID(), nil
}

// sync waits for the group commit worker to sync the segment
func (l *Log) sync(ctx context.Context, seg *Segment) error {
	req := &syncRequest{seg: seg, res: make(chan error, 1)}
	if !l.syncs.Push(req) {
		return ErrClosed
	}
	select {
	case err := <-req.res:
		if err != nil {
			return errors.Mark(err, ErrRecoverable)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// syncWorker answers all queued sync requests of a segment with one fsync
func (l *Log) syncWorker() {
	defer close(l.workerDone)
	for range l.syncs.Notify() {
		for reqs := l.syncs.Drain(0); len(reqs) > 0; reqs = l.syncs.Drain(0) {
			l.syncAll(reqs)
		}
		if l.syncs.IsClosed() {
			l.syncAll(l.syncs.Drain(0))
			return
		}
	}
}

func (l *Log) syncAll(reqs []*syncRequest) {
	bySegment := make(map[*Segment][]*syncRequest)
	for _, r := range reqs {
		bySegment[r.seg] = append(bySegment[r.seg], r)
	}
	for seg, waiting := range bySegment {
		err := seg.Sync()
		if closed, closeErr := seg.closeResult(); closed {
			// closing a segment syncs it
			err = closeErr
		}
		if err == nil {
			l.syncCount.Add(1)
		}
		for _, r := range waiting {
			r.res <- err
		}
	}
}

// MinorCompactionStarted records that the data of the tablet with a sequence number
// below seq is about to be written to file. It is only recorded if the tablet wrote
// to the current segment.
func (l *Log) MinorCompactionStarted(extent data.Extent, seq int64, file string) error {
	return l.logCompaction(&Record{Type: RecordCompactionStart, Seq: seq, File: file}, extent)
}

// MinorCompactionFinished records that the file of the compaction started with seq is persisted
func (l *Log) MinorCompactionFinished(extent data.Extent, seq int64) error {
	return l.logCompaction(&Record{Type: RecordCompactionFinish, Seq: seq}, extent)
}

func (l *Log) logCompaction(r *Record, extent data.Extent) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed || l.current == nil {
		return nil
	}
	id, ok := l.defined[extent.Key()]
	if !ok {
		return nil
	}
	r.TabletID = id
	if err := l.current.Append(r); err != nil {
		l.closeCurrentLocked()
		return errors.Mark(err, ErrRecoverable)
	}
	return l.current.Flush()
}

// Roll closes the current segment, the next write starts a new one
func (l *Log) Roll() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closeCurrentLocked()
}

// Close closes the current segment and stops the sync worker
func (l *Log) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closeCurrentLocked()
	l.closed = true
	l.mu.Unlock()

	l.syncs.Close()
	<-l.workerDone
	return nil
}

// closeResult reports whether the segment is closed and the error of its final sync
func (s *Segment) closeResult() (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed, s.closeErr
}
