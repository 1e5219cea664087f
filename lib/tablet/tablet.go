package tablet

import (
	"math"
	"sync"
	"time"

	"github.com/ValentinKolb/dTablet/lib/data"
	"github.com/ValentinKolb/dTablet/lib/metadata"
	"github.com/ValentinKolb/dTablet/lib/wal"
	"github.com/cockroachdb/errors"
	"github.com/google/btree"
	"github.com/lni/dragonboat/v4/logger"
	gometrics "github.com/rcrowley/go-metrics"
	"golang.org/x/time/rate"
)

var Logger = logger.GetLogger("tablet")

// ErrClosed is returned by writes to a tablet that is closing or closed
var ErrClosed = errors.New("tablet is closed")

// ILog is the part of the node write-ahead log a tablet writes compaction events to
type ILog interface {
	MinorCompactionStarted(extent data.Extent, seq int64, file string) error
	MinorCompactionFinished(extent data.Extent, seq int64) error
}

// Config holds everything needed to open a tablet
type Config struct {
	Meta     *metadata.TabletMetadata
	Table    *metadata.TableConfig
	Files    *FileStore
	Metadata metadata.IMetadataStore
	Log      ILog
	Location metadata.Instance
	// Clock defaults to time.Now
	Clock func() time.Time
	// CompactionLimiter limits the bytes per second written by major compactions (nil = unlimited)
	CompactionLimiter *rate.Limiter
}

type state uint8

const (
	stateOpen state = iota
	stateClosing
	stateClosed
)

// Tablet is the node local representation of one tablet: an in-memory write
// buffer in front of immutable data files.
//
// Every commit is assigned a commit time that is strictly increasing per tablet.
// It is used as the timestamp of all updates without an explicit one and as the
// sequence number of the commit in the write-ahead log.
type Tablet struct {
	extent data.Extent
	cfg    Config
	dir    string

	mu               sync.Mutex
	cond             *sync.Cond
	state            state
	mem              *memTable
	frozen           *memTable
	frozenSeq        int64
	freezing         bool
	writesInProgress int
	lastTime         int64
	// logs hold data of mem, frozenLogs data of frozen
	logs         map[string]struct{}
	frozenLogs   map[string]struct{}
	files        []*File
	fileInfo     map[string]metadata.FileInfo
	flushID      int64
	compactionID int64
	table        *metadata.TableConfig
	constraints  []Constraint

	mincMu sync.Mutex
	majcMu sync.Mutex

	registry gometrics.Registry
	ingest   gometrics.Meter
	queries  gometrics.Meter
	minc     gometrics.Timer
	majc     gometrics.Timer
	splits   gometrics.Counter
}

// Open opens the tablet described by cfg.Meta. The metadata must have been
// validated by the caller. Unflushed data has to be restored with Recover.
func Open(cfg Config) (*Tablet, error) {
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	meta := cfg.Meta
	constraints, err := BuildConstraints(meta.Extent.Table, cfg.Table.Constraints)
	if err != nil {
		return nil, errors.Wrapf(err, "constraints of table %s", meta.Extent.Table)
	}

	reg := gometrics.NewRegistry()
	t := &Tablet{
		extent:       meta.Extent,
		cfg:          cfg,
		dir:          meta.Dir,
		mem:          newMemTable(),
		logs:         make(map[string]struct{}),
		fileInfo:     make(map[string]metadata.FileInfo),
		flushID:      meta.FlushID,
		compactionID: meta.CompactionID,
		table:        cfg.Table,
		constraints:  constraints,
		registry:     reg,
		ingest:       gometrics.GetOrRegisterMeter("ingest", reg),
		queries:      gometrics.GetOrRegisterMeter("query", reg),
		minc:         gometrics.GetOrRegisterTimer("minorCompaction", reg),
		majc:         gometrics.GetOrRegisterTimer("majorCompaction", reg),
		splits:       gometrics.GetOrRegisterCounter("splits", reg),
	}
	t.cond = sync.NewCond(&t.mu)
	if meta.Time != nil {
		t.lastTime = *meta.Time
	}
	for _, l := range meta.Logs {
		t.logs[l] = struct{}{}
	}
	for name, info := range meta.Files {
		f, err := cfg.Files.Open(name)
		if err != nil {
			t.releaseFiles()
			return nil, err
		}
		t.files = append(t.files, f)
		t.fileInfo[name] = info
	}
	return t, nil
}

// Recover replays the unflushed data of the tablet from the given log files
func (t *Tablet) Recover(paths []string) (wal.RecoveryStats, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	stats, err := wal.Recover(t.extent, paths, func(seq int64, m *data.Mutation) error {
		t.mem.apply(m, seq)
		return nil
	})
	if err != nil {
		return stats, errors.Wrapf(err, "recover %s", t.extent)
	}
	if stats.MaxSeq > t.lastTime {
		t.lastTime = stats.MaxSeq
	}
	if stats.Mutations > 0 {
		Logger.Infof("recovered %d mutations of %s from %d logs", stats.Mutations, t.extent, stats.Logs)
	}
	return stats, nil
}

// Extent returns the extent of the tablet
func (t *Tablet) Extent() data.Extent {
	return t.extent
}

// Dir returns the directory label of the tablet
func (t *Tablet) Dir() string {
	return t.dir
}

// Closed reports whether the tablet stopped accepting writes
func (t *Tablet) Closed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state != stateOpen
}

// TableConfig returns the table configuration the tablet was opened with
func (t *Tablet) TableConfig() *metadata.TableConfig {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.table
}

// UpdateTableConfig replaces the table configuration and rebuilds the constraints
func (t *Tablet) UpdateTableConfig(cfg *metadata.TableConfig) error {
	constraints, err := BuildConstraints(t.extent.Table, cfg.Constraints)
	if err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.table = cfg
	t.constraints = constraints
	return nil
}

// nextTimeLocked returns the next commit time
func (t *Tablet) nextTimeLocked() int64 {
	now := t.cfg.Clock().UnixMilli()
	if now <= t.lastTime {
		now = t.lastTime + 1
	}
	t.lastTime = now
	return now
}

// --------------------------------------------------------------------------
// Writes
// --------------------------------------------------------------------------

// CommitSession binds prepared mutations to their commit time. It has to be
// finished with exactly one call of Commit or Abort.
type CommitSession struct {
	tablet *Tablet
	// Seq is the commit time, it is also the sequence number in the log
	Seq       int64
	Mutations []*data.Mutation
	done      bool
}

// Tablet returns the tablet the session belongs to
func (cs *CommitSession) Tablet() *Tablet {
	return cs.tablet
}

// Prepared is the result of the preparation of a batch of mutations
type Prepared struct {
	NonViolating []*data.Mutation
	Violating    []*data.Mutation
	Violations   []data.Violation
	// Session is nil if no mutation passed the constraints
	Session *CommitSession
}

// Prepare checks the constraints and assigns a commit time to the valid mutations.
// The mutations of the commit session carry the commit time as timestamp for all
// updates without an explicit one, so replaying them from the log is idempotent.
// ErrClosed is returned for the whole batch if the tablet does not accept writes.
func (t *Tablet) Prepare(mutations []*data.Mutation) (*Prepared, error) {
	t.mu.Lock()
	constraints := t.constraints
	t.mu.Unlock()

	valid, violating, violations := checkConstraints(constraints, mutations)
	p := &Prepared{NonViolating: valid, Violating: violating, Violations: violations}
	if len(valid) == 0 {
		if t.Closed() {
			return nil, ErrClosed
		}
		return p, nil
	}

	t.mu.Lock()
	for t.freezing {
		t.cond.Wait()
	}
	if t.state != stateOpen {
		t.mu.Unlock()
		return nil, ErrClosed
	}
	ts := t.nextTimeLocked()
	t.writesInProgress++
	t.mu.Unlock()

	stamped := make([]*data.Mutation, len(valid))
	for i, m := range valid {
		stamped[i] = stamp(m, ts)
	}
	p.Session = &CommitSession{tablet: t, Seq: ts, Mutations: stamped}
	return p, nil
}

// stamp returns a copy of m with ts set on all updates without a timestamp
func stamp(m *data.Mutation, ts int64) *data.Mutation {
	c := &data.Mutation{Row: m.Row, Updates: make([]data.ColumnUpdate, len(m.Updates))}
	copy(c.Updates, m.Updates)
	for i := range c.Updates {
		if !c.Updates[i].HasTimestamp {
			c.Updates[i].Timestamp = ts
			c.Updates[i].HasTimestamp = true
		}
	}
	return c
}

// UseLog records that the mutations of the session are written to logID. It is
// called before the append, so the log stays referenced until the data is flushed
// even if the append fails or the session is aborted.
func (cs *CommitSession) UseLog(logID string) {
	t := cs.tablet
	t.mu.Lock()
	defer t.mu.Unlock()
	t.logs[logID] = struct{}{}
}

// Commit makes the mutations visible. logID is the log the mutations were written
// to ("" if they were not logged).
func (cs *CommitSession) Commit(logID string) {
	t := cs.tablet
	t.mu.Lock()
	defer t.mu.Unlock()
	if cs.done {
		return
	}
	cs.done = true
	entries := 0
	for _, m := range cs.Mutations {
		entries += t.mem.apply(m, cs.Seq)
	}
	if logID != "" {
		t.logs[logID] = struct{}{}
	}
	t.writesInProgress--
	t.cond.Broadcast()
	t.ingest.Mark(int64(entries))
}

// Abort releases the session without applying the mutations
func (cs *CommitSession) Abort() {
	t := cs.tablet
	t.mu.Lock()
	defer t.mu.Unlock()
	if cs.done {
		return
	}
	cs.done = true
	t.writesInProgress--
	t.cond.Broadcast()
}

// --------------------------------------------------------------------------
// Reads
// --------------------------------------------------------------------------

// readView is a consistent snapshot of all data of the tablet
type readView struct {
	mem    *btree.BTreeG[data.Entry]
	frozen *btree.BTreeG[data.Entry]
	files  []*File
}

func (t *Tablet) view() (*readView, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state == stateClosed {
		return nil, ErrClosed
	}
	v := &readView{mem: t.mem.snapshot()}
	if t.frozen != nil {
		v.frozen = t.frozen.snapshot()
	}
	for _, f := range t.files {
		ref, err := t.cfg.Files.Open(f.Name())
		if err != nil {
			v.release()
			return nil, err
		}
		v.files = append(v.files, ref)
	}
	return v, nil
}

func (v *readView) release() {
	for _, f := range v.files {
		f.Release()
	}
	v.files = nil
}

// cursor merges all sources of the view, newer sources win for equal keys
func (v *readView) cursor(start data.Key, r data.Range) cursor {
	cursors := []cursor{newMemCursor(v.mem, start, r.End)}
	if v.frozen != nil {
		cursors = append(cursors, newMemCursor(v.frozen, start, r.End))
	}
	for i := len(v.files) - 1; i >= 0; i-- {
		cursors = append(cursors, v.files[i].cursor(start, r))
	}
	return newMergeCursor(cursors...)
}

// Scan reads the entries of the range r (clipped to the extent of the tablet)
func (t *Tablet) Scan(r data.Range, opts ScanOptions) (ScanResult, error) {
	v, err := t.view()
	if err != nil {
		return ScanResult{}, err
	}
	defer v.release()

	r = t.extent.Clip(r)
	start := columnStart(data.Key{Row: r.Start})
	if opts.After != nil {
		start = columnStart(*opts.After)
	}
	maxVersions := opts.MaxVersions
	if maxVersions == 0 {
		maxVersions = t.TableConfig().MaxVersions
	}

	cur := newVersionCursor(v.cursor(start, r), maxVersions)
	res, err := collect(cur, opts)
	err = errors.CombineErrors(err, cur.Close())
	t.queries.Mark(int64(len(res.Entries)))
	return res, err
}

// CheckConditions evaluates the conditions against the current state of the row.
// Columns the authorizations can not see count as absent.
func (t *Tablet) CheckConditions(row []byte, conditions []data.Condition, auths data.Authorizations) (bool, error) {
	res, err := t.Scan(data.ExactRow(row), ScanOptions{Auths: auths, MaxVersions: math.MaxInt32})
	if err != nil {
		return false, err
	}
	for _, c := range conditions {
		if !evaluate(c, res.Entries) {
			return false, nil
		}
	}
	return true, nil
}

// evaluate checks one condition, entries are ordered newest first per column
func evaluate(c data.Condition, entries []data.Entry) bool {
	for _, e := range entries {
		if !c.Matches(e.Key) {
			continue
		}
		if c.HasTimestamp && e.Key.Timestamp != c.Timestamp {
			continue
		}
		return c.Value != nil && string(e.Value) == string(c.Value)
	}
	return c.Value == nil
}

// --------------------------------------------------------------------------
// Close
// --------------------------------------------------------------------------

// Close stops accepting writes, waits for running commits and, if flush is set,
// writes the buffered data to a file. A closed tablet can not be reopened.
func (t *Tablet) Close(flush bool) error {
	t.mu.Lock()
	if t.state == stateClosed {
		t.mu.Unlock()
		return nil
	}
	t.state = stateClosing
	for t.writesInProgress > 0 {
		t.cond.Wait()
	}
	t.mu.Unlock()

	if flush {
		if err := t.MinorCompact(t.FlushID()); err != nil {
			return errors.Wrapf(err, "flush %s on close", t.extent)
		}
	}

	t.mu.Lock()
	t.state = stateClosed
	t.releaseFilesLocked()
	t.mu.Unlock()
	t.ingest.Stop()
	t.queries.Stop()
	Logger.Debugf("closed tablet %s", t.extent)
	return nil
}

func (t *Tablet) releaseFiles() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.releaseFilesLocked()
}

func (t *Tablet) releaseFilesLocked() {
	for _, f := range t.files {
		f.Release()
	}
	t.files = nil
}

// --------------------------------------------------------------------------
// Logs / ids
// --------------------------------------------------------------------------

// RemoveInUseLogs removes all logs from candidates that hold unflushed data of the tablet
func (t *Tablet) RemoveInUseLogs(candidates map[string]struct{}) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for l := range t.logs {
		delete(candidates, l)
	}
	for l := range t.frozenLogs {
		delete(candidates, l)
	}
}

// Logs returns the logs holding unflushed data of the tablet
func (t *Tablet) Logs() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	res := make([]string, 0, len(t.logs)+len(t.frozenLogs))
	for l := range t.frozenLogs {
		res = append(res, l)
	}
	for l := range t.logs {
		if _, ok := t.frozenLogs[l]; !ok {
			res = append(res, l)
		}
	}
	return res
}

// FlushID is the last flush request the tablet completed
func (t *Tablet) FlushID() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.flushID
}

// CompactionID is the last compaction request the tablet completed
func (t *Tablet) CompactionID() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.compactionID
}

// LastTime returns the highest commit time assigned
func (t *Tablet) LastTime() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lastTime
}

// MemoryUsed returns the size of the buffered data in bytes
func (t *Tablet) MemoryUsed() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	used := t.mem.sizeBytes
	if t.frozen != nil {
		used += t.frozen.sizeBytes
	}
	return used
}

// EstimatedSize is the size of the tablet in bytes (buffered data and files)
func (t *Tablet) EstimatedSize() int64 {
	size := t.MemoryUsed()
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, info := range t.fileInfo {
		size += info.Size
	}
	return size
}

// --------------------------------------------------------------------------
// Stats
// --------------------------------------------------------------------------

// Registry returns the metrics of the tablet
func (t *Tablet) Registry() gometrics.Registry {
	return t.registry
}

// Stats returns the current statistics of the tablet
func (t *Tablet) Stats() data.TabletStats {
	t.mu.Lock()
	inMemory := int64(t.mem.len())
	if t.frozen != nil {
		inMemory += int64(t.frozen.len())
	}
	var onDisk int64
	for _, info := range t.fileInfo {
		onDisk += info.Entries
	}
	files := len(t.fileInfo)
	t.mu.Unlock()

	return data.TabletStats{
		Extent:             t.extent,
		NumEntries:         onDisk + inMemory,
		NumEntriesInMemory: inMemory,
		Files:              files,
		IngestRate:         t.ingest.Rate1(),
		QueryRate:          t.queries.Rate1(),
		MinorCompactions:   t.minc.Count(),
		MajorCompactions:   t.majc.Count(),
		Splits:             t.splits.Count(),
	}
}
