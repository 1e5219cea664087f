package tablet

import (
	"context"
	"time"

	"github.com/ValentinKolb/dTablet/lib/data"
	"github.com/ValentinKolb/dTablet/lib/metadata"
	"github.com/cockroachdb/errors"
)

// --------------------------------------------------------------------------
// Minor compaction
// --------------------------------------------------------------------------

// freeze swaps the write buffer once all running commits finished. All commits
// with a sequence number below the returned one are part of the frozen buffer.
// A frozen buffer left by a failed compaction is returned again.
func (t *Tablet) freeze() (*memTable, int64, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state == stateClosed {
		return nil, 0, ErrClosed
	}
	if t.frozen != nil {
		return t.frozen, t.frozenSeq, nil
	}
	t.freezing = true
	for t.writesInProgress > 0 {
		t.cond.Wait()
	}
	t.frozen = t.mem
	t.frozenSeq = t.lastTime + 1
	t.frozenLogs = t.logs
	t.mem = newMemTable()
	t.logs = make(map[string]struct{})
	t.freezing = false
	t.cond.Broadcast()
	return t.frozen, t.frozenSeq, nil
}

// MinorCompact writes the buffered data to a new file, records the file in the
// metadata and drops the references to the logs that held the data. flushID is
// recorded as completed flush request.
func (t *Tablet) MinorCompact(flushID int64) error {
	t.mincMu.Lock()
	defer t.mincMu.Unlock()

	t.mu.Lock()
	idle := t.frozen == nil && t.mem.len() == 0 && len(t.logs) == 0 && flushID <= t.flushID
	t.mu.Unlock()
	if idle {
		return nil
	}

	start := time.Now()
	frozen, seq, err := t.freeze()
	if err != nil {
		return err
	}

	name := t.cfg.Files.NewFileName(t.extent.Table)
	if err := t.cfg.Log.MinorCompactionStarted(t.extent, seq, name); err != nil {
		Logger.Warningf("failed to log start of minor compaction of %s: %v", t.extent, err)
	}

	cur := newMemCursor(frozen.snapshot(), columnStart(data.Key{}), nil)
	name, info, err := t.cfg.Files.Write(name, cur.Next)
	if err != nil {
		return errors.Wrapf(err, "minor compaction of %s", t.extent)
	}

	t.mu.Lock()
	var flushed []string
	for l := range t.frozenLogs {
		if _, ok := t.logs[l]; !ok {
			flushed = append(flushed, l)
		}
	}
	if flushID < t.flushID {
		flushID = t.flushID
	}
	t.mu.Unlock()

	if err := metadata.RecordMinorCompaction(t.cfg.Metadata, t.extent, name, info, flushed, flushID, seq-1); err != nil {
		if name != "" {
			_ = t.cfg.Files.Remove(name)
		}
		return errors.Wrapf(err, "record minor compaction of %s", t.extent)
	}
	if err := t.cfg.Log.MinorCompactionFinished(t.extent, seq); err != nil {
		Logger.Warningf("failed to log end of minor compaction of %s: %v", t.extent, err)
	}

	var f *File
	if name != "" {
		if f, err = t.cfg.Files.Open(name); err != nil {
			return err
		}
	}
	t.mu.Lock()
	if f != nil {
		t.files = append(t.files, f)
		t.fileInfo[name] = info
	}
	t.frozen = nil
	t.frozenLogs = nil
	t.flushID = flushID
	t.mu.Unlock()

	t.minc.UpdateSince(start)
	Logger.Debugf("minor compaction of %s wrote %d entries in %s", t.extent, info.Entries, time.Since(start))
	return nil
}

// NeedsFlush reports whether the table requested a flush the tablet did not complete yet
func (t *Tablet) NeedsFlush(tableFlushID int64) bool {
	return t.FlushID() < tableFlushID
}

// --------------------------------------------------------------------------
// Major compaction
// --------------------------------------------------------------------------

// NeedsCompaction reports whether the table requested a compaction the tablet did not complete yet
func (t *Tablet) NeedsCompaction(tableCompactionID int64) bool {
	return t.CompactionID() < tableCompactionID
}

// MajorCompact merges all files of the tablet into one. Delete markers and the
// versions they hide as well as versions beyond the table limit are dropped.
// Files no longer referenced by any tablet are removed.
func (t *Tablet) MajorCompact(ctx context.Context, compactionID int64) error {
	t.majcMu.Lock()
	defer t.majcMu.Unlock()

	t.mu.Lock()
	if t.state != stateOpen {
		t.mu.Unlock()
		return ErrClosed
	}
	if compactionID < t.compactionID {
		compactionID = t.compactionID
	}
	if len(t.files) == 0 || (len(t.files) == 1 && compactionID == t.compactionID) {
		t.compactionID = compactionID
		t.mu.Unlock()
		return nil
	}
	merged := make([]*File, 0, len(t.files))
	for _, f := range t.files {
		ref, err := t.cfg.Files.Open(f.Name())
		if err != nil {
			t.mu.Unlock()
			for _, m := range merged {
				m.Release()
			}
			return err
		}
		merged = append(merged, ref)
	}
	maxVersions := t.table.MaxVersions
	t.mu.Unlock()

	names, err := t.majorCompact(ctx, merged, compactionID, maxVersions)
	for _, f := range merged {
		f.Release()
	}
	if err != nil {
		return err
	}
	t.removeUnreferenced(names)
	return nil
}

func (t *Tablet) majorCompact(ctx context.Context, merged []*File, compactionID int64, maxVersions int) ([]string, error) {
	start := time.Now()
	r := t.extent.Clip(data.Range{})
	cursors := make([]cursor, 0, len(merged))
	for i := len(merged) - 1; i >= 0; i-- {
		cursors = append(cursors, merged[i].cursor(columnStart(data.Key{Row: r.Start}), r))
	}
	src := newVersionCursor(newMergeCursor(cursors...), maxVersions)
	defer src.Close()

	limiter := t.cfg.CompactionLimiter
	next := func() (data.Entry, bool, error) {
		e, ok, err := src.Next()
		if err != nil || !ok {
			return e, ok, err
		}
		if limiter != nil {
			n := e.SizeBytes()
			if burst := limiter.Burst(); n > burst {
				n = burst
			}
			if err := limiter.WaitN(ctx, n); err != nil {
				return e, false, err
			}
		}
		return e, true, ctx.Err()
	}

	name, info, err := t.cfg.Files.Write(t.cfg.Files.NewFileName(t.extent.Table), next)
	if err != nil {
		return nil, errors.Wrapf(err, "major compaction of %s", t.extent)
	}
	names := make([]string, len(merged))
	for i, f := range merged {
		names[i] = f.Name()
	}
	if err := metadata.RecordMajorCompaction(t.cfg.Metadata, t.extent, names, name, info, compactionID); err != nil {
		if name != "" {
			_ = t.cfg.Files.Remove(name)
		}
		return nil, errors.Wrapf(err, "record major compaction of %s", t.extent)
	}

	var f *File
	if name != "" {
		if f, err = t.cfg.Files.Open(name); err != nil {
			return nil, err
		}
	}
	t.mu.Lock()
	drop := make(map[string]struct{}, len(names))
	for _, n := range names {
		drop[n] = struct{}{}
		delete(t.fileInfo, n)
	}
	kept := t.files[:0]
	for _, old := range t.files {
		if _, ok := drop[old.Name()]; ok {
			old.Release()
			continue
		}
		kept = append(kept, old)
	}
	t.files = kept
	if f != nil {
		t.files = append(t.files, f)
		t.fileInfo[name] = info
	}
	t.compactionID = compactionID
	t.mu.Unlock()

	t.majc.UpdateSince(start)
	Logger.Infof("major compaction of %s merged %d files into %d entries in %s", t.extent, len(names), info.Entries, time.Since(start))
	return names, nil
}

// removeUnreferenced deletes merged files no other tablet references
func (t *Tablet) removeUnreferenced(names []string) {
	for _, n := range names {
		referenced, err := metadata.FileReferenced(t.cfg.Metadata, t.extent.Table, n)
		if err != nil || referenced {
			continue
		}
		if err := t.cfg.Files.Remove(n); err != nil {
			Logger.Debugf("keeping file %s: %v", n, err)
		}
	}
}
