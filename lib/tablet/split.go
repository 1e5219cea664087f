package tablet

import (
	"bytes"
	"path"

	"github.com/ValentinKolb/dTablet/lib/data"
	"github.com/ValentinKolb/dTablet/lib/metadata"
	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
)

// ErrNoSplitRow is returned if the tablet holds too few rows to be split
var ErrNoSplitRow = errors.New("no split row found")

// NeedsSplit reports whether the tablet grew beyond threshold bytes. The root
// tablet is never split.
func (t *Tablet) NeedsSplit(threshold int64) bool {
	if threshold <= 0 || t.extent.IsRootTablet() || t.Closed() {
		return false
	}
	return t.EstimatedSize() >= threshold
}

// countEntries counts the entries of all rows up to (and including) lastRow, nil counts all
func (t *Tablet) countEntries(v *readView, lastRow []byte, visit func(e data.Entry, n int64)) (int64, error) {
	r := t.extent.Clip(data.Range{})
	cur := v.cursor(columnStart(data.Key{Row: r.Start}), r)
	defer cur.Close()
	var n int64
	for {
		e, ok, err := cur.Next()
		if err != nil {
			return n, err
		}
		if !ok || (lastRow != nil && bytes.Compare(e.Key.Row, lastRow) > 0) {
			return n, nil
		}
		n++
		if visit != nil {
			visit(e, n)
		}
	}
}

// FindSplitRow returns the row in the middle of the tablet. The returned row is
// never the last row of the tablet, so both halves hold data.
func (t *Tablet) FindSplitRow() ([]byte, error) {
	v, err := t.view()
	if err != nil {
		return nil, err
	}
	defer v.release()

	total, err := t.countEntries(v, nil, nil)
	if err != nil {
		return nil, err
	}
	var mid, after []byte
	_, err = t.countEntries(v, nil, func(e data.Entry, n int64) {
		switch {
		case mid == nil && n >= total/2:
			mid = append([]byte(nil), e.Key.Row...)
		case mid != nil && after == nil && !bytes.Equal(mid, e.Key.Row):
			after = e.Key.Row
		}
	})
	if err != nil {
		return nil, err
	}
	if mid == nil || after == nil {
		return nil, ErrNoSplitRow
	}
	return mid, nil
}

// SplitResult describes the two tablets created by a split
type SplitResult struct {
	Old  data.Extent
	Low  *metadata.TabletMetadata
	High *metadata.TabletMetadata
}

// Split flushes and closes the tablet and records the two new tablets in the
// metadata. The new tablets share the files of the old one and have to be opened
// with the returned metadata. On error the tablet stays usable if it could not
// be closed, the returned bool tells whether it was closed.
func (t *Tablet) Split(splitRow []byte) (*SplitResult, bool, error) {
	if splitRow == nil {
		row, err := t.FindSplitRow()
		if err != nil {
			return nil, false, err
		}
		splitRow = row
	}
	if !t.extent.Contains(splitRow) || bytes.Equal(splitRow, t.extent.EndRow) {
		return nil, false, errors.Newf("split row %q is not inside %s", splitRow, t.extent)
	}

	// no major compaction may swap files while the tablet is closed
	t.majcMu.Lock()
	defer t.majcMu.Unlock()

	// flush once while writes continue, the second flush on close is short
	if err := t.MinorCompact(t.FlushID()); err != nil {
		return nil, false, err
	}
	if err := t.Close(true); err != nil {
		return nil, false, err
	}

	ratio, err := t.splitRatio(splitRow)
	if err != nil {
		return nil, true, err
	}
	low, high := t.extent.SplitAt(splitRow)
	lowDir := path.Join(path.Dir(t.dir), "t-"+uuid.NewString())
	if t.dir == "" {
		lowDir = "t-" + uuid.NewString()
	}
	if err := metadata.SplitTablet(t.cfg.Metadata, t.extent, low, high, ratio, lowDir, t.LastTime(), t.cfg.Location); err != nil {
		return nil, true, err
	}
	t.splits.Inc(1)

	lowMeta, err := t.cfg.Metadata.Get(low)
	if err != nil {
		return nil, true, err
	}
	highMeta, err := t.cfg.Metadata.Get(high)
	if err != nil {
		return nil, true, err
	}
	Logger.Infof("split %s into %s and %s (ratio %.2f)", t.extent, low, high, ratio)
	return &SplitResult{Old: t.extent, Low: lowMeta, High: highMeta}, true, nil
}

// splitRatio estimates the share of the file data that belongs to the low tablet
func (t *Tablet) splitRatio(splitRow []byte) (float64, error) {
	v := &readView{mem: newMemTable().snapshot()}
	for name := range t.fileInfo {
		f, err := t.cfg.Files.Open(name)
		if err != nil {
			v.release()
			return 0, err
		}
		v.files = append(v.files, f)
	}
	defer v.release()

	total, err := t.countEntries(v, nil, nil)
	if err != nil || total == 0 {
		return 0.5, err
	}
	low, err := t.countEntries(v, splitRow, nil)
	if err != nil {
		return 0, err
	}
	ratio := float64(low) / float64(total)
	switch {
	case ratio <= 0:
		ratio = 0.01
	case ratio >= 1:
		ratio = 0.99
	}
	return ratio, nil
}
