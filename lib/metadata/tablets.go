package metadata

import (
	"github.com/ValentinKolb/dTablet/lib/data"
	"github.com/cockroachdb/errors"
)

// --------------------------------------------------------------------------
// Load validation
// --------------------------------------------------------------------------

// CheckTabletMetadata verifies that the metadata allows instance to load extent.
// It returns false (without error) if the tablet should not be loaded because
// the extent or the assigned location do not match. Missing required fields
// are reported as error.
func CheckTabletMetadata(extent data.Extent, instance Instance, meta *TabletMetadata) (bool, error) {
	if !meta.PrevRowSet {
		return false, errors.Newf("metadata entry does not have prev row (%s)", extent)
	}
	if !extent.Equal(meta.Extent) {
		Logger.Infof("tablet extent mismatch %s %s", extent, meta.Extent)
		return false, nil
	}
	if meta.Dir == "" {
		return false, errors.Newf("metadata entry does not have directory (%s)", meta.Extent)
	}
	if meta.Time == nil && !extent.IsRootTablet() {
		return false, errors.Newf("metadata entry does not have time (%s)", meta.Extent)
	}
	if meta.Future == nil || !meta.Future.Equal(instance) {
		Logger.Infof("unexpected location %s %v", extent, meta.Future)
		return false, nil
	}
	return true, nil
}

// --------------------------------------------------------------------------
// Locations
// --------------------------------------------------------------------------

// SetFutureLocation assigns the tablet to instance, the location becomes current once the tablet is loaded
func SetFutureLocation(ms IMetadataStore, extent data.Extent, instance Instance) error {
	_, err := ms.Mutate(extent, func(m *TabletMetadata) error {
		i := instance
		m.Future = &i
		m.Suspend = nil
		return nil
	})
	return err
}

// SetCurrentLocation replaces the future location of the tablet with the current one
func SetCurrentLocation(ms IMetadataStore, extent data.Extent, instance Instance) error {
	_, err := ms.Mutate(extent, func(m *TabletMetadata) error {
		if m.Future != nil && !m.Future.Equal(instance) {
			return errors.Newf("tablet %s is assigned to %s", extent, m.Future)
		}
		i := instance
		m.Future = nil
		m.Current = &i
		m.Last = &i
		m.Suspend = nil
		return nil
	})
	return err
}

// Unassign removes the location of the tablet
func Unassign(ms IMetadataStore, extent data.Extent, instance Instance) error {
	_, err := ms.Mutate(extent, func(m *TabletMetadata) error {
		clearLocation(m, instance)
		return nil
	})
	return err
}

// Suspend removes the location and records the server so the tablet can be reassigned to it
func Suspend(ms IMetadataStore, extent data.Extent, instance Instance, nowMillis int64) error {
	_, err := ms.Mutate(extent, func(m *TabletMetadata) error {
		clearLocation(m, instance)
		m.Suspend = &Suspension{Server: instance.Server, TimeMillis: nowMillis}
		return nil
	})
	return err
}

func clearLocation(m *TabletMetadata, instance Instance) {
	if m.Current != nil && m.Current.Equal(instance) {
		m.Current = nil
	}
	if m.Future != nil && m.Future.Equal(instance) {
		m.Future = nil
	}
}

// --------------------------------------------------------------------------
// Split
// --------------------------------------------------------------------------

// SplitTablet records the split of old into low and high. The split is written in
// three steps (shrink the high tablet, create the low tablet, finish the high tablet),
// an interrupted split is resolved by FixSplit when the tablet is loaded next.
func SplitTablet(ms IMetadataStore, old, low, high data.Extent, ratio float64, lowDir string, lowTime int64, location Instance) error {
	var files map[string]FileInfo
	var flushID, compactionID int64

	// step 1: the high tablet keeps the metadata key of the old one
	_, err := ms.Mutate(old, func(m *TabletMetadata) error {
		if !m.Extent.Equal(old) {
			return errors.Newf("metadata of %s describes %s", old, m.Extent)
		}
		m.Extent = high
		m.OldPrevEndRow = old.PrevEndRow
		m.HasOldPrevEndRow = true
		m.SplitRatio = ratio
		files, flushID, compactionID = m.Files, m.FlushID, m.CompactionID
		return nil
	})
	if err != nil {
		return errors.Wrapf(err, "start split of %s", old)
	}

	// step 2
	lowMeta := &TabletMetadata{
		Extent:       low,
		PrevRowSet:   true,
		Dir:          lowDir,
		Time:         &lowTime,
		Files:        scaleFiles(files, ratio),
		FlushID:      flushID,
		CompactionID: compactionID,
	}
	if location.Server != "" {
		l := location
		lowMeta.Current = &l
		lowMeta.Last = &l
	}
	if err := ms.Create(lowMeta); err != nil {
		return errors.Wrapf(err, "create low tablet %s", low)
	}

	// step 3
	if err := finishSplit(ms, high, files, ratio); err != nil {
		return errors.Wrapf(err, "finish split of %s", old)
	}
	return nil
}

func finishSplit(ms IMetadataStore, high data.Extent, files map[string]FileInfo, ratio float64) error {
	_, err := ms.Mutate(high, func(m *TabletMetadata) error {
		m.Files = scaleFiles(files, 1-ratio)
		m.OldPrevEndRow = nil
		m.HasOldPrevEndRow = false
		m.SplitRatio = 0
		return nil
	})
	return err
}

// FixSplit resolves an incomplete split found while loading a tablet. If the low
// tablet was never created the split is rolled back, otherwise it is finished.
// The returned extent is the one that has to be loaded instead.
func FixSplit(ms IMetadataStore, meta *TabletMetadata) (data.Extent, error) {
	extent := meta.Extent
	Logger.Infof("incomplete split %s attempting to fix", extent)

	if meta.SplitRatio == 0 {
		return data.Extent{}, errors.Newf("metadata entry does not have split ratio (%s)", extent)
	}
	if meta.Time == nil {
		return data.Extent{}, errors.Newf("metadata entry does not have time (%s)", extent)
	}
	if extent.PrevEndRow == nil {
		return data.Extent{}, errors.AssertionFailedf("split tablet does not have prev end row, extent = %s", extent)
	}

	_, err := ms.Get(data.NewExtent(extent.Table, extent.PrevEndRow, nil))
	switch {
	case errors.Is(err, ErrNotFound):
		Logger.Infof("rolling back incomplete split %s", extent)
		rolledBack := data.Extent{Table: extent.Table, EndRow: extent.EndRow, PrevEndRow: meta.OldPrevEndRow}
		_, err := ms.Mutate(extent, func(m *TabletMetadata) error {
			m.Extent = rolledBack
			m.OldPrevEndRow = nil
			m.HasOldPrevEndRow = false
			m.SplitRatio = 0
			return nil
		})
		return rolledBack, err
	case err != nil:
		return data.Extent{}, err
	default:
		Logger.Infof("finishing incomplete split %s", extent)
		return extent, finishSplit(ms, extent, meta.Files, meta.SplitRatio)
	}
}

// scaleFiles estimates the share of every file after a split, both halves
// reference the same files and only read the rows of their extent
func scaleFiles(files map[string]FileInfo, ratio float64) map[string]FileInfo {
	if len(files) == 0 {
		return nil
	}
	res := make(map[string]FileInfo, len(files))
	for name, f := range files {
		res[name] = FileInfo{
			Size:    int64(float64(f.Size) * ratio),
			Entries: int64(float64(f.Entries) * ratio),
		}
	}
	return res
}

// --------------------------------------------------------------------------
// Compactions
// --------------------------------------------------------------------------

// RecordMinorCompaction adds the new file, drops the flushed logs and records the flush id
func RecordMinorCompaction(ms IMetadataStore, extent data.Extent, file string, info FileInfo, flushedLogs []string, flushID int64, time int64) error {
	_, err := ms.Mutate(extent, func(m *TabletMetadata) error {
		if info.Entries > 0 {
			if m.Files == nil {
				m.Files = map[string]FileInfo{}
			}
			m.Files[file] = info
		}
		m.Logs = removeAll(m.Logs, flushedLogs)
		if flushID > m.FlushID {
			m.FlushID = flushID
		}
		if m.Time == nil || time > *m.Time {
			m.Time = &time
		}
		return nil
	})
	return err
}

// RecordMajorCompaction replaces the merged files with the new one
func RecordMajorCompaction(ms IMetadataStore, extent data.Extent, merged []string, file string, info FileInfo, compactionID int64) error {
	_, err := ms.Mutate(extent, func(m *TabletMetadata) error {
		for _, f := range merged {
			delete(m.Files, f)
		}
		if info.Entries > 0 {
			if m.Files == nil {
				m.Files = map[string]FileInfo{}
			}
			m.Files[file] = info
		}
		if compactionID > m.CompactionID {
			m.CompactionID = compactionID
		}
		return nil
	})
	return err
}

// AddLogs records that the tablet has unflushed data in the given logs
func AddLogs(ms IMetadataStore, extent data.Extent, logs ...string) error {
	_, err := ms.Mutate(extent, func(m *TabletMetadata) error {
		for _, l := range logs {
			m.AddLog(l)
		}
		return nil
	})
	return err
}

// FileReferenced reports whether any tablet of the table still references the file
func FileReferenced(ms IMetadataStore, table data.TableID, file string) (bool, error) {
	tablets, err := ms.Tablets(table)
	if err != nil {
		return false, err
	}
	for _, t := range tablets {
		if _, ok := t.Files[file]; ok {
			return true, nil
		}
	}
	return false, nil
}

func removeAll(list, remove []string) []string {
	if len(remove) == 0 {
		return list
	}
	drop := make(map[string]struct{}, len(remove))
	for _, r := range remove {
		drop[r] = struct{}{}
	}
	res := list[:0]
	for _, l := range list {
		if _, ok := drop[l]; !ok {
			res = append(res, l)
		}
	}
	return res
}
