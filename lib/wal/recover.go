package wal

import (
	"github.com/ValentinKolb/dTablet/lib/data"
)

// RecoveryStats summarizes a recovery
type RecoveryStats struct {
	Logs      int
	Mutations int
	Skipped   int
	// MaxSeq is the highest sequence number found for the tablet (0 if none)
	MaxSeq int64
}

// Recover replays the mutations of extent found in the given log files in order.
// Mutations with a sequence number below the last finished minor compaction are
// already persisted in a file and are skipped.
func Recover(extent data.Extent, paths []string, fn func(seq int64, m *data.Mutation) error) (RecoveryStats, error) {
	var stats RecoveryStats
	var finishedSeq int64

	// first pass: find the last finished minor compaction
	for _, path := range paths {
		tabletID := int32(-1)
		started := map[int64]bool{}
		_, err := Replay(path, 0, func(r *Record) error {
			switch r.Type {
			case RecordDefineTablet:
				if r.Extent.Equal(extent) {
					tabletID = r.TabletID
				}
			case RecordCompactionStart:
				if r.TabletID == tabletID {
					started[r.Seq] = true
				}
			case RecordCompactionFinish:
				if r.TabletID == tabletID && started[r.Seq] && r.Seq > finishedSeq {
					finishedSeq = r.Seq
				}
			}
			return nil
		})
		if err != nil {
			return stats, err
		}
	}

	// second pass: replay everything newer
	for _, path := range paths {
		tabletID := int32(-1)
		stats.Logs++
		_, err := Replay(path, 0, func(r *Record) error {
			switch r.Type {
			case RecordDefineTablet:
				if r.Extent.Equal(extent) {
					tabletID = r.TabletID
				}
			case RecordMutations:
				if r.TabletID != tabletID {
					return nil
				}
				if r.Seq > stats.MaxSeq {
					stats.MaxSeq = r.Seq
				}
				if r.Seq < finishedSeq {
					stats.Skipped += len(r.Mutations)
					return nil
				}
				for _, m := range r.Mutations {
					if err := fn(r.Seq, m); err != nil {
						return err
					}
					stats.Mutations++
				}
			}
			return nil
		})
		if err != nil {
			return stats, err
		}
	}
	if finishedSeq > stats.MaxSeq {
		stats.MaxSeq = finishedSeq
	}
	return stats, nil
}
