package wal

import (
	"os"
	"sync"

	"github.com/ValentinKolb/dTablet/lib/metadata"
	"github.com/cockroachdb/errors"
)

// Marker records the state of the logs of a server
type Marker interface {
	MarkWAL(server, log string, state metadata.WALState) error
	RemoveWAL(server, log string) error
}

// ReferencedRemover removes every log from candidates that is still needed by a tablet
type ReferencedRemover func(candidates map[string]struct{})

// closedLog is a log that is no longer written to
type closedLog struct {
	id   string
	path string
}

// Tracker keeps the closed logs of the node in the order they were closed and
// decides when a log can be discarded.
type Tracker struct {
	server string
	marker Marker

	mu     sync.Mutex
	closed []closedLog
}

// NewTracker creates a tracker for the logs of server
func NewTracker(server string, marker Marker) *Tracker {
	return &Tracker{server: server, marker: marker}
}

// Opened records a new log
func (t *Tracker) Opened(seg *Segment) error {
	Logger.Infof("writing log marker for %s", seg.ID())
	return t.marker.MarkWAL(t.server, seg.ID(), metadata.WALOpen)
}

// Closed records a closed log. A log without writes holds no data and is
// discarded right away, all others have to pass MarkUnusedWALs.
func (t *Tracker) Closed(seg *Segment) error {
	log := closedLog{id: seg.ID(), path: seg.Path()}
	if seg.Writes() == 0 {
		Logger.Infof("marking %s as unreferenced (skipping closed writes == 0)", log.id)
		return t.discard(log)
	}
	t.mu.Lock()
	t.closed = append(t.closed, log)
	n := len(t.closed)
	t.mu.Unlock()
	Logger.Infof("marking %s as closed. Total closed logs %d", log.id, n)
	return t.marker.MarkWAL(t.server, log.id, metadata.WALClosed)
}

// Adopt records a closed log left by a previous instance of the server. Adopted
// logs have to be passed oldest first and before the first log of this instance
// is closed, they are discarded by MarkUnusedWALs like every other closed log.
func (t *Tracker) Adopt(id, path string) error {
	t.mu.Lock()
	t.closed = append(t.closed, closedLog{id: id, path: path})
	t.mu.Unlock()
	Logger.Infof("adopting log %s of a previous instance", id)
	return t.marker.MarkWAL(t.server, id, metadata.WALClosed)
}

// ClosedLogs returns the ids of the closed logs, oldest first
func (t *Tracker) ClosedLogs() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	ids := make([]string, len(t.closed))
	for i, l := range t.closed {
		ids[i] = l.id
	}
	return ids
}

// FindEligibleForRemoval returns the closed logs that may be discarded. A log is
// eligible if it and every log closed before it are unreferenced, a tablet that
// is recovered from a later log may also depend on the earlier ones.
func FindEligibleForRemoval(closed []string, remover ReferencedRemover) map[string]struct{} {
	unreferenced := make(map[string]struct{}, len(closed))
	for _, id := range closed {
		unreferenced[id] = struct{}{}
	}
	remover(unreferenced)

	eligible := make(map[string]struct{})
	for _, id := range closed {
		if _, ok := unreferenced[id]; !ok {
			break
		}
		eligible[id] = struct{}{}
	}
	return eligible
}

// MarkUnusedWALs marks all eligible closed logs as unreferenced and deletes their files.
// It returns the ids of the discarded logs.
func (t *Tracker) MarkUnusedWALs(remover ReferencedRemover) ([]string, error) {
	return t.discardAll(FindEligibleForRemoval(t.ClosedLogs(), remover))
}

// RemoveLogs discards the closed logs of ids that are not referenced, the order
// they were closed in is not considered. It returns the ids of the discarded logs.
func (t *Tracker) RemoveLogs(ids []string, remover ReferencedRemover) ([]string, error) {
	candidates := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		candidates[id] = struct{}{}
	}
	remover(candidates)
	return t.discardAll(candidates)
}

// discardAll discards every closed log in ids
func (t *Tracker) discardAll(ids map[string]struct{}) ([]string, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	t.mu.Lock()
	var discard []closedLog
	remaining := t.closed[:0]
	for _, l := range t.closed {
		if _, ok := ids[l.id]; ok {
			discard = append(discard, l)
		} else {
			remaining = append(remaining, l)
		}
	}
	t.closed = remaining
	t.mu.Unlock()

	var errs error
	removed := make([]string, 0, len(discard))
	for _, l := range discard {
		Logger.Infof("marking %s as unreferenced", l.id)
		if err := t.discard(l); err != nil {
			errs = errors.CombineErrors(errs, err)
			continue
		}
		removed = append(removed, l.id)
	}
	return removed, errs
}

// discard marks the log as unreferenced, removes the file and finally the marker
func (t *Tracker) discard(l closedLog) error {
	if err := t.marker.MarkWAL(t.server, l.id, metadata.WALUnreferenced); err != nil {
		return err
	}
	if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) {
		return errors.Wrapf(err, "remove log %s", l.id)
	}
	return t.marker.RemoveWAL(t.server, l.id)
}
