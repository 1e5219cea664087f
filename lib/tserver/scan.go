package tserver

import (
	"context"
	"sort"
	"time"

	"github.com/ValentinKolb/dTablet/lib/data"
	"github.com/ValentinKolb/dTablet/lib/security"
	"github.com/ValentinKolb/dTablet/lib/session"
	"github.com/ValentinKolb/dTablet/lib/tablet"
	"github.com/cockroachdb/errors"
)

// --------------------------------------------------------------------------
// Single range scans
// --------------------------------------------------------------------------

// StartScan creates a scan session for one range of a tablet and returns the
// first batch. The session is closed automatically after the last batch.
func (s *TabletServer) StartScan(c security.Credentials, req ScanRequest) (*ScanResult, error) {
	u, _, err := s.tableAccess(c, req.Extent.Table, false)
	if err != nil {
		return nil, err
	}
	if err := security.CheckAuthorizations(u, req.Auths); err != nil {
		return nil, err
	}
	if s.tablets.Online(req.Extent) == nil {
		return nil, errors.Wrapf(ErrNotServingTablet, "%s", req.Extent)
	}
	s.lookups.Inc()

	ss := &session.ScanState{
		Extent:             req.Extent,
		Range:              req.Range,
		Columns:            req.Columns,
		Auths:              req.Auths,
		BatchSize:          s.batchSize(req.BatchSize),
		ReadaheadThreshold: s.cfg.ReadaheadThreshold,
	}
	sess := s.sessions.Create(u.Name, req.Extent.Table, ss, true)
	return s.continueScan(sess, ss)
}

// ContinueScan returns the next batch of a scan. If the batch is not ready within
// the scan wait an empty batch with More set is returned and the client has to
// call again.
func (s *TabletServer) ContinueScan(c security.Credentials, id int64) (*ScanResult, error) {
	sess, ss, err := reserve[*session.ScanState](s, c, id)
	if err != nil {
		return nil, err
	}
	return s.continueScan(sess, ss)
}

// CloseScan removes the scan session, an unknown session is ErrNoSuchSession
func (s *TabletServer) CloseScan(c security.Credentials, id int64) error {
	sess, ss, err := closeSession[*session.ScanState](s, c, id)
	if err != nil {
		return err
	}
	Logger.Debugf("closed scan session %d of %s, %d entries in %d batches, age %s",
		id, ss.Extent, ss.EntriesReturned, ss.BatchCount, time.Since(sess.StartTime))
	return nil
}

// continueScan waits for the pending batch of a reserved session and releases the session
func (s *TabletServer) continueScan(sess *session.Session, ss *session.ScanState) (*ScanResult, error) {
	if ss.Next == nil {
		ss.Next = s.readScanBatch(ss)
	}

	batch, err := ss.Next.Wait(s.cfg.ScanWait)
	switch {
	case errors.Is(err, session.ErrTaskTimeout):
		s.sessions.Unreserve(sess)
		s.sessions.RemoveIfNotAccessed(sess.ID, s.cfg.ClientTimeout)
		return &ScanResult{SessionID: sess.ID, More: true}, nil
	case err != nil:
		ss.Next = nil
		return s.scanFailed(sess, ss.Extent, err)
	}
	ss.Next = nil

	if last := lastKey(batch.Entries); last != nil {
		ss.Last = last
	}
	ss.EntriesReturned += int64(len(batch.Entries))
	ss.BatchCount++

	if !batch.More {
		s.sessions.Remove(sess.ID, false)
		return &ScanResult{SessionID: sess.ID, Entries: batch.Entries}, nil
	}
	if ss.BatchCount > ss.ReadaheadThreshold {
		// read the next batch while this one is sent to the client
		ss.Next = s.readScanBatch(ss)
	}
	s.sessions.Unreserve(sess)
	return &ScanResult{SessionID: sess.ID, Entries: batch.Entries, More: true}, nil
}

// readScanBatch starts reading the batch after the last returned key in the
// readahead pool
func (s *TabletServer) readScanBatch(ss *session.ScanState) *session.Task[session.ScanBatch] {
	task := session.NewTask[session.ScanBatch](s.taskContext())
	opts := tablet.ScanOptions{
		Columns:   ss.Columns,
		Auths:     ss.Auths,
		After:     ss.Last,
		Limit:     ss.BatchSize,
		Interrupt: &ss.Interrupt,
	}
	extent, r := ss.Extent, ss.Range

	go func() {
		err := withPool(task.Context(), s.readaheadPool, func() error {
			tab := s.tablets.Online(extent)
			if tab == nil {
				return errors.Wrapf(ErrNotServingTablet, "%s", extent)
			}
			res, err := tab.Scan(r, opts)
			if err != nil {
				return err
			}
			task.Complete(session.ScanBatch{Entries: res.Entries, More: res.More}, nil)
			return nil
		})
		if err != nil {
			task.Complete(session.ScanBatch{}, err)
		}
	}()
	return task
}

// scanFailed handles a failed batch of a reserved scan session. Closed tablets
// and canceled reads end the session, other errors are treated as transient
// read errors: the call is delayed and an empty batch is returned.
func (s *TabletServer) scanFailed(sess *session.Session, extent data.Extent, err error) (*ScanResult, error) {
	switch {
	case errors.IsAny(err, ErrNotServingTablet, tablet.ErrClosed):
		s.sessions.Remove(sess.ID, false)
		return nil, errors.Wrapf(ErrNotServingTablet, "%s", extent)
	case errors.IsAny(err, tablet.ErrInterrupted, session.ErrTaskCanceled, context.Canceled):
		s.sessions.Remove(sess.ID, false)
		if tab := s.tablets.Online(extent); tab == nil || tab.Closed() {
			return nil, errors.Wrapf(ErrNotServingTablet, "%s", extent)
		}
		return nil, errors.Wrapf(ErrNoSuchSession, "session %d was canceled", sess.ID)
	}
	Logger.Warningf("scan session %d failed to read a batch of %s: %v", sess.ID, extent, err)
	s.sessions.Unreserve(sess)
	time.Sleep(s.cfg.ScanWait)
	return &ScanResult{SessionID: sess.ID, More: true}, nil
}

// --------------------------------------------------------------------------
// Multi range scans
// --------------------------------------------------------------------------

// StartMultiScan creates a session reading several ranges of several tablets
// of one table and returns the first batch. Extents this node does not serve are
// returned as failures.
func (s *TabletServer) StartMultiScan(c security.Credentials, req MultiScanRequest) (*MultiScanResult, error) {
	u, _, err := s.tableAccess(c, req.Table, false)
	if err != nil {
		return nil, err
	}
	if err := security.CheckAuthorizations(u, req.Auths); err != nil {
		return nil, err
	}
	s.lookups.Inc()

	ms := &session.MultiScanState{
		Table:     req.Table,
		Ranges:    make(map[string][]data.Range, len(req.Batches)),
		Columns:   req.Columns,
		Auths:     req.Auths,
		BatchSize: s.batchSize(req.BatchSize),
	}
	for _, b := range req.Batches {
		if b.Extent.Table != req.Table {
			return nil, errors.Newf("extent %s is not part of table %s", b.Extent, req.Table)
		}
		key := b.Extent.Key()
		if _, ok := ms.Ranges[key]; !ok {
			ms.Extents = append(ms.Extents, b.Extent)
		}
		ms.Ranges[key] = append(ms.Ranges[key], b.Ranges...)
	}
	sort.Slice(ms.Extents, func(i, j int) bool { return ms.Extents[i].Compare(ms.Extents[j]) < 0 })

	sess := s.sessions.Create(u.Name, req.Table, ms, true)
	return s.continueMultiScan(sess, ms)
}

// ContinueMultiScan returns the next batch of a multi scan
func (s *TabletServer) ContinueMultiScan(c security.Credentials, id int64) (*MultiScanResult, error) {
	sess, ms, err := reserve[*session.MultiScanState](s, c, id)
	if err != nil {
		return nil, err
	}
	return s.continueMultiScan(sess, ms)
}

// CloseMultiScan removes the multi scan session
func (s *TabletServer) CloseMultiScan(c security.Credentials, id int64) error {
	sess, ms, err := closeSession[*session.MultiScanState](s, c, id)
	if err != nil {
		return err
	}
	Logger.Debugf("closed multi scan session %d of table %s, %d entries, age %s",
		id, ms.Table, ms.EntriesReturned, time.Since(sess.StartTime))
	return nil
}

func (s *TabletServer) continueMultiScan(sess *session.Session, ms *session.MultiScanState) (*MultiScanResult, error) {
	if ms.Next == nil {
		ms.Next = s.readMultiScanBatch(ms)
	}

	batch, err := ms.Next.Wait(s.cfg.ScanWait)
	switch {
	case errors.Is(err, session.ErrTaskTimeout):
		s.sessions.Unreserve(sess)
		s.sessions.RemoveIfNotAccessed(sess.ID, s.cfg.ClientTimeout)
		return &MultiScanResult{SessionID: sess.ID, More: true}, nil
	case errors.IsAny(err, tablet.ErrInterrupted, session.ErrTaskCanceled, context.Canceled):
		ms.Next = nil
		s.sessions.Remove(sess.ID, false)
		return nil, errors.Wrapf(ErrNoSuchSession, "session %d was canceled", sess.ID)
	case err != nil:
		ms.Next = nil
		Logger.Warningf("multi scan session %d failed to read a batch: %v", sess.ID, err)
		s.sessions.Unreserve(sess)
		time.Sleep(s.cfg.ScanWait)
		return &MultiScanResult{SessionID: sess.ID, More: true}, nil
	}
	ms.Next = nil
	ms.EntriesReturned += int64(len(batch.Entries))

	res := &MultiScanResult{
		SessionID: sess.ID,
		Entries:   batch.Entries,
		Failures:  batch.Failures,
		More:      batch.More,
	}
	for _, e := range ms.Extents {
		if ranges, ok := batch.Unscanned[e.Key()]; ok {
			res.Unscanned = append(res.Unscanned, ExtentRanges{Extent: e, Ranges: ranges})
		}
	}
	if !batch.More {
		s.sessions.Remove(sess.ID, false)
	} else {
		s.sessions.Unreserve(sess)
	}
	return res, nil
}

// readMultiScanBatch starts the next lookup in the readahead pool. The task owns
// the progress fields of the state until it completes.
func (s *TabletServer) readMultiScanBatch(ms *session.MultiScanState) *session.Task[session.MultiScanBatch] {
	task := session.NewTask[session.MultiScanBatch](s.taskContext())
	go func() {
		err := withPool(task.Context(), s.readaheadPool, func() error {
			batch, err := s.lookup(ms)
			if err != nil {
				return err
			}
			task.Complete(batch, nil)
			return nil
		})
		if err != nil {
			task.Complete(session.MultiScanBatch{}, err)
		}
	}()
	return task
}

// lookup reads up to one batch from the remaining ranges and advances the state
func (s *TabletServer) lookup(ms *session.MultiScanState) (session.MultiScanBatch, error) {
	var batch session.MultiScanBatch
	budget := ms.BatchSize

outer:
	for len(ms.Extents) > 0 {
		extent := ms.Extents[0]
		key := extent.Key()
		tab := s.tablets.Online(extent)
		for tab != nil && len(ms.Ranges[key]) > 0 {
			if budget <= 0 {
				break outer
			}
			res, err := tab.Scan(ms.Ranges[key][0], tablet.ScanOptions{
				Columns:   ms.Columns,
				Auths:     ms.Auths,
				After:     ms.After,
				Limit:     budget,
				Interrupt: &ms.Interrupt,
			})
			switch {
			case errors.Is(err, tablet.ErrClosed):
				tab = nil
				continue
			case err != nil && len(batch.Entries) > 0 && !errors.Is(err, tablet.ErrInterrupted):
				// return what was read, the failed range is read again by the next batch
				break outer
			case err != nil:
				return batch, err
			}
			batch.Entries = append(batch.Entries, res.Entries...)
			budget -= len(res.Entries)
			if res.More {
				ms.After = res.Last()
				continue
			}
			ms.Ranges[key] = ms.Ranges[key][1:]
			ms.After = nil
		}
		if tab == nil {
			batch.Failures = append(batch.Failures, extent)
		}
		delete(ms.Ranges, key)
		ms.Extents = ms.Extents[1:]
		ms.After = nil
	}

	batch.More = len(ms.Extents) > 0
	if batch.More {
		batch.Unscanned = make(map[string][]data.Range, len(ms.Ranges))
		for k, ranges := range ms.Ranges {
			batch.Unscanned[k] = append([]data.Range(nil), ranges...)
		}
	}
	return batch, nil
}

// --------------------------------------------------------------------------
// Helpers
// --------------------------------------------------------------------------

// closeSession removes a session of type T created by the caller
func closeSession[T session.Payload](s *TabletServer, c security.Credentials, id int64) (*session.Session, T, error) {
	var zero T
	u, err := s.auth.Authenticate(c)
	if err != nil {
		return nil, zero, err
	}
	sess := s.sessions.Get(id)
	if sess == nil || sess.User != u.Name {
		return nil, zero, errors.Wrapf(ErrNoSuchSession, "session %d", id)
	}
	payload, ok := sess.Payload.(T)
	if !ok {
		return nil, zero, errors.Wrapf(ErrNoSuchSession, "session %d", id)
	}
	if s.sessions.Remove(id, true) == nil {
		return nil, zero, errors.Wrapf(ErrNoSuchSession, "session %d", id)
	}
	return sess, payload, nil
}

func (s *TabletServer) batchSize(requested int) int {
	if requested > 0 {
		return requested
	}
	return s.cfg.ScanBatchSize
}

// taskContext is the parent of all background reads, it ends when the server stops
func (s *TabletServer) taskContext() context.Context {
	if s.ctx == nil {
		return context.Background()
	}
	return s.ctx
}

func lastKey(entries []data.Entry) *data.Key {
	if len(entries) == 0 {
		return nil
	}
	k := entries[len(entries)-1].Key
	return &k
}
