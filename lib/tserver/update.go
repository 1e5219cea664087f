package tserver

import (
	"context"
	"time"

	"github.com/ValentinKolb/dTablet/lib/commit"
	"github.com/ValentinKolb/dTablet/lib/conditional"
	"github.com/ValentinKolb/dTablet/lib/data"
	"github.com/ValentinKolb/dTablet/lib/security"
	"github.com/ValentinKolb/dTablet/lib/session"
	"github.com/cockroachdb/errors"
)

// --------------------------------------------------------------------------
// Update sessions
// --------------------------------------------------------------------------

// StartUpdate creates an update session. The write permission is checked per
// extent when mutations are applied.
func (s *TabletServer) StartUpdate(c security.Credentials, durability data.Durability) (int64, error) {
	u, err := s.auth.Authenticate(c)
	if err != nil {
		return 0, err
	}
	sess := s.sessions.Create(u.Name, "", s.pipeline.NewUpdateState(durability), false)
	return sess.ID, nil
}

// ApplyUpdates queues mutations for one extent of an update session. Extents the
// user may not write to are recorded as authorization failures, extents that are
// not served as failed extents. Both are reported by CloseUpdate.
func (s *TabletServer) ApplyUpdates(ctx context.Context, c security.Credentials, id int64, extent data.Extent, mutations []*data.Mutation) error {
	sess, us, err := reserve[*session.UpdateState](s, c, id)
	if err != nil {
		return err
	}
	defer s.sessions.Unreserve(sess)

	key := extent.Key()
	if _, failed := us.AuthFailures[key]; failed {
		return nil
	}
	if _, _, err := s.tableAccess(c, extent.Table, true); err != nil {
		if !errors.IsAny(err, ErrPermissionDenied, ErrTableNotFound) {
			return err
		}
		Logger.Debugf("update session %d: %v", id, err)
		us.AuthFailures[key] = extent
		return nil
	}
	for _, m := range mutations {
		if !extent.Contains(m.Row) {
			return errors.Newf("row %q is not inside %s", m.Row, extent)
		}
	}
	return s.pipeline.Apply(ctx, us, extent, mutations)
}

// CloseUpdate commits the queued mutations, removes the session and returns its
// failures. If commits are held longer than the hold timeout the client is
// assumed to be gone and ErrNoSuchSession is returned.
func (s *TabletServer) CloseUpdate(ctx context.Context, c security.Credentials, id int64) (data.UpdateErrors, error) {
	sess, us, err := reserve[*session.UpdateState](s, c, id)
	if err != nil {
		return data.UpdateErrors{}, err
	}
	start := time.Now()
	flushErr := s.pipeline.Flush(ctx, us)
	s.sessions.Remove(id, false)
	if errors.Is(flushErr, commit.ErrHoldTimeout) {
		Logger.Debugf("hold timeout while closing update session %d, reporting no such session", id)
		return data.UpdateErrors{}, errors.Wrapf(ErrNoSuchSession, "session %d: %v", id, flushErr)
	} else if flushErr != nil {
		return data.UpdateErrors{}, flushErr
	}

	Logger.Debugf("closed update session %d of %s: %d updates in %d flushes, prepare %dms commit %dms, took %s",
		id, sess.User, us.TotalUpdates, us.FlushCount, us.PrepareMillis, us.CommitMillis, time.Since(start))
	return us.Errors(), nil
}

// Update writes a single mutation. Constraint violations and tablets that are
// not served are returned as errors.
func (s *TabletServer) Update(ctx context.Context, c security.Credentials, extent data.Extent, m *data.Mutation, durability data.Durability) error {
	if _, _, err := s.tableAccess(c, extent.Table, true); err != nil {
		return err
	}
	if !extent.Contains(m.Row) {
		return errors.Newf("row %q is not inside %s", m.Row, extent)
	}
	tab := s.tablets.Online(extent)
	if tab == nil {
		return errors.Wrapf(ErrNotServingTablet, "%s", extent)
	}

	err := s.pipeline.Single(ctx, tab, m, durability)
	var violations *commit.ViolationsError
	switch {
	case errors.Is(err, commit.ErrTabletClosed):
		return errors.Wrapf(ErrNotServingTablet, "%s", extent)
	case errors.As(err, &violations):
		return errors.Mark(err, ErrConstraintViolation)
	}
	return err
}

// --------------------------------------------------------------------------
// Conditional update sessions
// --------------------------------------------------------------------------

// StartConditionalUpdate creates a conditional update session for a table
func (s *TabletServer) StartConditionalUpdate(c security.Credentials, table data.TableID, auths data.Authorizations, durability data.Durability) (int64, error) {
	u, _, err := s.tableAccess(c, table, true)
	if err != nil {
		return 0, err
	}
	if err := security.CheckAuthorizations(u, auths); err != nil {
		return 0, err
	}
	cs := &session.ConditionalState{Table: table, Auths: auths, Durability: durability}
	sess := s.sessions.Create(u.Name, table, cs, false)
	return sess.ID, nil
}

// ConditionalUpdate applies conditional mutations and returns one result per
// mutation. Predictable outcomes are results, not errors.
func (s *TabletServer) ConditionalUpdate(ctx context.Context, c security.Credentials, id int64, batches []ConditionalBatch) ([]data.Result, error) {
	sess, cs, err := reserve[*session.ConditionalState](s, c, id)
	if err != nil {
		return nil, err
	}
	defer s.sessions.Unreserve(sess)
	if cs.Interrupted.Load() {
		return nil, errors.Wrapf(ErrNoSuchSession, "session %d was invalidated", id)
	}

	in := make([]conditional.Batch, 0, len(batches))
	for _, b := range batches {
		if b.Extent.Table != cs.Table {
			return nil, errors.Newf("extent %s is not part of table %s", b.Extent, cs.Table)
		}
		for _, cm := range b.Mutations {
			if cm.Mutation == nil || !b.Extent.Contains(cm.Mutation.Row) {
				return nil, errors.Newf("conditional mutation %d is not inside %s", cm.ID, b.Extent)
			}
		}
		in = append(in, conditional.Batch{Extent: b.Extent, Mutations: b.Mutations})
	}

	// the metadata tables are written while memory is flushed and must not wait
	if !cs.Table.IsMeta() {
		if err := s.gate.WaitUntilCommitsAreEnabled(ctx, s.cfg.HoldTimeout); err != nil {
			return nil, err
		}
	}
	return s.engine.Apply(ctx, cs, in), nil
}

// InvalidateConditionalUpdate interrupts the session, waits for a running batch
// and removes the session. After it returned no batch of the session is applied.
func (s *TabletServer) InvalidateConditionalUpdate(ctx context.Context, c security.Credentials, id int64) error {
	u, err := s.auth.Authenticate(c)
	if err != nil {
		return err
	}
	sess := s.sessions.Get(id)
	if sess == nil || sess.User != u.Name {
		return nil
	}
	cs, ok := sess.Payload.(*session.ConditionalState)
	if !ok {
		return nil
	}
	cs.Interrupted.Store(true)

	if reserved := s.sessions.ReserveWait(ctx, id); reserved != nil {
		s.sessions.Remove(id, false)
	}
	return ctx.Err()
}

// CloseConditionalUpdate removes the session, closing an unknown session is a no-op
func (s *TabletServer) CloseConditionalUpdate(c security.Credentials, id int64) error {
	_, _, err := closeSession[*session.ConditionalState](s, c, id)
	if errors.Is(err, ErrNoSuchSession) {
		Logger.Debugf("conditional session %d already closed", id)
		return nil
	}
	return err
}

// --------------------------------------------------------------------------
// Table summaries
// --------------------------------------------------------------------------

// StartTableSummary starts summarizing the tablets of a table served by this
// node in the background and returns the session id
func (s *TabletServer) StartTableSummary(c security.Credentials, table data.TableID) (int64, error) {
	u, _, err := s.tableAccess(c, table, false)
	if err != nil {
		return 0, err
	}
	task := session.NewTask[session.TableSummary](s.taskContext())
	sess := s.sessions.Create(u.Name, table, &session.SummaryState{Task: task}, false)
	go func() {
		sum := session.TableSummary{Table: table}
		for _, tab := range s.tablets.OnlineSnapshot() {
			if task.Context().Err() != nil {
				task.Complete(sum, task.Context().Err())
				return
			}
			if tab.Extent().Table != table {
				continue
			}
			st := tab.Stats()
			sum.Tablets++
			sum.Entries += st.NumEntries
			sum.EntriesInMemory += st.NumEntriesInMemory
			sum.Files += st.Files
			sum.SizeBytes += tab.EstimatedSize()
		}
		task.Complete(sum, nil)
	}()
	return sess.ID, nil
}

// ContinueTableSummary waits up to the scan wait for the summary. If it is not
// ready yet, done is false and the client has to call again.
func (s *TabletServer) ContinueTableSummary(c security.Credentials, id int64) (sum session.TableSummary, done bool, err error) {
	sess, ss, err := reserve[*session.SummaryState](s, c, id)
	if err != nil {
		return sum, false, err
	}
	sum, err = ss.Task.Wait(s.cfg.ScanWait)
	if errors.Is(err, session.ErrTaskTimeout) {
		s.sessions.Unreserve(sess)
		return sum, false, nil
	}
	s.sessions.Remove(id, false)
	return sum, err == nil, err
}
