package tserver

import (
	"context"
	"time"

	"github.com/ValentinKolb/dTablet/lib/coordinator"
	"github.com/ValentinKolb/dTablet/lib/data"
	"github.com/ValentinKolb/dTablet/lib/lifecycle"
	"github.com/ValentinKolb/dTablet/lib/metadata"
	"github.com/ValentinKolb/dTablet/lib/security"
	"github.com/ValentinKolb/dTablet/lib/tablet"
	"github.com/cockroachdb/errors"
	"golang.org/x/sync/semaphore"
)

// --------------------------------------------------------------------------
// Coordinator commands
// --------------------------------------------------------------------------

// LoadTablet accepts the assignment of a tablet. The load runs in the background,
// its outcome is reported to the coordinator. Repeated assignments of an extent
// that is already known are ignored.
func (s *TabletServer) LoadTablet(c security.Credentials, lockID string, extent data.Extent) error {
	if err := s.checkCoordinator(c, lockID); err != nil {
		return err
	}
	s.assign(extent)
	return nil
}

// UnloadTablet starts the unload of a tablet in the migration pool. requestTime
// is the time of the coordinator in unix ms, suspended tablets are stamped with it.
func (s *TabletServer) UnloadTablet(c security.Credentials, lockID string, extent data.Extent, goal UnloadGoal, requestTime int64) error {
	if err := s.checkCoordinator(c, lockID); err != nil {
		return err
	}
	// the time of the coordinator when the tablet is finally suspended
	skew := int64(0)
	if requestTime > 0 {
		skew = requestTime - time.Now().UnixMilli()
	}
	s.schedule("unload", extent, func(ctx context.Context) {
		err := withPool(ctx, s.migrationPool, func() error {
			return s.unload(ctx, extent, goal, time.Now().UnixMilli()+skew)
		})
		if err != nil {
			Logger.Warningf("unload of %s failed: %v", extent, err)
		}
	})
	return nil
}

// --------------------------------------------------------------------------
// Loading
// --------------------------------------------------------------------------

// assign records the extent as unopened and schedules its load
func (s *TabletServer) assign(extent data.Extent) {
	ok, err := s.tablets.Assign(extent)
	if err != nil {
		Logger.Errorf("rejecting assignment of %s: %v", extent, err)
		s.queue.PushBack(&coordinator.TabletStatus{State: coordinator.LoadFailure, Extent: extent})
		return
	}
	if !ok {
		Logger.Infof("ignoring assignment of %s, it is already known", extent)
		return
	}
	Logger.Infof("loading tablet %s", extent)
	s.scheduleLoad(extent, 0)
}

// scheduleLoad runs the load after delay. The root tablet is loaded on its own
// goroutine, metadata tablets and user tablets use separate pools.
func (s *TabletServer) scheduleLoad(extent data.Extent, delay time.Duration) {
	run := func() {
		if extent.IsRootTablet() {
			go s.load(s.taskContext(), extent)
			return
		}
		pool := s.poolFor(extent)
		s.schedule("load", extent, func(ctx context.Context) {
			if err := withPool(ctx, pool, func() error {
				s.load(ctx, extent)
				return nil
			}); err != nil {
				Logger.Infof("load of %s canceled: %v", extent, err)
			}
		})
	}
	if delay <= 0 {
		run()
		return
	}
	time.AfterFunc(delay, run)
}

// load opens an unopened tablet and puts it online
func (s *TabletServer) load(ctx context.Context, extent data.Extent) {
	_, ok, err := s.tablets.BeginOpening(extent)
	if err != nil {
		Logger.Errorf("can not open %s: %v", extent, err)
		s.reportLoad(extent, coordinator.LoadFailure)
		return
	}
	if !ok {
		Logger.Infof("%s is no longer unopened, skipping load", extent)
		return
	}

	meta, err := s.meta.Get(extent)
	if err != nil {
		s.loadFailed(extent, errors.Wrap(err, "read metadata"))
		return
	}

	// an interrupted split is resolved before the tablet is loaded
	if meta.HasOldPrevEndRow {
		fixed, err := metadata.FixSplit(s.meta, meta)
		if err != nil {
			s.loadFailed(extent, errors.Wrap(err, "fix split"))
			return
		}
		if !fixed.Equal(extent) {
			Logger.Infof("split of %s was fixed, loading %s instead", extent, fixed)
			if err := s.tablets.ReplaceOpening(extent, fixed); err != nil {
				Logger.Errorf("can not replace %s by %s: %v", extent, fixed, err)
				s.tablets.Remove(extent)
				s.reportLoad(extent, coordinator.LoadFailure)
				return
			}
			s.scheduleLoad(fixed, 0)
			return
		}
		if meta, err = s.meta.Get(extent); err != nil {
			s.loadFailed(extent, errors.Wrap(err, "read metadata"))
			return
		}
	}

	canLoad, err := metadata.CheckTabletMetadata(extent, s.instance, meta)
	if err != nil || !canLoad {
		if err != nil {
			Logger.Errorf("failed to verify metadata of %s: %v", extent, err)
		}
		Logger.Warningf("reporting %s assignment failure: unable to verify tablet metadata", extent)
		s.tablets.FailOpening(extent, false)
		s.reportLoad(extent, coordinator.LoadFailure)
		return
	}

	tab, err := s.open(ctx, meta)
	if err != nil {
		s.loadFailed(extent, err)
		return
	}
	if err := s.tablets.FinishOpening(extent, tab); err != nil {
		Logger.Errorf("opened %s but can not put it online: %v", extent, err)
		_ = tab.Close(false)
		s.reportLoad(extent, coordinator.LoadFailure)
		return
	}
	s.loads.Inc()
	Logger.Infof("loaded tablet %s", extent)
	s.reportLoad(extent, coordinator.Loaded)
}

// open opens the tablet, recovers its unflushed data and records this node as
// its current location
func (s *TabletServer) open(ctx context.Context, meta *metadata.TabletMetadata) (*tablet.Tablet, error) {
	extent := meta.Extent
	table, err := s.meta.TableConfig(extent.Table)
	if err != nil {
		return nil, errors.Wrapf(err, "table config of %s", extent)
	}
	tab, err := s.openTablet(meta, table)
	if err != nil {
		return nil, err
	}

	if len(meta.Logs) > 0 {
		if err := s.recover(ctx, tab, meta.Logs); err != nil {
			_ = tab.Close(false)
			return nil, err
		}
	}

	if err := metadata.SetCurrentLocation(s.meta, extent, s.instance); err != nil {
		_ = tab.Close(false)
		return nil, errors.Wrap(err, "set current location")
	}
	return tab, nil
}

func (s *TabletServer) openTablet(meta *metadata.TabletMetadata, table *metadata.TableConfig) (*tablet.Tablet, error) {
	return tablet.Open(tablet.Config{
		Meta:              meta,
		Table:             table,
		Files:             s.files,
		Metadata:          s.meta,
		Log:               s.log,
		Location:          s.instance,
		CompactionLimiter: s.limiter,
	})
}

// recover replays the logs of the tablet. Recovered data is flushed before the
// tablet goes online so it is never recovered twice.
func (s *TabletServer) recover(ctx context.Context, tab *tablet.Tablet, logs []string) error {
	if !tab.Extent().IsMeta() {
		s.recovery.Lock()
		defer s.recovery.Unlock()
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	paths := make([]string, len(logs))
	for i, id := range logs {
		paths[i] = s.log.Path(id)
	}
	stats, err := tab.Recover(paths)
	if err != nil {
		return err
	}
	if stats.Mutations == 0 {
		return nil
	}
	if err := tab.MinorCompact(tab.FlushID()); err != nil {
		return errors.Wrapf(err, "flush recovered data of %s", tab.Extent())
	}
	return nil
}

// loadFailed puts the extent back to unopened and retries with backoff
func (s *TabletServer) loadFailed(extent data.Extent, err error) {
	s.loadFailures.Inc()
	Logger.Warningf("exception trying to assign tablet %s: %v", extent, err)
	attempt := s.tablets.FailOpening(extent, true)
	s.reportLoad(extent, coordinator.LoadFailure)
	if attempt == 0 {
		return
	}
	delay := lifecycle.Backoff(attempt)
	Logger.Warningf("rescheduling load of %s in %s", extent, delay)
	s.scheduleLoad(extent, delay)
}

func (s *TabletServer) reportLoad(extent data.Extent, state coordinator.LoadState) {
	s.queue.PushBack(&coordinator.TabletStatus{State: state, Extent: extent})
}

// --------------------------------------------------------------------------
// Unloading
// --------------------------------------------------------------------------

// unload closes the tablet and updates its location according to the goal.
// The root and metadata tablets are never suspended.
func (s *TabletServer) unload(ctx context.Context, extent data.Extent, goal UnloadGoal, nowMillis int64) error {
	tab, dropped, err := s.tablets.BeginUnloading(ctx, extent)
	switch {
	case dropped:
		Logger.Infof("dropped unopened tablet %s", extent)
		return nil
	case errors.Is(err, lifecycle.ErrNotServing):
		// a repeated request crossing a successful unload
		if at, ok := s.recentlyUnloaded.Load(extent.Key()); ok && time.Since(at) < recentlyUnloadedTTL {
			return nil
		}
		Logger.Infof("told to unload tablet that was not being served %s", extent)
		s.queue.PushBack(&coordinator.TabletStatus{State: coordinator.UnloadFailureNotServing, Extent: extent})
		return nil
	case err != nil:
		return err
	}

	if err := tab.Close(goal != GoalDelete); err != nil {
		if errors.Is(err, tablet.ErrClosed) {
			Logger.Debugf("failed to unload tablet %s, it was already closing or closed: %v", extent, err)
		} else {
			Logger.Errorf("failed to close tablet %s, aborting migration: %v", extent, err)
			s.queue.PushBack(&coordinator.TabletStatus{State: coordinator.UnloadError, Extent: extent})
		}
		s.tablets.AbortUnloading(extent)
		return err
	}

	s.recentlyUnloaded.Store(extent.Key(), time.Now())
	s.tablets.Remove(extent)

	if goal != GoalSuspend || extent.IsMeta() {
		err = metadata.Unassign(s.meta, extent, s.instance)
	} else {
		err = metadata.Suspend(s.meta, extent, s.instance, nowMillis)
	}
	if err != nil {
		Logger.Warningf("unable to update location of %s: %v", extent, err)
	}

	s.queue.PushBack(&coordinator.TabletStatus{State: coordinator.Unloaded, Extent: extent})
	s.saveHistoricalStats(tab.Registry())
	s.unloads.Inc()
	Logger.Infof("unloaded tablet %s (%s)", extent, goal)
	return nil
}

// forgetUnloaded drops old entries of the recently unloaded cache
func (s *TabletServer) forgetUnloaded() {
	s.recentlyUnloaded.Range(func(key string, at time.Time) bool {
		if time.Since(at) >= recentlyUnloadedTTL {
			s.recentlyUnloaded.Delete(key)
		}
		return true
	})
}

// poolFor returns the pool used to load the extent (nil for the root tablet)
func (s *TabletServer) poolFor(extent data.Extent) *semaphore.Weighted {
	switch {
	case extent.IsRootTablet():
		return nil
	case extent.IsMeta():
		return s.metaAssignPool
	default:
		return s.assignPool
	}
}
