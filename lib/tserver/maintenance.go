package tserver

import (
	"context"
	"reflect"
	"sort"
	"time"

	"github.com/ValentinKolb/dTablet/lib/coordinator"
	"github.com/ValentinKolb/dTablet/lib/data"
	"github.com/ValentinKolb/dTablet/lib/metadata"
	"github.com/ValentinKolb/dTablet/lib/security"
	"github.com/ValentinKolb/dTablet/lib/tablet"
	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
)

// inboxBatch is the number of inbox messages a standalone node reads per pass
const inboxBatch = 100

// --------------------------------------------------------------------------
// Maintenance loop
// --------------------------------------------------------------------------

// maintain runs the periodic maintenance until ctx is done
func (s *TabletServer) maintain(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.MaintenanceInterval)
	defer ticker.Stop()
	for {
		s.maintenancePass(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// maintenancePass runs one round: standalone assignment, the memory check,
// flushes, compactions and splits that are due, and the removal of unused logs
func (s *TabletServer) maintenancePass(ctx context.Context) {
	if s.cfg.Standalone {
		s.assignUnassigned()
		s.drainInbox()
	}
	s.checkMemory()

	tables := make(map[data.TableID]*metadata.TableConfig)
	for _, tab := range s.tablets.OnlineSnapshot() {
		if ctx.Err() != nil {
			return
		}
		extent := tab.Extent()
		cfg, ok := tables[extent.Table]
		if !ok {
			var err error
			if cfg, err = s.meta.TableConfig(extent.Table); err != nil {
				Logger.Warningf("failed to read config of table %s: %v", extent.Table, err)
				continue
			}
			tables[extent.Table] = cfg
		}
		s.maintainTablet(tab, cfg)
	}

	if err := s.markUnusedWALs(); err != nil {
		Logger.Warningf("failed to remove unused logs: %v", err)
	}
	s.forgetUnloaded()
}

// maintainTablet schedules the work one tablet needs
func (s *TabletServer) maintainTablet(tab *tablet.Tablet, cfg *metadata.TableConfig) {
	if !reflect.DeepEqual(tab.TableConfig(), cfg) {
		if err := tab.UpdateTableConfig(cfg); err != nil {
			Logger.Warningf("failed to update config of %s: %v", tab.Extent(), err)
		}
	}

	threshold := cfg.SplitThreshold
	if threshold <= 0 {
		threshold = s.cfg.SplitThreshold
	}
	switch {
	case tab.NeedsSplit(threshold):
		s.scheduleSplit(tab, nil)
	case tab.NeedsFlush(cfg.FlushID):
		s.scheduleMinorCompaction(tab, cfg.FlushID)
	case tab.NeedsCompaction(cfg.CompactionID):
		s.scheduleMajorCompaction(tab, cfg.CompactionID)
	}
}

// checkMemory holds commits while the memory of all tablets exceeds the limit
// and flushes the largest tablets until it drops below half of it
func (s *TabletServer) checkMemory() {
	if s.cfg.MemoryLimit <= 0 {
		return
	}
	used := s.memoryUsed()
	if used > s.cfg.MemoryLimit {
		if s.gate.Enabled() {
			Logger.Warningf("memory used %d exceeds limit %d, holding commits", used, s.cfg.MemoryLimit)
		}
		s.gate.Disable()
	} else if !s.gate.Enabled() {
		Logger.Infof("memory used %d is below limit %d, resuming commits", used, s.cfg.MemoryLimit)
		s.gate.Enable()
	}

	target := s.cfg.MemoryLimit / 2
	if used <= target {
		return
	}
	tablets := s.tablets.OnlineSnapshot()
	sort.Slice(tablets, func(i, j int) bool {
		return tablets[i].MemoryUsed() > tablets[j].MemoryUsed()
	})
	for _, tab := range tablets {
		if used <= target {
			break
		}
		mem := tab.MemoryUsed()
		if mem == 0 {
			break
		}
		s.scheduleMinorCompaction(tab, tab.FlushID())
		used -= mem
	}
}

// markUnusedWALs discards closed logs no tablet holds data in. Unloading tablets
// count as users until their close flushed the data.
func (s *TabletServer) markUnusedWALs() error {
	removed, err := s.tracker.MarkUnusedWALs(s.removeReferencedLogs)
	if len(removed) > 0 {
		Logger.Infof("removed unused logs %v", removed)
	}
	return err
}

// removeReferencedLogs removes the logs from candidates that a loaded tablet or
// the metadata of any tablet still references. Tablets that are not loaded yet
// (or were unloaded without a flush) are only known through their metadata.
// If the metadata can not be read every candidate is kept.
func (s *TabletServer) removeReferencedLogs(candidates map[string]struct{}) {
	for _, tab := range s.tablets.Loaded() {
		tab.RemoveInUseLogs(candidates)
	}
	if len(candidates) == 0 {
		return
	}
	tables, err := s.meta.Tables()
	if err != nil {
		Logger.Warningf("failed to read tables, keeping all logs: %v", err)
		clear(candidates)
		return
	}
	tableIDs := []data.TableID{data.RootTableID, data.MetadataTableID}
	for _, cfg := range tables {
		if cfg.Table != data.RootTableID && cfg.Table != data.MetadataTableID {
			tableIDs = append(tableIDs, cfg.Table)
		}
	}
	for _, table := range tableIDs {
		metas, err := s.meta.Tablets(table)
		if err != nil {
			Logger.Warningf("failed to read tablets of %s, keeping all logs: %v", table, err)
			clear(candidates)
			return
		}
		for _, m := range metas {
			for _, l := range m.Logs {
				delete(candidates, l)
			}
		}
	}
}

// RemoveLogs discards closed logs of the node at the request of the coordinator.
// Logs still referenced by a tablet are kept. It returns the removed logs.
func (s *TabletServer) RemoveLogs(c security.Credentials, lockID string, logs []string) ([]string, error) {
	if err := s.checkCoordinator(c, lockID); err != nil {
		return nil, err
	}
	removed, err := s.tracker.RemoveLogs(logs, s.removeReferencedLogs)
	if len(removed) > 0 {
		Logger.Infof("removed logs %v at the request of the coordinator", removed)
	}
	return removed, err
}

// --------------------------------------------------------------------------
// Standalone mode
// --------------------------------------------------------------------------

// assignUnassigned makes the node its own coordinator: every tablet without a
// location or located at a previous instance of this server is assigned to it.
// The root tablet comes first, then the metadata tablets, then user tablets.
func (s *TabletServer) assignUnassigned() {
	tables, err := s.meta.Tables()
	if err != nil {
		Logger.Warningf("failed to list tables: %v", err)
		return
	}
	order := func(t data.TableID) int {
		switch t {
		case data.RootTableID:
			return 0
		case data.MetadataTableID:
			return 1
		default:
			return 2
		}
	}
	sort.SliceStable(tables, func(i, j int) bool {
		return order(tables[i].Table) < order(tables[j].Table)
	})

	for _, cfg := range tables {
		metas, err := s.meta.Tablets(cfg.Table)
		if err != nil {
			Logger.Warningf("failed to list tablets of %s: %v", cfg.Table, err)
			continue
		}
		for _, meta := range metas {
			if !s.claimable(meta) {
				continue
			}
			if _, known := s.tablets.Get(meta.Extent); known {
				continue
			}
			if err := metadata.SetFutureLocation(s.meta, meta.Extent, s.instance); err != nil {
				Logger.Warningf("failed to claim %s: %v", meta.Extent, err)
				continue
			}
			s.assign(meta.Extent)
		}
	}
}

func (s *TabletServer) claimable(meta *metadata.TabletMetadata) bool {
	if !meta.PrevRowSet {
		return false
	}
	for _, loc := range []*metadata.Instance{meta.Current, meta.Future} {
		if loc != nil && !(loc.Server == s.cfg.Server && !loc.Equal(s.instance)) {
			return false
		}
	}
	return true
}

// drainInbox consumes the status messages a standalone node sends to itself
func (s *TabletServer) drainInbox() {
	msgs, err := coordinator.ReadInbox(s.store, inboxBatch)
	if err != nil {
		Logger.Warningf("failed to read inbox: %v", err)
		return
	}
	for _, m := range msgs {
		switch msg := m.Message.(type) {
		case *coordinator.TabletStatus:
			Logger.Debugf("%s reported %s for %s", m.Server, msg.State, msg.Extent)
		case *coordinator.SplitReport:
			Logger.Debugf("%s reported split of %s into %s and %s", m.Server, msg.Old, msg.Low, msg.High)
		}
		if err := coordinator.Ack(s.store, m.Key); err != nil {
			Logger.Warningf("failed to ack %s: %v", m.Key, err)
			return
		}
	}
}

// --------------------------------------------------------------------------
// Compactions and splits
// --------------------------------------------------------------------------

func (s *TabletServer) scheduleMinorCompaction(tab *tablet.Tablet, flushID int64) {
	s.schedule("minc", tab.Extent(), func(ctx context.Context) {
		err := withPool(ctx, s.mincPool, func() error {
			s.markRunning("minc", tab.Extent())
			if tab.Closed() {
				return nil
			}
			return tab.MinorCompact(flushID)
		})
		if err != nil && !errors.IsAny(err, tablet.ErrClosed, context.Canceled) {
			Logger.Errorf("minor compaction of %s failed: %v", tab.Extent(), err)
			return
		}
		if err := s.markUnusedWALs(); err != nil {
			Logger.Warningf("failed to remove unused logs: %v", err)
		}
	})
}

func (s *TabletServer) scheduleMajorCompaction(tab *tablet.Tablet, compactionID int64) {
	s.schedule("majc", tab.Extent(), func(ctx context.Context) {
		err := withPool(ctx, s.majcPool, func() error {
			s.markRunning("majc", tab.Extent())
			if tab.Closed() {
				return nil
			}
			return tab.MajorCompact(ctx, compactionID)
		})
		if err != nil && !errors.IsAny(err, tablet.ErrClosed, tablet.ErrInterrupted, context.Canceled) {
			Logger.Errorf("major compaction of %s failed: %v", tab.Extent(), err)
		}
	})
}

// scheduleSplit splits the tablet at row (nil = the middle row) in the split pool
func (s *TabletServer) scheduleSplit(tab *tablet.Tablet, row []byte) bool {
	return s.schedule("split", tab.Extent(), func(ctx context.Context) {
		err := withPool(ctx, s.splitPool, func() error {
			return s.split(tab, row)
		})
		if err != nil && !errors.IsAny(err, tablet.ErrClosed, context.Canceled) {
			Logger.Errorf("split of %s failed: %v", tab.Extent(), err)
		}
	})
}

// split replaces the tablet by two new tablets and reports the split. If the
// tablet was closed but the new tablets can not be put online, all of them are
// unassigned and the coordinator reassigns them.
func (s *TabletServer) split(tab *tablet.Tablet, row []byte) error {
	old := tab.Extent()
	if s.tablets.Online(old) != tab {
		return nil
	}
	res, closed, err := tab.Split(row)
	if err != nil {
		if closed {
			s.abandonSplit(old, nil)
		}
		return err
	}

	low, err := s.openSplit(res.Low)
	if err != nil {
		s.abandonSplit(old, []data.Extent{res.Low.Extent, res.High.Extent})
		return err
	}
	high, err := s.openSplit(res.High)
	if err != nil {
		_ = low.Close(false)
		s.abandonSplit(old, []data.Extent{res.Low.Extent, res.High.Extent})
		return err
	}
	if err := s.tablets.Split(old, low, high); err != nil {
		_ = low.Close(false)
		_ = high.Close(false)
		s.abandonSplit(old, []data.Extent{res.Low.Extent, res.High.Extent})
		return err
	}

	s.saveHistoricalStats(tab.Registry())
	s.splits.Inc()
	s.queue.PushBack(&coordinator.SplitReport{
		Old:     old,
		Low:     res.Low.Extent,
		High:    res.High.Extent,
		LowDir:  res.Low.Dir,
		HighDir: res.High.Dir,
	})
	return nil
}

// openSplit opens a tablet created by a split. Its data is in the shared files,
// nothing has to be recovered.
func (s *TabletServer) openSplit(meta *metadata.TabletMetadata) (*tablet.Tablet, error) {
	table, err := s.meta.TableConfig(meta.Extent.Table)
	if err != nil {
		return nil, err
	}
	tab, err := s.openTablet(meta, table)
	if err != nil {
		return nil, errors.Wrapf(err, "open %s", meta.Extent)
	}
	return tab, nil
}

// abandonSplit forgets the closed tablet and unassigns it and its children
func (s *TabletServer) abandonSplit(old data.Extent, children []data.Extent) {
	Logger.Errorf("split of %s failed after close, unassigning", old)
	s.tablets.Remove(old)
	for _, extent := range append([]data.Extent{old}, children...) {
		if err := metadata.Unassign(s.meta, extent, s.instance); err != nil && !errors.Is(err, metadata.ErrNotFound) {
			Logger.Warningf("failed to unassign %s: %v", extent, err)
		}
	}
	s.queue.PushBack(&coordinator.TabletStatus{State: coordinator.Unloaded, Extent: old})
}

// --------------------------------------------------------------------------
// Coordinator commands
// --------------------------------------------------------------------------

// tabletsInRange returns the online tablets of table overlapping [start, end)
func (s *TabletServer) tabletsInRange(table data.TableID, start, end []byte) []*tablet.Tablet {
	r := data.Range{Start: start, End: end}
	var res []*tablet.Tablet
	for _, tab := range s.tablets.OnlineSnapshot() {
		if e := tab.Extent(); e.Table == table && e.OverlapsRange(r) {
			res = append(res, tab)
		}
	}
	return res
}

// fanOut runs fn for every tablet while holding a slot of pool
func fanOut(ctx context.Context, pool *semaphore.Weighted, tablets []*tablet.Tablet, fn func(ctx context.Context, tab *tablet.Tablet) error) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, tab := range tablets {
		g.Go(func() error {
			return withPool(ctx, pool, func() error {
				err := fn(ctx, tab)
				if errors.Is(err, tablet.ErrClosed) {
					return nil
				}
				return errors.Wrapf(err, "%s", tab.Extent())
			})
		})
	}
	return g.Wait()
}

// Flush flushes all tablets of the table overlapping [start, end) up to the
// flush id the table requests. It returns once the flushes finished.
func (s *TabletServer) Flush(ctx context.Context, c security.Credentials, lockID string, table data.TableID, start, end []byte) error {
	if err := s.checkCoordinator(c, lockID); err != nil {
		return err
	}
	cfg, err := s.meta.TableConfig(table)
	if err != nil {
		return errors.Wrapf(err, "flush %s", table)
	}
	tablets := s.tabletsInRange(table, start, end)
	Logger.Infof("flushing %d tablets of %s", len(tablets), table)
	err = fanOut(ctx, s.mincPool, tablets, func(_ context.Context, tab *tablet.Tablet) error {
		if !tab.NeedsFlush(cfg.FlushID) {
			return nil
		}
		return tab.MinorCompact(cfg.FlushID)
	})
	if err != nil {
		return err
	}
	return s.markUnusedWALs()
}

// FlushTablet flushes one tablet with the flush id the table requests
func (s *TabletServer) FlushTablet(ctx context.Context, c security.Credentials, lockID string, extent data.Extent) error {
	if err := s.checkCoordinator(c, lockID); err != nil {
		return err
	}
	tab := s.tablets.Online(extent)
	if tab == nil {
		return errors.Wrapf(ErrNotServingTablet, "%s", extent)
	}
	cfg, err := s.meta.TableConfig(extent.Table)
	if err != nil {
		return err
	}
	flushID := max(cfg.FlushID, tab.FlushID())
	if err := withPool(ctx, s.mincPool, func() error { return tab.MinorCompact(flushID) }); err != nil {
		return err
	}
	return s.markUnusedWALs()
}

// Compact starts major compactions of all tablets of the table overlapping
// [start, end) with the compaction id the table requests
func (s *TabletServer) Compact(ctx context.Context, c security.Credentials, lockID string, table data.TableID, start, end []byte) error {
	if err := s.checkCoordinator(c, lockID); err != nil {
		return err
	}
	cfg, err := s.meta.TableConfig(table)
	if err != nil {
		return errors.Wrapf(err, "compact %s", table)
	}
	for _, tab := range s.tabletsInRange(table, start, end) {
		if tab.NeedsCompaction(cfg.CompactionID) {
			s.scheduleMajorCompaction(tab, cfg.CompactionID)
		}
	}
	return nil
}

// Chop forces a major compaction of the tablet into a single file
func (s *TabletServer) Chop(ctx context.Context, c security.Credentials, lockID string, extent data.Extent) error {
	if err := s.checkCoordinator(c, lockID); err != nil {
		return err
	}
	tab := s.tablets.Online(extent)
	if tab == nil {
		return errors.Wrapf(ErrNotServingTablet, "%s", extent)
	}
	return withPool(ctx, s.majcPool, func() error {
		return tab.MajorCompact(ctx, tab.CompactionID())
	})
}

// SplitTablet splits the tablet at splitRow. The split is reported to the
// coordinator like a split decided by the node.
func (s *TabletServer) SplitTablet(ctx context.Context, c security.Credentials, lockID string, extent data.Extent, splitRow []byte) error {
	if err := s.checkCoordinator(c, lockID); err != nil {
		return err
	}
	tab := s.tablets.Online(extent)
	if tab == nil {
		return errors.Wrapf(ErrNotServingTablet, "%s", extent)
	}
	if !extent.Contains(splitRow) {
		return errors.Newf("split row %q is not inside %s", splitRow, extent)
	}
	return withPool(ctx, s.splitPool, func() error {
		return s.split(tab, splitRow)
	})
}

// Halt stops the node gracefully, tablets are unloaded and suspended
func (s *TabletServer) Halt(c security.Credentials, lockID string) error {
	if err := s.checkCoordinator(c, lockID); err != nil {
		return err
	}
	s.halt("requested by coordinator")
	return nil
}

// FastHalt stops the process without unloading tablets
func (s *TabletServer) FastHalt(c security.Credentials, lockID string) error {
	if err := s.checkCoordinator(c, lockID); err != nil {
		return err
	}
	go s.fastHalt("fast halt requested by coordinator")
	return nil
}

// --------------------------------------------------------------------------
// Table administration
// --------------------------------------------------------------------------

// CreateTable creates a table with one tablet per split point. The tablets are
// unassigned, a standalone node picks them up on its next maintenance pass.
func (s *TabletServer) CreateTable(c security.Credentials, cfg metadata.TableConfig, splits [][]byte) error {
	if _, err := s.systemAccess(c); err != nil {
		return err
	}
	if cfg.Table == "" || cfg.Table.IsMeta() {
		return errors.Newf("invalid table id %q", cfg.Table)
	}
	if cfg.Name == "" {
		cfg.Name = string(cfg.Table)
	}
	if cfg.Durability == data.DurabilityDefault {
		cfg.Durability = data.DurabilitySync
	}
	if _, err := tablet.BuildConstraints(cfg.Table, cfg.Constraints); err != nil {
		return err
	}
	if _, err := s.meta.TableConfig(cfg.Table); err == nil {
		return errors.Wrapf(metadata.ErrExists, "table %s", cfg.Table)
	} else if !errors.Is(err, metadata.ErrNotFound) {
		return err
	}

	sorted := make([][]byte, 0, len(splits))
	for _, sp := range splits {
		if len(sp) > 0 {
			sorted = append(sorted, sp)
		}
	}
	sort.Slice(sorted, func(i, j int) bool { return string(sorted[i]) < string(sorted[j]) })

	if err := s.meta.PutTableConfig(&cfg); err != nil {
		return err
	}
	var prev []byte
	for i := 0; i <= len(sorted); i++ {
		var end []byte
		if i < len(sorted) {
			end = sorted[i]
			if prev != nil && string(prev) == string(end) {
				continue
			}
		}
		ts := int64(0)
		name := "default_tablet"
		if i < len(sorted) {
			name = "t-" + uuid.NewString()
		}
		meta := &metadata.TabletMetadata{
			Extent:     data.NewExtent(cfg.Table, end, prev),
			PrevRowSet: true,
			Dir:        tabletDir(cfg.Table, name),
			Time:       &ts,
		}
		if err := s.meta.Create(meta); err != nil {
			return errors.Wrapf(err, "create tablet %s", meta.Extent)
		}
		prev = end
	}
	Logger.Infof("created table %s with %d tablets", cfg.Table, len(sorted)+1)
	return nil
}

// Tables lists the configuration of all tables the caller may read
func (s *TabletServer) Tables(c security.Credentials) ([]*metadata.TableConfig, error) {
	u, err := s.auth.Authenticate(c)
	if err != nil {
		return nil, err
	}
	all, err := s.meta.Tables()
	if err != nil {
		return nil, err
	}
	res := all[:0]
	for _, t := range all {
		if security.CanRead(u, t) {
			res = append(res, t)
		}
	}
	return res, nil
}

// GrantTablePermission grants a table permission to a user
func (s *TabletServer) GrantTablePermission(c security.Credentials, table data.TableID, user, perm string) error {
	if _, err := s.systemAccess(c); err != nil {
		return err
	}
	if perm != security.PermRead && perm != security.PermWrite {
		return errors.Newf("unknown permission %q", perm)
	}
	_, err := s.meta.MutateTableConfig(table, func(cfg *metadata.TableConfig) error {
		if cfg.Permissions == nil {
			cfg.Permissions = make(map[string][]string)
		}
		for _, p := range cfg.Permissions[user] {
			if p == perm {
				return nil
			}
		}
		cfg.Permissions[user] = append(cfg.Permissions[user], perm)
		return nil
	})
	if errors.Is(err, metadata.ErrNotFound) {
		return errors.Wrapf(ErrTableNotFound, "table %s", table)
	}
	return err
}

// CreateUser creates a user, only system users may do so
func (s *TabletServer) CreateUser(c security.Credentials, name, password string, auths data.Authorizations, system bool) error {
	if _, err := s.systemAccess(c); err != nil {
		return err
	}
	return s.auth.CreateUser(name, password, auths, system)
}

// SetAuthorizations replaces the authorizations of a user
func (s *TabletServer) SetAuthorizations(c security.Credentials, name string, auths data.Authorizations) error {
	if _, err := s.systemAccess(c); err != nil {
		return err
	}
	return s.auth.SetAuthorizations(name, auths)
}

// DropUser removes a user
func (s *TabletServer) DropUser(c security.Credentials, name string) error {
	if _, err := s.systemAccess(c); err != nil {
		return err
	}
	return s.auth.DropUser(name)
}

// RequestTableFlush increments the flush id of the table. Tablets flush on the
// next maintenance pass, the new id is returned.
func (s *TabletServer) RequestTableFlush(c security.Credentials, table data.TableID) (int64, error) {
	if _, err := s.systemAccess(c); err != nil {
		return 0, err
	}
	cfg, err := s.meta.MutateTableConfig(table, func(cfg *metadata.TableConfig) error {
		cfg.FlushID++
		return nil
	})
	if err != nil {
		return 0, err
	}
	return cfg.FlushID, nil
}

// RequestTableCompaction increments the compaction id of the table
func (s *TabletServer) RequestTableCompaction(c security.Credentials, table data.TableID) (int64, error) {
	if _, err := s.systemAccess(c); err != nil {
		return 0, err
	}
	cfg, err := s.meta.MutateTableConfig(table, func(cfg *metadata.TableConfig) error {
		cfg.CompactionID++
		return nil
	})
	if err != nil {
		return 0, err
	}
	return cfg.CompactionID, nil
}
