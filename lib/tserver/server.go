package tserver

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ValentinKolb/dTablet/lib/commit"
	"github.com/ValentinKolb/dTablet/lib/conditional"
	"github.com/ValentinKolb/dTablet/lib/coordinator"
	"github.com/ValentinKolb/dTablet/lib/data"
	"github.com/ValentinKolb/dTablet/lib/lifecycle"
	"github.com/ValentinKolb/dTablet/lib/lockmgr"
	"github.com/ValentinKolb/dTablet/lib/metadata"
	"github.com/ValentinKolb/dTablet/lib/rowlock"
	"github.com/ValentinKolb/dTablet/lib/security"
	"github.com/ValentinKolb/dTablet/lib/session"
	"github.com/ValentinKolb/dTablet/lib/store"
	"github.com/ValentinKolb/dTablet/lib/tablet"
	"github.com/ValentinKolb/dTablet/lib/wal"
	"github.com/VictoriaMetrics/metrics"
	"github.com/cockroachdb/errors"
	"github.com/lni/dragonboat/v4/logger"
	"github.com/puzpuzpuz/xsync/v3"
	gometrics "github.com/rcrowley/go-metrics"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"
)

var Logger = logger.GetLogger("tserver")

const (
	// CoordinatorLock is the lock held by the active coordinator. Coordinator
	// commands carry the owner id of this lock.
	CoordinatorLock = "coordinator/lock"
	// NodeLockPrefix prefixes the lock every tablet server holds while it runs
	NodeLockPrefix = "tservers/"

	walDir   = "wal"
	filesDir = "files"

	// recentlyUnloadedTTL is how long an unloaded extent is remembered
	recentlyUnloadedTTL = time.Hour
)

// Option customizes a TabletServer
type Option func(s *TabletServer)

// WithHalt replaces the function called when the node has to stop immediately
// (default: log and exit the process)
func WithHalt(halt coordinator.HaltFunc) Option {
	return func(s *TabletServer) { s.haltFunc = halt }
}

// WithSender replaces the delivery of status messages to the coordinator
// (default: the coordinator inbox in the coordination store)
func WithSender(sender coordinator.Sender) Option {
	return func(s *TabletServer) { s.sender = sender }
}

// TabletServer is one node of the cluster. It serves the tablets assigned to it
// by the coordinator, the client protocol (scans, updates, conditional updates)
// and the coordinator commands.
type TabletServer struct {
	cfg      Config
	store    store.IStore
	meta     metadata.IMetadataStore
	locks    lockmgr.ILockManager
	auth     *security.Authenticator
	haltFunc coordinator.HaltFunc

	// instance is set once the node lock is acquired
	instance metadata.Instance
	watcher  *coordinator.LockWatcher

	files   *tablet.FileStore
	tracker *wal.Tracker
	log     *wal.Log
	limiter *rate.Limiter

	sessions *session.Manager
	gate     *commit.Gate
	pipeline *commit.Pipeline
	rowLocks *rowlock.Table
	engine   *conditional.Engine
	tablets  *lifecycle.Table

	queue  *coordinator.Queue
	sender coordinator.Sender

	// pools per resource class
	metaAssignPool *semaphore.Weighted
	assignPool     *semaphore.Weighted
	readaheadPool  *semaphore.Weighted
	mincPool       *semaphore.Weighted
	majcPool       *semaphore.Weighted
	splitPool      *semaphore.Weighted
	migrationPool  *semaphore.Weighted

	// recovery admits one recovery of a user tablet at a time
	recovery sync.Mutex
	// busy holds the scheduled background work, keyed by kind and extent
	busy             *xsync.MapOf[string, *backgroundTask]
	recentlyUnloaded *xsync.MapOf[string, time.Time]

	metrics      *metrics.Set
	historical   gometrics.Registry
	lookups      *metrics.Counter
	loads        *metrics.Counter
	loadFailures *metrics.Counter
	unloads      *metrics.Counter
	splits       *metrics.Counter

	// work runs assignments, migrations and maintenance; bg the lock watcher and the coordinator loop
	ctx      context.Context
	cancel   context.CancelFunc
	work     *errgroup.Group
	bgCancel context.CancelFunc
	bg       *errgroup.Group

	startOnce sync.Once
	stopOnce  sync.Once
	done      chan struct{}
}

// NewTabletServer creates a tablet server on top of the coordination store.
// Nothing is served until Start is called.
func NewTabletServer(cfg Config, coord store.IStore, opts ...Option) (*TabletServer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid tablet server config")
	}

	s := &TabletServer{
		cfg:              cfg,
		store:            coord,
		meta:             metadata.NewMetadataStore(coord),
		locks:            lockmgr.NewLockManager(coord),
		auth:             security.NewAuthenticator(coord),
		files:            tablet.NewFileStore(filepath.Join(cfg.DataDir, filesDir)),
		rowLocks:         rowlock.NewTable(),
		tablets:          lifecycle.NewTable(),
		queue:            coordinator.NewQueue(),
		gate:             commit.NewGate(),
		metaAssignPool:   semaphore.NewWeighted(int64(cfg.MetaAssignmentPool)),
		assignPool:       semaphore.NewWeighted(int64(cfg.AssignmentPool)),
		readaheadPool:    semaphore.NewWeighted(int64(cfg.ReadaheadPool)),
		mincPool:         semaphore.NewWeighted(int64(cfg.MinorCompactionPool)),
		majcPool:         semaphore.NewWeighted(int64(cfg.MajorCompactionPool)),
		splitPool:        semaphore.NewWeighted(int64(cfg.SplitPool)),
		migrationPool:    semaphore.NewWeighted(int64(cfg.MigrationPool)),
		busy:             xsync.NewMapOf[string, *backgroundTask](),
		recentlyUnloaded: xsync.NewMapOf[string, time.Time](),
		metrics:          metrics.NewSet(),
		historical:       gometrics.NewRegistry(),
		done:             make(chan struct{}),
	}
	s.haltFunc = defaultHalt
	for _, opt := range opts {
		opt(s)
	}
	if s.sender == nil {
		s.sender = coordinator.NewStoreSender(coord, cfg.Server)
	}
	if cfg.CompactionRate > 0 {
		s.limiter = rate.NewLimiter(rate.Limit(cfg.CompactionRate), cfg.CompactionRate)
	}

	s.watcher = coordinator.NewLockWatcher(s.locks, NodeLockPrefix+cfg.Server, cfg.LockTTL, s.fastHalt)
	s.tracker = wal.NewTracker(cfg.Server, s.meta)
	s.log = wal.NewLog(wal.Config{
		Dir:     filepath.Join(cfg.DataDir, walDir),
		Server:  cfg.Server,
		MaxSize: cfg.WALMaxSize,
		OnDefine: func(extent data.Extent, logID string) error {
			return metadata.AddLogs(s.meta, extent, logID)
		},
	}, s.tracker)

	s.sessions = session.NewManager(session.Config{
		MaxIdle:       cfg.ScanIdle,
		MaxUpdateIdle: cfg.UpdateIdle,
		SweepInterval: cfg.ScanIdle / 2,
	})
	s.pipeline = commit.NewPipeline(commit.Config{
		MaxQueuedBytes: cfg.MaxQueuedBytes,
		HoldTimeout:    cfg.HoldTimeout,
		Retry:          commit.NewBackoffPolicy(cfg.WALRetryInitial, cfg.WALRetryMax, cfg.WALRetryFactor, cfg.WALRetryMaxAttempts),
		Metrics:        s.metrics,
	}, s.log, s.gate, s.tablets.Online)
	s.engine = conditional.NewEngine(conditional.Config{
		MaxPasses: cfg.MaxConditionalPasses,
		Metrics:   s.metrics,
	}, s.rowLocks, s.pipeline, s.tablets.Online)

	s.registerMetrics()
	return s, nil
}

func (s *TabletServer) registerMetrics() {
	s.lookups = s.metrics.GetOrCreateCounter("dtablet_scan_lookups_total")
	s.loads = s.metrics.GetOrCreateCounter("dtablet_tablet_loads_total")
	s.loadFailures = s.metrics.GetOrCreateCounter("dtablet_tablet_load_failures_total")
	s.unloads = s.metrics.GetOrCreateCounter("dtablet_tablet_unloads_total")
	s.splits = s.metrics.GetOrCreateCounter("dtablet_tablet_splits_total")

	s.metrics.GetOrCreateGauge("dtablet_sessions", func() float64 {
		return float64(s.sessions.Len())
	})
	s.metrics.GetOrCreateGauge("dtablet_memory_used_bytes", func() float64 {
		return float64(s.memoryUsed())
	})
	s.metrics.GetOrCreateGauge("dtablet_commit_hold_seconds", func() float64 {
		return s.gate.HoldTime().Seconds()
	})
	s.metrics.GetOrCreateGauge("dtablet_open_files", func() float64 {
		return float64(s.files.OpenFiles())
	})
	for _, state := range []lifecycle.State{lifecycle.StateUnopened, lifecycle.StateOpening, lifecycle.StateOnline, lifecycle.StateUnloading} {
		s.metrics.GetOrCreateGauge(`dtablet_tablets{state="`+state.String()+`"}`, func() float64 {
			return float64(s.tablets.Counts()[state])
		})
	}
}

func defaultHalt(reason string) {
	Logger.Errorf("halting tablet server: %s", reason)
	os.Exit(1)
}

// --------------------------------------------------------------------------
// Start / Stop
// --------------------------------------------------------------------------

// Start acquires the node lock, prepares the metadata and starts the background
// work. It waits up to twice the lock ttl for the lock of a previous instance.
func (s *TabletServer) Start(ctx context.Context) error {
	started := false
	var err error
	s.startOnce.Do(func() {
		started = true
		err = s.start(ctx)
	})
	if !started {
		return errors.New("tablet server already started")
	}
	return err
}

func (s *TabletServer) start(ctx context.Context) error {
	for _, dir := range []string{filepath.Join(s.cfg.DataDir, walDir), filepath.Join(s.cfg.DataDir, filesDir)} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return errors.Wrapf(err, "create %s", dir)
		}
	}

	if err := s.watcher.Acquire(ctx, 2*s.cfg.LockTTL); err != nil {
		return err
	}
	s.instance = metadata.Instance{Server: s.cfg.Server, Session: s.watcher.Owner()}
	Logger.Infof("acquired node lock, running as %s", s.instance)

	if s.cfg.RootPassword != "" {
		if err := s.auth.EnsureRoot(s.cfg.RootPassword); err != nil {
			return errors.CombineErrors(err, s.watcher.Release())
		}
	}
	if err := Bootstrap(s.meta); err != nil {
		return errors.CombineErrors(err, s.watcher.Release())
	}
	s.recoverLogMarkers()

	s.sessions.Start()

	var bgCtx context.Context
	bgCtx, s.bgCancel = context.WithCancel(context.WithoutCancel(ctx))
	s.bg, bgCtx = errgroup.WithContext(bgCtx)
	loop := coordinator.NewLoop(s.queue, s.sender, 0)
	s.bg.Go(func() error {
		s.watcher.Run(bgCtx)
		return nil
	})
	s.bg.Go(func() error {
		loop.Run(bgCtx)
		return nil
	})

	s.ctx, s.cancel = context.WithCancel(context.WithoutCancel(ctx))
	s.work = &errgroup.Group{}
	s.work.Go(func() error {
		s.maintain(s.ctx)
		return nil
	})

	Logger.Infof("tablet server %s started", s.instance)
	return nil
}

// Instance returns the identity of the running node
func (s *TabletServer) Instance() metadata.Instance {
	return s.instance
}

// Done is closed once the server stopped
func (s *TabletServer) Done() <-chan struct{} {
	return s.done
}

// Stop unloads all tablets (suspending their locations), closes the log and
// releases the node lock. Pending status messages are delivered for up to the
// client timeout.
func (s *TabletServer) Stop() error {
	var err error
	s.stopOnce.Do(func() {
		defer close(s.done)
		if s.cancel == nil {
			err = s.log.Close()
			return
		}
		Logger.Infof("stopping tablet server %s", s.instance)

		s.cancel()
		_ = s.work.Wait()
		s.sessions.Stop()

		err = s.unloadAll(GoalSuspend)
		s.drainQueue(s.cfg.ClientTimeout)

		s.bgCancel()
		_ = s.bg.Wait()
		err = errors.CombineErrors(err, s.log.Close())
		err = errors.CombineErrors(err, s.watcher.Release())
		Logger.Infof("tablet server %s stopped", s.instance)
	})
	return err
}

// unloadAll closes all online tablets in parallel
func (s *TabletServer) unloadAll(goal UnloadGoal) error {
	now := time.Now().UnixMilli()
	g := &errgroup.Group{}
	for _, tab := range s.tablets.OnlineSnapshot() {
		extent := tab.Extent()
		g.Go(func() error {
			return s.unload(context.Background(), extent, goal, now)
		})
	}
	return g.Wait()
}

func (s *TabletServer) drainQueue(timeout time.Duration) {
	deadline := time.Now().Add(timeout)
	for s.queue.Len() > 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if n := s.queue.Len(); n > 0 {
		Logger.Warningf("dropping %d undelivered coordinator messages", n)
	}
}

// halt stops the server gracefully
func (s *TabletServer) halt(reason string) {
	Logger.Warningf("halt requested: %s", reason)
	go func() {
		if err := s.Stop(); err != nil {
			Logger.Errorf("failed to stop cleanly: %v", err)
		}
	}()
}

// fastHalt stops the process without unloading tablets
func (s *TabletServer) fastHalt(reason string) {
	s.haltFunc(reason)
}

// --------------------------------------------------------------------------
// Bootstrap
// --------------------------------------------------------------------------

// Bootstrap creates the configuration of the root and metadata tables and their
// initial tablets if they do not exist yet
func Bootstrap(ms metadata.IMetadataStore) error {
	for _, table := range []data.TableID{data.RootTableID, data.MetadataTableID} {
		if _, err := ms.TableConfig(table); err == nil {
			continue
		} else if !errors.Is(err, metadata.ErrNotFound) {
			return err
		}
		cfg := &metadata.TableConfig{
			Table:       table,
			Name:        string(table),
			Durability:  data.DurabilitySync,
			Constraints: []metadata.ConstraintSpec{{Name: "metadataFormat"}},
		}
		if err := ms.PutTableConfig(cfg); err != nil {
			return errors.Wrapf(err, "create table %s", table)
		}
		Logger.Infof("created table %s", table)
	}

	for _, extent := range []data.Extent{data.RootExtent, data.NewExtent(data.MetadataTableID, nil, nil)} {
		ts := int64(0)
		meta := &metadata.TabletMetadata{
			Extent:     extent,
			PrevRowSet: true,
			Dir:        tabletDir(extent.Table, "default_tablet"),
			Time:       &ts,
		}
		if err := ms.Create(meta); err != nil && !errors.Is(err, metadata.ErrExists) {
			return errors.Wrapf(err, "create tablet %s", extent)
		}
	}
	return nil
}

func tabletDir(table data.TableID, name string) string {
	return "tables/" + string(table) + "/" + name
}

// recoverLogMarkers handles the logs of previous instances of the server. Logs
// marked unreferenced are deleted, open and closed logs are adopted by the
// tracker oldest first, so they are discarded once no tablet references them.
func (s *TabletServer) recoverLogMarkers() {
	wals, err := s.meta.WALs(s.cfg.Server)
	if err != nil {
		Logger.Warningf("failed to read log markers: %v", err)
		return
	}
	type previousLog struct {
		id      string
		modTime time.Time
	}
	var adopt []previousLog
	for id, state := range wals {
		if state != metadata.WALUnreferenced {
			var modTime time.Time
			if fi, err := os.Stat(s.log.Path(id)); err == nil {
				modTime = fi.ModTime()
			}
			adopt = append(adopt, previousLog{id: id, modTime: modTime})
			continue
		}
		if err := os.Remove(s.log.Path(id)); err != nil && !os.IsNotExist(err) {
			Logger.Warningf("failed to remove log %s: %v", id, err)
			continue
		}
		if err := s.meta.RemoveWAL(s.cfg.Server, id); err != nil {
			Logger.Warningf("failed to remove marker of log %s: %v", id, err)
		}
	}
	sort.Slice(adopt, func(i, j int) bool {
		if !adopt[i].modTime.Equal(adopt[j].modTime) {
			return adopt[i].modTime.Before(adopt[j].modTime)
		}
		return adopt[i].id < adopt[j].id
	})
	for _, l := range adopt {
		if err := s.tracker.Adopt(l.id, s.log.Path(l.id)); err != nil {
			Logger.Warningf("failed to adopt log %s: %v", l.id, err)
		}
	}
}

// --------------------------------------------------------------------------
// Authentication
// --------------------------------------------------------------------------

// tableAccess authenticates the caller and checks the read or write permission on the table
func (s *TabletServer) tableAccess(c security.Credentials, table data.TableID, write bool) (*security.User, *metadata.TableConfig, error) {
	u, err := s.auth.Authenticate(c)
	if err != nil {
		return nil, nil, err
	}
	cfg, err := s.meta.TableConfig(table)
	if errors.Is(err, metadata.ErrNotFound) {
		return nil, nil, errors.Wrapf(ErrTableNotFound, "table %s", table)
	} else if err != nil {
		return nil, nil, err
	}
	ok := security.CanRead(u, cfg)
	if write {
		ok = security.CanWrite(u, cfg)
	}
	if !ok {
		return nil, nil, errors.Wrapf(ErrPermissionDenied, "user %s on table %s", u.Name, table)
	}
	return u, cfg, nil
}

// systemAccess authenticates the caller and requires the system permission
func (s *TabletServer) systemAccess(c security.Credentials) (*security.User, error) {
	u, err := s.auth.Authenticate(c)
	if err != nil {
		return nil, err
	}
	if !security.CanPerformSystemActions(u) {
		return nil, errors.Wrapf(ErrPermissionDenied, "user %s may not perform system actions", u.Name)
	}
	return u, nil
}

// checkCoordinator verifies that the caller is a system user presenting the
// owner id of the current coordinator lock
func (s *TabletServer) checkCoordinator(c security.Credentials, lockID string) error {
	if _, err := s.systemAccess(c); err != nil {
		return err
	}
	if !s.watcher.Held() {
		return errors.Wrap(ErrLockNotHeld, "node lock is not held")
	}
	held, err := s.locks.IsHeld(CoordinatorLock, []byte(lockID))
	if err != nil {
		return errors.Wrap(err, "check coordinator lock")
	}
	if !held {
		return errors.Wrapf(ErrLockNotHeld, "lock id %q", lockID)
	}
	return nil
}

// reserve authenticates the caller and reserves its session. The session must
// have been created by the same user and hold a payload of type T.
func reserve[T session.Payload](s *TabletServer, c security.Credentials, id int64) (*session.Session, T, error) {
	var zero T
	u, err := s.auth.Authenticate(c)
	if err != nil {
		return nil, zero, err
	}
	sess := s.sessions.Reserve(id)
	if sess == nil {
		return nil, zero, errors.Wrapf(ErrNoSuchSession, "session %d", id)
	}
	payload, ok := sess.Payload.(T)
	if !ok || sess.User != u.Name {
		s.sessions.Unreserve(sess)
		return nil, zero, errors.Wrapf(ErrNoSuchSession, "session %d", id)
	}
	return sess, payload, nil
}

// --------------------------------------------------------------------------
// Helpers
// --------------------------------------------------------------------------

// backgroundTask is scheduled work of one kind (load, unload, minc, majc, split) on a tablet
type backgroundTask struct {
	kind    string
	extent  data.Extent
	queued  time.Time
	started atomic.Int64 // unix ms, 0 while waiting for a pool slot
}

// schedule runs fn on the work group unless the server is stopping. Only one
// task per kind and extent runs at a time, schedule returns false if one is pending.
func (s *TabletServer) schedule(kind string, extent data.Extent, fn func(ctx context.Context)) bool {
	if s.ctx == nil || s.ctx.Err() != nil {
		return false
	}
	key := kind + "/" + extent.Key()
	task := &backgroundTask{kind: kind, extent: extent, queued: time.Now()}
	if _, loaded := s.busy.LoadOrStore(key, task); loaded {
		return false
	}
	s.work.Go(func() error {
		defer s.busy.Delete(key)
		fn(s.ctx)
		return nil
	})
	return true
}

// markRunning records that the scheduled task left the queue
func (s *TabletServer) markRunning(kind string, extent data.Extent) {
	if task, ok := s.busy.Load(kind + "/" + extent.Key()); ok {
		task.started.Store(time.Now().UnixMilli())
	}
}

// withPool runs fn while holding one slot of the pool
func withPool(ctx context.Context, pool *semaphore.Weighted, fn func() error) error {
	if err := pool.Acquire(ctx, 1); err != nil {
		return err
	}
	defer pool.Release(1)
	return fn()
}

func (s *TabletServer) memoryUsed() int64 {
	var total int64
	for _, tab := range s.tablets.OnlineSnapshot() {
		total += tab.MemoryUsed()
	}
	return total
}

// saveHistoricalStats rolls the stats of a tablet that is discarded into the node stats
func (s *TabletServer) saveHistoricalStats(reg gometrics.Registry) {
	reg.Each(func(name string, i interface{}) {
		switch m := i.(type) {
		case gometrics.Meter:
			gometrics.GetOrRegisterCounter(name, s.historical).Inc(m.Count())
		case gometrics.Timer:
			gometrics.GetOrRegisterCounter(name+".count", s.historical).Inc(m.Count())
			gometrics.GetOrRegisterCounter(name+".nanos", s.historical).Inc(m.Sum())
		case gometrics.Counter:
			gometrics.GetOrRegisterCounter(name, s.historical).Inc(m.Count())
		}
	})
}
