package session

import (
	"context"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/ValentinKolb/dTablet/lib/data"
	"github.com/ValentinKolb/dTablet/lib/db/util"
	"github.com/lni/dragonboat/v4/logger"
	"github.com/puzpuzpuz/xsync/v3"
)

var Logger = logger.GetLogger("session")

// State of the reservation of a session
type State uint8

const (
	StateUnreserved State = iota
	StateReserved
	StateRemoved
)

// Session is the common header of all sessions, the kind specific state is the Payload
type Session struct {
	ID        int64
	User      string
	Table     data.TableID
	StartTime time.Time
	Payload   Payload

	mu         sync.Mutex
	cond       *sync.Cond
	state      State
	lastAccess time.Time
	// accesses counts reservations, see RemoveIfNotAccessed
	accesses uint64
	// cleanupPending is set if the session was removed while reserved
	cleanupPending bool
}

// State returns the reservation state
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// LastAccess returns the time the session was last unreserved
func (s *Session) LastAccess() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastAccess
}

// Config of the session manager
type Config struct {
	// MaxIdle is the idle timeout of scan sessions
	MaxIdle time.Duration
	// MaxUpdateIdle is the idle timeout of update and conditional sessions
	MaxUpdateIdle time.Duration
	// SweepInterval is the period of the background idle sweep
	SweepInterval time.Duration
}

// Manager is the registry of the sessions of a node
type Manager struct {
	cfg      Config
	clock    func() time.Time
	sessions *xsync.MapOf[int64, *Session]

	mu       sync.Mutex
	idle     *util.MapHeap[int64] // unreserved sessions by idle deadline (unix ms)
	deferred []*Session           // removed sessions whose cleanup has to be retried

	stop chan struct{}
	wg   sync.WaitGroup
}

// NewManager creates a session manager
func NewManager(cfg Config) *Manager {
	return newManager(cfg, time.Now)
}

func newManager(cfg Config, clock func() time.Time) *Manager {
	return &Manager{
		cfg:      cfg,
		clock:    clock,
		sessions: xsync.NewMapOf[int64, *Session](),
		idle:     util.NewMapHeap[int64](),
	}
}

func (m *Manager) maxIdle(s *Session) time.Duration {
	switch s.Payload.Kind() {
	case KindUpdate, KindConditional:
		return m.cfg.MaxUpdateIdle
	default:
		return m.cfg.MaxIdle
	}
}

// --------------------------------------------------------------------------
// Registry
// --------------------------------------------------------------------------

// Create registers a new session and returns it with a unique non-zero id.
// If reserve is set the session is returned reserved by the caller.
func (m *Manager) Create(user string, table data.TableID, payload Payload, reserve bool) *Session {
	now := m.clock()
	s := &Session{
		User:       user,
		Table:      table,
		StartTime:  now,
		Payload:    payload,
		lastAccess: now,
	}
	s.cond = sync.NewCond(&s.mu)
	if reserve {
		s.state = StateReserved
		s.accesses = 1
	}
	for {
		id := rand.Int64()
		if id == 0 {
			continue
		}
		s.ID = id
		if _, loaded := m.sessions.LoadOrStore(id, s); !loaded {
			break
		}
	}
	if !reserve {
		m.track(s)
	}
	return s
}

// Get returns the session without reserving it
func (m *Manager) Get(id int64) *Session {
	s, _ := m.sessions.Load(id)
	return s
}

// Reserve marks the session as exclusively held by the caller. It returns nil if
// the session does not exist, was removed or is reserved by someone else.
func (m *Manager) Reserve(id int64) *Session {
	s, ok := m.sessions.Load(id)
	if !ok {
		return nil
	}
	s.mu.Lock()
	if s.state != StateUnreserved {
		if s.state == StateReserved {
			Logger.Debugf("session %d is already reserved", id)
		}
		s.mu.Unlock()
		return nil
	}
	s.state = StateReserved
	s.accesses++
	s.mu.Unlock()
	m.untrack(s)
	return s
}

// ReserveWait waits until the session is no longer reserved and reserves it.
// It returns nil if the session does not exist or was removed while waiting.
func (m *Manager) ReserveWait(ctx context.Context, id int64) *Session {
	s, ok := m.sessions.Load(id)
	if !ok {
		return nil
	}
	stop := context.AfterFunc(ctx, func() {
		s.mu.Lock()
		s.cond.Broadcast()
		s.mu.Unlock()
	})
	defer stop()

	s.mu.Lock()
	for s.state == StateReserved && ctx.Err() == nil {
		s.cond.Wait()
	}
	if s.state != StateUnreserved {
		s.mu.Unlock()
		return nil
	}
	s.state = StateReserved
	s.accesses++
	s.mu.Unlock()
	m.untrack(s)
	return s
}

// Unreserve releases the reservation. If the session was removed while it was
// reserved, its cleanup runs now.
func (m *Manager) Unreserve(s *Session) {
	s.mu.Lock()
	s.lastAccess = m.clock()
	switch s.state {
	case StateReserved:
		s.state = StateUnreserved
		s.cond.Broadcast()
		s.mu.Unlock()
		m.track(s)
	case StateRemoved:
		pending := s.cleanupPending
		s.cleanupPending = false
		s.cond.Broadcast()
		s.mu.Unlock()
		if pending {
			m.cleanup(s)
		}
	default:
		s.mu.Unlock()
	}
}

// Remove deletes the session from the registry and returns it (nil if unknown).
// If possiblyRunning is set and another caller holds the reservation, the cleanup
// is left to that caller's Unreserve, otherwise it runs immediately.
func (m *Manager) Remove(id int64, possiblyRunning bool) *Session {
	s, ok := m.sessions.LoadAndDelete(id)
	if !ok {
		return nil
	}
	m.untrack(s)

	s.mu.Lock()
	wasReserved := s.state == StateReserved
	s.state = StateRemoved
	s.cond.Broadcast()
	if wasReserved && possiblyRunning {
		s.cleanupPending = true
		s.mu.Unlock()
		return s
	}
	s.mu.Unlock()
	m.cleanup(s)
	return s
}

// RemoveIfNotAccessed removes the session after delay, unless it was reserved
// again in the meantime or is still reserved.
func (m *Manager) RemoveIfNotAccessed(id int64, delay time.Duration) {
	s, ok := m.sessions.Load(id)
	if !ok {
		return
	}
	s.mu.Lock()
	accesses := s.accesses
	s.mu.Unlock()

	time.AfterFunc(delay, func() {
		s2, ok := m.sessions.Load(id)
		if !ok || s2 != s {
			return
		}
		s.mu.Lock()
		remove := s.accesses == accesses && s.state == StateUnreserved
		if remove {
			s.state = StateRemoved
			s.cond.Broadcast()
		}
		s.mu.Unlock()
		if remove {
			Logger.Infof("closing not accessed %s session %d from user %s after %s", s.Payload.Kind(), id, s.User, delay)
			m.sessions.Delete(id)
			m.untrack(s)
			m.cleanup(s)
		}
	})
}

// Len returns the number of registered sessions
func (m *Manager) Len() int {
	return m.sessions.Size()
}

// Range calls fn for every registered session
func (m *Manager) Range(fn func(s *Session) bool) {
	m.sessions.Range(func(_ int64, s *Session) bool { return fn(s) })
}

// --------------------------------------------------------------------------
// Idle tracking
// --------------------------------------------------------------------------

func (m *Manager) track(s *Session) {
	s.mu.Lock()
	deadline := s.lastAccess.Add(m.maxIdle(s)).UnixMilli()
	s.mu.Unlock()
	m.mu.Lock()
	m.idle.AddItem(s.ID, deadline)
	m.mu.Unlock()
}

func (m *Manager) untrack(s *Session) {
	m.mu.Lock()
	m.idle.RemoveByKey(s.ID)
	m.mu.Unlock()
}

func (m *Manager) cleanup(s *Session) {
	if !s.Payload.Cleanup() {
		m.mu.Lock()
		m.deferred = append(m.deferred, s)
		m.mu.Unlock()
	}
}

// Sweep removes all sessions that were not accessed within their idle timeout
// and retries deferred cleanups. It returns the number of removed sessions.
func (m *Manager) Sweep() int {
	now := m.clock()

	m.mu.Lock()
	var expired []int64
	for {
		it, ok := m.idle.Peek()
		if !ok || it.Priority > now.UnixMilli() {
			break
		}
		m.idle.PopMin()
		expired = append(expired, it.Key)
	}
	deferred := m.deferred
	m.deferred = nil
	m.mu.Unlock()

	for _, s := range deferred {
		m.cleanup(s)
	}

	removed := 0
	for _, id := range expired {
		s, ok := m.sessions.Load(id)
		if !ok {
			continue
		}
		s.mu.Lock()
		// same millisecond precision as the deadline in the heap
		idle := s.state == StateUnreserved && now.UnixMilli() >= s.lastAccess.Add(m.maxIdle(s)).UnixMilli()
		retrack := s.state == StateUnreserved && !idle
		if idle {
			s.state = StateRemoved
			s.cond.Broadcast()
		}
		s.mu.Unlock()
		if retrack {
			m.track(s)
		}
		if !idle {
			continue
		}
		Logger.Infof("closing idle %s session %d from user %s, idle for %s", s.Payload.Kind(), id, s.User, now.Sub(s.LastAccess()))
		m.sessions.Delete(id)
		m.cleanup(s)
		removed++
	}
	return removed
}

// Start runs the idle sweep in the background until Stop is called
func (m *Manager) Start() {
	interval := m.cfg.SweepInterval
	if interval <= 0 {
		interval = time.Second
	}
	m.stop = make(chan struct{})
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				m.Sweep()
			case <-m.stop:
				return
			}
		}
	}()
}

// Stop ends the background sweep and removes all sessions
func (m *Manager) Stop() {
	if m.stop != nil {
		close(m.stop)
		m.wg.Wait()
		m.stop = nil
	}
	m.sessions.Range(func(id int64, _ *Session) bool {
		m.Remove(id, true)
		return true
	})
}

// --------------------------------------------------------------------------
// Status
// --------------------------------------------------------------------------

// ActiveScans lists the scan sessions
func (m *Manager) ActiveScans() []data.ActiveScan {
	now := m.clock()
	var res []data.ActiveScan
	m.sessions.Range(func(id int64, s *Session) bool {
		s.mu.Lock()
		running := s.state == StateReserved
		last := s.lastAccess
		s.mu.Unlock()

		as := data.ActiveScan{
			SessionID:  id,
			User:       s.User,
			Table:      s.Table,
			Kind:       s.Payload.Kind().String(),
			AgeMillis:  now.Sub(s.StartTime).Milliseconds(),
			IdleMillis: now.Sub(last).Milliseconds(),
			Running:    running,
		}
		switch p := s.Payload.(type) {
		case *ScanState:
			as.Extent = p.Extent.String()
			as.Columns = p.Columns
		case *MultiScanState:
			as.Columns = p.Columns
		default:
			return true
		}
		res = append(res, as)
		return true
	})
	return res
}

// ActiveScansPerTable counts the scan sessions of every table
func (m *Manager) ActiveScansPerTable() map[data.TableID]int {
	res := make(map[data.TableID]int)
	m.sessions.Range(func(_ int64, s *Session) bool {
		switch s.Payload.(type) {
		case *ScanState, *MultiScanState:
			res[s.Table]++
		}
		return true
	})
	return res
}
