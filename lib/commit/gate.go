package commit

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"
)

// ErrHoldTimeout is returned if commits stayed disabled longer than the hold timeout
var ErrHoldTimeout = errors.New("commits are held")

// Gate blocks writers while commits are disabled, e.g. under memory pressure
type Gate struct {
	mu       sync.Mutex
	enabled  bool
	changed  chan struct{} // closed and replaced on every state change
	holdTime atomic.Int64  // accumulated nanoseconds writers waited
}

// NewGate creates a gate with commits enabled
func NewGate() *Gate {
	return &Gate{enabled: true, changed: make(chan struct{})}
}

func (g *Gate) set(enabled bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.enabled == enabled {
		return
	}
	g.enabled = enabled
	close(g.changed)
	g.changed = make(chan struct{})
}

// Disable holds all writers until Enable is called
func (g *Gate) Disable() { g.set(false) }

// Enable releases the held writers
func (g *Gate) Enable() { g.set(true) }

// Enabled reports whether commits are enabled
func (g *Gate) Enabled() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.enabled
}

// HoldTime returns the accumulated time writers were held
func (g *Gate) HoldTime() time.Duration {
	return time.Duration(g.holdTime.Load())
}

// WaitUntilCommitsAreEnabled blocks while commits are disabled. It fails with
// ErrHoldTimeout after holdTimeout, the request can be retried by the client.
func (g *Gate) WaitUntilCommitsAreEnabled(ctx context.Context, holdTimeout time.Duration) error {
	g.mu.Lock()
	if g.enabled {
		g.mu.Unlock()
		return nil
	}
	g.mu.Unlock()

	start := time.Now()
	defer func() { g.holdTime.Add(int64(time.Since(start))) }()

	timer := time.NewTimer(holdTimeout)
	defer timer.Stop()
	for {
		g.mu.Lock()
		if g.enabled {
			g.mu.Unlock()
			return nil
		}
		changed := g.changed
		g.mu.Unlock()

		select {
		case <-changed:
		case <-timer.C:
			return errors.Wrapf(ErrHoldTimeout, "held for %s", time.Since(start))
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
