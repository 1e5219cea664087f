package commit

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/ValentinKolb/dTablet/lib/data"
	"github.com/ValentinKolb/dTablet/lib/session"
	"github.com/ValentinKolb/dTablet/lib/tablet"
	"github.com/ValentinKolb/dTablet/lib/wal"
	"github.com/VictoriaMetrics/metrics"
	"github.com/cockroachdb/errors"
	"github.com/lni/dragonboat/v4/logger"
)

var Logger = logger.GetLogger("commit")

// ErrTabletClosed is returned by single mutation writes to a tablet that closed
var ErrTabletClosed = errors.New("tablet closed")

// ViolationsError is returned by single mutation writes that violate a constraint
type ViolationsError struct {
	Violations []data.Violation
}

func (e *ViolationsError) Error() string {
	parts := make([]string, len(e.Violations))
	for i, v := range e.Violations {
		parts[i] = fmt.Sprintf("%s(%d): %s", v.Constraint, v.Code, v.Description)
	}
	return "constraint violation: " + strings.Join(parts, ", ")
}

// WAL is the part of the node log used by the pipeline
type WAL interface {
	LogManyTablets(ctx context.Context, batch []wal.TabletMutations) (string, error)
}

// Resolver returns the online tablet of an extent, nil if it is not served
type Resolver func(extent data.Extent) *tablet.Tablet

// Config of the commit pipeline
type Config struct {
	// MaxQueuedBytes is the node wide limit of queued mutations before a session is flushed
	MaxQueuedBytes int64
	// HoldTimeout is the maximum time a writer waits while commits are disabled
	HoldTimeout time.Duration
	Retry       RetryPolicy
	// Metrics is the set the pipeline registers its metrics in (nil = own set)
	Metrics *metrics.Set
}

// Pipeline writes mutations: constraints are checked, the mutations are logged and
// then committed to the tablets. It is shared by all write paths of a node.
type Pipeline struct {
	cfg     Config
	wal     WAL
	gate    *Gate
	resolve Resolver

	queuedBytes atomic.Int64

	commits    *metrics.Counter
	mutations  *metrics.Counter
	violations *metrics.Counter
	retries    *metrics.Counter
	logTime    *metrics.Histogram
}

// NewPipeline creates a commit pipeline
func NewPipeline(cfg Config, log WAL, gate *Gate, resolve Resolver) *Pipeline {
	if cfg.Retry == nil {
		cfg.Retry = Immediate()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.NewSet()
	}
	p := &Pipeline{
		cfg:        cfg,
		wal:        log,
		gate:       gate,
		resolve:    resolve,
		commits:    cfg.Metrics.GetOrCreateCounter("dtablet_commits_total"),
		mutations:  cfg.Metrics.GetOrCreateCounter("dtablet_mutations_total"),
		violations: cfg.Metrics.GetOrCreateCounter("dtablet_constraint_violations_total"),
		retries:    cfg.Metrics.GetOrCreateCounter("dtablet_wal_retries_total"),
		logTime:    cfg.Metrics.GetOrCreateHistogram("dtablet_wal_write_duration_seconds"),
	}
	cfg.Metrics.GetOrCreateGauge("dtablet_queued_mutation_bytes", func() float64 {
		return float64(p.queuedBytes.Load())
	})
	return p
}

// QueuedBytes returns the size of all queued mutations of the node
func (p *Pipeline) QueuedBytes() int64 {
	return p.queuedBytes.Load()
}

// Gate returns the commit gate of the pipeline
func (p *Pipeline) Gate() *Gate {
	return p.gate
}

// --------------------------------------------------------------------------
// Prepare / log / commit
// --------------------------------------------------------------------------

// Prepared is a batch of one tablet ready to be logged
type Prepared struct {
	Tablet       *tablet.Tablet
	NonViolating []*data.Mutation
	Violating    []*data.Mutation
	Violations   []data.Violation
	// Session is nil if nothing has to be committed
	Session *tablet.CommitSession
	// Closed is set if the tablet did not accept the batch, nothing of it was committed
	Closed     bool
	Durability data.Durability
}

// Prepare checks the constraints of the mutations and opens a commit session.
// requested is the durability of the writer, it is combined with the table setting.
func (p *Pipeline) Prepare(t *tablet.Tablet, mutations []*data.Mutation, requested data.Durability) (*Prepared, error) {
	res := &Prepared{
		Tablet:     t,
		Durability: data.ResolveDurability(requested, t.TableConfig().Durability),
	}
	prepared, err := t.Prepare(mutations)
	switch {
	case errors.Is(err, tablet.ErrClosed):
		res.Closed = true
		return res, nil
	case err != nil:
		return nil, err
	}
	res.NonViolating = prepared.NonViolating
	res.Violating = prepared.Violating
	res.Violations = prepared.Violations
	res.Session = prepared.Session
	if len(res.Violating) > 0 {
		p.violations.Add(len(res.Violating))
	}
	return res, nil
}

// LogAndCommit writes the commit sessions of all batches to the log and commits
// them afterwards. Recoverable log errors are retried as long as the retry policy
// allows it. If the batch can not be logged all sessions are aborted and nothing
// is committed.
//
// Once logging started the batch is not canceled by ctx.
func (p *Pipeline) LogAndCommit(ctx context.Context, batches []*Prepared) error {
	var entries []wal.TabletMutations
	var sessions []*Prepared
	for _, b := range batches {
		if b == nil || b.Session == nil {
			continue
		}
		sessions = append(sessions, b)
		entries = append(entries, wal.TabletMutations{
			Extent:     b.Tablet.Extent(),
			Seq:        b.Session.Seq,
			Mutations:  b.Session.Mutations,
			Durability: b.Durability,
			OnLog:      b.Session.UseLog,
		})
	}
	if len(sessions) == 0 {
		return nil
	}

	logID, err := p.logWithRetry(context.WithoutCancel(ctx), entries)
	if err != nil {
		for _, b := range sessions {
			b.Session.Abort()
		}
		return err
	}
	for _, b := range sessions {
		id := logID
		if b.Durability <= data.DurabilityNone {
			id = ""
		}
		b.Session.Commit(id)
		p.mutations.Add(len(b.Session.Mutations))
	}
	p.commits.Inc()
	return nil
}

func (p *Pipeline) logWithRetry(ctx context.Context, entries []wal.TabletMutations) (string, error) {
	for attempt := 1; ; attempt++ {
		start := time.Now()
		logID, err := p.wal.LogManyTablets(ctx, entries)
		p.logTime.UpdateDuration(start)
		if err == nil {
			return logID, nil
		}
		if !errors.Is(err, wal.ErrRecoverable) {
			return "", errors.Wrap(err, "write to log")
		}
		wait, ok := p.cfg.Retry.Next(attempt)
		if !ok {
			return "", errors.Wrapf(err, "write to log failed after %d attempts", attempt)
		}
		p.retries.Inc()
		Logger.Warningf("failed to write to log (attempt %d), retrying in %s: %v", attempt, wait, err)
		if wait > 0 {
			time.Sleep(wait)
		}
	}
}

// --------------------------------------------------------------------------
// Write paths
// --------------------------------------------------------------------------

// Single writes one mutation. Constraint violations are returned as *ViolationsError,
// a closed tablet as ErrTabletClosed.
func (p *Pipeline) Single(ctx context.Context, t *tablet.Tablet, m *data.Mutation, durability data.Durability) error {
	if err := p.gate.WaitUntilCommitsAreEnabled(ctx, p.cfg.HoldTimeout); err != nil {
		return err
	}
	prepared, err := p.Prepare(t, []*data.Mutation{m}, durability)
	if err != nil {
		return err
	}
	if prepared.Closed {
		return ErrTabletClosed
	}
	if len(prepared.Violations) > 0 {
		return &ViolationsError{Violations: prepared.Violations}
	}
	return p.LogAndCommit(ctx, []*Prepared{prepared})
}

// Apply queues the mutations of an update session. Mutations for extents that
// failed before are dropped. If the queued mutations of the node exceed the
// limit, the session is flushed.
func (p *Pipeline) Apply(ctx context.Context, us *session.UpdateState, extent data.Extent, mutations []*data.Mutation) error {
	if _, failed := us.FailedExtents[extent.Key()]; failed {
		return nil
	}
	var added int64
	for _, m := range mutations {
		added += us.Enqueue(extent, m)
	}
	us.TotalUpdates += int64(len(mutations))
	if p.queuedBytes.Add(added) >= p.cfg.MaxQueuedBytes && p.cfg.MaxQueuedBytes > 0 {
		return p.Flush(ctx, us)
	}
	return nil
}

// Flush commits all queued mutations of an update session. Tablets that are not
// served or closed are recorded as failed extents, violations are summarized in
// the session. If commits are held too long the queue is kept and ErrHoldTimeout
// is returned.
func (p *Pipeline) Flush(ctx context.Context, us *session.UpdateState) error {
	if len(us.Queued) == 0 {
		return nil
	}
	if err := p.gate.WaitUntilCommitsAreEnabled(ctx, p.cfg.HoldTimeout); err != nil {
		return err
	}

	queued := us.Queued
	queuedBytes := us.QueuedBytes
	us.Queued = make(map[string]*session.QueuedMutations)
	us.QueuedBytes = 0
	defer p.queuedBytes.Add(-queuedBytes)

	start := time.Now()
	var batches []*Prepared
	for key, q := range queued {
		t := p.resolve(q.Extent)
		if t == nil {
			us.FailedExtents[key] = us.SuccessfulCommits[key]
			continue
		}
		prepared, err := p.Prepare(t, q.Mutations, us.Durability)
		if err != nil {
			abortAll(batches)
			return err
		}
		if prepared.Closed {
			us.FailedExtents[key] = us.SuccessfulCommits[key]
			continue
		}
		if len(prepared.Violations) > 0 {
			us.Violations = data.MergeViolations(us.Violations, prepared.Violations...)
		}
		batches = append(batches, prepared)
	}
	us.PrepareMillis += time.Since(start).Milliseconds()

	start = time.Now()
	if err := p.LogAndCommit(ctx, batches); err != nil {
		return err
	}
	us.CommitMillis += time.Since(start).Milliseconds()
	us.FlushCount++
	for _, b := range batches {
		us.SuccessfulCommits[b.Tablet.Extent().Key()] += int64(len(b.NonViolating))
	}
	return nil
}

// NewUpdateState creates the payload of an update session. Mutations still
// queued when the session is dropped are subtracted from the node wide counter.
func (p *Pipeline) NewUpdateState(durability data.Durability) *session.UpdateState {
	us := session.NewUpdateState(durability)
	us.OnDrop = func(queuedBytes int64) { p.queuedBytes.Add(-queuedBytes) }
	return us
}

// Release drops the queued mutations of a session that is removed
func (p *Pipeline) Release(us *session.UpdateState) {
	us.Cleanup()
}

func abortAll(batches []*Prepared) {
	for _, b := range batches {
		if b.Session != nil {
			b.Session.Abort()
		}
	}
}
