package conditional

import (
	"bytes"
	"context"

	"github.com/ValentinKolb/dTablet/lib/commit"
	"github.com/ValentinKolb/dTablet/lib/data"
	"github.com/ValentinKolb/dTablet/lib/rowlock"
	"github.com/ValentinKolb/dTablet/lib/session"
	"github.com/ValentinKolb/dTablet/lib/tablet"
	"github.com/VictoriaMetrics/metrics"
	"github.com/lni/dragonboat/v4/logger"
)

var Logger = logger.GetLogger("conditional")

// DefaultMaxPasses bounds the passes over the deferred mutations of one call
const DefaultMaxPasses = 1000

// Batch holds the conditional mutations for one extent
type Batch struct {
	Extent    data.Extent
	Mutations []data.ConditionalMutation
}

// Config of the engine
type Config struct {
	// MaxPasses is the maximum number of passes per extent (0 = DefaultMaxPasses)
	MaxPasses int
	Metrics   *metrics.Set
}

// Engine applies conditional mutations: rows are locked, the conditions are
// evaluated against the current state of the rows and the mutations that pass
// are written through the commit pipeline while the locks are held.
type Engine struct {
	locks    *rowlock.Table
	pipeline *commit.Pipeline
	resolve  commit.Resolver
	maxPass  int

	accepted *metrics.Counter
	rejected *metrics.Counter
	violated *metrics.Counter
	ignored  *metrics.Counter
	deferred *metrics.Counter
}

// NewEngine creates a conditional update engine
func NewEngine(cfg Config, locks *rowlock.Table, pipeline *commit.Pipeline, resolve commit.Resolver) *Engine {
	if cfg.MaxPasses <= 0 {
		cfg.MaxPasses = DefaultMaxPasses
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.NewSet()
	}
	return &Engine{
		locks:    locks,
		pipeline: pipeline,
		resolve:  resolve,
		maxPass:  cfg.MaxPasses,
		accepted: cfg.Metrics.GetOrCreateCounter(`dtablet_conditional_results_total{status="accepted"}`),
		rejected: cfg.Metrics.GetOrCreateCounter(`dtablet_conditional_results_total{status="rejected"}`),
		violated: cfg.Metrics.GetOrCreateCounter(`dtablet_conditional_results_total{status="violated"}`),
		ignored:  cfg.Metrics.GetOrCreateCounter(`dtablet_conditional_results_total{status="ignored"}`),
		deferred: cfg.Metrics.GetOrCreateCounter("dtablet_conditional_deferred_total"),
	}
}

// Apply processes the batches of a conditional session and returns one result per
// mutation. Predictable outcomes never fail the call: a tablet that is not
// served, a closed tablet or an interrupted session resolve as ignored.
func (e *Engine) Apply(ctx context.Context, cs *session.ConditionalState, batches []Batch) []data.Result {
	var results []data.Result
	for _, b := range batches {
		results = append(results, e.applyExtent(ctx, cs, b)...)
	}
	return results
}

func (e *Engine) applyExtent(ctx context.Context, cs *session.ConditionalState, b Batch) []data.Result {
	r := newResults(len(b.Mutations))

	t := e.resolve(b.Extent)
	if t == nil || cs.Interrupted.Load() {
		e.ignore(r, b.Mutations)
		return r.list
	}

	pending := make([]data.ConditionalMutation, len(b.Mutations))
	copy(pending, b.Mutations)
	data.SortConditionalMutations(pending)

	for pass := 0; len(pending) > 0; pass++ {
		if pass == e.maxPass {
			Logger.Warningf("%d conditional mutations for %s still deferred after %d passes", len(pending), b.Extent, pass)
			e.ignore(r, pending)
			break
		}
		if cs.Interrupted.Load() || t.Closed() {
			e.ignore(r, pending)
			break
		}
		if pass > 0 {
			e.deferred.Add(len(pending))
		}
		pending = e.pass(ctx, cs, t, pending, r)
	}
	return r.list
}

// pass handles the first mutation of every row of pending whose lock could be
// acquired and returns the mutations left for the next pass in row order
func (e *Engine) pass(ctx context.Context, cs *session.ConditionalState, t *tablet.Tablet, pending []data.ConditionalMutation, r *results) []data.ConditionalMutation {
	// only one mutation per row is evaluated, the condition of a later one may
	// depend on the earlier write
	var candidates, later []data.ConditionalMutation
	var rows [][]byte
	for i, cm := range pending {
		if i > 0 && bytes.Equal(pending[i-1].Mutation.Row, cm.Mutation.Row) {
			later = append(later, cm)
			continue
		}
		candidates = append(candidates, cm)
		rows = append(rows, cm.Mutation.Row)
	}

	held, _, err := e.locks.AcquireBatch(ctx, string(t.Extent().Table), rows)
	if err != nil {
		e.ignore(r, pending)
		return nil
	}
	defer rowlock.UnlockAll(held)

	var next []data.ConditionalMutation
	var passing []data.ConditionalMutation
	for _, cm := range candidates {
		if _, ok := held[string(cm.Mutation.Row)]; !ok {
			next = append(next, cm)
			continue
		}
		ok, err := t.CheckConditions(cm.Mutation.Row, cm.Conditions, cs.Auths)
		switch {
		case err != nil:
			Logger.Debugf("failed to check conditions of %d on %s: %v", cm.ID, t.Extent(), err)
			r.set(cm.ID, data.StatusIgnored)
			e.ignored.Inc()
		case !ok:
			r.set(cm.ID, data.StatusRejected)
			e.rejected.Inc()
		default:
			passing = append(passing, cm)
		}
	}
	e.commit(ctx, cs, t, passing, r)

	next = append(next, later...)
	data.SortConditionalMutations(next)
	return next
}

// commit writes the mutations whose conditions held, the row locks are held by the caller
func (e *Engine) commit(ctx context.Context, cs *session.ConditionalState, t *tablet.Tablet, passing []data.ConditionalMutation, r *results) {
	if len(passing) == 0 {
		return
	}
	if cs.Interrupted.Load() {
		e.ignore(r, passing)
		return
	}

	mutations := make([]*data.Mutation, len(passing))
	ids := make(map[*data.Mutation]int64, len(passing))
	for i, cm := range passing {
		mutations[i] = cm.Mutation
		ids[cm.Mutation] = cm.ID
	}

	prepared, err := e.pipeline.Prepare(t, mutations, cs.Durability)
	if err != nil {
		Logger.Errorf("failed to prepare conditional mutations for %s: %v", t.Extent(), err)
		e.resolveAll(r, passing, data.StatusUnknown)
		return
	}
	if prepared.Closed {
		e.ignore(r, passing)
		return
	}
	for _, m := range prepared.Violating {
		r.set(ids[m], data.StatusViolated)
		e.violated.Inc()
	}
	if err := e.pipeline.LogAndCommit(ctx, []*commit.Prepared{prepared}); err != nil {
		Logger.Errorf("failed to commit conditional mutations for %s: %v", t.Extent(), err)
		for _, m := range prepared.NonViolating {
			r.set(ids[m], data.StatusUnknown)
		}
		return
	}
	for _, m := range prepared.NonViolating {
		r.set(ids[m], data.StatusAccepted)
		e.accepted.Inc()
	}
}

func (e *Engine) ignore(r *results, cms []data.ConditionalMutation) {
	e.resolveAll(r, cms, data.StatusIgnored)
	e.ignored.Add(len(cms))
}

func (e *Engine) resolveAll(r *results, cms []data.ConditionalMutation, status data.Status) {
	for _, cm := range cms {
		r.set(cm.ID, status)
	}
}

// results collects the outcome of every mutation once
type results struct {
	list []data.Result
}

func newResults(n int) *results {
	return &results{list: make([]data.Result, 0, n)}
}

func (r *results) set(id int64, status data.Status) {
	r.list = append(r.list, data.Result{ID: id, Status: status})
}
