package session

import (
	"sync"
	"sync/atomic"

	"github.com/ValentinKolb/dTablet/lib/data"
)

// Kind is the type of a session
type Kind uint8

const (
	KindScan Kind = iota
	KindMultiScan
	KindUpdate
	KindConditional
	KindSummary
)

func (k Kind) String() string {
	switch k {
	case KindScan:
		return "scan"
	case KindMultiScan:
		return "multiscan"
	case KindUpdate:
		return "update"
	case KindConditional:
		return "conditional"
	case KindSummary:
		return "summary"
	default:
		return "unknown"
	}
}

// Payload is the kind specific state of a session. The set of payloads is closed,
// callers resolve the kind with a type switch.
type Payload interface {
	Kind() Kind
	// Cleanup releases resources when the session is removed. It returns false if
	// background work is still running, the manager then retries later.
	Cleanup() bool
	isPayload()
}

// --------------------------------------------------------------------------
// Scans
// --------------------------------------------------------------------------

// ScanBatch is one batch of entries returned to a scan client
type ScanBatch struct {
	Entries []data.Entry
	More    bool
}

// ScanState is the payload of a single range scan of one tablet
type ScanState struct {
	Extent    data.Extent
	Range     data.Range
	Columns   []data.Column
	Auths     data.Authorizations
	BatchSize int
	// ReadaheadThreshold is the number of batches after which the next batch is read in the background
	ReadaheadThreshold int

	// Last is the last key returned, the next batch starts after it
	Last *data.Key
	// Next is the outstanding background fetch (nil if none)
	Next *Task[ScanBatch]

	BatchCount      int
	EntriesReturned int64
	Interrupt       atomic.Bool
}

func (*ScanState) Kind() Kind { return KindScan }
func (*ScanState) isPayload() {}

// Cleanup cancels an outstanding fetch
func (s *ScanState) Cleanup() bool {
	s.Interrupt.Store(true)
	if s.Next != nil && !s.Next.Done() {
		s.Next.Cancel()
	}
	return true
}

// MultiScanState is the payload of a scan over several ranges of one table
type MultiScanState struct {
	Table data.TableID
	// Ranges maps extent keys to the ranges still to be read
	Ranges  map[string][]data.Range
	Extents []data.Extent
	// After is the last key returned from the first remaining range
	After     *data.Key
	Columns   []data.Column
	Auths     data.Authorizations
	BatchSize int

	Next            *Task[MultiScanBatch]
	EntriesReturned int64
	Interrupt       atomic.Bool
}

// MultiScanBatch is one batch of a multi scan
type MultiScanBatch struct {
	Entries []data.Entry
	// Failures are extents that are not served by this node
	Failures []data.Extent
	// Unscanned holds the ranges left when the batch was full
	Unscanned map[string][]data.Range
	More      bool
}

func (*MultiScanState) Kind() Kind { return KindMultiScan }
func (*MultiScanState) isPayload() {}

func (s *MultiScanState) Cleanup() bool {
	s.Interrupt.Store(true)
	if s.Next != nil && !s.Next.Done() {
		s.Next.Cancel()
	}
	return true
}

// --------------------------------------------------------------------------
// Updates
// --------------------------------------------------------------------------

// QueuedMutations are the mutations of one tablet waiting to be committed
type QueuedMutations struct {
	Extent    data.Extent
	Mutations []*data.Mutation
}

// UpdateState is the payload of a batched update session
type UpdateState struct {
	Durability data.Durability

	Queued      map[string]*QueuedMutations
	QueuedBytes int64

	// FailedExtents maps extent keys to the number of mutations committed before the tablet failed
	FailedExtents     map[string]int64
	SuccessfulCommits map[string]int64
	AuthFailures      map[string]data.Extent
	Violations        []data.Violation

	FlushCount    int64
	TotalUpdates  int64
	CommitMillis  int64
	PrepareMillis int64

	// OnDrop is called with the size of the mutations discarded by Cleanup
	OnDrop func(queuedBytes int64)
}

// NewUpdateState creates an empty update payload
func NewUpdateState(durability data.Durability) *UpdateState {
	return &UpdateState{
		Durability:        durability,
		Queued:            make(map[string]*QueuedMutations),
		FailedExtents:     make(map[string]int64),
		SuccessfulCommits: make(map[string]int64),
		AuthFailures:      make(map[string]data.Extent),
	}
}

func (*UpdateState) Kind() Kind { return KindUpdate }
func (*UpdateState) isPayload() {}

// Cleanup drops all queued mutations, they were never acknowledged
func (s *UpdateState) Cleanup() bool {
	if s.OnDrop != nil && s.QueuedBytes > 0 {
		s.OnDrop(s.QueuedBytes)
	}
	s.Queued = make(map[string]*QueuedMutations)
	s.QueuedBytes = 0
	return true
}

// Enqueue adds a mutation for the tablet and returns its size
func (s *UpdateState) Enqueue(extent data.Extent, m *data.Mutation) int64 {
	q, ok := s.Queued[extent.Key()]
	if !ok {
		q = &QueuedMutations{Extent: extent}
		s.Queued[extent.Key()] = q
	}
	q.Mutations = append(q.Mutations, m)
	size := int64(m.SizeBytes())
	s.QueuedBytes += size
	return size
}

// Errors summarizes the failures of the session
func (s *UpdateState) Errors() data.UpdateErrors {
	res := data.UpdateErrors{Violations: s.Violations}
	if len(s.FailedExtents) > 0 {
		res.FailedExtents = make(map[string]int64, len(s.FailedExtents))
		for k, v := range s.FailedExtents {
			res.FailedExtents[k] = v
		}
	}
	for k := range s.AuthFailures {
		res.AuthFailures = append(res.AuthFailures, k)
	}
	return res
}

// --------------------------------------------------------------------------
// Conditional updates
// --------------------------------------------------------------------------

// ConditionalState is the payload of a conditional update session
type ConditionalState struct {
	Table      data.TableID
	Auths      data.Authorizations
	Durability data.Durability
	// Interrupted is set by invalidate, running and later batches resolve as ignored
	Interrupted atomic.Bool
}

func (*ConditionalState) Kind() Kind { return KindConditional }
func (*ConditionalState) isPayload() {}

func (s *ConditionalState) Cleanup() bool {
	s.Interrupted.Store(true)
	return true
}

// --------------------------------------------------------------------------
// Summaries
// --------------------------------------------------------------------------

// TableSummary aggregates the tablets of a table served by this node
type TableSummary struct {
	Table           data.TableID `json:"table"`
	Tablets         int          `json:"tablets"`
	Entries         int64        `json:"entries"`
	EntriesInMemory int64        `json:"entriesInMemory"`
	Files           int          `json:"files"`
	SizeBytes       int64        `json:"sizeBytes"`
}

// SummaryState is the payload of an asynchronous table summary
type SummaryState struct {
	Task *Task[TableSummary]
	mu   sync.Mutex
}

func (*SummaryState) Kind() Kind { return KindSummary }
func (*SummaryState) isPayload() {}

func (s *SummaryState) Cleanup() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Task != nil {
		s.Task.Cancel()
	}
	return true
}
