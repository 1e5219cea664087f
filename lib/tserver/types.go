package tserver

import (
	"github.com/ValentinKolb/dTablet/lib/data"
)

// --------------------------------------------------------------------------
// Scans
// --------------------------------------------------------------------------

// ScanRequest starts a scan of one tablet
type ScanRequest struct {
	Extent    data.Extent         `json:"extent"`
	Range     data.Range          `json:"range"`
	Columns   []data.Column       `json:"columns,omitempty"`
	Auths     data.Authorizations `json:"auths,omitempty"`
	BatchSize int                 `json:"batchSize,omitempty"`
}

// ScanResult is one batch of a scan. More is set if the client has to continue.
type ScanResult struct {
	SessionID int64        `json:"sessionId"`
	Entries   []data.Entry `json:"entries,omitempty"`
	More      bool         `json:"more"`
}

// ExtentRanges are the ranges to read from one extent
type ExtentRanges struct {
	Extent data.Extent  `json:"extent"`
	Ranges []data.Range `json:"ranges"`
}

// MultiScanRequest starts a scan over several extents of one table
type MultiScanRequest struct {
	Table     data.TableID        `json:"table"`
	Batches   []ExtentRanges      `json:"batches"`
	Columns   []data.Column       `json:"columns,omitempty"`
	Auths     data.Authorizations `json:"auths,omitempty"`
	BatchSize int                 `json:"batchSize,omitempty"`
}

// MultiScanResult is one batch of a multi scan. Failures are extents this node
// does not serve, the client has to read them elsewhere.
type MultiScanResult struct {
	SessionID int64          `json:"sessionId"`
	Entries   []data.Entry   `json:"entries,omitempty"`
	Failures  []data.Extent  `json:"failures,omitempty"`
	Unscanned []ExtentRanges `json:"unscanned,omitempty"`
	More      bool           `json:"more"`
}

// --------------------------------------------------------------------------
// Writes
// --------------------------------------------------------------------------

// ConditionalBatch holds the conditional mutations of one extent
type ConditionalBatch struct {
	Extent    data.Extent                `json:"extent"`
	Mutations []data.ConditionalMutation `json:"mutations"`
}

// --------------------------------------------------------------------------
// Coordinator commands
// --------------------------------------------------------------------------

// UnloadGoal decides what happens to the location of an unloaded tablet
type UnloadGoal uint8

const (
	// GoalUnassign removes the location, the tablet is assigned anew
	GoalUnassign UnloadGoal = iota
	// GoalSuspend records the node so the tablet can come back to it
	GoalSuspend
	// GoalDelete is used for tablets of deleted tables
	GoalDelete
)

func (g UnloadGoal) String() string {
	switch g {
	case GoalUnassign:
		return "unassign"
	case GoalSuspend:
		return "suspend"
	case GoalDelete:
		return "delete"
	default:
		return "unknown"
	}
}
