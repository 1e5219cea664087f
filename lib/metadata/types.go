package metadata

import (
	"encoding/json"

	"github.com/ValentinKolb/dTablet/lib/data"
)

// --------------------------------------------------------------------------
// Locations
// --------------------------------------------------------------------------

// Instance identifies one running tablet server: its address and the owner id
// of the node lock it acquired on startup. A restarted server is a new instance.
type Instance struct {
	Server  string `json:"server"`
	Session string `json:"session"`
}

// Equal compares address and session
func (i Instance) Equal(o Instance) bool {
	return i.Server == o.Server && i.Session == o.Session
}

func (i Instance) String() string {
	return i.Server + "[" + i.Session + "]"
}

// Suspension is written instead of removing the location when a tablet is
// unloaded with the suspend goal, so it can be reassigned to the same server.
type Suspension struct {
	Server     string `json:"server"`
	TimeMillis int64  `json:"timeMillis"`
}

// --------------------------------------------------------------------------
// Tablet metadata
// --------------------------------------------------------------------------

// FileInfo describes a data file of a tablet
type FileInfo struct {
	Size    int64 `json:"size"`
	Entries int64 `json:"entries"`
}

// TabletMetadata is the persisted state of one tablet
type TabletMetadata struct {
	Extent data.Extent `json:"extent"`
	// PrevRowSet is false for entries that were never fully written
	PrevRowSet bool   `json:"prevRowSet"`
	Dir        string `json:"dir,omitempty"`
	// Time is the highest timestamp assigned by the tablet (nil = unknown)
	Time *int64 `json:"time,omitempty"`

	Future  *Instance   `json:"future,omitempty"`
	Current *Instance   `json:"current,omitempty"`
	Last    *Instance   `json:"last,omitempty"`
	Suspend *Suspension `json:"suspend,omitempty"`

	Files        map[string]FileInfo `json:"files,omitempty"`
	FlushID      int64               `json:"flushId"`
	CompactionID int64               `json:"compactionId"`
	// Logs lists the write-ahead logs that hold unflushed data of the tablet
	Logs []string `json:"logs,omitempty"`

	// set while a split is in progress, see FixSplit
	OldPrevEndRow    []byte  `json:"oldPrevEndRow,omitempty"`
	HasOldPrevEndRow bool    `json:"hasOldPrevEndRow,omitempty"`
	SplitRatio       float64 `json:"splitRatio,omitempty"`
}

// Clone returns a deep copy
func (m *TabletMetadata) Clone() *TabletMetadata {
	b, _ := json.Marshal(m)
	var c TabletMetadata
	_ = json.Unmarshal(b, &c)
	return &c
}

// AddLog records a WAL reference once
func (m *TabletMetadata) AddLog(id string) {
	for _, l := range m.Logs {
		if l == id {
			return
		}
	}
	m.Logs = append(m.Logs, id)
}

// NumEntries sums the entries of all files
func (m *TabletMetadata) NumEntries() int64 {
	var n int64
	for _, f := range m.Files {
		n += f.Entries
	}
	return n
}

// --------------------------------------------------------------------------
// Table configuration
// --------------------------------------------------------------------------

// ConstraintSpec names a built-in constraint and its argument
type ConstraintSpec struct {
	Name string `json:"name"`
	Arg  string `json:"arg,omitempty"`
}

// TableConfig is the per-table configuration read by the tablet servers
type TableConfig struct {
	Table       data.TableID     `json:"table"`
	Name        string           `json:"name"`
	Durability  data.Durability  `json:"durability"`
	Constraints []ConstraintSpec `json:"constraints,omitempty"`
	// SplitThreshold is the size in bytes above which a tablet is split (0 = server default)
	SplitThreshold int64 `json:"splitThreshold,omitempty"`
	// MaxVersions is the number of versions returned per column (0 = 1)
	MaxVersions int `json:"maxVersions,omitempty"`
	// FlushID and CompactionID are incremented to request a flush or compaction of the whole table
	FlushID      int64 `json:"flushId"`
	CompactionID int64 `json:"compactionId"`
	// Permissions maps user names to granted table permissions
	Permissions map[string][]string `json:"permissions,omitempty"`
}

// --------------------------------------------------------------------------
// WAL markers
// --------------------------------------------------------------------------

// WALState is the life cycle state of a write-ahead log
type WALState string

const (
	WALOpen         WALState = "open"
	WALClosed       WALState = "closed"
	WALUnreferenced WALState = "unreferenced"
)
