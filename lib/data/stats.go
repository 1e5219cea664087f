package data

// TabletStats is the status of one tablet
type TabletStats struct {
	Extent             Extent  `json:"extent"`
	NumEntries         int64   `json:"numEntries"`
	NumEntriesInMemory int64   `json:"numEntriesInMemory"`
	Files              int     `json:"files"`
	IngestRate         float64 `json:"ingestRate"`
	QueryRate          float64 `json:"queryRate"`
	MinorCompactions   int64   `json:"minorCompactions"`
	MajorCompactions   int64   `json:"majorCompactions"`
	Splits             int64   `json:"splits"`
}

// TableInfo aggregates the stats of all tablets of a table on a node
type TableInfo struct {
	OnlineTablets      int     `json:"onlineTablets"`
	OfflineTablets     int     `json:"offlineTablets"`
	Tablets            int     `json:"tablets"`
	Entries            int64   `json:"entries"`
	EntriesInMemory    int64   `json:"entriesInMemory"`
	IngestRate         float64 `json:"ingestRate"`
	QueryRate          float64 `json:"queryRate"`
	MinorCompactions   int64   `json:"minorCompactions"`
	MajorCompactions   int64   `json:"majorCompactions"`
	ActiveScans        int     `json:"activeScans"`
	QueuedCompactions  int     `json:"queuedCompactions"`
	RunningCompactions int     `json:"runningCompactions"`
}

// Add sums the tablet stats into the table info
func (ti *TableInfo) Add(ts TabletStats) {
	ti.Tablets++
	ti.OnlineTablets++
	ti.Entries += ts.NumEntries
	ti.EntriesInMemory += ts.NumEntriesInMemory
	ti.IngestRate += ts.IngestRate
	ti.QueryRate += ts.QueryRate
	ti.MinorCompactions += ts.MinorCompactions
	ti.MajorCompactions += ts.MajorCompactions
}

// ServerStatus is the status report of a tablet server
type ServerStatus struct {
	Name            string                `json:"name"`
	LastContact     int64                 `json:"lastContact"`
	Tables          map[TableID]TableInfo `json:"tables"`
	OSLoad          float64               `json:"osLoad"`
	HoldTimeMillis  int64                 `json:"holdTimeMillis"`
	Lookups         int64                 `json:"lookups"`
	FlushCount      int64                 `json:"flushCount"`
	SyncCount       int64                 `json:"syncCount"`
	QueuedBytes     int64                 `json:"queuedBytes"`
	OpenSessions    int                   `json:"openSessions"`
	ActiveLogs      []string              `json:"activeLogs,omitempty"`
	UnopenedTablets int                   `json:"unopenedTablets"`
	OpeningTablets  int                   `json:"openingTablets"`
}

// ActiveScan describes a scan session for status listings
type ActiveScan struct {
	SessionID  int64    `json:"sessionId"`
	User       string   `json:"user"`
	Table      TableID  `json:"table"`
	Extent     string   `json:"extent,omitempty"`
	Kind       string   `json:"kind"`
	AgeMillis  int64    `json:"ageMillis"`
	IdleMillis int64    `json:"idleMillis"`
	Columns    []Column `json:"columns,omitempty"`
	Running    bool     `json:"running"`
}

// ActiveCompaction is a queued or running compaction of a tablet
type ActiveCompaction struct {
	Extent Extent `json:"extent"`
	// Type is "minor" or "major"
	Type    string `json:"type"`
	Running bool   `json:"running"`
	// AgeMillis is the time since the compaction was queued
	AgeMillis int64 `json:"ageMillis"`
}
