package tserver

import (
	"fmt"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
)

// Config holds all parameters of a tablet server node
type Config struct {
	// Server is the address of the node, it names the node lock and its logs
	Server  string
	DataDir string

	// write-ahead log
	WALMaxSize          int64
	WALRetryInitial     time.Duration
	WALRetryMax         time.Duration
	WALRetryFactor      float64
	WALRetryMaxAttempts int // 0 = retry until the write succeeds

	// sessions
	ScanIdle      time.Duration
	UpdateIdle    time.Duration
	ClientTimeout time.Duration
	// ScanWait bounds the time a scan call waits for its batch
	ScanWait           time.Duration
	ScanBatchSize      int
	ReadaheadThreshold int

	// writes
	MaxQueuedBytes       int64
	HoldTimeout          time.Duration
	MemoryLimit          int64
	MaxConditionalPasses int

	// maintenance
	SplitThreshold      int64
	MaintenanceInterval time.Duration
	CompactionRate      int // bytes per second written by major compactions, 0 = unlimited

	// pool sizes per resource class
	AssignmentPool      int
	MetaAssignmentPool  int
	ReadaheadPool       int
	MinorCompactionPool int
	MajorCompactionPool int
	SplitPool           int
	MigrationPool       int

	// LockTTL is the ttl of the node lock, it is refreshed every LockTTL/3
	LockTTL time.Duration
	// Standalone makes the node assign all unassigned tablets to itself
	Standalone bool
	// RootPassword creates the root user on startup if set
	RootPassword string
}

// DefaultConfig returns the default configuration
func DefaultConfig() Config {
	return Config{
		Server:               "localhost:8080",
		DataDir:              "data",
		WALMaxSize:           1 << 30,
		WALRetryInitial:      0,
		WALRetryMax:          time.Second,
		WALRetryFactor:       2,
		ScanIdle:             time.Minute,
		UpdateIdle:           time.Minute,
		ClientTimeout:        3 * time.Second,
		ScanWait:             time.Second,
		ScanBatchSize:        1000,
		ReadaheadThreshold:   3,
		MaxQueuedBytes:       64 << 20,
		HoldTimeout:          5 * time.Minute,
		MemoryLimit:          1 << 30,
		MaxConditionalPasses: 1000,
		SplitThreshold:       1 << 30,
		MaintenanceInterval:  time.Second,
		AssignmentPool:       1,
		MetaAssignmentPool:   1,
		ReadaheadPool:        16,
		MinorCompactionPool:  4,
		MajorCompactionPool:  1,
		SplitPool:            1,
		MigrationPool:        1,
		LockTTL:              30 * time.Second,
	}
}

// Validate checks the configuration
func (c *Config) Validate() error {
	switch {
	case c.Server == "":
		return errors.New("server address is required")
	case c.DataDir == "":
		return errors.New("data directory is required")
	case c.LockTTL < 3*time.Millisecond:
		return errors.Newf("lock ttl %s is too short", c.LockTTL)
	case c.ScanWait <= 0:
		return errors.Newf("scan wait %s must be positive", c.ScanWait)
	case c.AssignmentPool < 1 || c.MetaAssignmentPool < 1 || c.ReadaheadPool < 1 ||
		c.MinorCompactionPool < 1 || c.MajorCompactionPool < 1 || c.SplitPool < 1 || c.MigrationPool < 1:
		return errors.New("pool sizes must be at least 1")
	}
	return nil
}

// String returns a formatted string representation of the configuration
func (c *Config) String() string {
	var sb strings.Builder

	addSection := func(title string) {
		sb.WriteString("\n")
		sb.WriteString(fmt.Sprintf("%s\n", strings.ToUpper(title)))
	}

	addField := func(name, value string) {
		sb.WriteString(fmt.Sprintf("  %-22s: %s\n", name, value))
	}

	addSection("Tablet Server")
	addField("Server", c.Server)
	addField("Data Directory", c.DataDir)
	addField("Standalone", fmt.Sprintf("%t", c.Standalone))
	addField("Lock TTL", c.LockTTL.String())

	addSection("Write-Ahead Log")
	addField("Max Size", fmt.Sprintf("%d bytes", c.WALMaxSize))
	addField("Retry", fmt.Sprintf("%s..%s x%.1f", c.WALRetryInitial, c.WALRetryMax, c.WALRetryFactor))
	if c.WALRetryMaxAttempts == 0 {
		addField("Retry Attempts", "unbounded")
	} else {
		addField("Retry Attempts", fmt.Sprintf("%d", c.WALRetryMaxAttempts))
	}

	addSection("Sessions")
	addField("Scan Idle", c.ScanIdle.String())
	addField("Update Idle", c.UpdateIdle.String())
	addField("Client Timeout", c.ClientTimeout.String())
	addField("Scan Wait", c.ScanWait.String())
	addField("Scan Batch Size", fmt.Sprintf("%d", c.ScanBatchSize))
	addField("Readahead Threshold", fmt.Sprintf("%d", c.ReadaheadThreshold))

	addSection("Writes")
	addField("Max Queued", fmt.Sprintf("%d bytes", c.MaxQueuedBytes))
	addField("Hold Timeout", c.HoldTimeout.String())
	addField("Memory Limit", fmt.Sprintf("%d bytes", c.MemoryLimit))
	addField("Conditional Passes", fmt.Sprintf("%d", c.MaxConditionalPasses))

	addSection("Maintenance")
	addField("Interval", c.MaintenanceInterval.String())
	addField("Split Threshold", fmt.Sprintf("%d bytes", c.SplitThreshold))
	if c.CompactionRate == 0 {
		addField("Compaction Rate", "unlimited")
	} else {
		addField("Compaction Rate", fmt.Sprintf("%d bytes/sec", c.CompactionRate))
	}

	addSection("Pools")
	addField("Assignment", fmt.Sprintf("%d", c.AssignmentPool))
	addField("Meta Assignment", fmt.Sprintf("%d", c.MetaAssignmentPool))
	addField("Readahead", fmt.Sprintf("%d", c.ReadaheadPool))
	addField("Minor Compaction", fmt.Sprintf("%d", c.MinorCompactionPool))
	addField("Major Compaction", fmt.Sprintf("%d", c.MajorCompactionPool))
	addField("Split", fmt.Sprintf("%d", c.SplitPool))
	addField("Migration", fmt.Sprintf("%d", c.MigrationPool))
	return sb.String()
}
