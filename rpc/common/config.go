package common

import (
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"

	"github.com/ValentinKolb/dTablet/lib/tserver"
	"github.com/cockroachdb/errors"
	"github.com/lni/dragonboat/v4/config"
)

// --------------------------------------------------------------------------
// helper functions for to interface with Dragonboat (for the server util)
// --------------------------------------------------------------------------

// Dragonboat uses RTT (Round Trip Time) to determine the timing of elections and heartbeats.
// These default values are selected according to the RAFT Paper
const (
	electionRTTFactor  = 10
	heartbeatRTTFactor = 1
)

// ToDragonboatConfig converts the ServerConfig to Dragonboat Config
func (c *ServerConfig) ToDragonboatConfig(shardId uint64) config.Config {
	return config.Config{
		ReplicaID:          c.ReplicaID,
		ShardID:            shardId,
		ElectionRTT:        electionRTTFactor,  // = c.RTTMillisecond * 10
		HeartbeatRTT:       heartbeatRTTFactor, // = c.RTTMillisecond * 1
		CheckQuorum:        true,
		SnapshotEntries:    c.SnapshotEntries,
		CompactionOverhead: c.CompactionOverhead,
		MaxInMemLogSize:    0,
	}
}

// ToNodeHostConfig creates a NodeHostConfig for Dragonboat
func (c *ServerConfig) ToNodeHostConfig() config.NodeHostConfig {
	return config.NodeHostConfig{
		WALDir:         c.RaftDir,
		NodeHostDir:    c.RaftDir,
		RTTMillisecond: c.RTTMillisecond,
		RaftAddress:    c.ClusterMembers[c.ReplicaID],
	}
}

// --------------------------------------------------------------------------
// RPC server configuration struct
// --------------------------------------------------------------------------

type ServerShardType string

const (
	ShardTypeLocalIStore        ServerShardType = "local store"
	ShardTypeRemoteIStore       ServerShardType = "remote store"
	ShardTypeLocalILockManager  ServerShardType = "local lock manager"
	ShardTypeRemoteILockManager ServerShardType = "remote lock manager"
	ShardTypeTabletServer       ServerShardType = "tablet server"
)

// Coordination store modes
const (
	CoordinationLocal = "local"
	CoordinationRaft  = "raft"
)

// Shard ids of the default layout
const (
	TabletServerShard uint64 = 1
	CoordStoreShard   uint64 = 2
	CoordLockShard    uint64 = 3
)

type ServerShard struct {
	// ShardID is the ID of the shard
	ShardID uint64
	// Type decides which adapter serves the shard
	Type ServerShardType
	// Store names the shard whose store backs a lock manager or tablet server
	// shard (0 = the shard has its own store, not allowed for a tablet server)
	Store uint64
}

// IsRemote reports whether the shard is replicated with RAFT
func (s ServerShard) IsRemote() bool {
	return s.Type == ShardTypeRemoteIStore || s.Type == ShardTypeRemoteILockManager
}

// DefaultShards returns the shard layout of a node: the tablet server on shard 1
// backed by the coordination store on shard 2, with a lock manager on the same
// store on shard 3
func DefaultShards(mode string) ([]ServerShard, error) {
	storeType, lockType := ShardTypeLocalIStore, ShardTypeLocalILockManager
	switch mode {
	case CoordinationLocal:
	case CoordinationRaft:
		storeType, lockType = ShardTypeRemoteIStore, ShardTypeRemoteILockManager
	default:
		return nil, errors.Newf("invalid coordination mode %q, must be %s or %s", mode, CoordinationLocal, CoordinationRaft)
	}
	return []ServerShard{
		{ShardID: TabletServerShard, Type: ShardTypeTabletServer, Store: CoordStoreShard},
		{ShardID: CoordStoreShard, Type: storeType},
		{ShardID: CoordLockShard, Type: lockType, Store: CoordStoreShard},
	}, nil
}

// ServerConfig holds all configuration parameters of a node
type ServerConfig struct {
	Shards []ServerShard

	// Coordination is the mode of the coordination store (local or raft)
	Coordination string

	// Dragonboat parameters
	RTTMillisecond     uint64
	SnapshotEntries    uint64
	CompactionOverhead uint64
	RaftDir            string
	ReplicaID          uint64
	ClusterMembers     map[uint64]string

	// remote kvStore parameters
	TimeoutSecond int64

	// HTTP api settings
	Endpoint string

	// Logging configuration
	LogLevel string

	// TabletServer configures the tablet server shard
	TabletServer tserver.Config
}

// HasRemoteShard checks if the configuration contains any remote shards
func (c *ServerConfig) HasRemoteShard() bool {
	for _, shard := range c.Shards {
		if shard.IsRemote() {
			return true
		}
	}
	return false
}

// Validate checks that every shard reference resolves
func (c *ServerConfig) Validate() error {
	byID := make(map[uint64]ServerShard, len(c.Shards))
	for _, shard := range c.Shards {
		if _, dup := byID[shard.ShardID]; dup {
			return errors.Newf("shard %d is configured twice", shard.ShardID)
		}
		byID[shard.ShardID] = shard
	}
	for _, shard := range c.Shards {
		if shard.Store == 0 {
			if shard.Type == ShardTypeTabletServer {
				return errors.Newf("tablet server shard %d needs a coordination store", shard.ShardID)
			}
			continue
		}
		backing, ok := byID[shard.Store]
		if !ok {
			return errors.Newf("shard %d refers to unknown store shard %d", shard.ShardID, shard.Store)
		}
		if backing.Store != 0 || backing.Type == ShardTypeTabletServer {
			return errors.Newf("shard %d must refer to a shard with its own store", shard.ShardID)
		}
	}
	if c.HasRemoteShard() {
		if _, ok := c.ClusterMembers[c.ReplicaID]; !ok {
			return errors.Newf("replica %d is not a cluster member", c.ReplicaID)
		}
	}
	return nil
}

// String returns a formatted string representation of the configuration
func (c *ServerConfig) String() string {
	var sb strings.Builder

	// Create helper functions for consistent formatting
	addSection := func(title string) {
		sb.WriteString("\n")
		sb.WriteString(fmt.Sprintf("%s\n", strings.ToUpper(title)))
	}

	addField := func(name, value string) {
		sb.WriteString(fmt.Sprintf("  %-22s: %s\n", name, value))
	}

	// RPC settings
	addSection("RPC Server")
	addField("Endpoint", c.Endpoint)
	addField("Timeout", fmt.Sprintf("%d sec", c.TimeoutSecond))
	addField("Coordination", c.Coordination)

	// Logging configuration
	addSection("Logging")
	addField("Log Level", c.LogLevel)

	// Shards
	addSection("Shards")
	for _, shard := range c.Shards {
		desc := string(shard.Type)
		if shard.Store != 0 {
			desc = fmt.Sprintf("%s (store of shard %d)", desc, shard.Store)
		}
		addField(strconv.FormatUint(shard.ShardID, 10), desc)
	}

	if c.HasRemoteShard() {
		// Node Identity
		addSection("Node Identity")
		addField("RAFT Address", c.ClusterMembers[c.ReplicaID])
		addField("Node ID", strconv.FormatUint(c.ReplicaID, 10))

		// RAFT parameters
		addSection("RAFT Parameters")
		addField("Round Trip Time (ms)", fmt.Sprintf("%d ms", c.RTTMillisecond))
		addField("Election RTT (ms)", fmt.Sprintf("%d", c.RTTMillisecond*electionRTTFactor))
		addField("Heartbeat RTT (ms)", fmt.Sprintf("%d", c.RTTMillisecond*heartbeatRTTFactor))
		addField("Check Quorum", fmt.Sprintf("%t", true))
		addField("Snapshot Entries", fmt.Sprintf("%d", c.SnapshotEntries))
		addField("Compaction Overhead", fmt.Sprintf("%d", c.CompactionOverhead))

		// Storage
		addSection("Storage")
		addField("RAFT Directory", c.RaftDir)

		addSection("Cluster")
		sb.WriteString("  Initial Cluster Members:\n")

		// Sort keys for consistent output
		var keys []uint64
		for k := range c.ClusterMembers {
			keys = append(keys, k)
		}
		sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })

		for _, k := range keys {
			sb.WriteString(fmt.Sprintf("    Node %d: %s\n", k, c.ClusterMembers[k]))
		}
	}

	for _, shard := range c.Shards {
		if shard.Type == ShardTypeTabletServer {
			sb.WriteString(c.TabletServer.String())
			break
		}
	}
	return sb.String()
}

// --------------------------------------------------------------------------
// RPC client configuration struct
// --------------------------------------------------------------------------

type ClientConfig struct {
	Endpoints              []string
	TimeoutSecond          int
	RetryCount             int
	ConnectionsPerEndpoint int
}

// String returns a formatted string representation of the client configuration
func (c *ClientConfig) String() string {
	var sb strings.Builder

	// Create helper functions for consistent formatting
	addSection := func(title string) {
		sb.WriteString("\n")
		sb.WriteString(fmt.Sprintf("%s\n", strings.ToUpper(title)))
	}

	addField := func(name, value string) {
		sb.WriteString(fmt.Sprintf("  %-22s: %s\n", name, value))
	}

	// General Client Settings
	addSection("Client Configuration")
	addField("Timeout", fmt.Sprintf("%d sec", c.TimeoutSecond))
	addField("Retry Count", strconv.Itoa(c.RetryCount))
	addField("Connections Per Endpoint", strconv.Itoa(int(math.Max(1, float64(c.ConnectionsPerEndpoint)))))

	// Endpoints
	addSection("Endpoints")
	for i, endpoint := range c.Endpoints {
		addField(strconv.Itoa(i), endpoint)
	}

	return sb.String()
}
