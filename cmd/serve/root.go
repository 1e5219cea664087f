package serve

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	cmdUtil "github.com/ValentinKolb/dTablet/cmd/util"
	"github.com/ValentinKolb/dTablet/lib/db/util"
	"github.com/ValentinKolb/dTablet/lib/tserver"
	"github.com/ValentinKolb/dTablet/rpc/common"
	"github.com/ValentinKolb/dTablet/rpc/serializer"
	"github.com/ValentinKolb/dTablet/rpc/server"
	"github.com/ValentinKolb/dTablet/rpc/transport"
	"github.com/ValentinKolb/dTablet/rpc/transport/http"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	serveCmdConfig = &common.ServerConfig{}
	ServeCmd       = &cobra.Command{
		Use:     "serve",
		Short:   "Start a tablet server node",
		Long:    `Start a tablet server node with the specified configuration. The configuration can be set via command line flags or environment variables. The format of the environment variables is DTABLET_<flag> (e.g. DTABLET_LOCK_TTL=10s)`,
		PreRunE: processConfig,
		RunE:    run,
	}
)

func init() {
	// initialize viper
	cobra.OnInitialize(cmdUtil.InitConfig)

	defaults := tserver.DefaultConfig()
	flags := ServeCmd.PersistentFlags()

	// node

	key := "endpoint"
	flags.String(key, "0.0.0.0:8080", cmdUtil.WrapString("The address on which the API will listen"))

	key = "log-level"
	flags.String(key, "info", cmdUtil.WrapString("LogLevel is the level at which logs will be output (debug, info, warn, error)"))

	key = "coordination"
	flags.String(key, common.CoordinationLocal, cmdUtil.WrapString("Where the coordination store and the coordinator lock live: local (single node, in memory) or raft (replicated across the cluster members)"))

	// raft

	key = "rtt-millisecond"
	flags.Int(key, 100, cmdUtil.WrapString("(raft) RTTMillisecond defines the average Round Trip Time (RTT) in milliseconds between two NodeHost instances. \nOther raft configuration parameters (ElectionRTT=value/10, HeartbeatRTT=value/100) are derived from this value"))

	key = "snapshot-entries"
	flags.Int(key, 10, cmdUtil.WrapString("(raft) SnapshotEntries defines how often the coordination store is snapshotted, in applied Raft log entries. 0 disables automatic snapshots"))

	key = "compaction-overhead"
	flags.Int(key, 5, cmdUtil.WrapString("(raft) CompactionOverhead defines the number of snapshots that are retained. Recommended value is about 1/2 of SnapshotEntries"))

	key = "raft-dir"
	flags.String(key, "raft", cmdUtil.WrapString("(raft) The directory of the raft logs and snapshots"))

	key = "replica-id"
	flags.String(key, "", cmdUtil.WrapString("(raft) ReplicaID is the unique name of this node within the cluster (e.g. 'node-1')"))

	key = "cluster-members"
	flags.String(key, "", cmdUtil.WrapString("(raft) ClusterMembers is a comma-separated list of raft addresses in the format 'node-1=localhost:63001,node-2=localhost:63002,...'"))

	key = "timeout"
	flags.Int64(key, 5, cmdUtil.WrapString("(raft) Timeout in seconds of coordination store requests"))

	// tablet server

	key = "server"
	flags.String(key, defaults.Server, cmdUtil.WrapString("The address clients and coordinators use for this node. It names the node lock and the write-ahead logs"))

	key = "data-dir"
	flags.String(key, defaults.DataDir, cmdUtil.WrapString("The directory of the tablet files and the write-ahead logs"))

	key = "root-password"
	flags.String(key, "", cmdUtil.WrapString("Creates the root user on startup if set (better set DTABLET_ROOT_PASSWORD)"))

	key = "standalone"
	flags.Bool(key, false, cmdUtil.WrapString("Assign all unassigned tablets to this node, for single node setups without coordinator"))

	key = "lock-ttl"
	flags.Duration(key, defaults.LockTTL, cmdUtil.WrapString("The ttl of the node lock. The node halts if it cannot refresh the lock in time"))

	key = "wal-max-size"
	flags.Int64(key, defaults.WALMaxSize, cmdUtil.WrapString("Size in bytes after which the write-ahead log is rolled over"))

	key = "wal-retry-max-attempts"
	flags.Int(key, defaults.WALRetryMaxAttempts, cmdUtil.WrapString("How often a failed log write is retried, 0 retries until it succeeds"))

	key = "scan-batch-size"
	flags.Int(key, defaults.ScanBatchSize, cmdUtil.WrapString("Default number of entries in a scan batch"))

	key = "scan-idle"
	flags.Duration(key, defaults.ScanIdle, cmdUtil.WrapString("Scan sessions idle for longer are closed"))

	key = "update-idle"
	flags.Duration(key, defaults.UpdateIdle, cmdUtil.WrapString("Update and conditional sessions idle for longer are closed"))

	key = "hold-timeout"
	flags.Duration(key, defaults.HoldTimeout, cmdUtil.WrapString("How long writes wait for memory before they fail"))

	key = "memory-limit"
	flags.Int64(key, defaults.MemoryLimit, cmdUtil.WrapString("Bytes of in-memory maps after which writes are held until minor compactions free memory"))

	key = "max-conditional-passes"
	flags.Int(key, defaults.MaxConditionalPasses, cmdUtil.WrapString("Upper bound of retry passes of a conditional update batch"))

	key = "split-threshold"
	flags.Int64(key, defaults.SplitThreshold, cmdUtil.WrapString("Tablets with more bytes in their files are split"))

	key = "maintenance-interval"
	flags.Duration(key, defaults.MaintenanceInterval, cmdUtil.WrapString("How often the maintenance loop checks for compactions and splits"))

	key = "compaction-rate"
	flags.Int(key, defaults.CompactionRate, cmdUtil.WrapString("Bytes per second written by major compactions, 0 is unlimited"))
}

// processConfig reads the configuration from the command line flags and environment variables and converts them to the server configuration
func processConfig(cmd *cobra.Command, _ []string) error {
	// bind the flags to viper
	if err := viper.BindPFlags(cmd.Flags()); err != nil {
		return err
	}

	// shards follow from the coordination mode
	serveCmdConfig.Coordination = viper.GetString("coordination")
	shards, err := common.DefaultShards(serveCmdConfig.Coordination)
	if err != nil {
		return err
	}
	serveCmdConfig.Shards = shards

	// read the configuration from the command line flags and environment variables
	serveCmdConfig.RTTMillisecond = viper.GetUint64("rtt-millisecond")
	serveCmdConfig.SnapshotEntries = viper.GetUint64("snapshot-entries")
	serveCmdConfig.CompactionOverhead = viper.GetUint64("compaction-overhead")
	serveCmdConfig.RaftDir = viper.GetString("raft-dir")
	serveCmdConfig.TimeoutSecond = viper.GetInt64("timeout")
	serveCmdConfig.Endpoint = viper.GetString("endpoint")
	serveCmdConfig.LogLevel = viper.GetString("log-level")

	// parse replica id
	if id := viper.GetString("replica-id"); id != "" {
		serveCmdConfig.ReplicaID = util.HashString(id, 0)
	} else if serveCmdConfig.HasRemoteShard() {
		// error only if cluster mode
		return fmt.Errorf("ReplicaId is required for raft coordination")
	}

	// parse cluster members
	if clusterMembers := viper.GetString("cluster-members"); clusterMembers != "" {
		serveCmdConfig.ClusterMembers = make(map[uint64]string)
		for _, member := range strings.Split(clusterMembers, ",") {
			parts := strings.Split(member, "=")
			if len(parts) != 2 {
				return fmt.Errorf("invalid cluster member format: %s (expected ID=address)", member)
			}
			serveCmdConfig.ClusterMembers[util.HashString(parts[0], 0)] = parts[1]
		}
	} else if serveCmdConfig.HasRemoteShard() {
		// error only if cluster mode
		return fmt.Errorf("ClusterMembers is required for raft coordination")
	}

	// tablet server
	ts := tserver.DefaultConfig()
	ts.Server = viper.GetString("server")
	ts.DataDir = viper.GetString("data-dir")
	ts.RootPassword = viper.GetString("root-password")
	ts.Standalone = viper.GetBool("standalone")
	ts.LockTTL = viper.GetDuration("lock-ttl")
	ts.WALMaxSize = viper.GetInt64("wal-max-size")
	ts.WALRetryMaxAttempts = viper.GetInt("wal-retry-max-attempts")
	ts.ScanBatchSize = viper.GetInt("scan-batch-size")
	ts.ScanIdle = viper.GetDuration("scan-idle")
	ts.UpdateIdle = viper.GetDuration("update-idle")
	ts.HoldTimeout = viper.GetDuration("hold-timeout")
	ts.MemoryLimit = viper.GetInt64("memory-limit")
	ts.MaxConditionalPasses = viper.GetInt("max-conditional-passes")
	ts.SplitThreshold = viper.GetInt64("split-threshold")
	ts.MaintenanceInterval = viper.GetDuration("maintenance-interval")
	ts.CompactionRate = viper.GetInt("compaction-rate")
	if err := ts.Validate(); err != nil {
		return err
	}
	serveCmdConfig.TabletServer = ts

	return serveCmdConfig.Validate()
}

// run starts the node and serves it until SIGINT or SIGTERM
func run(_ *cobra.Command, _ []string) error {

	// parse the serializer
	var s serializer.IRPCSerializer
	switch viper.GetString("serializer") {
	case "json":
		s = serializer.NewJSONSerializer()
	case "gob":
		s = serializer.NewGOBSerializer()
	case "binary":
		s = serializer.NewBinarySerializer()
	default:
		return fmt.Errorf("invalid serializer %s", viper.GetString("serializer"))
	}

	// Parse the transport
	var t transport.IRPCServerTransport
	switch viper.GetString("transport") {
	case "http":
		t = http.NewHttpServerTransport()
	default:
		return fmt.Errorf("invalid transport %s", viper.GetString("transport"))
	}

	serv := server.NewRPCServer(
		*serveCmdConfig,
		t,
		s,
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	return serv.Serve(ctx)
}
