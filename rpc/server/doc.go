// Package server implements the RPC server of a node. It creates the shards
// listed in the configuration, binds an adapter to each of them and routes the
// requests of the transport to the adapter of the addressed shard.
//
// Key Components:
//
//   - IRPCServerAdapter: Interface of all adapters, Handle turns a request
//     message into a response message.
//
//   - NewIStoreServerAdapter: Serves the operations of a store.IStore. Used for
//     the coordination store, tools read tablet metadata through it.
//
//   - NewLockManagerServerAdapter: Serves a lockmgr.ILockManager on top of a
//     store. The coordinator acquires its lock through it, the tablet server
//     verifies the lock id of coordinator commands against the same store.
//
//   - NewTabletServerAdapter: Serves the client protocol, the coordinator
//     commands, status and administration of a tserver.TabletServer. Requests
//     and responses travel as json payload, errors keep their code.
//
//   - RPCServer: Creates the stores (local, or replicated with dragonboat),
//     the adapters and the tablet server, and runs the transport.
//
// Shard layout:
//
// Shards with their own store are created first. Lock manager and tablet
// server shards name the store they run on, so a lock manager and a tablet
// server can share the coordination store:
//
//	Shards: []common.ServerShard{
//	  {ShardID: 1, Type: common.ShardTypeTabletServer, Store: 2},
//	  {ShardID: 2, Type: common.ShardTypeLocalIStore},
//	  {ShardID: 3, Type: common.ShardTypeLocalILockManager, Store: 2},
//	}
//
// common.DefaultShards builds this layout for local or raft coordination. With
// raft the store shards use RAFT (RTTMillisecond, SnapshotEntries,
// CompactionOverhead, RaftDir, ReplicaID and ClusterMembers must be set).
//
// Thread Safety:
//
//	Adapters are safe for concurrent use, the transport may call them from many
//	goroutines. Serve must be called only once.
package server
