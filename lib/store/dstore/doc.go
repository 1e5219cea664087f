// Package dstore implements store.IStore on a Dragonboat RAFT shard. In raft
// coordination mode it holds everything the nodes of a cluster share: tablet
// assignments, table configurations, users, WAL markers, the node and
// coordinator locks and the coordinator inbox.
//
// The package has two parts:
//
//   - distributedStore is the client side. Writes are encoded as an
//     internal.Command and proposed with SyncPropose, reads are an internal.Query
//     sent with SyncRead (GetDBInfo uses StaleRead). ErrSystemBusy is retried
//     with a short backoff until the timeout of the store.
//
//   - stateMachine is a dragonboat IConcurrentStateMachine around a db.KVDB. It
//     applies commands in log order and serves queries concurrently.
//
// Every command carries the wall clock of the proposing node in unix
// milliseconds. Deletion times are derived from it, so all replicas expire the
// same keys regardless of their own clocks.
//
// Snapshots are fuzzy: the state machine saves the db while updates continue
// and a recovering replica loads the snapshot and then replays the log behind it.
//
// Example:
//
//	nh, _ := dragonboat.NewNodeHost(nodeHostConfig)
//	dbFactory := func() db.KVDB { return ordered.NewOrderedDB() }
//	err := nh.StartConcurrentReplica(members, false, dstore.CreateStateMaschineFactory(dbFactory), shardConfig)
//	st := dstore.NewDistributedStore(nh, shardID, 5*time.Second)
//
// For tests and single node deployments lstore implements the same interface in
// memory.
package dstore
