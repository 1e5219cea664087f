// Package store provides the interface of the coordination key-value store.
//
// The tablet server keeps everything that has to survive a node failure or that is
// shared between nodes in this store: tablet metadata, table configuration, node and
// coordinator locks, WAL markers, coordinator inbox messages and user credentials.
// The store is an external collaborator of the tablet server, the server only relies
// on atomic single key writes (SetEIfUnset, CompareAndSet), point lookups and ordered
// prefix scans.
//
// Key Components:
//
//   - IStore Interface: The abstraction all implementations share.
//
//   - Error System: A structured error type with return codes, so callers can distinguish
//     invalid operations from internal failures.
//
//   - DBFactory: A function type that abstracts the creation of the underlying db.KVDB.
//
// Implementations:
//
//   - Local Store (lstore): a single node store directly on top of a db.KVDB.
//   - Distributed Store (dstore): a store replicated with the Dragonboat RAFT library.
//   - RPC Store (rpc/client): a client for a store served by a remote dtablet node.
package store
