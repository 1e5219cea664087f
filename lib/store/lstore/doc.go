// Package lstore implements a local, in-memory, single-node key-value store based on the
// store.IStore interface. It is a thin wrapper around any db.KVDB implementation with
// automatic write index management. Data is not persisted between process restarts.
//
// Implementation Details:
//
//   - Write Index Management: The store maintains an atomic counter that increments with
//     each write operation. Every 1024 writes the underlying database is garbage collected.
//
//   - Clock: Relative deletion times (deleteIn) are converted into absolute unix
//     milliseconds with the local clock, reads pass the current time to the database.
//
// Usage Example:
//
//	s := lstore.NewLocalStore(func() db.KVDB { return ordered.NewOrderedDB() })
//
//	// Store a value that is removed after 5 seconds
//	err := s.SetE("/locks/tserver/node-1", owner, 5000)
//
//	// List everything below a prefix
//	entries, err := s.Scan("/locks/tserver/", 0)
//
// The local store is used for single node deployments and tests. For deployments with
// more than one node use the dstore package, which provides a RAFT-based implementation
// of the same interface.
package lstore
