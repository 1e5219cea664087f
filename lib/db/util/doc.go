// Package util provides small data structures shared by the tablet server.
//
// The package contains:
//   - functions: Hash functions (node names to raft replica ids)
//   - mapheap: A priority queue with key based access, used for idle session eviction
//   - lockfreempsc: A lock-free Multi-Producer Single-Consumer (MPSC) queue with batch
//     draining, used by the WAL group commit
package util
