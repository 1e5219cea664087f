// Package db provides a standardized interface for the ordered key-value databases
// that back the coordination store (tablet metadata, locks, WAL markers, users).
//
// Key Components:
//
//   - KVDB Interface: The core interface that all database implementations must satisfy.
//     It provides methods for basic operations (Set, Get, Has, Delete),
//     conditional writes (SetEIfUnset, CompareAndSet), prefix scans (Scan),
//     time-based deletion (SetE, GarbageCollect), metadata retrieval (GetInfo)
//     and persistence operations (Save, Load).
//
//   - Implementation Identifiers: The Implementation type provides string constants
//     for different database backends (currently "ordered").
//
// Note on Time-Based Operations:
//   - Write Operations: All write operations require a write-index parameter that serves
//     as a logical timestamp and is used to track the last applied raft entry.
//   - Deletion Times: Entries may carry an absolute deletion time in unix milliseconds.
//     Every read receives the current time from the caller. When the database backs a
//     replicated state machine the proposer's clock is part of the command, so all
//     replicas agree on which entries are alive.
//   - Monotonicity Guarantee: All implementations must ensure that the write-index only increases
//     monotonically. Attempts to set a write-index lower than the current one must be ignored.
//
// Note on Garbage Collection:
//   - Get(), Has() and Scan() must never return an entry whose deletion time has passed,
//     even if the entry still exists internally pending collection.
//
// Related Packages:
//
// The engines/ordered package provides a btree based implementation.
//
// The util package provides complementary tools:
//   - MapHeap: A priority queue with key based access (used for idle session eviction)
//   - LockFreeMPSC: A lock-free multi-producer single-consumer queue (used for WAL group commit)
//
// The testing package provides a conformance suite for KVDB implementations.
package db
