// Package internal holds the wire types of the dstore package.
//
// Commands are the writes of the coordination store. They are stored in the
// RAFT log, so they use a compact binary layout:
//
//	type      1 byte   (Set, SetE, SetEIfUnset, CompareAndSet, Delete, GarbageCollect)
//	now       8 bytes  proposer clock in unix ms, big endian
//	deleteIn  8 bytes  big endian, 0 = no deletion time
//	keyLen    4 bytes  big endian
//	expLen    4 bytes  big endian, 0xFFFFFFFF = no expected value
//	key       keyLen bytes
//	expected  expLen bytes (CompareAndSet only)
//	value     rest of the buffer
//
// Queries are the reads. They never leave the process (SyncRead hands them to
// the local state machine), so they are plain structs.
package internal
