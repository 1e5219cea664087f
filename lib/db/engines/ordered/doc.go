// Package ordered implements the db.KVDB interface on top of a generic btree
// (github.com/google/btree). All keys are kept in lexicographic order, which is
// what the coordination store needs to list tablet metadata, WAL markers and
// coordinator inbox messages by prefix.
//
// Entries may carry an absolute deletion time (unix milliseconds). Reads take the
// current time as a parameter, so an entry is invisible as soon as its deletion
// time has passed, even before GarbageCollect physically removes it.
//
// Snapshots use a simple binary format:
//
//	| magic (8) | version (1) | write index (8) | count (8) | entries ... |
//
// where every entry is encoded as key length, key, deletion time, write index,
// value length and value.
package ordered
