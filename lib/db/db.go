package db

import "io"

// --------------------------------------------------------------------------
// Helper Types
// --------------------------------------------------------------------------

type Implementation string

const (
	ImplOrdered Implementation = "ordered"
)

type DatabaseInfo struct {
	SizeBytes int            `json:"size_bytes"`
	Entries   int            `json:"entries"`
	DbType    Implementation `json:"db_type"`
	Metadata  interface{}    `json:"metadata"`
}

// KV is a single key-value pair returned by range reads
type KV struct {
	Key   string `json:"key"`
	Value []byte `json:"value"`
}

// --------------------------------------------------------------------------
// Database Interface
// --------------------------------------------------------------------------

// KVDB defines an interface for the ordered key-value databases backing the coordination store.
// Keys are kept in lexicographic order so that all entries below a prefix can be listed.
//
// Time based deletion uses absolute wall clock timestamps in unix milliseconds. The caller passes
// the current time to every read, so replicas that apply the same log agree on the result.
type KVDB interface {

	// --------------------------------------------------------------------------
	// Write Operations
	// --------------------------------------------------------------------------

	// Set inserts or updates an entry with the given key, value, and writeIndex.
	// If the key already exists, the old value (and its deletion time) is overwritten.
	// The writeIndex parameter is used as a logical timestamp for the entry.
	Set(key string, value []byte, writeIndex uint64)

	// SetE inserts or updates an entry that is deleted at deleteAt (unix ms, 0 = never).
	SetE(key string, value []byte, writeIndex uint64, deleteAt uint64)

	// SetEIfUnset inserts an entry only if no live entry exists for the key.
	// It returns true if the value was written.
	SetEIfUnset(key string, value []byte, writeIndex uint64, deleteAt uint64, now uint64) (ok bool)

	// CompareAndSet replaces the value of the key if the current value equals expected.
	// A nil expected value requires the key to be absent. It returns true if the value was written.
	CompareAndSet(key string, expected, value []byte, writeIndex uint64, deleteAt uint64, now uint64) (ok bool)

	// Delete removes an entry with the specified key.
	Delete(key string, writeIndex uint64)

	// GarbageCollect physically removes all entries whose deletion time has passed.
	// It returns the number of removed entries.
	GarbageCollect(now uint64) (removed int)

	// --------------------------------------------------------------------------
	// Query Operations
	// --------------------------------------------------------------------------

	// Get retrieves the value for an exact key.
	// The boolean return value indicates whether a live value for the key was found.
	Get(key string, now uint64) (value []byte, loaded bool)

	// Has checks whether a live entry for the key exists.
	Has(key string, now uint64) (loaded bool)

	// Scan returns all live entries whose key starts with prefix in key order.
	// A limit of 0 means no limit.
	Scan(prefix string, now uint64, limit int) (entries []KV)

	// --------------------------------------------------------------------------
	// Persistence Operations
	// --------------------------------------------------------------------------

	// Save persists the current state of the database to the provided io.Writer.
	Save(w io.Writer) (err error)

	// Load restores the database state data provided by an io.Reader.
	Load(r io.Reader) (err error)

	// GetInfo returns information about the database.
	GetInfo() (info DatabaseInfo)

	// --------------------------------------------------------------------------
	// Write Index Operations
	// --------------------------------------------------------------------------

	// SetWriteIdx sets the current index of the database only if the provided index is greater than the current index.
	SetWriteIdx(index uint64)

	// WriteIdx returns the current index of the database .
	WriteIdx() (index uint64)

	// Close closes the database.
	Close() (err error)
}
