// Package testing is the conformance suite of db.KVDB implementations. It
// covers writes, deletion times at a given clock, CompareAndSet, prefix scans
// and snapshots.
//
//	dbtesting.RunKVDBTests(t, "ordered", func() db.KVDB { return ordered.NewOrderedDB() })
package testing
