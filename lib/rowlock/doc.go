// Package rowlock implements the row lock table used by conditional updates.
//
// A conditional mutation reads the current state of its row, evaluates its
// conditions and writes. The row lock makes these steps atomic with respect to
// other conditional mutations of the same row. Locks are never persisted and are
// held for the duration of one batch.
//
// To avoid deadlocks between concurrent batches that touch overlapping rows,
// AcquireBatch sorts the rows, blocks only on the first one and try-locks the
// remaining rows. Rows that are busy are handed back to the caller to be retried
// in a later pass.
package rowlock
