// Package lifecycle tracks the state of every tablet assigned to a node:
//
//	unopened -> opening -> online -> unloading -> (removed)
//	              |
//	              +-> unopened (failed load, retried after Backoff)
//
// All extents live in one map guarded by one lock, so a transition can check
// the whole table for overlapping extents atomically. A split replaces the
// online parent by its two children in a single step.
package lifecycle
