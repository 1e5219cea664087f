/*
Package wal implements the write-ahead log of a tablet server and the tracker
that decides when a log may be discarded.

All tablets of a node share one current log segment. A segment is a file of
framed records:

	| payload len (4) | crc32c(type, payload) (4) | type (1) | payload |

Before the first mutations of a tablet are written to a segment, a DefineTablet
record binds a segment local tablet id to the extent. Mutation payloads are
snappy compressed. A crash during an append leaves a torn tail, Replay stops at
the first incomplete or damaged record.

Durability of a batch is the strongest durability of its entries: log only
buffers the records, flush hands them to the operating system and sync waits for
an fsync. Concurrent sync requests are collected by a single worker and answered
with one fsync per segment (group commit).

Closed segments are kept by the Tracker in the order they were closed. A closed
segment is discarded only if it and every segment closed before it are no longer
referenced by any online tablet (see FindEligibleForRemoval).
*/
package wal
