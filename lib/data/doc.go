/*
Package data contains the data model shared by all parts of the tablet server.

Rows are ordered byte strings. A table is partitioned into tablets, each tablet is
identified by an Extent (table, end row, previous end row) and covers the rows in
(PrevEndRow, EndRow]. A nil end row means +inf, a nil previous end row means -inf.

Writes are expressed as Mutations: a set of column updates for a single row that
is applied atomically. A ConditionalMutation additionally carries Conditions that
must hold for the row before the mutation is applied.

Every stored cell is an Entry addressed by a Key (row, family, qualifier,
visibility, timestamp). Keys are ordered ascending by their column coordinates and
descending by timestamp, so the newest version of a cell is always read first.

Mutations have a compact binary encoding (see Mutation.Serialize) that is used by
the write-ahead log:

	| row len (4) | row | update count (4) | updates ... |

Durability describes how far a write is persisted before it is acknowledged.
The effective durability of a write is the stronger of the session and the table
setting (see ResolveDurability).
*/
package data
