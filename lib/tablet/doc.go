/*
Package tablet implements the node local part of a tablet: the in-memory write
buffer, the immutable data files and the operations that move data between them.

Writes

Mutations are written in two steps. Prepare checks the table constraints and
returns a CommitSession with a commit time for the valid mutations. The caller
logs the mutations of the session to the write-ahead log and then calls Commit,
which makes them visible. A tablet that is closing rejects Prepare with ErrClosed.

Reads

Scans merge the write buffer, a buffer being flushed and all data files. For
every column only the newest versions are returned (MaxVersions of the table),
delete markers hide all older versions of their column.

Files

Minor compactions write the buffer to a new data file, major compactions merge
all files of a tablet. Data files are pebble databases that are written once and
opened read-only afterwards. Keys are stored in an order preserving encoding
(see encodeKey). After a split both new tablets reference the files of the old
tablet and only read the rows of their own extent.
*/
package tablet
