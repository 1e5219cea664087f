/*
Package commit implements the write path shared by all update operations of a node.

A write goes through three steps:

 1. Prepare: the constraints of the tablet are checked and the valid mutations
    are bound to a commit session, which assigns their commit time.
 2. Log: the commit sessions of one flush are written to the write-ahead log in
    a single call, with the stronger of the session and the table durability.
    Recoverable log failures are retried as decided by the RetryPolicy.
 3. Commit: the mutations become visible in the tablets. If the log write fails
    for good, all sessions are aborted instead.

Update sessions queue their mutations per tablet. A session is flushed when the
client asks for it or when the queued mutations of the whole node exceed
Config.MaxQueuedBytes. While commits are disabled by the Gate, writers wait up to
Config.HoldTimeout and then fail with ErrHoldTimeout, leaving the queue intact.
*/
package commit
