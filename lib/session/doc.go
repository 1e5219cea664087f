/*
Package session implements the client sessions of a tablet server.

A session carries state between the requests of one client operation: the position
of a scan, the queued mutations of an update or the settings of a conditional
update. Every session has a random non-zero id, a header with the user and table
and a kind specific Payload.

Reservation

A session is used by at most one request at a time. Reserve marks the session as
held and fails fast (returns nil) if another request holds it or the session was
removed. ReserveWait blocks until the holder calls Unreserve. Every reservation
counts as an access.

Removal

	Remove(id, false)          cleanup runs immediately
	Remove(id, true)           if reserved, the holder's Unreserve runs the cleanup
	RemoveIfNotAccessed(id, d) removes after d unless the session was reserved in between
	Sweep()                    removes unreserved sessions idle for longer than their timeout

Update and conditional sessions use MaxUpdateIdle, all other kinds MaxIdle. A
payload whose Cleanup reports running background work is retried on the next sweep.

Background results

Task is a single-result future used for readahead batches and summaries. Waiting
on a task is bounded, a timed out wait leaves the task running so a later request
can pick up the result.
*/
package session
