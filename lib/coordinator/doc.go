/*
Package coordinator contains the parts of a node that talk to the coordinator.

Status messages (loads, unloads, splits) are queued in a Queue and delivered by
a single Loop through a Sender. The StoreSender writes them to an inbox in the
coordination store:

	coordinator/inbox/<uuid v7>  ->  {"kind": ..., "server": ..., "payload": ...}

A message that can not be delivered is put back in front of the queue and
retried after a fixed backoff.

The LockWatcher keeps the node lock alive and halts the process once the lock
is lost.
*/
package coordinator
