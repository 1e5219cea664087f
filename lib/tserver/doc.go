/*
Package tserver wires the components of a tablet server node together.

A TabletServer serves the tablets the coordinator assigned to it:

	LoadTablet / UnloadTablet      coordinator commands, gated by the coordinator lock id
	StartScan / ContinueScan       single tablet scans with a bounded wait per batch
	StartMultiScan                 scans over many extents of one table
	StartUpdate / ApplyUpdates     batched writes, committed on flush or close
	Update                         a single write
	StartConditionalUpdate         conditional writes through the conditional engine

On Start the node acquires its lock in the coordination store. The owner id of
the lock together with the server address forms the instance the node records
as tablet location. Losing the lock halts the process.

Background work (loads, unloads, minor and major compactions, splits) runs in
bounded pools, one per resource class. A maintenance pass runs every
Config.MaintenanceInterval and schedules the flushes, compactions and splits
that are due, holds commits while the memory limit is exceeded and removes logs
no tablet needs any longer. In standalone mode the node also assigns all
unassigned tablets to itself.

Errors returned to clients are classified by CodeOf and travel over the wire as
ErrCode, ErrorOf turns them back into errors matching the sentinels.
*/
package tserver
