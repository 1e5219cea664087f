// Package lockmgr implements leases on top of a store.IStore. A lock is a key
// whose value is the random owner id of its holder, an optional deleteIn turns
// it into a lease that expires unless it is refreshed.
//
// A tablet server node uses two kinds of locks:
//
//   - The node lock ("tservers/<address>") proves that the node may serve
//     tablets. The node refreshes it every ttl/3 and halts when a refresh fails,
//     since the tablets may already be reassigned.
//
//   - The coordinator lock ("coordinator/lock") is held by the active
//     coordinator. Its owner id is the lock id every coordinator command carries,
//     the node checks it with IsHeld before acting.
//
// The manager keeps no state besides the store, so any number of managers can
// be created on the same store. Operations map onto single store calls:
//
//	AcquireLock  SetEIfUnset(key, owner, deleteIn)
//	RefreshLock  CompareAndSet(key, owner, owner, deleteIn)
//	IsHeld       Get(key) == owner
//	Owner        Get(key)
//	ReleaseLock  Get(key) == owner, then Delete(key)
//
// On a dstore the locks are linearizable across the cluster. Deletion times are
// computed from the clock of the proposing node.
//
// Usage Example:
//
//	locks := lockmgr.NewLockManager(coordStore)
//	ok, owner, err := locks.AcquireLock("coordinator/lock", 30_000)
//	if err == nil && ok {
//		defer locks.ReleaseLock("coordinator/lock", owner)
//	}
package lockmgr
