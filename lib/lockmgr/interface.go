package lockmgr

// ILockManager defines the interface for a lockmgr provider.
type ILockManager interface {
	// AcquireLock acquires a lock for the given key with an optional timeout in milliseconds (0 = no timeout).
	// Return a boolean indicating whether the lock was acquired, an owner ID, and an error if any.
	AcquireLock(key string, timeout uint64) (ok bool, ownerID []byte, err error)

	// ReleaseLock releases the lock for the given key.
	// Return a boolean indicating whether the lock was released, and an error if any.
	// The method will also return True if the lock did not exist.
	ReleaseLock(key string, ownerID []byte) (ok bool, err error)

	// RefreshLock resets the timeout of a lock that is still held by ownerID.
	// It returns false if the lock expired or is held by someone else.
	RefreshLock(key string, ownerID []byte, timeout uint64) (ok bool, err error)

	// IsHeld reports whether the lock exists and is held by ownerID.
	IsHeld(key string, ownerID []byte) (ok bool, err error)

	// Owner returns the current owner ID of the lock (nil if the lock is free).
	Owner(key string) (ownerID []byte, err error)
}
