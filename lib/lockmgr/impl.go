package lockmgr

import (
	"bytes"

	"github.com/ValentinKolb/dTablet/lib/store"
	"github.com/lni/dragonboat/v4/logger"
)

var log = logger.GetLogger("lockmgr")

type lockMgrImpl struct {
	store store.IStore
}

func NewLockManager(store store.IStore) ILockManager {
	return &lockMgrImpl{
		store: store,
	}
}

func (lp *lockMgrImpl) AcquireLock(key string, timeout uint64) (bool, []byte, error) {
	ownerID, err := generateOwnerID()
	if err != nil {
		return false, nil, err
	}

	// Try to acquire the lock (by setting the value only if it doesn't exist - atomic operation)
	ok, err := lp.store.SetEIfUnset(key, ownerID, timeout)
	if err != nil {
		log.Warningf("failed to acquire lock %s: %v", key, err)
		return false, nil, err
	}
	if !ok {
		return false, nil, nil
	}
	return true, ownerID, nil
}

func (lp *lockMgrImpl) ReleaseLock(key string, ownerID []byte) (bool, error) {
	value, ok, err := lp.store.Get(key)
	if err != nil || !ok {
		return err == nil, err
	}

	// Check if the lock is owned by us
	if !bytes.Equal(ownerID, value) {
		return false, nil
	}

	err = lp.store.Delete(key)
	return err == nil, err
}

func (lp *lockMgrImpl) RefreshLock(key string, ownerID []byte, timeout uint64) (bool, error) {
	return lp.store.CompareAndSet(key, ownerID, ownerID, timeout)
}

func (lp *lockMgrImpl) IsHeld(key string, ownerID []byte) (bool, error) {
	value, ok, err := lp.store.Get(key)
	if err != nil || !ok {
		return false, err
	}
	return bytes.Equal(value, ownerID), nil
}

func (lp *lockMgrImpl) Owner(key string) ([]byte, error) {
	value, ok, err := lp.store.Get(key)
	if err != nil || !ok {
		return nil, err
	}
	return value, nil
}
