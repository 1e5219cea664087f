package lstore

import (
	"sync/atomic"
	"time"

	"github.com/ValentinKolb/dTablet/lib/db"
	"github.com/ValentinKolb/dTablet/lib/store"
)

// gcEvery is the number of writes between two garbage collection runs
const gcEvery = 1024

type storeImpl struct {
	db    db.KVDB
	index atomic.Uint64
	clock func() time.Time
}

// NewLocalStore creates a new local store instance.
// This store implementation is not distributed and only works on a single node.
func NewLocalStore(factory store.DBFactory) store.IStore {
	return newLocalStore(factory, time.Now)
}

func newLocalStore(factory store.DBFactory, clock func() time.Time) *storeImpl {
	return &storeImpl{
		db:    factory(),
		clock: clock,
	}
}

// incAndGetIndex increments the index and returns the new value.
// Every gcEvery writes the database is garbage collected.
//
// Thread-safety: This method is thread-safe since it uses atomic operations.
func (s *storeImpl) incAndGetIndex() uint64 {
	idx := s.index.Add(1)
	if idx%gcEvery == 0 {
		s.db.GarbageCollect(s.now())
	}
	return idx
}

func (s *storeImpl) now() uint64 {
	return uint64(s.clock().UnixMilli())
}

// deleteAt converts a relative deletion time into an absolute one
func (s *storeImpl) deleteAt(deleteIn uint64) uint64 {
	if deleteIn == 0 {
		return 0
	}
	return s.now() + deleteIn
}

// --------------------------------------------------------------------------
// Interface Methods (docu see store/interface.go)
// --------------------------------------------------------------------------

func (s *storeImpl) Set(key string, value []byte) error {
	s.db.Set(key, value, s.incAndGetIndex())
	return nil
}

func (s *storeImpl) SetE(key string, value []byte, deleteIn uint64) error {
	s.db.SetE(key, value, s.incAndGetIndex(), s.deleteAt(deleteIn))
	return nil
}

func (s *storeImpl) SetEIfUnset(key string, value []byte, deleteIn uint64) (bool, error) {
	return s.db.SetEIfUnset(key, value, s.incAndGetIndex(), s.deleteAt(deleteIn), s.now()), nil
}

func (s *storeImpl) CompareAndSet(key string, expected, value []byte, deleteIn uint64) (bool, error) {
	return s.db.CompareAndSet(key, expected, value, s.incAndGetIndex(), s.deleteAt(deleteIn), s.now()), nil
}

func (s *storeImpl) Delete(key string) error {
	s.db.Delete(key, s.incAndGetIndex())
	return nil
}

func (s *storeImpl) Get(key string) ([]byte, bool, error) {
	val, ok := s.db.Get(key, s.now())
	return val, ok, nil
}

func (s *storeImpl) Has(key string) (bool, error) {
	return s.db.Has(key, s.now()), nil
}

func (s *storeImpl) Scan(prefix string, limit int) ([]db.KV, error) {
	return s.db.Scan(prefix, s.now(), limit), nil
}

func (s *storeImpl) GetDBInfo() (db.DatabaseInfo, error) {
	return s.db.GetInfo(), nil
}
