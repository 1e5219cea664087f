package dstore

import (
	"fmt"
	"io"
	"time"

	"github.com/ValentinKolb/dTablet/lib/db"
	"github.com/ValentinKolb/dTablet/lib/store"
	"github.com/ValentinKolb/dTablet/lib/store/dstore/internal"
	sm "github.com/lni/dragonboat/v4/statemachine"
)

// gcInterval is the number of applied commands between two garbage collection runs
const gcInterval = 1024

// --------------------------------------------------------------------------
// State Machine Implementation
// --------------------------------------------------------------------------

// KVStateMachine is a state machine implementation for Dragonboat RAFT
type KVStateMachine struct {
	replicaID uint64
	shardID   uint64
	database  db.KVDB // the actual dataStorage
	applied   uint64  // commands applied since the last garbage collection
}

// CreateStateMaschineFactory returns a function that can be used by dragonboat to create a new state machine for a node host
// The factory pattern is used to enable the caller to pass an interchangeable dbFactory
func CreateStateMaschineFactory(dbFactory store.DBFactory) func(shardID uint64, replicaID uint64) sm.IConcurrentStateMachine {
	return func(shardID uint64, replicaID uint64) sm.IConcurrentStateMachine {
		return &KVStateMachine{
			replicaID: replicaID,
			shardID:   shardID,
			database:  dbFactory(),
		}
	}
}

// Lookup handles read-only queries by mapping each Query operation to the corresponding KVDB method.
func (fsm *KVStateMachine) Lookup(itf interface{}) (interface{}, error) {
	q, ok := itf.(internal.Query)
	if !ok {
		return nil, store.NewError(store.RetCInternalError, fmt.Sprintf("invalid Query type: %T", itf))
	}

	switch q.Type {
	case internal.QueryTGet:
		val, ok := fsm.database.Get(q.Key, q.Now)
		return internal.QueryResult{Value: val, Ok: ok}, nil
	case internal.QueryTHas:
		return fsm.database.Has(q.Key, q.Now), nil
	case internal.QueryTScan:
		return fsm.database.Scan(q.Key, q.Now, q.Limit), nil
	case internal.QueryTGetDBInfo:
		return fsm.database.GetInfo(), nil
	default:
		return nil, store.NewError(store.RetCInvalidOperation, fmt.Sprintf("unknown Query operation: %d", q.Type))
	}
}

func boolResult(ok bool) sm.Result {
	if ok {
		return sm.Result{Value: uint64(store.RetCSuccess), Data: []byte{1}}
	}
	return sm.Result{Value: uint64(store.RetCSuccess), Data: []byte{0}}
}

// Update handles write commands on the KVDB instance
// All write operations are serialized into []byte and are accessible via the entries struct
func (fsm *KVStateMachine) Update(entries []sm.Entry) ([]sm.Entry, error) {
	if len(entries) == 0 {
		return entries, nil
	}

	start := time.Now()
	var lastNow uint64

	for idx, e := range entries {
		if len(e.Cmd) == 0 {
			entries[idx].Result = sm.Result{Value: uint64(store.RetCInvalidOperation), Data: []byte("empty command ignored")}
			continue
		}

		cmd := internal.Command{}
		if err := cmd.Deserialize(e.Cmd); err != nil {
			entries[idx].Result = sm.Result{
				Value: uint64(store.RetCInternalError),
				Data:  []byte(fmt.Sprintf("failed to deserialize command: %v", err)),
			}
			continue
		}
		if cmd.Now > lastNow {
			lastNow = cmd.Now
		}

		switch cmd.Type {
		case internal.CommandTSet:
			fsm.database.Set(cmd.Key, cmd.Value, e.Index)
			entries[idx].Result = sm.Result{Value: uint64(store.RetCSuccess)}
		case internal.CommandTSetE:
			fsm.database.SetE(cmd.Key, cmd.Value, e.Index, cmd.DeleteAt())
			entries[idx].Result = sm.Result{Value: uint64(store.RetCSuccess)}
		case internal.CommandTSetIfUnset:
			ok := fsm.database.SetEIfUnset(cmd.Key, cmd.Value, e.Index, cmd.DeleteAt(), cmd.Now)
			entries[idx].Result = boolResult(ok)
		case internal.CommandTCompareAndSet:
			ok := fsm.database.CompareAndSet(cmd.Key, cmd.Expected, cmd.Value, e.Index, cmd.DeleteAt(), cmd.Now)
			entries[idx].Result = boolResult(ok)
		case internal.CommandTDelete:
			fsm.database.Delete(cmd.Key, e.Index)
			entries[idx].Result = sm.Result{Value: uint64(store.RetCSuccess)}
		case internal.CommandTGarbageCollect:
			n := fsm.database.GarbageCollect(cmd.Now)
			fsm.database.SetWriteIdx(e.Index)
			entries[idx].Result = sm.Result{Value: uint64(store.RetCSuccess), Data: []byte(fmt.Sprintf("removed %d", n))}
		default:
			entries[idx].Result = sm.Result{
				Value: uint64(store.RetCInvalidOperation),
				Data:  []byte(fmt.Sprintf("unknown Command operation: %s", cmd.Type)),
			}
		}
	}

	// Expired entries are dropped with the proposer clock so all replicas remove the same keys
	fsm.applied += uint64(len(entries))
	if fsm.applied >= gcInterval && lastNow > 0 {
		fsm.applied = 0
		fsm.database.GarbageCollect(lastNow)
	}

	if elapsed := time.Since(start); elapsed > time.Millisecond {
		log.Infof("State machine took long to update. Batch updated %d entries, took %.2fms", len(entries), float64(elapsed)/float64(time.Millisecond))
	}
	return entries, nil
}

// PrepareSnapshot is not used. We don't need to prepare anything since we use fuzzy snapshotting
func (fsm *KVStateMachine) PrepareSnapshot() (interface{}, error) {
	return nil, nil
}

// SaveSnapshot saves a fuzzy db snapshot to the writer
func (fsm *KVStateMachine) SaveSnapshot(_ interface{}, writer io.Writer, _ sm.ISnapshotFileCollection, _ <-chan struct{}) error {
	return fsm.database.Save(writer)
}

// RecoverFromSnapshot restores the database from a snapshot.
func (fsm *KVStateMachine) RecoverFromSnapshot(r io.Reader, _ []sm.SnapshotFile, _ <-chan struct{}) error {
	return fsm.database.Load(r)
}

// Close performs any necessary cleanup.
func (fsm *KVStateMachine) Close() error {
	return fsm.database.Close()
}
