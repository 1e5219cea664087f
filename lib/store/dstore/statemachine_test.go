package dstore

import (
	"bytes"
	"testing"

	"github.com/ValentinKolb/dTablet/lib/db"
	"github.com/ValentinKolb/dTablet/lib/db/engines/ordered"
	"github.com/ValentinKolb/dTablet/lib/store"
	"github.com/ValentinKolb/dTablet/lib/store/dstore/internal"
	sm "github.com/lni/dragonboat/v4/statemachine"
	"github.com/stretchr/testify/require"
)

func newTestMachine() *KVStateMachine {
	factory := CreateStateMaschineFactory(func() db.KVDB { return ordered.NewOrderedDB() })
	return factory(1, 1).(*KVStateMachine)
}

func apply(t *testing.T, fsm *KVStateMachine, index uint64, cmd internal.Command) sm.Result {
	t.Helper()
	res, err := fsm.Update([]sm.Entry{{Index: index, Cmd: cmd.Serialize()}})
	require.NoError(t, err)
	return res[0].Result
}

func lookup(t *testing.T, fsm *KVStateMachine, q internal.Query) interface{} {
	t.Helper()
	res, err := fsm.Lookup(q)
	require.NoError(t, err)
	return res
}

func TestStateMachineWrites(t *testing.T) {
	fsm := newTestMachine()

	res := apply(t, fsm, 1, internal.Command{Type: internal.CommandTSet, Now: 100, Key: "a", Value: []byte("1")})
	require.Equal(t, uint64(store.RetCSuccess), res.Value)

	got := lookup(t, fsm, internal.Query{Type: internal.QueryTGet, Key: "a", Now: 100}).(internal.QueryResult)
	require.True(t, got.Ok)
	require.Equal(t, []byte("1"), got.Value)

	// SetIfUnset on an existing key must not overwrite
	res = apply(t, fsm, 2, internal.Command{Type: internal.CommandTSetIfUnset, Now: 100, Key: "a", Value: []byte("2")})
	require.Equal(t, []byte{0}, res.Data)

	// CompareAndSet with the right expected value
	res = apply(t, fsm, 3, internal.Command{Type: internal.CommandTCompareAndSet, Now: 100, Key: "a", Expected: []byte("1"), Value: []byte("3")})
	require.Equal(t, []byte{1}, res.Data)
	res = apply(t, fsm, 4, internal.Command{Type: internal.CommandTCompareAndSet, Now: 100, Key: "a", Expected: []byte("1"), Value: []byte("4")})
	require.Equal(t, []byte{0}, res.Data)

	apply(t, fsm, 5, internal.Command{Type: internal.CommandTDelete, Now: 100, Key: "a"})
	require.False(t, lookup(t, fsm, internal.Query{Type: internal.QueryTHas, Key: "a", Now: 100}).(bool))
	require.Equal(t, uint64(5), fsm.database.WriteIdx())
}

func TestStateMachineDeletionTime(t *testing.T) {
	fsm := newTestMachine()
	apply(t, fsm, 1, internal.Command{Type: internal.CommandTSetE, Now: 1000, DeleteIn: 500, Key: "lock/x", Value: []byte("o")})

	require.True(t, lookup(t, fsm, internal.Query{Type: internal.QueryTHas, Key: "lock/x", Now: 1499}).(bool))
	require.False(t, lookup(t, fsm, internal.Query{Type: internal.QueryTHas, Key: "lock/x", Now: 1500}).(bool))

	// an expired key counts as unset
	res := apply(t, fsm, 2, internal.Command{Type: internal.CommandTSetIfUnset, Now: 2000, Key: "lock/x", Value: []byte("p")})
	require.Equal(t, []byte{1}, res.Data)
}

func TestStateMachineScanAndSnapshot(t *testing.T) {
	fsm := newTestMachine()
	for i, k := range []string{"t/2", "t/1", "u/1"} {
		apply(t, fsm, uint64(i+1), internal.Command{Type: internal.CommandTSet, Now: 1, Key: k, Value: []byte(k)})
	}

	kvs := lookup(t, fsm, internal.Query{Type: internal.QueryTScan, Key: "t/", Now: 1}).([]db.KV)
	require.Len(t, kvs, 2)
	require.Equal(t, "t/1", kvs[0].Key)

	var buf bytes.Buffer
	require.NoError(t, fsm.SaveSnapshot(nil, &buf, nil, nil))

	restored := newTestMachine()
	require.NoError(t, restored.RecoverFromSnapshot(&buf, nil, nil))
	info := lookup(t, restored, internal.Query{Type: internal.QueryTGetDBInfo}).(db.DatabaseInfo)
	require.Equal(t, 3, info.Entries)
}

func TestStateMachineInvalidInput(t *testing.T) {
	fsm := newTestMachine()
	res, err := fsm.Update([]sm.Entry{{Index: 1, Cmd: nil}, {Index: 2, Cmd: []byte{1, 2}}})
	require.NoError(t, err)
	require.Equal(t, uint64(store.RetCInvalidOperation), res[0].Result.Value)
	require.Equal(t, uint64(store.RetCInternalError), res[1].Result.Value)

	_, err = fsm.Lookup("not a query")
	require.Error(t, err)
}
