package client

import (
	"github.com/ValentinKolb/dTablet/lib/db"
	"github.com/ValentinKolb/dTablet/lib/store"
	"github.com/ValentinKolb/dTablet/rpc/common"
	"github.com/ValentinKolb/dTablet/rpc/serializer"
	"github.com/ValentinKolb/dTablet/rpc/transport"
	"github.com/cockroachdb/errors"
)

// NewRPCStore creates a new RPC store
// The function takes a shard ID, a config, a transport and a serializer as parameters
// It returns a store.IStore and an error
func NewRPCStore(
	shardId uint64,
	config common.ClientConfig,
	transport transport.IRPCClientTransport,
	serializer serializer.IRPCSerializer,
) (store.IStore, error) {
	adapter, err := newClientAdapter(shardId, config, transport, serializer)
	if err != nil {
		return nil, err
	}
	return &rpcStore{adapter}, nil
}

type rpcStore struct {
	rpcClientAdapter
}

// --------------------------------------------------------------------------
// Interface Methods (docu see the store package in interface.go)
// --------------------------------------------------------------------------

func (i *rpcStore) Set(key string, value []byte) (err error) {
	_, err = i.invoke(common.NewSetRequest(key, value))
	return err
}

func (i *rpcStore) SetE(key string, value []byte, deleteIn uint64) (err error) {
	_, err = i.invoke(common.NewSetERequest(key, value, deleteIn))
	return err
}

func (i *rpcStore) SetEIfUnset(key string, value []byte, deleteIn uint64) (ok bool, err error) {
	resp, err := i.invoke(common.NewSetEIfUnsetRequest(key, value, deleteIn))
	if err != nil {
		return false, err
	}
	return resp.Ok, nil
}

func (i *rpcStore) CompareAndSet(key string, expected, value []byte, deleteIn uint64) (ok bool, err error) {
	resp, err := i.invoke(common.NewCompareAndSetRequest(key, expected, value, deleteIn))
	if err != nil {
		return false, err
	}
	return resp.Ok, nil
}

func (i *rpcStore) Delete(key string) (err error) {
	_, err = i.invoke(common.NewDeleteRequest(key))
	return err
}

func (i *rpcStore) Get(key string) (value []byte, loaded bool, err error) {
	resp, err := i.invoke(common.NewGetRequest(key))
	if err != nil {
		return nil, false, err
	}
	return resp.Value, resp.Ok, nil
}

func (i *rpcStore) Has(key string) (loaded bool, err error) {
	resp, err := i.invoke(common.NewHasRequest(key))
	if err != nil {
		return false, err
	}
	return resp.Ok, nil
}

func (i *rpcStore) Scan(prefix string, limit int) (entries []db.KV, err error) {
	resp, err := i.invoke(common.NewScanRequest(prefix, limit))
	if err != nil {
		return nil, err
	}
	return resp.Entries, nil
}

// GetDBInfo is not implemented for rpc
func (i *rpcStore) GetDBInfo() (info db.DatabaseInfo, err error) {
	return db.DatabaseInfo{}, errors.New("the GetDBInfo() method is not implemented in the rpc client adapter")
}
