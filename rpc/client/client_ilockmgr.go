package client

import (
	"github.com/ValentinKolb/dTablet/lib/lockmgr"
	"github.com/ValentinKolb/dTablet/rpc/common"
	"github.com/ValentinKolb/dTablet/rpc/serializer"
	"github.com/ValentinKolb/dTablet/rpc/transport"
)

// NewRPCLockMgr creates a new RPC ILockManager
// The function takes a shard ID, a config, a transport and a serializer as parameters
// It returns a lockmgr.ILockManager and an error
func NewRPCLockMgr(
	shardId uint64,
	config common.ClientConfig,
	transport transport.IRPCClientTransport,
	serializer serializer.IRPCSerializer,
) (lockmgr.ILockManager, error) {
	adapter, err := newClientAdapter(shardId, config, transport, serializer)
	if err != nil {
		return nil, err
	}
	return &rpcLockMgr{adapter}, nil
}

type rpcLockMgr struct {
	rpcClientAdapter
}

// --------------------------------------------------------------------------
// Interface Methods (docu see the lockmgr package in interface.go)
// --------------------------------------------------------------------------

func (i *rpcLockMgr) AcquireLock(key string, timeout uint64) (ok bool, ownerID []byte, err error) {
	resp, err := i.invoke(common.NewAcquireRequest(key, timeout))
	if err != nil {
		return false, nil, err
	}
	return resp.Ok, resp.Value, nil
}

func (i *rpcLockMgr) ReleaseLock(key string, ownerID []byte) (ok bool, err error) {
	resp, err := i.invoke(common.NewReleaseRequest(key, ownerID))
	if err != nil {
		return false, err
	}
	return resp.Ok, nil
}

func (i *rpcLockMgr) RefreshLock(key string, ownerID []byte, timeout uint64) (ok bool, err error) {
	resp, err := i.invoke(common.NewRefreshRequest(key, ownerID, timeout))
	if err != nil {
		return false, err
	}
	return resp.Ok, nil
}

func (i *rpcLockMgr) IsHeld(key string, ownerID []byte) (ok bool, err error) {
	resp, err := i.invoke(common.NewIsHeldRequest(key, ownerID))
	if err != nil {
		return false, err
	}
	return resp.Ok, nil
}

func (i *rpcLockMgr) Owner(key string) (ownerID []byte, err error) {
	resp, err := i.invoke(common.NewOwnerRequest(key))
	if err != nil {
		return nil, err
	}
	if !resp.Ok {
		return nil, nil
	}
	return resp.Value, nil
}
