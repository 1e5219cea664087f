package server

import (
	"context"
	"fmt"

	"github.com/ValentinKolb/dTablet/lib/lockmgr"
	"github.com/ValentinKolb/dTablet/lib/store"
	"github.com/ValentinKolb/dTablet/rpc/common"
)

// NewLockManagerServerAdapter creates an adapter serving a lock manager on top of s
func NewLockManagerServerAdapter(s store.IStore) IRPCServerAdapter {
	adapter := &lockMgrServerAdapter{}
	if s != nil {
		adapter.locks = lockmgr.NewLockManager(s)
	}
	return adapter
}

type lockMgrServerAdapter struct {
	locks lockmgr.ILockManager
}

func (adapter *lockMgrServerAdapter) Handle(_ context.Context, req *common.Message) (resp *common.Message) {
	// Check for nil store
	locks := adapter.locks
	if locks == nil {
		return common.NewErrorResponse("handler: store is nil")
	}

	// Handle different message types
	switch req.MsgType {
	case common.MsgTLCKAcquire:
		ok, ownerID, err := locks.AcquireLock(req.Key, req.DeleteIn)
		return common.NewValueResponse(req.MsgType, ownerID, ok, err)
	case common.MsgTLCKRelease:
		ok, err := locks.ReleaseLock(req.Key, req.Value)
		return common.NewValueResponse(req.MsgType, nil, ok, err)
	case common.MsgTLCKRefresh:
		ok, err := locks.RefreshLock(req.Key, req.Value, req.DeleteIn)
		return common.NewValueResponse(req.MsgType, nil, ok, err)
	case common.MsgTLCKIsHeld:
		ok, err := locks.IsHeld(req.Key, req.Value)
		return common.NewValueResponse(req.MsgType, nil, ok, err)
	case common.MsgTLCKOwner:
		ownerID, err := locks.Owner(req.Key)
		return common.NewValueResponse(req.MsgType, ownerID, ownerID != nil, err)
	default:
		return common.NewErrorResponse(fmt.Sprintf("RPC LockManagerAdapter - Unsupported message type: %s", req.MsgType))
	}
}
