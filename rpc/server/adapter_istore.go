package server

import (
	"context"
	"fmt"

	"github.com/ValentinKolb/dTablet/lib/store"
	"github.com/ValentinKolb/dTablet/rpc/common"
)

// NewIStoreServerAdapter creates an adapter serving the store operations of s
func NewIStoreServerAdapter(s store.IStore) IRPCServerAdapter {
	return &iStoreServerAdapterImpl{store: s}
}

type iStoreServerAdapterImpl struct {
	store store.IStore
}

func (adapter *iStoreServerAdapterImpl) Handle(_ context.Context, req *common.Message) *common.Message {
	// Check for nil store
	s := adapter.store
	if s == nil {
		return common.NewErrorResponse("handler: store is nil")
	}

	// Handle different message types
	switch req.MsgType {
	case common.MsgTKVSet:
		return common.NewResponse(req.MsgType, s.Set(req.Key, req.Value))
	case common.MsgTKVSetE:
		return common.NewResponse(req.MsgType, s.SetE(req.Key, req.Value, req.DeleteIn))
	case common.MsgTKVSetEIfUnset:
		ok, err := s.SetEIfUnset(req.Key, req.Value, req.DeleteIn)
		return common.NewValueResponse(req.MsgType, nil, ok, err)
	case common.MsgTKVCompareAndSet:
		ok, err := s.CompareAndSet(req.Key, req.Expected, req.Value, req.DeleteIn)
		return common.NewValueResponse(req.MsgType, nil, ok, err)
	case common.MsgTKVDelete:
		return common.NewResponse(req.MsgType, s.Delete(req.Key))
	case common.MsgTKVGet:
		val, ok, err := s.Get(req.Key)
		return common.NewValueResponse(req.MsgType, val, ok, err)
	case common.MsgTKVHas:
		ok, err := s.Has(req.Key)
		return common.NewValueResponse(req.MsgType, nil, ok, err)
	case common.MsgTKVScan:
		entries, err := s.Scan(req.Key, req.Limit)
		return common.NewScanResponse(entries, err)
	default:
		return common.NewErrorResponse(
			fmt.Sprintf("RPC IStoreAdapter - Unsupported message type: %s", req.MsgType),
		)
	}
}
