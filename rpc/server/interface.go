package server

import (
	"context"

	"github.com/ValentinKolb/dTablet/rpc/common"
)

// IRPCServerAdapter is the interface for all RPC server adapters
// It is responsible for handling requests and responses
type IRPCServerAdapter interface {
	// Handle handles a request and returns a response
	// The adapter is bound to its backend (store, lock manager or tablet server) on creation.
	// The context is canceled when the caller goes away.
	// If an error occurs, it should be set in the response
	Handle(ctx context.Context, req *common.Message) (resp *common.Message)
}
