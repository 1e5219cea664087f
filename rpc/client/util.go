package client

import (
	"github.com/ValentinKolb/dTablet/lib/tserver"
	"github.com/ValentinKolb/dTablet/rpc/common"
	"github.com/ValentinKolb/dTablet/rpc/serializer"
	"github.com/ValentinKolb/dTablet/rpc/transport"
	"github.com/cockroachdb/errors"
	"github.com/lni/dragonboat/v4/logger"
)

var (
	Logger = logger.GetLogger("rpc")
)

// rpcClientAdapter is a struct that stores all data needed for an implementation if an RPC client
// Used by the RPC clients with composition pattern
type rpcClientAdapter struct {
	shardId    uint64
	config     common.ClientConfig
	transport  transport.IRPCClientTransport
	serializer serializer.IRPCSerializer
}

// newClientAdapter connects the transport and bundles it with the shard id and the serializer
func newClientAdapter(
	shardId uint64,
	config common.ClientConfig,
	transport transport.IRPCClientTransport,
	serializer serializer.IRPCSerializer,
) (rpcClientAdapter, error) {
	if err := transport.Connect(config); err != nil {
		return rpcClientAdapter{}, err
	}
	return rpcClientAdapter{
		shardId:    shardId,
		config:     config,
		transport:  transport,
		serializer: serializer,
	}, nil
}

// Close closes the transport of the client
func (a *rpcClientAdapter) Close() error {
	return a.transport.Close()
}

// invoke sends req to the shard of the client
func (a *rpcClientAdapter) invoke(req *common.Message) (*common.Message, error) {
	return invokeRPCRequest(a.shardId, req, a.transport, a.serializer)
}

// invokeRPCRequest is a helper function used for all RPC Clients to send requests
// It takes a shard ID, a request message, a transport layer and a serializer as parameters
// It returns a response message and an error if any occurs
// This method also checks if the response is an error response and if the type of the response is the expected type.
// Errors carrying a code are rebuilt with tserver.ErrorOf, so errors.Is matches the tablet server sentinels.
func invokeRPCRequest(shardId uint64, req *common.Message, transport transport.IRPCClientTransport, serializer serializer.IRPCSerializer) (*common.Message, error) {
	// Serialize the request
	reqBytes, err := serializer.Serialize(*req)
	if err != nil {
		return nil, err
	}

	// Send the handler
	respBytes, err := transport.Send(shardId, reqBytes)
	if err != nil {
		return nil, errors.Wrapf(err, "RPC %s", req.MsgType)
	}

	// Deserialize the response
	resp := &common.Message{}
	if err := serializer.Deserialize(respBytes, resp); err != nil {
		return nil, errors.Wrapf(err, "RPC %s - invalid response", req.MsgType)
	}

	// Check if the response is an error response
	if resp.ErrCode != 0 {
		return nil, tserver.ErrorOf(tserver.ErrCode(resp.ErrCode), resp.Err)
	}
	if resp.MsgType == common.MsgTError || resp.Err != "" {
		return nil, errors.Newf("RPC %s - Error: %s", req.MsgType, resp.Err)
	}

	// Check if the type of the response is the expected type
	if resp.MsgType != req.MsgType {
		return nil, errors.Newf("RPC %s - Unexpected message type: %s", req.MsgType, resp.MsgType)
	}

	// Return the response
	return resp, nil
}
