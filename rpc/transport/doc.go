// Package transport defines the interfaces for moving serialized RPC messages
// between clients and a node. Requests are routed by shard id, the node decides
// which adapter (tablet server, coordination store, lock manager) serves a shard.
//
// Key Components:
//
//   - IRPCClientTransport: Interface for client-side transport implementations that
//     handles connection management and request sending.
//
//   - IRPCServerTransport: Interface for server-side transport implementations that
//     receives requests and routes them to the registered handler. It also serves
//     the metrics of the node.
//
//   - ServerHandleFunc: Function type for request handling callbacks.
//
// The http subpackage holds the only implementation.
package transport
