// Package rpc is the communication layer of a tablet server node. It exposes
// the shards of a node (the tablet server, the coordination store and the
// coordinator lock manager) to clients and coordinators over the network.
//
// The package is organized into several subpackages:
//
//   - common: the Message protocol, the tablet server payloads, the node
//     configuration and the logger setup.
//
//   - transport: network communication abstractions, implemented over HTTP.
//     The HTTP server also exports the node metrics for Prometheus.
//
//   - serializer: Message serialization with multiple format options (Binary, JSON, GOB).
//
//   - client: RPC clients for the store, the lock manager and the tablet server.
//
//   - server: the RPC server that creates the shards of a node and dispatches
//     incoming requests to their adapters.
package rpc
