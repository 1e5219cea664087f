// Package common provides the data structures shared by the RPC clients and the
// RPC server of a tablet server node.
//
// Key Components:
//
//   - Message: Envelope of all RPC communication. Store and lock manager
//     operations use the flat fields (Key, Value, Expected, Entries, ...), tablet
//     server operations carry a TabletRequest or TabletResponse as json Payload.
//     Errors of the tablet server travel as Err plus ErrCode, see tserver.CodeOf.
//
//   - MessageType: Enumeration of all operations, grouped into store, lock
//     manager and tablet server operations. Types are encoded by name in json.
//
//   - ServerConfig: Configuration of a node. It lists the shards the node
//     serves (tablet server, coordination store, lock manager), the RAFT
//     parameters used when the coordination store is replicated and the
//     tablet server configuration.
//
//   - ClientConfig: Configuration for client components, controlling connection
//     parameters, timeouts, and retry behavior.
//
//   - Logger: Custom logging implementation that integrates with Dragonboat's
//     logging system while providing consistent formatting across the application.
package common
