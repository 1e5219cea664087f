// Package http implements the RPC transport over HTTP.
//
// The server accepts POST /{shardId} with a serialized message as body and
// answers with the serialized response, routing is left to the registered
// handler. GET /metrics serves the node metrics in the Prometheus text format.
// With log level debug every request is logged with its status and duration.
//
// The client sends requests round-robin to the configured endpoints. A failed
// request is retried on the next endpoint up to RetryCount times. Endpoints
// without scheme use plain http.
//
// Thread Safety:
//
//	The client transport is thread-safe and can be used concurrently. It uses
//	atomic operations for the round-robin counter to ensure thread safety when
//	selecting server endpoints.
package http
