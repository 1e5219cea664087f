// Package serializer converts RPC messages to bytes and back. All serializers
// implement IRPCSerializer and are interchangeable as long as client and server
// agree on the format.
//
// Key Components:
//
//   - binarySerializerImpl: Custom binary format. A flags word marks the present
//     fields, only those are written. Lengths are uvarints, scan entries keep the
//     difference between nil and empty values. Recommended for production use.
//
//   - jsonSerializerImpl: JSON encoding, human readable and useful for debugging
//     with curl. Empty slices are dropped.
//
//   - gobSerializerImpl: Go's gob encoding. Larger and slower than the binary
//     format, kept for compatibility with older clients.
//
// Tablet server messages carry their request and response structures as a json
// payload, so the choice of serializer only affects the envelope.
//
// Thread Safety:
//
//	All serializer implementations are stateless and safe for concurrent use
//	across multiple goroutines without additional synchronization.
//
// Usage:
//
//	serializer := serializer.NewBinarySerializer()
//	data, err := serializer.Serialize(message)
//	// ... send data ...
//	var receivedMsg common.Message
//	err = serializer.Deserialize(receivedData, &receivedMsg)
package serializer
