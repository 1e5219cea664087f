package serializer

import "github.com/ValentinKolb/dTablet/rpc/common"

// IRPCSerializer converts Messages to bytes and back. The tablet server payload
// of a Message is opaque JSON and passes through every implementation unchanged.
type IRPCSerializer interface {
	// Serialize encodes msg
	Serialize(msg common.Message) ([]byte, error)
	// Deserialize decodes b into msg, fields of msg not present in b are reset
	Deserialize(b []byte, msg *common.Message) error
}
