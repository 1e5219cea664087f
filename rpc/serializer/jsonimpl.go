package serializer

import (
	"encoding/json"

	"github.com/ValentinKolb/dTablet/rpc/common"
	"github.com/cockroachdb/errors"
)

// NewJSONSerializer creates a serializer using json encoding, mainly useful to
// debug the protocol with curl
func NewJSONSerializer() IRPCSerializer {
	return &jsonSerializerImpl{}
}

type jsonSerializerImpl struct {
}

// --------------------------------------------------------------------------
// Interface Methods (docu see serializer.IRPCSerializer)
// --------------------------------------------------------------------------

func (j jsonSerializerImpl) Serialize(msg common.Message) ([]byte, error) {
	b, err := json.Marshal(msg)
	if err != nil {
		return nil, errors.Wrapf(err, "encode %s message", msg.MsgType)
	}
	return b, nil
}

func (j jsonSerializerImpl) Deserialize(b []byte, msg *common.Message) error {
	*msg = common.Message{}
	if err := json.Unmarshal(b, msg); err != nil {
		return errors.Wrap(err, "decode json message")
	}
	return nil
}
