package serializer

import (
	"encoding/binary"

	"github.com/ValentinKolb/dTablet/lib/db"
	"github.com/ValentinKolb/dTablet/rpc/common"
	"github.com/cockroachdb/errors"
)

// NewBinarySerializer creates a new serializer using a custom binary format
// optimized for speed and efficiency
func NewBinarySerializer() IRPCSerializer {
	return &binarySerializerImpl{}
}

// binarySerializerImpl implements IRPCSerializer using a custom binary format.
// A message is encoded as type (1 byte), flags (2 bytes) followed by the present
// fields in declaration order. Lengths and integers are uvarints.
type binarySerializerImpl struct {
}

// Bit flags to indicate which optional fields are present
const (
	hasKey      uint16 = 1 << 0
	hasDeleteIn uint16 = 1 << 1
	hasValue    uint16 = 1 << 2
	hasExpected uint16 = 1 << 3
	hasLimit    uint16 = 1 << 4
	hasOk       uint16 = 1 << 5
	hasEntries  uint16 = 1 << 6
	hasErr      uint16 = 1 << 7
	hasErrCode  uint16 = 1 << 8
	hasPayload  uint16 = 1 << 9
)

const headerSize = 3

var errShortMessage = errors.New("binary message is truncated")

// --------------------------------------------------------------------------
// Interface Methods (docu see serializer.IRPCSerializer)
// --------------------------------------------------------------------------

func (b binarySerializerImpl) Serialize(msg common.Message) ([]byte, error) {
	buf := make([]byte, headerSize, b.sizeBytes(msg))
	buf[0] = byte(msg.MsgType)

	var flags uint16
	if msg.Key != "" {
		flags |= hasKey
		buf = appendBytes(buf, []byte(msg.Key))
	}
	if msg.DeleteIn > 0 {
		flags |= hasDeleteIn
		buf = binary.AppendUvarint(buf, msg.DeleteIn)
	}
	if msg.Value != nil {
		flags |= hasValue
		buf = appendBytes(buf, msg.Value)
	}
	if msg.Expected != nil {
		flags |= hasExpected
		buf = appendBytes(buf, msg.Expected)
	}
	if msg.Limit != 0 {
		flags |= hasLimit
		buf = binary.AppendVarint(buf, int64(msg.Limit))
	}
	if msg.Ok {
		flags |= hasOk
	}
	if msg.Entries != nil {
		flags |= hasEntries
		buf = binary.AppendUvarint(buf, uint64(len(msg.Entries)))
		for _, kv := range msg.Entries {
			buf = appendBytes(buf, []byte(kv.Key))
			buf = appendNullable(buf, kv.Value)
		}
	}
	if msg.Err != "" {
		flags |= hasErr
		buf = appendBytes(buf, []byte(msg.Err))
	}
	if msg.ErrCode != 0 {
		flags |= hasErrCode
		buf = append(buf, msg.ErrCode)
	}
	if msg.Payload != nil {
		flags |= hasPayload
		buf = appendBytes(buf, msg.Payload)
	}

	binary.BigEndian.PutUint16(buf[1:headerSize], flags)
	return buf, nil
}

func (b binarySerializerImpl) Deserialize(data []byte, msg *common.Message) error {
	if len(data) < headerSize {
		return errors.Wrap(errShortMessage, "header")
	}
	*msg = common.Message{MsgType: common.MessageType(data[0])}
	flags := binary.BigEndian.Uint16(data[1:headerSize])
	r := reader{data: data, pos: headerSize}

	if flags&hasKey != 0 {
		msg.Key = string(r.bytes())
	}
	if flags&hasDeleteIn != 0 {
		msg.DeleteIn = r.uvarint()
	}
	if flags&hasValue != 0 {
		msg.Value = r.bytes()
	}
	if flags&hasExpected != 0 {
		msg.Expected = r.bytes()
	}
	if flags&hasLimit != 0 {
		msg.Limit = int(r.varint())
	}
	msg.Ok = flags&hasOk != 0
	if flags&hasEntries != 0 {
		n := r.uvarint()
		if r.err == nil && n > uint64(len(data)) {
			r.err = errShortMessage
		}
		if r.err == nil {
			msg.Entries = make([]db.KV, 0, n)
			for i := uint64(0); i < n && r.err == nil; i++ {
				key := string(r.bytes())
				msg.Entries = append(msg.Entries, db.KV{Key: key, Value: r.nullable()})
			}
		}
	}
	if flags&hasErr != 0 {
		msg.Err = string(r.bytes())
	}
	if flags&hasErrCode != 0 {
		msg.ErrCode = r.readByte()
	}
	if flags&hasPayload != 0 {
		msg.Payload = r.bytes()
	}
	if r.err != nil {
		return errors.Wrapf(r.err, "decode %s message", msg.MsgType)
	}
	return nil
}

// --------------------------------------------------------------------------
// Helper Methods
// --------------------------------------------------------------------------

// sizeBytes estimates the size needed for serialization
func (b binarySerializerImpl) sizeBytes(msg common.Message) int {
	size := headerSize + 4*binary.MaxVarintLen64 + 1
	size += len(msg.Key) + len(msg.Value) + len(msg.Expected) + len(msg.Err) + len(msg.Payload)
	for _, kv := range msg.Entries {
		size += 2*binary.MaxVarintLen32 + len(kv.Key) + len(kv.Value)
	}
	return size
}

// appendBytes writes the length followed by the bytes
func appendBytes(buf, b []byte) []byte {
	buf = binary.AppendUvarint(buf, uint64(len(b)))
	return append(buf, b...)
}

// appendNullable writes length+1 so nil (0) and empty (1) stay distinct
func appendNullable(buf, b []byte) []byte {
	if b == nil {
		return binary.AppendUvarint(buf, 0)
	}
	buf = binary.AppendUvarint(buf, uint64(len(b))+1)
	return append(buf, b...)
}

// reader decodes the fields of a message, the first error sticks
type reader struct {
	data []byte
	pos  int
	err  error
}

func (r *reader) uvarint() uint64 {
	if r.err != nil {
		return 0
	}
	v, n := binary.Uvarint(r.data[r.pos:])
	if n <= 0 {
		r.err = errShortMessage
		return 0
	}
	r.pos += n
	return v
}

func (r *reader) varint() int64 {
	if r.err != nil {
		return 0
	}
	v, n := binary.Varint(r.data[r.pos:])
	if n <= 0 {
		r.err = errShortMessage
		return 0
	}
	r.pos += n
	return v
}

func (r *reader) readByte() byte {
	if r.err != nil {
		return 0
	}
	if r.pos >= len(r.data) {
		r.err = errShortMessage
		return 0
	}
	b := r.data[r.pos]
	r.pos++
	return b
}

// take copies the next n bytes, the result is never nil
func (r *reader) take(n uint64) []byte {
	if r.err != nil {
		return nil
	}
	if n > uint64(len(r.data)-r.pos) {
		r.err = errShortMessage
		return nil
	}
	b := make([]byte, n)
	copy(b, r.data[r.pos:])
	r.pos += int(n)
	return b
}

func (r *reader) bytes() []byte {
	return r.take(r.uvarint())
}

func (r *reader) nullable() []byte {
	n := r.uvarint()
	if n == 0 {
		return nil
	}
	return r.take(n - 1)
}
