package wal

import (
	"encoding/binary"

	"github.com/ValentinKolb/dTablet/lib/data"
	"github.com/cockroachdb/errors"
	"github.com/golang/snappy"
)

// RecordType is the type of a log record
type RecordType uint8

const (
	RecordOpen             RecordType = iota // first record of every segment
	RecordDefineTablet                       // binds a segment local tablet id to an extent
	RecordMutations                          // mutations of one commit session
	RecordCompactionStart                    // a minor compaction of the tablet started
	RecordCompactionFinish                   // the minor compaction finished
)

func (t RecordType) String() string {
	switch t {
	case RecordOpen:
		return "Open"
	case RecordDefineTablet:
		return "DefineTablet"
	case RecordMutations:
		return "Mutations"
	case RecordCompactionStart:
		return "CompactionStart"
	case RecordCompactionFinish:
		return "CompactionFinish"
	default:
		return "Unknown"
	}
}

// Record is one entry of a log segment. Which fields are used depends on the type.
type Record struct {
	Type      RecordType
	TabletID  int32
	Seq       int64
	Extent    data.Extent      // DefineTablet
	Mutations []*data.Mutation // Mutations
	File      string           // CompactionStart, Open (server)
}

// --------------------------------------------------------------------------
// Payload encoding
// --------------------------------------------------------------------------

// encode returns the payload of the record
//
//	Open:             | server |
//	DefineTablet:     | tablet id (4) | table | end row | prev end row |
//	Mutations:        | tablet id (4) | seq (8) | snappy(mutations) |
//	CompactionStart:  | tablet id (4) | seq (8) | file |
//	CompactionFinish: | tablet id (4) | seq (8) |
//
// Byte fields are prefixed with a 4 byte length, 0xFFFFFFFF encodes nil.
func (r *Record) encode(buf []byte) []byte {
	switch r.Type {
	case RecordOpen:
		return appendBytes(buf, []byte(r.File))
	case RecordDefineTablet:
		buf = binary.BigEndian.AppendUint32(buf, uint32(r.TabletID))
		buf = appendBytes(buf, []byte(r.Extent.Table))
		buf = appendBytes(buf, r.Extent.EndRow)
		return appendBytes(buf, r.Extent.PrevEndRow)
	}

	buf = binary.BigEndian.AppendUint32(buf, uint32(r.TabletID))
	buf = binary.BigEndian.AppendUint64(buf, uint64(r.Seq))
	switch r.Type {
	case RecordMutations:
		buf = append(buf, snappy.Encode(nil, data.SerializeMutations(r.Mutations))...)
	case RecordCompactionStart:
		buf = appendBytes(buf, []byte(r.File))
	}
	return buf
}

func decodeRecord(t RecordType, payload []byte) (*Record, error) {
	r := &Record{Type: t}
	switch t {
	case RecordOpen:
		f, _, err := readBytes(payload, 0)
		r.File = string(f)
		return r, err
	case RecordDefineTablet:
		if len(payload) < 4 {
			return nil, errors.New("define record too short")
		}
		r.TabletID = int32(binary.BigEndian.Uint32(payload))
		table, pos, err := readBytes(payload, 4)
		if err != nil {
			return nil, err
		}
		end, pos, err := readBytes(payload, pos)
		if err != nil {
			return nil, err
		}
		prev, _, err := readBytes(payload, pos)
		if err != nil {
			return nil, err
		}
		r.Extent = data.Extent{Table: data.TableID(table), EndRow: end, PrevEndRow: prev}
		return r, nil
	}

	if len(payload) < 12 {
		return nil, errors.Newf("%s record too short", t)
	}
	r.TabletID = int32(binary.BigEndian.Uint32(payload))
	r.Seq = int64(binary.BigEndian.Uint64(payload[4:]))
	switch t {
	case RecordMutations:
		raw, err := snappy.Decode(nil, payload[12:])
		if err != nil {
			return nil, errors.Wrap(err, "decompress mutations")
		}
		if r.Mutations, err = data.DeserializeMutations(raw); err != nil {
			return nil, err
		}
	case RecordCompactionStart:
		f, _, err := readBytes(payload, 12)
		if err != nil {
			return nil, err
		}
		r.File = string(f)
	case RecordCompactionFinish:
	default:
		return nil, errors.Newf("unknown record type %d", t)
	}
	return r, nil
}

const nilLen = ^uint32(0)

func appendBytes(buf, b []byte) []byte {
	if b == nil {
		return binary.BigEndian.AppendUint32(buf, nilLen)
	}
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(b)))
	return append(buf, b...)
}

func readBytes(data []byte, pos int) ([]byte, int, error) {
	if len(data) < pos+4 {
		return nil, pos, errors.New("unexpected end of record")
	}
	n := binary.BigEndian.Uint32(data[pos:])
	pos += 4
	if n == nilLen {
		return nil, pos, nil
	}
	if len(data) < pos+int(n) {
		return nil, pos, errors.New("unexpected end of record")
	}
	return append([]byte{}, data[pos:pos+int(n)]...), pos + int(n), nil
}
