package tablet

import (
	"encoding/binary"
	"math"

	"github.com/ValentinKolb/dTablet/lib/data"
	"github.com/cockroachdb/errors"
)

// Keys are stored in the data files in an order preserving encoding, so the
// byte order of the encoded keys equals data.Key.Compare:
//
//	| row | family | qualifier | visibility | ^timestamp (8, BE) | flag (1) |
//
// Every component is escaped (0x00 -> 0x00 0xFF) and terminated by 0x00 0x01.
// The flag is 0 for delete markers and 1 for puts.

const (
	escape     byte = 0x00
	escaped    byte = 0xFF
	terminator byte = 0x01

	signBit uint64 = 1 << 63
)

func appendComponent(buf, b []byte) []byte {
	for _, c := range b {
		if c == escape {
			buf = append(buf, escape, escaped)
			continue
		}
		buf = append(buf, c)
	}
	return append(buf, escape, terminator)
}

func readComponent(b []byte) (component, rest []byte, err error) {
	component = []byte{}
	for i := 0; i < len(b); i++ {
		if b[i] != escape {
			component = append(component, b[i])
			continue
		}
		if i+1 >= len(b) {
			return nil, nil, errors.New("truncated key component")
		}
		switch b[i+1] {
		case escaped:
			component = append(component, escape)
			i++
		case terminator:
			return component, b[i+2:], nil
		default:
			return nil, nil, errors.Newf("invalid escape sequence 0x00 0x%02x", b[i+1])
		}
	}
	return nil, nil, errors.New("unterminated key component")
}

// encodeKey encodes a key for the data files
func encodeKey(k data.Key) []byte {
	buf := make([]byte, 0, len(k.Row)+len(k.Family)+len(k.Qualifier)+len(k.Visibility)+17)
	buf = appendComponent(buf, k.Row)
	buf = appendComponent(buf, k.Family)
	buf = appendComponent(buf, k.Qualifier)
	buf = appendComponent(buf, k.Visibility)
	// the timestamp is stored inverted so newer versions sort first
	buf = binary.BigEndian.AppendUint64(buf, ^(uint64(k.Timestamp) ^ signBit))
	if k.Deleted {
		return append(buf, 0)
	}
	return append(buf, 1)
}

// decodeKey is the inverse of encodeKey
func decodeKey(b []byte) (data.Key, error) {
	var k data.Key
	var err error
	if k.Row, b, err = readComponent(b); err != nil {
		return k, err
	}
	if k.Family, b, err = readComponent(b); err != nil {
		return k, err
	}
	if k.Qualifier, b, err = readComponent(b); err != nil {
		return k, err
	}
	if k.Visibility, b, err = readComponent(b); err != nil {
		return k, err
	}
	if len(b) != 9 {
		return k, errors.Newf("invalid key suffix length %d", len(b))
	}
	k.Timestamp = int64(^binary.BigEndian.Uint64(b[:8]) ^ signBit)
	k.Deleted = b[8] == 0
	return k, nil
}

// rowBound returns the encoded lower bound of all keys of rows >= row
func rowBound(row []byte) []byte {
	return appendComponent(nil, row)
}

// columnStart returns the smallest key of the column of k
func columnStart(k data.Key) data.Key {
	return data.Key{
		Row:        k.Row,
		Family:     k.Family,
		Qualifier:  k.Qualifier,
		Visibility: k.Visibility,
		Timestamp:  math.MaxInt64,
		Deleted:    true,
	}
}
