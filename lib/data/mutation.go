package data

import (
	"encoding/binary"

	"github.com/cockroachdb/errors"
)

// ColumnUpdate is a single column change within a mutation
type ColumnUpdate struct {
	Family       []byte `json:"family,omitempty"`
	Qualifier    []byte `json:"qualifier,omitempty"`
	Visibility   []byte `json:"visibility,omitempty"`
	Timestamp    int64  `json:"timestamp,omitempty"`
	HasTimestamp bool   `json:"hasTimestamp,omitempty"`
	Deleted      bool   `json:"deleted,omitempty"`
	Value        []byte `json:"value,omitempty"`
}

// Mutation groups column updates for a single row. It is applied atomically.
type Mutation struct {
	Row     []byte         `json:"row"`
	Updates []ColumnUpdate `json:"updates"`
}

// NewMutation creates an empty mutation for the row
func NewMutation(row []byte) *Mutation {
	return &Mutation{Row: row}
}

// Put adds a value for the column
func (m *Mutation) Put(family, qualifier string, value []byte) *Mutation {
	m.Updates = append(m.Updates, ColumnUpdate{
		Family:    []byte(family),
		Qualifier: []byte(qualifier),
		Value:     value,
	})
	return m
}

// PutAt adds a value for the column with an explicit timestamp
func (m *Mutation) PutAt(family, qualifier string, ts int64, value []byte) *Mutation {
	m.Updates = append(m.Updates, ColumnUpdate{
		Family:       []byte(family),
		Qualifier:    []byte(qualifier),
		Timestamp:    ts,
		HasTimestamp: true,
		Value:        value,
	})
	return m
}

// Delete adds a delete marker for the column
func (m *Mutation) Delete(family, qualifier string) *Mutation {
	m.Updates = append(m.Updates, ColumnUpdate{
		Family:    []byte(family),
		Qualifier: []byte(qualifier),
		Deleted:   true,
	})
	return m
}

// SizeBytes returns the exact number of bytes needed to serialize the mutation
func (m *Mutation) SizeBytes() int {
	size := 4 + len(m.Row) + 4 // RowLen + Row + UpdateCount
	for _, u := range m.Updates {
		size += columnUpdateHeader + len(u.Family) + len(u.Qualifier) + len(u.Visibility) + len(u.Value)
	}
	return size
}

// Entries converts the mutation into entries, using ts for updates without a timestamp
func (m *Mutation) Entries(ts int64) []Entry {
	entries := make([]Entry, 0, len(m.Updates))
	for _, u := range m.Updates {
		t := ts
		if u.HasTimestamp {
			t = u.Timestamp
		}
		entries = append(entries, Entry{
			Key: Key{
				Row:        m.Row,
				Family:     u.Family,
				Qualifier:  u.Qualifier,
				Visibility: u.Visibility,
				Timestamp:  t,
				Deleted:    u.Deleted,
			},
			Value: u.Value,
		})
	}
	return entries
}

// --------------------------------------------------------------------------
// Binary codec (used for the write-ahead log)
// --------------------------------------------------------------------------

// columnUpdateHeader: 4 length fields (4 bytes each) + timestamp (8) + flags (1)
const columnUpdateHeader = 4*4 + 8 + 1

const (
	flagHasTimestamp byte = 1 << iota
	flagDeleted
)

// Serialize appends the mutation to buf with the format:
// 4 bytes row length, N bytes row, 4 bytes update count, followed by every update as
// 4 bytes family/qualifier/visibility/value length each, 8 bytes timestamp,
// 1 byte flags, and the raw family/qualifier/visibility/value bytes.
func (m *Mutation) Serialize(buf []byte) []byte {
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(m.Row)))
	buf = append(buf, m.Row...)
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(m.Updates)))
	for _, u := range m.Updates {
		buf = binary.BigEndian.AppendUint32(buf, uint32(len(u.Family)))
		buf = binary.BigEndian.AppendUint32(buf, uint32(len(u.Qualifier)))
		buf = binary.BigEndian.AppendUint32(buf, uint32(len(u.Visibility)))
		buf = binary.BigEndian.AppendUint32(buf, uint32(len(u.Value)))
		buf = binary.BigEndian.AppendUint64(buf, uint64(u.Timestamp))
		var flags byte
		if u.HasTimestamp {
			flags |= flagHasTimestamp
		}
		if u.Deleted {
			flags |= flagDeleted
		}
		buf = append(buf, flags)
		buf = append(buf, u.Family...)
		buf = append(buf, u.Qualifier...)
		buf = append(buf, u.Visibility...)
		buf = append(buf, u.Value...)
	}
	return buf
}

// Deserialize reads a mutation from data and returns the number of consumed bytes
func (m *Mutation) Deserialize(data []byte) (int, error) {
	if len(data) < 4 {
		return 0, errors.New("data too short for row length")
	}
	pos := 0
	rowLen := int(binary.BigEndian.Uint32(data[pos:]))
	pos += 4
	if len(data) < pos+rowLen+4 {
		return 0, errors.Newf("data too short for row of length %d", rowLen)
	}
	m.Row = append([]byte(nil), data[pos:pos+rowLen]...)
	pos += rowLen
	count := int(binary.BigEndian.Uint32(data[pos:]))
	pos += 4

	m.Updates = make([]ColumnUpdate, 0, count)
	for i := 0; i < count; i++ {
		if len(data) < pos+columnUpdateHeader {
			return 0, errors.Newf("data too short for column update %d", i)
		}
		famLen := int(binary.BigEndian.Uint32(data[pos:]))
		qualLen := int(binary.BigEndian.Uint32(data[pos+4:]))
		visLen := int(binary.BigEndian.Uint32(data[pos+8:]))
		valLen := int(binary.BigEndian.Uint32(data[pos+12:]))
		ts := int64(binary.BigEndian.Uint64(data[pos+16:]))
		flags := data[pos+24]
		pos += columnUpdateHeader

		total := famLen + qualLen + visLen + valLen
		if len(data) < pos+total {
			return 0, errors.Newf("data too short for column update %d payload", i)
		}
		u := ColumnUpdate{
			Timestamp:    ts,
			HasTimestamp: flags&flagHasTimestamp != 0,
			Deleted:      flags&flagDeleted != 0,
		}
		u.Family, pos = readBytes(data, pos, famLen)
		u.Qualifier, pos = readBytes(data, pos, qualLen)
		u.Visibility, pos = readBytes(data, pos, visLen)
		u.Value, pos = readBytes(data, pos, valLen)
		m.Updates = append(m.Updates, u)
	}
	return pos, nil
}

func readBytes(data []byte, pos, n int) ([]byte, int) {
	if n == 0 {
		return nil, pos
	}
	return append([]byte(nil), data[pos:pos+n]...), pos + n
}

// SerializeMutations encodes a batch of mutations (4 bytes count followed by the mutations)
func SerializeMutations(mutations []*Mutation) []byte {
	size := 4
	for _, m := range mutations {
		size += m.SizeBytes()
	}
	buf := make([]byte, 0, size)
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(mutations)))
	for _, m := range mutations {
		buf = m.Serialize(buf)
	}
	return buf
}

// DeserializeMutations decodes a batch encoded with SerializeMutations
func DeserializeMutations(data []byte) ([]*Mutation, error) {
	if len(data) < 4 {
		return nil, errors.New("data too short for mutation count")
	}
	count := int(binary.BigEndian.Uint32(data))
	pos := 4
	res := make([]*Mutation, 0, count)
	for i := 0; i < count; i++ {
		m := &Mutation{}
		n, err := m.Deserialize(data[pos:])
		if err != nil {
			return nil, errors.Wrapf(err, "mutation %d", i)
		}
		pos += n
		res = append(res, m)
	}
	return res, nil
}
