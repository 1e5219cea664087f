package data

import (
	"bytes"
)

// --------------------------------------------------------------------------
// Key / Entry
// --------------------------------------------------------------------------

// Key addresses a single cell version
type Key struct {
	Row        []byte `json:"row"`
	Family     []byte `json:"family,omitempty"`
	Qualifier  []byte `json:"qualifier,omitempty"`
	Visibility []byte `json:"visibility,omitempty"`
	Timestamp  int64  `json:"timestamp"`
	Deleted    bool   `json:"deleted,omitempty"`
}

// Compare orders keys by row, family, qualifier, visibility (ascending)
// and timestamp (descending). At equal timestamps a delete marker sorts first.
func (k Key) Compare(o Key) int {
	if c := k.CompareColumn(o); c != 0 {
		return c
	}
	switch {
	case k.Timestamp > o.Timestamp:
		return -1
	case k.Timestamp < o.Timestamp:
		return 1
	}
	switch {
	case k.Deleted == o.Deleted:
		return 0
	case k.Deleted:
		return -1
	default:
		return 1
	}
}

// CompareColumn compares everything but timestamp and delete flag
func (k Key) CompareColumn(o Key) int {
	if c := bytes.Compare(k.Row, o.Row); c != 0 {
		return c
	}
	if c := bytes.Compare(k.Family, o.Family); c != 0 {
		return c
	}
	if c := bytes.Compare(k.Qualifier, o.Qualifier); c != 0 {
		return c
	}
	return bytes.Compare(k.Visibility, o.Visibility)
}

// SameColumn reports whether both keys address the same cell (ignoring the version)
func (k Key) SameColumn(o Key) bool {
	return k.CompareColumn(o) == 0
}

// Entry is a key with its value
type Entry struct {
	Key   Key    `json:"key"`
	Value []byte `json:"value,omitempty"`
}

// SizeBytes estimates the memory used by the entry
func (e Entry) SizeBytes() int {
	return len(e.Key.Row) + len(e.Key.Family) + len(e.Key.Qualifier) + len(e.Key.Visibility) + len(e.Value) + 9
}

// --------------------------------------------------------------------------
// Range / Column
// --------------------------------------------------------------------------

// Range is a row range [Start, End). Nil bounds are unbounded.
type Range struct {
	Start []byte `json:"start,omitempty"`
	End   []byte `json:"end,omitempty"`
}

// ExactRow returns the range covering exactly one row
func ExactRow(row []byte) Range {
	return Range{
		Start: append([]byte(nil), row...),
		End:   append(append([]byte(nil), row...), 0),
	}
}

// ContainsRow reports whether the row lies in the range
func (r Range) ContainsRow(row []byte) bool {
	if r.Start != nil && bytes.Compare(row, r.Start) < 0 {
		return false
	}
	if r.End != nil && bytes.Compare(row, r.End) >= 0 {
		return false
	}
	return true
}

// AfterEnd reports whether the row lies behind the end of the range
func (r Range) AfterEnd(row []byte) bool {
	return r.End != nil && bytes.Compare(row, r.End) >= 0
}

// Column selects a column family and optionally a qualifier
type Column struct {
	Family    []byte `json:"family"`
	Qualifier []byte `json:"qualifier,omitempty"`
}

// MatchColumns reports whether the key matches any of the columns (an empty list matches everything)
func MatchColumns(k Key, columns []Column) bool {
	if len(columns) == 0 {
		return true
	}
	for _, c := range columns {
		if !bytes.Equal(c.Family, k.Family) {
			continue
		}
		if c.Qualifier == nil || bytes.Equal(c.Qualifier, k.Qualifier) {
			return true
		}
	}
	return false
}

// --------------------------------------------------------------------------
// Authorizations
// --------------------------------------------------------------------------

// Authorizations is the set of visibility labels a reader holds
type Authorizations []string

// CanSee reports whether an entry with the given visibility label is visible.
// An empty label is visible to everyone, otherwise the label must be held.
func (a Authorizations) CanSee(visibility []byte) bool {
	if len(visibility) == 0 {
		return true
	}
	for _, auth := range a {
		if auth == string(visibility) {
			return true
		}
	}
	return false
}

// Contains reports whether all labels of other are part of a
func (a Authorizations) Contains(other Authorizations) bool {
	for _, o := range other {
		found := false
		for _, auth := range a {
			if auth == o {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}
