package data

import (
	"bytes"
	"encoding/hex"
	"sort"
	"strings"
)

// TableID identifies a table
type TableID string

const (
	// RootTableID is the table holding the location of the metadata tablets. It always has exactly one tablet.
	RootTableID TableID = "+r"
	// MetadataTableID is the table holding the location of all user tablets
	MetadataTableID TableID = "!0"
)

// IsMeta reports whether the table is the root or the metadata table
func (t TableID) IsMeta() bool {
	return t == RootTableID || t == MetadataTableID
}

// --------------------------------------------------------------------------
// Extent
// --------------------------------------------------------------------------

// Extent identifies a tablet by its table and the row range (PrevEndRow, EndRow].
// A nil EndRow means +inf, a nil PrevEndRow means -inf.
type Extent struct {
	Table      TableID `json:"table"`
	EndRow     []byte  `json:"endRow,omitempty"`
	PrevEndRow []byte  `json:"prevEndRow,omitempty"`
}

// NewExtent creates a new extent, empty rows are normalized to nil (infinite)
func NewExtent(table TableID, endRow, prevEndRow []byte) Extent {
	e := Extent{Table: table}
	if len(endRow) > 0 {
		e.EndRow = endRow
	}
	if len(prevEndRow) > 0 {
		e.PrevEndRow = prevEndRow
	}
	return e
}

// RootExtent is the single extent of the root table
var RootExtent = Extent{Table: RootTableID}

// IsRootTablet reports whether this is the root tablet
func (e Extent) IsRootTablet() bool {
	return e.Table == RootTableID
}

// IsMeta reports whether the extent belongs to the root or metadata table
func (e Extent) IsMeta() bool {
	return e.Table.IsMeta()
}

// Equal compares table and both row bounds
func (e Extent) Equal(o Extent) bool {
	return e.Table == o.Table && bytes.Equal(e.EndRow, o.EndRow) && bytes.Equal(e.PrevEndRow, o.PrevEndRow)
}

// Contains reports whether the row lies within (PrevEndRow, EndRow]
func (e Extent) Contains(row []byte) bool {
	if e.PrevEndRow != nil && bytes.Compare(row, e.PrevEndRow) <= 0 {
		return false
	}
	if e.EndRow != nil && bytes.Compare(row, e.EndRow) > 0 {
		return false
	}
	return true
}

// Overlaps reports whether both extents share at least one row
func (e Extent) Overlaps(o Extent) bool {
	if e.Table != o.Table {
		return false
	}
	// e ends before o starts
	if e.EndRow != nil && o.PrevEndRow != nil && bytes.Compare(e.EndRow, o.PrevEndRow) <= 0 {
		return false
	}
	// o ends before e starts
	if o.EndRow != nil && e.PrevEndRow != nil && bytes.Compare(o.EndRow, e.PrevEndRow) <= 0 {
		return false
	}
	return true
}

// OverlapsRange reports whether any row of the range lies within the extent
func (e Extent) OverlapsRange(r Range) bool {
	// lo is the smallest row that is both in the range and after PrevEndRow
	lo := r.Start
	if e.PrevEndRow != nil {
		first := append(append([]byte(nil), e.PrevEndRow...), 0)
		if lo == nil || bytes.Compare(first, lo) > 0 {
			lo = first
		}
	}
	if r.End != nil && bytes.Compare(lo, r.End) >= 0 {
		return false
	}
	if e.EndRow != nil && bytes.Compare(lo, e.EndRow) > 0 {
		return false
	}
	return true
}

// Clip narrows the range to the rows of the extent
func (e Extent) Clip(r Range) Range {
	if e.PrevEndRow != nil {
		first := append(append([]byte(nil), e.PrevEndRow...), 0)
		if r.Start == nil || bytes.Compare(first, r.Start) > 0 {
			r.Start = first
		}
	}
	if e.EndRow != nil {
		after := append(append([]byte(nil), e.EndRow...), 0)
		if r.End == nil || bytes.Compare(after, r.End) < 0 {
			r.End = after
		}
	}
	return r
}

// Compare orders extents by table and end row (+inf last)
func (e Extent) Compare(o Extent) int {
	if c := strings.Compare(string(e.Table), string(o.Table)); c != 0 {
		return c
	}
	if c := compareEndRow(e.EndRow, o.EndRow); c != 0 {
		return c
	}
	return comparePrevEndRow(e.PrevEndRow, o.PrevEndRow)
}

func compareEndRow(a, b []byte) int {
	switch {
	case a == nil && b == nil:
		return 0
	case a == nil:
		return 1
	case b == nil:
		return -1
	default:
		return bytes.Compare(a, b)
	}
}

func comparePrevEndRow(a, b []byte) int {
	switch {
	case a == nil && b == nil:
		return 0
	case a == nil:
		return -1
	case b == nil:
		return 1
	default:
		return bytes.Compare(a, b)
	}
}

// Key returns a stable string form usable as a map key
func (e Extent) Key() string {
	var sb strings.Builder
	sb.WriteString(string(e.Table))
	sb.WriteByte(';')
	if e.EndRow == nil {
		sb.WriteByte('<')
	} else {
		sb.WriteByte('=')
		sb.WriteString(hex.EncodeToString(e.EndRow))
	}
	sb.WriteByte(';')
	if e.PrevEndRow == nil {
		sb.WriteByte('<')
	} else {
		sb.WriteByte('=')
		sb.WriteString(hex.EncodeToString(e.PrevEndRow))
	}
	return sb.String()
}

// String returns a human readable form, e.g. 2;m<a (table 2, rows (a, m])
func (e Extent) String() string {
	end, prev := "<", "<"
	if e.EndRow != nil {
		end = printable(e.EndRow)
	}
	if e.PrevEndRow != nil {
		prev = printable(e.PrevEndRow)
	}
	return string(e.Table) + ";" + end + ";" + prev
}

// SplitAt partitions the extent at row into (PrevEndRow, row] and (row, EndRow]
func (e Extent) SplitAt(row []byte) (low, high Extent) {
	r := append([]byte(nil), row...)
	low = Extent{Table: e.Table, EndRow: r, PrevEndRow: e.PrevEndRow}
	high = Extent{Table: e.Table, EndRow: e.EndRow, PrevEndRow: r}
	return low, high
}

// FindOverlapping returns all candidates overlapping the extent
func FindOverlapping(e Extent, candidates []Extent) []Extent {
	var res []Extent
	for _, c := range candidates {
		if e.Overlaps(c) {
			res = append(res, c)
		}
	}
	return res
}

// SortExtents sorts extents in place (see Extent.Compare)
func SortExtents(extents []Extent) {
	sort.Slice(extents, func(i, j int) bool { return extents[i].Compare(extents[j]) < 0 })
}

func printable(b []byte) string {
	for _, c := range b {
		if c < 0x20 || c > 0x7e {
			return "0x" + hex.EncodeToString(b)
		}
	}
	return string(b)
}
