package tablet

import (
	"bytes"
	"strconv"

	"github.com/ValentinKolb/dTablet/lib/data"
	"github.com/ValentinKolb/dTablet/lib/metadata"
	"github.com/cockroachdb/errors"
)

// Constraint checks mutations before they are written. A mutation that violates
// any constraint of its table is never logged or committed.
type Constraint interface {
	Name() string
	// Check returns the codes of all violated rules (nil if the mutation is valid)
	Check(m *data.Mutation) []int
	// Describe returns a human readable description of a code
	Describe(code int) string
}

// BuildConstraints creates the constraints of a table. The metadata tables
// always get the metadata format constraint.
func BuildConstraints(table data.TableID, specs []metadata.ConstraintSpec) ([]Constraint, error) {
	var res []Constraint
	for _, spec := range specs {
		switch spec.Name {
		case "maxValueSize":
			n, err := strconv.Atoi(spec.Arg)
			if err != nil || n <= 0 {
				return nil, errors.Newf("invalid argument %q for maxValueSize", spec.Arg)
			}
			res = append(res, maxValueSize(n))
		case "noEmptyRow":
			res = append(res, noEmptyRow{})
		case "visibilityFormat":
			res = append(res, visibilityFormat{})
		case "metadataFormat":
		default:
			return nil, errors.Newf("unknown constraint %q", spec.Name)
		}
	}
	if table.IsMeta() {
		res = append(res, metadataFormat{})
	}
	return res, nil
}

// checkConstraints splits the mutations into valid and violating ones and
// summarizes the violations
func checkConstraints(constraints []Constraint, mutations []*data.Mutation) (valid, violating []*data.Mutation, violations []data.Violation) {
	if len(constraints) == 0 {
		return mutations, nil, nil
	}
	for _, m := range mutations {
		ok := true
		for _, c := range constraints {
			for _, code := range c.Check(m) {
				ok = false
				violations = data.MergeViolations(violations, data.Violation{
					Constraint:  c.Name(),
					Code:        code,
					Description: c.Describe(code),
					Count:       1,
				})
			}
		}
		if ok {
			valid = append(valid, m)
		} else {
			violating = append(violating, m)
		}
	}
	return valid, violating, violations
}

// --------------------------------------------------------------------------
// Built-in constraints
// --------------------------------------------------------------------------

type maxValueSize int

func (maxValueSize) Name() string { return "maxValueSize" }

func (c maxValueSize) Check(m *data.Mutation) []int {
	for _, u := range m.Updates {
		if len(u.Value) > int(c) {
			return []int{1}
		}
	}
	return nil
}

func (c maxValueSize) Describe(int) string {
	return "value larger than " + strconv.Itoa(int(c)) + " bytes"
}

type noEmptyRow struct{}

func (noEmptyRow) Name() string { return "noEmptyRow" }

func (noEmptyRow) Check(m *data.Mutation) []int {
	if len(m.Row) == 0 {
		return []int{1}
	}
	return nil
}

func (noEmptyRow) Describe(int) string { return "empty row" }

type visibilityFormat struct{}

func (visibilityFormat) Name() string { return "visibilityFormat" }

// Check accepts labels made of letters, digits and _-:./
func (visibilityFormat) Check(m *data.Mutation) []int {
	for _, u := range m.Updates {
		for _, c := range u.Visibility {
			switch {
			case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
			case c == '_', c == '-', c == ':', c == '.', c == '/':
			default:
				return []int{1}
			}
		}
	}
	return nil
}

func (visibilityFormat) Describe(int) string { return "invalid visibility label" }

// metadataFormat guards the rows of the metadata tables: every row starts with
// a table id followed by ';' (tablet with end row) or '<' (last tablet)
type metadataFormat struct{}

func (metadataFormat) Name() string { return "metadataFormat" }

func (metadataFormat) Check(m *data.Mutation) []int {
	i := bytes.IndexAny(m.Row, ";<")
	if i <= 0 {
		return []int{1}
	}
	if m.Row[i] == '<' && i != len(m.Row)-1 {
		return []int{2}
	}
	return nil
}

func (metadataFormat) Describe(code int) string {
	if code == 2 {
		return "data after last tablet marker"
	}
	return "row does not start with a table id"
}
