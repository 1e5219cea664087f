package data

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
)

// Condition is a predicate on the current state of a single column of a row.
// A nil Value requires the column to be absent, otherwise the latest visible
// version must hold exactly Value (and Timestamp, if HasTimestamp is set).
type Condition struct {
	Family       []byte `json:"family,omitempty"`
	Qualifier    []byte `json:"qualifier,omitempty"`
	Visibility   []byte `json:"visibility,omitempty"`
	Value        []byte `json:"value,omitempty"`
	Timestamp    int64  `json:"timestamp,omitempty"`
	HasTimestamp bool   `json:"hasTimestamp,omitempty"`
}

// Matches reports whether the column key addresses this condition's column
func (c Condition) Matches(k Key) bool {
	return bytes.Equal(c.Family, k.Family) && bytes.Equal(c.Qualifier, k.Qualifier) && bytes.Equal(c.Visibility, k.Visibility)
}

// ConditionalMutation is a mutation that is only applied when all conditions hold
type ConditionalMutation struct {
	ID         int64       `json:"id"`
	Mutation   *Mutation   `json:"mutation"`
	Conditions []Condition `json:"conditions"`
}

// SortConditionalMutations orders mutations by row, keeping the submission order for equal rows
func SortConditionalMutations(cms []ConditionalMutation) {
	sort.SliceStable(cms, func(i, j int) bool {
		return bytes.Compare(cms[i].Mutation.Row, cms[j].Mutation.Row) < 0
	})
}

// --------------------------------------------------------------------------
// Results
// --------------------------------------------------------------------------

// Status is the outcome of a single conditional mutation
type Status uint8

const (
	StatusUnknown  Status = iota // outcome is not known, the client has to check
	StatusAccepted               // conditions held and the mutation was written
	StatusRejected               // at least one condition failed
	StatusViolated               // the mutation violated a table constraint
	StatusIgnored                // the tablet is not served here or the session was cancelled
)

func (s Status) String() string {
	switch s {
	case StatusAccepted:
		return "accepted"
	case StatusRejected:
		return "rejected"
	case StatusViolated:
		return "violated"
	case StatusIgnored:
		return "ignored"
	default:
		return "unknown"
	}
}

// MarshalJSON encodes the status as string
func (s Status) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// UnmarshalJSON decodes the string form
func (s *Status) UnmarshalJSON(b []byte) error {
	var str string
	if err := json.Unmarshal(b, &str); err != nil {
		return err
	}
	switch str {
	case "accepted":
		*s = StatusAccepted
	case "rejected":
		*s = StatusRejected
	case "violated":
		*s = StatusViolated
	case "ignored":
		*s = StatusIgnored
	case "unknown":
		*s = StatusUnknown
	default:
		return fmt.Errorf("unknown status: %s", str)
	}
	return nil
}

// Result maps the id of a conditional mutation to its outcome
type Result struct {
	ID     int64  `json:"id"`
	Status Status `json:"status"`
}

// --------------------------------------------------------------------------
// Violations / update errors
// --------------------------------------------------------------------------

// Violation summarizes how many mutations failed a constraint check
type Violation struct {
	Constraint  string `json:"constraint"`
	Code        int    `json:"code"`
	Description string `json:"description"`
	Count       int64  `json:"count"`
}

// MergeViolations adds the counts of b to a, summarizing equal constraint codes
func MergeViolations(a []Violation, b ...Violation) []Violation {
	for _, v := range b {
		found := false
		for i := range a {
			if a[i].Constraint == v.Constraint && a[i].Code == v.Code {
				a[i].Count += v.Count
				found = true
				break
			}
		}
		if !found {
			a = append(a, v)
		}
	}
	return a
}

// UpdateErrors is returned when an update session is closed
type UpdateErrors struct {
	// FailedExtents maps extent keys to the number of mutations committed before the failure
	FailedExtents map[string]int64 `json:"failedExtents,omitempty"`
	Violations    []Violation      `json:"violations,omitempty"`
	AuthFailures  []string         `json:"authFailures,omitempty"`
}

// Empty reports whether no error was recorded
func (u *UpdateErrors) Empty() bool {
	return len(u.FailedExtents) == 0 && len(u.Violations) == 0 && len(u.AuthFailures) == 0
}
