package data

import (
	"encoding/json"
	"strings"

	"github.com/cockroachdb/errors"
)

// Durability describes how far a write must be persisted before it is acknowledged.
// The zero value (Default) defers to the table setting.
type Durability uint8

const (
	DurabilityDefault Durability = iota // use the table setting
	DurabilityNone                      // not logged at all
	DurabilityLog                       // appended to the log, not flushed
	DurabilityFlush                     // flushed to the operating system
	DurabilitySync                      // synced to disk
)

// ResolveDurability returns the stronger of the requested and the table durability.
// If neither names a durability the write is synced.
func ResolveDurability(requested, table Durability) Durability {
	d := table
	if requested > table {
		d = requested
	}
	if d == DurabilityDefault {
		return DurabilitySync
	}
	return d
}

func (d Durability) String() string {
	switch d {
	case DurabilityDefault:
		return "default"
	case DurabilityNone:
		return "none"
	case DurabilityLog:
		return "log"
	case DurabilityFlush:
		return "flush"
	case DurabilitySync:
		return "sync"
	default:
		return "unknown"
	}
}

// ParseDurability parses the string form of a durability
func ParseDurability(s string) (Durability, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "default":
		return DurabilityDefault, nil
	case "none":
		return DurabilityNone, nil
	case "log":
		return DurabilityLog, nil
	case "flush":
		return DurabilityFlush, nil
	case "sync":
		return DurabilitySync, nil
	default:
		return DurabilityDefault, errors.Newf("invalid durability %q (expected none, log, flush, sync)", s)
	}
}

// MarshalJSON encodes the durability as string
func (d Durability) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

// UnmarshalJSON decodes the string form
func (d *Durability) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	parsed, err := ParseDurability(s)
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}
