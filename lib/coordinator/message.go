package coordinator

import (
	"encoding/json"

	"github.com/ValentinKolb/dTablet/lib/data"
	"github.com/cockroachdb/errors"
)

// LoadState is the outcome of a load or unload reported to the coordinator
type LoadState uint8

const (
	Loaded LoadState = iota
	LoadFailure
	Unloaded
	UnloadError
	UnloadFailureNotServing
)

func (s LoadState) String() string {
	switch s {
	case Loaded:
		return "LOADED"
	case LoadFailure:
		return "LOAD_FAILURE"
	case Unloaded:
		return "UNLOADED"
	case UnloadError:
		return "UNLOAD_ERROR"
	case UnloadFailureNotServing:
		return "UNLOAD_FAILURE_NOT_SERVING"
	default:
		return "UNKNOWN"
	}
}

// Message is a status message for the coordinator. The set of messages is closed:
// *TabletStatus and *SplitReport.
type Message interface {
	kind() string
}

// TabletStatus reports the outcome of a load or unload
type TabletStatus struct {
	State  LoadState   `json:"state"`
	Extent data.Extent `json:"extent"`
}

// SplitReport reports a split of Old into Low and High
type SplitReport struct {
	Old     data.Extent `json:"old"`
	Low     data.Extent `json:"low"`
	High    data.Extent `json:"high"`
	LowDir  string      `json:"lowDir"`
	HighDir string      `json:"highDir"`
}

func (*TabletStatus) kind() string { return "status" }
func (*SplitReport) kind() string  { return "split" }

// envelope is the stored form of a message
type envelope struct {
	Kind    string          `json:"kind"`
	Server  string          `json:"server"`
	Payload json.RawMessage `json:"payload"`
}

// Encode serializes a message sent by server
func Encode(server string, m Message) ([]byte, error) {
	payload, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	return json.Marshal(envelope{Kind: m.kind(), Server: server, Payload: payload})
}

// Decode is the inverse of Encode
func Decode(b []byte) (server string, m Message, err error) {
	var env envelope
	if err := json.Unmarshal(b, &env); err != nil {
		return "", nil, errors.Wrap(err, "decode message")
	}
	switch env.Kind {
	case "status":
		m = &TabletStatus{}
	case "split":
		m = &SplitReport{}
	default:
		return "", nil, errors.Newf("unknown message kind %q", env.Kind)
	}
	if err := json.Unmarshal(env.Payload, m); err != nil {
		return "", nil, errors.Wrapf(err, "decode %s message", env.Kind)
	}
	return env.Server, m, nil
}
