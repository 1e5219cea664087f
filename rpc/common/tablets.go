package common

import (
	"encoding/json"

	"github.com/ValentinKolb/dTablet/lib/data"
	"github.com/ValentinKolb/dTablet/lib/metadata"
	"github.com/ValentinKolb/dTablet/lib/security"
	"github.com/ValentinKolb/dTablet/lib/session"
	"github.com/ValentinKolb/dTablet/lib/tserver"
)

// --------------------------------------------------------------------------
// Tablet server payloads
// --------------------------------------------------------------------------

// TabletRequest is the payload of every tablet server request.
// Which fields are used depends on the type of message.
type TabletRequest struct {
	Credentials security.Credentials `json:"credentials"`

	// LockID is the coordinator lock owner id, used for coordinator commands
	LockID    string `json:"lockId,omitempty"`
	SessionID int64  `json:"sessionId,omitempty"`

	Table       data.TableID        `json:"table,omitempty"`
	Extent      *data.Extent        `json:"extent,omitempty"`
	Start       []byte              `json:"start,omitempty"`
	End         []byte              `json:"end,omitempty"`
	SplitRow    []byte              `json:"splitRow,omitempty"`
	Goal        tserver.UnloadGoal  `json:"goal,omitempty"`
	RequestTime int64               `json:"requestTime,omitempty"`
	Durability  data.Durability     `json:"durability,omitempty"`
	Auths       data.Authorizations `json:"auths,omitempty"`
	Logs        []string            `json:"logs,omitempty"`

	Scan        *tserver.ScanRequest       `json:"scan,omitempty"`
	MultiScan   *tserver.MultiScanRequest  `json:"multiScan,omitempty"`
	Mutations   []*data.Mutation           `json:"mutations,omitempty"`
	Conditional []tserver.ConditionalBatch `json:"conditional,omitempty"`

	// administration
	TableConfig *metadata.TableConfig `json:"tableConfig,omitempty"`
	Splits      [][]byte              `json:"splits,omitempty"`
	User        string                `json:"user,omitempty"`
	Password    string                `json:"password,omitempty"`
	Permission  string                `json:"permission,omitempty"`
	System      bool                  `json:"system,omitempty"`
}

// TabletResponse is the payload of every tablet server response
type TabletResponse struct {
	SessionID int64 `json:"sessionId,omitempty"`
	ID        int64 `json:"id,omitempty"`
	Done      bool  `json:"done,omitempty"`

	Scan         *tserver.ScanResult      `json:"scan,omitempty"`
	MultiScan    *tserver.MultiScanResult `json:"multiScan,omitempty"`
	UpdateErrors *data.UpdateErrors       `json:"updateErrors,omitempty"`
	Results      []data.Result            `json:"results,omitempty"`
	Summary      *session.TableSummary    `json:"summary,omitempty"`

	Status      *data.ServerStatus      `json:"status,omitempty"`
	TabletStats []data.TabletStats      `json:"tabletStats,omitempty"`
	Historical  map[string]int64        `json:"historical,omitempty"`
	ActiveScans []data.ActiveScan       `json:"activeScans,omitempty"`
	Logs        []string                `json:"logs,omitempty"`
	Compactions []data.ActiveCompaction `json:"compactions,omitempty"`
	Tables      []*metadata.TableConfig `json:"tables,omitempty"`
}

// NewTabletRequest creates a tablet server request message
func NewTabletRequest(msgType MessageType, req *TabletRequest) (*Message, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}
	return &Message{
		MsgType: msgType,
		Payload: payload,
	}, nil
}

// NewTabletResponse creates a tablet server response message. The error is
// classified with tserver.CodeOf so the client can rebuild it.
func NewTabletResponse(msgType MessageType, resp *TabletResponse, err error) *Message {
	msg := &Message{
		MsgType: msgType,
	}
	if err != nil {
		msg.Err = err.Error()
		msg.ErrCode = uint8(tserver.CodeOf(err))
		return msg
	}
	if resp != nil {
		payload, mErr := json.Marshal(resp)
		if mErr != nil {
			msg.Err = mErr.Error()
			msg.ErrCode = uint8(tserver.CodeInternal)
			return msg
		}
		msg.Payload = payload
	}
	return msg
}

// DecodeTabletRequest decodes the payload of a tablet server request
func DecodeTabletRequest(msg *Message) (*TabletRequest, error) {
	req := &TabletRequest{}
	if len(msg.Payload) == 0 {
		return req, nil
	}
	if err := json.Unmarshal(msg.Payload, req); err != nil {
		return nil, err
	}
	return req, nil
}

// DecodeTabletResponse decodes the payload of a tablet server response
func DecodeTabletResponse(msg *Message) (*TabletResponse, error) {
	resp := &TabletResponse{}
	if len(msg.Payload) == 0 {
		return resp, nil
	}
	if err := json.Unmarshal(msg.Payload, resp); err != nil {
		return nil, err
	}
	return resp, nil
}
