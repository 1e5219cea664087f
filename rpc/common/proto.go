package common

import (
	"encoding/json"
	"fmt"

	"github.com/ValentinKolb/dTablet/lib/db"
)

// --------------------------------------------------------------------------
// Message Structure
// --------------------------------------------------------------------------

// Message represents a single message used for both requests and responses.
// Which fields are used depends on the type of message.
type Message struct {
	// Type of message
	MsgType MessageType `json:"msg_type"`

	// General fields
	Key      string `json:"key,omitempty"`      // Used for: store and lock operations
	DeleteIn uint64 `json:"deleteIn,omitempty"` // Used for: SetE, SetEIfUnset, CompareAndSet, Acquire, Refresh
	Value    []byte `json:"value,omitempty"`    // Used for: Set (request), Get (response), lock owner ids
	Expected []byte `json:"expected,omitempty"` // Used for: CompareAndSet
	Limit    int    `json:"limit,omitempty"`    // Used for: Scan

	// Response only fields
	Ok      bool    `json:"ok,omitempty"`      // Used for: Get, Has, SetEIfUnset, CompareAndSet and lock responses
	Entries []db.KV `json:"entries,omitempty"` // Used for: Scan responses
	Err     string  `json:"err,omitempty"`     // Empty if no error, otherwise contains the error message
	ErrCode uint8   `json:"errCode,omitempty"` // Classification of Err for tablet server responses

	// Payload carries the json encoded TabletRequest or TabletResponse of tablet server messages
	Payload []byte `json:"payload,omitempty"`
}

// --------------------------------------------------------------------------
// Message Factory Functions (store)
// --------------------------------------------------------------------------

// NewSetRequest creates a new Set request
func NewSetRequest(key string, value []byte) *Message {
	return &Message{
		MsgType: MsgTKVSet,
		Key:     key,
		Value:   value,
	}
}

// NewSetERequest creates a new SetE request
func NewSetERequest(key string, value []byte, deleteIn uint64) *Message {
	return &Message{
		MsgType:  MsgTKVSetE,
		Key:      key,
		Value:    value,
		DeleteIn: deleteIn,
	}
}

// NewSetEIfUnsetRequest creates a new SetEIfUnset request
func NewSetEIfUnsetRequest(key string, value []byte, deleteIn uint64) *Message {
	return &Message{
		MsgType:  MsgTKVSetEIfUnset,
		Key:      key,
		Value:    value,
		DeleteIn: deleteIn,
	}
}

// NewCompareAndSetRequest creates a new CompareAndSet request
func NewCompareAndSetRequest(key string, expected, value []byte, deleteIn uint64) *Message {
	return &Message{
		MsgType:  MsgTKVCompareAndSet,
		Key:      key,
		Expected: expected,
		Value:    value,
		DeleteIn: deleteIn,
	}
}

// NewDeleteRequest creates a new Delete request
func NewDeleteRequest(key string) *Message {
	return &Message{
		MsgType: MsgTKVDelete,
		Key:     key,
	}
}

// NewGetRequest creates a new Get request
func NewGetRequest(key string) *Message {
	return &Message{
		MsgType: MsgTKVGet,
		Key:     key,
	}
}

// NewHasRequest creates a new Has request
func NewHasRequest(key string) *Message {
	return &Message{
		MsgType: MsgTKVHas,
		Key:     key,
	}
}

// NewScanRequest creates a new Scan request
func NewScanRequest(prefix string, limit int) *Message {
	return &Message{
		MsgType: MsgTKVScan,
		Key:     prefix,
		Limit:   limit,
	}
}

// NewScanResponse creates a new Scan response
func NewScanResponse(entries []db.KV, err error) *Message {
	msg := &Message{
		MsgType: MsgTKVScan,
		Entries: entries,
	}
	if err != nil {
		msg.Err = err.Error()
	}
	return msg
}

// --------------------------------------------------------------------------
// Message Factory Functions (lock manager)
// --------------------------------------------------------------------------

// NewAcquireRequest creates a new Acquire request
func NewAcquireRequest(key string, deleteIn uint64) *Message {
	return &Message{
		MsgType:  MsgTLCKAcquire,
		Key:      key,
		DeleteIn: deleteIn,
	}
}

// NewReleaseRequest creates a new Release request
func NewReleaseRequest(key string, ownerId []byte) *Message {
	return &Message{
		MsgType: MsgTLCKRelease,
		Key:     key,
		Value:   ownerId,
	}
}

// NewRefreshRequest creates a new Refresh request
func NewRefreshRequest(key string, ownerId []byte, deleteIn uint64) *Message {
	return &Message{
		MsgType:  MsgTLCKRefresh,
		Key:      key,
		Value:    ownerId,
		DeleteIn: deleteIn,
	}
}

// NewIsHeldRequest creates a new IsHeld request
func NewIsHeldRequest(key string, ownerId []byte) *Message {
	return &Message{
		MsgType: MsgTLCKIsHeld,
		Key:     key,
		Value:   ownerId,
	}
}

// NewOwnerRequest creates a new Owner request
func NewOwnerRequest(key string) *Message {
	return &Message{
		MsgType: MsgTLCKOwner,
		Key:     key,
	}
}

// --------------------------------------------------------------------------
// Message Factory Functions (generic responses)
// --------------------------------------------------------------------------

// NewResponse creates a response of the given type carrying only the error
func NewResponse(msgType MessageType, err error) *Message {
	msg := &Message{
		MsgType: msgType,
	}
	if err != nil {
		msg.Err = err.Error()
	}
	return msg
}

// NewValueResponse creates a response of the given type carrying a value and a flag
func NewValueResponse(msgType MessageType, value []byte, ok bool, err error) *Message {
	msg := NewResponse(msgType, err)
	msg.Value = value
	msg.Ok = ok
	return msg
}

// NewErrorResponse creates a new Error response
func NewErrorResponse(err string) *Message {
	return &Message{
		MsgType: MsgTError,
		Err:     err,
	}
}

// --------------------------------------------------------------------------
// Message Type Definition
// --------------------------------------------------------------------------

// MessageType defines the type of message used in RPC communication.
type MessageType uint8

// messageTypeNames maps every message type to its wire name
var messageTypeNames = map[MessageType]string{
	MsgTSuccess: "success",
	MsgTError:   "error",

	MsgTKVSet:           "set",
	MsgTKVSetE:          "setE",
	MsgTKVSetEIfUnset:   "setEIfUnset",
	MsgTKVCompareAndSet: "compareAndSet",
	MsgTKVDelete:        "delete",
	MsgTKVGet:           "get",
	MsgTKVHas:           "has",
	MsgTKVScan:          "scan",

	MsgTLCKAcquire: "acquire",
	MsgTLCKRelease: "release",
	MsgTLCKRefresh: "refresh",
	MsgTLCKIsHeld:  "isHeld",
	MsgTLCKOwner:   "owner",

	MsgTTSStartScan:              "startScan",
	MsgTTSContinueScan:           "continueScan",
	MsgTTSCloseScan:              "closeScan",
	MsgTTSStartMultiScan:         "startMultiScan",
	MsgTTSContinueMultiScan:      "continueMultiScan",
	MsgTTSCloseMultiScan:         "closeMultiScan",
	MsgTTSStartUpdate:            "startUpdate",
	MsgTTSApplyUpdates:           "applyUpdates",
	MsgTTSCloseUpdate:            "closeUpdate",
	MsgTTSUpdate:                 "update",
	MsgTTSStartConditional:       "startConditionalUpdate",
	MsgTTSConditionalUpdate:      "conditionalUpdate",
	MsgTTSInvalidateConditional:  "invalidateConditionalUpdate",
	MsgTTSCloseConditional:       "closeConditionalUpdate",
	MsgTTSStartSummary:           "startTableSummary",
	MsgTTSContinueSummary:        "continueTableSummary",
	MsgTTSLoadTablet:             "loadTablet",
	MsgTTSUnloadTablet:           "unloadTablet",
	MsgTTSFlush:                  "flush",
	MsgTTSFlushTablet:            "flushTablet",
	MsgTTSCompact:                "compact",
	MsgTTSChop:                   "chop",
	MsgTTSSplitTablet:            "splitTablet",
	MsgTTSHalt:                   "halt",
	MsgTTSFastHalt:               "fastHalt",
	MsgTTSRemoveLogs:             "removeLogs",
	MsgTTSStatus:                 "getTabletServerStatus",
	MsgTTSTabletStats:            "getTabletStats",
	MsgTTSHistoricalStats:        "getHistoricalStats",
	MsgTTSActiveScans:            "getActiveScans",
	MsgTTSActiveLogs:             "getActiveLogs",
	MsgTTSActiveCompactions:      "getActiveCompactions",
	MsgTTSCreateTable:            "createTable",
	MsgTTSTables:                 "tables",
	MsgTTSGrantTablePermission:   "grantTablePermission",
	MsgTTSCreateUser:             "createUser",
	MsgTTSSetAuthorizations:      "setAuthorizations",
	MsgTTSDropUser:               "dropUser",
	MsgTTSRequestTableFlush:      "requestTableFlush",
	MsgTTSRequestTableCompaction: "requestTableCompaction",
}

// messageTypesByName is the reverse of messageTypeNames
var messageTypesByName = func() map[string]MessageType {
	m := make(map[string]MessageType, len(messageTypeNames))
	for t, name := range messageTypeNames {
		m[name] = t
	}
	return m
}()

// String returns the string representation of a MessageType.
func (t MessageType) String() string {
	if name, ok := messageTypeNames[t]; ok {
		return name
	}
	return "unknown"
}

// IsTabletServer reports whether the type is handled by the tablet server
func (t MessageType) IsTabletServer() bool {
	return t >= MsgTTSStartScan && t <= MsgTTSRequestTableCompaction
}

// MarshalJSON implements the json.Marshaller interface for MessageType.
// This allows MessageType to be serialized as a string in JSON.
func (t MessageType) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.String())
}

// UnmarshalJSON implements the json.Unmarshaler interface for MessageType.
// This allows MessageType to be deserialized from a string in JSON.
func (t *MessageType) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, ok := messageTypesByName[s]
	if !ok {
		return fmt.Errorf("unknown message type: %s", s)
	}
	*t = parsed
	return nil
}

// --------------------------------------------------------------------------
// Message Type Constants
// --------------------------------------------------------------------------

const (
	// General message types

	MsgTUnknown MessageType = iota
	MsgTSuccess             // Indicates a successful operation
	MsgTError               // Indicates an error occurred

	// IStore operations

	MsgTKVSet           // Set a key-value pair
	MsgTKVSetE          // Set a key-value pair with expiration
	MsgTKVSetEIfUnset   // Set a key-value pair if not already set
	MsgTKVCompareAndSet // Replace a value if it equals the expected one
	MsgTKVDelete        // Delete a key-value pair
	MsgTKVGet           // Get a value by key
	MsgTKVHas           // Check if a key exists
	MsgTKVScan          // List the pairs with a key prefix

	// ILockManager operations

	MsgTLCKAcquire // Acquire a lock
	MsgTLCKRelease // Release a lock
	MsgTLCKRefresh // Extend the ttl of a held lock
	MsgTLCKIsHeld  // Check the owner of a lock
	MsgTLCKOwner   // Read the owner of a lock

	// Tablet server client protocol

	MsgTTSStartScan
	MsgTTSContinueScan
	MsgTTSCloseScan
	MsgTTSStartMultiScan
	MsgTTSContinueMultiScan
	MsgTTSCloseMultiScan
	MsgTTSStartUpdate
	MsgTTSApplyUpdates
	MsgTTSCloseUpdate
	MsgTTSUpdate
	MsgTTSStartConditional
	MsgTTSConditionalUpdate
	MsgTTSInvalidateConditional
	MsgTTSCloseConditional
	MsgTTSStartSummary
	MsgTTSContinueSummary

	// Tablet server coordinator commands

	MsgTTSLoadTablet
	MsgTTSUnloadTablet
	MsgTTSFlush
	MsgTTSFlushTablet
	MsgTTSCompact
	MsgTTSChop
	MsgTTSSplitTablet
	MsgTTSHalt
	MsgTTSFastHalt
	MsgTTSRemoveLogs

	// Tablet server status and administration

	MsgTTSStatus
	MsgTTSTabletStats
	MsgTTSHistoricalStats
	MsgTTSActiveScans
	MsgTTSActiveLogs
	MsgTTSActiveCompactions
	MsgTTSCreateTable
	MsgTTSTables
	MsgTTSGrantTablePermission
	MsgTTSCreateUser
	MsgTTSSetAuthorizations
	MsgTTSDropUser
	MsgTTSRequestTableFlush
	MsgTTSRequestTableCompaction
)
