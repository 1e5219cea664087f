package serializer

import (
	"testing"

	"github.com/ValentinKolb/dTablet/lib/db"
	"github.com/ValentinKolb/dTablet/rpc/common"
	"github.com/stretchr/testify/require"
)

// testSerializers is a map of serializer name to factory function
var testSerializers = map[string]func() IRPCSerializer{
	"JSON":   NewJSONSerializer,
	"GOB":    NewGOBSerializer,
	"Binary": NewBinarySerializer,
}

// testMessages creates a set of test messages with different fields filled.
// Slices are either nil or non-empty since json and gob drop empty slices.
func testMessages() []common.Message {
	return []common.Message{
		// Basic message with just a type
		{MsgType: common.MsgTSuccess},

		// Set request
		{
			MsgType: common.MsgTKVSet,
			Key:     "test-key",
			Value:   []byte("test-value"),
		},

		// Get response
		{
			MsgType: common.MsgTKVGet,
			Key:     "test-key",
			Value:   []byte("test-value"),
			Ok:      true,
		},

		// Error response
		{
			MsgType: common.MsgTError,
			Err:     "test error message",
		},

		// Compare and set with ttl
		{
			MsgType:  common.MsgTKVCompareAndSet,
			Key:      "meta/wal/localhost:9100/abc",
			DeleteIn: 300,
			Expected: []byte("open"),
			Value:    []byte("closed"),
			Ok:       true,
		},

		// Scan response
		{
			MsgType: common.MsgTKVScan,
			Key:     "meta/tablets/",
			Limit:   2,
			Entries: []db.KV{
				{Key: "meta/tablets/a", Value: []byte("1")},
				{Key: "meta/tablets/b", Value: []byte("2")},
			},
		},

		// Tablet server response with a classified error
		{
			MsgType: common.MsgTTSContinueScan,
			Err:     "no such session",
			ErrCode: 3,
		},

		// Tablet server request
		{
			MsgType: common.MsgTTSStartUpdate,
			Payload: []byte(`{"credentials":{"user":"root","password":"secret"},"durability":"sync"}`),
		},
	}
}

// TestSerializerRoundTrip tests that messages can be serialized and deserialized correctly
func TestSerializerRoundTrip(t *testing.T) {
	messages := testMessages()

	for name, factory := range testSerializers {
		t.Run(name, func(t *testing.T) {
			serializer := factory()

			for i, msg := range messages {
				data, err := serializer.Serialize(msg)
				require.NoError(t, err, "message %d", i)

				var result common.Message
				require.NoError(t, serializer.Deserialize(data, &result), "message %d", i)
				require.Equal(t, msg, result, "message %d", i)
			}
		})
	}
}

// TestMessageTypes tests each message type with each serializer
func TestMessageTypes(t *testing.T) {
	for name, factory := range testSerializers {
		t.Run(name, func(t *testing.T) {
			serializer := factory()

			// MsgTUnknown is skipped, json rejects it
			for msgType := common.MsgTSuccess; msgType <= common.MsgTTSRequestTableCompaction; msgType++ {
				require.NotEqual(t, "unknown", msgType.String(), "type %d has no name", msgType)

				data, err := serializer.Serialize(common.Message{MsgType: msgType})
				require.NoError(t, err)

				var result common.Message
				require.NoError(t, serializer.Deserialize(data, &result))
				require.Equal(t, msgType, result.MsgType)
			}
		})
	}
}

func TestTabletServerTypes(t *testing.T) {
	require.True(t, common.MsgTTSStartScan.IsTabletServer())
	require.True(t, common.MsgTTSRequestTableCompaction.IsTabletServer())
	require.True(t, common.MsgTTSLoadTablet.IsTabletServer())
	require.False(t, common.MsgTKVScan.IsTabletServer())
	require.False(t, common.MsgTLCKOwner.IsTabletServer())
}

// TestBinarySerializerSpecific tests edge cases of the binary serializer
func TestBinarySerializerSpecific(t *testing.T) {
	serializer := NewBinarySerializer()

	testCases := []struct {
		name string
		msg  common.Message
	}{
		{
			name: "Empty message",
			msg:  common.Message{},
		},
		{
			name: "Empty value slice but not nil",
			msg: common.Message{
				MsgType: common.MsgTKVSet,
				Key:     "test",
				Value:   []byte{},
			},
		},
		{
			name: "Empty expected value means the key must hold an empty value",
			msg: common.Message{
				MsgType:  common.MsgTKVCompareAndSet,
				Key:      "test",
				Expected: []byte{},
				Value:    []byte("v"),
			},
		},
		{
			name: "Entries with nil and empty values",
			msg: common.Message{
				MsgType: common.MsgTKVScan,
				Entries: []db.KV{
					{Key: "a", Value: nil},
					{Key: "b", Value: []byte{}},
					{Key: "", Value: []byte("x")},
				},
			},
		},
		{
			name: "Empty entry list",
			msg: common.Message{
				MsgType: common.MsgTKVScan,
				Entries: []db.KV{},
			},
		},
		{
			name: "Negative limit",
			msg: common.Message{
				MsgType: common.MsgTKVScan,
				Limit:   -1,
			},
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			data, err := serializer.Serialize(tc.msg)
			require.NoError(t, err)

			var result common.Message
			require.NoError(t, serializer.Deserialize(data, &result))
			require.Equal(t, tc.msg, result)
		})
	}
}

// TestBinarySerializerResetsMessage checks that fields of a reused message are cleared
func TestBinarySerializerResetsMessage(t *testing.T) {
	serializer := NewBinarySerializer()

	data, err := serializer.Serialize(common.Message{MsgType: common.MsgTKVHas, Key: "k"})
	require.NoError(t, err)

	msg := common.Message{Value: []byte("old"), Ok: true, Err: "old"}
	require.NoError(t, serializer.Deserialize(data, &msg))
	require.Equal(t, common.Message{MsgType: common.MsgTKVHas, Key: "k"}, msg)
}

// TestInvalidBinaryData tests how the binary serializer handles corrupt or invalid data
func TestInvalidBinaryData(t *testing.T) {
	serializer := NewBinarySerializer()

	testCases := []struct {
		name        string
		data        []byte
		expectError bool
	}{
		{
			name:        "Empty data",
			data:        []byte{},
			expectError: true,
		},
		{
			name:        "Too short header",
			data:        []byte{1, 0}, // type and half of the flags
			expectError: true,
		},
		{
			name:        "Valid header only",
			data:        []byte{1, 0, 0},
			expectError: false,
		},
		{
			name:        "Invalid length for key",
			data:        []byte{1, 0, 1, 5, 'a', 'b', 'c'}, // claims key length 5 but only 3 bytes provided
			expectError: true,
		},
		{
			name:        "Invalid length for value",
			data:        []byte{1, 0, 4, 10}, // claims value length 10 but no bytes provided
			expectError: true,
		},
		{
			name:        "Missing error code",
			data:        []byte{1, 1, 0}, // error code flag without the code
			expectError: true,
		},
		{
			name:        "Entry count larger than the message",
			data:        []byte{1, 0, 64, 100},
			expectError: true,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			var msg common.Message
			err := serializer.Deserialize(tc.data, &msg)
			if tc.expectError {
				require.Error(t, err)
			} else {
				require.NoError(t, err)
			}
		})
	}
}
