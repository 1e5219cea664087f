package internal

import (
	"bytes"
	"testing"
)

// TestSizeBytes tests the SizeBytes method
func TestSizeBytes(t *testing.T) {
	tests := []struct {
		name     string
		command  Command
		expected int
	}{
		{
			name:     "Command with key and value",
			command:  Command{Type: CommandTSetE, Key: "testkey", DeleteIn: 200, Value: []byte("testvalue")},
			expected: headerSize + 7 + 9,
		},
		{
			name:     "CompareAndSet with expected value",
			command:  Command{Type: CommandTCompareAndSet, Key: "k", Expected: []byte("old"), Value: []byte("new")},
			expected: headerSize + 1 + 3 + 3,
		},
		{
			name:     "Garbage collection",
			command:  Command{Type: CommandTGarbageCollect, Now: 10},
			expected: headerSize,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if size := tt.command.SizeBytes(); size != tt.expected {
				t.Errorf("SizeBytes() = %v, want %v", size, tt.expected)
			}
			if n := len(tt.command.Serialize()); n != tt.expected {
				t.Errorf("len(Serialize()) = %v, want %v", n, tt.expected)
			}
		})
	}
}

// TestSerializeDeserialize tests both Serialize and Deserialize methods
func TestSerializeDeserialize(t *testing.T) {
	tests := []struct {
		name    string
		command Command
	}{
		{
			name:    "Standard command with value",
			command: Command{Type: CommandTSetE, Key: "testkey", Now: 1000, DeleteIn: 200, Value: []byte("testvalue")},
		},
		{
			name:    "Command without value",
			command: Command{Type: CommandTDelete, Key: "testkey", Now: 5},
		},
		{
			name:    "CompareAndSet expecting absence",
			command: Command{Type: CommandTCompareAndSet, Key: "k", Value: []byte("v")},
		},
		{
			name:    "CompareAndSet expecting empty value",
			command: Command{Type: CommandTCompareAndSet, Key: "k", Expected: []byte{}, Value: []byte("v")},
		},
		{
			name:    "CompareAndSet expecting a value",
			command: Command{Type: CommandTCompareAndSet, Key: "k", Expected: []byte("old"), Value: []byte("new")},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var decoded Command
			if err := decoded.Deserialize(tt.command.Serialize()); err != nil {
				t.Fatalf("Deserialize() error = %v", err)
			}
			if decoded.Type != tt.command.Type || decoded.Key != tt.command.Key ||
				decoded.Now != tt.command.Now || decoded.DeleteIn != tt.command.DeleteIn {
				t.Errorf("header mismatch: got %+v, want %+v", decoded, tt.command)
			}
			if (decoded.Expected == nil) != (tt.command.Expected == nil) || !bytes.Equal(decoded.Expected, tt.command.Expected) {
				t.Errorf("Expected = %v, want %v", decoded.Expected, tt.command.Expected)
			}
			if !bytes.Equal(decoded.Value, tt.command.Value) {
				t.Errorf("Value = %q, want %q", decoded.Value, tt.command.Value)
			}
		})
	}
}

// TestDeserializeErrors tests malformed input
func TestDeserializeErrors(t *testing.T) {
	var c Command
	if err := c.Deserialize([]byte{1, 2, 3}); err == nil {
		t.Error("expected error for short header")
	}

	data := (&Command{Type: CommandTSet, Key: "abcdef", Value: []byte("v")}).Serialize()
	if err := c.Deserialize(data[:headerSize+3]); err == nil {
		t.Error("expected error for truncated key")
	}
}

// TestDeleteAt tests the conversion to absolute deletion times
func TestDeleteAt(t *testing.T) {
	c := Command{Now: 1000}
	if c.DeleteAt() != 0 {
		t.Errorf("DeleteAt() without DeleteIn = %d, want 0", c.DeleteAt())
	}
	c.DeleteIn = 500
	if c.DeleteAt() != 1500 {
		t.Errorf("DeleteAt() = %d, want 1500", c.DeleteAt())
	}
}
