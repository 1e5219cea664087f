package internal

import (
	"encoding/binary"
	"fmt"
)

// CommandType defines the possible operations for the state machine.
type CommandType uint8

const (
	CommandTSet            CommandType = iota // Insert or update an entry.
	CommandTSetE                              // Insert or update an entry with a deletion time.
	CommandTSetIfUnset                        // Insert an entry if it does not exist.
	CommandTCompareAndSet                     // Replace an entry if it holds the expected value.
	CommandTDelete                            // Delete an entry.
	CommandTGarbageCollect                    // Remove all entries past their deletion time.
)

func (ct CommandType) String() string {
	switch ct {
	case CommandTSet:
		return "Set"
	case CommandTSetE:
		return "SetE"
	case CommandTSetIfUnset:
		return "SetIfUnset"
	case CommandTCompareAndSet:
		return "CompareAndSet"
	case CommandTDelete:
		return "Delete"
	case CommandTGarbageCollect:
		return "GarbageCollect"
	default:
		return fmt.Sprintf("Unknown(%d)", ct)
	}
}

// nilExpected marks an absent expected value in the wire format
const nilExpected = ^uint32(0)

// headerSize = Type + Now + DeleteIn + KeyLen + ExpectedLen
const headerSize = 1 + 8 + 8 + 4 + 4

// Command represents a command to be executed by the state machine (a single entry in the raft log).
// Now is the proposer's wall clock in unix milliseconds. All replicas use it to compute deletion
// times, so applying the same log always yields the same state.
type Command struct {
	Type     CommandType
	Now      uint64
	DeleteIn uint64
	Key      string
	Expected []byte // only used by CompareAndSet, nil = key must be absent
	Value    []byte
}

// DeleteAt returns the absolute deletion time (0 = never)
func (command *Command) DeleteAt() uint64 {
	if command.DeleteIn == 0 {
		return 0
	}
	return command.Now + command.DeleteIn
}

// SizeBytes returns the exact number of bytes needed to serialize this command
func (command *Command) SizeBytes() int {
	return headerSize + len(command.Key) + len(command.Expected) + len(command.Value)
}

// Serialize serializes a command into a byte array with the format:
// 1 byte for operation type,
// 8 bytes for now,
// 8 bytes for deleteIn,
// 4 bytes for key length (big endian),
// 4 bytes for expected length (big endian, 0xFFFFFFFF = nil),
// N bytes for key data,
// N bytes for expected data,
// N bytes for value data (rest of the buffer)
func (command *Command) Serialize() []byte {
	result := make([]byte, command.SizeBytes())

	result[0] = byte(command.Type)
	binary.BigEndian.PutUint64(result[1:9], command.Now)
	binary.BigEndian.PutUint64(result[9:17], command.DeleteIn)
	binary.BigEndian.PutUint32(result[17:21], uint32(len(command.Key)))
	if command.Expected == nil {
		binary.BigEndian.PutUint32(result[21:25], nilExpected)
	} else {
		binary.BigEndian.PutUint32(result[21:25], uint32(len(command.Expected)))
	}

	pos := headerSize
	pos += copy(result[pos:], command.Key)
	pos += copy(result[pos:], command.Expected)
	copy(result[pos:], command.Value)

	return result
}

// Deserialize extracts all Command fields from a byte array.
func (command *Command) Deserialize(data []byte) error {
	if len(data) < headerSize {
		return fmt.Errorf("data too short for command")
	}

	command.Type = CommandType(data[0])
	command.Now = binary.BigEndian.Uint64(data[1:9])
	command.DeleteIn = binary.BigEndian.Uint64(data[9:17])
	keyLen := int(binary.BigEndian.Uint32(data[17:21]))
	expLen := binary.BigEndian.Uint32(data[21:25])

	pos := headerSize
	if len(data) < pos+keyLen {
		return fmt.Errorf("data too short for key of length %d", keyLen)
	}
	command.Key = string(data[pos : pos+keyLen])
	pos += keyLen

	command.Expected = nil
	if expLen != nilExpected {
		if len(data) < pos+int(expLen) {
			return fmt.Errorf("data too short for expected value of length %d", expLen)
		}
		command.Expected = append([]byte{}, data[pos:pos+int(expLen)]...)
		pos += int(expLen)
	}

	if len(data) > pos {
		command.Value = append([]byte(nil), data[pos:]...)
	} else {
		command.Value = nil
	}
	return nil
}
