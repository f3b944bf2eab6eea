package domain

import "time"

// Record is one stored queue entry. ID is assigned by the segment on insert and is
// only unique within that segment.
type Record struct {
	ID        int64
	Timestamp int64
	Payload   string
}

// Role describes what a segment is currently used for.
type Role int32

const (
	RoleWrite Role = iota + 1
	RoleRead
	RoleReadWrite
)

func (r Role) String() string {
	switch r {
	case RoleWrite:
		return "write"
	case RoleRead:
		return "read"
	case RoleReadWrite:
		return "read_write"
	default:
		return "unknown"
	}
}

// CanWrite reports whether a segment in this role accepts new records.
func (r Role) CanWrite() bool { return r == RoleWrite || r == RoleReadWrite }

// CanRead reports whether a segment in this role serves the consumer.
func (r Role) CanRead() bool { return r == RoleRead || r == RoleReadWrite }

// Message is a raw unit received from a field-side connector before conversion.
type Message struct {
	Source     string
	DeviceKey  string
	Topic      string
	Body       []byte
	Headers    map[string]string
	ReceivedAt time.Time
}
