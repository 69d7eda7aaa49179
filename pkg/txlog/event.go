// Package txlog durably records metadata-store transaction lifecycle
// events (begin/commit/rollback/timeout/retry/operation) as an optional
// audit trail. It is adapted from the teacher's pkg/wal: same fixed-size
// header, CRC32 framing and file-rotation discipline, repointed from
// key/value log entries to transaction events.
package txlog

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"time"
)

// EventType identifies one of the events the metadata store's transaction
// manager hook fires, matching spec's onTransactionEvent kinds exactly.
type EventType byte

const (
	EventBegin EventType = iota + 1
	EventCommit
	EventRollback
	EventTimeout
	EventRetry
	EventOperation
)

func (t EventType) String() string {
	switch t {
	case EventBegin:
		return "begin"
	case EventCommit:
		return "commit"
	case EventRollback:
		return "rollback"
	case EventTimeout:
		return "timeout"
	case EventRetry:
		return "retry"
	case EventOperation:
		return "operation"
	default:
		return "unknown"
	}
}

const (
	// EventHeaderSize is the fixed header size: LSN(8) + TxID(16) +
	// EventType(1) + Depth(1) + Reserved(6) + ReasonLen(4) + Timestamp(8).
	EventHeaderSize = 44
)

// Event is a single durable record of a transaction lifecycle event.
type Event struct {
	LSN       uint64
	TxID      [16]byte
	Type      EventType
	Depth     int
	Reason    string
	Timestamp time.Time
}

// Encode serializes the event to bytes with a trailing CRC32 checksum.
// Format: [Header(44)] [Reason] [CRC32(4)].
func (e *Event) Encode() []byte {
	reasonLen := len(e.Reason)
	total := EventHeaderSize + reasonLen + 4
	buf := make([]byte, total)

	binary.LittleEndian.PutUint64(buf[0:8], e.LSN)
	copy(buf[8:24], e.TxID[:])
	buf[24] = byte(e.Type)
	buf[25] = byte(e.Depth)
	// bytes 26-31 reserved padding
	binary.LittleEndian.PutUint32(buf[32:36], uint32(reasonLen))
	binary.LittleEndian.PutUint64(buf[36:44], uint64(e.Timestamp.UnixMilli()))

	offset := EventHeaderSize
	copy(buf[offset:], e.Reason)
	offset += reasonLen

	crc := crc32.ChecksumIEEE(buf[:offset])
	binary.LittleEndian.PutUint32(buf[offset:offset+4], crc)

	return buf
}

// DecodeEvent deserializes an Event previously produced by Encode.
func DecodeEvent(data []byte) (*Event, error) {
	if len(data) < EventHeaderSize+4 {
		return nil, ErrTruncated
	}

	dataLen := len(data)
	storedCRC := binary.LittleEndian.Uint32(data[dataLen-4:])
	computedCRC := crc32.ChecksumIEEE(data[:dataLen-4])
	if storedCRC != computedCRC {
		return nil, ErrCorrupted
	}

	e := &Event{
		LSN:   binary.LittleEndian.Uint64(data[0:8]),
		Type:  EventType(data[24]),
		Depth: int(data[25]),
	}
	copy(e.TxID[:], data[8:24])

	reasonLen := binary.LittleEndian.Uint32(data[32:36])
	tsMillis := binary.LittleEndian.Uint64(data[36:44])
	e.Timestamp = time.UnixMilli(int64(tsMillis))

	expected := EventHeaderSize + int(reasonLen) + 4
	if len(data) < expected {
		return nil, ErrTruncated
	}

	if reasonLen > 0 {
		e.Reason = string(data[EventHeaderSize : EventHeaderSize+int(reasonLen)])
	}

	return e, nil
}

// Size returns the encoded size of the event.
func (e *Event) Size() int {
	return EventHeaderSize + len(e.Reason) + 4
}

func (e *Event) String() string {
	return fmt.Sprintf("txlog.Event[LSN=%d Type=%s Depth=%d Reason=%q]", e.LSN, e.Type, e.Depth, e.Reason)
}
