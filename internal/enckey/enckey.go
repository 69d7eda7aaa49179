// ABOUTME: Order-preserving encoding for composite keys
// ABOUTME: Supports multiple data types with lexicographic ordering
//
// Adapted from the teacher's pkg/storage composite-key codec; kept nearly
// verbatim because the encoding itself is domain-agnostic. Its only
// consumer in this repository is the blob router's per-tier access-time
// index.
package enckey

import (
	"encoding/binary"
	"fmt"
	"time"
)

// Value types for composite keys.
const (
	TypeBytes  = 1
	TypeInt64  = 2
	TypeUint64 = 3
	TypeTime   = 4 // stored as int64 unix seconds
)

// Value represents a single value in a composite key.
type Value struct {
	Type uint8
	Str  []byte
	I64  int64
	U64  uint64
	Time time.Time
}

func Bytes(data []byte) Value       { return Value{Type: TypeBytes, Str: data} }
func String(s string) Value         { return Value{Type: TypeBytes, Str: []byte(s)} }
func Int64(i int64) Value           { return Value{Type: TypeInt64, I64: i} }
func Uint64(u uint64) Value         { return Value{Type: TypeUint64, U64: u} }
func Time(t time.Time) Value        { return Value{Type: TypeTime, Time: t} }

// Encode encodes multiple values in order-preserving format. Each value is
// tagged with its type so that type boundaries never collide with 0xFF.
func Encode(vals []Value) []byte {
	out := make([]byte, 0, 64)
	for _, v := range vals {
		out = append(out, byte(v.Type))

		switch v.Type {
		case TypeInt64:
			var buf [8]byte
			u := uint64(v.I64) + (1 << 63)
			binary.BigEndian.PutUint64(buf[:], u)
			out = append(out, buf[:]...)

		case TypeUint64:
			var buf [8]byte
			binary.BigEndian.PutUint64(buf[:], v.U64)
			out = append(out, buf[:]...)

		case TypeTime:
			var buf [8]byte
			u := uint64(v.Time.Unix()) + (1 << 63)
			binary.BigEndian.PutUint64(buf[:], u)
			out = append(out, buf[:]...)

		case TypeBytes:
			out = append(out, escape(v.Str)...)
			out = append(out, 0)

		default:
			panic(fmt.Sprintf("enckey: unknown value type %d", v.Type))
		}
	}
	return out
}

// escape rewrites 0x00 as 0x01 0x01 and 0x01 as 0x01 0x02, so the 0x00
// terminator never appears inside an encoded string and byte order is kept.
func escape(s []byte) []byte {
	escapes := 0
	for _, b := range s {
		if b == 0 || b == 1 {
			escapes++
		}
	}
	if escapes == 0 {
		return s
	}
	out := make([]byte, 0, len(s)+escapes)
	for _, b := range s {
		switch b {
		case 0:
			out = append(out, 0x01, 0x01)
		case 1:
			out = append(out, 0x01, 0x02)
		default:
			out = append(out, b)
		}
	}
	return out
}

func unescape(s []byte) []byte {
	out := make([]byte, 0, len(s))
	for i := 0; i < len(s); i++ {
		if s[i] == 0x01 && i+1 < len(s) {
			out = append(out, s[i+1]-1)
			i++
		} else {
			out = append(out, s[i])
		}
	}
	return out
}

// Decode decodes a run of values produced by Encode.
func Decode(data []byte) ([]Value, error) {
	vals := make([]Value, 0, 4)
	pos := 0

	for pos < len(data) {
		typ := data[pos]
		pos++

		switch typ {
		case TypeInt64:
			if pos+8 > len(data) {
				return nil, fmt.Errorf("enckey: incomplete int64 at %d", pos)
			}
			u := binary.BigEndian.Uint64(data[pos : pos+8])
			vals = append(vals, Int64(int64(u-(1<<63))))
			pos += 8

		case TypeUint64:
			if pos+8 > len(data) {
				return nil, fmt.Errorf("enckey: incomplete uint64 at %d", pos)
			}
			u := binary.BigEndian.Uint64(data[pos : pos+8])
			vals = append(vals, Uint64(u))
			pos += 8

		case TypeTime:
			if pos+8 > len(data) {
				return nil, fmt.Errorf("enckey: incomplete time at %d", pos)
			}
			u := binary.BigEndian.Uint64(data[pos : pos+8])
			vals = append(vals, Time(time.Unix(int64(u-(1<<63)), 0)))
			pos += 8

		case TypeBytes:
			end := pos
			for end < len(data) && data[end] != 0 {
				end++
			}
			if end >= len(data) {
				return nil, fmt.Errorf("enckey: unterminated string at %d", pos)
			}
			vals = append(vals, Bytes(unescape(data[pos:end])))
			pos = end + 1

		default:
			return nil, fmt.Errorf("enckey: unknown type %d at %d", typ, pos-1)
		}
	}

	return vals, nil
}

// EncodeKey prefixes a fixed 4-byte namespace id before the encoded values,
// so distinct logical indexes can share one ordered keyspace.
func EncodeKey(prefix uint32, vals []Value) []byte {
	var buf [4]byte
	binary.BigEndian.PutUint32(buf[:], prefix)
	out := append([]byte{}, buf[:]...)
	return append(out, Encode(vals)...)
}

// ExtractValues strips the namespace prefix and decodes the remaining
// composite key.
func ExtractValues(key []byte) ([]Value, error) {
	if len(key) < 4 {
		return nil, fmt.Errorf("enckey: key too short")
	}
	return Decode(key[4:])
}
