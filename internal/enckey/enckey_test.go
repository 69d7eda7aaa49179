package enckey

import (
	"bytes"
	"sort"
	"testing"
	"time"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	now := time.Unix(1700000000, 0)
	vals := []Value{String("warm"), Time(now), String("blob-1")}

	encoded := Encode(vals)
	decoded, err := Decode(encoded)
	if err != nil {
		t.Fatal(err)
	}
	if len(decoded) != 3 {
		t.Fatalf("expected 3 values, got %d", len(decoded))
	}
	if string(decoded[0].Str) != "warm" {
		t.Errorf("got %q", decoded[0].Str)
	}
	if !decoded[1].Time.Equal(now) {
		t.Errorf("got %v, want %v", decoded[1].Time, now)
	}
	if string(decoded[2].Str) != "blob-1" {
		t.Errorf("got %q", decoded[2].Str)
	}
}

func TestEncodeOrderPreservesIntegerOrdering(t *testing.T) {
	ints := []int64{-100, -1, 0, 1, 100}
	encoded := make([][]byte, len(ints))
	for i, n := range ints {
		encoded[i] = Encode([]Value{Int64(n)})
	}

	sorted := make([][]byte, len(encoded))
	copy(sorted, encoded)
	sort.Slice(sorted, func(i, j int) bool { return bytes.Compare(sorted[i], sorted[j]) < 0 })

	for i := range sorted {
		if !bytes.Equal(sorted[i], encoded[i]) {
			t.Fatalf("encoded int64 order does not match numeric order at index %d", i)
		}
	}
}

func TestEncodeOrderPreservesTimeOrdering(t *testing.T) {
	base := time.Unix(1700000000, 0)
	times := []time.Time{base, base.Add(time.Hour), base.Add(24 * time.Hour)}
	encoded := make([][]byte, len(times))
	for i, tm := range times {
		encoded[i] = Encode([]Value{Time(tm)})
	}

	for i := 1; i < len(encoded); i++ {
		if bytes.Compare(encoded[i-1], encoded[i]) >= 0 {
			t.Fatalf("expected encoded[%d] < encoded[%d]", i-1, i)
		}
	}
}

func TestEscapeHandlesNULAndFF(t *testing.T) {
	raw := []byte{0x00, 'a', 0xFF, 'b'}
	encoded := Encode([]Value{Bytes(raw)})

	decoded, err := Decode(encoded)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(decoded[0].Str, raw) {
		t.Errorf("got %x, want %x", decoded[0].Str, raw)
	}
}

func TestEncodeKeyRoundTrip(t *testing.T) {
	vals := []Value{String("cold"), Int64(42)}
	key := EncodeKey(7, vals)

	decoded, err := ExtractValues(key)
	if err != nil {
		t.Fatal(err)
	}
	if string(decoded[0].Str) != "cold" {
		t.Errorf("got %q", decoded[0].Str)
	}
	if decoded[1].I64 != 42 {
		t.Errorf("got %d", decoded[1].I64)
	}
}

func TestDecodeRejectsUnknownType(t *testing.T) {
	if _, err := Decode([]byte{0x99}); err == nil {
		t.Error("expected error for unknown type tag")
	}
}
