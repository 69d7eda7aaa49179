package extentfmt

import (
	"bytes"
	"testing"
)

func page(pageSize int, fill byte) []byte {
	p := make([]byte, pageSize)
	for i := range p {
		p[i] = fill
	}
	return p
}

func TestBuildEmptyProducesHeaderOnly(t *testing.T) {
	blob, err := Build(map[int][]byte{}, 4096, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(blob) != HeaderSize {
		t.Fatalf("expected %d-byte blob, got %d", HeaderSize, len(blob))
	}

	h, err := ParseHeader(blob)
	if err != nil {
		t.Fatal(err)
	}
	if h.Checksum != 0 {
		t.Errorf("expected zero checksum for empty extent, got %d", h.Checksum)
	}
	if h.PageCount != 0 {
		t.Errorf("expected pageCount 0, got %d", h.PageCount)
	}
}

func TestBuildRejectsWrongPageLength(t *testing.T) {
	_, err := Build(map[int][]byte{0: []byte("short")}, 4096, 0)
	if err == nil {
		t.Fatal("expected error for mismatched page length")
	}
}

func TestSparseFlush(t *testing.T) {
	pageSize := 4096
	pages := map[int][]byte{
		0: page(pageSize, 0xAA),
		2: page(pageSize, 0xBB),
		5: page(pageSize, 0xCC),
	}

	blob, err := Build(pages, pageSize, 0)
	if err != nil {
		t.Fatal(err)
	}

	h, err := ParseHeader(blob)
	if err != nil {
		t.Fatal(err)
	}
	if h.PageCount != 6 {
		t.Errorf("expected pageCount 6, got %d", h.PageCount)
	}
	if int(h.ExtentSize) != 3*pageSize {
		t.Errorf("expected extentSize %d, got %d", 3*pageSize, h.ExtentSize)
	}

	if !Validate(blob) {
		t.Error("expected blob to validate")
	}

	indices, err := PresentIndices(blob)
	if err != nil {
		t.Fatal(err)
	}
	if len(indices) != 3 || indices[0] != 0 || indices[1] != 2 || indices[2] != 5 {
		t.Errorf("unexpected present indices: %v", indices)
	}

	if _, present, err := ExtractPage(blob, 1); err != nil || present {
		t.Errorf("expected page 1 absent, got present=%v err=%v", present, err)
	}

	got, present, err := ExtractPage(blob, 5)
	if err != nil {
		t.Fatal(err)
	}
	if !present {
		t.Fatal("expected page 5 present")
	}
	if !bytes.Equal(got, pages[5]) {
		t.Error("page 5 bytes mismatch")
	}
}

func TestParseHeaderRejectsShortInput(t *testing.T) {
	if _, err := ParseHeader(make([]byte, 10)); err == nil {
		t.Fatal("expected error for short input")
	}
}

func TestParseHeaderRejectsBadMagic(t *testing.T) {
	blob := make([]byte, HeaderSize)
	if _, err := ParseHeader(blob); err == nil {
		t.Fatal("expected error for zero magic")
	}
}

func TestValidateDetectsCorruption(t *testing.T) {
	pages := map[int][]byte{0: page(4096, 0x11)}
	blob, err := Build(pages, 4096, 0)
	if err != nil {
		t.Fatal(err)
	}

	blob[HeaderSize+BitmapSize(1)] ^= 0xFF // flip a byte in the data section

	if Validate(blob) {
		t.Error("expected corrupted blob to fail validation")
	}
}

func TestPopCount(t *testing.T) {
	cases := []struct {
		b    []byte
		want int
	}{
		{[]byte{0x00}, 0},
		{[]byte{0xFF}, 8},
		{[]byte{0b00000101}, 2},
		{[]byte{0xFF, 0x0F}, 12},
	}
	for _, c := range cases {
		if got := PopCount(c.b); got != c.want {
			t.Errorf("PopCount(%v) = %d, want %d", c.b, got, c.want)
		}
	}
}
