// Package extentfmt builds and parses extent blobs: self-describing,
// page-packed byte buffers with a fixed 64-byte header, a sparse bitmap
// and a contiguous data section. The framing style (fixed header,
// reserved padding, a checksum stored in the header) is adapted from the teacher's
// pkg/storage page header and pkg/wal/entry.go checksum discipline,
// repointed at a sparse multi-page blob instead of a single fixed page
// or a single log record.
package extentfmt

import (
	"encoding/binary"
	"fmt"

	"github.com/nainya/fsxengine/internal/fsxerr"
)

const (
	// Magic identifies an extent blob: the ASCII bytes "EXT1" read as a
	// little-endian uint32.
	Magic uint32 = 0x31545845

	// Version is the only supported header version.
	Version uint16 = 1

	// FlagCompressed marks the data section as holding compressed bytes.
	FlagCompressed uint16 = 1 << 0

	// HeaderSize is the fixed header length before the bitmap.
	HeaderSize = 64

	fnvOffset uint64 = 0xCBF29CE484222325
	fnvPrime  uint64 = 0x100000001B3
)

// Header is the parsed fixed-size prefix of an extent blob.
type Header struct {
	Magic      uint32
	Version    uint16
	Flags      uint16
	PageSize   uint32
	PageCount  uint32
	ExtentSize uint32
	Checksum   uint64
}

// Compressed reports whether FlagCompressed is set.
func (h Header) Compressed() bool { return h.Flags&FlagCompressed != 0 }

// BitmapSize returns B = ceil(pageCount/8).
func BitmapSize(pageCount uint32) int {
	return int((pageCount + 7) / 8)
}

// FNV1a64 computes the checksum used for extent data sections, using the
// spec-mandated offset-basis and prime, reducing modulo 2^64 after every
// multiplication (the natural behavior of Go's uint64 arithmetic).
func FNV1a64(data []byte) uint64 {
	h := fnvOffset
	for _, b := range data {
		h ^= uint64(b)
		h *= fnvPrime
	}
	return h
}

// Build packs the given slot-index -> page bytes map into an extent blob.
// pageSize must be positive and every page's length must equal pageSize.
// An empty pages map produces a 64-byte header-only blob with checksum 0.
func Build(pages map[int][]byte, pageSize int, flags uint16) ([]byte, error) {
	if pageSize <= 0 {
		return nil, fsxerr.Wrap(fsxerr.InvalidArg, "extentfmt: page size must be positive, got %d", pageSize)
	}
	for idx, p := range pages {
		if len(p) != pageSize {
			return nil, fsxerr.Wrap(fsxerr.InvalidArg, "extentfmt: page %d has length %d, want %d", idx, len(p), pageSize)
		}
	}

	if len(pages) == 0 {
		buf := make([]byte, HeaderSize)
		binary.LittleEndian.PutUint32(buf[0:4], Magic)
		binary.LittleEndian.PutUint16(buf[4:6], Version)
		binary.LittleEndian.PutUint16(buf[6:8], flags)
		binary.LittleEndian.PutUint32(buf[8:12], uint32(pageSize))
		return buf, nil
	}

	maxIdx := 0
	for idx := range pages {
		if idx > maxIdx {
			maxIdx = idx
		}
	}
	pageCount := uint32(maxIdx + 1)

	bitmapSize := BitmapSize(pageCount)
	bitmap := make([]byte, bitmapSize)
	for idx := range pages {
		bitmap[idx/8] |= 1 << uint(idx%8)
	}

	data := make([]byte, 0, len(pages)*pageSize)
	for idx := 0; idx < int(pageCount); idx++ {
		if p, ok := pages[idx]; ok {
			data = append(data, p...)
		}
	}

	checksum := FNV1a64(data)
	extentSize := uint32(len(data))

	total := HeaderSize + bitmapSize + len(data)
	buf := make([]byte, total)

	binary.LittleEndian.PutUint32(buf[0:4], Magic)
	binary.LittleEndian.PutUint16(buf[4:6], Version)
	binary.LittleEndian.PutUint16(buf[6:8], flags)
	binary.LittleEndian.PutUint32(buf[8:12], uint32(pageSize))
	binary.LittleEndian.PutUint32(buf[12:16], pageCount)
	binary.LittleEndian.PutUint32(buf[16:20], extentSize)
	binary.LittleEndian.PutUint64(buf[20:28], checksum)
	// bytes 28:64 reserved, left zero

	copy(buf[HeaderSize:HeaderSize+bitmapSize], bitmap)
	copy(buf[HeaderSize+bitmapSize:], data)

	return buf, nil
}

// ParseHeader reads the fixed header. It does not verify the checksum.
func ParseHeader(blob []byte) (Header, error) {
	if len(blob) < HeaderSize {
		return Header{}, fsxerr.Wrap(fsxerr.InvalidFormat, "extentfmt: blob too short (%d bytes)", len(blob))
	}

	h := Header{
		Magic:      binary.LittleEndian.Uint32(blob[0:4]),
		Version:    binary.LittleEndian.Uint16(blob[4:6]),
		Flags:      binary.LittleEndian.Uint16(blob[6:8]),
		PageSize:   binary.LittleEndian.Uint32(blob[8:12]),
		PageCount:  binary.LittleEndian.Uint32(blob[12:16]),
		ExtentSize: binary.LittleEndian.Uint32(blob[16:20]),
		Checksum:   binary.LittleEndian.Uint64(blob[20:28]),
	}

	if h.Magic != Magic {
		return Header{}, fsxerr.Wrap(fsxerr.InvalidFormat, "extentfmt: bad magic 0x%08X", h.Magic)
	}
	if h.Version != Version {
		return Header{}, fsxerr.Wrap(fsxerr.InvalidFormat, "extentfmt: unsupported version %d", h.Version)
	}

	return h, nil
}

// Validate parses the header and recomputes the checksum over the data
// section, returning whether the blob is internally consistent. It never
// returns an error; a malformed blob simply yields false.
func Validate(blob []byte) bool {
	h, err := ParseHeader(blob)
	if err != nil {
		return false
	}

	bitmapSize := BitmapSize(h.PageCount)
	dataStart := HeaderSize + bitmapSize
	dataEnd := dataStart + int(h.ExtentSize)
	if len(blob) < dataEnd {
		return false
	}

	sum := FNV1a64(blob[dataStart:dataEnd])
	return sum == h.Checksum
}

// ExtractPage returns the bytes for slot index within blob, or (nil,
// false) if the bitmap bit is clear or the index is out of range.
func ExtractPage(blob []byte, index int) ([]byte, bool, error) {
	h, err := ParseHeader(blob)
	if err != nil {
		return nil, false, err
	}
	if index < 0 || index >= int(h.PageCount) {
		return nil, false, nil
	}

	bitmapSize := BitmapSize(h.PageCount)
	bitmapEnd := HeaderSize + bitmapSize
	if len(blob) < bitmapEnd {
		return nil, false, fsxerr.Wrap(fsxerr.InvalidFormat, "extentfmt: blob shorter than header+bitmap")
	}
	bitmap := blob[HeaderSize:bitmapEnd]

	if bitmap[index/8]&(1<<uint(index%8)) == 0 {
		return nil, false, nil
	}

	prefix := 0
	for i := 0; i < index; i++ {
		if bitmap[i/8]&(1<<uint(i%8)) != 0 {
			prefix++
		}
	}

	pageSize := int(h.PageSize)
	start := bitmapEnd + prefix*pageSize
	end := start + pageSize
	if len(blob) < end {
		return nil, false, fmt.Errorf("extentfmt: data section truncated for page %d", index)
	}

	return blob[start:end], true, nil
}

// PresentIndices returns every slot index whose bitmap bit is set, in
// ascending order.
func PresentIndices(blob []byte) ([]int, error) {
	h, err := ParseHeader(blob)
	if err != nil {
		return nil, err
	}

	bitmapSize := BitmapSize(h.PageCount)
	bitmapEnd := HeaderSize + bitmapSize
	if len(blob) < bitmapEnd {
		return nil, fsxerr.Wrap(fsxerr.InvalidFormat, "extentfmt: blob shorter than header+bitmap")
	}
	bitmap := blob[HeaderSize:bitmapEnd]

	var out []int
	for i := 0; i < int(h.PageCount); i++ {
		if bitmap[i/8]&(1<<uint(i%8)) != 0 {
			out = append(out, i)
		}
	}
	return out, nil
}

// PopCount counts set bits in b using Brian Kernighan's algorithm.
func PopCount(b []byte) int {
	count := 0
	for _, v := range b {
		n := uint32(v)
		for n != 0 {
			n &= n - 1
			count++
		}
	}
	return count
}
