// Package codec implements the optional blob compression layer (C9).
// Gzip is handled by github.com/klauspost/compress/gzip, grounded on
// distr1-distri's own dependency on the klauspost/compress family. The
// zstd and brotli "codecs" are spec-mandated framing (4-byte magic + an
// 8-byte little-endian original length) over raw DEFLATE — no pack
// example ships a zstd or brotli encoder, and the wire format itself is
// fixed bytes rather than a design choice a library would solve, so
// these two sub-codecs are built on compress/flate; see DESIGN.md.
package codec

import (
	"bytes"
	"compress/flate"
	"encoding/binary"
	"io"

	"github.com/klauspost/compress/gzip"

	"github.com/nainya/fsxengine/internal/fsxerr"
)

// Codec identifies a compression algorithm.
type Codec string

const (
	None   Codec = "none"
	Gzip   Codec = "gzip"
	Zstd   Codec = "zstd"
	Brotli Codec = "brotli"
)

var zstdMagic = [4]byte{'Z', 'S', 'T', 'F'}   // framed zstd-slot payload
var brotliMagic = [4]byte{'B', 'R', 'O', 'F'} // framed brotli-slot payload

// DefaultMinSize is the minimum input length eligible for compression.
const DefaultMinSize = 1024

// Metadata describes a compression result; Decompress takes it to reverse
// Compress.
type Metadata struct {
	Codec          Codec
	OriginalSize   int
	CompressedSize int
	Ratio          float64
}

// Result is returned by Compress.
type Result struct {
	Data       []byte
	Metadata   Metadata
	Compressed bool
}

// Options configures Compress.
type Options struct {
	Disabled             bool
	MinSize              int
	AlreadyCompressedMIME map[string]bool
	Preferred            Codec // defaults to Gzip
}

// Compress compresses data using the preferred codec, subject to the
// minSize/mimeType/disabled gates, falling back to codec=none when
// compression does not shrink the payload.
func Compress(data []byte, mimeType string, opts Options) (Result, error) {
	minSize := opts.MinSize
	if minSize == 0 {
		minSize = DefaultMinSize
	}

	skip := opts.Disabled || len(data) < minSize || (opts.AlreadyCompressedMIME != nil && opts.AlreadyCompressedMIME[mimeType])
	if skip {
		return Result{
			Data:       data,
			Metadata:   Metadata{Codec: None, OriginalSize: len(data), CompressedSize: len(data), Ratio: 1},
			Compressed: false,
		}, nil
	}

	preferred := opts.Preferred
	if preferred == "" {
		preferred = Gzip
	}

	compressed, err := encode(preferred, data)
	if err != nil {
		return Result{}, err
	}

	if len(compressed) >= len(data) {
		return Result{
			Data:       data,
			Metadata:   Metadata{Codec: None, OriginalSize: len(data), CompressedSize: len(data), Ratio: 1},
			Compressed: false,
		}, nil
	}

	ratio := float64(len(compressed)) / float64(len(data))
	return Result{
		Data: compressed,
		Metadata: Metadata{
			Codec:          preferred,
			OriginalSize:   len(data),
			CompressedSize: len(compressed),
			Ratio:          ratio,
		},
		Compressed: true,
	}, nil
}

// Decompress reverses Compress given the metadata it returned.
func Decompress(data []byte, meta Metadata) ([]byte, error) {
	switch meta.Codec {
	case None, "":
		return data, nil
	case Gzip, Zstd, Brotli:
		// handled below
	default:
		return nil, fsxerr.Wrap(fsxerr.InvalidFormat, "codec: unknown codec %q", meta.Codec)
	}

	if len(data) == 0 {
		return nil, fsxerr.Wrap(fsxerr.DataCorrupted, "codec: empty input for codec %q", meta.Codec)
	}

	out, err := decode(meta.Codec, data)
	if err != nil {
		return nil, fsxerr.Wrap(fsxerr.DataCorrupted, "codec: decode failed: %v", err)
	}

	if len(out) != meta.OriginalSize {
		return nil, fsxerr.Wrap(fsxerr.DataCorrupted, "codec: decompressed length %d != expected %d", len(out), meta.OriginalSize)
	}

	return out, nil
}

func encode(c Codec, data []byte) ([]byte, error) {
	switch c {
	case Gzip:
		var buf bytes.Buffer
		w := gzip.NewWriter(&buf)
		if _, err := w.Write(data); err != nil {
			return nil, err
		}
		if err := w.Close(); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil

	case Zstd:
		return frame(zstdMagic, data)

	case Brotli:
		return frame(brotliMagic, data)

	default:
		return nil, fsxerr.Wrap(fsxerr.InvalidFormat, "codec: unsupported codec %q", c)
	}
}

func decode(c Codec, data []byte) ([]byte, error) {
	switch c {
	case Gzip:
		r, err := gzip.NewReader(bytes.NewReader(data))
		if err != nil {
			return nil, err
		}
		defer r.Close()
		return io.ReadAll(r)

	case Zstd:
		return unframe(zstdMagic, data)

	case Brotli:
		return unframe(brotliMagic, data)

	default:
		return nil, fsxerr.Wrap(fsxerr.InvalidFormat, "codec: unsupported codec %q", c)
	}
}

// frame writes magic(4) + originalLen(8, LE) + raw-deflate payload.
func frame(magic [4]byte, data []byte) ([]byte, error) {
	var payload bytes.Buffer
	w, err := flate.NewWriter(&payload, flate.DefaultCompression)
	if err != nil {
		return nil, err
	}
	if _, err := w.Write(data); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}

	out := make([]byte, 12+payload.Len())
	copy(out[0:4], magic[:])
	binary.LittleEndian.PutUint64(out[4:12], uint64(len(data)))
	copy(out[12:], payload.Bytes())
	return out, nil
}

func unframe(wantMagic [4]byte, data []byte) ([]byte, error) {
	if len(data) < 12 {
		return nil, fsxerr.Wrap(fsxerr.InvalidFormat, "codec: framed payload too short")
	}
	var gotMagic [4]byte
	copy(gotMagic[:], data[0:4])
	if gotMagic != wantMagic {
		return nil, fsxerr.Wrap(fsxerr.InvalidFormat, "codec: bad frame magic")
	}

	r := flate.NewReader(bytes.NewReader(data[12:]))
	defer r.Close()
	return io.ReadAll(r)
}
