package codec

import (
	"bytes"
	"strings"
	"testing"
)

func repeated(n int) []byte {
	return bytes.Repeat([]byte("abcdefgh"), n)
}

func TestCompressDecompressGzipRoundTrip(t *testing.T) {
	data := repeated(1000)
	res, err := Compress(data, "", Options{})
	if err != nil {
		t.Fatal(err)
	}
	if !res.Compressed {
		t.Fatal("expected compression to apply to repetitive data")
	}
	if res.Metadata.Codec != Gzip {
		t.Errorf("expected gzip codec, got %s", res.Metadata.Codec)
	}

	out, err := Decompress(res.Data, res.Metadata)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(out, data) {
		t.Error("round-trip mismatch")
	}
}

func TestCompressSkipsSmallInput(t *testing.T) {
	data := []byte("short")
	res, err := Compress(data, "", Options{})
	if err != nil {
		t.Fatal(err)
	}
	if res.Compressed {
		t.Error("expected small input to skip compression")
	}
	if res.Metadata.Codec != None {
		t.Errorf("expected codec none, got %s", res.Metadata.Codec)
	}
}

func TestCompressSkipsAlreadyCompressedMIME(t *testing.T) {
	data := repeated(1000)
	res, err := Compress(data, "image/png", Options{AlreadyCompressedMIME: map[string]bool{"image/png": true}})
	if err != nil {
		t.Fatal(err)
	}
	if res.Compressed {
		t.Error("expected already-compressed mime to skip")
	}
}

func TestCompressDisabled(t *testing.T) {
	data := repeated(1000)
	res, err := Compress(data, "", Options{Disabled: true})
	if err != nil {
		t.Fatal(err)
	}
	if res.Compressed {
		t.Error("expected disabled options to skip compression")
	}
}

func TestZstdBrotliFramingRoundTrip(t *testing.T) {
	data := repeated(500)
	for _, c := range []Codec{Zstd, Brotli} {
		res, err := Compress(data, "", Options{MinSize: 1, Preferred: c})
		if err != nil {
			t.Fatal(err)
		}
		out, err := Decompress(res.Data, res.Metadata)
		if err != nil {
			t.Fatal(err)
		}
		if !bytes.Equal(out, data) {
			t.Errorf("%s round-trip mismatch", c)
		}
	}
}

func TestDecompressRejectsLengthMismatch(t *testing.T) {
	data := repeated(1000)
	res, err := Compress(data, "", Options{})
	if err != nil {
		t.Fatal(err)
	}
	res.Metadata.OriginalSize += 1

	if _, err := Decompress(res.Data, res.Metadata); err == nil {
		t.Fatal("expected error for original size mismatch")
	}
}

func TestDecompressRejectsEmptyForNonNone(t *testing.T) {
	_, err := Decompress(nil, Metadata{Codec: Gzip, OriginalSize: 10})
	if err == nil {
		t.Fatal("expected error for empty input with non-none codec")
	}
}

func TestDecompressRejectsUnknownCodec(t *testing.T) {
	_, err := Decompress([]byte("x"), Metadata{Codec: "lzma"})
	if err == nil {
		t.Fatal("expected error for unknown codec")
	}
	if !strings.Contains(err.Error(), "unknown codec") {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestDecompressNoneReturnsInput(t *testing.T) {
	data := []byte("verbatim")
	out, err := Decompress(data, Metadata{Codec: None})
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(out, data) {
		t.Error("expected verbatim passthrough for codec none")
	}
}
