package bootforge_test

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/pierrec/lz4/v4"

	"bootforge"
)

// kernels and ramdisks are highly repetitive, so is the test payload
var codecPayload = bytes.Repeat([]byte("bootforge codec payload "), 400)

func TestCompressRoundTrip(t *testing.T) {
	formats := []bootforge.Format{
		bootforge.FmtGzip,
		bootforge.FmtXz,
		bootforge.FmtLzma,
		bootforge.FmtBzip2,
		bootforge.FmtLz4,
		bootforge.FmtZstd,
	}

	for _, f := range formats {
		packed, err := bootforge.Compress(f, codecPayload)
		if err != nil {
			t.Fatalf("%v: compress: %v", f, err)
		}
		if got := bootforge.DetectFormat(packed); got != f {
			t.Fatalf("%v: compressed output sniffs as %v", f, got)
		}
		plain, err := bootforge.Decompress(f, packed)
		if err != nil {
			t.Fatalf("%v: decompress: %v", f, err)
		}
		if !bytes.Equal(plain, codecPayload) {
			t.Fatalf("%v: round trip lost data: %d bytes in, %d out", f, len(codecPayload), len(plain))
		}
	}
}

func TestZopfliProducesGzip(t *testing.T) {
	packed, err := bootforge.Compress(bootforge.FmtZopfli, codecPayload)
	if err != nil {
		t.Fatal(err)
	}
	if got := bootforge.DetectFormat(packed); got != bootforge.FmtGzip {
		t.Fatalf("zopfli output sniffs as %v, want gzip", got)
	}
	plain, err := bootforge.Decompress(bootforge.FmtGzip, packed)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(plain, codecPayload) {
		t.Fatal("zopfli round trip lost data")
	}
}

func TestLz4LegacyDecode(t *testing.T) {
	t.Log("Test the pre-frame lz4 stream used by kernel images")

	var c lz4.Compressor
	block := make([]byte, lz4.CompressBlockBound(len(codecPayload)))
	n, err := c.CompressBlock(codecPayload, block)
	if err != nil {
		t.Fatal(err)
	}
	if n == 0 {
		t.Fatal("payload did not compress")
	}

	var stream bytes.Buffer
	stream.Write([]byte("\x02\x21\x4c\x18"))
	binary.Write(&stream, binary.LittleEndian, uint32(n)) //nolint:errcheck
	stream.Write(block[:n])

	plain, err := bootforge.Decompress(bootforge.FmtLz4Legacy, stream.Bytes())
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(plain, codecPayload) {
		t.Fatalf("lz4_legacy decode lost data: %d bytes in, %d out", len(codecPayload), len(plain))
	}
}

func TestLz4LegacyMissingMagic(t *testing.T) {
	if _, err := bootforge.Decompress(bootforge.FmtLz4Legacy, []byte("\x10\x00\x00\x00abcd")); err == nil {
		t.Fatal("stream without the legacy magic should not decode")
	}
}

func TestDecoderRejectsUnknownFormat(t *testing.T) {
	if _, err := bootforge.Decompress(bootforge.FmtDtb, []byte("x")); err == nil {
		t.Fatal("dtb is not a compression format")
	}
	if _, err := bootforge.Compress(bootforge.FmtLz4Legacy, codecPayload); err == nil {
		t.Fatal("lz4_legacy has no encoder")
	}
}
