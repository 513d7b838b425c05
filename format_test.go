package bootforge_test

import (
	"testing"

	"bootforge"
)

func TestDetectFormat(t *testing.T) {
	t.Log("Test magic sniffing")

	tests := []struct {
		data []byte
		want bootforge.Format
	}{
		{[]byte("ANDROID!\x00\x00\x00\x00"), bootforge.FmtAOSP},
		{[]byte("VNDRBOOT\x03\x00\x00\x00"), bootforge.FmtVendorBoot},
		{[]byte("\x1f\x8b\x08\x00\xff\xff\xff\xff"), bootforge.FmtGzip},
		{[]byte("\xfd7zXZ\x00"), bootforge.FmtXz},
		{[]byte("\x5d\x00\x00\x80\x00\xff\xff\xff\xff\xff\xff\xff\xff"), bootforge.FmtLzma},
		{[]byte("BZh91AY"), bootforge.FmtBzip2},
		{[]byte("\x04\x22\x4d\x18\x64\x40\xa7"), bootforge.FmtLz4},
		{[]byte("\x02\x21\x4c\x18\x00\x10\x00\x00"), bootforge.FmtLz4Legacy},
		{[]byte("\x28\xb5\x2f\xfd\x00\x00"), bootforge.FmtZstd},
		{[]byte("\xd0\x0d\xfe\xed\x00\x00\x00\x30"), bootforge.FmtDtb},
		{[]byte("garbage"), bootforge.FmtUnknown},
		{[]byte{}, bootforge.FmtUnknown},
	}

	for _, tt := range tests {
		if got := bootforge.DetectFormat(tt.data); got != tt.want {
			t.Fatalf("DetectFormat(%q): want %v, got %v", tt.data, tt.want, got)
		}
	}
}

func TestFormatNames(t *testing.T) {
	if got := bootforge.Name2Fmt("lz4_legacy"); got != bootforge.FmtLz4Legacy {
		t.Fatalf("Name2Fmt(lz4_legacy): got %v", got)
	}
	if got := bootforge.Name2Fmt("not-a-format"); got != bootforge.FmtUnknown {
		t.Fatalf("Name2Fmt(not-a-format): got %v", got)
	}
	if got := bootforge.Fmt2Ext(bootforge.FmtZstd); got != ".zst" {
		t.Fatalf("Fmt2Ext(zstd): got %q", got)
	}
	if got := bootforge.FmtGzip.String(); got != "gzip" {
		t.Fatalf("FmtGzip.String(): got %q", got)
	}
}

func TestCompressedRange(t *testing.T) {
	for _, f := range []bootforge.Format{
		bootforge.FmtGzip, bootforge.FmtZopfli, bootforge.FmtXz, bootforge.FmtLzma,
		bootforge.FmtBzip2, bootforge.FmtLz4, bootforge.FmtLz4Legacy, bootforge.FmtZstd,
	} {
		if !f.Compressed() {
			t.Fatalf("%v should report as compressed", f)
		}
	}
	for _, f := range []bootforge.Format{
		bootforge.FmtUnknown, bootforge.FmtAOSP, bootforge.FmtVendorBoot, bootforge.FmtDtb,
	} {
		if f.Compressed() {
			t.Fatalf("%v should not report as compressed", f)
		}
	}
}
