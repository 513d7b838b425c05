package bootforge

import "bytes"

// Format identifies a container or compression format by its magic bytes.
type Format int

const (
	FmtUnknown Format = iota
	/* Boot containers */
	FmtAOSP
	FmtVendorBoot
	/* Compression formats */
	FmtGzip
	FmtZopfli
	FmtXz
	FmtLzma
	FmtBzip2
	FmtLz4
	FmtLz4Legacy
	FmtZstd
	/* Misc */
	FmtDtb
)

// Compressed reports whether f is a compression format this codec can decode.
func (f Format) Compressed() bool {
	return f >= FmtGzip && f <= FmtZstd
}

const (
	BootMagic       = "ANDROID!"
	VendorBootMagic = "VNDRBOOT"

	gzip1Magic     = "\x1f\x8b"
	gzip2Magic     = "\x1f\x9e"
	xzMagic        = "\xfd7zXZ"
	bzipMagic      = "BZh"
	lz4LegMagic    = "\x02\x21\x4c\x18"
	lz4Frame1Magic = "\x03\x21\x4c\x18"
	lz4Frame2Magic = "\x04\x22\x4d\x18"
	zstdMagic      = "\x28\xb5\x2f\xfd"
	dtbMagic       = "\xd0\x0d\xfe\xed"
)

// DetectFormat sniffs the magic bytes at the start of buf.
func DetectFormat(buf []byte) Format {
	match := func(p string) bool {
		return len(buf) >= len(p) && bytes.Equal([]byte(p), buf[:len(p)])
	}

	switch {
	case match(BootMagic):
		return FmtAOSP
	case match(VendorBootMagic):
		return FmtVendorBoot
	case match(gzip1Magic) || match(gzip2Magic):
		return FmtGzip
	case match(xzMagic):
		return FmtXz
	case len(buf) >= 13 && bytes.Equal([]byte("\x5d\x00\x00"), buf[:3]) &&
		(buf[12] == 0xff || buf[12] == 0x00):
		return FmtLzma
	case match(bzipMagic):
		return FmtBzip2
	case match(lz4Frame1Magic) || match(lz4Frame2Magic):
		return FmtLz4
	case match(lz4LegMagic):
		return FmtLz4Legacy
	case match(zstdMagic):
		return FmtZstd
	case match(dtbMagic):
		return FmtDtb
	default:
		return FmtUnknown
	}
}

func (f Format) String() string {
	switch f {
	case FmtAOSP:
		return "aosp"
	case FmtVendorBoot:
		return "aosp_vendor"
	case FmtGzip:
		return "gzip"
	case FmtZopfli:
		return "zopfli"
	case FmtXz:
		return "xz"
	case FmtLzma:
		return "lzma"
	case FmtBzip2:
		return "bzip2"
	case FmtLz4:
		return "lz4"
	case FmtLz4Legacy:
		return "lz4_legacy"
	case FmtZstd:
		return "zstd"
	case FmtDtb:
		return "dtb"
	default:
		return "raw"
	}
}

// Name2Fmt maps a user-supplied format name to a Format, for the compress CLI
// surface. Unknown names map to FmtUnknown.
func Name2Fmt(name string) Format {
	switch name {
	case "gzip":
		return FmtGzip
	case "zopfli":
		return FmtZopfli
	case "xz":
		return FmtXz
	case "lzma":
		return FmtLzma
	case "bzip2":
		return FmtBzip2
	case "lz4":
		return FmtLz4
	case "lz4_legacy":
		return FmtLz4Legacy
	case "zstd":
		return FmtZstd
	default:
		return FmtUnknown
	}
}

// Fmt2Ext returns the conventional file extension for a compression format.
func Fmt2Ext(f Format) string {
	switch f {
	case FmtGzip, FmtZopfli:
		return ".gz"
	case FmtXz:
		return ".xz"
	case FmtLzma:
		return ".lzma"
	case FmtBzip2:
		return ".bz2"
	case FmtLz4, FmtLz4Legacy:
		return ".lz4"
	case FmtZstd:
		return ".zst"
	default:
		return ""
	}
}
