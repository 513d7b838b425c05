package bootforge

import (
	"bytes"
	"encoding/binary"
	"io"

	"github.com/pkg/errors"
)

const (
	BootMagicSize     = 8
	BootNameSize      = 16
	BootIDSize        = 32
	BootArgsSize      = 512
	BootExtraArgsSize = 1024

	VendorBootArgsSize       = 2048
	VendorRamdiskNameSize    = 32
	VendorRamdiskBoardIDSize = 16
)

// MaxHeaderVersion is the newest boot image header revision this codec
// implements. Anything newer is rejected, never guessed at.
const MaxHeaderVersion = 4

// V3PageSize is fixed by the v3/v4 format.
const V3PageSize = 4096

/*
 * Boot image layout, all versions:
 *
 * +---------------+
 * | header        | 1 page (v0-v2: page_size, v3+: 4096)
 * +---------------+
 * | kernel        | page-aligned
 * +---------------+
 * | ramdisk       | page-aligned
 * +---------------+
 * | second        | page-aligned, v0-v2 only
 * +---------------+
 * | recovery_dtbo | page-aligned, v1-v2 only
 * +---------------+
 * | dtb           | page-aligned, v2 only
 * +---------------+
 * | signature     | page-aligned, v4 only
 * +---------------+
 *
 * Each region is present only when its declared size is non-zero; absent
 * regions contribute no bytes and no padding.
 */

// RawHdrV0Common is the 32-byte prefix shared by the v0/v1/v2 family.
type RawHdrV0Common struct {
	Magic       [BootMagicSize]byte
	KernelSize  uint32 // size in bytes
	KernelAddr  uint32 // physical load addr
	RamdiskSize uint32 // size in bytes
	RamdiskAddr uint32 // physical load addr
	SecondSize  uint32 // size in bytes
	SecondAddr  uint32 // physical load addr
}

type RawHdrV0 struct {
	RawHdrV0Common
	TagsAddr      uint32
	PageSize      uint32
	HeaderVersion uint32 // ExtraSize on ancient Samsung images
	OsVersion     uint32
	Name          [BootNameSize]byte
	Cmdline       [BootArgsSize]byte
	ID            [BootIDSize]byte
	ExtraCmdline  [BootExtraArgsSize]byte
} // 1632 bytes

type RawHdrV1 struct {
	RawHdrV0
	RecoveryDtboSize   uint32
	RecoveryDtboOffset uint64
	HeaderSize         uint32
} // 1648 bytes

type RawHdrV2 struct {
	RawHdrV1
	DtbSize uint32
	DtbAddr uint64
} // 1660 bytes

type RawHdrV3 struct {
	Magic         [BootMagicSize]byte
	KernelSize    uint32
	RamdiskSize   uint32
	OsVersion     uint32
	HeaderSize    uint32
	Reserved      [4]uint32
	HeaderVersion uint32
	Cmdline       [BootArgsSize + BootExtraArgsSize]byte
} // 1580 bytes

type RawHdrV4 struct {
	RawHdrV3
	SignatureSize uint32
} // 1584 bytes

type RawHdrVndV3 struct {
	Magic         [BootMagicSize]byte
	HeaderVersion uint32
	PageSize      uint32
	KernelAddr    uint32
	RamdiskAddr   uint32
	RamdiskSize   uint32
	Cmdline       [VendorBootArgsSize]byte
	TagsAddr      uint32
	Name          [BootNameSize]byte
	HeaderSize    uint32
	DtbSize       uint32
	DtbAddr       uint64
} // 2112 bytes

type RawHdrVndV4 struct {
	RawHdrVndV3
	VendorRamdiskTableSize      uint32
	VendorRamdiskTableEntryNum  uint32
	VendorRamdiskTableEntrySize uint32
	BootconfigSize              uint32
} // 2128 bytes

type VendorRamdiskTableEntryV4 struct {
	RamdiskSize   uint32
	RamdiskOffset uint32
	RamdiskType   uint32
	RamdiskName   [VendorRamdiskNameSize]byte
	BoardID       [VendorRamdiskBoardIDSize]uint32
}

// headerStructSize returns the exact byte size of the header struct for a
// boot image header version.
func headerStructSize(version uint32) int {
	switch version {
	case 0:
		return binary.Size(RawHdrV0{})
	case 1:
		return binary.Size(RawHdrV1{})
	case 2:
		return binary.Size(RawHdrV2{})
	case 3:
		return binary.Size(RawHdrV3{})
	case 4:
		return binary.Size(RawHdrV4{})
	default:
		return 0
	}
}

func decodeHdr(data []byte, path string, version uint32, hdr interface{}) error {
	need := binary.Size(hdr)
	if len(data) < need {
		return formatErr(Truncated, path, version,
			"header needs %d bytes, file has %d", need, len(data))
	}
	if err := binary.Read(bytes.NewReader(data), binary.LittleEndian, hdr); err != nil {
		return errors.Wrap(err, "decoding header")
	}
	return nil
}

func encodeHdr(w io.Writer, hdr interface{}) error {
	return errors.Wrap(binary.Write(w, binary.LittleEndian, hdr), "encoding header")
}

// Decode/Encode pairs, one per implemented version. Encode is the structural
// inverse of Decode for every version.

func (h *RawHdrV0) Decode(data []byte, path string) error { return decodeHdr(data, path, 0, h) }
func (h *RawHdrV0) Encode(w io.Writer) error              { return encodeHdr(w, h) }

func (h *RawHdrV1) Decode(data []byte, path string) error { return decodeHdr(data, path, 1, h) }
func (h *RawHdrV1) Encode(w io.Writer) error              { return encodeHdr(w, h) }

func (h *RawHdrV2) Decode(data []byte, path string) error { return decodeHdr(data, path, 2, h) }
func (h *RawHdrV2) Encode(w io.Writer) error              { return encodeHdr(w, h) }

func (h *RawHdrV3) Decode(data []byte, path string) error { return decodeHdr(data, path, 3, h) }
func (h *RawHdrV3) Encode(w io.Writer) error              { return encodeHdr(w, h) }

func (h *RawHdrV4) Decode(data []byte, path string) error { return decodeHdr(data, path, 4, h) }
func (h *RawHdrV4) Encode(w io.Writer) error              { return encodeHdr(w, h) }

func (h *RawHdrVndV3) Decode(data []byte, path string) error { return decodeHdr(data, path, 3, h) }
func (h *RawHdrVndV3) Encode(w io.Writer) error              { return encodeHdr(w, h) }

func (h *RawHdrVndV4) Decode(data []byte, path string) error { return decodeHdr(data, path, 4, h) }
func (h *RawHdrVndV4) Encode(w io.Writer) error              { return encodeHdr(w, h) }
