package bootforge

import (
	"bytes"
	"encoding/binary"
	"math/bits"
	"os"
	"path/filepath"

	"github.com/edsrzf/mmap-go"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// Component names one region of a boot image. The value doubles as the fixed
// output file name used by Unpack.
type Component string

const (
	ComponentKernel       Component = KernelFile
	ComponentRamdisk      Component = RamdiskFile
	ComponentSecond       Component = SecondFile
	ComponentRecoveryDtbo Component = RecoveryDtboFile
	ComponentDtb          Component = DtbFile
	ComponentSignature    Component = SignatureFile
)

// DefaultMaxPlausibleVersion bounds the header_version values the detector is
// willing to trust. Every AOSP revision to date is well below it; Samsung/PXA
// style images reuse the word for an unrelated size field with much larger
// values.
const DefaultMaxPlausibleVersion = 8

// ParseOptions control header version detection and observability. The zero
// value is ready to use.
type ParseOptions struct {
	// ExpectedVersion, when set, short-circuits detection entirely. Values
	// beyond the implemented set still fail with UnsupportedVersion.
	ExpectedVersion *uint32

	// MaxPlausibleVersion is the trust threshold for the on-disk
	// header_version word; above it the word is treated as a foreign field
	// and the image is parsed as version 0. Zero means
	// DefaultMaxPlausibleVersion.
	MaxPlausibleVersion uint32

	// Logger receives the detection and fallback decisions. Nil means no
	// logging.
	Logger *zap.Logger
}

func (o *ParseOptions) normalized() *ParseOptions {
	var out ParseOptions
	if o != nil {
		out = *o
	}
	if out.MaxPlausibleVersion == 0 {
		out.MaxPlausibleVersion = DefaultMaxPlausibleVersion
	}
	if out.Logger == nil {
		out.Logger = zap.NewNop()
	}
	return &out
}

// The header_version word sits at byte offset 40 in every revision of the
// boot header, which is what makes single-pass detection possible.
const headerVersionOffset = 40

// DetectHeaderVersion applies the version decision rule to the image prefix:
// a pinned ExpectedVersion wins; otherwise the header_version word is trusted
// iff it does not exceed MaxPlausibleVersion, and the image is treated as
// version 0 when it does. A trusted version outside the implemented set is an
// UnsupportedVersion error, never a guessed layout.
func DetectHeaderVersion(prefix []byte, path string, opts *ParseOptions) (uint32, error) {
	opts = opts.normalized()

	if len(prefix) < BootMagicSize {
		return 0, formatErr(Truncated, path, 0, "%d bytes is too short for the magic", len(prefix))
	}
	if !bytes.Equal(prefix[:BootMagicSize], []byte(BootMagic)) {
		return 0, formatErr(BadMagic, path, 0, "want %q, found %q", BootMagic, prefix[:BootMagicSize])
	}
	if len(prefix) < headerVersionOffset+4 {
		return 0, formatErr(Truncated, path, 0,
			"%d bytes is too short for the header_version field", len(prefix))
	}

	version := uint32(0)
	switch {
	case opts.ExpectedVersion != nil:
		version = *opts.ExpectedVersion
		opts.Logger.Info("header version pinned by caller", zap.Uint32("version", version))
	default:
		raw := binary.LittleEndian.Uint32(prefix[headerVersionOffset:])
		if raw > opts.MaxPlausibleVersion {
			opts.Logger.Warn("implausible header_version word, assuming version 0",
				zap.String("path", path),
				zap.Uint32("word", raw),
				zap.Uint32("threshold", opts.MaxPlausibleVersion))
		} else {
			version = raw
		}
	}

	if version > MaxHeaderVersion {
		return 0, formatErr(UnsupportedVersion, path, version,
			"this codec implements versions 0 through %d", MaxHeaderVersion)
	}
	return version, nil
}

// Parse decodes a boot image held in memory into its parameter record and
// component blobs. Component slices are copies; data is not retained.
func Parse(data []byte, path string, opts *ParseOptions) (*ImageInfo, map[Component][]byte, error) {
	opts = opts.normalized()

	version, err := DetectHeaderVersion(data, path, opts)
	if err != nil {
		return nil, nil, err
	}

	info := &ImageInfo{HeaderVersion: version}
	switch version {
	case 0:
		var hdr RawHdrV0
		if err := hdr.Decode(data, path); err != nil {
			return nil, nil, err
		}
		info.fillFromV0(&hdr)
	case 1:
		var hdr RawHdrV1
		if err := hdr.Decode(data, path); err != nil {
			return nil, nil, err
		}
		info.fillFromV1(&hdr)
	case 2:
		var hdr RawHdrV2
		if err := hdr.Decode(data, path); err != nil {
			return nil, nil, err
		}
		info.fillFromV2(&hdr)
	case 3:
		var hdr RawHdrV3
		if err := hdr.Decode(data, path); err != nil {
			return nil, nil, err
		}
		info.fillFromV3(&hdr)
	case 4:
		var hdr RawHdrV4
		if err := hdr.Decode(data, path); err != nil {
			return nil, nil, err
		}
		info.fillFromV4(&hdr)
	}

	if info.PageSize == 0 || bits.OnesCount32(info.PageSize) != 1 {
		return nil, nil, formatErr(UnsupportedVersion, path, version,
			"page size %d is not a power of two", info.PageSize)
	}
	if version >= 3 {
		if want := uint32(headerStructSize(version)); info.HeaderSize != want {
			return nil, nil, formatErr(UnsupportedVersion, path, version,
				"declared header_size %d, version %d headers are %d bytes",
				info.HeaderSize, version, want)
		}
	}

	comps := map[Component][]byte{}
	cursor := alignTo(uint64(headerStructSize(version)), uint64(info.PageSize))
	for _, region := range info.layout() {
		if region.size == 0 {
			continue
		}
		end := cursor + uint64(region.size)
		if end > uint64(len(data)) {
			return nil, nil, formatErr(Truncated, path, version,
				"%s needs bytes [%d, %d), file has %d", region.kind, cursor, end, len(data))
		}
		comps[region.kind] = bytes.Clone(data[cursor:end])
		cursor = alignTo(end, uint64(info.PageSize))
	}

	opts.Logger.Info("parsed boot image",
		zap.String("path", path),
		zap.Uint32("header_version", version),
		zap.Uint32("page_size", info.PageSize),
		zap.Uint32("kernel_size", info.KernelSize),
		zap.Uint32("ramdisk_size", info.RamdiskSize))
	return info, comps, nil
}

type region struct {
	kind Component
	size uint32
}

// layout returns the component regions valid for the header version, in their
// fixed on-disk order.
func (info *ImageInfo) layout() []region {
	if info.HeaderVersion >= 3 {
		r := []region{
			{ComponentKernel, info.KernelSize},
			{ComponentRamdisk, info.RamdiskSize},
		}
		if info.HeaderVersion >= 4 {
			r = append(r, region{ComponentSignature, info.SignatureSize})
		}
		return r
	}
	r := []region{
		{ComponentKernel, info.KernelSize},
		{ComponentRamdisk, info.RamdiskSize},
		{ComponentSecond, info.SecondSize},
	}
	if info.HeaderVersion >= 1 {
		r = append(r, region{ComponentRecoveryDtbo, info.RecoveryDtboSize})
	}
	if info.HeaderVersion >= 2 {
		r = append(r, region{ComponentDtb, info.DtbSize})
	}
	return r
}

func (info *ImageInfo) fillFromV0(hdr *RawHdrV0) {
	info.KernelSize = hdr.KernelSize
	info.KernelAddr = hdr.KernelAddr
	info.RamdiskSize = hdr.RamdiskSize
	info.RamdiskAddr = hdr.RamdiskAddr
	info.SecondSize = hdr.SecondSize
	info.SecondAddr = hdr.SecondAddr
	info.TagsAddr = hdr.TagsAddr
	info.PageSize = hdr.PageSize
	info.OsVersion = hdr.OsVersion
	info.Name = hdr.Name
	info.Cmdline = hdr.Cmdline
	info.ID = hdr.ID
	info.ExtraCmdline = hdr.ExtraCmdline
}

func (info *ImageInfo) fillFromV1(hdr *RawHdrV1) {
	info.fillFromV0(&hdr.RawHdrV0)
	info.RecoveryDtboSize = hdr.RecoveryDtboSize
	info.RecoveryDtboOffset = hdr.RecoveryDtboOffset
	info.HeaderSize = hdr.HeaderSize
}

func (info *ImageInfo) fillFromV2(hdr *RawHdrV2) {
	info.fillFromV1(&hdr.RawHdrV1)
	info.DtbSize = hdr.DtbSize
	info.DtbAddr = hdr.DtbAddr
}

func (info *ImageInfo) fillFromV3(hdr *RawHdrV3) {
	info.KernelSize = hdr.KernelSize
	info.RamdiskSize = hdr.RamdiskSize
	info.OsVersion = hdr.OsVersion
	info.HeaderSize = hdr.HeaderSize
	info.PageSize = V3PageSize
	copy(info.Cmdline[:], hdr.Cmdline[:BootArgsSize])
	copy(info.ExtraCmdline[:], hdr.Cmdline[BootArgsSize:])
}

func (info *ImageInfo) fillFromV4(hdr *RawHdrV4) {
	info.fillFromV3(&hdr.RawHdrV3)
	info.SignatureSize = hdr.SignatureSize
}

// ParseFile memory-maps a boot image and parses it. The returned component
// slices are independent copies; the map is released before returning.
func ParseFile(path string, opts *ParseOptions) (*ImageInfo, map[Component][]byte, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, nil, errors.Wrapf(err, "opening %s", path)
	}
	defer file.Close()

	fmap, err := mmap.Map(file, mmap.RDONLY, 0)
	if err != nil {
		return nil, nil, errors.Wrapf(err, "mapping %s", path)
	}
	defer fmap.Unmap()

	return Parse(fmap, path, opts)
}

// Unpack parses the boot image at path and writes every present component
// plus the bootimg.info record under outDir, using the fixed component file
// names.
func Unpack(path, outDir string, opts *ParseOptions) (*ImageInfo, map[Component][]byte, error) {
	info, comps, err := ParseFile(path, opts)
	if err != nil {
		return nil, nil, err
	}

	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return nil, nil, errors.Wrapf(err, "creating %s", outDir)
	}
	for kind, blob := range comps {
		out := filepath.Join(outDir, string(kind))
		if err := os.WriteFile(out, blob, 0o644); err != nil {
			return nil, nil, errors.Wrapf(err, "writing %s", out)
		}
	}
	if err := info.SaveInfo(outDir); err != nil {
		return nil, nil, err
	}
	return info, comps, nil
}
