package bootforge

import (
	"bytes"
	"math"
	"os"
	"path/filepath"

	"github.com/cespare/xxhash"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// BuildOptions control observability of the builder. The zero value is ready
// to use.
type BuildOptions struct {
	Logger *zap.Logger
}

func (o *BuildOptions) logger() *zap.Logger {
	if o == nil || o.Logger == nil {
		return zap.NewNop()
	}
	return o.Logger
}

// Build serializes a boot image from a parameter record and component blobs.
// Every size field is recomputed from the corresponding blob (identical to
// the recorded value when the blob is unchanged); an empty or missing blob
// writes a zero size and contributes no bytes. The header encoding is the
// structural inverse of Parse for every implemented version.
func Build(info *ImageInfo, comps map[Component][]byte, opts *BuildOptions) ([]byte, error) {
	log := opts.logger()

	if info.HeaderVersion > MaxHeaderVersion {
		return nil, formatErr(UnsupportedVersion, "", info.HeaderVersion,
			"this codec implements versions 0 through %d", MaxHeaderVersion)
	}

	out := *info
	if out.KernelSize > 0 && len(comps[ComponentKernel]) == 0 {
		return nil, errors.Wrapf(ErrMissingComponent,
			"record declares a %d byte kernel but no kernel blob was provided", out.KernelSize)
	}

	size := func(kind Component) (uint32, error) {
		n := len(comps[kind])
		if uint64(n) > math.MaxUint32 {
			return 0, formatErr(SizeOverflow, "", out.HeaderVersion,
				"%s is %d bytes, size field holds at most %d", kind, n, uint32(math.MaxUint32))
		}
		return uint32(n), nil
	}

	var err error
	for _, r := range out.layout() {
		var n uint32
		if n, err = size(r.kind); err != nil {
			return nil, err
		}
		switch r.kind {
		case ComponentKernel:
			out.KernelSize = n
		case ComponentRamdisk:
			out.RamdiskSize = n
		case ComponentSecond:
			out.SecondSize = n
		case ComponentRecoveryDtbo:
			out.RecoveryDtboSize = n
		case ComponentDtb:
			out.DtbSize = n
		case ComponentSignature:
			out.SignatureSize = n
		}
	}
	if out.HeaderVersion >= 1 {
		out.HeaderSize = uint32(headerStructSize(out.HeaderVersion))
	}

	var buf bytes.Buffer
	if err := out.encodeHeader(&buf); err != nil {
		return nil, err
	}
	pad := make([]byte, out.PageSize)
	writePadded := func(blob []byte) {
		buf.Write(blob)
		buf.Write(pad[:paddingSize(uint64(len(blob)), uint64(out.PageSize))])
	}
	// the header region is page-padded like any other
	buf.Write(pad[:paddingSize(uint64(buf.Len()), uint64(out.PageSize))])

	sum := xxhash.New()
	for _, r := range out.layout() {
		if r.size == 0 {
			continue
		}
		blob := comps[r.kind]
		writePadded(blob)
		sum.Write(blob)
	}

	log.Info("built boot image",
		zap.Uint32("header_version", out.HeaderVersion),
		zap.Uint32("kernel_size", out.KernelSize),
		zap.Int("image_size", buf.Len()),
		zap.Uint64("content_xxhash", sum.Sum64()))
	return buf.Bytes(), nil
}

// encodeHeader dispatches to the version's encoder.
func (info *ImageInfo) encodeHeader(buf *bytes.Buffer) error {
	switch info.HeaderVersion {
	case 0:
		hdr := info.buildRawV0()
		return hdr.Encode(buf)
	case 1:
		hdr := info.buildRawV1()
		return hdr.Encode(buf)
	case 2:
		hdr := info.buildRawV2()
		return hdr.Encode(buf)
	case 3:
		hdr := info.buildRawV3()
		return hdr.Encode(buf)
	case 4:
		hdr := info.buildRawV4()
		return hdr.Encode(buf)
	default:
		return formatErr(UnsupportedVersion, "", info.HeaderVersion,
			"this codec implements versions 0 through %d", MaxHeaderVersion)
	}
}

func (info *ImageInfo) buildRawV0() RawHdrV0 {
	hdr := RawHdrV0{
		TagsAddr:      info.TagsAddr,
		PageSize:      info.PageSize,
		HeaderVersion: info.HeaderVersion,
		OsVersion:     info.OsVersion,
		Name:          info.Name,
		Cmdline:       info.Cmdline,
		ID:            info.ID,
		ExtraCmdline:  info.ExtraCmdline,
	}
	copy(hdr.Magic[:], BootMagic)
	hdr.KernelSize = info.KernelSize
	hdr.KernelAddr = info.KernelAddr
	hdr.RamdiskSize = info.RamdiskSize
	hdr.RamdiskAddr = info.RamdiskAddr
	hdr.SecondSize = info.SecondSize
	hdr.SecondAddr = info.SecondAddr
	return hdr
}

func (info *ImageInfo) buildRawV1() RawHdrV1 {
	return RawHdrV1{
		RawHdrV0:           info.buildRawV0(),
		RecoveryDtboSize:   info.RecoveryDtboSize,
		RecoveryDtboOffset: info.RecoveryDtboOffset,
		HeaderSize:         info.HeaderSize,
	}
}

func (info *ImageInfo) buildRawV2() RawHdrV2 {
	return RawHdrV2{
		RawHdrV1: info.buildRawV1(),
		DtbSize:  info.DtbSize,
		DtbAddr:  info.DtbAddr,
	}
}

func (info *ImageInfo) buildRawV3() RawHdrV3 {
	hdr := RawHdrV3{
		KernelSize:    info.KernelSize,
		RamdiskSize:   info.RamdiskSize,
		OsVersion:     info.OsVersion,
		HeaderSize:    info.HeaderSize,
		HeaderVersion: info.HeaderVersion,
	}
	copy(hdr.Magic[:], BootMagic)
	copy(hdr.Cmdline[:BootArgsSize], info.Cmdline[:])
	copy(hdr.Cmdline[BootArgsSize:], info.ExtraCmdline[:])
	return hdr
}

func (info *ImageInfo) buildRawV4() RawHdrV4 {
	return RawHdrV4{
		RawHdrV3:      info.buildRawV3(),
		SignatureSize: info.SignatureSize,
	}
}

// BuildFile builds the image and writes it to outPath via a temporary file in
// the same directory, renamed over the target only after a successful sync.
// Concurrent builds of the same outPath must be serialized by the caller.
func BuildFile(info *ImageInfo, comps map[Component][]byte, outPath string, opts *BuildOptions) error {
	data, err := Build(info, comps, opts)
	if err != nil {
		return err
	}

	if err := writeFileAtomic(outPath, data); err != nil {
		return err
	}

	opts.logger().Info("wrote boot image",
		zap.String("path", outPath),
		zap.Int("size", len(data)))
	return nil
}

// writeFileAtomic writes data to a temporary sibling of outPath, syncs it and
// renames it over the target. An interrupted build never leaves a partially
// written image at outPath.
func writeFileAtomic(outPath string, data []byte) error {
	tmp := outPath + ".tmp"
	file, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return errors.Wrapf(err, "creating %s", tmp)
	}
	if _, err := file.Write(data); err != nil {
		file.Close()
		os.Remove(tmp)
		return errors.Wrapf(err, "writing %s", tmp)
	}
	if err := syncFile(file); err != nil {
		file.Close()
		os.Remove(tmp)
		return errors.Wrapf(err, "syncing %s", tmp)
	}
	if err := file.Close(); err != nil {
		os.Remove(tmp)
		return errors.Wrapf(err, "closing %s", tmp)
	}
	if err := os.Rename(tmp, outPath); err != nil {
		os.Remove(tmp)
		return errors.Wrapf(err, "renaming %s to %s", tmp, outPath)
	}
	return nil
}

// RepackDir rebuilds a boot image from an unpack output directory, reading
// bootimg.info and the fixed component file names, with the kernel blob taken
// from kernelPath (or the extracted kernel when kernelPath is empty).
func RepackDir(dir, kernelPath, outPath string, opts *BuildOptions) (*ImageInfo, error) {
	info, err := LoadInfo(filepath.Join(dir, InfoFile))
	if err != nil {
		return nil, err
	}

	comps := map[Component][]byte{}
	for _, r := range info.layout() {
		path := filepath.Join(dir, string(r.kind))
		if r.kind == ComponentKernel && kernelPath != "" {
			path = kernelPath
		}
		blob, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				if r.kind == ComponentKernel && r.size > 0 {
					return nil, errors.Wrapf(ErrMissingComponent, "kernel blob %s not found", path)
				}
				continue
			}
			return nil, errors.Wrapf(err, "reading %s", path)
		}
		comps[r.kind] = blob
	}

	if err := BuildFile(info, comps, outPath, opts); err != nil {
		return nil, err
	}
	return info, nil
}
