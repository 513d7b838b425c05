package bootforge

import (
	"bytes"
	"encoding/binary"
	"os"
	"path/filepath"

	"github.com/edsrzf/mmap-go"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

type fdtHeader struct {
	Magic           uint32
	TotalSize       uint32
	OffDtStruct     uint32
	OffDtStrings    uint32
	OffMemRsvmap    uint32
	Version         uint32
	LastCompVersion uint32
	BootCpuidPhys   uint32
	SizeDtStrings   uint32
	SizeDtStruct    uint32
}

const fdtBeginNode = 0x1

// FindDtbOffset scans a kernel image for an appended flattened device tree
// and returns its offset, or -1. A magic hit alone is not enough: the header
// must describe a tree that fits in the remaining bytes and whose structure
// block starts with FDT_BEGIN_NODE, since kernels may contain the magic bytes
// incidentally.
func FindDtbOffset(data []byte) int {
	fdtHdrSize := binary.Size(fdtHeader{})
	for off := 0; off < len(data); {
		i := bytes.Index(data[off:], []byte(dtbMagic))
		if i < 0 {
			return -1
		}
		pos := off + i
		off = pos + 4

		if len(data)-pos < fdtHdrSize {
			return -1
		}
		var hdr fdtHeader
		if err := binary.Read(bytes.NewReader(data[pos:]), binary.BigEndian, &hdr); err != nil {
			return -1
		}
		if uint64(hdr.TotalSize) > uint64(len(data)-pos) {
			continue
		}
		if uint64(hdr.OffDtStruct)+4 > uint64(len(data)-pos) {
			continue
		}
		if binary.BigEndian.Uint32(data[pos+int(hdr.OffDtStruct):]) != fdtBeginNode {
			continue
		}
		return pos
	}
	return -1
}

// SplitKernelDtb separates a kernel image from its appended device tree,
// writing kernel and kernel_dtb files under outDir. Unless skipDecomp is set,
// a compressed kernel part is decompressed before being written.
func SplitKernelDtb(path, outDir string, skipDecomp bool, logger *zap.Logger) error {
	if logger == nil {
		logger = zap.NewNop()
	}

	file, err := os.Open(path)
	if err != nil {
		return errors.Wrapf(err, "opening %s", path)
	}
	defer file.Close()

	fmap, err := mmap.Map(file, mmap.RDONLY, 0)
	if err != nil {
		return errors.Wrapf(err, "mapping %s", path)
	}
	defer fmap.Unmap()

	off := FindDtbOffset(fmap)
	if off < 0 {
		return errors.Errorf("%s: no appended device tree found", path)
	}

	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return errors.Wrapf(err, "creating %s", outDir)
	}

	kernel := []byte(fmap[:off])
	if f := DetectFormat(kernel); !skipDecomp && f.Compressed() {
		logger.Info("decompressing kernel part",
			zap.String("format", f.String()), zap.Int("dtb_offset", off))
		kernel = decompressLenient(f, kernel)
	}

	kernelPath := filepath.Join(outDir, KernelFile)
	if err := os.WriteFile(kernelPath, kernel, 0o644); err != nil {
		return errors.Wrapf(err, "writing %s", kernelPath)
	}
	dtbPath := filepath.Join(outDir, KernelDtbFile)
	if err := os.WriteFile(dtbPath, bytes.Clone(fmap[off:]), 0o644); err != nil {
		return errors.Wrapf(err, "writing %s", dtbPath)
	}

	logger.Info("split kernel image",
		zap.String("path", path),
		zap.Int("kernel_size", len(kernel)),
		zap.Int("dtb_size", len(fmap)-off))
	return nil
}
