package bootforge

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"
	"math/bits"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// Vendor boot components, in on-disk order after the header.
const (
	ComponentVendorRamdisk Component = VendorRamdiskFile
	ComponentRamdiskTable  Component = RamdiskTableFile
	ComponentBootconfig    Component = BootconfigFile
)

// VendorImageInfo is the parameter record for a VNDRBOOT v3/v4 image. The
// table fields are v4 only.
type VendorImageInfo struct {
	HeaderVersion uint32
	PageSize      uint32

	KernelAddr  uint32
	RamdiskAddr uint32
	RamdiskSize uint32
	TagsAddr    uint32
	HeaderSize  uint32
	DtbSize     uint32
	DtbAddr     uint64

	TableSize      uint32 // v4
	TableEntryNum  uint32 // v4
	TableEntrySize uint32 // v4
	BootconfigSize uint32 // v4

	Name    [BootNameSize]byte
	Cmdline [VendorBootArgsSize]byte
}

func (info *VendorImageInfo) CmdlineString() string { return trimNul(info.Cmdline[:]) }
func (info *VendorImageInfo) NameString() string    { return trimNul(info.Name[:]) }

func vendorHeaderStructSize(version uint32) int {
	if version >= 4 {
		return binary.Size(RawHdrVndV4{})
	}
	return binary.Size(RawHdrVndV3{})
}

func (info *VendorImageInfo) layout() []region {
	r := []region{
		{ComponentVendorRamdisk, info.RamdiskSize},
		{ComponentDtb, info.DtbSize},
	}
	if info.HeaderVersion >= 4 {
		r = append(r,
			region{ComponentRamdiskTable, info.TableSize},
			region{ComponentBootconfig, info.BootconfigSize})
	}
	return r
}

// ParseVendor decodes a vendor boot image held in memory. Unlike the boot
// header family, VNDRBOOT carries its version at a fixed offset right after
// the magic, so no heuristic is involved.
func ParseVendor(data []byte, path string, opts *ParseOptions) (*VendorImageInfo, map[Component][]byte, error) {
	opts = opts.normalized()

	if len(data) < BootMagicSize+4 {
		return nil, nil, formatErr(Truncated, path, 0, "%d bytes is too short for the magic", len(data))
	}
	if !bytes.Equal(data[:BootMagicSize], []byte(VendorBootMagic)) {
		return nil, nil, formatErr(BadMagic, path, 0,
			"want %q, found %q", VendorBootMagic, data[:BootMagicSize])
	}

	version := binary.LittleEndian.Uint32(data[BootMagicSize:])
	if version < 3 || version > MaxHeaderVersion {
		return nil, nil, formatErr(UnsupportedVersion, path, version,
			"vendor boot images exist for versions 3 and 4 only")
	}

	info := &VendorImageInfo{HeaderVersion: version}
	if version >= 4 {
		var hdr RawHdrVndV4
		if err := hdr.Decode(data, path); err != nil {
			return nil, nil, err
		}
		info.fillFromVndV4(&hdr)
	} else {
		var hdr RawHdrVndV3
		if err := hdr.Decode(data, path); err != nil {
			return nil, nil, err
		}
		info.fillFromVndV3(&hdr)
	}

	if info.PageSize == 0 || bits.OnesCount32(info.PageSize) != 1 {
		return nil, nil, formatErr(UnsupportedVersion, path, version,
			"page size %d is not a power of two", info.PageSize)
	}
	if want := uint32(vendorHeaderStructSize(version)); info.HeaderSize != want {
		return nil, nil, formatErr(UnsupportedVersion, path, version,
			"declared header_size %d, vendor v%d headers are %d bytes", info.HeaderSize, version, want)
	}

	comps := map[Component][]byte{}
	cursor := alignTo(uint64(vendorHeaderStructSize(version)), uint64(info.PageSize))
	for _, r := range info.layout() {
		if r.size == 0 {
			continue
		}
		end := cursor + uint64(r.size)
		if end > uint64(len(data)) {
			return nil, nil, formatErr(Truncated, path, version,
				"%s needs bytes [%d, %d), file has %d", r.kind, cursor, end, len(data))
		}
		comps[r.kind] = bytes.Clone(data[cursor:end])
		cursor = alignTo(end, uint64(info.PageSize))
	}

	opts.Logger.Info("parsed vendor boot image",
		zap.String("path", path),
		zap.Uint32("header_version", version),
		zap.Uint32("page_size", info.PageSize),
		zap.Uint32("vendor_ramdisk_size", info.RamdiskSize),
		zap.Uint32("dtb_size", info.DtbSize))
	return info, comps, nil
}

func (info *VendorImageInfo) fillFromVndV3(hdr *RawHdrVndV3) {
	info.PageSize = hdr.PageSize
	info.KernelAddr = hdr.KernelAddr
	info.RamdiskAddr = hdr.RamdiskAddr
	info.RamdiskSize = hdr.RamdiskSize
	info.Cmdline = hdr.Cmdline
	info.TagsAddr = hdr.TagsAddr
	info.Name = hdr.Name
	info.HeaderSize = hdr.HeaderSize
	info.DtbSize = hdr.DtbSize
	info.DtbAddr = hdr.DtbAddr
}

func (info *VendorImageInfo) fillFromVndV4(hdr *RawHdrVndV4) {
	info.fillFromVndV3(&hdr.RawHdrVndV3)
	info.TableSize = hdr.VendorRamdiskTableSize
	info.TableEntryNum = hdr.VendorRamdiskTableEntryNum
	info.TableEntrySize = hdr.VendorRamdiskTableEntrySize
	info.BootconfigSize = hdr.BootconfigSize
}

func (info *VendorImageInfo) buildRawVndV3() RawHdrVndV3 {
	hdr := RawHdrVndV3{
		HeaderVersion: info.HeaderVersion,
		PageSize:      info.PageSize,
		KernelAddr:    info.KernelAddr,
		RamdiskAddr:   info.RamdiskAddr,
		RamdiskSize:   info.RamdiskSize,
		Cmdline:       info.Cmdline,
		TagsAddr:      info.TagsAddr,
		Name:          info.Name,
		HeaderSize:    info.HeaderSize,
		DtbSize:       info.DtbSize,
		DtbAddr:       info.DtbAddr,
	}
	copy(hdr.Magic[:], VendorBootMagic)
	return hdr
}

func (info *VendorImageInfo) buildRawVndV4() RawHdrVndV4 {
	return RawHdrVndV4{
		RawHdrVndV3:                 info.buildRawVndV3(),
		VendorRamdiskTableSize:      info.TableSize,
		VendorRamdiskTableEntryNum:  info.TableEntryNum,
		VendorRamdiskTableEntrySize: info.TableEntrySize,
		BootconfigSize:              info.BootconfigSize,
	}
}

// BuildVendor serializes a vendor boot image; the structural inverse of
// ParseVendor. Section sizes are recomputed from the provided blobs.
func BuildVendor(info *VendorImageInfo, comps map[Component][]byte, opts *BuildOptions) ([]byte, error) {
	if info.HeaderVersion < 3 || info.HeaderVersion > MaxHeaderVersion {
		return nil, formatErr(UnsupportedVersion, "", info.HeaderVersion,
			"vendor boot images exist for versions 3 and 4 only")
	}

	out := *info
	for _, r := range out.layout() {
		n := len(comps[r.kind])
		if uint64(n) > math.MaxUint32 {
			return nil, formatErr(SizeOverflow, "", out.HeaderVersion,
				"%s is %d bytes, size field holds at most %d", r.kind, n, uint32(math.MaxUint32))
		}
		switch r.kind {
		case ComponentVendorRamdisk:
			out.RamdiskSize = uint32(n)
		case ComponentDtb:
			out.DtbSize = uint32(n)
		case ComponentRamdiskTable:
			out.TableSize = uint32(n)
		case ComponentBootconfig:
			out.BootconfigSize = uint32(n)
		}
	}
	out.HeaderSize = uint32(vendorHeaderStructSize(out.HeaderVersion))

	var buf bytes.Buffer
	var err error
	if out.HeaderVersion >= 4 {
		hdr := out.buildRawVndV4()
		err = hdr.Encode(&buf)
	} else {
		hdr := out.buildRawVndV3()
		err = hdr.Encode(&buf)
	}
	if err != nil {
		return nil, err
	}

	pad := make([]byte, out.PageSize)
	buf.Write(pad[:paddingSize(uint64(buf.Len()), uint64(out.PageSize))])
	for _, r := range out.layout() {
		if r.size == 0 {
			continue
		}
		buf.Write(comps[r.kind])
		buf.Write(pad[:paddingSize(uint64(r.size), uint64(out.PageSize))])
	}

	opts.logger().Info("built vendor boot image",
		zap.Uint32("header_version", out.HeaderVersion),
		zap.Int("image_size", buf.Len()))
	return buf.Bytes(), nil
}

// SaveInfo writes the vendor parameter record to dir/vendor_boot.info.
func (info *VendorImageInfo) SaveInfo(dir string) error {
	var buf bytes.Buffer
	put := func(key, format string, args ...interface{}) {
		fmt.Fprintf(&buf, key+"="+format+"\n", args...)
	}

	put("header_version", "%d", info.HeaderVersion)
	put("page_size", "%d", info.PageSize)
	put("kernel_addr", "0x%08x", info.KernelAddr)
	put("ramdisk_addr", "0x%08x", info.RamdiskAddr)
	put("vendor_ramdisk_size", "%d", info.RamdiskSize)
	put("tags_addr", "0x%08x", info.TagsAddr)
	put("header_size", "%d", info.HeaderSize)
	put("dtb_size", "%d", info.DtbSize)
	put("dtb_addr", "0x%016x", info.DtbAddr)
	put("name", "%s", info.NameString())
	put("cmdline", "%s", info.CmdlineString())
	if info.HeaderVersion >= 4 {
		put("vendor_ramdisk_table_size", "%d", info.TableSize)
		put("vendor_ramdisk_table_entry_num", "%d", info.TableEntryNum)
		put("vendor_ramdisk_table_entry_size", "%d", info.TableEntrySize)
		put("bootconfig_size", "%d", info.BootconfigSize)
	}

	path := filepath.Join(dir, VendorInfoFile)
	return errors.Wrapf(os.WriteFile(path, buf.Bytes(), 0o644), "writing %s", path)
}

// LoadVendorInfo reconstructs a VendorImageInfo from a vendor_boot.info
// record.
func LoadVendorInfo(path string) (*VendorImageInfo, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "reading %s", path)
	}

	kv := map[string]string{}
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimRight(line, "\r")
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			return nil, errors.Errorf("%s: malformed line %q", path, line)
		}
		kv[key] = value
	}

	var parseErr error
	num := func(key string, bits int) uint64 {
		v, ok := kv[key]
		if !ok || parseErr != nil {
			return 0
		}
		n, err := strconv.ParseUint(v, 0, bits)
		if err != nil && parseErr == nil {
			parseErr = errors.Wrapf(err, "%s: bad value for %s", path, key)
		}
		return n
	}
	u32 := func(key string) uint32 { return uint32(num(key, 32)) }

	info := &VendorImageInfo{
		HeaderVersion:  u32("header_version"),
		PageSize:       u32("page_size"),
		KernelAddr:     u32("kernel_addr"),
		RamdiskAddr:    u32("ramdisk_addr"),
		RamdiskSize:    u32("vendor_ramdisk_size"),
		TagsAddr:       u32("tags_addr"),
		HeaderSize:     u32("header_size"),
		DtbSize:        u32("dtb_size"),
		DtbAddr:        num("dtb_addr", 64),
		TableSize:      u32("vendor_ramdisk_table_size"),
		TableEntryNum:  u32("vendor_ramdisk_table_entry_num"),
		TableEntrySize: u32("vendor_ramdisk_table_entry_size"),
		BootconfigSize: u32("bootconfig_size"),
	}
	if parseErr != nil {
		return nil, parseErr
	}

	if info.HeaderVersion < 3 || info.HeaderVersion > MaxHeaderVersion {
		return nil, formatErr(UnsupportedVersion, path, info.HeaderVersion,
			"vendor boot images exist for versions 3 and 4 only")
	}

	copy(info.Name[:], kv["name"])
	if cmdline, ok := kv["cmdline"]; ok {
		if len(cmdline) > VendorBootArgsSize {
			return nil, formatErr(SizeOverflow, path, info.HeaderVersion,
				"cmdline is %d bytes, region holds %d", len(cmdline), VendorBootArgsSize)
		}
		copy(info.Cmdline[:], cmdline)
	}
	return info, nil
}

// UnpackVendor parses the vendor boot image at path and writes its sections
// and the vendor_boot.info record under outDir.
func UnpackVendor(path, outDir string, opts *ParseOptions) (*VendorImageInfo, map[Component][]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, errors.Wrapf(err, "reading %s", path)
	}
	info, comps, err := ParseVendor(data, path, opts)
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

// RepackVendorDir rebuilds a vendor boot image from an unpack output
// directory.
func RepackVendorDir(dir, outPath string, opts *BuildOptions) (*VendorImageInfo, error) {
	info, err := LoadVendorInfo(filepath.Join(dir, VendorInfoFile))
	if err != nil {
		return nil, err
	}

	comps := map[Component][]byte{}
	for _, r := range info.layout() {
		blob, err := os.ReadFile(filepath.Join(dir, string(r.kind)))
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, errors.Wrapf(err, "reading %s", filepath.Join(dir, string(r.kind)))
		}
		comps[r.kind] = blob
	}

	data, err := BuildVendor(info, comps, opts)
	if err != nil {
		return nil, err
	}
	if err := writeFileAtomic(outPath, data); err != nil {
		return nil, err
	}
	opts.logger().Info("wrote vendor boot image", zap.String("path", outPath), zap.Int("size", len(data)))
	return info, nil
}

// DecodeRamdiskTable enumerates the v4 vendor ramdisk table entries. The
// referenced ramdisks themselves stay opaque byte ranges of the vendor
// ramdisk section.
func DecodeRamdiskTable(info *VendorImageInfo, table []byte) ([]VendorRamdiskTableEntryV4, error) {
	entrySize := binary.Size(VendorRamdiskTableEntryV4{})
	if info.TableEntrySize != 0 && int(info.TableEntrySize) != entrySize {
		return nil, formatErr(UnsupportedVersion, "", info.HeaderVersion,
			"table entry size %d, this codec knows %d byte entries", info.TableEntrySize, entrySize)
	}
	if len(table) < int(info.TableEntryNum)*entrySize {
		return nil, formatErr(Truncated, "", info.HeaderVersion,
			"table holds %d bytes, %d entries need %d", len(table), info.TableEntryNum,
			int(info.TableEntryNum)*entrySize)
	}
	entries := make([]VendorRamdiskTableEntryV4, info.TableEntryNum)
	if err := binary.Read(bytes.NewReader(table), binary.LittleEndian, entries); err != nil {
		return nil, errors.Wrap(err, "decoding vendor ramdisk table")
	}
	return entries, nil
}
