package bootforge

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// ImageInfo is the parameter record describing one boot image's layout.
// HeaderVersion determines which fields are meaningful: fields carry a comment
// naming the versions they belong to, and SaveInfo/LoadInfo only touch the
// valid set. Reading a field outside its versions is a programming error, not
// an input error.
//
// Name, ID, Cmdline and ExtraCmdline stay as raw fixed-size arrays so that a
// parse followed by a build reproduces the original bytes exactly, embedded
// NULs included.
type ImageInfo struct {
	HeaderVersion uint32
	PageSize      uint32 // v0-v2 from header, v3+ fixed 4096

	KernelSize       uint32
	RamdiskSize      uint32
	SecondSize       uint32 // v0-v2
	RecoveryDtboSize uint32 // v1-v2
	DtbSize          uint32 // v2
	SignatureSize    uint32 // v4

	KernelAddr         uint32 // v0-v2
	RamdiskAddr        uint32 // v0-v2
	SecondAddr         uint32 // v0-v2
	TagsAddr           uint32 // v0-v2
	RecoveryDtboOffset uint64 // v1-v2
	DtbAddr            uint64 // v2

	OsVersion  uint32
	HeaderSize uint32 // v1+

	Name         [BootNameSize]byte      // v0-v2
	Cmdline      [BootArgsSize]byte      // v3+ spills into ExtraCmdline
	ExtraCmdline [BootExtraArgsSize]byte // v0-v2
	ID           [BootIDSize]byte        // v0-v2
}

func trimNul(b []byte) string {
	if i := bytes.IndexByte(b, 0); i >= 0 {
		return string(b[:i])
	}
	return string(b)
}

// CmdlineString returns the logical command line: the primary region
// concatenated with the extra region, each NUL-trimmed.
func (info *ImageInfo) CmdlineString() string {
	return trimNul(info.Cmdline[:]) + trimNul(info.ExtraCmdline[:])
}

// NameString returns the NUL-trimmed product name.
func (info *ImageInfo) NameString() string {
	return trimNul(info.Name[:])
}

// SetCmdline replaces the command line, spilling into the extra region when
// the primary one overflows. The total capacity is 512+1024 bytes.
func (info *ImageInfo) SetCmdline(s string) error {
	if len(s) > BootArgsSize+BootExtraArgsSize {
		return formatErr(SizeOverflow, "", info.HeaderVersion,
			"cmdline is %d bytes, limit is %d", len(s), BootArgsSize+BootExtraArgsSize)
	}
	info.Cmdline = [BootArgsSize]byte{}
	info.ExtraCmdline = [BootExtraArgsSize]byte{}
	copy(info.Cmdline[:], s)
	if len(s) > BootArgsSize {
		copy(info.ExtraCmdline[:], s[BootArgsSize:])
	}
	return nil
}

// OSVersionTriple decodes the A.B.C part of the os_version word.
func (info *ImageInfo) OSVersionTriple() (a, b, c uint32) {
	ver := info.OsVersion >> 11
	return ver >> 14, (ver >> 7) & 0x7f, ver & 0x7f
}

// PatchLevel decodes the security patch level year and month.
func (info *ImageInfo) PatchLevel() (year, month uint32) {
	lvl := info.OsVersion & 0x7ff
	return (lvl >> 4) + 2000, lvl & 0xf
}

// SaveInfo writes the key=value parameter record to dir/bootimg.info. Only
// fields valid for the header version are emitted.
func (info *ImageInfo) SaveInfo(dir string) error {
	var buf bytes.Buffer
	put := func(key, format string, args ...interface{}) {
		fmt.Fprintf(&buf, key+"="+format+"\n", args...)
	}

	put("header_version", "%d", info.HeaderVersion)
	put("page_size", "%d", info.PageSize)
	put("kernel_size", "%d", info.KernelSize)
	put("ramdisk_size", "%d", info.RamdiskSize)
	put("os_version", "%d", info.OsVersion)

	if info.HeaderVersion >= 3 {
		put("header_size", "%d", info.HeaderSize)
		put("cmdline", "%s", info.CmdlineString())
		if info.HeaderVersion >= 4 {
			put("signature_size", "%d", info.SignatureSize)
		}
	} else {
		put("second_size", "%d", info.SecondSize)
		put("kernel_addr", "0x%08x", info.KernelAddr)
		put("ramdisk_addr", "0x%08x", info.RamdiskAddr)
		put("second_addr", "0x%08x", info.SecondAddr)
		put("tags_addr", "0x%08x", info.TagsAddr)
		put("name", "%s", info.NameString())
		put("cmdline", "%s", trimNul(info.Cmdline[:]))
		put("extra_cmdline", "%s", trimNul(info.ExtraCmdline[:]))
		put("id", "%s", hex.EncodeToString(info.ID[:]))
		if info.HeaderVersion >= 1 {
			put("recovery_dtbo_size", "%d", info.RecoveryDtboSize)
			put("recovery_dtbo_offset", "0x%016x", info.RecoveryDtboOffset)
			put("header_size", "%d", info.HeaderSize)
		}
		if info.HeaderVersion >= 2 {
			put("dtb_size", "%d", info.DtbSize)
			put("dtb_addr", "0x%016x", info.DtbAddr)
		}
	}

	path := filepath.Join(dir, InfoFile)
	return errors.Wrapf(os.WriteFile(path, buf.Bytes(), 0o644), "writing %s", path)
}

// LoadInfo reconstructs an ImageInfo from a bootimg.info record. Numeric
// values are accepted in decimal or 0x-prefixed hex.
func LoadInfo(path string) (*ImageInfo, error) {
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
	u64 := func(key string) uint64 { return num(key, 64) }

	if _, ok := kv["header_version"]; !ok {
		return nil, errors.Errorf("%s: missing header_version", path)
	}

	info := &ImageInfo{
		HeaderVersion:    u32("header_version"),
		PageSize:         u32("page_size"),
		KernelSize:       u32("kernel_size"),
		RamdiskSize:      u32("ramdisk_size"),
		SecondSize:       u32("second_size"),
		RecoveryDtboSize: u32("recovery_dtbo_size"),
		DtbSize:          u32("dtb_size"),
		SignatureSize:    u32("signature_size"),

		KernelAddr:         u32("kernel_addr"),
		RamdiskAddr:        u32("ramdisk_addr"),
		SecondAddr:         u32("second_addr"),
		TagsAddr:           u32("tags_addr"),
		RecoveryDtboOffset: u64("recovery_dtbo_offset"),
		DtbAddr:            u64("dtb_addr"),

		OsVersion:  u32("os_version"),
		HeaderSize: u32("header_size"),
	}
	if parseErr != nil {
		return nil, parseErr
	}

	// A record may legitimately claim a version newer than the builtin
	// builder supports; the toolchain adapter decides who can handle it.
	if info.HeaderVersion >= 3 {
		info.PageSize = V3PageSize
	}

	copy(info.Name[:], kv["name"])
	if idHex, ok := kv["id"]; ok {
		raw, err := hex.DecodeString(idHex)
		if err != nil || len(raw) > BootIDSize {
			return nil, errors.Errorf("%s: bad id value %q", path, idHex)
		}
		copy(info.ID[:], raw)
	}

	if cmdline, ok := kv["cmdline"]; ok {
		if info.HeaderVersion >= 3 {
			if err := info.SetCmdline(cmdline); err != nil {
				return nil, err
			}
		} else {
			if len(cmdline) > BootArgsSize {
				return nil, formatErr(SizeOverflow, path, info.HeaderVersion,
					"cmdline is %d bytes, primary region holds %d", len(cmdline), BootArgsSize)
			}
			copy(info.Cmdline[:], cmdline)
		}
	}
	if extra, ok := kv["extra_cmdline"]; ok {
		if len(extra) > BootExtraArgsSize {
			return nil, formatErr(SizeOverflow, path, info.HeaderVersion,
				"extra_cmdline is %d bytes, region holds %d", len(extra), BootExtraArgsSize)
		}
		copy(info.ExtraCmdline[:], extra)
	}

	return info, nil
}
