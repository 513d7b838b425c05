package bootforge_test

import (
	"bytes"
	"encoding/binary"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"

	"bootforge"
)

func vendorComps() map[bootforge.Component][]byte {
	return map[bootforge.Component][]byte{
		bootforge.ComponentVendorRamdisk: bytes.Repeat([]byte{'V'}, 6000),
		bootforge.ComponentDtb:           bytes.Repeat([]byte{'D'}, 300),
	}
}

func TestVendorRoundTripV3(t *testing.T) {
	info := &bootforge.VendorImageInfo{
		HeaderVersion: 3,
		PageSize:      4096,
		KernelAddr:    0x10008000,
		RamdiskAddr:   0x11000000,
		TagsAddr:      0x10000100,
		DtbAddr:       0x11f00000,
	}
	copy(info.Name[:], "vendor_test")
	copy(info.Cmdline[:], "androidboot.hardware=test")

	comps := vendorComps()
	data, err := bootforge.BuildVendor(info, comps, nil)
	if err != nil {
		t.Fatal(err)
	}

	gotInfo, gotComps, err := bootforge.ParseVendor(data, "mem", nil)
	if err != nil {
		t.Fatal(err)
	}
	if gotInfo.HeaderVersion != 3 || gotInfo.RamdiskSize != 6000 || gotInfo.DtbSize != 300 {
		t.Fatalf("bad parsed record: %+v", gotInfo)
	}
	if diff := cmp.Diff(comps, gotComps); diff != "" {
		t.Fatalf("sections changed across round trip:\n%s", diff)
	}

	rebuilt, err := bootforge.BuildVendor(gotInfo, gotComps, nil)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(data, rebuilt) {
		t.Fatalf("rebuild is not byte-identical: %d vs %d bytes", len(data), len(rebuilt))
	}
}

func TestVendorRoundTripV4WithTable(t *testing.T) {
	entry := bootforge.VendorRamdiskTableEntryV4{
		RamdiskSize: 6000,
		RamdiskType: 1,
	}
	copy(entry.RamdiskName[:], "recovery")

	var table bytes.Buffer
	if err := binary.Write(&table, binary.LittleEndian, &entry); err != nil {
		t.Fatal(err)
	}

	info := &bootforge.VendorImageInfo{
		HeaderVersion:  4,
		PageSize:       4096,
		TableEntryNum:  1,
		TableEntrySize: uint32(table.Len()),
	}
	comps := vendorComps()
	comps[bootforge.ComponentRamdiskTable] = table.Bytes()
	comps[bootforge.ComponentBootconfig] = []byte("androidboot.fstab_suffix=default\n")

	data, err := bootforge.BuildVendor(info, comps, nil)
	if err != nil {
		t.Fatal(err)
	}
	gotInfo, gotComps, err := bootforge.ParseVendor(data, "mem", nil)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(comps, gotComps); diff != "" {
		t.Fatalf("sections changed across round trip:\n%s", diff)
	}

	entries, err := bootforge.DecodeRamdiskTable(gotInfo, gotComps[bootforge.ComponentRamdiskTable])
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 || entries[0] != entry {
		t.Fatalf("table entry changed: %+v", entries)
	}
}

func TestVendorBadMagic(t *testing.T) {
	_, _, err := bootforge.ParseVendor([]byte("ANDROID!\x03\x00\x00\x00"), "mem", nil)
	if !errors.Is(err, &bootforge.FormatError{Kind: bootforge.BadMagic}) {
		t.Fatalf("want BadMagic, got %v", err)
	}
}

func TestVendorUnpackRepackFiles(t *testing.T) {
	info := &bootforge.VendorImageInfo{HeaderVersion: 3, PageSize: 4096}
	copy(info.Cmdline[:], "androidboot.hardware=test")
	data, err := bootforge.BuildVendor(info, vendorComps(), nil)
	if err != nil {
		t.Fatal(err)
	}

	dir := t.TempDir()
	img := filepath.Join(dir, "vendor_boot.img")
	if err := os.WriteFile(img, data, 0o644); err != nil {
		t.Fatal(err)
	}
	workDir := filepath.Join(dir, "out")
	if _, _, err := bootforge.UnpackVendor(img, workDir, nil); err != nil {
		t.Fatal(err)
	}

	out := filepath.Join(dir, "new-vendor.img")
	if _, err := bootforge.RepackVendorDir(workDir, out, nil); err != nil {
		t.Fatal(err)
	}
	rebuilt, err := os.ReadFile(out)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(data, rebuilt) {
		t.Fatalf("rebuild is not byte-identical: %d vs %d bytes", len(data), len(rebuilt))
	}
}
