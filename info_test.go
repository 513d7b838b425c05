package bootforge_test

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"bootforge"
)

func writeFile(t *testing.T, path, content string) error {
	t.Helper()
	return os.WriteFile(path, []byte(content), 0o644)
}

func TestInfoRoundTripV2(t *testing.T) {
	info := &bootforge.ImageInfo{
		HeaderVersion:      2,
		PageSize:           2048,
		KernelSize:         30,
		RamdiskSize:        3000,
		DtbSize:            100,
		KernelAddr:         0x10008000,
		RamdiskAddr:        0x11000000,
		SecondAddr:         0x10f00000,
		TagsAddr:           0x10000100,
		RecoveryDtboOffset: 0x123456789a,
		DtbAddr:            0x11f00000,
		OsVersion:          osVersionWord(13, 0, 0, 2023, 6),
		HeaderSize:         1660,
	}
	copy(info.Name[:], "testdevice")
	copy(info.Cmdline[:], "console=ttyS0")
	copy(info.ExtraCmdline[:], " androidboot.extra=1")
	for i := range info.ID {
		info.ID[i] = byte(i)
	}

	dir := t.TempDir()
	if err := info.SaveInfo(dir); err != nil {
		t.Fatal(err)
	}
	back, err := bootforge.LoadInfo(filepath.Join(dir, bootforge.InfoFile))
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(info, back); diff != "" {
		t.Fatalf("record changed across save/load:\n%s", diff)
	}
}

func TestInfoRoundTripV3CmdlineSpill(t *testing.T) {
	long := strings.Repeat("androidboot.x=y ", 40) // 640 bytes, spills past the 512 byte region
	info := &bootforge.ImageInfo{
		HeaderVersion: 3,
		PageSize:      4096,
		KernelSize:    100,
		RamdiskSize:   200,
		HeaderSize:    1580,
	}
	if err := info.SetCmdline(long); err != nil {
		t.Fatal(err)
	}
	if got := info.CmdlineString(); got != long {
		t.Fatalf("cmdline did not spill intact: %d vs %d bytes", len(long), len(got))
	}

	dir := t.TempDir()
	if err := info.SaveInfo(dir); err != nil {
		t.Fatal(err)
	}
	back, err := bootforge.LoadInfo(filepath.Join(dir, bootforge.InfoFile))
	if err != nil {
		t.Fatal(err)
	}
	if back.PageSize != 4096 {
		t.Fatalf("v3 page size must load as 4096, got %d", back.PageSize)
	}
	if got := back.CmdlineString(); got != long {
		t.Fatalf("cmdline changed across save/load:\nwant %q\ngot  %q", long, got)
	}
}

func TestSetCmdlineOverflow(t *testing.T) {
	var info bootforge.ImageInfo
	err := info.SetCmdline(strings.Repeat("x", 512+1024+1))
	if !errors.Is(err, &bootforge.FormatError{Kind: bootforge.SizeOverflow}) {
		t.Fatalf("want SizeOverflow, got %v", err)
	}
}

func TestOsVersionDecoding(t *testing.T) {
	info := &bootforge.ImageInfo{OsVersion: osVersionWord(13, 2, 1, 2023, 6)}
	a, b, c := info.OSVersionTriple()
	if a != 13 || b != 2 || c != 1 {
		t.Fatalf("want 13.2.1, got %d.%d.%d", a, b, c)
	}
	year, month := info.PatchLevel()
	if year != 2023 || month != 6 {
		t.Fatalf("want 2023-06, got %d-%02d", year, month)
	}
}

func TestLoadInfoAcceptsHexAndDecimal(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, bootforge.InfoFile)
	record := "header_version=0\npage_size=0x800\nkernel_size=30\nkernel_addr=0x10008000\n"
	if err := writeFile(t, path, record); err != nil {
		t.Fatal(err)
	}
	info, err := bootforge.LoadInfo(path)
	if err != nil {
		t.Fatal(err)
	}
	if info.PageSize != 2048 || info.KernelSize != 30 || info.KernelAddr != 0x10008000 {
		t.Fatalf("bad values: %+v", info)
	}
}

func TestLoadInfoRejectsGarbage(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, bootforge.InfoFile)

	if err := writeFile(t, path, "page_size=2048\n"); err != nil {
		t.Fatal(err)
	}
	if _, err := bootforge.LoadInfo(path); err == nil {
		t.Fatal("record without header_version must not load")
	}

	if err := writeFile(t, path, "header_version=0\npage_size=twenty\n"); err != nil {
		t.Fatal(err)
	}
	if _, err := bootforge.LoadInfo(path); err == nil {
		t.Fatal("non-numeric value must not load")
	}
}
