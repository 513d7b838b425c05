package bootforge_test

import (
	"bytes"
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"bootforge"
)

// fakeDtb builds a minimal but well-formed flattened device tree blob: the
// 40 byte header followed by a structure block starting with FDT_BEGIN_NODE.
func fakeDtb(t *testing.T) []byte {
	t.Helper()

	var blob bytes.Buffer
	be := func(v uint32) {
		binary.Write(&blob, binary.BigEndian, v) //nolint:errcheck
	}
	be(0xd00dfeed) // magic
	be(48)         // totalsize
	be(40)         // off_dt_struct
	be(44)         // off_dt_strings
	be(44)         // off_mem_rsvmap
	be(17)         // version
	be(16)         // last_comp_version
	be(0)          // boot_cpuid_phys
	be(0)          // size_dt_strings
	be(4)          // size_dt_struct
	be(0x1)        // FDT_BEGIN_NODE
	be(0x9)        // FDT_END
	return blob.Bytes()
}

func TestFindDtbOffset(t *testing.T) {
	t.Log("Test appended dtb detection, skipping incidental magic bytes")

	var img bytes.Buffer
	img.Write(bytes.Repeat([]byte{0x90}, 100))
	// incidental magic with a nonsense header behind it
	img.Write([]byte("\xd0\x0d\xfe\xed\xff\xff\xff\xff"))
	img.Write(bytes.Repeat([]byte{0x90}, 100))
	want := img.Len()
	img.Write(fakeDtb(t))

	if got := bootforge.FindDtbOffset(img.Bytes()); got != want {
		t.Fatalf("want dtb at offset %d, got %d", want, got)
	}

	if got := bootforge.FindDtbOffset(bytes.Repeat([]byte{0x90}, 256)); got != -1 {
		t.Fatalf("no dtb present, got offset %d", got)
	}
}

func TestSplitKernelDtb(t *testing.T) {
	kernel := bytes.Repeat([]byte{0x90}, 300)
	dtb := fakeDtb(t)

	dir := t.TempDir()
	path := filepath.Join(dir, "kernel-with-dtb")
	if err := os.WriteFile(path, append(append([]byte{}, kernel...), dtb...), 0o644); err != nil {
		t.Fatal(err)
	}

	outDir := filepath.Join(dir, "out")
	if err := bootforge.SplitKernelDtb(path, outDir, false, nil); err != nil {
		t.Fatal(err)
	}

	gotKernel, err := os.ReadFile(filepath.Join(outDir, bootforge.KernelFile))
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(gotKernel, kernel) {
		t.Fatalf("kernel part differs: %d vs %d bytes", len(kernel), len(gotKernel))
	}

	gotDtb, err := os.ReadFile(filepath.Join(outDir, bootforge.KernelDtbFile))
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(gotDtb, dtb) {
		t.Fatalf("dtb part differs: %d vs %d bytes", len(dtb), len(gotDtb))
	}
}

func TestSplitKernelDtbDecompresses(t *testing.T) {
	kernel := bytes.Repeat([]byte("kernelcode"), 50)
	packed, err := bootforge.Compress(bootforge.FmtGzip, kernel)
	if err != nil {
		t.Fatal(err)
	}
	dtb := fakeDtb(t)

	dir := t.TempDir()
	path := filepath.Join(dir, "kernel-with-dtb")
	if err := os.WriteFile(path, append(append([]byte{}, packed...), dtb...), 0o644); err != nil {
		t.Fatal(err)
	}

	outDir := filepath.Join(dir, "out")
	if err := bootforge.SplitKernelDtb(path, outDir, false, nil); err != nil {
		t.Fatal(err)
	}
	gotKernel, err := os.ReadFile(filepath.Join(outDir, bootforge.KernelFile))
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(gotKernel, kernel) {
		t.Fatal("compressed kernel part was not decompressed")
	}
}
