package bootforge_test

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"bootforge"
)

func TestHexPatch(t *testing.T) {
	t.Log("Test in-place hex patching")

	path := filepath.Join(t.TempDir(), "test.bin")
	if err := os.WriteFile(path, []byte("12345678901234567890"), 0o644); err != nil {
		t.Fatal(err)
	}

	count, err := bootforge.HexPatch(path, "31323334", "35363738", nil)
	if err != nil {
		t.Fatal(err)
	}
	if count != 2 {
		t.Fatalf("want 2 patch sites, got %d", count)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if want := []byte("56785678905678567890"); !bytes.Equal(data, want) {
		t.Fatalf("want %q, got %q", want, data)
	}
}

func TestHexPatchNoMatch(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.bin")
	if err := os.WriteFile(path, []byte("abcdef"), 0o644); err != nil {
		t.Fatal(err)
	}

	count, err := bootforge.HexPatch(path, "deadbeef", "cafebabe", nil)
	if err != nil {
		t.Fatal(err)
	}
	if count != 0 {
		t.Fatalf("want 0 patch sites, got %d", count)
	}
}

func TestHexPatchRejectsBadPatterns(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.bin")
	if err := os.WriteFile(path, []byte("abcdef"), 0o644); err != nil {
		t.Fatal(err)
	}

	if _, err := bootforge.HexPatch(path, "1234", "123456", nil); err == nil {
		t.Fatal("length mismatch must be rejected")
	}
	if _, err := bootforge.HexPatch(path, "zz", "zz", nil); err == nil {
		t.Fatal("non-hex pattern must be rejected")
	}
	if _, err := bootforge.HexPatch(path, "", "", nil); err == nil {
		t.Fatal("empty pattern must be rejected")
	}
}
