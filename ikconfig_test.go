package bootforge_test

import (
	"bytes"
	"errors"
	"testing"

	"bootforge"
)

const sampleConfig = `#
# Automatically generated file; DO NOT EDIT.
#
CONFIG_IKCONFIG=y
CONFIG_IKCONFIG_PROC=y
CONFIG_LOCALVERSION="-test"
`

func kernelWithConfig(t *testing.T) []byte {
	t.Helper()
	gz, err := bootforge.Compress(bootforge.FmtGzip, []byte(sampleConfig))
	if err != nil {
		t.Fatal(err)
	}

	var img bytes.Buffer
	img.Write(bytes.Repeat([]byte{0x90}, 12345)) // arbitrary code before the markers
	img.WriteString("IKCFG_ST")
	img.Write(gz)
	img.WriteString("IKCFG_ED")
	img.Write(bytes.Repeat([]byte{0x90}, 777))
	return img.Bytes()
}

func TestExtractIkconfig(t *testing.T) {
	t.Log("Test config recovery with markers at an arbitrary offset")

	config, found, err := bootforge.ExtractIkconfig(kernelWithConfig(t), nil)
	if err != nil {
		t.Fatal(err)
	}
	if !found {
		t.Fatal("config not found")
	}
	if config != sampleConfig {
		t.Fatalf("recovered text differs:\nwant %q\ngot  %q", sampleConfig, config)
	}
}

func TestExtractIkconfigAbsent(t *testing.T) {
	t.Log("Test that a kernel without markers is a soft result, not an error")

	config, found, err := bootforge.ExtractIkconfig(bytes.Repeat([]byte{0x90}, 4096), nil)
	if err != nil {
		t.Fatalf("absence must not be an error, got %v", err)
	}
	if found || config != "" {
		t.Fatalf("want found=false, got found=%v config=%q", found, config)
	}
}

func TestExtractIkconfigCorrupt(t *testing.T) {
	t.Log("Test that markers with a bad payload are a hard error")

	var img bytes.Buffer
	img.Write(bytes.Repeat([]byte{0x90}, 100))
	img.WriteString("IKCFG_ST")
	img.WriteString("this is not a gzip stream")
	img.WriteString("IKCFG_ED")

	_, _, err := bootforge.ExtractIkconfig(img.Bytes(), nil)
	if !errors.Is(err, &bootforge.FormatError{Kind: bootforge.CorruptConfig}) {
		t.Fatalf("want CorruptConfig, got %v", err)
	}
}

func TestExtractIkconfigCompressedKernel(t *testing.T) {
	t.Log("Test the rescan after decompressing a wholly compressed kernel")

	packed, err := bootforge.Compress(bootforge.FmtGzip, kernelWithConfig(t))
	if err != nil {
		t.Fatal(err)
	}

	config, found, err := bootforge.ExtractIkconfig(packed, nil)
	if err != nil {
		t.Fatal(err)
	}
	if !found {
		t.Fatal("config not found inside the compressed kernel")
	}
	if config != sampleConfig {
		t.Fatalf("recovered text differs:\nwant %q\ngot  %q", sampleConfig, config)
	}
}
