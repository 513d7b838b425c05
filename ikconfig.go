package bootforge

import (
	"bytes"
	"io"
	"os"

	gzip "github.com/klauspost/pgzip"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// Kernels built with CONFIG_IKCONFIG embed a gzip copy of their build
// configuration between these markers.
var (
	ikcfgStart = []byte("IKCFG_ST")
	ikcfgEnd   = []byte("IKCFG_ED")
)

func scanIkconfig(data []byte) ([]byte, bool) {
	start := bytes.Index(data, ikcfgStart)
	if start < 0 {
		return nil, false
	}
	rest := data[start+len(ikcfgStart):]
	end := bytes.Index(rest, ikcfgEnd)
	if end < 0 {
		return nil, false
	}
	return rest[:end], true
}

// ExtractIkconfig recovers the embedded kernel configuration from a kernel
// image. The markers are searched over the whole byte sequence, never at a
// fixed offset: compressed-kernel headers vary across architectures and
// compressors, and a full scan is the only version-independent strategy.
// When the image as a whole sniffs as a compressed stream it is decompressed
// and scanned again.
//
// Absence of the markers is a soft result (found=false, nil error) so callers
// can fall back to a default configuration. A marker hit with an
// undecompressable payload is a CorruptConfig error: the markers promise
// well-formed data.
func ExtractIkconfig(data []byte, logger *zap.Logger) (config string, found bool, err error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	payload, ok := scanIkconfig(data)
	if !ok {
		if f := DetectFormat(data); f.Compressed() {
			logger.Info("no config markers in raw image, decompressing whole kernel",
				zap.String("format", f.String()))
			payload, ok = scanIkconfig(decompressLenient(f, data))
		}
	}
	if !ok {
		logger.Info("kernel carries no embedded config")
		return "", false, nil
	}

	gr, err := gzip.NewReader(bytes.NewReader(payload))
	if err != nil {
		return "", false, formatErr(CorruptConfig, "", 0,
			"config markers found but payload is not gzip: %v", err)
	}
	text, err := io.ReadAll(gr)
	if err != nil {
		gr.Close()
		return "", false, formatErr(CorruptConfig, "", 0,
			"config markers found but payload does not decompress: %v", err)
	}
	gr.Close()
	return string(text), true, nil
}

// decompressLenient decodes as much of data as possible and returns whatever
// came out. Kernel images routinely carry trailing bytes after the compressed
// stream (appended dtbs, padding), so a decode error after partial output is
// expected and the partial output is still worth scanning.
func decompressLenient(f Format, data []byte) []byte {
	dec, err := NewDecoder(f, bytes.NewReader(data))
	if err != nil {
		return nil
	}
	defer dec.Close()

	var out bytes.Buffer
	io.Copy(&out, dec) //nolint:errcheck
	return out.Bytes()
}

// ExtractIkconfigFile runs ExtractIkconfig on a kernel image file.
func ExtractIkconfigFile(path string, logger *zap.Logger) (string, bool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", false, errors.Wrapf(err, "reading %s", path)
	}
	config, found, err := ExtractIkconfig(data, logger)
	if err != nil {
		if fe, ok := err.(*FormatError); ok {
			fe.Path = path
		}
		return "", false, err
	}
	return config, found, nil
}
