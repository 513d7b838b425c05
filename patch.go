package bootforge

import (
	"bytes"
	"encoding/hex"
	"os"

	"github.com/edsrzf/mmap-go"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// HexPatch replaces every occurrence of the hex pattern from with to, in
// place, over a memory-mapped file. Both patterns must decode to the same
// length so region sizes recorded elsewhere stay valid. Returns the number of
// sites patched.
func HexPatch(path, from, to string, logger *zap.Logger) (int, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	fromB, err := hex.DecodeString(from)
	if err != nil {
		return 0, errors.Wrapf(err, "bad source pattern %q", from)
	}
	toB, err := hex.DecodeString(to)
	if err != nil {
		return 0, errors.Wrapf(err, "bad replacement pattern %q", to)
	}
	if len(fromB) == 0 {
		return 0, errors.New("empty source pattern")
	}
	if len(fromB) != len(toB) {
		return 0, errors.Errorf("pattern lengths differ: %d vs %d bytes", len(fromB), len(toB))
	}

	fd, err := os.OpenFile(path, os.O_RDWR, 0o644)
	if err != nil {
		return 0, errors.Wrapf(err, "opening %s", path)
	}
	defer fd.Close()

	m, err := mmap.Map(fd, mmap.RDWR, 0)
	if err != nil {
		return 0, errors.Wrapf(err, "mapping %s", path)
	}
	defer m.Unmap()

	count := 0
	for off := 0; off < len(m); {
		i := bytes.Index(m[off:], fromB)
		if i < 0 {
			break
		}
		pos := off + i
		copy(m[pos:], toB)
		logger.Info("patched",
			zap.String("path", path),
			zap.Int("offset", pos),
			zap.String("from", from),
			zap.String("to", to))
		count++
		off = pos + len(toB)
	}
	if count > 0 {
		if err := m.Flush(); err != nil {
			return count, errors.Wrapf(err, "flushing %s", path)
		}
	}
	return count, nil
}
