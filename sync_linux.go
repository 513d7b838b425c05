//go:build linux

package bootforge

import (
	"os"

	"golang.org/x/sys/unix"
)

// syncFile flushes file data before the rename that publishes a built image.
// Metadata can wait for the rename's own ordering.
func syncFile(f *os.File) error {
	return unix.Fdatasync(int(f.Fd()))
}
