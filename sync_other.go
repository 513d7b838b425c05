//go:build !linux

package bootforge

import "os"

func syncFile(f *os.File) error {
	return f.Sync()
}
