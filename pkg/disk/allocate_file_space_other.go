//go:build !linux

package disk

import (
	"os"
)

func allocateFileSpace(f *os.File, sizeBytes int64) error {
	return checkFreeFileSpace(f, sizeBytes)
}
