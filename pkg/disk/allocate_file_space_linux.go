//go:build linux

package disk

import (
	"os"

	"github.com/buildbarn/bb-storage/pkg/util"

	"golang.org/x/sys/unix"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

func allocateFileSpace(f *os.File, sizeBytes int64) error {
	switch err := unix.Fallocate(int(f.Fd()), 0, 0, sizeBytes); err {
	case nil:
		return nil
	case unix.ENOSPC, unix.EDQUOT:
		return status.Error(codes.ResourceExhausted, "No space left on device")
	case unix.EOPNOTSUPP:
		// File systems like tmpfs on older kernels don't
		// support fallocate().
		return checkFreeFileSpace(f, sizeBytes)
	default:
		return util.StatusWrapWithCode(err, codes.Unavailable, "Failed to allocate space")
	}
}
