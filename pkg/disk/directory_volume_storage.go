package disk

import (
	"os"
	"path/filepath"

	"github.com/buildbarn/bb-storage/pkg/blockdevice"
	"github.com/buildbarn/bb-storage/pkg/util"

	"golang.org/x/sys/unix"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

type directoryVolumeStorage struct{}

// NewDirectoryVolumeStorage creates a VolumeStorage that stores volumes
// as files in a local file system. Volume files are created sparsely
// at their maximum size and memory mapped. Space is allocated
// explicitly when volumes are expanded, so that running out of disk
// space is detected when growing a volume, as opposed to when pages
// are written back.
func NewDirectoryVolumeStorage() VolumeStorage {
	return directoryVolumeStorage{}
}

func (directoryVolumeStorage) CreateVolume(path string, maximumSizeBytes int64) (blockdevice.BlockDevice, error) {
	if _, err := os.Stat(path); err == nil {
		return nil, status.Errorf(codes.AlreadyExists, "Volume %#v already exists", path)
	} else if !os.IsNotExist(err) {
		return nil, util.StatusWrapfWithCode(err, codes.Unavailable, "Failed to check for existence of volume %#v", path)
	}
	device, _, _, err := blockdevice.NewBlockDeviceFromFile(path, int(maximumSizeBytes), true)
	if err != nil {
		return nil, util.StatusWrapfWithCode(err, codes.Unavailable, "Failed to create volume %#v", path)
	}
	return device, nil
}

func (directoryVolumeStorage) OpenVolume(path string) (blockdevice.BlockDevice, error) {
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, util.StatusWrapfWithCode(err, codes.NotFound, "Volume %#v does not exist", path)
		}
		return nil, util.StatusWrapfWithCode(err, codes.Unavailable, "Failed to open volume %#v", path)
	}
	device, _, _, err := blockdevice.NewBlockDeviceFromFile(path, int(info.Size()), false)
	if err != nil {
		return nil, util.StatusWrapfWithCode(err, codes.Unavailable, "Failed to open volume %#v", path)
	}
	return device, nil
}

func (directoryVolumeStorage) ExpandVolume(path string, sizeBytes int64) error {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return util.StatusWrapfWithCode(err, codes.Unavailable, "Failed to open volume %#v", path)
	}
	defer f.Close()
	if err := allocateFileSpace(f, sizeBytes); err != nil {
		return util.StatusWrapf(err, "Failed to allocate %d bytes for volume %#v", sizeBytes, path)
	}
	return nil
}

func (directoryVolumeStorage) RemoveVolume(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return util.StatusWrapfWithCode(err, codes.Unavailable, "Failed to remove volume %#v", path)
	}
	return nil
}

func (directoryVolumeStorage) ListVolumes(pattern string) ([]string, error) {
	paths, err := filepath.Glob(pattern)
	if err != nil {
		return nil, util.StatusWrapfWithCode(err, codes.InvalidArgument, "Invalid volume pattern %#v", pattern)
	}
	return paths, nil
}

// checkFreeFileSpace returns codes.ResourceExhausted if the file system
// containing a file does not have enough free space to grow the file
// to a given number of allocated bytes.
func checkFreeFileSpace(f *os.File, sizeBytes int64) error {
	var stat unix.Stat_t
	if err := unix.Fstat(int(f.Fd()), &stat); err != nil {
		return util.StatusWrapWithCode(err, codes.Unavailable, "Failed to obtain file status")
	}
	needed := sizeBytes - int64(stat.Blocks)*512
	if needed <= 0 {
		return nil
	}
	var statfs unix.Statfs_t
	if err := unix.Fstatfs(int(f.Fd()), &statfs); err != nil {
		return util.StatusWrapWithCode(err, codes.Unavailable, "Failed to obtain file system status")
	}
	if available := uint64(statfs.Bavail) * uint64(statfs.Bsize); uint64(needed) > available {
		return status.Errorf(codes.ResourceExhausted, "File system has %d bytes of free space, while %d bytes are needed", available, needed)
	}
	return nil
}
