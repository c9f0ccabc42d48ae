package disk

import (
	"github.com/buildbarn/bb-storage/pkg/blockdevice"
)

// VolumeStorage is used by Manager to create and access the files
// backing volumes.
type VolumeStorage interface {
	// CreateVolume creates a new volume file that may grow up to a
	// given size. Space does not need to be allocated yet. The
	// volume file may not already exist.
	CreateVolume(path string, maximumSizeBytes int64) (blockdevice.BlockDevice, error)
	// OpenVolume opens an existing volume file.
	OpenVolume(path string) (blockdevice.BlockDevice, error)
	// ExpandVolume ensures that space is allocated for the first
	// sizeBytes bytes of a volume file. It fails with
	// codes.ResourceExhausted if the underlying storage does not
	// have enough free space.
	ExpandVolume(path string, sizeBytes int64) error
	// RemoveVolume removes a volume file.
	RemoveVolume(path string) error
	// ListVolumes returns the paths of all volume files matching a
	// pattern, using the syntax of filepath.Match().
	ListVolumes(pattern string) ([]string, error)
}
