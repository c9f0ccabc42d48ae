package disk

import (
	"context"
	"fmt"

	"github.com/buildbarn/bb-disk-manager/pkg/address"
	"github.com/buildbarn/bb-disk-manager/pkg/wal"
)

// VolumeSectorID identifies a sector within a volume.
type VolumeSectorID struct {
	Volume address.VolumeID
	Sector int32
}

func (id VolumeSectorID) String() string {
	return fmt.Sprintf("%d|%d", id.Volume, id.Sector)
}

// less returns whether a sector identifier sorts before another,
// ordering by volume first.
func (id VolumeSectorID) less(other VolumeSectorID) bool {
	return id.Volume < other.Volume || (id.Volume == other.Volume && id.Sector < other.Sector)
}

// SpaceInfo contains the space accounting of a single volume.
type SpaceInfo struct {
	Purpose      Purpose
	Type         VolumeType
	TotalSectors int32
	FreeSectors  int32
	MaxSectors   int32
}

// ConsistencyResult is the outcome of a consistency check.
type ConsistencyResult int

const (
	// Valid indicates that no inconsistencies were found.
	Valid ConsistencyResult = iota
	// Invalid indicates that inconsistencies were found that were
	// not repaired.
	Invalid
	// Repaired indicates that inconsistencies were found, and that
	// all of them were repaired.
	Repaired
)

func (r ConsistencyResult) String() string {
	switch r {
	case Valid:
		return "Valid"
	case Invalid:
		return "Invalid"
	case Repaired:
		return "Repaired"
	default:
		return "Unknown"
	}
}

// CheckResult is returned by Allocator.Check().
type CheckResult struct {
	Result ConsistencyResult
	// Human readable descriptions of the inconsistencies that were
	// found.
	Problems []string
}

// Allocator of sectors. This is the interface through which heap, index
// and file managers obtain space.
type Allocator interface {
	// ReserveSectors reserves a number of sectors for a given
	// purpose, preferring sectors in a given volume. Sectors are
	// returned grouped by volume, in increasing order within each
	// volume. If the request cannot be satisfied, no sectors are
	// reserved.
	ReserveSectors(ctx context.Context, tx wal.TransactionID, purpose Purpose, hintVolume address.VolumeID, count int) ([]VolumeSectorID, error)
	// UnreserveSectors releases sectors that were reserved
	// previously. Sectors must be provided in increasing order,
	// ordering by volume first. Permanent data sectors are only
	// released when the transaction commits.
	UnreserveSectors(ctx context.Context, tx wal.TransactionID, purpose Purpose, sectors []VolumeSectorID) error
	// GetPurposeAndSpaceInfo returns the purpose and space
	// accounting of a volume.
	GetPurposeAndSpaceInfo(ctx context.Context, volume address.VolumeID) (SpaceInfo, error)
	// Check whether the free sector counts that are used to make
	// reservations are consistent with the sector tables,
	// optionally repairing them.
	Check(ctx context.Context, repair bool) (CheckResult, error)
}
