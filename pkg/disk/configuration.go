package disk

import (
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Configuration of the disk manager. The size parameters are expressed
// in sectors, which must be a multiple of the number of sectors
// described by a single sector table unit.
type Configuration struct {
	// Name of the database. Volume file names are derived from it.
	DatabaseName string `json:"databaseName"`
	// Directory in which new volumes are created.
	VolumeDirectory string `json:"volumeDirectory"`
	// Size of pages in bytes.
	PageSizeBytes int `json:"pageSizeBytes"`
	// Number of pages in a sector.
	SectorSizePages int32 `json:"sectorSizePages"`
	// Minimum number of sectors by which space is grown when a
	// reservation cannot be satisfied from free space.
	DefaultGrowthSectors int32 `json:"defaultGrowthSectors"`
	// Minimum size of newly created volumes.
	MinimumVolumeSizeSectors int32 `json:"minimumVolumeSizeSectors"`
	// Maximum size of any single volume.
	MaximumVolumeSizeSectors int32 `json:"maximumVolumeSizeSectors"`
	// Maximum number of sectors that may be used for temporary
	// data across all volumes. Zero means unlimited.
	MaximumTemporarySizeSectors int32 `json:"maximumTemporarySizeSectors"`
	// Maximum number of volumes in the database.
	MaximumVolumeCount int `json:"maximumVolumeCount"`
	// When draining free space from volumes, volumes that have
	// fewer than min(requested, MaximumVolumeSizeSectors) /
	// FragmentationDivisor free sectors are skipped. This prevents
	// small reservations from being spread across many volumes.
	FragmentationDivisor int32 `json:"fragmentationDivisor"`
	// Character set of the database, stored in volume headers.
	Charset int32 `json:"charset"`
}

// DefaultConfiguration contains reasonable parameters for a database
// with 16 KiB pages and 1 MiB sectors.
var DefaultConfiguration = Configuration{
	DatabaseName:                "db",
	VolumeDirectory:             ".",
	PageSizeBytes:               16 * 1024,
	SectorSizePages:             64,
	DefaultGrowthSectors:        64,
	MinimumVolumeSizeSectors:    64,
	MaximumVolumeSizeSectors:    4 * 1024 * 1024,
	MaximumTemporarySizeSectors: 0,
	MaximumVolumeCount:          1024,
	FragmentationDivisor:        2,
	Charset:                     5,
}

// Validate the configuration, returning an error if it cannot be used.
func (c *Configuration) Validate() error {
	if c.DatabaseName == "" {
		return status.Error(codes.InvalidArgument, "Database name must be set")
	}
	if c.PageSizeBytes < minimumPageSizeBytes || c.PageSizeBytes%unitBytes != 0 {
		return status.Errorf(codes.InvalidArgument, "Page size must be a multiple of %d bytes and at least %d bytes", unitBytes, minimumPageSizeBytes)
	}
	if c.SectorSizePages <= 0 {
		return status.Error(codes.InvalidArgument, "Sector size must be positive")
	}
	if c.DefaultGrowthSectors <= 0 {
		return status.Error(codes.InvalidArgument, "Default growth size must be positive")
	}
	if c.MinimumVolumeSizeSectors <= 0 || c.MinimumVolumeSizeSectors%unitBits != 0 {
		return status.Errorf(codes.InvalidArgument, "Minimum volume size must be a positive multiple of %d sectors", unitBits)
	}
	if c.MaximumVolumeSizeSectors < c.MinimumVolumeSizeSectors || c.MaximumVolumeSizeSectors%unitBits != 0 {
		return status.Errorf(codes.InvalidArgument, "Maximum volume size must be a multiple of %d sectors, and at least the minimum volume size", unitBits)
	}
	if c.MaximumTemporarySizeSectors < 0 {
		return status.Error(codes.InvalidArgument, "Maximum temporary size cannot be negative")
	}
	if c.MaximumVolumeCount <= 0 || c.MaximumVolumeCount > int(maximumVolumeCount) {
		return status.Errorf(codes.InvalidArgument, "Maximum volume count must be between 1 and %d", maximumVolumeCount)
	}
	if c.FragmentationDivisor <= 0 {
		return status.Error(codes.InvalidArgument, "Fragmentation divisor must be positive")
	}
	return nil
}
