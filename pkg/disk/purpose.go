package disk

import (
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Purpose indicates what kind of data is stored in the sectors of a
// volume, independently of whether the volume itself is permanent or
// temporary.
type Purpose uint8

const (
	// PermanentData sectors store data that must survive crashes.
	// Changes to them are logged.
	PermanentData Purpose = iota
	// TemporaryData sectors store data that only lives as long as
	// the server process, such as sort runs and intermediate query
	// results. Changes to them are not logged.
	TemporaryData

	purposeCount = 2
)

func (p Purpose) String() string {
	switch p {
	case PermanentData:
		return "PermanentData"
	case TemporaryData:
		return "TemporaryData"
	default:
		return "Unknown"
	}
}

func (p Purpose) isValid() bool {
	return p < purposeCount
}

// VolumeType indicates whether a volume file survives server
// restarts. Temporary volumes are removed at startup, as they are
// never recovered.
type VolumeType uint8

const (
	// PermanentVolume files are part of the database.
	PermanentVolume VolumeType = iota
	// TemporaryVolume files are created on demand and removed
	// when the server restarts.
	TemporaryVolume
)

func (t VolumeType) String() string {
	switch t {
	case PermanentVolume:
		return "PermanentVolume"
	case TemporaryVolume:
		return "TemporaryVolume"
	default:
		return "Unknown"
	}
}

// naturalVolumeType returns the type of volumes that are created when
// space for a given purpose is exhausted.
func (p Purpose) naturalVolumeType() VolumeType {
	if p == TemporaryData {
		return TemporaryVolume
	}
	return PermanentVolume
}

// checkPurposeAndType returns an error if a volume of a given type
// cannot store data of a given purpose. Permanent data may never be
// placed on a temporary volume, as it would not be recovered. The
// converse is permitted: a permanent volume may be set aside for
// temporary data.
func checkPurposeAndType(purpose Purpose, volumeType VolumeType) error {
	if !purpose.isValid() {
		return status.Errorf(codes.InvalidArgument, "Invalid purpose %d", purpose)
	}
	switch volumeType {
	case PermanentVolume:
		return nil
	case TemporaryVolume:
		if purpose == PermanentData {
			return status.Error(codes.InvalidArgument, "Temporary volumes cannot store permanent data")
		}
		return nil
	default:
		return status.Errorf(codes.InvalidArgument, "Invalid volume type %d", volumeType)
	}
}
