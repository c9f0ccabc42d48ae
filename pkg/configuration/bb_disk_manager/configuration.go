package bb_disk_manager

import (
	"encoding/json"
	"time"

	"github.com/buildbarn/bb-disk-manager/pkg/configuration"
	"github.com/buildbarn/bb-disk-manager/pkg/disk"
	"github.com/buildbarn/bb-storage/pkg/proto/configuration/global"
	"github.com/buildbarn/bb-storage/pkg/util"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/encoding/protojson"
)

// ApplicationConfiguration of bb_disk_manager.
type ApplicationConfiguration struct {
	// Parameters of the disk manager, such as the page and sector
	// size, and the location of the volumes.
	Disk disk.Configuration `json:"disk"`

	// Size of the first volume that is created if the database does
	// not exist yet.
	InitialVolumeSizeSectors int32 `json:"initialVolumeSizeSectors"`
	// Remarks stored in the header of the first volume.
	Remarks string `json:"remarks"`

	// Store volumes in memory instead of in files, using at most
	// this many bytes. This is only useful for testing.
	InMemoryStorageSizeBytes int64 `json:"inMemoryStorageSizeBytes"`

	// Options shared by all Buildbarn binaries, such as tracing and
	// the diagnostics web server that exposes metrics. They are
	// decoded into Global.
	GlobalJSON json.RawMessage       `json:"global"`
	Global     *global.Configuration `json:"-"`

	// Address on which the volume status page is served.
	HTTPListenAddress string `json:"httpListenAddress"`

	// Interval at which modified pages are written back to the
	// volumes.
	CheckpointInterval configuration.Duration `json:"checkpointInterval"`
	// Number of checkpoints after which the sector tables are
	// compared against the Disk Cache. Zero disables periodic
	// consistency checks.
	CheckEveryCheckpoints int `json:"checkEveryCheckpoints"`
	// Check consistency before serving requests.
	CheckOnStartup bool `json:"checkOnStartup"`
	// Repair inconsistencies that are found.
	RepairInconsistencies bool `json:"repairInconsistencies"`
}

// GetApplicationConfiguration reads the configuration from file and
// fills in default values.
func GetApplicationConfiguration(path string) (*ApplicationConfiguration, error) {
	applicationConfiguration := ApplicationConfiguration{
		Disk:                     disk.DefaultConfiguration,
		InitialVolumeSizeSectors: disk.DefaultConfiguration.MinimumVolumeSizeSectors,
		HTTPListenAddress:        ":80",
		CheckpointInterval:       configuration.Duration(time.Minute),
		CheckEveryCheckpoints:    60,
	}
	if err := configuration.UnmarshalConfigurationFromFile(path, &applicationConfiguration); err != nil {
		return nil, util.StatusWrap(err, "Failed to retrieve configuration")
	}
	if len(applicationConfiguration.GlobalJSON) > 0 {
		var globalConfiguration global.Configuration
		if err := protojson.Unmarshal(applicationConfiguration.GlobalJSON, &globalConfiguration); err != nil {
			return nil, util.StatusWrapWithCode(err, codes.InvalidArgument, "Invalid global configuration")
		}
		applicationConfiguration.Global = &globalConfiguration
	}
	if err := applicationConfiguration.Disk.Validate(); err != nil {
		return nil, util.StatusWrap(err, "Invalid disk configuration")
	}
	if applicationConfiguration.CheckpointInterval <= 0 {
		return nil, status.Error(codes.InvalidArgument, "Checkpoint interval must be positive")
	}
	if applicationConfiguration.CheckEveryCheckpoints < 0 {
		return nil, status.Error(codes.InvalidArgument, "Number of checkpoints between consistency checks cannot be negative")
	}
	return &applicationConfiguration, nil
}
