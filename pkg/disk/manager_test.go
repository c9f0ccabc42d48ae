package disk_test

import (
	"context"
	"sync"
	"testing"

	"github.com/buildbarn/bb-disk-manager/pkg/address"
	"github.com/buildbarn/bb-disk-manager/pkg/disk"
	"github.com/buildbarn/bb-disk-manager/pkg/wal"
	"github.com/buildbarn/bb-storage/pkg/clock"
	"github.com/buildbarn/bb-storage/pkg/testutil"
	"github.com/stretchr/testify/require"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// newTestConfiguration returns a configuration with 512 byte pages and
// sectors of a single page. A sector table page thus describes 4096
// sectors, meaning that every volume has a single sector table page
// and two system sectors.
func newTestConfiguration() disk.Configuration {
	return disk.Configuration{
		DatabaseName:             "db",
		VolumeDirectory:          "/volumes",
		PageSizeBytes:            512,
		SectorSizePages:          1,
		DefaultGrowthSectors:     64,
		MinimumVolumeSizeSectors: 128,
		MaximumVolumeSizeSectors: 1024,
		MaximumVolumeCount:       8,
		FragmentationDivisor:     2,
		Charset:                  5,
	}
}

func newTestManager(t *testing.T, configuration disk.Configuration, storage disk.VolumeStorage) (*disk.Manager, *wal.InMemoryLog) {
	log := wal.NewInMemoryLog()
	m, err := disk.NewManager(configuration, storage, log, clock.SystemClock)
	require.NoError(t, err)
	log.SetRecoveryHandler(m)
	return m, log
}

func sectorRange(volume address.VolumeID, first, count int32) []disk.VolumeSectorID {
	sectors := make([]disk.VolumeSectorID, 0, count)
	for i := int32(0); i < count; i++ {
		sectors = append(sectors, disk.VolumeSectorID{Volume: volume, Sector: first + i})
	}
	return sectors
}

func requireSpaceInfo(t *testing.T, m *disk.Manager, volume address.VolumeID, expected disk.SpaceInfo) {
	t.Helper()
	info, err := m.GetPurposeAndSpaceInfo(context.Background(), volume)
	require.NoError(t, err)
	require.Equal(t, expected, info)
}

func requireValid(t *testing.T, m *disk.Manager) {
	t.Helper()
	result, err := m.Check(context.Background(), false)
	require.NoError(t, err)
	require.Equal(t, disk.CheckResult{Result: disk.Valid}, result)
}

func TestManagerNewManager(t *testing.T) {
	configuration := newTestConfiguration()
	configuration.PageSizeBytes = 100

	_, err := disk.NewManager(configuration, disk.NewInMemoryVolumeStorage(1<<30), wal.NewInMemoryLog(), clock.SystemClock)
	testutil.RequireEqualStatus(t, status.Error(codes.InvalidArgument, "Invalid configuration: Page size must be a multiple of 8 bytes and at least 512 bytes"), err)
}

func TestManagerCreateDatabase(t *testing.T) {
	ctx := context.Background()
	storage := disk.NewInMemoryVolumeStorage(1 << 30)
	m, _ := newTestManager(t, newTestConfiguration(), storage)

	require.NoError(t, m.CreateDatabase(ctx, 200, "Hello"))
	requireSpaceInfo(t, m, 0, disk.SpaceInfo{
		Purpose:      disk.PermanentData,
		Type:         disk.PermanentVolume,
		TotalSectors: 256,
		FreeSectors:  254,
		MaxSectors:   1024,
	})
	require.Equal(t, int64(256*512), storage.GetUsedBytes())

	h, err := m.GetVolumeHeader(ctx, 0)
	require.NoError(t, err)
	require.Equal(t, "/volumes/db", h.FullName)
	require.Equal(t, "Hello", h.Remarks)
	require.Equal(t, address.NullVolumeID, h.NextVolume)
	require.Equal(t, address.PageID(1), h.LastSystemPage)

	t.Run("AlreadyCreated", func(t *testing.T) {
		testutil.RequireEqualStatus(
			t,
			status.Error(codes.FailedPrecondition, "Database already has volumes"),
			m.CreateDatabase(ctx, 200, ""))
	})

	t.Run("UnknownVolume", func(t *testing.T) {
		_, err := m.GetPurposeAndSpaceInfo(ctx, 1)
		testutil.RequireEqualStatus(t, status.Error(codes.NotFound, "Volume 1 does not exist"), err)
	})

	requireValid(t, m)
}

func TestManagerReserveSectors(t *testing.T) {
	ctx := context.Background()
	m, log := newTestManager(t, newTestConfiguration(), disk.NewInMemoryVolumeStorage(1<<30))
	require.NoError(t, m.CreateDatabase(ctx, 256, ""))

	t.Run("InvalidArguments", func(t *testing.T) {
		_, err := m.ReserveSectors(ctx, 1, disk.PermanentData, 0, 0)
		testutil.RequireEqualStatus(t, status.Error(codes.InvalidArgument, "Sector count must be positive, not 0"), err)

		_, err = m.ReserveSectors(ctx, 1, disk.Purpose(7), 0, 1)
		testutil.RequireEqualStatus(t, status.Error(codes.InvalidArgument, "Invalid purpose 7"), err)
	})

	var sectors []disk.VolumeSectorID
	t.Run("FromFreeSpace", func(t *testing.T) {
		var err error
		sectors, err = m.ReserveSectors(ctx, 1, disk.PermanentData, 0, 10)
		require.NoError(t, err)
		require.Equal(t, sectorRange(0, 2, 10), sectors)
		require.NoError(t, log.Commit(ctx, 1))

		requireSpaceInfo(t, m, 0, disk.SpaceInfo{
			Purpose:      disk.PermanentData,
			Type:         disk.PermanentVolume,
			TotalSectors: 256,
			FreeSectors:  244,
			MaxSectors:   1024,
		})
	})

	t.Run("UnreserveIsPostponedUntilCommit", func(t *testing.T) {
		require.NoError(t, m.UnreserveSectors(ctx, 2, disk.PermanentData, sectors[:5]))
		require.Equal(t, int64(244), m.Cache().GetPurposeSpaceInfo(disk.PermanentData).FreeSectors)

		require.NoError(t, log.Commit(ctx, 2))
		require.Equal(t, int64(249), m.Cache().GetPurposeSpaceInfo(disk.PermanentData).FreeSectors)

		// Freed sectors are handed out again.
		reused, err := m.ReserveSectors(ctx, 3, disk.PermanentData, 0, 3)
		require.NoError(t, err)
		require.Equal(t, sectorRange(0, 2, 3), reused)
		require.NoError(t, log.Commit(ctx, 3))
	})

	t.Run("AbortReleasesSectors", func(t *testing.T) {
		aborted, err := m.ReserveSectors(ctx, 4, disk.PermanentData, 0, 20)
		require.NoError(t, err)
		require.Len(t, aborted, 20)
		require.Equal(t, int64(226), m.Cache().GetPurposeSpaceInfo(disk.PermanentData).FreeSectors)

		require.NoError(t, log.Abort(ctx, 4))
		require.Equal(t, int64(246), m.Cache().GetPurposeSpaceInfo(disk.PermanentData).FreeSectors)
	})

	t.Run("AbortDiscardsPostponedUnreserve", func(t *testing.T) {
		require.NoError(t, m.UnreserveSectors(ctx, 5, disk.PermanentData, sectorRange(0, 2, 3)))
		require.NoError(t, log.Abort(ctx, 5))
		require.Equal(t, int64(246), m.Cache().GetPurposeSpaceInfo(disk.PermanentData).FreeSectors)
	})

	requireValid(t, m)
}

func TestManagerUnreserveSectorsValidation(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestManager(t, newTestConfiguration(), disk.NewInMemoryVolumeStorage(1<<30))
	require.NoError(t, m.CreateDatabase(ctx, 256, ""))

	t.Run("NotIncreasing", func(t *testing.T) {
		testutil.RequireEqualStatus(
			t,
			status.Error(codes.InvalidArgument, "Sector 0|5 is not provided in increasing order"),
			m.UnreserveSectors(ctx, 1, disk.PermanentData, []disk.VolumeSectorID{{Volume: 0, Sector: 7}, {Volume: 0, Sector: 5}}))
	})

	t.Run("Duplicate", func(t *testing.T) {
		testutil.RequireEqualStatus(
			t,
			status.Error(codes.InvalidArgument, "Sector 0|7 is not provided in increasing order"),
			m.UnreserveSectors(ctx, 1, disk.PermanentData, []disk.VolumeSectorID{{Volume: 0, Sector: 7}, {Volume: 0, Sector: 7}}))
	})

	t.Run("UnknownVolume", func(t *testing.T) {
		testutil.RequireEqualStatus(
			t,
			status.Error(codes.InvalidArgument, "Sector 3|7 belongs to a volume that does not exist"),
			m.UnreserveSectors(ctx, 1, disk.PermanentData, []disk.VolumeSectorID{{Volume: 3, Sector: 7}}))
	})

	t.Run("WrongPurpose", func(t *testing.T) {
		testutil.RequireEqualStatus(
			t,
			status.Error(codes.InvalidArgument, "Sector 0|7 belongs to a volume storing data of purpose PermanentData"),
			m.UnreserveSectors(ctx, 1, disk.TemporaryData, []disk.VolumeSectorID{{Volume: 0, Sector: 7}}))
	})

	t.Run("BeyondEnd", func(t *testing.T) {
		testutil.RequireEqualStatus(
			t,
			status.Error(codes.InvalidArgument, "Sector 0|256 lies beyond the end of the volume of 256 sectors"),
			m.UnreserveSectors(ctx, 1, disk.PermanentData, []disk.VolumeSectorID{{Volume: 0, Sector: 256}}))
	})
}

func TestManagerTemporaryData(t *testing.T) {
	ctx := context.Background()
	storage := disk.NewInMemoryVolumeStorage(1 << 30)
	m, log := newTestManager(t, newTestConfiguration(), storage)
	require.NoError(t, m.CreateDatabase(ctx, 256, ""))

	// There is no space for temporary data yet. A temporary volume
	// needs to be created.
	sectors, err := m.ReserveSectors(ctx, 1, disk.TemporaryData, address.NullVolumeID, 10)
	require.NoError(t, err)
	require.Equal(t, sectorRange(1, 2, 10), sectors)
	requireSpaceInfo(t, m, 1, disk.SpaceInfo{
		Purpose:      disk.TemporaryData,
		Type:         disk.TemporaryVolume,
		TotalSectors: 128,
		FreeSectors:  116,
		MaxSectors:   1024,
	})
	require.Equal(t, disk.PurposeSpaceInfo{
		FreeSectors:      116,
		TotalSectors:     128,
		MaxSectors:       1024,
		AutoExtendVolume: 1,
		VolumeCount:      1,
	}, m.Cache().GetPurposeSpaceInfo(disk.TemporaryData))

	paths, err := storage.ListVolumes("/volumes/*")
	require.NoError(t, err)
	require.Equal(t, []string{"/volumes/db", "/volumes/db_t001"}, paths)

	// Changes to temporary volumes are never logged.
	for _, record := range log.Records() {
		require.NotEqual(t, address.VolumeID(1), record.Volume)
	}

	// Temporary data is released immediately.
	require.NoError(t, m.UnreserveSectors(ctx, 1, disk.TemporaryData, sectors))
	require.Equal(t, int64(126), m.Cache().GetPurposeSpaceInfo(disk.TemporaryData).FreeSectors)

	// Permanent data is never placed on temporary volumes.
	permanent, err := m.ReserveSectors(ctx, 2, disk.PermanentData, 1, 5)
	require.NoError(t, err)
	require.Equal(t, sectorRange(0, 2, 5), permanent)

	requireValid(t, m)

	// Temporary volumes are removed when the database is closed.
	require.NoError(t, m.Close(ctx))
	paths, err = storage.ListVolumes("/volumes/*")
	require.NoError(t, err)
	require.Equal(t, []string{"/volumes/db"}, paths)
}

func TestManagerTemporarySizeLimit(t *testing.T) {
	ctx := context.Background()
	configuration := newTestConfiguration()
	configuration.MaximumTemporarySizeSectors = 128
	m, _ := newTestManager(t, configuration, disk.NewInMemoryVolumeStorage(1<<30))
	require.NoError(t, m.CreateDatabase(ctx, 256, ""))

	_, err := m.ReserveSectors(ctx, 1, disk.TemporaryData, address.NullVolumeID, 100)
	require.NoError(t, err)

	// The only temporary volume has 26 free sectors left, and it
	// may not grow any further.
	_, err = m.ReserveSectors(ctx, 1, disk.TemporaryData, address.NullVolumeID, 100)
	require.Equal(t, codes.ResourceExhausted, status.Code(err))
	require.Equal(t, int64(26), m.Cache().GetPurposeSpaceInfo(disk.TemporaryData).FreeSectors)

	requireValid(t, m)
}

func TestManagerExtendVolume(t *testing.T) {
	ctx := context.Background()
	storage := disk.NewInMemoryVolumeStorage(1 << 30)
	m, log := newTestManager(t, newTestConfiguration(), storage)
	require.NoError(t, m.CreateDatabase(ctx, 128, ""))

	// The first volume only has 126 free sectors. It is grown by
	// the default growth size, plus the 74 sectors that are
	// missing, rounded up to a multiple of 64.
	sectors, err := m.ReserveSectors(ctx, 1, disk.PermanentData, 0, 200)
	require.NoError(t, err)
	require.Equal(t, sectorRange(0, 2, 200), sectors)
	require.NoError(t, log.Commit(ctx, 1))

	requireSpaceInfo(t, m, 0, disk.SpaceInfo{
		Purpose:      disk.PermanentData,
		Type:         disk.PermanentVolume,
		TotalSectors: 320,
		FreeSectors:  118,
		MaxSectors:   1024,
	})
	require.Equal(t, int64(320*512), storage.GetUsedBytes())

	h, err := m.GetVolumeHeader(ctx, 0)
	require.NoError(t, err)
	require.Equal(t, int32(320), h.TotalSectors)

	var extensions []wal.Record
	for _, record := range log.Records() {
		if record.Kind == wal.VolumeExtend {
			extensions = append(extensions, record)
		}
	}
	require.Len(t, extensions, 1)
	require.Equal(t, wal.SystemTransactionID, extensions[0].TransactionID)

	requireValid(t, m)
}

func TestManagerCreateVolume(t *testing.T) {
	ctx := context.Background()
	storage := disk.NewInMemoryVolumeStorage(1 << 30)
	m, log := newTestManager(t, newTestConfiguration(), storage)
	require.NoError(t, m.CreateDatabase(ctx, 1024, ""))

	_, err := m.ReserveSectors(ctx, 1, disk.PermanentData, 0, 1022)
	require.NoError(t, err)

	// The first volume has reached its maximum size, meaning a
	// second volume needs to be created.
	sectors, err := m.ReserveSectors(ctx, 1, disk.PermanentData, 0, 10)
	require.NoError(t, err)
	require.Equal(t, sectorRange(1, 2, 10), sectors)
	require.NoError(t, log.Commit(ctx, 1))

	requireSpaceInfo(t, m, 1, disk.SpaceInfo{
		Purpose:      disk.PermanentData,
		Type:         disk.PermanentVolume,
		TotalSectors: 128,
		FreeSectors:  116,
		MaxSectors:   1024,
	})
	next, nextPath, err := m.GetLink(ctx, 0)
	require.NoError(t, err)
	require.Equal(t, address.VolumeID(1), next)
	require.Equal(t, "/volumes/db_x001", nextPath)
	require.Equal(t, address.VolumeID(1), m.Cache().GetPurposeSpaceInfo(disk.PermanentData).AutoExtendVolume)

	requireValid(t, m)
}

func TestManagerOutOfSpace(t *testing.T) {
	ctx := context.Background()
	storage := disk.NewInMemoryVolumeStorage(256 * 512)
	m, log := newTestManager(t, newTestConfiguration(), storage)
	require.NoError(t, m.CreateDatabase(ctx, 256, ""))

	_, err := m.ReserveSectors(ctx, 1, disk.PermanentData, 0, 300)
	require.Equal(t, codes.ResourceExhausted, status.Code(err))
	require.NoError(t, log.Commit(ctx, 1))

	// Nothing may have been reserved.
	requireSpaceInfo(t, m, 0, disk.SpaceInfo{
		Purpose:      disk.PermanentData,
		Type:         disk.PermanentVolume,
		TotalSectors: 256,
		FreeSectors:  254,
		MaxSectors:   1024,
	})
	paths, err := storage.ListVolumes("/volumes/*")
	require.NoError(t, err)
	require.Equal(t, []string{"/volumes/db"}, paths)
	requireValid(t, m)

	// Once space becomes available, the request succeeds.
	storage.SetCapacity(1 << 30)
	sectors, err := m.ReserveSectors(ctx, 2, disk.PermanentData, 0, 300)
	require.NoError(t, err)
	require.Len(t, sectors, 300)
	requireValid(t, m)
}

func TestManagerTooManyVolumes(t *testing.T) {
	ctx := context.Background()
	configuration := newTestConfiguration()
	configuration.MaximumVolumeCount = 1
	m, _ := newTestManager(t, configuration, disk.NewInMemoryVolumeStorage(1<<30))
	require.NoError(t, m.CreateDatabase(ctx, 1024, ""))

	_, err := m.ReserveSectors(ctx, 1, disk.PermanentData, 0, 1022)
	require.NoError(t, err)

	_, err = m.ReserveSectors(ctx, 1, disk.PermanentData, 0, 1)
	require.Equal(t, codes.FailedPrecondition, status.Code(err))
	require.Equal(t, int64(0), m.Cache().GetPurposeSpaceInfo(disk.PermanentData).FreeSectors)

	_, err = m.AddVolume(ctx, 1, disk.AddVolumeParameters{
		Purpose:      disk.TemporaryData,
		Type:         disk.PermanentVolume,
		TotalSectors: 128,
	})
	testutil.RequireEqualStatus(t, status.Error(codes.FailedPrecondition, "Database already has 1 volumes, which is the maximum"), err)
}

func TestManagerCarveOut(t *testing.T) {
	ctx := context.Background()
	storage := disk.NewInMemoryVolumeStorage(1 << 30)
	m, log := newTestManager(t, newTestConfiguration(), storage)
	require.NoError(t, m.CreateDatabase(ctx, 256, ""))

	t.Run("PermanentDataOnTemporaryVolume", func(t *testing.T) {
		_, err := m.AddVolume(ctx, 1, disk.AddVolumeParameters{
			Purpose:      disk.PermanentData,
			Type:         disk.TemporaryVolume,
			TotalSectors: 128,
		})
		testutil.RequireEqualStatus(t, status.Error(codes.InvalidArgument, "Temporary volumes cannot store permanent data"), err)
	})

	// Set aside a permanent volume for temporary data.
	volume, err := m.AddVolume(ctx, 1, disk.AddVolumeParameters{
		Purpose:      disk.TemporaryData,
		Type:         disk.PermanentVolume,
		TotalSectors: 128,
		Remarks:      "Scratch space",
	})
	require.NoError(t, err)
	require.Equal(t, address.VolumeID(1), volume)
	require.NoError(t, log.Commit(ctx, 1))

	sectors, err := m.ReserveSectors(ctx, 2, disk.TemporaryData, address.NullVolumeID, 50)
	require.NoError(t, err)
	require.Equal(t, sectorRange(1, 2, 50), sectors)

	snapshot := m.Cache().Snapshot()
	require.Equal(t, int64(76), snapshot.CarveOutFreeSectors)
	require.Equal(t, int64(128), snapshot.CarveOutTotalSectors)
	require.Equal(t, disk.PurposeSpaceInfo{
		FreeSectors:      76,
		TotalSectors:     128,
		MaxSectors:       128,
		AutoExtendVolume: address.NullVolumeID,
		VolumeCount:      1,
	}, snapshot.Purposes[disk.TemporaryData])
	requireValid(t, m)

	// Temporary data does not survive restarts, even if it is
	// stored on a permanent volume.
	require.NoError(t, m.Close(ctx))
	m2, _ := newTestManager(t, newTestConfiguration(), storage)
	require.NoError(t, m2.Mount(ctx))
	requireSpaceInfo(t, m2, 1, disk.SpaceInfo{
		Purpose:      disk.TemporaryData,
		Type:         disk.PermanentVolume,
		TotalSectors: 128,
		FreeSectors:  126,
		MaxSectors:   128,
	})
	requireValid(t, m2)
}

func TestManagerAbortAddVolume(t *testing.T) {
	ctx := context.Background()
	storage := disk.NewInMemoryVolumeStorage(1 << 30)
	m, log := newTestManager(t, newTestConfiguration(), storage)
	require.NoError(t, m.CreateDatabase(ctx, 256, ""))

	_, err := m.AddVolume(ctx, 3, disk.AddVolumeParameters{
		Purpose:      disk.PermanentData,
		Type:         disk.PermanentVolume,
		TotalSectors: 128,
	})
	require.NoError(t, err)
	next, _, err := m.GetLink(ctx, 0)
	require.NoError(t, err)
	require.Equal(t, address.VolumeID(1), next)

	require.NoError(t, log.Abort(ctx, 3))

	_, err = m.GetPurposeAndSpaceInfo(ctx, 1)
	testutil.RequireEqualStatus(t, status.Error(codes.NotFound, "Volume 1 does not exist"), err)
	next, nextPath, err := m.GetLink(ctx, 0)
	require.NoError(t, err)
	require.Equal(t, address.NullVolumeID, next)
	require.Equal(t, "", nextPath)
	paths, err := storage.ListVolumes("/volumes/*")
	require.NoError(t, err)
	require.Equal(t, []string{"/volumes/db"}, paths)
	require.Equal(t, int64(256*512), storage.GetUsedBytes())
	requireValid(t, m)
}

func TestManagerVolumeHeader(t *testing.T) {
	ctx := context.Background()
	m, log := newTestManager(t, newTestConfiguration(), disk.NewInMemoryVolumeStorage(1<<30))
	require.NoError(t, m.CreateDatabase(ctx, 256, ""))

	t.Run("BootHeapFile", func(t *testing.T) {
		heapFile := disk.HeapFileID{Volume: 0, File: 12, HeaderPage: 34}
		require.NoError(t, m.SetBootHeapFile(ctx, 1, 0, heapFile))
		h, err := m.GetVolumeHeader(ctx, 0)
		require.NoError(t, err)
		require.Equal(t, heapFile, h.BootHeapFile)

		require.NoError(t, log.Abort(ctx, 1))
		h, err = m.GetVolumeHeader(ctx, 0)
		require.NoError(t, err)
		require.Equal(t, disk.NullHeapFileID, h.BootHeapFile)
	})

	t.Run("Creation", func(t *testing.T) {
		checkpoint := address.LSA{PageID: 5, Offset: 6}
		require.NoError(t, m.SetCreation(ctx, 2, 0, "/renamed/db", 1700000000, checkpoint))
		require.NoError(t, log.Commit(ctx, 2))
		h, err := m.GetVolumeHeader(ctx, 0)
		require.NoError(t, err)
		require.Equal(t, "/renamed/db", h.FullName)
		require.Equal(t, int64(1700000000), h.CreationTime)
		require.Equal(t, checkpoint, h.Checkpoint)
	})

	t.Run("PathTooLong", func(t *testing.T) {
		path := make([]byte, disk.MaximumPathLength+1)
		for i := range path {
			path[i] = 'a'
		}
		err := m.SetLink(ctx, 3, 0, 1, string(path))
		require.Equal(t, codes.InvalidArgument, status.Code(err))
	})

	t.Run("Checkpoint", func(t *testing.T) {
		require.NoError(t, m.Checkpoint(ctx))
		lsa, err := m.GetCheckpoint(ctx, 0)
		require.NoError(t, err)
		require.Equal(t, log.CurrentLSA(), lsa)
	})
}

func TestManagerMount(t *testing.T) {
	ctx := context.Background()
	storage := disk.NewInMemoryVolumeStorage(1 << 30)
	m, log := newTestManager(t, newTestConfiguration(), storage)
	require.NoError(t, m.CreateDatabase(ctx, 1024, ""))
	_, err := m.ReserveSectors(ctx, 1, disk.PermanentData, 0, 1030)
	require.NoError(t, err)
	require.NoError(t, log.Commit(ctx, 1))
	_, err = m.ReserveSectors(ctx, 2, disk.TemporaryData, address.NullVolumeID, 10)
	require.NoError(t, err)
	require.NoError(t, m.Close(ctx))

	// Leftovers of temporary volumes of a previous run are removed.
	_, err = storage.CreateVolume("/volumes/db_t007", 512)
	require.NoError(t, err)

	m2, _ := newTestManager(t, newTestConfiguration(), storage)
	require.NoError(t, m2.Mount(ctx))
	requireSpaceInfo(t, m2, 0, disk.SpaceInfo{
		Purpose:      disk.PermanentData,
		Type:         disk.PermanentVolume,
		TotalSectors: 1024,
		FreeSectors:  0,
		MaxSectors:   1024,
	})
	requireSpaceInfo(t, m2, 1, disk.SpaceInfo{
		Purpose:      disk.PermanentData,
		Type:         disk.PermanentVolume,
		TotalSectors: 128,
		FreeSectors:  118,
		MaxSectors:   1024,
	})
	_, err = m2.GetPurposeAndSpaceInfo(ctx, 2)
	require.Equal(t, codes.NotFound, status.Code(err))
	require.Equal(t, address.VolumeID(1), m2.Cache().GetPurposeSpaceInfo(disk.PermanentData).AutoExtendVolume)
	require.Equal(t, address.NullVolumeID, m2.Cache().GetPurposeSpaceInfo(disk.TemporaryData).AutoExtendVolume)

	paths, err := storage.ListVolumes("/volumes/*")
	require.NoError(t, err)
	require.Equal(t, []string{"/volumes/db", "/volumes/db_x001"}, paths)

	t.Run("AlreadyMounted", func(t *testing.T) {
		testutil.RequireEqualStatus(t, status.Error(codes.FailedPrecondition, "Database is already mounted"), m2.Mount(ctx))
	})

	requireValid(t, m2)
}

func TestManagerConcurrentReservations(t *testing.T) {
	ctx := context.Background()
	m, log := newTestManager(t, newTestConfiguration(), disk.NewInMemoryVolumeStorage(1<<30))
	require.NoError(t, m.CreateDatabase(ctx, 128, ""))

	const workers = 8
	const batches = 20
	results := make([][]disk.VolumeSectorID, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			tx := wal.TransactionID(i + 1)
			for j := 0; j < batches; j++ {
				sectors, err := m.ReserveSectors(ctx, tx, disk.PermanentData, 0, 3)
				if err != nil {
					t.Error(err)
					return
				}
				results[i] = append(results[i], sectors...)

				// Also exercise temporary data, which is
				// released immediately.
				temporary, err := m.ReserveSectors(ctx, tx, disk.TemporaryData, address.NullVolumeID, 2)
				if err != nil {
					t.Error(err)
					return
				}
				if err := m.UnreserveSectors(ctx, tx, disk.TemporaryData, temporary); err != nil {
					t.Error(err)
					return
				}
			}
			if err := log.Commit(ctx, tx); err != nil {
				t.Error(err)
			}
		}()
	}
	wg.Wait()

	// No sector may have been handed out twice.
	seen := map[disk.VolumeSectorID]struct{}{}
	for _, sectors := range results {
		for _, s := range sectors {
			_, ok := seen[s]
			require.False(t, ok, "Sector %s was reserved twice", s)
			seen[s] = struct{}{}
		}
	}
	require.Len(t, seen, workers*batches*3)

	// The free sector count of the purpose must correspond with
	// what was reserved.
	info := m.Cache().GetPurposeSpaceInfo(disk.PermanentData)
	systemSectors := int64(2 * info.VolumeCount)
	require.Equal(t, info.TotalSectors-systemSectors-workers*batches*3, info.FreeSectors)
	require.Equal(t, int64(0), info.IntentionSectors)

	temporary := m.Cache().GetPurposeSpaceInfo(disk.TemporaryData)
	require.Equal(t, temporary.TotalSectors-int64(2*temporary.VolumeCount), temporary.FreeSectors)

	requireValid(t, m)
}
