package disk

import (
	"context"
	"testing"

	"github.com/buildbarn/bb-disk-manager/pkg/address"
	"github.com/buildbarn/bb-disk-manager/pkg/buffer"
	"github.com/buildbarn/bb-disk-manager/pkg/wal"
	"github.com/buildbarn/bb-storage/pkg/clock"
	"github.com/buildbarn/bb-storage/pkg/testutil"
	"github.com/stretchr/testify/require"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

func newRollbackTestManager(t *testing.T, storage VolumeStorage) (*Manager, *wal.InMemoryLog) {
	log := wal.NewInMemoryLog()
	m, err := NewManager(Configuration{
		DatabaseName:             "db",
		VolumeDirectory:          "/volumes",
		PageSizeBytes:            512,
		SectorSizePages:          1,
		DefaultGrowthSectors:     64,
		MinimumVolumeSizeSectors: 128,
		MaximumVolumeSizeSectors: 1024,
		MaximumVolumeCount:       8,
		FragmentationDivisor:     2,
	}, storage, log, clock.SystemClock)
	require.NoError(t, err)
	log.SetRecoveryHandler(m)
	return m, log
}

// setSectorWithoutCache marks a sector as reserved in the sector
// table, without adjusting the free sector count in the Cache.
func setSectorWithoutCache(t *testing.T, m *Manager, volume address.VolumeID, sector int32) {
	h, err := m.readVolumeHeader(volume)
	require.NoError(t, err)
	c := newSectorTableCursor(m.pool, volume, newTableGeometry(h), buffer.Write)
	defer c.release()
	c.at(sector)
	require.NoError(t, c.set(address.NullLSA))
}

func requireSectorsSet(t *testing.T, m *Manager, sectors []VolumeSectorID) {
	t.Helper()
	for _, s := range sectors {
		h, err := m.readVolumeHeader(s.Volume)
		require.NoError(t, err)
		c := newSectorTableCursor(m.pool, s.Volume, newTableGeometry(h), buffer.Read)
		c.at(s.Sector)
		set, err := c.isSet()
		c.release()
		require.NoError(t, err)
		require.True(t, set, "Sector %s is not reserved", s)
	}
}

func requireDisjoint(t *testing.T, a, b []VolumeSectorID) {
	t.Helper()
	seen := map[VolumeSectorID]struct{}{}
	for _, s := range a {
		seen[s] = struct{}{}
	}
	for _, s := range b {
		_, ok := seen[s]
		require.False(t, ok, "Sector %s was handed out twice", s)
	}
}

func TestManagerPartialReservationRollback(t *testing.T) {
	ctx := context.Background()
	storage := NewInMemoryVolumeStorage(1 << 30)
	m, log := newRollbackTestManager(t, storage)
	require.NoError(t, m.CreateDatabase(ctx, 256, ""))

	// Let the Cache promise one sector more than the sector table
	// has, so that reserving all of them fails halfway.
	setSectorWithoutCache(t, m, 0, 200)
	require.NoError(t, m.Checkpoint(ctx))

	_, err := m.ReserveSectors(ctx, 1, PermanentData, 0, 254)
	require.Equal(t, codes.Internal, status.Code(err))
	require.Equal(t, int64(253), m.cache.GetPurposeSpaceInfo(PermanentData).FreeSectors)

	// The rolled back changes are compensated, not cleared under
	// records of their own.
	var compensations int
	for _, record := range log.Records() {
		require.NotEqual(t, wal.UnreserveSectors, record.Kind)
		if record.TransactionID == 1 && record.Mode == wal.Compensate {
			compensations++
		}
	}
	require.NotZero(t, compensations)

	// Aborting the transaction afterwards must leave sectors that
	// were reserved by others in the meantime alone.
	s2, err := m.ReserveSectors(ctx, 2, PermanentData, 0, 10)
	require.NoError(t, err)
	require.NoError(t, log.Abort(ctx, 1))
	requireSectorsSet(t, m, s2)
	require.Equal(t, int64(243), m.cache.GetPurposeSpaceInfo(PermanentData).FreeSectors)

	s3, err := m.ReserveSectors(ctx, 3, PermanentData, 0, 10)
	require.NoError(t, err)
	requireDisjoint(t, s2, s3)
	require.NoError(t, log.Commit(ctx, 2))
	require.NoError(t, log.Commit(ctx, 3))

	result, err := m.Check(ctx, false)
	require.NoError(t, err)
	require.Equal(t, CheckResult{Result: Valid}, result)

	// Recovery must neither undo the compensated changes of
	// transaction 1 again, nor touch the sectors of the others.
	m2, _ := newRollbackTestManager(t, storage)
	require.NoError(t, m2.Mount(ctx))
	require.NoError(t, m2.Recover(ctx, log.Records()))
	requireSectorsSet(t, m2, s2)
	requireSectorsSet(t, m2, s3)
	require.Equal(t, int64(233), m2.cache.GetPurposeSpaceInfo(PermanentData).FreeSectors)
	result, err = m2.Check(ctx, false)
	require.NoError(t, err)
	require.Equal(t, CheckResult{Result: Valid}, result)
}

func TestManagerPartialReservationRollbackWithoutAbort(t *testing.T) {
	ctx := context.Background()
	storage := NewInMemoryVolumeStorage(1 << 30)
	m, log := newRollbackTestManager(t, storage)
	require.NoError(t, m.CreateDatabase(ctx, 256, ""))
	setSectorWithoutCache(t, m, 0, 200)
	require.NoError(t, m.Checkpoint(ctx))

	// Transaction 1 fails partially and never completes, while
	// transaction 2 reuses the space it released and commits.
	_, err := m.ReserveSectors(ctx, 1, PermanentData, 0, 254)
	require.Equal(t, codes.Internal, status.Code(err))
	s2, err := m.ReserveSectors(ctx, 2, PermanentData, 0, 10)
	require.NoError(t, err)
	require.NoError(t, log.Commit(ctx, 2))

	m2, _ := newRollbackTestManager(t, storage)
	require.NoError(t, m2.Mount(ctx))
	require.NoError(t, m2.Recover(ctx, log.Records()))
	requireSectorsSet(t, m2, s2)
	require.Equal(t, int64(243), m2.cache.GetPurposeSpaceInfo(PermanentData).FreeSectors)
	result, err := m2.Check(ctx, false)
	require.NoError(t, err)
	require.Equal(t, CheckResult{Result: Valid}, result)
}

func TestManagerUndrainFailure(t *testing.T) {
	ctx := context.Background()
	m, _ := newRollbackTestManager(t, NewInMemoryVolumeStorage(1<<30))
	require.NoError(t, m.CreateDatabase(ctx, 256, ""))

	// Returning more sectors than a volume can hold fails, but the
	// other reservations are still returned. The failure is
	// reported along with the error that caused the undrain.
	g := m.cache.LockReserve(PermanentData, newLockOwner())
	err := m.withUndrain(g, []volumeReservation{
		{volume: 0, count: 3},
		{volume: 0, count: 1},
	}, status.Error(codes.Unavailable, "Disk on fire"))
	g.Unlock()
	testutil.RequireEqualStatus(
		t,
		status.Error(codes.Unavailable, "Disk on fire, Failed to return 3 sectors to volume 0: Adjusting the free sectors of volume 0 by 3 would exceed its size of 256 sectors"),
		err)
	require.Equal(t, int64(255), m.cache.GetPurposeSpaceInfo(PermanentData).FreeSectors)
}
