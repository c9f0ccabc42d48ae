package disk_test

import (
	"context"
	"testing"

	"github.com/buildbarn/bb-disk-manager/internal/mock"
	"github.com/buildbarn/bb-disk-manager/pkg/address"
	"github.com/buildbarn/bb-disk-manager/pkg/disk"
	"github.com/buildbarn/bb-disk-manager/pkg/wal"
	"github.com/buildbarn/bb-storage/pkg/clock"
	"github.com/buildbarn/bb-storage/pkg/testutil"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

func TestManagerStorageFailures(t *testing.T) {
	ctrl, ctx := gomock.WithContext(context.Background(), t)

	t.Run("CreateVolumeFailure", func(t *testing.T) {
		storage := mock.NewMockVolumeStorage(ctrl)
		m, err := disk.NewManager(newTestConfiguration(), storage, wal.NewInMemoryLog(), clock.SystemClock)
		require.NoError(t, err)

		storage.EXPECT().CreateVolume("/volumes/db", int64(1024*512)).
			Return(nil, status.Error(codes.Unavailable, "Disk on fire"))

		testutil.RequireEqualStatus(
			t,
			status.Error(codes.Unavailable, "Failed to create first volume: Failed to create volume 0: Disk on fire"),
			m.CreateDatabase(ctx, 256, ""))
		_, err = m.GetPurposeAndSpaceInfo(ctx, 0)
		require.Equal(t, codes.NotFound, status.Code(err))
	})

	t.Run("ExpandVolumeFailure", func(t *testing.T) {
		storage := mock.NewMockVolumeStorage(ctrl)
		m, err := disk.NewManager(newTestConfiguration(), storage, wal.NewInMemoryLog(), clock.SystemClock)
		require.NoError(t, err)

		device := mock.NewMockBlockDevice(ctrl)
		storage.EXPECT().CreateVolume("/volumes/db", int64(1024*512)).Return(device, nil)
		storage.EXPECT().ExpandVolume("/volumes/db", int64(256*512)).
			Return(status.Error(codes.ResourceExhausted, "No space left on device"))
		storage.EXPECT().RemoveVolume("/volumes/db")

		testutil.RequireEqualStatus(
			t,
			status.Error(codes.ResourceExhausted, "Failed to create first volume: Failed to allocate 256 sectors for volume 0: No space left on device"),
			m.CreateDatabase(ctx, 256, ""))
	})

	t.Run("MountCorruptedHeader", func(t *testing.T) {
		storage := disk.NewInMemoryVolumeStorage(1 << 30)
		device, err := storage.CreateVolume("/volumes/db", 1024*512)
		require.NoError(t, err)
		_, err = device.WriteAt([]byte("Not a volume header"), 0)
		require.NoError(t, err)

		m, _ := newTestManager(t, newTestConfiguration(), storage)
		testutil.RequireEqualStatus(
			t,
			status.Error(codes.DataLoss, "Volume 0: Volume header has an invalid magic"),
			m.Mount(ctx))
	})
}

func TestManagerLogFailures(t *testing.T) {
	ctrl, ctx := gomock.WithContext(context.Background(), t)

	log := mock.NewMockWALLog(ctrl)
	log.EXPECT().CurrentLSA().Return(address.NullLSA).AnyTimes()
	m, err := disk.NewManager(newTestConfiguration(), disk.NewInMemoryVolumeStorage(1<<30), log, clock.SystemClock)
	require.NoError(t, err)

	// Creating the database logs the format of the first volume
	// and the initialization of its sector table.
	log.EXPECT().Append(gomock.Any()).Return(address.LSA{PageID: 0, Offset: 1}, nil).Times(3)
	require.NoError(t, m.CreateDatabase(ctx, 256, ""))

	t.Run("ReserveSectors", func(t *testing.T) {
		log.EXPECT().Append(gomock.Any()).Return(address.NullLSA, status.Error(codes.Unavailable, "Log device detached"))

		_, err := m.ReserveSectors(ctx, 1, disk.PermanentData, 0, 10)
		testutil.RequireEqualStatus(
			t,
			status.Error(codes.Unavailable, "Failed to append ReserveSectors record for volume 0 to the log: Log device detached"),
			err)

		// No sectors may have been lost.
		requireSpaceInfo(t, m, 0, disk.SpaceInfo{
			Purpose:      disk.PermanentData,
			Type:         disk.PermanentVolume,
			TotalSectors: 256,
			FreeSectors:  254,
			MaxSectors:   1024,
		})
		requireValid(t, m)
	})

	t.Run("UnreserveSectors", func(t *testing.T) {
		log.EXPECT().Append(gomock.Any()).Return(address.NullLSA, status.Error(codes.Unavailable, "Log device detached"))

		testutil.RequireEqualStatus(
			t,
			status.Error(codes.Unavailable, "Failed to append UnreserveSectors record for volume 0 to the log: Log device detached"),
			m.UnreserveSectors(ctx, 1, disk.PermanentData, []disk.VolumeSectorID{{Volume: 0, Sector: 5}}))
	})

	t.Run("TemporaryDataIsNotLogged", func(t *testing.T) {
		// Creating a temporary volume and reserving sectors
		// in it must not touch the log.
		sectors, err := m.ReserveSectors(ctx, 1, disk.TemporaryData, address.NullVolumeID, 3)
		require.NoError(t, err)
		require.Equal(t, sectorRange(1, 2, 3), sectors)
		require.NoError(t, m.UnreserveSectors(ctx, 1, disk.TemporaryData, sectors))
	})
}
