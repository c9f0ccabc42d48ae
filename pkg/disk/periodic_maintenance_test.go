package disk_test

import (
	"context"
	"testing"
	"time"

	"github.com/buildbarn/bb-disk-manager/internal/mock"
	"github.com/buildbarn/bb-disk-manager/pkg/disk"
	"github.com/buildbarn/bb-storage/pkg/clock"
	"github.com/buildbarn/bb-storage/pkg/testutil"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

func TestPeriodicMaintenanceRunOnce(t *testing.T) {
	ctrl, ctx := gomock.WithContext(context.Background(), t)

	checkpointer := mock.NewMockCheckpointer(ctrl)
	allocator := mock.NewMockAllocator(ctrl)
	errorLogger := mock.NewMockErrorLogger(ctrl)
	pm := disk.NewPeriodicMaintenance(checkpointer, allocator, mock.NewMockClock(ctrl), errorLogger, time.Minute, 2, true)

	// First round: only a checkpoint is created, which fails.
	checkpointer.EXPECT().Checkpoint(ctx).Return(status.Error(codes.Unavailable, "Disk on fire"))
	errorLogger.EXPECT().Log(gomock.Any()).Do(func(err error) {
		testutil.RequireEqualStatus(t, status.Error(codes.Unavailable, "Failed to create checkpoint: Disk on fire"), err)
	})
	pm.RunOnce(ctx)

	// Second round: a consistency check is due as well.
	checkpointer.EXPECT().Checkpoint(ctx)
	allocator.EXPECT().Check(ctx, true).Return(disk.CheckResult{
		Result: disk.Repaired,
		Problems: []string{
			"Volume 0: Sector table has 244 free sectors, while the cache has 234 free sectors",
			"Permanent data: Aggregate free sector count is 234, while the sum of its volumes is 244",
		},
	}, nil)
	errorLogger.EXPECT().Log(gomock.Any()).Do(func(err error) {
		testutil.RequireEqualStatus(t, status.Error(codes.DataLoss, "Consistency check repaired inconsistencies: Volume 0: Sector table has 244 free sectors, while the cache has 234 free sectors; Permanent data: Aggregate free sector count is 234, while the sum of its volumes is 244"), err)
	})
	pm.RunOnce(ctx)

	// Third round: a checkpoint only.
	checkpointer.EXPECT().Checkpoint(ctx)
	pm.RunOnce(ctx)

	// Fourth round: the consistency check itself fails.
	checkpointer.EXPECT().Checkpoint(ctx)
	allocator.EXPECT().Check(ctx, true).Return(disk.CheckResult{}, status.Error(codes.Unavailable, "Failed to fix page 1 of volume 0: Disk on fire"))
	errorLogger.EXPECT().Log(gomock.Any()).Do(func(err error) {
		testutil.RequireEqualStatus(t, status.Error(codes.Unavailable, "Failed to check consistency: Failed to fix page 1 of volume 0: Disk on fire"), err)
	})
	pm.RunOnce(ctx)

	// Fifth and sixth round: consistent.
	checkpointer.EXPECT().Checkpoint(ctx).Times(2)
	allocator.EXPECT().Check(ctx, true).Return(disk.CheckResult{Result: disk.Valid}, nil)
	pm.RunOnce(ctx)
	pm.RunOnce(ctx)
}

func TestPeriodicMaintenanceRun(t *testing.T) {
	ctrl, ctx := gomock.WithContext(context.Background(), t)

	checkpointer := mock.NewMockCheckpointer(ctrl)
	allocator := mock.NewMockAllocator(ctrl)
	errorLogger := mock.NewMockErrorLogger(ctrl)
	mockClock := mock.NewMockClock(ctrl)
	pm := disk.NewPeriodicMaintenance(checkpointer, allocator, mockClock, errorLogger, time.Minute, 0, false)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	timer1 := mock.NewMockTimer(ctrl)
	timerChannel1 := make(chan time.Time, 1)
	timerChannel1 <- time.Unix(1060, 0)
	mockClock.EXPECT().NewTimer(time.Minute).Return(timer1, timerChannel1)
	checkpointer.EXPECT().Checkpoint(gomock.Any())

	// Cancel the context while the second timer is pending.
	timer2 := mock.NewMockTimer(ctrl)
	mockClock.EXPECT().NewTimer(time.Minute).DoAndReturn(func(d time.Duration) (clock.Timer, <-chan time.Time) {
		cancel()
		return timer2, make(chan time.Time)
	})
	timer2.EXPECT().Stop().Return(true)

	require.NoError(t, pm.Run(runCtx, nil, nil))
}

func TestPeriodicMaintenanceOnManager(t *testing.T) {
	ctrl, ctx := gomock.WithContext(context.Background(), t)

	m, log := newTestManager(t, newTestConfiguration(), disk.NewInMemoryVolumeStorage(1<<30))
	require.NoError(t, m.CreateDatabase(ctx, 256, ""))
	_, err := m.ReserveSectors(ctx, 1, disk.PermanentData, 0, 5)
	require.NoError(t, err)
	require.NoError(t, log.Commit(ctx, 1))

	// A checkpoint followed by a clean consistency check should not
	// report anything.
	pm := disk.NewPeriodicMaintenance(m, m, clock.SystemClock, mock.NewMockErrorLogger(ctrl), time.Minute, 1, false)
	pm.RunOnce(ctx)

	checkpoint, err := m.GetCheckpoint(ctx, 0)
	require.NoError(t, err)
	require.Equal(t, log.CurrentLSA(), checkpoint)
}
