package disk_test

import (
	"context"
	"testing"

	"github.com/buildbarn/bb-disk-manager/internal/mock"
	"github.com/buildbarn/bb-disk-manager/pkg/address"
	"github.com/buildbarn/bb-disk-manager/pkg/disk"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.uber.org/mock/gomock"

	grpc_codes "google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

func TestTracingAllocator(t *testing.T) {
	ctrl, ctx := gomock.WithContext(context.Background(), t)

	baseAllocator := mock.NewMockAllocator(ctrl)
	spanRecorder := tracetest.NewSpanRecorder()
	tracerProvider := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(spanRecorder))
	allocator := disk.NewTracingAllocator(baseAllocator, tracerProvider)

	t.Run("ReserveSectorsSuccess", func(t *testing.T) {
		sectors := []disk.VolumeSectorID{{Volume: 1, Sector: 2}}
		baseAllocator.EXPECT().ReserveSectors(gomock.Any(), gomock.Any(), disk.TemporaryData, address.NullVolumeID, 1).Return(sectors, nil)

		result, err := allocator.ReserveSectors(ctx, 12, disk.TemporaryData, address.NullVolumeID, 1)
		require.NoError(t, err)
		require.Equal(t, sectors, result)

		spans := spanRecorder.Ended()
		require.Len(t, spans, 1)
		require.Equal(t, "Allocator.ReserveSectors", spans[0].Name())
		require.Equal(t, []attribute.KeyValue{
			attribute.Int64("transaction_id", 12),
			attribute.String("purpose", "TemporaryData"),
			attribute.Int("hint_volume", -1),
			attribute.Int("count", 1),
		}, spans[0].Attributes())
		require.Equal(t, codes.Unset, spans[0].Status().Code)
	})

	t.Run("UnreserveSectorsFailure", func(t *testing.T) {
		baseAllocator.EXPECT().UnreserveSectors(gomock.Any(), gomock.Any(), disk.PermanentData, gomock.Len(2)).
			Return(status.Error(grpc_codes.InvalidArgument, "Sector 0|5 is not provided in increasing order"))

		err := allocator.UnreserveSectors(ctx, 13, disk.PermanentData, []disk.VolumeSectorID{{Volume: 0, Sector: 7}, {Volume: 0, Sector: 5}})
		require.Equal(t, grpc_codes.InvalidArgument, status.Code(err))

		spans := spanRecorder.Ended()
		require.Len(t, spans, 2)
		require.Equal(t, "Allocator.UnreserveSectors", spans[1].Name())
		require.Equal(t, codes.Error, spans[1].Status().Code)
		require.Equal(t, "rpc error: code = InvalidArgument desc = Sector 0|5 is not provided in increasing order", spans[1].Status().Description)
		require.Len(t, spans[1].Events(), 1)
	})

	t.Run("Check", func(t *testing.T) {
		baseAllocator.EXPECT().Check(gomock.Any(), true).Return(disk.CheckResult{
			Result:   disk.Repaired,
			Problems: []string{"Volume 0: Sector table has 244 free sectors, while the cache has 234 free sectors"},
		}, nil)

		result, err := allocator.Check(ctx, true)
		require.NoError(t, err)
		require.Equal(t, disk.Repaired, result.Result)

		spans := spanRecorder.Ended()
		require.Len(t, spans, 3)
		require.Equal(t, "Allocator.Check", spans[2].Name())
		require.Equal(t, []attribute.KeyValue{
			attribute.Bool("repair", true),
			attribute.String("result", "Repaired"),
			attribute.Int("problems", 1),
		}, spans[2].Attributes())
	})

	t.Run("GetPurposeAndSpaceInfo", func(t *testing.T) {
		// Lookups are not traced.
		baseAllocator.EXPECT().GetPurposeAndSpaceInfo(gomock.Any(), address.VolumeID(0)).Return(disk.SpaceInfo{
			Purpose:      disk.PermanentData,
			Type:         disk.PermanentVolume,
			TotalSectors: 256,
			FreeSectors:  244,
			MaxSectors:   1024,
		}, nil)

		info, err := allocator.GetPurposeAndSpaceInfo(ctx, 0)
		require.NoError(t, err)
		require.Equal(t, int32(244), info.FreeSectors)
		require.Len(t, spanRecorder.Ended(), 3)
	})
}
