package disk

import (
	"context"
	"sync"
	"time"

	"github.com/buildbarn/bb-disk-manager/pkg/address"
	"github.com/buildbarn/bb-disk-manager/pkg/wal"
	"github.com/buildbarn/bb-storage/pkg/clock"
	"github.com/buildbarn/bb-storage/pkg/util"
	"github.com/prometheus/client_golang/prometheus"

	"google.golang.org/grpc/status"
)

var (
	allocatorPrometheusMetrics sync.Once

	allocatorOperationsDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "buildbarn",
			Subsystem: "disk",
			Name:      "allocator_operations_duration_seconds",
			Help:      "Amount of time spent per operation on the sector allocator, in seconds.",
			Buckets:   util.DecimalExponentialBuckets(-6, 7, 2),
		},
		[]string{"operation", "purpose", "grpc_code"})
	allocatorSectorsCount = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "buildbarn",
			Subsystem: "disk",
			Name:      "allocator_sectors_count",
			Help:      "Number of sectors provided to or returned by operations on the sector allocator.",
			Buckets:   prometheus.ExponentialBuckets(1.0, 2.0, 17),
		},
		[]string{"operation", "purpose", "grpc_code"})
	allocatorChecks = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "buildbarn",
			Subsystem: "disk",
			Name:      "allocator_checks_total",
			Help:      "Number of consistency checks performed on the sector allocator, by outcome.",
		},
		[]string{"repair", "result", "grpc_code"})
)

type metricsAllocator struct {
	base  Allocator
	clock clock.Clock
}

// NewMetricsAllocator creates a decorator for Allocator that exposes
// Prometheus metrics on the duration and size of reservations.
func NewMetricsAllocator(base Allocator, clock clock.Clock) Allocator {
	allocatorPrometheusMetrics.Do(func() {
		prometheus.MustRegister(allocatorOperationsDurationSeconds)
		prometheus.MustRegister(allocatorSectorsCount)
		prometheus.MustRegister(allocatorChecks)
	})

	return &metricsAllocator{
		base:  base,
		clock: clock,
	}
}

func (a *metricsAllocator) observe(operation string, purpose Purpose, timeStart time.Time, sectors int, err error) {
	code := status.Code(err).String()
	allocatorOperationsDurationSeconds.WithLabelValues(operation, purpose.String(), code).Observe(a.clock.Now().Sub(timeStart).Seconds())
	allocatorSectorsCount.WithLabelValues(operation, purpose.String(), code).Observe(float64(sectors))
}

func (a *metricsAllocator) ReserveSectors(ctx context.Context, tx wal.TransactionID, purpose Purpose, hintVolume address.VolumeID, count int) ([]VolumeSectorID, error) {
	timeStart := a.clock.Now()
	sectors, err := a.base.ReserveSectors(ctx, tx, purpose, hintVolume, count)
	a.observe("ReserveSectors", purpose, timeStart, count, err)
	return sectors, err
}

func (a *metricsAllocator) UnreserveSectors(ctx context.Context, tx wal.TransactionID, purpose Purpose, sectors []VolumeSectorID) error {
	timeStart := a.clock.Now()
	err := a.base.UnreserveSectors(ctx, tx, purpose, sectors)
	a.observe("UnreserveSectors", purpose, timeStart, len(sectors), err)
	return err
}

func (a *metricsAllocator) GetPurposeAndSpaceInfo(ctx context.Context, volume address.VolumeID) (SpaceInfo, error) {
	return a.base.GetPurposeAndSpaceInfo(ctx, volume)
}

func (a *metricsAllocator) Check(ctx context.Context, repair bool) (CheckResult, error) {
	result, err := a.base.Check(ctx, repair)
	repairStr := "false"
	if repair {
		repairStr = "true"
	}
	resultStr := ""
	if err == nil {
		resultStr = result.Result.String()
	}
	allocatorChecks.WithLabelValues(repairStr, resultStr, status.Code(err).String()).Inc()
	return result, err
}
