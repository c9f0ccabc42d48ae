package disk

import (
	"context"
	"strings"
	"time"

	"github.com/buildbarn/bb-storage/pkg/clock"
	"github.com/buildbarn/bb-storage/pkg/program"
	"github.com/buildbarn/bb-storage/pkg/util"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Checkpointer writes modified pages back to the volumes and records
// the position of the log up to which they are durable.
type Checkpointer interface {
	Checkpoint(ctx context.Context) error
}

var _ Checkpointer = (*Manager)(nil)

// PeriodicMaintenance creates checkpoints at a fixed interval. Every
// few checkpoints, the sector tables are also compared against the
// Disk Cache.
type PeriodicMaintenance struct {
	checkpointer Checkpointer
	allocator    Allocator
	clock        clock.Clock
	errorLogger  util.ErrorLogger
	interval     time.Duration
	checkEvery   int
	repair       bool

	rounds int
}

// NewPeriodicMaintenance creates a PeriodicMaintenance. A consistency
// check is performed after every checkEvery checkpoints. When
// checkEvery is zero, no checks are performed.
func NewPeriodicMaintenance(checkpointer Checkpointer, allocator Allocator, clock clock.Clock, errorLogger util.ErrorLogger, interval time.Duration, checkEvery int, repair bool) *PeriodicMaintenance {
	return &PeriodicMaintenance{
		checkpointer: checkpointer,
		allocator:    allocator,
		clock:        clock,
		errorLogger:  errorLogger,
		interval:     interval,
		checkEvery:   checkEvery,
		repair:       repair,
	}
}

// Run maintenance until the context is cancelled. This function has
// the signature of program.Routine, so that it can be launched as part
// of a program.Group.
func (pm *PeriodicMaintenance) Run(ctx context.Context, siblingsGroup, dependenciesGroup program.Group) error {
	for {
		timer, t := pm.clock.NewTimer(pm.interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-t:
		}
		pm.RunOnce(ctx)
	}
}

// RunOnce creates a single checkpoint, followed by a consistency check
// if one is due. Failures are reported through the error logger.
func (pm *PeriodicMaintenance) RunOnce(ctx context.Context) {
	if err := pm.checkpointer.Checkpoint(ctx); err != nil {
		pm.errorLogger.Log(util.StatusWrap(err, "Failed to create checkpoint"))
	}

	pm.rounds++
	if pm.checkEvery <= 0 || pm.rounds%pm.checkEvery != 0 {
		return
	}
	result, err := pm.allocator.Check(ctx, pm.repair)
	if err != nil {
		pm.errorLogger.Log(util.StatusWrap(err, "Failed to check consistency"))
		return
	}
	switch result.Result {
	case Invalid:
		pm.errorLogger.Log(status.Errorf(codes.DataLoss, "Consistency check found inconsistencies: %s", strings.Join(result.Problems, "; ")))
	case Repaired:
		pm.errorLogger.Log(status.Errorf(codes.DataLoss, "Consistency check repaired inconsistencies: %s", strings.Join(result.Problems, "; ")))
	}
}
