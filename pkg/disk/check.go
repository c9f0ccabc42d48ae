package disk

import (
	"context"
	"fmt"
	"log"

	"github.com/buildbarn/bb-disk-manager/pkg/address"
	"github.com/buildbarn/bb-disk-manager/pkg/buffer"
	"github.com/buildbarn/bb-storage/pkg/util"

	"golang.org/x/sync/errgroup"
)

// volumeScan contains the space accounting of a volume as derived from
// its header and sector table.
type volumeScan struct {
	header *VolumeHeader
	err    error

	free int32
	// Whether the sectors storing the header and the sector table
	// are all marked as reserved.
	systemReserved bool
	// Whether all bits describing sectors past the end of the
	// volume are cleared.
	tailCleared bool
}

// scanVolume reads the header and the full sector table of a volume.
// Errors that indicate that the volume is corrupted are stored in the
// result, as opposed to being returned.
func (m *Manager) scanVolume(volume address.VolumeID) volumeScan {
	h, err := m.readVolumeHeader(volume)
	if err != nil {
		return volumeScan{err: err}
	}
	geometry := newTableGeometry(h)
	start := newSectorTableCursor(m.pool, volume, geometry, buffer.Read)
	defer start.release()
	end := newSectorTableCursor(m.pool, volume, geometry, buffer.Read)
	end.at(geometry.pageCount * geometry.bitsPerPage)

	scan := volumeScan{
		header:         h,
		systemReserved: true,
		tailCleared:    true,
	}
	systemSectors := h.SystemSectorCount()
	if err := iterateSectorTable(start, end, func(c *sectorTableCursor, unit uint64) (bool, error) {
		if c.unitStart() >= h.TotalSectors {
			scan.tailCleared = scan.tailCleared && unit == 0
			return true, nil
		}
		if system := systemUnit(c.unitStart(), systemSectors); unit&system != system {
			scan.systemReserved = false
		}
		scan.free += freeBitCount(unit)
		return true, nil
	}); err != nil {
		return volumeScan{err: err}
	}
	return scan
}

type checkReport struct {
	problems     []string
	unrepairable bool
}

func (r *checkReport) addf(repairable bool, format string, args ...any) {
	r.problems = append(r.problems, fmt.Sprintf(format, args...))
	if !repairable {
		r.unrepairable = true
	}
}

// Check whether the free sector counts in the Cache match the sector
// tables, and whether the aggregates in the Cache match the per-volume
// counters. As the Cache is rebuilt from the sector tables, they are
// considered to be authoritative. Problems with the volumes themselves
// cannot be repaired.
//
// All reservations are blocked while the check is in progress.
func (m *Manager) Check(ctx context.Context, repair bool) (CheckResult, error) {
	m.checkSection.EnterExclusive()
	defer m.checkSection.LeaveExclusive()
	eg := m.cache.LockExtend(newLockOwner())
	defer eg.Unlock()
	ag := eg.LockAllReserve()
	defer ag.Unlock()
	snapshot := ag.snapshot()

	scans := make([]volumeScan, len(snapshot.Volumes))
	group, groupCtx := errgroup.WithContext(ctx)
	for i, v := range snapshot.Volumes {
		group.Go(func() error {
			if groupCtx.Err() != nil {
				return util.StatusFromContext(groupCtx)
			}
			scans[i] = m.scanVolume(v.Volume)
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return CheckResult{}, err
	}

	var report checkReport
	repairVolumes := false
	for i, v := range snapshot.Volumes {
		scan := &scans[i]
		if scan.err != nil {
			report.addf(false, "Volume %d: %s", v.Volume, scan.err)
			continue
		}
		h := scan.header
		if h.Purpose != v.Purpose || h.Type != v.Type {
			report.addf(false, "Volume %d: Header has purpose %s and type %s, while the cache has purpose %s and type %s", v.Volume, h.Purpose, h.Type, v.Purpose, v.Type)
			continue
		}
		if !scan.systemReserved {
			report.addf(false, "Volume %d: Not all system sectors are reserved", v.Volume)
		}
		if !scan.tailCleared {
			report.addf(false, "Volume %d: Sectors beyond the end of the volume are reserved", v.Volume)
		}
		if int64(h.TotalSectors) != v.TotalSectors || int64(h.MaxSectors) != v.MaxSectors {
			report.addf(true, "Volume %d: Header has %d total and %d maximum sectors, while the cache has %d total and %d maximum sectors", v.Volume, h.TotalSectors, h.MaxSectors, v.TotalSectors, v.MaxSectors)
			repairVolumes = true
		}
		if int64(scan.free) != v.FreeSectors {
			report.addf(true, "Volume %d: Sector table has %d free sectors, while the cache has %d free sectors", v.Volume, scan.free, v.FreeSectors)
			repairVolumes = true
		}
	}

	// Aggregates.
	var expected [purposeCount]PurposeSpaceInfo
	var carveOutFree, carveOutTotal int64
	for _, v := range snapshot.Volumes {
		e := &expected[v.Purpose]
		e.FreeSectors += v.FreeSectors
		e.TotalSectors += v.TotalSectors
		e.MaxSectors += v.MaxSectors
		e.VolumeCount++
		if v.Purpose == TemporaryData && v.Type == PermanentVolume {
			carveOutFree += v.FreeSectors
			carveOutTotal += v.TotalSectors
		}
	}
	repairAggregates := false
	for purpose, e := range expected {
		p := snapshot.Purposes[purpose]
		if p.FreeSectors != e.FreeSectors || p.TotalSectors != e.TotalSectors || p.MaxSectors != e.MaxSectors || p.VolumeCount != e.VolumeCount {
			report.addf(true, "Purpose %s: Cache has %d free, %d total and %d maximum sectors in %d volumes, while its volumes add up to %d free, %d total and %d maximum sectors in %d volumes", Purpose(purpose), p.FreeSectors, p.TotalSectors, p.MaxSectors, p.VolumeCount, e.FreeSectors, e.TotalSectors, e.MaxSectors, e.VolumeCount)
			repairAggregates = true
		}
	}
	if snapshot.CarveOutFreeSectors != carveOutFree || snapshot.CarveOutTotalSectors != carveOutTotal {
		report.addf(true, "Cache has %d free and %d total sectors of permanent volumes storing temporary data, while its volumes add up to %d free and %d total sectors", snapshot.CarveOutFreeSectors, snapshot.CarveOutTotalSectors, carveOutFree, carveOutTotal)
		repairAggregates = true
	}

	if len(report.problems) == 0 {
		return CheckResult{Result: Valid}, nil
	}
	result := CheckResult{Result: Invalid, Problems: report.problems}
	if !repair {
		return result, nil
	}

	if repairVolumes {
		for i, v := range snapshot.Volumes {
			scan := &scans[i]
			if scan.err == nil && scan.header.Purpose == v.Purpose && scan.header.Type == v.Type {
				ag.setVolumeSpace(v.Volume, int64(scan.free), int64(scan.header.TotalSectors), int64(scan.header.MaxSectors))
			}
		}
	}
	if repairVolumes || repairAggregates {
		ag.recomputeAggregates()
	}
	log.Printf("Repaired cache after consistency check found %d problems", len(report.problems))
	if !report.unrepairable {
		result.Result = Repaired
	}
	return result, nil
}
