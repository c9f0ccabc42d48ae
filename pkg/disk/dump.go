package disk

import (
	"context"
	"fmt"
	"io"
	"math/bits"

	"github.com/buildbarn/bb-disk-manager/pkg/address"
	"github.com/buildbarn/bb-disk-manager/pkg/buffer"
	"github.com/buildbarn/bb-storage/pkg/util"
)

// sectorRun is a range of consecutive sectors that are either all
// reserved or all free.
type sectorRun struct {
	first    int32
	count    int32
	reserved bool
}

// collectSectorRuns walks the sector table of a volume and returns the
// ranges of reserved and free sectors.
func collectSectorRuns(pool *buffer.Pool, h *VolumeHeader) ([]sectorRun, error) {
	geometry := newTableGeometry(h)
	start := newSectorTableCursor(pool, h.Volume, geometry, buffer.Read)
	defer start.release()
	end := newSectorTableCursor(pool, h.Volume, geometry, buffer.Read)
	end.atEnd(h.TotalSectors)

	var runs []sectorRun
	extend := func(sector, count int32, reserved bool) {
		if n := len(runs); n > 0 && runs[n-1].reserved == reserved {
			runs[n-1].count += count
		} else {
			runs = append(runs, sectorRun{first: sector, count: count, reserved: reserved})
		}
	}
	if err := iterateSectorTable(start, end, func(c *sectorTableCursor, unit uint64) (bool, error) {
		first := c.unitStart()
		switch unit {
		case 0:
			extend(first, unitBits, false)
		case fullUnit:
			extend(first, unitBits, true)
		default:
			for bit := int32(0); bit < unitBits; {
				reserved := unit&(1<<bit) != 0
				// Length of the run of equal bits starting
				// at this bit.
				rest := unit >> bit
				if !reserved {
					rest = ^rest
				}
				length := min(int32(bits.TrailingZeros64(^rest)), unitBits-bit)
				extend(first+bit, length, reserved)
				bit += length
			}
		}
		return true, nil
	}); err != nil {
		return nil, err
	}
	return runs, nil
}

// DumpVolume writes a human readable description of the header and the
// sector table of a volume.
func (m *Manager) DumpVolume(ctx context.Context, w io.Writer, volume address.VolumeID) error {
	h, err := m.readVolumeHeader(volume)
	if err != nil {
		return err
	}
	runs, err := collectSectorRuns(m.pool, h)
	if err != nil {
		return util.StatusWrapf(err, "Failed to read sector table of volume %d", volume)
	}

	fmt.Fprintf(w, "Volume %d (%s, %s)\n", h.Volume, h.Purpose, h.Type)
	fmt.Fprintf(w, "  Path:               %s\n", h.FullName)
	fmt.Fprintf(w, "  Page size:          %d bytes\n", h.PageSizeBytes)
	fmt.Fprintf(w, "  Sector size:        %d pages\n", h.SectorSizePages)
	fmt.Fprintf(w, "  Sectors:            %d total, %d maximum\n", h.TotalSectors, h.MaxSectors)
	fmt.Fprintf(w, "  Sector table:       %d pages starting at page %d\n", h.SectorTablePages, h.SectorTableFirstPage)
	fmt.Fprintf(w, "  Last system page:   %d\n", h.LastSystemPage)
	fmt.Fprintf(w, "  Allocation hint:    sector %d\n", h.HintAllocSector)
	fmt.Fprintf(w, "  Creation time:      %d\n", h.CreationTime)
	fmt.Fprintf(w, "  Checkpoint:         %s\n", h.Checkpoint)
	fmt.Fprintf(w, "  Boot heap file:     %d|%d|%d\n", h.BootHeapFile.Volume, h.BootHeapFile.File, h.BootHeapFile.HeaderPage)
	if h.NextVolume != address.NullVolumeID {
		fmt.Fprintf(w, "  Next volume:        %d at %s\n", h.NextVolume, h.NextVolumeFullName)
	}
	if h.Remarks != "" {
		fmt.Fprintf(w, "  Remarks:            %s\n", h.Remarks)
	}

	var free int32
	for _, r := range runs {
		if !r.reserved {
			free += r.count
		}
	}
	fmt.Fprintf(w, "  Free sectors:       %d\n", free)
	fmt.Fprintf(w, "  Sector table:\n")
	for _, r := range runs {
		state := "free"
		if r.reserved {
			state = "reserved"
		}
		if _, err := fmt.Fprintf(w, "    %8d-%-8d %s\n", r.first, r.first+r.count-1, state); err != nil {
			return err
		}
	}
	return nil
}
