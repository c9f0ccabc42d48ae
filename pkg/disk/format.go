package disk

import (
	"context"
	"log"

	"github.com/buildbarn/bb-disk-manager/pkg/address"
	"github.com/buildbarn/bb-disk-manager/pkg/buffer"
	"github.com/buildbarn/bb-disk-manager/pkg/wal"
	"github.com/buildbarn/bb-storage/pkg/util"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// FormatParameters contains the properties of a volume that is
// created by Manager.FormatVolume().
type FormatParameters struct {
	Volume       address.VolumeID
	Purpose      Purpose
	Type         VolumeType
	Path         string
	TotalSectors int32
	MaxSectors   int32
	Remarks      string
}

// FormatVolume creates a new volume and registers it, so that its
// sectors can be reserved. The volume is not linked to any other
// volume.
func (m *Manager) FormatVolume(ctx context.Context, tx wal.TransactionID, parameters FormatParameters) error {
	eg := m.cache.LockExtend(newLockOwner())
	defer eg.Unlock()
	_, err := m.formatVolume(ctx, eg, tx, parameters)
	return err
}

// newVolumeHeader computes the header of a volume that is about to be
// formatted. Sizes are rounded up to a multiple of the number of
// sectors described by a sector table unit.
func (m *Manager) newVolumeHeader(p *FormatParameters) (*VolumeHeader, error) {
	if err := checkPurposeAndType(p.Purpose, p.Type); err != nil {
		return nil, err
	}
	if p.Volume < 0 || int(p.Volume) >= m.configuration.MaximumVolumeCount {
		return nil, status.Errorf(codes.InvalidArgument, "Volume identifier %d is not in range [0, %d)", p.Volume, m.configuration.MaximumVolumeCount)
	}
	if p.TotalSectors <= 0 {
		return nil, status.Errorf(codes.InvalidArgument, "Volume must have a positive number of sectors, not %d", p.TotalSectors)
	}
	total := roundUpToUnit(int64(p.TotalSectors))
	maximum := roundUpToUnit(max(int64(p.MaxSectors), total))
	if maximum > int64(m.configuration.MaximumVolumeSizeSectors) {
		return nil, status.Errorf(codes.InvalidArgument, "Volume of %d sectors exceeds the maximum volume size of %d sectors", maximum, m.configuration.MaximumVolumeSizeSectors)
	}

	pageSizeBytes := int32(m.configuration.PageSizeBytes)
	tablePages := sectorTablePageCount(pageSizeBytes, int32(maximum))
	h := &VolumeHeader{
		PageSizeBytes:        pageSizeBytes,
		Volume:               p.Volume,
		Purpose:              p.Purpose,
		Type:                 p.Type,
		SectorSizePages:      m.configuration.SectorSizePages,
		TotalSectors:         int32(total),
		MaxSectors:           int32(maximum),
		Charset:              m.configuration.Charset,
		SectorTablePages:     tablePages,
		SectorTableFirstPage: sectorTableFirstPage,
		LastSystemPage:       sectorTableFirstPage + address.PageID(tablePages) - 1,
		CreationTime:         m.clock.Now().Unix(),
		Checkpoint:           m.log.CurrentLSA(),
		BootHeapFile:         NullHeapFileID,
		NextVolume:           address.NullVolumeID,
		FullName:             p.Path,
		Remarks:              p.Remarks,
	}
	if systemSectors := h.SystemSectorCount(); systemSectors >= h.TotalSectors {
		return nil, status.Errorf(codes.InvalidArgument, "Volume of %d sectors is too small to hold its header and sector table, which require %d sectors", h.TotalSectors, systemSectors)
	}
	return h, nil
}

// formatVolume creates a new volume and registers it in the Cache,
// returning the number of free sectors of the new volume.
func (m *Manager) formatVolume(ctx context.Context, eg *ExtendGuard, tx wal.TransactionID, p FormatParameters) (int64, error) {
	h, err := m.newVolumeHeader(&p)
	if err != nil {
		return 0, err
	}
	data, err := MarshalVolumeHeader(h, m.configuration.PageSizeBytes)
	if err != nil {
		return 0, err
	}
	if _, ok := m.cache.getVolume(p.Volume); ok {
		return 0, status.Errorf(codes.AlreadyExists, "Volume %d already exists", p.Volume)
	}

	logged := isLogged(p.Type)
	if logged {
		if _, err := m.appendLogRecord(wal.Record{
			TransactionID: tx,
			Kind:          wal.VolumeFormat,
			Mode:          wal.UndoOnly,
			Volume:        p.Volume,
			Page:          volumeHeaderPage,
			Undo:          formatUndo{purpose: p.Purpose, path: p.Path}.encode(),
		}); err != nil {
			return 0, err
		}
	}

	device, err := m.storage.CreateVolume(p.Path, m.sectorsToBytes(h.MaxSectors))
	if err != nil {
		return 0, util.StatusWrapf(err, "Failed to create volume %d", p.Volume)
	}
	if err := m.storage.ExpandVolume(p.Path, m.sectorsToBytes(h.TotalSectors)); err != nil {
		m.removeVolumeFile(p.Path)
		return 0, util.StatusWrapf(err, "Failed to allocate %d sectors for volume %d", h.TotalSectors, p.Volume)
	}
	m.pool.AttachVolume(p.Volume, device)

	free, err := m.writeNewVolume(h, data, tx, logged)
	if err == nil {
		err = m.pool.Flush(p.Volume)
	}
	if err == nil {
		err = m.registerVolume(eg, h, free)
	}
	if err != nil {
		m.pool.DetachVolume(p.Volume)
		m.removeVolumeFile(p.Path)
		return 0, util.StatusWrapf(err, "Failed to format volume %d", p.Volume)
	}
	log.Printf("Formatted volume %d at %#v with %d sectors for %s", p.Volume, p.Path, h.TotalSectors, p.Purpose)
	return int64(free), nil
}

func (m *Manager) removeVolumeFile(path string) {
	if err := m.storage.RemoveVolume(path); err != nil {
		log.Printf("Failed to remove volume %#v: %s", path, err)
	}
}

// writeNewVolume writes the header of a newly created volume, and
// marks the sectors containing the header and the sector table as
// reserved. It returns the number of sectors that remain free.
func (m *Manager) writeNewVolume(h *VolumeHeader, data []byte, tx wal.TransactionID, logged bool) (int32, error) {
	page, err := m.pool.Fix(address.VPID{Volume: h.Volume, Page: volumeHeaderPage}, buffer.Write)
	if err != nil {
		return 0, util.StatusWrapf(err, "Failed to fix header of volume %d", h.Volume)
	}
	lsa := address.NullLSA
	if logged {
		if lsa, err = m.appendLogRecord(wal.Record{
			TransactionID: tx,
			Kind:          wal.VolumeFormat,
			Mode:          wal.RedoOnly,
			Volume:        h.Volume,
			Page:          volumeHeaderPage,
			Redo:          data,
		}); err != nil {
			m.pool.Unfix(page)
			return 0, err
		}
	}
	copy(page.Data(), data)
	m.pool.SetDirty(page, lsa)
	m.pool.Unfix(page)

	// Mark the system sectors as reserved, logging one record per
	// sector table page.
	geometry := newTableGeometry(h)
	systemSectors := h.SystemSectorCount()
	for first := int32(0); first < systemSectors; first += geometry.bitsPerPage {
		count := min(systemSectors-first, geometry.bitsPerPage)
		pageID := geometry.firstPage + address.PageID(first/geometry.bitsPerPage)
		lsa := address.NullLSA
		if logged {
			if lsa, err = m.appendLogRecord(wal.Record{
				TransactionID: tx,
				Kind:          wal.SectorTableInit,
				Mode:          wal.RedoOnly,
				Volume:        h.Volume,
				Page:          pageID,
				Redo:          encodeSectorCount(count),
			}); err != nil {
				return 0, err
			}
		}
		if err := setLeadingBits(m.pool, h.Volume, geometry, first, count, lsa, func(int32) error { return nil }); err != nil {
			return 0, util.StatusWrapf(err, "Failed to initialize sector table of volume %d", h.Volume)
		}
	}
	return h.TotalSectors - systemSectors, nil
}

// setLeadingBits sets count consecutive bits of a sector table,
// starting at a unit aligned sector.
func setLeadingBits(pool *buffer.Pool, volume address.VolumeID, geometry tableGeometry, first, count int32, lsa address.LSA, adjustFree func(delta int32) error) error {
	start := newSectorTableCursor(pool, volume, geometry, buffer.Write)
	defer start.release()
	start.at(first)
	end := newSectorTableCursor(pool, volume, geometry, buffer.Write)
	end.at(first + int32(roundUpToUnit(int64(count))))

	remaining := count
	return iterateSectorTable(start, end, func(c *sectorTableCursor, unit uint64) (bool, error) {
		mask := fullUnit
		if remaining < unitBits {
			mask = 1<<remaining - 1
		}
		remaining -= unitBits
		return true, applyUnitMask(c, mask, true, lsa, adjustFree)
	})
}
