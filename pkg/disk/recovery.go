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

// Recover replays log records against the volumes of a database that
// has been mounted, bringing the volume headers, the sector tables and
// the Cache up to date.
func (m *Manager) Recover(ctx context.Context, records []wal.Record) error {
	if err := wal.Recover(ctx, records, m); err != nil {
		return err
	}
	eg := m.cache.LockExtend(newLockOwner())
	defer eg.Unlock()
	m.setAutoExtendVolumes(eg)
	return nil
}

// Redo applies the change described by a log record. Changes that are
// already present are left alone.
func (m *Manager) Redo(ctx context.Context, record wal.Record) error {
	switch record.Kind {
	case wal.VolumeFormat:
		return m.redoVolumeFormat(record)
	case wal.VolumeHeaderLink:
		return m.replayHeaderLink(record, record.Redo)
	case wal.VolumeHeaderCreation:
		return m.replayHeaderCreation(record, record.Redo)
	case wal.VolumeHeaderBootHeapFile:
		return m.replayHeaderBootHeapFile(record, record.Redo)
	case wal.VolumeExtend:
		return m.replayVolumeExtend(record, record.Redo, true)
	case wal.SectorTableInit:
		return m.redoSectorTableInit(record)
	case wal.ReserveSectors:
		return m.replaySectorTableMask(record, record.Redo, true, record.LSA)
	case wal.UnreserveSectors:
		return m.replaySectorTableMask(record, record.Redo, false, record.LSA)
	case wal.Commit, wal.Abort:
		return nil
	default:
		return status.Errorf(codes.InvalidArgument, "Cannot redo record of unknown kind %d", record.Kind)
	}
}

// Undo reverts the change described by a log record. Changes that are
// already absent are left alone.
func (m *Manager) Undo(ctx context.Context, record wal.Record) error {
	switch record.Kind {
	case wal.VolumeFormat:
		return m.undoVolumeFormat(record)
	case wal.VolumeHeaderLink:
		return m.replayHeaderLink(record, record.Undo)
	case wal.VolumeHeaderCreation:
		return m.replayHeaderCreation(record, record.Undo)
	case wal.VolumeHeaderBootHeapFile:
		return m.replayHeaderBootHeapFile(record, record.Undo)
	case wal.VolumeExtend:
		return m.replayVolumeExtend(record, record.Undo, false)
	case wal.ReserveSectors:
		return m.replaySectorTableMask(record, record.Undo, false, address.NullLSA)
	case wal.UnreserveSectors:
		return m.replaySectorTableMask(record, record.Undo, true, address.NullLSA)
	case wal.Commit, wal.Abort:
		return nil
	default:
		return status.Errorf(codes.InvalidArgument, "Cannot undo %s record", record.Kind)
	}
}

// replayVolumeHeader applies a change described by a log record to the
// header of a volume, without logging it again.
func (m *Manager) replayVolumeHeader(record wal.Record, apply func(h *VolumeHeader) error) error {
	page, h, err := m.fixVolumeHeader(record.Volume)
	if err != nil {
		return err
	}
	defer m.pool.Unfix(page)
	if err := apply(h); err != nil {
		return err
	}
	data, err := MarshalVolumeHeader(h, m.configuration.PageSizeBytes)
	if err != nil {
		return err
	}
	copy(page.Data(), data)
	m.pool.SetDirty(page, record.LSA)
	return nil
}

func (m *Manager) replayHeaderLink(record wal.Record, payload []byte) error {
	link, err := decodeHeaderLink(payload)
	if err != nil {
		return err
	}
	return m.replayVolumeHeader(record, func(h *VolumeHeader) error {
		h.NextVolume, h.NextVolumeFullName = link.nextVolume, link.nextPath
		return nil
	})
}

func (m *Manager) replayHeaderCreation(record wal.Record, payload []byte) error {
	creation, err := decodeHeaderCreation(payload)
	if err != nil {
		return err
	}
	return m.replayVolumeHeader(record, func(h *VolumeHeader) error {
		creation.apply(h)
		return nil
	})
}

func (m *Manager) replayHeaderBootHeapFile(record wal.Record, payload []byte) error {
	heapFile, err := decodeHeapFileID(payload)
	if err != nil {
		return err
	}
	return m.replayVolumeHeader(record, func(h *VolumeHeader) error {
		h.BootHeapFile = heapFile
		return nil
	})
}

// redoVolumeFormat recreates a volume that was formatted, but whose
// existence was not yet reflected by the volumes that were mounted.
// The volume file is created if it does not exist, and its header is
// restored if it was never written back.
func (m *Manager) redoVolumeFormat(record wal.Record) error {
	eg := m.cache.LockExtend(newLockOwner())
	defer eg.Unlock()
	if _, ok := m.cache.getVolume(record.Volume); ok {
		return nil
	}

	image, err := m.decodeVolumeHeader(record.Volume, record.Redo)
	if err != nil {
		return util.StatusWrap(err, "Invalid header image")
	}
	device, err := m.storage.OpenVolume(image.FullName)
	if status.Code(err) == codes.NotFound {
		device, err = m.storage.CreateVolume(image.FullName, m.sectorsToBytes(image.MaxSectors))
	}
	if err != nil {
		return util.StatusWrapf(err, "Failed to open volume %d", record.Volume)
	}
	if err := m.storage.ExpandVolume(image.FullName, m.sectorsToBytes(image.TotalSectors)); err != nil {
		return util.StatusWrapf(err, "Failed to allocate %d sectors for volume %d", image.TotalSectors, record.Volume)
	}
	m.pool.AttachVolume(record.Volume, device)

	h, err := m.restoreVolumeHeader(record)
	if err == nil {
		var free int32
		if free, err = countFreeSectors(m.pool, h); err == nil {
			err = m.registerVolume(eg, h, free)
		}
	}
	if err != nil {
		m.pool.DetachVolume(record.Volume)
		return util.StatusWrapf(err, "Failed to restore volume %d", record.Volume)
	}
	log.Printf("Restored volume %d at %#v", record.Volume, h.FullName)
	return nil
}

// restoreVolumeHeader writes the header image contained in a
// VolumeFormat record, unless the volume already has a valid header.
func (m *Manager) restoreVolumeHeader(record wal.Record) (*VolumeHeader, error) {
	page, err := m.pool.Fix(address.VPID{Volume: record.Volume, Page: volumeHeaderPage}, buffer.Write)
	if err != nil {
		return nil, err
	}
	defer m.pool.Unfix(page)
	if h, err := m.decodeVolumeHeader(record.Volume, page.Data()); err == nil {
		return h, nil
	}
	copy(page.Data(), record.Redo)
	m.pool.SetDirty(page, record.LSA)
	return m.decodeVolumeHeader(record.Volume, page.Data())
}

// undoVolumeFormat removes a volume that was created by a transaction
// that did not commit.
func (m *Manager) undoVolumeFormat(record wal.Record) error {
	undo, err := decodeFormatUndo(record.Undo)
	if err != nil {
		return err
	}
	eg := m.cache.LockExtend(newLockOwner())
	defer eg.Unlock()
	if v, ok := m.cache.getVolume(record.Volume); ok {
		g := eg.LockReserve(v.purpose)
		err := g.removeVolume(record.Volume)
		g.Unlock()
		if err != nil {
			return err
		}
	}
	m.pool.DetachVolume(record.Volume)
	if err := m.storage.RemoveVolume(undo.path); err != nil {
		return util.StatusWrapf(err, "Failed to remove volume %d", record.Volume)
	}
	m.setAutoExtendVolumes(eg)
	log.Printf("Removed volume %d at %#v", record.Volume, undo.path)
	return nil
}

// replayVolumeExtend sets the number of sectors of a volume to the
// value stored in a log record. When redoing, volumes are only grown.
// When undoing, volumes are only shrunk.
func (m *Manager) replayVolumeExtend(record wal.Record, payload []byte, redo bool) error {
	total, err := decodeSectorCount(payload)
	if err != nil {
		return err
	}
	eg := m.cache.LockExtend(newLockOwner())
	defer eg.Unlock()
	v, ok := m.cache.getVolume(record.Volume)
	if !ok {
		return status.Errorf(codes.NotFound, "Volume %d is not registered", record.Volume)
	}

	var delta int32
	if err := m.replayVolumeHeader(record, func(h *VolumeHeader) error {
		if (redo && total <= h.TotalSectors) || (!redo && total >= h.TotalSectors) {
			return nil
		}
		if total > h.MaxSectors || total <= h.SystemSectorCount() {
			return status.Errorf(codes.DataLoss, "Volume %d cannot be resized to %d sectors", record.Volume, total)
		}
		if redo {
			if err := m.storage.ExpandVolume(v.path, m.sectorsToBytes(total)); err != nil {
				return util.StatusWrapf(err, "Failed to grow volume %d to %d sectors", record.Volume, total)
			}
		}
		delta = total - h.TotalSectors
		h.TotalSectors = total
		return nil
	}); err != nil || delta == 0 {
		return err
	}

	g := eg.LockReserve(v.purpose)
	defer g.Unlock()
	return g.growVolume(record.Volume, int64(delta))
}

// redoSectorTableInit marks the system sectors described by a single
// sector table page as reserved.
func (m *Manager) redoSectorTableInit(record wal.Record) error {
	count, err := decodeSectorCount(record.Redo)
	if err != nil {
		return err
	}
	h, err := m.readVolumeHeader(record.Volume)
	if err != nil {
		return err
	}
	geometry := newTableGeometry(h)
	pageOffset := int32(record.Page - geometry.firstPage)
	if pageOffset < 0 || pageOffset >= geometry.pageCount || count < 0 || count > geometry.bitsPerPage {
		return status.Errorf(codes.DataLoss, "Initialization of %d sectors at page %d lies outside the sector table of volume %d", count, record.Page, record.Volume)
	}
	purpose, registered := m.cache.getVolumePurpose(record.Volume)
	return setLeadingBits(m.pool, record.Volume, geometry, pageOffset*geometry.bitsPerPage, count, record.LSA, func(delta int32) error {
		if !registered {
			return nil
		}
		g := m.cache.LockReserve(purpose, newLockOwner())
		defer g.Unlock()
		return g.updateVolumeFree(record.Volume, int64(delta))
	})
}

// replaySectorTableMask sets or clears the bits of a sector table unit
// described by a ReserveSectors or UnreserveSectors record.
func (m *Manager) replaySectorTableMask(record wal.Record, payload []byte, set bool, lsa address.LSA) error {
	if payload == nil {
		// UnreserveSectors records only carry a redo image,
		// which is the mask to restore when undoing.
		payload = record.Redo
	}
	mask, err := decodeUnitMask(payload)
	if err != nil {
		return err
	}
	return m.applySectorTableMask(sectorTableUnitMask{
		volume: record.Volume,
		page:   record.Page,
		unit:   record.Offset,
		mask:   mask,
	}, set, lsa, true)
}
