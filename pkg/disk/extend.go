package disk

import (
	"context"
	"log"

	"github.com/buildbarn/bb-disk-manager/pkg/address"
	"github.com/buildbarn/bb-disk-manager/pkg/wal"
	"github.com/buildbarn/bb-storage/pkg/util"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// extend adds free sectors for a purpose, returning the number of free
// sectors that were added. It first grows the volume that is designated
// for automatic extension. If that does not suffice, new volumes are
// created.
//
// The amount of space that is added is based on the current size of
// the purpose and the number of sectors all reservations are waiting
// for, so that a single extension tends to satisfy bursts of
// reservations.
func (m *Manager) extend(ctx context.Context, eg *ExtendGuard, purpose Purpose, needed int64) (int64, error) {
	c := &m.configuration
	g := eg.LockReserve(purpose)
	info := g.getSpaceInfo()
	g.Unlock()

	target := max(max(info.TotalSectors/100, int64(c.DefaultGrowthSectors))+info.IntentionSectors, needed)
	var room int64 = -1
	if purpose == TemporaryData && c.MaximumTemporarySizeSectors > 0 {
		room = int64(c.MaximumTemporarySizeSectors) - info.TotalSectors
		if room < needed {
			return 0, status.Errorf(codes.ResourceExhausted, "Growing temporary space of %d sectors by %d sectors would exceed the maximum of %d sectors", info.TotalSectors, needed, c.MaximumTemporarySizeSectors)
		}
		target = min(target, room)
	}

	var added int64
	if volume := info.AutoExtendVolume; volume != address.NullVolumeID {
		grown, err := m.growVolume(eg, volume, target)
		if err != nil && status.Code(err) != codes.ResourceExhausted {
			return 0, err
		}
		added += grown
		if room >= 0 {
			room -= grown
		}
	}

	for added < target {
		size := max(roundUpToUnit(min(target-added, int64(c.MaximumVolumeSizeSectors))), int64(c.MinimumVolumeSizeSectors))
		if room >= 0 && size > room {
			size = roundDownToUnit(room)
		}
		if size <= 0 {
			break
		}
		volume, free, err := m.createVolumeForExtension(ctx, eg, purpose, size)
		if err != nil {
			if added >= needed {
				break
			}
			return added, err
		}
		log.Printf("Created volume %d with %d free sectors for %s", volume, free, purpose)
		added += free
		if room >= 0 {
			room -= size
		}
	}
	if added < needed {
		return added, status.Errorf(codes.ResourceExhausted, "Only %d of %d sectors could be added for %s", added, needed, purpose)
	}
	return added, nil
}

// growVolume increases the number of sectors of a volume by up to
// delta sectors, without exceeding its maximum size. It returns the
// number of sectors that were added.
func (m *Manager) growVolume(eg *ExtendGuard, volume address.VolumeID, delta int64) (int64, error) {
	v, ok := m.cache.getVolume(volume)
	if !ok {
		return 0, status.Errorf(codes.NotFound, "Volume %d is not registered", volume)
	}
	var grown int32
	if err := m.modifyVolumeHeader(volume, func(h *VolumeHeader) (*wal.Record, error) {
		room := h.MaxSectors - h.TotalSectors
		if room <= 0 {
			return nil, nil
		}
		grown = int32(min(roundUpToUnit(delta), int64(room)))
		newTotal := h.TotalSectors + grown
		if err := m.storage.ExpandVolume(v.path, m.sectorsToBytes(newTotal)); err != nil {
			grown = 0
			return nil, util.StatusWrapf(err, "Failed to grow volume %d to %d sectors", volume, newTotal)
		}
		record := &wal.Record{
			TransactionID: wal.SystemTransactionID,
			Kind:          wal.VolumeExtend,
			Mode:          wal.UndoRedo,
			Undo:          encodeSectorCount(h.TotalSectors),
			Redo:          encodeSectorCount(newTotal),
		}
		h.TotalSectors = newTotal
		return record, nil
	}); err != nil {
		return 0, err
	}
	if grown == 0 {
		return 0, nil
	}

	g := eg.LockReserve(v.purpose)
	defer g.Unlock()
	if err := g.growVolume(volume, int64(grown)); err != nil {
		return 0, err
	}
	log.Printf("Extended volume %d by %d sectors", volume, grown)
	return int64(grown), nil
}

// createVolumeForExtension creates a new volume for a purpose, and
// designates it as the volume to extend automatically. If the storage
// has insufficient space for a volume of the requested size, a volume
// of the minimum size is attempted.
func (m *Manager) createVolumeForExtension(ctx context.Context, eg *ExtendGuard, purpose Purpose, totalSectors int64) (address.VolumeID, int64, error) {
	volume, free, err := m.createVolume(ctx, eg, wal.SystemTransactionID, AddVolumeParameters{
		Purpose:      purpose,
		Type:         purpose.naturalVolumeType(),
		TotalSectors: int32(totalSectors),
		MaxSectors:   m.configuration.MaximumVolumeSizeSectors,
	})
	if status.Code(err) == codes.ResourceExhausted && totalSectors > int64(m.configuration.MinimumVolumeSizeSectors) {
		volume, free, err = m.createVolume(ctx, eg, wal.SystemTransactionID, AddVolumeParameters{
			Purpose:      purpose,
			Type:         purpose.naturalVolumeType(),
			TotalSectors: m.configuration.MinimumVolumeSizeSectors,
			MaxSectors:   m.configuration.MaximumVolumeSizeSectors,
		})
	}
	if err != nil {
		return address.NullVolumeID, 0, err
	}
	g := eg.LockReserve(purpose)
	g.setAutoExtendVolume(volume)
	g.Unlock()
	return volume, free, nil
}

// AddVolumeParameters contains the properties of a volume that is
// added by Manager.AddVolume().
type AddVolumeParameters struct {
	Purpose      Purpose
	Type         VolumeType
	TotalSectors int32
	MaxSectors   int32
	Remarks      string
}

// AddVolume creates a new volume, assigning it the next available
// volume identifier. Permanent volumes are appended to the chain of
// volumes that is followed by Mount().
func (m *Manager) AddVolume(ctx context.Context, tx wal.TransactionID, parameters AddVolumeParameters) (address.VolumeID, error) {
	eg := m.cache.LockExtend(newLockOwner())
	defer eg.Unlock()
	volume, _, err := m.createVolume(ctx, eg, tx, parameters)
	return volume, err
}

func (m *Manager) createVolume(ctx context.Context, eg *ExtendGuard, tx wal.TransactionID, p AddVolumeParameters) (address.VolumeID, int64, error) {
	if count := eg.volumeCount(); count >= m.configuration.MaximumVolumeCount {
		return address.NullVolumeID, 0, status.Errorf(codes.FailedPrecondition, "Database already has %d volumes, which is the maximum", count)
	}
	volume := eg.nextVolumeID()
	if int(volume) >= m.configuration.MaximumVolumeCount {
		return address.NullVolumeID, 0, status.Errorf(codes.FailedPrecondition, "Volume identifier %d exceeds the maximum number of volumes", volume)
	}
	previous, hasPrevious := eg.lastVolume(func(v *cachedVolume) bool {
		return v.volumeType == PermanentVolume
	})
	path := m.GetVolumePath(volume, p.Type)
	free, err := m.formatVolume(ctx, eg, tx, FormatParameters{
		Volume:       volume,
		Purpose:      p.Purpose,
		Type:         p.Type,
		Path:         path,
		TotalSectors: p.TotalSectors,
		MaxSectors:   p.MaxSectors,
		Remarks:      p.Remarks,
	})
	if err != nil {
		return address.NullVolumeID, 0, err
	}
	if p.Type == PermanentVolume && hasPrevious {
		if err := m.SetLink(ctx, tx, previous, volume, path); err != nil {
			return address.NullVolumeID, 0, util.StatusWrapf(err, "Failed to link volume %d to volume %d", previous, volume)
		}
	}
	return volume, free, nil
}
