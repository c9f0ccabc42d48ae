package disk

import (
	"context"
	"math/bits"
	"sort"

	"github.com/buildbarn/bb-disk-manager/pkg/address"
	"github.com/buildbarn/bb-disk-manager/pkg/buffer"
	"github.com/buildbarn/bb-disk-manager/pkg/wal"
	"github.com/buildbarn/bb-storage/pkg/util"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// volumeReservation is the number of sectors that have been taken from
// the free sector count of a volume in the Cache, but that have not
// been reserved in its sector table yet.
type volumeReservation struct {
	volume address.VolumeID
	count  int64
}

// reserveContext tracks the progress of a single call to
// ReserveSectors().
type reserveContext struct {
	purpose   Purpose
	requested int64
	remaining int64
	volumes   []volumeReservation
}

func (rc *reserveContext) add(volume address.VolumeID, count int64) {
	rc.remaining -= count
	for i := range rc.volumes {
		if rc.volumes[i].volume == volume {
			rc.volumes[i].count += count
			return
		}
	}
	rc.volumes = append(rc.volumes, volumeReservation{volume: volume, count: count})
}

// drain takes free sectors from volumes in the Cache until the request
// is satisfied or no candidate volumes remain. If avoidFragmentation is
// set, volumes with few free sectors are skipped, so that small
// reservations don't end up being spread out across many volumes.
func (m *Manager) drain(g *ReserveGuard, rc *reserveContext, hint address.VolumeID, avoidFragmentation bool) error {
	var threshold int64
	if avoidFragmentation {
		threshold = min(rc.requested, int64(m.configuration.MaximumVolumeSizeSectors)) / int64(m.configuration.FragmentationDivisor)
	}
	for _, volume := range g.candidateVolumes(hint) {
		if rc.remaining == 0 {
			break
		}
		v, err := g.getVolume(volume)
		if err != nil {
			return err
		}
		if v.free == 0 || v.free < threshold {
			continue
		}
		take := min(v.free, rc.remaining)
		if err := g.updateVolumeFree(volume, -take); err != nil {
			return err
		}
		rc.add(volume, take)
	}
	return nil
}

// undrain returns sectors that were taken from the Cache, but that
// were not reserved in the sector tables. All reservations are
// returned, even if some of them fail. The first error is returned.
func (m *Manager) undrain(g *ReserveGuard, reservations []volumeReservation) error {
	var firstErr error
	for _, r := range reservations {
		if err := g.updateVolumeFree(r.volume, r.count); err != nil && firstErr == nil {
			firstErr = util.StatusWrapf(err, "Failed to return %d sectors to volume %d", r.count, r.volume)
		}
	}
	return firstErr
}

// withUndrain combines the error that caused a reservation to fail
// with any error that occurred while returning drained sectors.
func (m *Manager) withUndrain(g *ReserveGuard, reservations []volumeReservation, err error) error {
	if undrainErr := m.undrain(g, reservations); undrainErr != nil {
		return util.StatusFromMultiple([]error{err, undrainErr})
	}
	return err
}

// ReserveSectors reserves a number of sectors for a given purpose.
//
// Sectors are first taken from the free sector counts in the Cache.
// Only if the Cache has too few free sectors, the extend lock is
// acquired to grow volumes or create new ones. Once the Cache has been
// drained successfully, the sectors are reserved in the sector tables
// of the volumes from which they were taken.
func (m *Manager) ReserveSectors(ctx context.Context, tx wal.TransactionID, purpose Purpose, hintVolume address.VolumeID, count int) ([]VolumeSectorID, error) {
	if !purpose.isValid() {
		return nil, status.Errorf(codes.InvalidArgument, "Invalid purpose %d", purpose)
	}
	if count <= 0 {
		return nil, status.Errorf(codes.InvalidArgument, "Sector count must be positive, not %d", count)
	}

	m.checkSection.EnterReader()
	defer m.checkSection.LeaveReader()

	rc := reserveContext{
		purpose:   purpose,
		requested: int64(count),
		remaining: int64(count),
	}
	if err := m.reserveFromCache(ctx, &rc, hintVolume); err != nil {
		return nil, err
	}

	sectors := make([]VolumeSectorID, 0, count)
	var units []reservedUnit
	for i, r := range rc.volumes {
		reserved, err := m.reserveInVolume(tx, purpose, r.volume, int32(r.count), &sectors, &units)
		if err != nil {
			// Return the sectors that were not reserved to the
			// Cache. When the sector table contained fewer free
			// sectors than the Cache promised, the difference
			// is not returned, as it did not exist.
			unreserved := append([]volumeReservation(nil), rc.volumes[i+1:]...)
			if status.Code(err) != codes.Internal {
				unreserved = append(unreserved, volumeReservation{volume: r.volume, count: r.count - int64(reserved)})
			}
			g := m.cache.LockReserve(purpose, newLockOwner())
			err = m.withUndrain(g, unreserved, err)
			g.Unlock()

			if rollbackErr := m.rollbackReservation(tx, units); rollbackErr != nil {
				err = util.StatusFromMultiple([]error{
					err,
					util.StatusWrapf(rollbackErr, "Failed to roll back reservation of %d sectors", len(sectors)),
				})
			}
			return nil, err
		}
	}
	return sectors, nil
}

// reserveFromCache drains the Cache until the request is satisfied,
// extending volumes if needed.
func (m *Manager) reserveFromCache(ctx context.Context, rc *reserveContext, hint address.VolumeID) error {
	g := m.cache.LockReserve(rc.purpose, newLockOwner())
	if err := m.drain(g, rc, hint, true); err != nil {
		err = m.withUndrain(g, rc.volumes, err)
		g.Unlock()
		return err
	}
	if rc.remaining == 0 {
		g.Unlock()
		return nil
	}

	// Announce the shortfall, so that any extension that happens in
	// the meantime also takes this request into account.
	shortfall := rc.remaining
	g.addIntention(shortfall)
	eg := g.UnlockAndLockExtend()
	defer eg.Unlock()
	defer func() {
		g := eg.LockReserve(rc.purpose)
		g.addIntention(-shortfall)
		g.Unlock()
	}()

	for avoidFragmentation := true; ; avoidFragmentation = false {
		// Another reservation may have extended volumes while
		// the extend lock was being acquired. Once space has
		// been added, it is used regardless of fragmentation.
		g := eg.LockReserve(rc.purpose)
		if err := m.drain(g, rc, hint, avoidFragmentation); err != nil {
			err = m.withUndrain(g, rc.volumes, err)
			g.Unlock()
			return err
		}
		g.Unlock()
		if rc.remaining == 0 {
			return nil
		}

		added, err := m.extend(ctx, eg, rc.purpose, rc.remaining)
		if err == nil && added > 0 {
			continue
		}

		// Space could not be grown. Use the volumes that were
		// skipped to prevent fragmentation as a last resort.
		g = eg.LockReserve(rc.purpose)
		defer g.Unlock()
		if drainErr := m.drain(g, rc, hint, false); drainErr == nil && rc.remaining == 0 {
			return nil
		}
		if err == nil {
			err = status.Errorf(codes.ResourceExhausted, "Cannot reserve %d sectors for %s, as no space could be added", rc.requested, rc.purpose)
		}
		return m.withUndrain(g, rc.volumes, util.StatusWrapf(err, "Cannot reserve %d sectors for %s", rc.requested, rc.purpose))
	}
}

// reservedUnit is a change made to a single unit of a sector table by
// ReserveSectors(), together with the address of the log record that
// describes it. The address is null for changes that are not logged.
type reservedUnit struct {
	sectorTableUnitMask
	lsa address.LSA
}

// reserveInVolume reserves sectors in the sector table of a single
// volume, appending their identifiers to a list. The search for free
// sectors starts at the allocation hint stored in the volume header.
func (m *Manager) reserveInVolume(tx wal.TransactionID, purpose Purpose, volume address.VolumeID, count int32, sectors *[]VolumeSectorID, units *[]reservedUnit) (int32, error) {
	h, err := m.readVolumeHeader(volume)
	if err != nil {
		return 0, err
	}
	logged := purpose == PermanentData && isLogged(h.Type)
	geometry := newTableGeometry(h)
	hint := h.HintAllocSector - h.HintAllocSector%unitBits
	if hint < 0 || hint >= h.TotalSectors {
		hint = 0
	}

	firstIndex := len(*sectors)
	var reserved int32
	lastSector := int32(-1)
	visit := func(c *sectorTableCursor, unit uint64) (bool, error) {
		if unit == fullUnit {
			return true, nil
		}
		mask := fillUnit(unit, count-reserved)
		lsa := address.NullLSA
		if logged {
			var err error
			if lsa, err = m.appendLogRecord(wal.Record{
				TransactionID: tx,
				Kind:          wal.ReserveSectors,
				Mode:          wal.UndoRedo,
				Volume:        volume,
				Page:          c.pageID(),
				Offset:        c.unit,
				Undo:          encodeUnitMask(mask),
				Redo:          encodeUnitMask(mask),
			}); err != nil {
				return false, err
			}
		}
		c.storeUnit(unit|mask, lsa)
		*units = append(*units, reservedUnit{
			sectorTableUnitMask: sectorTableUnitMask{
				volume: volume,
				page:   c.pageID(),
				unit:   c.unit,
				mask:   mask,
			},
			lsa: lsa,
		})
		for remaining := mask; remaining != 0; remaining &= remaining - 1 {
			*sectors = append(*sectors, VolumeSectorID{
				Volume: volume,
				Sector: c.unitStart() + int32(bits.TrailingZeros64(remaining)),
			})
		}
		reserved += int32(bits.OnesCount64(mask))
		lastSector = c.unitStart() + unitBits - 1 - int32(bits.LeadingZeros64(mask))
		return reserved < count, nil
	}

	start := newSectorTableCursor(m.pool, volume, geometry, buffer.Write)
	defer start.release()
	end := newSectorTableCursor(m.pool, volume, geometry, buffer.Write)
	hintCursor := newSectorTableCursor(m.pool, volume, geometry, buffer.Write)
	hintCursor.at(hint)

	// Scan from the hint to the end of the volume, and wrap around.
	// Sectors may be freed concurrently in parts of the table that
	// have already been scanned, so keep scanning for as long as
	// progress is made.
	for previous := int32(-1); reserved < count && reserved != previous; {
		previous = reserved
		start.at(hint)
		end.atEnd(h.TotalSectors)
		if err := iterateSectorTable(start, end, visit); err != nil {
			return reserved, err
		}
		if reserved < count && hint > 0 {
			start.atStart()
			if err := iterateSectorTable(start, hintCursor, visit); err != nil {
				return reserved, err
			}
		}
	}
	start.release()

	newSectors := (*sectors)[firstIndex:]
	sort.Slice(newSectors, func(i, j int) bool { return newSectors[i].Sector < newSectors[j].Sector })

	if lastSector >= 0 {
		newHint := (lastSector + 1) - (lastSector+1)%unitBits
		if newHint >= h.TotalSectors {
			newHint = 0
		}
		if err := m.modifyVolumeHeader(volume, func(h *VolumeHeader) (*wal.Record, error) {
			h.HintAllocSector = newHint
			return nil, nil
		}); err != nil {
			return reserved, err
		}
	}
	if reserved != count {
		return reserved, status.Errorf(codes.Internal, "Volume %d was expected to have %d free sectors, but only %d could be reserved. Run a consistency check to repair free sector counts", volume, count, reserved)
	}
	return reserved, nil
}

// sectorTableUnitMask is a set of sectors described by a single unit
// of a sector table.
type sectorTableUnitMask struct {
	volume address.VolumeID
	page   address.PageID
	unit   int32
	mask   uint64
}

// groupSectorsByUnit converts a list of sectors to masks of sector
// table units. Sectors in the same unit must be adjacent in the list.
func (m *Manager) groupSectorsByUnit(sectors []VolumeSectorID) []sectorTableUnitMask {
	bitsPerPage := bitsPerPage(int32(m.configuration.PageSizeBytes))
	var masks []sectorTableUnitMask
	for _, s := range sectors {
		page := sectorTableFirstPage + address.PageID(s.Sector/bitsPerPage)
		unit := s.Sector % bitsPerPage / unitBits
		bit := uint64(1) << (s.Sector % unitBits)
		if n := len(masks); n > 0 && masks[n-1].volume == s.Volume && masks[n-1].page == page && masks[n-1].unit == unit {
			masks[n-1].mask |= bit
		} else {
			masks = append(masks, sectorTableUnitMask{volume: s.Volume, page: page, unit: unit, mask: bit})
		}
	}
	return masks
}

// rollbackReservation releases sectors that were reserved by a call to
// ReserveSectors() that failed partially, in reverse order. Logged
// changes are compensated, so that neither aborting the transaction
// nor recovery undoes them a second time. The caller must have entered
// the check section.
func (m *Manager) rollbackReservation(tx wal.TransactionID, units []reservedUnit) error {
	for i := len(units) - 1; i >= 0; i-- {
		u := &units[i]
		lsa := address.NullLSA
		if !u.lsa.IsNull() {
			var err error
			if lsa, err = m.appendLogRecord(wal.NewCompensation(wal.Record{
				LSA:           u.lsa,
				TransactionID: tx,
				Kind:          wal.ReserveSectors,
				Mode:          wal.UndoRedo,
				Volume:        u.volume,
				Page:          u.page,
				Offset:        u.unit,
				Undo:          encodeUnitMask(u.mask),
			})); err != nil {
				return err
			}
		}
		if err := m.applySectorTableMask(u.sectorTableUnitMask, false, lsa, false); err != nil {
			return err
		}
	}
	return nil
}

// UnreserveSectors releases sectors. Sectors of permanent data are
// released when the transaction commits, as the transaction may still
// roll back. Sectors of temporary data are released immediately.
func (m *Manager) UnreserveSectors(ctx context.Context, tx wal.TransactionID, purpose Purpose, sectors []VolumeSectorID) error {
	if !purpose.isValid() {
		return status.Errorf(codes.InvalidArgument, "Invalid purpose %d", purpose)
	}
	var info VolumeSpaceInfo
	for i, s := range sectors {
		if i > 0 && !sectors[i-1].less(s) {
			return status.Errorf(codes.InvalidArgument, "Sector %s is not provided in increasing order", s)
		}
		if i == 0 || sectors[i-1].Volume != s.Volume {
			var ok bool
			if info, ok = m.cache.GetVolumeSpaceInfo(s.Volume); !ok {
				return status.Errorf(codes.InvalidArgument, "Sector %s belongs to a volume that does not exist", s)
			}
		}
		if info.Purpose != purpose {
			return status.Errorf(codes.InvalidArgument, "Sector %s belongs to a volume storing data of purpose %s", s, info.Purpose)
		}
		if s.Sector < 0 || int64(s.Sector) >= info.TotalSectors {
			return status.Errorf(codes.InvalidArgument, "Sector %s lies beyond the end of the volume of %d sectors", s, info.TotalSectors)
		}
	}

	if purpose == PermanentData {
		for _, u := range m.groupSectorsByUnit(sectors) {
			if _, err := m.appendLogRecord(wal.Record{
				TransactionID: tx,
				Kind:          wal.UnreserveSectors,
				Mode:          wal.Postpone,
				Volume:        u.volume,
				Page:          u.page,
				Offset:        u.unit,
				Redo:          encodeUnitMask(u.mask),
			}); err != nil {
				return err
			}
		}
		return nil
	}

	m.checkSection.EnterReader()
	defer m.checkSection.LeaveReader()
	// Temporary data is never recovered, so these changes are not
	// logged.
	for _, u := range m.groupSectorsByUnit(sectors) {
		if err := m.applySectorTableMask(u, false, address.NullLSA, false); err != nil {
			return err
		}
	}
	return nil
}

// applySectorTableMask sets or clears the bits of a sector table unit,
// adjusting the free sector count of the volume in the Cache by the
// number of bits that actually changed.
//
// When enterCheckSection is set, the check section is entered while
// the sector table page is fixed. If a consistency check is in
// progress, the page is released while waiting for it to complete.
func (m *Manager) applySectorTableMask(u sectorTableUnitMask, set bool, lsa address.LSA, enterCheckSection bool) error {
	h, err := m.readVolumeHeader(u.volume)
	if err != nil {
		return err
	}
	geometry := newTableGeometry(h)
	pageOffset := int32(u.page - geometry.firstPage)
	if pageOffset < 0 || pageOffset >= geometry.pageCount || u.unit < 0 || u.unit >= geometry.bitsPerPage/unitBits {
		return status.Errorf(codes.DataLoss, "Unit %d of page %d lies outside the sector table of volume %d", u.unit, u.page, u.volume)
	}
	purpose, ok := m.cache.getVolumePurpose(u.volume)
	if !ok {
		return status.Errorf(codes.NotFound, "Volume %d is not registered", u.volume)
	}

	c := newSectorTableCursor(m.pool, u.volume, geometry, buffer.Write)
	defer c.release()
	c.at(pageOffset*geometry.bitsPerPage + u.unit*unitBits)
	if err := c.fix(); err != nil {
		return err
	}
	if enterCheckSection {
		if err := m.checkSection.EnterReaderReleasing(c.release, c.fix); err != nil {
			return err
		}
		defer m.checkSection.LeaveReader()
	}
	return applyUnitMask(c, u.mask, set, lsa, func(delta int32) error {
		g := m.cache.LockReserve(purpose, newLockOwner())
		defer g.Unlock()
		return g.updateVolumeFree(u.volume, int64(delta))
	})
}
