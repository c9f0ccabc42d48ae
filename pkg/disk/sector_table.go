package disk

import (
	"encoding/binary"
	"math/bits"

	"github.com/buildbarn/bb-disk-manager/pkg/address"
	"github.com/buildbarn/bb-disk-manager/pkg/buffer"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const (
	// Sector tables are stored as sequences of 64-bit units, each
	// describing 64 sectors. A set bit indicates that the sector is
	// reserved.
	unitBits  = 64
	unitBytes = unitBits / 8
	fullUnit  = ^uint64(0)
)

// tableGeometry describes where the bits of a sector are stored in the
// sector table of a volume.
type tableGeometry struct {
	firstPage   address.PageID
	pageCount   int32
	bitsPerPage int32
}

func newTableGeometry(h *VolumeHeader) tableGeometry {
	return tableGeometry{
		firstPage:   h.SectorTableFirstPage,
		pageCount:   h.SectorTablePages,
		bitsPerPage: bitsPerPage(h.PageSizeBytes),
	}
}

// sectorTableCursor points to the bit of a single sector in the sector
// table of a volume. The cursor fixes the page containing the bit on
// demand. It holds at most one page fixed at a time, which it releases
// when moved to a bit stored in another page, or when release() is
// called.
type sectorTableCursor struct {
	pool     *buffer.Pool
	volume   address.VolumeID
	geometry tableGeometry
	mode     buffer.LatchMode

	sector     int32
	pageOffset int32
	unit       int32
	bit        int32

	page *buffer.Page
}

func newSectorTableCursor(pool *buffer.Pool, volume address.VolumeID, geometry tableGeometry, mode buffer.LatchMode) *sectorTableCursor {
	return &sectorTableCursor{
		pool:     pool,
		volume:   volume,
		geometry: geometry,
		mode:     mode,
	}
}

// at moves the cursor to a given sector.
func (c *sectorTableCursor) at(sector int32) {
	c.sector = sector
	c.pageOffset = sector / c.geometry.bitsPerPage
	inPage := sector % c.geometry.bitsPerPage
	c.unit = inPage / unitBits
	c.bit = inPage % unitBits
}

func (c *sectorTableCursor) atStart() {
	c.at(0)
}

// atEnd moves the cursor just past the last sector of a volume having
// a given number of sectors. The cursor may then no longer point into
// the sector table, meaning it may only be used for comparisons.
func (c *sectorTableCursor) atEnd(totalSectors int32) {
	c.at(totalSectors)
}

func (c *sectorTableCursor) pageID() address.PageID {
	return c.geometry.firstPage + address.PageID(c.pageOffset)
}

func (c *sectorTableCursor) isUnitAligned() bool {
	return c.bit == 0
}

// unitStart returns the first sector described by the unit to which
// the cursor points.
func (c *sectorTableCursor) unitStart() int32 {
	return c.sector - c.bit
}

func (c *sectorTableCursor) compare(other *sectorTableCursor) int {
	switch {
	case c.sector < other.sector:
		return -1
	case c.sector > other.sector:
		return 1
	default:
		return 0
	}
}

// fix the sector table page containing the bit to which the cursor
// points, releasing any other page that was fixed previously.
func (c *sectorTableCursor) fix() error {
	if c.pageOffset >= c.geometry.pageCount {
		return status.Errorf(codes.Internal, "Sector %d lies beyond the sector table of volume %d", c.sector, c.volume)
	}
	pageID := c.pageID()
	if c.page != nil {
		if c.page.VPID().Page == pageID {
			return nil
		}
		c.release()
	}
	page, err := c.pool.Fix(address.VPID{Volume: c.volume, Page: pageID}, c.mode)
	if err != nil {
		return err
	}
	c.page = page
	return nil
}

// release the page that is currently fixed by the cursor, if any.
func (c *sectorTableCursor) release() {
	if c.page != nil {
		c.pool.Unfix(c.page)
		c.page = nil
	}
}

// loadUnit returns the unit to which the cursor points. The page
// containing the unit must be fixed.
func (c *sectorTableCursor) loadUnit() uint64 {
	return binary.LittleEndian.Uint64(c.page.Data()[c.unit*unitBytes:])
}

// storeUnit overwrites the unit to which the cursor points, marking the
// page dirty. The page containing the unit must be fixed for writing.
func (c *sectorTableCursor) storeUnit(unit uint64, lsa address.LSA) {
	binary.LittleEndian.PutUint64(c.page.Data()[c.unit*unitBytes:], unit)
	c.pool.SetDirty(c.page, lsa)
}

func (c *sectorTableCursor) isSet() (bool, error) {
	if err := c.fix(); err != nil {
		return false, err
	}
	return c.loadUnit()&(1<<c.bit) != 0, nil
}

func (c *sectorTableCursor) set(lsa address.LSA) error {
	if err := c.fix(); err != nil {
		return err
	}
	c.storeUnit(c.loadUnit()|1<<c.bit, lsa)
	return nil
}

func (c *sectorTableCursor) clear(lsa address.LSA) error {
	if err := c.fix(); err != nil {
		return err
	}
	c.storeUnit(c.loadUnit()&^(1<<c.bit), lsa)
	return nil
}

// advanceToNextUnit moves the cursor to the first bit of the next
// unit. The page is refixed lazily if the next unit is stored in
// another page.
func (c *sectorTableCursor) advanceToNextUnit() {
	c.at(c.unitStart() + unitBits)
}

// unitVisitor is called by iterateSectorTable for every unit that is
// visited, with the cursor pointing to the first bit of the unit. It
// may modify the unit through the cursor. Iteration stops when it
// returns false.
type unitVisitor func(c *sectorTableCursor, unit uint64) (bool, error)

// iterateSectorTable visits all units between two unit aligned
// cursors. The start cursor is advanced while iterating, and keeps the
// last visited page fixed. It is the responsibility of the caller to
// release it.
func iterateSectorTable(start, end *sectorTableCursor, visit unitVisitor) error {
	if !start.isUnitAligned() || !end.isUnitAligned() {
		return status.Errorf(codes.Internal, "Cannot iterate the sector table of volume %d between sectors %d and %d, as they are not aligned to units", start.volume, start.sector, end.sector)
	}
	for start.compare(end) < 0 {
		if err := start.fix(); err != nil {
			return err
		}
		if cont, err := visit(start, start.loadUnit()); err != nil || !cont {
			return err
		}
		start.advanceToNextUnit()
	}
	return nil
}

// fillUnit sets up to a given number of cleared bits of a unit,
// starting at the least significant bit. It returns a mask of the
// bits that were set.
func fillUnit(unit uint64, count int32) uint64 {
	if unit == 0 && count >= unitBits {
		return fullUnit
	}
	var mask uint64
	for free := ^unit; free != 0 && count > 0; free &= free - 1 {
		mask |= free & -free
		count--
	}
	return mask
}

// freeBitCount returns the number of cleared bits in a unit.
func freeBitCount(unit uint64) int32 {
	if unit == fullUnit {
		return 0
	}
	return unitBits - int32(bits.OnesCount64(unit))
}

// countFreeSectors counts the number of cleared bits in the sector
// table of a volume.
func countFreeSectors(pool *buffer.Pool, h *VolumeHeader) (int32, error) {
	geometry := newTableGeometry(h)
	start := newSectorTableCursor(pool, h.Volume, geometry, buffer.Read)
	defer start.release()
	end := newSectorTableCursor(pool, h.Volume, geometry, buffer.Read)
	end.atEnd(h.TotalSectors)

	var free int32
	if err := iterateSectorTable(start, end, func(c *sectorTableCursor, unit uint64) (bool, error) {
		free += freeBitCount(unit)
		return true, nil
	}); err != nil {
		return 0, err
	}
	return free, nil
}

// applyUnitMask sets or clears the bits in a mask in the unit to which
// the cursor points. Bits that already have the desired value are left
// alone, meaning that applying the same mask twice has no further
// effect. adjustFree is called with the resulting change in the number
// of free sectors. It is called before bits are set and after bits are
// cleared, so that the number of cleared bits is never lower than the
// number of free sectors that is accounted for.
func applyUnitMask(c *sectorTableCursor, mask uint64, set bool, lsa address.LSA, adjustFree func(delta int32) error) error {
	if err := c.fix(); err != nil {
		return err
	}
	unit := c.loadUnit()
	if set {
		changed := int32(bits.OnesCount64(mask &^ unit))
		if changed == 0 {
			return nil
		}
		if err := adjustFree(-changed); err != nil {
			return err
		}
		c.storeUnit(unit|mask, lsa)
		return nil
	}
	changed := int32(bits.OnesCount64(mask & unit))
	if changed == 0 {
		return nil
	}
	c.storeUnit(unit&^mask, lsa)
	return adjustFree(changed)
}

// systemUnit returns the unit that describes the sectors starting at a
// given unit aligned sector in a volume whose sector table contains
// nothing but the system sectors.
func systemUnit(unitStart, systemSectors int32) uint64 {
	switch n := systemSectors - unitStart; {
	case n <= 0:
		return 0
	case n >= unitBits:
		return fullUnit
	default:
		return 1<<n - 1
	}
}

// resetSectorTable marks all sectors of a volume as free, except for
// the system sectors. The change is not logged.
func resetSectorTable(pool *buffer.Pool, h *VolumeHeader) error {
	geometry := newTableGeometry(h)
	start := newSectorTableCursor(pool, h.Volume, geometry, buffer.Write)
	defer start.release()
	end := newSectorTableCursor(pool, h.Volume, geometry, buffer.Write)
	end.atEnd(h.TotalSectors)

	systemSectors := h.SystemSectorCount()
	return iterateSectorTable(start, end, func(c *sectorTableCursor, unit uint64) (bool, error) {
		if expected := systemUnit(c.unitStart(), systemSectors); unit != expected {
			c.storeUnit(expected, address.NullLSA)
		}
		return true, nil
	})
}
