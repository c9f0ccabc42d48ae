package disk

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/buildbarn/bb-disk-manager/pkg/address"
	re_sync "github.com/buildbarn/bb-disk-manager/pkg/sync"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const maximumVolumeCount = int(address.MaximumVolumeID) + 1

// lockOwner identifies the operation that holds locks of the Cache.
// It is used to detect violations of the lock ordering rules.
type lockOwner struct {
	_ byte
}

func newLockOwner() *lockOwner {
	return &lockOwner{}
}

type cachedVolume struct {
	purpose    Purpose
	volumeType VolumeType
	path       string

	// Protected by the reserve lock of the purpose.
	free int64
	// Protected by both the extend lock and the reserve lock of the
	// purpose.
	total int64
	max   int64
}

// isCarveOut returns whether the volume is a permanent volume that has
// been set aside for temporary data.
func (v *cachedVolume) isCarveOut() bool {
	return v.purpose == TemporaryData && v.volumeType == PermanentVolume
}

type purposeExtendInfo struct {
	lock  sync.Mutex
	owner atomic.Pointer[lockOwner]

	free             int64
	total            int64
	max              int64
	intention        int64
	autoExtendVolume address.VolumeID
	volumeCount      int
}

// PurposeSpaceInfo contains the aggregate space accounting of all
// volumes storing data of a given purpose.
type PurposeSpaceInfo struct {
	FreeSectors      int64
	TotalSectors     int64
	MaxSectors       int64
	IntentionSectors int64
	AutoExtendVolume address.VolumeID
	VolumeCount      int
}

// VolumeSpaceInfo contains the space accounting of a single volume, as
// tracked by the Cache.
type VolumeSpaceInfo struct {
	Volume       address.VolumeID
	Purpose      Purpose
	Type         VolumeType
	Path         string
	FreeSectors  int64
	TotalSectors int64
	MaxSectors   int64
}

// CacheSnapshot is a consistent copy of all counters of the Cache.
type CacheSnapshot struct {
	Purposes [purposeCount]PurposeSpaceInfo
	// Space of permanent volumes that have been set aside for
	// temporary data. It is included in the aggregates of
	// TemporaryData as well.
	CarveOutFreeSectors  int64
	CarveOutTotalSectors int64
	Volumes              []VolumeSpaceInfo
}

// Cache keeps track of the number of free sectors per volume, and
// aggregated per purpose. Reservations are made against the Cache
// before any sector table is touched.
//
// The Cache has one reserve lock per purpose, protecting the free
// sector counts of that purpose, and a single extend lock, protecting
// the growth of volumes. The extend lock may never be acquired while
// holding a reserve lock. This is enforced by only allowing the locks
// to be acquired through guards:
//
//   - LockReserve() acquires a reserve lock. The only way to
//     subsequently acquire the extend lock is by calling
//     ReserveGuard.UnlockAndLockExtend(), which drops the reserve lock
//     first.
//   - LockExtend() acquires the extend lock, after which
//     ExtendGuard.LockReserve() may be used to acquire reserve locks.
//
// Each guard carries the identity of its owner. Attempts to acquire
// the locks in the wrong order cause a panic.
type Cache struct {
	extendLock  sync.Mutex
	extendOwner atomic.Pointer[lockOwner]

	purposes [purposeCount]purposeExtendInfo
	// Protected by the reserve lock of TemporaryData.
	carveOutFree  int64
	carveOutTotal int64

	volumesLock sync.RWMutex
	volumes     []*cachedVolume
}

// NewCache creates a Cache that does not contain any volumes.
func NewCache() *Cache {
	c := &Cache{}
	for i := range c.purposes {
		c.purposes[i].autoExtendVolume = address.NullVolumeID
	}
	return c
}

func (c *Cache) getVolume(volume address.VolumeID) (*cachedVolume, bool) {
	c.volumesLock.RLock()
	defer c.volumesLock.RUnlock()
	if volume < 0 || int(volume) >= len(c.volumes) || c.volumes[volume] == nil {
		return nil, false
	}
	return c.volumes[volume], true
}

// getVolumePurpose returns the purpose of a volume. The purpose of a
// volume never changes while it is registered, meaning no reserve lock
// is needed to obtain it.
func (c *Cache) getVolumePurpose(volume address.VolumeID) (Purpose, bool) {
	v, ok := c.getVolume(volume)
	if !ok {
		return 0, false
	}
	return v.purpose, true
}

// getVolumeIDs returns the identifiers of all registered volumes in
// increasing order.
func (c *Cache) getVolumeIDs() []address.VolumeID {
	c.volumesLock.RLock()
	defer c.volumesLock.RUnlock()
	ids := make([]address.VolumeID, 0, len(c.volumes))
	for i, v := range c.volumes {
		if v != nil {
			ids = append(ids, address.VolumeID(i))
		}
	}
	return ids
}

// LockReserve acquires the reserve lock of a purpose.
func (c *Cache) LockReserve(purpose Purpose, owner *lockOwner) *ReserveGuard {
	if c.extendOwner.Load() == owner {
		panic("Attempted to acquire a reserve lock directly while holding the extend lock")
	}
	return c.lockReserve(purpose, owner)
}

func (c *Cache) lockReserve(purpose Purpose, owner *lockOwner) *ReserveGuard {
	info := &c.purposes[purpose]
	if info.owner.Load() == owner {
		panic(fmt.Sprintf("Attempted to acquire the reserve lock of purpose %s recursively", purpose))
	}
	info.lock.Lock()
	info.owner.Store(owner)
	return &ReserveGuard{
		cache:   c,
		purpose: purpose,
		owner:   owner,
	}
}

// LockExtend acquires the extend lock. The caller may not hold any
// reserve lock.
func (c *Cache) LockExtend(owner *lockOwner) *ExtendGuard {
	for i := range c.purposes {
		if c.purposes[i].owner.Load() == owner {
			panic(fmt.Sprintf("Attempted to acquire the extend lock while holding the reserve lock of purpose %s", Purpose(i)))
		}
	}
	if c.extendOwner.Load() == owner {
		panic("Attempted to acquire the extend lock recursively")
	}
	c.extendLock.Lock()
	c.extendOwner.Store(owner)
	return &ExtendGuard{
		cache: c,
		owner: owner,
	}
}

// GetPurposeSpaceInfo returns the aggregate space accounting of a
// purpose.
func (c *Cache) GetPurposeSpaceInfo(purpose Purpose) PurposeSpaceInfo {
	g := c.LockReserve(purpose, newLockOwner())
	defer g.Unlock()
	return g.getSpaceInfo()
}

// GetVolumeSpaceInfo returns the space accounting of a single volume.
func (c *Cache) GetVolumeSpaceInfo(volume address.VolumeID) (VolumeSpaceInfo, bool) {
	purpose, ok := c.getVolumePurpose(volume)
	if !ok {
		return VolumeSpaceInfo{}, false
	}
	g := c.LockReserve(purpose, newLockOwner())
	defer g.Unlock()
	v, _ := c.getVolume(volume)
	return getVolumeSpaceInfo(volume, v), true
}

func getVolumeSpaceInfo(volume address.VolumeID, v *cachedVolume) VolumeSpaceInfo {
	return VolumeSpaceInfo{
		Volume:       volume,
		Purpose:      v.purpose,
		Type:         v.volumeType,
		Path:         v.path,
		FreeSectors:  v.free,
		TotalSectors: v.total,
		MaxSectors:   v.max,
	}
}

// Snapshot returns a consistent copy of all counters of the Cache.
func (c *Cache) Snapshot() CacheSnapshot {
	locker := c.newAllReserveLocker()
	locker.Lock()
	defer locker.Unlock()
	return c.snapshotLocked()
}

func (c *Cache) newAllReserveLocker() *re_sync.OrderedLocker {
	locks := make([]sync.Locker, 0, purposeCount)
	for i := range c.purposes {
		locks = append(locks, &c.purposes[i].lock)
	}
	return re_sync.NewOrderedLocker(locks...)
}

func (c *Cache) snapshotLocked() CacheSnapshot {
	var s CacheSnapshot
	for i := range c.purposes {
		s.Purposes[i] = c.purposes[i].getSpaceInfo()
	}
	s.CarveOutFreeSectors = c.carveOutFree
	s.CarveOutTotalSectors = c.carveOutTotal

	c.volumesLock.RLock()
	defer c.volumesLock.RUnlock()
	for i, v := range c.volumes {
		if v != nil {
			s.Volumes = append(s.Volumes, getVolumeSpaceInfo(address.VolumeID(i), v))
		}
	}
	return s
}

func (info *purposeExtendInfo) getSpaceInfo() PurposeSpaceInfo {
	return PurposeSpaceInfo{
		FreeSectors:      info.free,
		TotalSectors:     info.total,
		MaxSectors:       info.max,
		IntentionSectors: info.intention,
		AutoExtendVolume: info.autoExtendVolume,
		VolumeCount:      info.volumeCount,
	}
}

// ReserveGuard is held while the reserve lock of a purpose is
// acquired. It provides access to the free sector counts of volumes
// of that purpose.
type ReserveGuard struct {
	cache     *Cache
	purpose   Purpose
	owner     *lockOwner
	extending bool
}

func (g *ReserveGuard) info() *purposeExtendInfo {
	return &g.cache.purposes[g.purpose]
}

// Unlock releases the reserve lock.
func (g *ReserveGuard) Unlock() {
	info := g.info()
	info.owner.Store(nil)
	info.lock.Unlock()
	g.cache = nil
}

// UnlockAndLockExtend releases the reserve lock and acquires the
// extend lock. Free sector counts may have changed by the time this
// function returns.
func (g *ReserveGuard) UnlockAndLockExtend() *ExtendGuard {
	c, owner := g.cache, g.owner
	g.Unlock()
	return c.LockExtend(owner)
}

func (g *ReserveGuard) getSpaceInfo() PurposeSpaceInfo {
	return g.info().getSpaceInfo()
}

func (g *ReserveGuard) addIntention(delta int64) {
	g.info().intention += delta
}

func (g *ReserveGuard) getVolume(volume address.VolumeID) (*cachedVolume, error) {
	v, ok := g.cache.getVolume(volume)
	if !ok {
		return nil, status.Errorf(codes.NotFound, "Volume %d is not registered", volume)
	}
	if v.purpose != g.purpose {
		return nil, status.Errorf(codes.Internal, "Volume %d stores data of purpose %s, while purpose %s is locked", volume, v.purpose, g.purpose)
	}
	return v, nil
}

// updateVolumeFree adjusts the number of free sectors of a volume and
// the aggregates that include it. Adjustments that would cause any of
// the counters to become negative or exceed the size of the volume are
// rejected, as they indicate that the Cache and the sector tables have
// diverged.
func (g *ReserveGuard) updateVolumeFree(volume address.VolumeID, delta int64) error {
	v, err := g.getVolume(volume)
	if err != nil {
		return err
	}
	info := g.info()
	if v.free+delta < 0 || info.free+delta < 0 {
		return status.Errorf(codes.Internal, "Adjusting the free sectors of volume %d by %d would make them negative: volume has %d free sectors, purpose %s has %d free sectors", volume, delta, v.free, g.purpose, info.free)
	}
	if v.free+delta > v.total {
		return status.Errorf(codes.Internal, "Adjusting the free sectors of volume %d by %d would exceed its size of %d sectors", volume, delta, v.total)
	}
	if v.isCarveOut() && g.cache.carveOutFree+delta < 0 {
		return status.Errorf(codes.Internal, "Adjusting the free sectors of volume %d by %d would make the free sectors of permanent volumes storing temporary data negative", volume, delta)
	}
	v.free += delta
	info.free += delta
	if v.isCarveOut() {
		g.cache.carveOutFree += delta
	}
	return nil
}

// candidateVolumes returns the volumes from which free sectors may be
// drained. The hint volume comes first, followed by all other volumes
// of the purpose in increasing order.
func (g *ReserveGuard) candidateVolumes(hint address.VolumeID) []address.VolumeID {
	c := g.cache
	c.volumesLock.RLock()
	defer c.volumesLock.RUnlock()
	volumes := make([]address.VolumeID, 0, g.info().volumeCount)
	if hint >= 0 && int(hint) < len(c.volumes) && c.volumes[hint] != nil && c.volumes[hint].purpose == g.purpose {
		volumes = append(volumes, hint)
	}
	for i, v := range c.volumes {
		if v != nil && v.purpose == g.purpose && address.VolumeID(i) != hint {
			volumes = append(volumes, address.VolumeID(i))
		}
	}
	return volumes
}

func (g *ReserveGuard) requireExtending() {
	if !g.extending {
		panic("Volumes may only be added, grown or removed while holding the extend lock")
	}
}

// addVolume registers a volume in the Cache.
func (g *ReserveGuard) addVolume(volume address.VolumeID, v *cachedVolume) error {
	g.requireExtending()
	if v.purpose != g.purpose {
		return status.Errorf(codes.Internal, "Volume %d stores data of purpose %s, while purpose %s is locked", volume, v.purpose, g.purpose)
	}
	if v.free < 0 || v.free > v.total || v.total > v.max {
		return status.Errorf(codes.Internal, "Volume %d has invalid space accounting: %d free sectors, %d total sectors, %d maximum sectors", volume, v.free, v.total, v.max)
	}
	c := g.cache
	c.volumesLock.Lock()
	defer c.volumesLock.Unlock()
	if volume < 0 || int(volume) >= maximumVolumeCount {
		return status.Errorf(codes.InvalidArgument, "Invalid volume %d", volume)
	}
	for int(volume) >= len(c.volumes) {
		c.volumes = append(c.volumes, nil)
	}
	if c.volumes[volume] != nil {
		return status.Errorf(codes.AlreadyExists, "Volume %d is already registered", volume)
	}
	c.volumes[volume] = v

	info := g.info()
	info.free += v.free
	info.total += v.total
	info.max += v.max
	info.volumeCount++
	if v.isCarveOut() {
		c.carveOutFree += v.free
		c.carveOutTotal += v.total
	}
	return nil
}

// removeVolume unregisters a volume from the Cache.
func (g *ReserveGuard) removeVolume(volume address.VolumeID) error {
	g.requireExtending()
	v, err := g.getVolume(volume)
	if err != nil {
		return err
	}
	c := g.cache
	c.volumesLock.Lock()
	c.volumes[volume] = nil
	for len(c.volumes) > 0 && c.volumes[len(c.volumes)-1] == nil {
		c.volumes = c.volumes[:len(c.volumes)-1]
	}
	c.volumesLock.Unlock()

	info := g.info()
	info.free -= v.free
	info.total -= v.total
	info.max -= v.max
	info.volumeCount--
	if info.autoExtendVolume == volume {
		info.autoExtendVolume = address.NullVolumeID
	}
	if v.isCarveOut() {
		c.carveOutFree -= v.free
		c.carveOutTotal -= v.total
	}
	return nil
}

// growVolume adds sectors to a volume. The new sectors are free.
func (g *ReserveGuard) growVolume(volume address.VolumeID, delta int64) error {
	g.requireExtending()
	v, err := g.getVolume(volume)
	if err != nil {
		return err
	}
	if v.total+delta > v.max || v.total+delta < 0 || v.free+delta < 0 {
		return status.Errorf(codes.Internal, "Growing volume %d of %d sectors by %d sectors would exceed its maximum of %d sectors", volume, v.total, delta, v.max)
	}
	v.total += delta
	v.free += delta
	info := g.info()
	info.total += delta
	info.free += delta
	if v.isCarveOut() {
		g.cache.carveOutFree += delta
		g.cache.carveOutTotal += delta
	}
	return nil
}

func (g *ReserveGuard) setAutoExtendVolume(volume address.VolumeID) {
	g.requireExtending()
	g.info().autoExtendVolume = volume
}

// ExtendGuard is held while the extend lock is acquired.
type ExtendGuard struct {
	cache *Cache
	owner *lockOwner
}

// Unlock releases the extend lock.
func (g *ExtendGuard) Unlock() {
	g.cache.extendOwner.Store(nil)
	g.cache.extendLock.Unlock()
	g.cache = nil
}

// LockReserve acquires the reserve lock of a purpose while holding the
// extend lock. The resulting guard permits adding, growing and removing
// volumes.
func (g *ExtendGuard) LockReserve(purpose Purpose) *ReserveGuard {
	rg := g.cache.lockReserve(purpose, g.owner)
	rg.extending = true
	return rg
}

// nextVolumeID returns the identifier that is assigned to the next
// volume that is created.
func (g *ExtendGuard) nextVolumeID() address.VolumeID {
	c := g.cache
	c.volumesLock.RLock()
	defer c.volumesLock.RUnlock()
	return address.VolumeID(len(c.volumes))
}

func (g *ExtendGuard) volumeCount() int {
	return len(g.cache.getVolumeIDs())
}

// lastVolume returns the volume with the highest identifier for which
// a predicate holds.
func (g *ExtendGuard) lastVolume(matches func(v *cachedVolume) bool) (address.VolumeID, bool) {
	c := g.cache
	c.volumesLock.RLock()
	defer c.volumesLock.RUnlock()
	for i := len(c.volumes) - 1; i >= 0; i-- {
		if v := c.volumes[i]; v != nil && matches(v) {
			return address.VolumeID(i), true
		}
	}
	return address.NullVolumeID, false
}

// LockAllReserve acquires the reserve locks of all purposes while
// holding the extend lock. This is used by the consistency checker,
// which needs to inspect and repair the counters of all purposes at
// once.
func (g *ExtendGuard) LockAllReserve() *AllReserveGuard {
	c := g.cache
	locker := c.newAllReserveLocker()
	locker.Lock()
	for i := range c.purposes {
		c.purposes[i].owner.Store(g.owner)
	}
	return &AllReserveGuard{
		cache:  c,
		locker: locker,
	}
}

// AllReserveGuard is held while the reserve locks of all purposes are
// acquired, in addition to the extend lock.
type AllReserveGuard struct {
	cache  *Cache
	locker *re_sync.OrderedLocker
}

// Unlock releases the reserve locks of all purposes.
func (g *AllReserveGuard) Unlock() {
	for i := range g.cache.purposes {
		g.cache.purposes[i].owner.Store(nil)
	}
	g.locker.Unlock()
	g.cache = nil
}

func (g *AllReserveGuard) snapshot() CacheSnapshot {
	return g.cache.snapshotLocked()
}

// setVolumeSpace overwrites the space accounting of a volume. It is
// used to repair the Cache after it was found to be inconsistent with
// the volume headers and sector tables. Aggregates are not updated.
// Call recomputeAggregates() afterwards.
func (g *AllReserveGuard) setVolumeSpace(volume address.VolumeID, free, total, maximum int64) {
	if v, ok := g.cache.getVolume(volume); ok {
		v.free, v.total, v.max = free, total, maximum
	}
}

// recomputeAggregates recomputes the per-purpose aggregates from the
// per-volume counters. It is used to repair the Cache after it was
// found to be inconsistent with itself.
func (g *AllReserveGuard) recomputeAggregates() {
	c := g.cache
	for i := range c.purposes {
		info := &c.purposes[i]
		info.free, info.total, info.max, info.volumeCount = 0, 0, 0, 0
	}
	c.carveOutFree, c.carveOutTotal = 0, 0
	c.volumesLock.RLock()
	defer c.volumesLock.RUnlock()
	for _, v := range c.volumes {
		if v == nil {
			continue
		}
		info := &c.purposes[v.purpose]
		info.free += v.free
		info.total += v.total
		info.max += v.max
		info.volumeCount++
		if v.isCarveOut() {
			c.carveOutFree += v.free
			c.carveOutTotal += v.total
		}
	}
}
