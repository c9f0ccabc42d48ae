package disk

import (
	"context"
	"fmt"
	"log"
	"path/filepath"

	"github.com/buildbarn/bb-disk-manager/pkg/address"
	"github.com/buildbarn/bb-disk-manager/pkg/buffer"
	re_sync "github.com/buildbarn/bb-disk-manager/pkg/sync"
	"github.com/buildbarn/bb-disk-manager/pkg/wal"
	"github.com/buildbarn/bb-storage/pkg/clock"
	"github.com/buildbarn/bb-storage/pkg/util"

	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Manager of the space of all volumes of a database. It keeps track of
// which sectors of each volume are reserved in the sector tables
// stored in the volumes, and mirrors the number of free sectors in a
// Cache.
type Manager struct {
	configuration Configuration
	storage       VolumeStorage
	pool          *buffer.Pool
	log           wal.Log
	clock         clock.Clock
	cache         *Cache

	// Entered by all operations that modify sector tables, and
	// exclusively by consistency checks.
	checkSection re_sync.CheckSection
}

var (
	_ Allocator           = (*Manager)(nil)
	_ wal.RecoveryHandler = (*Manager)(nil)
)

// NewManager creates a Manager that does not have any volumes. Call
// CreateDatabase() or Mount() to make volumes available.
func NewManager(configuration Configuration, storage VolumeStorage, log wal.Log, clock clock.Clock) (*Manager, error) {
	if err := configuration.Validate(); err != nil {
		return nil, util.StatusWrap(err, "Invalid configuration")
	}
	return &Manager{
		configuration: configuration,
		storage:       storage,
		pool:          buffer.NewPool(configuration.PageSizeBytes),
		log:           log,
		clock:         clock,
		cache:         NewCache(),
	}, nil
}

// Cache returns the Cache containing the free sector counts of all
// volumes managed by the Manager.
func (m *Manager) Cache() *Cache {
	return m.cache
}

// GetVolumePath returns the path at which the file of a volume is
// stored. The first volume is named after the database.
func (m *Manager) GetVolumePath(volume address.VolumeID, volumeType VolumeType) string {
	c := &m.configuration
	if volume == 0 {
		return filepath.Join(c.VolumeDirectory, c.DatabaseName)
	}
	if volumeType == TemporaryVolume {
		return filepath.Join(c.VolumeDirectory, fmt.Sprintf("%s_t%03d", c.DatabaseName, volume))
	}
	return filepath.Join(c.VolumeDirectory, fmt.Sprintf("%s_x%03d", c.DatabaseName, volume))
}

func (m *Manager) sectorsToBytes(sectors int32) int64 {
	return int64(sectors) * int64(m.configuration.SectorSizePages) * int64(m.configuration.PageSizeBytes)
}

func roundUpToUnit(sectors int64) int64 {
	return (sectors + unitBits - 1) / unitBits * unitBits
}

func roundDownToUnit(sectors int64) int64 {
	return sectors / unitBits * unitBits
}

func (m *Manager) appendLogRecord(record wal.Record) (address.LSA, error) {
	lsa, err := m.log.Append(record)
	if err != nil {
		return address.NullLSA, util.StatusWrapf(err, "Failed to append %s record for volume %d to the log", record.Kind, record.Volume)
	}
	return lsa, nil
}

// isLogged returns whether changes to a volume need to be written to
// the log. Temporary volumes are never recovered.
func isLogged(volumeType VolumeType) bool {
	return volumeType == PermanentVolume
}

// readVolumeHeader fixes the header page of a volume and returns its
// validated contents.
func (m *Manager) readVolumeHeader(volume address.VolumeID) (*VolumeHeader, error) {
	page, err := m.pool.Fix(address.VPID{Volume: volume, Page: volumeHeaderPage}, buffer.Read)
	if err != nil {
		return nil, util.StatusWrapf(err, "Failed to fix header of volume %d", volume)
	}
	defer m.pool.Unfix(page)
	return m.decodeVolumeHeader(volume, page.Data())
}

func (m *Manager) decodeVolumeHeader(volume address.VolumeID, data []byte) (*VolumeHeader, error) {
	h, err := UnmarshalVolumeHeader(data)
	if err != nil {
		return nil, util.StatusWrapf(err, "Volume %d", volume)
	}
	if h.Volume != volume {
		return nil, status.Errorf(codes.DataLoss, "Header of volume %d contains volume identifier %d", volume, h.Volume)
	}
	if err := h.Validate(m.configuration.PageSizeBytes); err != nil {
		return nil, err
	}
	return h, nil
}

// fixVolumeHeader fixes the header page of a volume for writing and
// returns its validated contents.
func (m *Manager) fixVolumeHeader(volume address.VolumeID) (*buffer.Page, *VolumeHeader, error) {
	page, err := m.pool.Fix(address.VPID{Volume: volume, Page: volumeHeaderPage}, buffer.Write)
	if err != nil {
		return nil, nil, util.StatusWrapf(err, "Failed to fix header of volume %d", volume)
	}
	h, err := m.decodeVolumeHeader(volume, page.Data())
	if err != nil {
		m.pool.Unfix(page)
		return nil, nil, err
	}
	return page, h, nil
}

// modifyVolumeHeader fixes the header page of a volume for writing and
// calls modify to alter its contents. modify may return a log record
// describing the change, which is written to the log before the page
// is updated. Records for temporary volumes are discarded.
func (m *Manager) modifyVolumeHeader(volume address.VolumeID, modify func(h *VolumeHeader) (*wal.Record, error)) error {
	page, h, err := m.fixVolumeHeader(volume)
	if err != nil {
		return err
	}
	defer m.pool.Unfix(page)
	record, err := modify(h)
	if err != nil {
		return err
	}
	data, err := MarshalVolumeHeader(h, m.configuration.PageSizeBytes)
	if err != nil {
		return err
	}
	lsa := address.NullLSA
	if record != nil && isLogged(h.Type) {
		record.Volume = volume
		record.Page = volumeHeaderPage
		if lsa, err = m.appendLogRecord(*record); err != nil {
			return err
		}
	}
	copy(page.Data(), data)
	m.pool.SetDirty(page, lsa)
	return nil
}

// GetVolumeHeader returns the header of a volume.
func (m *Manager) GetVolumeHeader(ctx context.Context, volume address.VolumeID) (*VolumeHeader, error) {
	return m.readVolumeHeader(volume)
}

// GetLink returns the identifier and path of the volume that follows a
// given volume in the chain of permanent volumes.
func (m *Manager) GetLink(ctx context.Context, volume address.VolumeID) (address.VolumeID, string, error) {
	h, err := m.readVolumeHeader(volume)
	if err != nil {
		return address.NullVolumeID, "", err
	}
	return h.NextVolume, h.NextVolumeFullName, nil
}

// GetCheckpoint returns the checkpoint LSA stored in the header of a
// volume.
func (m *Manager) GetCheckpoint(ctx context.Context, volume address.VolumeID) (address.LSA, error) {
	h, err := m.readVolumeHeader(volume)
	if err != nil {
		return address.NullLSA, err
	}
	return h.Checkpoint, nil
}

// SetLink sets the volume that follows a given volume in the chain of
// permanent volumes.
func (m *Manager) SetLink(ctx context.Context, tx wal.TransactionID, volume, nextVolume address.VolumeID, nextPath string) error {
	return m.modifyVolumeHeader(volume, func(h *VolumeHeader) (*wal.Record, error) {
		if err := checkPathLength(nextPath); err != nil {
			return nil, err
		}
		undo := headerLink{nextVolume: h.NextVolume, nextPath: h.NextVolumeFullName}
		redo := headerLink{nextVolume: nextVolume, nextPath: nextPath}
		h.NextVolume, h.NextVolumeFullName = nextVolume, nextPath
		return &wal.Record{
			TransactionID: tx,
			Kind:          wal.VolumeHeaderLink,
			Mode:          wal.UndoRedo,
			Undo:          undo.encode(),
			Redo:          redo.encode(),
		}, nil
	})
}

// SetCheckpoint sets the checkpoint LSA stored in the header of a
// volume. The change is not logged, as checkpoints never need to be
// replayed.
func (m *Manager) SetCheckpoint(ctx context.Context, volume address.VolumeID, lsa address.LSA) error {
	return m.modifyVolumeHeader(volume, func(h *VolumeHeader) (*wal.Record, error) {
		h.Checkpoint = lsa
		return nil, nil
	})
}

// SetCreation resets the path, creation time and checkpoint of a
// volume. This is used when a database is copied or renamed.
func (m *Manager) SetCreation(ctx context.Context, tx wal.TransactionID, volume address.VolumeID, fullName string, creationTime int64, checkpoint address.LSA) error {
	return m.modifyVolumeHeader(volume, func(h *VolumeHeader) (*wal.Record, error) {
		if err := checkPathLength(fullName); err != nil {
			return nil, err
		}
		undo := headerCreation{fullName: h.FullName, creationTime: h.CreationTime, checkpoint: h.Checkpoint}
		redo := headerCreation{fullName: fullName, creationTime: creationTime, checkpoint: checkpoint}
		redo.apply(h)
		return &wal.Record{
			TransactionID: tx,
			Kind:          wal.VolumeHeaderCreation,
			Mode:          wal.UndoRedo,
			Undo:          undo.encode(),
			Redo:          redo.encode(),
		}, nil
	})
}

func (p headerCreation) apply(h *VolumeHeader) {
	h.FullName, h.CreationTime, h.Checkpoint = p.fullName, p.creationTime, p.checkpoint
}

// SetBootHeapFile sets the heap file from which the database is
// bootstrapped. It is only stored in the header of the first volume.
func (m *Manager) SetBootHeapFile(ctx context.Context, tx wal.TransactionID, volume address.VolumeID, heapFile HeapFileID) error {
	return m.modifyVolumeHeader(volume, func(h *VolumeHeader) (*wal.Record, error) {
		undo := h.BootHeapFile
		h.BootHeapFile = heapFile
		return &wal.Record{
			TransactionID: tx,
			Kind:          wal.VolumeHeaderBootHeapFile,
			Mode:          wal.UndoRedo,
			Undo:          encodeHeapFileID(undo),
			Redo:          encodeHeapFileID(heapFile),
		}, nil
	})
}

// GetPurposeAndSpaceInfo returns the purpose and space accounting of a
// volume.
func (m *Manager) GetPurposeAndSpaceInfo(ctx context.Context, volume address.VolumeID) (SpaceInfo, error) {
	info, ok := m.cache.GetVolumeSpaceInfo(volume)
	if !ok {
		return SpaceInfo{}, status.Errorf(codes.NotFound, "Volume %d does not exist", volume)
	}
	return SpaceInfo{
		Purpose:      info.Purpose,
		Type:         info.Type,
		TotalSectors: int32(info.TotalSectors),
		FreeSectors:  int32(info.FreeSectors),
		MaxSectors:   int32(info.MaxSectors),
	}, nil
}

// CreateDatabase creates the first volume of a new database.
func (m *Manager) CreateDatabase(ctx context.Context, totalSectors int32, remarks string) error {
	eg := m.cache.LockExtend(newLockOwner())
	defer eg.Unlock()
	if eg.volumeCount() > 0 {
		return status.Error(codes.FailedPrecondition, "Database already has volumes")
	}
	if _, err := m.formatVolume(ctx, eg, wal.SystemTransactionID, FormatParameters{
		Volume:       0,
		Purpose:      PermanentData,
		Type:         PermanentVolume,
		Path:         m.GetVolumePath(0, PermanentVolume),
		TotalSectors: totalSectors,
		MaxSectors:   m.configuration.MaximumVolumeSizeSectors,
		Remarks:      remarks,
	}); err != nil {
		return util.StatusWrap(err, "Failed to create first volume")
	}
	g := eg.LockReserve(PermanentData)
	g.setAutoExtendVolume(0)
	g.Unlock()
	return nil
}

// Mount the volumes of an existing database. Volumes are discovered by
// following the links stored in the volume headers, starting at the
// first volume. Temporary volumes left behind by a previous run are
// removed.
//
// If mounting fails, all volumes that were attached or registered are
// detached again, so that Mount() may be retried.
func (m *Manager) Mount(ctx context.Context) (err error) {
	eg := m.cache.LockExtend(newLockOwner())
	defer eg.Unlock()
	if eg.volumeCount() > 0 {
		return status.Error(codes.FailedPrecondition, "Database is already mounted")
	}

	c := &m.configuration
	leftovers, err := m.storage.ListVolumes(filepath.Join(c.VolumeDirectory, c.DatabaseName+"_t[0-9][0-9][0-9]*"))
	if err != nil {
		return util.StatusWrap(err, "Failed to list temporary volumes")
	}
	for _, path := range leftovers {
		if err := m.storage.RemoveVolume(path); err != nil {
			return util.StatusWrapf(err, "Failed to remove temporary volume %#v", path)
		}
		log.Printf("Removed temporary volume %#v", path)
	}

	var headers []*VolumeHeader
	registered := 0
	defer func() {
		if err != nil {
			if unmountErr := m.unmountVolumes(eg, headers, registered); unmountErr != nil {
				err = util.StatusFromMultiple([]error{err, unmountErr})
			}
		}
	}()

	seen := map[address.VolumeID]struct{}{}
	for volume, path := address.VolumeID(0), m.GetVolumePath(0, PermanentVolume); volume != address.NullVolumeID; {
		if _, ok := seen[volume]; ok {
			return status.Errorf(codes.DataLoss, "Volume %d is linked more than once", volume)
		}
		seen[volume] = struct{}{}
		h, err := m.attachVolume(volume, path)
		if err != nil {
			return err
		}
		headers = append(headers, h)
		if h.Type != PermanentVolume {
			return status.Errorf(codes.DataLoss, "Volume %d is linked, even though it is a temporary volume", volume)
		}
		volume, path = h.NextVolume, h.NextVolumeFullName
	}

	free := make([]int32, len(headers))
	group, groupCtx := errgroup.WithContext(ctx)
	for i, h := range headers {
		group.Go(func() error {
			if err := groupCtx.Err(); err != nil {
				return util.StatusFromContext(groupCtx)
			}
			// Temporary data does not survive restarts. Sectors
			// of permanent volumes storing temporary data are
			// thus all free, except for the system sectors.
			if h.Purpose == TemporaryData {
				if err := resetSectorTable(m.pool, h); err != nil {
					return util.StatusWrapf(err, "Failed to reset sector table of volume %d", h.Volume)
				}
			}
			n, err := countFreeSectors(m.pool, h)
			if err != nil {
				return util.StatusWrapf(err, "Failed to count free sectors of volume %d", h.Volume)
			}
			free[i] = n
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return err
	}

	for i, h := range headers {
		if err := m.registerVolume(eg, h, free[i]); err != nil {
			return err
		}
		registered++
	}
	m.setAutoExtendVolumes(eg)
	return nil
}

// unmountVolumes undoes the work of a Mount() that failed. The first
// registered volumes are removed from the Cache, and all volumes are
// detached from the page pool.
func (m *Manager) unmountVolumes(eg *ExtendGuard, headers []*VolumeHeader, registered int) error {
	var firstErr error
	for i, h := range headers {
		if i < registered {
			g := eg.LockReserve(h.Purpose)
			if err := g.removeVolume(h.Volume); err != nil && firstErr == nil {
				firstErr = util.StatusWrapf(err, "Failed to unregister volume %d", h.Volume)
			}
			g.Unlock()
		}
		m.pool.DetachVolume(h.Volume)
	}
	return firstErr
}

// setAutoExtendVolumes designates for every purpose the last volume of
// the type that is created for that purpose as the volume that is
// grown when space runs out.
func (m *Manager) setAutoExtendVolumes(eg *ExtendGuard) {
	for purpose := Purpose(0); purpose < purposeCount; purpose++ {
		volume, _ := eg.lastVolume(func(v *cachedVolume) bool {
			return v.purpose == purpose && v.volumeType == purpose.naturalVolumeType()
		})
		g := eg.LockReserve(purpose)
		g.setAutoExtendVolume(volume)
		g.Unlock()
	}
}

// attachVolume opens the file of a volume and makes its pages
// available through the page pool.
func (m *Manager) attachVolume(volume address.VolumeID, path string) (*VolumeHeader, error) {
	device, err := m.storage.OpenVolume(path)
	if err != nil {
		return nil, util.StatusWrapf(err, "Failed to open volume %d", volume)
	}
	m.pool.AttachVolume(volume, device)
	h, err := m.readVolumeHeader(volume)
	if err != nil {
		m.pool.DetachVolume(volume)
		return nil, err
	}
	return h, nil
}

func (m *Manager) registerVolume(eg *ExtendGuard, h *VolumeHeader, free int32) error {
	g := eg.LockReserve(h.Purpose)
	defer g.Unlock()
	return g.addVolume(h.Volume, &cachedVolume{
		purpose:    h.Purpose,
		volumeType: h.Type,
		path:       h.FullName,
		free:       int64(free),
		total:      int64(h.TotalSectors),
		max:        int64(h.MaxSectors),
	})
}

// Checkpoint writes all modified pages back to the volumes, and stores
// the current position of the log in the volume headers.
func (m *Manager) Checkpoint(ctx context.Context) error {
	lsa := m.log.CurrentLSA()
	for _, volume := range m.cache.getVolumeIDs() {
		if err := m.SetCheckpoint(ctx, volume, lsa); err != nil {
			return util.StatusWrapf(err, "Failed to set checkpoint of volume %d", volume)
		}
	}
	if err := m.pool.FlushAll(); err != nil {
		return util.StatusWrap(err, "Failed to flush volumes")
	}
	return nil
}

// Close writes all modified pages back to the volumes, and detaches
// them. Temporary volumes are removed.
func (m *Manager) Close(ctx context.Context) error {
	if err := m.Checkpoint(ctx); err != nil {
		return err
	}
	eg := m.cache.LockExtend(newLockOwner())
	defer eg.Unlock()
	for _, volume := range m.cache.getVolumeIDs() {
		v, _ := m.cache.getVolume(volume)
		g := eg.LockReserve(v.purpose)
		err := g.removeVolume(volume)
		g.Unlock()
		if err != nil {
			return err
		}
		m.pool.DetachVolume(volume)
		if v.volumeType == TemporaryVolume {
			if err := m.storage.RemoveVolume(v.path); err != nil {
				return util.StatusWrapf(err, "Failed to remove temporary volume %d", volume)
			}
		}
	}
	return nil
}
