package buffer

import (
	"sync"

	"github.com/buildbarn/bb-disk-manager/pkg/address"
	"github.com/buildbarn/bb-storage/pkg/blockdevice"
	"github.com/buildbarn/bb-storage/pkg/util"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// LatchMode indicates whether a page is fixed for reading or for
// writing. Any number of readers may have a page fixed at the same
// time, while a writer has exclusive access.
type LatchMode int

const (
	// Read latches permit inspecting the contents of a page.
	Read LatchMode = iota
	// Write latches permit modifying the contents of a page.
	Write
)

type frame struct {
	vpid  address.VPID
	latch sync.RWMutex
	data  []byte

	// Fields below are protected by Pool.lock.
	pinCount int
	dirty    bool
	lsa      address.LSA
}

// Page is a handle to a page that has been fixed in the pool. It must
// be released by calling Pool.Unfix().
type Page struct {
	frame *frame
	mode  LatchMode
}

// VPID returns the identifier of the page.
func (p *Page) VPID() address.VPID {
	return p.frame.vpid
}

// Data returns the contents of the page. The contents may only be
// modified if the page was fixed with a Write latch.
func (p *Page) Data() []byte {
	return p.frame.data
}

// Pool caches pages of volumes in memory. It acts as the buffer
// manager for the pages that are managed by the disk manager: volume
// headers and sector tables. Pages are written back to their block
// devices when flushed.
//
// All pages of attached volumes that have been fixed at least once
// remain resident until the volume is detached. The number of pages
// that the disk manager touches is proportional to the number of
// sectors, not pages, which keeps this bounded.
type Pool struct {
	pageSizeBytes int

	lock    sync.Mutex
	devices map[address.VolumeID]blockdevice.BlockDevice
	frames  map[address.VPID]*frame
}

// NewPool creates a pool of pages of a given size.
func NewPool(pageSizeBytes int) *Pool {
	return &Pool{
		pageSizeBytes: pageSizeBytes,
		devices:       map[address.VolumeID]blockdevice.BlockDevice{},
		frames:        map[address.VPID]*frame{},
	}
}

// PageSizeBytes returns the size of the pages managed by the pool.
func (p *Pool) PageSizeBytes() int {
	return p.pageSizeBytes
}

// AttachVolume registers the block device that stores the pages of a
// volume.
func (p *Pool) AttachVolume(volume address.VolumeID, device blockdevice.BlockDevice) {
	p.lock.Lock()
	defer p.lock.Unlock()
	p.devices[volume] = device
}

// DetachVolume unregisters a volume, discarding all of its cached
// pages without writing them back.
func (p *Pool) DetachVolume(volume address.VolumeID) {
	p.lock.Lock()
	defer p.lock.Unlock()
	delete(p.devices, volume)
	for vpid, f := range p.frames {
		if vpid.Volume == volume {
			if f.pinCount > 0 {
				panic("Attempted to detach a volume that still has pages fixed")
			}
			delete(p.frames, vpid)
		}
	}
}

// Fix a page in the pool, latching it in the provided mode. The page
// is read from its block device if it is not resident yet.
func (p *Pool) Fix(vpid address.VPID, mode LatchMode) (*Page, error) {
	p.lock.Lock()
	f, ok := p.frames[vpid]
	if !ok {
		device, ok := p.devices[vpid.Volume]
		if !ok {
			p.lock.Unlock()
			return nil, status.Errorf(codes.NotFound, "Volume %d is not attached", vpid.Volume)
		}
		if vpid.Page < 0 {
			p.lock.Unlock()
			return nil, status.Errorf(codes.InvalidArgument, "Invalid page %s", vpid)
		}
		f = &frame{
			vpid: vpid,
			data: make([]byte, p.pageSizeBytes),
			lsa:  address.NullLSA,
		}
		if _, err := device.ReadAt(f.data, int64(vpid.Page)*int64(p.pageSizeBytes)); err != nil {
			p.lock.Unlock()
			return nil, util.StatusWrapfWithCode(err, codes.Unavailable, "Failed to read page %s", vpid)
		}
		p.frames[vpid] = f
	}
	f.pinCount++
	p.lock.Unlock()

	if mode == Write {
		f.latch.Lock()
	} else {
		f.latch.RLock()
	}
	return &Page{frame: f, mode: mode}, nil
}

// Unfix a page, releasing its latch.
func (p *Pool) Unfix(page *Page) {
	f := page.frame
	if page.mode == Write {
		f.latch.Unlock()
	} else {
		f.latch.RUnlock()
	}
	page.frame = nil

	p.lock.Lock()
	f.pinCount--
	p.lock.Unlock()
}

// SetDirty marks a page as modified, stamping it with the log sequence
// address of the record that describes the modification. The page
// must be fixed with a Write latch.
func (p *Pool) SetDirty(page *Page, lsa address.LSA) {
	if page.mode != Write {
		panic("Attempted to mark a page dirty that is not latched for writing")
	}
	p.lock.Lock()
	defer p.lock.Unlock()
	f := page.frame
	f.dirty = true
	if !lsa.IsNull() && f.lsa.Less(lsa) {
		f.lsa = lsa
	}
}

// LSA returns the log sequence address of the last record that
// modified the page.
func (p *Pool) LSA(page *Page) address.LSA {
	p.lock.Lock()
	defer p.lock.Unlock()
	return page.frame.lsa
}

// Flush writes all dirty pages of a volume back to its block device,
// followed by synchronizing the block device.
func (p *Pool) Flush(volume address.VolumeID) error {
	p.lock.Lock()
	device, ok := p.devices[volume]
	var frames []*frame
	for vpid, f := range p.frames {
		if vpid.Volume == volume {
			frames = append(frames, f)
		}
	}
	p.lock.Unlock()
	if !ok {
		return status.Errorf(codes.NotFound, "Volume %d is not attached", volume)
	}

	for _, f := range frames {
		if err := p.flushFrame(device, f); err != nil {
			return err
		}
	}
	if err := device.Sync(); err != nil {
		return util.StatusWrapfWithCode(err, codes.Unavailable, "Failed to synchronize volume %d", volume)
	}
	return nil
}

func (p *Pool) flushFrame(device blockdevice.BlockDevice, f *frame) error {
	f.latch.RLock()
	defer f.latch.RUnlock()

	p.lock.Lock()
	dirty := f.dirty
	f.dirty = false
	p.lock.Unlock()
	if !dirty {
		return nil
	}
	if _, err := device.WriteAt(f.data, int64(f.vpid.Page)*int64(p.pageSizeBytes)); err != nil {
		p.lock.Lock()
		f.dirty = true
		p.lock.Unlock()
		return util.StatusWrapfWithCode(err, codes.Unavailable, "Failed to write page %s", f.vpid)
	}
	return nil
}

// FlushAll flushes all attached volumes.
func (p *Pool) FlushAll() error {
	p.lock.Lock()
	volumes := make([]address.VolumeID, 0, len(p.devices))
	for volume := range p.devices {
		volumes = append(volumes, volume)
	}
	p.lock.Unlock()

	for _, volume := range volumes {
		if err := p.Flush(volume); err != nil {
			return err
		}
	}
	return nil
}
