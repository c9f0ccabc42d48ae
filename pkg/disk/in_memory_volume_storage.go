package disk

import (
	"io"
	"path/filepath"
	"sort"
	"sync"

	"github.com/buildbarn/bb-storage/pkg/blockdevice"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const inMemoryChunkSizeBytes = 4096

// inMemoryBlockDevice is a sparse BlockDevice backed by memory. Chunks
// that have never been written read as zeros.
type inMemoryBlockDevice struct {
	lock      sync.RWMutex
	sizeBytes int64
	chunks    map[int64][]byte
}

func (bd *inMemoryBlockDevice) ReadAt(p []byte, off int64) (int, error) {
	bd.lock.RLock()
	defer bd.lock.RUnlock()
	if off < 0 {
		return 0, status.Errorf(codes.InvalidArgument, "Negative read offset: %d", off)
	}
	n := 0
	var err error
	if remaining := bd.sizeBytes - off; remaining < int64(len(p)) {
		if remaining < 0 {
			remaining = 0
		}
		p = p[:remaining]
		err = io.EOF
	}
	for n < len(p) {
		position := off + int64(n)
		chunkOffset := position % inMemoryChunkSizeBytes
		length := min(len(p)-n, int(inMemoryChunkSizeBytes-chunkOffset))
		if chunk, ok := bd.chunks[position-chunkOffset]; ok {
			copy(p[n:n+length], chunk[chunkOffset:])
		} else {
			clear(p[n : n+length])
		}
		n += length
	}
	return n, err
}

func (bd *inMemoryBlockDevice) WriteAt(p []byte, off int64) (int, error) {
	bd.lock.Lock()
	defer bd.lock.Unlock()
	if off < 0 || off+int64(len(p)) > bd.sizeBytes {
		return 0, status.Errorf(codes.InvalidArgument, "Write at offset %d of %d bytes exceeds the size of the device of %d bytes", off, len(p), bd.sizeBytes)
	}
	n := 0
	for n < len(p) {
		position := off + int64(n)
		chunkOffset := position % inMemoryChunkSizeBytes
		chunk, ok := bd.chunks[position-chunkOffset]
		if !ok {
			chunk = make([]byte, inMemoryChunkSizeBytes)
			bd.chunks[position-chunkOffset] = chunk
		}
		n += copy(chunk[chunkOffset:], p[n:])
	}
	return n, nil
}

func (bd *inMemoryBlockDevice) Sync() error {
	return nil
}

func (bd *inMemoryBlockDevice) Close() error {
	return nil
}

type inMemoryVolume struct {
	device         *inMemoryBlockDevice
	allocatedBytes int64
}

// InMemoryVolumeStorage is a VolumeStorage that keeps volumes in
// memory. It has a fixed capacity, which is used to simulate running
// out of disk space. Volumes persist as long as the
// InMemoryVolumeStorage exists, meaning that a single instance may be
// reused by multiple Managers to simulate restarts.
type InMemoryVolumeStorage struct {
	lock          sync.Mutex
	capacityBytes int64
	usedBytes     int64
	volumes       map[string]*inMemoryVolume
}

var _ VolumeStorage = (*InMemoryVolumeStorage)(nil)

// NewInMemoryVolumeStorage creates an InMemoryVolumeStorage that is
// capable of storing a given number of bytes.
func NewInMemoryVolumeStorage(capacityBytes int64) *InMemoryVolumeStorage {
	return &InMemoryVolumeStorage{
		capacityBytes: capacityBytes,
		volumes:       map[string]*inMemoryVolume{},
	}
}

// SetCapacity adjusts the number of bytes that may be stored. Shrinking
// the capacity below the amount of space in use does not affect
// existing volumes, but causes all further expansions to fail.
func (s *InMemoryVolumeStorage) SetCapacity(capacityBytes int64) {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.capacityBytes = capacityBytes
}

// GetUsedBytes returns the amount of space allocated by all volumes.
func (s *InMemoryVolumeStorage) GetUsedBytes() int64 {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.usedBytes
}

func (s *InMemoryVolumeStorage) CreateVolume(path string, maximumSizeBytes int64) (blockdevice.BlockDevice, error) {
	s.lock.Lock()
	defer s.lock.Unlock()
	if _, ok := s.volumes[path]; ok {
		return nil, status.Errorf(codes.AlreadyExists, "Volume %#v already exists", path)
	}
	v := &inMemoryVolume{
		device: &inMemoryBlockDevice{
			sizeBytes: maximumSizeBytes,
			chunks:    map[int64][]byte{},
		},
	}
	s.volumes[path] = v
	return v.device, nil
}

func (s *InMemoryVolumeStorage) OpenVolume(path string) (blockdevice.BlockDevice, error) {
	s.lock.Lock()
	defer s.lock.Unlock()
	v, ok := s.volumes[path]
	if !ok {
		return nil, status.Errorf(codes.NotFound, "Volume %#v does not exist", path)
	}
	return v.device, nil
}

func (s *InMemoryVolumeStorage) ExpandVolume(path string, sizeBytes int64) error {
	s.lock.Lock()
	defer s.lock.Unlock()
	v, ok := s.volumes[path]
	if !ok {
		return status.Errorf(codes.NotFound, "Volume %#v does not exist", path)
	}
	if sizeBytes > v.device.sizeBytes {
		return status.Errorf(codes.InvalidArgument, "Cannot expand volume %#v to %d bytes, as its maximum size is %d bytes", path, sizeBytes, v.device.sizeBytes)
	}
	needed := sizeBytes - v.allocatedBytes
	if needed <= 0 {
		return nil
	}
	if s.usedBytes+needed > s.capacityBytes {
		return status.Errorf(codes.ResourceExhausted, "Storage has %d bytes of free space, while %d bytes are needed", s.capacityBytes-s.usedBytes, needed)
	}
	s.usedBytes += needed
	v.allocatedBytes = sizeBytes
	return nil
}

func (s *InMemoryVolumeStorage) RemoveVolume(path string) error {
	s.lock.Lock()
	defer s.lock.Unlock()
	if v, ok := s.volumes[path]; ok {
		s.usedBytes -= v.allocatedBytes
		delete(s.volumes, path)
	}
	return nil
}

func (s *InMemoryVolumeStorage) ListVolumes(pattern string) ([]string, error) {
	s.lock.Lock()
	defer s.lock.Unlock()
	var paths []string
	for path := range s.volumes {
		matched, err := filepath.Match(pattern, path)
		if err != nil {
			return nil, status.Errorf(codes.InvalidArgument, "Invalid volume pattern %#v: %s", pattern, err)
		}
		if matched {
			paths = append(paths, path)
		}
	}
	sort.Strings(paths)
	return paths, nil
}
