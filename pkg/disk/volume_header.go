package disk

import (
	"bytes"
	"encoding/binary"

	"github.com/buildbarn/bb-disk-manager/pkg/address"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const (
	volumeHeaderMagic       = "BB-DISK-MANAGER VOLUME"
	volumeHeaderMagicLength = 24

	// Offsets of the fields in the fixed part of the volume header.
	offsetPageSize          = 24
	offsetVolume            = 28
	offsetPurpose           = 30
	offsetType              = 31
	offsetSectorSizePages   = 32
	offsetTotalSectors      = 36
	offsetMaxSectors        = 40
	offsetCharset           = 44
	offsetHintAllocSector   = 48
	offsetReserved          = 52
	offsetSectorTablePages  = 64
	offsetSectorTableFirst  = 68
	offsetLastSystemPage    = 72
	offsetCreationTime      = 76
	offsetCheckpointPage    = 84
	offsetCheckpointOffset  = 92
	offsetBootHeapVolume    = 94
	offsetBootHeapFile      = 96
	offsetBootHeapHeader    = 100
	offsetNextVolume        = 104
	volumeHeaderFixedLength = 106

	// MaximumPathLength is the maximum length of the path of a
	// volume, in bytes.
	MaximumPathLength = 1024

	// The volume header is always stored in the first page of a
	// volume, directly followed by the sector table.
	volumeHeaderPage     address.PageID = 0
	sectorTableFirstPage address.PageID = 1

	minimumPageSizeBytes = 512
)

// HeapFileID identifies a heap file by its volume, file number and
// header page.
type HeapFileID struct {
	Volume     address.VolumeID
	File       int32
	HeaderPage address.PageID
}

// NullHeapFileID is the heap file identifier stored in volume headers
// of databases that do not have a boot heap file yet.
var NullHeapFileID = HeapFileID{
	Volume:     address.NullVolumeID,
	File:       -1,
	HeaderPage: address.NullPageID,
}

// VolumeHeader contains the metadata of a volume. It is stored in the
// first page of every volume.
type VolumeHeader struct {
	PageSizeBytes        int32
	Volume               address.VolumeID
	Purpose              Purpose
	Type                 VolumeType
	SectorSizePages      int32
	TotalSectors         int32
	MaxSectors           int32
	Charset              int32
	HintAllocSector      int32
	SectorTablePages     int32
	SectorTableFirstPage address.PageID
	LastSystemPage       address.PageID
	// Seconds since the Unix epoch at which the database was created.
	CreationTime       int64
	Checkpoint         address.LSA
	BootHeapFile       HeapFileID
	NextVolume         address.VolumeID
	FullName           string
	NextVolumeFullName string
	Remarks            string
}

// bitsPerPage returns the number of sectors that are described by a
// single page of the sector table.
func bitsPerPage(pageSizeBytes int32) int32 {
	return pageSizeBytes * 8
}

// sectorTablePageCount returns the number of sector table pages needed
// to describe a volume of a given maximum size.
func sectorTablePageCount(pageSizeBytes, maxSectors int32) int32 {
	n := bitsPerPage(pageSizeBytes)
	return (maxSectors + n - 1) / n
}

// SystemSectorCount returns the number of sectors at the start of the
// volume that hold the volume header and the sector table. These
// sectors are marked reserved when the volume is formatted.
func (h *VolumeHeader) SystemSectorCount() int32 {
	return (int32(h.LastSystemPage) + h.SectorSizePages) / h.SectorSizePages
}

// Validate the geometry of a volume header against the page size of
// the database. Headers that fail validation are corrupted.
func (h *VolumeHeader) Validate(pageSizeBytes int) error {
	if h.PageSizeBytes != int32(pageSizeBytes) {
		return status.Errorf(codes.DataLoss, "Volume %d has page size %d, while the database uses page size %d", h.Volume, h.PageSizeBytes, pageSizeBytes)
	}
	if h.Volume < 0 {
		return status.Errorf(codes.DataLoss, "Volume has invalid identifier %d", h.Volume)
	}
	if err := checkPurposeAndType(h.Purpose, h.Type); err != nil {
		return status.Errorf(codes.DataLoss, "Volume %d: %s", h.Volume, status.Convert(err).Message())
	}
	if h.SectorSizePages <= 0 {
		return status.Errorf(codes.DataLoss, "Volume %d has invalid sector size %d", h.Volume, h.SectorSizePages)
	}
	if h.TotalSectors <= 0 || h.TotalSectors > h.MaxSectors {
		return status.Errorf(codes.DataLoss, "Volume %d has %d sectors, which is not in range [1, %d]", h.Volume, h.TotalSectors, h.MaxSectors)
	}
	if h.TotalSectors%unitBits != 0 || h.MaxSectors%unitBits != 0 {
		return status.Errorf(codes.DataLoss, "Volume %d has a size that is not a multiple of %d sectors", h.Volume, unitBits)
	}
	if expected := sectorTablePageCount(h.PageSizeBytes, h.MaxSectors); h.SectorTablePages != expected {
		return status.Errorf(codes.DataLoss, "Volume %d has %d sector table pages, while %d sectors require %d pages", h.Volume, h.SectorTablePages, h.MaxSectors, expected)
	}
	if h.SectorTableFirstPage != sectorTableFirstPage {
		return status.Errorf(codes.DataLoss, "Volume %d has its sector table at page %d, while it should be at page %d", h.Volume, h.SectorTableFirstPage, sectorTableFirstPage)
	}
	if expected := h.SectorTableFirstPage + address.PageID(h.SectorTablePages) - 1; h.LastSystemPage != expected {
		return status.Errorf(codes.DataLoss, "Volume %d has last system page %d, while it should be %d", h.Volume, h.LastSystemPage, expected)
	}
	if systemSectors := h.SystemSectorCount(); systemSectors >= h.TotalSectors {
		return status.Errorf(codes.DataLoss, "Volume %d has %d system sectors, which leaves no space in a volume of %d sectors", h.Volume, systemSectors, h.TotalSectors)
	}
	return nil
}

func checkPathLength(path string) error {
	if len(path) > MaximumPathLength {
		return status.Errorf(codes.InvalidArgument, "Path %#v is %d bytes in size, which exceeds the maximum of %d bytes", path, len(path), MaximumPathLength)
	}
	if bytes.IndexByte([]byte(path), 0) >= 0 {
		return status.Errorf(codes.InvalidArgument, "Path %#v contains a null byte", path)
	}
	return nil
}

// MarshalVolumeHeader converts a volume header to the contents of the
// page that stores it. Remarks are truncated if they do not fit in the
// page, while paths that do not fit cause the operation to fail.
func MarshalVolumeHeader(h *VolumeHeader, pageSizeBytes int) ([]byte, error) {
	if err := checkPathLength(h.FullName); err != nil {
		return nil, err
	}
	if err := checkPathLength(h.NextVolumeFullName); err != nil {
		return nil, err
	}
	available := pageSizeBytes - volumeHeaderFixedLength - len(h.FullName) - len(h.NextVolumeFullName) - 3
	if available < 0 {
		return nil, status.Errorf(codes.InvalidArgument, "Paths of volume %d do not fit in a page of %d bytes", h.Volume, pageSizeBytes)
	}
	remarks := h.Remarks
	if i := bytes.IndexByte([]byte(remarks), 0); i >= 0 {
		remarks = remarks[:i]
	}
	if len(remarks) > available {
		remarks = remarks[:available]
	}

	page := make([]byte, pageSizeBytes)
	copy(page, volumeHeaderMagic)
	le := binary.LittleEndian
	le.PutUint32(page[offsetPageSize:], uint32(h.PageSizeBytes))
	le.PutUint16(page[offsetVolume:], uint16(h.Volume))
	page[offsetPurpose] = byte(h.Purpose)
	page[offsetType] = byte(h.Type)
	le.PutUint32(page[offsetSectorSizePages:], uint32(h.SectorSizePages))
	le.PutUint32(page[offsetTotalSectors:], uint32(h.TotalSectors))
	le.PutUint32(page[offsetMaxSectors:], uint32(h.MaxSectors))
	le.PutUint32(page[offsetCharset:], uint32(h.Charset))
	le.PutUint32(page[offsetHintAllocSector:], uint32(h.HintAllocSector))
	le.PutUint32(page[offsetSectorTablePages:], uint32(h.SectorTablePages))
	le.PutUint32(page[offsetSectorTableFirst:], uint32(h.SectorTableFirstPage))
	le.PutUint32(page[offsetLastSystemPage:], uint32(h.LastSystemPage))
	le.PutUint64(page[offsetCreationTime:], uint64(h.CreationTime))
	le.PutUint64(page[offsetCheckpointPage:], uint64(h.Checkpoint.PageID))
	le.PutUint16(page[offsetCheckpointOffset:], uint16(h.Checkpoint.Offset))
	le.PutUint16(page[offsetBootHeapVolume:], uint16(h.BootHeapFile.Volume))
	le.PutUint32(page[offsetBootHeapFile:], uint32(h.BootHeapFile.File))
	le.PutUint32(page[offsetBootHeapHeader:], uint32(h.BootHeapFile.HeaderPage))
	le.PutUint16(page[offsetNextVolume:], uint16(h.NextVolume))

	offset := volumeHeaderFixedLength
	for _, s := range []string{h.FullName, h.NextVolumeFullName, remarks} {
		offset += copy(page[offset:], s) + 1
	}
	return page, nil
}

// UnmarshalVolumeHeader extracts a volume header from the contents of
// the page that stores it. The geometry of the header is not
// validated.
func UnmarshalVolumeHeader(page []byte) (*VolumeHeader, error) {
	if len(page) < volumeHeaderFixedLength {
		return nil, status.Errorf(codes.DataLoss, "Volume header is %d bytes in size, while at least %d bytes are needed", len(page), volumeHeaderFixedLength)
	}
	if magic := page[:volumeHeaderMagicLength]; !bytes.Equal(bytes.TrimRight(magic, "\x00"), []byte(volumeHeaderMagic)) {
		return nil, status.Error(codes.DataLoss, "Volume header has an invalid magic")
	}
	le := binary.LittleEndian
	h := &VolumeHeader{
		PageSizeBytes:        int32(le.Uint32(page[offsetPageSize:])),
		Volume:               address.VolumeID(le.Uint16(page[offsetVolume:])),
		Purpose:              Purpose(page[offsetPurpose]),
		Type:                 VolumeType(page[offsetType]),
		SectorSizePages:      int32(le.Uint32(page[offsetSectorSizePages:])),
		TotalSectors:         int32(le.Uint32(page[offsetTotalSectors:])),
		MaxSectors:           int32(le.Uint32(page[offsetMaxSectors:])),
		Charset:              int32(le.Uint32(page[offsetCharset:])),
		HintAllocSector:      int32(le.Uint32(page[offsetHintAllocSector:])),
		SectorTablePages:     int32(le.Uint32(page[offsetSectorTablePages:])),
		SectorTableFirstPage: address.PageID(le.Uint32(page[offsetSectorTableFirst:])),
		LastSystemPage:       address.PageID(le.Uint32(page[offsetLastSystemPage:])),
		CreationTime:         int64(le.Uint64(page[offsetCreationTime:])),
		Checkpoint: address.LSA{
			PageID: int64(le.Uint64(page[offsetCheckpointPage:])),
			Offset: int16(le.Uint16(page[offsetCheckpointOffset:])),
		},
		BootHeapFile: HeapFileID{
			Volume:     address.VolumeID(le.Uint16(page[offsetBootHeapVolume:])),
			File:       int32(le.Uint32(page[offsetBootHeapFile:])),
			HeaderPage: address.PageID(le.Uint32(page[offsetBootHeapHeader:])),
		},
		NextVolume: address.VolumeID(le.Uint16(page[offsetNextVolume:])),
	}

	rest := page[volumeHeaderFixedLength:]
	var fields [3]string
	for i := range fields {
		end := bytes.IndexByte(rest, 0)
		if end < 0 {
			return nil, status.Errorf(codes.DataLoss, "Volume header of volume %d has an unterminated string field", h.Volume)
		}
		fields[i] = string(rest[:end])
		rest = rest[end+1:]
	}
	h.FullName, h.NextVolumeFullName, h.Remarks = fields[0], fields[1], fields[2]
	return h, nil
}
