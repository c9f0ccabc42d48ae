package disk_test

import (
	"strings"
	"testing"

	"github.com/buildbarn/bb-disk-manager/pkg/address"
	"github.com/buildbarn/bb-disk-manager/pkg/disk"
	"github.com/buildbarn/bb-storage/pkg/testutil"
	"github.com/stretchr/testify/require"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

func newTestVolumeHeader() *disk.VolumeHeader {
	return &disk.VolumeHeader{
		PageSizeBytes:        512,
		Volume:               3,
		Purpose:              disk.TemporaryData,
		Type:                 disk.TemporaryVolume,
		SectorSizePages:      1,
		TotalSectors:         128,
		MaxSectors:           1024,
		Charset:              5,
		HintAllocSector:      64,
		SectorTablePages:     1,
		SectorTableFirstPage: 1,
		LastSystemPage:       1,
		CreationTime:         1700000000,
		Checkpoint:           address.LSA{PageID: 12, Offset: 34},
		BootHeapFile:         disk.NullHeapFileID,
		NextVolume:           address.NullVolumeID,
		FullName:             "/volumes/db_t003",
		Remarks:              "Sort runs",
	}
}

func TestVolumeHeaderMarshal(t *testing.T) {
	t.Run("RoundTrip", func(t *testing.T) {
		h := newTestVolumeHeader()
		page, err := disk.MarshalVolumeHeader(h, 512)
		require.NoError(t, err)
		require.Len(t, page, 512)
		require.True(t, strings.HasPrefix(string(page), "BB-DISK-MANAGER VOLUME"))

		decoded, err := disk.UnmarshalVolumeHeader(page)
		require.NoError(t, err)
		require.Equal(t, h, decoded)
		require.NoError(t, decoded.Validate(512))
	})

	t.Run("RemarksTruncated", func(t *testing.T) {
		h := newTestVolumeHeader()
		h.Remarks = strings.Repeat("x", 1000)
		page, err := disk.MarshalVolumeHeader(h, 512)
		require.NoError(t, err)

		decoded, err := disk.UnmarshalVolumeHeader(page)
		require.NoError(t, err)
		// 512 bytes, minus the fixed fields, the full name and
		// three terminating null bytes.
		require.Equal(t, strings.Repeat("x", 512-106-16-3), decoded.Remarks)
	})

	t.Run("PathTooLong", func(t *testing.T) {
		h := newTestVolumeHeader()
		h.NextVolumeFullName = strings.Repeat("y", disk.MaximumPathLength+1)
		_, err := disk.MarshalVolumeHeader(h, 4096)
		require.Equal(t, codes.InvalidArgument, status.Code(err))
	})

	t.Run("PathsDoNotFitInPage", func(t *testing.T) {
		h := newTestVolumeHeader()
		h.NextVolumeFullName = strings.Repeat("y", 400)
		_, err := disk.MarshalVolumeHeader(h, 512)
		testutil.RequireEqualStatus(t, status.Error(codes.InvalidArgument, "Paths of volume 3 do not fit in a page of 512 bytes"), err)
	})
}

func TestVolumeHeaderUnmarshal(t *testing.T) {
	t.Run("InvalidMagic", func(t *testing.T) {
		_, err := disk.UnmarshalVolumeHeader(make([]byte, 512))
		testutil.RequireEqualStatus(t, status.Error(codes.DataLoss, "Volume header has an invalid magic"), err)
	})

	t.Run("TooShort", func(t *testing.T) {
		_, err := disk.UnmarshalVolumeHeader(make([]byte, 10))
		testutil.RequireEqualStatus(t, status.Error(codes.DataLoss, "Volume header is 10 bytes in size, while at least 106 bytes are needed"), err)
	})

	t.Run("Unterminated", func(t *testing.T) {
		page, err := disk.MarshalVolumeHeader(newTestVolumeHeader(), 512)
		require.NoError(t, err)
		for i := 106; i < len(page); i++ {
			page[i] = 'z'
		}
		_, err = disk.UnmarshalVolumeHeader(page)
		testutil.RequireEqualStatus(t, status.Error(codes.DataLoss, "Volume header of volume 3 has an unterminated string field"), err)
	})
}

func TestVolumeHeaderValidate(t *testing.T) {
	t.Run("PageSizeMismatch", func(t *testing.T) {
		testutil.RequireEqualStatus(
			t,
			status.Error(codes.DataLoss, "Volume 3 has page size 512, while the database uses page size 1024"),
			newTestVolumeHeader().Validate(1024))
	})

	t.Run("PermanentDataOnTemporaryVolume", func(t *testing.T) {
		h := newTestVolumeHeader()
		h.Purpose = disk.PermanentData
		testutil.RequireEqualStatus(
			t,
			status.Error(codes.DataLoss, "Volume 3: Temporary volumes cannot store permanent data"),
			h.Validate(512))
	})

	t.Run("TotalExceedsMaximum", func(t *testing.T) {
		h := newTestVolumeHeader()
		h.TotalSectors = 2048
		testutil.RequireEqualStatus(
			t,
			status.Error(codes.DataLoss, "Volume 3 has 2048 sectors, which is not in range [1, 1024]"),
			h.Validate(512))
	})

	t.Run("Unaligned", func(t *testing.T) {
		h := newTestVolumeHeader()
		h.TotalSectors = 100
		testutil.RequireEqualStatus(
			t,
			status.Error(codes.DataLoss, "Volume 3 has a size that is not a multiple of 64 sectors"),
			h.Validate(512))
	})

	t.Run("SectorTableSize", func(t *testing.T) {
		h := newTestVolumeHeader()
		h.SectorTablePages = 2
		testutil.RequireEqualStatus(
			t,
			status.Error(codes.DataLoss, "Volume 3 has 2 sector table pages, while 1024 sectors require 1 pages"),
			h.Validate(512))
	})

	t.Run("LastSystemPage", func(t *testing.T) {
		h := newTestVolumeHeader()
		h.LastSystemPage = 4
		testutil.RequireEqualStatus(
			t,
			status.Error(codes.DataLoss, "Volume 3 has last system page 4, while it should be 1"),
			h.Validate(512))
	})
}
