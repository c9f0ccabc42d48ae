package disk

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFillUnit(t *testing.T) {
	t.Run("Empty", func(t *testing.T) {
		require.Equal(t, fullUnit, fillUnit(0, 64))
		require.Equal(t, fullUnit, fillUnit(0, 1000))
		require.Equal(t, uint64(0x1f), fillUnit(0, 5))
	})

	t.Run("SkipReservedBits", func(t *testing.T) {
		// Bits 0, 2 and 3 are already set.
		require.Equal(t, uint64(0x32), fillUnit(0x0d, 3))
	})

	t.Run("Full", func(t *testing.T) {
		require.Equal(t, uint64(0), fillUnit(fullUnit, 10))
	})

	t.Run("NothingRequested", func(t *testing.T) {
		require.Equal(t, uint64(0), fillUnit(0x0d, 0))
	})

	t.Run("FewerFreeThanRequested", func(t *testing.T) {
		require.Equal(t, uint64(1)<<63, fillUnit(fullUnit>>1, 10))
	})
}

func TestFreeBitCount(t *testing.T) {
	require.Equal(t, int32(64), freeBitCount(0))
	require.Equal(t, int32(0), freeBitCount(fullUnit))
	require.Equal(t, int32(61), freeBitCount(0x0d))
}

func TestSystemUnit(t *testing.T) {
	require.Equal(t, uint64(0x3), systemUnit(0, 2))
	require.Equal(t, fullUnit, systemUnit(0, 64))
	require.Equal(t, fullUnit, systemUnit(64, 200))
	require.Equal(t, uint64(0x1), systemUnit(64, 65))
	require.Equal(t, uint64(0), systemUnit(128, 65))
}

func TestSectorTableGeometry(t *testing.T) {
	// A 512 byte page describes 4096 sectors.
	require.Equal(t, int32(4096), bitsPerPage(512))
	require.Equal(t, int32(1), sectorTablePageCount(512, 64))
	require.Equal(t, int32(1), sectorTablePageCount(512, 4096))
	require.Equal(t, int32(2), sectorTablePageCount(512, 4160))

	h := VolumeHeader{
		SectorSizePages: 4,
		LastSystemPage:  5,
	}
	require.Equal(t, int32(2), h.SystemSectorCount())
}
