package freemap

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/pintfs/pintfs/backend/memory"
	"github.com/pintfs/pintfs/blockdev"
)

func newFormattedDevice(t *testing.T, sectors uint32) *blockdev.Device {
	t.Helper()
	storage := memory.New(int64(sectors) * blockdev.SectorSize)
	dev, err := blockdev.Open(blockdev.FS, storage, "", uuid.New())
	require.NoError(t, err)
	return dev
}

func TestFormatReservesSelfAndRoot(t *testing.T) {
	dev := newFormattedDevice(t, 64)
	m, _, err := Format(dev, 64)
	require.NoError(t, err)

	set, err := m.bits.IsSet(SelfSector)
	require.NoError(t, err)
	require.True(t, set)
	set, err = m.bits.IsSet(RootSector)
	require.NoError(t, err)
	require.True(t, set)
	// Self, root, and the one data sector holding the 8-byte bitmap.
	require.Equal(t, 3, m.InUse())
}

func TestAllocateReleaseConserveTotal(t *testing.T) {
	dev := newFormattedDevice(t, 64)
	m, _, err := Format(dev, 64)
	require.NoError(t, err)

	before := m.InUse()
	sector, ok := m.Allocate()
	require.True(t, ok)
	require.Equal(t, before+1, m.InUse())

	m.Release(sector)
	require.Equal(t, before, m.InUse())
}

func TestAllocateNeverReturnsReservedSectors(t *testing.T) {
	dev := newFormattedDevice(t, 64)
	m, _, err := Format(dev, 64)
	require.NoError(t, err)

	for i := 0; i < 10; i++ {
		sector, ok := m.Allocate()
		require.True(t, ok)
		require.NotEqual(t, uint32(SelfSector), sector)
		require.NotEqual(t, uint32(RootSector), sector)
	}
}

func TestOpenReloadsPersistedBitmap(t *testing.T) {
	dev := newFormattedDevice(t, 64)
	m, _, err := Format(dev, 64)
	require.NoError(t, err)

	var allocated []uint32
	for i := 0; i < 5; i++ {
		sector, ok := m.Allocate()
		require.True(t, ok)
		allocated = append(allocated, sector)
	}

	reopened, _, err := Open(dev)
	require.NoError(t, err)
	require.Equal(t, m.InUse(), reopened.InUse())
	for _, sector := range allocated {
		set, err := reopened.bits.IsSet(int(sector))
		require.NoError(t, err)
		require.True(t, set)
	}
}

func TestAllocateRunFindsContiguousSpan(t *testing.T) {
	dev := newFormattedDevice(t, 64)
	m, _, err := Format(dev, 64)
	require.NoError(t, err)

	start, ok := m.AllocateRun(5)
	require.True(t, ok)
	for i := uint32(0); i < 5; i++ {
		set, err := m.bits.IsSet(int(start + i))
		require.NoError(t, err)
		require.True(t, set)
	}

	m.ReleaseRun(start, 5)
	for i := uint32(0); i < 5; i++ {
		set, err := m.bits.IsSet(int(start + i))
		require.NoError(t, err)
		require.False(t, set)
	}
}
