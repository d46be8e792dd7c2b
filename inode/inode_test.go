package inode

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/pintfs/pintfs/backend/memory"
	"github.com/pintfs/pintfs/blockdev"
)

// trivialAllocator hands out sequentially increasing sectors starting
// past a reserved low range; it never reuses a released sector, which is
// fine for these tests since none of them exhaust the device.
type trivialAllocator struct {
	next uint32
	max  uint32
}

func (a *trivialAllocator) Allocate() (uint32, bool) {
	return a.AllocateRun(1)
}

func (a *trivialAllocator) AllocateRun(n int) (uint32, bool) {
	start := a.next
	if start+uint32(n) > a.max {
		return 0, false
	}
	a.next += uint32(n)
	return start, true
}

func (a *trivialAllocator) Release(sector uint32)          {}
func (a *trivialAllocator) ReleaseRun(start uint32, n int) {}

func newTestStore(t *testing.T, sectors uint32) (*Store, *trivialAllocator) {
	t.Helper()
	storage := memory.New(int64(sectors) * blockdev.SectorSize)
	dev, err := blockdev.Open(blockdev.FS, storage, "", uuid.New())
	require.NoError(t, err)
	alloc := &trivialAllocator{next: 2, max: sectors}
	return NewStore(dev, alloc), alloc
}

func TestCreateOpenRoundTrip(t *testing.T) {
	s, _ := newTestStore(t, 32)
	ok, err := s.Create(10, 0, false)
	require.NoError(t, err)
	require.True(t, ok)

	ino, ok, err := s.Open(10)
	require.NoError(t, err)
	require.True(t, ok)
	require.False(t, ino.IsDir())
	require.Equal(t, int64(0), ino.Length())
	require.NoError(t, ino.Close())
}

func TestOpenTwiceReturnsSameInode(t *testing.T) {
	s, _ := newTestStore(t, 32)
	ok, err := s.Create(10, 0, false)
	require.NoError(t, err)
	require.True(t, ok)

	a, _, err := s.Open(10)
	require.NoError(t, err)
	b, _, err := s.Open(10)
	require.NoError(t, err)
	require.Same(t, a, b)
	require.NoError(t, a.Close())
	require.NoError(t, b.Close())
}

func TestWriteGrowsAndReadsBack(t *testing.T) {
	s, _ := newTestStore(t, 256)
	ok, err := s.Create(10, 0, false)
	require.NoError(t, err)
	require.True(t, ok)

	ino, _, err := s.Open(10)
	require.NoError(t, err)
	defer ino.Close()

	data := make([]byte, 3*blockdev.SectorSize+17)
	for i := range data {
		data[i] = byte(i)
	}
	n, err := ino.WriteAt(data, 0)
	require.NoError(t, err)
	require.Equal(t, len(data), n)
	require.Equal(t, int64(len(data)), ino.Length())

	readBack := make([]byte, len(data))
	n, err = ino.ReadAt(readBack, 0)
	require.NoError(t, err)
	require.Equal(t, len(data), n)
	require.Equal(t, data, readBack)
}

func TestSparseReadZeroFills(t *testing.T) {
	s, _ := newTestStore(t, 256)
	ok, err := s.Create(10, 0, false)
	require.NoError(t, err)
	require.True(t, ok)

	ino, _, err := s.Open(10)
	require.NoError(t, err)
	defer ino.Close()

	// Write only the second sector — the first sector's worth of the
	// file is a hole even though the length now covers it.
	_, err = ino.WriteAt([]byte{1, 2, 3}, blockdev.SectorSize)
	require.NoError(t, err)

	buf := make([]byte, blockdev.SectorSize)
	n, err := ino.ReadAt(buf, 0)
	require.NoError(t, err)
	require.Equal(t, blockdev.SectorSize, n)
	for _, b := range buf {
		require.Zero(t, b)
	}
}

func TestWriteCrossingIndirectBoundary(t *testing.T) {
	s, _ := newTestStore(t, 4000)
	ok, err := s.Create(10, 0, false)
	require.NoError(t, err)
	require.True(t, ok)

	ino, _, err := s.Open(10)
	require.NoError(t, err)
	defer ino.Close()

	offset := int64(DirectCount-1) * blockdev.SectorSize
	data := make([]byte, 2*blockdev.SectorSize)
	for i := range data {
		data[i] = byte(i % 251)
	}
	_, err = ino.WriteAt(data, offset)
	require.NoError(t, err)

	readBack := make([]byte, len(data))
	_, err = ino.ReadAt(readBack, offset)
	require.NoError(t, err)
	require.Equal(t, data, readBack)
}

func TestDenyWriteBlocksWrite(t *testing.T) {
	s, _ := newTestStore(t, 32)
	ok, err := s.Create(10, 0, false)
	require.NoError(t, err)
	require.True(t, ok)

	ino, _, err := s.Open(10)
	require.NoError(t, err)
	defer ino.Close()

	ino.DenyWrite()
	_, err = ino.WriteAt([]byte{1}, 0)
	require.Error(t, err)
	ino.AllowWrite()
	_, err = ino.WriteAt([]byte{1}, 0)
	require.NoError(t, err)
}

func TestRemovedInodeReadableUntilLastClose(t *testing.T) {
	s, alloc := newTestStore(t, 32)
	ok, err := s.Create(10, 0, false)
	require.NoError(t, err)
	require.True(t, ok)

	a, _, err := s.Open(10)
	require.NoError(t, err)
	b, _, err := s.Open(10)
	require.NoError(t, err)

	_, err = a.WriteAt([]byte{1, 2, 3}, 0)
	require.NoError(t, err)

	a.Remove()
	require.NoError(t, a.Close())
	// Still open via b: the handle must remain readable.
	buf := make([]byte, 3)
	_, err = b.ReadAt(buf, 0)
	require.NoError(t, err)

	require.NoError(t, b.Close())
	_ = alloc
}



func TestIsDirMatchesCreateKind(t *testing.T) {
	s, _ := newTestStore(t, 32)
	ok, err := s.Create(10, 0, true)
	require.NoError(t, err)
	require.True(t, ok)
	ok, err = s.Create(11, 0, false)
	require.NoError(t, err)
	require.True(t, ok)

	dir, _, err := s.Open(10)
	require.NoError(t, err)
	file, _, err := s.Open(11)
	require.NoError(t, err)
	require.True(t, dir.IsDir())
	require.False(t, file.IsDir())
	require.NoError(t, dir.Close())
	require.NoError(t, file.Close())
}
