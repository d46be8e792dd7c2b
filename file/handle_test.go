package file

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/pintfs/pintfs/backend/memory"
	"github.com/pintfs/pintfs/blockdev"
	"github.com/pintfs/pintfs/inode"
)

type trivialAllocator struct{ next uint32 }

func (a *trivialAllocator) Allocate() (uint32, bool) { return a.AllocateRun(1) }
func (a *trivialAllocator) AllocateRun(n int) (uint32, bool) {
	start := a.next
	a.next += uint32(n)
	return start, true
}
func (a *trivialAllocator) Release(sector uint32)          {}
func (a *trivialAllocator) ReleaseRun(start uint32, n int) {}

func newHandle(t *testing.T) *Handle {
	t.Helper()
	storage := memory.New(int64(64) * blockdev.SectorSize)
	dev, err := blockdev.Open(blockdev.FS, storage, "", uuid.New())
	require.NoError(t, err)
	store := inode.NewStore(dev, &trivialAllocator{next: 2})
	ok, err := store.Create(1, 0, false)
	require.NoError(t, err)
	require.True(t, ok)
	ino, found, err := store.Open(1)
	require.NoError(t, err)
	require.True(t, found)
	return Open(ino)
}

func TestWriteReadAdvanceCursor(t *testing.T) {
	h := newHandle(t)
	defer h.Close()

	n, err := h.Write([]byte("hello"))
	require.NoError(t, err)
	require.Equal(t, 5, n)
	require.Equal(t, int64(5), h.Tell())

	h.Seek(0)
	buf := make([]byte, 5)
	n, err = h.Read(buf)
	require.NoError(t, err)
	require.Equal(t, 5, n)
	require.Equal(t, "hello", string(buf))
	require.Equal(t, int64(5), h.Tell())
}

func TestIndependentCursorsOnSharedInode(t *testing.T) {
	h1 := newHandle(t)
	defer h1.Close()

	ino := h1.Inode()
	ino.Open()
	h2 := Open(ino)
	defer h2.Close()

	_, err := h1.Write([]byte("abcdef"))
	require.NoError(t, err)

	buf := make([]byte, 3)
	n, err := h2.Read(buf)
	require.NoError(t, err)
	require.Equal(t, 3, n)
	require.Equal(t, "abc", string(buf))
	require.Equal(t, int64(6), h1.Tell())
}

func TestDenyWriteBlocksAllWriters(t *testing.T) {
	h1 := newHandle(t)
	defer h1.Close()

	ino := h1.Inode()
	ino.Open()
	h2 := Open(ino)
	defer h2.Close()

	h1.DenyWrite()
	_, err := h2.Write([]byte("x"))
	require.Error(t, err)
	h1.AllowWrite()
	_, err = h2.Write([]byte("x"))
	require.NoError(t, err)
}

func TestCloseReleasesDenyWrite(t *testing.T) {
	h1 := newHandle(t)
	ino := h1.Inode()
	ino.Open()
	h2 := Open(ino)
	defer h2.Close()

	h1.DenyWrite()
	require.NoError(t, h1.Close())
	_, err := h2.Write([]byte("x"))
	require.NoError(t, err)
}
