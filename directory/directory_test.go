package directory

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

func newTestRoot(t *testing.T) *Dir {
	t.Helper()
	storage := memory.New(int64(256) * blockdev.SectorSize)
	dev, err := blockdev.Open(blockdev.FS, storage, "", uuid.New())
	require.NoError(t, err)
	store := inode.NewStore(dev, &trivialAllocator{next: 2})
	require.NoError(t, CreateEmpty(store, 1))
	root, err := CreateRoot(store, 1)
	require.NoError(t, err)
	return root
}

func TestRootSelfReferences(t *testing.T) {
	root := newTestRoot(t)
	defer root.Close()

	sector, found, err := root.Lookup(".")
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, root.Inode().Sector(), sector)

	sector, found, err = root.Lookup("..")
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, root.Inode().Sector(), sector)
}

func TestAddLookupRemove(t *testing.T) {
	root := newTestRoot(t)
	defer root.Close()

	require.NoError(t, root.Add("hello.txt", 42))
	sector, found, err := root.Lookup("hello.txt")
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, uint32(42), sector)

	require.NoError(t, root.Remove("hello.txt"))
	_, found, err = root.Lookup("hello.txt")
	require.NoError(t, err)
	require.False(t, found)
}

func TestAddRejectsDuplicate(t *testing.T) {
	root := newTestRoot(t)
	defer root.Close()

	require.NoError(t, root.Add("a", 10))
	require.Error(t, root.Add("a", 11))
}

func TestAddReusesFreedSlot(t *testing.T) {
	root := newTestRoot(t)
	defer root.Close()

	require.NoError(t, root.Add("a", 10))
	require.NoError(t, root.Remove("a"))
	lengthBefore := root.Inode().Length()

	require.NoError(t, root.Add("b", 11))
	require.Equal(t, lengthBefore, root.Inode().Length())
}

func TestIsEmptyIgnoresDotEntries(t *testing.T) {
	root := newTestRoot(t)
	defer root.Close()

	empty, err := root.IsEmpty()
	require.NoError(t, err)
	require.True(t, empty)

	require.NoError(t, root.Add("child", 99))
	empty, err = root.IsEmpty()
	require.NoError(t, err)
	require.False(t, empty)
}

func TestReadDirExcludesDotEntries(t *testing.T) {
	root := newTestRoot(t)
	defer root.Close()

	require.NoError(t, root.Add("one", 10))
	require.NoError(t, root.Add("two", 11))

	entries, err := root.ReadDir()
	require.NoError(t, err)
	require.Len(t, entries, 2)
	names := map[string]uint32{}
	for _, e := range entries {
		names[e.Name] = e.Sector
	}
	require.Equal(t, uint32(10), names["one"])
	require.Equal(t, uint32(11), names["two"])
}

func TestAddRejectsNameTooLong(t *testing.T) {
	root := newTestRoot(t)
	defer root.Close()
	require.Error(t, root.Add("a-name-that-is-way-too-long-for-one-entry", 10))
}
