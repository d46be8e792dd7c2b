package vm

import (
	"fmt"
	"sync"
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

func newFileIno(t *testing.T) *inode.Inode {
	t.Helper()
	storage := memory.New(int64(64) * blockdev.SectorSize)
	dev, err := blockdev.Open(blockdev.FS, storage, "", uuid.New())
	require.NoError(t, err)
	store := inode.NewStore(dev, &trivialAllocator{next: 1})
	ok, err := store.Create(1, PageSize, false)
	require.NoError(t, err)
	require.True(t, ok)
	ino, found, err := store.Open(1)
	require.NoError(t, err)
	require.True(t, found)
	return ino
}

// fakePageTable is an in-memory stand-in for whatever owns the real
// hardware mappings: it just remembers the last-installed bytes and a
// dirty flag per (owner, vaddr).
type fakePageTable struct {
	mu       sync.Mutex
	mappings map[string][]byte
	dirty    map[string]bool
}

func newFakePageTable() *fakePageTable {
	return &fakePageTable{mappings: make(map[string][]byte), dirty: make(map[string]bool)}
}

func key(owner Owner, vaddr uintptr) string {
	return fmt.Sprintf("%v:%x", owner, vaddr)
}

func (f *fakePageTable) Install(owner Owner, vaddr uintptr, data []byte, writable bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := make([]byte, len(data))
	copy(cp, data)
	f.mappings[key(owner, vaddr)] = cp
	return nil
}

func (f *fakePageTable) Unmap(owner Owner, vaddr uintptr) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.mappings, key(owner, vaddr))
}

func (f *fakePageTable) IsDirty(owner Owner, vaddr uintptr) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.dirty[key(owner, vaddr)]
}

func (f *fakePageTable) ClearDirty(owner Owner, vaddr uintptr) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dirty[key(owner, vaddr)] = false
}

func (f *fakePageTable) markDirty(owner Owner, vaddr uintptr) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dirty[key(owner, vaddr)] = true
}

func newSwap(t *testing.T, slots int) *SwapTable {
	t.Helper()
	storage := memory.New(int64(slots*SectorsPerSlot) * blockdev.SectorSize)
	dev, err := blockdev.Open(blockdev.SWAP, storage, "", uuid.New())
	require.NoError(t, err)
	return NewSwapTable(dev)
}

func TestFaultOnZeroPageInstallsZeroedFrame(t *testing.T) {
	pt := newFakePageTable()
	swap := newSwap(t, 4)
	ft := NewFrameTable(2, swap, pt)
	table := NewTable("owner-1")
	table.AddZeroPage(0x1000, true)

	require.NoError(t, ft.Fault("owner-1", table, 0x1000))
	require.Equal(t, 1, ft.InUse())

	mapped := pt.mappings[key(Owner("owner-1"), 0x1000)]
	require.Len(t, mapped, PageSize)
	for _, b := range mapped {
		require.Zero(t, b)
	}
}

func TestFrameTableEvictsOldestOnExhaustion(t *testing.T) {
	pt := newFakePageTable()
	swap := newSwap(t, 4)
	ft := NewFrameTable(1, swap, pt)

	table := NewTable("owner-1")
	table.AddZeroPage(0x1000, true)
	table.AddZeroPage(0x2000, true)

	require.NoError(t, ft.Fault("owner-1", table, 0x1000))
	require.Equal(t, 1, ft.InUse())

	require.NoError(t, ft.Fault("owner-1", table, 0x2000))
	require.Equal(t, 1, ft.InUse())

	first, _ := table.Lookup(0x1000)
	require.Equal(t, backingSwap, first.backing)
	second, _ := table.Lookup(0x2000)
	require.Equal(t, backingFrame, second.backing)
}

func TestEvictedPageReloadsFromSwap(t *testing.T) {
	pt := newFakePageTable()
	swap := newSwap(t, 4)
	ft := NewFrameTable(1, swap, pt)

	table := NewTable("owner-1")
	table.AddZeroPage(0x1000, true)
	table.AddZeroPage(0x2000, true)

	require.NoError(t, ft.Fault("owner-1", table, 0x1000))
	require.NoError(t, ft.Fault("owner-1", table, 0x2000)) // evicts 0x1000 to swap

	page, _ := table.Lookup(0x1000)
	require.Equal(t, backingSwap, page.backing)

	// Faulting 0x1000 back in evicts 0x2000 in turn.
	require.NoError(t, ft.Fault("owner-1", table, 0x1000))
	reloaded, _ := table.Lookup(0x1000)
	require.Equal(t, backingFrame, reloaded.backing)
}

func TestFaultWithNoSupplementalEntryFails(t *testing.T) {
	pt := newFakePageTable()
	swap := newSwap(t, 4)
	ft := NewFrameTable(2, swap, pt)
	table := NewTable("owner-1")

	require.Error(t, ft.Fault("owner-1", table, 0x9000))
}

func TestEvictionReusesSwapSlotWhenUnmodified(t *testing.T) {
	pt := newFakePageTable()
	swap := newSwap(t, 4)
	ft := NewFrameTable(1, swap, pt)

	table := NewTable("owner-1")
	table.AddZeroPage(0x1000, true)
	table.AddZeroPage(0x2000, true)

	require.NoError(t, ft.Fault("owner-1", table, 0x1000))
	require.NoError(t, ft.Fault("owner-1", table, 0x2000)) // evicts 0x1000 to swap
	first, _ := table.Lookup(0x1000)
	require.Equal(t, backingSwap, first.backing)
	slotAfterFirstEvict := first.swapSlot

	require.NoError(t, ft.Fault("owner-1", table, 0x1000)) // reloads 0x1000, evicts 0x2000
	require.NoError(t, ft.Fault("owner-1", table, 0x2000)) // reloads 0x2000, evicts 0x1000 again

	second, _ := table.Lookup(0x1000)
	require.Equal(t, backingSwap, second.backing)
	require.Equal(t, slotAfterFirstEvict, second.swapSlot, "unmodified page should reuse its existing swap slot")
}

func TestTeardownAllReleasesFramesAndSwapSlots(t *testing.T) {
	pt := newFakePageTable()
	swap := newSwap(t, 4)
	ft := NewFrameTable(1, swap, pt)

	table := NewTable("owner-1")
	table.AddZeroPage(0x1000, true)
	table.AddZeroPage(0x2000, true)

	require.NoError(t, ft.Fault("owner-1", table, 0x1000))
	require.NoError(t, ft.Fault("owner-1", table, 0x2000)) // evicts 0x1000 to swap
	require.Equal(t, 1, ft.InUse())

	table.TeardownAll(ft)

	require.Equal(t, 0, ft.InUse())
	require.Empty(t, table.Pages())

	// The freed swap slot must be available for reuse.
	otherTable := NewTable("owner-2")
	otherTable.AddZeroPage(0x3000, true)
	require.NoError(t, ft.Fault("owner-2", otherTable, 0x3000))
	for i := 0; i < 4; i++ {
		otherTable.AddZeroPage(uintptr(0x4000+i*PageSize), true)
		require.NoError(t, ft.Fault("owner-2", otherTable, uintptr(0x4000+i*PageSize)))
	}
}

func TestCleanFileBackedPageEvictsWithoutTouchingSwap(t *testing.T) {
	pt := newFakePageTable()
	swap := newSwap(t, 4)
	ft := NewFrameTable(1, swap, pt)
	ino := newFileIno(t)
	defer ino.Close()

	table := NewTable("owner-1")
	table.AddFilePage(0x1000, ino, 0, PageSize, false)
	table.AddZeroPage(0x2000, true)

	require.NoError(t, ft.Fault("owner-1", table, 0x1000))
	require.NoError(t, ft.Fault("owner-1", table, 0x2000)) // evicts the clean file page

	page, _ := table.Lookup(0x1000)
	require.Equal(t, backingFile, page.backing, "a clean file-backed page should evict back to its file, not swap")
	require.False(t, page.hasSwapSlot, "a clean file-backed page eviction must not allocate a swap slot")

	// Faulting it back in must re-read from the file, not from swap.
	require.NoError(t, ft.Fault("owner-1", table, 0x1000))
	reloaded, _ := table.Lookup(0x1000)
	require.Equal(t, backingFrame, reloaded.backing)
}

func TestFrameCapacityNeverExceeded(t *testing.T) {
	pt := newFakePageTable()
	swap := newSwap(t, 8)
	ft := NewFrameTable(2, swap, pt)
	table := NewTable("owner-1")
	for i := uintptr(0); i < 5; i++ {
		table.AddZeroPage(i*PageSize, true)
	}
	for i := uintptr(0); i < 5; i++ {
		require.NoError(t, ft.Fault("owner-1", table, i*PageSize))
		require.LessOrEqual(t, ft.InUse(), ft.Capacity())
	}
}
