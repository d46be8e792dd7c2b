// Package vm implements demand-paged virtual memory: a global frame
// table with FIFO eviction (component G), the swap slot allocator
// (component H, swap.go), the per-owner supplemental page table
// (component I, supptable.go), and the fault handler that ties them
// together (component J, fault.go).
package vm

import (
	"fmt"
	"sync"

	"github.com/pintfs/pintfs/log"
	"github.com/pintfs/pintfs/metrics"
)

var frameLogger = log.For("vm.frame")

// PageTable is this package's entire contract with whatever holds the
// real hardware/OS page table mappings. pintfs never reads or writes a
// page table directly; it only calls through this interface, which lets
// the dirty/accessed-bit dependency that eviction needs stay someone
// else's concern to implement and someone else's to fake in tests.
type PageTable interface {
	// Install maps vaddr in owner's address space to point at data,
	// PageSize bytes, read-only unless writable is set.
	Install(owner Owner, vaddr uintptr, data []byte, writable bool) error
	// Unmap removes whatever mapping owner has at vaddr, if any.
	Unmap(owner Owner, vaddr uintptr)
	// IsDirty reports whether owner has written to vaddr's page since it
	// was last installed or had its dirty bit cleared.
	IsDirty(owner Owner, vaddr uintptr) bool
	// ClearDirty clears vaddr's dirty bit for owner.
	ClearDirty(owner Owner, vaddr uintptr)
}

type frameEntry struct {
	index int
	owner Owner
	page  *Page
	data  [PageSize]byte
}

// FrameTable is the fixed-capacity pool of physical-ish frames shared by
// every address space. One process's greedy allocation can legitimately
// evict another's page; that's the entire point of the cap.
type FrameTable struct {
	mu       sync.Mutex
	capacity int
	frames   map[int]*frameEntry
	order    []int // FIFO queue of occupied frame indices, oldest first
	free     []int

	swap *SwapTable
	pt   PageTable
	rec  *metrics.Recorder
}

// SetMetrics attaches a metrics recorder; nil (the default) disables
// metric emission entirely.
func (ft *FrameTable) SetMetrics(rec *metrics.Recorder) {
	ft.mu.Lock()
	defer ft.mu.Unlock()
	ft.rec = rec
}

// NewFrameTable builds a frame table with room for capacity resident
// pages, evicting to swap via swapTable and updating mappings via pt.
func NewFrameTable(capacity int, swapTable *SwapTable, pt PageTable) *FrameTable {
	free := make([]int, capacity)
	for i := 0; i < capacity; i++ {
		free[i] = capacity - 1 - i
	}
	return &FrameTable{
		capacity: capacity,
		frames:   make(map[int]*frameEntry),
		free:     free,
		swap:     swapTable,
		pt:       pt,
	}
}

// InUse reports how many frames are currently occupied.
func (ft *FrameTable) InUse() int {
	ft.mu.Lock()
	defer ft.mu.Unlock()
	return len(ft.frames)
}

// Capacity reports the frame table's fixed size.
func (ft *FrameTable) Capacity() int { return ft.capacity }

// obtain claims a frame for page, evicting the oldest occupant if the
// table is full, and returns the now-owned, not-yet-filled entry.
func (ft *FrameTable) obtain(owner Owner, page *Page) (*frameEntry, error) {
	ft.mu.Lock()
	defer ft.mu.Unlock()

	var idx int
	if len(ft.free) > 0 {
		idx = ft.free[len(ft.free)-1]
		ft.free = ft.free[:len(ft.free)-1]
	} else {
		var err error
		idx, err = ft.evictLocked()
		if err != nil {
			return nil, err
		}
	}

	entry := &frameEntry{index: idx, owner: owner, page: page}
	ft.frames[idx] = entry
	ft.order = append(ft.order, idx)
	return entry, nil
}

// evictLocked pops the oldest occupied frame, writes its contents back
// to wherever they belong, and returns its index for reuse. Caller must
// hold ft.mu.
func (ft *FrameTable) evictLocked() (int, error) {
	if len(ft.order) == 0 {
		return 0, fmt.Errorf("vm: frame table full with no occupant to evict")
	}
	victimIdx := ft.order[0]
	ft.order = ft.order[1:]
	victim := ft.frames[victimIdx]

	dirty := ft.pt.IsDirty(victim.owner, victim.page.vaddr)
	switch {
	case victim.page.origin == backingFile && !dirty:
		// Clean file-backed page: its bytes are still on disk under the
		// file, nothing to write back.
		victim.page.backing = backingFile
	case victim.page.origin == backingFile && dirty:
		if _, err := victim.page.fileIno.WriteAt(victim.data[:victim.page.readBytes], victim.page.fileOffset); err != nil {
			return 0, fmt.Errorf("vm: writing dirty file-backed page back: %w", err)
		}
		victim.page.backing = backingFile
	case victim.page.hasSwapSlot && !dirty:
		// The page's existing slot still holds exactly these bytes from
		// its last time out; there is nothing to rewrite and no new slot
		// to allocate.
		victim.page.backing = backingSwap
	case victim.page.hasSwapSlot && dirty:
		if err := ft.swap.Write(victim.page.swapSlot, victim.data[:]); err != nil {
			return 0, err
		}
		victim.page.backing = backingSwap
	default:
		slot, ok := ft.swap.Allocate()
		if !ok {
			return 0, fmt.Errorf("vm: swap exhausted, cannot evict frame %d", victimIdx)
		}
		if err := ft.swap.Write(slot, victim.data[:]); err != nil {
			ft.swap.Free(slot)
			return 0, err
		}
		victim.page.backing = backingSwap
		victim.page.swapSlot = slot
		victim.page.hasSwapSlot = true
	}

	ft.pt.Unmap(victim.owner, victim.page.vaddr)
	victim.page.frame = nil
	delete(ft.frames, victimIdx)
	if ft.rec != nil {
		ft.rec.PageEvictions.Inc()
	}
	frameLogger.WithField("frame", victimIdx).Debug("evicted frame")
	return victimIdx, nil
}

// Release frees the frame backing page, if it currently holds one. Used
// when a page is explicitly unmapped rather than evicted under pressure.
func (ft *FrameTable) Release(page *Page) {
	ft.mu.Lock()
	defer ft.mu.Unlock()
	if page.frame == nil {
		return
	}
	idx := page.frame.index
	delete(ft.frames, idx)
	for i, v := range ft.order {
		if v == idx {
			ft.order = append(ft.order[:i], ft.order[i+1:]...)
			break
		}
	}
	ft.free = append(ft.free, idx)
	page.frame = nil
}
