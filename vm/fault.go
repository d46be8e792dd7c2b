package vm

import "fmt"

// Fault resolves a page fault at vaddr within owner's address space,
// described by table. It is the Go counterpart of restore_page: look up
// the supplemental entry, pull a frame from the pool (evicting if
// necessary), fill it from whichever backing source the entry names,
// and install the mapping. A fault on a vaddr with no supplemental entry
// is not this package's problem to classify as a real segfault versus a
// stack-growth case; Fault just reports "no such page".
func (ft *FrameTable) Fault(owner Owner, table *Table, vaddr uintptr) error {
	vaddr = pageAlign(vaddr)
	if ft.rec != nil {
		ft.rec.PageFaults.Inc()
	}
	page, found := table.Lookup(vaddr)
	if !found {
		return fmt.Errorf("vm: no supplemental page table entry for %#x", vaddr)
	}
	if page.backing == backingFrame {
		// Already resident; nothing to do. A hardware fault landing here
		// means the fault was for a different reason (e.g. a protection
		// fault on a read-only page), which this package doesn't handle.
		return nil
	}

	entry, err := ft.obtain(owner, page)
	if err != nil {
		return err
	}
	// Set eagerly, before the fill below can fail, so a failed fill's
	// Release(page) call can find and free this frame rather than
	// leaking it as an orphaned, unreachable entry in ft.frames.
	page.frame = entry

	switch page.backing {
	case backingZero:
		for i := range entry.data {
			entry.data[i] = 0
		}
	case backingFile:
		n, err := page.fileIno.ReadAt(entry.data[:page.readBytes], page.fileOffset)
		if err != nil {
			ft.Release(page)
			return fmt.Errorf("vm: loading file-backed page: %w", err)
		}
		for i := n; i < PageSize; i++ {
			entry.data[i] = 0
		}
	case backingSwap:
		if err := ft.swap.Read(page.swapSlot, entry.data[:]); err != nil {
			ft.Release(page)
			return fmt.Errorf("vm: loading swapped-out page: %w", err)
		}
		// The slot stays allocated to this page until the page is torn
		// down; evictLocked rewrites it in place when the page is dirty,
		// and an unmodified page re-evicted later reuses it as is instead
		// of burning a fresh slot every cycle.
	default:
		ft.Release(page)
		return fmt.Errorf("vm: page at %#x has unknown backing %d", vaddr, page.backing)
	}

	page.backing = backingFrame
	if err := ft.pt.Install(owner, vaddr, entry.data[:], page.writable); err != nil {
		ft.Release(page)
		return fmt.Errorf("vm: installing page table mapping: %w", err)
	}
	ft.pt.ClearDirty(owner, vaddr)
	return nil
}
