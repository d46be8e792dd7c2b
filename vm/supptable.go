package vm

import (
	"sync"

	"github.com/pintfs/pintfs/inode"
)

// Owner identifies whatever address space a page belongs to. It is
// opaque to this package and only ever used as a map key and as an
// argument passed through to PageTable, so any comparable caller type
// (a pid, a *Task, a uuid) works.
type Owner interface{}

// backing names which of the mutually exclusive sources currently holds
// a page's data.
type backing int

const (
	backingZero backing = iota
	backingFile
	backingSwap
	backingFrame
)

// Page is one supplemental page table entry: the full story of where a
// virtual page's bytes live, whether or not it is currently resident.
type Page struct {
	vaddr    uintptr
	writable bool
	backing  backing

	// origin is the page's source of truth when it is not resident in a
	// frame — backingZero or backingFile, set once at creation and never
	// changed. backing tracks where the page's bytes currently live
	// (including backingFrame while resident); origin is what eviction
	// consults to decide whether a page belongs back on its file or in
	// swap, since backing itself gets overwritten on every fault-in.
	origin backing

	fileIno    *inode.Inode
	fileOffset int64
	readBytes  int

	// swapSlot and hasSwapSlot persist across residency changes: a slot
	// is claimed the first time a page is evicted to swap and is not
	// released until the page is torn down, so re-evicting an unmodified
	// page can reuse it instead of allocating a fresh one.
	swapSlot    Slot
	hasSwapSlot bool

	frame *frameEntry
}

// Table is one address space's supplemental page table.
type Table struct {
	owner Owner

	mu    sync.Mutex
	pages map[uintptr]*Page
}

// NewTable creates an empty supplemental page table for owner.
func NewTable(owner Owner) *Table {
	return &Table{owner: owner, pages: make(map[uintptr]*Page)}
}

func pageAlign(vaddr uintptr) uintptr {
	return vaddr &^ (PageSize - 1)
}

// AddZeroPage registers a demand-zero page at vaddr.
func (t *Table) AddZeroPage(vaddr uintptr, writable bool) {
	vaddr = pageAlign(vaddr)
	t.mu.Lock()
	defer t.mu.Unlock()
	t.pages[vaddr] = &Page{vaddr: vaddr, writable: writable, backing: backingZero, origin: backingZero}
}

// AddFilePage registers a page backed by readBytes bytes of ino starting
// at offset, zero-filling the remainder of the page. This is how a
// mapped or demand-loaded executable segment's pages are described
// without reading any of them yet.
func (t *Table) AddFilePage(vaddr uintptr, ino *inode.Inode, offset int64, readBytes int, writable bool) {
	vaddr = pageAlign(vaddr)
	t.mu.Lock()
	defer t.mu.Unlock()
	t.pages[vaddr] = &Page{
		vaddr:      vaddr,
		writable:   writable,
		backing:    backingFile,
		origin:     backingFile,
		fileIno:    ino,
		fileOffset: offset,
		readBytes:  readBytes,
	}
}

// Lookup returns the page covering vaddr, if this table has one.
func (t *Table) Lookup(vaddr uintptr) (*Page, bool) {
	vaddr = pageAlign(vaddr)
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.pages[vaddr]
	return p, ok
}

// Remove drops vaddr's entry, returning it so the caller can release
// whatever frame or swap slot it still held; Remove itself releases
// neither.
func (t *Table) Remove(vaddr uintptr) (*Page, bool) {
	vaddr = pageAlign(vaddr)
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.pages[vaddr]
	if ok {
		delete(t.pages, vaddr)
	}
	return p, ok
}

// Pages returns every page currently tracked, for process-exit cleanup.
func (t *Table) Pages() []*Page {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]*Page, 0, len(t.pages))
	for _, p := range t.pages {
		out = append(out, p)
	}
	return out
}

// TeardownAll releases every frame and swap slot this table's pages
// still hold and empties the table. It is the counterpart to teardown_all:
// called once when the owning task exits. Eviction hands frames back to
// the pool, but a page keeps its swap slot across ordinary residency
// changes and nothing else frees it.
func (t *Table) TeardownAll(ft *FrameTable) {
	for _, page := range t.Pages() {
		ft.Release(page)
		if page.hasSwapSlot {
			ft.swap.Free(page.swapSlot)
			page.hasSwapSlot = false
		}
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.pages = make(map[uintptr]*Page)
}
