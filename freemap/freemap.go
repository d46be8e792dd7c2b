// Package freemap implements the free-space bitmap: one bit per sector on
// the FS device, persisted as the content of an ordinary inode that
// itself lives at a reserved sector. Its own backing inode is fully
// pre-allocated at format time, which is what lets this package satisfy
// inode.Allocator without ever recursing into itself while persisting a
// change.
package freemap

import (
	"fmt"
	"sync"

	"github.com/pintfs/pintfs/blockdev"
	"github.com/pintfs/pintfs/inode"
	"github.com/pintfs/pintfs/internal/bitmap"
	"github.com/pintfs/pintfs/log"
	"github.com/pintfs/pintfs/metrics"
)

var logger = log.For("freemap")

// Reserved sector numbers. The free map's own inode must live at a fixed,
// well-known sector so mount can find it before any directory lookup is
// possible.
const (
	SelfSector = 0
	RootSector = 1

	reservedSectors = 2
)

// Map is the sector-granularity free-space tracker, and the inode
// package's Allocator. A filesystem has exactly one, constructed once at
// mount and torn down once at unmount.
type Map struct {
	mu    sync.Mutex
	bits  *bitmap.Bitmap
	store *inode.Store
	self  *inode.Inode
	rec   *metrics.Recorder
}

// SetMetrics attaches a metrics recorder; nil (the default) disables
// metric emission entirely.
func (m *Map) SetMetrics(rec *metrics.Recorder) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rec = rec
	if rec != nil {
		rec.FreeMapSectors.Set(float64(m.bits.Count()))
	}
}

// reportLocked refreshes the free-map-sectors gauge. Caller must hold m.mu.
func (m *Map) reportLocked() {
	if m.rec != nil {
		m.rec.FreeMapSectors.Set(float64(m.bits.Count()))
	}
}

// Format builds a brand-new free map for a device with totalSectors
// sectors, reserving SelfSector and RootSector, and wires it to a fresh
// inode.Store bound to dev. It returns both so the caller can go on to
// create the root directory inode through the same store.
func Format(dev *blockdev.Device, totalSectors uint32) (*Map, *inode.Store, error) {
	if totalSectors <= reservedSectors {
		return nil, nil, fmt.Errorf("freemap: device too small: %d sectors", totalSectors)
	}

	m := &Map{bits: bitmap.NewBits(int(totalSectors))}
	if err := m.bits.Set(SelfSector); err != nil {
		return nil, nil, err
	}
	if err := m.bits.Set(RootSector); err != nil {
		return nil, nil, err
	}

	store := inode.NewStore(dev, m)

	nbytes := int64((totalSectors + 7) / 8)
	ok, err := store.CreateFormatting(SelfSector, nbytes, false)
	if err != nil {
		return nil, nil, err
	}
	if !ok {
		return nil, nil, fmt.Errorf("freemap: failed to format self inode")
	}
	ok, err = store.CreateFormatting(RootSector, 0, true)
	if err != nil {
		return nil, nil, err
	}
	if !ok {
		return nil, nil, fmt.Errorf("freemap: failed to format root directory inode")
	}

	self, found, err := store.Open(SelfSector)
	if err != nil {
		return nil, nil, err
	}
	if !found {
		return nil, nil, fmt.Errorf("freemap: self inode vanished immediately after formatting")
	}
	m.store = store
	m.self = self

	if _, err := self.WriteAt(m.bits.ToBytes(), 0); err != nil {
		return nil, nil, err
	}
	return m, store, nil
}

// Open reconstructs the free map from an already-formatted device: it
// reads the entire bitmap image off the self inode into memory, the same
// bootstrap two-phase dance as Format but reading instead of writing.
func Open(dev *blockdev.Device) (*Map, *inode.Store, error) {
	m := &Map{bits: bitmap.NewBits(int(dev.SectorCount()))}
	store := inode.NewStore(dev, m)

	self, found, err := store.Open(SelfSector)
	if err != nil {
		return nil, nil, err
	}
	if !found {
		return nil, nil, fmt.Errorf("freemap: no inode found at reserved sector %d", SelfSector)
	}

	buf := make([]byte, self.Length())
	if _, err := self.ReadAt(buf, 0); err != nil {
		return nil, nil, err
	}
	m.bits.FromBytes(buf)
	m.store = store
	m.self = self
	return m, store, nil
}

// Allocate claims and returns one free sector.
func (m *Map) Allocate() (uint32, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	free := m.bits.FirstFree(0)
	if free == -1 {
		return 0, false
	}
	if err := m.bits.Set(free); err != nil {
		logger.WithError(err).Error("failed to mark allocated bit set")
		return 0, false
	}
	if err := m.persistLocked(); err != nil {
		logger.WithError(err).Error("failed to persist free map after allocate")
		_ = m.bits.Clear(free)
		return 0, false
	}
	m.reportLocked()
	return uint32(free), true
}

// AllocateRun claims n contiguous free sectors, used only for the
// mkfs-time preallocation path.
func (m *Map) AllocateRun(n int) (uint32, bool) {
	if n <= 0 {
		return 0, true
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	start, ok := m.bits.FirstRun(n, 0)
	if !ok {
		return 0, false
	}
	if err := m.bits.SetRun(start, n); err != nil {
		logger.WithError(err).Error("failed to mark allocated run set")
		return 0, false
	}
	if err := m.persistLocked(); err != nil {
		logger.WithError(err).Error("failed to persist free map after allocate run")
		_ = m.bits.ClearRun(start, n)
		return 0, false
	}
	m.reportLocked()
	return uint32(start), true
}

// Release returns sector to the pool of free sectors.
func (m *Map) Release(sector uint32) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if set, err := m.bits.IsSet(int(sector)); err != nil || !set {
		log.Fatal(logger.WithField("sector", sector), "release of sector %d that was not marked allocated", sector)
		return
	}
	if err := m.bits.Clear(int(sector)); err != nil {
		logger.WithError(err).Error("failed to clear released bit")
		return
	}
	if err := m.persistLocked(); err != nil {
		logger.WithError(err).Error("failed to persist free map after release")
	}
	m.reportLocked()
}

// ReleaseRun returns n contiguous sectors starting at start.
func (m *Map) ReleaseRun(start uint32, n int) {
	if n <= 0 {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.bits.ClearRun(int(start), n); err != nil {
		logger.WithError(err).Error("failed to clear released run")
		return
	}
	if err := m.persistLocked(); err != nil {
		logger.WithError(err).Error("failed to persist free map after release run")
	}
	m.reportLocked()
}

// InUse reports the number of sectors currently marked allocated,
// exposed for the conservation check a filesystem checker runs: in-use
// plus free must equal total sectors, always.
func (m *Map) InUse() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.bits.Count()
}

// Total reports the number of sectors this map addresses.
func (m *Map) Total() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.bits.Len()
}

// Store returns the inode store this map backs, so callers that only
// held on to the Map (after a reload, say) can still open inodes.
func (m *Map) Store() *inode.Store { return m.store }

// persistLocked writes the in-memory bitmap back to the self inode.
// Caller must hold m.mu. Before the self inode exists — during Format's
// own bootstrap, while it is still preallocating the self and root
// inodes through this very map — there is nothing to write back to yet;
// Format persists the assembled bitmap once, explicitly, right after it
// opens the self inode. Once self is set, the inode's data sectors are
// fully pre-allocated to exactly the bitmap's byte length, so this call
// can never trigger a growth allocation back into m — that would
// deadlock on m.mu, which this goroutine already holds.
func (m *Map) persistLocked() error {
	if m.self == nil {
		return nil
	}
	_, err := m.self.WriteAt(m.bits.ToBytes(), 0)
	return err
}
