package vm

import (
	"fmt"
	"sync"

	"github.com/pintfs/pintfs/blockdev"
	"github.com/pintfs/pintfs/internal/bitmap"
	"github.com/pintfs/pintfs/log"
	"github.com/pintfs/pintfs/metrics"
)

var swapLogger = log.For("vm.swap")

// PageSize is the unit of virtual memory this package pages in and out,
// independent of the 512-byte sector size the block devices use.
const PageSize = 4096

// SectorsPerSlot is how many device sectors back one swap slot.
const SectorsPerSlot = PageSize / blockdev.SectorSize

// SwapTable is the slot allocator over the SWAP device: one bit per
// PageSize-sized slot, with a rotating search hint so repeated
// allocate/free cycles don't keep rescanning from slot zero.
type SwapTable struct {
	mu   sync.Mutex
	dev  *blockdev.Device
	bits *bitmap.Bitmap
	hint int
	rec  *metrics.Recorder
}

// SetMetrics attaches a metrics recorder; nil (the default) disables
// metric emission entirely.
func (st *SwapTable) SetMetrics(rec *metrics.Recorder) {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.rec = rec
	if rec != nil {
		rec.SwapSlotsInUse.Set(float64(st.bits.Count()))
	}
}

// NewSwapTable builds a swap table over dev, sized to however many whole
// slots the device holds.
func NewSwapTable(dev *blockdev.Device) *SwapTable {
	slots := int(dev.SectorCount()) / SectorsPerSlot
	return &SwapTable{dev: dev, bits: bitmap.NewBits(slots)}
}

// Slot identifies one swap slot by index. The zero value names slot 0,
// so whether Allocate obtained a slot is told by its ok result alone.
type Slot struct {
	index int
}

// Allocate claims a free swap slot.
func (st *SwapTable) Allocate() (Slot, bool) {
	st.mu.Lock()
	defer st.mu.Unlock()
	free := st.bits.FirstFree(st.hint)
	if free == -1 {
		free = st.bits.FirstFree(0)
	}
	if free == -1 {
		return Slot{}, false
	}
	if err := st.bits.Set(free); err != nil {
		swapLogger.WithError(err).Error("failed to mark swap slot allocated")
		return Slot{}, false
	}
	st.hint = free + 1
	if st.hint >= st.bits.Len() {
		st.hint = 0
	}
	if st.rec != nil {
		st.rec.SwapSlotsInUse.Set(float64(st.bits.Count()))
	}
	return Slot{index: free}, true
}

// Free returns slot to the pool.
func (st *SwapTable) Free(slot Slot) {
	st.mu.Lock()
	defer st.mu.Unlock()
	if err := st.bits.Clear(slot.index); err != nil {
		swapLogger.WithError(err).Error("failed to clear swap slot")
		return
	}
	if st.rec != nil {
		st.rec.SwapSlotsInUse.Set(float64(st.bits.Count()))
	}
}

// Write stores one page's worth of data into slot.
func (st *SwapTable) Write(slot Slot, data []byte) error {
	if len(data) != PageSize {
		return fmt.Errorf("vm: swap write expects %d bytes, got %d", PageSize, len(data))
	}
	base := slot.index * SectorsPerSlot
	for i := 0; i < SectorsPerSlot; i++ {
		off := i * blockdev.SectorSize
		if err := st.dev.WriteSector(uint32(base+i), data[off:off+blockdev.SectorSize]); err != nil {
			return err
		}
	}
	return nil
}

// Read loads slot's page's worth of data into data.
func (st *SwapTable) Read(slot Slot, data []byte) error {
	if len(data) != PageSize {
		return fmt.Errorf("vm: swap read expects %d bytes, got %d", PageSize, len(data))
	}
	base := slot.index * SectorsPerSlot
	for i := 0; i < SectorsPerSlot; i++ {
		off := i * blockdev.SectorSize
		if err := st.dev.ReadSector(uint32(base+i), data[off:off+blockdev.SectorSize]); err != nil {
			return err
		}
	}
	return nil
}
