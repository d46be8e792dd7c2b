// Package inode implements the on-disk inode store (component C): the
// multi-level indexed inode with dynamic growth and sparse blocks, plus
// the in-memory open-inode table that guarantees exclusive openness per
// sector (spec.md §3, §4.C, §8).
package inode

import (
	"fmt"
	"sync"

	"github.com/pintfs/pintfs/blockdev"
	"github.com/pintfs/pintfs/log"
	"github.com/pintfs/pintfs/metrics"
)

var logger = log.For("inode")

// Allocator is the free-space map's contract with the inode store. The
// inode package never imports the free map directly — it only depends on
// this interface — so the free map's own backing inode can be opened
// through the very same Store it allocates from without an import cycle.
type Allocator interface {
	Allocate() (sector uint32, ok bool)
	AllocateRun(n int) (start uint32, ok bool)
	Release(sector uint32)
	ReleaseRun(start uint32, n int)
}

// Store is the process-wide open-inode table: "opening a single inode
// twice returns the same struct" (spec.md §3). It must be constructed
// once at mount and torn down once at unmount, never lazily on first use
// (spec.md §9, "global mutable tables").
type Store struct {
	dev   *blockdev.Device
	alloc Allocator

	mu   sync.Mutex
	open map[uint32]*Inode
	rec  *metrics.Recorder
}

// SetMetrics attaches a metrics recorder; nil (the default) disables
// metric emission entirely.
func (s *Store) SetMetrics(rec *metrics.Recorder) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rec = rec
	if rec != nil {
		rec.InodesOpen.Set(float64(len(s.open)))
	}
}

// NewStore constructs the inode store bound to dev's sectors, allocating
// new blocks through alloc.
func NewStore(dev *blockdev.Device, alloc Allocator) *Store {
	return &Store{
		dev:   dev,
		alloc: alloc,
		open:  make(map[uint32]*Inode),
	}
}

// Create writes a fresh inode image to sector: length bytes, the given
// type, and every index slot unallocated. Blocks are not pre-allocated;
// they are lazily allocated on first write (spec.md §4.C).
func (s *Store) Create(sector uint32, length int64, isDir bool) (bool, error) {
	return s.create(sector, length, isDir, false)
}

// CreateFormatting is Create's counterpart for the mkfs-time "uninitialized"
// phase (spec.md §4.C): contiguous data sectors, and one indirect block if
// needed, are pre-allocated and zeroed up front. It exists only for the
// free map's own inode and the root directory's inode, both created while
// the free map bitmap is still being assembled in memory.
func (s *Store) CreateFormatting(sector uint32, length int64, isDir bool) (bool, error) {
	return s.create(sector, length, isDir, true)
}

func (s *Store) create(sector uint32, length int64, isDir bool, preallocate bool) (bool, error) {
	if length < 0 {
		return false, fmt.Errorf("inode_create: negative length %d", length)
	}
	if length > MaxFileSize {
		return false, fmt.Errorf("inode_create: length %d exceeds max file size %d", length, MaxFileSize)
	}

	d := &onDisk{length: int32(length), singleIndirect: NoSector, doubleIndirect: NoSector}
	for i := range d.direct {
		d.direct[i] = NoSector
	}
	if isDir {
		d.magic = MagicDir
	} else {
		d.magic = MagicFile
	}

	if preallocate && length > 0 {
		sectors := bytesToSectors(length)
		additional := 0
		if sectors > DirectCount {
			additional = 1
		}
		if sectors > DirectCount+IndirectEntries {
			return false, fmt.Errorf("inode_create: formatting preallocation only supports up to %d sectors, got %d", DirectCount+IndirectEntries, sectors)
		}
		start, ok := s.alloc.AllocateRun(sectors + additional)
		if !ok {
			return false, nil
		}
		zero := make([]byte, blockdev.SectorSize)
		next := start
		for i := 0; i < sectors && i < DirectCount; i++ {
			d.direct[i] = SectorRef(next)
			if err := s.dev.WriteSector(next, zero); err != nil {
				return false, err
			}
			next++
		}
		if additional > 0 {
			d.singleIndirect = SectorRef(next)
			indirectSector := next
			next++
			entries := newEmptyIndirect()
			for i := DirectCount; i < sectors; i++ {
				entries[i-DirectCount] = SectorRef(next)
				if err := s.dev.WriteSector(next, zero); err != nil {
					return false, err
				}
				next++
			}
			if err := s.dev.WriteSector(indirectSector, encodeIndirect(entries)); err != nil {
				return false, err
			}
		}
	}

	if err := s.dev.WriteSector(sector, d.encode()); err != nil {
		return false, err
	}
	return true, nil
}

// Open returns the shared in-memory inode for sector, incrementing its
// open count if already cached. It fails (returns ok=false) only when
// the on-disk magic is neither MagicDir nor MagicFile — a sign the
// sector does not hold an inode at all.
func (s *Store) Open(sector uint32) (*Inode, bool, error) {
	s.mu.Lock()
	if ino, found := s.open[sector]; found {
		ino.mu.Lock()
		ino.openCount++
		ino.mu.Unlock()
		s.mu.Unlock()
		return ino, true, nil
	}
	s.mu.Unlock()

	buf := make([]byte, blockdev.SectorSize)
	if err := s.dev.ReadSector(sector, buf); err != nil {
		return nil, false, err
	}
	d := decodeOnDisk(buf)
	if d.magic != MagicDir && d.magic != MagicFile {
		return nil, false, nil
	}

	ino := &Inode{
		store:     s,
		sector:    sector,
		openCount: 1,
		length:    d.length,
		magic:     d.magic,
		direct:    d.direct,
		single:    d.singleIndirect,
		double:    d.doubleIndirect,
	}

	s.mu.Lock()
	// Another caller may have opened the same sector while we were
	// reading it off disk; the open-inode list is the single source of
	// truth, so prefer whatever is already registered.
	if existing, found := s.open[sector]; found {
		existing.mu.Lock()
		existing.openCount++
		existing.mu.Unlock()
		s.mu.Unlock()
		return existing, true, nil
	}
	s.open[sector] = ino
	if s.rec != nil {
		s.rec.InodesOpen.Set(float64(len(s.open)))
	}
	s.mu.Unlock()

	return ino, true, nil
}

// closeInode removes ino from the open table once its open count reaches
// zero, releasing its backing sectors first if it was marked removed.
func (s *Store) closeInode(ino *Inode) error {
	s.mu.Lock()
	delete(s.open, ino.sector)
	if s.rec != nil {
		s.rec.InodesOpen.Set(float64(len(s.open)))
	}
	s.mu.Unlock()

	if !ino.removed {
		return nil
	}

	s.alloc.Release(ino.sector)
	for _, ref := range ino.direct {
		if ref.Valid() {
			s.alloc.Release(uint32(ref))
		}
	}
	if ino.single.Valid() {
		blk, err := s.readIndirect(ino.single)
		if err != nil {
			logger.WithError(err).WithField("sector", ino.sector).Error("failed to read single-indirect block on close; its data sectors leak")
		} else {
			for _, ref := range blk.entries {
				if ref.Valid() {
					s.alloc.Release(uint32(ref))
				}
			}
		}
		s.alloc.Release(uint32(ino.single))
	}
	if ino.double.Valid() {
		meta, err := s.readIndirect(ino.double)
		if err != nil {
			logger.WithError(err).WithField("sector", ino.sector).Error("failed to read double-indirect meta block on close; its blocks leak")
		} else {
			for _, metaRef := range meta.entries {
				if !metaRef.Valid() {
					continue
				}
				blk, err := s.readIndirect(metaRef)
				if err != nil {
					logger.WithError(err).WithField("sector", ino.sector).Error("failed to read double-indirect data block on close; its data sectors leak")
					continue
				}
				for _, ref := range blk.entries {
					if ref.Valid() {
						s.alloc.Release(uint32(ref))
					}
				}
				s.alloc.Release(uint32(metaRef))
			}
		}
		s.alloc.Release(uint32(ino.double))
	}
	return nil
}

func (s *Store) readIndirect(sector SectorRef) (*indirectBlock, error) {
	buf := make([]byte, blockdev.SectorSize)
	if err := s.dev.ReadSector(uint32(sector), buf); err != nil {
		return nil, err
	}
	return &indirectBlock{sector: sector, entries: decodeIndirect(buf)}, nil
}

func (s *Store) writeIndirect(blk *indirectBlock) error {
	return s.dev.WriteSector(uint32(blk.sector), encodeIndirect(blk.entries))
}
