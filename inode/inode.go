package inode

import (
	"fmt"
	"sync"

	"github.com/pintfs/pintfs/blockdev"
)

// Inode is the shared, reference-counted in-memory handle for one inode
// sector. The store hands out the same *Inode to every caller that opens
// the same sector, so openCount and removed are the single source of
// truth for "is this inode still reachable" (spec.md §3, §8).
type Inode struct {
	store  *Store
	sector uint32

	mu            sync.Mutex
	openCount     int
	denyWriteCount int
	removed       bool

	length int32
	magic  Magic
	direct [DirectCount]SectorRef
	single SectorRef
	double SectorRef

	singleCache *indirectBlock
	doubleMeta  *indirectBlock
	doubleLeaf  [IndirectEntries]*indirectBlock
}

// Sector returns the inode's own sector number, its identity for the
// lifetime of the filesystem.
func (ino *Inode) Sector() uint32 { return ino.sector }

// IsDir reports whether the inode holds a directory. This compares the
// magic against MagicDir by equality rather than by masking a bit out of
// a combined flags word, which is what made the original's directory
// test unreliable on an inode that had never been written (spec.md's
// design notes call this out directly).
func (ino *Inode) IsDir() bool {
	ino.mu.Lock()
	defer ino.mu.Unlock()
	return ino.magic == MagicDir
}

// Length returns the inode's current byte length.
func (ino *Inode) Length() int64 {
	ino.mu.Lock()
	defer ino.mu.Unlock()
	return int64(ino.length)
}

// Open increments the inode's open count, mirroring what Store.Open does
// for a fresh lookup; it is exposed so directory traversal can bump the
// count on an inode it already holds a pointer to without going back
// through the store's sector lookup.
func (ino *Inode) Open() {
	ino.mu.Lock()
	ino.openCount++
	ino.mu.Unlock()
}

// Close drops one reference. Once the open count reaches zero and the
// inode was marked Remove()d, its sectors are returned to the free map
// and the on-disk inode becomes unreachable.
func (ino *Inode) Close() error {
	ino.mu.Lock()
	ino.openCount--
	count := ino.openCount
	ino.mu.Unlock()
	if count > 0 {
		return nil
	}
	if count < 0 {
		logger.WithField("sector", ino.sector).Error("inode closed more times than it was opened")
		return nil
	}
	return ino.store.closeInode(ino)
}

// Remove marks the inode for deletion once its last open reference
// closes (spec.md's "removed but still open" rule). Directory entry
// removal always happens immediately; only the backing sectors linger
// until the last file handle goes away.
func (ino *Inode) Remove() {
	ino.mu.Lock()
	ino.removed = true
	ino.mu.Unlock()
}

// Removed reports whether Remove has already been called.
func (ino *Inode) Removed() bool {
	ino.mu.Lock()
	defer ino.mu.Unlock()
	return ino.removed
}

// DenyWrite increments the deny-write count, blocking future writers.
// The invariant 0 <= denyWriteCount <= openCount holds because the only
// caller is a file handle that itself counts against openCount.
func (ino *Inode) DenyWrite() {
	ino.mu.Lock()
	ino.denyWriteCount++
	ino.mu.Unlock()
}

// AllowWrite undoes one DenyWrite.
func (ino *Inode) AllowWrite() {
	ino.mu.Lock()
	if ino.denyWriteCount > 0 {
		ino.denyWriteCount--
	}
	ino.mu.Unlock()
}

// writableLocked reports whether writes are currently permitted; caller must
// hold ino.mu.
func (ino *Inode) writableLocked() bool { return ino.denyWriteCount == 0 }

// ReadAt fills buf starting at byte offset, zero-filling any sparse hole
// and stopping at end-of-file. It never returns an error for a short
// read past EOF — the returned count says how much was real.
func (ino *Inode) ReadAt(buf []byte, offset int64) (int, error) {
	if offset < 0 {
		return 0, fmt.Errorf("inode: negative read offset %d", offset)
	}
	ino.mu.Lock()
	defer ino.mu.Unlock()

	total := 0
	length := int64(ino.length)
	for total < len(buf) {
		pos := offset + int64(total)
		if pos >= length {
			break
		}
		idx := int(pos / blockdev.SectorSize)
		sectorOfs := int(pos % blockdev.SectorSize)
		chunk := blockdev.SectorSize - sectorOfs
		if remaining := len(buf) - total; chunk > remaining {
			chunk = remaining
		}
		if remaining := length - pos; int64(chunk) > remaining {
			chunk = int(remaining)
		}

		ref, err := ino.sectorForIndexLocked(idx)
		if err != nil {
			return total, err
		}
		if !ref.Valid() {
			for i := 0; i < chunk; i++ {
				buf[total+i] = 0
			}
		} else if sectorOfs == 0 && chunk == blockdev.SectorSize {
			if err := ino.store.dev.ReadSector(uint32(ref), buf[total:total+chunk]); err != nil {
				return total, err
			}
		} else {
			bounce := make([]byte, blockdev.SectorSize)
			if err := ino.store.dev.ReadSector(uint32(ref), bounce); err != nil {
				return total, err
			}
			copy(buf[total:total+chunk], bounce[sectorOfs:sectorOfs+chunk])
		}
		total += chunk
	}
	return total, nil
}

// WriteAt writes buf starting at byte offset, growing the file and
// allocating sparse blocks as needed. The on-disk length is persisted
// before any newly-grown data sector is written, so the new length can
// be on disk before the bytes it covers; a block not yet allocated in
// that range reads back as zeros (spec.md's grow-on-write ordering rule).
func (ino *Inode) WriteAt(buf []byte, offset int64) (int, error) {
	if offset < 0 {
		return 0, fmt.Errorf("inode: negative write offset %d", offset)
	}
	ino.mu.Lock()
	defer ino.mu.Unlock()

	if !ino.writableLocked() {
		return 0, fmt.Errorf("inode: write denied, sector %d has %d deny-write holders", ino.sector, ino.denyWriteCount)
	}

	end := offset + int64(len(buf))
	if end > MaxFileSize {
		return 0, fmt.Errorf("inode: write would grow sector %d past max file size", ino.sector)
	}

	if end > int64(ino.length) {
		ino.length = int32(end)
		if err := ino.flushHeaderLocked(); err != nil {
			return 0, err
		}
	}

	total := 0
	for total < len(buf) {
		pos := offset + int64(total)
		idx := int(pos / blockdev.SectorSize)
		sectorOfs := int(pos % blockdev.SectorSize)
		chunk := blockdev.SectorSize - sectorOfs
		if remaining := len(buf) - total; chunk > remaining {
			chunk = remaining
		}

		ref, err := ino.ensureSectorForIndexLocked(idx)
		if err != nil {
			return total, err
		}

		if sectorOfs == 0 && chunk == blockdev.SectorSize {
			if err := ino.store.dev.WriteSector(uint32(ref), buf[total:total+chunk]); err != nil {
				return total, err
			}
		} else {
			bounce := make([]byte, blockdev.SectorSize)
			if err := ino.store.dev.ReadSector(uint32(ref), bounce); err != nil {
				return total, err
			}
			copy(bounce[sectorOfs:sectorOfs+chunk], buf[total:total+chunk])
			if err := ino.store.dev.WriteSector(uint32(ref), bounce); err != nil {
				return total, err
			}
		}
		total += chunk
	}
	return total, nil
}

// flushHeaderLocked persists length/direct/single/double to the inode's
// own sector. Caller must hold ino.mu.
func (ino *Inode) flushHeaderLocked() error {
	d := &onDisk{
		length:         ino.length,
		direct:         ino.direct,
		singleIndirect: ino.single,
		doubleIndirect: ino.double,
		magic:          ino.magic,
	}
	return ino.store.dev.WriteSector(ino.sector, d.encode())
}

// sectorForIndexLocked resolves the data sector backing logical block
// idx without allocating; it returns NoSector for any hole. Caller must
// hold ino.mu.
func (ino *Inode) sectorForIndexLocked(idx int) (SectorRef, error) {
	switch {
	case idx < DirectCount:
		return ino.direct[idx], nil
	case idx < doubleIndirectBase:
		if !ino.single.Valid() {
			return NoSector, nil
		}
		blk, err := ino.loadSingleLocked()
		if err != nil {
			return NoSector, err
		}
		return blk.entries[idx-singleIndirectBase], nil
	case idx < maxLogicalBlock:
		if !ino.double.Valid() {
			return NoSector, nil
		}
		meta, err := ino.loadDoubleMetaLocked()
		if err != nil {
			return NoSector, err
		}
		outer := (idx - doubleIndirectBase) / IndirectEntries
		inner := (idx - doubleIndirectBase) % IndirectEntries
		if !meta.entries[outer].Valid() {
			return NoSector, nil
		}
		leaf, err := ino.loadDoubleLeafLocked(outer)
		if err != nil {
			return NoSector, err
		}
		return leaf.entries[inner], nil
	default:
		return NoSector, fmt.Errorf("inode: logical block %d exceeds max file size", idx)
	}
}

// ensureSectorForIndexLocked is sectorForIndexLocked's allocating
// counterpart: it allocates and wires in whatever index/data sectors are
// missing along the path to idx, flushing each newly-touched meta sector
// immediately so a crash mid-growth leaves no dangling reference. Caller
// must hold ino.mu.
func (ino *Inode) ensureSectorForIndexLocked(idx int) (SectorRef, error) {
	switch {
	case idx < DirectCount:
		if ino.direct[idx].Valid() {
			return ino.direct[idx], nil
		}
		sector, ok := ino.store.alloc.Allocate()
		if !ok {
			return NoSector, fmt.Errorf("inode: no free sectors for direct block %d", idx)
		}
		ino.direct[idx] = SectorRef(sector)
		if err := ino.flushHeaderLocked(); err != nil {
			return NoSector, err
		}
		return ino.direct[idx], nil

	case idx < doubleIndirectBase:
		if !ino.single.Valid() {
			sector, ok := ino.store.alloc.Allocate()
			if !ok {
				return NoSector, fmt.Errorf("inode: no free sectors for single-indirect block")
			}
			ino.single = SectorRef(sector)
			ino.singleCache = &indirectBlock{sector: ino.single, entries: newEmptyIndirect()}
			if err := ino.store.writeIndirect(ino.singleCache); err != nil {
				return NoSector, err
			}
			if err := ino.flushHeaderLocked(); err != nil {
				return NoSector, err
			}
		}
		blk, err := ino.loadSingleLocked()
		if err != nil {
			return NoSector, err
		}
		slot := idx - singleIndirectBase
		if blk.entries[slot].Valid() {
			return blk.entries[slot], nil
		}
		sector, ok := ino.store.alloc.Allocate()
		if !ok {
			return NoSector, fmt.Errorf("inode: no free sectors for logical block %d", idx)
		}
		blk.entries[slot] = SectorRef(sector)
		if err := ino.store.writeIndirect(blk); err != nil {
			return NoSector, err
		}
		return blk.entries[slot], nil

	case idx < maxLogicalBlock:
		if !ino.double.Valid() {
			sector, ok := ino.store.alloc.Allocate()
			if !ok {
				return NoSector, fmt.Errorf("inode: no free sectors for double-indirect block")
			}
			ino.double = SectorRef(sector)
			ino.doubleMeta = &indirectBlock{sector: ino.double, entries: newEmptyIndirect()}
			if err := ino.store.writeIndirect(ino.doubleMeta); err != nil {
				return NoSector, err
			}
			if err := ino.flushHeaderLocked(); err != nil {
				return NoSector, err
			}
		}
		meta, err := ino.loadDoubleMetaLocked()
		if err != nil {
			return NoSector, err
		}
		outer := (idx - doubleIndirectBase) / IndirectEntries
		inner := (idx - doubleIndirectBase) % IndirectEntries
		if !meta.entries[outer].Valid() {
			sector, ok := ino.store.alloc.Allocate()
			if !ok {
				return NoSector, fmt.Errorf("inode: no free sectors for double-indirect leaf %d", outer)
			}
			meta.entries[outer] = SectorRef(sector)
			ino.doubleLeaf[outer] = &indirectBlock{sector: meta.entries[outer], entries: newEmptyIndirect()}
			if err := ino.store.writeIndirect(ino.doubleLeaf[outer]); err != nil {
				return NoSector, err
			}
			if err := ino.store.writeIndirect(meta); err != nil {
				return NoSector, err
			}
		}
		leaf, err := ino.loadDoubleLeafLocked(outer)
		if err != nil {
			return NoSector, err
		}
		if leaf.entries[inner].Valid() {
			return leaf.entries[inner], nil
		}
		sector, ok := ino.store.alloc.Allocate()
		if !ok {
			return NoSector, fmt.Errorf("inode: no free sectors for logical block %d", idx)
		}
		leaf.entries[inner] = SectorRef(sector)
		if err := ino.store.writeIndirect(leaf); err != nil {
			return NoSector, err
		}
		return leaf.entries[inner], nil

	default:
		return NoSector, fmt.Errorf("inode: logical block %d exceeds max file size", idx)
	}
}

// Sectors returns every sector this inode occupies on disk: its own
// header sector, every allocated direct/indirect data sector, and any
// single- or double-indirect index blocks. It exists for an offline
// checker to cross-reference against the free map's bitmap; ordinary
// filesystem operations never need the full list at once.
func (ino *Inode) Sectors() ([]uint32, error) {
	ino.mu.Lock()
	defer ino.mu.Unlock()

	sectors := []uint32{ino.sector}
	for _, ref := range ino.direct {
		if ref.Valid() {
			sectors = append(sectors, uint32(ref))
		}
	}
	if ino.single.Valid() {
		sectors = append(sectors, uint32(ino.single))
		blk, err := ino.loadSingleLocked()
		if err != nil {
			return nil, err
		}
		for _, ref := range blk.entries {
			if ref.Valid() {
				sectors = append(sectors, uint32(ref))
			}
		}
	}
	if ino.double.Valid() {
		sectors = append(sectors, uint32(ino.double))
		meta, err := ino.loadDoubleMetaLocked()
		if err != nil {
			return nil, err
		}
		for outer, metaRef := range meta.entries {
			if !metaRef.Valid() {
				continue
			}
			sectors = append(sectors, uint32(metaRef))
			leaf, err := ino.loadDoubleLeafLocked(outer)
			if err != nil {
				return nil, err
			}
			for _, ref := range leaf.entries {
				if ref.Valid() {
					sectors = append(sectors, uint32(ref))
				}
			}
		}
	}
	return sectors, nil
}

func (ino *Inode) loadSingleLocked() (*indirectBlock, error) {
	if ino.singleCache != nil {
		return ino.singleCache, nil
	}
	blk, err := ino.store.readIndirect(ino.single)
	if err != nil {
		return nil, err
	}
	ino.singleCache = blk
	return blk, nil
}

func (ino *Inode) loadDoubleMetaLocked() (*indirectBlock, error) {
	if ino.doubleMeta != nil {
		return ino.doubleMeta, nil
	}
	blk, err := ino.store.readIndirect(ino.double)
	if err != nil {
		return nil, err
	}
	ino.doubleMeta = blk
	return blk, nil
}

func (ino *Inode) loadDoubleLeafLocked(outer int) (*indirectBlock, error) {
	if ino.doubleLeaf[outer] != nil {
		return ino.doubleLeaf[outer], nil
	}
	meta, err := ino.loadDoubleMetaLocked()
	if err != nil {
		return nil, err
	}
	blk, err := ino.store.readIndirect(meta.entries[outer])
	if err != nil {
		return nil, err
	}
	ino.doubleLeaf[outer] = blk
	return blk, nil
}
