package inode

import (
	"encoding/binary"

	"github.com/pintfs/pintfs/blockdev"
)

// SectorRef is a block-device sector number that may be absent. It is the
// explicit-optional replacement for the original implementation's
// interior sentinel: code should call Valid() rather than comparing
// against the raw constant, even though the wire encoding still uses a
// single reserved value (spec.md §9).
type SectorRef uint32

// NoSector marks an index slot that has never been written — the sparse
// case. It is serialized on disk as 0xFFFFFFFF.
const NoSector SectorRef = 0xFFFFFFFF

// Valid reports whether the ref names a real sector.
func (s SectorRef) Valid() bool { return s != NoSector }

const (
	// DirectCount is the number of direct block pointers held inline in
	// the inode sector.
	DirectCount = 124
	// IndirectEntries is the number of sector refs held in one indirect
	// sector (512 bytes / 4-byte refs).
	IndirectEntries = 128

	singleIndirectBase = DirectCount
	doubleIndirectBase = DirectCount + IndirectEntries
	maxLogicalBlock     = doubleIndirectBase + IndirectEntries*IndirectEntries

	// MaxFileSize is the largest file length representable by the
	// direct/single-indirect/double-indirect layout.
	MaxFileSize = int64(maxLogicalBlock) * blockdev.SectorSize

	// diskSize is the fixed on-disk size of one inode record; it must be
	// exactly one sector.
	diskSize = blockdev.SectorSize
)

// Magic identifies what an inode sector holds.
type Magic uint32

const (
	MagicDir  Magic = 0x494e4f44
	MagicFile Magic = 0x494e4f45
)

// onDisk is the exact 512-byte layout of an inode sector:
// length:i32 | direct[124]:u32 | single_indirect:u32 | double_indirect:u32 | magic:u32
type onDisk struct {
	length          int32
	direct          [DirectCount]SectorRef
	singleIndirect  SectorRef
	doubleIndirect  SectorRef
	magic           Magic
}

func (d *onDisk) encode() []byte {
	buf := make([]byte, diskSize)
	binary.LittleEndian.PutUint32(buf[0:4], uint32(d.length))
	off := 4
	for i := 0; i < DirectCount; i++ {
		binary.LittleEndian.PutUint32(buf[off:off+4], uint32(d.direct[i]))
		off += 4
	}
	binary.LittleEndian.PutUint32(buf[off:off+4], uint32(d.singleIndirect))
	off += 4
	binary.LittleEndian.PutUint32(buf[off:off+4], uint32(d.doubleIndirect))
	off += 4
	binary.LittleEndian.PutUint32(buf[off:off+4], uint32(d.magic))
	return buf
}

func decodeOnDisk(buf []byte) *onDisk {
	d := &onDisk{}
	d.length = int32(binary.LittleEndian.Uint32(buf[0:4]))
	off := 4
	for i := 0; i < DirectCount; i++ {
		d.direct[i] = SectorRef(binary.LittleEndian.Uint32(buf[off : off+4]))
		off += 4
	}
	d.singleIndirect = SectorRef(binary.LittleEndian.Uint32(buf[off : off+4]))
	off += 4
	d.doubleIndirect = SectorRef(binary.LittleEndian.Uint32(buf[off : off+4]))
	off += 4
	d.magic = Magic(binary.LittleEndian.Uint32(buf[off : off+4]))
	return d
}

// indirectBlock is a lazily-loaded cache of one 128-entry indirect sector.
type indirectBlock struct {
	sector  SectorRef
	entries [IndirectEntries]SectorRef
}

func encodeIndirect(entries [IndirectEntries]SectorRef) []byte {
	buf := make([]byte, diskSize)
	off := 0
	for i := 0; i < IndirectEntries; i++ {
		binary.LittleEndian.PutUint32(buf[off:off+4], uint32(entries[i]))
		off += 4
	}
	return buf
}

func decodeIndirect(buf []byte) (entries [IndirectEntries]SectorRef) {
	off := 0
	for i := 0; i < IndirectEntries; i++ {
		entries[i] = SectorRef(binary.LittleEndian.Uint32(buf[off : off+4]))
		off += 4
	}
	return entries
}

func newEmptyIndirect() (entries [IndirectEntries]SectorRef) {
	for i := range entries {
		entries[i] = NoSector
	}
	return entries
}

func bytesToSectors(size int64) int {
	return int((size + blockdev.SectorSize - 1) / blockdev.SectorSize)
}
