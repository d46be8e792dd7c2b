// Package directory implements directories as a special inode content
// format (component D): a flat array of fixed-width entries, each naming
// a child inode sector. "." and ".." are ordinary entries written at
// creation time rather than synthesized on lookup.
package directory

import (
	"encoding/binary"
	"fmt"
	"strings"

	"github.com/pintfs/pintfs/inode"
	"github.com/pintfs/pintfs/log"
)

var logger = log.For("directory")

// NameMax is the width of an entry's name field, NUL terminator included;
// the longest name an entry can hold is NameMax-1 bytes.
const NameMax = 15

const entrySize = 1 + NameMax + 4 // in_use:byte | name:15 | sector:u32

type entry struct {
	inUse  bool
	name   string
	sector uint32
}

func (e *entry) encode() []byte {
	buf := make([]byte, entrySize)
	if e.inUse {
		buf[0] = 1
	}
	copy(buf[1:1+NameMax], []byte(e.name))
	binary.LittleEndian.PutUint32(buf[1+NameMax:], e.sector)
	return buf
}

func decodeEntry(buf []byte) entry {
	e := entry{inUse: buf[0] != 0, sector: binary.LittleEndian.Uint32(buf[1+NameMax:])}
	nameBytes := buf[1 : 1+NameMax]
	n := len(nameBytes)
	for i, b := range nameBytes {
		if b == 0 {
			n = i
			break
		}
	}
	e.name = string(nameBytes[:n])
	return e
}

// Dir is an open directory: a handle on the inode holding its entries.
type Dir struct {
	ino *inode.Inode
}

// Entry describes one directory entry returned by ReadDir.
type Entry struct {
	Name   string
	Sector uint32
}

// Open wraps an already-open directory inode without taking a new
// reference on it. Dir.Close releases that same reference, so a caller
// closes either the Dir or ino, not both.
func Open(ino *inode.Inode) (*Dir, error) {
	if !ino.IsDir() {
		return nil, fmt.Errorf("directory: inode at sector %d is not a directory", ino.Sector())
	}
	return &Dir{ino: ino}, nil
}

// CreateEmpty formats sector as a new, empty directory inode (no "."/".."
// entries — those are written explicitly by CreateChild/CreateRoot so
// every directory's entry set is visible through the same Add/Lookup
// path, with no synthesized special cases).
func CreateEmpty(store *inode.Store, sector uint32) error {
	ok, err := store.Create(sector, 0, true)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("directory: no space to create inode at sector %d", sector)
	}
	return nil
}

// CreateRoot formats the root directory's own "." and ".." as itself: the
// root is its own parent.
func CreateRoot(store *inode.Store, rootSector uint32) (*Dir, error) {
	return CreateChild(store, rootSector, rootSector)
}

// CreateChild opens the already-created directory inode at sector and
// writes its "." (self) and ".." (parentSector) entries. It does not
// link the new directory into parentSector's own entry list — the
// caller does that with Dir.Add once CreateChild returns.
func CreateChild(store *inode.Store, sector uint32, parentSector uint32) (*Dir, error) {
	ino, found, err := store.Open(sector)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, fmt.Errorf("directory: inode missing at sector %d", sector)
	}
	d := &Dir{ino: ino}
	if err := d.add(".", sector); err != nil {
		return nil, err
	}
	if err := d.add("..", parentSector); err != nil {
		return nil, err
	}
	return d, nil
}

// Inode returns the inode backing this directory.
func (d *Dir) Inode() *inode.Inode { return d.ino }

// Close releases this directory's reference on its backing inode.
func (d *Dir) Close() error { return d.ino.Close() }

// A name must leave room for the NUL terminator decodeEntry scans for
// within the NameMax-byte name field, so the usable length is one less.
func validName(name string) bool {
	return name != "" && name != "." && name != ".." && !strings.Contains(name, "/") && len(name) <= NameMax-1
}

// Lookup searches for name among this directory's entries, returning the
// sector of the named inode.
func (d *Dir) Lookup(name string) (uint32, bool, error) {
	if name == "." {
		return d.ino.Sector(), true, nil
	}
	entries, err := d.readAll()
	if err != nil {
		return 0, false, err
	}
	for _, e := range entries {
		if e.inUse && e.name == name {
			return e.sector, true, nil
		}
	}
	return 0, false, nil
}

// Add creates a new entry for name pointing at childSector. It fails if
// name already exists or is invalid.
func (d *Dir) Add(name string, childSector uint32) error {
	if !validName(name) {
		return fmt.Errorf("directory: invalid entry name %q", name)
	}
	if _, found, err := d.Lookup(name); err != nil {
		return err
	} else if found {
		return fmt.Errorf("directory: entry %q already exists", name)
	}
	return d.add(name, childSector)
}

func (d *Dir) add(name string, childSector uint32) error {
	entries, err := d.readAll()
	if err != nil {
		return err
	}
	for i, e := range entries {
		if !e.inUse {
			return d.writeEntryAt(i, entry{inUse: true, name: name, sector: childSector})
		}
	}
	return d.writeEntryAt(len(entries), entry{inUse: true, name: name, sector: childSector})
}

// Remove clears the entry named name. It does not close or free the
// backing inode; the caller is expected to open it first, mark it
// removed, and close its own reference.
func (d *Dir) Remove(name string) error {
	if !validName(name) {
		return fmt.Errorf("directory: invalid entry name %q", name)
	}
	entries, err := d.readAll()
	if err != nil {
		return err
	}
	for i, e := range entries {
		if e.inUse && e.name == name {
			return d.writeEntryAt(i, entry{})
		}
	}
	return fmt.Errorf("directory: entry %q not found", name)
}

// IsEmpty reports whether the directory holds only "." and "..".
func (d *Dir) IsEmpty() (bool, error) {
	entries, err := d.readAll()
	if err != nil {
		return false, err
	}
	for _, e := range entries {
		if e.inUse && e.name != "." && e.name != ".." {
			return false, nil
		}
	}
	return true, nil
}

// ReadDir lists every live entry except "." and "..".
func (d *Dir) ReadDir() ([]Entry, error) {
	entries, err := d.readAll()
	if err != nil {
		return nil, err
	}
	var out []Entry
	for _, e := range entries {
		if e.inUse && e.name != "." && e.name != ".." {
			out = append(out, Entry{Name: e.name, Sector: e.sector})
		}
	}
	return out, nil
}

func (d *Dir) readAll() ([]entry, error) {
	length := d.ino.Length()
	if length%entrySize != 0 {
		logger.WithField("sector", d.ino.Sector()).Error("directory length is not a multiple of the entry size")
	}
	count := int(length / entrySize)
	entries := make([]entry, count)
	buf := make([]byte, entrySize)
	for i := 0; i < count; i++ {
		n, err := d.ino.ReadAt(buf, int64(i)*entrySize)
		if err != nil {
			return nil, err
		}
		if n != entrySize {
			return nil, fmt.Errorf("directory: short read of entry %d in sector %d", i, d.ino.Sector())
		}
		entries[i] = decodeEntry(buf)
	}
	return entries, nil
}

func (d *Dir) writeEntryAt(index int, e entry) error {
	buf := e.encode()
	n, err := d.ino.WriteAt(buf, int64(index)*entrySize)
	if err != nil {
		return err
	}
	if n != entrySize {
		return fmt.Errorf("directory: short write of entry %d in sector %d", index, d.ino.Sector())
	}
	return nil
}
