// Package blockdev is the block device binding (component A of the
// design): it names the two devices the rest of pintfs talks to, FS and
// SWAP, and exposes sector-granular read_sector/write_sector on top of a
// backend.Storage. Every other package treats a *Device as the boundary
// of "the disk" — nothing above this package opens a file or issues an
// ioctl directly.
package blockdev

import (
	"fmt"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/pintfs/pintfs/backend"
	backendfile "github.com/pintfs/pintfs/backend/file"
	"github.com/sirupsen/logrus"
	times "gopkg.in/djherbis/times.v1"
)

// SectorSize is the fixed unit of addressing for both FS and SWAP.
const SectorSize = 512

// Name identifies one of the two external devices this module talks to.
type Name string

const (
	FS   Name = "FS"
	SWAP Name = "SWAP"
)

var log = logrus.WithField("component", "blockdev")

// Device is a named, sector-addressable block device.
type Device struct {
	name        Name
	storage     backend.Storage
	sectorCount uint32
	volumeID    uuid.UUID
	path        string
}

// Open binds a Device to an existing backend.Storage, deriving the sector
// count from its size. size must be a whole multiple of SectorSize.
func Open(name Name, storage backend.Storage, path string, volumeID uuid.UUID) (*Device, error) {
	info, err := storage.Stat()
	if err != nil {
		return nil, fmt.Errorf("stat %s device: %w", name, err)
	}
	if info.Size()%SectorSize != 0 {
		return nil, fmt.Errorf("%s device size %d is not a multiple of sector size %d", name, info.Size(), SectorSize)
	}
	d := &Device{
		name:        name,
		storage:     storage,
		sectorCount: uint32(info.Size() / SectorSize),
		volumeID:    volumeID,
		path:        path,
	}
	log.WithFields(logrus.Fields{"name": name, "sectors": d.sectorCount}).Debug("device opened")
	return d, nil
}

// OpenPath opens (or, with create, creates) a device backed by a regular
// file at path, sized to sectorCount sectors.
func OpenPath(name Name, path string, sectorCount uint32, create bool) (*Device, error) {
	var (
		storage backend.Storage
		err     error
	)
	if create {
		storage, err = backendfile.CreateFromPath(path, int64(sectorCount)*SectorSize)
	} else {
		storage, err = backendfile.OpenFromPath(path, false)
	}
	if err != nil {
		return nil, fmt.Errorf("open %s device at %s: %w", name, path, err)
	}
	return Open(name, storage, path, uuid.New())
}

// Name returns the device's logical name (FS or SWAP).
func (d *Device) Name() Name { return d.name }

// SectorCount returns the number of SectorSize-byte sectors on the device.
func (d *Device) SectorCount() uint32 { return d.sectorCount }

// VolumeID returns the identity given to this Device when it was opened.
// It is not stored on the device: OpenPath assigns a fresh random ID on
// every open, so the same image reports a different ID each time.
func (d *Device) VolumeID() uuid.UUID { return d.volumeID }

// ReadSector reads exactly SectorSize bytes from sector into buf.
func (d *Device) ReadSector(sector uint32, buf []byte) error {
	if len(buf) != SectorSize {
		return fmt.Errorf("read_sector: buffer must be exactly %d bytes, got %d", SectorSize, len(buf))
	}
	if sector >= d.sectorCount {
		return fmt.Errorf("read_sector: sector %d out of range (device has %d sectors)", sector, d.sectorCount)
	}
	_, err := d.storage.ReadAt(buf, int64(sector)*SectorSize)
	if err != nil {
		return fmt.Errorf("read_sector %d on %s: %w", sector, d.name, err)
	}
	return nil
}

// WriteSector writes exactly SectorSize bytes from buf to sector.
func (d *Device) WriteSector(sector uint32, buf []byte) error {
	if len(buf) != SectorSize {
		return fmt.Errorf("write_sector: buffer must be exactly %d bytes, got %d", SectorSize, len(buf))
	}
	if sector >= d.sectorCount {
		return fmt.Errorf("write_sector: sector %d out of range (device has %d sectors)", sector, d.sectorCount)
	}
	w, err := d.storage.Writable()
	if err != nil {
		return fmt.Errorf("write_sector %d on %s: %w", sector, d.name, err)
	}
	if _, err := w.WriteAt(buf, int64(sector)*SectorSize); err != nil {
		return fmt.Errorf("write_sector %d on %s: %w", sector, d.name, err)
	}
	return nil
}

// Sync flushes outstanding writes to stable storage.
func (d *Device) Sync() error {
	return backendfile.Sync(d.storage)
}

// Close releases the underlying storage.
func (d *Device) Close() error {
	return d.storage.Close()
}

// Describe reports access/modification timestamps of the backing file
// using the times.v1 change-time API, which is richer than os.FileInfo
// on platforms that expose it (e.g. birth time on BSD/macOS).
func (d *Device) Describe() (string, error) {
	if d.path == "" {
		return "", fmt.Errorf("%s device has no backing path", d.name)
	}
	t, err := times.Stat(d.path)
	if err != nil {
		return "", fmt.Errorf("stat %s: %w", d.path, err)
	}
	desc := fmt.Sprintf("%s: %s, %d sectors, volume=%s, mtime=%s, atime=%s",
		d.name, filepath.Base(d.path), d.sectorCount, d.volumeID, t.ModTime(), t.AccessTime())
	if t.HasChangeTime() {
		desc += fmt.Sprintf(", ctime=%s", t.ChangeTime())
	}
	return desc, nil
}
