// Package pintfs is the consumer-facing boundary a system-call layer
// would sit on top of: filesystem mount/unmount, the create/open/remove
// triad, and file_* operations delegating to the file package's handle.
// Everything underneath is assembled here from the component packages.
package pintfs

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/pintfs/pintfs/blockdev"
	"github.com/pintfs/pintfs/config"
	"github.com/pintfs/pintfs/directory"
	"github.com/pintfs/pintfs/ferr"
	"github.com/pintfs/pintfs/file"
	"github.com/pintfs/pintfs/freemap"
	"github.com/pintfs/pintfs/inode"
	"github.com/pintfs/pintfs/log"
	"github.com/pintfs/pintfs/metrics"
	"github.com/pintfs/pintfs/path"
	"github.com/pintfs/pintfs/vm"
)

var logger = log.For("pintfs")

// FileSystem is one mounted pintfs instance: an FS device, a SWAP
// device, and every global table that goes with them. Construct exactly
// one per mount via Init; tear it down with Close.
type FileSystem struct {
	fsDev   *blockdev.Device
	swapDev *blockdev.Device

	store *inode.Store
	free  *freemap.Map

	frames *vm.FrameTable
	swap   *vm.SwapTable

	cfg *config.Config
	rec *metrics.Recorder
}

// Init mounts a filesystem over fsDev and swapDev. When format is true,
// fsDev is reformatted before mounting: a fresh free map and an empty
// root directory are written, and other sectors are left as they are; otherwise the existing free map and root are read
// back off fsDev. pt is the caller's page-table contract, used by the
// frame table for eviction; reg may be nil to disable metrics.
func Init(fsDev, swapDev *blockdev.Device, format bool, cfg *config.Config, pt vm.PageTable, reg prometheus.Registerer) (*FileSystem, error) {
	var (
		free  *freemap.Map
		store *inode.Store
		err   error
	)
	if format {
		free, store, err = freemap.Format(fsDev, fsDev.SectorCount())
	} else {
		free, store, err = freemap.Open(fsDev)
	}
	if err != nil {
		return nil, err
	}
	if format {
		// freemap.Format already wrote the root directory's inode header;
		// CreateRoot just needs to populate its "." and ".." entries.
		root, err := directory.CreateRoot(store, freemap.RootSector)
		if err != nil {
			return nil, err
		}
		if err := root.Close(); err != nil {
			return nil, err
		}
	}

	swapTable := vm.NewSwapTable(swapDev)
	frames := vm.NewFrameTable(cfg.FrameLimit, swapTable, pt)

	fs := &FileSystem{
		fsDev:   fsDev,
		swapDev: swapDev,
		store:   store,
		free:    free,
		frames:  frames,
		swap:    swapTable,
		cfg:     cfg,
	}

	if reg != nil {
		fs.rec = metrics.NewRecorder(reg)
		store.SetMetrics(fs.rec)
		free.SetMetrics(fs.rec)
		frames.SetMetrics(fs.rec)
		swapTable.SetMetrics(fs.rec)
	}

	return fs, nil
}

// Close unmounts the filesystem, flushing both devices if configured to.
func (fs *FileSystem) Close() error {
	if !fs.cfg.SyncOnClose {
		return nil
	}
	if err := fs.fsDev.Sync(); err != nil {
		return err
	}
	return fs.swapDev.Sync()
}

// Frames returns the mount's frame table, so a caller's fault handler
// can route hardware page faults into vm.FrameTable.Fault.
func (fs *FileSystem) Frames() *vm.FrameTable { return fs.frames }

// Create creates a new file at path with the given initial size. cwd is
// the calling task's working-directory sector, used when p is relative;
// it is ignored for an absolute path. Pass freemap.RootSector when the
// caller has no task-level working directory of its own.
func (fs *FileSystem) Create(cwd uint32, p string, initialSize int64) (bool, error) {
	res, err := path.Resolve(fs.store, freemap.RootSector, cwd, p)
	if err != nil {
		return false, err
	}
	defer closeResult(res)

	if res.Outcome != path.ParentMissingBase {
		return false, ferr.New(ferr.Exists, "create", p, nil)
	}

	sector, ok := fs.free.Allocate()
	if !ok {
		return false, ferr.New(ferr.NoSpace, "create", p, nil)
	}
	created, err := fs.store.Create(sector, initialSize, false)
	if err != nil {
		fs.free.Release(sector)
		return false, err
	}
	if !created {
		fs.free.Release(sector)
		return false, ferr.New(ferr.NoSpace, "create", p, nil)
	}
	if err := res.Parent.Add(res.Base, sector); err != nil {
		fs.free.Release(sector)
		return false, err
	}
	return true, nil
}

// Open resolves path to an existing file and returns an open handle on
// it. Opening a directory fails with ferr.IsDir. cwd is the calling
// task's working-directory sector, used when p is relative.
func (fs *FileSystem) Open(cwd uint32, p string) (*file.Handle, error) {
	res, err := path.Resolve(fs.store, freemap.RootSector, cwd, p)
	if err != nil {
		return nil, err
	}
	switch res.Outcome {
	case path.ResolvedFile:
		if res.Parent != nil {
			if cerr := res.Parent.Close(); cerr != nil {
				logger.WithError(cerr).Error("failed to close parent directory after open")
			}
		}
		return file.Open(res.Inode), nil
	case path.ResolvedDir:
		closeResult(res)
		return nil, ferr.New(ferr.IsDir, "open", p, nil)
	default:
		closeResult(res)
		return nil, ferr.New(ferr.NotFound, "open", p, nil)
	}
}

// Remove deletes the file or empty directory named by path. cwd is the
// calling task's working-directory sector, used when p is relative.
func (fs *FileSystem) Remove(cwd uint32, p string) (bool, error) {
	res, err := path.Resolve(fs.store, freemap.RootSector, cwd, p)
	if err != nil {
		return false, err
	}
	defer closeResult(res)

	if res.Parent == nil {
		return false, ferr.New(ferr.Invalid, "remove", p, fmt.Errorf("cannot remove the root directory"))
	}

	switch res.Outcome {
	case path.ResolvedDir:
		empty, err := isEmptyDir(res.Inode)
		if err != nil {
			return false, err
		}
		if !empty {
			return false, ferr.New(ferr.NotEmpty, "remove", p, nil)
		}
	case path.ResolvedFile:
		// Nothing further to check; any file may be removed while open.
	default:
		return false, ferr.New(ferr.NotFound, "remove", p, nil)
	}

	if err := res.Parent.Remove(res.Base); err != nil {
		return false, err
	}
	res.Inode.Remove()
	return true, nil
}

func isEmptyDir(ino *inode.Inode) (bool, error) {
	d, err := directory.Open(ino)
	if err != nil {
		return false, err
	}
	return d.IsEmpty()
}

func closeResult(res *path.Result) {
	if res.Inode != nil {
		if err := res.Inode.Close(); err != nil {
			logger.WithError(err).Error("failed to close resolved inode")
		}
	}
	if res.Parent != nil {
		if err := res.Parent.Close(); err != nil {
			logger.WithError(err).Error("failed to close parent directory")
		}
	}
}
