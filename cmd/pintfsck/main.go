// Command pintfsck audits an unmounted pintfs volume: it walks every
// inode reachable from the root directory, recomputes which sectors that
// walk touches, and checks the result against the persisted free map.
// A mismatch between the reachable count and the allocated count means
// either a leaked sector (allocated but unreachable) or a corrupted
// directory tree (reachable but never marked allocated).
package main

import (
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/pintfs/pintfs/blockdev"
	"github.com/pintfs/pintfs/directory"
	"github.com/pintfs/pintfs/freemap"
	"github.com/pintfs/pintfs/inode"
	"github.com/pintfs/pintfs/util"
)

var (
	verbose    bool
	dumpSector int32
)

func main() {
	root := &cobra.Command{
		Use:   "pintfsck FSIMAGE",
		Short: "Check a pintfs volume's free-map against its reachable sectors",
		Args:  cobra.ExactArgs(1),
		RunE:  run,
	}
	root.Flags().BoolVarP(&verbose, "verbose", "v", false, "print the image's backing-file timestamps")
	root.Flags().Int32Var(&dumpSector, "dump-sector", -1, "hex-dump the raw bytes of one sector and exit")

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, args []string) error {
	fsPath := args[0]
	log := logrus.WithField("component", "pintfsck")

	sectorCount, err := imageSectorCount(fsPath)
	if err != nil {
		return fmt.Errorf("pintfsck: %w", err)
	}

	fsDev, err := blockdev.OpenPath(blockdev.FS, fsPath, sectorCount, false)
	if err != nil {
		return fmt.Errorf("pintfsck: opening %s: %w", fsPath, err)
	}
	defer fsDev.Close()

	if dumpSector >= 0 {
		buf := make([]byte, blockdev.SectorSize)
		if err := fsDev.ReadSector(uint32(dumpSector), buf); err != nil {
			return fmt.Errorf("pintfsck: reading sector %d: %w", dumpSector, err)
		}
		fmt.Println(util.DumpByteSlice(buf, 16, true, true, false, nil))
		return nil
	}

	if verbose {
		if desc, err := fsDev.Describe(); err != nil {
			log.WithError(err).Warn("could not read image timestamps")
		} else {
			fmt.Println(desc)
		}
	}

	free, store, err := freemap.Open(fsDev)
	if err != nil {
		return fmt.Errorf("pintfsck: reading free map: %w", err)
	}

	reachable, err := walk(store, freemap.RootSector)
	if err != nil {
		return fmt.Errorf("pintfsck: walking directory tree: %w", err)
	}
	if err := walkInto(store, freemap.SelfSector, reachable); err != nil {
		return fmt.Errorf("pintfsck: walking free map inode: %w", err)
	}

	total := free.Total()
	inUse := free.InUse()
	reachableCount := len(reachable)

	log.WithFields(logrus.Fields{
		"total":     total,
		"allocated": inUse,
		"reachable": reachableCount,
	}).Info("walked directory tree")

	if reachableCount == inUse {
		log.Info("free map conserves: reachable sectors match the allocated count")
		return nil
	}

	if reachableCount < inUse {
		return fmt.Errorf("pintfsck: %d sectors are allocated but unreachable from the root directory (leaked)", inUse-reachableCount)
	}
	return fmt.Errorf("pintfsck: %d sectors are reachable from the root directory but not marked allocated (corrupt free map)", reachableCount-inUse)
}

// walk visits dirSector and every descendant, returning the set of every
// sector any inode along the way occupies (headers, direct and indirect
// data blocks). Directories are recursed into; files are counted but not
// opened further.
func walk(store *inode.Store, dirSector uint32) (map[uint32]bool, error) {
	seen := make(map[uint32]bool)
	return seen, walkInto(store, dirSector, seen)
}

func walkInto(store *inode.Store, sector uint32, seen map[uint32]bool) error {
	ino, found, err := store.Open(sector)
	if err != nil {
		return err
	}
	if !found {
		return fmt.Errorf("dangling reference to sector %d", sector)
	}
	defer ino.Close()

	sectors, err := ino.Sectors()
	if err != nil {
		return err
	}
	for _, s := range sectors {
		seen[s] = true
	}

	if !ino.IsDir() {
		return nil
	}

	d, err := directory.Open(ino)
	if err != nil {
		return err
	}
	entries, err := d.ReadDir()
	if err != nil {
		return err
	}
	for _, e := range entries {
		if seen[e.Sector] {
			// pintfs has no hard links today, so this should never
			// trigger; it costs nothing to guard against it anyway.
			continue
		}
		if err := walkInto(store, e.Sector, seen); err != nil {
			return err
		}
	}
	return nil
}

func imageSectorCount(path string) (uint32, error) {
	info, err := os.Stat(path)
	if err != nil {
		return 0, err
	}
	if info.Size()%blockdev.SectorSize != 0 {
		return 0, fmt.Errorf("%s size %d is not a multiple of sector size %d", path, info.Size(), blockdev.SectorSize)
	}
	return uint32(info.Size() / blockdev.SectorSize), nil
}
