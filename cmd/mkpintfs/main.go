// Command mkpintfs formats a new pintfs FS image and its companion SWAP
// image, the on-disk counterpart to pintfs.Init(..., format: true, ...).
package main

import (
	"fmt"
	"os"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/pintfs/pintfs"
	backendfile "github.com/pintfs/pintfs/backend/file"
	"github.com/pintfs/pintfs/blockdev"
	"github.com/pintfs/pintfs/config"
)

var (
	fsSectors   uint32
	swapSectors uint32
	configPath  string
)

func main() {
	root := &cobra.Command{
		Use:   "mkpintfs FSIMAGE SWAPIMAGE",
		Short: "Format a new pintfs volume and its swap file",
		Args:  cobra.ExactArgs(2),
		RunE:  run,
	}
	root.Flags().Uint32Var(&fsSectors, "fs-sectors", 8192, "size of the FS image, in 512-byte sectors")
	root.Flags().Uint32Var(&swapSectors, "swap-sectors", 2048, "size of the SWAP image, in 512-byte sectors")
	root.Flags().StringVar(&configPath, "config", "", "optional config file overriding frame-limit etc.")

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, args []string) error {
	fsPath, swapPath := args[0], args[1]
	log := logrus.WithField("component", "mkpintfs")

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("mkpintfs: loading config: %w", err)
	}

	fsStorage, err := backendfile.CreateFromPath(fsPath, int64(fsSectors)*blockdev.SectorSize)
	if err != nil {
		return fmt.Errorf("mkpintfs: creating FS image: %w", err)
	}
	fsDev, err := blockdev.Open(blockdev.FS, fsStorage, fsPath, uuid.New())
	if err != nil {
		return fmt.Errorf("mkpintfs: opening FS device: %w", err)
	}
	defer fsDev.Close()

	swapStorage, err := backendfile.CreateFromPath(swapPath, int64(swapSectors)*blockdev.SectorSize)
	if err != nil {
		return fmt.Errorf("mkpintfs: creating SWAP image: %w", err)
	}
	swapDev, err := blockdev.Open(blockdev.SWAP, swapStorage, swapPath, uuid.New())
	if err != nil {
		return fmt.Errorf("mkpintfs: opening SWAP device: %w", err)
	}
	defer swapDev.Close()

	// mkpintfs never installs pages itself, so it has no use for a real
	// page-table contract; formatting only touches the inode/free-map
	// layer, never vm.FrameTable.Fault.
	fs, err := pintfs.Init(fsDev, swapDev, true, cfg, nil, nil)
	if err != nil {
		return fmt.Errorf("mkpintfs: formatting: %w", err)
	}
	defer fs.Close()

	log.WithFields(logrus.Fields{
		"fs_image":     fsPath,
		"fs_sectors":   fsSectors,
		"swap_image":   swapPath,
		"swap_sectors": swapSectors,
	}).Info("formatted pintfs volume")
	return nil
}
