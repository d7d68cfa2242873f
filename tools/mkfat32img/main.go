// Command mkfat32img builds a bootable FAT32 disk image: a from-scratch
// BIOS Parameter Block, FSInfo sector, and two FAT copies, with the root
// directory populated from host files (typically a single /COMMAND.EXE
// built against loader's flat executable header). It plays the role
// _examples/Oichkatzelesfrettschen-biscuit/biscuit/src/mkfs/mkfs.go does
// for the teacher -- building a bootable image from a skeleton directory
// -- except it writes through this kernel's own fat32 driver instead of
// the teacher's ufs package, so the image a real boot reads back is
// guaranteed to round-trip through the exact code that will mount it.
// The formatting/copy logic itself lives in tools/fatimage, so tests
// elsewhere in this tree can build real FAT32 images in memory without
// shelling out to this binary.
package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/jessevdk/go-flags"
	"github.com/pkg/errors"

	"github.com/Easimer/kernel/tools/fatimage"
)

// options is this tool's entire command-line surface, parsed the same way
// bootargs.Options parses the kernel's own boot command line.
type options struct {
	Out               string `long:"out" required:"true" description:"path of the image file to create"`
	SizeMB            int    `long:"size-mb" default:"16" description:"image size in megabytes"`
	SectorsPerCluster int    `long:"sectors-per-cluster" default:"8" description:"FAT32 cluster size in sectors"`
	Positional        struct {
		Files []string `positional-arg-name:"host-file" description:"host file(s) copied to the image root"`
	} `positional-args:"true"`
}

func main() {
	var opts options
	parser := flags.NewParser(&opts, flags.Default)
	if _, err := parser.Parse(); err != nil {
		os.Exit(1)
	}

	if err := run(opts); err != nil {
		fmt.Fprintf(os.Stderr, "mkfat32img: %v\n", err)
		os.Exit(1)
	}
}

func run(opts options) error {
	totalSectors := uint32(opts.SizeMB) * (1024 * 1024 / fatimage.SectorSize)
	layout := fatimage.ComputeLayout(totalSectors, uint32(opts.SectorsPerCluster))

	f, err := os.Create(opts.Out)
	if err != nil {
		return errors.Wrap(err, "creating image file")
	}
	defer f.Close()
	if err := f.Truncate(int64(totalSectors) * fatimage.SectorSize); err != nil {
		return errors.Wrap(err, "sizing image file")
	}

	if err := fatimage.Format(f, layout); err != nil {
		return errors.Wrap(err, "formatting FAT32 layout")
	}

	if len(opts.Positional.Files) == 0 {
		return nil
	}
	files, err := readHostFiles(opts.Positional.Files)
	if err != nil {
		return err
	}
	return fatimage.CopyFiles(f, layout, files)
}

func readHostFiles(hostPaths []string) (map[string][]byte, error) {
	files := make(map[string][]byte, len(hostPaths))
	for _, hostPath := range hostPaths {
		data, err := os.ReadFile(hostPath)
		if err != nil {
			return nil, errors.Wrapf(err, "reading host file %s", hostPath)
		}
		files["/"+filepath.Base(hostPath)] = data
	}
	return files, nil
}
