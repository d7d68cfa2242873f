// Package disk implements the disk registry (spec.md §4.4): a fixed table
// of block devices, each identified by a small integer index, with clamped
// block-count reads and writes. In a real boot the table holds the
// placeholder device kernel.Boot registers for devfs's volume 0 plus the
// drives the PCI IDE driver in ide.go finds; tests register fakes
// directly.
package disk

import (
	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"

	"github.com/Easimer/kernel/kassert"
	"github.com/Easimer/kernel/klog"
)

var log = klog.New("disk")

// maxDisks bounds the registry (two PCI IDE channels x two drives, with
// room to spare).
const maxDisks = 8

// maxBlocksPerIO clamps a single read/write to 31 bits of blocks, matching
// spec.md §4.4's "clamped to 31-bit counts" so a request can never carry a
// count that overflows a signed 32-bit return value.
const maxBlocksPerIO = 1<<31 - 1

// BlockDevice_i is implemented by anything that can service block reads
// and writes: the real PCI IDE driver (ide.go) or a test fake.
type BlockDevice_i interface {
	BlockSize() int
	BlockCount() uint64
	ReadBlocks(lba uint64, dst []byte) error
	WriteBlocks(lba uint64, src []byte) error
}

type registry struct {
	devs [maxDisks]BlockDevice_i
	n    int
}

var reg registry

// Reset clears the registry; used by tests and by kmain before PCI
// enumeration.
func Reset() {
	reg = registry{}
}

// RegisterDevice adds dev to the registry and returns its disk index.
func RegisterDevice(dev BlockDevice_i) int {
	kassert.Assert(reg.n < maxDisks, "disk registry full (%d devices)", maxDisks)
	i := reg.n
	reg.devs[i] = dev
	reg.n++
	log.Infof("disk %d registered: %s/block, %s capacity", i,
		humanize.Comma(int64(dev.BlockSize())),
		humanize.Bytes(dev.BlockCount()*uint64(dev.BlockSize())))
	return i
}

// Exists reports whether disk index i refers to a registered device.
func Exists(i int) bool {
	return i >= 0 && i < reg.n && reg.devs[i] != nil
}

// BlockSize returns disk i's block size in bytes.
func BlockSize(i int) int {
	kassert.Assert(Exists(i), "BlockSize: disk %d does not exist", i)
	return reg.devs[i].BlockSize()
}

// BlockCount returns the number of addressable blocks on disk i.
func BlockCount(i int) uint64 {
	kassert.Assert(Exists(i), "BlockCount: disk %d does not exist", i)
	return reg.devs[i].BlockCount()
}

// ReadBlocks reads len(dst)/BlockSize(i) whole blocks starting at lba into
// dst. A read whose block count would exceed maxBlocksPerIO is a category-1
// precondition violation: no caller in this kernel ever issues an I/O that
// large, so this guards against a corrupted request rather than handling a
// real case.
func ReadBlocks(i int, lba uint64, dst []byte) error {
	kassert.Assert(Exists(i), "ReadBlocks: disk %d does not exist", i)
	bs := reg.devs[i].BlockSize()
	kassert.Assert(len(dst)%bs == 0, "ReadBlocks: dst length %d is not a multiple of block size %d", len(dst), bs)
	nblocks := len(dst) / bs
	kassert.Assert(nblocks <= maxBlocksPerIO, "ReadBlocks: %d blocks exceeds the 31-bit clamp", nblocks)
	if lba+uint64(nblocks) > reg.devs[i].BlockCount() {
		return errors.Errorf("disk %d: read of %d blocks at lba %d runs past capacity %d", i, nblocks, lba, reg.devs[i].BlockCount())
	}
	if err := reg.devs[i].ReadBlocks(lba, dst); err != nil {
		return errors.Wrapf(err, "disk %d: read %d blocks at lba %d", i, nblocks, lba)
	}
	return nil
}

// WriteBlocks writes len(src)/BlockSize(i) whole blocks starting at lba.
func WriteBlocks(i int, lba uint64, src []byte) error {
	kassert.Assert(Exists(i), "WriteBlocks: disk %d does not exist", i)
	bs := reg.devs[i].BlockSize()
	kassert.Assert(len(src)%bs == 0, "WriteBlocks: src length %d is not a multiple of block size %d", len(src), bs)
	nblocks := len(src) / bs
	kassert.Assert(nblocks <= maxBlocksPerIO, "WriteBlocks: %d blocks exceeds the 31-bit clamp", nblocks)
	if lba+uint64(nblocks) > reg.devs[i].BlockCount() {
		return errors.Errorf("disk %d: write of %d blocks at lba %d runs past capacity %d", i, nblocks, lba, reg.devs[i].BlockCount())
	}
	if err := reg.devs[i].WriteBlocks(lba, src); err != nil {
		return errors.Wrapf(err, "disk %d: write %d blocks at lba %d", i, nblocks, lba)
	}
	return nil
}

// Count returns the number of registered disks.
func Count() int {
	return reg.n
}
