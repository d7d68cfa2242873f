// Package volume implements the Volume Manager + File API (spec.md §4.5):
// a volume table, a filesystem-driver registry, and a fixed-capacity file
// handle table exposed through Open/Close/Read/Write/Seek/Tell/Eof/Sync.
package volume

import (
	"github.com/pkg/errors"

	"github.com/Easimer/kernel/disk"
	"github.com/Easimer/kernel/kassert"
	"github.com/Easimer/kernel/klog"
)

var log = klog.New("volume")

// Mode bits for Open, per spec.md §4.5 ("a bitmask over {read, write,
// create}").
const (
	ModeRead = 1 << iota
	ModeWrite
	ModeCreate
)

// Whence values for Seek, matching the C lseek convention this syscall
// ABI exposes (spec.md §6).
const (
	SeekSet = 0
	SeekCur = 1
	SeekEnd = 2
)

// Volume is the tuple spec.md §3 describes: a disk-index/first-block/
// block-count extent, with an optional filesystem binding attached by
// DetectFilesystems.
type Volume struct {
	Index     int
	Disk      int
	FirstLBA  uint64
	LBACount  uint64
	fs        FilesystemDriver
	fsState   interface{}
}

// FilesystemDriver is implemented by each mountable filesystem (only
// fat32 in this kernel, with volume 0 reserved for devfs per spec.md §3).
// Probe inspects the volume's on-disk content and returns opaque mount
// state plus whether it recognizes the format, mirroring the "first
// driver to succeed is bound" registration-order contract of spec.md §4.5.
type FilesystemDriver interface {
	Name() string
	Probe(v *Volume) (state interface{}, ok bool)
	Open(state interface{}, path string, mode int) (handle interface{}, size uint64, err error)
	Close(state interface{}, handle interface{}) error
	Read(state interface{}, handle interface{}, buf []byte) (int, error)
	Write(state interface{}, handle interface{}, buf []byte) (int, error)
	Seek(state interface{}, handle interface{}, offset int64, whence int) (int64, error)
	Tell(state interface{}, handle interface{}) int64
	Sync(state interface{}) error
}

const maxVolumes = 16
const maxDrivers = 8

// maxFileHandles bounds the kernel-level file handle table (spec.md §4.5:
// "a fixed per-kernel table (<= 64)").
const maxFileHandles = 64

type fileHandle struct {
	inUse     bool
	volume    int
	driverFH  interface{}
	writeable bool
}

type manager struct {
	volumes [maxVolumes]Volume
	nvol    int
	drivers [maxDrivers]FilesystemDriver
	ndrv    int
	handles [maxFileHandles]fileHandle
}

var mgr manager

// Reset clears the volume manager; used by tests and kmain before
// re-registration.
func Reset() {
	mgr = manager{}
}

// RegisterDriver adds a filesystem driver, tried in registration order by
// DetectFilesystems.
func RegisterDriver(d FilesystemDriver) {
	kassert.Assert(mgr.ndrv < maxDrivers, "volume: filesystem driver table full")
	mgr.drivers[mgr.ndrv] = d
	mgr.ndrv++
}

// RegisterVolume adds a volume (e.g. from part.Probe) and returns its
// volume index. Volume 0 is reserved for the device-file volume per
// spec.md §3; callers that want the devfs convention should register it
// first.
func RegisterVolume(diskIndex int, firstLBA, lbaCount uint64) int {
	kassert.Assert(mgr.nvol < maxVolumes, "volume: volume table full")
	i := mgr.nvol
	mgr.volumes[i] = Volume{Index: i, Disk: diskIndex, FirstLBA: firstLBA, LBACount: lbaCount}
	mgr.nvol++
	return i
}

// DetectFilesystems asks each registered driver's Probe in registration
// order whether it recognizes volume i's content; the first to succeed is
// bound (spec.md §4.5).
func DetectFilesystems(i int) bool {
	kassert.Assert(i >= 0 && i < mgr.nvol, "volume: DetectFilesystems: volume %d does not exist", i)
	v := &mgr.volumes[i]
	for _, d := range mgr.drivers[:mgr.ndrv] {
		if d == nil {
			continue
		}
		if state, ok := d.Probe(v); ok {
			v.fs = d
			v.fsState = state
			log.Infof("volume %d: mounted %s", i, d.Name())
			return true
		}
	}
	return false
}

// Mounted reports whether volume i has a bound filesystem.
func Mounted(i int) bool {
	return i >= 0 && i < mgr.nvol && mgr.volumes[i].fs != nil
}

// Count returns the number of registered volumes, the range spawn_init
// (spec.md §4.7) searches over.
func Count() int {
	return mgr.nvol
}

func allocHandle() (int, error) {
	for i := range mgr.handles {
		if !mgr.handles[i].inUse {
			return i, nil
		}
	}
	return -1, errors.New("volume: file handle table full")
}

// Open opens path on volume i with the given mode bitmask. Opening with
// ModeWrite on a write-protected mount fails, per spec.md §4.5.
func Open(i int, path string, mode int) (int, error) {
	if !Mounted(i) {
		return -1, errors.Errorf("volume %d: not mounted", i)
	}
	v := &mgr.volumes[i]
	fh, size, err := v.fs.Open(v.fsState, path, mode)
	_ = size
	if err != nil {
		return -1, errors.Wrapf(err, "volume %d: open %q", i, path)
	}
	slot, err := allocHandle()
	if err != nil {
		v.fs.Close(v.fsState, fh)
		return -1, err
	}
	mgr.handles[slot] = fileHandle{inUse: true, volume: i, driverFH: fh, writeable: mode&ModeWrite != 0}
	return slot, nil
}

func (m *manager) handle(fd int) (*fileHandle, *Volume, error) {
	if fd < 0 || fd >= maxFileHandles || !m.handles[fd].inUse {
		return nil, nil, errors.Errorf("volume: invalid file handle %d", fd)
	}
	h := &m.handles[fd]
	return h, &m.volumes[h.volume], nil
}

// Close releases fd. The underlying driver handle is invalid after this
// call (spec.md §3 invariant: "valid until Close is called exactly once").
func Close(fd int) error {
	h, v, err := mgr.handle(fd)
	if err != nil {
		return err
	}
	defer func() { *h = fileHandle{} }()
	return v.fs.Close(v.fsState, h.driverFH)
}

// Read reads into buf from fd's current offset.
func Read(fd int, buf []byte) (int, error) {
	h, v, err := mgr.handle(fd)
	if err != nil {
		return 0, err
	}
	return v.fs.Read(v.fsState, h.driverFH, buf)
}

// Write writes buf to fd at its current offset. Writing through a handle
// opened without ModeWrite is rejected here rather than by the driver, so
// every driver gets this check for free.
func Write(fd int, buf []byte) (int, error) {
	h, v, err := mgr.handle(fd)
	if err != nil {
		return 0, err
	}
	if !h.writeable {
		return 0, errors.Errorf("volume: file handle %d not opened for write", fd)
	}
	return v.fs.Write(v.fsState, h.driverFH, buf)
}

// Seek repositions fd per the whence convention (SeekSet/SeekCur/SeekEnd).
func Seek(fd int, offset int64, whence int) (int64, error) {
	h, v, err := mgr.handle(fd)
	if err != nil {
		return 0, err
	}
	return v.fs.Seek(v.fsState, h.driverFH, offset, whence)
}

// Tell returns fd's current byte offset.
func Tell(fd int) int64 {
	h, v, err := mgr.handle(fd)
	if err != nil {
		return -1
	}
	return v.fs.Tell(v.fsState, h.driverFH)
}

// Eof reports whether fd's current offset is the file's logical end, by
// attempting a zero-growth probe: Tell compared against a Seek(0, SeekEnd)
// round-trip that restores the original offset.
func Eof(fd int) bool {
	h, v, err := mgr.handle(fd)
	if err != nil {
		return true
	}
	cur := v.fs.Tell(v.fsState, h.driverFH)
	end, serr := v.fs.Seek(v.fsState, h.driverFH, 0, SeekEnd)
	if serr != nil {
		return true
	}
	if end != cur {
		v.fs.Seek(v.fsState, h.driverFH, cur, SeekSet)
	}
	return cur >= end
}

// Sync flushes volume i's filesystem driver's dirty state.
func Sync(i int) error {
	if !Mounted(i) {
		return errors.Errorf("volume %d: not mounted", i)
	}
	v := &mgr.volumes[i]
	return v.fs.Sync(v.fsState)
}

// ReadBlocks range-checks [lba, lba+nblocks) against volume i's extent and
// forwards to the disk layer (spec.md §4.5: "range-checks offsets against
// the volume's length and forwards to the disk layer").
func ReadBlocks(i int, lba uint64, dst []byte) error {
	kassert.Assert(i >= 0 && i < mgr.nvol, "volume: ReadBlocks: volume %d does not exist", i)
	v := &mgr.volumes[i]
	bs := disk.BlockSize(v.Disk)
	nblocks := uint64(len(dst) / bs)
	if lba+nblocks > v.LBACount {
		return errors.Errorf("volume %d: read of %d blocks at %d exceeds volume extent %d", i, nblocks, lba, v.LBACount)
	}
	return disk.ReadBlocks(v.Disk, v.FirstLBA+lba, dst)
}

// WriteBlocks is the write-path analogue of ReadBlocks.
func WriteBlocks(i int, lba uint64, src []byte) error {
	kassert.Assert(i >= 0 && i < mgr.nvol, "volume: WriteBlocks: volume %d does not exist", i)
	v := &mgr.volumes[i]
	bs := disk.BlockSize(v.Disk)
	nblocks := uint64(len(src) / bs)
	if lba+nblocks > v.LBACount {
		return errors.Errorf("volume %d: write of %d blocks at %d exceeds volume extent %d", i, nblocks, lba, v.LBACount)
	}
	return disk.WriteBlocks(v.Disk, v.FirstLBA+lba, src)
}
