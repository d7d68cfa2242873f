// Package fat32 implements the FAT32 driver (spec.md §4.6): geometry
// discovery, the single FAT-page and cluster caches, cluster allocation,
// short-name directory lookup, and the Open/Read/Write/Close/Seek/Tell/Eof
// file API, registered against the volume manager as a FilesystemDriver.
//
// Binary layout decoding uses github.com/go-restruct/restruct, the same
// pattern used throughout this kernel for on-disk/boot structures,
// grounded on _examples/dsoprea-go-exfat/structures.go.
package fat32

import (
	"encoding/binary"

	"github.com/go-restruct/restruct"
	"github.com/pkg/errors"

	"github.com/Easimer/kernel/kassert"
	"github.com/Easimer/kernel/klog"
	"github.com/Easimer/kernel/volume"
)

var log = klog.New("fat32")

var wireOrder = binary.LittleEndian

const sectorSize = 512

// bpb is the FAT32 BIOS Parameter Block (bytes 0..90 of the boot sector).
type bpb struct {
	JumpBoot             [3]byte
	OEMName              [8]byte
	BytesPerSector       uint16
	SectorsPerCluster    uint8
	ReservedSectorCount  uint16
	NumFATs              uint8
	RootEntryCount       uint16
	TotalSectors16       uint16
	Media                uint8
	FATSize16            uint16
	SectorsPerTrack      uint16
	NumHeads             uint16
	HiddenSectors        uint32
	TotalSectors32       uint32
	FATSize32            uint32
	ExtFlags             uint16
	FSVersion            uint16
	RootCluster          uint32
	FSInfoSector         uint16
	BackupBootSector     uint16
	Reserved             [12]byte
	DriveNumber          uint8
	Reserved1            uint8
	BootSignature        uint8
	VolumeID             uint32
	VolumeLabel          [11]byte
	FSType               [8]byte
}

// fsInfo is the FAT32 FSInfo sector.
type fsInfo struct {
	LeadSignature   uint32
	Reserved1       [480]byte
	StructSignature uint32
	FreeCount       uint32
	NextFree        uint32
	Reserved2       [12]byte
	TrailSignature  uint32
}

const (
	fsInfoLeadSig   = 0x41615252
	fsInfoStructSig = 0x61417272
	fsInfoTrailSig  = 0xAA550000
	bootSignature16 = 0xAA55
)

// FAT entry constants (spec.md §4.6.3/§4.6.4).
const (
	fatEntryMask    = 0x0FFFFFFF
	fatEntryResvMask = 0xF0000000
	eocMarker       = 0x0FFFFFFF
	eocRangeLow     = 0x0FFFFFF0 // anything >= this is "end of chain"
	freeEntry       = 0
)

// maxDirEntries is the directory-walk safety bound (spec.md §4.6.5:
// "a safety bound of 65,536 directory entries").
const maxDirEntries = 65536

// maxOpenFiles bounds the per-mount open-file table (spec.md §3: "an
// open-file table of fixed capacity").
const maxOpenFiles = 64

// Mount is the per-mount FAT32 state (spec.md §3 "FAT32 state per
// mount"). It implements volume.FilesystemDriver's state/handle contract:
// Probe returns *Mount as the opaque state.
type Mount struct {
	vol *volume.Volume

	sectorsPerCluster uint32
	numFATs           uint32
	firstFATSector    uint32
	sectorsPerFAT     uint32
	dataStartSector   uint32
	clusterSize       uint32
	rootCluster       uint32

	fatCache      [sectorSize]byte
	fatCacheIdx   int32 // FAT page index, -1 = empty
	fatCacheDirty bool

	clusterCache      []byte
	clusterCacheIdx   int64 // virtual cluster index, -1 = empty
	clusterCacheDirty bool

	writeProtected bool

	files     [maxOpenFiles]openFile
	nextFree  int
}

// Driver is the package-level volume.FilesystemDriver. It holds no state
// of its own beyond what Probe allocates per volume.
type Driver struct{}

func (Driver) Name() string { return "fat32" }

// Probe implements geometry discovery (spec.md §4.6.1): validates the
// 0x55AA signature, the FSInfo signatures, the reserved version word, and
// the first FAT sector's two fixed entries, then derives the mount's
// geometry fields.
func (Driver) Probe(v *volume.Volume) (interface{}, bool) {
	m, err := probe(v)
	if err != nil {
		log.Debugf("fat32: volume not recognized: %v", err)
		return nil, false
	}
	return m, true
}

func probe(v *volume.Volume) (*Mount, error) {
	sec0 := make([]byte, sectorSize)
	if err := volume.ReadBlocks(indexOf(v), 0, sec0); err != nil {
		return nil, errors.Wrap(err, "fat32: reading boot sector")
	}
	if sig := wireOrder.Uint16(sec0[510:512]); sig != bootSignature16 {
		return nil, errors.Errorf("fat32: boot sector missing 0x55AA (got %#x)", sig)
	}
	var b bpb
	if err := restruct.Unpack(sec0[:90], wireOrder, &b); err != nil {
		return nil, errors.Wrap(err, "fat32: decoding BPB")
	}
	if b.BytesPerSector != sectorSize {
		return nil, errors.Errorf("fat32: unsupported sector size %d", b.BytesPerSector)
	}
	if b.FSVersion != 0 {
		return nil, errors.Errorf("fat32: unsupported FAT32 version word %#x", b.FSVersion)
	}

	fsiRaw := make([]byte, sectorSize)
	if err := volume.ReadBlocks(indexOf(v), uint64(b.FSInfoSector), fsiRaw); err != nil {
		return nil, errors.Wrap(err, "fat32: reading FSInfo sector")
	}
	var fsi fsInfo
	if err := restruct.Unpack(fsiRaw, wireOrder, &fsi); err != nil {
		return nil, errors.Wrap(err, "fat32: decoding FSInfo")
	}
	if fsi.LeadSignature != fsInfoLeadSig || fsi.StructSignature != fsInfoStructSig || fsi.TrailSignature != fsInfoTrailSig {
		return nil, errors.New("fat32: FSInfo signature mismatch")
	}

	firstFAT := uint32(b.ReservedSectorCount)
	fatSec := make([]byte, sectorSize)
	if err := volume.ReadBlocks(indexOf(v), uint64(firstFAT), fatSec); err != nil {
		return nil, errors.Wrap(err, "fat32: reading first FAT sector")
	}
	e0 := wireOrder.Uint32(fatSec[0:4])
	e1 := wireOrder.Uint32(fatSec[4:8])
	if e0 != 0x0FFFFF00|uint32(b.Media) {
		return nil, errors.Errorf("fat32: FAT entry 0 = %#x, want %#x", e0, 0x0FFFFF00|uint32(b.Media))
	}
	if e1 != eocMarker {
		return nil, errors.Errorf("fat32: FAT entry 1 = %#x, want EOC marker", e1)
	}

	m := &Mount{
		vol:               v,
		sectorsPerCluster: uint32(b.SectorsPerCluster),
		numFATs:           uint32(b.NumFATs),
		firstFATSector:    firstFAT,
		sectorsPerFAT:     b.FATSize32,
		dataStartSector:   firstFAT + uint32(b.NumFATs)*b.FATSize32,
		clusterSize:       uint32(b.SectorsPerCluster) * sectorSize,
		rootCluster:       b.RootCluster,
		fatCacheIdx:       -1,
		clusterCacheIdx:   -1,
	}
	m.clusterCache = make([]byte, m.clusterSize)
	m.writeProtected = probeWriteProtection(v, firstFAT, fatSec)
	for i := range m.files {
		m.files[i].valid = false
	}
	log.Infof("fat32: mounted, %d sectors/cluster, %d FATs, data starts at sector %d", m.sectorsPerCluster, m.numFATs, m.dataStartSector)
	return m, nil
}

// probeWriteProtection writes a test pattern over the first FAT sector and
// reads it back; on mismatch (or write failure) the mount is marked
// write-protected and the original bytes are restored (spec.md §4.6.1).
func probeWriteProtection(v *volume.Volume, firstFAT uint32, original []byte) bool {
	idx := indexOf(v)
	pattern := make([]byte, sectorSize)
	for i := range pattern {
		pattern[i] = 0xA5
	}
	if err := volume.WriteBlocks(idx, uint64(firstFAT), pattern); err != nil {
		return true
	}
	readback := make([]byte, sectorSize)
	if err := volume.ReadBlocks(idx, uint64(firstFAT), readback); err != nil {
		volume.WriteBlocks(idx, uint64(firstFAT), original)
		return true
	}
	ok := bytesEqual(readback, pattern)
	volume.WriteBlocks(idx, uint64(firstFAT), original)
	return !ok
}

func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func indexOf(v *volume.Volume) int {
	return v.Index
}

// Sync implements volume.FilesystemDriver: flushes the FAT-page cache
// then the cluster cache (spec.md §4.6.10). No second-FAT mirroring is
// performed -- an explicit, documented Open Question decision (DESIGN.md).
func (Driver) Sync(state interface{}) error {
	m := state.(*Mount)
	return m.sync()
}

func (m *Mount) sync() error {
	if err := m.flushFATCache(); err != nil {
		return err
	}
	return m.flushClusterCache()
}
