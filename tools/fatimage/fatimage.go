// Package fatimage formats a from-scratch FAT32 disk image (BPB, FSInfo
// sector, two FAT copies, a zeroed root-directory cluster) and copies
// files into its root directory through this kernel's own
// volume/fat32.Driver Open/Write/Close path. It backs the mkfat32img
// command and is imported directly by tests that need a real on-disk FAT32
// image rather than fat32_test.go's byte-level fixture, the way
// _examples/Oichkatzelesfrettschen-biscuit/biscuit/src/mkfs/mkfs.go builds
// on-disk images for the teacher's own test fixtures via ufs.MkDisk.
package fatimage

import (
	"encoding/binary"
	"io"

	"github.com/pkg/errors"

	"github.com/Easimer/kernel/disk"
	"github.com/Easimer/kernel/fat32"
	"github.com/Easimer/kernel/volume"
)

const SectorSize = 512

const (
	reservedSectorsDefault  = 32
	numFATsDefault          = 2
	rootClusterDefault      = 2
	fsInfoSectorDefault     = 1
	backupBootSectorDefault = 6
	bytesPerFATEntry        = 4
	media                   = 0xF8
)

// Layout holds every geometry value ComputeLayout derives, mirroring the
// fields fat32.Mount caches after Probe -- a caller and the driver must
// agree on the same derivation or the image would not mount.
type Layout struct {
	TotalSectors      uint32
	SectorsPerCluster uint32
	ReservedSectors   uint32
	NumFATs           uint32
	FATSizeSectors    uint32
	DataStartSector   uint32
	RootCluster       uint32
	FSInfoSector      uint32
	BackupBootSector  uint32
}

// ComputeLayout derives FATSizeSectors by fixed-point iteration: the FAT
// must be big enough to index every data cluster, but the number of data
// clusters depends on how many sectors the FAT itself consumes. Four
// passes converge for any sane size (each pass can only shrink the
// cluster count, never grow it).
func ComputeLayout(totalSectors, sectorsPerCluster uint32) Layout {
	l := Layout{
		TotalSectors:      totalSectors,
		SectorsPerCluster: sectorsPerCluster,
		ReservedSectors:   reservedSectorsDefault,
		NumFATs:           numFATsDefault,
		RootCluster:       rootClusterDefault,
		FSInfoSector:      fsInfoSectorDefault,
		BackupBootSector:  backupBootSectorDefault,
	}
	fatSectors := uint32(1)
	for i := 0; i < 4; i++ {
		dataStart := l.ReservedSectors + l.NumFATs*fatSectors
		dataSectors := totalSectors - dataStart
		clusters := dataSectors / sectorsPerCluster
		entriesPerSector := uint32(SectorSize / bytesPerFATEntry)
		need := (clusters + entriesPerSector - 1) / entriesPerSector
		if need < 1 {
			need = 1
		}
		fatSectors = need
	}
	l.FATSizeSectors = fatSectors
	l.DataStartSector = l.ReservedSectors + l.NumFATs*fatSectors
	return l
}

// Format writes the BPB, backup boot sector, FSInfo sector, both FAT
// copies, and a zeroed root-directory cluster to w.
func Format(w io.WriterAt, l Layout) error {
	if err := writeBootSector(w, l, 0); err != nil {
		return err
	}
	if err := writeBootSector(w, l, uint64(l.BackupBootSector)); err != nil {
		return err
	}
	if err := writeFSInfo(w, l); err != nil {
		return err
	}
	for i := uint32(0); i < l.NumFATs; i++ {
		if err := writeFAT(w, l, i); err != nil {
			return err
		}
	}
	return writeZeroCluster(w, l, l.RootCluster)
}

func writeBootSector(w io.WriterAt, l Layout, lba uint64) error {
	b := make([]byte, SectorSize)
	le16 := binary.LittleEndian.PutUint16
	le32 := binary.LittleEndian.PutUint32
	le16(b[11:13], SectorSize)
	b[13] = byte(l.SectorsPerCluster)
	le16(b[14:16], uint16(l.ReservedSectors))
	b[16] = byte(l.NumFATs)
	b[21] = media
	le32(b[32:36], l.TotalSectors)
	le32(b[36:40], l.FATSizeSectors)
	le32(b[44:48], l.RootCluster)
	le16(b[48:50], uint16(l.FSInfoSector))
	le16(b[50:52], uint16(l.BackupBootSector))
	b[64] = 0x80 // DriveNumber
	b[66] = 0x29 // BootSignature (extended)
	le32(b[67:71], 0x12345678) // VolumeID
	copy(b[71:82], []byte("NO NAME    "))
	copy(b[82:90], []byte("FAT32   "))
	b[510] = 0x55
	b[511] = 0xAA
	_, err := w.WriteAt(b, int64(lba)*SectorSize)
	return err
}

func writeFSInfo(w io.WriterAt, l Layout) error {
	b := make([]byte, SectorSize)
	le32 := binary.LittleEndian.PutUint32
	le32(b[0:4], 0x41615252)
	le32(b[484:488], 0x61417272)
	le32(b[488:492], 0xFFFFFFFF) // FreeCount: unknown, matching the FAT32 spec's "not maintained" allowance
	le32(b[492:496], 0xFFFFFFFF) // NextFree: unknown
	le32(b[508:512], 0xAA550000)
	_, err := w.WriteAt(b, int64(l.FSInfoSector)*SectorSize)
	return err
}

// writeFAT lays down the fixed entries 0 and 1 fat32.Probe validates
// (entry 0 encodes the media byte, entry 1 is the EOC marker) plus a
// single EOC-terminated chain for the root directory's one cluster; every
// other entry is left free (zero). Both FAT copies are written
// identically at format time -- an initial-consistency concern, distinct
// from (and not in conflict with) fat32's own choice to maintain only the
// primary copy once mounted.
func writeFAT(w io.WriterAt, l Layout, copyIndex uint32) error {
	fat := make([]byte, l.FATSizeSectors*SectorSize)
	le32 := binary.LittleEndian.PutUint32
	le32(fat[0:4], 0x0FFFFF00|media)
	le32(fat[4:8], 0x0FFFFFFF)
	le32(fat[l.RootCluster*bytesPerFATEntry:l.RootCluster*bytesPerFATEntry+4], 0x0FFFFFFF)
	lba := uint64(l.ReservedSectors) + uint64(copyIndex)*uint64(l.FATSizeSectors)
	_, err := w.WriteAt(fat, int64(lba)*SectorSize)
	return err
}

func writeZeroCluster(w io.WriterAt, l Layout, cluster uint32) error {
	clusterSectors := l.SectorsPerCluster
	lba := l.DataStartSector + (cluster-2)*clusterSectors
	zero := make([]byte, clusterSectors*SectorSize)
	_, err := w.WriteAt(zero, int64(lba)*SectorSize)
	return err
}

// ReaderWriterAt is what CopyFiles needs to drive a disk.BlockDevice_i
// over the image: random-access reads (fat32.Probe's geometry checks) and
// writes (file creation/content).
type ReaderWriterAt interface {
	io.ReaderAt
	io.WriterAt
}

// blockDevice adapts a ReaderWriterAt to disk.BlockDevice_i.
type blockDevice struct {
	rw           ReaderWriterAt
	totalSectors uint32
}

func (d *blockDevice) BlockSize() int     { return SectorSize }
func (d *blockDevice) BlockCount() uint64 { return uint64(d.totalSectors) }
func (d *blockDevice) ReadBlocks(lba uint64, dst []byte) error {
	_, err := d.rw.ReadAt(dst, int64(lba)*SectorSize)
	return err
}
func (d *blockDevice) WriteBlocks(lba uint64, src []byte) error {
	_, err := d.rw.WriteAt(src, int64(lba)*SectorSize)
	return err
}

// CopyFiles registers rw as a disk, mounts it through fat32.Driver (which
// fails loudly if Format's layout and fat32.Probe's derivation ever
// disagree), and writes each entry of files (keyed by its root-relative
// path, e.g. "/COMMAND.EXE") into the image. It resets the package-level
// disk/volume registries, so callers that need their own volumes for
// other purposes should do so afterward, not before.
func CopyFiles(rw ReaderWriterAt, l Layout, files map[string][]byte) error {
	disk.Reset()
	volume.Reset()
	di := disk.RegisterDevice(&blockDevice{rw: rw, totalSectors: l.TotalSectors})
	vi := volume.RegisterVolume(di, 0, uint64(l.TotalSectors))
	volume.RegisterDriver(fat32.Driver{})
	if !volume.DetectFilesystems(vi) {
		return errors.New("fatimage: freshly formatted image did not mount through fat32.Driver")
	}

	for path, data := range files {
		if err := copyOne(vi, path, data); err != nil {
			return errors.Wrapf(err, "fatimage: copying %s", path)
		}
	}
	return volume.Sync(vi)
}

func copyOne(vi int, path string, data []byte) error {
	fd, err := volume.Open(vi, path, volume.ModeWrite|volume.ModeCreate)
	if err != nil {
		return errors.Wrap(err, "opening image-side destination")
	}
	defer volume.Close(fd)

	for off := 0; off < len(data); {
		n, werr := volume.Write(fd, data[off:])
		if werr != nil {
			return errors.Wrap(werr, "writing image-side destination")
		}
		if n == 0 {
			return errors.New("write wrote zero bytes: volume likely out of space")
		}
		off += n
	}
	return nil
}

// MemDisk is a []byte-backed ReaderWriterAt, handy for tests that want a
// FAT32 image without touching the host filesystem.
type MemDisk struct{ Bytes []byte }

func (d *MemDisk) ReadAt(p []byte, off int64) (int, error) {
	n := copy(p, d.Bytes[off:])
	return n, nil
}

func (d *MemDisk) WriteAt(p []byte, off int64) (int, error) {
	n := copy(d.Bytes[off:], p)
	return n, nil
}
