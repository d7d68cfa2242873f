// Package part implements the partition prober (spec.md §4.4): reads LBA 0
// off a disk, detects a GPT protective MBR or falls back to classical MBR,
// and registers a volume entry per partition. Structure decoding uses
// github.com/go-restruct/restruct exactly as multiboot does, grounded on
// _examples/dsoprea-go-exfat/structures.go's restruct.Unpack(raw,
// wireOrder, &x) pattern.
package part

import (
	"encoding/binary"

	"github.com/go-restruct/restruct"
	"github.com/pkg/errors"

	"github.com/Easimer/kernel/disk"
	"github.com/Easimer/kernel/klog"
)

var log = klog.New("part")

var wireOrder = binary.LittleEndian

const sectorSize = 512

// bootSignature is the mandatory 0x55AA trailer of a valid MBR sector
// (spec.md §4.4).
const bootSignature = 0xAA55

// mbrEntry is one of the four 16-byte MBR partition table entries.
type mbrEntry struct {
	Status   uint8
	CHSFirst [3]byte
	Type     uint8
	CHSLast  [3]byte
	LBAFirst uint32
	Sectors  uint32
}

// gptHeader is the GPT header at LBA 1 (EFI System Table spec, trimmed to
// the fields this prober needs).
type gptHeader struct {
	Signature          uint64
	Revision           uint32
	HeaderSize         uint32
	HeaderCRC32        uint32
	Reserved           uint32
	CurrentLBA         uint64
	BackupLBA          uint64
	FirstUsableLBA     uint64
	LastUsableLBA      uint64
	DiskGUID           [16]byte
	PartitionEntryLBA  uint64
	NumPartitionEntries uint32
	PartitionEntrySize uint32
	PartitionArrayCRC32 uint32
}

// gptSignature is "EFI PART" read little-endian as a uint64, per spec.md
// §4.4 ("validates signature \"EFI PART\" (little-endian 0x5452415020494645)").
const gptSignature = 0x5452415020494645

// gptEntry is one GPT partition entry.
type gptEntry struct {
	TypeGUID   [16]byte
	UniqueGUID [16]byte
	FirstLBA   uint64
	LastLBA    uint64
	Attributes uint64
	NameUTF16  [72]byte // 36 UTF-16 code units
}

// oemAttrBit is the GPT partition attribute bit marking an entry as
// OEM/firmware-reserved (bit 1 of the attribute flags per the UEFI spec);
// spec.md §4.4 excludes entries with this bit set.
const oemAttrBit = 1 << 1

// basicDataPartitionGUID is the well-known "Basic Data Partition" type
// GUID {EBD0A0A2-B9E5-4433-87C0-68B6B72699C7}, the only type this prober
// registers from a GPT disk (spec.md §4.4, §8 scenario S5).
var basicDataPartitionGUID = [16]byte{
	0xA2, 0xA0, 0xD0, 0xEB, 0xE5, 0xB9, 0x33, 0x44,
	0x87, 0xC0, 0x68, 0xB6, 0xB7, 0x26, 0x99, 0xC7,
}

var nullGUID [16]byte

// Volume is one probed partition: its backing disk index and its LBA
// extent (spec.md §4.4: "Each registered volume records (disk, lba-offset,
// lba-count)").
type Volume struct {
	Disk      int
	LBAOffset uint64
	LBACount  uint64
}

// Probe reads LBA 0 (and, for a GPT disk, LBA 1 onward) of the given disk
// and returns every partition it finds, per spec.md §4.4's two-path
// algorithm.
func Probe(diskIndex int) ([]Volume, error) {
	mbr := make([]byte, sectorSize)
	if err := disk.ReadBlocks(diskIndex, 0, mbr); err != nil {
		return nil, errors.Wrap(err, "part: reading LBA 0")
	}
	if sig := wireOrder.Uint16(mbr[510:512]); sig != bootSignature {
		return nil, errors.Errorf("part: LBA 0 missing 0x55AA signature (got %#x)", sig)
	}

	entries := make([]mbrEntry, 4)
	for i := range entries {
		off := 446 + i*16
		if err := restruct.Unpack(mbr[off:off+16], wireOrder, &entries[i]); err != nil {
			return nil, errors.Wrapf(err, "part: decoding MBR entry %d", i)
		}
	}

	if isProtectiveMBR(entries) {
		return probeGPT(diskIndex, entries[0])
	}
	return probeClassicalMBR(diskIndex, entries), nil
}

// isProtectiveMBR reports whether exactly one entry is type 0xEE
// (non-zero size) and the rest are empty, per spec.md §4.4.
func isProtectiveMBR(entries []mbrEntry) bool {
	eeCount := 0
	for _, e := range entries {
		switch {
		case e.Type == 0xEE && e.Sectors > 0:
			eeCount++
		case e.Type != 0 || e.Sectors != 0:
			return false
		}
	}
	return eeCount == 1
}

// probeClassicalMBR registers one volume per entry with non-zero size
// (spec.md §4.4, §8 scenario: "MBR without 0xEE protective entry").
func probeClassicalMBR(diskIndex int, entries []mbrEntry) []Volume {
	var vols []Volume
	for _, e := range entries {
		if e.Sectors == 0 {
			continue
		}
		vols = append(vols, Volume{Disk: diskIndex, LBAOffset: uint64(e.LBAFirst), LBACount: uint64(e.Sectors)})
	}
	log.Infof("disk %d: classical MBR, %d volume(s)", diskIndex, len(vols))
	return vols
}

// probeGPT reads the GPT header at LBA 1, validates its signature, walks
// the partition entry array across however many LBAs it occupies, and
// registers a volume for every Basic Data Partition entry with the OEM
// attribute bit clear (spec.md §4.4).
func probeGPT(diskIndex int, protective mbrEntry) ([]Volume, error) {
	hdrRaw := make([]byte, sectorSize)
	if err := disk.ReadBlocks(diskIndex, 1, hdrRaw); err != nil {
		return nil, errors.Wrap(err, "part: reading GPT header at LBA 1")
	}
	var hdr gptHeader
	if err := restruct.Unpack(hdrRaw[:92], wireOrder, &hdr); err != nil {
		return nil, errors.Wrap(err, "part: decoding GPT header")
	}
	if hdr.Signature != gptSignature {
		return nil, errors.Errorf("part: GPT signature mismatch (got %#x)", hdr.Signature)
	}

	entrySize := int(hdr.PartitionEntrySize)
	if entrySize <= 0 {
		entrySize = 128
	}
	entriesPerSector := sectorSize / entrySize
	total := int(hdr.NumPartitionEntries)
	lbasNeeded := (total + entriesPerSector - 1) / entriesPerSector

	var vols []Volume
	for lba := 0; lba < lbasNeeded; lba++ {
		sec := make([]byte, sectorSize)
		if err := disk.ReadBlocks(diskIndex, hdr.PartitionEntryLBA+uint64(lba), sec); err != nil {
			return nil, errors.Wrapf(err, "part: reading GPT entry array lba %d", lba)
		}
		for i := 0; i < entriesPerSector; i++ {
			idx := lba*entriesPerSector + i
			if idx >= total {
				break
			}
			off := i * entrySize
			if off+128 > len(sec) {
				break
			}
			var e gptEntry
			if err := restruct.Unpack(sec[off:off+128], wireOrder, &e); err != nil {
				return nil, errors.Wrapf(err, "part: decoding GPT entry %d", idx)
			}
			if e.TypeGUID == nullGUID {
				continue
			}
			if e.TypeGUID != basicDataPartitionGUID {
				continue
			}
			if e.Attributes&oemAttrBit != 0 {
				continue
			}
			vols = append(vols, Volume{
				Disk:      diskIndex,
				LBAOffset: e.FirstLBA,
				LBACount:  e.LastLBA - e.FirstLBA + 1,
			})
		}
	}
	log.Infof("disk %d: GPT, %d Basic Data Partition volume(s)", diskIndex, len(vols))
	return vols, nil
}
