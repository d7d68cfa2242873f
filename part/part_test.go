package part

import (
	"encoding/binary"
	"testing"

	"github.com/Easimer/kernel/disk"
)

type fakeDisk struct {
	sectors []byte
}

func newFakeDisk(nsectors int) *fakeDisk {
	return &fakeDisk{sectors: make([]byte, nsectors*sectorSize)}
}

func (f *fakeDisk) BlockSize() int     { return sectorSize }
func (f *fakeDisk) BlockCount() uint64 { return uint64(len(f.sectors) / sectorSize) }
func (f *fakeDisk) ReadBlocks(lba uint64, dst []byte) error {
	copy(dst, f.sectors[lba*sectorSize:])
	return nil
}
func (f *fakeDisk) WriteBlocks(lba uint64, src []byte) error {
	copy(f.sectors[lba*sectorSize:], src)
	return nil
}

func putMBREntry(sec []byte, slot int, typ uint8, lbaFirst, sectorsN uint32) {
	off := 446 + slot*16
	sec[off] = 0
	sec[off+4] = typ
	binary.LittleEndian.PutUint32(sec[off+8:], lbaFirst)
	binary.LittleEndian.PutUint32(sec[off+12:], sectorsN)
}

func TestProbeClassicalMBR(t *testing.T) {
	fd := newFakeDisk(100)
	putMBREntry(fd.sectors, 0, 0x83, 1, 50)
	putMBREntry(fd.sectors, 1, 0x83, 51, 49)
	binary.LittleEndian.PutUint16(fd.sectors[510:], bootSignature)

	disk.Reset()
	idx := disk.RegisterDevice(fd)
	vols, err := Probe(idx)
	if err != nil {
		t.Fatalf("Probe: %v", err)
	}
	if len(vols) != 2 {
		t.Fatalf("expected 2 volumes, got %d", len(vols))
	}
	if vols[0].LBAOffset != 1 || vols[0].LBACount != 50 {
		t.Fatalf("volume 0 = %+v", vols[0])
	}
}

func TestProbeGPTRegistersBasicDataPartitionOnly(t *testing.T) {
	fd := newFakeDisk(100)
	// Protective MBR: single 0xEE entry, non-zero size.
	putMBREntry(fd.sectors, 0, 0xEE, 1, 98)
	binary.LittleEndian.PutUint16(fd.sectors[510:], bootSignature)

	// GPT header at LBA 1.
	hdr := fd.sectors[sectorSize : sectorSize*2]
	binary.LittleEndian.PutUint64(hdr[0:], gptSignature)
	binary.LittleEndian.PutUint64(hdr[72:], 2)   // PartitionEntryLBA
	binary.LittleEndian.PutUint32(hdr[80:], 2)   // NumPartitionEntries
	binary.LittleEndian.PutUint32(hdr[84:], 128) // PartitionEntrySize

	// Entry array at LBA 2: one Basic Data Partition, one OEM-bit-set BDP
	// (excluded), rest null.
	arr := fd.sectors[sectorSize*2 : sectorSize*3]
	copy(arr[0:16], basicDataPartitionGUID[:])
	binary.LittleEndian.PutUint64(arr[32:], 10) // FirstLBA
	binary.LittleEndian.PutUint64(arr[40:], 19) // LastLBA

	copy(arr[128:144], basicDataPartitionGUID[:])
	binary.LittleEndian.PutUint64(arr[128+32:], 20)
	binary.LittleEndian.PutUint64(arr[128+40:], 29)
	binary.LittleEndian.PutUint64(arr[128+48:], 1<<1) // OEM bit set

	disk.Reset()
	idx := disk.RegisterDevice(fd)
	vols, err := Probe(idx)
	if err != nil {
		t.Fatalf("Probe: %v", err)
	}
	if len(vols) != 1 {
		t.Fatalf("expected exactly 1 Basic Data Partition volume, got %d: %+v", len(vols), vols)
	}
	if vols[0].LBAOffset != 10 || vols[0].LBACount != 10 {
		t.Fatalf("volume = %+v", vols[0])
	}
}

func TestProbeRejectsMissingBootSignature(t *testing.T) {
	fd := newFakeDisk(10)
	disk.Reset()
	idx := disk.RegisterDevice(fd)
	if _, err := Probe(idx); err == nil {
		t.Fatal("expected an error for a sector missing the 0x55AA signature")
	}
}
