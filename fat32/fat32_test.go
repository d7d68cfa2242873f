package fat32

import (
	"encoding/binary"
	"testing"

	"github.com/Easimer/kernel/disk"
	"github.com/Easimer/kernel/volume"
)

type fakeDisk struct{ sectors []byte }

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

const (
	testReservedSectors = 32
	testFATSize32       = 2
	testNumFATs         = 1
	testMedia           = 0xF8
	testDataStart       = testReservedSectors + testNumFATs*testFATSize32
	testTotalSectors    = 200
)

// buildFAT32Image constructs a minimal valid FAT32 image: a BPB, an
// FSInfo sector, a first FAT sector with the two fixed entries, and an
// empty root directory cluster. It is the test-only analogue of
// tools/mkfat32img, grounded the same way (mkfs/mkfs.go's "build a valid
// image" role) but inlined here since these tests need precise control
// over edge-case geometry.
func buildFAT32Image() *fakeDisk {
	fd := &fakeDisk{sectors: make([]byte, testTotalSectors*sectorSize)}
	b := fd.sectors

	le16 := binary.LittleEndian.PutUint16
	le32 := binary.LittleEndian.PutUint32

	le16(b[11:], sectorSize)
	b[13] = 1 // sectors per cluster
	le16(b[14:], testReservedSectors)
	b[16] = testNumFATs
	b[21] = testMedia
	le32(b[36:], testFATSize32)
	le32(b[44:], 2) // root cluster
	le16(b[48:], 1) // FSInfoSector
	le16(b[510:], bootSignature16)

	fsi := b[sectorSize : sectorSize*2]
	le32(fsi[0:], fsInfoLeadSig)
	le32(fsi[484:], fsInfoStructSig)
	le32(fsi[508:], fsInfoTrailSig)

	fat0 := b[testReservedSectors*sectorSize:]
	le32(fat0[0:], 0x0FFFFF00|uint32(testMedia))
	le32(fat0[4:], eocMarker)
	le32(fat0[8:], eocMarker) // cluster 2 (root) preallocated as EOC

	return fd
}

func mountFreshImage(t *testing.T) int {
	t.Helper()
	disk.Reset()
	volume.Reset()
	fd := buildFAT32Image()
	di := disk.RegisterDevice(fd)
	vi := volume.RegisterVolume(di, 0, testTotalSectors)
	volume.RegisterDriver(Driver{})
	if !volume.DetectFilesystems(vi) {
		t.Fatal("expected the constructed image to be recognized as FAT32")
	}
	return vi
}

func TestProbeRecognizesValidImage(t *testing.T) {
	mountFreshImage(t)
}

func TestProbeRejectsBadSignature(t *testing.T) {
	disk.Reset()
	volume.Reset()
	fd := buildFAT32Image()
	fd.sectors[510] = 0 // corrupt 0x55AA
	di := disk.RegisterDevice(fd)
	vi := volume.RegisterVolume(di, 0, testTotalSectors)
	volume.RegisterDriver(Driver{})
	if volume.DetectFilesystems(vi) {
		t.Fatal("expected a corrupted boot signature to be rejected")
	}
}

func TestCreateWriteCloseReopenRead(t *testing.T) {
	vi := mountFreshImage(t)

	fd, err := volume.Open(vi, "HELLO.TXT", volume.ModeWrite|volume.ModeCreate)
	if err != nil {
		t.Fatalf("Open(create): %v", err)
	}
	payload := []byte("hello, fat32")
	n, err := volume.Write(fd, payload)
	if err != nil || n != len(payload) {
		t.Fatalf("Write = %d, %v", n, err)
	}
	if err := volume.Close(fd); err != nil {
		t.Fatalf("Close: %v", err)
	}

	fd2, err := volume.Open(vi, "HELLO.TXT", volume.ModeRead)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	buf := make([]byte, len(payload))
	n, err = volume.Read(fd2, buf)
	if err != nil || n != len(payload) || string(buf) != string(payload) {
		t.Fatalf("Read = %d, %v, %q", n, err, buf)
	}
	if !volume.Eof(fd2) {
		t.Fatal("expected EOF after reading the whole file")
	}
}

func TestSeekClampsToFileSize(t *testing.T) {
	vi := mountFreshImage(t)
	fd, _ := volume.Open(vi, "A.TXT", volume.ModeWrite|volume.ModeCreate)
	volume.Write(fd, []byte("12345"))
	volume.Close(fd)

	fd2, _ := volume.Open(vi, "A.TXT", volume.ModeRead)
	off, err := volume.Seek(fd2, 1000, volume.SeekSet)
	if err != nil {
		t.Fatalf("Seek: %v", err)
	}
	if off != 5 {
		t.Fatalf("Seek past end = %d, want clamped to 5", off)
	}
	if off, _ = volume.Seek(fd2, -1000, volume.SeekCur); off != 0 {
		t.Fatalf("Seek before start = %d, want clamped to 0", off)
	}
}

func TestOpenMissingFileWithoutCreateFails(t *testing.T) {
	vi := mountFreshImage(t)
	if _, err := volume.Open(vi, "NOPE.TXT", volume.ModeRead); err == nil {
		t.Fatal("expected opening a nonexistent file without ModeCreate to fail")
	}
}

func TestWriteAcrossMultipleClusters(t *testing.T) {
	vi := mountFreshImage(t)
	fd, err := volume.Open(vi, "BIG.BIN", volume.ModeWrite|volume.ModeCreate)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	payload := make([]byte, sectorSize*3) // cluster size is 1 sector here
	for i := range payload {
		payload[i] = byte(i)
	}
	if _, err := volume.Write(fd, payload); err != nil {
		t.Fatalf("Write: %v", err)
	}
	volume.Close(fd)

	fd2, _ := volume.Open(vi, "BIG.BIN", volume.ModeRead)
	got := make([]byte, len(payload))
	n, err := volume.Read(fd2, got)
	if err != nil || n != len(payload) {
		t.Fatalf("Read = %d, %v", n, err)
	}
	for i := range got {
		if got[i] != payload[i] {
			t.Fatalf("byte %d mismatch: got %d want %d", i, got[i], payload[i])
		}
	}
}
