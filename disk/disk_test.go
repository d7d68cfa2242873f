package disk

import (
	"bytes"
	"testing"
)

type fakeDisk struct {
	blockSize int
	blocks    []byte // blockSize * count
}

func (f *fakeDisk) BlockSize() int      { return f.blockSize }
func (f *fakeDisk) BlockCount() uint64  { return uint64(len(f.blocks) / f.blockSize) }
func (f *fakeDisk) ReadBlocks(lba uint64, dst []byte) error {
	copy(dst, f.blocks[lba*uint64(f.blockSize):])
	return nil
}
func (f *fakeDisk) WriteBlocks(lba uint64, src []byte) error {
	copy(f.blocks[lba*uint64(f.blockSize):], src)
	return nil
}

func TestRegisterAndReadWriteRoundtrip(t *testing.T) {
	Reset()
	dev := &fakeDisk{blockSize: 512, blocks: make([]byte, 512*4)}
	i := RegisterDevice(dev)
	if !Exists(i) {
		t.Fatal("expected registered disk to exist")
	}

	payload := bytes.Repeat([]byte{0xAB}, 512*2)
	if err := WriteBlocks(i, 1, payload); err != nil {
		t.Fatalf("WriteBlocks: %v", err)
	}
	got := make([]byte, 512*2)
	if err := ReadBlocks(i, 1, got); err != nil {
		t.Fatalf("ReadBlocks: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatal("read back did not match what was written")
	}
}

func TestReadPastCapacityErrors(t *testing.T) {
	Reset()
	dev := &fakeDisk{blockSize: 512, blocks: make([]byte, 512*2)}
	i := RegisterDevice(dev)
	buf := make([]byte, 512*4)
	if err := ReadBlocks(i, 0, buf); err == nil {
		t.Fatal("expected an error reading past capacity")
	}
}

func TestNonexistentDiskDoesNotExist(t *testing.T) {
	Reset()
	if Exists(0) {
		t.Fatal("expected empty registry to report no disk 0")
	}
}

func TestRegisterAssignsSequentialIndices(t *testing.T) {
	Reset()
	a := RegisterDevice(&fakeDisk{blockSize: 512, blocks: make([]byte, 512)})
	b := RegisterDevice(&fakeDisk{blockSize: 512, blocks: make([]byte, 512)})
	if a != 0 || b != 1 {
		t.Fatalf("expected sequential indices 0,1, got %d,%d", a, b)
	}
}
