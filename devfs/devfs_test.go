package devfs

import (
	"testing"

	"github.com/Easimer/kernel/disk"
	"github.com/Easimer/kernel/volume"
)

type fakeDisk struct{ sectors []byte }

func (f *fakeDisk) BlockSize() int                              { return 512 }
func (f *fakeDisk) BlockCount() uint64                           { return uint64(len(f.sectors) / 512) }
func (f *fakeDisk) ReadBlocks(lba uint64, dst []byte) error      { return nil }
func (f *fakeDisk) WriteBlocks(lba uint64, src []byte) error     { return nil }

type fakeUART struct {
	in  []byte
	out []byte
}

func (u *fakeUART) ReadByte() (byte, bool) {
	if len(u.in) == 0 {
		return 0, false
	}
	b := u.in[0]
	u.in = u.in[1:]
	return b, true
}
func (u *fakeUART) WriteByte(b byte) { u.out = append(u.out, b) }
func (u *fakeUART) Flush()           {}

type fakeMem struct{ buf [256]byte }

func (m *fakeMem) ReadAt(addr uint32, dst []byte)  { copy(dst, m.buf[addr:]) }
func (m *fakeMem) WriteAt(addr uint32, src []byte) { copy(m.buf[addr:], src) }

func setup(t *testing.T) (int, *Mount) {
	t.Helper()
	disk.Reset()
	volume.Reset()
	di := disk.RegisterDevice(&fakeDisk{sectors: make([]byte, 512*10)})
	vi := volume.RegisterVolume(di, 0, 10)
	if vi != 0 {
		t.Fatalf("expected devfs to be registered as volume 0, got %d", vi)
	}
	mount := NewMount([4]UART{&fakeUART{}, nil, nil, nil}, nil, &fakeMem{})
	volume.RegisterDriver(Driver{Mount: mount})
	if !volume.DetectFilesystems(vi) {
		t.Fatal("expected devfs to bind to volume 0")
	}
	return vi, mount
}

func TestNullReadsEOFWritesDiscard(t *testing.T) {
	vi, _ := setup(t)
	fd, err := volume.Open(vi, "/null", volume.ModeRead|volume.ModeWrite)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	buf := make([]byte, 10)
	n, err := volume.Read(fd, buf)
	if err != nil || n != 0 {
		t.Fatalf("Read(null) = %d, %v", n, err)
	}
	n, err = volume.Write(fd, []byte("discarded"))
	if err != nil || n != len("discarded") {
		t.Fatalf("Write(null) = %d, %v", n, err)
	}
}

func TestZeroFillsReads(t *testing.T) {
	vi, _ := setup(t)
	fd, _ := volume.Open(vi, "/zero", volume.ModeRead)
	buf := []byte{1, 2, 3}
	n, err := volume.Read(fd, buf)
	if err != nil || n != 3 || buf[0] != 0 || buf[1] != 0 || buf[2] != 0 {
		t.Fatalf("Read(zero) = %d, %v, %v", n, err, buf)
	}
}

func TestTTYRoundtrip(t *testing.T) {
	vi, mount := setup(t)
	mount.uarts[0].(*fakeUART).in = []byte("hi")
	fd, _ := volume.Open(vi, "/tty0", volume.ModeRead|volume.ModeWrite)
	buf := make([]byte, 2)
	n, err := volume.Read(fd, buf)
	if err != nil || n != 2 || string(buf) != "hi" {
		t.Fatalf("Read(tty0) = %d, %v, %q", n, err, buf)
	}
	if _, err := volume.Write(fd, []byte("out")); err != nil {
		t.Fatalf("Write(tty0): %v", err)
	}
	if string(mount.uarts[0].(*fakeUART).out) != "out" {
		t.Fatalf("uart out = %q", mount.uarts[0].(*fakeUART).out)
	}
}

func TestMemDeviceSeekAndRoundtrip(t *testing.T) {
	vi, _ := setup(t)
	fd, _ := volume.Open(vi, "/mem", volume.ModeRead|volume.ModeWrite)
	if _, err := volume.Seek(fd, 10, volume.SeekSet); err != nil {
		t.Fatalf("Seek: %v", err)
	}
	if _, err := volume.Write(fd, []byte("xyz")); err != nil {
		t.Fatalf("Write(mem): %v", err)
	}
	if _, err := volume.Seek(fd, 10, volume.SeekSet); err != nil {
		t.Fatalf("Seek: %v", err)
	}
	got := make([]byte, 3)
	n, err := volume.Read(fd, got)
	if err != nil || n != 3 || string(got) != "xyz" {
		t.Fatalf("Read(mem) = %d, %v, %q", n, err, got)
	}
}

func TestUnknownDeviceRejected(t *testing.T) {
	vi, _ := setup(t)
	if _, err := volume.Open(vi, "/nope", volume.ModeRead); err == nil {
		t.Fatal("expected opening an unknown device path to fail")
	}
}
