package volume

import (
	"bytes"
	"testing"

	"github.com/Easimer/kernel/disk"
)

type fakeDisk struct{ sectors []byte }

func (f *fakeDisk) BlockSize() int     { return 512 }
func (f *fakeDisk) BlockCount() uint64 { return uint64(len(f.sectors) / 512) }
func (f *fakeDisk) ReadBlocks(lba uint64, dst []byte) error {
	copy(dst, f.sectors[lba*512:])
	return nil
}
func (f *fakeDisk) WriteBlocks(lba uint64, src []byte) error {
	copy(f.sectors[lba*512:], src)
	return nil
}

// fakeFS is a minimal in-memory filesystem driver used only to exercise
// the volume manager's dispatch and handle-table logic.
type fakeFS struct {
	recognize bool
	files     map[string][]byte
}

type fakeFSHandle struct {
	data []byte
	off  int64
}

func (f *fakeFS) Name() string { return "fakefs" }
func (f *fakeFS) Probe(v *Volume) (interface{}, bool) {
	if !f.recognize {
		return nil, false
	}
	return f, true
}
func (f *fakeFS) Open(state interface{}, path string, mode int) (interface{}, uint64, error) {
	data, ok := f.files[path]
	if !ok {
		return nil, 0, errNotFound(path)
	}
	return &fakeFSHandle{data: data}, uint64(len(data)), nil
}
func (f *fakeFS) Close(state interface{}, handle interface{}) error { return nil }
func (f *fakeFS) Read(state interface{}, handle interface{}, buf []byte) (int, error) {
	h := handle.(*fakeFSHandle)
	n := copy(buf, h.data[h.off:])
	h.off += int64(n)
	return n, nil
}
func (f *fakeFS) Write(state interface{}, handle interface{}, buf []byte) (int, error) {
	h := handle.(*fakeFSHandle)
	h.data = append(h.data[:h.off], buf...)
	h.off += int64(len(buf))
	return len(buf), nil
}
func (f *fakeFS) Seek(state interface{}, handle interface{}, offset int64, whence int) (int64, error) {
	h := handle.(*fakeFSHandle)
	switch whence {
	case SeekSet:
		h.off = offset
	case SeekCur:
		h.off += offset
	case SeekEnd:
		h.off = int64(len(h.data)) + offset
	}
	return h.off, nil
}
func (f *fakeFS) Tell(state interface{}, handle interface{}) int64 {
	return handle.(*fakeFSHandle).off
}
func (f *fakeFS) Sync(state interface{}) error { return nil }

type notFoundErr string

func (e notFoundErr) Error() string { return "not found: " + string(e) }
func errNotFound(path string) error { return notFoundErr(path) }

func setup(t *testing.T, recognize bool) (int, *fakeFS) {
	t.Helper()
	disk.Reset()
	Reset()
	di := disk.RegisterDevice(&fakeDisk{sectors: make([]byte, 512*100)})
	vi := RegisterVolume(di, 0, 100)
	fs := &fakeFS{recognize: recognize, files: map[string][]byte{"/FILE.TXT": []byte("hello")}}
	RegisterDriver(fs)
	return vi, fs
}

func TestDetectFilesystemsBindsFirstMatch(t *testing.T) {
	vi, _ := setup(t, true)
	if !DetectFilesystems(vi) {
		t.Fatal("expected a matching driver to bind")
	}
	if !Mounted(vi) {
		t.Fatal("expected volume to be mounted")
	}
}

func TestDetectFilesystemsNoMatch(t *testing.T) {
	vi, _ := setup(t, false)
	if DetectFilesystems(vi) {
		t.Fatal("expected no driver to match")
	}
	if Mounted(vi) {
		t.Fatal("expected volume to remain unmounted")
	}
}

func TestOpenReadCloseRoundtrip(t *testing.T) {
	vi, _ := setup(t, true)
	DetectFilesystems(vi)

	fd, err := Open(vi, "/FILE.TXT", ModeRead)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	buf := make([]byte, 5)
	n, err := Read(fd, buf)
	if err != nil || n != 5 || string(buf) != "hello" {
		t.Fatalf("Read = %d,%v,%q", n, err, buf)
	}
	if err := Close(fd); err != nil {
		t.Fatalf("Close: %v", err)
	}
}

func TestWriteRejectedWithoutWriteMode(t *testing.T) {
	vi, _ := setup(t, true)
	DetectFilesystems(vi)
	fd, err := Open(vi, "/FILE.TXT", ModeRead)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if _, err := Write(fd, []byte("x")); err == nil {
		t.Fatal("expected write to a read-only handle to fail")
	}
}

func TestSeekTellEof(t *testing.T) {
	vi, _ := setup(t, true)
	DetectFilesystems(vi)
	fd, _ := Open(vi, "/FILE.TXT", ModeRead)
	if Eof(fd) {
		t.Fatal("expected not-EOF at offset 0 of a 5-byte file")
	}
	if _, err := Seek(fd, 5, SeekSet); err != nil {
		t.Fatalf("Seek: %v", err)
	}
	if !Eof(fd) {
		t.Fatal("expected EOF at offset == size")
	}
	if Tell(fd) != 5 {
		t.Fatalf("Tell = %d, want 5", Tell(fd))
	}
}

func TestReadBlocksRangeChecksAgainstVolumeExtent(t *testing.T) {
	vi, _ := setup(t, true)
	buf := make([]byte, 512*200)
	if err := ReadBlocks(vi, 0, buf); err == nil {
		t.Fatal("expected a range-check error reading past the volume's extent")
	}
}

func TestRoundtripThroughRealBytes(t *testing.T) {
	vi, _ := setup(t, true)
	payload := bytes.Repeat([]byte{0x11}, 512)
	if err := WriteBlocks(vi, 10, payload); err != nil {
		t.Fatalf("WriteBlocks: %v", err)
	}
	got := make([]byte, 512)
	if err := ReadBlocks(vi, 10, got); err != nil {
		t.Fatalf("ReadBlocks: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatal("volume-relative block roundtrip mismatch")
	}
}
