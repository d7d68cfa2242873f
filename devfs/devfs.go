// Package devfs implements the device-file filesystem (spec.md §4.8):
// synthetic files (tty0..tty3, vga, null, zero, mem) registered against
// volume 0, sharing a fixed 16-slot open-file table. It implements
// volume.FilesystemDriver so it is mounted through the same
// DetectFilesystems path as fat32.
//
// Devices route bytes through small collaborator interfaces -- a UART and
// a VGA console -- the same "opaque backing device behind a narrow
// interface" split _examples/Oichkatzelesfrettschen-biscuit's
// circbuf.Circbuf_t uses to keep tty buffering out of the filesystem
// layer; tty buffering lives in the UART collaborator's implementation,
// since devfs has no physical-page ownership of its own. The ringBuffer
// type defined below is not used by any device.
package devfs

import (
	"github.com/pkg/errors"

	"github.com/Easimer/kernel/kassert"
	"github.com/Easimer/kernel/volume"
)

// Device major identifiers, grounded on defs/device.go's D_CONSOLE-style
// small integer constants.
const (
	DevTTY0 = iota
	DevTTY1
	DevTTY2
	DevTTY3
	DevVGA
	DevNull
	DevZero
	DevMem
)

// maxOpenFiles is devfs's fixed 16-slot table (spec.md §4.8: "All open
// files share a fixed 16-slot table").
const maxOpenFiles = 16

// UART abstracts one of the four serial ports backing tty0..tty3.
type UART interface {
	ReadByte() (byte, bool)
	WriteByte(b byte)
	Flush()
}

// VGAConsole abstracts the text-mode console backing the vga device.
type VGAConsole interface {
	Write(p []byte) (int, error)
}

// MemAccess abstracts the raw byte access the mem device performs
// (spec.md §4.8: "reads and writes dereference a caller-settable absolute
// address"). In production this is backed by vmm.Arena's ReadAt/WriteAt; devfs
// depends only on this narrow interface rather than importing vmm, the
// same layering discipline intr.Pic_i and disk.PortIO use to keep a
// hardware-adjacent concern testable without a real backing device.
type MemAccess interface {
	ReadAt(addr uint32, dst []byte)
	WriteAt(addr uint32, src []byte)
}

// ringBuffer is a small single-producer/single-consumer byte ring,
// adapted from circbuf.Circbuf_t's head/tail bookkeeping for a tty's
// buffered bytes rather than a page-backed IPC channel.
type ringBuffer struct {
	buf        []byte
	head, tail int
	count      int
}

func newRing(size int) *ringBuffer {
	return &ringBuffer{buf: make([]byte, size)}
}

func (r *ringBuffer) push(b byte) bool {
	if r.count == len(r.buf) {
		return false
	}
	r.buf[r.head] = b
	r.head = (r.head + 1) % len(r.buf)
	r.count++
	return true
}

func (r *ringBuffer) pop() (byte, bool) {
	if r.count == 0 {
		return 0, false
	}
	b := r.buf[r.tail]
	r.tail = (r.tail + 1) % len(r.buf)
	r.count--
	return b, true
}

// Mount is devfs's opaque per-volume state: the backing collaborators and
// the mem device's caller-settable cursor.
type Mount struct {
	uarts [4]UART
	vga   VGAConsole
	mem   MemAccess

	files [maxOpenFiles]handle
}

type handle struct {
	valid  bool
	device int
	pos    int64 // meaningful for the mem device only
}

// NewMount constructs devfs state. A nil collaborator is valid: reads
// return EOF and writes are discarded for that device, which is safe
// default behavior rather than a panic since devfs must not crash the
// kernel merely because a UART was never wired up.
func NewMount(uarts [4]UART, vga VGAConsole, mem MemAccess) *Mount {
	return &Mount{uarts: uarts, vga: vga, mem: mem}
}

// Driver is the package-level volume.FilesystemDriver. devfs is always
// registered first and bound to volume 0 directly (spec.md §3: "volume 0
// is the device-file volume"), so Probe only succeeds when asked to probe
// that reserved volume index.
type Driver struct{ Mount *Mount }

func (Driver) Name() string { return "devfs" }

// Probe recognizes only volume 0, per spec.md §3/§4.8's hardwired
// convention; devfs never autodetects on-disk content because it has
// none.
func (d Driver) Probe(v *volume.Volume) (interface{}, bool) {
	if v.Index != 0 {
		return nil, false
	}
	return d.Mount, true
}

func devByName(name string) (int, bool) {
	switch name {
	case "tty0":
		return DevTTY0, true
	case "tty1":
		return DevTTY1, true
	case "tty2":
		return DevTTY2, true
	case "tty3":
		return DevTTY3, true
	case "vga":
		return DevVGA, true
	case "null":
		return DevNull, true
	case "zero":
		return DevZero, true
	case "mem":
		return DevMem, true
	}
	return 0, false
}

// Open implements volume.FilesystemDriver.
func (Driver) Open(state interface{}, path string, mode int) (interface{}, uint64, error) {
	m := state.(*Mount)
	dev, ok := devByName(trimLeadingSlash(path))
	if !ok {
		return nil, 0, errors.Errorf("devfs: no such device %q", path)
	}
	for i := range m.files {
		if !m.files[i].valid {
			m.files[i] = handle{valid: true, device: dev}
			return &m.files[i], 0, nil
		}
	}
	return nil, 0, errors.New("devfs: open-file table full")
}

func trimLeadingSlash(path string) string {
	if len(path) > 0 && path[0] == '/' {
		return path[1:]
	}
	return path
}

func (Driver) Close(state interface{}, h interface{}) error {
	h.(*handle).valid = false
	return nil
}

func (Driver) Sync(state interface{}) error { return nil }

// Read dispatches each device's documented semantics (spec.md §4.8):
// tty reads from its UART collaborator, vga and null return EOF (0, nil), zero
// fills with zero bytes, mem dereferences the caller-settable address.
func (d Driver) Read(state interface{}, hv interface{}, buf []byte) (int, error) {
	m := state.(*Mount)
	h := hv.(*handle)
	switch h.device {
	case DevTTY0, DevTTY1, DevTTY2, DevTTY3:
		return readTTY(m, h.device-DevTTY0, buf)
	case DevNull:
		return 0, nil
	case DevZero:
		for i := range buf {
			buf[i] = 0
		}
		return len(buf), nil
	case DevMem:
		return readMem(m, h, buf)
	case DevVGA:
		return 0, nil
	}
	kassert.Fatal("devfs: Read: unknown device %d", h.device)
	return 0, nil
}

func readTTY(m *Mount, idx int, buf []byte) (int, error) {
	u := m.uarts[idx]
	if u == nil {
		return 0, nil
	}
	n := 0
	for n < len(buf) {
		b, ok := u.ReadByte()
		if !ok {
			break
		}
		buf[n] = b
		n++
	}
	return n, nil
}

// readMem dereferences h.pos through the injected MemAccess collaborator
// -- intentionally dangerous, per spec.md §4.8, and used only for
// diagnostics.
func readMem(m *Mount, h *handle, buf []byte) (int, error) {
	if m.mem == nil {
		return 0, nil
	}
	m.mem.ReadAt(uint32(h.pos), buf)
	h.pos += int64(len(buf))
	return len(buf), nil
}

func (d Driver) Write(state interface{}, hv interface{}, buf []byte) (int, error) {
	m := state.(*Mount)
	h := hv.(*handle)
	switch h.device {
	case DevTTY0, DevTTY1, DevTTY2, DevTTY3:
		return writeTTY(m, h.device-DevTTY0, buf)
	case DevVGA:
		if m.vga == nil {
			return len(buf), nil
		}
		return m.vga.Write(buf)
	case DevNull:
		return len(buf), nil
	case DevZero:
		return len(buf), nil
	case DevMem:
		return writeMem(m, h, buf)
	}
	kassert.Fatal("devfs: Write: unknown device %d", h.device)
	return 0, nil
}

func writeTTY(m *Mount, idx int, buf []byte) (int, error) {
	u := m.uarts[idx]
	if u == nil {
		return len(buf), nil
	}
	for _, b := range buf {
		u.WriteByte(b)
	}
	u.Flush()
	return len(buf), nil
}

func writeMem(m *Mount, h *handle, buf []byte) (int, error) {
	if m.mem == nil {
		return len(buf), nil
	}
	m.mem.WriteAt(uint32(h.pos), buf)
	h.pos += int64(len(buf))
	return len(buf), nil
}

// Seek on tty/null/zero/vga is a no-op returning 0; on mem it interprets
// SET as absolute, CUR as delta, END as 0xFFFFFFFF + delta (spec.md
// §4.8).
func (Driver) Seek(state interface{}, hv interface{}, offset int64, whence int) (int64, error) {
	h := hv.(*handle)
	if h.device != DevMem {
		return 0, nil
	}
	switch whence {
	case volume.SeekSet:
		h.pos = offset
	case volume.SeekCur:
		h.pos += offset
	case volume.SeekEnd:
		h.pos = int64(0xFFFFFFFF) + offset
	}
	return h.pos, nil
}

// Tell on the mem device returns the address cast to a signed value, even
// when that makes it appear negative -- preserved as-is per DESIGN.md's
// Open Question decision (f); every other device returns 0.
func (Driver) Tell(state interface{}, hv interface{}) int64 {
	h := hv.(*handle)
	if h.device != DevMem {
		return 0
	}
	return int64(int32(h.pos))
}
