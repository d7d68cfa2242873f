// Package loader implements the program loader (spec.md §4.7): it opens a
// flat executable image through the volume/filesystem layer, builds a
// fresh address space for it, maps its code and a single stack page, and
// transfers control to its entry point.
//
// There is no hosted way to perform a real cdecl control transfer into
// program code running at a mapped virtual address from a Go test
// binary, so -- as with intr's Syscall entry point standing in for a real
// `int 0x80` -- "branches to the entry point" is modeled as an explicit Go
// function call through an EntryFn the caller supplies (kernel wiring
// passes the header's declared entry virtual address to a disassembling
// stub in production; tests pass a plain Go closure). This mirrors
// _examples/Oichkatzelesfrettschen-biscuit's own split between the
// userspace trampoline (real assembly, out of scope here) and the
// loader logic that sets up the address space before it (mirrored here).
package loader

import (
	"encoding/binary"

	"github.com/go-restruct/restruct"
	"github.com/pkg/errors"

	"github.com/Easimer/kernel/intr"
	"github.com/Easimer/kernel/kassert"
	"github.com/Easimer/kernel/klog"
	"github.com/Easimer/kernel/mem"
	"github.com/Easimer/kernel/volume"
	"github.com/Easimer/kernel/vmm"
)

var wireOrder = binary.LittleEndian

var log = klog.New("loader")

// headerMagic is the flat image's required first four bytes (spec.md §6:
// "bytes 0..3 little-endian magic 0x7c12f080").
const headerMagic = 0x7c12f080

// headerSize is the fixed preamble preceding the flat program image
// (spec.md §6: "bytes 8..127 reserved").
const headerSize = 128

// StackVA is the fixed single-page stack address every program receives
// (spec.md §4.7).
const StackVA = 0x40000000

// Error codes mirror spec.md §4.7 exactly: callers branch on these, not
// on the wrapped error text.
const (
	ErrNotFound      = -1
	ErrNotExecutable = -2
	ErrOutOfMemory   = -3
)

// LoadError carries one of the three documented codes alongside a
// human-readable cause, the same "documented numeric code plus context"
// shape volume/disk's pkg/errors-wrapped errors already use elsewhere in
// this tree.
type LoadError struct {
	Code  int
	cause error
}

func (e *LoadError) Error() string { return e.cause.Error() }
func (e *LoadError) Unwrap() error { return e.cause }

func fail(code int, cause error) *LoadError { return &LoadError{Code: code, cause: cause} }

// EntryFn stands in for the real cdecl branch into a program's entry
// point (spec.md §4.7 step 6: "passing (argc, argv) via cdecl"). It
// returns the program's exit code.
type EntryFn func(entryVA uint32, argc int, argv []string) int

// header is the 8-byte decoded prefix of the 128-byte executable header
// (spec.md §6); the remaining 120 bytes are reserved and never read.
type header struct {
	Magic   uint32 `struct:"uint32"`
	EntryVA uint32 `struct:"uint32"`
}

// Loader owns the collaborators execute_program needs: the VMM for
// address-space setup and the PFA for the program-image/stack frames.
type Loader struct {
	vmm *vmm.Vmm_t
	pfa *mem.Pfa_t
}

// New constructs a Loader over the kernel's VMM and PFA.
func New(v *vmm.Vmm_t, pfa *mem.Pfa_t) *Loader {
	return &Loader{vmm: v, pfa: pfa}
}

// ExecuteProgram implements spec.md §4.7's execute_program: opens path on
// volume vi, validates the header, builds a fresh address space, maps the
// program image and stack, reads the flat image in, then invokes entry
// via run. On any step's failure it unwinds every resource it had already
// acquired, in reverse order, and returns a *LoadError carrying one of
// ErrNotFound / ErrNotExecutable / ErrOutOfMemory.
func (l *Loader) ExecuteProgram(vi int, path string, argv []string, run EntryFn) (int, error) {
	log.Infof("exec: loading program '%d:%s'", vi, path)

	fd, err := volume.Open(vi, path, volume.ModeRead)
	if err != nil {
		return 0, fail(ErrNotFound, errors.Wrapf(err, "exec: open %q", path))
	}
	defer volume.Close(fd)

	var hdrRaw [headerSize]byte
	n, err := volume.Read(fd, hdrRaw[:])
	if err != nil || n != headerSize {
		return 0, fail(ErrNotExecutable, errors.Errorf("exec: %q: header truncated (%d bytes, err=%v)", path, n, err))
	}
	var hdr header
	if err := restruct.Unpack(hdrRaw[:8], wireOrder, &hdr); err != nil {
		return 0, fail(ErrNotExecutable, errors.Wrapf(err, "exec: %q: decoding header", path))
	}
	if hdr.Magic != headerMagic {
		return 0, fail(ErrNotExecutable, errors.Errorf("exec: %q: bad magic %#x", path, hdr.Magic))
	}

	// Step 2: a fresh page directory, kernel half shared, switched to live.
	as := l.vmm.AllocatePageDirectory()
	prevLive := l.vmm.Live()
	l.vmm.SwitchPageDirectory(as)
	unwindDir := func() {
		l.vmm.SwitchPageDirectory(prevLive)
		l.vmm.FreePageDirectory(as)
	}

	// Step 3: round the flat image's length (file length minus the
	// 128-byte header) up to whole pages, plus one stack page.
	totalSize := fileSize(fd)
	if totalSize < headerSize {
		unwindDir()
		return 0, fail(ErrNotExecutable, errors.Errorf("exec: %q: file shorter than header", path))
	}
	imageSize := totalSize - headerSize
	imagePages := (int(imageSize) + mem.PGSIZE - 1) / mem.PGSIZE
	if imagePages == 0 {
		imagePages = 1
	}

	imagePhys, ok := l.pfa.Alloc(uintptr(imagePages)*mem.PGSIZE, vi+1)
	if !ok {
		unwindDir()
		return 0, fail(ErrOutOfMemory, errors.Errorf("exec: %q: no frames for %d-page image", path, imagePages))
	}
	stackPhys, ok := l.pfa.Alloc(mem.PGSIZE, vi+1)
	if !ok {
		l.pfa.Free(imagePhys)
		unwindDir()
		return 0, fail(ErrOutOfMemory, errors.Errorf("exec: %q: no frame for stack", path))
	}

	// Step 4: map program frames at consecutive VPs from 0, the stack at
	// its fixed address, then zero-fill the program image.
	imageVA, ok := l.vmm.MapProgram(imagePhys, imagePages)
	if !ok {
		l.pfa.Free(stackPhys)
		l.pfa.Free(imagePhys)
		unwindDir()
		return 0, fail(ErrOutOfMemory, errors.Errorf("exec: %q: no virtual range for image", path))
	}
	kassert.Assert(imageVA == 0, "exec: %q: image not mapped starting at VP 0 (got %#x)", path, imageVA)
	l.vmm.VirtualMap(StackVA, stackPhys)

	for i := 0; i < imagePages; i++ {
		zero(l.vmm, imagePhys+mem.Pa_t(i*mem.PGSIZE))
	}

	// Step 5: seek past the 128-byte header and read the flat image into
	// the freshly mapped frames; the header bytes are not loaded.
	if _, err := volume.Seek(fd, headerSize, volume.SeekSet); err != nil {
		l.vmm.VirtualUnmap(StackVA)
		for i := 0; i < imagePages; i++ {
			l.vmm.VirtualUnmap(uint32(i * mem.PGSIZE))
		}
		l.pfa.Free(stackPhys)
		l.pfa.Free(imagePhys)
		unwindDir()
		return 0, fail(ErrNotExecutable, errors.Wrapf(err, "exec: %q: seek past header", path))
	}
	if err := readInto(l.vmm, fd, imagePhys, imagePages); err != nil {
		l.vmm.VirtualUnmap(StackVA)
		for i := 0; i < imagePages; i++ {
			l.vmm.VirtualUnmap(uint32(i * mem.PGSIZE))
		}
		l.pfa.Free(stackPhys)
		l.pfa.Free(imagePhys)
		unwindDir()
		return 0, fail(ErrNotExecutable, errors.Wrapf(err, "exec: %q: read image", path))
	}

	argc := len(argv)
	code := runEntry(run, hdr.EntryVA, argc, argv)
	log.Infof("%s returned with code %d", path, code)

	// Cooperative termination: the function's return is the program's
	// exit (spec.md §4.7), so the loader tears down its resources here
	// rather than leaving them for a scheduler that does not exist yet.
	l.vmm.VirtualUnmap(StackVA)
	for i := 0; i < imagePages; i++ {
		l.vmm.VirtualUnmap(uint32(i * mem.PGSIZE))
	}
	l.pfa.Free(stackPhys)
	l.pfa.Free(imagePhys)
	unwindDir()

	return code, nil
}

// SpawnInit implements spec.md §4.7's spawn_init: tries each volume index
// >= start in ascending order, stopping at the first ExecuteProgram
// success. start and path come from bootargs.Options (Root/Init), so a
// boot command line can redirect where init is found without this
// package knowing anything about command-line parsing.
func (l *Loader) SpawnInit(start, volumeCount int, path string, run EntryFn) (int, error) {
	var lastErr error
	for vi := start; vi < volumeCount; vi++ {
		code, err := l.ExecuteProgram(vi, path, []string{path}, run)
		if err == nil {
			return code, nil
		}
		lastErr = err
	}
	if lastErr == nil {
		lastErr = errors.Errorf("exec: no volumes to search for %s", path)
	}
	return 0, lastErr
}

func fileSize(fd int) uint64 {
	cur := volume.Tell(fd)
	size, _ := volume.Seek(fd, 0, volume.SeekEnd)
	volume.Seek(fd, cur, volume.SeekSet)
	return uint64(size)
}

func zero(v *vmm.Vmm_t, phys mem.Pa_t) {
	v.WithTemp(phys, func(b []byte) {
		for i := range b {
			b[i] = 0
		}
	})
}

// readInto streams the already-seeked file descriptor's remaining bytes
// into the mapped image frames, one physical page at a time through the
// vmtemp window -- the same "WithTemp save/restore" discipline
// vmm.Vmm_t's other consumers already use, since the loader has no
// direct-map access to frames outside the scope of a single WithTemp
// call.
func readInto(v *vmm.Vmm_t, fd int, imagePhys mem.Pa_t, pages int) error {
	for i := 0; i < pages; i++ {
		var readErr error
		v.WithTemp(imagePhys+mem.Pa_t(i*mem.PGSIZE), func(b []byte) {
			n, err := volume.Read(fd, b)
			if err != nil {
				readErr = err
				return
			}
			for j := n; j < len(b); j++ {
				b[j] = 0
			}
		})
		if readErr != nil {
			return readErr
		}
	}
	return nil
}

// SyscallExit is syscall id 8, EXIT (EBX = exit code) -- the REDESIGN
// FLAG this package implements per spec.md §9(g): the original core has
// no explicit exit syscall, relying on a bare `ret` from main whose stack
// alignment makes that `ret` fault. A program running under this loader
// calls EXIT instead of returning from its entry point.
const SyscallExit = 8

// exitSignal carries an EXIT syscall's code across runEntry's
// defer/recover. A program's EntryFn never returns normally once it has
// issued EXIT -- the same "abandon wherever we are, regardless of call
// depth" shape panic/recover exists for in Go, used here in place of the
// C original's faulting `ret`.
type exitSignal struct{ code int }

// RegisterExitSyscall installs the EXIT syscall on d. A running program
// issues it the same way it issues any other syscall: EAX = SyscallExit,
// EBX = exit code, through whatever `int 0x80` stub the kernel wires to
// d.Syscall.
func RegisterExitSyscall(d *intr.Dispatcher_t) {
	d.RegisterSyscall(SyscallExit, func(regs *intr.Registers) uint32 {
		panic(exitSignal{code: int(regs.EBX)})
	})
}

// runEntry invokes run and returns its result, except that an EXIT
// syscall raised anywhere during run unwinds straight here with the
// code it carried rather than propagating back through run's own call
// stack.
func runEntry(run EntryFn, entryVA uint32, argc int, argv []string) (code int) {
	defer func() {
		if r := recover(); r != nil {
			sig, ok := r.(exitSignal)
			if !ok {
				panic(r)
			}
			code = sig.code
		}
	}()
	return run(entryVA, argc, argv)
}
