package kernel

import (
	"github.com/pkg/errors"

	"github.com/Easimer/kernel/intr"
	"github.com/Easimer/kernel/mem"
	"github.com/Easimer/kernel/volume"
)

// Syscall ids, spec.md §6's table. POLL_KBD's id column reads "—" in the
// spec -- no id is assigned there, so none is registered here either;
// wiring it up is left for whatever extends this kernel with a real PS/2
// collaborator.
const (
	SyscallRead = iota
	SyscallWrite
	SyscallOpen
	SyscallClose
	SyscallSeek
	SyscallTell
	SyscallPrint
	SyscallPrintch
)

// registerSyscalls installs spec.md §6's eight syscalls on k.Intr,
// bridging the register-passed arguments to the volume layer. User
// pointers are virtual addresses in the currently running program's
// address space, translated page-by-page through k.VMM.ToPhysical the
// same way loader.readInto moves bytes into a freshly mapped image.
func (k *Kernel) registerSyscalls() {
	k.Intr.RegisterSyscall(SyscallRead, k.sysRead)
	k.Intr.RegisterSyscall(SyscallWrite, k.sysWrite)
	k.Intr.RegisterSyscall(SyscallOpen, k.sysOpen)
	k.Intr.RegisterSyscall(SyscallClose, k.sysClose)
	k.Intr.RegisterSyscall(SyscallSeek, k.sysSeek)
	k.Intr.RegisterSyscall(SyscallTell, k.sysTell)
	k.Intr.RegisterSyscall(SyscallPrint, k.sysPrint)
	k.Intr.RegisterSyscall(SyscallPrintch, k.sysPrintch)
}

const sysFail = 0xFFFFFFFF // -1 as the table documents for READ/WRITE/OPEN

func (k *Kernel) sysRead(r *intr.Registers) uint32 {
	n := int(r.EBX) * int(r.ECX)
	buf := make([]byte, n)
	got, err := volume.Read(int(r.EDX), buf)
	if err != nil {
		return sysFail
	}
	if err := k.copyToUser(r.EDI, buf[:got]); err != nil {
		return sysFail
	}
	return uint32(got)
}

func (k *Kernel) sysWrite(r *intr.Registers) uint32 {
	n := int(r.EBX) * int(r.ECX)
	buf, err := k.copyFromUser(r.ESI, n)
	if err != nil {
		return sysFail
	}
	put, err := volume.Write(int(r.EDX), buf)
	if err != nil {
		return sysFail
	}
	return uint32(put)
}

func (k *Kernel) sysOpen(r *intr.Registers) uint32 {
	path, err := k.copyStringFromUser(r.EDX)
	if err != nil {
		return sysFail
	}
	fd, err := volume.Open(int(r.EBX), path, int(r.ECX))
	if err != nil {
		return sysFail
	}
	return uint32(fd)
}

func (k *Kernel) sysClose(r *intr.Registers) uint32 {
	volume.Close(int(r.EBX))
	return 0
}

func (k *Kernel) sysSeek(r *intr.Registers) uint32 {
	volume.Seek(int(r.EDX), int64(int32(r.ECX)), int(r.EBX))
	return 0
}

func (k *Kernel) sysTell(r *intr.Registers) uint32 {
	return uint32(volume.Tell(int(r.EDX)))
}

func (k *Kernel) sysPrint(r *intr.Registers) uint32 {
	s, err := k.copyStringFromUser(r.ESI)
	if err == nil {
		k.writeConsole([]byte(s))
	}
	return 0
}

func (k *Kernel) sysPrintch(r *intr.Registers) uint32 {
	k.writeConsole([]byte{byte(r.EDX)})
	return 0
}

func (k *Kernel) writeConsole(b []byte) {
	if k.console != nil {
		k.console.Write(b)
		return
	}
	log.Infof("%s", b)
}

// maxUserString bounds PRINT/OPEN's zero-terminated user string reads, the
// same "do not walk unbounded user memory" discipline fat32's directory
// walk and devfs's table lookups already apply via their own fixed
// bounds.
const maxUserString = 4096

func (k *Kernel) copyStringFromUser(va uint32) (string, error) {
	var out []byte
	for len(out) < maxUserString {
		b, err := k.copyFromUser(va+uint32(len(out)), 1)
		if err != nil {
			return "", err
		}
		if b[0] == 0 {
			return string(out), nil
		}
		out = append(out, b[0])
	}
	return string(out), nil
}

func (k *Kernel) copyFromUser(va uint32, n int) ([]byte, error) {
	buf := make([]byte, n)
	err := k.userTransfer(va, buf, func(pa mem.Pa_t, seg []byte) { k.Arena.ReadAt(uint32(pa), seg) })
	if err != nil {
		return nil, err
	}
	return buf, nil
}

func (k *Kernel) copyToUser(va uint32, src []byte) error {
	return k.userTransfer(va, src, func(pa mem.Pa_t, seg []byte) { k.Arena.WriteAt(uint32(pa), seg) })
}

// userTransfer walks [va, va+len(buf)) one physical page at a time,
// calling xfer with the sub-slice of buf spanning that page (filled by
// copyFromUser's ReadAt, or read from by copyToUser's WriteAt).
func (k *Kernel) userTransfer(va uint32, buf []byte, xfer func(pa mem.Pa_t, seg []byte)) error {
	off := 0
	for off < len(buf) {
		pageVA := va + uint32(off)
		pa, ok := k.VMM.ToPhysical(pageVA)
		if !ok {
			return errUnmapped(pageVA)
		}
		avail := mem.PGSIZE - int(pageVA%mem.PGSIZE)
		if avail > len(buf)-off {
			avail = len(buf) - off
		}
		xfer(pa, buf[off:off+avail])
		off += avail
	}
	return nil
}

func errUnmapped(va uint32) error {
	return errors.Errorf("kernel: unmapped user address %#x", va)
}
