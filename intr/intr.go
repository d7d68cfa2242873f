// Package intr implements the interrupt/syscall dispatcher (spec.md
// §4.3): a five-entry GDT, a 256-entry IDT, the 8259 PIC remap, and the
// three handler tables (exception/IRQ callbacks, the syscall table, and
// IRQ masking).
//
// There is no hosted way to install a real IDT or field a real `int 0x80`
// from a Go test binary, so -- as with vmm's simulated arena -- this
// package models the data structures and dispatch logic spec.md
// describes (the tables, the registration API, the EOI/mask bookkeeping,
// the fault decode) behind the HandleIRQ, HandlePageFault,
// HandleGeneralProtection and Syscall entry points that a real interrupt
// stub would call into. Table layout and the
// "mask everything at startup" policy follow
// _examples/Oichkatzelesfrettschen-biscuit's registration style (fixed
// tables populated at init, looked up by linear scan for the syscall
// table) even though the teacher itself runs on amd64 IDT gates rather
// than this spec's i386 ones.
package intr

import (
	"fmt"

	"golang.org/x/arch/x86/x86asm"

	"github.com/Easimer/kernel/kassert"
	"github.com/Easimer/kernel/klog"
)

var log = klog.New("intr")

// Segment selectors for the five-entry GDT (spec.md §4.3): null, kernel
// code, kernel data, user code, user data, all flat 0..0xFFFFFFFF.
const (
	SelNull = iota
	SelKernelCode
	SelKernelData
	SelUserCode
	SelUserData
	gdtEntries
)

// IRQ vector remap: master PIC -> 32..39, slave PIC -> 40..47 (spec.md
// §4.3).
const (
	IRQBase      = 32
	IRQSlaveBase = 40
	IRQCount     = 16
	SyscallVec   = 0x80

	vecPageFault    = 0x0e
	vecGeneralProt  = 0x0d
	idtEntries      = 256
)

// Registers mirrors the register-snapshot struct an interrupt stub would
// push onto the stack (spec.md §4.3): enough of the i386 general-purpose
// and segment state for syscalls and fault diagnostics.
type Registers struct {
	EAX, EBX, ECX, EDX, ESI, EDI, EBP, ESP uint32
	EIP, EFLAGS, CS, ErrorCode             uint32
}

// HandlerFn is an exception/IRQ callback.
type HandlerFn func(*Registers)

// SyscallFn is a syscall callback; it returns the value placed in EAX.
type SyscallFn func(*Registers) uint32

type syscallEntry struct {
	id int
	fn SyscallFn
}

// maxSyscalls bounds the flat syscall table (spec.md §4.3: "linear scan,
// ≤ 128 entries").
const maxSyscalls = 128

// Dispatcher_t holds the three handler tables and PIC mask state.
type Dispatcher_t struct {
	handlers [idtEntries]HandlerFn
	syscalls []syscallEntry

	picMask [2]uint8 // master, slave; bit set = masked

	pic Pic_i
}

// Pic_i abstracts the two 8259 PICs (an out-of-scope hardware collaborator
// per spec.md §1; the dispatcher only needs to program masks and send EOI).
type Pic_i interface {
	SetMask(master, slave uint8)
	SendEOI(slave bool)
}

// New constructs a dispatcher with every vector masked, matching "It
// programs the 8259 PICs, masking everything at startup" (spec.md §4.3).
func New(pic Pic_i) *Dispatcher_t {
	d := &Dispatcher_t{pic: pic, picMask: [2]uint8{0xff, 0xff}}
	if pic != nil {
		pic.SetMask(d.picMask[0], d.picMask[1])
	}
	return d
}

// Register installs h as the callback for the given exception or (already
// remapped) IRQ vector.
func (d *Dispatcher_t) Register(vector int, h HandlerFn) {
	kassert.Assert(vector >= 0 && vector < idtEntries, "Register: vector %d out of range", vector)
	d.handlers[vector] = h
}

// RegisterSyscall installs fn for the given syscall id.
func (d *Dispatcher_t) RegisterSyscall(id int, fn SyscallFn) {
	kassert.Assert(len(d.syscalls) < maxSyscalls, "syscall table full (%d entries)", maxSyscalls)
	for _, e := range d.syscalls {
		kassert.Assert(e.id != id, "duplicate syscall registration for id %d", id)
	}
	d.syscalls = append(d.syscalls, syscallEntry{id, fn})
}

// MaskIRQ sets bit i of the appropriate PIC's mask register.
func (d *Dispatcher_t) MaskIRQ(i int) {
	kassert.Assert(i >= 0 && i < IRQCount, "MaskIRQ: irq %d out of range", i)
	d.setIRQMaskBit(i, true)
}

// UnmaskIRQ clears bit i of the appropriate PIC's mask register.
func (d *Dispatcher_t) UnmaskIRQ(i int) {
	kassert.Assert(i >= 0 && i < IRQCount, "UnmaskIRQ: irq %d out of range", i)
	d.setIRQMaskBit(i, false)
}

func (d *Dispatcher_t) setIRQMaskBit(i int, set bool) {
	chip, bit := 0, uint(i)
	if i >= 8 {
		chip, bit = 1, uint(i-8)
	}
	if set {
		d.picMask[chip] |= 1 << bit
	} else {
		d.picMask[chip] &^= 1 << bit
	}
	if d.pic != nil {
		d.pic.SetMask(d.picMask[0], d.picMask[1])
	}
}

// HandleIRQ dispatches IRQ i (0..15, unmapped) to its registered handler,
// if any, then sends End-Of-Interrupt to both PICs when i came from the
// slave (slave first, per spec.md §4.3).
func (d *Dispatcher_t) HandleIRQ(i int, regs *Registers) {
	kassert.Assert(i >= 0 && i < IRQCount, "HandleIRQ: irq %d out of range", i)
	vector := IRQBase + i
	if h := d.handlers[vector]; h != nil {
		h(regs)
	}
	if d.pic != nil {
		slave := i >= 8
		if slave {
			d.pic.SendEOI(true)
		}
		d.pic.SendEOI(false)
	}
}

// pageFaultError decodes CR2's accompanying error code (spec.md §4.3).
type pageFaultError struct {
	Present, Write, User, Reserved, InstructionFetch bool
}

func decodePageFaultError(code uint32) pageFaultError {
	return pageFaultError{
		Present:          code&1 != 0,
		Write:            code&2 != 0,
		User:             code&4 != 0,
		Reserved:         code&8 != 0,
		InstructionFetch: code&16 != 0,
	}
}

// DiagnosticFn renders a best-effort mapping diagnostic for a faulting
// virtual address (implemented by vmm.Vmm_t.PrintDiagnostic).
type DiagnosticFn func(vaddr uint32) string

// HandlePageFault implements exception 0x0E: read CR2, decode the error
// code, print a diagnostic, and halt -- a fatal policy since demand paging
// is a non-goal (spec.md §4.3, §7 category 4).
func (d *Dispatcher_t) HandlePageFault(cr2 uint32, regs *Registers, diag DiagnosticFn, codeBytes []byte) {
	pf := decodePageFaultError(regs.ErrorCode)
	var disasm string
	if len(codeBytes) > 0 {
		if inst, err := x86asm.Decode(codeBytes, 32); err == nil {
			disasm = inst.String()
		} else {
			disasm = fmt.Sprintf("<undecodable: %v>", err)
		}
	}
	diagStr := ""
	if diag != nil {
		diagStr = diag(cr2)
	}
	log.Fatalf("page fault at cr2=%#x eip=%#x present=%v write=%v user=%v reserved=%v fetch=%v insn=%q %s",
		cr2, regs.EIP, pf.Present, pf.Write, pf.User, pf.Reserved, pf.InstructionFetch, disasm, diagStr)
	kassert.Fatal("page fault: unrecoverable per spec.md non-goal (no demand paging)")
}

// HandleGeneralProtection implements exception 0x0D: dump registers and
// halt (spec.md §4.3, §7 category 4).
func (d *Dispatcher_t) HandleGeneralProtection(regs *Registers) {
	log.Fatalf("general protection fault: eip=%#x cs=%#x eflags=%#x eax=%#x ebx=%#x ecx=%#x edx=%#x",
		regs.EIP, regs.CS, regs.EFLAGS, regs.EAX, regs.EBX, regs.ECX, regs.EDX)
	kassert.Fatal("general protection fault")
}

// Syscall looks up regs.EAX in the syscall table by linear scan and
// invokes the matching callback, returning its EAX result. An unknown ID
// is logged but survivable (spec.md §4.3, §7 category 5), and yields -1.
func (d *Dispatcher_t) Syscall(regs *Registers) uint32 {
	id := int(regs.EAX)
	for _, e := range d.syscalls {
		if e.id == id {
			return e.fn(regs)
		}
	}
	log.Warnf("unknown syscall id %d", id)
	return uint32(0xFFFFFFFF)
}
