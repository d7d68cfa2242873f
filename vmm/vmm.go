// Package vmm implements the virtual memory manager (spec.md §4.2): it
// owns page directories and mappings, and hands out temporary access to
// arbitrary physical frames through the single vmtemp slot.
//
// Style and naming (Pa_t, PTE_P/PTE_W/PTE_U, the Dmap direct-map trick of
// casting a physical address straight to a typed pointer) follow
// _examples/Oichkatzelesfrettschen-biscuit/biscuit/src/{mem,vm}. The
// teacher targets amd64 four-level paging reached through Go's runtime
// direct map; this kernel targets the spec's 32-bit two-level (PD/PT)
// layout, and -- since there is no hosted way to drive real x86 paging
// hardware from a Go test binary -- "physical memory" is a simulated byte
// arena that Pa_t indexes into, the same role the teacher's direct map
// plays, just backed by a Go slice instead of a fixed high-half mapping.
package vmm

import (
	"fmt"
	"unsafe"

	"github.com/Easimer/kernel/kassert"
	"github.com/Easimer/kernel/klog"
	"github.com/Easimer/kernel/mem"
)

// Entry flag bits, matching the x86 PDE/PTE layout (spec.md §3).
const (
	PTE_P   mem.Pa_t = 1 << 0 // present
	PTE_W   mem.Pa_t = 1 << 1 // read/write
	PTE_U   mem.Pa_t = 1 << 2 // user
	PTE_PWT mem.Pa_t = 1 << 3 // write-through
	PTE_PCD mem.Pa_t = 1 << 4 // cache-disabled
	PTE_A   mem.Pa_t = 1 << 5 // accessed
	PTE_D   mem.Pa_t = 1 << 6 // dirty
	PTE_G   mem.Pa_t = 1 << 8 // global

	PTE_ADDR mem.Pa_t = ^mem.Pa_t(mem.PGSIZE - 1)
)

// 1024-entry page directories/tables, 10+10+12 bit split of a 32-bit
// virtual address (spec.md §3).
const entriesPerTable = 1024

// KernelDirBase is the first page-directory index of the shared kernel
// half (spec.md §3: "top quarter (entries 768..1023)").
const KernelDirBase = 768

// PageDir_t / PageTable_t are the two levels of the x86 paging hierarchy.
type PageDir_t [entriesPerTable]mem.Pa_t
type PageTable_t [entriesPerTable]mem.Pa_t

func dirIndex(va uint32) int   { return int(va >> 22) }
func tableIndex(va uint32) int { return int((va >> 12) & 0x3ff) }
func pageOffset(va uint32) uint32 { return va & 0xfff }

// Arena is the simulated physical memory backing store: Pa_t addresses
// index directly into it, playing the role of the teacher's fixed
// direct-map window (mem.Dmap in the teacher).
type Arena struct {
	bytes []byte
}

// NewArena allocates a simulated physical memory of the given size.
func NewArena(size int) *Arena {
	return &Arena{bytes: make([]byte, size)}
}

func (a *Arena) dir(pa mem.Pa_t) *PageDir_t {
	kassert.Assert(int(pa)+int(mem.PGSIZE) <= len(a.bytes), "dir: phys %#x out of arena bounds", pa)
	return (*PageDir_t)(unsafe.Pointer(&a.bytes[pa]))
}

func (a *Arena) table(pa mem.Pa_t) *PageTable_t {
	kassert.Assert(int(pa)+int(mem.PGSIZE) <= len(a.bytes), "table: phys %#x out of arena bounds", pa)
	return (*PageTable_t)(unsafe.Pointer(&a.bytes[pa]))
}

// Bytes returns the raw frame bytes at pa, the software analogue of
// mem.Dmap8 in the teacher.
func (a *Arena) Bytes(pa mem.Pa_t) []byte {
	kassert.Assert(int(pa)+int(mem.PGSIZE) <= len(a.bytes), "Bytes: phys %#x out of arena bounds", pa)
	return a.bytes[pa : pa+mem.Pa_t(mem.PGSIZE)]
}

func (a *Arena) zero(pa mem.Pa_t) {
	b := a.Bytes(pa)
	for i := range b {
		b[i] = 0
	}
}

// ReadAt and WriteAt implement devfs.MemAccess: the mem device's "dereference
// a caller-settable absolute address" semantics (spec.md §4.8), backed by
// this same simulated arena rather than a separate physical-memory model.
func (a *Arena) ReadAt(addr uint32, dst []byte) {
	kassert.Assert(int(addr)+len(dst) <= len(a.bytes), "ReadAt: %#x+%d out of arena bounds", addr, len(dst))
	copy(dst, a.bytes[addr:])
}

func (a *Arena) WriteAt(addr uint32, src []byte) {
	kassert.Assert(int(addr)+len(src) <= len(a.bytes), "WriteAt: %#x+%d out of arena bounds", addr, len(src))
	copy(a.bytes[addr:], src)
}

// AddrSpace_t is one process (or the kernel's) page directory.
type AddrSpace_t struct {
	PD mem.Pa_t // physical address of the page directory frame
}

// Vmm_t is the virtual memory manager: the live directory, the vmtemp
// slot, and every allocated address space (needed to broadcast kernel-half
// edits, per spec.md §3's "mutations to a kernel-range entry in the 'live'
// directory are broadcast to every allocated directory").
type Vmm_t struct {
	Arena *Arena
	pfa   *mem.Pfa_t

	live *AddrSpace_t
	all  []*AddrSpace_t

	// vmtemp is an arena of size one (design notes §9): at most one
	// physical frame is transiently visible through it at a time, and
	// every consumer must save/restore across nested use.
	vmtempOccupant mem.Pa_t
	vmtempInUse    bool

	log *klog.Logger
}

// New constructs a VMM over the given arena and PFA.
func New(arena *Arena, pfa *mem.Pfa_t) *Vmm_t {
	return &Vmm_t{Arena: arena, pfa: pfa, log: klog.New("vmm")}
}

// Init adopts the boot page directory as directory #0 (spec.md §4.2).
// Since there is no boot shim in this hosted build, the "boot" directory
// is simply allocated fresh and zeroed.
func (v *Vmm_t) Init() *AddrSpace_t {
	pa, ok := v.pfa.Alloc(mem.PGSIZE, 0)
	kassert.Assert(ok, "vmm.Init: out of physical frames for the boot page directory")
	v.zeroFrame(pa)
	as := &AddrSpace_t{PD: pa}
	v.live = as
	v.all = append(v.all, as)
	return as
}

// Live returns the currently active address space.
func (v *Vmm_t) Live() *AddrSpace_t { return v.live }

// withDir maps pa through the vmtemp slot and hands fn a live
// *PageDir_t view of it, restoring the prior occupant on return. Every
// page-directory access -- live or not -- goes through this, per spec.md
// §3's "any ... cannot be dereferenced by kernel code without first
// mapping it via vmtemp" and _examples/original_source/src/vm.cpp's
// LoadIntoVMTemp/UnloadVMTemp bracketing of every page-table touch.
func (v *Vmm_t) withDir(pa mem.Pa_t, fn func(*PageDir_t)) {
	v.WithTemp(pa, func(buf []byte) {
		fn((*PageDir_t)(unsafe.Pointer(&buf[0])))
	})
}

// withTable is withDir's counterpart for page-table frames.
func (v *Vmm_t) withTable(pa mem.Pa_t, fn func(*PageTable_t)) {
	v.WithTemp(pa, func(buf []byte) {
		fn((*PageTable_t)(unsafe.Pointer(&buf[0])))
	})
}

// zeroFrame zero-fills the frame at pa via the vmtemp slot, the "map it
// temporarily, zero it" step spec.md's allocate_page_directory and
// virtual_map both require of a freshly allocated frame.
func (v *Vmm_t) zeroFrame(pa mem.Pa_t) {
	v.WithTemp(pa, func(buf []byte) {
		for i := range buf {
			buf[i] = 0
		}
	})
}

// ensureTable returns the physical address of the page table for dir index
// di in the given directory, allocating and zeroing one via the PFA if the
// directory entry is not present.
func (v *Vmm_t) ensureTable(as *AddrSpace_t, di int) mem.Pa_t {
	var result mem.Pa_t
	var broadcastVal mem.Pa_t
	needBroadcast := false
	v.withDir(as.PD, func(pd *PageDir_t) {
		if pd[di]&PTE_P != 0 {
			result = pd[di] & PTE_ADDR
			return
		}
		pa, ok := v.pfa.Alloc(mem.PGSIZE, 0)
		kassert.Assert(ok, "ensureTable: out of physical frames")
		v.zeroFrame(pa)
		pd[di] = pa | PTE_P | PTE_W
		result = pa
		if di >= KernelDirBase {
			needBroadcast = true
			broadcastVal = pd[di]
		}
	})
	if needBroadcast {
		v.broadcastDirEntry(di, broadcastVal)
	}
	return result
}

// broadcastDirEntry copies directory entry di's value to every allocated
// address space, keeping the kernel half identical everywhere (spec.md §3
// invariant, tested by spec.md §8 property 4), via the vmtemp slot
// (spec.md §4.2: "broadcast the new directory-level entry ... via the
// vmtemp slot").
func (v *Vmm_t) broadcastDirEntry(di int, val mem.Pa_t) {
	for _, as := range v.all {
		v.withDir(as.PD, func(pd *PageDir_t) {
			pd[di] = val
		})
	}
}

// VirtualMap ensures a page table exists for vaddr's containing directory
// entry, then writes the leaf entry present+RW. Kernel-range edits are
// broadcast to every allocated directory.
func (v *Vmm_t) VirtualMap(vaddr uint32, phys mem.Pa_t) {
	as := v.live
	di := dirIndex(vaddr)
	ti := tableIndex(vaddr)
	ptPhys := v.ensureTable(as, di)
	v.withTable(ptPhys, func(pt *PageTable_t) {
		pt[ti] = (phys &^ (mem.Pa_t(mem.PGSIZE) - 1)) | PTE_P | PTE_W
	})
}

// VirtualUnmap clears the leaf entry if its page table is present; a
// no-op otherwise.
func (v *Vmm_t) VirtualUnmap(vaddr uint32) {
	as := v.live
	di := dirIndex(vaddr)
	var ptPhys mem.Pa_t
	present := false
	v.withDir(as.PD, func(pd *PageDir_t) {
		if pd[di]&PTE_P != 0 {
			present = true
			ptPhys = pd[di] & PTE_ADDR
		}
	})
	if !present {
		return
	}
	v.withTable(ptPhys, func(pt *PageTable_t) {
		pt[tableIndex(vaddr)] = 0
	})
}

// ToPhysical walks the live directory and returns the physical address
// corresponding to vaddr, honoring the page offset.
func (v *Vmm_t) ToPhysical(vaddr uint32) (mem.Pa_t, bool) {
	as := v.live
	di := dirIndex(vaddr)
	var ptPhys mem.Pa_t
	dirPresent := false
	v.withDir(as.PD, func(pd *PageDir_t) {
		if pd[di]&PTE_P != 0 {
			dirPresent = true
			ptPhys = pd[di] & PTE_ADDR
		}
	})
	if !dirPresent {
		return 0, false
	}
	var phys mem.Pa_t
	leafPresent := false
	v.withTable(ptPhys, func(pt *PageTable_t) {
		pte := pt[tableIndex(vaddr)]
		if pte&PTE_P != 0 {
			leafPresent = true
			phys = (pte & PTE_ADDR) | mem.Pa_t(pageOffset(vaddr))
		}
	})
	return phys, leafPresent
}

// findFreeRun scans the live directory's page-table entries in the given
// directory-index range for n consecutive unmapped virtual pages and
// returns the first virtual address of the run.
func (v *Vmm_t) findFreeRun(n int, kernelRange bool) (uint32, bool) {
	diLo, diHi := 0, KernelDirBase
	if kernelRange {
		diLo, diHi = KernelDirBase, entriesPerTable
	}
	run := 0
	var runStart uint32
	for di := diLo; di < diHi; di++ {
		var ptPhys mem.Pa_t
		present := false
		v.withDir(v.live.PD, func(pd *PageDir_t) {
			if pd[di]&PTE_P != 0 {
				present = true
				ptPhys = pd[di] & PTE_ADDR
			}
		})
		var snapshot PageTable_t
		if present {
			v.withTable(ptPhys, func(pt *PageTable_t) {
				snapshot = *pt
			})
		}
		for ti := 0; ti < entriesPerTable; ti++ {
			mapped := present && snapshot[ti]&PTE_P != 0
			va := uint32(di)<<22 | uint32(ti)<<12
			if !mapped {
				if run == 0 {
					runStart = va
				}
				run++
				if run == n {
					return runStart, true
				}
			} else {
				run = 0
			}
		}
	}
	return 0, false
}

// MapKernel finds n contiguous free virtual pages in the kernel range
// (dir index >= 768) of the live directory and maps them to the n
// consecutive physical frames starting at phys.
func (v *Vmm_t) MapKernel(phys mem.Pa_t, n int) (uint32, bool) {
	va, ok := v.findFreeRun(n, true)
	if !ok {
		return 0, false
	}
	for i := 0; i < n; i++ {
		v.VirtualMap(va+uint32(i*mem.PGSIZE), phys+mem.Pa_t(i*mem.PGSIZE))
	}
	return va, true
}

// MapProgram is MapKernel's counterpart for the program range (dir index
// < 768) of the live directory; mapped pages get the user bit set.
func (v *Vmm_t) MapProgram(phys mem.Pa_t, n int) (uint32, bool) {
	va, ok := v.findFreeRun(n, false)
	if !ok {
		return 0, false
	}
	for i := 0; i < n; i++ {
		vaddr := va + uint32(i*mem.PGSIZE)
		v.VirtualMap(vaddr, phys+mem.Pa_t(i*mem.PGSIZE))
		di, ti := dirIndex(vaddr), tableIndex(vaddr)
		var ptPhys mem.Pa_t
		v.withDir(v.live.PD, func(pd *PageDir_t) {
			ptPhys = pd[di] & PTE_ADDR
		})
		v.withTable(ptPhys, func(pt *PageTable_t) {
			pt[ti] |= PTE_U
		})
	}
	return va, true
}

// AllocatePageDirectory allocates one frame via the PFA, maps it
// temporarily to zero it, then copies entries 768..1023 from the live
// directory so every new address space shares the kernel half (spec.md
// §4.2: "allocate one frame via PFA, map it temporarily, zero it, then
// copy entries 768..1023"; tested by spec.md §8 property 4).
func (v *Vmm_t) AllocatePageDirectory() *AddrSpace_t {
	pa, ok := v.pfa.Alloc(mem.PGSIZE, 0)
	kassert.Assert(ok, "AllocatePageDirectory: out of physical frames")
	v.zeroFrame(pa)

	v.withDir(pa, func(newPd *PageDir_t) {
		v.withDir(v.live.PD, func(livePd *PageDir_t) {
			for i := KernelDirBase; i < entriesPerTable; i++ {
				newPd[i] = livePd[i]
			}
		})
	})

	as := &AddrSpace_t{PD: pa}
	v.all = append(v.all, as)
	return as
}

// SwitchPageDirectory loads as as the live directory (the software
// analogue of loading CR3). On a real x86 boot this would also rebind the
// PD_SLOT mapping so the kernel can keep editing the live directory; here
// the live *AddrSpace_t pointer already gives the kernel that access.
func (v *Vmm_t) SwitchPageDirectory(as *AddrSpace_t) {
	v.live = as
}

// FreePageDirectory drops as from the set of tracked address spaces and
// returns its frame to the PFA -- called when a program exits (spec.md §3
// lifecycle).
func (v *Vmm_t) FreePageDirectory(as *AddrSpace_t) {
	for i, a := range v.all {
		if a == as {
			v.all = append(v.all[:i], v.all[i+1:]...)
			break
		}
	}
	v.pfa.Free(as.PD)
}

// WithTemp maps pa through the single vmtemp slot for the duration of fn,
// saving and restoring the previous occupant (and in-use state) across the
// call so nested uses compose correctly (design notes §9: "nested users
// may coexist on the single logical thread" via a push-on-entry,
// restore-on-every-exit discipline). Since every VMM method that touches a
// page-directory/table frame now goes through this, nesting is the normal
// case (e.g. AllocatePageDirectory maps the new directory while also
// reading the live one) rather than a misuse to guard against.
func (v *Vmm_t) WithTemp(pa mem.Pa_t, fn func([]byte)) {
	prevOccupant, prevInUse := v.vmtempOccupant, v.vmtempInUse
	v.vmtempOccupant = pa
	v.vmtempInUse = true
	defer func() {
		v.vmtempOccupant = prevOccupant
		v.vmtempInUse = prevInUse
	}()
	fn(v.Arena.Bytes(pa))
}

// PrintDiagnostic renders a best-effort description of vaddr's mapping
// state for use by page-fault handling (spec.md §4.2).
func (v *Vmm_t) PrintDiagnostic(vaddr uint32) string {
	di, ti := dirIndex(vaddr), tableIndex(vaddr)
	var pde mem.Pa_t
	present := false
	v.withDir(v.live.PD, func(pd *PageDir_t) {
		pde = pd[di]
		present = pde&PTE_P != 0
	})
	if !present {
		return fmt.Sprintf("vaddr=%#x: page directory entry %d not present", vaddr, di)
	}
	var pte mem.Pa_t
	v.withTable(pde&PTE_ADDR, func(pt *PageTable_t) {
		pte = pt[ti]
	})
	return fmt.Sprintf("vaddr=%#x: pde=%#x pte=%#x present=%v rw=%v user=%v",
		vaddr, pde, pte, pte&PTE_P != 0, pte&PTE_W != 0, pte&PTE_U != 0)
}
