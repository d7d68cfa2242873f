package vmm

import "github.com/Easimer/kernel/mem"

// Kheap_t is the kernel heap: byte allocations backed by whole-frame
// VMM+PFA mappings (spec.md §4.2). It is intentionally coarse -- kernel
// allocations are few and whole-page -- mirroring the teacher's own
// preference for page-granular kernel allocation over a general-purpose
// byte allocator.
type Kheap_t struct {
	vmm *Vmm_t
	pfa *mem.Pfa_t
}

// NewKheap constructs a kernel heap over the given VMM/PFA pair.
func NewKheap(vmm *Vmm_t, pfa *mem.Pfa_t) *Kheap_t {
	return &Kheap_t{vmm: vmm, pfa: pfa}
}

// Kmalloc rounds n up to a 4 KiB multiple, allocates that many frames via
// the PFA, maps them into the kernel range, and returns the resulting
// virtual pointer (here: the slice view backing that range in the
// simulated arena) along with its base virtual address.
func (k *Kheap_t) Kmalloc(n int) ([]byte, uint32, bool) {
	if n <= 0 {
		n = 1
	}
	pages := (n + mem.PGSIZE - 1) / mem.PGSIZE
	pa, ok := k.pfa.Alloc(uintptr(pages*mem.PGSIZE), 0)
	if !ok {
		return nil, 0, false
	}
	va, ok := k.vmm.MapKernel(pa, pages)
	if !ok {
		k.pfa.Free(pa)
		return nil, 0, false
	}
	// pfa.Alloc hands back one contiguous region, so the whole run is a
	// single live slice into the arena -- not a copy -- matching the
	// "slice view backing that range" doc comment above: writes through
	// this buffer land in the same frames ToPhysical/Arena.Bytes see.
	buf := k.vmm.Arena.bytes[pa : pa+mem.Pa_t(pages*mem.PGSIZE)]
	return buf[:n], va, true
}

// Kfree performs the inverse of Kmalloc: unmap the virtual range and
// return its backing frames to the PFA.
func (k *Kheap_t) Kfree(va uint32, n int) {
	pages := (n + mem.PGSIZE - 1) / mem.PGSIZE
	for i := 0; i < pages; i++ {
		vaddr := va + uint32(i*mem.PGSIZE)
		pa, ok := k.vmm.ToPhysical(vaddr)
		if !ok {
			continue
		}
		k.vmm.VirtualUnmap(vaddr)
		k.pfa.Free(pa &^ (mem.Pa_t(mem.PGSIZE) - 1))
	}
}
