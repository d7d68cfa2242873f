// Package mem implements the page-frame allocator (spec.md §4.1): the
// kernel's physical-memory allocator. Naming follows
// _examples/Oichkatzelesfrettschen-biscuit/biscuit/src/mem (Pa_t, PGSIZE,
// PGSHIFT); the allocation strategy itself -- a sorted, coalescing region
// list with best-fit-by-largest-size allocation -- is the design spec.md
// §3/§4.1 calls for, which is a different (simpler, non-refcounted)
// structure than the teacher's own bitmap/freelist frame table.
package mem

import (
	"fmt"

	"github.com/dustin/go-humanize"

	"github.com/Easimer/kernel/kassert"
	"github.com/Easimer/kernel/klog"
)

// PGSHIFT is the base-2 exponent for the page size.
const PGSHIFT uint = 12

// PGSIZE is the size of a single physical page/frame in bytes.
const PGSIZE = 1 << PGSHIFT

// PGOFFSET masks offsets within a page.
const PGOFFSET Pa_t = PGSIZE - 1

// PGMASK masks the page number of an address.
const PGMASK Pa_t = ^PGOFFSET

// Pa_t represents a physical address.
type Pa_t uintptr

// maxRegions bounds the fixed pool of region descriptors (spec.md §4.1:
// "Region descriptors come from a fixed pool of up to 256 nodes; running
// out is an unrecoverable error.").
const maxRegions = 256

// Kind enumerates what a physical memory region currently holds.
type Kind int

const (
	Unused Kind = iota
	Unprocessed
	Free
	Kernel
	Program
)

func (k Kind) String() string {
	switch k {
	case Unused:
		return "unused"
	case Unprocessed:
		return "unprocessed"
	case Free:
		return "free"
	case Kernel:
		return "kernel"
	case Program:
		return "program"
	default:
		return "?"
	}
}

// region_t is one node of the doubly linked region list. Regions are kept
// in strictly increasing address order by the allocator; next/prev links
// make coalescing and splitting O(1) once the target node is found.
type region_t struct {
	base  Pa_t
	len   uintptr
	kind  Kind
	owner int
	prev  *region_t
	next  *region_t
}

func (r *region_t) end() Pa_t { return r.base + Pa_t(r.len) }

// Pfa_t is the page-frame allocator: a sorted, non-overlapping, coalescing
// list of physical memory regions covering [0, maxPhys).
type Pfa_t struct {
	head, tail *region_t
	maxPhys    Pa_t
	pool       [maxRegions]region_t
	free       []*region_t // free region_t descriptor slots
	log        *klog.Logger
}

// global PFA instance, mirroring the teacher's package-level Physmem
// singleton (mem.Physmem in the teacher).
var Pfa = &Pfa_t{log: klog.New("pfa")}

// Init resets the allocator to a single Unused region spanning
// [0, maxPhys) and resets the region-descriptor pool.
func (p *Pfa_t) Init(maxPhys Pa_t) {
	p.maxPhys = maxPhys
	p.free = p.free[:0]
	for i := range p.pool {
		p.free = append(p.free, &p.pool[i])
	}
	r := p.alloc_node()
	r.base = 0
	r.len = uintptr(maxPhys)
	r.kind = Unused
	r.prev, r.next = nil, nil
	p.head, p.tail = r, r
}

func (p *Pfa_t) alloc_node() *region_t {
	kassert.Assert(len(p.free) > 0, "page-frame allocator ran out of the %d-node region-descriptor pool", maxRegions)
	n := len(p.free) - 1
	r := p.free[n]
	p.free = p.free[:n]
	*r = region_t{}
	return r
}

func (p *Pfa_t) free_node(r *region_t) {
	p.free = append(p.free, r)
}

// InsertFree marks [addr, addr+len) Free, used during boot to seed the
// allocator with Multiboot2 memory-map entries (spec.md §4.1, §6). addr
// and len are used as given, not rounded here; the multiboot parser rounds
// them to page boundaries before calling.
func (p *Pfa_t) InsertFree(addr Pa_t, length uintptr) {
	p.retag(addr, length, Free, 0)
}

// retag marks [addr, addr+len) with the given kind/owner, splitting and
// retagging the covering region(s) as needed, then coalesces Free
// neighbors. It does not require the covered range to have been entirely
// one prior region -- post_init's hardware reservations may straddle a
// boundary left by the memory map.
func (p *Pfa_t) retag(addr Pa_t, length uintptr, kind Kind, owner int) {
	if length == 0 {
		return
	}
	end := addr + Pa_t(length)
	for r := p.head; r != nil; {
		next := r.next
		if r.end() <= addr || r.base >= end {
			r = next
			continue
		}
		// r overlaps [addr,end): split off any part outside the range,
		// then retag the covered remainder.
		if r.base < addr {
			p.splitAt(r, addr)
			r = r.next
		}
		if r.end() > end {
			p.splitAt(r, end)
		}
		r.kind = kind
		r.owner = owner
		r = r.next
	}
	p.coalesceAround(addr)
	p.coalesceAround(end)
}

// splitAt splits r into [r.base, at) and [at, r.end()) when at falls
// strictly inside r; the first half keeps r's identity.
func (p *Pfa_t) splitAt(r *region_t, at Pa_t) {
	if at <= r.base || at >= r.end() {
		return
	}
	tail := p.alloc_node()
	tail.base = at
	tail.len = uintptr(r.end() - at)
	tail.kind = r.kind
	tail.owner = r.owner
	tail.next = r.next
	tail.prev = r
	if r.next != nil {
		r.next.prev = tail
	} else {
		p.tail = tail
	}
	r.next = tail
	r.len = uintptr(at - r.base)
}

// coalesceAround merges adjacent Free regions touching addr. Called after
// any retag so "no two adjacent Free regions" (spec.md §3 invariant)
// always holds at rest.
func (p *Pfa_t) coalesceAround(addr Pa_t) {
	for r := p.head; r != nil; r = r.next {
		if r.next != nil && r.kind == Free && r.next.kind == Free &&
			(r.end() == addr || r.base == addr || r.next.base == addr) {
			p.mergeWithNext(r)
			p.coalesceAround(addr)
			return
		}
	}
}

func (p *Pfa_t) mergeWithNext(r *region_t) {
	n := r.next
	kassert.Assert(n != nil && r.end() == n.base, "mergeWithNext: non-adjacent regions")
	r.len += n.len
	r.next = n.next
	if n.next != nil {
		n.next.prev = r
	} else {
		p.tail = r
	}
	p.free_node(n)
}

// PostInit reserves hardware-required ranges: the VGA text buffer and the
// kernel image range (spec.md §4.1). Both bounds are rounded out to page
// boundaries.
func (p *Pfa_t) PostInit(kernelStart, kernelEnd Pa_t) {
	const vgaStart, vgaEnd = Pa_t(0xB8000), Pa_t(0xB9000)
	p.retag(roundDown(vgaStart), uintptr(roundUp(vgaEnd)-roundDown(vgaStart)), Kernel, 0)
	ks, ke := roundDown(kernelStart), roundUp(kernelEnd)
	p.retag(ks, uintptr(ke-ks), Kernel, 0)
	p.log.Infof("post-init: reserved vga=[%#x,%#x) kernel=[%#x,%#x)", vgaStart, vgaEnd, ks, ke)
}

func roundDown(a Pa_t) Pa_t { return a &^ (Pa_t(PGSIZE) - 1) }
func roundUp(a Pa_t) Pa_t   { return roundDown(a+Pa_t(PGSIZE)-1) }

// Alloc finds the largest Free region that fits size (best-fit-by-largest,
// spec.md §4.1), takes the allocation from the start of that region,
// splitting off the tail remainder when the region is larger than size,
// and tags the allocated piece Kernel (owner==0) or Program
// (owner>0). size must be a multiple of PGSIZE. Returns (0, false) when no
// region fits -- a normal, recoverable condition (spec.md §7 category 2).
func (p *Pfa_t) Alloc(size uintptr, owner int) (Pa_t, bool) {
	kassert.Assert(size > 0 && size%PGSIZE == 0, "Alloc: size %d is not a positive multiple of PGSIZE", size)

	var best *region_t
	for r := p.head; r != nil; r = r.next {
		if r.kind == Free && r.len >= size {
			if best == nil || r.len > best.len {
				best = r
			}
		}
	}
	if best == nil {
		return 0, false
	}

	base := best.base
	if best.len > size {
		p.splitAt(best, base+Pa_t(size))
	}
	kind := Kernel
	if owner > 0 {
		kind = Program
	}
	best.kind = kind
	best.owner = owner
	return base, true
}

// Free locates the region whose first address equals phys, flips it to
// Free, and coalesces with both neighbors if they are Free. A double-free
// (region already Free) is a fatal precondition violation (spec.md §7
// category 1).
func (p *Pfa_t) Free(phys Pa_t) {
	for r := p.head; r != nil; r = r.next {
		if r.base == phys {
			kassert.Assert(r.kind != Free, "double free at phys=%#x", phys)
			r.kind = Free
			r.owner = 0
			if r.prev != nil && r.prev.kind == Free {
				r = r.prev
				p.mergeWithNext(r)
			}
			if r.next != nil && r.next.kind == Free {
				p.mergeWithNext(r)
			}
			return
		}
	}
	kassert.Fatal("Free: no region begins at phys=%#x", phys)
}

// Stats summarizes the region list for diagnostics.
type Stats struct {
	Free, Kernel, Program, Unprocessed, Unused uintptr
	Regions                                    int
}

func (s Stats) String() string {
	return fmt.Sprintf("free=%s kernel=%s program=%s regions=%d",
		humanize.Bytes(uint64(s.Free)), humanize.Bytes(uint64(s.Kernel)),
		humanize.Bytes(uint64(s.Program)), s.Regions)
}

// Stat walks the region list and reports totals per kind. Used by tests to
// verify the PFA round-trip property (spec.md §8 property 2).
func (p *Pfa_t) Stat() Stats {
	var s Stats
	for r := p.head; r != nil; r = r.next {
		s.Regions++
		switch r.kind {
		case Free:
			s.Free += r.len
		case Kernel:
			s.Kernel += r.len
		case Program:
			s.Program += r.len
		case Unprocessed:
			s.Unprocessed += r.len
		case Unused:
			s.Unused += r.len
		}
	}
	return s
}

// CheckInvariants verifies the partitioning invariant of spec.md §8
// property 1: addresses strictly increasing, non-overlapping, covering
// [0, maxPhys), and no two adjacent regions both Free. Intended for test
// use.
func (p *Pfa_t) CheckInvariants() error {
	if p.head == nil {
		return fmt.Errorf("empty region list")
	}
	if p.head.base != 0 {
		return fmt.Errorf("region list does not start at 0")
	}
	prev := p.head
	for r := prev.next; r != nil; r = r.next {
		if r.base != prev.end() {
			return fmt.Errorf("gap or overlap between %#x+%d and %#x", prev.base, prev.len, r.base)
		}
		if prev.kind == Free && r.kind == Free {
			return fmt.Errorf("adjacent Free regions at %#x and %#x were not coalesced", prev.base, r.base)
		}
		prev = r
	}
	if prev.end() != p.maxPhys {
		return fmt.Errorf("region list ends at %#x, want %#x", prev.end(), p.maxPhys)
	}
	return nil
}
