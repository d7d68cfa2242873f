package mem

import (
	"testing"

	"github.com/Easimer/kernel/klog"
)

func freshPfa(t *testing.T, maxPhys Pa_t) *Pfa_t {
	t.Helper()
	p := &Pfa_t{log: klog.New("pfa-test")}
	p.Init(maxPhys)
	p.InsertFree(0, uintptr(maxPhys))
	if err := p.CheckInvariants(); err != nil {
		t.Fatalf("invariants broken right after init: %v", err)
	}
	return p
}

func TestPartitioningInvariant(t *testing.T) {
	p := freshPfa(t, 64*PGSIZE)

	a, ok := p.Alloc(4*PGSIZE, 0)
	if !ok {
		t.Fatal("expected alloc to succeed")
	}
	b, ok := p.Alloc(8*PGSIZE, 1)
	if !ok {
		t.Fatal("expected alloc to succeed")
	}
	if err := p.CheckInvariants(); err != nil {
		t.Fatalf("invariants broken after allocs: %v", err)
	}
	p.Free(a)
	p.Free(b)
	if err := p.CheckInvariants(); err != nil {
		t.Fatalf("invariants broken after frees: %v", err)
	}
}

func TestAllocFreeRoundTrip(t *testing.T) {
	p := freshPfa(t, 128*PGSIZE)
	before := p.Stat()

	a, ok := p.Alloc(16*PGSIZE, 3)
	if !ok {
		t.Fatal("alloc failed")
	}
	p.Free(a)

	after := p.Stat()
	if after.Free != before.Free {
		t.Fatalf("free bytes not restored: before=%d after=%d", before.Free, after.Free)
	}
}

func TestAllocReturnsAddressInsideFreeRegion(t *testing.T) {
	p := freshPfa(t, 32*PGSIZE)
	a, ok := p.Alloc(4*PGSIZE, 0)
	if !ok {
		t.Fatal("alloc failed")
	}
	if a%PGSIZE != 0 {
		t.Fatalf("allocation %#x is not page aligned", a)
	}
}

func TestAllocExhaustion(t *testing.T) {
	p := freshPfa(t, 8*PGSIZE)
	if _, ok := p.Alloc(16*PGSIZE, 0); ok {
		t.Fatal("expected allocation larger than the pool to fail")
	}
}

func TestDoubleFreeIsFatal(t *testing.T) {
	p := freshPfa(t, 16*PGSIZE)
	a, ok := p.Alloc(4*PGSIZE, 0)
	if !ok {
		t.Fatal("alloc failed")
	}
	p.Free(a)

	defer func() {
		if recover() == nil {
			t.Fatal("expected double free to panic")
		}
	}()
	p.Free(a)
}

func TestCoalescingAfterFrees(t *testing.T) {
	p := freshPfa(t, 16*PGSIZE)
	a, _ := p.Alloc(4*PGSIZE, 0)
	b, _ := p.Alloc(4*PGSIZE, 0)
	c, _ := p.Alloc(4*PGSIZE, 0)

	p.Free(a)
	p.Free(b)
	p.Free(c)

	if err := p.CheckInvariants(); err != nil {
		t.Fatalf("invariants broken: %v", err)
	}
	if got := p.Stat().Regions; got != 1 {
		t.Fatalf("expected full coalesce back to 1 region, got %d", got)
	}
}

func TestPostInitReservesVGAAndKernel(t *testing.T) {
	p := freshPfa(t, 4096*PGSIZE)
	p.PostInit(0x100000, 0x180000)

	if err := p.CheckInvariants(); err != nil {
		t.Fatalf("invariants broken after post-init: %v", err)
	}
	s := p.Stat()
	if s.Kernel == 0 {
		t.Fatal("expected some Kernel-tagged bytes after post-init")
	}
}
