package intr

import "testing"

type fakePic struct {
	master, slave uint8
	eoiSlaveFirst bool
	eoiCalls      []bool // true = slave
}

func (f *fakePic) SetMask(master, slave uint8) { f.master, f.slave = master, slave }
func (f *fakePic) SendEOI(slave bool)          { f.eoiCalls = append(f.eoiCalls, slave) }

func TestEverythingMaskedAtStartup(t *testing.T) {
	pic := &fakePic{}
	New(pic)
	if pic.master != 0xff || pic.slave != 0xff {
		t.Fatalf("expected both PICs fully masked at startup, got master=%#x slave=%#x", pic.master, pic.slave)
	}
}

func TestUnmaskIRQClearsOnlyItsBit(t *testing.T) {
	pic := &fakePic{}
	d := New(pic)
	d.UnmaskIRQ(1)
	if pic.master != 0xff&^(1<<1) {
		t.Fatalf("master mask = %#x, want bit 1 cleared", pic.master)
	}
	d.UnmaskIRQ(9)
	if pic.slave != 0xff&^(1<<1) {
		t.Fatalf("slave mask = %#x, want bit 1 cleared", pic.slave)
	}
}

func TestHandleIRQSendsEOISlaveFirst(t *testing.T) {
	pic := &fakePic{}
	d := New(pic)
	d.HandleIRQ(10, &Registers{}) // IRQ 10 is on the slave PIC
	if len(pic.eoiCalls) != 2 || !pic.eoiCalls[0] || pic.eoiCalls[1] {
		t.Fatalf("expected [slave, master] EOI order, got %v", pic.eoiCalls)
	}

	pic.eoiCalls = nil
	d.HandleIRQ(2, &Registers{}) // IRQ 2 is master-only
	if len(pic.eoiCalls) != 1 || pic.eoiCalls[0] {
		t.Fatalf("expected a single master EOI, got %v", pic.eoiCalls)
	}
}

func TestHandleIRQInvokesRegisteredHandler(t *testing.T) {
	d := New(nil)
	called := false
	d.Register(IRQBase+3, func(r *Registers) { called = true })
	d.HandleIRQ(3, &Registers{})
	if !called {
		t.Fatal("expected handler for IRQ 3 to run")
	}
}

func TestSyscallDispatch(t *testing.T) {
	d := New(nil)
	d.RegisterSyscall(6, func(r *Registers) uint32 { return 42 })
	got := d.Syscall(&Registers{EAX: 6})
	if got != 42 {
		t.Fatalf("Syscall(6) = %d, want 42", got)
	}
}

func TestUnknownSyscallSurvivable(t *testing.T) {
	d := New(nil)
	got := d.Syscall(&Registers{EAX: 999})
	if got != 0xFFFFFFFF {
		t.Fatalf("unknown syscall returned %#x, want -1", got)
	}
}

func TestDecodePageFaultErrorBits(t *testing.T) {
	pf := decodePageFaultError(0b00111)
	if !pf.Present || !pf.Write || !pf.User || pf.Reserved || pf.InstructionFetch {
		t.Fatalf("decoded %+v from code 0b00111 incorrectly", pf)
	}
}

func TestPageFaultIsFatal(t *testing.T) {
	d := New(nil)
	defer func() {
		if recover() == nil {
			t.Fatal("expected a page fault to panic the kernel")
		}
	}()
	d.HandlePageFault(0xdeadbeef, &Registers{ErrorCode: 0}, nil, nil)
}

func TestGeneralProtectionIsFatal(t *testing.T) {
	d := New(nil)
	defer func() {
		if recover() == nil {
			t.Fatal("expected a GP fault to panic the kernel")
		}
	}()
	d.HandleGeneralProtection(&Registers{})
}
