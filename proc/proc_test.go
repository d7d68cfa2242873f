package proc

import "testing"

func TestSpawnAssignsSequentialPIDs(t *testing.T) {
	tbl := New()
	d1, err := tbl.Spawn(0, nil)
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	d2, err := tbl.Spawn(d1.PID, nil)
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	if d1.PID != 1 || d2.PID != 2 {
		t.Fatalf("PIDs = %d, %d, want 1, 2", d1.PID, d2.PID)
	}
	if d2.Parent != d1.PID {
		t.Fatalf("d2.Parent = %d, want %d", d2.Parent, d1.PID)
	}
	if d1.State != Embryo || d2.State != Embryo {
		t.Fatalf("states = %v, %v, want Embryo", d1.State, d2.State)
	}
}

func TestReadyQueueIsFIFO(t *testing.T) {
	tbl := New()
	d1, _ := tbl.Spawn(0, nil)
	d2, _ := tbl.Spawn(0, nil)
	if err := tbl.MakeRunnable(d1.PID); err != nil {
		t.Fatalf("MakeRunnable: %v", err)
	}
	if err := tbl.MakeRunnable(d2.PID); err != nil {
		t.Fatalf("MakeRunnable: %v", err)
	}

	first, ok := tbl.Next()
	if !ok || first.PID != d1.PID || first.State != Running {
		t.Fatalf("first = %+v, ok=%v, want pid %d running", first, ok, d1.PID)
	}
	if tbl.Current() != d1.PID {
		t.Fatalf("Current() = %d, want %d", tbl.Current(), d1.PID)
	}

	second, ok := tbl.Next()
	if !ok || second.PID != d2.PID {
		t.Fatalf("second = %+v, ok=%v, want pid %d", second, ok, d2.PID)
	}

	if _, ok := tbl.Next(); ok {
		t.Fatal("expected the ready queue to be empty")
	}
}

func TestExitThenReapRoundtrip(t *testing.T) {
	tbl := New()
	d, _ := tbl.Spawn(0, nil)
	tbl.MakeRunnable(d.PID)
	tbl.Next()

	if err := tbl.Exit(d.PID, 42); err != nil {
		t.Fatalf("Exit: %v", err)
	}
	if tbl.Current() != 0 {
		t.Fatalf("Current() = %d after exit, want 0", tbl.Current())
	}
	if got := tbl.Get(d.PID).State; got != Zombie {
		t.Fatalf("state after Exit = %v, want Zombie", got)
	}

	code, err := tbl.Reap(d.PID)
	if err != nil {
		t.Fatalf("Reap: %v", err)
	}
	if code != 42 {
		t.Fatalf("Reap code = %d, want 42", code)
	}
	if tbl.Get(d.PID) != nil {
		t.Fatal("expected the slot to be Dead (unreachable via Get) after Reap")
	}
}

func TestReapBeforeExitFails(t *testing.T) {
	tbl := New()
	d, _ := tbl.Spawn(0, nil)
	if _, err := tbl.Reap(d.PID); err == nil {
		t.Fatal("expected Reap to reject a non-zombie pid")
	}
}

func TestSpawnExhaustsTable(t *testing.T) {
	tbl := New()
	for i := 0; i < maxProcs; i++ {
		if _, err := tbl.Spawn(0, nil); err != nil {
			t.Fatalf("Spawn %d: %v", i, err)
		}
	}
	if _, err := tbl.Spawn(0, nil); err == nil {
		t.Fatal("expected the process table to be full")
	}
}

func TestGetRejectsOutOfRangeAndDeadPIDs(t *testing.T) {
	tbl := New()
	if tbl.Get(0) != nil {
		t.Fatal("PID 0 is reserved and must never resolve")
	}
	if tbl.Get(maxProcs+1) != nil {
		t.Fatal("out-of-range PID must not resolve")
	}
	if tbl.Get(1) != nil {
		t.Fatal("a dead (never spawned) PID must not resolve")
	}
}
