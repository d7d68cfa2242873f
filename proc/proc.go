// Package proc implements the process-descriptor and ready-queue
// skeleton (spec.md component 11): a fixed slot table of process
// descriptors plus a single-runner scheduling seed. The core kernel is
// single-CPU and cooperative with no scheduler (spec.md §5: "the process
// table and ready queue are present as an extension surface"), so this
// package deliberately stops at bookkeeping -- allocate a slot, mark it
// runnable, run it, reap it -- rather than building out preemption,
// priorities, or blocking/wakeup, any of which belongs to whatever
// extends this seed.
//
// The state-and-lifecycle-flags shape (a descriptor carries its own
// alive/doomed-style state rather than being looked up by scanning
// side tables) follows
// _examples/Oichkatzelesfrettschen-biscuit/biscuit/src/tinfo/tinfo.go's
// Tnote_t; unlike Tnote_t this package is not reachable from an IRQ
// handler (spec.md §5's "no IRQ allocates memory or touches the process
// table" rule), so the table carries no mutex -- Tnote_t's sync.Mutex
// exists to protect state an IRQ handler and the main thread both touch,
// a concern this single-threaded, main-thread-only table does not have.
package proc

import (
	"github.com/pkg/errors"

	"github.com/Easimer/kernel/vmm"
)

// maxProcs bounds the fixed process-descriptor table, matching the fixed-
// pool convention used throughout this tree (mem.maxRegions,
// volume.maxFileHandles, fat32.maxOpenFiles, devfs.maxOpenFiles).
const maxProcs = 64

// State is a descriptor's lifecycle stage.
type State int

const (
	// Dead marks a free slot.
	Dead State = iota
	// Embryo is a slot that has been allocated but not yet made
	// runnable.
	Embryo
	// Runnable sits in the ready queue awaiting a run.
	Runnable
	// Running is the single descriptor currently executing (at most one
	// at a time, per the single-CPU cooperative model).
	Running
	// Zombie has exited and is holding its exit code for a parent to
	// reap.
	Zombie
)

func (s State) String() string {
	switch s {
	case Dead:
		return "dead"
	case Embryo:
		return "embryo"
	case Runnable:
		return "runnable"
	case Running:
		return "running"
	case Zombie:
		return "zombie"
	default:
		return "?"
	}
}

// Descriptor is one process's table entry.
type Descriptor struct {
	PID      int
	Parent   int
	State    State
	ExitCode int
	AS       *vmm.AddrSpace_t
}

// Table is the fixed slot table plus the ready queue. There is no
// locking: only the main thread of control ever touches a Table (spec.md
// §5), the same invariant vmm.Vmm_t's live-directory and mem.Pfa_t's
// region list already rely on.
type Table struct {
	slots [maxProcs]Descriptor
	ready []int // FIFO of runnable PIDs; index 0 runs next

	current int // PID of the Running descriptor, or 0 if none
}

// New constructs an empty process table. PID 0 is never assigned: it is
// reserved to mean "no process"/"no parent", the same convention spec.md
// §4.7's spawn_init loop uses for "nothing has been spawned yet".
func New() *Table {
	return &Table{}
}

// Spawn allocates the first free slot, assigns it the next PID, and
// records its parent and address space. The returned descriptor starts
// Embryo; call Table.MakeRunnable to enter it into the ready queue.
func (t *Table) Spawn(parent int, as *vmm.AddrSpace_t) (*Descriptor, error) {
	for i := range t.slots {
		if t.slots[i].State == Dead {
			pid := i + 1 // slot index 0 -> PID 1, keeping PID 0 reserved
			t.slots[i] = Descriptor{PID: pid, Parent: parent, State: Embryo, AS: as}
			return &t.slots[i], nil
		}
	}
	return nil, errors.Errorf("proc: process table full (%d slots)", maxProcs)
}

// Get returns the descriptor for pid, or nil if it does not name a live
// slot.
func (t *Table) Get(pid int) *Descriptor {
	if pid < 1 || pid > maxProcs || t.slots[pid-1].State == Dead {
		return nil
	}
	return &t.slots[pid-1]
}

// MakeRunnable moves pid from Embryo to Runnable and appends it to the
// ready queue's tail.
func (t *Table) MakeRunnable(pid int) error {
	d := t.Get(pid)
	if d == nil || d.State != Embryo {
		return errors.Errorf("proc: MakeRunnable: pid %d is not an embryo", pid)
	}
	d.State = Runnable
	t.ready = append(t.ready, pid)
	return nil
}

// Next pops the head of the ready queue and marks it Running, becoming
// the table's current process. It is the "single-runner scheduling seed"
// spec.md names: there is exactly one runnable process selected at a
// time, in FIFO order, with no priority or preemption policy layered on
// top -- any of that is for an extension to add.
func (t *Table) Next() (*Descriptor, bool) {
	if len(t.ready) == 0 {
		return nil, false
	}
	pid := t.ready[0]
	t.ready = t.ready[1:]
	d := t.Get(pid)
	if d == nil {
		return nil, false
	}
	d.State = Running
	t.current = pid
	return d, true
}

// Current returns the PID of the Running descriptor, or 0 if none.
func (t *Table) Current() int { return t.current }

// Exit marks pid Zombie with the given exit code, recording it for a
// future Reap. It clears Table.current if pid was the running process.
func (t *Table) Exit(pid int, code int) error {
	d := t.Get(pid)
	if d == nil {
		return errors.Errorf("proc: Exit: pid %d does not exist", pid)
	}
	d.State = Zombie
	d.ExitCode = code
	if t.current == pid {
		t.current = 0
	}
	return nil
}

// Reap frees a Zombie slot and returns its exit code. Reaping any other
// state is a programming error (spec.md §7 category 1 style precondition
// violation), not a recoverable condition, since a correct caller always
// knows which PIDs it is waiting on.
func (t *Table) Reap(pid int) (int, error) {
	d := t.Get(pid)
	if d == nil || d.State != Zombie {
		return 0, errors.Errorf("proc: Reap: pid %d is not a zombie", pid)
	}
	code := d.ExitCode
	t.slots[pid-1] = Descriptor{}
	return code, nil
}
