// Package kernel wires every other package together into the boot
// sequence spec.md §1 describes: "the boot shim enters paged 32-bit
// protected mode with a pre-built identity+high-half mapping, calls the
// kernel entry, which initializes VMM, logging sinks, PIC+IDT+GDT, timer,
// PS/2, then runs driver registration, PCI enumeration, partition
// probing, filesystem auto-mount, and finally locates /COMMAND.EXE on the
// first mountable volume and transfers control."
//
// There is no hosted way to actually enter protected mode or receive a
// real Multiboot2 handoff from a Go test binary, so -- consistently with
// every other package's hardware substitution -- Boot takes its would-be
// assembly-level inputs (the raw Multiboot2 info block, a cdecl entry
// trampoline) as plain arguments and collaborator interfaces rather than
// reading them off the machine. This package plays the role
// _examples/Oichkatzelesfrettschen-biscuit's main/main.go does for the
// teacher: the one place that knows about every subsystem and the order
// they come up in.
package kernel

import (
	"github.com/pkg/errors"

	"github.com/Easimer/kernel/bootargs"
	"github.com/Easimer/kernel/devfs"
	"github.com/Easimer/kernel/disk"
	"github.com/Easimer/kernel/fat32"
	"github.com/Easimer/kernel/intr"
	"github.com/Easimer/kernel/kassert"
	"github.com/Easimer/kernel/klog"
	"github.com/Easimer/kernel/loader"
	"github.com/Easimer/kernel/mem"
	"github.com/Easimer/kernel/multiboot"
	"github.com/Easimer/kernel/part"
	"github.com/Easimer/kernel/proc"
	"github.com/Easimer/kernel/vmm"
	"github.com/Easimer/kernel/volume"
)

var log = klog.New("kernel")

// multibootMagic is the value the boot shim's handoff must carry in EAX
// per the Multiboot2 specification (spec.md §6).
const multibootMagic = 0x36d76289

// IDEChannel describes one PCI IDE channel to probe at boot (spec.md
// §4.4): its port-I/O collaborator and its two ISA port bases.
type IDEChannel struct {
	IO      disk.PortIO
	IOBase  uint16
	CtlBase uint16
}

// Pit_i is the out-of-scope programmable-interval timer collaborator
// (spec.md §1): the core only programs its rate at boot and polls a tick
// count at sleep points (spec.md §5), everything else about it is outside
// this kernel's concern.
type Pit_i interface {
	Init(hz int)
}

// Ps2_i is the out-of-scope PS/2 keyboard collaborator (spec.md §1): the
// core only brings it online at boot; the syscall table's POLL_KBD entry
// (spec.md §6) is the rest of its surface and is left to whatever extends
// this kernel, since spec.md's table leaves POLL_KBD's syscall id
// unassigned ("—").
type Ps2_i interface {
	Init()
}

// Collaborators bundles every out-of-scope hardware interface spec.md §1
// names (the VGA console, UART, PS/2, the PIT, plus the PIC and the IDE
// channels to probe). Any field may be nil; Boot degrades gracefully
// rather than faulting, matching spec.md §7 category 5's "kernel
// survives" policy for missing peripherals.
type Collaborators struct {
	PIC  intr.Pic_i
	UART [4]devfs.UART
	VGA  devfs.VGAConsole
	Mem  devfs.MemAccess
	PIT  Pit_i
	PS2  Ps2_i
	IDE  []IDEChannel
	Log  klogSink
}

// klogSink is the subset of io.Writer klog.SetOutput needs; spelled out
// here instead of importing io solely for this one method name, since
// Collaborators otherwise only names this package's own interfaces.
type klogSink interface {
	Write(p []byte) (int, error)
}

// Kernel holds every subsystem Boot constructs, in case a caller wants to
// drive them individually after boot (tests do).
type Kernel struct {
	Arena *vmm.Arena
	PFA   *mem.Pfa_t
	VMM   *vmm.Vmm_t
	Intr  *intr.Dispatcher_t
	Proc  *proc.Table
	Loader *loader.Loader

	devMount *devfs.Mount
	console  devfs.VGAConsole
}

// New constructs the physical-memory arena and allocator for a machine
// with physMemSize bytes of RAM; Boot performs everything after that.
func New(physMemSize int) *Kernel {
	arena := vmm.NewArena(physMemSize)
	pfa := &mem.Pfa_t{}
	pfa.Init(mem.Pa_t(physMemSize))
	return &Kernel{Arena: arena, PFA: pfa}
}

// Boot runs the documented init order and then locates and runs
// /COMMAND.EXE, returning its exit code. kernelStart/kernelEnd bound the
// kernel's own image so PFA.PostInit can reserve it; mbMagic/mbInfo are
// the boot shim's handoff; run stands in for the real cdecl branch into a
// program's entry point (loader.EntryFn).
func (k *Kernel) Boot(mbMagic uint32, mbInfo []byte, kernelStart, kernelEnd mem.Pa_t, c Collaborators, run loader.EntryFn) (int, error) {
	kassert.Assert(mbMagic == multibootMagic, "kernel: bad multiboot magic %#x", mbMagic)

	info := multiboot.Parse(mbInfo, k.PFA)
	k.PFA.PostInit(kernelStart, kernelEnd)

	k.VMM = vmm.New(k.Arena, k.PFA)
	k.VMM.Init()

	if c.Log != nil {
		klog.SetOutput(c.Log)
	}
	opts := bootargs.Parse(info.CmdLine)
	klog.SetThreshold(logLevel(opts.LogLevel))

	k.Intr = intr.New(c.PIC)
	k.Proc = proc.New()
	k.Loader = loader.New(k.VMM, k.PFA)
	k.registerSyscalls()
	loader.RegisterExitSyscall(k.Intr)

	if c.PIT != nil {
		c.PIT.Init(100)
	}
	if c.PS2 != nil {
		c.PS2.Init()
	}

	disk.Reset()
	volume.Reset()

	// devfs is always registered first and bound to volume 0 (spec.md
	// §3), backed by a placeholder disk since devfs performs no block
	// I/O of its own.
	devDisk := disk.RegisterDevice(nullBlockDevice{})
	devVol := volume.RegisterVolume(devDisk, 0, 0)
	kassert.Assert(devVol == 0, "kernel: devfs must land on volume 0, got %d", devVol)
	k.console = c.VGA
	k.devMount = devfs.NewMount(c.UART, c.VGA, c.Mem)
	volume.RegisterDriver(devfs.Driver{Mount: k.devMount})
	volume.RegisterDriver(fat32.Driver{})
	if !volume.DetectFilesystems(devVol) {
		kassert.Fatal("kernel: devfs failed to bind its own reserved volume 0")
	}

	for _, ch := range c.IDE {
		for _, di := range disk.ProbeChannel(ch.IO, ch.IOBase, ch.CtlBase) {
			vols, err := part.Probe(di)
			if err != nil {
				log.Warnf("partition probe failed for disk %d: %v", di, err)
				continue
			}
			for _, pv := range vols {
				vi := volume.RegisterVolume(pv.Disk, pv.LBAOffset, pv.LBACount)
				if !volume.DetectFilesystems(vi) {
					log.Warnf("volume %d: no recognized filesystem", vi)
				}
			}
		}
	}

	code, err := k.Loader.SpawnInit(opts.Root, volume.Count(), opts.Init, run)
	if err != nil {
		return 0, errors.Wrap(err, "kernel: spawn_init")
	}
	return code, nil
}

func logLevel(s string) klog.Level {
	switch s {
	case "debug":
		return klog.LevelDebug
	case "warn":
		return klog.LevelWarn
	case "fatal":
		return klog.LevelFatal
	default:
		return klog.LevelInfo
	}
}

// nullBlockDevice backs the reserved devfs volume 0: it holds no real
// blocks since devfs never issues ReadBlocks/WriteBlocks against its own
// volume.
type nullBlockDevice struct{}

func (nullBlockDevice) BlockSize() int     { return 512 }
func (nullBlockDevice) BlockCount() uint64 { return 0 }
func (nullBlockDevice) ReadBlocks(lba uint64, dst []byte) error {
	return errors.New("kernel: devfs's reserved volume has no backing blocks")
}
func (nullBlockDevice) WriteBlocks(lba uint64, src []byte) error {
	return errors.New("kernel: devfs's reserved volume has no backing blocks")
}
