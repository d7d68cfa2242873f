package disk

import (
	"encoding/binary"

	"github.com/pkg/errors"

	"github.com/Easimer/kernel/klog"
)

var ideLog = klog.New("ide")

// PortIO abstracts the x86 IN/OUT instructions (an out-of-scope hardware
// primitive per spec.md §1, same pattern as intr.Pic_i): the IDE protocol
// in this file is otherwise exactly the register/status-polling sequence
// spec.md §4.4 describes.
type PortIO interface {
	In8(port uint16) uint8
	Out8(port uint16, v uint8)
	In16(port uint16) uint16
	Out16(port uint16, v uint16)
}

// ATA command-block register offsets from a channel's I/O base, and the
// control-block ALTSTATUS offset from its control base (spec.md §4.4).
const (
	regData       = 0
	regError      = 1
	regFeatures   = 1
	regSecCount0  = 2
	regLBA0       = 3
	regLBA1       = 4
	regLBA2       = 5
	regHDDevSel   = 6
	regCommand    = 7
	regStatus     = 7
	regSecCount1  = 8
	regLBA3       = 9
	regLBA4       = 10
	regLBA5       = 11
	regControl    = 0 // control base + 0 = ALTSTATUS/DEVCONTROL
)

const (
	cmdIdentify   = 0xEC
	cmdReadPIO28  = 0x20
	cmdReadPIO48  = 0x24
	cmdWritePIO28 = 0x30
	cmdWritePIO48 = 0x34
	cmdCacheFlush = 0xE7
)

const (
	statusERR = 1 << 0
	statusDRQ = 1 << 3
	statusDF  = 1 << 5
	statusDRDY = 1 << 6
	statusBSY = 1 << 7
)

// channel groups the command-block and control-block I/O ports for one of
// the two PCI IDE channels (primary/secondary), each with two drives
// (master/slave), per spec.md §4.4.
type channel struct {
	io      PortIO
	ioBase  uint16
	ctlBase uint16
}

func (c *channel) out8(offset uint16, v uint8)  { c.io.Out8(c.ioBase+offset, v) }
func (c *channel) in8(offset uint16) uint8      { return c.io.In8(c.ioBase + offset) }
func (c *channel) out16(offset uint16, v uint16) { c.io.Out16(c.ioBase+offset, v) }
func (c *channel) in16(offset uint16) uint16    { return c.io.In16(c.ioBase + offset) }
func (c *channel) altStatus() uint8             { return c.io.In8(c.ctlBase + regControl) }

// poll400ns samples ALTSTATUS four times (spec.md: "Polling samples
// ALTSTATUS four times (400 ns) before reading STATUS") -- each read of a
// control-block register costs about 100ns on real hardware, which is the
// mechanism the spec describes rather than a literal sleep.
func (c *channel) poll400ns() {
	for i := 0; i < 4; i++ {
		c.altStatus()
	}
}

// waitReady polls STATUS after the 400ns settle, testing BSY first, then
// decoding ERR/DF/DRQ (spec.md §4.4). It returns once the drive is neither
// busy nor has asserted an error condition, or a peripheral protocol error
// (category 3, spec.md §7) if ERR or DF appears.
func (c *channel) waitReady() error {
	c.poll400ns()
	for {
		s := c.in8(regStatus)
		if s&statusBSY != 0 {
			continue
		}
		if s&statusERR != 0 {
			return errors.Errorf("ide: drive asserted ERR (status=%#x, error=%#x)", s, c.in8(regError))
		}
		if s&statusDF != 0 {
			return errors.Errorf("ide: drive fault (status=%#x)", s)
		}
		return nil
	}
}

func (c *channel) waitDRQ() error {
	for {
		s := c.in8(regStatus)
		if s&statusBSY != 0 {
			continue
		}
		if s&statusERR != 0 {
			return errors.Errorf("ide: drive asserted ERR waiting for DRQ (status=%#x)", s)
		}
		if s&statusDRQ != 0 {
			return nil
		}
	}
}

// lbaMode selects between 28-bit and 48-bit LBA addressing, per
// spec.md §4.4 ("compute (LBA mode in {28-bit, 48-bit})").
type lbaMode int

const (
	lba28 lbaMode = iota
	lba48
)

// Drive is one of the up to four ATA drives (two channels x two drives).
type Drive struct {
	ch       *channel
	slave    bool
	present  bool
	lba48Ok  bool
	model    string
	sectors  uint64 // in 512-byte sectors
}

const sectorSize = 512

// selectDrive programs HDDevSel for master/slave, with the top nibble
// fixed at 0xA0 | (LBA bit) | (slave bit) as on real ATA hardware.
func (d *Drive) selectDrive(lbaTop4 uint8) {
	sel := uint8(0xA0) | lbaTop4
	if d.slave {
		sel |= 0x10
	}
	d.ch.out8(regHDDevSel, sel)
}

// identify issues IDENTIFY DEVICE, disambiguates ATAPI via LBA-mid/high on
// ERR (spec.md §4.4: "if ERR, inspects LBA-mid/high to disambiguate
// ATAPI"), and on success decodes the 256-word identification block.
func (d *Drive) identify() error {
	d.selectDrive(0)
	d.ch.out8(regSecCount0, 0)
	d.ch.out8(regLBA0, 0)
	d.ch.out8(regLBA1, 0)
	d.ch.out8(regLBA2, 0)
	d.ch.out8(regCommand, cmdIdentify)

	status := d.ch.in8(regStatus)
	if status == 0 {
		return errors.New("ide: drive not present")
	}
	for d.ch.in8(regStatus)&statusBSY != 0 {
	}
	mid, hi := d.ch.in8(regLBA1), d.ch.in8(regLBA2)
	if mid != 0 || hi != 0 {
		return errors.New("ide: ATAPI drive detected, unsupported (spec.md non-goal)")
	}
	if err := d.ch.waitDRQ(); err != nil {
		return errors.Wrap(err, "ide: IDENTIFY")
	}

	var ident [256]uint16
	for i := range ident {
		ident[i] = d.ch.in16(regData)
	}

	d.model = decodeAtaString(ident[27:47])
	// spec.md §4.4: "command sets (bit 26 -> LBA-48 supported)" -- words
	// 82/83 form a combined 32-bit command-set field (82 low, 83 high),
	// so bit 26 of that field is word 83 bit 10.
	d.lba48Ok = ident[83]&(1<<10) != 0
	if d.lba48Ok {
		d.sectors = uint64(ident[100]) | uint64(ident[101])<<16 | uint64(ident[102])<<32 | uint64(ident[103])<<48
	} else {
		d.sectors = uint64(ident[60]) | uint64(ident[61])<<16
	}
	d.present = true
	ideLog.Infof("ide: identified %q, %d sectors, lba48=%v", d.model, d.sectors, d.lba48Ok)
	return nil
}

// decodeAtaString un-swaps the byte-swapped-per-word ASCII text ATA
// IDENTIFY words carry and trims trailing spaces.
func decodeAtaString(words []uint16) string {
	raw := make([]byte, 0, len(words)*2)
	for _, w := range words {
		var b [2]byte
		binary.BigEndian.PutUint16(b[:], w)
		raw = append(raw, b[0], b[1])
	}
	i := len(raw)
	for i > 0 && raw[i-1] == ' ' {
		i--
	}
	return string(raw[:i])
}

func (d *Drive) mode() lbaMode {
	if d.sectors > 1<<28-1 {
		return lba48
	}
	return lba28
}

// programLBA writes the sector-count and LBA registers for the given mode,
// in LBA-48-when-needed order (spec.md §4.4): the high bytes are written
// before the low bytes so a single register access pair (HOB-then-current)
// lands correctly in the drive's two-deep register FIFO.
func (d *Drive) programLBA(lba uint64, count uint16, mode lbaMode) {
	switch mode {
	case lba48:
		d.selectDrive(0x40)
		d.ch.out8(regSecCount0, uint8(count>>8))
		d.ch.out8(regLBA0, uint8(lba>>24))
		d.ch.out8(regLBA1, uint8(lba>>32))
		d.ch.out8(regLBA2, uint8(lba>>40))
		d.ch.out8(regSecCount0, uint8(count))
		d.ch.out8(regLBA0, uint8(lba))
		d.ch.out8(regLBA1, uint8(lba>>8))
		d.ch.out8(regLBA2, uint8(lba>>16))
	case lba28:
		d.selectDrive(0xE0 | uint8(lba>>24)&0x0F)
		d.ch.out8(regSecCount0, uint8(count))
		d.ch.out8(regLBA0, uint8(lba))
		d.ch.out8(regLBA1, uint8(lba>>8))
		d.ch.out8(regLBA2, uint8(lba>>16))
	}
}

// ReadBlocks implements BlockDevice_i: PIO READ, polling after each sector
// (spec.md §4.4: "issue PIO READ/WRITE (DMA unimplemented), poll after
// each sector").
func (d *Drive) ReadBlocks(lba uint64, dst []byte) error {
	n := len(dst) / sectorSize
	mode := d.mode()
	d.programLBA(lba, uint16(n), mode)
	cmd := uint8(cmdReadPIO28)
	if mode == lba48 {
		cmd = cmdReadPIO48
	}
	d.ch.out8(regCommand, cmd)

	for sec := 0; sec < n; sec++ {
		if err := d.ch.waitReady(); err != nil {
			return errors.Wrapf(err, "ide: read sector %d of %d", sec, n)
		}
		if err := d.ch.waitDRQ(); err != nil {
			return errors.Wrapf(err, "ide: read sector %d of %d", sec, n)
		}
		off := sec * sectorSize
		for w := 0; w < sectorSize/2; w++ {
			v := d.ch.in16(regData)
			dst[off+w*2] = uint8(v)
			dst[off+w*2+1] = uint8(v >> 8)
		}
	}
	return nil
}

// WriteBlocks implements BlockDevice_i: PIO WRITE, one CACHE-FLUSH at the
// end (spec.md §4.4: "for writes issue CACHE-FLUSH at the end").
func (d *Drive) WriteBlocks(lba uint64, src []byte) error {
	n := len(src) / sectorSize
	mode := d.mode()
	d.programLBA(lba, uint16(n), mode)
	cmd := uint8(cmdWritePIO28)
	if mode == lba48 {
		cmd = cmdWritePIO48
	}
	d.ch.out8(regCommand, cmd)

	for sec := 0; sec < n; sec++ {
		if err := d.ch.waitReady(); err != nil {
			return errors.Wrapf(err, "ide: write sector %d of %d", sec, n)
		}
		if err := d.ch.waitDRQ(); err != nil {
			return errors.Wrapf(err, "ide: write sector %d of %d", sec, n)
		}
		off := sec * sectorSize
		for w := 0; w < sectorSize/2; w++ {
			v := uint16(src[off+w*2]) | uint16(src[off+w*2+1])<<8
			d.ch.out16(regData, v)
		}
	}
	d.ch.out8(regCommand, cmdCacheFlush)
	return d.ch.waitReady()
}

// BlockSize implements BlockDevice_i. The PCI IDE driver presents sectors
// as the block unit.
func (d *Drive) BlockSize() int { return sectorSize }

// BlockCount implements BlockDevice_i.
func (d *Drive) BlockCount() uint64 { return d.sectors }

// ProbeChannel issues IDENTIFY on both drives of a channel (two channels x
// two drives, per spec.md §4.4) and registers every drive that responds,
// returning their disk indices.
func ProbeChannel(io PortIO, ioBase, ctlBase uint16) []int {
	ch := &channel{io: io, ioBase: ioBase, ctlBase: ctlBase}
	var out []int
	for _, slave := range []bool{false, true} {
		d := &Drive{ch: ch, slave: slave}
		if err := d.identify(); err != nil {
			ideLog.Debugf("ide: channel %#x drive (slave=%v) not usable: %v", ioBase, slave, err)
			continue
		}
		out = append(out, RegisterDevice(d))
	}
	return out
}

// Standard ISA IDE port assignments for the primary and secondary
// channels, used when PCI configuration space reports "compatibility
// mode" (spec.md §4.4: "Probes PCI class 0x01 subclass 0x01").
const (
	PrimaryIOBase    = 0x1F0
	PrimaryCtlBase   = 0x3F6
	SecondaryIOBase  = 0x170
	SecondaryCtlBase = 0x376
)

// PCI class/subclass identifying a mass-storage IDE controller.
const (
	PCIClassMassStorage = 0x01
	PCISubclassIDE      = 0x01
)
