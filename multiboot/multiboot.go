// Package multiboot parses a Multiboot2 boot-information block into the
// page-frame allocator (spec.md §4.9/§6). Only the memory-map tag (type 6)
// and the boot-command-line tag (type 1) are consumed, matching spec.md
// §6's "only memory-map tags (type 6) are consumed".
//
// Tag framing uses github.com/go-restruct/restruct, grounded on
// _examples/dsoprea-go-exfat/structures.go's use of the same library for
// analogous fixed-layout on-disk/boot structures.
package multiboot

import (
	"encoding/binary"

	"github.com/go-restruct/restruct"

	"github.com/Easimer/kernel/klog"
	"github.com/Easimer/kernel/mem"
)

var log = klog.New("multiboot")

// wireOrder is the byte order of every on-disk/boot structure this kernel
// decodes with restruct -- little-endian throughout, per the x86 ABI.
var wireOrder = binary.LittleEndian

const (
	tagTypeEnd         = 0
	tagTypeCmdline      = 1
	tagTypeMemoryMap    = 6
)

// tagHeader is the 8-byte header shared by every Multiboot2 tag.
type tagHeader struct {
	Type uint32
	Size uint32
}

// memoryMapEntry is one entry of the type-6 tag, following the Multiboot2
// specification's basic memory map layout.
type memoryMapEntry struct {
	BaseAddr uint64
	Length   uint64
	Type     uint32
	Reserved uint32
}

// entryTypeAvailable is the Multiboot2 memory-map entry type for usable
// RAM (type 1).
const entryTypeAvailable = 1

// Info is what the kernel entry point keeps from the Multiboot2 block
// after parsing.
type Info struct {
	CmdLine string
}

// Parse walks the tag list starting at info (the pointer the boot shim
// receives per spec.md §6) and feeds every usable type-1 memory-map entry
// into pfa.InsertFree after rounding to page boundaries. It returns the
// decoded command line, if any.
func Parse(raw []byte, pfa *mem.Pfa_t) Info {
	var out Info
	if len(raw) < 8 {
		log.Warnf("multiboot info block too small: %d bytes", len(raw))
		return out
	}
	// First 8 bytes are the fixed header (total_size, reserved); tags
	// follow, each 8-byte-aligned.
	off := 8
	for off+8 <= len(raw) {
		var hdr tagHeader
		if err := restruct.Unpack(raw[off:off+8], wireOrder, &hdr); err != nil {
			log.Warnf("bad multiboot tag header at offset %d: %v", off, err)
			break
		}
		if hdr.Type == tagTypeEnd {
			break
		}
		body := raw[off+8:]
		if int(hdr.Size) >= 8 && off+int(hdr.Size) <= len(raw) {
			body = raw[off+8 : off+int(hdr.Size)]
		}
		switch hdr.Type {
		case tagTypeMemoryMap:
			parseMemoryMap(body, pfa)
		case tagTypeCmdline:
			out.CmdLine = string(trimNUL(body))
		}
		// tags are aligned to 8-byte boundaries
		adv := int(hdr.Size)
		if adv%8 != 0 {
			adv += 8 - adv%8
		}
		if adv <= 0 {
			break
		}
		off += adv
	}
	return out
}

func trimNUL(b []byte) []byte {
	for i, c := range b {
		if c == 0 {
			return b[:i]
		}
	}
	return b
}

// parseMemoryMap decodes the type-6 tag body: a 4+4 byte (entry_size,
// entry_version) header followed by entry_size-sized entries.
func parseMemoryMap(body []byte, pfa *mem.Pfa_t) {
	if len(body) < 8 {
		return
	}
	entrySize := le32(body[0:4])
	if entrySize < 24 {
		log.Warnf("memory map entry size %d smaller than expected", entrySize)
		return
	}
	for off := 8; off+int(entrySize) <= len(body); off += int(entrySize) {
		var e memoryMapEntry
		if err := restruct.Unpack(body[off:off+24], wireOrder, &e); err != nil {
			log.Warnf("bad memory map entry at %d: %v", off, err)
			continue
		}
		if e.Type != entryTypeAvailable {
			continue
		}
		base := mem.Pa_t(e.BaseAddr)
		length := uintptr(e.Length)
		rbase := roundUp(base)
		rend := roundDown(base + mem.Pa_t(length))
		if rend <= rbase {
			continue
		}
		pfa.InsertFree(rbase, uintptr(rend-rbase))
		log.Debugf("free range [%#x, %#x) from multiboot memory map", rbase, rend)
	}
}

func le32(b []byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}

func roundDown(a mem.Pa_t) mem.Pa_t { return a &^ (mem.Pa_t(mem.PGSIZE) - 1) }
func roundUp(a mem.Pa_t) mem.Pa_t   { return roundDown(a + mem.Pa_t(mem.PGSIZE) - 1) }
