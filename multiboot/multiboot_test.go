package multiboot

import (
	"encoding/binary"
	"testing"

	"github.com/Easimer/kernel/mem"
)

func putTagHeader(buf []byte, typ, size uint32) []byte {
	h := make([]byte, 8)
	binary.LittleEndian.PutUint32(h[0:4], typ)
	binary.LittleEndian.PutUint32(h[4:8], size)
	return append(buf, h...)
}

func pad8(buf []byte) []byte {
	for len(buf)%8 != 0 {
		buf = append(buf, 0)
	}
	return buf
}

func TestParseMemoryMapFeedsPFA(t *testing.T) {
	// Build: [8-byte fixed header][memmap tag: entry_size=24,entry_version=0,
	// one entry][end tag]
	buf := make([]byte, 8) // total_size+reserved, unused by Parse

	entry := make([]byte, 24)
	binary.LittleEndian.PutUint64(entry[0:8], 0x100000)  // base
	binary.LittleEndian.PutUint64(entry[8:16], 0x100000) // length
	binary.LittleEndian.PutUint32(entry[16:20], 1)       // type=available
	tagBody := make([]byte, 8)
	binary.LittleEndian.PutUint32(tagBody[0:4], 24) // entry_size
	tagBody = append(tagBody, entry...)

	tagSize := uint32(8 + len(tagBody))
	buf = putTagHeader(buf, tagTypeMemoryMap, tagSize)
	buf = append(buf, tagBody...)
	buf = pad8(buf)
	buf = putTagHeader(buf, tagTypeEnd, 8)

	pfa := &mem.Pfa_t{}
	pfa.Init(16 * 1024 * 1024)

	Parse(buf, pfa)

	s := pfa.Stat()
	if s.Free != 0x100000 {
		t.Fatalf("expected 0x100000 free bytes inserted, got %#x", s.Free)
	}
}

func TestParseCmdline(t *testing.T) {
	buf := make([]byte, 8)
	cmd := []byte("--root=1 --loglevel=debug\x00")
	tagSize := uint32(8 + len(cmd))
	buf = putTagHeader(buf, tagTypeCmdline, tagSize)
	buf = append(buf, cmd...)
	buf = pad8(buf)
	buf = putTagHeader(buf, tagTypeEnd, 8)

	pfa := &mem.Pfa_t{}
	pfa.Init(1024 * 1024)
	info := Parse(buf, pfa)
	want := "--root=1 --loglevel=debug"
	if info.CmdLine != want {
		t.Fatalf("CmdLine = %q, want %q", info.CmdLine, want)
	}
}
