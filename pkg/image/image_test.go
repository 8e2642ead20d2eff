package image

import (
	"bytes"
	"encoding/binary"
	"errors"
	"testing"

	"github.com/blacktop/getpc/internal/magic"
)

func TestRawImage(t *testing.T) {
	data := []byte{0xd9, 0xee, 0xd9, 0x74, 0x24, 0xf4, 0x5b}
	img := NewRaw("blob", data, 0x1000)

	if img.Size() != len(data) {
		t.Fatalf("Size() = %d, want %d", img.Size(), len(data))
	}
	tests := []struct {
		addr uint64
		want bool
	}{
		{0x0fff, false},
		{0x1000, true},
		{0x1006, true},
		{0x1007, false},
	}
	for _, tt := range tests {
		if got := img.Valid(tt.addr); got != tt.want {
			t.Errorf("Valid(%#x) = %v, want %v", tt.addr, got, tt.want)
		}
	}
	if !img.SameBlock(0x1000, 0x1006) {
		t.Error("expected both ends of a raw image in the same block")
	}
	if img.SameBlock(0x1000, 0x2000) {
		t.Error("unmapped address reported in the same block")
	}
}

func TestSameBlockAcrossBlocks(t *testing.T) {
	f := newFile("multi", magic.PE, make([]byte, 0x100), 0)
	f.addBlock(".text", 0x10, 0x20, 0x401000)
	f.addBlock(".init", 0x40, 0x20, 0x402000)
	f.addBlock(".clip", 0xf0, 0x40, 0x403000)

	if !f.SameBlock(0x10, 0x2f) {
		t.Error("expected 0x10 and 0x2f to share .text")
	}
	if f.SameBlock(0x2f, 0x40) {
		t.Error("0x2f and 0x40 are in different blocks")
	}
	if f.Valid(0x30) {
		t.Error("gap between blocks reported valid")
	}
	if got := f.Blocks()[2].Size; got != 0x10 {
		t.Errorf("clipped block size = %#x, want 0x10", got)
	}
}

func TestParseForcedFormat(t *testing.T) {
	data := []byte("\x7fELF garbage")
	f, err := Parse("forced", data, &Options{Format: "raw", Base: 0x400000})
	if err != nil {
		t.Fatal(err)
	}
	if f.Kind() != magic.Raw || f.Base() != 0x400000 {
		t.Fatalf("got kind %s base %#x", f.Kind(), f.Base())
	}
	if _, err := Parse("bad", data, &Options{Format: "coff"}); !errors.Is(err, ErrUnknownFormat) {
		t.Fatalf("got %v, want ErrUnknownFormat", err)
	}
}

// elf32 builds a minimal i386 executable with one R+X PT_LOAD segment and no
// section headers.
func elf32(code []byte) []byte {
	const (
		ehsize    = 0x34
		phentsize = 0x20
		vaddr     = 0x08048000
	)
	var buf bytes.Buffer
	buf.Write([]byte{0x7f, 'E', 'L', 'F', 1, 1, 1, 0, 0, 0, 0, 0, 0, 0, 0, 0})
	le := binary.LittleEndian
	binary.Write(&buf, le, uint16(2))                      // e_type EXEC
	binary.Write(&buf, le, uint16(3))                      // e_machine 386
	binary.Write(&buf, le, uint32(1))                      // e_version
	binary.Write(&buf, le, uint32(vaddr+ehsize+phentsize)) // e_entry
	binary.Write(&buf, le, uint32(ehsize))                 // e_phoff
	binary.Write(&buf, le, uint32(0))                      // e_shoff
	binary.Write(&buf, le, uint32(0))                      // e_flags
	binary.Write(&buf, le, uint16(ehsize))                 // e_ehsize
	binary.Write(&buf, le, uint16(phentsize))              // e_phentsize
	binary.Write(&buf, le, uint16(1))                      // e_phnum
	binary.Write(&buf, le, uint16(0x28))                   // e_shentsize
	binary.Write(&buf, le, uint16(0))                      // e_shnum
	binary.Write(&buf, le, uint16(0))                      // e_shstrndx
	binary.Write(&buf, le, uint32(1))                      // p_type LOAD
	binary.Write(&buf, le, uint32(ehsize+phentsize))       // p_offset
	binary.Write(&buf, le, uint32(vaddr+ehsize+phentsize)) // p_vaddr
	binary.Write(&buf, le, uint32(vaddr+ehsize+phentsize)) // p_paddr
	binary.Write(&buf, le, uint32(len(code)))              // p_filesz
	binary.Write(&buf, le, uint32(len(code)))              // p_memsz
	binary.Write(&buf, le, uint32(5))                      // p_flags R+X
	binary.Write(&buf, le, uint32(0x1000))                 // p_align
	buf.Write(code)
	return buf.Bytes()
}

func TestParseELFSegments(t *testing.T) {
	code := []byte{
		0xe8, 0x00, 0x00, 0x00, 0x00, // call $+5
		0x5b, // pop ebx
		0xc3, // ret
	}
	data := elf32(code)
	f, err := Parse("tiny.elf", data, nil)
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if f.Kind() != magic.ELF {
		t.Fatalf("Kind() = %s, want elf", f.Kind())
	}
	blocks := f.Blocks()
	if len(blocks) != 1 {
		t.Fatalf("got %d blocks, want 1", len(blocks))
	}
	if blocks[0].Offset != 0x54 || blocks[0].Size != len(code) {
		t.Fatalf("unexpected block %s", blocks[0])
	}
	if f.Valid(0x53) || !f.Valid(0x54) {
		t.Error("only the executable segment should be valid")
	}
}
