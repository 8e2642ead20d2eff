package finder

import (
	"testing"

	"github.com/blacktop/getpc/pkg/emu"
	"github.com/blacktop/getpc/pkg/image"
	"github.com/blacktop/getpc/pkg/x86"
)

// regsEmulator only answers register reads
type regsEmulator struct {
	regs [x86.RegCount]uint64
}

func (e *regsEmulator) Begin(uint64) error                  { return nil }
func (e *regsEmulator) Fetch([]byte) (int, error)           { return 0, emu.ErrOutOfBounds }
func (e *regsEmulator) PC() uint64                          { return 0 }
func (e *regsEmulator) Register(r x86.Reg) uint64           { return e.regs[r] }
func (e *regsEmulator) ReadMem(uint64, int) ([]byte, error) { return nil, emu.ErrOutOfBounds }
func (e *regsEmulator) WriteMem(uint64, []byte) error       { return emu.ErrOutOfBounds }
func (e *regsEmulator) Step() error                         { return emu.ErrOutOfBounds }
func (e *regsEmulator) Close() error                        { return nil }

func (e *regsEmulator) SetRegister(r x86.Reg, val uint64) error {
	e.regs[r] = val
	return nil
}

// splitImage is a buffer of two blocks split at an offset
type splitImage struct {
	data  []byte
	split int
}

func (s *splitImage) Name() string  { return "split" }
func (s *splitImage) Bytes() []byte { return s.data }
func (s *splitImage) Size() int     { return len(s.data) }
func (s *splitImage) Base() uint64  { return 0 }

func (s *splitImage) Blocks() []image.Block {
	return []image.Block{
		{Name: "first", Size: s.split},
		{Name: "second", Offset: s.split, Size: len(s.data) - s.split, Addr: uint64(s.split)},
	}
}

func (s *splitImage) Valid(addr uint64) bool {
	return addr < uint64(len(s.data))
}

func (s *splitImage) SameBlock(a, b uint64) bool {
	return s.Valid(a) && s.Valid(b) && (a < uint64(s.split)) == (b < uint64(s.split))
}

func newVerifyFinder(regs map[x86.Reg]uint64) *Finder {
	e := &regsEmulator{}
	for r, v := range regs {
		e.regs[r] = v
	}
	return &Finder{
		img: &splitImage{data: make([]byte, 0x100), split: 0x80},
		emu: e,
	}
}

func cmd(t *testing.T, addr uint64, code ...byte) Command {
	inst := decode(t, code...)
	return Command{Addr: addr, Text: inst.Syntax(addr), Inst: inst}
}

func TestVerify(t *testing.T) {
	var (
		stosb   = []byte{0xaa}
		lodsb   = []byte{0xac}
		loop    = []byte{0xe2, 0xfa}                   // loop $-4
		xorAl   = []byte{0x34, 0xaa}                   // xor al, 0xaa
		xorMem  = []byte{0x80, 0x74, 0x0b, 0x0b, 0xaa} // xor byte [ebx+ecx+0xb], 0xaa
		movMem  = []byte{0x88, 0x43, 0x30}             // mov [ebx+0x30], al
		incEbx  = []byte{0x43}                         // inc ebx
		movIdx  = []byte{0x89, 0x14, 0x8b}             // mov [ebx+ecx*4], edx
		decEcx  = []byte{0x49}                         // dec ecx
		jnz     = []byte{0x75, 0xf8}                   // jne $-6
		addEbx4 = []byte{0x83, 0xc3, 0x04}             // add ebx, 4
	)
	tests := []struct {
		name  string
		regs  map[x86.Reg]uint64
		cycle func(t *testing.T) Cycle
		want  int
	}{
		{
			name: "stos loop",
			regs: map[x86.Reg]uint64{x86.EDI: 0x20},
			cycle: func(t *testing.T) Cycle {
				return Cycle{cmd(t, 0x13, stosb...), cmd(t, 0x14, loop...), cmd(t, 0x10, lodsb...), cmd(t, 0x11, xorAl...)}
			},
			want: 1,
		},
		{
			name: "write after register ops",
			regs: map[x86.Reg]uint64{x86.EDI: 0x20},
			cycle: func(t *testing.T) Cycle {
				return Cycle{cmd(t, 0x10, lodsb...), cmd(t, 0x11, xorAl...), cmd(t, 0x13, stosb...), cmd(t, 0x14, loop...)}
			},
			want: 3,
		},
		{
			name: "stos at zero",
			regs: map[x86.Reg]uint64{},
			cycle: func(t *testing.T) Cycle {
				return Cycle{cmd(t, 0x13, stosb...), cmd(t, 0x14, loop...)}
			},
			want: -1,
		},
		{
			name: "stos into another block",
			regs: map[x86.Reg]uint64{x86.EDI: 0x90},
			cycle: func(t *testing.T) Cycle {
				return Cycle{cmd(t, 0x13, stosb...), cmd(t, 0x14, loop...)}
			},
			want: -1,
		},
		{
			name: "loop counter index",
			regs: map[x86.Reg]uint64{x86.EBX: 0x5, x86.ECX: 0x8},
			cycle: func(t *testing.T) Cycle {
				return Cycle{cmd(t, 0xa, xorMem...), cmd(t, 0xf, loop...)}
			},
			want: 1,
		},
		{
			name: "fixed address",
			regs: map[x86.Reg]uint64{x86.EBX: 0x2},
			cycle: func(t *testing.T) Cycle {
				return Cycle{cmd(t, 0x10, lodsb...), cmd(t, 0x11, xorAl...), cmd(t, 0x13, movMem...), cmd(t, 0x16, loop...)}
			},
			want: -1,
		},
		{
			name: "base register incremented",
			regs: map[x86.Reg]uint64{x86.EBX: 0x2},
			cycle: func(t *testing.T) Cycle {
				return Cycle{cmd(t, 0x13, movMem...), cmd(t, 0x16, incEbx...), cmd(t, 0x17, loop...)}
			},
			want: 1,
		},
		{
			name: "scaled index",
			regs: map[x86.Reg]uint64{x86.EBX: 0x10, x86.ECX: 0x4},
			cycle: func(t *testing.T) Cycle {
				return Cycle{cmd(t, 0x30, movIdx...), cmd(t, 0x33, decEcx...), cmd(t, 0x34, jnz...)}
			},
			want: 1,
		},
		{
			name: "scaled index out of block",
			regs: map[x86.Reg]uint64{x86.EBX: 0x10, x86.ECX: 0x40},
			cycle: func(t *testing.T) Cycle {
				return Cycle{cmd(t, 0x30, movIdx...), cmd(t, 0x33, decEcx...), cmd(t, 0x34, jnz...)}
			},
			want: -1,
		},
		{
			name: "second block",
			regs: map[x86.Reg]uint64{x86.EBX: 0xa0},
			cycle: func(t *testing.T) Cycle {
				return Cycle{cmd(t, 0x90, addEbx4...), cmd(t, 0x93, movMem...), cmd(t, 0x96, jnz...)}
			},
			want: 2,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newVerifyFinder(tt.regs)
			if got := f.verify(tt.cycle(t)); got != tt.want {
				t.Errorf("verify() = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestVerifyEmptyCycle(t *testing.T) {
	f := newVerifyFinder(nil)
	if got := f.verify(nil); got != -1 {
		t.Errorf("verify(nil) = %d, want -1", got)
	}
	if f.verifyChangingReg(decode(t, 0xaa), nil) {
		t.Error("verifyChangingReg(stosb, nil) = true")
	}
}
