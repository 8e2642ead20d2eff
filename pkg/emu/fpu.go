package emu

import (
	"encoding/binary"
	"math"
	"math/bits"

	"golang.org/x/arch/x86/x86asm"
)

const (
	fpuDefaultCW = 0x037f
	fpuEnvSize   = 28
	fpuSaveSize  = fpuEnvSize + 8*10
)

// fpu is the x87 unit: a register stack, the control and status words and
// the last instruction pointer (FIP) that FNSTENV/FNSAVE expose.
type fpu struct {
	st    [8]float64
	top   int
	valid uint8 // physical registers holding a value
	cw    uint16
	sw    uint16
	ip    uint32
}

func (f *fpu) reset() {
	*f = fpu{cw: fpuDefaultCW}
}

func (f *fpu) sti(i int) *float64 {
	return &f.st[(f.top+i)&7]
}

func (f *fpu) push(v float64) {
	f.top = (f.top - 1) & 7
	f.st[f.top] = v
	f.valid |= 1 << f.top
}

func (f *fpu) pop() float64 {
	v := f.st[f.top]
	f.valid &^= 1 << f.top
	f.top = (f.top + 1) & 7
	return v
}

func (f *fpu) status() uint16 {
	return f.sw&^0x3800 | uint16(f.top)<<11
}

func (f *fpu) tagWord() uint16 {
	var tw uint16
	for p := 0; p < 8; p++ {
		tag := uint16(3) // empty
		if f.valid&(1<<p) != 0 {
			tag = 0
			if f.st[p] == 0 {
				tag = 1
			}
		}
		tw |= tag << (2 * p)
	}
	return tw
}

func (f *fpu) setTagWord(tw uint16) {
	f.valid = 0
	for p := 0; p < 8; p++ {
		if tw>>(2*p)&3 != 3 {
			f.valid |= 1 << p
		}
	}
}

// control instructions leave the last instruction pointer untouched
var fpuControl = map[x86asm.Op]bool{
	x86asm.FNINIT:  true,
	x86asm.FNCLEX:  true,
	x86asm.FLDCW:   true,
	x86asm.FNSTCW:  true,
	x86asm.FNSTSW:  true,
	x86asm.FNSTENV: true,
	x86asm.FLDENV:  true,
	x86asm.FNSAVE:  true,
	x86asm.FRSTOR:  true,
	x86asm.FWAIT:   true,
}

func isX87(inst *x86asm.Inst) bool {
	first := byte(inst.Opcode >> 24)
	return first >= 0xd8 && first <= 0xdf || inst.Op == x86asm.FWAIT
}

func stIndex(arg x86asm.Arg) (int, bool) {
	if r, ok := arg.(x86asm.Reg); ok && r >= x86asm.F0 && r <= x86asm.F7 {
		return int(r - x86asm.F0), true
	}
	return 0, false
}

// x87 executes the modeled subset of the floating point unit. Arithmetic that
// does not matter for GetPC code only moves the last instruction pointer.
func (c *cpu) x87(inst *x86asm.Inst) error {
	f := &c.fpu
	args := inst.Args
	switch inst.Op {
	case x86asm.FLDZ:
		f.push(0)
	case x86asm.FLD1:
		f.push(1)
	case x86asm.FLDPI:
		f.push(math.Pi)
	case x86asm.FLDL2T:
		f.push(math.Log2(10))
	case x86asm.FLDL2E:
		f.push(math.Log2E)
	case x86asm.FLDLG2:
		f.push(math.Log10(2))
	case x86asm.FLDLN2:
		f.push(math.Ln2)
	case x86asm.FLD:
		v, err := c.fload(inst, args[0])
		if err != nil {
			return err
		}
		f.push(v)
	case x86asm.FILD:
		v, err := c.iload(inst, args[0])
		if err != nil {
			return err
		}
		f.push(float64(v))
	case x86asm.FST, x86asm.FSTP:
		if err := c.fstore(inst, args[0], *f.sti(0)); err != nil {
			return err
		}
		if inst.Op == x86asm.FSTP {
			f.pop()
		}
	case x86asm.FIST, x86asm.FISTP:
		if err := c.istore(inst, args[0], math.RoundToEven(*f.sti(0))); err != nil {
			return err
		}
		if inst.Op == x86asm.FISTP {
			f.pop()
		}
	case x86asm.FXCH:
		i, ok := stIndex(args[1])
		if !ok {
			i, _ = stIndex(args[0])
		}
		a, b := f.sti(0), f.sti(i)
		*a, *b = *b, *a
	case x86asm.FCHS:
		*f.sti(0) = -*f.sti(0)
	case x86asm.FABS:
		*f.sti(0) = math.Abs(*f.sti(0))
	case x86asm.FNINIT:
		f.reset()
	case x86asm.FNCLEX:
		f.sw &^= 0x80ff
	case x86asm.FLDCW:
		v, err := c.read(args[0], 2)
		if err != nil {
			return err
		}
		f.cw = uint16(v)
	case x86asm.FNSTCW:
		return c.write(args[0], 2, uint32(f.cw))
	case x86asm.FNSTSW:
		return c.write(args[0], 2, uint32(f.status()))
	case x86asm.FNSTENV, x86asm.FNSAVE, x86asm.FLDENV, x86asm.FRSTOR:
		m, ok := args[0].(x86asm.Mem)
		if !ok {
			return ErrFault
		}
		addr, err := c.addr(m)
		if err != nil {
			return err
		}
		switch inst.Op {
		case x86asm.FNSTENV:
			return c.fstenv(addr, false)
		case x86asm.FNSAVE:
			return c.fstenv(addr, true)
		}
		return c.fldenv(addr, inst.Op == x86asm.FRSTOR)
	case x86asm.FBSTP, x86asm.FISTTP, x86asm.FXSAVE, x86asm.FXRSTOR:
		return ErrUnsupported
	}
	return nil
}

func (c *cpu) fload(inst *x86asm.Inst, arg x86asm.Arg) (float64, error) {
	if i, ok := stIndex(arg); ok {
		return *c.fpu.sti(i), nil
	}
	m, ok := arg.(x86asm.Mem)
	if !ok {
		return 0, ErrUnsupported
	}
	addr, err := c.addr(m)
	if err != nil {
		return 0, err
	}
	b, err := c.mem.span(uint64(addr), inst.MemBytes)
	if err != nil {
		return 0, err
	}
	switch inst.MemBytes {
	case 4:
		return float64(math.Float32frombits(binary.LittleEndian.Uint32(b))), nil
	case 8:
		return math.Float64frombits(binary.LittleEndian.Uint64(b)), nil
	case 10:
		return from80(b), nil
	}
	return 0, ErrUnsupported
}

func (c *cpu) fstore(inst *x86asm.Inst, arg x86asm.Arg, v float64) error {
	if i, ok := stIndex(arg); ok {
		*c.fpu.sti(i) = v
		return nil
	}
	m, ok := arg.(x86asm.Mem)
	if !ok {
		return ErrUnsupported
	}
	addr, err := c.addr(m)
	if err != nil {
		return err
	}
	b, err := c.mem.span(uint64(addr), inst.MemBytes)
	if err != nil {
		return err
	}
	switch inst.MemBytes {
	case 4:
		binary.LittleEndian.PutUint32(b, math.Float32bits(float32(v)))
	case 8:
		binary.LittleEndian.PutUint64(b, math.Float64bits(v))
	case 10:
		ext := to80(v)
		copy(b, ext[:])
	default:
		return ErrUnsupported
	}
	return nil
}

func (c *cpu) iload(inst *x86asm.Inst, arg x86asm.Arg) (int64, error) {
	m, ok := arg.(x86asm.Mem)
	if !ok {
		return 0, ErrUnsupported
	}
	addr, err := c.addr(m)
	if err != nil {
		return 0, err
	}
	b, err := c.mem.span(uint64(addr), inst.MemBytes)
	if err != nil {
		return 0, err
	}
	switch inst.MemBytes {
	case 2:
		return int64(int16(binary.LittleEndian.Uint16(b))), nil
	case 4:
		return int64(int32(binary.LittleEndian.Uint32(b))), nil
	case 8:
		return int64(binary.LittleEndian.Uint64(b)), nil
	}
	return 0, ErrUnsupported
}

func (c *cpu) istore(inst *x86asm.Inst, arg x86asm.Arg, v float64) error {
	m, ok := arg.(x86asm.Mem)
	if !ok {
		return ErrUnsupported
	}
	addr, err := c.addr(m)
	if err != nil {
		return err
	}
	b, err := c.mem.span(uint64(addr), inst.MemBytes)
	if err != nil {
		return err
	}
	switch inst.MemBytes {
	case 2:
		binary.LittleEndian.PutUint16(b, uint16(int16(v)))
	case 4:
		binary.LittleEndian.PutUint32(b, uint32(int32(v)))
	case 8:
		binary.LittleEndian.PutUint64(b, uint64(int64(v)))
	default:
		return ErrUnsupported
	}
	return nil
}

// fstenv stores the 28 byte protected mode environment; the last instruction
// pointer lands at offset 12. With save set the register stack follows and
// the unit is reinitialized.
func (c *cpu) fstenv(addr uint32, save bool) error {
	f := &c.fpu
	size := fpuEnvSize
	if save {
		size = fpuSaveSize
	}
	b, err := c.mem.span(uint64(addr), size)
	if err != nil {
		return err
	}
	le := binary.LittleEndian
	le.PutUint32(b[0:], 0xffff0000|uint32(f.cw))
	le.PutUint32(b[4:], 0xffff0000|uint32(f.status()))
	le.PutUint32(b[8:], 0xffff0000|uint32(f.tagWord()))
	le.PutUint32(b[12:], f.ip)
	le.PutUint32(b[16:], 0)
	le.PutUint32(b[20:], 0)
	le.PutUint32(b[24:], 0xffff0000)
	if !save {
		f.cw |= 0x3f
		return nil
	}
	for i := 0; i < 8; i++ {
		ext := to80(*f.sti(i))
		copy(b[fpuEnvSize+i*10:], ext[:])
	}
	f.reset()
	return nil
}

func (c *cpu) fldenv(addr uint32, restore bool) error {
	f := &c.fpu
	size := fpuEnvSize
	if restore {
		size = fpuSaveSize
	}
	b, err := c.mem.span(uint64(addr), size)
	if err != nil {
		return err
	}
	le := binary.LittleEndian
	f.cw = le.Uint16(b[0:])
	f.sw = le.Uint16(b[4:])
	f.top = int(f.sw>>11) & 7
	f.setTagWord(le.Uint16(b[8:]))
	f.ip = le.Uint32(b[12:])
	if restore {
		for i := 0; i < 8; i++ {
			*f.sti(i) = from80(b[fpuEnvSize+i*10:])
		}
	}
	return nil
}

// to80 converts to the x87 80-bit extended format
func to80(v float64) [10]byte {
	var out [10]byte
	u := math.Float64bits(v)
	sign := uint16(u>>63) << 15
	exp := int(u >> 52 & 0x7ff)
	frac := u & (1<<52 - 1)

	var (
		e    uint16
		mant uint64
	)
	switch {
	case exp == 0 && frac == 0:
	case exp == 0x7ff:
		e, mant = 0x7fff, 1<<63|frac<<11
	case exp == 0:
		lz := bits.LeadingZeros64(frac)
		e, mant = uint16(15372-lz), frac<<lz
	default:
		e, mant = uint16(exp-1023+16383), 1<<63|frac<<11
	}
	binary.LittleEndian.PutUint64(out[0:], mant)
	binary.LittleEndian.PutUint16(out[8:], sign|e)
	return out
}

func from80(b []byte) float64 {
	mant := binary.LittleEndian.Uint64(b[0:])
	se := binary.LittleEndian.Uint16(b[8:])
	e := int(se & 0x7fff)
	var v float64
	switch {
	case e == 0 && mant == 0:
	case e == 0x7fff:
		if mant<<1 == 0 {
			v = math.Inf(1)
		} else {
			v = math.NaN()
		}
	default:
		v = math.Ldexp(float64(mant), e-16383-63)
	}
	if se&0x8000 != 0 {
		v = -v
	}
	return v
}
