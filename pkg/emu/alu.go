package emu

import (
	"math/bits"

	"github.com/blacktop/getpc/pkg/x86"
	"golang.org/x/arch/x86/x86asm"
)

const (
	flagCF    = 1 << 0
	flagFixed = 1 << 1
	flagPF    = 1 << 2
	flagAF    = 1 << 4
	flagZF    = 1 << 6
	flagSF    = 1 << 7
	flagDF    = 1 << 10
	flagOF    = 1 << 11

	flagsMask = flagCF | flagPF | flagAF | flagZF | flagSF | flagDF | flagOF
)

func mask(size int) uint32 {
	switch size {
	case 1:
		return 0xff
	case 2:
		return 0xffff
	}
	return 0xffffffff
}

func signBit(size int) uint32 {
	return 1 << (uint(size)*8 - 1)
}

func signExtend(v uint32, size int) int32 {
	switch size {
	case 1:
		return int32(int8(v))
	case 2:
		return int32(int16(v))
	}
	return int32(v)
}

func (c *cpu) flag(f uint32) bool {
	return c.eflags&f != 0
}

func (c *cpu) setFlag(f uint32, on bool) {
	if on {
		c.eflags |= f
	} else {
		c.eflags &^= f
	}
}

// setSZP sets the sign, zero and parity flags from a result
func (c *cpu) setSZP(r uint32, size int) {
	r &= mask(size)
	c.setFlag(flagZF, r == 0)
	c.setFlag(flagSF, r&signBit(size) != 0)
	c.setFlag(flagPF, bits.OnesCount8(uint8(r))%2 == 0)
}

func (c *cpu) alu(op x86asm.Op, a, b uint32, size int) uint32 {
	m := uint64(mask(size))
	sign := signBit(size)
	var r uint32
	switch op {
	case x86asm.ADD, x86asm.ADC:
		carry := uint64(0)
		if op == x86asm.ADC && c.flag(flagCF) {
			carry = 1
		}
		wide := uint64(a) + uint64(b) + carry
		r = uint32(wide & m)
		c.setFlag(flagCF, wide > m)
		c.setFlag(flagOF, (a^r)&(b^r)&sign != 0)
		c.setFlag(flagAF, (a^b^r)&0x10 != 0)
	case x86asm.SUB, x86asm.SBB, x86asm.CMP:
		borrow := uint64(0)
		if op == x86asm.SBB && c.flag(flagCF) {
			borrow = 1
		}
		r = uint32((uint64(a) - uint64(b) - borrow) & m)
		c.setFlag(flagCF, uint64(b)+borrow > uint64(a))
		c.setFlag(flagOF, (a^b)&(a^r)&sign != 0)
		c.setFlag(flagAF, (a^b^r)&0x10 != 0)
	case x86asm.AND, x86asm.TEST:
		r = a & b
	case x86asm.OR:
		r = a | b
	case x86asm.XOR:
		r = a ^ b
	}
	switch op {
	case x86asm.AND, x86asm.TEST, x86asm.OR, x86asm.XOR:
		c.setFlag(flagCF, false)
		c.setFlag(flagOF, false)
		c.setFlag(flagAF, false)
	}
	c.setSZP(r, size)
	return r
}

func (c *cpu) unary(op x86asm.Op, v uint32, size int) uint32 {
	sign := signBit(size)
	var r uint32
	switch op {
	case x86asm.INC:
		r = (v + 1) & mask(size)
		c.setFlag(flagOF, r == sign)
		c.setFlag(flagAF, r&0xf == 0)
	case x86asm.DEC:
		r = (v - 1) & mask(size)
		c.setFlag(flagOF, v == sign)
		c.setFlag(flagAF, v&0xf == 0)
	case x86asm.NEG:
		r = (-v) & mask(size)
		c.setFlag(flagCF, v != 0)
		c.setFlag(flagOF, v == sign)
		c.setFlag(flagAF, v&0xf != 0)
	case x86asm.NOT:
		return ^v & mask(size)
	}
	c.setSZP(r, size)
	return r
}

func (c *cpu) shift(op x86asm.Op, v, count uint32, size int) uint32 {
	if count == 0 {
		return v
	}
	width := uint32(size * 8)
	m := mask(size)
	var r uint32
	switch op {
	case x86asm.SHL:
		wide := uint64(v) << count
		r = uint32(wide) & m
		c.setFlag(flagCF, wide>>width&1 != 0)
		c.setFlag(flagOF, (r&signBit(size) != 0) != c.flag(flagCF))
		c.setSZP(r, size)
	case x86asm.SHR:
		r = uint32(uint64(v) >> count)
		c.setFlag(flagCF, uint64(v)>>(count-1)&1 != 0)
		c.setFlag(flagOF, v&signBit(size) != 0)
		c.setSZP(r, size)
	case x86asm.SAR:
		sv := int64(signExtend(v, size))
		r = uint32(sv>>count) & m
		c.setFlag(flagCF, sv>>(count-1)&1 != 0)
		c.setFlag(flagOF, false)
		c.setSZP(r, size)
	case x86asm.ROL:
		n := count % width
		r = (v<<n | v>>(width-n)) & m
		c.setFlag(flagCF, r&1 != 0)
	case x86asm.ROR:
		n := count % width
		r = (v>>n | v<<(width-n)) & m
		c.setFlag(flagCF, r&signBit(size) != 0)
	}
	return r
}

func (c *cpu) mul(inst *x86asm.Inst) error {
	args := inst.Args
	size := opSize(inst, args[0])

	// two and three operand IMUL
	if inst.Op == x86asm.IMUL && args[1] != nil {
		a, b := args[0], args[1]
		if args[2] != nil {
			a, b = args[1], args[2]
		}
		x, err := c.read(a, size)
		if err != nil {
			return err
		}
		y, err := c.read(b, size)
		if err != nil {
			return err
		}
		wide := int64(signExtend(x, size)) * int64(signExtend(y, size))
		r := uint32(wide) & mask(size)
		overflow := wide != int64(signExtend(r, size))
		c.setFlag(flagCF, overflow)
		c.setFlag(flagOF, overflow)
		return c.write(args[0], size, r)
	}

	src, err := c.read(args[0], size)
	if err != nil {
		return err
	}
	acc := c.regs[x86.EAX] & mask(size)
	var lo, hi uint32
	if inst.Op == x86asm.MUL {
		wide := uint64(acc) * uint64(src)
		lo, hi = uint32(wide)&mask(size), uint32(wide>>(size*8))&mask(size)
		c.setFlag(flagCF, hi != 0)
		c.setFlag(flagOF, hi != 0)
	} else {
		wide := int64(signExtend(acc, size)) * int64(signExtend(src, size))
		lo, hi = uint32(wide)&mask(size), uint32(wide>>(size*8))&mask(size)
		overflow := wide != int64(signExtend(lo, size))
		c.setFlag(flagCF, overflow)
		c.setFlag(flagOF, overflow)
	}
	c.storeWide(size, lo, hi)
	return nil
}

func (c *cpu) div(inst *x86asm.Inst) error {
	size := opSize(inst, inst.Args[0])
	src, err := c.read(inst.Args[0], size)
	if err != nil {
		return err
	}
	if src == 0 {
		return ErrFault
	}
	var dividend uint64
	switch size {
	case 1:
		dividend = uint64(c.regs[x86.EAX] & 0xffff)
	case 2:
		dividend = uint64(c.regs[x86.EDX]&0xffff)<<16 | uint64(c.regs[x86.EAX]&0xffff)
	default:
		dividend = uint64(c.regs[x86.EDX])<<32 | uint64(c.regs[x86.EAX])
	}
	var q, r uint64
	if inst.Op == x86asm.DIV {
		q, r = dividend/uint64(src), dividend%uint64(src)
		if q > uint64(mask(size)) {
			return ErrFault
		}
	} else {
		width := uint(size * 16)
		sd := int64(dividend<<(64-width)) >> (64 - width)
		ss := int64(signExtend(src, size))
		sq, sr := sd/ss, sd%ss
		if sq != int64(signExtend(uint32(sq)&mask(size), size)) {
			return ErrFault
		}
		q, r = uint64(sq), uint64(sr)
	}
	c.storeWide(size, uint32(q)&mask(size), uint32(r)&mask(size))
	return nil
}

// storeWide writes a double width accumulator result (AX, DX:AX or EDX:EAX)
func (c *cpu) storeWide(size int, lo, hi uint32) {
	switch size {
	case 1:
		c.regs[x86.EAX] = c.regs[x86.EAX]&^0xffff | hi<<8 | lo
	case 2:
		c.regs[x86.EAX] = c.regs[x86.EAX]&^0xffff | lo
		c.regs[x86.EDX] = c.regs[x86.EDX]&^0xffff | hi
	default:
		c.regs[x86.EAX] = lo
		c.regs[x86.EDX] = hi
	}
}

type condition uint8

const (
	condO condition = iota
	condNO
	condB
	condAE
	condE
	condNE
	condBE
	condA
	condS
	condNS
	condP
	condNP
	condL
	condGE
	condLE
	condG
)

var conditions = map[x86asm.Op]condition{
	x86asm.JO: condO, x86asm.JNO: condNO, x86asm.JB: condB, x86asm.JAE: condAE,
	x86asm.JE: condE, x86asm.JNE: condNE, x86asm.JBE: condBE, x86asm.JA: condA,
	x86asm.JS: condS, x86asm.JNS: condNS, x86asm.JP: condP, x86asm.JNP: condNP,
	x86asm.JL: condL, x86asm.JGE: condGE, x86asm.JLE: condLE, x86asm.JG: condG,
}

var setConditions = map[x86asm.Op]condition{
	x86asm.SETO: condO, x86asm.SETNO: condNO, x86asm.SETB: condB, x86asm.SETAE: condAE,
	x86asm.SETE: condE, x86asm.SETNE: condNE, x86asm.SETBE: condBE, x86asm.SETA: condA,
	x86asm.SETS: condS, x86asm.SETNS: condNS, x86asm.SETP: condP, x86asm.SETNP: condNP,
	x86asm.SETL: condL, x86asm.SETGE: condGE, x86asm.SETLE: condLE, x86asm.SETG: condG,
}

var moveConditions = map[x86asm.Op]condition{
	x86asm.CMOVO: condO, x86asm.CMOVNO: condNO, x86asm.CMOVB: condB, x86asm.CMOVAE: condAE,
	x86asm.CMOVE: condE, x86asm.CMOVNE: condNE, x86asm.CMOVBE: condBE, x86asm.CMOVA: condA,
	x86asm.CMOVS: condS, x86asm.CMOVNS: condNS, x86asm.CMOVP: condP, x86asm.CMOVNP: condNP,
	x86asm.CMOVL: condL, x86asm.CMOVGE: condGE, x86asm.CMOVLE: condLE, x86asm.CMOVG: condG,
}

func (c *cpu) test(cond condition) bool {
	cf, zf, sf, of, pf := c.flag(flagCF), c.flag(flagZF), c.flag(flagSF), c.flag(flagOF), c.flag(flagPF)
	switch cond {
	case condO:
		return of
	case condNO:
		return !of
	case condB:
		return cf
	case condAE:
		return !cf
	case condE:
		return zf
	case condNE:
		return !zf
	case condBE:
		return cf || zf
	case condA:
		return !cf && !zf
	case condS:
		return sf
	case condNS:
		return !sf
	case condP:
		return pf
	case condNP:
		return !pf
	case condL:
		return sf != of
	case condGE:
		return sf == of
	case condLE:
		return zf || sf != of
	}
	return !zf && sf == of
}

// conditional executes Jcc, SETcc and CMOVcc. It reports false for any
// other instruction.
func (c *cpu) conditional(inst *x86asm.Inst) (bool, error) {
	if cond, ok := conditions[inst.Op]; ok {
		if c.test(cond) {
			return true, c.jump(inst.Args[0])
		}
		return true, nil
	}
	if cond, ok := setConditions[inst.Op]; ok {
		v := uint32(0)
		if c.test(cond) {
			v = 1
		}
		return true, c.write(inst.Args[0], 1, v)
	}
	if cond, ok := moveConditions[inst.Op]; ok {
		if !c.test(cond) {
			return true, nil
		}
		size := opSize(inst, inst.Args[0])
		v, err := c.read(inst.Args[1], size)
		if err != nil {
			return true, err
		}
		return true, c.write(inst.Args[0], size, v)
	}
	return false, nil
}
