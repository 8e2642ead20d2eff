package emu

import (
	"encoding/binary"
	"fmt"

	"github.com/apex/log"
	"github.com/blacktop/getpc/pkg/image"
	"github.com/blacktop/getpc/pkg/x86"
	"golang.org/x/arch/x86/x86asm"
)

// cpu is the builtin IA-32 interpreter. It models the integer subset used
// by decryptor loops plus enough of the x87 unit for FPU based GetPC.
type cpu struct {
	img   image.Image
	conf  *Config
	mem   *MemMap
	image *Page
	stack *Page

	regs   [8]uint32
	eip    uint32
	eflags uint32
	fpu    fpu

	// program counter after the current instruction
	next uint32
}

func newCPU(img image.Image, conf *Config) (Emulator, error) {
	c := &cpu{
		img:  img,
		conf: conf,
		mem:  NewMemMap(),
	}
	var err error
	if c.image, err = c.mem.Map("image", img.Base(), uint64(img.Size())); err != nil {
		return nil, fmt.Errorf("failed to map image: %w", err)
	}
	if c.stack, err = c.mem.Map("stack", conf.StackBase, conf.StackSize); err != nil {
		return nil, fmt.Errorf("failed to map stack: %w", err)
	}
	return c, nil
}

func (c *cpu) Begin(addr uint64) error {
	if !c.mem.Contains(addr) {
		return fmt.Errorf("begin at %#x: %w", addr, ErrOutOfBounds)
	}
	copy(c.image.Data, c.img.Bytes())
	clear(c.stack.Data)
	c.regs = [8]uint32{}
	c.regs[x86.ESP] = uint32(initialESP(c.conf))
	c.eflags = flagFixed
	c.fpu.reset()
	if c.conf.State != nil {
		if err := c.conf.State.Apply(c); err != nil {
			return err
		}
	}
	c.eip = uint32(addr)
	return nil
}

func (c *cpu) Fetch(buf []byte) (int, error) {
	n := c.mem.Avail(uint64(c.eip), len(buf))
	if n == 0 {
		return 0, fmt.Errorf("fetch at %#x: %w", c.eip, ErrOutOfBounds)
	}
	b, err := c.mem.span(uint64(c.eip), n)
	if err != nil {
		return 0, err
	}
	return copy(buf, b), nil
}

func (c *cpu) PC() uint64 { return uint64(c.eip) }

func (c *cpu) Register(r x86.Reg) uint64 {
	switch {
	case r < x86.HASFPU:
		return uint64(c.regs[r])
	case r == x86.HASFPU:
		return uint64(c.fpu.ip)
	}
	return 0
}

func (c *cpu) SetRegister(r x86.Reg, val uint64) error {
	switch {
	case r < x86.HASFPU:
		c.regs[r] = uint32(val)
	case r == x86.HASFPU:
		c.fpu.ip = uint32(val)
	default:
		return fmt.Errorf("cannot set register %s", r)
	}
	return nil
}

func (c *cpu) ReadMem(addr uint64, size int) ([]byte, error) {
	return c.mem.Read(addr, size)
}

func (c *cpu) WriteMem(addr uint64, data []byte) error {
	return c.mem.Write(addr, data)
}

func (c *cpu) Close() error { return nil }

func (c *cpu) Step() error {
	var raw [x86.MaxInstLen]byte
	n, err := c.Fetch(raw[:])
	if err != nil {
		return err
	}
	inst, err := x86asm.Decode(raw[:n], 32)
	if err != nil {
		return fmt.Errorf("failed to decode at %#x: %v: %w", c.eip, err, ErrFault)
	}
	c.next = c.eip + uint32(inst.Len)
	if c.conf.Verbose {
		log.Debugf("cpu: %#x: %s", c.eip, x86asm.IntelSyntax(inst, uint64(c.eip), nil))
	}
	if err := c.exec(&inst); err != nil {
		return fmt.Errorf("%#x: %s: %w", c.eip, x86asm.IntelSyntax(inst, uint64(c.eip), nil), err)
	}
	if isX87(&inst) && !fpuControl[inst.Op] {
		c.fpu.ip = c.eip
	}
	c.eip = c.next
	return nil
}

/* registers */

func gpr(r x86asm.Reg) (idx int, size int, high bool, ok bool) {
	switch {
	case r >= x86asm.AL && r <= x86asm.BL:
		return int(r - x86asm.AL), 1, false, true
	case r >= x86asm.AH && r <= x86asm.BH:
		return int(r - x86asm.AH), 1, true, true
	case r >= x86asm.AX && r <= x86asm.DI:
		return int(r - x86asm.AX), 2, false, true
	case r >= x86asm.EAX && r <= x86asm.EDI:
		return int(r - x86asm.EAX), 4, false, true
	}
	return 0, 0, false, false
}

func (c *cpu) reg(r x86asm.Reg) uint32 {
	idx, size, high, ok := gpr(r)
	if !ok {
		return 0
	}
	if high {
		return c.regs[idx] >> 8 & 0xff
	}
	return c.regs[idx] & mask(size)
}

func (c *cpu) setReg(r x86asm.Reg, v uint32) error {
	idx, size, high, ok := gpr(r)
	if !ok {
		return fmt.Errorf("register %s: %w", r, ErrUnsupported)
	}
	switch {
	case high:
		c.regs[idx] = c.regs[idx]&^0xff00 | (v&0xff)<<8
	case size == 4:
		c.regs[idx] = v
	default:
		c.regs[idx] = c.regs[idx]&^mask(size) | v&mask(size)
	}
	return nil
}

/* memory */

func (c *cpu) addr(m x86asm.Mem) (uint32, error) {
	if m.Segment == x86asm.FS || m.Segment == x86asm.GS {
		return 0, fmt.Errorf("%s segment: %w", m.Segment, ErrUnsupported)
	}
	a := uint32(m.Disp)
	if m.Base != 0 {
		a += c.reg(m.Base)
	}
	if m.Index != 0 {
		a += c.reg(m.Index) * uint32(m.Scale)
	}
	return a, nil
}

func (c *cpu) load(addr uint32, size int) (uint32, error) {
	b, err := c.mem.span(uint64(addr), size)
	if err != nil {
		return 0, err
	}
	switch size {
	case 1:
		return uint32(b[0]), nil
	case 2:
		return uint32(binary.LittleEndian.Uint16(b)), nil
	}
	return binary.LittleEndian.Uint32(b), nil
}

func (c *cpu) store(addr uint32, size int, v uint32) error {
	b, err := c.mem.span(uint64(addr), size)
	if err != nil {
		return err
	}
	switch size {
	case 1:
		b[0] = byte(v)
	case 2:
		binary.LittleEndian.PutUint16(b, uint16(v))
	default:
		binary.LittleEndian.PutUint32(b, v)
	}
	return nil
}

func (c *cpu) push(size int, v uint32) error {
	esp := c.regs[x86.ESP] - uint32(size)
	if err := c.store(esp, size, v); err != nil {
		return err
	}
	c.regs[x86.ESP] = esp
	return nil
}

func (c *cpu) pop(size int) (uint32, error) {
	v, err := c.load(c.regs[x86.ESP], size)
	if err != nil {
		return 0, err
	}
	c.regs[x86.ESP] += uint32(size)
	return v, nil
}

/* operands */

// opSize returns the width in bytes of an operand
func opSize(inst *x86asm.Inst, arg x86asm.Arg) int {
	switch a := arg.(type) {
	case x86asm.Reg:
		if _, size, _, ok := gpr(a); ok {
			return size
		}
	case x86asm.Mem:
		if inst.MemBytes > 0 {
			return inst.MemBytes
		}
	}
	if inst.DataSize > 0 {
		return inst.DataSize / 8
	}
	return 4
}

func (c *cpu) read(arg x86asm.Arg, size int) (uint32, error) {
	switch a := arg.(type) {
	case x86asm.Reg:
		if _, _, _, ok := gpr(a); !ok {
			return 0, fmt.Errorf("register %s: %w", a, ErrUnsupported)
		}
		return c.reg(a), nil
	case x86asm.Mem:
		addr, err := c.addr(a)
		if err != nil {
			return 0, err
		}
		return c.load(addr, size)
	case x86asm.Imm:
		return uint32(int64(a)) & mask(size), nil
	case x86asm.Rel:
		return uint32(int32(a)), nil
	}
	return 0, fmt.Errorf("operand %v: %w", arg, ErrUnsupported)
}

func (c *cpu) write(arg x86asm.Arg, size int, v uint32) error {
	switch a := arg.(type) {
	case x86asm.Reg:
		return c.setReg(a, v)
	case x86asm.Mem:
		addr, err := c.addr(a)
		if err != nil {
			return err
		}
		return c.store(addr, size, v&mask(size))
	}
	return fmt.Errorf("destination %v: %w", arg, ErrUnsupported)
}

// branch resolves the target of a near jump or call
func (c *cpu) branch(arg x86asm.Arg) (uint32, error) {
	if rel, ok := arg.(x86asm.Rel); ok {
		return c.next + uint32(int32(rel)), nil
	}
	return c.read(arg, 4)
}

/* execution */

func (c *cpu) exec(inst *x86asm.Inst) error {
	args := inst.Args
	switch inst.Op {
	case x86asm.NOP, x86asm.PAUSE, x86asm.FWAIT:
		return nil

	case x86asm.MOV:
		size := opSize(inst, args[0])
		v, err := c.read(args[1], size)
		if err != nil {
			return err
		}
		return c.write(args[0], size, v)

	case x86asm.MOVZX, x86asm.MOVSX:
		src := opSize(inst, args[1])
		if r, ok := args[1].(x86asm.Reg); ok {
			_, src, _, _ = gpr(r)
		}
		v, err := c.read(args[1], src)
		if err != nil {
			return err
		}
		if inst.Op == x86asm.MOVSX {
			v = uint32(signExtend(v, src))
		}
		return c.write(args[0], opSize(inst, args[0]), v)

	case x86asm.LEA:
		m, ok := args[1].(x86asm.Mem)
		if !ok {
			return ErrFault
		}
		a, err := c.addr(m)
		if err != nil {
			return err
		}
		return c.write(args[0], opSize(inst, args[0]), a)

	case x86asm.XCHG:
		size := opSize(inst, args[0])
		a, err := c.read(args[0], size)
		if err != nil {
			return err
		}
		b, err := c.read(args[1], size)
		if err != nil {
			return err
		}
		if err := c.write(args[0], size, b); err != nil {
			return err
		}
		return c.write(args[1], size, a)

	case x86asm.ADD, x86asm.ADC, x86asm.SUB, x86asm.SBB, x86asm.XOR,
		x86asm.AND, x86asm.OR, x86asm.CMP, x86asm.TEST:
		size := opSize(inst, args[0])
		a, err := c.read(args[0], size)
		if err != nil {
			return err
		}
		b, err := c.read(args[1], size)
		if err != nil {
			return err
		}
		r := c.alu(inst.Op, a, b, size)
		if inst.Op == x86asm.CMP || inst.Op == x86asm.TEST {
			return nil
		}
		return c.write(args[0], size, r)

	case x86asm.INC, x86asm.DEC, x86asm.NEG, x86asm.NOT:
		size := opSize(inst, args[0])
		v, err := c.read(args[0], size)
		if err != nil {
			return err
		}
		return c.write(args[0], size, c.unary(inst.Op, v, size))

	case x86asm.SHL, x86asm.SHR, x86asm.SAR, x86asm.ROL, x86asm.ROR:
		size := opSize(inst, args[0])
		v, err := c.read(args[0], size)
		if err != nil {
			return err
		}
		count, err := c.read(args[1], 1)
		if err != nil {
			return err
		}
		return c.write(args[0], size, c.shift(inst.Op, v, count&0x1f, size))

	case x86asm.MUL, x86asm.IMUL:
		return c.mul(inst)

	case x86asm.DIV, x86asm.IDIV:
		return c.div(inst)

	case x86asm.LEAVE:
		c.regs[x86.ESP] = c.regs[x86.EBP]
		v, err := c.pop(4)
		if err != nil {
			return err
		}
		c.regs[x86.EBP] = v
		return nil

	case x86asm.CWDE:
		c.regs[x86.EAX] = uint32(signExtend(c.regs[x86.EAX], 2))
		return nil

	case x86asm.CDQ:
		c.regs[x86.EDX] = uint32(int32(c.regs[x86.EAX]) >> 31)
		return nil

	case x86asm.PUSH:
		size := opSize(inst, args[0])
		if _, ok := args[0].(x86asm.Imm); ok {
			size = inst.DataSize / 8
		}
		v, err := c.read(args[0], size)
		if err != nil {
			return err
		}
		return c.push(size, v)

	case x86asm.POP:
		size := opSize(inst, args[0])
		v, err := c.pop(size)
		if err != nil {
			return err
		}
		return c.write(args[0], size, v)

	case x86asm.PUSHAD:
		esp := c.regs[x86.ESP]
		for i, v := range c.regs {
			if x86.Reg(i) == x86.ESP {
				v = esp
			}
			if err := c.push(4, v); err != nil {
				return err
			}
		}
		return nil

	case x86asm.POPAD:
		for i := len(c.regs) - 1; i >= 0; i-- {
			v, err := c.pop(4)
			if err != nil {
				return err
			}
			if x86.Reg(i) != x86.ESP {
				c.regs[i] = v
			}
		}
		return nil

	case x86asm.PUSHFD:
		return c.push(4, c.eflags)

	case x86asm.POPFD:
		v, err := c.pop(4)
		if err != nil {
			return err
		}
		c.eflags = v&flagsMask | flagFixed
		return nil

	case x86asm.LAHF:
		return c.setReg(x86asm.AH, c.eflags&0xff)

	case x86asm.SAHF:
		c.eflags = c.eflags&^0xd5 | c.reg(x86asm.AH)&0xd5 | flagFixed
		return nil

	case x86asm.CALL:
		target, err := c.branch(args[0])
		if err != nil {
			return err
		}
		if err := c.push(4, c.next); err != nil {
			return err
		}
		c.next = target
		return nil

	case x86asm.RET:
		target, err := c.pop(4)
		if err != nil {
			return err
		}
		if imm, ok := args[0].(x86asm.Imm); ok {
			c.regs[x86.ESP] += uint32(imm)
		}
		c.next = target
		return nil

	case x86asm.JMP:
		target, err := c.branch(args[0])
		if err != nil {
			return err
		}
		c.next = target
		return nil

	case x86asm.JCXZ, x86asm.JECXZ:
		cx := c.regs[x86.ECX]
		if inst.Op == x86asm.JCXZ {
			cx &= 0xffff
		}
		if cx == 0 {
			return c.jump(args[0])
		}
		return nil

	case x86asm.LOOP, x86asm.LOOPE, x86asm.LOOPNE:
		c.regs[x86.ECX]--
		taken := c.regs[x86.ECX] != 0
		switch inst.Op {
		case x86asm.LOOPE:
			taken = taken && c.flag(flagZF)
		case x86asm.LOOPNE:
			taken = taken && !c.flag(flagZF)
		}
		if taken {
			return c.jump(args[0])
		}
		return nil

	case x86asm.LODSB, x86asm.LODSW, x86asm.LODSD,
		x86asm.STOSB, x86asm.STOSW, x86asm.STOSD,
		x86asm.MOVSB, x86asm.MOVSW, x86asm.MOVSD:
		return c.strop(inst)

	case x86asm.CLD:
		c.setFlag(flagDF, false)
		return nil
	case x86asm.STD:
		c.setFlag(flagDF, true)
		return nil
	case x86asm.CLC:
		c.setFlag(flagCF, false)
		return nil
	case x86asm.STC:
		c.setFlag(flagCF, true)
		return nil
	case x86asm.CMC:
		c.setFlag(flagCF, !c.flag(flagCF))
		return nil

	case x86asm.CPUID:
		c.cpuid()
		return nil

	case x86asm.INT, x86asm.INTO, x86asm.HLT, x86asm.UD2,
		x86asm.SYSENTER, x86asm.SYSCALL, x86asm.IRETD, x86asm.IRET:
		return ErrFault
	}

	if handled, err := c.conditional(inst); handled {
		return err
	}
	if isX87(inst) {
		return c.x87(inst)
	}
	return ErrUnsupported
}

func (c *cpu) jump(arg x86asm.Arg) error {
	target, err := c.branch(arg)
	if err != nil {
		return err
	}
	c.next = target
	return nil
}

// strop executes one iteration of a string instruction; a REP prefixed one
// re-executes itself until ECX reaches zero.
func (c *cpu) strop(inst *x86asm.Inst) error {
	rep := false
	for _, p := range inst.Prefix {
		if p&0xff == x86asm.PrefixREP {
			rep = true
		}
	}
	if rep && c.regs[x86.ECX] == 0 {
		return nil
	}

	var size int
	switch inst.Op {
	case x86asm.LODSB, x86asm.STOSB, x86asm.MOVSB:
		size = 1
	case x86asm.LODSW, x86asm.STOSW, x86asm.MOVSW:
		size = 2
	default:
		size = 4
	}
	delta := uint32(size)
	if c.flag(flagDF) {
		delta = -delta
	}
	acc := [...]x86asm.Reg{1: x86asm.AL, 2: x86asm.AX, 4: x86asm.EAX}[size]

	switch inst.Op {
	case x86asm.LODSB, x86asm.LODSW, x86asm.LODSD:
		v, err := c.load(c.regs[x86.ESI], size)
		if err != nil {
			return err
		}
		if err := c.setReg(acc, v); err != nil {
			return err
		}
		c.regs[x86.ESI] += delta
	case x86asm.STOSB, x86asm.STOSW, x86asm.STOSD:
		if err := c.store(c.regs[x86.EDI], size, c.reg(acc)); err != nil {
			return err
		}
		c.regs[x86.EDI] += delta
	default:
		v, err := c.load(c.regs[x86.ESI], size)
		if err != nil {
			return err
		}
		if err := c.store(c.regs[x86.EDI], size, v); err != nil {
			return err
		}
		c.regs[x86.ESI] += delta
		c.regs[x86.EDI] += delta
	}

	if rep {
		c.regs[x86.ECX]--
		if c.regs[x86.ECX] != 0 {
			c.next = c.eip
		}
	}
	return nil
}

func (c *cpu) cpuid() {
	switch c.regs[x86.EAX] {
	case 0:
		c.regs[x86.EAX] = 1
		c.regs[x86.EBX] = 0x756e6547 // Genu
		c.regs[x86.EDX] = 0x49656e69 // ineI
		c.regs[x86.ECX] = 0x6c65746e // ntel
	case 1:
		c.regs[x86.EAX] = 0x00000633
		c.regs[x86.EBX] = 0
		c.regs[x86.ECX] = 0
		c.regs[x86.EDX] = 0x0781abfd
	default:
		c.regs[x86.EAX], c.regs[x86.EBX], c.regs[x86.ECX], c.regs[x86.EDX] = 0, 0, 0, 0
	}
}
