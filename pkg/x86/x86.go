// Package x86 decodes and classifies 32-bit x86 instructions for the finder.
package x86

import (
	"errors"
	"fmt"
	"strings"

	"golang.org/x/arch/x86/x86asm"
)

// MaxInstLen is the longest legal x86 instruction encoding
const MaxInstLen = 15

var (
	// ErrDecode is returned for bytes that do not form a valid instruction
	ErrDecode = errors.New("invalid instruction")
	// ErrTruncated is returned when an instruction would run past the buffer
	ErrTruncated = errors.New("truncated instruction")
)

// Reg is one slot of the dependency tracker's register file
type Reg uint8

const (
	EAX Reg = iota
	ECX
	EDX
	EBX
	ESP
	EBP
	ESI
	EDI
	// HASFPU is a pseudo register that is known once some x87 instruction
	// has set the FPU last instruction pointer.
	HASFPU

	// RegNone marks an operand slot without a register
	RegNone Reg = 0xff
)

// RegCount is the number of tracked registers (including HASFPU)
const RegCount = int(HASFPU) + 1

var regNames = [...]string{"eax", "ecx", "edx", "ebx", "esp", "ebp", "esi", "edi", "hasfpu"}

func (r Reg) String() string {
	if int(r) < len(regNames) {
		return regNames[r]
	}
	return "none"
}

// ParseReg looks up a tracked register by its lower-case name
func ParseReg(name string) (Reg, bool) {
	name = strings.ToLower(strings.TrimSpace(name))
	for i, n := range regNames {
		if n == name {
			return Reg(i), true
		}
	}
	return RegNone, false
}

// FromAsm folds 8, 16 and 32-bit general purpose registers onto their full
// 32-bit register. Anything else maps to RegNone.
func FromAsm(r x86asm.Reg) Reg {
	switch {
	case r >= x86asm.AL && r <= x86asm.BL:
		return Reg(r - x86asm.AL)
	case r >= x86asm.AH && r <= x86asm.BH:
		return Reg(r - x86asm.AH)
	case r >= x86asm.AX && r <= x86asm.DI:
		return Reg(r - x86asm.AX)
	case r >= x86asm.EAX && r <= x86asm.EDI:
		return Reg(r - x86asm.EAX)
	}
	return RegNone
}

// Type is the coarse instruction class the dependency model switches on
type Type uint8

const (
	Other Type = iota
	Jmp
	Jmpc
	Jecxz
	Call
	Ret
	Mov
	Lea
	Push
	Pop
	Xor
	Sub
	Sbb
	Div
	Idiv
	Add
	And
	Or
	Mul
	Imul
	Lods
	Stos
	Movs
	Loop
	FpuCtrl
	Fpu
	Cmp
	Inc
	Dec
	Xchg
)

var typeNames = [...]string{
	"other", "jmp", "jmpc", "jecxz", "call", "ret", "mov", "lea", "push", "pop",
	"xor", "sub", "sbb", "div", "idiv", "add", "and", "or", "mul", "imul",
	"lods", "stos", "movs", "loop", "fpu_ctrl", "fpu", "cmp", "inc", "dec", "xchg",
}

func (t Type) String() string {
	if int(t) < len(typeNames) {
		return typeNames[t]
	}
	return fmt.Sprintf("type(%d)", t)
}

var opTypes = map[x86asm.Op]Type{
	x86asm.JMP:  Jmp,
	x86asm.LJMP: Jmp,

	x86asm.JA: Jmpc, x86asm.JAE: Jmpc, x86asm.JB: Jmpc, x86asm.JBE: Jmpc,
	x86asm.JE: Jmpc, x86asm.JNE: Jmpc, x86asm.JG: Jmpc, x86asm.JGE: Jmpc,
	x86asm.JL: Jmpc, x86asm.JLE: Jmpc, x86asm.JO: Jmpc, x86asm.JNO: Jmpc,
	x86asm.JP: Jmpc, x86asm.JNP: Jmpc, x86asm.JS: Jmpc, x86asm.JNS: Jmpc,

	x86asm.JCXZ:  Jecxz,
	x86asm.JECXZ: Jecxz,

	x86asm.CALL:  Call,
	x86asm.LCALL: Call,
	x86asm.RET:   Ret,
	x86asm.LRET:  Ret,
	x86asm.IRET:  Ret,
	x86asm.IRETD: Ret,

	x86asm.MOV:   Mov,
	x86asm.MOVZX: Mov,
	x86asm.MOVSX: Mov,
	x86asm.LEA:   Lea,

	x86asm.PUSH:   Push,
	x86asm.PUSHA:  Push,
	x86asm.PUSHAD: Push,
	x86asm.PUSHF:  Push,
	x86asm.PUSHFD: Push,
	x86asm.POP:    Pop,
	x86asm.POPA:   Pop,
	x86asm.POPAD:  Pop,
	x86asm.POPF:   Pop,
	x86asm.POPFD:  Pop,

	x86asm.XOR:  Xor,
	x86asm.SUB:  Sub,
	x86asm.SBB:  Sbb,
	x86asm.DIV:  Div,
	x86asm.IDIV: Idiv,
	x86asm.ADD:  Add,
	x86asm.ADC:  Add,
	x86asm.AND:  And,
	x86asm.OR:   Or,
	x86asm.MUL:  Mul,
	x86asm.IMUL: Imul,

	x86asm.LODSB: Lods,
	x86asm.LODSW: Lods,
	x86asm.LODSD: Lods,
	x86asm.STOSB: Stos,
	x86asm.STOSW: Stos,
	x86asm.STOSD: Stos,
	x86asm.MOVSB: Movs,
	x86asm.MOVSW: Movs,
	x86asm.MOVSD: Movs,

	x86asm.LOOP:   Loop,
	x86asm.LOOPE:  Loop,
	x86asm.LOOPNE: Loop,

	x86asm.FNSTENV: FpuCtrl,
	x86asm.FNSAVE:  FpuCtrl,
	x86asm.FLDENV:  FpuCtrl,
	x86asm.FRSTOR:  FpuCtrl,
	x86asm.FNSTCW:  FpuCtrl,
	x86asm.FLDCW:   FpuCtrl,
	x86asm.FNSTSW:  FpuCtrl,
	x86asm.FNCLEX:  FpuCtrl,
	x86asm.FNINIT:  FpuCtrl,
	x86asm.FWAIT:   FpuCtrl,

	x86asm.CMP:  Cmp,
	x86asm.TEST: Cmp,
	x86asm.INC:  Inc,
	x86asm.DEC:  Dec,
	x86asm.XCHG: Xchg,
}

// mnemonics whose generic name differs from the x86asm op name
var mnemonics = map[x86asm.Op]string{
	x86asm.FNSTENV: "fstenv",
	x86asm.FNSAVE:  "fsave",
	x86asm.LCALL:   "callf",
	x86asm.LJMP:    "jmpf",
}

// destination-writing ops; the destination is always Args[0]
var writeOps = map[x86asm.Op]bool{
	x86asm.MOV: true, x86asm.MOVZX: true, x86asm.MOVSX: true, x86asm.LEA: true,
	x86asm.XOR: true, x86asm.SUB: true, x86asm.SBB: true, x86asm.ADD: true,
	x86asm.ADC: true, x86asm.AND: true, x86asm.OR: true, x86asm.NOT: true,
	x86asm.NEG: true, x86asm.INC: true, x86asm.DEC: true, x86asm.SHL: true,
	x86asm.SHR: true, x86asm.SAR: true, x86asm.ROL: true, x86asm.ROR: true,
	x86asm.RCL: true, x86asm.RCR: true, x86asm.XCHG: true, x86asm.XADD: true,
	x86asm.POP: true, x86asm.BTS: true, x86asm.BTR: true, x86asm.BTC: true,
	x86asm.CMPXCHG: true, x86asm.STOSB: true, x86asm.STOSW: true, x86asm.STOSD: true,
	x86asm.MOVSB: true, x86asm.MOVSW: true, x86asm.MOVSD: true,
	x86asm.LODSB: true, x86asm.LODSW: true, x86asm.LODSD: true,
}

// OperandType tags an Operand
type OperandType uint8

const (
	None OperandType = iota
	Register
	Memory
	Immediate
)

func (t OperandType) String() string {
	switch t {
	case Register:
		return "reg"
	case Memory:
		return "mem"
	case Immediate:
		return "imm"
	}
	return "none"
}

// Operand is a decoded instruction argument.
//
// Relative branch targets are Immediate operands whose Imm is the signed
// displacement from the end of the instruction.
type Operand struct {
	Type  OperandType
	Reg   Reg        // Register: folded 32-bit register
	Name  x86asm.Reg // Register: exact register as encoded
	Base  Reg        // Memory
	Index Reg        // Memory
	Scale uint8      // Memory: 0 means no index
	Disp  int64      // Memory
	Imm   int64      // Immediate
	Rel   bool       // Immediate came from a relative branch
	Size  int        // operand size in bytes when known
}

// Regs returns the registers that contribute to a memory operand's address
func (o Operand) Regs() []Reg {
	var regs []Reg
	if o.Base != RegNone {
		regs = append(regs, o.Base)
	}
	if o.Scale != 0 && o.Index != RegNone {
		regs = append(regs, o.Index)
	}
	return regs
}

// Inst is a classified 32-bit instruction
type Inst struct {
	Type     Type
	Op       x86asm.Op
	Args     [3]Operand
	Len      int
	Mnemonic string
	// CoProc is set for x87 escape opcodes (0xd8-0xdf) and FWAIT
	CoProc bool
	Raw    []byte
	Asm    x86asm.Inst
}

// Decode decodes one instruction at off
func Decode(data []byte, off int) (*Inst, error) {
	if off < 0 || off >= len(data) {
		return nil, fmt.Errorf("offset %#x outside of %#x byte buffer: %w", off, len(data), ErrTruncated)
	}
	end := off + MaxInstLen
	if end > len(data) {
		end = len(data)
	}
	ai, err := x86asm.Decode(data[off:end], 32)
	if err != nil {
		if errors.Is(err, x86asm.ErrTruncated) || truncated(data[off:]) {
			return nil, fmt.Errorf("failed to decode at %#x: %w", off, ErrTruncated)
		}
		return nil, fmt.Errorf("failed to decode at %#x: %v: %w", off, err, ErrDecode)
	}
	if ai.Op == 0 || ai.Len == 0 {
		return nil, fmt.Errorf("failed to decode at %#x: %w", off, ErrDecode)
	}
	if off+ai.Len > len(data) {
		return nil, fmt.Errorf("instruction at %#x overruns buffer: %w", off, ErrTruncated)
	}
	return newInst(ai, data[off:off+ai.Len]), nil
}

// truncated reports whether tail is the start of an instruction that runs
// past the end of the buffer. x86asm reports those as invalid, so tail is
// decoded again padded with zeros.
func truncated(tail []byte) bool {
	if len(tail) >= MaxInstLen {
		return false
	}
	var padded [MaxInstLen]byte
	copy(padded[:], tail)
	ai, err := x86asm.Decode(padded[:], 32)
	return err == nil && ai.Len > len(tail)
}

func newInst(ai x86asm.Inst, raw []byte) *Inst {
	inst := &Inst{
		Type: opTypes[ai.Op],
		Op:   ai.Op,
		Len:  ai.Len,
		Raw:  raw,
		Asm:  ai,
	}
	if m, ok := mnemonics[ai.Op]; ok {
		inst.Mnemonic = m
	} else {
		inst.Mnemonic = strings.ToLower(ai.Op.String())
	}
	if first := byte(ai.Opcode >> 24); first >= 0xd8 && first <= 0xdf || ai.Op == x86asm.FWAIT {
		inst.CoProc = true
	}
	if inst.CoProc && inst.Type == Other {
		inst.Type = Fpu
	}
	for i := range inst.Args {
		inst.Args[i] = operand(ai, ai.Args[i])
	}
	return inst
}

func operand(ai x86asm.Inst, arg x86asm.Arg) Operand {
	switch a := arg.(type) {
	case x86asm.Reg:
		return Operand{Type: Register, Reg: FromAsm(a), Name: a, Base: RegNone, Index: RegNone, Size: regSize(a)}
	case x86asm.Mem:
		return Operand{
			Type:  Memory,
			Reg:   RegNone,
			Base:  FromAsm(a.Base),
			Index: FromAsm(a.Index),
			Scale: a.Scale,
			Disp:  a.Disp,
			Size:  ai.MemBytes,
		}
	case x86asm.Imm:
		return Operand{Type: Immediate, Reg: RegNone, Base: RegNone, Index: RegNone, Imm: int64(a)}
	case x86asm.Rel:
		return Operand{Type: Immediate, Reg: RegNone, Base: RegNone, Index: RegNone, Imm: int64(a), Rel: true}
	}
	return Operand{Reg: RegNone, Base: RegNone, Index: RegNone}
}

func regSize(r x86asm.Reg) int {
	switch {
	case r >= x86asm.AL && r <= x86asm.R15B:
		return 1
	case r >= x86asm.AX && r <= x86asm.R15W:
		return 2
	case r >= x86asm.EAX && r <= x86asm.R15L:
		return 4
	}
	return 0
}

// IsWrite reports whether the instruction stores into its first operand
func (i *Inst) IsWrite() bool {
	if i.Op == x86asm.IMUL {
		return i.Args[1].Type != None
	}
	return writeOps[i.Op]
}

// IsWriteIndirect reports whether the instruction writes to memory addressed
// through a base register.
func (i *Inst) IsWriteIndirect() bool {
	return i.IsWrite() && i.Args[0].Type == Memory && i.Args[0].Base != RegNone
}

// Target returns the absolute target of a relative branch at pc
func (i *Inst) Target(pc uint64) (uint64, bool) {
	if i.Args[0].Type != Immediate || !i.Args[0].Rel {
		return 0, false
	}
	return uint64(uint32(int64(pc) + int64(i.Len) + i.Args[0].Imm)), true
}

// Syntax returns the Intel syntax of the instruction located at pc
func (i *Inst) Syntax(pc uint64) string {
	return x86asm.IntelSyntax(i.Asm, pc, nil)
}

func (i *Inst) String() string {
	return x86asm.IntelSyntax(i.Asm, 0, nil)
}
