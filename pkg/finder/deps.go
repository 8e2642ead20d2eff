package finder

import (
	"strings"

	"github.com/blacktop/getpc/pkg/x86"
)

// DepState tracks which registers are defined by the instructions walked so
// far (Known) and which ones are still needed (Target).
type DepState struct {
	Known  [x86.RegCount]bool
	Target [x86.RegCount]bool
}

// Reset marks every register unknown and untargeted
func (d *DepState) Reset() {
	*d = DepState{}
}

// Closed reports whether no register is targeted
func (d *DepState) Closed() bool {
	for _, t := range d.Target {
		if t {
			return false
		}
	}
	return true
}

// Targets lists the targeted registers
func (d *DepState) Targets() []x86.Reg {
	var regs []x86.Reg
	for i, t := range d.Target {
		if t {
			regs = append(regs, x86.Reg(i))
		}
	}
	return regs
}

func (d *DepState) String() string {
	var known, target []string
	for i := range d.Known {
		if d.Known[i] {
			known = append(known, x86.Reg(i).String())
		}
		if d.Target[i] {
			target = append(target, x86.Reg(i).String())
		}
	}
	return "known=[" + strings.Join(known, " ") + "] target=[" + strings.Join(target, " ") + "]"
}

func (d *DepState) define(r x86.Reg) {
	d.Known[r] = true
	d.Target[r] = false
}

// AddTarget marks the register an operand depends on as targeted. The stack
// pointer is never targeted through an operand.
func (d *DepState) AddTarget(op x86.Operand) {
	switch op.Type {
	case x86.Register:
		if op.Reg == x86.RegNone || op.Reg == x86.ESP {
			return
		}
		d.Target[op.Reg] = true
	case x86.Memory:
		if op.Base == x86.RegNone || op.Base == x86.ESP {
			return
		}
		d.Target[op.Base] = true
	}
}

// SeedTargets targets the registers inst needs before it can execute
func (d *DepState) SeedTargets(inst *x86.Inst) {
	switch inst.Type {
	case x86.Lods:
		d.Target[x86.ESI] = true
	case x86.Loop:
		d.Target[x86.ECX] = true
	}
	if inst.Args[0].Type == x86.Memory {
		d.AddTarget(inst.Args[0])
	}
	d.AddTarget(inst.Args[1])
	d.AddTarget(inst.Args[2])
}

// Check applies the effect of inst on the dependency state as seen by a
// backward walk. A type handler runs first; when it does not fully handle
// the instruction the co-processor rule runs after it.
func (d *DepState) Check(inst *x86.Inst) {
	if d.check(inst) {
		return
	}
	if inst.CoProc {
		d.define(x86.HASFPU)
	}
}

// check runs the type handler and reports whether it handled inst
func (d *DepState) check(inst *x86.Inst) bool {
	dst, src := inst.Args[0], inst.Args[1]
	switch inst.Type {
	case x86.Lods:
		d.define(x86.EAX)
		d.Target[x86.ESI] = true
	case x86.Stos:
		d.Target[x86.EAX] = true
		d.Target[x86.EDI] = true
	case x86.Xor, x86.Sub, x86.Sbb, x86.Div, x86.Idiv:
		if dst.Type != x86.Register || dst.Reg == x86.RegNone {
			break
		}
		// xor eax, eax and friends
		if src.Type == x86.Register && src.Name == dst.Name {
			d.define(dst.Reg)
			break
		}
		if d.Target[dst.Reg] {
			d.AddTarget(src)
		}
	case x86.Add, x86.And, x86.Or, x86.Mul, x86.Imul:
		if dst.Type != x86.Register || dst.Reg == x86.RegNone {
			break
		}
		if d.Target[dst.Reg] {
			d.AddTarget(src)
		}
	case x86.Mov, x86.Lea:
		if dst.Type != x86.Register || dst.Reg == x86.RegNone {
			break
		}
		d.Known[dst.Reg] = true
		if d.Target[dst.Reg] {
			d.Target[dst.Reg] = false
			d.AddTarget(src)
		}
	case x86.Pop:
		if dst.Type != x86.Register || dst.Reg == x86.RegNone {
			break
		}
		d.define(dst.Reg)
		d.Target[x86.ESP] = true
	case x86.Push:
		d.Target[x86.ESP] = false
	case x86.Call:
		// registers clobbered by the callee are not modeled
		d.define(x86.ESP)
	case x86.Other:
		if inst.Mnemonic == "cpuid" {
			d.Known[x86.EAX] = false
			d.Target[x86.EAX] = true
			d.define(x86.EBX)
			d.define(x86.ECX)
			d.define(x86.EDX)
		}
	case x86.FpuCtrl:
		if inst.Mnemonic != "fstenv" {
			return false
		}
		d.AddTarget(dst)
		if !d.Target[x86.ESP] {
			return false
		}
		d.define(x86.ESP)
		d.Target[x86.HASFPU] = true
	default:
		return false
	}
	return true
}

// CheckTrace applies Check to every instruction of trace, last one first
func (d *DepState) CheckTrace(trace []*x86.Inst) {
	for i := len(trace) - 1; i >= 0; i-- {
		d.Check(trace[i])
	}
}

// promote turns every known register into a target and every target into a
// known register. It is used when emulation meets a register that the static
// walk did not account for.
func (d *DepState) promote() {
	for r := range d.Target {
		if !d.Target[r] {
			d.Target[r] = d.Known[r]
		} else {
			d.Known[r] = true
		}
	}
}

func (d *DepState) clearTargets() {
	d.Target = [x86.RegCount]bool{}
}
