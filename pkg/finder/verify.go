package finder

import (
	"slices"

	"github.com/blacktop/getpc/pkg/x86"
)

// verify returns the 1-based index of the first indirect write of cycle
// whose address changes between iterations, or -1.
func (f *Finder) verify(cycle Cycle) int {
	for i, c := range cycle {
		if c.Inst.IsWriteIndirect() && f.verifyChangingReg(c.Inst, cycle) {
			return i + 1
		}
	}
	return -1
}

// verifyChangingReg reports whether the address written by inst lies in the
// cycle's memory block and depends on a register the cycle modifies.
func (f *Finder) verifyChangingReg(inst *x86.Inst, cycle Cycle) bool {
	if len(cycle) == 0 {
		return false
	}
	op := inst.Args[0]
	regs := op.Regs()
	addr := uint32(op.Disp)
	if op.Base != x86.RegNone {
		addr += uint32(f.emu.Register(op.Base))
	}
	if op.Scale != 0 && op.Index != x86.RegNone {
		addr += uint32(f.emu.Register(op.Index)) * uint32(op.Scale)
	}
	if inst.Type == x86.Stos {
		regs = []x86.Reg{x86.EDI}
		addr = uint32(f.emu.Register(x86.EDI))
	}
	if addr == 0 || !f.img.SameBlock(uint64(addr), cycle[0].Addr) {
		return false
	}

	for _, c := range cycle {
		if dst := c.Inst.Args[0]; c.Inst.IsWrite() && dst.Type == x86.Register && slices.Contains(regs, dst.Reg) {
			return true
		}
		switch c.Inst.Type {
		case x86.Loop:
			if slices.Contains(regs, x86.ECX) {
				return true
			}
		case x86.Lods:
			if slices.Contains(regs, x86.ESI) {
				return true
			}
		case x86.Stos:
			if slices.Contains(regs, x86.EDI) {
				return true
			}
		case x86.Movs:
			if slices.Contains(regs, x86.ESI) || slices.Contains(regs, x86.EDI) {
				return true
			}
		}
	}
	return false
}
