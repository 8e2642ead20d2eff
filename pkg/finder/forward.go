package finder

import (
	"errors"

	"github.com/blacktop/getpc/pkg/emu"
	"github.com/blacktop/getpc/pkg/x86"
)

// triggerByte reports whether a GetPC instruction can start at off:
// fsave (9b dd, dd), fstenv (f2 d9, d9) or call (e8, ff, 9a)
func triggerByte(data []byte, off int) bool {
	switch data[off] {
	case 0x9b:
		return off+1 < len(data) && data[off+1] == 0xdd
	case 0xf2:
		return off+1 < len(data) && data[off+1] == 0xd9
	case 0xdd, 0xd9, 0xe8, 0xff, 0x9a:
		return true
	}
	return false
}

func isTrigger(inst *x86.Inst) bool {
	switch inst.Type {
	case x86.FpuCtrl:
		return inst.Mnemonic == "fstenv" || inst.Mnemonic == "fsave"
	case x86.Call:
		return inst.Mnemonic == "call" && inst.Args[0].Type == x86.Immediate
	}
	return false
}

// Find scans the linked input and returns every confirmed match
func (f *Finder) Find() *Result {
	res := &Result{}
	if f.img == nil {
		return res
	}
	res.Input = f.img.Name()
	res.Size = len(f.data)

	f.obs.Start(PhaseFind)
	defer f.obs.Stop(PhaseFind)

	for _, blk := range f.img.Blocks() {
		for off := blk.Offset; off < blk.Offset+blk.Size; off++ {
			if !triggerByte(f.data, off) {
				continue
			}
			inst, err := f.cache.Decode(f.data, off)
			if err != nil || !isTrigger(inst) {
				continue
			}
			res.Stats.Triggers++

			a := f.newAttempt(off)
			a.log.Debugf("Instruction %q on position %#x", inst.Syntax(f.addr(off)), f.addr(off))
			f.findMemoryAndJump(a, off, res)
			res.Stats.observe(a)

			if f.conf.Progress != nil {
				f.conf.Progress(off+1, len(f.data))
			}
			if f.conf.Once && len(res.Matches) > 0 {
				return res
			}
		}
	}
	if f.conf.Progress != nil {
		f.conf.Progress(len(f.data), len(f.data))
	}
	return res
}

// findMemoryAndJump walks forward from pos, following direct jumps and
// calls once, until it meets an indirect memory write. The write becomes the
// anchor of the analysis: its registers are traced back through the walk and
// then through the bytes before the trigger, and emulation is launched from
// the offset found.
func (f *Finder) findMemoryAndJump(a *attempt, pos int, res *Result) {
	f.obs.Start(PhaseForward)
	defer f.obs.Stop(PhaseForward)

	nofollow := make(map[int]bool)
	for p := pos; p >= 0 && p < len(f.data) && a.forward < f.conf.MaxForward; {
		a.forward++
		inst, err := f.cache.Decode(f.data, p)
		if err != nil {
			res.Stats.DecodeFailures++
			a.log.WithError(err).Debug("Disassembling failed")
			return
		}
		addr := f.addr(p)
		a.log.Debugf("Instruction: %s on position %#x", inst.Syntax(addr), addr)
		a.trace = append(a.trace, inst)

		next := p + inst.Len
		switch inst.Type {
		case x86.Jmp, x86.Jmpc:
			if op := inst.Args[0]; op.Type == x86.Memory && op.Base != x86.RegNone {
				a.log.Debugf("Indirect jump detected: %s on position %#x", inst.Syntax(addr), addr)
				a.deps.SeedTargets(inst)
			}
			if !nofollow[p] && inst.Mnemonic == "jmp" && inst.Args[0].Type == x86.Immediate {
				nofollow[p] = true
				next += int(inst.Args[0].Imm)
			}
		case x86.Call:
			if !nofollow[p] && inst.Mnemonic == "call" && inst.Args[0].Type == x86.Immediate {
				nofollow[p] = true
				next += int(inst.Args[0].Imm)
			}
		}
		if !inst.IsWriteIndirect() {
			p = next
			continue
		}

		a.log.Debugf("Write to memory detected: %s on position %#x", inst.Syntax(addr), addr)
		if _, ok := f.anchors[p]; ok {
			res.Stats.DuplicateAnchors++
			a.log.Debug("Not running, already checked")
			return
		}
		f.anchors[p] = struct{}{}
		res.Stats.Anchors++

		a.deps.Reset()
		a.deps.SeedTargets(inst)
		a.deps.CheckTrace(a.trace)
		start, ok := f.slice(a, res)
		if !ok {
			return
		}
		f.launch(a, start, res)
		return
	}
}

// slice finds the launch offset for the current targets and applies the
// closing chain to the dependency state. Keeping the chain's definitions
// means a relaunch never searches again for a register the chain already
// defines, so the same offset cannot be chosen twice in a row.
func (f *Finder) slice(a *attempt, res *Result) (int, bool) {
	start, chain, err := f.backwardsTraversal(a, a.trigger)
	if err != nil {
		res.Stats.Exhausted++
		a.log.WithError(err).Debug("Backwards traversal failed")
		return -1, false
	}
	a.deps.CheckTrace(chain.insts())
	if len(chain) > 0 {
		a.log.Debugf("Backward chain from %#x:\n%s", f.addr(start), chain)
	}
	return start, true
}

// fault records why an emulation run stopped
func (f *Finder) fault(a *attempt, res *Result, err error) {
	switch {
	case errors.Is(err, emu.ErrOutOfBounds):
		res.Stats.OutOfBounds++
		a.log.WithError(err).Debug("Reached end of the memory block, stopping instance")
	case errors.Is(err, x86.ErrDecode), errors.Is(err, x86.ErrTruncated):
		res.Stats.DecodeFailures++
		a.log.WithError(err).Debug("Disassembling failed, stopping instance")
	default:
		res.Stats.Faults++
		a.log.WithError(err).Debug("Execution error, stopping instance")
	}
}
