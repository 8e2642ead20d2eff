package finder

import (
	"fmt"

	"github.com/blacktop/getpc/pkg/emu"
	"github.com/blacktop/getpc/pkg/x86"
)

// ring remembers the most recent indirect write addresses
type ring struct {
	pcs  []uint64
	next int
}

func newRing(size int) *ring {
	return &ring{pcs: make([]uint64, 0, size)}
}

func (r *ring) add(pc uint64) {
	if len(r.pcs) < cap(r.pcs) {
		r.pcs = append(r.pcs, pc)
		return
	}
	r.pcs[r.next] = pc
	r.next = (r.next + 1) % len(r.pcs)
}

func (r *ring) count(pc uint64) int {
	n := 0
	for _, p := range r.pcs {
		if p == pc {
			n++
		}
	}
	return n
}

// launch emulates from pos until a cycle is found or the attempt runs out of
// emulation steps. A register the emulated code needs but the analysis
// never defined moves the start offset and emulation begins again.
func (f *Finder) launch(a *attempt, pos int, res *Result) {
	f.obs.Start(PhaseLaunch)
	defer f.obs.Stop(PhaseLaunch)

	for {
		next, relaunch := f.run(a, pos, res)
		if !relaunch {
			return
		}
		res.Stats.Relaunches++
		pos = next
	}
}

// run is a single launch from pos. It returns the new start offset when the
// attempt has to be relaunched.
func (f *Finder) run(a *attempt, pos int, res *Result) (int, bool) {
	res.Stats.Launches++
	start := f.addr(pos)
	a.log.Debugf("Launching from position %#x", start)

	f.obs.Start(PhaseEmulatorStart)
	err := f.emu.Begin(start)
	f.obs.Stop(PhaseEmulatorStart)
	if err != nil {
		f.fault(a, res, err)
		return 0, false
	}

	recent := newRing(f.conf.RecentWrites)
	for step := 0; a.emulated < f.conf.MaxEmulate; step++ {
		pc, inst, err := f.step(a)
		if err != nil {
			f.fault(a, res, err)
			return 0, false
		}
		a.log.Debugf("%d  Command: %#x: %s", step, pc, inst.Syntax(pc))

		a.deps.SeedTargets(inst)
		for r := range a.deps.Target {
			if !a.deps.Target[r] {
				continue
			}
			if a.deps.Known[r] {
				a.deps.Target[r] = false
				continue
			}
			a.deps.promote()
			a.deps.CheckTrace(a.trace)
			next, ok := f.slice(a, res)
			if !ok {
				return 0, false
			}
			a.log.Debugf("Relaunch (because of %s). New position: %#x", x86.Reg(r), f.addr(next))
			return next, true
		}

		if step >= len(a.trace)+a.backLen {
			a.trace = append(a.trace, inst)
		}
		a.deps.clearTargets()

		if recent.count(pc) >= 2 {
			cycle, err := f.capture(a, pc, inst, step)
			if err != nil {
				f.fault(a, res, err)
				return 0, false
			}
			if cycle != nil {
				f.report(a, start, cycle, res)
			}
			return 0, false
		}
		if inst.IsWriteIndirect() {
			recent.add(pc)
		}
	}
	a.log.Debug("Emulation limit reached, stopping instance")
	return 0, false
}

// step fetches, decodes and executes the instruction at the program counter
func (f *Finder) step(a *attempt) (uint64, *x86.Inst, error) {
	buf := make([]byte, f.conf.FetchSize)
	n, err := f.emu.Fetch(buf)
	if err != nil {
		return 0, nil, err
	}
	pc := f.emu.PC()
	if !f.img.Valid(pc) {
		return pc, nil, fmt.Errorf("pc %#x: %w", pc, emu.ErrOutOfBounds)
	}
	inst, err := x86.Decode(buf[:n], 0)
	if err != nil {
		return pc, nil, err
	}
	a.emulated++
	if err := f.emu.Step(); err != nil {
		return pc, nil, err
	}
	return pc, inst, nil
}

// capture records the commands executed until the program counter returns
// to pc. It returns a nil cycle when the slack or the emulation budget runs
// out first.
func (f *Finder) capture(a *attempt, pc uint64, inst *x86.Inst, step int) (Cycle, error) {
	need := pc
	var cycle Cycle
	for barrier := 0; barrier < step+f.conf.CycleSlack; barrier++ {
		cycle = append(cycle, Command{Addr: pc, Text: inst.Syntax(pc), Inst: inst})
		if a.emulated >= f.conf.MaxEmulate {
			a.log.Debug("Emulation limit reached while capturing cycle")
			return nil, nil
		}
		var err error
		if pc, inst, err = f.step(a); err != nil {
			return nil, err
		}
		a.log.Debugf("  Command: %#x: %s", pc, inst.Syntax(pc))
		if pc == need {
			return cycle, nil
		}
	}
	a.log.Debug("Cycle did not close")
	return nil, nil
}

// report verifies a captured cycle and records a match for it
func (f *Finder) report(a *attempt, launch uint64, cycle Cycle, res *Result) {
	res.Stats.Cycles++
	k := f.verify(cycle)
	a.log.Debugf("Cycle found:\n%s", cycle)
	if k < 0 {
		a.log.Debug("No indirect writes")
		return
	}
	a.log.Debugf("Indirect write in line #%d, launched from position %#x", k, launch)

	trigger := f.addr(a.trigger)
	text := ""
	if inst, err := f.cache.Decode(f.data, a.trigger); err == nil {
		text = inst.Syntax(trigger)
	}
	res.Matches = append(res.Matches, Match{
		Trigger:     trigger,
		TriggerInst: text,
		Launch:      launch,
		Cycle:       cycle,
		WriteIndex:  k,
	})
}
