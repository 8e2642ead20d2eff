package finder

import (
	"github.com/blacktop/getpc/pkg/x86"
)

// node is an instruction found by the backward search. It falls through (or
// jumps) to the offset of its parent.
type node struct {
	off    int
	inst   *x86.Inst
	parent int
}

// landsOn reports whether a relative jump of i bytes before an offset lands
// exactly on it
func landsOn(inst *x86.Inst, i int) bool {
	switch inst.Type {
	case x86.Jmp, x86.Jmpc, x86.Jecxz:
		op := inst.Args[0]
		return op.Type == x86.Immediate && op.Rel && int(op.Imm)+inst.Len == i
	}
	return false
}

// backwardsTraversal searches the bytes before pos for an offset from which
// the instructions up to pos define every targeted register. The search is
// breadth first: level n holds the chains of n+1 instructions, and within a
// level candidates are tried in order of increasing distance. Every trial
// runs against a copy of the dependency state, so a.deps is left as it was
// found. The closing chain is returned in execution order.
func (f *Finder) backwardsTraversal(a *attempt, pos int) (int, Cycle, error) {
	if a.deps.Closed() {
		return pos, nil, nil
	}
	f.obs.Start(PhaseBackward)
	defer f.obs.Stop(PhaseBackward)

	snapshot := a.deps
	nodes := []node{{off: pos, parent: -1}}
	frontier := []int{0}

	for level := 0; level < f.conf.MaxBackward && len(frontier) > 0; level++ {
		a.levels = max(a.levels, level+1)
		var next []int
		// offsets reached at this level; the first chain to reach one wins
		seen := make(map[int]bool)
		for _, n := range frontier {
			p := nodes[n].off
			for i := 1; i <= x86.MaxInstLen && i <= p; i++ {
				curr := p - i
				if seen[curr] {
					continue
				}
				inst, err := f.cache.Decode(f.data, curr)
				if err != nil {
					continue
				}
				if inst.Len != i && !landsOn(inst, i) {
					continue
				}
				seen[curr] = true
				nodes = append(nodes, node{off: curr, inst: inst, parent: n})
				next = append(next, len(nodes)-1)

				chain := chainOf(nodes, len(nodes)-1)
				a.deps.CheckTrace(chain)
				closed := a.deps.Closed()
				a.deps = snapshot
				if closed {
					a.backLen = len(chain)
					return curr, f.commands(nodes, len(nodes)-1), nil
				}
			}
		}
		frontier = next
	}
	return -1, nil, ErrSearchExhausted
}

// chainOf follows the parent links from nodes[n] back to the search root
func chainOf(nodes []node, n int) []*x86.Inst {
	var insts []*x86.Inst
	for ; nodes[n].parent >= 0; n = nodes[n].parent {
		insts = append(insts, nodes[n].inst)
	}
	return insts
}

func (f *Finder) commands(nodes []node, n int) Cycle {
	var cmds Cycle
	for ; nodes[n].parent >= 0; n = nodes[n].parent {
		addr := f.addr(nodes[n].off)
		cmds = append(cmds, Command{Addr: addr, Text: nodes[n].inst.Syntax(addr), Inst: nodes[n].inst})
	}
	return cmds
}
