package finder

import (
	"fmt"
	"strings"

	"github.com/blacktop/getpc/pkg/x86"
)

// Command is one emulated step
type Command struct {
	Addr uint64    `json:"addr" yaml:"addr"`
	Text string    `json:"inst" yaml:"inst"`
	Inst *x86.Inst `json:"-" yaml:"-"`
}

func (c Command) String() string {
	return fmt.Sprintf("%#x:  %s", c.Addr, c.Text)
}

// Cycle is the sequence of commands executed between two visits of the same
// address
type Cycle []Command

func (c Cycle) insts() []*x86.Inst {
	insts := make([]*x86.Inst, len(c))
	for i, cmd := range c {
		insts[i] = cmd.Inst
	}
	return insts
}

func (c Cycle) String() string {
	var sb strings.Builder
	for _, cmd := range c {
		fmt.Fprintf(&sb, " %s\n", cmd)
	}
	return sb.String()
}

// Match is a confirmed self-decrypting loop
type Match struct {
	// Trigger is the address of the GetPC instruction
	Trigger     uint64 `json:"trigger" yaml:"trigger"`
	TriggerInst string `json:"trigger_inst" yaml:"trigger_inst"`
	// Launch is the address emulation was started from
	Launch uint64 `json:"launch" yaml:"launch"`
	Cycle  Cycle  `json:"cycle" yaml:"cycle"`
	// WriteIndex is the 1-based position of the changing write in Cycle
	WriteIndex int `json:"write_index" yaml:"write_index"`
}

// Write returns the changing write of the cycle
func (m *Match) Write() Command {
	return m.Cycle[m.WriteIndex-1]
}

func (m *Match) String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Instruction %q on position %#x.\n", m.TriggerInst, m.Trigger)
	sb.WriteString("Cycle found:\n")
	sb.WriteString(m.Cycle.String())
	fmt.Fprintf(&sb, " Indirect write in line #%d, launched from position %#x\n", m.WriteIndex, m.Launch)
	return sb.String()
}

// Stats counts what happened to the triggers of a scan
type Stats struct {
	Triggers         int `json:"triggers" yaml:"triggers"`
	Anchors          int `json:"anchors" yaml:"anchors"`
	DuplicateAnchors int `json:"duplicate_anchors" yaml:"duplicate_anchors"`
	DecodeFailures   int `json:"decode_failures" yaml:"decode_failures"`
	Exhausted        int `json:"exhausted" yaml:"exhausted"`
	Launches         int `json:"launches" yaml:"launches"`
	Relaunches       int `json:"relaunches" yaml:"relaunches"`
	OutOfBounds      int `json:"out_of_bounds" yaml:"out_of_bounds"`
	Faults           int `json:"faults" yaml:"faults"`
	Cycles           int `json:"cycles" yaml:"cycles"`

	// largest per-trigger work
	MaxForward  int `json:"max_forward" yaml:"max_forward"`
	MaxBackward int `json:"max_backward" yaml:"max_backward"`
	MaxEmulated int `json:"max_emulated" yaml:"max_emulated"`
}

func (s *Stats) observe(a *attempt) {
	s.MaxForward = max(s.MaxForward, a.forward)
	s.MaxBackward = max(s.MaxBackward, a.levels)
	s.MaxEmulated = max(s.MaxEmulated, a.emulated)
}

// Result is the outcome of one Find
type Result struct {
	Input   string  `json:"input" yaml:"input"`
	Size    int     `json:"size" yaml:"size"`
	Matches []Match `json:"matches" yaml:"matches"`
	Stats   Stats   `json:"stats" yaml:"stats"`
}

// Count returns the number of confirmed matches
func (r *Result) Count() int {
	return len(r.Matches)
}
