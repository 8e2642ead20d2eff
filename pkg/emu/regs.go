package emu

import (
	"fmt"
	"strings"

	"github.com/blacktop/getpc/pkg/x86"
)

// Registers is a snapshot of the tracked registers and the program counter
type Registers struct {
	GPR [x86.RegCount]uint64
	PC  uint64
}

// Snapshot reads every tracked register of e
func Snapshot(e Emulator) Registers {
	var r Registers
	for i := range r.GPR {
		r.GPR[i] = e.Register(x86.Reg(i))
	}
	r.PC = e.PC()
	return r
}

func (r Registers) String() string {
	return r.Diff(nil)
}

// Diff renders the registers, highlighting the ones that differ from prev
func (r Registers) Diff(prev *Registers) string {
	var sb strings.Builder
	sb.WriteString(colorHook("[REGISTERS]\n"))
	for i, val := range r.GPR {
		name := x86.Reg(i).String()
		if x86.Reg(i) == x86.HASFPU {
			name = "fip"
		}
		cell := fmt.Sprintf("%6s: %#010x", name, val)
		if prev != nil && prev.GPR[i] != val {
			sb.WriteString(colorChanged("%s", cell))
		} else {
			sb.WriteString(colorDetails("%s", cell))
		}
		if i%4 == 3 {
			sb.WriteString("\n")
		} else {
			sb.WriteString("  ")
		}
	}
	sb.WriteString(colorDetails("%6s: %#010x\n", "eip", r.PC))
	return sb.String()
}
