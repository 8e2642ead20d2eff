package emu

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/blacktop/getpc/pkg/x86"
)

var (
	immMatch = regexp.MustCompile(`-?0x[0-9a-f]+`)
	regMatch = regexp.MustCompile(`\b(e?[abcd]x|[abcd][lh]|e?[sd]i|e?[sb]p|st\d?|[c-gs]s)\b`)
)

func colorOperands(operands string) string {
	if len(operands) > 0 {
		operands = immMatch.ReplaceAllStringFunc(operands, func(s string) string {
			return colorImm(s)
		})
		operands = regMatch.ReplaceAllStringFunc(operands, func(s string) string {
			return colorRegs(s)
		})
	}
	return operands
}

// Disassemble renders one instruction as "addr:  bytes   op operands"
func Disassemble(addr uint64, inst *x86.Inst) string {
	text := inst.Syntax(addr)
	op, operands, _ := strings.Cut(text, " ")
	return fmt.Sprintf("%s:  %s %s %s",
		colorAddr("%#08x", addr),
		colorOpCodes(fmt.Sprintf("%-30s", fmt.Sprintf("% x", inst.Raw))),
		colorOp("%-7s", op),
		colorOperands(operands),
	)
}
