package utils

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/blacktop/getpc/internal/colors"
)

var zeroRun = regexp.MustCompile(`\s(00\s)+|\.`)

func colorZeros(dump string) string {
	if len(dump) == 0 || !colors.Enabled() {
		return dump
	}
	return zeroRun.ReplaceAllStringFunc(dump, func(s string) string {
		return colors.Header(s)
	})
}

func printable(b byte) byte {
	if b < 0x20 || b > 0x7e {
		return '.'
	}
	return b
}

// HexDump returns data in `hexdump -C` layout with line offsets starting at vaddr
func HexDump(data []byte, vaddr uint64) string {
	if len(data) == 0 {
		return ""
	}
	var sb strings.Builder
	sb.Grow((1 + (len(data)-1)/16) * 79)
	for off := 0; off < len(data); off += 16 {
		end := off + 16
		if end > len(data) {
			end = len(data)
		}
		line := data[off:end]
		sb.WriteString(colors.ItalicFaint().Sprintf("%016x:", vaddr+uint64(off)))
		sb.WriteString("  ")
		for i := 0; i < 16; i++ {
			if i < len(line) {
				fmt.Fprintf(&sb, "%02x ", line[i])
			} else {
				sb.WriteString("   ")
			}
			if i == 7 {
				sb.WriteByte(' ')
			}
		}
		sb.WriteString(" |")
		for _, b := range line {
			sb.WriteByte(printable(b))
		}
		sb.WriteString("|\n")
	}
	return colorZeros(sb.String())
}
