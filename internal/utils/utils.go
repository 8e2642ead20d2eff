package utils

import (
	"strconv"
	"strings"

	"github.com/apex/log"
	"github.com/apex/log/handlers/cli"
	"github.com/dustin/go-humanize"
)

const normalPadding = 2

// Indent returns a logger func that prints at the given indentation level
func Indent(f func(s string), level int) func(string) {
	return func(s string) {
		cli.Default.Padding = normalPadding * level
		f(s)
		cli.Default.Padding = normalPadding
	}
}

// ConvertStrToInt parses a decimal or hexadecimal (0x, x or bare a-f) integer
func ConvertStrToInt(intStr string) (uint64, error) {
	intStr = strings.ToLower(strings.TrimSpace(intStr))

	if strings.ContainsAny(intStr, "xabcdef") {
		hexStr := strings.TrimPrefix(intStr, "0x")
		hexStr = strings.TrimPrefix(hexStr, "x")
		if out, err := strconv.ParseUint(hexStr, 16, 64); err == nil {
			return out, nil
		}
		log.Warn("assuming given integer is in decimal")
	}
	return strconv.ParseUint(intStr, 10, 64)
}

// Size returns a humanized byte count ("1.2 kB")
func Size(n int) string {
	return humanize.Bytes(uint64(n))
}
