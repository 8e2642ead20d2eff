// Package colors provides the report palette with TTY-aware defaults.
//
// Colors are disabled automatically when stdout is not a terminal; Init
// overrides that from the --color flag.
package colors

import "github.com/fatih/color"

// Init overrides the auto-detected color setting when forceColor is non-nil
func Init(forceColor *bool) {
	if forceColor != nil {
		color.NoColor = !*forceColor
	}
}

// Enabled returns true if colors are currently enabled.
func Enabled() bool {
	return !color.NoColor
}

func Bold() *color.Color         { return color.New(color.Bold) }
func BoldHiRed() *color.Color    { return color.New(color.Bold, color.FgHiRed) }
func BoldHiGreen() *color.Color  { return color.New(color.Bold, color.FgHiGreen) }
func BoldHiBlue() *color.Color   { return color.New(color.Bold, color.FgHiBlue) }
func BoldMagenta() *color.Color  { return color.New(color.Bold, color.FgMagenta) }
func HiYellow() *color.Color     { return color.New(color.FgHiYellow) }
func FaintHiBlue() *color.Color  { return color.New(color.Faint, color.FgHiBlue) }
func FaintHiWhite() *color.Color { return color.New(color.Faint, color.FgHiWhite) }
func ItalicFaint() *color.Color  { return color.New(color.Italic, color.Faint) }
func ItalicFaintWhite() *color.Color {
	return color.New(color.Italic, color.Faint, color.FgWhite)
}

// report palette
var (
	Addr    = BoldMagenta().SprintfFunc()
	Inst    = Bold().SprintFunc()
	Bytes   = FaintHiWhite().SprintFunc()
	Trigger = BoldHiBlue().SprintFunc()
	Match   = BoldHiGreen().SprintFunc()
	Write   = BoldHiRed().SprintFunc()
	Changed = HiYellow().SprintfFunc()
	Header  = FaintHiBlue().SprintFunc()
	Details = ItalicFaintWhite().SprintfFunc()
)
