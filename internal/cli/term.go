package cli

import (
	"os"
	"sync"

	"golang.org/x/term"
)

const (
	ansiGreen  = "\033[32m"
	ansiRed    = "\033[31m"
	ansiYellow = "\033[33m"
	ansiReset  = "\033[0m"
)

// colorEnabled reports whether stdout is a terminal that should get ANSI
// colors. NO_COLOR disables them.
var colorEnabled = sync.OnceValue(func() bool {
	if os.Getenv("NO_COLOR") != "" || !term.IsTerminal(int(os.Stdout.Fd())) {
		return false
	}
	enableANSI()
	return true
})

func colorize(color, s string) string {
	if !colorEnabled() {
		return s
	}
	return color + s + ansiReset
}

// mark is the status symbol for a passed or failed check.
func mark(ok bool) string {
	if ok {
		return colorize(ansiGreen, "✓")
	}
	return colorize(ansiRed, "✗")
}

func warnMark() string {
	return colorize(ansiYellow, "⚠")
}
