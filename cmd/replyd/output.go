package main

import (
	"fmt"
	"os"
)

// All human-facing chatter goes to stderr so command output on stdout
// stays pipeable.
const (
	ansiReset  = "\033[0m"
	ansiBold   = "\033[1m"
	ansiRed    = "\033[31m"
	ansiGreen  = "\033[32m"
	ansiYellow = "\033[33m"
	ansiCyan   = "\033[36m"
)

func colorize(code, s string) string {
	if noColor {
		return s
	}
	return code + s + ansiReset
}

func printLine(code, glyph, format string, args ...any) {
	fmt.Fprintln(os.Stderr, colorize(code, glyph+" "+fmt.Sprintf(format, args...)))
}

func printSuccess(format string, args ...any) {
	printLine(ansiGreen, "✓", format, args...)
}

func printError(format string, args ...any) {
	printLine(ansiRed, "✗", format, args...)
}

func printWarning(format string, args ...any) {
	printLine(ansiYellow, "⚠", format, args...)
}

func printStep(format string, args ...any) {
	printLine(ansiCyan, "→", format, args...)
}

func printStatus(label, format string, args ...any) {
	fmt.Fprintf(os.Stderr, "  %s %s\n",
		colorize(ansiBold, label+":"), fmt.Sprintf(format, args...))
}
