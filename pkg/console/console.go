// Package console provides user-facing terminal output for the agent's
// bootstrap phase. Runtime diagnostics belong in pkg/debug instead.
package console

import (
	"fmt"
	"io"
	"os"
	"sync"
)

var (
	writer io.Writer = os.Stdout

	mu sync.Mutex

	// ANSI color codes
	colorReset  = "\033[0m"
	colorGreen  = "\033[32m"
	colorYellow = "\033[33m"
	colorBlue   = "\033[34m"
	colorRed    = "\033[31m"

	colorsSupported = isTerminal()
)

// isTerminal checks if stdout is a terminal
func isTerminal() bool {
	fileInfo, err := os.Stdout.Stat()
	if err != nil {
		return false
	}
	return (fileInfo.Mode() & os.ModeCharDevice) != 0
}

// SetWriter sets the output writer (useful for testing)
func SetWriter(w io.Writer) {
	mu.Lock()
	defer mu.Unlock()
	writer = w
}

// color returns the colored string if colors are supported
func color(text, colorCode string) string {
	if !colorsSupported {
		return text
	}
	return colorCode + text + colorReset
}

func write(prefix, prefixColor, format string, v ...interface{}) {
	mu.Lock()
	defer mu.Unlock()
	fmt.Fprintf(writer, "%s %s\n", color(prefix, prefixColor), fmt.Sprintf(format, v...))
}

// Status prints an in-progress status line.
func Status(format string, v ...interface{}) {
	write("[*]", colorBlue, format, v...)
}

// Success prints a completed-step line.
func Success(format string, v ...interface{}) {
	write("[+]", colorGreen, format, v...)
}

// Warning prints a non-fatal problem line.
func Warning(format string, v ...interface{}) {
	write("[!]", colorYellow, format, v...)
}

// Error prints a failure line.
func Error(format string, v ...interface{}) {
	write("[-]", colorRed, format, v...)
}
