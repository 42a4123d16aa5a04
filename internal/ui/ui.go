// Package ui renders CLI output: styled status lines and simple tables,
// degrading to plain text when stdout is not a color-capable terminal.
package ui

import (
	"fmt"
	"os"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/termenv"
	"golang.org/x/term"
)

var (
	headerStyle = lipgloss.NewStyle().Bold(true)
	okStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("10"))
	warnStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("11"))
	errStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("9"))
	dimStyle    = lipgloss.NewStyle().Faint(true)
)

// Colorized reports whether styled output makes sense on stdout.
func Colorized() bool {
	if !term.IsTerminal(int(os.Stdout.Fd())) {
		return false
	}
	return termenv.ColorProfile() != termenv.Ascii
}

// Width returns the terminal width, or 80 when stdout is not a terminal.
func Width() int {
	w, _, err := term.GetSize(int(os.Stdout.Fd()))
	if err != nil || w <= 0 {
		return 80
	}
	return w
}

func render(style lipgloss.Style, s string) string {
	if !Colorized() {
		return s
	}
	return style.Render(s)
}

// Header returns a bold section header.
func Header(s string) string { return render(headerStyle, s) }

// OK styles a healthy status value.
func OK(s string) string { return render(okStyle, s) }

// Warn styles a degraded status value.
func Warn(s string) string { return render(warnStyle, s) }

// Error styles a failing status value.
func Error(s string) string { return render(errStyle, s) }

// Dim styles secondary detail.
func Dim(s string) string { return render(dimStyle, s) }

// KV renders an aligned key/value block.
func KV(pairs [][2]string) string {
	width := 0
	for _, p := range pairs {
		if len(p[0]) > width {
			width = len(p[0])
		}
	}
	var b strings.Builder
	for _, p := range pairs {
		fmt.Fprintf(&b, "  %s%s  %s\n", p[0], strings.Repeat(" ", width-len(p[0])), p[1])
	}
	return b.String()
}
