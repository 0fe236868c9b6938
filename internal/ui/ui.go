// Package ui holds terminal styling and prompts for the featsync CLI.
package ui

import (
	"os"

	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/termenv"
	"golang.org/x/term"
)

var (
	passStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	warnStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))
	failStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	accentStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("45"))
	mutedStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
	boldStyle   = lipgloss.NewStyle().Bold(true)

	statusStyles = map[string]lipgloss.Style{
		"pending": lipgloss.NewStyle().Foreground(lipgloss.Color("45")),
		"claimed": lipgloss.NewStyle().Foreground(lipgloss.Color("214")),
		"dead":    lipgloss.NewStyle().Foreground(lipgloss.Color("196")),
	}
)

// Setup picks the color profile. Colors are off when noColor is set, when
// NO_COLOR is present, or when stdout is not a terminal.
func Setup(noColor bool) {
	if _, ok := os.LookupEnv("NO_COLOR"); ok || noColor || !IsTerminal(os.Stdout) {
		lipgloss.SetColorProfile(termenv.Ascii)
		return
	}
	lipgloss.SetColorProfile(termenv.NewOutput(os.Stdout).ColorProfile())
}

// IsTerminal reports whether f is an interactive terminal.
func IsTerminal(f *os.File) bool {
	return term.IsTerminal(int(f.Fd()))
}

func RenderPass(s string) string   { return passStyle.Render(s) }
func RenderWarn(s string) string   { return warnStyle.Render(s) }
func RenderFail(s string) string   { return failStyle.Render(s) }
func RenderAccent(s string) string { return accentStyle.Render(s) }
func RenderMuted(s string) string  { return mutedStyle.Render(s) }
func RenderBold(s string) string   { return boldStyle.Render(s) }

// RenderStatus colors an operation status.
func RenderStatus(status string) string {
	style, ok := statusStyles[status]
	if !ok {
		return status
	}
	return style.Render(status)
}
