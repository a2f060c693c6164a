package commands

import (
	"os"

	"github.com/charmbracelet/lipgloss"
	"golang.org/x/term"
)

// Palette
var (
	ColorAccent  = lipgloss.Color("#3b82f6")
	ColorSuccess = lipgloss.Color("#22c55e")
	ColorWarning = lipgloss.Color("#eab308")
	ColorError   = lipgloss.Color("#ef4444")
	ColorMuted   = lipgloss.Color("#6b7280")
	ColorDim     = lipgloss.Color("#4b5563")
	ColorWhite   = lipgloss.Color("#f9fafb")
)

// isTTY reports whether stdout is a terminal and colors are wanted.
func isTTY() bool {
	return !NoColor && term.IsTerminal(int(os.Stdout.Fd()))
}

// Semantic text styles
var (
	StyleSuccess = lipgloss.NewStyle().
			Foreground(ColorSuccess)

	StyleWarning = lipgloss.NewStyle().
			Foreground(ColorWarning)

	StyleError = lipgloss.NewStyle().
			Foreground(ColorError)

	StyleInfo = lipgloss.NewStyle().
			Foreground(ColorAccent)

	StyleMuted = lipgloss.NewStyle().
			Foreground(ColorMuted)
)

// Table styles
var (
	StyleTableHeader = lipgloss.NewStyle().
				Bold(true).
				Foreground(ColorAccent).
				Padding(0, 1)

	StyleTableRow = lipgloss.NewStyle().
			Foreground(ColorWhite).
			Padding(0, 1)
)

// StateBadge renders a container state.
func StateBadge(state string) string {
	if !isTTY() {
		return state
	}
	var bg lipgloss.Color
	switch state {
	case "RUNNING":
		bg = ColorSuccess
	case "STOPPED":
		bg = ColorError
	case "STARTING", "STOPPING", "FROZEN":
		bg = ColorWarning
	default:
		bg = ColorMuted
	}
	return lipgloss.NewStyle().
		Foreground(lipgloss.Color("#000000")).
		Background(bg).
		Padding(0, 1).
		Render(state)
}

// ContainerName renders a container name in its display color.
func ContainerName(name, color string) string {
	if !isTTY() || color == "" {
		return name
	}
	return lipgloss.NewStyle().Foreground(lipgloss.Color(color)).Bold(true).Render(name)
}
