package commands

import (
	"os"

	"github.com/charmbracelet/lipgloss"
	"golang.org/x/term"
)

// Brand colors
var (
	ColorAccent  = lipgloss.Color("#0ea5e9") // Sky blue
	ColorSuccess = lipgloss.Color("#22c55e") // Green
	ColorWarning = lipgloss.Color("#eab308") // Yellow
	ColorError   = lipgloss.Color("#ef4444") // Red
	ColorMuted   = lipgloss.Color("#6b7280") // Gray
	ColorWhite   = lipgloss.Color("#f9fafb") // Off-white
)

// isTTY reports whether stdout is a terminal.
func isTTY() bool {
	return term.IsTerminal(int(os.Stdout.Fd()))
}

// styled renders s with style only when writing to a terminal or when the
// plain output format was not requested
func styled(style lipgloss.Style, s string) string {
	if OutputFormat == "plain" || !isTTY() {
		return s
	}
	return style.Render(s)
}

// Semantic text styles
var (
	StyleHeader = lipgloss.NewStyle().
			Bold(true).
			Foreground(ColorWhite)

	StyleAccent = lipgloss.NewStyle().
			Foreground(ColorAccent).
			Bold(true)

	StyleSuccess = lipgloss.NewStyle().
			Foreground(ColorSuccess)

	StyleWarning = lipgloss.NewStyle().
			Foreground(ColorWarning)

	StyleError = lipgloss.NewStyle().
			Foreground(ColorError)

	StyleMuted = lipgloss.NewStyle().
			Foreground(ColorMuted)

	StyleLabel = lipgloss.NewStyle().
			Foreground(ColorMuted).
			Width(14)
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

// ResultBadge renders the outcome of a tool execution
func ResultBadge(status string) string {
	if OutputFormat == "plain" || !isTTY() {
		return "[" + status + "]"
	}
	background := ColorMuted
	switch status {
	case "success":
		background = ColorSuccess
	case "failed":
		background = ColorError
	case "cancelled":
		background = ColorWarning
	}
	return lipgloss.NewStyle().
		Foreground(lipgloss.Color("#000000")).
		Background(background).
		Padding(0, 1).
		Bold(true).
		Render(status)
}

// Logo returns the styled uplink brand text
func Logo() string {
	return styled(StyleAccent, "uplink")
}
