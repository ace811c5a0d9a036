// Package ui holds the terminal styling shared by the operator console and
// the interactive client.
package ui

import (
	"os"

	"github.com/charmbracelet/lipgloss"
	"golang.org/x/term"
)

var (
	// Title renders headings and the banner.
	Title = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("212"))

	// Muted renders secondary text such as help descriptions.
	Muted = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))

	// Notice renders join and leave notices.
	Notice = lipgloss.NewStyle().Italic(true).Foreground(lipgloss.Color("110"))

	// Private renders private messages.
	Private = lipgloss.NewStyle().Foreground(lipgloss.Color("177"))

	// Error renders error reports.
	Error = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("203"))

	// Success renders completed actions.
	Success = lipgloss.NewStyle().Foreground(lipgloss.Color("78"))

	// Command renders command names in help listings.
	Command = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("39"))
)

// IsTerminal reports whether f is attached to a terminal.
func IsTerminal(f *os.File) bool {
	return f != nil && term.IsTerminal(int(f.Fd()))
}

// HelpEntry is one line of a command listing.
type HelpEntry struct {
	Usage       string
	Description string
}

// Help renders a titled command listing with aligned descriptions.
func Help(title string, entries []HelpEntry) string {
	width := 0
	for _, e := range entries {
		if w := lipgloss.Width(e.Usage); w > width {
			width = w
		}
	}

	usage := Command.Width(width + 2)
	out := Title.Render(title) + "\n"
	for _, e := range entries {
		out += "  " + usage.Render(e.Usage) + Muted.Render(e.Description) + "\n"
	}
	return out
}
