package render

import (
	"github.com/charmbracelet/lipgloss"

	"github.com/pyrex41/descartes-sub000/internal/state"
)

// Box styles
var (
	StyleBox = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("62")).
			Padding(0, 1)

	StyleTuneBox = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("214")).
			Padding(0, 1)
)

// Status styles
var (
	StyleStatusRunning = lipgloss.NewStyle().
				Foreground(lipgloss.Color("yellow")).
				Bold(true)

	StyleStatusComplete = lipgloss.NewStyle().
				Foreground(lipgloss.Color("green")).
				Bold(true)

	StyleStatusFailed = lipgloss.NewStyle().
				Foreground(lipgloss.Color("red")).
				Bold(true)

	StyleStatusPaused = lipgloss.NewStyle().
				Foreground(lipgloss.Color("214")).
				Bold(true)

	StyleStatusPending = lipgloss.NewStyle().
				Foreground(lipgloss.Color("240"))
)

// UI element styles
var (
	StyleTitle = lipgloss.NewStyle().
			Bold(true)

	StyleLabel = lipgloss.NewStyle().
			Foreground(lipgloss.Color("241")).
			Width(16)

	StyleHelp = lipgloss.NewStyle().
			Foreground(lipgloss.Color("241"))
)

// StatusStyle picks the style for a loop status.
func StatusStyle(s state.Status) lipgloss.Style {
	switch s {
	case state.StatusRunning:
		return StyleStatusRunning
	case state.StatusCompleted:
		return StyleStatusComplete
	case state.StatusAwaitingHumanTune, state.StatusMaxIterationsReached:
		return StyleStatusPaused
	case state.StatusCancelled:
		return StyleStatusFailed
	}
	return StyleStatusPending
}
