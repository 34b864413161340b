package tui

import (
	"github.com/charmbracelet/lipgloss"

	"github.com/NamanBalaji/bdm/internal/common"
)

var (
	gruvboxBg2    = lipgloss.Color("#504945")
	gruvboxFg2    = lipgloss.Color("#d5c4a1")
	gruvboxRed    = lipgloss.Color("#fb4934")
	gruvboxGreen  = lipgloss.Color("#b8bb26")
	gruvboxYellow = lipgloss.Color("#fabd2f")
	gruvboxBlue   = lipgloss.Color("#83a598")
	gruvboxAqua   = lipgloss.Color("#8ec07c")
	gruvboxOrange = lipgloss.Color("#fe8019")
)

// Styles
var (
	headerStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(gruvboxYellow)

	nameStyle = lipgloss.NewStyle().
			Bold(true)

	faintStyle = lipgloss.NewStyle().
			Foreground(gruvboxFg2).
			Faint(true)

	progressBarFilledStyle = lipgloss.NewStyle().
				Foreground(gruvboxGreen)

	progressBarEmptyStyle = lipgloss.NewStyle().
				Foreground(gruvboxBg2)

	statusStyleActive = lipgloss.NewStyle().
				Foreground(gruvboxGreen).
				Bold(true)

	statusStyleQueued = lipgloss.NewStyle().
				Foreground(gruvboxYellow).
				Bold(true)

	statusStylePaused = lipgloss.NewStyle().
				Foreground(gruvboxOrange).
				Bold(true)

	statusStyleRetrying = lipgloss.NewStyle().
				Foreground(gruvboxAqua).
				Bold(true)

	statusStyleCompleted = lipgloss.NewStyle().
				Foreground(gruvboxBlue).
				Bold(true)

	statusStyleFailed = lipgloss.NewStyle().
				Foreground(gruvboxRed).
				Bold(true)

	errorStyle = lipgloss.NewStyle().
			Foreground(gruvboxRed)
)

func stateStyle(s common.State) lipgloss.Style {
	switch s {
	case common.StateConnecting, common.StateDownloading:
		return statusStyleActive
	case common.StatePending:
		return statusStyleQueued
	case common.StatePaused:
		return statusStylePaused
	case common.StateRetrying:
		return statusStyleRetrying
	case common.StateCompleted:
		return statusStyleCompleted
	default:
		return statusStyleFailed
	}
}
