// Package tui provides the Bubble Tea TUI for Echelon.
package tui

import (
	"github.com/charmbracelet/lipgloss"
)

// Monokai Pro palette, depth through intensity.
var (
	colorForeground = lipgloss.Color("#fcfcfa")

	colorCyan   = lipgloss.Color("#78dce8")
	colorGreen  = lipgloss.Color("#a9dc76")
	colorYellow = lipgloss.Color("#ffd866")
	colorOrange = lipgloss.Color("#fc9867")
	colorRed    = lipgloss.Color("#ff6188")

	colorGray    = lipgloss.Color("#727072")
	colorDimGray = lipgloss.Color("#5b595c")
)

var (
	titleStyle = lipgloss.NewStyle().
			Foreground(colorCyan).
			Bold(true)

	// levelListStyle frames the hierarchy sidebar.
	levelListStyle = lipgloss.NewStyle().
			BorderStyle(lipgloss.RoundedBorder()).
			BorderForeground(colorDimGray).
			Padding(0, 1).
			Width(26)

	// outputStyle frames the event log viewport.
	outputStyle = lipgloss.NewStyle().
			BorderStyle(lipgloss.RoundedBorder()).
			BorderForeground(colorDimGray).
			Padding(0, 1)

	levelActiveStyle = lipgloss.NewStyle().
				Foreground(colorYellow).
				Bold(true)

	levelDoneStyle = lipgloss.NewStyle().
			Foreground(colorGreen)

	levelPendingStyle = lipgloss.NewStyle().
				Foreground(colorGray)

	scoreStyle = lipgloss.NewStyle().
			Foreground(colorGreen).
			Bold(true)

	anomalyStyle = lipgloss.NewStyle().
			Foreground(colorOrange)

	failedStyle = lipgloss.NewStyle().
			Foreground(colorRed).
			Bold(true)

	helpStyle = lipgloss.NewStyle().
			Foreground(colorDimGray)

	statusStyle = lipgloss.NewStyle().
			Foreground(colorForeground)
)
