package cli

import "github.com/charmbracelet/lipgloss"

var (
	successColor   = lipgloss.Color("#73F59F")
	errorColor     = lipgloss.Color("#FF6B6B")
	activeColor    = lipgloss.Color("#7D56F4")
	secondaryColor = lipgloss.Color("#6C6C6C")

	titleStyle   = lipgloss.NewStyle().Bold(true).Foreground(activeColor)
	successStyle = lipgloss.NewStyle().Foreground(successColor)
	errorStyle   = lipgloss.NewStyle().Foreground(errorColor)
	activeStyle  = lipgloss.NewStyle().Foreground(activeColor)
	subtleStyle  = lipgloss.NewStyle().Foreground(secondaryColor)

	resultBoxStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(secondaryColor).
			Padding(0, 1)
)
