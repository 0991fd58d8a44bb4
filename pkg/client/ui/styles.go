package ui

import "github.com/charmbracelet/lipgloss"

var (
	PrimaryColor = lipgloss.Color("205")
	MutedColor   = lipgloss.Color("240")
	TextColor    = lipgloss.Color("252")
	WarningColor = lipgloss.Color("214")
	ErrorColor   = lipgloss.Color("196")
	SuccessColor = lipgloss.Color("42")
	DirectColor  = lipgloss.Color("117")
)

var (
	headerStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(PrimaryColor).
			Padding(0, 1)

	headerInfoStyle = lipgloss.NewStyle().Foreground(MutedColor)

	timeStyle    = lipgloss.NewStyle().Foreground(MutedColor)
	senderStyle  = lipgloss.NewStyle().Bold(true).Foreground(PrimaryColor)
	selfStyle    = lipgloss.NewStyle().Bold(true).Foreground(SuccessColor)
	contentStyle = lipgloss.NewStyle().Foreground(TextColor)
	directStyle  = lipgloss.NewStyle().Foreground(DirectColor)
	systemStyle  = lipgloss.NewStyle().Italic(true).Foreground(MutedColor)
	errorStyle   = lipgloss.NewStyle().Foreground(ErrorColor)
	noticeStyle  = lipgloss.NewStyle().Foreground(WarningColor)

	statusBarStyle = lipgloss.NewStyle().
			Foreground(MutedColor).
			Padding(0, 1)

	inputBorderStyle = lipgloss.NewStyle().
				Border(lipgloss.RoundedBorder()).
				BorderForeground(PrimaryColor).
				Padding(0, 1)
)
