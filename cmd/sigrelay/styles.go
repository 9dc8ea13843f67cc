package main

import "github.com/charmbracelet/lipgloss"

var (
	passStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#04B575"))
	warnStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#FFB000"))
	failStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#FF4D4D"))
	titleStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#00D4FF"))
	labelStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#888888"))
)
