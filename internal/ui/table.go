package ui

import (
	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
)

// Palette. Adaptive so tables stay readable on light terminals.
var (
	ColorAccent = lipgloss.AdaptiveColor{Light: "63", Dark: "86"}
	ColorPass   = lipgloss.AdaptiveColor{Light: "28", Dark: "42"}
	ColorWarn   = lipgloss.AdaptiveColor{Light: "130", Dark: "214"}
	ColorFail   = lipgloss.AdaptiveColor{Light: "124", Dark: "196"}
	ColorMuted  = lipgloss.AdaptiveColor{Light: "245", Dark: "240"}
)

// Table Styles
var (
	TableHeaderStyle = lipgloss.NewStyle().
		Bold(true).
		Foreground(ColorAccent).
		Align(lipgloss.Center)

	TableWarningStyle = lipgloss.NewStyle().
		Foreground(ColorWarn)

	TableSuccessStyle = lipgloss.NewStyle().
		Foreground(ColorPass)

	TableErrorStyle = lipgloss.NewStyle().
		Foreground(ColorFail)

	TableHintStyle = lipgloss.NewStyle().
		Foreground(ColorMuted)

	TableBorderStyle = lipgloss.NewStyle().
		Foreground(ColorMuted)
)

// NewStatusTable creates a table with the default status styling.
func NewStatusTable(width int) *table.Table {
	return table.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(TableBorderStyle).
		Width(width).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return TableHeaderStyle
			}
			return lipgloss.NewStyle().Padding(0, 1)
		})
}

// StatusStyle picks a cell style for a gate or task status string.
func StatusStyle(status string) lipgloss.Style {
	switch status {
	case "pass", "done", "running", "success", "ok":
		return TableSuccessStyle
	case "fail", "blocked", "hard", "error":
		return TableErrorStyle
	case "escalated", "draining", "paused", "soft":
		return TableWarningStyle
	case "pending", "skip", "queued":
		return TableHintStyle
	}
	return lipgloss.NewStyle()
}
