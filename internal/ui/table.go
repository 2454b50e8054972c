package ui

import (
	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
)

// RenderJobsTable renders job rows as a bordered table. Columns are
// ID, KIND, STATUS, DRY, PROGRESS, UPDATED; formatting values is the
// caller's job.
func RenderJobsTable(rows [][]string, width int) string {
	return table.New().
		Headers("ID", "KIND", "STATUS", "DRY", "PROGRESS", "UPDATED").
		Rows(rows...).
		Border(lipgloss.RoundedBorder()).
		BorderStyle(TableBorderStyle).
		Width(width).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return TableHeaderStyle
			}
			style := lipgloss.NewStyle().Padding(0, 1)
			if col == 4 {
				return style.Align(lipgloss.Right)
			}
			return style.Align(lipgloss.Left)
		}).
		String()
}

// RenderMigrationsTable renders applied schema migrations as a bordered
// table with VERSION, NAME and APPLIED AT columns.
func RenderMigrationsTable(rows [][]string, width int) string {
	return table.New().
		Headers("VERSION", "NAME", "APPLIED AT").
		Rows(rows...).
		Border(lipgloss.RoundedBorder()).
		BorderStyle(TableBorderStyle).
		Width(width).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return TableHeaderStyle
			}
			style := lipgloss.NewStyle().Padding(0, 1)
			if col == 0 {
				return style.Align(lipgloss.Right)
			}
			return style.Align(lipgloss.Left)
		}).
		String()
}
