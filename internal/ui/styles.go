package ui

import "github.com/charmbracelet/lipgloss"

// Palette shared by all CLI output.
var (
	ColorAccent = lipgloss.AdaptiveColor{Light: "27", Dark: "39"}
	ColorMuted  = lipgloss.AdaptiveColor{Light: "245", Dark: "241"}
	ColorPass   = lipgloss.AdaptiveColor{Light: "28", Dark: "35"}
	ColorWarn   = lipgloss.AdaptiveColor{Light: "130", Dark: "214"}
	ColorFail   = lipgloss.AdaptiveColor{Light: "124", Dark: "203"}
)

// Table Styles
var (
	TableHeaderStyle = lipgloss.NewStyle().
		Bold(true).
		Foreground(ColorAccent).
		Align(lipgloss.Center)

	TableHintStyle = lipgloss.NewStyle().
		Foreground(ColorMuted)

	TableBorderStyle = lipgloss.NewStyle().
		Foreground(ColorMuted)
)

var (
	accentStyle = lipgloss.NewStyle().Foreground(ColorAccent)
	mutedStyle  = lipgloss.NewStyle().Foreground(ColorMuted)
	passStyle   = lipgloss.NewStyle().Foreground(ColorPass)
	warnStyle   = lipgloss.NewStyle().Foreground(ColorWarn)
	failStyle   = lipgloss.NewStyle().Foreground(ColorFail)
)

// RenderAccent styles s with the accent color.
func RenderAccent(s string) string { return accentStyle.Render(s) }

// RenderMuted styles s with the muted color.
func RenderMuted(s string) string { return mutedStyle.Render(s) }

// RenderPass styles s with the success color.
func RenderPass(s string) string { return passStyle.Render(s) }

// RenderWarn styles s with the warning color.
func RenderWarn(s string) string { return warnStyle.Render(s) }

// RenderFail styles s with the failure color.
func RenderFail(s string) string { return failStyle.Render(s) }
