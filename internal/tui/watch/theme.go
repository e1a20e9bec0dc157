// Package watch is a terminal dashboard that follows one project's status
// stream: lifecycle state, preview endpoint, tool activity and agent logs.
package watch

import (
	"github.com/charmbracelet/lipgloss"
	"github.com/mattjoyce/appforge/internal/workspace"
)

// Theme holds the dashboard styles.
type Theme struct {
	Good lipgloss.Style
	Busy lipgloss.Style
	Bad  lipgloss.Style
	Idle lipgloss.Style
	Gone lipgloss.Style

	Frame     lipgloss.Style
	Title     lipgloss.Style
	Accent    lipgloss.Style
	Dim       lipgloss.Style
	Highlight lipgloss.Style

	LitDot  lipgloss.Style
	DarkDot lipgloss.Style
}

func fg(hex string) lipgloss.Style {
	return lipgloss.NewStyle().Foreground(lipgloss.Color(hex))
}

func DefaultTheme() Theme {
	return Theme{
		Good: fg("#98C379"),
		Busy: fg("#E5C07B"),
		Bad:  fg("#E06C75"),
		Idle: fg("#ABB2BF"),
		Gone: fg("#5C6370"),

		Frame:     lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).BorderForeground(lipgloss.Color("#56B6C2")),
		Title:     fg("#FAFAFA").Bold(true).Padding(0, 1),
		Accent:    fg("#61AFEF").Bold(true),
		Dim:       fg("#7F848E"),
		Highlight: fg("#C678DD"),

		LitDot:  fg("#98C379"),
		DarkDot: fg("#3E4451"),
	}
}

// ForState picks the badge style for a lifecycle state.
func (t Theme) ForState(s workspace.State) lipgloss.Style {
	switch s {
	case workspace.StateServing:
		return t.Good
	case workspace.StateGenerating, workspace.StateReady:
		return t.Busy
	case workspace.StateFailed:
		return t.Bad
	case workspace.StateDestroyed:
		return t.Gone
	}
	return t.Idle
}
