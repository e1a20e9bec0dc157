package watch

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
)

func renderHeader(p ProjectState, ticker Ticker, pulse Pulse, theme Theme, width int) string {
	innerWidth := width - 4

	stateText := theme.ForState(p.State).Render(strings.ToUpper(string(p.State)))
	if !p.Connected {
		stateText = theme.Bad.Render("CONNECTING")
	} else if p.State == "" {
		stateText = theme.Idle.Render("UNKNOWN")
	}

	lastEventStr := "never"
	if !pulse.LastEvent().IsZero() {
		ago := time.Since(pulse.LastEvent()).Round(time.Second)
		lastEventStr = fmt.Sprintf("%s ago", ago)
	}

	tickerStr := theme.Highlight.Render(ticker.Current())
	clock := theme.Dim.Render(time.Now().Format("15:04:05"))
	titleText := fmt.Sprintf(" APPFORGE %s %s", theme.Accent.Render(p.ID), tickerStr)

	titleWidth := lipgloss.Width(titleText)
	clockWidth := lipgloss.Width(clock)
	pad := max(innerWidth-titleWidth-clockWidth-4, 1)
	titleLine := titleText + strings.Repeat(" ", pad) + clock + " "

	statsLine := fmt.Sprintf(" %s  Session: %d  Tools: %d (%d failed)  Files: %d",
		stateText, p.Session, p.ToolCalls, p.ToolFailures, p.Files)

	preview := theme.Dim.Render("not serving")
	if p.PreviewURL != "" {
		preview = theme.Highlight.Render(p.PreviewURL)
		if p.PID != 0 {
			preview += theme.Dim.Render(fmt.Sprintf(" pid %d, %d restarts", p.PID, p.Restarts))
		}
	}
	previewLine := " Preview: " + preview

	activityLine := fmt.Sprintf(" Last event: %s %s  seq %d",
		lastEventStr, pulse.Render(theme), p.LastSeq)

	lines := []string{titleLine, statsLine, previewLine, activityLine}
	if p.Reason != "" {
		lines = append(lines, theme.Bad.Render(fmt.Sprintf(" %s: %s", p.ReasonKind, truncate(p.Reason, innerWidth-8))))
	}

	return theme.Frame.Width(innerWidth).Render(lipgloss.JoinVertical(lipgloss.Left, lines...))
}

func truncate(s string, n int) string {
	if n <= 3 {
		n = 3
	}
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-3]) + "..."
}
