package watch

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/mattjoyce/appforge/internal/events"
	"github.com/mattjoyce/appforge/internal/orchestrator"
	"github.com/mattjoyce/appforge/internal/sandbox"
)

const streamRows = 10

func renderEventStream(eventLog []events.Event, theme Theme, width int) string {
	innerWidth := width - 4

	if len(eventLog) == 0 {
		content := lipgloss.JoinVertical(lipgloss.Left,
			theme.Title.Render("EVENT STREAM"),
			theme.Dim.Render("  Waiting for events..."),
		)
		return theme.Frame.Width(innerWidth).Render(content)
	}

	var lines []string
	for i, e := range eventLog {
		if i >= streamRows {
			break
		}
		lines = append(lines, formatEvent(e, theme, innerWidth))
	}

	eventsText := lipgloss.NewStyle().Padding(0, 1).Render(strings.Join(lines, "\n"))
	content := lipgloss.JoinVertical(lipgloss.Left,
		theme.Title.Render("EVENT STREAM"),
		eventsText,
	)
	return theme.Frame.Width(innerWidth).Render(content)
}

func formatEvent(e events.Event, theme Theme, width int) string {
	ts := theme.Dim.Render(e.At.Local().Format("15:04:05"))

	var kindStyle lipgloss.Style
	switch e.Kind {
	case events.KindPreviewReady, events.KindServerStarted:
		kindStyle = theme.Good
	case events.KindErrorOccurred:
		kindStyle = theme.Bad
	case events.KindGenerationStarted, events.KindStateChanged:
		kindStyle = theme.Highlight
	case events.KindToolExecuted:
		kindStyle = theme.Busy
	default:
		kindStyle = theme.Dim
	}
	kind := kindStyle.Render(fmt.Sprintf("%-18s", e.Kind))

	return fmt.Sprintf("%s %s %s", ts, kind, truncate(describeEvent(e), width-32))
}

// describeEvent renders a one-line summary of the event payload.
func describeEvent(e events.Event) string {
	switch e.Kind {
	case events.KindStateChanged:
		var sc orchestrator.StateChange
		if json.Unmarshal(e.Payload, &sc) == nil {
			s := fmt.Sprintf("%s -> %s", orDash(string(sc.From)), sc.To)
			if sc.Reason != "" {
				s += " (" + sc.Reason + ")"
			}
			return s
		}
	case events.KindGenerationStarted:
		var gs orchestrator.GenerationStarted
		if json.Unmarshal(e.Payload, &gs) == nil {
			return fmt.Sprintf("session %d via %s", gs.Session, gs.Agent)
		}
	case events.KindToolExecuted:
		var te sandbox.ToolEvent
		if json.Unmarshal(e.Payload, &te) == nil {
			return describeTool(te)
		}
	case events.KindFileCreated:
		var fe sandbox.FileEvent
		if json.Unmarshal(e.Payload, &fe) == nil {
			if fe.Type == sandbox.EntryDir {
				return fe.Path + "/"
			}
			return fmt.Sprintf("%s (%d bytes)", fe.Path, fe.Size)
		}
	case events.KindServerStarted:
		var ss orchestrator.ServerStarted
		if json.Unmarshal(e.Payload, &ss) == nil {
			return fmt.Sprintf("pid %d on port %d", ss.PID, ss.Port)
		}
	case events.KindPreviewReady:
		var ep orchestrator.Endpoint
		if json.Unmarshal(e.Payload, &ep) == nil {
			return ep.URL
		}
	case events.KindErrorOccurred:
		var ee orchestrator.ErrorEvent
		if json.Unmarshal(e.Payload, &ee) == nil {
			return fmt.Sprintf("[%s] %s: %s", ee.Stage, ee.Kind, ee.Reason)
		}
	}
	return string(e.Payload)
}

func describeTool(te sandbox.ToolEvent) string {
	var b strings.Builder
	b.WriteString(string(te.Tool))
	if len(te.Paths) > 0 {
		b.WriteString(" " + strings.Join(te.Paths, ","))
	}
	switch {
	case !te.OK:
		fmt.Fprintf(&b, " %s", te.ErrorKind)
	case te.ExitCode != nil:
		fmt.Fprintf(&b, " exit %d", *te.ExitCode)
	case te.Summary != "":
		b.WriteString(" " + te.Summary)
	}
	return b.String()
}

func formatLog(l logEntry, theme Theme) string {
	style := theme.Dim
	switch l.Level {
	case "warn":
		style = theme.Highlight
	case "error":
		style = theme.Bad
	case "info":
		style = lipgloss.NewStyle()
	}
	return fmt.Sprintf("%s %s %s",
		theme.Dim.Render(l.At.Local().Format("15:04:05")),
		style.Render(fmt.Sprintf("%-5s", l.Level)),
		l.Message)
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
