package watch

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/mattjoyce/stagerd/internal/events"
)

const visibleEvents = 10

func renderEventStream(eventLog []events.Event, theme Theme, width int) string {
	innerWidth := width - 4

	if len(eventLog) == 0 {
		content := lipgloss.JoinVertical(lipgloss.Left,
			theme.Title.Render("EVENT STREAM"),
			theme.Dim.Render("  Waiting for events..."),
		)
		return theme.Border.Width(innerWidth).Render(content)
	}

	var lines []string
	for i, e := range eventLog {
		if i >= visibleEvents {
			break
		}
		lines = append(lines, formatEvent(e, theme))
	}

	eventsText := lipgloss.NewStyle().Padding(0, 1).Render(strings.Join(lines, "\n"))
	content := lipgloss.JoinVertical(lipgloss.Left,
		theme.Title.Render("EVENT STREAM"),
		eventsText,
	)
	return theme.Border.Width(innerWidth).Render(content)
}

func formatEvent(e events.Event, theme Theme) string {
	ts := theme.Dim.Render(e.At.Local().Format("15:04:05"))

	var typeStyle lipgloss.Style
	switch e.Type {
	case events.StageSucceeded:
		typeStyle = theme.StatusSuccess
	case events.StageFailed, events.StageTimedOut:
		typeStyle = theme.StatusFailed
	case events.StageStarted:
		typeStyle = theme.StatusRunning
	case events.ConfigReloaded, events.QueueFlushed:
		typeStyle = theme.Highlight
	default:
		typeStyle = theme.Dim
	}

	typeName := typeStyle.Render(fmt.Sprintf("%-16s", e.Type))
	return fmt.Sprintf("%s %s %s", ts, typeName, describeEvent(e))
}

// describeEvent extracts a one-line summary from the event payload.
func describeEvent(e events.Event) string {
	switch e.Type {
	case events.QueueFlushed:
		var p events.FlushPayload
		if json.Unmarshal(e.Data, &p) == nil {
			return fmt.Sprintf("%d removed", p.Removed)
		}
	case events.ConfigReloaded:
		var p events.ReloadPayload
		if json.Unmarshal(e.Data, &p) == nil {
			return strings.Join(p.Changes, ", ")
		}
	default:
		var p events.StagePayload
		if json.Unmarshal(e.Data, &p) == nil && p.URL != "" {
			parts := []string{p.URL}
			if p.Failures > 0 {
				parts = append(parts, fmt.Sprintf("failures=%d", p.Failures))
			}
			if p.Reason != "" {
				parts = append(parts, "reason="+p.Reason)
			}
			if p.Endpoint != "" {
				parts = append(parts, "-> "+p.Endpoint)
			}
			return strings.Join(parts, " ")
		}
	}

	raw := string(e.Data)
	if len(raw) > 60 {
		raw = raw[:60] + "..."
	}
	return raw
}
