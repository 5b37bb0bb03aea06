package watch

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/mattjoyce/stagerd/internal/api"
)

// HealthState is the last polled daemon state.
type HealthState struct {
	Connected     bool
	UptimeSeconds int64
	Summary       api.SummaryResponse
	LastCheck     time.Time
}

func renderHeader(health HealthState, ticker Ticker, activity Activity, theme Theme, now time.Time, width int) string {
	innerWidth := width - 4

	status := theme.StatusSuccess.Render("CONNECTED")
	if !health.Connected {
		status = theme.StatusFailed.Render("CONNECTING")
	}

	lastEvent := "never"
	if !activity.LastEvent().IsZero() {
		lastEvent = fmt.Sprintf("%s ago", now.Sub(activity.LastEvent()).Round(time.Second))
	}

	title := fmt.Sprintf(" STAGERD WATCH %s", theme.Highlight.Render(ticker.Current()))
	clock := theme.Dim.Render(now.Format("15:04:05"))
	pad := max(innerWidth-lipgloss.Width(title)-lipgloss.Width(clock)-4, 1)
	titleLine := title + strings.Repeat(" ", pad) + clock + " "

	s := health.Summary
	statsLine := fmt.Sprintf(" %s  up %s  %s %s %s %s",
		status,
		formatDuration(time.Duration(health.UptimeSeconds)*time.Second),
		theme.StatusQueued.Render(fmt.Sprintf("queued %d", s.Queued)),
		theme.StatusRunning.Render(fmt.Sprintf("running %d", s.Running)),
		theme.StatusSuccess.Render(fmt.Sprintf("success %d", s.Success)),
		theme.StatusFailed.Render(fmt.Sprintf("failed %d", s.Failed)),
	)

	activityLine := fmt.Sprintf(" Last event: %s %s", lastEvent, activity.Render(theme))

	content := lipgloss.JoinVertical(lipgloss.Left, titleLine, statsLine, activityLine)
	return theme.Border.Width(innerWidth).Render(content)
}

func formatDuration(d time.Duration) string {
	if d < time.Minute {
		return fmt.Sprintf("%ds", int(d.Seconds()))
	}
	if d < time.Hour {
		return fmt.Sprintf("%dm %ds", int(d.Minutes()), int(d.Seconds())%60)
	}
	return fmt.Sprintf("%dh %dm", int(d.Hours()), int(d.Minutes())%60)
}
