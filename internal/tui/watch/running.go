package watch

import (
	"strconv"
	"time"

	"github.com/charmbracelet/bubbles/table"
	"github.com/charmbracelet/lipgloss"

	"github.com/mattjoyce/stagerd/internal/api"
)

func newRunningTable() table.Model {
	t := table.New(
		table.WithColumns([]table.Column{
			{Title: "URL", Width: 48},
			{Title: "Tree", Width: 16},
			{Title: "ID", Width: 10},
			{Title: "Fails", Width: 5},
			{Title: "Running", Width: 9},
		}),
		table.WithHeight(runningRows),
	)

	s := table.DefaultStyles()
	s.Header = s.Header.
		BorderStyle(lipgloss.NormalBorder()).
		BorderForeground(lipgloss.Color("240")).
		BorderBottom(true).
		Bold(false)
	s.Selected = s.Selected.
		Foreground(lipgloss.Color("229")).
		Background(lipgloss.Color("57")).
		Bold(false)
	t.SetStyles(s)
	return t
}

// runningRowsFor converts running entries into table rows. Time running is
// measured from the entry's last status change.
func runningRowsFor(entries []api.EntryResponse, now time.Time) []table.Row {
	rows := make([]table.Row, 0, len(entries))
	for _, e := range entries {
		rows = append(rows, table.Row{
			e.URL,
			e.TreeName,
			strconv.FormatUint(uint64(e.InstanceID), 10),
			strconv.Itoa(e.Failures),
			formatDuration(now.Sub(e.UpdatedAt)),
		})
	}
	return rows
}

func renderRunning(t table.Model, count int, theme Theme, width int) string {
	innerWidth := width - 4
	if count == 0 {
		content := lipgloss.JoinVertical(lipgloss.Left,
			theme.Title.Render("RUNNING"),
			theme.Dim.Render("  Nothing staging"),
		)
		return theme.Border.Width(innerWidth).Render(content)
	}
	content := lipgloss.JoinVertical(lipgloss.Left, theme.Title.Render("RUNNING"), t.View())
	return theme.Border.Width(innerWidth).Render(content)
}
