package watch

import (
	"context"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/mattjoyce/stagerd/internal/api"
	"github.com/mattjoyce/stagerd/internal/events"
)

const (
	refreshInterval   = 2 * time.Second
	reconnectInterval = 3 * time.Second
	requestTimeout    = 2 * time.Second
	runningRows       = 10
)

// Source is the daemon API as seen by the dashboard.
type Source interface {
	Health(ctx context.Context) (api.HealthzResponse, error)
	Summary(ctx context.Context) (api.SummaryResponse, error)
	Entries(ctx context.Context, status string, limit int) ([]api.EntryResponse, error)
	Events(ctx context.Context, lastID int64, fn func(events.Event)) error
}

type eventMsg events.Event

// snapshotMsg is one poll of the daemon's queue state.
type snapshotMsg struct {
	Health  api.HealthzResponse
	Summary api.SummaryResponse
	Running []api.EntryResponse
}

type tickMsg time.Time

type errMsg struct{ err error }

func (e errMsg) Error() string { return e.err.Error() }

type streamClosedMsg struct{ err error }
type reconnectMsg struct{}

// subscribeToEvents streams /events into ch until the connection drops.
func subscribeToEvents(ctx context.Context, src Source, lastID int64, ch chan<- events.Event) tea.Cmd {
	return func() tea.Msg {
		err := src.Events(ctx, lastID, func(ev events.Event) {
			select {
			case ch <- ev:
			case <-ctx.Done():
			}
		})
		return streamClosedMsg{err: err}
	}
}

// receiveNextEvent waits for the next event from the channel.
func receiveNextEvent(ch <-chan events.Event) tea.Cmd {
	return func() tea.Msg {
		return eventMsg(<-ch)
	}
}

// fetchSnapshot polls health, summary and the running entries.
func fetchSnapshot(src Source) tea.Msg {
	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()

	health, err := src.Health(ctx)
	if err != nil {
		return errMsg{err}
	}
	summary, err := src.Summary(ctx)
	if err != nil {
		return errMsg{err}
	}
	running, err := src.Entries(ctx, "running", runningRows)
	if err != nil {
		return errMsg{err}
	}
	return snapshotMsg{Health: health, Summary: summary, Running: running}
}

func scheduleSnapshot(src Source, after time.Duration) tea.Cmd {
	return tea.Tick(after, func(time.Time) tea.Msg { return fetchSnapshot(src) })
}
