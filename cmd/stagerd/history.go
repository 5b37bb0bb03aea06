package main

import (
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/mattjoyce/stagerd/internal/history"
	"github.com/mattjoyce/stagerd/internal/storage"
)

func newHistoryCommand(ctx *commandContext) *cobra.Command {
	var limit int
	var jsonOut bool
	cmd := &cobra.Command{
		Use:   "history [URL]",
		Short: "Show recent staging attempts from the history database",
		Long: "Reads the attempt log directly from history.path, so it works whether\n" +
			"or not the daemon is running.",
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			if !cfg.History.Enabled {
				return fmt.Errorf("history is disabled in %s", cfg.SourcePath)
			}

			db, err := storage.OpenSQLite(cmd.Context(), cfg.History.Path)
			if err != nil {
				return fmt.Errorf("open history: %w", err)
			}
			defer db.Close()

			url := ""
			if len(args) == 1 {
				url = args[0]
			}
			attempts, err := history.NewStore(db, "").Recent(cmd.Context(), url, limit)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if jsonOut {
				if attempts == nil {
					attempts = []history.Attempt{}
				}
				return writeJSON(out, attempts)
			}
			if len(attempts) == 0 {
				fmt.Fprintln(out, "No attempts recorded")
				return nil
			}
			fmt.Fprint(out, renderAttempts(attempts, shouldColorize(out)))
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "Maximum number of attempts")
	cmd.Flags().BoolVar(&jsonOut, "json", false, "Output JSON")
	return cmd
}

func renderAttempts(attempts []history.Attempt, colorize bool) string {
	rows := make([][]string, 0, len(attempts))
	for _, a := range attempts {
		detail := a.Reason
		if a.Outcome == history.OutcomeSuccess {
			detail = a.Endpoint
		}
		rows = append(rows, []string{
			a.FinishedAt.Local().Format(time.DateTime),
			a.URL,
			paint(statusStyle(string(a.Outcome)), string(a.Outcome), colorize),
			strconv.Itoa(a.Failures),
			detail,
		})
	}
	return renderTable(
		[]string{"Finished", "URL", "Outcome", "Fails", "Detail"},
		rows,
		[]columnAlignment{alignLeft, alignLeft, alignLeft, alignRight, alignLeft},
	)
}
