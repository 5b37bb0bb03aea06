package main

import (
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/mattjoyce/stagerd/internal/api"
)

func newQueueCommand(ctx *commandContext) *cobra.Command {
	queueCmd := &cobra.Command{
		Use:   "queue",
		Short: "Inspect and manage the staging queue of a running daemon",
	}

	queueCmd.AddCommand(newQueueAddCommand(ctx))
	queueCmd.AddCommand(newQueueListCommand(ctx))
	queueCmd.AddCommand(newQueueShowCommand(ctx))
	queueCmd.AddCommand(newQueueFlushCommand(ctx))

	return queueCmd
}

func newQueueAddCommand(ctx *commandContext) *cobra.Command {
	var tree string
	cmd := &cobra.Command{
		Use:   "add URL...",
		Short: "Queue URLs for staging",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := ctx.apiClient()
			if err != nil {
				return err
			}
			resp, err := client.Insert(cmd.Context(), args, tree)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Queued %d, already present %d\n", resp.Created, resp.Existing)
			return nil
		},
	}
	cmd.Flags().StringVar(&tree, "tree", "", "Tree name for the new entries")
	return cmd
}

func newQueueListCommand(ctx *commandContext) *cobra.Command {
	var status string
	var limit int
	var jsonOut bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List queue entries",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := ctx.apiClient()
			if err != nil {
				return err
			}
			entries, err := client.Entries(cmd.Context(), status, limit)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if jsonOut {
				return writeJSON(out, entries)
			}
			if len(entries) == 0 {
				fmt.Fprintln(out, "Queue is empty")
				return nil
			}
			fmt.Fprint(out, renderEntries(entries, shouldColorize(out)))
			return nil
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "Only entries with this status (queued, running, success, failed)")
	cmd.Flags().IntVar(&limit, "limit", 0, "Maximum number of entries")
	cmd.Flags().BoolVar(&jsonOut, "json", false, "Output JSON")
	return cmd
}

func newQueueShowCommand(ctx *commandContext) *cobra.Command {
	var jsonOut bool
	cmd := &cobra.Command{
		Use:   "show URL",
		Short: "Show one queue entry",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := ctx.apiClient()
			if err != nil {
				return err
			}
			entry, err := client.Entry(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if jsonOut {
				return writeJSON(out, entry)
			}
			colorize := shouldColorize(out)
			writeStatusLine(out, "URL", entry.URL, colorize)
			writeStatusLine(out, "Status", paint(statusStyle(entry.Status), entry.Status, colorize), colorize)
			writeStatusLine(out, "Failures", strconv.Itoa(entry.Failures), colorize)
			writeStatusLine(out, "Instance", strconv.FormatUint(uint64(entry.InstanceID), 10), colorize)
			if entry.TreeName != "" {
				writeStatusLine(out, "Tree", entry.TreeName, colorize)
			}
			if entry.Status == "success" {
				writeStatusLine(out, "Endpoint", entry.EndpointURL, colorize)
				writeStatusLine(out, "Size", formatBytes(entry.SizeBytes), colorize)
				writeStatusLine(out, "Events", strconv.FormatUint(entry.Events, 10), colorize)
			}
			writeStatusLine(out, "Updated", entry.UpdatedAt.Local().Format(time.RFC3339), colorize)
			return nil
		},
	}
	cmd.Flags().BoolVar(&jsonOut, "json", false, "Output JSON")
	return cmd
}

func newQueueFlushCommand(ctx *commandContext) *cobra.Command {
	var jsonOut bool
	cmd := &cobra.Command{
		Use:   "flush",
		Short: "Remove finished entries and print them",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := ctx.apiClient()
			if err != nil {
				return err
			}
			resp, err := client.Flush(cmd.Context())
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if jsonOut {
				return writeJSON(out, resp.Entries)
			}
			fmt.Fprintf(out, "Removed %d finished entries\n", resp.Removed)
			if resp.Removed > 0 {
				fmt.Fprint(out, renderEntries(resp.Entries, shouldColorize(out)))
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&jsonOut, "json", false, "Output removed entries as JSON")
	return cmd
}

func renderEntries(entries []api.EntryResponse, colorize bool) string {
	rows := make([][]string, 0, len(entries))
	for _, e := range entries {
		detail := e.TreeName
		if e.Status == "success" {
			detail = e.EndpointURL
		}
		rows = append(rows, []string{
			e.URL,
			paint(statusStyle(e.Status), e.Status, colorize),
			strconv.Itoa(e.Failures),
			detail,
		})
	}
	return renderTable(
		[]string{"URL", "Status", "Fails", "Tree / Endpoint"},
		rows,
		[]columnAlignment{alignLeft, alignLeft, alignRight, alignLeft},
	)
}
