package main

import (
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/skane-air/aqcast/internal/model"
	"github.com/skane-air/aqcast/internal/store"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show recent pipeline runs",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		command, _ := cmd.Flags().GetString("command")
		status, _ := cmd.Flags().GetString("status")
		limit, _ := cmd.Flags().GetInt("limit")

		runs, err := st.ListRuns(ctx, store.RunFilter{
			Command: command,
			Status:  model.RunStatus(status),
			Limit:   limit,
		})
		if err != nil {
			return eris.Wrap(err, "status")
		}

		if len(runs) == 0 {
			fmt.Fprintln(os.Stderr, "No runs found.")
			return nil
		}
		formatRunsList(os.Stdout, runs)
		return nil
	},
}

func init() {
	statusCmd.Flags().Int("limit", 20, "max number of runs to display")
	statusCmd.Flags().String("command", "", "filter by command (backfill, features, train, predict, daily)")
	statusCmd.Flags().String("status", "", "filter by status (running, complete, partial, failed)")
	rootCmd.AddCommand(statusCmd)
}

// formatRunsList writes a tabular list of runs to out.
func formatRunsList(out io.Writer, runs []model.Run) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ID\tCOMMAND\tSTATUS\tROWS\tSTARTED\tDURATION\tERROR")
	_, _ = fmt.Fprintln(w, "--\t-------\t------\t----\t-------\t--------\t-----")

	for _, r := range runs {
		dur := "-"
		if r.CompletedAt != nil {
			dur = r.Duration().Round(time.Second).String()
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\t%s\t%s\n",
			truncateID(r.ID),
			r.Command,
			r.Status,
			r.Rows,
			r.StartedAt.UTC().Format("2006-01-02 15:04"),
			dur,
			truncate(r.Error, 60),
		)
	}
	_ = w.Flush()
}

func truncateID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
