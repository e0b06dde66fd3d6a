package main

import (
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/skane-air/aqcast/internal/model"
)

var backfillCmd = &cobra.Command{
	Use:   "backfill",
	Short: "Load historical pm25 files and archive weather into the feature store",
	Long: "Reads one history file per location from --source (a directory of <id>.csv/<id>.xlsx files, " +
		"or a path or URL template containing {id}), joins Open-Meteo archive weather and recomputes features.",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		fromStr, _ := cmd.Flags().GetString("from")
		toStr, _ := cmd.Flags().GetString("to")
		source, _ := cmd.Flags().GetString("source")

		from, err := model.ParseDate(fromStr)
		if err != nil {
			return eris.Wrap(err, "backfill: --from")
		}
		to, err := model.ParseDate(toStr)
		if err != nil {
			return eris.Wrap(err, "backfill: --to")
		}

		env, err := initPipeline(ctx, model.CommandBackfill)
		if err != nil {
			return err
		}
		defer env.Close()

		res, err := env.Pipeline.Backfill(ctx, source, from, to)
		if err != nil {
			return err
		}
		printStepResult(os.Stdout, res)
		return nil
	},
}

func init() {
	backfillCmd.Flags().String("from", "", "first date to load (YYYY-MM-DD)")
	backfillCmd.Flags().String("to", "", "last date to load (YYYY-MM-DD)")
	backfillCmd.Flags().String("source", "data/history", "history directory, or path/URL template containing {id}")
	_ = backfillCmd.MarkFlagRequired("from")
	_ = backfillCmd.MarkFlagRequired("to")
	rootCmd.AddCommand(backfillCmd)
}
