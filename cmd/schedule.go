package main

import (
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/skane-air/aqcast/internal/schedule"
)

var scheduleCmd = &cobra.Command{
	Use:         "schedule",
	Short:       "Run the daily pipeline every day at schedule.at (UTC)",
	Long:        "In-process alternative to an external cron running `aqcast daily`. Each run is bounded by --timeout.",
	Annotations: map[string]string{"long-running": "true"},
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initPipeline(ctx, "schedule")
		if err != nil {
			return err
		}
		defer env.Close()

		s := schedule.New(env.Pipeline, cfg.Schedule.At, cmdTimeout)
		if err := s.Start(ctx); err != nil {
			return err
		}
		defer s.Stop()

		<-ctx.Done()
		zap.L().Info("scheduler stopping", zap.Time("next_run", s.NextRun().Truncate(time.Second)))
		return nil
	},
}

func init() {
	rootCmd.AddCommand(scheduleCmd)
}
