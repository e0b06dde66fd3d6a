package main

import (
	"context"
	"os"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/skane-air/aqcast/internal/config"
)

var (
	cfg        *config.Config
	cmdTimeout time.Duration
	cancelRun  context.CancelFunc
)

var rootCmd = &cobra.Command{
	Use:   "aqcast",
	Short: "7-day PM2.5 forecasts for Skåne towns",
	Long: "Backfills historical air quality and weather into a feature store, trains a gradient-boosted " +
		"regressor and writes daily 7-day PM2.5 forecasts per location.",
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		c, err := config.Load()
		if err != nil {
			return eris.Wrap(err, "load config")
		}
		cfg = c

		if err := config.InitLogger(cfg.Log); err != nil {
			return eris.Wrap(err, "init logger")
		}

		if cmdTimeout > 0 && !longRunning(cmd) {
			ctx, cancel := context.WithTimeout(cmd.Context(), cmdTimeout)
			cancelRun = cancel
			cmd.SetContext(ctx)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if cancelRun != nil {
			cancelRun()
		}
		_ = zap.L().Sync()
	},
}

// longRunning commands serve until interrupted and ignore --timeout.
func longRunning(cmd *cobra.Command) bool {
	return cmd.Annotations["long-running"] == "true"
}

func init() {
	rootCmd.PersistentFlags().DurationVar(&cmdTimeout, "timeout", 30*time.Minute, "overall deadline for batch commands")
}

func main() {
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		zap.L().Error("command failed", zap.Error(err))
		_ = zap.L().Sync()
		os.Exit(1)
	}
}
