package main

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/skane-air/aqcast/internal/model"
)

var featuresCmd = &cobra.Command{
	Use:   "features",
	Short: "Fetch today's pm25 and weather forecast and update engineered features",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		env, err := initPipeline(ctx, model.CommandFeatures)
		if err != nil {
			return err
		}
		defer env.Close()

		res, err := env.Pipeline.UpdateFeatures(ctx, env.Pipeline.Today())
		if err != nil {
			return err
		}
		printStepResult(os.Stdout, res)
		return nil
	},
}

var trainCmd = &cobra.Command{
	Use:   "train",
	Short: "Train a new model version on the stored feature history",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		env, err := initPipeline(ctx, model.CommandTrain)
		if err != nil {
			return err
		}
		defer env.Close()

		res, _, err := env.Pipeline.Train(ctx)
		if err != nil {
			return err
		}
		printStepResult(os.Stdout, res)
		return nil
	},
}

var predictCmd = &cobra.Command{
	Use:   "predict",
	Short: "Write 7-day pm25 forecasts for every location",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		version, _ := cmd.Flags().GetInt("model-version")

		env, err := initPipeline(ctx, model.CommandPredict)
		if err != nil {
			return err
		}
		defer env.Close()

		res, err := env.Pipeline.Predict(ctx, env.Pipeline.Today(), version)
		if err != nil {
			return err
		}
		printStepResult(os.Stdout, res)
		return nil
	},
}

var dailyCmd = &cobra.Command{
	Use:   "daily",
	Short: "Run the feature update followed by prediction",
	Long:  "The scheduled entry point. Exits non-zero when either step fails.",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		env, err := initPipeline(ctx, model.CommandDaily)
		if err != nil {
			return err
		}
		defer env.Close()

		res, err := env.Pipeline.Daily(ctx)
		if err != nil {
			return err
		}
		printStepResult(os.Stdout, res)
		return nil
	},
}

func init() {
	predictCmd.Flags().Int("model-version", 0, "model version to use (default latest)")

	rootCmd.AddCommand(featuresCmd)
	rootCmd.AddCommand(trainCmd)
	rootCmd.AddCommand(predictCmd)
	rootCmd.AddCommand(dailyCmd)
}
