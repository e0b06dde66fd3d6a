package main

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/skane-air/aqcast/internal/config"
	"github.com/skane-air/aqcast/internal/export"
	"github.com/skane-air/aqcast/internal/model"
	"github.com/skane-air/aqcast/internal/store"
)

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export feature-store contents to files",
}

var exportFeaturesCmd = &cobra.Command{
	Use:   "features",
	Short: "Write engineered feature rows to a Parquet file",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		out, _ := cmd.Flags().GetString("out")
		from, to, err := dateRange(cmd)
		if err != nil {
			return err
		}

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		rows, err := st.Engineered(ctx, from, to)
		if err != nil {
			return eris.Wrap(err, "export features")
		}

		n, err := writeFile(out, func(f *os.File) (int, error) { return export.WriteFeatures(f, rows) })
		if err != nil {
			return err
		}
		fmt.Printf("wrote %d feature rows to %s\n", n, out)
		return nil
	},
}

var exportReportCmd = &cobra.Command{
	Use:   "report",
	Short: "Write the latest forecast and recent hindcast to an XLSX workbook",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		out, _ := cmd.Flags().GetString("out")

		locs, err := config.LoadLocations(cfg.Locations.File)
		if err != nil {
			return err
		}
		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		fd, err := st.LatestForecastDate(ctx)
		if errors.Is(err, store.ErrNotFound) {
			return eris.New("export report: no predictions stored; run `aqcast predict` first")
		}
		if err != nil {
			return eris.Wrap(err, "export report")
		}
		preds, err := st.Predictions(ctx, fd)
		if err != nil {
			return eris.Wrap(err, "export report")
		}
		today := model.Day(time.Now())
		hc, err := st.Hindcast(ctx, "", model.AddDays(today, -cfg.Monitoring.LookbackDays), today)
		if err != nil {
			return eris.Wrap(err, "export report")
		}

		r := export.Report{ForecastDate: fd, Locations: locs, Predictions: preds, Hindcast: hc}
		if _, err := writeFile(out, func(f *os.File) (int, error) { return len(preds), export.WriteReport(f, r) }); err != nil {
			return err
		}
		fmt.Printf("wrote forecast %s (%d predictions, %d hindcast rows) to %s\n",
			fd.Format(model.DateLayout), len(preds), len(hc), out)
		return nil
	},
}

// dateRange reads the optional --from/--to flags; unset bounds stay open.
func dateRange(cmd *cobra.Command) (from, to time.Time, err error) {
	if s, _ := cmd.Flags().GetString("from"); s != "" {
		if from, err = model.ParseDate(s); err != nil {
			return from, to, eris.Wrap(err, "--from")
		}
	}
	if s, _ := cmd.Flags().GetString("to"); s != "" {
		if to, err = model.ParseDate(s); err != nil {
			return from, to, eris.Wrap(err, "--to")
		}
	}
	return from, to, nil
}

// writeFile creates path, runs write and removes the file again on failure.
func writeFile(path string, write func(f *os.File) (int, error)) (int, error) {
	f, err := os.Create(path)
	if err != nil {
		return 0, eris.Wrapf(err, "create %s", path)
	}
	n, err := write(f)
	if cerr := f.Close(); err == nil && cerr != nil {
		err = eris.Wrapf(cerr, "close %s", path)
	}
	if err != nil {
		_ = os.Remove(path)
		return n, err
	}
	return n, nil
}

func init() {
	exportFeaturesCmd.Flags().String("out", "features.parquet", "output Parquet file")
	exportFeaturesCmd.Flags().String("from", "", "first date (YYYY-MM-DD, default unbounded)")
	exportFeaturesCmd.Flags().String("to", "", "last date (YYYY-MM-DD, default unbounded)")
	exportReportCmd.Flags().String("out", "forecast.xlsx", "output XLSX file")

	exportCmd.AddCommand(exportFeaturesCmd)
	exportCmd.AddCommand(exportReportCmd)
	rootCmd.AddCommand(exportCmd)
}
