package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/skane-air/aqcast/internal/config"
	"github.com/skane-air/aqcast/internal/dashboard"
	"github.com/skane-air/aqcast/internal/metrics"
	"github.com/skane-air/aqcast/internal/monitoring"
)

var dashboardPort int

var dashboardCmd = &cobra.Command{
	Use:         "dashboard",
	Short:       "Serve forecasts, hindcasts and freshness over HTTP",
	Annotations: map[string]string{"long-running": "true"},
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		port := dashboardPort
		if port == 0 {
			port = cfg.Server.Port
		}
		cfg.Server.Port = port
		if err := cfg.Validate("dashboard"); err != nil {
			return err
		}

		locs, err := config.LoadLocations(cfg.Locations.File)
		if err != nil {
			return err
		}
		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		rec := metrics.New()
		srv := &http.Server{
			Addr:              fmt.Sprintf(":%d", port),
			Handler:           dashboard.New(st, locs, rec, cfg.Monitoring).Router(),
			ReadHeaderTimeout: 10 * time.Second,
		}
		checker := monitoring.NewChecker(
			monitoring.NewCollector(st, locs, rec),
			monitoring.NewAlerter(cfg.Monitoring),
			cfg.Monitoring,
		)

		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() error {
			checker.Run(gctx)
			return nil
		})
		g.Go(func() error {
			zap.L().Info("starting dashboard", zap.Int("port", port))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return eris.Wrap(err, "dashboard: listen")
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			zap.L().Info("shutting down dashboard")
			shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), 10*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
		return g.Wait()
	},
}

func init() {
	dashboardCmd.Flags().IntVar(&dashboardPort, "port", 0, "server port (default from config)")
	rootCmd.AddCommand(dashboardCmd)
}
