//go:build unix

package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/matst80/knockd/internal/audit"
	"github.com/matst80/knockd/internal/daemon"
	"github.com/matst80/knockd/internal/obs"
)

const shutdownTimeout = 5 * time.Second

func main() {
	os.Exit(submain())
}

func submain() int {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := newRootCommand().ExecuteContext(ctx); err != nil {
		obs.Error("knockd.failed", obs.Fields{"err": err.Error()})
		return 1
	}
	return 0
}

func newRootCommand() *cobra.Command {
	v := viper.New()
	cmd := &cobra.Command{
		Use:           "knockd",
		Short:         "Port-knocking daemon that reveals a payload after a secret knock sequence",
		SilenceUsage:  true,
		SilenceErrors: true,
		Args:          cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := loadConfigFile(v); err != nil {
				return err
			}
			cfg, err := configFromViper(v)
			if err != nil {
				return err
			}
			if err := obs.Configure(cfg.LogLevel, cfg.LogFormat, os.Stderr); err != nil {
				return err
			}
			return run(cmd.Context(), cfg)
		},
	}
	registerFlags(cmd.Flags())
	bindFlags(v, cmd.Flags())
	return cmd
}

func run(ctx context.Context, cfg Config) error {
	obs.Info("knockd.start", cfg.logFields())

	sink, err := audit.New(ctx, cfg.Audit)
	if err != nil {
		return fmt.Errorf("audit sink: %w", err)
	}
	defer func() {
		if err := sink.Close(); err != nil {
			obs.Warn("audit.close", obs.Fields{"err": err.Error()})
		}
	}()

	d, err := daemon.New(cfg.Daemon, sink)
	if err != nil {
		return err
	}
	// Metrics come up first so /readyz reports not-ready while binding.
	srv := startMetricsServer(cfg.MetricsAddr, d.Stats())
	if srv != nil {
		defer func() {
			sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			if err := srv.Shutdown(sctx); err != nil && !errors.Is(err, context.DeadlineExceeded) {
				obs.Warn("metrics.shutdown", obs.Fields{"err": err.Error()})
			}
		}()
	}

	if err := d.Start(); err != nil {
		return err
	}
	obs.Info("knockd.ready", obs.Fields{"listeners": d.Stats().Snapshot().Listeners})

	if err := d.Run(ctx); err != nil {
		return err
	}
	obs.Info("knockd.shutdown.complete", obs.Fields{})
	return nil
}
