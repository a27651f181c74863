package main

import (
	"context"
	"fmt"
	"io"
	"os/signal"
	"syscall"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"
	"go.uber.org/dig"
	"go.uber.org/zap"

	"github.com/mikey/remote-mail-filter/internal/adapters/imap"
	"github.com/mikey/remote-mail-filter/internal/config"
	"github.com/mikey/remote-mail-filter/internal/core"
	"github.com/mikey/remote-mail-filter/internal/di"
	"github.com/mikey/remote-mail-filter/internal/factory"
	"github.com/mikey/remote-mail-filter/internal/metrics"
	"github.com/mikey/remote-mail-filter/internal/rules"
)

func newFilterCmd(_, stderr io.Writer) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "filter",
		Short: "Sweep the configured folders until interrupted",
		Long: `Sweep the configured folders repeatedly, applying the rules of every
folder to each of its messages. Rules are reloaded when the config file
changes. SIGINT or SIGTERM stops the sweep after the current message.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			if err := runFilter(ctx, globalOpts); err != nil {
				fmt.Fprintf(stderr, "remote-mail-filter filter: %v\n", err) //nolint:errcheck // best-effort stderr
				return errExit
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&globalOpts.DryRun, "dry-run", false, "log dispositions without applying them")
	cmd.Flags().IntVar(&globalOpts.Count, "count", 0, "stop after this many passes (default: sweep.count)")
	return cmd
}

// filterDeps are the services the filter command drives
type filterDeps struct {
	dig.In

	Config  *config.Config
	Logger  *zap.Logger
	Store   *imap.Store
	Cache   factory.StoppableCache
	LLM     core.LLMClient
	Builder *rules.Builder
	Service *core.SweepService
	Metrics *metrics.Server
}

func runFilter(ctx context.Context, opts di.Options) error {
	container, err := di.BuildContainer(ctx, opts)
	if err != nil {
		return fmt.Errorf("failed to build dependency container: %w", err)
	}

	return container.Invoke(func(d filterDeps) error {
		return serve(ctx, d)
	})
}

func serve(ctx context.Context, d filterDeps) error {
	defer d.Logger.Sync() //nolint:errcheck // best-effort flush
	defer shutdown(d)

	if err := d.Store.Connect(ctx); err != nil {
		return err
	}

	if d.Metrics.Enabled() {
		go func() {
			if err := d.Metrics.Run(ctx); err != nil {
				d.Logger.Error("Metrics server stopped", zap.Error(err))
			}
		}()
	}

	if d.Config.Watch(func(e fsnotify.Event) { reloadRules(d, e) }) {
		d.Logger.Info("Watching config file for rule changes", zap.String("file", d.Config.FileUsed()))
	}

	if err := d.Service.Start(ctx); err != nil {
		return err
	}
	<-d.Service.Done()
	return nil
}

func reloadRules(d filterDeps, e fsnotify.Event) {
	spec, err := d.Builder.Load(d.Config)
	if err != nil {
		d.Logger.Error("Keeping previous rules, reload failed", zap.String("file", e.Name), zap.Error(err))
		return
	}
	d.Service.SetFilterSpec(spec)
	d.Logger.Info("Rules reloaded", zap.String("file", e.Name), zap.Int("folders", len(spec)))
}

func shutdown(d filterDeps) {
	d.Logger.Info("Shutting down...")

	if err := d.Service.Stop(); err != nil {
		d.Logger.Error("Failed to stop sweep", zap.Error(err))
	}
	if err := d.Service.Close(); err != nil {
		d.Logger.Error("Failed to release rules", zap.Error(err))
	}
	if err := d.Store.Close(); err != nil {
		d.Logger.Warn("Failed to close IMAP connection", zap.Error(err))
	}
	if closer, ok := d.LLM.(interface{ Close() error }); ok {
		if err := closer.Close(); err != nil {
			d.Logger.Error("Failed to close LLM client", zap.Error(err))
		}
	}
	d.Cache.Stop()

	d.Logger.Info("Shutdown complete")
}
