package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/mpataki/levelup/internal/metrics"
	"github.com/mpataki/levelup/internal/storage"
	"github.com/mpataki/levelup/internal/tui"
)

func newMonitorCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "monitor",
		Short: "Decide checkpoints and watch runs",
		Long: "Open the checkpoint monitor. While it runs, runs whose process died are\n" +
			"periodically marked failed.",
		RunE: func(cmd *cobra.Command, args []string) error {
			noTUI, _ := cmd.Flags().GetBool("no-tui")
			addr, _ := cmd.Flags().GetString("metrics-addr")
			sweepEvery, _ := cmd.Flags().GetDuration("sweep-interval")
			if noTUI && addr == "" {
				return errors.New("--no-tui needs --metrics-addr")
			}

			e, err := openEnv(cmd, envOptions{quiet: !noTUI})
			if err != nil {
				return err
			}
			defer e.Close()

			collector := metrics.NewCollector(metrics.Namespace, e.logger)

			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()
			g, ctx := errgroup.WithContext(ctx)

			g.Go(func() error {
				sweep(ctx, e.store, collector, sweepEvery, e.logger)
				return nil
			})
			if addr != "" {
				g.Go(func() error { return serveMetrics(ctx, addr, collector, e.logger) })
			}
			if !noTUI {
				g.Go(func() error {
					defer cancel()
					app := tui.NewApp(ctx, e.store,
						tui.WithRefresh(e.settings.Pipeline.CheckpointPollInterval),
						tui.WithPendingObserver(collector.SetPendingCheckpoints),
					)
					p := tea.NewProgram(app, tea.WithAltScreen(), tea.WithContext(ctx))
					if _, err := p.Run(); err != nil && !errors.Is(err, tea.ErrProgramKilled) {
						return fmt.Errorf("monitor failed: %w", err)
					}
					return nil
				})
			}

			return g.Wait()
		},
	}

	cmd.Flags().Bool("no-tui", false, "Only sweep and serve metrics")
	cmd.Flags().String("metrics-addr", "", "Serve Prometheus metrics on this address")
	cmd.Flags().Duration("sweep-interval", 30*time.Second, "How often to look for dead runs")
	return cmd
}

// sweep marks dead runs failed every interval until ctx is done. The pending
// checkpoint gauge is refreshed on the same tick for headless monitors.
func sweep(ctx context.Context, store *storage.Storage, collector *metrics.Collector, every time.Duration, logger *zap.Logger) {
	if every <= 0 {
		every = 30 * time.Second
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		n, err := store.MarkDeadRuns(ctx)
		switch {
		case err != nil && ctx.Err() == nil:
			logger.Warn("liveness sweep failed", zap.Error(err))
		case n > 0:
			logger.Info("marked dead runs", zap.Int("count", n))
			collector.DeadRunsMarked(n)
		}
		if reqs, err := store.ListPendingCheckpoints(ctx); err == nil {
			collector.SetPendingCheckpoints(len(reqs))
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
