package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/KafClaw/agentbus/internal/scheduler"
)

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Run the health scan and cleanup loops and deliver events to sinks",
	Args:  cobra.NoArgs,
	RunE:  runDaemon,
}

func init() {
	rootCmd.AddCommand(daemonCmd)
}

func runDaemon(cmd *cobra.Command, args []string) error {
	rt, err := openRuntime()
	if err != nil {
		return err
	}
	defer rt.Close()

	sched := scheduler.New(scheduler.Config{LockPath: rt.lockPath()})
	jobs := []scheduler.Job{
		{
			Name:  "health-scan",
			Every: rt.cfg.Spawn.HealthInterval(),
			Run: func(ctx context.Context) error {
				_, err := rt.manager.HealthScan(ctx)
				return err
			},
		},
		{
			Name:  "cleanup",
			Every: rt.cfg.Spawn.CleanupInterval(),
			Run: func(ctx context.Context) error {
				r, err := rt.manager.Cleanup(ctx)
				if err == nil && len(r.Unreconciled)+len(r.Orphaned) > 0 {
					slog.Info("Cleanup", "unreconciled", len(r.Unreconciled), "orphaned", len(r.Orphaned))
				}
				return err
			},
		},
	}
	for _, j := range jobs {
		if err := sched.Register(j); err != nil {
			return err
		}
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	fmt.Fprintf(cmd.OutOrStdout(), "agentbus daemon on %s (health every %s, cleanup every %s)\n",
		rt.cfg.Paths.Home, rt.cfg.Spawn.HealthInterval(), rt.cfg.Spawn.CleanupInterval())

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return rt.hub.Dispatch(ctx) })
	g.Go(func() error { return sched.Run(ctx) })

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	slog.Info("Daemon stopped")
	return nil
}
