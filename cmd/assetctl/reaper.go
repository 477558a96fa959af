package main

import (
	"context"
	"fmt"

	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/yourorg/assetgw/internal/boot"
)

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Run every reaper sweep once and print the counts",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, app *boot.App) error {
			res, err := app.Reaper.RunAll(ctx, app.ReaperParams())
			if perr := printJSON(cmd, res); perr != nil {
				return perr
			}
			return err
		})
	},
}

var reaperSchedule string

var reaperCmd = &cobra.Command{
	Use:   "reaper",
	Short: "Run the sweeps on a schedule in-process, without Temporal",
	Long: `Runs session expiry, relocation reconcile and retention purge on a cron
schedule until interrupted. Use this where no Temporal cluster is deployed;
otherwise run the worker, which schedules ReaperWorkflow.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		spec := reaperSchedule
		if spec == "" {
			spec = cfg.Reaper.Schedule
		}
		return withApp(cmd, func(ctx context.Context, app *boot.App) error {
			return runReaper(ctx, app, spec)
		})
	},
}

func init() {
	reaperCmd.Flags().StringVar(&reaperSchedule, "cron", "", `schedule, e.g. "@every 5m" or "*/10 * * * *" (default reaper.schedule)`)
}

func runReaper(ctx context.Context, app *boot.App, spec string) error {
	parser := cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	c := cron.New(cron.WithParser(parser), cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	params := app.ReaperParams()
	_, err := c.AddFunc(spec, func() {
		res, err := app.Reaper.RunAll(ctx, params)
		if err != nil {
			zl.Warn("reaper pass incomplete", zap.Error(err))
		}
		zl.Info("reaper pass",
			zap.Int("sessions_expired", res.Sessions.Expired),
			zap.Int("relocated", res.Reconcile.Relocated),
			zap.Int("purged", res.Purge.Purged),
			zap.Int("purge_failed", res.Purge.Failed))
	})
	if err != nil {
		return fmt.Errorf("invalid schedule %q: %w", spec, err)
	}
	zl.Info("reaper started", zap.String("schedule", spec))
	c.Start()
	<-ctx.Done()
	<-c.Stop().Done()
	zl.Info("reaper stopped")
	return nil
}
