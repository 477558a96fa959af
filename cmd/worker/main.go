package main

import (
	"context"
	"os"

	"go.temporal.io/sdk/client"
	"go.temporal.io/sdk/worker"
	"go.uber.org/zap"

	"github.com/yourorg/assetgw/internal/boot"
	"github.com/yourorg/assetgw/internal/config"
	"github.com/yourorg/assetgw/internal/logger"
	"github.com/yourorg/assetgw/internal/metrics"
	"github.com/yourorg/assetgw/internal/workflow"
)

const reaperWorkflowID = "assetgw-reaper"

func main() {
	cfg, err := config.Load(os.Getenv("ASSETGW_CONFIG"))
	if err != nil {
		zap.NewExample().Fatal("load config", zap.Error(err))
	}
	zl := logger.New(cfg.Log.Level, cfg.Log.Format)
	defer zl.Sync()

	metrics.Init()
	go func() {
		_ = metrics.Serve(cfg.Metrics.Addr)
	}()

	ctx := context.Background()
	app, err := boot.New(ctx, cfg, zl)
	if err != nil {
		zl.Fatal("boot", zap.Error(err))
	}
	defer app.Close()

	c, err := client.Dial(client.Options{HostPort: cfg.Temporal.HostPort, Namespace: cfg.Temporal.Namespace})
	if err != nil {
		zl.Fatal("temporal client", zap.Error(err))
	}
	defer c.Close()

	w := worker.New(c, cfg.Temporal.TaskQueue, worker.Options{})
	app.Reaper.Register(w)
	w.RegisterWorkflow(workflow.ReaperWorkflow)

	if cfg.Temporal.ReaperCron != "" {
		schedule(ctx, c, app, zl)
	}

	zl.Info("worker started", zap.String("namespace", cfg.Temporal.Namespace),
		zap.String("taskQueue", cfg.Temporal.TaskQueue), zap.String("metrics", cfg.Metrics.Addr))
	if err := w.Run(worker.InterruptCh()); err != nil {
		zl.Fatal("worker failed", zap.Error(err))
	}
}

// schedule starts the cron workflow. With a fixed ID a run already
// scheduled by another worker is returned instead of a second one.
func schedule(ctx context.Context, c client.Client, app *boot.App, zl *zap.Logger) {
	cfg := app.Config.Temporal
	run, err := c.ExecuteWorkflow(ctx, client.StartWorkflowOptions{
		ID:           reaperWorkflowID,
		TaskQueue:    cfg.TaskQueue,
		CronSchedule: cfg.ReaperCron,
	}, workflow.ReaperWorkflow, app.ReaperParams())
	if err != nil {
		zl.Warn("could not schedule reaper", zap.Error(err))
		return
	}
	zl.Info("reaper scheduled", zap.String("cron", cfg.ReaperCron), zap.String("run_id", run.GetRunID()))
}
