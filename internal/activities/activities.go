// Package activities implements the reaper's Temporal activities. The same
// methods run in-process under assetctl when no Temporal cluster is used.
package activities

import (
	"context"
	"time"

	"go.temporal.io/sdk/activity"
	"go.uber.org/zap"

	"github.com/yourorg/assetgw/internal/registry"
	"github.com/yourorg/assetgw/internal/types"
	"github.com/yourorg/assetgw/internal/upload"
)

// Registered activity names; the workflow calls activities by these.
const (
	SweepExpiredSessionsName  = "Activities.SweepExpiredSessions"
	PurgeRetentionExpiredName = "Activities.PurgeRetentionExpired"
	ReconcileRelocationsName  = "Activities.ReconcileRelocations"
)

const defaultLimit = 500

// SessionSweeper is satisfied by *upload.Gateway.
type SessionSweeper interface {
	SweepExpired(ctx context.Context, limit int) (upload.SweepResult, error)
}

// AssetReaper is satisfied by *registry.Service.
type AssetReaper interface {
	PurgeExpired(ctx context.Context, limit int) (registry.PurgeReport, error)
	ReconcileRelocations(ctx context.Context, limit int) (registry.ReconcileReport, error)
}

type Activities struct {
	sessions SessionSweeper
	assets   AssetReaper
	log      *zap.Logger
}

func New(sessions SessionSweeper, assets AssetReaper, log *zap.Logger) *Activities {
	if log == nil {
		log = zap.NewNop()
	}
	return &Activities{sessions: sessions, assets: assets, log: log.Named("reaper")}
}

func limitOr(n int) int {
	if n <= 0 {
		return defaultLimit
	}
	return n
}

// SweepExpiredSessions expires abandoned upload sessions and deletes their
// staged bytes. Cleanup failures are counted, not returned.
func (a *Activities) SweepExpiredSessions(ctx context.Context, p types.SweepParams) (types.SessionSweepStats, error) {
	start := time.Now()
	res, err := a.sessions.SweepExpired(ctx, limitOr(p.Limit))
	if err != nil {
		return types.SessionSweepStats{}, err
	}
	a.log.Info("session sweep done", zap.Int("expired", res.Expired),
		zap.Int("cleanup_failed", res.CleanupFailed), zap.Duration("took", time.Since(start)))
	return types.SessionSweepStats{Expired: res.Expired, CleanupFailed: res.CleanupFailed}, nil
}

// PurgeRetentionExpired hard-deletes soft-deleted assets whose retention
// ended. An asset that fails stays due and is retried next run.
func (a *Activities) PurgeRetentionExpired(ctx context.Context, p types.SweepParams) (types.PurgeStats, error) {
	start := time.Now()
	rep, err := a.assets.PurgeExpired(ctx, limitOr(p.Limit))
	if err != nil {
		return types.PurgeStats{}, err
	}
	out := types.PurgeStats{Purged: rep.Purged, Failed: len(rep.Failures)}
	for _, f := range rep.Failures {
		out.Errors = append(out.Errors, f.AssetID+": "+f.Err.Error())
	}
	a.log.Info("retention purge done", zap.Int("purged", out.Purged),
		zap.Int("failed", out.Failed), zap.Duration("took", time.Since(start)))
	return out, nil
}

// ReconcileRelocations retries moving relocation_pending assets to their
// permanent keys.
func (a *Activities) ReconcileRelocations(ctx context.Context, p types.SweepParams) (types.ReconcileStats, error) {
	rep, err := a.assets.ReconcileRelocations(ctx, limitOr(p.Limit))
	if err != nil {
		return types.ReconcileStats{}, err
	}
	if rep.Relocated+rep.Failed > 0 {
		a.log.Info("relocation reconcile done", zap.Int("relocated", rep.Relocated), zap.Int("failed", rep.Failed))
	}
	return types.ReconcileStats{Relocated: rep.Relocated, Failed: rep.Failed}, nil
}

// RunAll runs the three sweeps in order without Temporal. A failing sweep
// does not stop the others; the first error is returned with the partial
// result.
func (a *Activities) RunAll(ctx context.Context, p types.ReaperParams) (types.ReaperResult, error) {
	var (
		res      types.ReaperResult
		firstErr error
	)
	keep := func(err error) {
		if err != nil {
			a.log.Error("reaper sweep failed", zap.Error(err))
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	var err error
	res.Sessions, err = a.SweepExpiredSessions(ctx, types.SweepParams{Limit: p.SessionLimit})
	keep(err)
	res.Reconcile, err = a.ReconcileRelocations(ctx, types.SweepParams{Limit: p.ReconcileLimit})
	keep(err)
	res.Purge, err = a.PurgeRetentionExpired(ctx, types.SweepParams{Limit: p.PurgeLimit})
	keep(err)
	return res, firstErr
}

// Registrar is the part of worker.Worker (and the Temporal test
// environment) used to register activities.
type Registrar interface {
	RegisterActivityWithOptions(a interface{}, options activity.RegisterOptions)
}

// Register binds the activities under the names the workflow calls.
func (a *Activities) Register(r Registrar) {
	r.RegisterActivityWithOptions(a.SweepExpiredSessions, activity.RegisterOptions{Name: SweepExpiredSessionsName})
	r.RegisterActivityWithOptions(a.PurgeRetentionExpired, activity.RegisterOptions{Name: PurgeRetentionExpiredName})
	r.RegisterActivityWithOptions(a.ReconcileRelocations, activity.RegisterOptions{Name: ReconcileRelocationsName})
}
