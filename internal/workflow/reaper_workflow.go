package workflow

import (
	"time"

	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/workflow"

	"github.com/yourorg/assetgw/internal/activities"
	"github.com/yourorg/assetgw/internal/types"
)

// ReaperWorkflowName is the registered workflow type, used when scheduling.
const ReaperWorkflowName = "ReaperWorkflow"

// ReaperWorkflow expires stale upload sessions, retries failed relocations
// and purges assets past retention. Each sweep is its own activity so a
// failing one is retried without repeating the others.
func ReaperWorkflow(ctx workflow.Context, p types.ReaperParams) (types.ReaperResult, error) {
	ao := workflow.ActivityOptions{
		StartToCloseTimeout: 10 * time.Minute,
		RetryPolicy: &temporal.RetryPolicy{
			InitialInterval:    5 * time.Second,
			BackoffCoefficient: 2.0,
			MaximumAttempts:    3,
		},
	}
	ctx = workflow.WithActivityOptions(ctx, ao)
	log := workflow.GetLogger(ctx)

	var res types.ReaperResult
	var firstErr error
	if err := workflow.ExecuteActivity(ctx, activities.SweepExpiredSessionsName, types.SweepParams{Limit: p.SessionLimit}).Get(ctx, &res.Sessions); err != nil {
		log.Error("session sweep failed", "error", err)
		firstErr = err
	}
	if err := workflow.ExecuteActivity(ctx, activities.ReconcileRelocationsName, types.SweepParams{Limit: p.ReconcileLimit}).Get(ctx, &res.Reconcile); err != nil {
		log.Error("relocation reconcile failed", "error", err)
		if firstErr == nil {
			firstErr = err
		}
	}
	if err := workflow.ExecuteActivity(ctx, activities.PurgeRetentionExpiredName, types.SweepParams{Limit: p.PurgeLimit}).Get(ctx, &res.Purge); err != nil {
		log.Error("retention purge failed", "error", err)
		if firstErr == nil {
			firstErr = err
		}
	}
	return res, firstErr
}
