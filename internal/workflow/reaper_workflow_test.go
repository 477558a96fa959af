package workflow

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
	"go.temporal.io/sdk/testsuite"

	"github.com/yourorg/assetgw/internal/activities"
	"github.com/yourorg/assetgw/internal/registry"
	"github.com/yourorg/assetgw/internal/types"
	"github.com/yourorg/assetgw/internal/upload"
)

type stubSweeper struct{ limit int }

func (s *stubSweeper) SweepExpired(ctx context.Context, limit int) (upload.SweepResult, error) {
	s.limit = limit
	return upload.SweepResult{Expired: 2}, nil
}

type stubReaper struct {
	purgeErr error
}

func (s *stubReaper) PurgeExpired(ctx context.Context, limit int) (registry.PurgeReport, error) {
	if s.purgeErr != nil {
		return registry.PurgeReport{}, s.purgeErr
	}
	return registry.PurgeReport{Purged: 5}, nil
}

func (s *stubReaper) ReconcileRelocations(ctx context.Context, limit int) (registry.ReconcileReport, error) {
	return registry.ReconcileReport{Relocated: 1, Failed: 1}, nil
}

func TestReaperWorkflowRunsEverySweep(t *testing.T) {
	var ts testsuite.WorkflowTestSuite
	env := ts.NewTestWorkflowEnvironment()
	sw := &stubSweeper{}
	activities.New(sw, &stubReaper{}, nil).Register(env)

	env.ExecuteWorkflow(ReaperWorkflow, types.ReaperParams{SessionLimit: 25})
	require.True(t, env.IsWorkflowCompleted())
	require.NoError(t, env.GetWorkflowError())

	var res types.ReaperResult
	require.NoError(t, env.GetWorkflowResult(&res))
	require.Equal(t, types.ReaperResult{
		Sessions:  types.SessionSweepStats{Expired: 2},
		Purge:     types.PurgeStats{Purged: 5},
		Reconcile: types.ReconcileStats{Relocated: 1, Failed: 1},
	}, res)
	require.Equal(t, 25, sw.limit)
}

func TestReaperWorkflowSurfacesSweepFailure(t *testing.T) {
	var ts testsuite.WorkflowTestSuite
	env := ts.NewTestWorkflowEnvironment()
	activities.New(&stubSweeper{}, &stubReaper{purgeErr: errors.New("db down")}, nil).Register(env)

	env.ExecuteWorkflow(ReaperWorkflow, types.ReaperParams{})
	require.True(t, env.IsWorkflowCompleted())
	require.Error(t, env.GetWorkflowError())
}
