package activities

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yourorg/assetgw/internal/registry"
	"github.com/yourorg/assetgw/internal/types"
	"github.com/yourorg/assetgw/internal/upload"
)

type fakeSweeper struct {
	gotLimit int
	res      upload.SweepResult
	err      error
}

func (f *fakeSweeper) SweepExpired(ctx context.Context, limit int) (upload.SweepResult, error) {
	f.gotLimit = limit
	return f.res, f.err
}

type fakeReaper struct {
	purge      registry.PurgeReport
	purgeErr   error
	reconcile  registry.ReconcileReport
	purgeCalls int
}

func (f *fakeReaper) PurgeExpired(ctx context.Context, limit int) (registry.PurgeReport, error) {
	f.purgeCalls++
	return f.purge, f.purgeErr
}

func (f *fakeReaper) ReconcileRelocations(ctx context.Context, limit int) (registry.ReconcileReport, error) {
	return f.reconcile, nil
}

func TestSweepUsesDefaultLimit(t *testing.T) {
	sw := &fakeSweeper{res: upload.SweepResult{Expired: 3, CleanupFailed: 1}}
	a := New(sw, &fakeReaper{}, nil)

	got, err := a.SweepExpiredSessions(context.Background(), types.SweepParams{})
	require.NoError(t, err)
	assert.Equal(t, defaultLimit, sw.gotLimit)
	assert.Equal(t, types.SessionSweepStats{Expired: 3, CleanupFailed: 1}, got)

	_, err = a.SweepExpiredSessions(context.Background(), types.SweepParams{Limit: 7})
	require.NoError(t, err)
	assert.Equal(t, 7, sw.gotLimit)
}

func TestPurgeReportsPerAssetFailures(t *testing.T) {
	rp := &fakeReaper{purge: registry.PurgeReport{
		Purged:   2,
		Failures: []registry.PurgeFailure{{AssetID: "a-9", Err: errors.New("bucket unavailable")}},
	}}
	a := New(&fakeSweeper{}, rp, nil)

	got, err := a.PurgeRetentionExpired(context.Background(), types.SweepParams{Limit: 10})
	require.NoError(t, err)
	assert.Equal(t, 2, got.Purged)
	assert.Equal(t, 1, got.Failed)
	assert.Equal(t, []string{"a-9: bucket unavailable"}, got.Errors)
}

func TestRunAllContinuesPastAFailingSweep(t *testing.T) {
	boom := errors.New("db down")
	rp := &fakeReaper{reconcile: registry.ReconcileReport{Relocated: 4}}
	a := New(&fakeSweeper{err: boom}, rp, nil)

	res, err := a.RunAll(context.Background(), types.ReaperParams{})
	require.ErrorIs(t, err, boom)
	assert.Equal(t, 4, res.Reconcile.Relocated)
	assert.Equal(t, 1, rp.purgeCalls)
}
