package relations

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yourorg/assetgw/internal/apperr"
	"github.com/yourorg/assetgw/internal/audit"
	"github.com/yourorg/assetgw/internal/db"
	"github.com/yourorg/assetgw/internal/db/memdb"
	"github.com/yourorg/assetgw/internal/models"
)

var (
	owner    = models.Caller{AccountID: "acct-1", Actor: models.Actor{ID: "user-1", Type: models.ActorUser}}
	stranger = models.Caller{AccountID: "acct-2", Actor: models.Actor{ID: "user-2", Type: models.ActorUser}}
	t0       = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
)

type harness struct {
	idx   *Index
	repos db.Repositories
	audit *audit.Service
	clock *time.Time
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	clock := t0
	now := func() time.Time { return clock }
	mem := memdb.New()
	mem.SetClock(now)
	repos := mem.Repositories()
	aud := audit.New(repos.Audit, nil, audit.WithClock(now))
	return &harness{idx: New(repos.Relations, repos.Assets, aud, nil, WithClock(now)), repos: repos, audit: aud, clock: &clock}
}

func (h *harness) asset(t *testing.T, id string, status models.AssetStatus) {
	t.Helper()
	_, err := h.repos.Assets.Insert(context.Background(), models.Asset{
		ID: id, AccountID: owner.AccountID, Name: id + ".pdf", MimeType: "application/pdf", SizeBytes: 42,
		ChecksumSHA256: "sum-" + id, StorageKey: models.PermanentKey(owner.AccountID, id, 1),
		Scope: models.ScopeExecutionPlan, DedupPolicy: models.DedupNone, Status: status, Version: 3,
	})
	require.NoError(t, err)
}

func (h *harness) count(t *testing.T, action models.AuditAction) int {
	t.Helper()
	p, err := h.audit.QueryEvents(context.Background(), models.AuditFilter{AccountID: owner.AccountID, Actions: []models.AuditAction{action}})
	require.NoError(t, err)
	return int(p.Total)
}

func TestLinkMessageIsIdempotent(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.asset(t, "a1", models.AssetReady)
	h.asset(t, "a2", models.AssetReady)

	first, err := h.idx.LinkMessage(ctx, owner, "msg-1", "a1", 1, 0)
	require.NoError(t, err)
	assert.Equal(t, 3, first.Version, "zero version pins the current one")

	*h.clock = t0.Add(time.Minute)
	again, err := h.idx.LinkMessage(ctx, owner, "msg-1", "a1", 5, 2)
	require.NoError(t, err)
	assert.Equal(t, first.LinkedAt, again.LinkedAt)
	_, err = h.idx.LinkMessage(ctx, owner, "msg-1", "a2", 0, 0)
	require.NoError(t, err)

	got, err := h.idx.GetMessageAssets(ctx, owner, "msg-1")
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "a2", got[0].AssetID)
	assert.Equal(t, "a1", got[1].AssetID)
	assert.Equal(t, 5, got[1].Position)
	assert.Equal(t, 2, got[1].Version)
	assert.Equal(t, "a1.pdf", got[1].Asset.Name)
	assert.Equal(t, int64(42), got[1].Asset.SizeBytes)
	assert.Equal(t, 3, h.count(t, models.ActionLinked))

	removed, err := h.idx.UnlinkMessage(ctx, owner, "msg-1", "a1")
	require.NoError(t, err)
	assert.True(t, removed)
	removed, err = h.idx.UnlinkMessage(ctx, owner, "msg-1", "a1")
	require.NoError(t, err)
	assert.False(t, removed)
	assert.Equal(t, 1, h.count(t, models.ActionUnlinked))
}

func TestForeignAssetsAreHidden(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.asset(t, "a1", models.AssetReady)

	_, err := h.idx.LinkMessage(ctx, stranger, "msg-1", "a1", 0, 0)
	require.ErrorIs(t, err, apperr.ErrNotFound)
	_, err = h.idx.LinkTemplate(ctx, stranger, "tpl-1", "a1", "header", 0)
	require.ErrorIs(t, err, apperr.ErrNotFound)
	_, err = h.idx.LinkPlan(ctx, owner, "plan-1", "s1", "missing", models.DependencyRequired, 0)
	require.ErrorIs(t, err, apperr.ErrNotFound)

	_, err = h.idx.LinkMessage(ctx, owner, "msg-1", "a1", 0, 0)
	require.NoError(t, err)
	got, err := h.idx.GetMessageAssets(ctx, stranger, "msg-1")
	require.NoError(t, err)
	assert.Empty(t, got)
	_, err = h.idx.UnlinkMessage(ctx, stranger, "msg-1", "a1")
	require.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestTemplateSlots(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.asset(t, "logo", models.AssetReady)

	_, err := h.idx.LinkTemplate(ctx, owner, "tpl-1", "logo", "header", 0)
	require.NoError(t, err)
	_, err = h.idx.LinkTemplate(ctx, owner, "tpl-1", "logo", "footer", 1)
	require.NoError(t, err)
	_, err = h.idx.LinkTemplate(ctx, owner, "tpl-1", "logo", "", 1)
	require.ErrorIs(t, err, apperr.ErrValidation)

	got, err := h.idx.GetTemplateAssets(ctx, owner, "tpl-1")
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "footer", got[0].Slot)
	assert.Equal(t, "header", got[1].Slot)

	removed, err := h.idx.UnlinkTemplate(ctx, owner, "tpl-1", "logo", "header")
	require.NoError(t, err)
	assert.True(t, removed)
	got, err = h.idx.GetTemplateAssets(ctx, owner, "tpl-1")
	require.NoError(t, err)
	assert.Len(t, got, 1)
}

func TestPlanReadinessGate(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.asset(t, "input", models.AssetPending)
	h.asset(t, "hint", models.AssetReady)
	h.asset(t, "report", models.AssetReady)

	in, err := h.idx.LinkPlan(ctx, owner, "plan-1", "s1", "input", "", 0)
	require.NoError(t, err)
	assert.False(t, in.IsReady, "a pending asset is not ready yet")
	hint, err := h.idx.LinkPlan(ctx, owner, "plan-1", "s1", "hint", models.DependencyOptional, 0)
	require.NoError(t, err)
	assert.True(t, hint.IsReady)
	require.NotNil(t, hint.ReadyAt)
	assert.Equal(t, t0, *hint.ReadyAt)
	out, err := h.idx.LinkPlan(ctx, owner, "plan-1", "s2", "report", models.DependencyOutput, 0)
	require.NoError(t, err)
	assert.False(t, out.IsReady, "an output starts not ready even if its asset is")
	_, err = h.idx.LinkPlan(ctx, owner, "plan-1", "s1", "input", "mandatory", 0)
	require.ErrorIs(t, err, apperr.ErrValidation)

	st, err := h.idx.GetPlanAssetStatus(ctx, owner, "plan-1")
	require.NoError(t, err)
	assert.Equal(t, models.PlanAssetStatus{PlanID: "plan-1", Total: 3, Ready: 1, Pending: 2, RequiredPending: 1}, st)

	linked := h.count(t, models.ActionLinked)
	*h.clock = t0.Add(time.Hour)
	ready, err := h.idx.MarkPlanAssetReady(ctx, owner, "plan-1", "s1", "input")
	require.NoError(t, err)
	assert.True(t, ready.IsReady)
	require.NotNil(t, ready.ReadyAt)
	assert.Equal(t, t0.Add(time.Hour), *ready.ReadyAt)
	assert.Equal(t, linked+1, h.count(t, models.ActionLinked), "mark-ready is audited once")

	st, err = h.idx.GetPlanAssetStatus(ctx, owner, "plan-1")
	require.NoError(t, err)
	assert.True(t, st.CanProceed)
	assert.Equal(t, 2, st.Ready)
	assert.Equal(t, 1, st.Pending)

	// relinking keeps readiness
	again, err := h.idx.LinkPlan(ctx, owner, "plan-1", "s2", "report", models.DependencyOutput, 3)
	require.NoError(t, err)
	assert.False(t, again.IsReady)
	again, err = h.idx.LinkPlan(ctx, owner, "plan-1", "s1", "input", models.DependencyRequired, 3)
	require.NoError(t, err)
	assert.True(t, again.IsReady)

	_, err = h.idx.MarkPlanAssetReady(ctx, owner, "plan-1", "s9", "input")
	require.ErrorIs(t, err, apperr.ErrNotFound)

	removed, err := h.idx.UnlinkPlan(ctx, owner, "plan-1", "s2", "report")
	require.NoError(t, err)
	assert.True(t, removed)

	empty, err := h.idx.GetPlanAssetStatus(ctx, owner, "plan-unknown")
	require.NoError(t, err)
	assert.True(t, empty.CanProceed)
	assert.Zero(t, empty.Total)
}

func TestRequiredLinkToReadyAssetCanProceed(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.asset(t, "doc", models.AssetReady)

	link, err := h.idx.LinkPlan(ctx, owner, "plan-2", "s1", "doc", models.DependencyRequired, 0)
	require.NoError(t, err)
	assert.True(t, link.IsReady)

	st, err := h.idx.GetPlanAssetStatus(ctx, owner, "plan-2")
	require.NoError(t, err)
	assert.True(t, st.CanProceed)
	assert.Equal(t, 1, st.Ready)
	assert.Zero(t, st.RequiredPending)
}
