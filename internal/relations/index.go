// Package relations links assets to messages, templates and execution
// plans, and reports whether a plan's required inputs are ready.
package relations

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/yourorg/assetgw/internal/apperr"
	"github.com/yourorg/assetgw/internal/audit"
	"github.com/yourorg/assetgw/internal/db"
	"github.com/yourorg/assetgw/internal/models"
)

// Entity names recorded on linked/unlinked audit rows.
const (
	EntityMessage  = "message"
	EntityTemplate = "template"
	EntityPlan     = "plan"
)

type Index struct {
	relations db.RelationRepository
	assets    db.AssetRepository
	audit     *audit.Service
	log       *zap.Logger
	now       func() time.Time
}

type Option func(*Index)

func WithClock(now func() time.Time) Option {
	return func(x *Index) { x.now = now }
}

func New(relations db.RelationRepository, assets db.AssetRepository, aud *audit.Service, log *zap.Logger, opts ...Option) *Index {
	if log == nil {
		log = zap.NewNop()
	}
	x := &Index{relations: relations, assets: assets, audit: aud, log: log.Named("relations"), now: time.Now}
	for _, o := range opts {
		o(x)
	}
	return x
}

// owned loads the asset and hides it from other accounts.
func (x *Index) owned(ctx context.Context, op string, c models.Caller, assetID string) (models.Asset, error) {
	a, err := x.assets.Get(ctx, assetID)
	if errors.Is(err, db.ErrNotFound) || (err == nil && a.AccountID != c.AccountID) {
		return models.Asset{}, apperr.E(apperr.NotFound, op, "asset %s not found", assetID)
	}
	if err != nil {
		return models.Asset{}, db.AppErr(op, err, apperr.Conflict)
	}
	return a, nil
}

// required takes name/value pairs and rejects the first empty value.
func required(op string, pairs ...string) error {
	for i := 0; i+1 < len(pairs); i += 2 {
		if pairs[i+1] == "" {
			return apperr.E(apperr.Validation, op, "%s is required", pairs[i])
		}
	}
	return nil
}

// versionOr pins a link to v, or to the asset's current version when zero.
func versionOr(v int, a models.Asset) int {
	if v > 0 {
		return v
	}
	return a.Version
}

// LinkMessage attaches an asset to a message at position. Relinking updates
// the position and version but keeps the original LinkedAt.
func (x *Index) LinkMessage(ctx context.Context, c models.Caller, messageID, assetID string, position, version int) (models.MessageAsset, error) {
	const op = "relations.LinkMessage"
	if err := required(op, "message id", messageID, "asset id", assetID); err != nil {
		return models.MessageAsset{}, err
	}
	a, err := x.owned(ctx, op, c, assetID)
	if err != nil {
		return models.MessageAsset{}, err
	}
	out, err := x.relations.UpsertMessage(ctx, models.MessageAsset{
		MessageID: messageID, AssetID: assetID, Position: position, Version: versionOr(version, a),
	})
	if err != nil {
		return models.MessageAsset{}, db.AppErr(op, err, apperr.Conflict)
	}
	x.audit.Linked(ctx, c, assetID, EntityMessage, messageID, map[string]any{"position": position, "version": out.Version})
	return out, nil
}

func (x *Index) GetMessageAssets(ctx context.Context, c models.Caller, messageID string) ([]models.MessageAssetView, error) {
	out, err := x.relations.ListMessage(ctx, c.AccountID, messageID)
	if err != nil {
		return nil, db.AppErr("relations.GetMessageAssets", err, apperr.Conflict)
	}
	return out, nil
}

// UnlinkMessage removes the link. Removing a link that does not exist is
// not an error; it reports false.
func (x *Index) UnlinkMessage(ctx context.Context, c models.Caller, messageID, assetID string) (bool, error) {
	const op = "relations.UnlinkMessage"
	if _, err := x.owned(ctx, op, c, assetID); err != nil {
		return false, err
	}
	ok, err := x.relations.DeleteMessage(ctx, messageID, assetID)
	if err != nil {
		return false, db.AppErr(op, err, apperr.Conflict)
	}
	if ok {
		x.audit.Unlinked(ctx, c, assetID, EntityMessage, messageID, nil)
	}
	return ok, nil
}

func (x *Index) LinkTemplate(ctx context.Context, c models.Caller, templateID, assetID, slot string, version int) (models.TemplateAsset, error) {
	const op = "relations.LinkTemplate"
	if err := required(op, "template id", templateID, "asset id", assetID, "slot", slot); err != nil {
		return models.TemplateAsset{}, err
	}
	a, err := x.owned(ctx, op, c, assetID)
	if err != nil {
		return models.TemplateAsset{}, err
	}
	out, err := x.relations.UpsertTemplate(ctx, models.TemplateAsset{
		TemplateID: templateID, AssetID: assetID, Slot: slot, Version: versionOr(version, a),
	})
	if err != nil {
		return models.TemplateAsset{}, db.AppErr(op, err, apperr.Conflict)
	}
	x.audit.Linked(ctx, c, assetID, EntityTemplate, templateID, map[string]any{"slot": slot, "version": out.Version})
	return out, nil
}

func (x *Index) GetTemplateAssets(ctx context.Context, c models.Caller, templateID string) ([]models.TemplateAssetView, error) {
	out, err := x.relations.ListTemplate(ctx, c.AccountID, templateID)
	if err != nil {
		return nil, db.AppErr("relations.GetTemplateAssets", err, apperr.Conflict)
	}
	return out, nil
}

func (x *Index) UnlinkTemplate(ctx context.Context, c models.Caller, templateID, assetID, slot string) (bool, error) {
	const op = "relations.UnlinkTemplate"
	if _, err := x.owned(ctx, op, c, assetID); err != nil {
		return false, err
	}
	ok, err := x.relations.DeleteTemplate(ctx, templateID, assetID, slot)
	if err != nil {
		return false, db.AppErr(op, err, apperr.Conflict)
	}
	if ok {
		x.audit.Unlinked(ctx, c, assetID, EntityTemplate, templateID, map[string]any{"slot": slot})
	}
	return ok, nil
}

// LinkPlan attaches an asset to a plan step. A new link starts ready when its
// asset is already servable, except for outputs, which wait for an explicit
// MarkPlanAssetReady. Relinking changes version and dependency but never
// readiness.
func (x *Index) LinkPlan(ctx context.Context, c models.Caller, planID, stepID, assetID string, dep models.DependencyType, version int) (models.PlanAsset, error) {
	const op = "relations.LinkPlan"
	if err := required(op, "plan id", planID, "step id", stepID, "asset id", assetID); err != nil {
		return models.PlanAsset{}, err
	}
	if dep == "" {
		dep = models.DependencyRequired
	}
	if !dep.Valid() {
		return models.PlanAsset{}, apperr.E(apperr.Validation, op, "unknown dependency type %q", dep)
	}
	a, err := x.owned(ctx, op, c, assetID)
	if err != nil {
		return models.PlanAsset{}, err
	}
	link := models.PlanAsset{
		PlanID: planID, StepID: stepID, AssetID: assetID, DependencyType: dep, Version: versionOr(version, a),
	}
	if a.Servable() && dep != models.DependencyOutput {
		now := x.now()
		link.IsReady, link.ReadyAt = true, &now
	}
	out, err := x.relations.UpsertPlan(ctx, link)
	if err != nil {
		return models.PlanAsset{}, db.AppErr(op, err, apperr.Conflict)
	}
	x.audit.Linked(ctx, c, assetID, EntityPlan, planID, map[string]any{
		"step_id": stepID, "dependency": string(dep), "ready": out.IsReady,
	})
	return out, nil
}

func (x *Index) GetPlanAssets(ctx context.Context, c models.Caller, planID string) ([]models.PlanAssetView, error) {
	out, err := x.relations.ListPlan(ctx, c.AccountID, planID)
	if err != nil {
		return nil, db.AppErr("relations.GetPlanAssets", err, apperr.Conflict)
	}
	return out, nil
}

func (x *Index) UnlinkPlan(ctx context.Context, c models.Caller, planID, stepID, assetID string) (bool, error) {
	const op = "relations.UnlinkPlan"
	if _, err := x.owned(ctx, op, c, assetID); err != nil {
		return false, err
	}
	ok, err := x.relations.DeletePlan(ctx, planID, stepID, assetID)
	if err != nil {
		return false, db.AppErr(op, err, apperr.Conflict)
	}
	if ok {
		x.audit.Unlinked(ctx, c, assetID, EntityPlan, planID, map[string]any{"step_id": stepID})
	}
	return ok, nil
}

// GetPlanAssetStatus summarises readiness. A plan can proceed when none of
// its required assets is pending; an unknown plan trivially can.
func (x *Index) GetPlanAssetStatus(ctx context.Context, c models.Caller, planID string) (models.PlanAssetStatus, error) {
	links, err := x.GetPlanAssets(ctx, c, planID)
	if err != nil {
		return models.PlanAssetStatus{}, err
	}
	st := models.PlanAssetStatus{PlanID: planID, Total: len(links)}
	for _, l := range links {
		if l.IsReady {
			st.Ready++
			continue
		}
		st.Pending++
		if l.DependencyType == models.DependencyRequired {
			st.RequiredPending++
		}
	}
	st.CanProceed = st.RequiredPending == 0
	return st, nil
}

// MarkPlanAssetReady flags one plan link ready, stamps ReadyAt and records a
// linked event carrying the readiness change.
func (x *Index) MarkPlanAssetReady(ctx context.Context, c models.Caller, planID, stepID, assetID string) (models.PlanAsset, error) {
	const op = "relations.MarkPlanAssetReady"
	if _, err := x.owned(ctx, op, c, assetID); err != nil {
		return models.PlanAsset{}, err
	}
	out, err := x.relations.MarkPlanReady(ctx, planID, stepID, assetID, x.now())
	if err != nil {
		return models.PlanAsset{}, db.AppErr(op, err, apperr.Conflict)
	}
	x.log.Debug("plan asset ready", zap.String("plan_id", planID), zap.String("step_id", stepID), zap.String("asset_id", assetID))
	x.audit.Linked(ctx, c, assetID, EntityPlan, planID, map[string]any{"step_id": stepID, "ready": true})
	return out, nil
}
