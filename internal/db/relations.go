package db

import (
	"context"
	"time"

	"github.com/yourorg/assetgw/internal/models"
)

func NewRelationRepo(p *Pool) RelationRepository { return &relationRepo{p: p} }

type relationRepo struct{ p *Pool }

const summaryCols = `a.name, a.mime_type, a.size_bytes, a.status`

func (r *relationRepo) UpsertMessage(ctx context.Context, m models.MessageAsset) (models.MessageAsset, error) {
	const q = `insert into message_asset (message_id, asset_id, version, position)
	           values ($1, $2, $3, $4)
	           on conflict (message_id, asset_id)
	           do update set version = excluded.version, position = excluded.position
	           returning message_id, asset_id, version, position, linked_at`
	var out models.MessageAsset
	err := r.p.QueryRow(ctx, q, m.MessageID, m.AssetID, m.Version, m.Position).
		Scan(&out.MessageID, &out.AssetID, &out.Version, &out.Position, &out.LinkedAt)
	if err != nil {
		return models.MessageAsset{}, mapPgErr(err)
	}
	return out, nil
}

func (r *relationRepo) ListMessage(ctx context.Context, accountID, messageID string) ([]models.MessageAssetView, error) {
	const q = `select m.message_id, m.asset_id, m.version, m.position, m.linked_at, ` + summaryCols + `
	           from message_asset m join asset a on a.id = m.asset_id
	           where m.message_id = $1 and a.account_id = $2
	           order by m.position asc, m.linked_at asc`
	rows, err := r.p.Query(ctx, q, messageID, accountID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []models.MessageAssetView
	for rows.Next() {
		var v models.MessageAssetView
		var status string
		if err := rows.Scan(&v.MessageID, &v.AssetID, &v.Version, &v.Position, &v.LinkedAt,
			&v.Asset.Name, &v.Asset.MimeType, &v.Asset.SizeBytes, &status); err != nil {
			return nil, err
		}
		v.Asset.Status = models.AssetStatus(status)
		out = append(out, v)
	}
	return out, rows.Err()
}

func (r *relationRepo) DeleteMessage(ctx context.Context, messageID, assetID string) (bool, error) {
	ct, err := r.p.Exec(ctx, `delete from message_asset where message_id = $1 and asset_id = $2`, messageID, assetID)
	if err != nil {
		return false, err
	}
	return ct.RowsAffected() > 0, nil
}

func (r *relationRepo) UpsertTemplate(ctx context.Context, t models.TemplateAsset) (models.TemplateAsset, error) {
	const q = `insert into template_asset (template_id, asset_id, slot, version)
	           values ($1, $2, $3, $4)
	           on conflict (template_id, asset_id, slot)
	           do update set version = excluded.version
	           returning template_id, asset_id, slot, version, linked_at`
	var out models.TemplateAsset
	err := r.p.QueryRow(ctx, q, t.TemplateID, t.AssetID, t.Slot, t.Version).
		Scan(&out.TemplateID, &out.AssetID, &out.Slot, &out.Version, &out.LinkedAt)
	if err != nil {
		return models.TemplateAsset{}, mapPgErr(err)
	}
	return out, nil
}

func (r *relationRepo) ListTemplate(ctx context.Context, accountID, templateID string) ([]models.TemplateAssetView, error) {
	const q = `select t.template_id, t.asset_id, t.slot, t.version, t.linked_at, ` + summaryCols + `
	           from template_asset t join asset a on a.id = t.asset_id
	           where t.template_id = $1 and a.account_id = $2
	           order by t.slot asc, t.linked_at asc`
	rows, err := r.p.Query(ctx, q, templateID, accountID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []models.TemplateAssetView
	for rows.Next() {
		var v models.TemplateAssetView
		var status string
		if err := rows.Scan(&v.TemplateID, &v.AssetID, &v.Slot, &v.Version, &v.LinkedAt,
			&v.Asset.Name, &v.Asset.MimeType, &v.Asset.SizeBytes, &status); err != nil {
			return nil, err
		}
		v.Asset.Status = models.AssetStatus(status)
		out = append(out, v)
	}
	return out, rows.Err()
}

func (r *relationRepo) DeleteTemplate(ctx context.Context, templateID, assetID, slot string) (bool, error) {
	ct, err := r.p.Exec(ctx, `delete from template_asset where template_id = $1 and asset_id = $2 and slot = $3`,
		templateID, assetID, slot)
	if err != nil {
		return false, err
	}
	return ct.RowsAffected() > 0, nil
}

const planCols = `plan_id, step_id, asset_id, version, dependency_type, is_ready, ready_at, linked_at`

// UpsertPlan keeps an existing readiness signal when a link is repeated.
func (r *relationRepo) UpsertPlan(ctx context.Context, p models.PlanAsset) (models.PlanAsset, error) {
	const q = `insert into plan_asset (plan_id, step_id, asset_id, version, dependency_type, is_ready, ready_at)
	           values ($1, $2, $3, $4, $5, $6, $7)
	           on conflict (plan_id, step_id, asset_id)
	           do update set version = excluded.version, dependency_type = excluded.dependency_type
	           returning ` + planCols
	var out models.PlanAsset
	var dep string
	err := r.p.QueryRow(ctx, q, p.PlanID, p.StepID, p.AssetID, p.Version, string(p.DependencyType), p.IsReady, p.ReadyAt).
		Scan(&out.PlanID, &out.StepID, &out.AssetID, &out.Version, &dep, &out.IsReady, &out.ReadyAt, &out.LinkedAt)
	if err != nil {
		return models.PlanAsset{}, mapPgErr(err)
	}
	out.DependencyType = models.DependencyType(dep)
	return out, nil
}

func (r *relationRepo) ListPlan(ctx context.Context, accountID, planID string) ([]models.PlanAssetView, error) {
	const q = `select p.plan_id, p.step_id, p.asset_id, p.version, p.dependency_type, p.is_ready, p.ready_at,
	                  p.linked_at, ` + summaryCols + `
	           from plan_asset p join asset a on a.id = p.asset_id
	           where p.plan_id = $1 and a.account_id = $2
	           order by p.step_id asc, p.linked_at asc`
	rows, err := r.p.Query(ctx, q, planID, accountID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []models.PlanAssetView
	for rows.Next() {
		var v models.PlanAssetView
		var dep, status string
		if err := rows.Scan(&v.PlanID, &v.StepID, &v.AssetID, &v.Version, &dep, &v.IsReady, &v.ReadyAt, &v.LinkedAt,
			&v.Asset.Name, &v.Asset.MimeType, &v.Asset.SizeBytes, &status); err != nil {
			return nil, err
		}
		v.DependencyType = models.DependencyType(dep)
		v.Asset.Status = models.AssetStatus(status)
		out = append(out, v)
	}
	return out, rows.Err()
}

func (r *relationRepo) DeletePlan(ctx context.Context, planID, stepID, assetID string) (bool, error) {
	ct, err := r.p.Exec(ctx, `delete from plan_asset where plan_id = $1 and step_id = $2 and asset_id = $3`,
		planID, stepID, assetID)
	if err != nil {
		return false, err
	}
	return ct.RowsAffected() > 0, nil
}

func (r *relationRepo) MarkPlanReady(ctx context.Context, planID, stepID, assetID string, at time.Time) (models.PlanAsset, error) {
	const q = `update plan_asset set is_ready = true, ready_at = $4
	           where plan_id = $1 and step_id = $2 and asset_id = $3
	           returning ` + planCols
	var out models.PlanAsset
	var dep string
	err := r.p.QueryRow(ctx, q, planID, stepID, assetID, at).
		Scan(&out.PlanID, &out.StepID, &out.AssetID, &out.Version, &dep, &out.IsReady, &out.ReadyAt, &out.LinkedAt)
	if err != nil {
		return models.PlanAsset{}, mapRowErr(err)
	}
	out.DependencyType = models.DependencyType(dep)
	return out, nil
}
