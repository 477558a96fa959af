package memdb

import (
	"context"
	"sort"
	"time"

	"github.com/yourorg/assetgw/internal/db"
	"github.com/yourorg/assetgw/internal/models"
)

type relationRepo struct{ s *Store }

// summaryLocked mirrors the foreign key plus the account join. Caller holds mu.
func (r *relationRepo) summaryLocked(accountID, assetID string) (models.AssetSummary, bool) {
	a, ok := r.s.assets[assetID]
	if !ok || a.AccountID != accountID {
		return models.AssetSummary{}, false
	}
	return models.AssetSummary{Name: a.Name, MimeType: a.MimeType, SizeBytes: a.SizeBytes, Status: a.Status}, true
}

func (r *relationRepo) UpsertMessage(ctx context.Context, m models.MessageAsset) (models.MessageAsset, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if _, ok := r.s.assets[m.AssetID]; !ok {
		return models.MessageAsset{}, db.ErrValidation
	}
	k := messageKey{m.MessageID, m.AssetID}
	if cur, ok := r.s.messages[k]; ok {
		m.LinkedAt = cur.LinkedAt
	} else {
		m.LinkedAt = r.s.now()
	}
	r.s.messages[k] = m
	return m, nil
}

func (r *relationRepo) ListMessage(ctx context.Context, accountID, messageID string) ([]models.MessageAssetView, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var out []models.MessageAssetView
	for k, v := range r.s.messages {
		if k.message != messageID {
			continue
		}
		if sum, ok := r.summaryLocked(accountID, k.asset); ok {
			out = append(out, models.MessageAssetView{MessageAsset: v, Asset: sum})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Position != out[j].Position {
			return out[i].Position < out[j].Position
		}
		return out[i].LinkedAt.Before(out[j].LinkedAt)
	})
	return out, nil
}

func (r *relationRepo) DeleteMessage(ctx context.Context, messageID, assetID string) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	k := messageKey{messageID, assetID}
	_, ok := r.s.messages[k]
	delete(r.s.messages, k)
	return ok, nil
}

func (r *relationRepo) UpsertTemplate(ctx context.Context, t models.TemplateAsset) (models.TemplateAsset, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if _, ok := r.s.assets[t.AssetID]; !ok {
		return models.TemplateAsset{}, db.ErrValidation
	}
	k := templateKey{t.TemplateID, t.AssetID, t.Slot}
	if cur, ok := r.s.templates[k]; ok {
		t.LinkedAt = cur.LinkedAt
	} else {
		t.LinkedAt = r.s.now()
	}
	r.s.templates[k] = t
	return t, nil
}

func (r *relationRepo) ListTemplate(ctx context.Context, accountID, templateID string) ([]models.TemplateAssetView, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var out []models.TemplateAssetView
	for k, v := range r.s.templates {
		if k.template != templateID {
			continue
		}
		if sum, ok := r.summaryLocked(accountID, k.asset); ok {
			out = append(out, models.TemplateAssetView{TemplateAsset: v, Asset: sum})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Slot != out[j].Slot {
			return out[i].Slot < out[j].Slot
		}
		return out[i].LinkedAt.Before(out[j].LinkedAt)
	})
	return out, nil
}

func (r *relationRepo) DeleteTemplate(ctx context.Context, templateID, assetID, slot string) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	k := templateKey{templateID, assetID, slot}
	_, ok := r.s.templates[k]
	delete(r.s.templates, k)
	return ok, nil
}

func (r *relationRepo) UpsertPlan(ctx context.Context, p models.PlanAsset) (models.PlanAsset, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if _, ok := r.s.assets[p.AssetID]; !ok {
		return models.PlanAsset{}, db.ErrValidation
	}
	k := planKey{p.PlanID, p.StepID, p.AssetID}
	if cur, ok := r.s.plans[k]; ok {
		cur.Version = p.Version
		cur.DependencyType = p.DependencyType
		r.s.plans[k] = cur
		return cur, nil
	}
	p.LinkedAt = r.s.now()
	r.s.plans[k] = p
	return p, nil
}

func (r *relationRepo) ListPlan(ctx context.Context, accountID, planID string) ([]models.PlanAssetView, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var out []models.PlanAssetView
	for k, v := range r.s.plans {
		if k.plan != planID {
			continue
		}
		if sum, ok := r.summaryLocked(accountID, k.asset); ok {
			out = append(out, models.PlanAssetView{PlanAsset: v, Asset: sum})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].StepID != out[j].StepID {
			return out[i].StepID < out[j].StepID
		}
		return out[i].LinkedAt.Before(out[j].LinkedAt)
	})
	return out, nil
}

func (r *relationRepo) DeletePlan(ctx context.Context, planID, stepID, assetID string) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	k := planKey{planID, stepID, assetID}
	_, ok := r.s.plans[k]
	delete(r.s.plans, k)
	return ok, nil
}

func (r *relationRepo) MarkPlanReady(ctx context.Context, planID, stepID, assetID string, at time.Time) (models.PlanAsset, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	k := planKey{planID, stepID, assetID}
	v, ok := r.s.plans[k]
	if !ok {
		return models.PlanAsset{}, db.ErrNotFound
	}
	v.IsReady = true
	v.ReadyAt = ptr(at)
	r.s.plans[k] = v
	return v, nil
}
