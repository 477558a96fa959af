package memdb

import (
	"context"
	"sort"

	"github.com/yourorg/assetgw/internal/db"
	"github.com/yourorg/assetgw/internal/models"
)

type policyRepo struct{ s *Store }

func ownerKey(accountID *string) string {
	if accountID == nil {
		return "*"
	}
	return *accountID
}

// clashLocked mirrors asset_policy_active_uidx. Caller holds mu.
func (r *policyRepo) clashLocked(p models.AssetPolicy) bool {
	if !p.IsActive {
		return false
	}
	for _, v := range r.s.policies {
		if v.ID != p.ID && v.IsActive && v.Scope == p.Scope && ownerKey(v.AccountID) == ownerKey(p.AccountID) {
			return true
		}
	}
	return false
}

func (r *policyRepo) Create(ctx context.Context, p models.AssetPolicy) (models.AssetPolicy, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if _, ok := r.s.policies[p.ID]; ok || r.clashLocked(p) {
		return models.AssetPolicy{}, db.ErrConflict
	}
	now := r.s.now()
	p.CreatedAt, p.UpdatedAt = now, now
	r.s.policies[p.ID] = clonePolicy(p)
	return clonePolicy(p), nil
}

func (r *policyRepo) Get(ctx context.Context, id string) (models.AssetPolicy, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	v, ok := r.s.policies[id]
	if !ok {
		return models.AssetPolicy{}, db.ErrNotFound
	}
	return clonePolicy(v), nil
}

func (r *policyRepo) Update(ctx context.Context, id string, p models.PolicyPatch) (models.AssetPolicy, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	v, ok := r.s.policies[id]
	if !ok {
		return models.AssetPolicy{}, db.ErrNotFound
	}
	v = clonePolicy(v)
	if p.AllowedContexts != nil {
		v.AllowedContexts = p.AllowedContexts
	}
	if p.DefaultTTLSeconds != nil {
		v.DefaultTTLSeconds = *p.DefaultTTLSeconds
	}
	if p.MaxTTLSeconds != nil {
		v.MaxTTLSeconds = *p.MaxTTLSeconds
	}
	if p.Constraints != nil {
		v.Constraints = *p.Constraints
	}
	if p.IsActive != nil {
		v.IsActive = *p.IsActive
	}
	if r.clashLocked(v) {
		return models.AssetPolicy{}, db.ErrConflict
	}
	v.UpdatedAt = r.s.now()
	r.s.policies[id] = v
	return clonePolicy(v), nil
}

func (r *policyRepo) Delete(ctx context.Context, id string) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if _, ok := r.s.policies[id]; !ok {
		return db.ErrNotFound
	}
	delete(r.s.policies, id)
	return nil
}

func (r *policyRepo) List(ctx context.Context, f models.PolicyFilter) ([]models.AssetPolicy, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var out []models.AssetPolicy
	for _, v := range r.s.policies {
		if f.Scope != nil && v.Scope != *f.Scope {
			continue
		}
		if f.GlobalOnly && v.AccountID != nil {
			continue
		}
		if !f.GlobalOnly && f.AccountID != nil && (v.AccountID == nil || *v.AccountID != *f.AccountID) {
			continue
		}
		if f.ActiveOnly && !v.IsActive {
			continue
		}
		out = append(out, clonePolicy(v))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Scope != out[j].Scope {
			return out[i].Scope < out[j].Scope
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (r *policyRepo) FindActive(ctx context.Context, scope models.Scope, accountID *string) (models.AssetPolicy, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, v := range r.s.policies {
		if v.IsActive && v.Scope == scope && ownerKey(v.AccountID) == ownerKey(accountID) {
			return clonePolicy(v), nil
		}
	}
	return models.AssetPolicy{}, db.ErrNotFound
}
