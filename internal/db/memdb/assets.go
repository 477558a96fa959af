package memdb

import (
	"context"
	"slices"
	"sort"
	"strings"
	"time"

	"github.com/yourorg/assetgw/internal/db"
	"github.com/yourorg/assetgw/internal/models"
)

type assetRepo struct{ s *Store }

// holdsSlot reports whether a row in st occupies its dedup slot.
func holdsSlot(st models.AssetStatus) bool {
	switch st {
	case models.AssetPending, models.AssetReady, models.AssetRelocationPending, models.AssetArchived:
		return true
	}
	return false
}

// sameDedupSlot mirrors the partial unique indexes on asset.
func sameDedupSlot(a, b models.Asset) bool {
	if a.DedupPolicy != b.DedupPolicy || a.ChecksumSHA256 != b.ChecksumSHA256 || !holdsSlot(a.Status) || !holdsSlot(b.Status) {
		return false
	}
	switch a.DedupPolicy {
	case models.DedupIntraAccount:
		return a.AccountID == b.AccountID
	case models.DedupIntraWorkspace:
		return a.WorkspaceID != nil && b.WorkspaceID != nil && *a.WorkspaceID == *b.WorkspaceID
	}
	return false
}

// conflictLocked returns the row a would collide with. Caller holds mu.
func (r *assetRepo) conflictLocked(a models.Asset) (models.Asset, bool) {
	for _, v := range r.s.assets {
		if v.ID != a.ID && sameDedupSlot(a, v) {
			return v, true
		}
	}
	return models.Asset{}, false
}

func (r *assetRepo) insertLocked(a models.Asset) models.Asset {
	now := r.s.now()
	a.CreatedAt, a.UpdatedAt = now, now
	if a.Metadata == nil {
		a.Metadata = map[string]any{}
	}
	r.s.assets[a.ID] = cloneAsset(a)
	return cloneAsset(a)
}

func (r *assetRepo) Insert(ctx context.Context, a models.Asset) (models.Asset, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if _, ok := r.s.assets[a.ID]; ok {
		return models.Asset{}, db.ErrConflict
	}
	if _, ok := r.conflictLocked(a); ok {
		return models.Asset{}, db.ErrConflict
	}
	return r.insertLocked(a), nil
}

func (r *assetRepo) InsertOrGetExisting(ctx context.Context, a models.Asset) (models.Asset, bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if existing, ok := r.conflictLocked(a); ok {
		return cloneAsset(existing), false, nil
	}
	if _, ok := r.s.assets[a.ID]; ok {
		return models.Asset{}, false, db.ErrConflict
	}
	return r.insertLocked(a), true, nil
}

func (r *assetRepo) FindServableByChecksum(ctx context.Context, scope models.DedupScope, checksum string) (models.Asset, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var best *models.Asset
	for _, v := range r.s.assets {
		if v.ChecksumSHA256 != checksum || !v.Servable() {
			continue
		}
		if scope.Policy == models.DedupIntraWorkspace {
			if v.WorkspaceID == nil || *v.WorkspaceID != scope.WorkspaceID {
				continue
			}
		} else if v.AccountID != scope.AccountID {
			continue
		}
		if best == nil || v.CreatedAt.Before(best.CreatedAt) {
			best = ptr(v)
		}
	}
	if best == nil {
		return models.Asset{}, db.ErrNotFound
	}
	return cloneAsset(*best), nil
}

func (r *assetRepo) FindSlotHolder(ctx context.Context, a models.Asset) (models.Asset, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	v, ok := r.conflictLocked(a)
	if !ok {
		return models.Asset{}, db.ErrNotFound
	}
	return cloneAsset(v), nil
}

func (r *assetRepo) Get(ctx context.Context, id string) (models.Asset, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	v, ok := r.s.assets[id]
	if !ok {
		return models.Asset{}, db.ErrNotFound
	}
	return cloneAsset(v), nil
}

func (r *assetRepo) Search(ctx context.Context, f models.AssetFilter) ([]models.Asset, int, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var out []models.Asset
	for _, v := range r.s.assets {
		if v.AccountID != f.AccountID {
			continue
		}
		if f.WorkspaceID != nil && (v.WorkspaceID == nil || *v.WorkspaceID != *f.WorkspaceID) {
			continue
		}
		if f.Scope != nil && v.Scope != *f.Scope {
			continue
		}
		if len(f.Statuses) > 0 && !slices.Contains(f.Statuses, v.Status) {
			continue
		}
		if len(f.Statuses) == 0 && v.Status == models.AssetDeleted {
			continue
		}
		if f.MimePrefix != "" && !strings.HasPrefix(v.MimeType, f.MimePrefix) {
			continue
		}
		if f.NameContains != "" && !strings.Contains(strings.ToLower(v.Name), strings.ToLower(f.NameContains)) {
			continue
		}
		if f.CreatedAfter != nil && v.CreatedAt.Before(*f.CreatedAfter) {
			continue
		}
		if f.CreatedBefore != nil && !v.CreatedAt.Before(*f.CreatedBefore) {
			continue
		}
		out = append(out, cloneAsset(v))
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return page(out, clampLimit(f.Limit, 50, 500), f.Offset), len(out), nil
}

// update applies fn when guard holds, then re-checks the dedup indexes.
func (r *assetRepo) update(id string, guard func(models.Asset) bool, fn func(*models.Asset)) (models.Asset, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	v, ok := r.s.assets[id]
	if !ok {
		return models.Asset{}, db.ErrNotFound
	}
	if !guard(v) {
		return models.Asset{}, db.ErrConflict
	}
	v = cloneAsset(v)
	fn(&v)
	if _, clash := r.conflictLocked(v); clash {
		return models.Asset{}, db.ErrConflict
	}
	v.UpdatedAt = r.s.now()
	r.s.assets[id] = v
	return cloneAsset(v), nil
}

func (r *assetRepo) Update(ctx context.Context, id string, p models.AssetPatch) (models.Asset, error) {
	return r.update(id, func(v models.Asset) bool { return v.Status != models.AssetDeleted }, func(v *models.Asset) {
		if p.Name != nil {
			v.Name = *p.Name
		}
		if p.WorkspaceID != nil {
			v.WorkspaceID = ptr(*p.WorkspaceID)
		}
		if p.Metadata != nil {
			v.Metadata = p.Metadata
		}
	})
}

func (r *assetRepo) SetStatus(ctx context.Context, id string, from []models.AssetStatus, to models.AssetStatus) (models.Asset, error) {
	return r.update(id, func(v models.Asset) bool { return slices.Contains(from, v.Status) }, func(v *models.Asset) {
		v.Status = to
	})
}

func (r *assetRepo) SetLocation(ctx context.Context, id string, from models.AssetStatus, key string, to models.AssetStatus) (models.Asset, error) {
	return r.update(id, func(v models.Asset) bool { return v.Status == from }, func(v *models.Asset) {
		v.StorageKey = key
		v.Status = to
	})
}

func (r *assetRepo) SetVersion(ctx context.Context, id string, expectVersion int, u models.VersionUpdate) (models.Asset, error) {
	return r.update(id, func(v models.Asset) bool {
		return v.Version == expectVersion && v.Status == models.AssetReady
	}, func(v *models.Asset) {
		v.Version = u.Version
		v.StorageKey = u.StorageKey
		v.SizeBytes = u.SizeBytes
		v.ChecksumSHA256 = u.ChecksumSHA256
		if u.MimeType != "" {
			v.MimeType = u.MimeType
		}
	})
}

func (r *assetRepo) SoftDelete(ctx context.Context, id string, from []models.AssetStatus, deletedAt, hardDeleteAt time.Time) (models.Asset, error) {
	return r.update(id, func(v models.Asset) bool { return slices.Contains(from, v.Status) }, func(v *models.Asset) {
		v.Status = models.AssetDeleted
		v.DeletedAt = ptr(deletedAt)
		v.HardDeleteAt = ptr(hardDeleteAt)
	})
}

func (r *assetRepo) Delete(ctx context.Context, id string) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if _, ok := r.s.assets[id]; !ok {
		return false, nil
	}
	delete(r.s.assets, id)
	// on delete cascade
	for k := range r.s.messages {
		if k.asset == id {
			delete(r.s.messages, k)
		}
	}
	for k := range r.s.templates {
		if k.asset == id {
			delete(r.s.templates, k)
		}
	}
	for k := range r.s.plans {
		if k.asset == id {
			delete(r.s.plans, k)
		}
	}
	return true, nil
}

func (r *assetRepo) collect(match func(models.Asset) bool, less func(a, b models.Asset) bool, limit int) []models.Asset {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var out []models.Asset
	for _, v := range r.s.assets {
		if match(v) {
			out = append(out, cloneAsset(v))
		}
	}
	sort.Slice(out, func(i, j int) bool { return less(out[i], out[j]) })
	return page(out, clampLimit(limit, 100, 1000), 0)
}

func (r *assetRepo) ListExpiredForPurge(ctx context.Context, asOf time.Time, limit int) ([]models.Asset, error) {
	return r.collect(func(v models.Asset) bool {
		return v.Status == models.AssetDeleted && v.HardDeleteAt != nil && !v.HardDeleteAt.After(asOf)
	}, func(a, b models.Asset) bool { return a.HardDeleteAt.Before(*b.HardDeleteAt) }, limit), nil
}

func (r *assetRepo) ListByStatus(ctx context.Context, status models.AssetStatus, limit int) ([]models.Asset, error) {
	return r.collect(func(v models.Asset) bool { return v.Status == status },
		func(a, b models.Asset) bool { return a.UpdatedAt.Before(b.UpdatedAt) }, limit), nil
}

func (r *assetRepo) ListByAccount(ctx context.Context, accountID, afterID string, limit int) ([]models.Asset, error) {
	return r.collect(func(v models.Asset) bool { return v.AccountID == accountID && v.ID > afterID },
		func(a, b models.Asset) bool { return a.ID < b.ID }, limit), nil
}
