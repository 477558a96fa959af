package memdb

import (
	"context"
	"slices"
	"sort"
	"time"

	"github.com/yourorg/assetgw/internal/db"
	"github.com/yourorg/assetgw/internal/models"
)

type sessionRepo struct{ s *Store }

func (r *sessionRepo) Create(ctx context.Context, v models.UploadSession) (models.UploadSession, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if _, ok := r.s.sessions[v.ID]; ok {
		return models.UploadSession{}, db.ErrConflict
	}
	now := r.s.now()
	v.BytesUploaded, v.ChunksReceived, v.AssetID = 0, 0, nil
	v.CreatedAt, v.UpdatedAt = now, now
	if v.Status == "" {
		v.Status = models.SessionActive
	}
	r.s.sessions[v.ID] = cloneSession(v)
	return cloneSession(v), nil
}

func (r *sessionRepo) Get(ctx context.Context, id string) (models.UploadSession, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	v, ok := r.s.sessions[id]
	if !ok {
		return models.UploadSession{}, db.ErrNotFound
	}
	return cloneSession(v), nil
}

// update applies fn to the row when guard holds.
func (r *sessionRepo) update(id string, guard func(models.UploadSession) bool, fn func(*models.UploadSession)) (models.UploadSession, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	v, ok := r.s.sessions[id]
	if !ok {
		return models.UploadSession{}, db.ErrNotFound
	}
	if !guard(v) {
		return models.UploadSession{}, db.ErrConflict
	}
	fn(&v)
	v.UpdatedAt = r.s.now()
	r.s.sessions[id] = v
	return cloneSession(v), nil
}

func (r *sessionRepo) RecordUpload(ctx context.Context, id string, u models.SessionUpdate) (models.UploadSession, error) {
	return r.update(id, func(v models.UploadSession) bool {
		return (v.Status == models.SessionActive || v.Status == models.SessionUploading) &&
			v.ChunksReceived == u.ExpectedChunks && v.BytesUploaded+u.AddBytes <= v.MaxSizeBytes
	}, func(v *models.UploadSession) {
		v.Status = models.SessionUploading
		v.BytesUploaded += u.AddBytes
		v.ChunksReceived++
		if u.TempStorageKey != "" {
			v.TempStorageKey = u.TempStorageKey
		}
		if u.FileName != "" {
			v.FileName = u.FileName
		}
		if u.MimeType != "" {
			v.MimeType = u.MimeType
		}
	})
}

func (r *sessionRepo) MarkCommitted(ctx context.Context, id, tempKey string) (models.UploadSession, error) {
	return r.update(id, func(v models.UploadSession) bool {
		return v.Status == models.SessionUploading
	}, func(v *models.UploadSession) {
		v.Status = models.SessionCommitted
		v.TempStorageKey = tempKey
	})
}

func (r *sessionRepo) Transition(ctx context.Context, id string, from []models.SessionStatus, to models.SessionStatus) (models.UploadSession, error) {
	return r.update(id, func(v models.UploadSession) bool {
		return slices.Contains(from, v.Status)
	}, func(v *models.UploadSession) { v.Status = to })
}

func (r *sessionRepo) LinkAsset(ctx context.Context, id, assetID string) error {
	_, err := r.update(id, func(models.UploadSession) bool { return true }, func(v *models.UploadSession) {
		v.AssetID = ptr(assetID)
	})
	return err
}

func (r *sessionRepo) ClaimExpired(ctx context.Context, now time.Time, limit int) ([]models.UploadSession, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var due []models.UploadSession
	for _, v := range r.s.sessions {
		if v.Stale(now) {
			due = append(due, v)
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].ExpiresAt.Before(due[j].ExpiresAt) })
	due = page(due, clampLimit(limit, 100, 1000), 0)
	out := make([]models.UploadSession, 0, len(due))
	for _, v := range due {
		v.Status = models.SessionExpired
		v.UpdatedAt = r.s.now()
		r.s.sessions[v.ID] = v
		out = append(out, cloneSession(v))
	}
	return out, nil
}
