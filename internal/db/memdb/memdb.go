// Package memdb is an in-memory backend for every repository in package db.
// It enforces the same uniqueness and state guards as the SQL schema and is
// used by unit tests and --dev runs.
package memdb

import (
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/yourorg/assetgw/internal/db"
	"github.com/yourorg/assetgw/internal/models"
)

type messageKey struct{ message, asset string }
type templateKey struct{ template, asset, slot string }
type planKey struct{ plan, step, asset string }

// Store holds all tables behind one mutex.
type Store struct {
	mu  sync.Mutex
	now func() time.Time

	sessions  map[string]models.UploadSession
	assets    map[string]models.Asset
	policies  map[string]models.AssetPolicy
	audit     []models.AuditLogEntry
	messages  map[messageKey]models.MessageAsset
	templates map[templateKey]models.TemplateAsset
	plans     map[planKey]models.PlanAsset
}

func New() *Store {
	return &Store{
		now:       time.Now,
		sessions:  map[string]models.UploadSession{},
		assets:    map[string]models.Asset{},
		policies:  map[string]models.AssetPolicy{},
		messages:  map[messageKey]models.MessageAsset{},
		templates: map[templateKey]models.TemplateAsset{},
		plans:     map[planKey]models.PlanAsset{},
	}
}

// SetClock overrides the timestamp source for created/updated columns.
func (s *Store) SetClock(now func() time.Time) {
	s.mu.Lock()
	s.now = now
	s.mu.Unlock()
}

func (s *Store) Repositories() db.Repositories {
	return db.Repositories{
		Sessions:  &sessionRepo{s},
		Assets:    &assetRepo{s},
		Policies:  &policyRepo{s},
		Audit:     &auditRepo{s},
		Relations: &relationRepo{s},
	}
}

func cloneSession(v models.UploadSession) models.UploadSession {
	v.AllowedMimeTypes = slices.Clone(v.AllowedMimeTypes)
	return v
}

func cloneAsset(v models.Asset) models.Asset {
	v.Metadata = maps.Clone(v.Metadata)
	return v
}

func clonePolicy(v models.AssetPolicy) models.AssetPolicy {
	v.AllowedContexts = slices.Clone(v.AllowedContexts)
	v.Constraints.AllowedMimeTypes = slices.Clone(v.Constraints.AllowedMimeTypes)
	return v
}

func ptr[T any](v T) *T { return &v }

func clampLimit(limit, def, max int) int {
	if limit <= 0 {
		return def
	}
	if limit > max {
		return max
	}
	return limit
}

func page[T any](items []T, limit, offset int) []T {
	if offset < 0 {
		offset = 0
	}
	if offset >= len(items) {
		return nil
	}
	end := min(offset+limit, len(items))
	return items[offset:end]
}
