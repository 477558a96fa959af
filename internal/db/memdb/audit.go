package memdb

import (
	"context"
	"maps"
	"slices"
	"time"

	"github.com/yourorg/assetgw/internal/models"
)

type auditRepo struct{ s *Store }

func (r *auditRepo) Append(ctx context.Context, e models.AuditLogEntry) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	e.Metadata = maps.Clone(e.Metadata)
	r.s.audit = append(r.s.audit, e)
	return nil
}

func eq(p *string, v string) bool { return p != nil && *p == v }

func (r *auditRepo) Query(ctx context.Context, f models.AuditFilter) ([]models.AuditLogEntry, int, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var out []models.AuditLogEntry
	// Walk backwards so equal timestamps come out newest first.
	for i := len(r.s.audit) - 1; i >= 0; i-- {
		e := r.s.audit[i]
		switch {
		case e.AccountID != f.AccountID,
			f.AssetID != "" && !eq(e.AssetID, f.AssetID),
			f.SessionID != "" && !eq(e.SessionID, f.SessionID),
			f.ActorID != "" && !eq(e.ActorID, f.ActorID),
			len(f.Actions) > 0 && !slices.Contains(f.Actions, e.Action),
			f.Success != nil && e.Success != *f.Success,
			f.From != nil && e.Timestamp.Before(*f.From),
			f.To != nil && !e.Timestamp.Before(*f.To):
			continue
		}
		out = append(out, e)
	}
	slices.SortStableFunc(out, func(a, b models.AuditLogEntry) int { return b.Timestamp.Compare(a.Timestamp) })
	return page(out, clampLimit(f.Limit, 100, 1000), f.Offset), len(out), nil
}

func (r *auditRepo) CountByAction(ctx context.Context, accountID string, from, to time.Time) (models.ActionCounts, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	out := models.ActionCounts{ByAction: map[models.AuditAction]int64{}}
	for _, e := range r.s.audit {
		if e.AccountID != accountID || e.Timestamp.Before(from) || !e.Timestamp.Before(to) {
			continue
		}
		out.ByAction[e.Action]++
		if !e.Success {
			out.Failed++
		}
	}
	return out, nil
}

func (r *auditRepo) DeleteByAccount(ctx context.Context, accountID string) (int64, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	kept := r.s.audit[:0]
	var n int64
	for _, e := range r.s.audit {
		if e.AccountID == accountID {
			n++
			continue
		}
		kept = append(kept, e)
	}
	r.s.audit = kept
	return n, nil
}
