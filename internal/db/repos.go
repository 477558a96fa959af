package db

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/yourorg/assetgw/internal/models"
)

// SessionRepository persists upload sessions. Guarded updates return
// ErrConflict when the row exists but its state does not match.
type SessionRepository interface {
	Create(ctx context.Context, s models.UploadSession) (models.UploadSession, error)
	Get(ctx context.Context, id string) (models.UploadSession, error)
	// RecordUpload accounts for stored bytes. It applies only while the
	// session is live, has received exactly u.ExpectedChunks chunks and the
	// new total stays within max_size_bytes.
	RecordUpload(ctx context.Context, id string, u models.SessionUpdate) (models.UploadSession, error)
	// MarkCommitted is the single uploading -> committed transition.
	MarkCommitted(ctx context.Context, id, tempKey string) (models.UploadSession, error)
	Transition(ctx context.Context, id string, from []models.SessionStatus, to models.SessionStatus) (models.UploadSession, error)
	LinkAsset(ctx context.Context, id, assetID string) error
	// ClaimExpired flips up to limit live sessions past their deadline to
	// expired and returns them. Concurrent sweepers never claim the same row.
	ClaimExpired(ctx context.Context, now time.Time, limit int) ([]models.UploadSession, error)
}

// AssetRepository persists assets.
type AssetRepository interface {
	Insert(ctx context.Context, a models.Asset) (models.Asset, error)
	// InsertOrGetExisting inserts a, or returns the row that already holds
	// a's checksum in its dedup scope. created reports which happened.
	InsertOrGetExisting(ctx context.Context, a models.Asset) (out models.Asset, created bool, err error)
	// FindServableByChecksum returns the oldest ready (or relocation-pending)
	// asset with checksum inside scope, whatever that asset's own policy.
	FindServableByChecksum(ctx context.Context, scope models.DedupScope, checksum string) (models.Asset, error)
	// FindSlotHolder returns the row other than a that occupies the dedup
	// slot a would take: same policy, scope and checksum.
	FindSlotHolder(ctx context.Context, a models.Asset) (models.Asset, error)
	Get(ctx context.Context, id string) (models.Asset, error)
	Search(ctx context.Context, f models.AssetFilter) ([]models.Asset, int, error)
	Update(ctx context.Context, id string, p models.AssetPatch) (models.Asset, error)
	SetStatus(ctx context.Context, id string, from []models.AssetStatus, to models.AssetStatus) (models.Asset, error)
	SetLocation(ctx context.Context, id string, from models.AssetStatus, key string, to models.AssetStatus) (models.Asset, error)
	// SetVersion repoints a ready asset whose version is still expectVersion.
	SetVersion(ctx context.Context, id string, expectVersion int, v models.VersionUpdate) (models.Asset, error)
	SoftDelete(ctx context.Context, id string, from []models.AssetStatus, deletedAt, hardDeleteAt time.Time) (models.Asset, error)
	// Delete removes the row; false when it was already gone.
	Delete(ctx context.Context, id string) (bool, error)
	ListExpiredForPurge(ctx context.Context, asOf time.Time, limit int) ([]models.Asset, error)
	ListByStatus(ctx context.Context, status models.AssetStatus, limit int) ([]models.Asset, error)
	// ListByAccount pages through every asset of an account ordered by id.
	ListByAccount(ctx context.Context, accountID, afterID string, limit int) ([]models.Asset, error)
}

// PolicyRepository persists access policies.
type PolicyRepository interface {
	Create(ctx context.Context, p models.AssetPolicy) (models.AssetPolicy, error)
	Get(ctx context.Context, id string) (models.AssetPolicy, error)
	Update(ctx context.Context, id string, p models.PolicyPatch) (models.AssetPolicy, error)
	Delete(ctx context.Context, id string) error
	List(ctx context.Context, f models.PolicyFilter) ([]models.AssetPolicy, error)
	// FindActive returns the active policy for scope owned by accountID,
	// or the global one when accountID is nil.
	FindActive(ctx context.Context, scope models.Scope, accountID *string) (models.AssetPolicy, error)
}

// AuditRepository is the append-only event store.
type AuditRepository interface {
	Append(ctx context.Context, e models.AuditLogEntry) error
	// Query returns matching rows newest first plus the unpaged total.
	Query(ctx context.Context, f models.AuditFilter) ([]models.AuditLogEntry, int, error)
	CountByAction(ctx context.Context, accountID string, from, to time.Time) (models.ActionCounts, error)
	DeleteByAccount(ctx context.Context, accountID string) (int64, error)
}

// RelationRepository persists asset links. List methods only return links
// whose asset belongs to accountID.
type RelationRepository interface {
	UpsertMessage(ctx context.Context, m models.MessageAsset) (models.MessageAsset, error)
	ListMessage(ctx context.Context, accountID, messageID string) ([]models.MessageAssetView, error)
	DeleteMessage(ctx context.Context, messageID, assetID string) (bool, error)

	UpsertTemplate(ctx context.Context, t models.TemplateAsset) (models.TemplateAsset, error)
	ListTemplate(ctx context.Context, accountID, templateID string) ([]models.TemplateAssetView, error)
	DeleteTemplate(ctx context.Context, templateID, assetID, slot string) (bool, error)

	UpsertPlan(ctx context.Context, p models.PlanAsset) (models.PlanAsset, error)
	ListPlan(ctx context.Context, accountID, planID string) ([]models.PlanAssetView, error)
	DeletePlan(ctx context.Context, planID, stepID, assetID string) (bool, error)
	MarkPlanReady(ctx context.Context, planID, stepID, assetID string, at time.Time) (models.PlanAsset, error)
}

// Repositories bundles every repository over one backend.
type Repositories struct {
	Sessions  SessionRepository
	Assets    AssetRepository
	Policies  PolicyRepository
	Audit     AuditRepository
	Relations RelationRepository
}

// NewRepositories binds the PostgreSQL repositories to the pool.
func NewRepositories(p *Pool) Repositories {
	return Repositories{
		Sessions:  NewSessionRepo(p),
		Assets:    NewAssetRepo(p),
		Policies:  NewPolicyRepo(p),
		Audit:     NewAuditRepo(p),
		Relations: NewRelationRepo(p),
	}
}

// where accumulates conditions with positional arguments. "$?" in a
// condition is replaced by the next placeholder.
type where struct {
	conds []string
	args  []any
}

func (w *where) add(cond string, arg any) {
	w.args = append(w.args, arg)
	w.conds = append(w.conds, strings.ReplaceAll(cond, "$?", "$"+strconv.Itoa(len(w.args))))
}

func (w *where) next(arg any) string {
	w.args = append(w.args, arg)
	return "$" + strconv.Itoa(len(w.args))
}

func (w *where) String() string {
	if len(w.conds) == 0 {
		return ""
	}
	return " where " + strings.Join(w.conds, " and ")
}

func strs[T ~string](vs []T) []string {
	out := make([]string, len(vs))
	for i, v := range vs {
		out[i] = string(v)
	}
	return out
}

func jsonObject(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func clampLimit(limit, def, max int) int {
	if limit <= 0 {
		return def
	}
	if limit > max {
		return max
	}
	return limit
}

// prefixed qualifies every column of a comma separated list with p.
func prefixed(p, cols string) string {
	parts := strings.Split(cols, ",")
	for i, c := range parts {
		parts[i] = p + strings.TrimSpace(c)
	}
	return strings.Join(parts, ", ")
}
