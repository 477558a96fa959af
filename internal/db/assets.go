package db

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/yourorg/assetgw/internal/models"
)

func NewAssetRepo(p *Pool) AssetRepository { return &assetRepo{p: p} }

type assetRepo struct{ p *Pool }

const assetCols = `id, account_id, workspace_id, name, original_name, mime_type, size_bytes, checksum_sha256,
	storage_key, storage_provider, scope, dedup_policy, status, version, metadata, created_by,
	hard_delete_at, deleted_at, created_at, updated_at`

// slotStatuses are the statuses covered by the dedup unique indexes. Archived
// rows keep their slot so they can be restored.
var slotStatuses = []string{
	string(models.AssetPending), string(models.AssetReady),
	string(models.AssetRelocationPending), string(models.AssetArchived),
}

func scanAsset(row pgx.Row) (models.Asset, error) {
	var a models.Asset
	var scope, policy, status string
	err := row.Scan(&a.ID, &a.AccountID, &a.WorkspaceID, &a.Name, &a.OriginalName, &a.MimeType, &a.SizeBytes,
		&a.ChecksumSHA256, &a.StorageKey, &a.StorageProvider, &scope, &policy, &status, &a.Version, &a.Metadata,
		&a.CreatedBy, &a.HardDeleteAt, &a.DeletedAt, &a.CreatedAt, &a.UpdatedAt)
	a.Scope = models.Scope(scope)
	a.DedupPolicy = models.DedupPolicy(policy)
	a.Status = models.AssetStatus(status)
	return a, err
}

func collectAssets(rows pgx.Rows) ([]models.Asset, error) {
	defer rows.Close()
	var out []models.Asset
	for rows.Next() {
		a, err := scanAsset(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

const insertAsset = `insert into asset (id, account_id, workspace_id, name, original_name, mime_type, size_bytes,
	checksum_sha256, storage_key, storage_provider, scope, dedup_policy, status, version, metadata, created_by)
	values ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)`

func insertArgs(a models.Asset) []any {
	return []any{a.ID, a.AccountID, a.WorkspaceID, a.Name, a.OriginalName, a.MimeType, a.SizeBytes,
		a.ChecksumSHA256, a.StorageKey, a.StorageProvider, string(a.Scope), string(a.DedupPolicy), string(a.Status),
		a.Version, jsonObject(a.Metadata), a.CreatedBy}
}

func (r *assetRepo) Insert(ctx context.Context, a models.Asset) (models.Asset, error) {
	out, err := scanAsset(r.p.QueryRow(ctx, insertAsset+` returning `+assetCols, insertArgs(a)...))
	if err != nil {
		return models.Asset{}, mapPgErr(err)
	}
	return out, nil
}

func (r *assetRepo) InsertOrGetExisting(ctx context.Context, a models.Asset) (models.Asset, bool, error) {
	out, err := scanAsset(r.p.QueryRow(ctx, insertAsset+` on conflict do nothing returning `+assetCols, insertArgs(a)...))
	if err == nil {
		return out, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return models.Asset{}, false, mapPgErr(err)
	}
	existing, err := r.FindSlotHolder(ctx, a)
	if err != nil {
		return models.Asset{}, false, err
	}
	return existing, false, nil
}

func (r *assetRepo) FindSlotHolder(ctx context.Context, a models.Asset) (models.Asset, error) {
	if a.DedupPolicy == models.DedupNone || a.DedupPolicy == "" {
		return models.Asset{}, ErrNotFound
	}
	var w where
	w.add("id <> $?", a.ID)
	w.add("checksum_sha256 = $?", a.ChecksumSHA256)
	w.add("dedup_policy = $?", string(a.DedupPolicy))
	w.add("status = any($?)", slotStatuses)
	if a.DedupPolicy == models.DedupIntraWorkspace {
		w.add("workspace_id = $?", a.WorkspaceID)
	} else {
		w.add("account_id = $?", a.AccountID)
	}
	out, err := scanAsset(r.p.QueryRow(ctx, `select `+assetCols+` from asset`+w.String()+` limit 1`, w.args...))
	if err != nil {
		return models.Asset{}, mapRowErr(err)
	}
	return out, nil
}

func (r *assetRepo) FindServableByChecksum(ctx context.Context, scope models.DedupScope, checksum string) (models.Asset, error) {
	var w where
	w.add("checksum_sha256 = $?", checksum)
	w.add("status = any($?)", []string{string(models.AssetReady), string(models.AssetRelocationPending)})
	if scope.Policy == models.DedupIntraWorkspace {
		w.add("workspace_id = $?", scope.WorkspaceID)
	} else {
		w.add("account_id = $?", scope.AccountID)
	}
	a, err := scanAsset(r.p.QueryRow(ctx, `select `+assetCols+` from asset`+w.String()+` order by created_at asc limit 1`, w.args...))
	if err != nil {
		return models.Asset{}, mapRowErr(err)
	}
	return a, nil
}

func (r *assetRepo) Get(ctx context.Context, id string) (models.Asset, error) {
	a, err := scanAsset(r.p.QueryRow(ctx, `select `+assetCols+` from asset where id = $1`, id))
	if err != nil {
		return models.Asset{}, mapRowErr(err)
	}
	return a, nil
}

func (r *assetRepo) Search(ctx context.Context, f models.AssetFilter) ([]models.Asset, int, error) {
	var w where
	w.add("account_id = $?", f.AccountID)
	if f.WorkspaceID != nil {
		w.add("workspace_id = $?", *f.WorkspaceID)
	}
	if f.Scope != nil {
		w.add("scope = $?", string(*f.Scope))
	}
	if len(f.Statuses) > 0 {
		w.add("status = any($?)", strs(f.Statuses))
	} else {
		w.add("status <> $?", string(models.AssetDeleted))
	}
	if f.MimePrefix != "" {
		w.add("mime_type like $? || '%'", escapeLike(f.MimePrefix))
	}
	if f.NameContains != "" {
		w.add("name ilike '%' || $? || '%'", escapeLike(f.NameContains))
	}
	if f.CreatedAfter != nil {
		w.add("created_at >= $?", *f.CreatedAfter)
	}
	if f.CreatedBefore != nil {
		w.add("created_at < $?", *f.CreatedBefore)
	}
	var total int
	if err := r.p.QueryRow(ctx, `select count(*) from asset`+w.String(), w.args...).Scan(&total); err != nil {
		return nil, 0, err
	}
	q := `select ` + assetCols + ` from asset` + w.String() +
		` order by created_at desc, id asc limit ` + w.next(clampLimit(f.Limit, 50, 500)) + ` offset ` + w.next(max(f.Offset, 0))
	rows, err := r.p.Query(ctx, q, w.args...)
	if err != nil {
		return nil, 0, err
	}
	out, err := collectAssets(rows)
	return out, total, err
}

func (r *assetRepo) Update(ctx context.Context, id string, p models.AssetPatch) (models.Asset, error) {
	q := `update asset set
	          name = coalesce($2, name),
	          workspace_id = coalesce($3, workspace_id),
	          metadata = coalesce($4, metadata),
	          updated_at = now()
	      where id = $1 and status <> 'deleted'
	      returning ` + assetCols
	var meta any
	if p.Metadata != nil {
		meta = p.Metadata
	}
	a, err := scanAsset(r.p.QueryRow(ctx, q, id, p.Name, p.WorkspaceID, meta))
	if err != nil {
		return models.Asset{}, r.guardErr(ctx, id, err)
	}
	return a, nil
}

func (r *assetRepo) SetStatus(ctx context.Context, id string, from []models.AssetStatus, to models.AssetStatus) (models.Asset, error) {
	q := `update asset set status = $2, updated_at = now() where id = $1 and status = any($3) returning ` + assetCols
	a, err := scanAsset(r.p.QueryRow(ctx, q, id, string(to), strs(from)))
	if err != nil {
		return models.Asset{}, r.guardErr(ctx, id, err)
	}
	return a, nil
}

func (r *assetRepo) SetLocation(ctx context.Context, id string, from models.AssetStatus, key string, to models.AssetStatus) (models.Asset, error) {
	q := `update asset set storage_key = $3, status = $4, updated_at = now()
	      where id = $1 and status = $2 returning ` + assetCols
	a, err := scanAsset(r.p.QueryRow(ctx, q, id, string(from), key, string(to)))
	if err != nil {
		return models.Asset{}, r.guardErr(ctx, id, err)
	}
	return a, nil
}

func (r *assetRepo) SetVersion(ctx context.Context, id string, expectVersion int, v models.VersionUpdate) (models.Asset, error) {
	q := `update asset set version = $3, storage_key = $4, size_bytes = $5, checksum_sha256 = $6,
	          mime_type = coalesce(nullif($7, ''), mime_type), updated_at = now()
	      where id = $1 and version = $2 and status = 'ready'
	      returning ` + assetCols
	a, err := scanAsset(r.p.QueryRow(ctx, q, id, expectVersion, v.Version, v.StorageKey, v.SizeBytes, v.ChecksumSHA256, v.MimeType))
	if err != nil {
		return models.Asset{}, r.guardErr(ctx, id, err)
	}
	return a, nil
}

func (r *assetRepo) SoftDelete(ctx context.Context, id string, from []models.AssetStatus, deletedAt, hardDeleteAt time.Time) (models.Asset, error) {
	q := `update asset set status = 'deleted', deleted_at = $3, hard_delete_at = $4, updated_at = now()
	      where id = $1 and status = any($2) returning ` + assetCols
	a, err := scanAsset(r.p.QueryRow(ctx, q, id, strs(from), deletedAt, hardDeleteAt))
	if err != nil {
		return models.Asset{}, r.guardErr(ctx, id, err)
	}
	return a, nil
}

func (r *assetRepo) Delete(ctx context.Context, id string) (bool, error) {
	ct, err := r.p.Exec(ctx, `delete from asset where id = $1`, id)
	if err != nil {
		return false, mapPgErr(err)
	}
	return ct.RowsAffected() > 0, nil
}

func (r *assetRepo) ListExpiredForPurge(ctx context.Context, asOf time.Time, limit int) ([]models.Asset, error) {
	q := `select ` + assetCols + ` from asset
	      where status = 'deleted' and hard_delete_at <= $1
	      order by hard_delete_at asc limit $2`
	rows, err := r.p.Query(ctx, q, asOf, clampLimit(limit, 100, 1000))
	if err != nil {
		return nil, err
	}
	return collectAssets(rows)
}

func (r *assetRepo) ListByStatus(ctx context.Context, status models.AssetStatus, limit int) ([]models.Asset, error) {
	q := `select ` + assetCols + ` from asset where status = $1 order by updated_at asc limit $2`
	rows, err := r.p.Query(ctx, q, string(status), clampLimit(limit, 100, 1000))
	if err != nil {
		return nil, err
	}
	return collectAssets(rows)
}

func (r *assetRepo) ListByAccount(ctx context.Context, accountID, afterID string, limit int) ([]models.Asset, error) {
	q := `select ` + assetCols + ` from asset where account_id = $1 and id > $2 order by id asc limit $3`
	rows, err := r.p.Query(ctx, q, accountID, afterID, clampLimit(limit, 100, 1000))
	if err != nil {
		return nil, err
	}
	return collectAssets(rows)
}

func (r *assetRepo) guardErr(ctx context.Context, id string, err error) error {
	if !errors.Is(err, pgx.ErrNoRows) {
		return mapPgErr(err)
	}
	var one int
	if err := r.p.QueryRow(ctx, `select 1 from asset where id = $1`, id).Scan(&one); err != nil {
		return mapRowErr(err)
	}
	return ErrConflict
}

func escapeLike(s string) string {
	return strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(s)
}
