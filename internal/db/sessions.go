package db

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/yourorg/assetgw/internal/models"
)

func NewSessionRepo(p *Pool) SessionRepository { return &sessionRepo{p: p} }

type sessionRepo struct{ p *Pool }

const sessionCols = `id, account_id, uploaded_by, max_size_bytes, allowed_mime_types, file_name, mime_type,
	total_bytes, bytes_uploaded, chunks_received, temp_storage_key, status, expires_at, asset_id, created_at, updated_at`

func scanSession(row pgx.Row) (models.UploadSession, error) {
	var s models.UploadSession
	var status string
	err := row.Scan(&s.ID, &s.AccountID, &s.UploadedBy, &s.MaxSizeBytes, &s.AllowedMimeTypes, &s.FileName, &s.MimeType,
		&s.TotalBytes, &s.BytesUploaded, &s.ChunksReceived, &s.TempStorageKey, &status, &s.ExpiresAt, &s.AssetID,
		&s.CreatedAt, &s.UpdatedAt)
	s.Status = models.SessionStatus(status)
	return s, err
}

func (r *sessionRepo) Create(ctx context.Context, s models.UploadSession) (models.UploadSession, error) {
	q := `insert into upload_session (id, account_id, uploaded_by, max_size_bytes, allowed_mime_types, file_name,
	          mime_type, total_bytes, temp_storage_key, status, expires_at)
	      values ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	      returning ` + sessionCols
	out, err := scanSession(r.p.QueryRow(ctx, q, s.ID, s.AccountID, s.UploadedBy, s.MaxSizeBytes, nonNil(s.AllowedMimeTypes),
		s.FileName, s.MimeType, s.TotalBytes, s.TempStorageKey, string(s.Status), s.ExpiresAt))
	if err != nil {
		return models.UploadSession{}, mapPgErr(err)
	}
	return out, nil
}

func (r *sessionRepo) Get(ctx context.Context, id string) (models.UploadSession, error) {
	s, err := scanSession(r.p.QueryRow(ctx, `select `+sessionCols+` from upload_session where id = $1`, id))
	if err != nil {
		return models.UploadSession{}, mapRowErr(err)
	}
	return s, nil
}

func (r *sessionRepo) RecordUpload(ctx context.Context, id string, u models.SessionUpdate) (models.UploadSession, error) {
	q := `update upload_session set
	          status = 'uploading',
	          bytes_uploaded = bytes_uploaded + $3,
	          chunks_received = chunks_received + 1,
	          temp_storage_key = coalesce(nullif($4, ''), temp_storage_key),
	          file_name = coalesce(nullif($5, ''), file_name),
	          mime_type = coalesce(nullif($6, ''), mime_type),
	          updated_at = now()
	      where id = $1 and status in ('active', 'uploading') and chunks_received = $2
	        and bytes_uploaded + $3 <= max_size_bytes
	      returning ` + sessionCols
	s, err := scanSession(r.p.QueryRow(ctx, q, id, u.ExpectedChunks, u.AddBytes, u.TempStorageKey, u.FileName, u.MimeType))
	if err != nil {
		return models.UploadSession{}, r.guardErr(ctx, id, err)
	}
	return s, nil
}

func (r *sessionRepo) MarkCommitted(ctx context.Context, id, tempKey string) (models.UploadSession, error) {
	q := `update upload_session set status = 'committed', temp_storage_key = $2, updated_at = now()
	      where id = $1 and status = 'uploading'
	      returning ` + sessionCols
	s, err := scanSession(r.p.QueryRow(ctx, q, id, tempKey))
	if err != nil {
		return models.UploadSession{}, r.guardErr(ctx, id, err)
	}
	return s, nil
}

func (r *sessionRepo) Transition(ctx context.Context, id string, from []models.SessionStatus, to models.SessionStatus) (models.UploadSession, error) {
	q := `update upload_session set status = $2, updated_at = now()
	      where id = $1 and status = any($3)
	      returning ` + sessionCols
	s, err := scanSession(r.p.QueryRow(ctx, q, id, string(to), strs(from)))
	if err != nil {
		return models.UploadSession{}, r.guardErr(ctx, id, err)
	}
	return s, nil
}

func (r *sessionRepo) LinkAsset(ctx context.Context, id, assetID string) error {
	ct, err := r.p.Exec(ctx, `update upload_session set asset_id = $2, updated_at = now() where id = $1`, id, assetID)
	if err != nil {
		return mapPgErr(err)
	}
	if ct.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *sessionRepo) ClaimExpired(ctx context.Context, now time.Time, limit int) ([]models.UploadSession, error) {
	limit = clampLimit(limit, 100, 1000)
	// SKIP LOCKED lets several sweepers run side by side.
	q := `with cte as (
	          select id from upload_session
	          where status in ('active', 'uploading') and expires_at <= $1
	          order by expires_at asc
	          for update skip locked
	          limit $2
	      )
	      update upload_session s set status = 'expired', updated_at = now()
	      from cte where s.id = cte.id
	      returning ` + prefixed("s.", sessionCols)
	rows, err := r.p.Query(ctx, q, now, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []models.UploadSession
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// guardErr tells a missing row from a failed guard after an update matched nothing.
func (r *sessionRepo) guardErr(ctx context.Context, id string, err error) error {
	if !errors.Is(err, pgx.ErrNoRows) {
		return mapPgErr(err)
	}
	var one int
	if err := r.p.QueryRow(ctx, `select 1 from upload_session where id = $1`, id).Scan(&one); err != nil {
		return mapRowErr(err)
	}
	return ErrConflict
}
