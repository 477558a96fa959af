package db

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/yourorg/assetgw/internal/models"
)

func NewAuditRepo(p *Pool) AuditRepository { return &auditRepo{p: p} }

type auditRepo struct{ p *Pool }

const auditCols = `id, asset_id, session_id, action, actor_id, actor_type, context, account_id, metadata,
	success, error_message, created_at`

func scanAudit(row pgx.Row) (models.AuditLogEntry, error) {
	var e models.AuditLogEntry
	var action, actorType string
	err := row.Scan(&e.ID, &e.AssetID, &e.SessionID, &action, &e.ActorID, &actorType, &e.Context, &e.AccountID,
		&e.Metadata, &e.Success, &e.ErrorMessage, &e.Timestamp)
	e.Action = models.AuditAction(action)
	e.ActorType = models.ActorType(actorType)
	return e, err
}

func (r *auditRepo) Append(ctx context.Context, e models.AuditLogEntry) error {
	const q = `insert into audit_log (id, asset_id, session_id, action, actor_id, actor_type, context, account_id,
	               metadata, success, error_message, created_at)
	           values ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`
	_, err := r.p.Exec(ctx, q, e.ID, e.AssetID, e.SessionID, string(e.Action), e.ActorID, string(e.ActorType),
		e.Context, e.AccountID, jsonObject(e.Metadata), e.Success, e.ErrorMessage, e.Timestamp)
	return mapPgErr(err)
}

func (r *auditRepo) Query(ctx context.Context, f models.AuditFilter) ([]models.AuditLogEntry, int, error) {
	var w where
	w.add("account_id = $?", f.AccountID)
	if f.AssetID != "" {
		w.add("asset_id = $?", f.AssetID)
	}
	if f.SessionID != "" {
		w.add("session_id = $?", f.SessionID)
	}
	if f.ActorID != "" {
		w.add("actor_id = $?", f.ActorID)
	}
	if len(f.Actions) > 0 {
		w.add("action = any($?)", strs(f.Actions))
	}
	if f.Success != nil {
		w.add("success = $?", *f.Success)
	}
	if f.From != nil {
		w.add("created_at >= $?", *f.From)
	}
	if f.To != nil {
		w.add("created_at < $?", *f.To)
	}
	var total int
	if err := r.p.QueryRow(ctx, `select count(*) from audit_log`+w.String(), w.args...).Scan(&total); err != nil {
		return nil, 0, err
	}
	q := `select ` + auditCols + ` from audit_log` + w.String() +
		` order by created_at desc, id desc limit ` + w.next(clampLimit(f.Limit, 100, 1000)) + ` offset ` + w.next(max(f.Offset, 0))
	rows, err := r.p.Query(ctx, q, w.args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var out []models.AuditLogEntry
	for rows.Next() {
		e, err := scanAudit(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, e)
	}
	return out, total, rows.Err()
}

func (r *auditRepo) CountByAction(ctx context.Context, accountID string, from, to time.Time) (models.ActionCounts, error) {
	const q = `select action, count(*), count(*) filter (where not success)
	           from audit_log
	           where account_id = $1 and created_at >= $2 and created_at < $3
	           group by action`
	rows, err := r.p.Query(ctx, q, accountID, from, to)
	if err != nil {
		return models.ActionCounts{}, err
	}
	defer rows.Close()
	out := models.ActionCounts{ByAction: map[models.AuditAction]int64{}}
	for rows.Next() {
		var action string
		var n, failed int64
		if err := rows.Scan(&action, &n, &failed); err != nil {
			return models.ActionCounts{}, err
		}
		out.ByAction[models.AuditAction(action)] = n
		out.Failed += failed
	}
	return out, rows.Err()
}

func (r *auditRepo) DeleteByAccount(ctx context.Context, accountID string) (int64, error) {
	ct, err := r.p.Exec(ctx, `delete from audit_log where account_id = $1`, accountID)
	if err != nil {
		return 0, err
	}
	return ct.RowsAffected(), nil
}
