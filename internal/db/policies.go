package db

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"

	"github.com/yourorg/assetgw/internal/models"
)

func NewPolicyRepo(p *Pool) PolicyRepository { return &policyRepo{p: p} }

type policyRepo struct{ p *Pool }

const policyCols = `id, scope, allowed_contexts, default_ttl_seconds, max_ttl_seconds, account_id, constraints,
	is_active, created_at, updated_at`

func scanPolicy(row pgx.Row) (models.AssetPolicy, error) {
	var p models.AssetPolicy
	var scope string
	err := row.Scan(&p.ID, &scope, &p.AllowedContexts, &p.DefaultTTLSeconds, &p.MaxTTLSeconds, &p.AccountID,
		&p.Constraints, &p.IsActive, &p.CreatedAt, &p.UpdatedAt)
	p.Scope = models.Scope(scope)
	return p, err
}

func (r *policyRepo) Create(ctx context.Context, p models.AssetPolicy) (models.AssetPolicy, error) {
	q := `insert into asset_policy (id, scope, allowed_contexts, default_ttl_seconds, max_ttl_seconds, account_id,
	          constraints, is_active)
	      values ($1, $2, $3, $4, $5, $6, $7, $8)
	      returning ` + policyCols
	out, err := scanPolicy(r.p.QueryRow(ctx, q, p.ID, string(p.Scope), nonNil(p.AllowedContexts), p.DefaultTTLSeconds,
		p.MaxTTLSeconds, p.AccountID, p.Constraints, p.IsActive))
	if err != nil {
		return models.AssetPolicy{}, mapPgErr(err)
	}
	return out, nil
}

func (r *policyRepo) Get(ctx context.Context, id string) (models.AssetPolicy, error) {
	p, err := scanPolicy(r.p.QueryRow(ctx, `select `+policyCols+` from asset_policy where id = $1`, id))
	if err != nil {
		return models.AssetPolicy{}, mapRowErr(err)
	}
	return p, nil
}

func (r *policyRepo) Update(ctx context.Context, id string, p models.PolicyPatch) (models.AssetPolicy, error) {
	q := `update asset_policy set
	          allowed_contexts = coalesce($2, allowed_contexts),
	          default_ttl_seconds = coalesce($3, default_ttl_seconds),
	          max_ttl_seconds = coalesce($4, max_ttl_seconds),
	          constraints = coalesce($5, constraints),
	          is_active = coalesce($6, is_active),
	          updated_at = now()
	      where id = $1
	      returning ` + policyCols
	var contexts, constraints any
	if p.AllowedContexts != nil {
		contexts = p.AllowedContexts
	}
	if p.Constraints != nil {
		constraints = *p.Constraints
	}
	out, err := scanPolicy(r.p.QueryRow(ctx, q, id, contexts, p.DefaultTTLSeconds, p.MaxTTLSeconds, constraints, p.IsActive))
	if err != nil {
		return models.AssetPolicy{}, mapRowErr(err)
	}
	return out, nil
}

func (r *policyRepo) Delete(ctx context.Context, id string) error {
	ct, err := r.p.Exec(ctx, `delete from asset_policy where id = $1`, id)
	if err != nil {
		return err
	}
	if ct.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *policyRepo) List(ctx context.Context, f models.PolicyFilter) ([]models.AssetPolicy, error) {
	var w where
	if f.Scope != nil {
		w.add("scope = $?", string(*f.Scope))
	}
	switch {
	case f.GlobalOnly:
		w.conds = append(w.conds, "account_id is null")
	case f.AccountID != nil:
		w.add("account_id = $?", *f.AccountID)
	}
	if f.ActiveOnly {
		w.conds = append(w.conds, "is_active")
	}
	rows, err := r.p.Query(ctx, `select `+policyCols+` from asset_policy`+w.String()+` order by scope asc, created_at asc`, w.args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []models.AssetPolicy
	for rows.Next() {
		p, err := scanPolicy(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (r *policyRepo) FindActive(ctx context.Context, scope models.Scope, accountID *string) (models.AssetPolicy, error) {
	q := `select ` + policyCols + ` from asset_policy where scope = $1 and is_active and account_id is null limit 1`
	args := []any{string(scope)}
	if accountID != nil {
		q = `select ` + policyCols + ` from asset_policy where scope = $1 and is_active and account_id = $2 limit 1`
		args = append(args, *accountID)
	}
	p, err := scanPolicy(r.p.QueryRow(ctx, q, args...))
	if errors.Is(err, pgx.ErrNoRows) {
		return models.AssetPolicy{}, ErrNotFound
	}
	if err != nil {
		return models.AssetPolicy{}, err
	}
	return p, nil
}
