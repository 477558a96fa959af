// Package policy decides whether an asset may be served in a given
// (action, channel) context and mints time-limited URLs for it.
package policy

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"go.uber.org/zap"

	"github.com/yourorg/assetgw/internal/apperr"
	"github.com/yourorg/assetgw/internal/audit"
	"github.com/yourorg/assetgw/internal/db"
	"github.com/yourorg/assetgw/internal/metrics"
	"github.com/yourorg/assetgw/internal/models"
	"github.com/yourorg/assetgw/internal/storage"
)

// ErrForbidden is the only failure SignAsset reports for a refused request,
// whether the asset is missing or the context is not allowed.
var ErrForbidden = apperr.E(apperr.AccessDenied, "policy.SignAsset", "forbidden")

// Deny reasons recorded on the audit trail.
const (
	ReasonNotFound      = "asset not found"
	ReasonNotServable   = "asset not servable"
	ReasonContextDenied = "context not allowed"
)

const (
	defaultCacheSize = 1024
	// Invalidation only reaches the local cache, so other replicas see a
	// policy change once their entry expires.
	defaultCacheTTL  = 5 * time.Second
)

type Engine struct {
	policies db.PolicyRepository
	assets   db.AssetRepository
	store    storage.Store
	audit    *audit.Service
	cache    *expirable.LRU[string, models.AssetPolicy]
	log      *zap.Logger
	now      func() time.Time

	cacheSize int
	cacheTTL  time.Duration
}

type Option func(*Engine)

func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithCache sizes the resolved-policy cache. A zero ttl keeps the default.
// The ttl bounds how long another replica may serve a changed policy.
func WithCache(size int, ttl time.Duration) Option {
	return func(e *Engine) {
		if size > 0 {
			e.cacheSize = size
		}
		if ttl > 0 {
			e.cacheTTL = ttl
		}
	}
}

func New(policies db.PolicyRepository, assets db.AssetRepository, store storage.Store, aud *audit.Service, log *zap.Logger, opts ...Option) *Engine {
	if log == nil {
		log = zap.NewNop()
	}
	e := &Engine{
		policies:  policies,
		assets:    assets,
		store:     store,
		audit:     aud,
		log:       log.Named("policy"),
		now:       time.Now,
		cacheSize: defaultCacheSize,
		cacheTTL:  defaultCacheTTL,
	}
	for _, o := range opts {
		o(e)
	}
	e.cache = expirable.NewLRU[string, models.AssetPolicy](e.cacheSize, nil, e.cacheTTL)
	return e
}

func cacheKey(accountID string, scope models.Scope) string {
	return accountID + "|" + string(scope)
}

// ResolvePolicy returns the effective policy for scope: the account's own
// active row, else the global active row, else the built-in default.
func (e *Engine) ResolvePolicy(ctx context.Context, accountID string, scope models.Scope) (models.AssetPolicy, error) {
	const op = "policy.ResolvePolicy"
	if !scope.Valid() {
		return models.AssetPolicy{}, apperr.E(apperr.Validation, op, "unknown scope %q", scope)
	}
	key := cacheKey(accountID, scope)
	if p, ok := e.cache.Get(key); ok {
		return p, nil
	}
	owners := []*string{nil}
	if accountID != "" {
		owners = []*string{&accountID, nil}
	}
	for _, owner := range owners {
		p, err := e.policies.FindActive(ctx, scope, owner)
		if err == nil {
			e.cache.Add(key, p)
			return p, nil
		}
		if !errors.Is(err, db.ErrNotFound) {
			return models.AssetPolicy{}, db.AppErr(op, err, apperr.Conflict)
		}
	}
	p, _ := DefaultPolicy(scope)
	e.cache.Add(key, p)
	return p, nil
}

// AccessRequest asks to serve an asset in a context.
type AccessRequest struct {
	AssetID string
	Context models.AccessContext
	// TTLSeconds is the requested lifetime; zero selects the policy default.
	TTLSeconds  int
	Disposition string
	FileName    string
}

// Decision is the outcome of EvaluateAccess. Reason is set on denial.
type Decision struct {
	Allowed bool
	Reason  string
	Asset   models.Asset
	Policy  models.AssetPolicy
	TTL     time.Duration
}

// EvaluateAccess checks req against the asset's status and the resolved
// policy. Denials are audited before returning. Ownership is checked by the
// caller.
func (e *Engine) EvaluateAccess(ctx context.Context, c models.Caller, req AccessRequest) (Decision, error) {
	const op = "policy.EvaluateAccess"
	a, err := e.assets.Get(ctx, req.AssetID)
	if errors.Is(err, db.ErrNotFound) {
		return e.deny(ctx, c, req, ReasonNotFound), nil
	}
	if err != nil {
		return Decision{}, db.AppErr(op, err, apperr.Conflict)
	}
	if !a.Servable() {
		d := e.deny(ctx, c, req, ReasonNotServable)
		d.Asset = a
		return d, nil
	}
	p, err := e.ResolvePolicy(ctx, a.AccountID, a.Scope)
	if err != nil {
		return Decision{}, err
	}
	if !p.Allows(req.Context) {
		d := e.deny(ctx, c, req, ReasonContextDenied)
		d.Asset, d.Policy = a, p
		return d, nil
	}
	return Decision{Allowed: true, Asset: a, Policy: p, TTL: p.TTL(req.TTLSeconds)}, nil
}

func (e *Engine) deny(ctx context.Context, c models.Caller, req AccessRequest, reason string) Decision {
	metrics.AccessDenials.Inc()
	e.audit.AccessDenied(ctx, c, req.AssetID, req.Context, reason)
	e.log.Debug("access denied", zap.String("asset_id", req.AssetID),
		zap.String("context", req.Context.String()), zap.String("reason", reason))
	return Decision{Reason: reason}
}

// SignedURL is a time-limited link to an asset's bytes.
type SignedURL struct {
	URL        string
	ExpiresAt  time.Time
	TTLSeconds int
}

// SignAsset mints a URL for an allowed request. Any denial yields
// ErrForbidden so callers cannot tell a missing asset from a refused one.
func (e *Engine) SignAsset(ctx context.Context, c models.Caller, req AccessRequest) (*SignedURL, error) {
	const op = "policy.SignAsset"
	d, err := e.EvaluateAccess(ctx, c, req)
	if err != nil {
		return nil, err
	}
	if !d.Allowed {
		return nil, ErrForbidden
	}
	now := e.now()
	expires := now.Add(d.TTL)
	fileName := req.FileName
	if fileName == "" {
		fileName = d.Asset.Name
	}
	url, err := e.store.SignedURL(ctx, d.Asset.StorageKey, storage.SignOptions{
		TTL:         d.TTL,
		ExpiresAt:   expires,
		Disposition: req.Disposition,
		FileName:    fileName,
	})
	if err != nil {
		return nil, apperr.Wrap(apperr.StorageError, op, err)
	}
	metrics.SignedURLs.WithLabelValues(string(d.Asset.Scope)).Inc()
	e.audit.URLSigned(ctx, c, d.Asset.ID, req.Context, d.TTL)
	return &SignedURL{URL: url, ExpiresAt: expires, TTLSeconds: int(d.TTL / time.Second)}, nil
}

// CreatePolicy stores a new policy. A nil AccountID makes it global.
func (e *Engine) CreatePolicy(ctx context.Context, p models.AssetPolicy) (models.AssetPolicy, error) {
	const op = "policy.CreatePolicy"
	if err := validate(op, p.Scope, p.AllowedContexts, p.DefaultTTLSeconds, p.MaxTTLSeconds); err != nil {
		return models.AssetPolicy{}, err
	}
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	out, err := e.policies.Create(ctx, p)
	if err != nil {
		return models.AssetPolicy{}, db.AppErr(op, err, apperr.Conflict)
	}
	e.cache.Purge()
	e.log.Info("policy created", zap.String("policy_id", out.ID), zap.String("scope", string(out.Scope)))
	return out, nil
}

// UpdatePolicy applies patch. Signings on this engine after it returns see
// the change; other processes see it within their cache ttl.
func (e *Engine) UpdatePolicy(ctx context.Context, id string, patch models.PolicyPatch) (models.AssetPolicy, error) {
	const op = "policy.UpdatePolicy"
	cur, err := e.policies.Get(ctx, id)
	if err != nil {
		return models.AssetPolicy{}, db.AppErr(op, err, apperr.Conflict)
	}
	contexts, def, max := cur.AllowedContexts, cur.DefaultTTLSeconds, cur.MaxTTLSeconds
	if patch.AllowedContexts != nil {
		contexts = patch.AllowedContexts
	}
	if patch.DefaultTTLSeconds != nil {
		def = *patch.DefaultTTLSeconds
	}
	if patch.MaxTTLSeconds != nil {
		max = *patch.MaxTTLSeconds
	}
	if err := validate(op, cur.Scope, contexts, def, max); err != nil {
		return models.AssetPolicy{}, err
	}
	out, err := e.policies.Update(ctx, id, patch)
	if err != nil {
		return models.AssetPolicy{}, db.AppErr(op, err, apperr.Conflict)
	}
	e.cache.Purge()
	e.log.Info("policy updated", zap.String("policy_id", id))
	return out, nil
}

func (e *Engine) DeletePolicy(ctx context.Context, id string) error {
	if err := e.policies.Delete(ctx, id); err != nil {
		return db.AppErr("policy.DeletePolicy", err, apperr.Conflict)
	}
	e.cache.Purge()
	e.log.Info("policy deleted", zap.String("policy_id", id))
	return nil
}

func (e *Engine) GetPolicy(ctx context.Context, id string) (models.AssetPolicy, error) {
	p, err := e.policies.Get(ctx, id)
	if err != nil {
		return models.AssetPolicy{}, db.AppErr("policy.GetPolicy", err, apperr.Conflict)
	}
	return p, nil
}

func (e *Engine) ListPolicies(ctx context.Context, f models.PolicyFilter) ([]models.AssetPolicy, error) {
	out, err := e.policies.List(ctx, f)
	if err != nil {
		return nil, db.AppErr("policy.ListPolicies", err, apperr.Conflict)
	}
	return out, nil
}

func validate(op string, scope models.Scope, contexts []string, def, max int) error {
	if !scope.Valid() {
		return apperr.E(apperr.Validation, op, "unknown scope %q", scope)
	}
	if len(contexts) == 0 {
		return apperr.E(apperr.Validation, op, "allowed contexts must not be empty")
	}
	for _, c := range contexts {
		if c == models.WildcardContext {
			continue
		}
		if _, ok := models.ParseAccessContext(c); !ok {
			return apperr.E(apperr.Validation, op, "context %q is not action:channel", c)
		}
	}
	if def <= 0 || max <= 0 {
		return apperr.E(apperr.Validation, op, "ttl values must be positive")
	}
	if def > max {
		return apperr.E(apperr.Validation, op, "default ttl %ds exceeds max ttl %ds", def, max)
	}
	return nil
}
