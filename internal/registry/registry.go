// Package registry is the source of truth for committed assets. It turns
// committed upload sessions into assets, collapses duplicate content inside
// the dedup scope and owns the asset lifecycle.
package registry

import (
	"context"
	"errors"
	"io"
	"maps"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/yourorg/assetgw/internal/apperr"
	"github.com/yourorg/assetgw/internal/audit"
	"github.com/yourorg/assetgw/internal/db"
	"github.com/yourorg/assetgw/internal/locks"
	"github.com/yourorg/assetgw/internal/metrics"
	"github.com/yourorg/assetgw/internal/models"
	"github.com/yourorg/assetgw/internal/storage"
	"github.com/yourorg/assetgw/internal/upload"
)

const (
	DefaultRetention        = 30 * 24 * time.Hour
	defaultPurgeConcurrency = 4
	defaultMaxVersionBytes  = upload.DefaultMaxSizeBytes
	dedupLockTTL            = 30 * time.Second
	defaultSearchLimit      = 50
	maxSearchLimit          = 500
)

// Committer finalizes upload sessions. *upload.Gateway implements it.
type Committer interface {
	Commit(ctx context.Context, c models.Caller, sessionID string) (upload.CommitResult, error)
	LinkAsset(ctx context.Context, sessionID, assetID string) error
	DiscardStaged(ctx context.Context, sessionID string)
}

// PolicyResolver returns the effective policy of a scope. *policy.Engine
// implements it.
type PolicyResolver interface {
	ResolvePolicy(ctx context.Context, accountID string, scope models.Scope) (models.AssetPolicy, error)
}

type Config struct {
	Retention        time.Duration `mapstructure:"retention"`
	PurgeConcurrency int           `mapstructure:"purge_concurrency"`
	MaxVersionBytes  int64         `mapstructure:"max_version_bytes"`
}

func (c Config) withDefaults() Config {
	if c.Retention <= 0 {
		c.Retention = DefaultRetention
	}
	if c.PurgeConcurrency <= 0 {
		c.PurgeConcurrency = defaultPurgeConcurrency
	}
	if c.MaxVersionBytes <= 0 {
		c.MaxVersionBytes = defaultMaxVersionBytes
	}
	return c
}

type Service struct {
	assets   db.AssetRepository
	store    storage.Store
	uploads  Committer
	locker   locks.Locker
	policies PolicyResolver
	audit    *audit.Service
	cfg      Config
	log      *zap.Logger
	now      func() time.Time
}

type Option func(*Service)

func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithPolicies enforces the scope policy's size and MIME constraints on new
// assets.
func WithPolicies(p PolicyResolver) Option {
	return func(s *Service) { s.policies = p }
}

func New(assets db.AssetRepository, store storage.Store, uploads Committer, locker locks.Locker, aud *audit.Service, cfg Config, log *zap.Logger, opts ...Option) *Service {
	if log == nil {
		log = zap.NewNop()
	}
	if locker == nil {
		locker = locks.NewLocal()
	}
	s := &Service{
		assets:  assets,
		store:   store,
		uploads: uploads,
		locker:  locker,
		audit:   aud,
		cfg:     cfg.withDefaults(),
		log:     log.Named("registry"),
		now:     time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// CreateRequest turns a session into an asset.
type CreateRequest struct {
	SessionID   string
	Name        string
	WorkspaceID *string
	Scope       models.Scope
	DedupPolicy models.DedupPolicy
	Metadata    map[string]any
}

// CreateResult reports whether the upload collapsed onto an existing asset.
type CreateResult struct {
	Asset        models.Asset
	Deduplicated bool
}

// CreateFromUpload commits the session and registers its content. With a
// dedup policy other than none, content already present in the scope is
// returned unchanged and the new bytes are discarded. Content matching an
// archived asset is registered as a separate asset without deduplication.
func (s *Service) CreateFromUpload(ctx context.Context, c models.Caller, req CreateRequest) (CreateResult, error) {
	const op = "registry.CreateFromUpload"
	if req.DedupPolicy == "" {
		req.DedupPolicy = models.DedupNone
	}
	if !req.Scope.Valid() {
		return CreateResult{}, apperr.E(apperr.Validation, op, "unknown scope %q", req.Scope)
	}
	if !req.DedupPolicy.Valid() {
		return CreateResult{}, apperr.E(apperr.Validation, op, "unknown dedup policy %q", req.DedupPolicy)
	}
	res, err := s.uploads.Commit(ctx, c, req.SessionID)
	if err != nil {
		return CreateResult{}, err
	}
	if err := s.checkConstraints(ctx, c, req.Scope, res); err != nil {
		s.uploads.DiscardStaged(ctx, req.SessionID)
		return CreateResult{}, err
	}

	a := models.Asset{
		ID:              uuid.NewString(),
		AccountID:       c.AccountID,
		WorkspaceID:     req.WorkspaceID,
		Name:            firstNonEmpty(req.Name, res.FileName, "untitled"),
		MimeType:        res.MimeType,
		SizeBytes:       res.SizeBytes,
		ChecksumSHA256:  res.ChecksumSHA256,
		StorageKey:      res.StorageKey,
		StorageProvider: s.store.Provider(),
		Scope:           req.Scope,
		Status:          models.AssetPending,
		Version:         1,
		Metadata:        maps.Clone(req.Metadata),
	}
	if res.FileName != "" {
		a.OriginalName = &res.FileName
	}
	if c.Actor.ID != "" {
		a.CreatedBy = &c.Actor.ID
	}
	if a.Metadata == nil {
		a.Metadata = map[string]any{}
	}
	if res.DetectedMimeType != "" {
		a.Metadata["detected_mime_type"] = res.DetectedMimeType
	}

	if req.DedupPolicy == models.DedupNone {
		a.DedupPolicy = models.DedupNone
		a, err = s.assets.Insert(ctx, a)
		if err != nil {
			s.uploads.DiscardStaged(ctx, req.SessionID)
			return CreateResult{}, db.AppErr(op, err, apperr.Conflict)
		}
		return CreateResult{Asset: s.relocate(ctx, c, req.SessionID, a)}, nil
	}

	scope := models.ResolveDedupScope(req.DedupPolicy, c.AccountID, req.WorkspaceID)
	a.DedupPolicy = scope.Policy
	unlock, err := s.locker.Lock(ctx, "dedup:"+scope.Key()+":"+res.ChecksumSHA256, dedupLockTTL)
	if err != nil {
		// The unique indexes still hold; the lock only narrows the race.
		s.log.Warn("dedup lock unavailable", zap.String("session_id", req.SessionID), zap.Error(err))
	} else {
		defer func() {
			if err := unlock(context.WithoutCancel(ctx)); err != nil {
				s.log.Warn("dedup unlock failed", zap.Error(err))
			}
		}()
	}

	existing, err := s.assets.FindServableByChecksum(ctx, scope, res.ChecksumSHA256)
	switch {
	case err == nil:
		return CreateResult{Asset: s.dedupHit(ctx, c, req.SessionID, existing), Deduplicated: true}, nil
	case !errors.Is(err, db.ErrNotFound):
		s.uploads.DiscardStaged(ctx, req.SessionID)
		return CreateResult{}, db.AppErr(op, err, apperr.Conflict)
	}
	out, created, err := s.assets.InsertOrGetExisting(ctx, a)
	if err != nil {
		s.uploads.DiscardStaged(ctx, req.SessionID)
		return CreateResult{}, db.AppErr(op, err, apperr.Conflict)
	}
	if !created && out.Status == models.AssetArchived {
		s.log.Info("content matches an archived asset; registering without dedup",
			zap.String("archived_id", out.ID), zap.String("session_id", req.SessionID))
		a.DedupPolicy = models.DedupNone
		out, err = s.assets.Insert(ctx, a)
		if err != nil {
			s.uploads.DiscardStaged(ctx, req.SessionID)
			return CreateResult{}, db.AppErr(op, err, apperr.Conflict)
		}
		created = true
	}
	if !created {
		return CreateResult{Asset: s.dedupHit(ctx, c, req.SessionID, out), Deduplicated: true}, nil
	}
	return CreateResult{Asset: s.relocate(ctx, c, req.SessionID, out)}, nil
}

// checkConstraints rejects committed content the scope policy does not admit.
func (s *Service) checkConstraints(ctx context.Context, c models.Caller, scope models.Scope, res upload.CommitResult) error {
	const op = "registry.CreateFromUpload"
	if s.policies == nil {
		return nil
	}
	p, err := s.policies.ResolvePolicy(ctx, c.AccountID, scope)
	if err != nil {
		return err
	}
	lim := p.Constraints
	if lim.MaxSizeBytes > 0 && res.SizeBytes > lim.MaxSizeBytes {
		return apperr.E(apperr.LimitExceeded, op, "%d bytes exceeds the %s limit of %d", res.SizeBytes, scope, lim.MaxSizeBytes)
	}
	if !upload.MimeAllowed(lim.AllowedMimeTypes, res.MimeType) {
		return apperr.E(apperr.LimitExceeded, op, "content type %q is not allowed for %s", res.MimeType, scope)
	}
	return nil
}

func (s *Service) dedupHit(ctx context.Context, c models.Caller, sessionID string, existing models.Asset) models.Asset {
	s.uploads.DiscardStaged(ctx, sessionID)
	if err := s.uploads.LinkAsset(ctx, sessionID, existing.ID); err != nil {
		s.log.Warn("session link failed", zap.String("session_id", sessionID), zap.Error(err))
	}
	metrics.DedupHits.Inc()
	s.audit.DedupApplied(ctx, c, sessionID, existing.ID, existing.ChecksumSHA256)
	return existing
}

// relocate moves a pending asset's bytes to their permanent key and promotes
// it. When the move fails the asset stays servable from the staging key as
// relocation_pending until ReconcileRelocations succeeds.
func (s *Service) relocate(ctx context.Context, c models.Caller, sessionID string, a models.Asset) models.Asset {
	dst := models.PermanentKey(a.AccountID, a.ID, a.Version)
	to, key := models.AssetReady, dst
	if err := s.store.Move(ctx, a.StorageKey, dst); err != nil {
		s.log.Warn("relocation failed; asset left at staging key",
			zap.String("asset_id", a.ID), zap.String("key", a.StorageKey), zap.Error(err))
		to, key = models.AssetRelocationPending, a.StorageKey
	}
	out, err := s.assets.SetLocation(ctx, a.ID, models.AssetPending, key, to)
	if err != nil {
		s.log.Error("asset promotion failed", zap.String("asset_id", a.ID), zap.Error(err))
		out = a
	}
	if err := s.uploads.LinkAsset(ctx, sessionID, a.ID); err != nil {
		s.log.Warn("session link failed", zap.String("session_id", sessionID), zap.Error(err))
	}
	s.audit.StateChanged(ctx, c, a.ID, models.AssetPending, out.Status, map[string]any{
		"session_id":  sessionID,
		"storage_key": out.StorageKey,
		"version":     out.Version,
	})
	return out
}

// GetByID returns an asset of the caller's account.
func (s *Service) GetByID(ctx context.Context, c models.Caller, id string) (models.Asset, error) {
	const op = "registry.GetByID"
	a, err := s.assets.Get(ctx, id)
	if err != nil {
		return models.Asset{}, db.AppErr(op, err, apperr.Conflict)
	}
	if a.AccountID != c.AccountID {
		return models.Asset{}, apperr.E(apperr.NotFound, op, "asset %s", id)
	}
	return a, nil
}

// SearchResult is one page of assets.
type SearchResult struct {
	Assets []models.Asset
	Total  int
	Limit  int
	Offset int
}

// Search lists the caller's assets. Deleted assets are only returned when
// asked for by status.
func (s *Service) Search(ctx context.Context, c models.Caller, f models.AssetFilter) (SearchResult, error) {
	f.AccountID = c.AccountID
	switch {
	case f.Limit <= 0:
		f.Limit = defaultSearchLimit
	case f.Limit > maxSearchLimit:
		f.Limit = maxSearchLimit
	}
	f.Offset = max(f.Offset, 0)
	out, total, err := s.assets.Search(ctx, f)
	if err != nil {
		return SearchResult{}, db.AppErr("registry.Search", err, apperr.Conflict)
	}
	return SearchResult{Assets: out, Total: total, Limit: f.Limit, Offset: f.Offset}, nil
}

// Update edits name, metadata and workspace. Deleted assets are read-only.
func (s *Service) Update(ctx context.Context, c models.Caller, id string, p models.AssetPatch) (models.Asset, error) {
	const op = "registry.Update"
	a, err := s.GetByID(ctx, c, id)
	if err != nil {
		return models.Asset{}, err
	}
	if p.Name != nil && *p.Name == "" {
		return models.Asset{}, apperr.E(apperr.Validation, op, "name must not be empty")
	}
	out, err := s.assets.Update(ctx, id, p)
	if err != nil {
		return models.Asset{}, db.AppErr(op, err, apperr.InvalidState)
	}
	var fields []string
	if p.Name != nil {
		fields = append(fields, "name")
	}
	if p.WorkspaceID != nil {
		fields = append(fields, "workspace_id")
	}
	if p.Metadata != nil {
		fields = append(fields, "metadata")
	}
	s.audit.StateChanged(ctx, c, id, a.Status, out.Status, map[string]any{"updated": fields})
	return out, nil
}

// Open streams the bytes of a servable asset and records the download.
func (s *Service) Open(ctx context.Context, c models.Caller, id string, ac *models.AccessContext) (io.ReadCloser, models.Asset, error) {
	const op = "registry.Open"
	a, err := s.GetByID(ctx, c, id)
	if err != nil {
		return nil, models.Asset{}, err
	}
	if !a.Servable() {
		return nil, models.Asset{}, apperr.E(apperr.InvalidState, op, "asset %s is %s", id, a.Status)
	}
	rc, _, err := s.store.Download(ctx, a.StorageKey)
	if err != nil {
		return nil, models.Asset{}, storageErr(op, err)
	}
	s.audit.Download(ctx, c, id, ac)
	return rc, a, nil
}

func storageErr(op string, err error) error {
	if errors.Is(err, storage.ErrObjectNotFound) {
		return apperr.Wrap(apperr.NotFound, op, err)
	}
	return apperr.Wrap(apperr.StorageError, op, err)
}

func firstNonEmpty(vs ...string) string {
	for _, v := range vs {
		if v != "" {
			return v
		}
	}
	return ""
}
