package registry

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/yourorg/assetgw/internal/apperr"
	"github.com/yourorg/assetgw/internal/db"
	"github.com/yourorg/assetgw/internal/iopkg"
	"github.com/yourorg/assetgw/internal/metrics"
	"github.com/yourorg/assetgw/internal/models"
	"github.com/yourorg/assetgw/internal/storage"
)

// Delete soft-deletes an asset. Its bytes stay until the retention window
// has passed and a purge runs.
func (s *Service) Delete(ctx context.Context, c models.Caller, id string) (models.Asset, error) {
	const op = "registry.Delete"
	if _, err := s.GetByID(ctx, c, id); err != nil {
		return models.Asset{}, err
	}
	now := s.now()
	hardDeleteAt := now.Add(s.cfg.Retention)
	out, err := s.assets.SoftDelete(ctx, id, []models.AssetStatus{
		models.AssetPending, models.AssetReady, models.AssetRelocationPending, models.AssetArchived,
	}, now, hardDeleteAt)
	if err != nil {
		return models.Asset{}, db.AppErr(op, err, apperr.InvalidState)
	}
	s.audit.Deleted(ctx, c, id, hardDeleteAt)
	return out, nil
}

// Archive hides a ready asset from serving without touching its bytes.
func (s *Service) Archive(ctx context.Context, c models.Caller, id string) (models.Asset, error) {
	return s.toggle(ctx, c, id, "registry.Archive", models.AssetReady, models.AssetArchived)
}

// Restore brings an archived asset back to ready.
func (s *Service) Restore(ctx context.Context, c models.Caller, id string) (models.Asset, error) {
	return s.toggle(ctx, c, id, "registry.Restore", models.AssetArchived, models.AssetReady)
}

func (s *Service) toggle(ctx context.Context, c models.Caller, id, op string, from, to models.AssetStatus) (models.Asset, error) {
	if _, err := s.GetByID(ctx, c, id); err != nil {
		return models.Asset{}, err
	}
	out, err := s.assets.SetStatus(ctx, id, []models.AssetStatus{from}, to)
	if err != nil {
		return models.Asset{}, db.AppErr(op, err, apperr.InvalidState)
	}
	s.audit.StateChanged(ctx, c, id, from, to, nil)
	return out, nil
}

// Purge removes every stored version and then the row. Purging an asset that
// no longer exists succeeds, so retries after partial failure are safe.
func (s *Service) Purge(ctx context.Context, c models.Caller, id string) error {
	const op = "registry.Purge"
	a, err := s.assets.Get(ctx, id)
	if errors.Is(err, db.ErrNotFound) {
		return nil
	}
	if err != nil {
		return db.AppErr(op, err, apperr.Conflict)
	}
	if a.AccountID != c.AccountID {
		return apperr.E(apperr.NotFound, op, "asset %s", id)
	}
	return s.purge(ctx, c, a)
}

func (s *Service) purge(ctx context.Context, c models.Caller, a models.Asset) error {
	const op = "registry.Purge"
	if err := s.deleteBytes(ctx, a); err != nil {
		metrics.Purges.WithLabelValues("failed").Inc()
		err = apperr.Wrap(apperr.StorageError, op, err)
		s.audit.Purged(ctx, c, a.ID, err)
		return err
	}
	gone, err := s.assets.Delete(ctx, a.ID)
	if err != nil {
		metrics.Purges.WithLabelValues("failed").Inc()
		return db.AppErr(op, err, apperr.Conflict)
	}
	if gone {
		metrics.Purges.WithLabelValues("purged").Inc()
		s.audit.Purged(ctx, c, a.ID, nil)
	}
	return nil
}

// deleteBytes removes all versions under the asset prefix plus a staging key
// the asset may still point at.
func (s *Service) deleteBytes(ctx context.Context, a models.Asset) error {
	prefix := models.AssetPrefix(a.AccountID, a.ID)
	objs, err := s.store.List(ctx, prefix)
	if err != nil {
		return err
	}
	keys := make([]string, 0, len(objs)+1)
	for _, o := range objs {
		keys = append(keys, o.Key)
	}
	if a.StorageKey != "" && !strings.HasPrefix(a.StorageKey, prefix) {
		keys = append(keys, a.StorageKey)
	}
	if len(keys) == 0 {
		return nil
	}
	return s.store.DeleteMany(ctx, keys)
}

// PurgeFailure is one asset a batch purge could not remove.
type PurgeFailure struct {
	AssetID string
	Err     error
}

// PurgeReport summarizes a batch purge.
type PurgeReport struct {
	Purged   int
	Failures []PurgeFailure
}

func (r PurgeReport) Err() error {
	if len(r.Failures) == 0 {
		return nil
	}
	errs := make([]error, len(r.Failures))
	for i, f := range r.Failures {
		errs[i] = fmt.Errorf("%s: %w", f.AssetID, f.Err)
	}
	return errors.Join(errs...)
}

// PurgeAccount purges every asset of the caller's account. Per-asset
// failures are collected and the batch carries on.
func (s *Service) PurgeAccount(ctx context.Context, c models.Caller) (PurgeReport, error) {
	const op = "registry.PurgeAccount"
	var all []models.Asset
	after := ""
	for {
		batch, err := s.assets.ListByAccount(ctx, c.AccountID, after, 200)
		if err != nil {
			return PurgeReport{}, db.AppErr(op, err, apperr.Conflict)
		}
		if len(batch) == 0 {
			break
		}
		all = append(all, batch...)
		after = batch[len(batch)-1].ID
	}
	rep := s.purgeAll(ctx, all, func(models.Asset) models.Caller { return c })
	s.log.Info("account purged", zap.String("account_id", c.AccountID),
		zap.Int("purged", rep.Purged), zap.Int("failed", len(rep.Failures)))
	return rep, nil
}

func (s *Service) purgeAll(ctx context.Context, assets []models.Asset, callerFor func(models.Asset) models.Caller) PurgeReport {
	var (
		mu  sync.Mutex
		rep PurgeReport
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.PurgeConcurrency)
	for _, a := range assets {
		g.Go(func() error {
			err := s.purge(gctx, callerFor(a), a)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				rep.Failures = append(rep.Failures, PurgeFailure{AssetID: a.ID, Err: err})
				s.log.Warn("purge failed", zap.String("asset_id", a.ID), zap.Error(err))
				return nil
			}
			rep.Purged++
			return nil
		})
	}
	_ = g.Wait()
	sort.Slice(rep.Failures, func(i, j int) bool { return rep.Failures[i].AssetID < rep.Failures[j].AssetID })
	return rep
}

// GetExpiredAssetsForPurge lists soft-deleted assets whose retention ended
// at or before now.
func (s *Service) GetExpiredAssetsForPurge(ctx context.Context, now time.Time, limit int) ([]models.Asset, error) {
	out, err := s.assets.ListExpiredForPurge(ctx, now, limit)
	if err != nil {
		return nil, db.AppErr("registry.GetExpiredAssetsForPurge", err, apperr.Conflict)
	}
	return out, nil
}

// PurgeExpired purges up to limit assets past retention on behalf of the
// system actor.
func (s *Service) PurgeExpired(ctx context.Context, limit int) (PurgeReport, error) {
	due, err := s.GetExpiredAssetsForPurge(ctx, s.now(), limit)
	if err != nil {
		return PurgeReport{}, err
	}
	rep := s.purgeAll(ctx, due, func(a models.Asset) models.Caller {
		return models.Caller{AccountID: a.AccountID, Actor: models.SystemActor}
	})
	metrics.SweepItems.WithLabelValues("retention", "purged").Add(float64(rep.Purged))
	metrics.SweepItems.WithLabelValues("retention", "failed").Add(float64(len(rep.Failures)))
	return rep, nil
}

// ReconcileReport summarizes a relocation pass.
type ReconcileReport struct {
	Relocated int
	Failed    int
}

// ReconcileRelocations retries the move to the permanent key for assets left
// at their staging key.
func (s *Service) ReconcileRelocations(ctx context.Context, limit int) (ReconcileReport, error) {
	pending, err := s.assets.ListByStatus(ctx, models.AssetRelocationPending, limit)
	if err != nil {
		return ReconcileReport{}, db.AppErr("registry.ReconcileRelocations", err, apperr.Conflict)
	}
	var rep ReconcileReport
	for _, a := range pending {
		if err := s.reconcile(ctx, a); err != nil {
			rep.Failed++
			metrics.SweepItems.WithLabelValues("relocation", "failed").Inc()
			s.log.Warn("relocation retry failed", zap.String("asset_id", a.ID), zap.Error(err))
			continue
		}
		rep.Relocated++
		metrics.SweepItems.WithLabelValues("relocation", "relocated").Inc()
	}
	return rep, nil
}

func (s *Service) reconcile(ctx context.Context, a models.Asset) error {
	dst := models.PermanentKey(a.AccountID, a.ID, a.Version)
	if err := s.store.Move(ctx, a.StorageKey, dst); err != nil {
		// A previous attempt may have moved the bytes but lost the row update.
		ok, xerr := s.store.Exists(ctx, dst)
		if xerr != nil || !ok {
			return err
		}
	}
	if _, err := s.assets.SetLocation(ctx, a.ID, models.AssetRelocationPending, dst, models.AssetReady); err != nil {
		return err
	}
	s.audit.StateChanged(ctx, models.Caller{AccountID: a.AccountID, Actor: models.SystemActor}, a.ID,
		models.AssetRelocationPending, models.AssetReady, map[string]any{"storage_key": dst})
	return nil
}

// CreateVersion stores body as the next version of a ready asset and
// repoints the asset at it. Older versions stay under the asset prefix.
func (s *Service) CreateVersion(ctx context.Context, c models.Caller, id string, body io.Reader, contentType string) (models.Asset, error) {
	const op = "registry.CreateVersion"
	a, err := s.GetByID(ctx, c, id)
	if err != nil {
		return models.Asset{}, err
	}
	if a.Status != models.AssetReady {
		return models.Asset{}, apperr.E(apperr.InvalidState, op, "asset %s is %s", id, a.Status)
	}
	next := a.Version + 1
	key := models.PermanentKey(a.AccountID, a.ID, next)
	d := iopkg.NewDigest()
	lr := iopkg.NewLimitedReader(body, s.cfg.MaxVersionBytes)
	_, err = s.store.Upload(ctx, key, io.TeeReader(lr, d), storage.UploadOptions{ContentType: contentType})
	if lr.Exceeded() {
		s.dropKey(ctx, key)
		return models.Asset{}, apperr.E(apperr.LimitExceeded, op, "version exceeds %d bytes", s.cfg.MaxVersionBytes)
	}
	if err != nil {
		s.dropKey(ctx, key)
		return models.Asset{}, apperr.Wrap(apperr.StorageError, op, err)
	}
	if d.Size() == 0 {
		s.dropKey(ctx, key)
		return models.Asset{}, apperr.E(apperr.Validation, op, "version content is empty")
	}
	mt := contentType
	if mt == "" {
		mt = mimetype.Detect(d.Head()).String()
	}
	out, err := s.assets.SetVersion(ctx, id, a.Version, models.VersionUpdate{
		Version:        next,
		StorageKey:     key,
		SizeBytes:      d.Size(),
		ChecksumSHA256: d.Sum(),
		MimeType:       mt,
	})
	if errors.Is(err, db.ErrConflict) {
		s.dropKey(ctx, key)
		return models.Asset{}, s.versionConflict(ctx, op, a, d.Sum())
	}
	if err != nil {
		s.dropKey(ctx, key)
		return models.Asset{}, db.AppErr(op, err, apperr.Conflict)
	}
	s.audit.StateChanged(ctx, c, id, a.Status, out.Status, map[string]any{
		"previous_version": a.Version,
		"version":          next,
		"checksum_sha256":  out.ChecksumSHA256,
	})
	return out, nil
}

// versionConflict explains a rejected version: either the new content is
// already held by another asset in the same dedup scope, or the asset moved
// on while the bytes were stored.
func (s *Service) versionConflict(ctx context.Context, op string, a models.Asset, checksum string) error {
	next := a
	next.ChecksumSHA256 = checksum
	if other, err := s.assets.FindSlotHolder(ctx, next); err == nil {
		return apperr.E(apperr.Conflict, op, "version content duplicates asset %s in its %s dedup scope", other.ID, a.DedupPolicy)
	}
	return apperr.E(apperr.Conflict, op, "asset %s changed while the version was stored", a.ID)
}

func (s *Service) dropKey(ctx context.Context, key string) {
	if err := s.store.Delete(ctx, key); err != nil {
		s.log.Warn("version cleanup failed", zap.String("key", key), zap.Error(err))
	}
}

// GetVersions lists the stored versions of an asset, oldest first.
func (s *Service) GetVersions(ctx context.Context, c models.Caller, id string) ([]models.AssetVersion, error) {
	const op = "registry.GetVersions"
	a, err := s.GetByID(ctx, c, id)
	if err != nil {
		return nil, err
	}
	objs, err := s.store.List(ctx, models.AssetPrefix(a.AccountID, a.ID))
	if err != nil {
		return nil, apperr.Wrap(apperr.StorageError, op, err)
	}
	out := make([]models.AssetVersion, 0, len(objs))
	for _, o := range objs {
		v, ok := models.VersionFromKey(o.Key)
		if !ok {
			continue
		}
		out = append(out, models.AssetVersion{
			Version:      v,
			StorageKey:   o.Key,
			SizeBytes:    o.Size,
			LastModified: o.LastModified,
			Current:      v == a.Version,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Version < out[j].Version })
	return out, nil
}
