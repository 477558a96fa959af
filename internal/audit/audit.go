// Package audit is the append-only ledger of asset lifecycle and access
// events. Writes made through the typed helpers never fail the caller.
package audit

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/yourorg/assetgw/internal/apperr"
	"github.com/yourorg/assetgw/internal/db"
	"github.com/yourorg/assetgw/internal/metrics"
	"github.com/yourorg/assetgw/internal/models"
)

const (
	defaultQueryLimit = 100
	maxQueryLimit     = 1000
)

// Service records and queries audit entries.
type Service struct {
	repo db.AuditRepository
	pub  Publisher
	log  *zap.Logger
	now  func() time.Time
}

type Option func(*Service)

// WithPublisher fans every persisted entry out to pub.
func WithPublisher(pub Publisher) Option {
	return func(s *Service) { s.pub = pub }
}

func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

func New(repo db.AuditRepository, log *zap.Logger, opts ...Option) *Service {
	if log == nil {
		log = zap.NewNop()
	}
	s := &Service{repo: repo, log: log.Named("audit"), now: time.Now}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Event is one occurrence to record. A non-nil Err marks it unsuccessful.
type Event struct {
	Action    models.AuditAction
	Caller    models.Caller
	AssetID   string
	SessionID string
	Context   *models.AccessContext
	Metadata  map[string]any
	Err       error
}

// LogEvent appends ev and publishes it when a publisher is configured.
func (s *Service) LogEvent(ctx context.Context, ev Event) (models.AuditLogEntry, error) {
	const op = "audit.LogEvent"
	if ev.Caller.AccountID == "" {
		return models.AuditLogEntry{}, apperr.E(apperr.Validation, op, "account id is required")
	}
	e := models.AuditLogEntry{
		ID:        uuid.NewString(),
		Action:    ev.Action,
		ActorType: ev.Caller.Actor.Type,
		Context:   ev.Context,
		AccountID: ev.Caller.AccountID,
		Metadata:  ev.Metadata,
		Success:   ev.Err == nil,
		Timestamp: s.now().UTC(),
	}
	if e.ActorType == "" {
		e.ActorType = models.ActorSystem
	}
	if ev.Caller.Actor.ID != "" {
		e.ActorID = &ev.Caller.Actor.ID
	}
	if ev.AssetID != "" {
		e.AssetID = &ev.AssetID
	}
	if ev.SessionID != "" {
		e.SessionID = &ev.SessionID
	}
	if ev.Err != nil {
		msg := ev.Err.Error()
		e.ErrorMessage = &msg
	}
	if err := s.repo.Append(ctx, e); err != nil {
		return models.AuditLogEntry{}, db.AppErr(op, err, apperr.Conflict)
	}
	s.publish(e)
	return e, nil
}

func (s *Service) publish(e models.AuditLogEntry) {
	if s.pub == nil {
		return
	}
	b, err := json.Marshal(e)
	if err == nil {
		err = s.pub.Publish(Subject(e.AccountID), b)
	}
	if err != nil {
		s.log.Warn("audit fan-out failed", zap.String("entry_id", e.ID), zap.Error(err))
	}
}

// record is LogEvent for internal callers: failures are logged and counted.
func (s *Service) record(ctx context.Context, ev Event) {
	if _, err := s.LogEvent(ctx, ev); err != nil {
		metrics.AuditWriteFailures.Inc()
		s.log.Error("audit write failed",
			zap.String("action", string(ev.Action)),
			zap.String("account_id", ev.Caller.AccountID),
			zap.String("asset_id", ev.AssetID),
			zap.String("session_id", ev.SessionID),
			zap.Error(err))
	}
}

func (s *Service) UploadStarted(ctx context.Context, c models.Caller, sess models.UploadSession) {
	s.record(ctx, Event{Action: models.ActionUploadStarted, Caller: c, SessionID: sess.ID, Metadata: map[string]any{
		"file_name":      sess.FileName,
		"mime_type":      sess.MimeType,
		"total_bytes":    sess.TotalBytes,
		"max_size_bytes": sess.MaxSizeBytes,
	}})
}

func (s *Service) UploadCompleted(ctx context.Context, c models.Caller, sessionID string, md map[string]any) {
	s.record(ctx, Event{Action: models.ActionUploadCompleted, Caller: c, SessionID: sessionID, Metadata: md})
}

func (s *Service) UploadFailed(ctx context.Context, c models.Caller, sessionID string, cause error, md map[string]any) {
	if cause == nil {
		cause = errors.New("upload failed")
	}
	s.record(ctx, Event{Action: models.ActionUploadFailed, Caller: c, SessionID: sessionID, Metadata: md, Err: cause})
}

func (s *Service) Download(ctx context.Context, c models.Caller, assetID string, ac *models.AccessContext) {
	s.record(ctx, Event{Action: models.ActionDownload, Caller: c, AssetID: assetID, Context: ac})
}

func (s *Service) URLSigned(ctx context.Context, c models.Caller, assetID string, ac models.AccessContext, ttl time.Duration) {
	s.record(ctx, Event{Action: models.ActionURLSigned, Caller: c, AssetID: assetID, Context: &ac,
		Metadata: map[string]any{"ttl_seconds": int(ttl / time.Second)}})
}

// StateChanged records an asset status transition. md is merged with from/to.
func (s *Service) StateChanged(ctx context.Context, c models.Caller, assetID string, from, to models.AssetStatus, md map[string]any) {
	m := map[string]any{"from": string(from), "to": string(to)}
	for k, v := range md {
		m[k] = v
	}
	s.record(ctx, Event{Action: models.ActionStateChanged, Caller: c, AssetID: assetID, Metadata: m})
}

// SessionStateChanged records a terminal session transition other than
// commit. from is omitted when unknown, as for swept sessions.
func (s *Service) SessionStateChanged(ctx context.Context, c models.Caller, sessionID string, from, to models.SessionStatus) {
	m := map[string]any{"to": string(to)}
	if from != "" {
		m["from"] = string(from)
	}
	s.record(ctx, Event{Action: models.ActionStateChanged, Caller: c, SessionID: sessionID, Metadata: m})
}

func (s *Service) DedupApplied(ctx context.Context, c models.Caller, sessionID, assetID, checksum string) {
	s.record(ctx, Event{Action: models.ActionDedupApplied, Caller: c, SessionID: sessionID, AssetID: assetID,
		Metadata: map[string]any{"checksum_sha256": checksum}})
}

func (s *Service) Deleted(ctx context.Context, c models.Caller, assetID string, hardDeleteAt time.Time) {
	s.record(ctx, Event{Action: models.ActionDeleted, Caller: c, AssetID: assetID,
		Metadata: map[string]any{"hard_delete_at": hardDeleteAt.UTC().Format(time.RFC3339)}})
}

// Purged records a hard delete; a non-nil cause marks a failed attempt.
func (s *Service) Purged(ctx context.Context, c models.Caller, assetID string, cause error) {
	s.record(ctx, Event{Action: models.ActionPurged, Caller: c, AssetID: assetID, Err: cause})
}

func (s *Service) AccessDenied(ctx context.Context, c models.Caller, assetID string, ac models.AccessContext, reason string) {
	s.record(ctx, Event{Action: models.ActionAccessDenied, Caller: c, AssetID: assetID, Context: &ac,
		Metadata: map[string]any{"reason": reason}, Err: errors.New(reason)})
}

// Linked records a relation upsert on entity (message, template or plan).
func (s *Service) Linked(ctx context.Context, c models.Caller, assetID, entity, entityID string, md map[string]any) {
	s.record(ctx, Event{Action: models.ActionLinked, Caller: c, AssetID: assetID, Metadata: relationMeta(entity, entityID, md)})
}

func (s *Service) Unlinked(ctx context.Context, c models.Caller, assetID, entity, entityID string, md map[string]any) {
	s.record(ctx, Event{Action: models.ActionUnlinked, Caller: c, AssetID: assetID, Metadata: relationMeta(entity, entityID, md)})
}

func relationMeta(entity, entityID string, md map[string]any) map[string]any {
	m := map[string]any{"entity": entity, "entity_id": entityID}
	for k, v := range md {
		m[k] = v
	}
	return m
}

// Page is one window of a query.
type Page struct {
	Entries []models.AuditLogEntry
	Total   int
	Limit   int
	Offset  int
}

// QueryEvents returns matching entries newest first.
func (s *Service) QueryEvents(ctx context.Context, f models.AuditFilter) (Page, error) {
	const op = "audit.QueryEvents"
	if f.AccountID == "" {
		return Page{}, apperr.E(apperr.Validation, op, "account id is required")
	}
	switch {
	case f.Limit <= 0:
		f.Limit = defaultQueryLimit
	case f.Limit > maxQueryLimit:
		f.Limit = maxQueryLimit
	}
	if f.Offset < 0 {
		f.Offset = 0
	}
	entries, total, err := s.repo.Query(ctx, f)
	if err != nil {
		return Page{}, db.AppErr(op, err, apperr.Conflict)
	}
	return Page{Entries: entries, Total: total, Limit: f.Limit, Offset: f.Offset}, nil
}

// ComplianceReport summarizes an account's activity over [From, To).
type ComplianceReport struct {
	AccountID     string
	From          time.Time
	To            time.Time
	ByAction      map[models.AuditAction]int64
	TotalEvents   int64
	AccessDenials int64
	Uploads       int64
	Downloads     int64
	Deletions     int64
	FailedEvents  int64
}

func (s *Service) GenerateComplianceReport(ctx context.Context, accountID string, from, to time.Time) (ComplianceReport, error) {
	const op = "audit.GenerateComplianceReport"
	if accountID == "" {
		return ComplianceReport{}, apperr.E(apperr.Validation, op, "account id is required")
	}
	if !from.Before(to) {
		return ComplianceReport{}, apperr.E(apperr.Validation, op, "empty range %s..%s", from, to)
	}
	counts, err := s.repo.CountByAction(ctx, accountID, from, to)
	if err != nil {
		return ComplianceReport{}, db.AppErr(op, err, apperr.Conflict)
	}
	r := ComplianceReport{
		AccountID:     accountID,
		From:          from,
		To:            to,
		ByAction:      counts.ByAction,
		AccessDenials: counts.ByAction[models.ActionAccessDenied],
		Uploads:       counts.ByAction[models.ActionUploadCompleted],
		Downloads:     counts.ByAction[models.ActionDownload] + counts.ByAction[models.ActionURLSigned],
		Deletions:     counts.ByAction[models.ActionDeleted] + counts.ByAction[models.ActionPurged],
		FailedEvents:  counts.Failed,
	}
	if r.ByAction == nil {
		r.ByAction = map[models.AuditAction]int64{}
	}
	for _, n := range r.ByAction {
		r.TotalEvents += n
	}
	return r, nil
}

// EraseAccount removes every entry of accountID. It is the only deletion path
// and exists for full account erasure.
func (s *Service) EraseAccount(ctx context.Context, accountID string) (int64, error) {
	const op = "audit.EraseAccount"
	if accountID == "" {
		return 0, apperr.E(apperr.Validation, op, "account id is required")
	}
	n, err := s.repo.DeleteByAccount(ctx, accountID)
	if err != nil {
		return 0, db.AppErr(op, err, apperr.Conflict)
	}
	s.log.Info("audit entries erased", zap.String("account_id", accountID), zap.Int64("count", n))
	return n, nil
}
