// Package upload manages time-boxed upload sessions and stages their bytes
// under tmp/{sessionID}/ until the registry turns them into assets.
package upload

import (
	"context"
	"errors"
	"io"
	"path"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/yourorg/assetgw/internal/apperr"
	"github.com/yourorg/assetgw/internal/audit"
	"github.com/yourorg/assetgw/internal/db"
	"github.com/yourorg/assetgw/internal/iopkg"
	"github.com/yourorg/assetgw/internal/metrics"
	"github.com/yourorg/assetgw/internal/models"
	"github.com/yourorg/assetgw/internal/storage"
)

const (
	DefaultTTL          = 10 * time.Minute
	DefaultMaxSizeBytes = 100 << 20

	// defaultFileName names the staged object when the caller gave none.
	defaultFileName = "content"
)

// Config bounds new sessions.
type Config struct {
	DefaultTTL   time.Duration `mapstructure:"default_ttl"`
	MaxSizeBytes int64         `mapstructure:"max_size_bytes"`
}

func (c Config) withDefaults() Config {
	if c.DefaultTTL <= 0 {
		c.DefaultTTL = DefaultTTL
	}
	if c.MaxSizeBytes <= 0 {
		c.MaxSizeBytes = DefaultMaxSizeBytes
	}
	return c
}

// Gateway owns the session state machine:
//
//	active -> uploading -> committed
//	active|uploading -> cancelled|expired
type Gateway struct {
	sessions db.SessionRepository
	store    storage.Store
	audit    *audit.Service
	cfg      Config
	log      *zap.Logger
	now      func() time.Time
}

type Option func(*Gateway)

func WithClock(now func() time.Time) Option {
	return func(g *Gateway) { g.now = now }
}

func New(sessions db.SessionRepository, store storage.Store, aud *audit.Service, cfg Config, log *zap.Logger, opts ...Option) *Gateway {
	if log == nil {
		log = zap.NewNop()
	}
	g := &Gateway{
		sessions: sessions,
		store:    store,
		audit:    aud,
		cfg:      cfg.withDefaults(),
		log:      log.Named("upload"),
		now:      time.Now,
	}
	for _, o := range opts {
		o(g)
	}
	return g
}

// CreateRequest describes a new session. Zero values select defaults.
type CreateRequest struct {
	MaxSizeBytes     int64
	AllowedMimeTypes []string
	FileName         string
	MimeType         string
	TotalBytes       int64
	TTL              time.Duration
}

// CreateSession opens a session. A declared size or type the session could
// never accept is rejected up front.
func (g *Gateway) CreateSession(ctx context.Context, c models.Caller, req CreateRequest) (models.UploadSession, error) {
	const op = "upload.CreateSession"
	if c.AccountID == "" {
		return models.UploadSession{}, apperr.E(apperr.Validation, op, "account id is required")
	}
	max := g.cfg.MaxSizeBytes
	if req.MaxSizeBytes > 0 && req.MaxSizeBytes < max {
		max = req.MaxSizeBytes
	}
	ttl := req.TTL
	if ttl <= 0 {
		ttl = g.cfg.DefaultTTL
	}
	if req.TotalBytes > max {
		err := apperr.E(apperr.LimitExceeded, op, "declared size %d exceeds limit %d", req.TotalBytes, max)
		g.reject(ctx, c, "", err)
		return models.UploadSession{}, err
	}
	if req.MimeType != "" && !MimeAllowed(req.AllowedMimeTypes, req.MimeType) {
		err := apperr.E(apperr.LimitExceeded, op, "mime type %q not allowed", req.MimeType)
		g.reject(ctx, c, "", err)
		return models.UploadSession{}, err
	}
	id := uuid.NewString()
	name := sanitizeFileName(req.FileName)
	s := models.UploadSession{
		ID:               id,
		AccountID:        c.AccountID,
		MaxSizeBytes:     max,
		AllowedMimeTypes: req.AllowedMimeTypes,
		FileName:         name,
		MimeType:         req.MimeType,
		TotalBytes:       req.TotalBytes,
		TempStorageKey:   models.TempKey(id, stagedName(name)),
		Status:           models.SessionActive,
		ExpiresAt:        g.now().Add(ttl),
	}
	if c.Actor.ID != "" {
		s.UploadedBy = &c.Actor.ID
	}
	s, err := g.sessions.Create(ctx, s)
	if err != nil {
		return models.UploadSession{}, db.AppErr(op, err, apperr.Conflict)
	}
	g.audit.UploadStarted(ctx, c, s)
	g.log.Debug("session created", zap.String("session_id", s.ID), zap.String("account_id", s.AccountID),
		zap.Int64("max_size_bytes", max), zap.Time("expires_at", s.ExpiresAt))
	return s, nil
}

// Get returns the caller's session without side effects.
func (g *Gateway) Get(ctx context.Context, c models.Caller, id string) (models.UploadSession, error) {
	const op = "upload.Get"
	s, err := g.sessions.Get(ctx, id)
	if err != nil {
		return models.UploadSession{}, db.AppErr(op, err, apperr.InvalidState)
	}
	if s.AccountID != c.AccountID {
		return models.UploadSession{}, apperr.E(apperr.NotFound, op, "session %s", id)
	}
	return s, nil
}

// Validate returns a live session. A session found past its deadline is
// expired on the spot and reported as InvalidState.
func (g *Gateway) Validate(ctx context.Context, c models.Caller, id string) (models.UploadSession, error) {
	const op = "upload.Validate"
	s, err := g.Get(ctx, c, id)
	if err != nil {
		return models.UploadSession{}, err
	}
	if s.Status.Terminal() {
		return models.UploadSession{}, apperr.E(apperr.InvalidState, op, "session %s is %s", id, s.Status)
	}
	if s.Stale(g.now()) {
		if _, err := g.terminate(ctx, c, s, models.SessionExpired); err != nil {
			g.log.Warn("auto-expire failed", zap.String("session_id", id), zap.Error(err))
		}
		return models.UploadSession{}, apperr.E(apperr.InvalidState, op, "session %s expired at %s", id, s.ExpiresAt.UTC().Format(time.RFC3339))
	}
	return s, nil
}

// FileMeta optionally names or types the uploaded bytes.
type FileMeta struct {
	FileName string
	MimeType string
}

// UploadComplete stages a whole body in one call. Only a session that has
// received nothing yet accepts it.
func (g *Gateway) UploadComplete(ctx context.Context, c models.Caller, id string, body io.Reader, meta FileMeta) (models.UploadSession, error) {
	const op = "upload.UploadComplete"
	s, err := g.Validate(ctx, c, id)
	if err != nil {
		return models.UploadSession{}, err
	}
	if s.ChunksReceived > 0 {
		return models.UploadSession{}, apperr.E(apperr.InvalidState, op, "session %s already holds data", id)
	}
	name, mt := s.FileName, s.MimeType
	if meta.FileName != "" {
		name = sanitizeFileName(meta.FileName)
	}
	if meta.MimeType != "" {
		mt = meta.MimeType
	}
	if mt != "" && !MimeAllowed(s.AllowedMimeTypes, mt) {
		err := apperr.E(apperr.LimitExceeded, op, "mime type %q not allowed", mt)
		g.reject(ctx, c, id, err)
		return models.UploadSession{}, err
	}
	key := models.TempKey(id, stagedName(name))
	n, err := g.stage(ctx, c, s, key, body, s.MaxSizeBytes, mt)
	if err != nil {
		return models.UploadSession{}, err
	}
	s, err = g.sessions.RecordUpload(ctx, id, models.SessionUpdate{
		ExpectedChunks: 0,
		AddBytes:       n,
		TempStorageKey: key,
		FileName:       name,
		MimeType:       mt,
	})
	if err != nil {
		g.discard(ctx, key)
		return models.UploadSession{}, db.AppErr(op, err, apperr.InvalidState)
	}
	return s, nil
}

// UploadChunk streams the next chunk into its own part object. Parts are
// numbered by arrival; a concurrent chunk for the same slot loses.
func (g *Gateway) UploadChunk(ctx context.Context, c models.Caller, id string, body io.Reader) (models.UploadSession, error) {
	const op = "upload.UploadChunk"
	s, err := g.Validate(ctx, c, id)
	if err != nil {
		return models.UploadSession{}, err
	}
	parts := models.PartsPrefix(id)
	if s.ChunksReceived > 0 && s.TempStorageKey != parts {
		return models.UploadSession{}, apperr.E(apperr.InvalidState, op, "session %s holds a whole-body upload", id)
	}
	seq := s.ChunksReceived
	key := models.PartKey(id, seq)
	n, err := g.stage(ctx, c, s, key, body, s.MaxSizeBytes-s.BytesUploaded, "")
	if err != nil {
		return models.UploadSession{}, err
	}
	s, err = g.sessions.RecordUpload(ctx, id, models.SessionUpdate{
		ExpectedChunks: seq,
		AddBytes:       n,
		TempStorageKey: parts,
	})
	if err != nil {
		g.discard(ctx, key)
		return models.UploadSession{}, db.AppErr(op, err, apperr.InvalidState)
	}
	return s, nil
}

// stage streams body to key, failing once more than limit bytes arrive.
func (g *Gateway) stage(ctx context.Context, c models.Caller, s models.UploadSession, key string, body io.Reader, limit int64, contentType string) (int64, error) {
	const op = "upload.stage"
	lr := iopkg.NewLimitedReader(body, limit)
	info, err := g.store.Upload(ctx, key, lr, storage.UploadOptions{ContentType: contentType})
	if lr.Exceeded() {
		g.discard(ctx, key)
		lerr := apperr.E(apperr.LimitExceeded, op, "upload exceeds limit of %d bytes", s.MaxSizeBytes)
		g.reject(ctx, c, s.ID, lerr)
		return 0, lerr
	}
	if err != nil {
		g.discard(ctx, key)
		serr := apperr.Wrap(apperr.StorageError, op, err)
		g.fail(ctx, c, s.ID, serr)
		return 0, serr
	}
	metrics.BytesUploaded.Add(float64(info.Size))
	return info.Size, nil
}

// CommitResult is what the registry needs to register an asset.
type CommitResult struct {
	SessionID        string
	StorageKey       string
	ChecksumSHA256   string
	SizeBytes        int64
	MimeType         string
	DetectedMimeType string
	FileName         string
}

// Commit finalizes the staged bytes: chunked sessions are assembled into one
// object, the content is hashed and sniffed in the same pass, and the session
// becomes committed. Commit never creates an asset.
func (g *Gateway) Commit(ctx context.Context, c models.Caller, id string) (CommitResult, error) {
	const op = "upload.Commit"
	s, err := g.Validate(ctx, c, id)
	if err != nil {
		return CommitResult{}, err
	}
	if s.Status != models.SessionUploading || s.BytesUploaded == 0 {
		return CommitResult{}, apperr.E(apperr.InvalidState, op, "session %s has no staged content", id)
	}
	start := g.now()
	key, d, err := g.finalize(ctx, s)
	if err != nil {
		g.fail(ctx, c, id, err)
		return CommitResult{}, err
	}
	if d.Size() == 0 {
		err := apperr.E(apperr.InvalidState, op, "staged object for %s is empty", id)
		g.fail(ctx, c, id, err)
		return CommitResult{}, err
	}
	detected := mimetype.Detect(d.Head()).String()
	mt := s.MimeType
	if mt == "" {
		mt = mediaType(detected)
		if !MimeAllowed(s.AllowedMimeTypes, mt) {
			err := apperr.E(apperr.LimitExceeded, op, "detected mime type %q not allowed", mt)
			g.reject(ctx, c, id, err)
			return CommitResult{}, err
		}
	}
	if _, err := g.sessions.MarkCommitted(ctx, id, key); err != nil {
		return CommitResult{}, db.AppErr(op, err, apperr.InvalidState)
	}
	res := CommitResult{
		SessionID:        id,
		StorageKey:       key,
		ChecksumSHA256:   d.Sum(),
		SizeBytes:        d.Size(),
		MimeType:         mt,
		DetectedMimeType: detected,
		FileName:         s.FileName,
	}
	metrics.Uploads.WithLabelValues("committed").Inc()
	metrics.CommitDuration.Observe(g.now().Sub(start).Seconds())
	g.audit.UploadCompleted(ctx, c, id, map[string]any{
		"storage_key":     res.StorageKey,
		"checksum_sha256": res.ChecksumSHA256,
		"size_bytes":      res.SizeBytes,
		"mime_type":       res.MimeType,
	})
	return res, nil
}

// finalize returns the key holding the full content and its digest.
func (g *Gateway) finalize(ctx context.Context, s models.UploadSession) (string, *iopkg.Digest, error) {
	const op = "upload.Commit"
	d := iopkg.NewDigest()
	if s.TempStorageKey != models.PartsPrefix(s.ID) {
		rc, _, err := g.store.Download(ctx, s.TempStorageKey)
		if err != nil {
			return "", nil, apperr.Wrap(apperr.StorageError, op, err)
		}
		defer rc.Close()
		if _, err := io.Copy(d, rc); err != nil {
			return "", nil, apperr.Wrap(apperr.StorageError, op, err)
		}
		return s.TempStorageKey, d, nil
	}

	objs, err := g.store.List(ctx, models.PartsPrefix(s.ID))
	if err != nil {
		return "", nil, apperr.Wrap(apperr.StorageError, op, err)
	}
	if len(objs) != s.ChunksReceived {
		return "", nil, apperr.E(apperr.StorageError, op, "session %s: found %d parts, expected %d", s.ID, len(objs), s.ChunksReceived)
	}
	keys := make([]string, len(objs))
	for i, o := range objs {
		keys[i] = o.Key
	}
	src := iopkg.ConcatReader(ctx, keys, func(ctx context.Context, key string) (io.ReadCloser, error) {
		rc, _, err := g.store.Download(ctx, key)
		return rc, err
	})
	defer src.Close()
	key := models.TempKey(s.ID, stagedName(s.FileName))
	if _, err := g.store.Upload(ctx, key, io.TeeReader(src, d), storage.UploadOptions{ContentType: s.MimeType}); err != nil {
		g.discard(ctx, key)
		return "", nil, apperr.Wrap(apperr.StorageError, op, err)
	}
	if err := g.store.DeleteMany(ctx, keys); err != nil {
		g.log.Warn("part cleanup failed", zap.String("session_id", s.ID), zap.Error(err))
	}
	return key, d, nil
}

// Cancel ends a live session and drops its staged bytes.
func (g *Gateway) Cancel(ctx context.Context, c models.Caller, id string) (models.UploadSession, error) {
	return g.end(ctx, c, id, models.SessionCancelled)
}

// Expire ends a live session as if its deadline had passed.
func (g *Gateway) Expire(ctx context.Context, c models.Caller, id string) (models.UploadSession, error) {
	return g.end(ctx, c, id, models.SessionExpired)
}

func (g *Gateway) end(ctx context.Context, c models.Caller, id string, to models.SessionStatus) (models.UploadSession, error) {
	s, err := g.Get(ctx, c, id)
	if err != nil {
		return models.UploadSession{}, err
	}
	if s.Status.Terminal() {
		return models.UploadSession{}, apperr.E(apperr.InvalidState, "upload."+string(to), "session %s is %s", id, s.Status)
	}
	return g.terminate(ctx, c, s, to)
}

func (g *Gateway) terminate(ctx context.Context, c models.Caller, s models.UploadSession, to models.SessionStatus) (models.UploadSession, error) {
	out, err := g.sessions.Transition(ctx, s.ID, []models.SessionStatus{models.SessionActive, models.SessionUploading}, to)
	if err != nil {
		return models.UploadSession{}, db.AppErr("upload."+string(to), err, apperr.InvalidState)
	}
	if err := g.cleanup(ctx, s.ID); err != nil {
		g.log.Warn("temp cleanup failed", zap.String("session_id", s.ID), zap.Error(err))
	}
	g.audit.SessionStateChanged(ctx, c, s.ID, s.Status, to)
	return out, nil
}

// Progress reports how far an upload got.
type Progress struct {
	SessionID      string
	Status         models.SessionStatus
	BytesUploaded  int64
	TotalBytes     int64
	ChunksReceived int
	Percent        float64
	ExpiresAt      time.Time
	Stale          bool
}

func (g *Gateway) GetProgress(ctx context.Context, c models.Caller, id string) (Progress, error) {
	s, err := g.Get(ctx, c, id)
	if err != nil {
		return Progress{}, err
	}
	p := Progress{
		SessionID:      s.ID,
		Status:         s.Status,
		BytesUploaded:  s.BytesUploaded,
		TotalBytes:     s.TotalBytes,
		ChunksReceived: s.ChunksReceived,
		ExpiresAt:      s.ExpiresAt,
		Stale:          s.Stale(g.now()),
	}
	switch {
	case s.Status == models.SessionCommitted:
		p.Percent = 100
	case s.TotalBytes > 0:
		p.Percent = min(100, float64(s.BytesUploaded)*100/float64(s.TotalBytes))
	}
	return p, nil
}

// LinkAsset records which asset a committed session produced.
func (g *Gateway) LinkAsset(ctx context.Context, sessionID, assetID string) error {
	return db.AppErr("upload.LinkAsset", g.sessions.LinkAsset(ctx, sessionID, assetID), apperr.InvalidState)
}

// DiscardStaged drops everything a session staged. Failures are logged only.
func (g *Gateway) DiscardStaged(ctx context.Context, sessionID string) {
	if err := g.cleanup(ctx, sessionID); err != nil {
		g.log.Warn("temp cleanup failed", zap.String("session_id", sessionID), zap.Error(err))
	}
}

// SweepResult counts what a sweep did.
type SweepResult struct {
	Expired       int
	CleanupFailed int
}

// SweepExpired expires up to limit sessions past their deadline. A failed
// temp delete never keeps a session from being marked expired.
func (g *Gateway) SweepExpired(ctx context.Context, limit int) (SweepResult, error) {
	claimed, err := g.sessions.ClaimExpired(ctx, g.now(), limit)
	if err != nil {
		return SweepResult{}, db.AppErr("upload.SweepExpired", err, apperr.Conflict)
	}
	var res SweepResult
	for _, s := range claimed {
		res.Expired++
		metrics.SweepItems.WithLabelValues("sessions", "expired").Inc()
		if err := g.cleanup(ctx, s.ID); err != nil {
			res.CleanupFailed++
			metrics.SweepItems.WithLabelValues("sessions", "cleanup_failed").Inc()
			g.log.Warn("temp cleanup failed", zap.String("session_id", s.ID), zap.Error(err))
		}
		g.audit.SessionStateChanged(ctx, models.Caller{AccountID: s.AccountID, Actor: models.SystemActor}, s.ID, "", models.SessionExpired)
	}
	if res.Expired > 0 {
		g.log.Info("expired sessions swept", zap.Int("expired", res.Expired), zap.Int("cleanup_failed", res.CleanupFailed))
	}
	return res, nil
}

// cleanup deletes every object under the session's temp prefix.
func (g *Gateway) cleanup(ctx context.Context, sessionID string) error {
	objs, err := g.store.List(ctx, models.TempPrefix(sessionID))
	if err != nil {
		return err
	}
	if len(objs) == 0 {
		return nil
	}
	keys := make([]string, len(objs))
	for i, o := range objs {
		keys[i] = o.Key
	}
	return g.store.DeleteMany(ctx, keys)
}

func (g *Gateway) discard(ctx context.Context, key string) {
	if err := g.store.Delete(ctx, key); err != nil && !errors.Is(err, storage.ErrObjectNotFound) {
		g.log.Warn("staged object cleanup failed", zap.String("key", key), zap.Error(err))
	}
}

func (g *Gateway) reject(ctx context.Context, c models.Caller, sessionID string, err error) {
	metrics.Uploads.WithLabelValues("rejected").Inc()
	g.auditFailure(ctx, c, sessionID, err)
}

func (g *Gateway) fail(ctx context.Context, c models.Caller, sessionID string, err error) {
	metrics.Uploads.WithLabelValues("failed").Inc()
	g.log.Warn("upload failed", zap.String("session_id", sessionID), zap.Error(err))
	g.auditFailure(ctx, c, sessionID, err)
}

func (g *Gateway) auditFailure(ctx context.Context, c models.Caller, sessionID string, err error) {
	if c.AccountID == "" {
		return
	}
	g.audit.UploadFailed(ctx, c, sessionID, err, map[string]any{"kind": apperr.KindOf(err).String()})
}

// MimeAllowed matches mt against an allow-list of exact types, "type/*" and
// "*/*". An empty list allows everything.
func MimeAllowed(allowed []string, mt string) bool {
	if len(allowed) == 0 {
		return true
	}
	mt = mediaType(mt)
	major, _, _ := strings.Cut(mt, "/")
	for _, a := range allowed {
		a = strings.ToLower(strings.TrimSpace(a))
		switch {
		case a == "*" || a == "*/*" || a == mt:
			return true
		case strings.HasSuffix(a, "/*") && strings.TrimSuffix(a, "/*") == major:
			return true
		}
	}
	return false
}

// mediaType strips parameters such as "; charset=utf-8".
func mediaType(mt string) string {
	base, _, _ := strings.Cut(mt, ";")
	return strings.ToLower(strings.TrimSpace(base))
}

// sanitizeFileName keeps the last path element and drops leading dots so the
// name is always a single safe key segment.
func sanitizeFileName(name string) string {
	name = strings.ReplaceAll(name, "\\", "/")
	name = strings.TrimLeft(path.Base(path.Clean("/"+name)), ".")
	if name == "/" {
		return ""
	}
	return name
}

// stagedName keeps the assembled object clear of the parts/ directory.
func stagedName(name string) string {
	if name == "" || name == "parts" {
		return defaultFileName
	}
	return name
}
