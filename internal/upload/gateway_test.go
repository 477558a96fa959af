package upload

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yourorg/assetgw/internal/apperr"
	"github.com/yourorg/assetgw/internal/audit"
	"github.com/yourorg/assetgw/internal/db/memdb"
	"github.com/yourorg/assetgw/internal/models"
	"github.com/yourorg/assetgw/internal/storage"
)

var caller = models.Caller{AccountID: "acct-1", Actor: models.Actor{ID: "u-1", Type: models.ActorUser}}

type clock struct{ t time.Time }

func (c *clock) now() time.Time { return c.t }

type harness struct {
	gw    *Gateway
	store storage.Store
	audit *audit.Service
	clock *clock
}

func newHarness(t *testing.T, wrap func(storage.Store) storage.Store) *harness {
	t.Helper()
	local, err := storage.NewLocal(storage.LocalConfig{Root: t.TempDir(), BaseURL: "http://files.test", SigningSecret: "k"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = local.Close() })
	var st storage.Store = local
	if wrap != nil {
		st = wrap(local)
	}
	c := &clock{t: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	mem := memdb.New()
	mem.SetClock(c.now)
	repos := mem.Repositories()
	aud := audit.New(repos.Audit, nil, audit.WithClock(c.now))
	gw := New(repos.Sessions, st, aud, Config{}, nil, WithClock(c.now))
	return &harness{gw: gw, store: st, audit: aud, clock: c}
}

func pngBytes(n int) []byte {
	b := make([]byte, n)
	copy(b, "\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR")
	for i := 16; i < n; i++ {
		b[i] = byte(i)
	}
	return b
}

func sha(b []byte) string {
	s := sha256.Sum256(b)
	return hex.EncodeToString(s[:])
}

func (h *harness) tempObjects(t *testing.T, id string) []storage.ObjectInfo {
	t.Helper()
	objs, err := h.store.List(context.Background(), models.TempPrefix(id))
	require.NoError(t, err)
	return objs
}

func (h *harness) actions(t *testing.T, sessionID string) []models.AuditAction {
	t.Helper()
	p, err := h.audit.QueryEvents(context.Background(), models.AuditFilter{AccountID: caller.AccountID, SessionID: sessionID})
	require.NoError(t, err)
	out := make([]models.AuditAction, len(p.Entries))
	for i, e := range p.Entries {
		out[len(out)-1-i] = e.Action
	}
	return out
}

func TestOversizedUploadRejected(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	s, err := h.gw.CreateSession(ctx, caller, CreateRequest{MaxSizeBytes: 1000, AllowedMimeTypes: []string{"image/png"}})
	require.NoError(t, err)

	_, err = h.gw.UploadComplete(ctx, caller, s.ID, bytes.NewReader(pngBytes(2000)), FileMeta{FileName: "a.png", MimeType: "image/png"})
	require.ErrorIs(t, err, apperr.ErrLimitExceeded)
	assert.Empty(t, h.tempObjects(t, s.ID))

	got, err := h.gw.Get(ctx, caller, s.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SessionActive, got.Status)
	assert.Zero(t, got.BytesUploaded)
	assert.Equal(t, []models.AuditAction{models.ActionUploadStarted, models.ActionUploadFailed}, h.actions(t, s.ID))
}

func TestCreateSessionLimits(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	s, err := h.gw.CreateSession(ctx, caller, CreateRequest{MaxSizeBytes: 1 << 40})
	require.NoError(t, err)
	assert.EqualValues(t, DefaultMaxSizeBytes, s.MaxSizeBytes)
	assert.Equal(t, h.clock.t.Add(DefaultTTL), s.ExpiresAt)

	_, err = h.gw.CreateSession(ctx, caller, CreateRequest{MaxSizeBytes: 10, TotalBytes: 11})
	require.ErrorIs(t, err, apperr.ErrLimitExceeded)
	_, err = h.gw.CreateSession(ctx, caller, CreateRequest{AllowedMimeTypes: []string{"image/*"}, MimeType: "application/pdf"})
	require.ErrorIs(t, err, apperr.ErrLimitExceeded)
	_, err = h.gw.CreateSession(ctx, models.Caller{}, CreateRequest{})
	require.ErrorIs(t, err, apperr.ErrValidation)
}

func TestWholeBodyCommit(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	body := pngBytes(500)
	s, err := h.gw.CreateSession(ctx, caller, CreateRequest{AllowedMimeTypes: []string{"image/png"}})
	require.NoError(t, err)

	s, err = h.gw.UploadComplete(ctx, caller, s.ID, bytes.NewReader(body), FileMeta{FileName: "../../evil/a.png"})
	require.NoError(t, err)
	assert.Equal(t, models.SessionUploading, s.Status)
	assert.Equal(t, "a.png", s.FileName)
	assert.EqualValues(t, 500, s.BytesUploaded)

	res, err := h.gw.Commit(ctx, caller, s.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TempKey(s.ID, "a.png"), res.StorageKey)
	assert.Equal(t, sha(body), res.ChecksumSHA256)
	assert.EqualValues(t, 500, res.SizeBytes)
	assert.Equal(t, "image/png", res.MimeType)
	assert.Equal(t, "image/png", res.DetectedMimeType)

	got, err := h.gw.Get(ctx, caller, s.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SessionCommitted, got.Status)
	assert.Equal(t, []models.AuditAction{models.ActionUploadStarted, models.ActionUploadCompleted}, h.actions(t, s.ID))

	_, err = h.gw.Commit(ctx, caller, s.ID)
	require.ErrorIs(t, err, apperr.ErrInvalidState)
}

func TestChunkedCommitAssemblesParts(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	s, err := h.gw.CreateSession(ctx, caller, CreateRequest{FileName: "doc.bin", TotalBytes: 9})
	require.NoError(t, err)
	for _, c := range []string{"abc", "def", "ghi"} {
		s, err = h.gw.UploadChunk(ctx, caller, s.ID, bytes.NewBufferString(c))
		require.NoError(t, err)
	}
	assert.Equal(t, 3, s.ChunksReceived)
	p, err := h.gw.GetProgress(ctx, caller, s.ID)
	require.NoError(t, err)
	assert.InDelta(t, 100, p.Percent, 0.001)

	_, err = h.gw.UploadComplete(ctx, caller, s.ID, bytes.NewBufferString("x"), FileMeta{})
	require.ErrorIs(t, err, apperr.ErrInvalidState)

	res, err := h.gw.Commit(ctx, caller, s.ID)
	require.NoError(t, err)
	assert.Equal(t, sha([]byte("abcdefghi")), res.ChecksumSHA256)
	assert.Equal(t, "text/plain", res.MimeType)

	rc, _, err := h.store.Download(ctx, res.StorageKey)
	require.NoError(t, err)
	b, err := io.ReadAll(rc)
	require.NoError(t, rc.Close())
	require.NoError(t, err)
	assert.Equal(t, "abcdefghi", string(b))

	objs := h.tempObjects(t, s.ID)
	require.Len(t, objs, 1, "parts are removed after assembly")
	assert.Equal(t, res.StorageKey, objs[0].Key)
}

func TestChunkOverflowDropsPart(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	s, err := h.gw.CreateSession(ctx, caller, CreateRequest{MaxSizeBytes: 10})
	require.NoError(t, err)
	_, err = h.gw.UploadChunk(ctx, caller, s.ID, bytes.NewBufferString("123456"))
	require.NoError(t, err)
	_, err = h.gw.UploadChunk(ctx, caller, s.ID, bytes.NewBufferString("789012"))
	require.ErrorIs(t, err, apperr.ErrLimitExceeded)

	got, err := h.gw.Get(ctx, caller, s.ID)
	require.NoError(t, err)
	assert.EqualValues(t, 6, got.BytesUploaded)
	assert.Len(t, h.tempObjects(t, s.ID), 1)
}

func TestTerminalSessionsRejectEverything(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	committed, err := h.gw.CreateSession(ctx, caller, CreateRequest{})
	require.NoError(t, err)
	_, err = h.gw.UploadComplete(ctx, caller, committed.ID, bytes.NewBufferString("data"), FileMeta{})
	require.NoError(t, err)
	_, err = h.gw.Commit(ctx, caller, committed.ID)
	require.NoError(t, err)

	cancelled, err := h.gw.CreateSession(ctx, caller, CreateRequest{})
	require.NoError(t, err)
	_, err = h.gw.Cancel(ctx, caller, cancelled.ID)
	require.NoError(t, err)

	expired, err := h.gw.CreateSession(ctx, caller, CreateRequest{})
	require.NoError(t, err)
	_, err = h.gw.Expire(ctx, caller, expired.ID)
	require.NoError(t, err)

	for _, id := range []string{committed.ID, cancelled.ID, expired.ID} {
		_, err = h.gw.UploadComplete(ctx, caller, id, bytes.NewBufferString("x"), FileMeta{})
		assert.ErrorIs(t, err, apperr.ErrInvalidState, id)
		_, err = h.gw.UploadChunk(ctx, caller, id, bytes.NewBufferString("x"))
		assert.ErrorIs(t, err, apperr.ErrInvalidState, id)
		_, err = h.gw.Commit(ctx, caller, id)
		assert.ErrorIs(t, err, apperr.ErrInvalidState, id)
		_, err = h.gw.Cancel(ctx, caller, id)
		assert.ErrorIs(t, err, apperr.ErrInvalidState, id)
	}
}

func TestCommitWithoutContent(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	s, err := h.gw.CreateSession(ctx, caller, CreateRequest{})
	require.NoError(t, err)
	_, err = h.gw.Commit(ctx, caller, s.ID)
	require.ErrorIs(t, err, apperr.ErrInvalidState)
}

func TestValidateExpiresStaleSession(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	s, err := h.gw.CreateSession(ctx, caller, CreateRequest{TTL: time.Minute})
	require.NoError(t, err)
	_, err = h.gw.UploadChunk(ctx, caller, s.ID, bytes.NewBufferString("part"))
	require.NoError(t, err)

	h.clock.t = h.clock.t.Add(time.Minute)
	_, err = h.gw.Validate(ctx, caller, s.ID)
	require.ErrorIs(t, err, apperr.ErrInvalidState)

	got, err := h.gw.Get(ctx, caller, s.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SessionExpired, got.Status)
	assert.Empty(t, h.tempObjects(t, s.ID))
}

func TestForeignSessionIsNotFound(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	s, err := h.gw.CreateSession(ctx, caller, CreateRequest{})
	require.NoError(t, err)
	_, err = h.gw.Get(ctx, models.Caller{AccountID: "acct-2"}, s.ID)
	require.ErrorIs(t, err, apperr.ErrNotFound)
	_, err = h.gw.Get(ctx, caller, "missing")
	require.ErrorIs(t, err, apperr.ErrNotFound)
}

type brokenDeletes struct{ storage.Store }

func (brokenDeletes) DeleteMany(context.Context, []string) error { return errors.New("backend down") }

func TestSweepExpiresDespiteCleanupFailure(t *testing.T) {
	h := newHarness(t, func(s storage.Store) storage.Store { return brokenDeletes{s} })
	ctx := context.Background()
	stale, err := h.gw.CreateSession(ctx, caller, CreateRequest{TTL: time.Minute})
	require.NoError(t, err)
	_, err = h.gw.UploadChunk(ctx, caller, stale.ID, bytes.NewBufferString("part"))
	require.NoError(t, err)
	fresh, err := h.gw.CreateSession(ctx, caller, CreateRequest{TTL: time.Hour})
	require.NoError(t, err)

	h.clock.t = h.clock.t.Add(2 * time.Minute)
	res, err := h.gw.SweepExpired(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, SweepResult{Expired: 1, CleanupFailed: 1}, res)

	got, err := h.gw.Get(ctx, caller, stale.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SessionExpired, got.Status)
	got, err = h.gw.Get(ctx, caller, fresh.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SessionActive, got.Status)

	res, err = h.gw.SweepExpired(ctx, 10)
	require.NoError(t, err)
	assert.Zero(t, res.Expired)
}

func TestMimeAllowed(t *testing.T) {
	cases := []struct {
		allowed []string
		mt      string
		want    bool
	}{
		{nil, "application/pdf", true},
		{[]string{"image/png"}, "image/png", true},
		{[]string{"image/png"}, "IMAGE/PNG; charset=binary", true},
		{[]string{"image/*"}, "image/webp", true},
		{[]string{"image/*"}, "video/mp4", false},
		{[]string{"*/*"}, "video/mp4", true},
		{[]string{"text/plain"}, "text/html", false},
	}
	for _, c := range cases {
		if got := MimeAllowed(c.allowed, c.mt); got != c.want {
			t.Fatalf("MimeAllowed(%v, %q)=%v want %v", c.allowed, c.mt, got, c.want)
		}
	}
}

func TestSanitizeFileName(t *testing.T) {
	for in, want := range map[string]string{
		"a.png":           "a.png",
		"../../etc/passwd": "passwd",
		`C:\tmp\x.txt`:    "x.txt",
		".hidden":         "hidden",
		"":                "",
		"..":              "",
	} {
		if got := sanitizeFileName(in); got != want {
			t.Fatalf("sanitizeFileName(%q)=%q want %q", in, got, want)
		}
	}
}
