package audit

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yourorg/assetgw/internal/apperr"
	"github.com/yourorg/assetgw/internal/db/memdb"
	"github.com/yourorg/assetgw/internal/models"
)

type fakePublisher struct {
	mu   sync.Mutex
	subj []string
	msgs [][]byte
	err  error
}

func (f *fakePublisher) Publish(subject string, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subj = append(f.subj, subject)
	f.msgs = append(f.msgs, data)
	return f.err
}

var alice = models.Caller{AccountID: "acct-1", Actor: models.Actor{ID: "u-1", Type: models.ActorUser}}

type clock struct{ t time.Time }

func (c *clock) now() time.Time { return c.t }

func newService(t *testing.T, opts ...Option) (*Service, *clock) {
	t.Helper()
	c := &clock{t: time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)}
	repo := memdb.New().Repositories().Audit
	return New(repo, nil, append([]Option{WithClock(c.now)}, opts...)...), c
}

func TestLogEventPublishes(t *testing.T) {
	pub := &fakePublisher{}
	svc, _ := newService(t, WithPublisher(pub))
	ctx := context.Background()

	e, err := svc.LogEvent(ctx, Event{Action: models.ActionDownload, Caller: alice, AssetID: "as-1"})
	require.NoError(t, err)
	assert.True(t, e.Success)
	require.NotNil(t, e.ActorID)
	assert.Equal(t, "u-1", *e.ActorID)

	require.Len(t, pub.msgs, 1)
	assert.Equal(t, "assets.audit.acct-1", pub.subj[0])
	var got models.AuditLogEntry
	require.NoError(t, json.Unmarshal(pub.msgs[0], &got))
	assert.Equal(t, e.ID, got.ID)
}

func TestPublishFailureIsNotFatal(t *testing.T) {
	svc, _ := newService(t, WithPublisher(&fakePublisher{err: errors.New("nats down")}))
	_, err := svc.LogEvent(context.Background(), Event{Action: models.ActionDeleted, Caller: alice})
	require.NoError(t, err)
}

func TestLogEventRequiresAccount(t *testing.T) {
	svc, _ := newService(t)
	_, err := svc.LogEvent(context.Background(), Event{Action: models.ActionDownload})
	require.ErrorIs(t, err, apperr.ErrValidation)
}

func TestSubjectSanitizesTokens(t *testing.T) {
	assert.Equal(t, "assets.audit.a_b_c", Subject("a.b*c"))
}

func TestQueryNewestFirstAndPaged(t *testing.T) {
	svc, c := newService(t)
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		svc.Download(ctx, alice, "as-1", nil)
		c.t = c.t.Add(time.Minute)
	}
	svc.AccessDenied(ctx, alice, "as-2", models.AccessContext{Action: "download", Channel: "web"}, "context not allowed")
	svc.Download(ctx, models.Caller{AccountID: "acct-2"}, "as-9", nil)

	p, err := svc.QueryEvents(ctx, models.AuditFilter{AccountID: "acct-1", Limit: 2})
	require.NoError(t, err)
	assert.Equal(t, 6, p.Total)
	require.Len(t, p.Entries, 2)
	assert.Equal(t, models.ActionAccessDenied, p.Entries[0].Action)
	assert.False(t, p.Entries[0].Success)
	assert.True(t, p.Entries[0].Timestamp.After(p.Entries[1].Timestamp) || p.Entries[0].Timestamp.Equal(p.Entries[1].Timestamp))

	p, err = svc.QueryEvents(ctx, models.AuditFilter{AccountID: "acct-1", AssetID: "as-1", Limit: 5000})
	require.NoError(t, err)
	assert.Equal(t, maxQueryLimit, p.Limit)
	assert.Equal(t, 5, p.Total)

	_, err = svc.QueryEvents(ctx, models.AuditFilter{})
	require.ErrorIs(t, err, apperr.ErrValidation)
}

func TestComplianceReport(t *testing.T) {
	svc, c := newService(t)
	ctx := context.Background()
	from := c.t
	svc.UploadCompleted(ctx, alice, "s-1", nil)
	svc.Download(ctx, alice, "as-1", nil)
	svc.URLSigned(ctx, alice, "as-1", models.AccessContext{Action: "preview", Channel: "web"}, time.Hour)
	svc.AccessDenied(ctx, alice, "as-1", models.AccessContext{Action: "download", Channel: "assistant"}, "context not allowed")
	svc.Deleted(ctx, alice, "as-1", c.t.Add(720*time.Hour))
	svc.Purged(ctx, models.Caller{AccountID: "acct-1", Actor: models.SystemActor}, "as-1", nil)
	c.t = c.t.Add(48 * time.Hour)
	svc.Download(ctx, alice, "as-1", nil) // outside the window

	r, err := svc.GenerateComplianceReport(ctx, "acct-1", from, from.Add(24*time.Hour))
	require.NoError(t, err)
	assert.EqualValues(t, 6, r.TotalEvents)
	assert.EqualValues(t, 1, r.Uploads)
	assert.EqualValues(t, 2, r.Downloads)
	assert.EqualValues(t, 1, r.AccessDenials)
	assert.EqualValues(t, 2, r.Deletions)
	assert.EqualValues(t, 1, r.FailedEvents)

	_, err = svc.GenerateComplianceReport(ctx, "acct-1", from, from)
	require.ErrorIs(t, err, apperr.ErrValidation)
}

func TestEraseAccount(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()
	svc.Download(ctx, alice, "as-1", nil)
	svc.Download(ctx, alice, "as-2", nil)
	svc.Download(ctx, models.Caller{AccountID: "acct-2"}, "as-3", nil)

	n, err := svc.EraseAccount(ctx, "acct-1")
	require.NoError(t, err)
	assert.EqualValues(t, 2, n)
	p, err := svc.QueryEvents(ctx, models.AuditFilter{AccountID: "acct-2"})
	require.NoError(t, err)
	assert.Equal(t, 1, p.Total)
}
