package api

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yourorg/assetgw/internal/storage"
)

func init() { gin.SetMode(gin.TestMode) }

func newRouter(t *testing.T) (*gin.Engine, *storage.LocalStore) {
	t.Helper()
	st, err := storage.NewLocal(storage.LocalConfig{Root: t.TempDir(), BaseURL: "http://files.test/files", SigningSecret: "s3cret"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	_, err = st.Upload(context.Background(), "acct/a1/1", strings.NewReader("hello"), storage.UploadOptions{ContentType: "text/plain"})
	require.NoError(t, err)
	return NewRouter(st, nil, Options{FilesPrefix: "/files"}), st
}

func get(t *testing.T, r http.Handler, rawURL string) *httptest.ResponseRecorder {
	t.Helper()
	u, err := url.Parse(rawURL)
	require.NoError(t, err)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, u.RequestURI(), nil))
	return w
}

func TestServeSignedURL(t *testing.T) {
	r, st := newRouter(t)
	signed, err := st.SignedURL(context.Background(), "acct/a1/1", storage.SignOptions{
		TTL: time.Minute, Disposition: "attachment", FileName: "hello.txt",
	})
	require.NoError(t, err)

	w := get(t, r, signed)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "hello", w.Body.String())
	assert.Equal(t, "text/plain", w.Header().Get("Content-Type"))
	assert.Equal(t, `attachment; filename=hello.txt`, w.Header().Get("Content-Disposition"))
}

func TestRejectsTamperedAndExpired(t *testing.T) {
	r, st := newRouter(t)
	ctx := context.Background()

	signed, err := st.SignedURL(ctx, "acct/a1/1", storage.SignOptions{TTL: time.Minute})
	require.NoError(t, err)
	tampered := strings.Replace(signed, "acct/a1/1", "acct/a1/2", 1)
	assert.Equal(t, http.StatusForbidden, get(t, r, tampered).Code)

	expired, err := st.SignedURL(ctx, "acct/a1/1", storage.SignOptions{ExpiresAt: time.Now().Add(-time.Second)})
	require.NoError(t, err)
	w := get(t, r, expired)
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Contains(t, w.Body.String(), "expired")

	assert.Equal(t, http.StatusForbidden, get(t, r, "http://files.test/files/acct/a1/1").Code)
}

func TestMissingObject(t *testing.T) {
	r, st := newRouter(t)
	signed, err := st.SignedURL(context.Background(), "acct/gone/1", storage.SignOptions{TTL: time.Minute})
	require.NoError(t, err)
	assert.Equal(t, http.StatusNotFound, get(t, r, signed).Code)
}

func TestHealthz(t *testing.T) {
	r, _ := newRouter(t)
	w := get(t, r, "http://files.test/healthz")
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestContentDisposition(t *testing.T) {
	assert.Equal(t, "", contentDisposition("", ""))
	assert.Equal(t, "attachment", contentDisposition("attachment", ""))
	assert.Equal(t, `inline; filename="a b.png"`, contentDisposition("bogus", "a b.png"))
}
