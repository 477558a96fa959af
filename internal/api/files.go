// Package api serves the bytes behind locally signed URLs. S3-backed
// deployments hand out presigned URLs and never route reads through here.
package api

import (
	"errors"
	"mime"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/yourorg/assetgw/internal/storage"
)

// Verifier checks a signed query for a key. *storage.LocalStore implements it.
type Verifier interface {
	Verify(key string, q url.Values) error
}

type Options struct {
	// FilesPrefix is the path signed URLs are rooted at, e.g. "/files".
	FilesPrefix string
	CORSOrigins []string
}

type FileHandler struct {
	store  storage.Store
	verify Verifier
	log    *zap.Logger
}

func NewFileHandler(store storage.Store, log *zap.Logger) *FileHandler {
	if log == nil {
		log = zap.NewNop()
	}
	h := &FileHandler{store: store, log: log.Named("files")}
	if v, ok := store.(Verifier); ok {
		h.verify = v
	}
	return h
}

// NewRouter mounts the file handler and a health check.
func NewRouter(store storage.Store, log *zap.Logger, opts Options) *gin.Engine {
	if log == nil {
		log = zap.NewNop()
	}
	r := gin.New()
	r.Use(gin.Recovery(), requestLog(log))
	origins := opts.CORSOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	r.Use(cors.New(cors.Config{
		AllowOrigins:  origins,
		AllowMethods:  []string{http.MethodGet, http.MethodHead, http.MethodOptions},
		AllowHeaders:  []string{"Origin", "Accept", "Range"},
		ExposeHeaders: []string{"Content-Length", "Content-Disposition"},
		MaxAge:        12 * time.Hour,
	}))

	r.GET("/healthz", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ok"}) })

	prefix := "/" + strings.Trim(opts.FilesPrefix, "/")
	if prefix == "/" {
		prefix = "/files"
	}
	h := NewFileHandler(store, log)
	r.GET(prefix+"/*key", h.Serve)
	r.HEAD(prefix+"/*key", h.Serve)
	return r
}

// Serve streams the object named by the path once its signature checks out.
// Bad and expired signatures both answer 403.
func (h *FileHandler) Serve(c *gin.Context) {
	key := strings.TrimPrefix(c.Param("key"), "/")
	if key == "" || h.verify == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
		return
	}
	if err := h.verify.Verify(key, c.Request.URL.Query()); err != nil {
		if errors.Is(err, storage.ErrSignatureExpired) {
			c.JSON(http.StatusForbidden, gin.H{"error": "link expired"})
			return
		}
		c.JSON(http.StatusForbidden, gin.H{"error": "forbidden"})
		return
	}
	rc, info, err := h.store.Download(c.Request.Context(), key)
	if errors.Is(err, storage.ErrObjectNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
		return
	}
	if err != nil {
		h.log.Error("download failed", zap.String("key", key), zap.Error(err))
		c.JSON(http.StatusBadGateway, gin.H{"error": "storage unavailable"})
		return
	}
	defer rc.Close()

	headers := map[string]string{"Cache-Control": "private, no-store"}
	if cd := contentDisposition(c.Query("disposition"), c.Query("filename")); cd != "" {
		headers["Content-Disposition"] = cd
	}
	ct := info.ContentType
	if ct == "" {
		ct = "application/octet-stream"
	}
	if c.Request.Method == http.MethodHead {
		for k, v := range headers {
			c.Header(k, v)
		}
		c.Header("Content-Type", ct)
		c.Status(http.StatusOK)
		return
	}
	c.DataFromReader(http.StatusOK, info.Size, ct, rc, headers)
}

func contentDisposition(disposition, fileName string) string {
	if disposition != "attachment" {
		disposition = "inline"
	}
	if fileName == "" {
		if disposition == "inline" {
			return ""
		}
		return disposition
	}
	return mime.FormatMediaType(disposition, map[string]string{"filename": fileName})
}

func requestLog(log *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		log.Debug("request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("took", time.Since(start)))
	}
}
