// Package storage gives the asset services uniform byte-level access to the
// configured backend (local filesystem or S3-compatible object store).
package storage

import (
	"context"
	"errors"
	"io"
	"time"
)

// Provider names as persisted on assets.
const (
	ProviderLocal = "local"
	ProviderS3    = "s3"
)

// ErrObjectNotFound is returned when a key does not exist.
var ErrObjectNotFound = errors.New("object not found")

// ObjectInfo describes a stored object.
type ObjectInfo struct {
	Key          string
	Size         int64
	ContentType  string
	ETag         string
	LastModified time.Time
	Metadata     map[string]string
}

// UploadOptions annotate an uploaded object.
type UploadOptions struct {
	ContentType string
	Metadata    map[string]string
}

// SignOptions control a signed URL. ExpiresAt wins over TTL when both are set
// and the backend can honour an absolute deadline.
type SignOptions struct {
	TTL         time.Duration
	ExpiresAt   time.Time
	Disposition string // "inline" or "attachment"
	FileName    string
}

// Store is the contract every backend implements.
type Store interface {
	// Provider returns ProviderLocal or ProviderS3.
	Provider() string
	// Upload writes body under key and returns what was stored.
	Upload(ctx context.Context, key string, body io.Reader, opts UploadOptions) (ObjectInfo, error)
	// Download opens key for reading; the caller closes the reader.
	Download(ctx context.Context, key string) (io.ReadCloser, ObjectInfo, error)
	// Delete removes key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error
	// DeleteMany removes keys, attempting all of them and joining failures.
	DeleteMany(ctx context.Context, keys []string) error
	Exists(ctx context.Context, key string) (bool, error)
	GetMetadata(ctx context.Context, key string) (ObjectInfo, error)
	// List returns objects whose key starts with prefix, sorted by key.
	List(ctx context.Context, prefix string) ([]ObjectInfo, error)
	Copy(ctx context.Context, srcKey, dstKey string) error
	// Move relocates srcKey to dstKey; the source is gone on success.
	Move(ctx context.Context, srcKey, dstKey string) error
	SignedURL(ctx context.Context, key string, opts SignOptions) (string, error)
}

// expiry resolves the absolute deadline for opts relative to now.
func (o SignOptions) expiry(now time.Time) time.Time {
	if !o.ExpiresAt.IsZero() {
		return o.ExpiresAt
	}
	ttl := o.TTL
	if ttl <= 0 {
		ttl = time.Hour
	}
	return now.Add(ttl)
}

// countingReader tracks how many bytes passed through.
type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}
