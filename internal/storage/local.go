package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/dgraph-io/badger/v4"
)

// LocalConfig configures the filesystem backend.
type LocalConfig struct {
	Root          string `mapstructure:"root"`
	BaseURL       string `mapstructure:"base_url"`
	SigningSecret string `mapstructure:"signing_secret"`
	// MetaDir holds the badger metadata index; defaults to {Root}/.meta.
	MetaDir string `mapstructure:"meta_dir"`
}

const metaPrefix = "obj:"

// objectMeta is what the filesystem cannot record for us.
type objectMeta struct {
	ContentType string            `json:"content_type,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// LocalStore maps keys to files below a root directory. Content type and
// user metadata are kept in a badger index next to the tree.
type LocalStore struct {
	root   string
	meta   *badger.DB
	signer *URLSigner
	now    func() time.Time
}

// NewLocal opens (and creates) the root and its metadata index.
func NewLocal(cfg LocalConfig) (*LocalStore, error) {
	if cfg.Root == "" {
		return nil, errors.New("local storage root is required")
	}
	root, err := filepath.Abs(cfg.Root)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create storage root: %w", err)
	}
	metaDir := cfg.MetaDir
	if metaDir == "" {
		metaDir = filepath.Join(root, ".meta")
	}
	db, err := badger.Open(badger.DefaultOptions(metaDir).WithLogger(nil))
	if err != nil {
		return nil, fmt.Errorf("open metadata index: %w", err)
	}
	return &LocalStore{
		root:   root,
		meta:   db,
		signer: NewURLSigner(cfg.BaseURL, cfg.SigningSecret),
		now:    time.Now,
	}, nil
}

// Close releases the metadata index.
func (s *LocalStore) Close() error {
	if s == nil || s.meta == nil {
		return nil
	}
	return s.meta.Close()
}

func (s *LocalStore) Provider() string { return ProviderLocal }

// path maps key to a file path, refusing anything that escapes the root or
// touches hidden entries such as the metadata index.
func (s *LocalStore) path(key string) (string, error) {
	clean := path.Clean(strings.TrimPrefix(key, "/"))
	if clean == "." || clean == ".." || strings.HasPrefix(clean, "../") {
		return "", fmt.Errorf("invalid key %q", key)
	}
	for _, seg := range strings.Split(clean, "/") {
		if strings.HasPrefix(seg, ".") {
			return "", fmt.Errorf("invalid key %q", key)
		}
	}
	return filepath.Join(s.root, filepath.FromSlash(clean)), nil
}

func (s *LocalStore) Upload(ctx context.Context, key string, body io.Reader, opts UploadOptions) (ObjectInfo, error) {
	p, err := s.path(key)
	if err != nil {
		return ObjectInfo{}, err
	}
	cr := &countingReader{r: body}
	if err := writeAtomic(p, cr); err != nil {
		return ObjectInfo{}, fmt.Errorf("local upload %s: %w", key, err)
	}
	m := objectMeta{ContentType: opts.ContentType, Metadata: opts.Metadata}
	if err := s.putMeta(key, m); err != nil {
		return ObjectInfo{}, fmt.Errorf("local upload %s: %w", key, err)
	}
	return ObjectInfo{
		Key:          key,
		Size:         cr.n,
		ContentType:  contentTypeOr(m.ContentType),
		LastModified: s.now(),
		Metadata:     opts.Metadata,
	}, nil
}

func (s *LocalStore) Download(ctx context.Context, key string) (io.ReadCloser, ObjectInfo, error) {
	p, err := s.path(key)
	if err != nil {
		return nil, ObjectInfo{}, err
	}
	f, err := os.Open(p)
	if err != nil {
		return nil, ObjectInfo{}, mapFSErr(key, err)
	}
	info, err := s.stat(key, f)
	if err != nil {
		_ = f.Close()
		return nil, ObjectInfo{}, err
	}
	return f, info, nil
}

func (s *LocalStore) Delete(ctx context.Context, key string) error {
	p, err := s.path(key)
	if err != nil {
		return err
	}
	if err := os.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("local delete %s: %w", key, err)
	}
	s.pruneEmpty(filepath.Dir(p))
	return s.deleteMeta(key)
}

func (s *LocalStore) DeleteMany(ctx context.Context, keys []string) error {
	var errs []error
	for _, k := range keys {
		if err := s.Delete(ctx, k); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (s *LocalStore) Exists(ctx context.Context, key string) (bool, error) {
	p, err := s.path(key)
	if err != nil {
		return false, err
	}
	if _, err := os.Stat(p); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (s *LocalStore) GetMetadata(ctx context.Context, key string) (ObjectInfo, error) {
	p, err := s.path(key)
	if err != nil {
		return ObjectInfo{}, err
	}
	f, err := os.Open(p)
	if err != nil {
		return ObjectInfo{}, mapFSErr(key, err)
	}
	defer f.Close()
	return s.stat(key, f)
}

func (s *LocalStore) List(ctx context.Context, prefix string) ([]ObjectInfo, error) {
	dir := s.root
	if i := strings.LastIndex(prefix, "/"); i > 0 {
		p, err := s.path(prefix[:i])
		if err != nil {
			return nil, err
		}
		dir = p
	}
	var out []ObjectInfo
	err := filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		if strings.HasPrefix(d.Name(), ".") {
			if d.IsDir() && p != dir {
				return filepath.SkipDir
			}
			if !d.IsDir() {
				return nil
			}
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(s.root, p)
		if err != nil {
			return err
		}
		key := filepath.ToSlash(rel)
		if !strings.HasPrefix(key, prefix) {
			return nil
		}
		fi, err := d.Info()
		if err != nil {
			return nil
		}
		out = append(out, ObjectInfo{Key: key, Size: fi.Size(), LastModified: fi.ModTime()})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("local list %s: %w", prefix, err)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

func (s *LocalStore) Copy(ctx context.Context, srcKey, dstKey string) error {
	src, err := s.path(srcKey)
	if err != nil {
		return err
	}
	dst, err := s.path(dstKey)
	if err != nil {
		return err
	}
	f, err := os.Open(src)
	if err != nil {
		return mapFSErr(srcKey, err)
	}
	defer f.Close()
	if err := writeAtomic(dst, f); err != nil {
		return fmt.Errorf("local copy %s -> %s: %w", srcKey, dstKey, err)
	}
	m, err := s.getMeta(srcKey)
	if err != nil {
		return err
	}
	return s.putMeta(dstKey, m)
}

func (s *LocalStore) Move(ctx context.Context, srcKey, dstKey string) error {
	src, err := s.path(srcKey)
	if err != nil {
		return err
	}
	dst, err := s.path(dstKey)
	if err != nil {
		return err
	}
	if _, err := os.Stat(src); err != nil {
		return mapFSErr(srcKey, err)
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return fmt.Errorf("local move %s -> %s: %w", srcKey, dstKey, err)
	}
	if err := os.Rename(src, dst); err != nil {
		return fmt.Errorf("local move %s -> %s: %w", srcKey, dstKey, err)
	}
	s.pruneEmpty(filepath.Dir(src))
	m, err := s.getMeta(srcKey)
	if err != nil {
		return err
	}
	if err := s.putMeta(dstKey, m); err != nil {
		return err
	}
	return s.deleteMeta(srcKey)
}

func (s *LocalStore) SignedURL(ctx context.Context, key string, opts SignOptions) (string, error) {
	if len(s.signer.secret) == 0 {
		return "", errors.New("local signing secret not configured")
	}
	if _, err := s.path(key); err != nil {
		return "", err
	}
	return s.signer.Sign(key, opts.expiry(s.now()), opts.Disposition, opts.FileName), nil
}

// Verify checks a signed request for key against the local secret.
func (s *LocalStore) Verify(key string, q url.Values) error {
	return s.signer.Verify(key, q, s.now())
}

func (s *LocalStore) stat(key string, f *os.File) (ObjectInfo, error) {
	fi, err := f.Stat()
	if err != nil {
		return ObjectInfo{}, err
	}
	m, err := s.getMeta(key)
	if err != nil {
		return ObjectInfo{}, err
	}
	return ObjectInfo{
		Key:          key,
		Size:         fi.Size(),
		ContentType:  contentTypeOr(m.ContentType),
		LastModified: fi.ModTime(),
		Metadata:     m.Metadata,
	}, nil
}

func (s *LocalStore) putMeta(key string, m objectMeta) error {
	b, err := json.Marshal(m)
	if err != nil {
		return err
	}
	return s.meta.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(metaPrefix+key), b)
	})
}

func (s *LocalStore) getMeta(key string) (objectMeta, error) {
	var m objectMeta
	err := s.meta.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(metaPrefix + key))
		if err == badger.ErrKeyNotFound {
			return nil
		}
		if err != nil {
			return err
		}
		return item.Value(func(v []byte) error { return json.Unmarshal(v, &m) })
	})
	return m, err
}

func (s *LocalStore) deleteMeta(key string) error {
	return s.meta.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(metaPrefix + key))
	})
}

// pruneEmpty removes now-empty directories up to (not including) the root.
func (s *LocalStore) pruneEmpty(dir string) {
	for dir != s.root && strings.HasPrefix(dir, s.root) {
		if err := os.Remove(dir); err != nil {
			return
		}
		dir = filepath.Dir(dir)
	}
}

// writeAtomic streams r into a temp file beside p and renames it into place.
func writeAtomic(p string, r io.Reader) error {
	dir := filepath.Dir(p)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, ".upload-*")
	if err != nil {
		return err
	}
	if _, err := io.Copy(tmp, r); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), p)
}

func mapFSErr(key string, err error) error {
	if errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("%s: %w", key, ErrObjectNotFound)
	}
	return err
}

func contentTypeOr(ct string) string {
	if ct == "" {
		return "application/octet-stream"
	}
	return ct
}
