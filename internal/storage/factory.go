package storage

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"

	"go.uber.org/zap"
)

// Config selects and configures a backend.
type Config struct {
	Provider string      `mapstructure:"provider"` // "local" or "s3"
	Local    LocalConfig `mapstructure:"local"`
	S3       S3Config    `mapstructure:"s3"`
}

// New builds the configured store. An s3 request without a bucket or usable
// credentials degrades to the local backend with a warning.
func New(ctx context.Context, cfg Config, log *zap.Logger) (Store, error) {
	if log == nil {
		log = zap.NewNop()
	}
	switch cfg.Provider {
	case ProviderS3:
		if cfg.S3.Bucket == "" {
			log.Warn("s3 storage requested without bucket; using local storage")
			break
		}
		st, err := NewS3(ctx, cfg.S3)
		if err == nil {
			log.Info("storage ready", zap.String("provider", ProviderS3), zap.String("bucket", cfg.S3.Bucket))
			return st, nil
		}
		log.Warn("s3 storage unavailable; using local storage", zap.Error(err))
	case ProviderLocal, "":
	default:
		return nil, fmt.Errorf("unknown storage provider %q", cfg.Provider)
	}
	lc := cfg.Local
	if lc.Root == "" {
		lc.Root = "./data/assets"
	}
	if lc.SigningSecret == "" {
		lc.SigningSecret = randomSecret()
		log.Warn("no signing secret configured; signed URLs will not survive a restart")
	}
	st, err := NewLocal(lc)
	if err != nil {
		return nil, err
	}
	log.Info("storage ready", zap.String("provider", ProviderLocal), zap.String("root", st.root))
	return st, nil
}

// Close releases backend resources when the store holds any.
func Close(s Store) error {
	if c, ok := s.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

func randomSecret() string {
	b := make([]byte, 32)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}
