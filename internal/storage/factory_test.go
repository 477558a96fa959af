package storage

import (
	"context"
	"errors"
	"testing"
)

func withFakeS3(t *testing.T, f *fakeS3, err error) func() {
	old := newS3Client
	newS3Client = func(ctx context.Context, cfg S3Config) (s3API, presignAPI, error) {
		if err != nil { return nil, nil, err }
		return f, f, nil
	}
	return func() { newS3Client = old }
}

func TestFactorySelectsS3(t *testing.T) {
	defer withFakeS3(t, newFakeS3(), nil)()
	st, err := New(context.Background(), Config{Provider: ProviderS3, S3: S3Config{Bucket: "bkt"}}, nil)
	if err != nil { t.Fatalf("New: %v", err) }
	if st.Provider() != ProviderS3 { t.Fatalf("provider %s", st.Provider()) }
}

func TestFactoryFallsBackToLocal(t *testing.T) {
	defer withFakeS3(t, nil, errors.New("no credentials"))()
	for _, cfg := range []Config{
		{Provider: ProviderS3, Local: LocalConfig{Root: t.TempDir()}},
		{Provider: ProviderS3, S3: S3Config{Bucket: "bkt"}, Local: LocalConfig{Root: t.TempDir()}},
	} {
		st, err := New(context.Background(), cfg, nil)
		if err != nil { t.Fatalf("New: %v", err) }
		if st.Provider() != ProviderLocal { t.Fatalf("provider %s", st.Provider()) }
		_ = Close(st)
	}
}

func TestFactoryUnknownProvider(t *testing.T) {
	if _, err := New(context.Background(), Config{Provider: "gcs"}, nil); err == nil { t.Fatalf("expected error") }
}
