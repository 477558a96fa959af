package storage

import (
	"bytes"
	"context"
	"errors"
	"io"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

type fakeObject struct {
	body        []byte
	contentType string
	meta        map[string]string
}

// fakeS3 keeps objects in memory. Methods the store never reaches fall through
// to the embedded nil interface.
type fakeS3 struct {
	s3API
	objects      map[string]fakeObject
	lastCopySrc  string
	lastPresign  time.Duration
	lastDisposit string
}

func newFakeS3() *fakeS3 { return &fakeS3{objects: map[string]fakeObject{}} }

func (f *fakeS3) PutObject(ctx context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	b, err := io.ReadAll(in.Body)
	if err != nil { return nil, err }
	f.objects[aws.ToString(in.Key)] = fakeObject{body: b, contentType: aws.ToString(in.ContentType), meta: in.Metadata}
	return &s3.PutObjectOutput{ETag: aws.String(`"etag"`)}, nil
}

func (f *fakeS3) GetObject(ctx context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	o, ok := f.objects[aws.ToString(in.Key)]
	if !ok { return nil, &types.NoSuchKey{} }
	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(o.body)), ContentLength: aws.Int64(int64(len(o.body))), ContentType: aws.String(o.contentType), Metadata: o.meta}, nil
}

func (f *fakeS3) HeadObject(ctx context.Context, in *s3.HeadObjectInput, _ ...func(*s3.Options)) (*s3.HeadObjectOutput, error) {
	o, ok := f.objects[aws.ToString(in.Key)]
	if !ok { return nil, &types.NotFound{} }
	return &s3.HeadObjectOutput{ContentLength: aws.Int64(int64(len(o.body))), ContentType: aws.String(o.contentType), Metadata: o.meta}, nil
}

func (f *fakeS3) DeleteObject(ctx context.Context, in *s3.DeleteObjectInput, _ ...func(*s3.Options)) (*s3.DeleteObjectOutput, error) {
	delete(f.objects, aws.ToString(in.Key))
	return &s3.DeleteObjectOutput{}, nil
}

func (f *fakeS3) DeleteObjects(ctx context.Context, in *s3.DeleteObjectsInput, _ ...func(*s3.Options)) (*s3.DeleteObjectsOutput, error) {
	for _, id := range in.Delete.Objects { delete(f.objects, aws.ToString(id.Key)) }
	return &s3.DeleteObjectsOutput{}, nil
}

func (f *fakeS3) ListObjectsV2(ctx context.Context, in *s3.ListObjectsV2Input, _ ...func(*s3.Options)) (*s3.ListObjectsV2Output, error) {
	var keys []string
	for k := range f.objects {
		if strings.HasPrefix(k, aws.ToString(in.Prefix)) { keys = append(keys, k) }
	}
	sort.Sort(sort.Reverse(sort.StringSlice(keys)))
	out := &s3.ListObjectsV2Output{IsTruncated: aws.Bool(false)}
	for _, k := range keys {
		out.Contents = append(out.Contents, types.Object{Key: aws.String(k), Size: aws.Int64(int64(len(f.objects[k].body)))})
	}
	return out, nil
}

func (f *fakeS3) CopyObject(ctx context.Context, in *s3.CopyObjectInput, _ ...func(*s3.Options)) (*s3.CopyObjectOutput, error) {
	f.lastCopySrc = aws.ToString(in.CopySource)
	src := strings.TrimPrefix(f.lastCopySrc, "bkt/")
	src = strings.ReplaceAll(src, "%20", " ")
	o, ok := f.objects[src]
	if !ok { return nil, &types.NoSuchKey{} }
	f.objects[aws.ToString(in.Key)] = o
	return &s3.CopyObjectOutput{}, nil
}

func (f *fakeS3) PresignGetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.PresignOptions)) (*v4.PresignedHTTPRequest, error) {
	var o s3.PresignOptions
	for _, fn := range optFns { fn(&o) }
	f.lastPresign = o.Expires
	f.lastDisposit = aws.ToString(in.ResponseContentDisposition)
	return &v4.PresignedHTTPRequest{URL: "https://bkt.s3.test/" + aws.ToString(in.Key) + "?X-Amz-Signature=x", Method: "GET"}, nil
}

func newTestS3(f *fakeS3) *S3Store {
	return &S3Store{client: f, presign: f, bucket: "bkt", prefix: "assets/", now: time.Now}
}

func TestS3UploadDownloadWithPrefix(t *testing.T) {
	f := newFakeS3()
	s := newTestS3(f)
	ctx := context.Background()
	info, err := s.Upload(ctx, "acct/a/1", strings.NewReader("hello"), UploadOptions{ContentType: "text/plain"})
	if err != nil { t.Fatalf("Upload: %v", err) }
	if info.Size != 5 || info.ETag != "etag" { t.Fatalf("info %+v", info) }
	if _, ok := f.objects["assets/acct/a/1"]; !ok { t.Fatalf("prefix not applied: %v", f.objects) }
	rc, got, err := s.Download(ctx, "acct/a/1")
	if err != nil { t.Fatalf("Download: %v", err) }
	defer rc.Close()
	b, _ := io.ReadAll(rc)
	if string(b) != "hello" || got.ContentType != "text/plain" { t.Fatalf("got %q %+v", b, got) }
}

func TestS3NotFoundMapping(t *testing.T) {
	s := newTestS3(newFakeS3())
	ctx := context.Background()
	if _, _, err := s.Download(ctx, "x"); !errors.Is(err, ErrObjectNotFound) { t.Fatalf("download: %v", err) }
	if _, err := s.GetMetadata(ctx, "x"); !errors.Is(err, ErrObjectNotFound) { t.Fatalf("head: %v", err) }
	ok, err := s.Exists(ctx, "x")
	if ok || err != nil { t.Fatalf("exists %v %v", ok, err) }
}

func TestS3ListMoveDeleteMany(t *testing.T) {
	f := newFakeS3()
	s := newTestS3(f)
	ctx := context.Background()
	for _, k := range []string{"acct/a/2", "acct/a/1", "acct/b/1"} {
		if _, err := s.Upload(ctx, k, strings.NewReader(k), UploadOptions{}); err != nil { t.Fatal(err) }
	}
	objs, err := s.List(ctx, "acct/a/")
	if err != nil { t.Fatalf("List: %v", err) }
	if len(objs) != 2 || objs[0].Key != "acct/a/1" || objs[1].Key != "acct/a/2" { t.Fatalf("list %+v", objs) }
	if err := s.Move(ctx, "acct/b/1", "acct/b c/1"); err != nil { t.Fatalf("Move: %v", err) }
	if f.lastCopySrc != "bkt/assets/acct/b/1" { t.Fatalf("copy source %q", f.lastCopySrc) }
	if _, ok := f.objects["assets/acct/b/1"]; ok { t.Fatalf("source survived move") }
	if err := s.Copy(ctx, "acct/b c/1", "acct/b/2"); err != nil { t.Fatalf("Copy: %v", err) }
	if f.lastCopySrc != "bkt/assets/acct/b%20c/1" { t.Fatalf("escaped copy source %q", f.lastCopySrc) }
	if err := s.DeleteMany(ctx, []string{"acct/a/1", "acct/a/2", "acct/b c/1", "acct/b/2"}); err != nil { t.Fatalf("DeleteMany: %v", err) }
	if len(f.objects) != 0 { t.Fatalf("left %v", f.objects) }
}

func TestS3SignedURL(t *testing.T) {
	f := newFakeS3()
	s := newTestS3(f)
	now := time.Now()
	s.now = func() time.Time { return now }
	u, err := s.SignedURL(context.Background(), "acct/a/1", SignOptions{ExpiresAt: now.Add(90 * time.Second), Disposition: "attachment", FileName: "a.pdf"})
	if err != nil { t.Fatalf("SignedURL: %v", err) }
	if !strings.HasPrefix(u, "https://bkt.s3.test/assets/acct/a/1") { t.Fatalf("url %q", u) }
	if f.lastPresign != 90*time.Second { t.Fatalf("ttl %v", f.lastPresign) }
	if f.lastDisposit != `attachment; filename="a.pdf"` { t.Fatalf("disposition %q", f.lastDisposit) }
	if _, err := s.SignedURL(context.Background(), "k", SignOptions{ExpiresAt: now.Add(-time.Second)}); err == nil { t.Fatalf("past expiry accepted") }
}
