package archive

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/ehrlich-b/objlog/internal/crypto"
)

type object struct {
	data []byte
	meta map[string]string
}

// fakeS3 is an in-memory bucket.
type fakeS3 struct {
	mu   sync.Mutex
	objs map[string]object
	puts int
}

func newFakeS3() *fakeS3 {
	return &fakeS3{objs: make(map[string]object)}
}

func (f *fakeS3) PutObject(ctx context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	data, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.objs[aws.ToString(in.Key)] = object{data: data, meta: in.Metadata}
	f.puts++
	return &s3.PutObjectOutput{}, nil
}

func (f *fakeS3) GetObject(ctx context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	obj, ok := f.objs[aws.ToString(in.Key)]
	if !ok {
		return nil, &types.NoSuchKey{}
	}
	return &s3.GetObjectOutput{
		Body:     io.NopCloser(bytes.NewReader(obj.data)),
		Metadata: obj.meta,
	}, nil
}

func (f *fakeS3) HeadObject(ctx context.Context, in *s3.HeadObjectInput, _ ...func(*s3.Options)) (*s3.HeadObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	obj, ok := f.objs[aws.ToString(in.Key)]
	if !ok {
		return nil, &types.NotFound{}
	}
	return &s3.HeadObjectOutput{Metadata: obj.meta}, nil
}

func (f *fakeS3) ListObjectsV2(ctx context.Context, in *s3.ListObjectsV2Input, _ ...func(*s3.Options)) (*s3.ListObjectsV2Output, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var keys []string
	for k := range f.objs {
		if strings.HasPrefix(k, aws.ToString(in.Prefix)) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	out := &s3.ListObjectsV2Output{}
	for _, k := range keys {
		out.Contents = append(out.Contents, types.Object{Key: aws.String(k)})
	}
	return out, nil
}

type marks struct {
	keys map[string]string
}

func (m *marks) MarkArchived(_ context.Context, path, key string, _ time.Time) error {
	m.keys[path] = key
	return nil
}

func writeDay(t *testing.T, base string) string {
	t.Helper()
	dir := filepath.Join(base, "2024-03-01")
	if err := os.MkdirAll(dir, 0755); err != nil {
		t.Fatal(err)
	}
	files := map[string]string{
		"ticks-10-00.data": "frames-one",
		"ticks-10-30.data": "frames-two",
		"ticks-11-00.data": "still open",
	}
	for name, content := range files {
		if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0644); err != nil {
			t.Fatal(err)
		}
	}
	return dir
}

func TestPushAndPull(t *testing.T) {
	ctx := context.Background()
	client := newFakeS3()
	src := t.TempDir()
	dir := writeDay(t, src)
	m := &marks{keys: make(map[string]string)}

	a, err := New(client, Options{Bucket: "b", Prefix: "logs", BaseDir: src, Marker: m}, nil)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	open := filepath.Join(dir, "ticks-11-00.data")
	res, err := a.Push(ctx, dir, open)
	if err != nil {
		t.Fatalf("Push failed: %v", err)
	}
	if res.Uploaded != 2 || len(res.Skipped) != 1 {
		t.Errorf("Push result = %+v, want 2 uploaded and 1 skipped", res)
	}
	if _, ok := client.objs["logs/2024-03-01/ticks-10-00.data"]; !ok {
		t.Errorf("expected object key logs/2024-03-01/ticks-10-00.data, have %v", client.objs)
	}
	if m.keys[filepath.Join(dir, "ticks-10-30.data")] != "logs/2024-03-01/ticks-10-30.data" {
		t.Errorf("marker not called: %v", m.keys)
	}

	// A second push sends nothing.
	res, err = a.Push(ctx, dir, open)
	if err != nil {
		t.Fatal(err)
	}
	if res.Uploaded != 0 || res.Unchanged != 2 {
		t.Errorf("second Push result = %+v", res)
	}

	dst := t.TempDir()
	b, err := New(client, Options{Bucket: "b", Prefix: "logs", BaseDir: dst}, nil)
	if err != nil {
		t.Fatal(err)
	}
	res, err = b.Pull(ctx, "2024-03-01")
	if err != nil {
		t.Fatalf("Pull failed: %v", err)
	}
	if res.Downloaded != 2 {
		t.Errorf("Pull downloaded %d, want 2", res.Downloaded)
	}
	got, err := os.ReadFile(filepath.Join(dst, "2024-03-01", "ticks-10-00.data"))
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "frames-one" {
		t.Errorf("pulled content = %q", got)
	}
}

func TestPushEncrypted(t *testing.T) {
	ctx := context.Background()
	client := newFakeS3()
	src := t.TempDir()
	dir := writeDay(t, src)

	a, err := New(client, Options{Bucket: "b", BaseDir: src, EncryptionKey: "hunter2"}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := a.Push(ctx, dir); err != nil {
		t.Fatalf("Push failed: %v", err)
	}

	obj := client.objs["2024-03-01/ticks-10-00.data"]
	if !crypto.IsSealed(obj.data) || bytes.Contains(obj.data, []byte("frames-one")) {
		t.Error("object should be stored encrypted")
	}
	if obj.meta[metaDigest] != Digest([]byte("frames-one")) {
		t.Errorf("digest metadata = %q", obj.meta[metaDigest])
	}

	// Without the key the pull refuses.
	plain, _ := New(client, Options{Bucket: "b", BaseDir: t.TempDir()}, nil)
	if _, err := plain.Pull(ctx, "2024-03-01"); err == nil {
		t.Error("Pull without key should fail on encrypted objects")
	}

	dst := t.TempDir()
	keyed, _ := New(client, Options{Bucket: "b", BaseDir: dst, EncryptionKey: "hunter2"}, nil)
	if _, err := keyed.Pull(ctx, "2024-03-01"); err != nil {
		t.Fatalf("Pull failed: %v", err)
	}
	got, _ := os.ReadFile(filepath.Join(dst, "2024-03-01", "ticks-10-30.data"))
	if string(got) != "frames-two" {
		t.Errorf("decrypted content = %q", got)
	}
}

func TestPullDetectsTampering(t *testing.T) {
	ctx := context.Background()
	client := newFakeS3()
	client.objs["2024-03-01/x-10-00.data"] = object{
		data: []byte("tampered"),
		meta: map[string]string{metaDigest: Digest([]byte("original"))},
	}
	a, _ := New(client, Options{Bucket: "b", BaseDir: t.TempDir()}, nil)
	if _, err := a.Pull(ctx, "2024-03-01"); err == nil || !strings.Contains(err.Error(), "digest mismatch") {
		t.Errorf("Pull = %v, want digest mismatch", err)
	}
}

func TestKeyOutsideBase(t *testing.T) {
	a, _ := New(newFakeS3(), Options{Bucket: "b", BaseDir: "/data"}, nil)
	if _, err := a.Key("/etc/passwd"); err == nil {
		t.Error("expected error for a path outside the base directory")
	}
	if _, err := a.Pull(context.Background(), "yesterday"); err == nil {
		t.Error("expected error for a malformed day")
	}
}

func TestNewRequiresBucket(t *testing.T) {
	if _, err := New(newFakeS3(), Options{BaseDir: "/data"}, nil); err == nil {
		t.Error("expected error without a bucket")
	}
}
