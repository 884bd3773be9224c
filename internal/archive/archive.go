// Package archive copies closed segment files to an S3-compatible bucket and
// back. It is an explicit operator action; nothing here runs on the write path.
package archive

import (
	"bytes"
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"golang.org/x/crypto/sha3"

	"github.com/ehrlich-b/objlog/internal/crypto"
)

const (
	metaDigest    = "sha3-256"
	metaEncrypted = "encrypted"
	dayLayout     = "2006-01-02"
)

// Client is the subset of *s3.Client the archiver uses.
type Client interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, opts ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, in *s3.GetObjectInput, opts ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	HeadObject(ctx context.Context, in *s3.HeadObjectInput, opts ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	ListObjectsV2(ctx context.Context, in *s3.ListObjectsV2Input, opts ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
}

// Marker records uploads; *catalog.Catalog satisfies it.
type Marker interface {
	MarkArchived(ctx context.Context, path, key string, at time.Time) error
}

// ClientConfig locates the bucket.
type ClientConfig struct {
	Endpoint        string // full URL; wins over AccountID
	AccountID       string // Cloudflare R2 account
	Region          string
	AccessKeyID     string
	SecretAccessKey string
}

// NewClient builds an S3 client. With an AccountID and no Endpoint it talks to
// Cloudflare R2; with an Endpoint it uses path-style addressing, which MinIO
// and most self-hosted stores need.
func NewClient(ctx context.Context, cfg ClientConfig) (*s3.Client, error) {
	region := cfg.Region
	if region == "" {
		region = "auto"
	}

	opts := []func(*config.LoadOptions) error{config.WithRegion(region)}
	if cfg.AccessKeyID != "" {
		opts = append(opts, config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			cfg.AccessKeyID,
			cfg.SecretAccessKey,
			"",
		)))
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	endpoint := cfg.Endpoint
	if endpoint == "" && cfg.AccountID != "" {
		endpoint = fmt.Sprintf("https://%s.r2.cloudflarestorage.com", cfg.AccountID)
	}
	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
		}
		o.UsePathStyle = cfg.Endpoint != ""
	}), nil
}

// Options configures an Archiver.
type Options struct {
	Bucket        string
	Prefix        string
	BaseDir       string // local root the store writes under
	EncryptionKey string
	Marker        Marker
	Now           func() time.Time
}

// Result summarises a push or pull.
type Result struct {
	Uploaded   int
	Downloaded int
	Unchanged  int
	Skipped    []string
	Bytes      int64
}

// Archiver moves day directories between BaseDir and the bucket.
type Archiver struct {
	client Client
	opts   Options
	cipher *crypto.Cipher
	log    *slog.Logger
}

func New(client Client, opts Options, log *slog.Logger) (*Archiver, error) {
	if log == nil {
		log = slog.Default()
	}
	if opts.Bucket == "" {
		return nil, errors.New("archive bucket is required")
	}
	if opts.BaseDir == "" {
		return nil, errors.New("archive base directory is required")
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	a := &Archiver{client: client, opts: opts, log: log}
	if opts.EncryptionKey != "" {
		c, err := crypto.NewCipher(opts.EncryptionKey)
		if err != nil {
			return nil, fmt.Errorf("create cipher: %w", err)
		}
		a.cipher = c
	}
	return a, nil
}

// Key maps a local file under BaseDir to its object key.
func (a *Archiver) Key(local string) (string, error) {
	rel, err := filepath.Rel(a.opts.BaseDir, local)
	if err != nil {
		return "", err
	}
	if rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%s is outside %s", local, a.opts.BaseDir)
	}
	return path.Join(a.opts.Prefix, filepath.ToSlash(rel)), nil
}

// Digest is the hex sha3-256 of data.
func Digest(data []byte) string {
	sum := sha3.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Push uploads every file in the day directory dir. Files listed in exclude,
// normally the store's open segment, are left alone. Objects whose stored
// digest matches the local file are not re-sent.
func (a *Archiver) Push(ctx context.Context, dir string, exclude ...string) (*Result, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", dir, err)
	}
	skip := make(map[string]bool, len(exclude))
	for _, e := range exclude {
		skip[filepath.Clean(e)] = true
	}

	res := &Result{}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		local := filepath.Join(dir, entry.Name())
		if skip[local] {
			res.Skipped = append(res.Skipped, local)
			continue
		}
		if err := a.pushFile(ctx, local, res); err != nil {
			return res, err
		}
	}
	a.log.Info("archive push complete", "dir", dir, "uploaded", res.Uploaded, "unchanged", res.Unchanged, "bytes", res.Bytes)
	return res, nil
}

func (a *Archiver) pushFile(ctx context.Context, local string, res *Result) error {
	key, err := a.Key(local)
	if err != nil {
		return err
	}
	data, err := os.ReadFile(local)
	if err != nil {
		return fmt.Errorf("read %s: %w", local, err)
	}
	digest := Digest(data)

	head, err := a.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(a.opts.Bucket),
		Key:    aws.String(key),
	})
	switch {
	case err == nil && head.Metadata[metaDigest] == digest:
		res.Unchanged++
		return nil
	case err != nil && !isNotFound(err):
		return fmt.Errorf("head %s: %w", key, err)
	}

	body, encrypted := data, "false"
	if a.cipher != nil {
		if body, err = a.cipher.Seal(data, []byte(key)); err != nil {
			return fmt.Errorf("encrypt %s: %w", local, err)
		}
		encrypted = "true"
	}

	_, err = a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.opts.Bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String(contentType(local)),
		Metadata: map[string]string{
			metaDigest:    digest,
			metaEncrypted: encrypted,
		},
	})
	if err != nil {
		a.log.Error("failed to upload segment", "path", local, "key", key, "error", err)
		return fmt.Errorf("upload %s: %w", key, err)
	}
	res.Uploaded++
	res.Bytes += int64(len(body))
	a.log.Debug("uploaded segment", "path", local, "key", key, "size", len(body))

	if a.opts.Marker != nil {
		if err := a.opts.Marker.MarkArchived(ctx, local, key, a.opts.Now()); err != nil {
			a.log.Warn("failed to mark segment archived", "path", local, "error", err)
		}
	}
	return nil
}

// Pull downloads the objects of one day ("2006-01-02") into BaseDir. Local
// files that already match the archived digest are kept as they are.
func (a *Archiver) Pull(ctx context.Context, day string) (*Result, error) {
	if _, err := time.Parse(dayLayout, day); err != nil {
		return nil, fmt.Errorf("invalid day %q: %w", day, err)
	}
	prefix := path.Join(a.opts.Prefix, day) + "/"

	var keys []string
	pages := s3.NewListObjectsV2Paginator(a.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(a.opts.Bucket),
		Prefix: aws.String(prefix),
	})
	for pages.HasMorePages() {
		page, err := pages.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("list %s: %w", prefix, err)
		}
		for _, obj := range page.Contents {
			keys = append(keys, aws.ToString(obj.Key))
		}
	}
	sort.Strings(keys)

	dir := filepath.Join(a.opts.BaseDir, day)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create %s: %w", dir, err)
	}

	res := &Result{}
	for _, key := range keys {
		name := path.Base(key)
		if name == "" || name == "." || name == "/" || strings.Contains(strings.TrimPrefix(key, prefix), "/") {
			continue
		}
		if err := a.pullObject(ctx, key, filepath.Join(dir, name), res); err != nil {
			return res, err
		}
	}
	a.log.Info("archive pull complete", "day", day, "downloaded", res.Downloaded, "unchanged", res.Unchanged, "bytes", res.Bytes)
	return res, nil
}

func (a *Archiver) pullObject(ctx context.Context, key, local string, res *Result) error {
	resp, err := a.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(a.opts.Bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return fmt.Errorf("get %s: %w", key, err)
	}
	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	if err != nil {
		return fmt.Errorf("read %s: %w", key, err)
	}

	data := body
	if crypto.IsSealed(body) {
		if a.cipher == nil {
			return fmt.Errorf("%s is encrypted and no encryption key is configured", key)
		}
		if data, err = a.cipher.Open(body, []byte(key)); err != nil {
			return fmt.Errorf("decrypt %s: %w", key, err)
		}
	}

	digest := Digest(data)
	if want := resp.Metadata[metaDigest]; want != "" && want != digest {
		return fmt.Errorf("%s: digest mismatch: got %s, want %s", key, digest, want)
	}

	if existing, err := os.ReadFile(local); err == nil && Digest(existing) == digest {
		res.Unchanged++
		return nil
	}
	if err := os.WriteFile(local, data, 0644); err != nil {
		return fmt.Errorf("write %s: %w", local, err)
	}
	res.Downloaded++
	res.Bytes += int64(len(data))
	return nil
}

func isNotFound(err error) bool {
	var nf *types.NotFound
	var nsk *types.NoSuchKey
	return errors.As(err, &nf) || errors.As(err, &nsk)
}

func contentType(name string) string {
	if strings.HasSuffix(name, ".json") {
		return "application/json"
	}
	return "application/octet-stream"
}
