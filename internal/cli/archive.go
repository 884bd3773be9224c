package cli

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/ehrlich-b/objlog/internal/archive"
)

const dayLayout = "2006-01-02"

// DayDir is the directory holding the files of t's day.
func DayDir(base string, t time.Time, loc *time.Location) string {
	return filepath.Join(base, t.In(loc).Format(dayLayout))
}

// NewArchiver builds an archiver from the archive section of cfg.
func NewArchiver(ctx context.Context, env *Env) (*archive.Archiver, error) {
	a := env.Config.Archive
	if a.Bucket == "" {
		return nil, fmt.Errorf("archive.bucket is not configured")
	}
	client, err := archive.NewClient(ctx, archive.ClientConfig{
		Endpoint:        a.Endpoint,
		AccountID:       a.AccountID,
		Region:          a.Region,
		AccessKeyID:     a.AccessKeyID,
		SecretAccessKey: a.SecretAccessKey,
	})
	if err != nil {
		return nil, err
	}
	return newArchiver(client, env)
}

func newArchiver(client archive.Client, env *Env) (*archive.Archiver, error) {
	a := env.Config.Archive
	opts := archive.Options{
		Bucket:        a.Bucket,
		Prefix:        a.Prefix,
		BaseDir:       env.Config.Path,
		EncryptionKey: a.EncryptionKey,
	}
	if env.Catalog != nil {
		opts.Marker = env.Catalog
	}
	return archive.New(client, opts, env.log)
}

// ArchivePush uploads the files of day ("2006-01-02", empty for yesterday).
// Pushing today skips the newest file of each log, which a running writer may
// still have open.
func ArchivePush(ctx context.Context, env *Env, a *archive.Archiver, day string) (*archive.Result, error) {
	loc, err := env.Config.TimeLocation()
	if err != nil {
		return nil, err
	}
	now := time.Now().In(loc)
	if day == "" {
		day = now.AddDate(0, 0, -1).Format(dayLayout)
	}
	if _, err := time.Parse(dayLayout, day); err != nil {
		return nil, fmt.Errorf("invalid day %q: %w", day, err)
	}

	dir := filepath.Join(env.Config.Path, day)
	var exclude []string
	if day == now.Format(dayLayout) {
		if exclude, err = newestPerLog(dir); err != nil {
			return nil, err
		}
	}
	return a.Push(ctx, dir, exclude...)
}

// ArchivePull downloads the files of day into the log directory.
func ArchivePull(ctx context.Context, a *archive.Archiver, day string) (*archive.Result, error) {
	return a.Pull(ctx, day)
}

// newestPerLog returns, for each log with files in dir, its latest file.
// Names are <log>-<HH>-<mm>.<ext>, so the lexical maximum is the newest.
func newestPerLog(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", dir, err)
	}
	newest := make(map[string]string)
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		log, ok := logOfFile(e.Name())
		if !ok {
			continue
		}
		if e.Name() > newest[log] {
			newest[log] = e.Name()
		}
	}
	out := make([]string, 0, len(newest))
	for _, name := range newest {
		out = append(out, filepath.Join(dir, name))
	}
	sort.Strings(out)
	return out, nil
}

// logOfFile extracts <log> from <log>-<HH>-<mm>.<ext>.
func logOfFile(name string) (string, bool) {
	base := strings.TrimSuffix(name, filepath.Ext(name))
	if len(base) < len("x-00-00") || base[len(base)-6] != '-' || base[len(base)-3] != '-' {
		return "", false
	}
	return base[:len(base)-6], true
}

