// Package store persists records into time-bucketed files and reads ranges
// of those files back.
//
// Files are laid out as
//
//	<BaseDir>/<yyyy-MM-dd>/<Name>-<HH>-<mm>.<ext>
//
// where the date and time are those of the moment the file was opened, in the
// store's location. A rolling policy decides when the open file is replaced.
package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/ehrlich-b/objlog/internal/codec"
	"github.com/ehrlich-b/objlog/internal/errs"
	"github.com/ehrlich-b/objlog/internal/record"
	"github.com/ehrlich-b/objlog/internal/rolling"
	"github.com/ehrlich-b/objlog/internal/timeset"
)

const (
	DefaultLookupDays = 28

	dayLayout  = "2006-01-02"
	fileLayout = "15-04"
)

// Observer is told about segment activity. Implementations must be safe for
// concurrent use. They are called with the store's lock held, so anything slow
// belongs behind a buffer.
type Observer interface {
	SegmentOpened(log, path string, at time.Time)
	RecordsWritten(log, path string, n int)
	RecordsDropped(log string, n int)
	RecordsSkipped(log, path string, n int)
}

type nopObserver struct{}

func (nopObserver) SegmentOpened(string, string, time.Time) {}
func (nopObserver) RecordsWritten(string, string, int)      {}
func (nopObserver) RecordsDropped(string, int)              {}
func (nopObserver) RecordsSkipped(string, string, int)      {}

// Config identifies a store and its environment.
type Config struct {
	BaseDir    string
	Name       string
	LookupDays int            // window of QueryRecent; default 28
	Location   *time.Location // default time.Local
	Now        func() time.Time
	Observer   Observer
}

// Store owns at most one open output file. Writes and reads are serialised by
// a single mutex.
type Store[T any] struct {
	cfg    Config
	codec  codec.Codec[T]
	policy rolling.Policy
	log    *slog.Logger

	mu   sync.Mutex
	path string // file currently open, if any
}

// New validates cfg and returns a store. No file is opened until the first
// write.
func New[T any](cfg Config, c codec.Codec[T], p rolling.Policy, log *slog.Logger) (*Store[T], error) {
	if log == nil {
		log = slog.Default()
	}
	if cfg.BaseDir == "" {
		return nil, errs.Errorf(errs.Configuration, "new store", "base directory is required")
	}
	if cfg.Name == "" || strings.ContainsAny(cfg.Name, `/\`) || cfg.Name == "." || cfg.Name == ".." {
		return nil, errs.Errorf(errs.Configuration, "new store", "invalid log name %q", cfg.Name)
	}
	if cfg.LookupDays < 0 {
		return nil, errs.Errorf(errs.Configuration, "new store", "lookup days must be > 0, got %d", cfg.LookupDays)
	}
	if cfg.LookupDays == 0 {
		cfg.LookupDays = DefaultLookupDays
	}
	if cfg.Location == nil {
		cfg.Location = time.Local
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Observer == nil {
		cfg.Observer = nopObserver{}
	}
	if c == nil || p == nil {
		return nil, errs.Errorf(errs.Configuration, "new store", "codec and rolling policy are required")
	}

	return &Store[T]{
		cfg:    cfg,
		codec:  c,
		policy: p,
		log:    log.With("log", cfg.Name),
	}, nil
}

func (s *Store[T]) Name() string {
	return s.cfg.Name
}

func (s *Store[T]) BaseDir() string {
	return s.cfg.BaseDir
}

// Now returns the store clock's current time.
func (s *Store[T]) Now() time.Time {
	return s.cfg.Now()
}

// File returns the path of the file a write at t would open.
func (s *Store[T]) File(t time.Time) string {
	t = t.In(s.cfg.Location)
	name := fmt.Sprintf("%s-%s.%s", s.cfg.Name, t.Format(fileLayout), s.codec.Extension())
	return filepath.Join(s.DayDir(t), name)
}

// DayDir returns the directory holding the files opened on t's date.
func (s *Store[T]) DayDir(t time.Time) string {
	return filepath.Join(s.cfg.BaseDir, t.In(s.cfg.Location).Format(dayLayout))
}

// Persist appends one record. A zero timestamp is replaced by the store
// clock's current time.
func (s *Store[T]) Persist(rec record.Record[T]) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.cfg.Now()
	if err := s.rollLocked(now); err != nil {
		return err
	}
	if err := s.codec.Write(rec.Stamped(now)); err != nil {
		return s.writeFailed("persist", 1, err)
	}
	s.cfg.Observer.RecordsWritten(s.cfg.Name, s.path, 1)
	return nil
}

// PersistBatch appends recs in order. Records that cannot be encoded are
// skipped; the rest are written and the failures are returned together.
func (s *Store[T]) PersistBatch(recs []record.Record[T]) error {
	if len(recs) == 0 {
		s.log.Debug("nothing to persist")
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.cfg.Now()
	if err := s.rollLocked(now); err != nil {
		return err
	}

	stamped := make([]record.Record[T], len(recs))
	for i, r := range recs {
		stamped[i] = r.Stamped(now)
	}
	if err := s.codec.WriteBatch(stamped); err != nil {
		return s.writeFailed("persist batch", len(recs), err)
	}
	s.cfg.Observer.RecordsWritten(s.cfg.Name, s.path, len(recs))
	return nil
}

// rollLocked closes the open file when the policy says so and opens the file
// for now if none is open.
func (s *Store[T]) rollLocked(now time.Time) error {
	if s.codec.IsOpen() && s.policy.ShouldRoll(now) {
		s.log.Debug("rolling segment", "path", s.path, "next", s.policy.Next())
		s.closeLocked()
	}
	if s.codec.IsOpen() {
		return nil
	}

	path := s.File(now)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return errs.E(errs.IO, "create segment directory", err)
	}
	if err := s.codec.Open(path); err != nil {
		if errs.KindOf(err) == errs.Unknown {
			err = errs.E(errs.IO, "open segment", err)
		}
		return err
	}
	s.policy.OnRolled(now)
	s.path = path
	s.cfg.Observer.SegmentOpened(s.cfg.Name, path, now)
	s.log.Debug("opened segment", "path", path, "next", s.policy.Next())
	return nil
}

// writeFailed classifies a codec write error. On anything but an encoding
// failure the file is closed so the next write reopens it.
func (s *Store[T]) writeFailed(op string, n int, err error) error {
	if errs.KindOf(err) == errs.Encoding {
		bad := failures(err)
		if written := n - bad; written > 0 {
			s.cfg.Observer.RecordsWritten(s.cfg.Name, s.path, written)
		}
		s.log.Warn("records not encodable", "path", s.path, "count", bad, "error", err)
		return err
	}

	s.log.Error("write failed", "path", s.path, "error", err)
	s.closeLocked()
	if errs.KindOf(err) == errs.Unknown {
		return errs.E(errs.IO, op, err)
	}
	return err
}

// failures counts the records rejected by an encoding error.
func failures(err error) int {
	var e *errs.Error
	if errors.As(err, &e) {
		if joined, ok := e.Err.(interface{ Unwrap() []error }); ok {
			return len(joined.Unwrap())
		}
	}
	return 1
}

func (s *Store[T]) closeLocked() {
	if err := s.codec.Close(); err != nil {
		s.log.Warn("failed to close segment", "path", s.path, "error", err)
	}
	s.path = ""
}

// Close flushes and closes the open file.
func (s *Store[T]) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.codec.IsOpen() {
		return nil
	}
	s.closeLocked()
	return nil
}

// Clean closes the open file and removes the directory of today's files.
func (s *Store[T]) Clean() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.codec.IsOpen() {
		s.closeLocked()
	}
	dir := s.DayDir(s.cfg.Now())
	if err := os.RemoveAll(dir); err != nil {
		return errs.E(errs.IO, "clean", err)
	}
	s.log.Info("cleaned log directory", "dir", dir)
	return nil
}

// Files returns the existing files whose minute falls in [from, to), in time
// order. Days without a directory are skipped with a single stat.
func (s *Store[T]) Files(ctx context.Context, from, to time.Time) ([]string, error) {
	if !from.Before(to) {
		return nil, errs.Errorf(errs.Invalid, "list files", "empty range %s to %s", from.Format(time.RFC3339), to.Format(time.RFC3339))
	}

	var (
		files   []string
		day     string
		haveDay bool
	)
	end := record.BucketUp(to)
	for t := record.Bucket(from); t.Before(end); t = t.Add(time.Minute) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		if d := s.DayDir(t); d != day {
			day = d
			info, err := os.Stat(d)
			haveDay = err == nil && info.IsDir()
		}
		if !haveDay {
			continue
		}

		path := s.File(t)
		if _, err := os.Stat(path); err == nil {
			files = append(files, path)
		}
	}
	return files, nil
}

// Query decodes every file whose minute falls in [from, to) and merges them.
// Whole files are returned; records are not filtered by timestamp.
func (s *Store[T]) Query(ctx context.Context, from, to time.Time) (*timeset.Set[T], error) {
	files, err := s.Files(ctx, from, to)
	if err != nil {
		return nil, err
	}
	if len(files) == 0 {
		return nil, errs.Errorf(errs.NotFound, "query", "no %s files between %s and %s",
			s.cfg.Name, from.Format(time.RFC3339), to.Format(time.RFC3339))
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	set := timeset.New[T]()
	for _, path := range files {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if err := s.decodeInto(set, path); err != nil {
			if errs.KindOf(err) == errs.NotFound {
				// Removed by Clean since it was listed.
				continue
			}
			return nil, err
		}
	}
	return set, nil
}

// QuerySince queries from up to the store clock's current time.
func (s *Store[T]) QuerySince(ctx context.Context, from time.Time) (*timeset.Set[T], error) {
	return s.Query(ctx, from, s.cfg.Now())
}

// QueryRecent queries the last LookupDays days.
func (s *Store[T]) QueryRecent(ctx context.Context) (*timeset.Set[T], error) {
	now := s.cfg.Now()
	return s.Query(ctx, now.AddDate(0, 0, -s.cfg.LookupDays), now)
}

// QueryFile decodes a single file.
func (s *Store[T]) QueryFile(ctx context.Context, path string) (*timeset.Set[T], error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	set := timeset.New[T]()
	if err := s.decodeInto(set, path); err != nil {
		return nil, err
	}
	return set, nil
}

func (s *Store[T]) decodeInto(set *timeset.Set[T], path string) error {
	recs, skipped, err := s.codec.DecodeAll(path)
	if err != nil {
		return err
	}
	if len(skipped) > 0 {
		s.log.Warn("skipped undecodable records", "path", path, "count", len(skipped), "first", skipped[0])
		s.cfg.Observer.RecordsSkipped(s.cfg.Name, path, len(skipped))
	}
	set.AddAll(recs...)
	return nil
}
