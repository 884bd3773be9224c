package store

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/ehrlich-b/objlog/internal/codec"
	"github.com/ehrlich-b/objlog/internal/errs"
	"github.com/ehrlich-b/objlog/internal/record"
	"github.com/ehrlich-b/objlog/internal/rolling"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Set(t time.Time) {
	c.mu.Lock()
	c.now = t
	c.mu.Unlock()
}

type counting struct {
	mu      sync.Mutex
	opened  []string
	written int
	skipped int
}

func (o *counting) SegmentOpened(_, path string, _ time.Time) {
	o.mu.Lock()
	o.opened = append(o.opened, path)
	o.mu.Unlock()
}

func (o *counting) RecordsWritten(_, _ string, n int) {
	o.mu.Lock()
	o.written += n
	o.mu.Unlock()
}

func (o *counting) RecordsDropped(string, int) {}

func (o *counting) RecordsSkipped(_, _ string, n int) {
	o.mu.Lock()
	o.skipped += n
	o.mu.Unlock()
}

var day = time.Date(2024, 3, 1, 10, 4, 55, 0, time.UTC)

// rec leaves the timestamp for the store clock to fill in.
func rec(p []byte) record.Record[[]byte] {
	return record.Record[[]byte]{Payload: p}
}

func newBytesStore(t *testing.T, clk *clock, period int) *Store[[]byte] {
	t.Helper()
	s, err := New[[]byte](Config{
		BaseDir:  t.TempDir(),
		Name:     "bytes",
		Location: time.UTC,
		Now:      clk.Now,
	}, codec.NewBinary[[]byte](codec.Bytes{}, nil), rolling.NewPeriodic(period), nil)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestFileLayout(t *testing.T) {
	loc := time.FixedZone("UTC+2", 2*60*60)
	s, err := New[[]byte](Config{BaseDir: "/data", Name: "ticks", Location: loc},
		codec.NewBinary[[]byte](codec.Bytes{}, nil), rolling.NewDaily(), nil)
	if err != nil {
		t.Fatal(err)
	}
	got := s.File(time.Date(2024, 12, 31, 23, 7, 30, 0, time.UTC))
	want := filepath.Join("/data", "2025-01-01", "ticks-01-07.data")
	if got != want {
		t.Errorf("File() = %q, want %q", got, want)
	}
}

func TestNewRejectsBadConfig(t *testing.T) {
	c := codec.NewBinary[[]byte](codec.Bytes{}, nil)
	p := rolling.NewDaily()
	tests := []struct {
		name string
		cfg  Config
	}{
		{"no base dir", Config{Name: "x"}},
		{"no name", Config{BaseDir: "/tmp"}},
		{"name with slash", Config{BaseDir: "/tmp", Name: "a/b"}},
		{"negative lookup", Config{BaseDir: "/tmp", Name: "x", LookupDays: -1}},
	}
	for _, tt := range tests {
		if _, err := New[[]byte](tt.cfg, c, p, nil); !errors.Is(err, errs.ErrConfiguration) {
			t.Errorf("%s: New error = %v, want configuration error", tt.name, err)
		}
	}
}

func TestPersistOrderSingleFile(t *testing.T) {
	clk := &clock{now: day}
	s := newBytesStore(t, clk, 10)

	payloads := [][]byte{{1, 2, 3}, {4, 5, 6}, {7, 8, 9}, {10, 11, 12}}
	for i, p := range payloads {
		clk.Set(day.Add(time.Duration(i) * time.Second))
		if err := s.Persist(rec(p)); err != nil {
			t.Fatalf("Persist failed: %v", err)
		}
	}

	files, err := s.Files(context.Background(), day.Add(-time.Hour), day.Add(time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if len(files) != 1 {
		t.Fatalf("got %d files, want 1: %v", len(files), files)
	}

	set, err := s.QueryFile(context.Background(), files[0])
	if err != nil {
		t.Fatalf("QueryFile failed: %v", err)
	}
	got := set.Payloads()
	if len(got) != len(payloads) {
		t.Fatalf("got %d records, want %d", len(got), len(payloads))
	}
	for i := range got {
		if !bytes.Equal(got[i], payloads[i]) {
			t.Errorf("record %d = %v, want %v", i, got[i], payloads[i])
		}
	}
}

func TestPeriodicRollCreatesSecondFile(t *testing.T) {
	const period = 5
	clk := &clock{now: day}
	s := newBytesStore(t, clk, period)

	if err := s.Persist(rec([]byte("first"))); err != nil {
		t.Fatal(err)
	}
	clk.Set(day.Add(period*time.Minute + time.Millisecond))
	if err := s.Persist(rec([]byte("second"))); err != nil {
		t.Fatal(err)
	}

	ctx := context.Background()
	files, err := s.Files(ctx, day, clk.Now())
	if err != nil {
		t.Fatal(err)
	}
	if len(files) != 2 {
		t.Fatalf("got %d files, want 2: %v", len(files), files)
	}

	set, err := s.QuerySince(ctx, day)
	if err != nil {
		t.Fatalf("QuerySince failed: %v", err)
	}
	if set.Len() != 2 {
		t.Errorf("got %d records, want 2", set.Len())
	}
}

func TestMinuteBoundaryCrossing(t *testing.T) {
	clk := &clock{now: day} // 10:04:55
	s := newBytesStore(t, clk, 1)

	if err := s.Persist(rec([]byte("a"))); err != nil {
		t.Fatal(err)
	}
	clk.Set(time.Date(2024, 3, 1, 10, 7, 10, 0, time.UTC))
	if err := s.Persist(rec([]byte("b"))); err != nil {
		t.Fatal(err)
	}

	for _, name := range []string{"bytes-10-04.data", "bytes-10-07.data"} {
		path := filepath.Join(s.DayDir(day), name)
		if _, err := os.Stat(path); err != nil {
			t.Errorf("expected %s: %v", name, err)
		}
	}

	set, err := s.Query(context.Background(), day, clk.Now())
	if err != nil {
		t.Fatalf("Query failed: %v", err)
	}
	recs := set.Records()
	if len(recs) != 2 || string(recs[0].Payload) != "a" || string(recs[1].Payload) != "b" {
		t.Errorf("records = %v", recs)
	}
	if !recs[0].Time.Equal(day) {
		t.Errorf("first record time = %v, want %v", recs[0].Time, day)
	}
}

func TestQueryDisjointWindows(t *testing.T) {
	clk := &clock{now: day}
	s := newBytesStore(t, clk, 1)

	start := record.Bucket(day)
	for i := 0; i < 10; i++ {
		clk.Set(start.Add(time.Duration(i)*time.Minute + 30*time.Second))
		if err := s.Persist(rec([]byte{byte(i)})); err != nil {
			t.Fatal(err)
		}
	}

	ctx := context.Background()
	mid := start.Add(5 * time.Minute)
	first, err := s.Query(ctx, start, mid)
	if err != nil {
		t.Fatal(err)
	}
	second, err := s.Query(ctx, mid, start.Add(10*time.Minute))
	if err != nil {
		t.Fatal(err)
	}
	if first.Len() != 5 || second.Len() != 5 {
		t.Fatalf("windows hold %d and %d records, want 5 and 5", first.Len(), second.Len())
	}

	seen := make(map[byte]bool)
	for _, p := range append(first.Payloads(), second.Payloads()...) {
		if seen[p[0]] {
			t.Errorf("record %d returned twice", p[0])
		}
		seen[p[0]] = true
	}
	if len(seen) != 10 {
		t.Errorf("saw %d distinct records, want 10", len(seen))
	}
}

func TestQueryErrors(t *testing.T) {
	clk := &clock{now: day}
	s := newBytesStore(t, clk, 1)
	ctx := context.Background()

	if _, err := s.Query(ctx, day, day.Add(time.Hour)); !errors.Is(err, errs.ErrNotFound) {
		t.Errorf("Query with no files = %v, want not found", err)
	}
	if _, err := s.Query(ctx, day, day); !errors.Is(err, errs.ErrInvalid) {
		t.Errorf("Query empty range = %v, want invalid", err)
	}
	if _, err := s.QueryFile(ctx, filepath.Join(s.BaseDir(), "missing.data")); !errors.Is(err, errs.ErrNotFound) {
		t.Errorf("QueryFile missing = %v, want not found", err)
	}

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	if _, err := s.Query(cancelled, day, day.Add(time.Hour)); !errors.Is(err, context.Canceled) {
		t.Errorf("Query with cancelled context = %v", err)
	}
}

func TestQueryRecent(t *testing.T) {
	clk := &clock{now: day}
	s := newBytesStore(t, clk, 60)

	s.Persist(rec([]byte("old")))
	clk.Set(day.AddDate(0, 0, 1))
	s.Persist(rec([]byte("new")))

	set, err := s.QueryRecent(context.Background())
	if err != nil {
		t.Fatalf("QueryRecent failed: %v", err)
	}
	if set.Len() != 2 {
		t.Errorf("got %d records, want 2", set.Len())
	}
}

func TestPersistBatchEmpty(t *testing.T) {
	s := newBytesStore(t, &clock{now: day}, 1)
	if err := s.PersistBatch(nil); err != nil {
		t.Errorf("PersistBatch(nil) = %v", err)
	}
	if _, err := os.Stat(s.DayDir(day)); !os.IsNotExist(err) {
		t.Error("empty batch should not create files")
	}
}

func TestPersistBatchPartialEncoding(t *testing.T) {
	clk := &clock{now: day}
	obs := &counting{}
	s, err := New[[]byte](Config{
		BaseDir:  t.TempDir(),
		Name:     "docs",
		Location: time.UTC,
		Now:      clk.Now,
		Observer: obs,
	}, codec.NewArray[[]byte](codec.Bytes{}, nil), rolling.NewPeriodic(1), nil)
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	err = s.PersistBatch([]record.Record[[]byte]{
		rec([]byte(`{"n":1}`)),
		rec([]byte(`not json`)),
		rec([]byte(`{"n":3}`)),
	})
	if !errors.Is(err, errs.ErrEncoding) {
		t.Fatalf("PersistBatch = %v, want encoding error", err)
	}
	if obs.written != 2 {
		t.Errorf("observer saw %d written, want 2", obs.written)
	}
	if len(obs.opened) != 1 {
		t.Errorf("observer saw %d segments, want 1", len(obs.opened))
	}

	set, err := s.QuerySince(context.Background(), day.Add(-time.Minute))
	if err != nil {
		t.Fatal(err)
	}
	if set.Len() != 2 {
		t.Errorf("got %d records, want 2", set.Len())
	}
}

func TestReopenAfterClose(t *testing.T) {
	clk := &clock{now: day}
	s := newBytesStore(t, clk, 10)

	s.Persist(rec([]byte("a")))
	if err := s.Close(); err != nil {
		t.Fatal(err)
	}
	s.Persist(rec([]byte("b")))

	set, err := s.QueryFile(context.Background(), s.File(day))
	if err != nil {
		t.Fatal(err)
	}
	if set.Len() != 2 {
		t.Errorf("got %d records after reopen, want 2", set.Len())
	}
}

func TestClean(t *testing.T) {
	clk := &clock{now: day}
	s := newBytesStore(t, clk, 10)

	if err := s.Persist(rec([]byte("a"))); err != nil {
		t.Fatal(err)
	}
	if err := s.Clean(); err != nil {
		t.Fatalf("Clean failed: %v", err)
	}
	if _, err := os.Stat(s.DayDir(day)); !os.IsNotExist(err) {
		t.Errorf("day directory still exists: %v", err)
	}

	// Writing after a clean starts a fresh file.
	if err := s.Persist(rec([]byte("b"))); err != nil {
		t.Fatalf("Persist after Clean failed: %v", err)
	}
	set, err := s.QuerySince(context.Background(), day.Add(-time.Minute))
	if err != nil {
		t.Fatal(err)
	}
	if set.Len() != 1 {
		t.Errorf("got %d records, want 1", set.Len())
	}
}

// flaky wraps a codec and fails the next opens and writes on demand.
type flaky[T any] struct {
	codec.Codec[T]
	failOpens  int
	failWrites int
}

func (f *flaky[T]) Open(path string) error {
	if f.failOpens > 0 {
		f.failOpens--
		return errors.New("disk unavailable")
	}
	return f.Codec.Open(path)
}

func (f *flaky[T]) Write(rec record.Record[T]) error {
	if f.failWrites > 0 {
		f.failWrites--
		return errors.New("short write")
	}
	return f.Codec.Write(rec)
}

func TestPersistRecoversFromIOFailure(t *testing.T) {
	dir := t.TempDir()
	clk := &clock{now: time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)}
	fc := &flaky[[]byte]{Codec: codec.NewBinary[[]byte](codec.Bytes{}, nil)}
	obs := &counting{}
	st, err := New[[]byte](Config{
		BaseDir:  dir,
		Name:     "raw",
		Location: time.UTC,
		Now:      clk.Now,
		Observer: obs,
	}, fc, rolling.NewDaily(), nil)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	defer st.Close()

	// A failed open leaves nothing open.
	fc.failOpens = 1
	err = st.Persist(record.Record[[]byte]{Payload: []byte("a")})
	if errs.KindOf(err) != errs.IO {
		t.Fatalf("Persist with a failing open = %v, want an IO error", err)
	}
	if fc.IsOpen() {
		t.Error("codec open after a failed open")
	}

	if err := st.Persist(record.Record[[]byte]{Payload: []byte("b")}); err != nil {
		t.Fatalf("Persist after a failed open: %v", err)
	}

	// A failed write closes the stream and the next write reopens it.
	fc.failWrites = 1
	err = st.Persist(record.Record[[]byte]{Payload: []byte("c")})
	if errs.KindOf(err) != errs.IO {
		t.Fatalf("Persist with a failing write = %v, want an IO error", err)
	}
	if fc.IsOpen() {
		t.Error("codec still open after a failed write")
	}

	if err := st.Persist(record.Record[[]byte]{Payload: []byte("d")}); err != nil {
		t.Fatalf("Persist after a failed write: %v", err)
	}
	if !fc.IsOpen() {
		t.Error("codec not reopened")
	}

	set, err := st.QueryFile(context.Background(), st.File(clk.Now()))
	if err != nil {
		t.Fatalf("QueryFile failed: %v", err)
	}
	var got []string
	for _, p := range set.Payloads() {
		got = append(got, string(p))
	}
	if len(got) != 2 || got[0] != "b" || got[1] != "d" {
		t.Errorf("payloads = %q, want [b d]", got)
	}
	if obs.written != 2 {
		t.Errorf("written = %d, want 2", obs.written)
	}
	if len(obs.opened) != 2 {
		t.Errorf("segments opened = %d, want 2", len(obs.opened))
	}
}
