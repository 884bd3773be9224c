// Package catalog records the segment files each log has opened, along with
// running counters of written, dropped and skipped records, in sqlite.
package catalog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// ErrNotFound is returned when a segment or log is unknown.
var ErrNotFound = errors.New("not found")

// Segment is one file opened by a store.
type Segment struct {
	Log        string
	Path       string
	OpenedAt   time.Time
	Records    int64
	ArchiveKey string
	ArchivedAt *time.Time
}

// Stats are the counters kept per log.
type Stats struct {
	Log      string
	Segments int64
	Written  int64
	Dropped  int64
	Skipped  int64
}

// flushTick is how often buffered counter updates are written.
const flushTick = time.Second

// counts are counter updates not yet written.
type counts struct {
	written  map[string]int64 // by log
	dropped  map[string]int64
	skipped  map[string]int64
	segments map[string]int64 // records by segment path
}

func newCounts() *counts {
	return &counts{
		written:  make(map[string]int64),
		dropped:  make(map[string]int64),
		skipped:  make(map[string]int64),
		segments: make(map[string]int64),
	}
}

func (p *counts) empty() bool {
	return len(p.written)+len(p.dropped)+len(p.skipped)+len(p.segments) == 0
}

// Catalog is a sqlite-backed segment catalog. Counter updates from the
// observer methods are buffered in memory and written by a background loop
// every flushTick; reads flush first. Failures are logged, not returned.
type Catalog struct {
	db  *sql.DB
	log *slog.Logger

	mu      sync.Mutex
	pending *counts

	flushMu sync.Mutex // serialises flushes so deltas apply in order
	done    chan struct{}
	wg      sync.WaitGroup
	closed  bool
}

// Open opens or creates the catalog at dsn.
// Use ":memory:" for an in-memory database, or a file path for persistent storage.
func Open(dsn string, log *slog.Logger) (*Catalog, error) {
	if log == nil {
		log = slog.Default()
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// One connection: sqlite allows a single writer, and an in-memory
	// database exists per connection.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}
	if dsn != ":memory:" {
		if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
			db.Close()
			return nil, fmt.Errorf("enable WAL: %w", err)
		}
	}

	c := &Catalog{db: db, log: log, pending: newCounts(), done: make(chan struct{})}
	if err := c.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	c.wg.Add(1)
	go c.flushLoop()
	return c, nil
}

func (c *Catalog) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS segments (
			path TEXT PRIMARY KEY,
			log TEXT NOT NULL,
			opened_ms INTEGER NOT NULL,
			records INTEGER NOT NULL DEFAULT 0,
			archive_key TEXT NOT NULL DEFAULT '',
			archived_ms INTEGER
		)`,
		`CREATE TABLE IF NOT EXISTS counters (
			log TEXT PRIMARY KEY,
			written INTEGER NOT NULL DEFAULT 0,
			dropped INTEGER NOT NULL DEFAULT 0,
			skipped INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE INDEX IF NOT EXISTS idx_segments_log_opened ON segments(log, opened_ms)`,
	}

	for _, m := range migrations {
		if _, err := c.db.Exec(m); err != nil {
			return fmt.Errorf("execute migration: %w", err)
		}
	}
	return nil
}

// Close stops the flush loop, writes what is still buffered and closes the
// database.
func (c *Catalog) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	close(c.done)
	c.wg.Wait()
	if err := c.Flush(context.Background()); err != nil {
		c.log.Warn("failed to flush counters on close", "error", err)
	}
	return c.db.Close()
}

func (c *Catalog) flushLoop() {
	defer c.wg.Done()

	ticker := time.NewTicker(flushTick)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := c.Flush(context.Background()); err != nil {
				c.log.Warn("failed to flush counters", "error", err)
			}
		case <-c.done:
			return
		}
	}
}

// Flush writes the buffered counter updates in one transaction. On failure
// the updates are put back and retried by the next flush.
func (c *Catalog) Flush(ctx context.Context) error {
	c.flushMu.Lock()
	defer c.flushMu.Unlock()

	c.mu.Lock()
	p := c.pending
	c.pending = newCounts()
	c.mu.Unlock()
	if p.empty() {
		return nil
	}

	if err := c.apply(ctx, p); err != nil {
		c.requeue(p)
		return err
	}
	return nil
}

func (c *Catalog) apply(ctx context.Context, p *counts) error {
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	for path, n := range p.segments {
		if _, err := tx.ExecContext(ctx, `UPDATE segments SET records = records + ? WHERE path = ?`, n, path); err != nil {
			return fmt.Errorf("update segment %s: %w", path, err)
		}
	}
	for _, col := range []struct {
		name string
		m    map[string]int64
	}{{"written", p.written}, {"dropped", p.dropped}, {"skipped", p.skipped}} {
		// name is never user input.
		q := fmt.Sprintf(
			`INSERT INTO counters (log, %[1]s) VALUES (?, ?)
			 ON CONFLICT(log) DO UPDATE SET %[1]s = %[1]s + excluded.%[1]s`, col.name)
		for log, n := range col.m {
			if _, err := tx.ExecContext(ctx, q, log, n); err != nil {
				return fmt.Errorf("update %s counter of %s: %w", col.name, log, err)
			}
		}
	}
	return tx.Commit()
}

func (c *Catalog) requeue(p *counts) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for k, n := range p.written {
		c.pending.written[k] += n
	}
	for k, n := range p.dropped {
		c.pending.dropped[k] += n
	}
	for k, n := range p.skipped {
		c.pending.skipped[k] += n
	}
	for k, n := range p.segments {
		c.pending.segments[k] += n
	}
}

// --- Observer ---

// SegmentOpened inserts the segment row straight away so buffered record
// counts always find it. It runs once per file.
func (c *Catalog) SegmentOpened(log, path string, at time.Time) {
	_, err := c.db.Exec(
		`INSERT INTO segments (path, log, opened_ms) VALUES (?, ?, ?)
		 ON CONFLICT(path) DO NOTHING`,
		path, log, at.UnixMilli())
	if err != nil {
		c.log.Warn("failed to record segment", "log", log, "path", path, "error", err)
	}
}

func (c *Catalog) RecordsWritten(log, path string, n int) {
	c.mu.Lock()
	c.pending.segments[path] += int64(n)
	c.pending.written[log] += int64(n)
	c.mu.Unlock()
}

func (c *Catalog) RecordsDropped(log string, n int) {
	c.mu.Lock()
	c.pending.dropped[log] += int64(n)
	c.mu.Unlock()
}

func (c *Catalog) RecordsSkipped(log, path string, n int) {
	c.mu.Lock()
	c.pending.skipped[log] += int64(n)
	c.mu.Unlock()
}

// flushForRead flushes before a read so it sees every update reported so far.
func (c *Catalog) flushForRead(ctx context.Context) {
	if err := c.Flush(ctx); err != nil {
		c.log.Warn("failed to flush counters", "error", err)
	}
}

// --- Queries ---

const segmentColumns = `log, path, opened_ms, records, archive_key, archived_ms`

func scanSegment(row interface{ Scan(...any) error }) (*Segment, error) {
	seg := &Segment{}
	var opened int64
	var archived sql.NullInt64
	if err := row.Scan(&seg.Log, &seg.Path, &opened, &seg.Records, &seg.ArchiveKey, &archived); err != nil {
		return nil, err
	}
	seg.OpenedAt = time.UnixMilli(opened)
	if archived.Valid {
		t := time.UnixMilli(archived.Int64)
		seg.ArchivedAt = &t
	}
	return seg, nil
}

func (c *Catalog) GetSegment(ctx context.Context, path string) (*Segment, error) {
	c.flushForRead(ctx)
	seg, err := scanSegment(c.db.QueryRowContext(ctx,
		`SELECT `+segmentColumns+` FROM segments WHERE path = ?`, path))
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return seg, err
}

// ListSegments returns the segments of log opened in [from, to), oldest
// first. A zero from or to leaves that end open.
func (c *Catalog) ListSegments(ctx context.Context, log string, from, to time.Time) ([]*Segment, error) {
	c.flushForRead(ctx)
	lo, hi := int64(0), int64(1<<62)
	if !from.IsZero() {
		lo = from.UnixMilli()
	}
	if !to.IsZero() {
		hi = to.UnixMilli()
	}

	rows, err := c.db.QueryContext(ctx,
		`SELECT `+segmentColumns+` FROM segments
		 WHERE log = ? AND opened_ms >= ? AND opened_ms < ?
		 ORDER BY opened_ms, path`, log, lo, hi)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var segs []*Segment
	for rows.Next() {
		seg, err := scanSegment(rows)
		if err != nil {
			return nil, err
		}
		segs = append(segs, seg)
	}
	return segs, rows.Err()
}

// MarkArchived records that path was uploaded under key.
func (c *Catalog) MarkArchived(ctx context.Context, path, key string, at time.Time) error {
	res, err := c.db.ExecContext(ctx,
		`UPDATE segments SET archive_key = ?, archived_ms = ? WHERE path = ?`,
		key, at.UnixMilli(), path)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// ForgetSegments drops the catalog rows for paths under dir, which Clean
// removed from disk.
func (c *Catalog) ForgetSegments(ctx context.Context, log, dir string) error {
	c.flushForRead(ctx)
	_, err := c.db.ExecContext(ctx,
		`DELETE FROM segments WHERE log = ? AND substr(path, 1, ?) = ?`,
		log, len(dir)+1, dir+string(filepath.Separator))
	return err
}

func (c *Catalog) Stats(ctx context.Context, log string) (*Stats, error) {
	c.flushForRead(ctx)
	st := &Stats{Log: log}
	err := c.db.QueryRowContext(ctx,
		`SELECT written, dropped, skipped FROM counters WHERE log = ?`, log).Scan(
		&st.Written, &st.Dropped, &st.Skipped)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if err := c.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM segments WHERE log = ?`, log).Scan(&st.Segments); err != nil {
		return nil, err
	}
	return st, nil
}

// Logs returns every log name the catalog has seen, sorted.
func (c *Catalog) Logs(ctx context.Context) ([]string, error) {
	c.flushForRead(ctx)
	rows, err := c.db.QueryContext(ctx,
		`SELECT log FROM counters UNION SELECT log FROM segments ORDER BY log`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var logs []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		logs = append(logs, name)
	}
	return logs, rows.Err()
}
