// Package cli implements the objlog commands. cmd/objlog maps flags onto
// the option structs here.
package cli

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/ehrlich-b/objlog/internal/catalog"
	"github.com/ehrlich-b/objlog/internal/codec"
	"github.com/ehrlich-b/objlog/internal/config"
	"github.com/ehrlich-b/objlog/internal/objlog"
	"github.com/ehrlich-b/objlog/internal/scheduler"
	"github.com/ehrlich-b/objlog/internal/store"
)

// JSONLog is the logger type every command works with: payloads are kept as
// raw JSON.
type JSONLog = objlog.Logger[json.RawMessage]

// Env holds what the commands share: the config, the optional catalog, the
// scheduler and the loggers opened so far.
type Env struct {
	Config    *config.Config
	Catalog   *catalog.Catalog
	Scheduler *scheduler.Scheduler

	log *slog.Logger

	mu   sync.Mutex
	logs map[string]*JSONLog
}

// Open prepares an Env. The catalog is opened when configured; a relative
// catalog path is resolved under the log directory.
func Open(cfg *config.Config, log *slog.Logger) (*Env, error) {
	if log == nil {
		log = slog.Default()
	}
	e := &Env{
		Config: cfg,
		Scheduler: scheduler.New(scheduler.Options{
			Busy: cfg.Scheduler.Interval.Duration(),
			Idle: cfg.Scheduler.IdleInterval.Duration(),
		}, log),
		log:  log,
		logs: make(map[string]*JSONLog),
	}
	if cfg.Catalog != "" {
		path := CatalogPath(cfg)
		if path != ":memory:" {
			if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
				return nil, fmt.Errorf("create catalog directory: %w", err)
			}
		}
		cat, err := catalog.Open(path, log)
		if err != nil {
			return nil, fmt.Errorf("open catalog: %w", err)
		}
		e.Catalog = cat
	}
	e.Scheduler.Start()
	return e, nil
}

// CatalogPath resolves the configured catalog; relative paths live under the
// log directory.
func CatalogPath(cfg *config.Config) string {
	path := cfg.Catalog
	if path == "" || path == ":memory:" || filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(cfg.Path, path)
}

// Logger returns the logger for name, creating it on first use. It never
// cleans: one-shot commands must not remove what earlier runs wrote.
func (e *Env) Logger(name string) (*JSONLog, error) {
	return e.logger(name, false)
}

func (e *Env) logger(name string, cleanOnStart bool) (*JSONLog, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if l, ok := e.logs[name]; ok {
		return l, nil
	}

	cfg := e.Config
	policy, err := cfg.Policy()
	if err != nil {
		return nil, err
	}
	loc, err := cfg.TimeLocation()
	if err != nil {
		return nil, fmt.Errorf("load location: %w", err)
	}
	c, err := codec.New[json.RawMessage](cfg.Codec, codec.JSON[json.RawMessage]{}, e.log)
	if err != nil {
		return nil, err
	}

	scfg := store.Config{
		BaseDir:    cfg.Path,
		Name:       name,
		LookupDays: cfg.Lookup(),
		Location:   loc,
	}
	opts := objlog.Options{
		Disabled:      !cfg.IsEnabled(),
		Synchronous:   cfg.Synchronous,
		CleanOnStart:  cleanOnStart,
		QueueCapacity: cfg.QueueCapacity,
	}
	if e.Catalog != nil {
		scfg.Observer = e.Catalog
		opts.Observer = e.Catalog
	}

	st, err := store.New[json.RawMessage](scfg, c, policy, e.log)
	if err != nil {
		return nil, err
	}
	l, err := objlog.New(opts, st, e.Scheduler, e.log)
	if err != nil {
		return nil, err
	}
	e.logs[name] = l
	return l, nil
}

// Loggers opens every log named in the config.
func (e *Env) Loggers() ([]*JSONLog, error) {
	return e.loggers(false)
}

// StartLoggers opens every configured log for a long-running process. With
// clean set in the config, today's files of each log are removed first.
func (e *Env) StartLoggers() ([]*JSONLog, error) {
	return e.loggers(e.Config.Clean)
}

func (e *Env) loggers(cleanOnStart bool) ([]*JSONLog, error) {
	if len(e.Config.Logs) == 0 {
		return nil, fmt.Errorf("no logs configured")
	}
	out := make([]*JSONLog, 0, len(e.Config.Logs))
	for _, name := range e.Config.Logs {
		l, err := e.logger(name, cleanOnStart)
		if err != nil {
			return nil, fmt.Errorf("open log %q: %w", name, err)
		}
		out = append(out, l)
	}
	return out, nil
}

// Close flushes and closes every logger, stops the scheduler and closes the
// catalog. The first error is returned.
func (e *Env) Close() error {
	e.mu.Lock()
	logs := e.logs
	e.logs = make(map[string]*JSONLog)
	e.mu.Unlock()

	var first error
	for name, l := range logs {
		if err := l.Close(); err != nil {
			e.log.Error("failed to close log", "log", name, "error", err)
			if first == nil {
				first = err
			}
		}
	}
	e.Scheduler.Stop()
	if e.Catalog != nil {
		if err := e.Catalog.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
