// Package objlog is the producer-facing side of the object log. A Logger
// stamps payloads, queues them for the shared scheduler (or writes them
// straight through when synchronous) and answers time-range reads.
package objlog

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ehrlich-b/objlog/internal/errs"
	"github.com/ehrlich-b/objlog/internal/record"
	"github.com/ehrlich-b/objlog/internal/scheduler"
	"github.com/ehrlich-b/objlog/internal/store"
	"github.com/ehrlich-b/objlog/internal/timeset"
)

// Options configures a Logger.
type Options struct {
	Disabled      bool // drop every record without error
	Synchronous   bool // persist on the caller's goroutine
	CleanOnStart  bool // remove today's files before the first write
	QueueCapacity int
	Observer      store.Observer // told about dropped records
}

// Logger writes records of type T to a store.
type Logger[T any] struct {
	opts  Options
	store *store.Store[T]
	sched *scheduler.Scheduler
	queue *Queue[T]
	log   *slog.Logger

	dropped atomic.Int64

	// mu is held shared by submissions and exclusively by Close, so no
	// write is in flight once Close proceeds.
	mu     sync.RWMutex
	closed bool
}

// New creates a logger over st. Asynchronous loggers register with sched,
// which must be non-nil; synchronous and disabled loggers ignore it.
func New[T any](opts Options, st *store.Store[T], sched *scheduler.Scheduler, log *slog.Logger) (*Logger[T], error) {
	if log == nil {
		log = slog.Default()
	}
	if st == nil {
		return nil, errs.Errorf(errs.Configuration, "new logger", "store is required")
	}
	async := !opts.Disabled && !opts.Synchronous
	if async && sched == nil {
		return nil, errs.Errorf(errs.Configuration, "new logger", "asynchronous logger %q needs a scheduler", st.Name())
	}

	l := &Logger[T]{
		opts:  opts,
		store: st,
		sched: sched,
		queue: NewQueue[T](opts.QueueCapacity),
		log:   log.With("log", st.Name()),
	}

	if opts.CleanOnStart {
		if err := st.Clean(); err != nil {
			l.log.Warn("failed to clean on start", "error", err)
		}
	}
	if async {
		sched.Register(l)
	}
	return l, nil
}

func (l *Logger[T]) Name() string {
	return l.store.Name()
}

// Log stamps payload with the current time and submits it.
func (l *Logger[T]) Log(payload T) error {
	return l.LogRecord(record.Record[T]{Payload: payload})
}

// LogRecord submits rec. A zero timestamp is replaced with the current time.
// Asynchronous submission never blocks and never fails: when the queue is full
// the record is dropped, logged and counted.
func (l *Logger[T]) LogRecord(rec record.Record[T]) error {
	if l.opts.Disabled {
		return nil
	}
	if record.IsNil(rec.Payload) {
		l.log.Warn("ignoring record with nil payload")
		return nil
	}

	rec = rec.Stamped(l.store.Now())

	l.mu.RLock()
	if l.closed {
		l.mu.RUnlock()
		return errs.Errorf(errs.Invalid, "log", "logger %q is closed", l.Name())
	}
	if l.opts.Synchronous {
		err := l.store.Persist(rec)
		l.mu.RUnlock()
		if err != nil {
			l.log.Error("failed to persist record", "error", err)
			return err
		}
		return nil
	}
	ok := l.queue.Offer(rec)
	l.mu.RUnlock()

	if !ok {
		n := l.dropped.Add(1)
		if l.opts.Observer != nil {
			l.opts.Observer.RecordsDropped(l.Name(), 1)
		}
		l.log.Error("queue full, record dropped",
			"error", errs.Errorf(errs.CapacityExceeded, "log", "queue capacity %d reached", l.queue.Cap()),
			"dropped", n)
	}
	return nil
}

// Drain persists everything queued. The scheduler calls it once per cycle.
func (l *Logger[T]) Drain() error {
	recs := l.queue.Drain()
	if len(recs) == 0 {
		return nil
	}
	return l.store.PersistBatch(recs)
}

// Dropped returns the number of records dropped because the queue was full.
func (l *Logger[T]) Dropped() int64 {
	return l.dropped.Load()
}

func (l *Logger[T]) QueueLen() int {
	return l.queue.Len()
}

// GetAll returns the records of the store's lookup window.
func (l *Logger[T]) GetAll(ctx context.Context) (*timeset.Set[T], error) {
	return l.store.QueryRecent(ctx)
}

// GetSince returns the records from the files opened since from.
func (l *Logger[T]) GetSince(ctx context.Context, from time.Time) (*timeset.Set[T], error) {
	return l.store.QuerySince(ctx, from)
}

// GetRange returns the records from the files opened in [from, to).
func (l *Logger[T]) GetRange(ctx context.Context, from, to time.Time) (*timeset.Set[T], error) {
	return l.store.Query(ctx, from, to)
}

func (l *Logger[T]) GetFile(ctx context.Context, path string) (*timeset.Set[T], error) {
	return l.store.QueryFile(ctx, path)
}

// Clean removes today's files. Failures are logged and returned.
func (l *Logger[T]) Clean() error {
	if err := l.store.Clean(); err != nil {
		l.log.Warn("failed to clean", "error", err)
		return err
	}
	return nil
}

// Close deregisters the logger, persists whatever is still queued and closes
// the open file. Later submissions fail.
func (l *Logger[T]) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	l.mu.Unlock()

	if l.sched != nil {
		l.sched.Deregister(l)
	}
	drainErr := l.Drain()
	if drainErr != nil {
		l.log.Error("final drain failed", "error", drainErr)
	}
	if err := l.store.Close(); err != nil {
		return err
	}
	return drainErr
}
