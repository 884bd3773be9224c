// Package scheduler runs one background loop that drains every registered
// source in turn.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

const (
	DefaultBusy = 100 * time.Millisecond
	DefaultIdle = time.Second
)

// Source is drained once per cycle. Drain must take everything currently
// queued and persist it.
type Source interface {
	Name() string
	Drain() error
}

// Options controls the loop's pacing.
type Options struct {
	Busy time.Duration // sleep between cycles while sources are registered
	Idle time.Duration // sleep between cycles with no sources
}

// Scheduler drains registered sources until stopped. Sources are drained in
// registration order, one at a time.
type Scheduler struct {
	opts Options
	log  *slog.Logger

	mu      sync.Mutex
	sources []Source
	wake    chan struct{}

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started bool
	stopped bool
}

// New creates a scheduler. Zero durations in opts take the defaults.
func New(opts Options, log *slog.Logger) *Scheduler {
	if log == nil {
		log = slog.Default()
	}
	if opts.Busy <= 0 {
		opts.Busy = DefaultBusy
	}
	if opts.Idle <= 0 {
		opts.Idle = DefaultIdle
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		opts:   opts,
		log:    log,
		wake:   make(chan struct{}, 1),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Register adds src to the drain cycle. Registering the same source twice is
// a no-op.
func (s *Scheduler) Register(src Source) {
	s.mu.Lock()
	for _, existing := range s.sources {
		if existing == src {
			s.mu.Unlock()
			return
		}
	}
	s.sources = append(s.sources, src)
	s.mu.Unlock()

	s.log.Debug("source registered", "source", src.Name())
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Deregister removes src. A cycle already draining src finishes first.
func (s *Scheduler) Deregister(src Source) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, existing := range s.sources {
		if existing == src {
			s.sources = append(s.sources[:i], s.sources[i+1:]...)
			s.log.Debug("source deregistered", "source", src.Name())
			return
		}
	}
}

// Len returns the number of registered sources.
func (s *Scheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sources)
}

// Start begins the drain loop. Calling Start more than once, or after Stop,
// does nothing.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started || s.stopped {
		return
	}
	s.started = true
	s.wg.Add(1)
	go s.loop()
}

// Stop ends the loop. The cycle in progress completes, then one last cycle
// runs so nothing queued before Stop is lost.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	s.mu.Unlock()

	s.cancel()
	s.wg.Wait()
	s.RunOnce()
}

func (s *Scheduler) loop() {
	defer s.wg.Done()

	for {
		busy := s.RunOnce()

		wait := s.opts.Idle
		if busy {
			wait = s.opts.Busy
		}
		timer := time.NewTimer(wait)
		select {
		case <-s.ctx.Done():
			timer.Stop()
			return
		case <-s.wake:
			timer.Stop()
		case <-timer.C:
		}
	}
}

// RunOnce drains every registered source once and reports whether any were
// registered. A failing or panicking source does not stop the others.
func (s *Scheduler) RunOnce() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, src := range s.sources {
		if err := s.drain(src); err != nil {
			s.log.Error("drain failed", "source", src.Name(), "error", err)
		}
	}
	return len(s.sources) > 0
}

func (s *Scheduler) drain(src Source) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return src.Drain()
}
