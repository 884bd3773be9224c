package objlog

import (
	"bytes"
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/ehrlich-b/objlog/internal/codec"
	"github.com/ehrlich-b/objlog/internal/errs"
	"github.com/ehrlich-b/objlog/internal/record"
	"github.com/ehrlich-b/objlog/internal/rolling"
	"github.com/ehrlich-b/objlog/internal/scheduler"
	"github.com/ehrlich-b/objlog/internal/store"
)

var fixed = time.Date(2024, 3, 1, 10, 4, 55, 0, time.UTC)

func newStore(t *testing.T, period int) *store.Store[[]byte] {
	t.Helper()
	st, err := store.New[[]byte](store.Config{
		BaseDir:  t.TempDir(),
		Name:     "bytes",
		Location: time.UTC,
		Now:      func() time.Time { return fixed },
	}, codec.NewBinary[[]byte](codec.Bytes{}, nil), rolling.NewPeriodic(period), nil)
	if err != nil {
		t.Fatalf("store.New failed: %v", err)
	}
	return st
}

type drops struct {
	mu sync.Mutex
	n  int
}

func (d *drops) SegmentOpened(string, string, time.Time) {}
func (d *drops) RecordsWritten(string, string, int)      {}
func (d *drops) RecordsSkipped(string, string, int)      {}
func (d *drops) RecordsDropped(_ string, n int) {
	d.mu.Lock()
	d.n += n
	d.mu.Unlock()
}

func TestQueue(t *testing.T) {
	q := NewQueue[int](2)
	if !q.Offer(record.At(fixed, 1)) || !q.Offer(record.At(fixed, 2)) {
		t.Fatal("Offer failed below capacity")
	}
	if q.Offer(record.At(fixed, 3)) {
		t.Error("Offer succeeded on a full queue")
	}
	got := q.Drain()
	if len(got) != 2 || got[0].Payload != 1 || got[1].Payload != 2 {
		t.Errorf("Drain() = %v", got)
	}
	if q.Len() != 0 {
		t.Errorf("Len() after drain = %d", q.Len())
	}
	if NewQueue[int](0).Cap() != DefaultQueueCapacity {
		t.Error("zero capacity should select the default")
	}
}

func TestSynchronousOrder(t *testing.T) {
	l, err := New(Options{Synchronous: true}, newStore(t, 10), nil, nil)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	defer l.Close()

	payloads := [][]byte{{1, 2, 3}, {4, 5, 6}, {7, 8, 9}, {10, 11, 12}}
	for _, p := range payloads {
		if err := l.Log(p); err != nil {
			t.Fatalf("Log failed: %v", err)
		}
	}

	set, err := l.GetSince(context.Background(), fixed.Add(-time.Minute))
	if err != nil {
		t.Fatalf("GetSince failed: %v", err)
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

func TestCapacityOverflowDrops(t *testing.T) {
	const capacity = 10
	sched := scheduler.New(scheduler.Options{}, nil) // never started
	obs := &drops{}
	l, err := New(Options{QueueCapacity: capacity, Observer: obs}, newStore(t, 10), sched, nil)
	if err != nil {
		t.Fatal(err)
	}

	for i := 0; i < capacity+1; i++ {
		if err := l.Log([]byte{byte(i)}); err != nil {
			t.Fatalf("Log %d returned %v", i, err)
		}
	}
	if l.Dropped() != 1 {
		t.Errorf("Dropped() = %d, want 1", l.Dropped())
	}
	if obs.n != 1 {
		t.Errorf("observer saw %d drops, want 1", obs.n)
	}
	if l.QueueLen() != capacity {
		t.Errorf("QueueLen() = %d, want %d", l.QueueLen(), capacity)
	}

	if err := l.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	set, err := l.GetSince(context.Background(), fixed.Add(-time.Minute))
	if err != nil {
		t.Fatal(err)
	}
	if set.Len() != capacity {
		t.Errorf("persisted %d records, want %d", set.Len(), capacity)
	}
}

func TestConcurrentProducers(t *testing.T) {
	const (
		producers = 100
		perProd   = 100
		size      = 200
	)
	sched := scheduler.New(scheduler.Options{Busy: 10 * time.Millisecond}, nil)
	sched.Start()
	defer sched.Stop()

	st := newStore(t, 10)
	l, err := New(Options{}, st, sched, nil)
	if err != nil {
		t.Fatal(err)
	}

	var wg sync.WaitGroup
	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			for i := 0; i < perProd; i++ {
				payload := bytes.Repeat([]byte{byte(p)}, size)
				if err := l.Log(payload); err != nil {
					t.Errorf("Log failed: %v", err)
					return
				}
			}
		}(p)
	}
	wg.Wait()

	if err := l.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if l.Dropped() != 0 {
		t.Fatalf("dropped %d records", l.Dropped())
	}

	info, err := os.Stat(st.File(fixed))
	if err != nil {
		t.Fatal(err)
	}
	if want := int64(producers * perProd * (size + 8 + 4)); info.Size() != want {
		t.Errorf("file size = %d, want %d", info.Size(), want)
	}

	set, err := l.GetFile(context.Background(), st.File(fixed))
	if err != nil {
		t.Fatal(err)
	}
	if set.Len() != producers*perProd {
		t.Errorf("decoded %d records, want %d", set.Len(), producers*perProd)
	}
}

func TestDisabledAndNil(t *testing.T) {
	st := newStore(t, 10)
	off, err := New(Options{Disabled: true}, st, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := off.Log([]byte("x")); err != nil {
		t.Errorf("disabled Log = %v", err)
	}

	on, err := New(Options{Synchronous: true}, st, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := on.Log(nil); err != nil {
		t.Errorf("Log(nil) = %v", err)
	}
	if _, err := on.GetAll(context.Background()); !errors.Is(err, errs.ErrNotFound) {
		t.Errorf("GetAll = %v, want not found", err)
	}
}

func TestLogAfterClose(t *testing.T) {
	l, err := New(Options{Synchronous: true}, newStore(t, 10), nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	l.Close()
	if err := l.Log([]byte("late")); !errors.Is(err, errs.ErrInvalid) {
		t.Errorf("Log after Close = %v, want invalid", err)
	}
}

func TestAsyncNeedsScheduler(t *testing.T) {
	if _, err := New(Options{}, newStore(t, 10), nil, nil); !errors.Is(err, errs.ErrConfiguration) {
		t.Errorf("New without scheduler = %v, want configuration error", err)
	}
}

func TestCleanOnStart(t *testing.T) {
	st := newStore(t, 10)
	first, _ := New(Options{Synchronous: true}, st, nil, nil)
	first.Log([]byte("old"))
	first.Close()

	second, err := New(Options{Synchronous: true, CleanOnStart: true}, st, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer second.Close()
	if _, err := os.Stat(st.DayDir(fixed)); !os.IsNotExist(err) {
		t.Errorf("day directory survived clean on start: %v", err)
	}
}

func TestSynchronousCloseLeavesNothingOpen(t *testing.T) {
	bin := codec.NewBinary[[]byte](codec.Bytes{}, nil)
	st, err := store.New[[]byte](store.Config{
		BaseDir:  t.TempDir(),
		Name:     "bytes",
		Location: time.UTC,
		Now:      func() time.Time { return fixed },
	}, bin, rolling.NewPeriodic(10), nil)
	if err != nil {
		t.Fatalf("store.New failed: %v", err)
	}
	l, err := New(Options{Synchronous: true}, st, nil, nil)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				if err := l.Log([]byte("x")); err != nil {
					if errs.KindOf(err) != errs.Invalid {
						t.Errorf("Log failed: %v", err)
					}
					return
				}
			}
		}()
	}
	time.Sleep(time.Millisecond)
	if err := l.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	wg.Wait()

	if bin.IsOpen() {
		t.Error("segment reopened by a write racing Close")
	}
}
