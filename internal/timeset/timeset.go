// Package timeset holds decoded records grouped into minute buckets and
// answers time-range lookups over them.
package timeset

import (
	"slices"
	"time"

	"github.com/ehrlich-b/objlog/internal/record"
)

// Set is an ordered mapping from minute bucket to the records stamped within
// it. Records keep their insertion order inside a bucket. A Set is not safe
// for concurrent use.
type Set[T any] struct {
	keys    []int64 // sorted bucket starts, unix seconds
	buckets map[int64][]record.Record[T]
	n       int
}

// New returns an empty set.
func New[T any]() *Set[T] {
	return &Set[T]{buckets: make(map[int64][]record.Record[T])}
}

func key(t time.Time) int64 {
	return record.Bucket(t).Unix()
}

// Add inserts rec into its bucket. Records with a nil payload are ignored.
func (s *Set[T]) Add(rec record.Record[T]) {
	if record.IsNil(rec.Payload) {
		return
	}
	if s.buckets == nil {
		s.buckets = make(map[int64][]record.Record[T])
	}
	k := key(rec.Time)
	if _, ok := s.buckets[k]; !ok {
		i, _ := slices.BinarySearch(s.keys, k)
		s.keys = slices.Insert(s.keys, i, k)
	}
	s.buckets[k] = append(s.buckets[k], rec)
	s.n++
}

func (s *Set[T]) AddAll(recs ...record.Record[T]) {
	for _, r := range recs {
		s.Add(r)
	}
}

// Merge adds every record of other, bucket by bucket.
func (s *Set[T]) Merge(other *Set[T]) {
	if other == nil {
		return
	}
	for _, k := range other.keys {
		s.AddAll(other.buckets[k]...)
	}
}

func (s *Set[T]) Len() int {
	return s.n
}

func (s *Set[T]) Empty() bool {
	return s.n == 0
}

func (s *Set[T]) Clear() {
	s.keys = nil
	s.buckets = make(map[int64][]record.Record[T])
	s.n = 0
}

// Buckets returns the bucket start times in ascending order.
func (s *Set[T]) Buckets() []time.Time {
	out := make([]time.Time, len(s.keys))
	for i, k := range s.keys {
		out[i] = time.Unix(k, 0)
	}
	return out
}

// Records returns every record, buckets ascending.
func (s *Set[T]) Records() []record.Record[T] {
	out := make([]record.Record[T], 0, s.n)
	for _, k := range s.keys {
		out = append(out, s.buckets[k]...)
	}
	return out
}

func (s *Set[T]) Payloads() []T {
	out := make([]T, 0, s.n)
	for _, k := range s.keys {
		for _, r := range s.buckets[k] {
			out = append(out, r.Payload)
		}
	}
	return out
}

// Latest returns the newest record stamped at or before at whose payload
// satisfies match. A nil match accepts any payload.
func (s *Set[T]) Latest(at time.Time, match func(T) bool) (record.Record[T], bool) {
	limit := key(at)
	for i := len(s.keys) - 1; i >= 0; i-- {
		if s.keys[i] > limit {
			continue
		}
		b := s.buckets[s.keys[i]]
		for j := len(b) - 1; j >= 0; j-- {
			r := b[j]
			if r.Time.After(at) {
				continue
			}
			if match == nil || match(r.Payload) {
				return r, true
			}
		}
	}
	return record.Record[T]{}, false
}

// First returns the earliest matching record in the buckets starting at or
// after the minute following after.
func (s *Set[T]) First(after time.Time, match func(T) bool) (record.Record[T], bool) {
	start := record.BucketUp(after).Unix()
	i, _ := slices.BinarySearch(s.keys, start)
	for ; i < len(s.keys); i++ {
		for _, r := range s.buckets[s.keys[i]] {
			if match == nil || match(r.Payload) {
				return r, true
			}
		}
	}
	return record.Record[T]{}, false
}

// Range returns the records in buckets from Bucket(from) through to,
// ascending.
func (s *Set[T]) Range(from, to time.Time) []record.Record[T] {
	var out []record.Record[T]
	s.each(from, to, func(r record.Record[T]) bool {
		out = append(out, r)
		return true
	})
	return out
}

// each visits the records of Range in ascending order until fn returns false.
func (s *Set[T]) each(from, to time.Time, fn func(record.Record[T]) bool) {
	lo, hi := key(from), to.Unix()
	i, _ := slices.BinarySearch(s.keys, lo)
	for ; i < len(s.keys) && s.keys[i] <= hi; i++ {
		for _, r := range s.buckets[s.keys[i]] {
			if !fn(r) {
				return
			}
		}
	}
}

// Unique walks the buckets of Range(from, to) newest first, each bucket in
// insertion order, and keeps the first record seen for each key. Results are
// in scan order.
func Unique[T any, K comparable](s *Set[T], from, to time.Time, keyOf func(record.Record[T]) K) []record.Record[T] {
	lo, hi := key(from), to.Unix()
	seen := make(map[K]struct{})
	var out []record.Record[T]
	for i := len(s.keys) - 1; i >= 0; i-- {
		k := s.keys[i]
		if k > hi {
			continue
		}
		if k < lo {
			break
		}
		for _, r := range s.buckets[k] {
			id := keyOf(r)
			if _, ok := seen[id]; ok {
				continue
			}
			seen[id] = struct{}{}
			out = append(out, r)
		}
	}
	return out
}
