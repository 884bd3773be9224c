// Package record defines the timestamped record that flows through the
// object log and the minute bucketing shared by the writer and reader paths.
package record

import (
	"reflect"
	"time"
)

// Record is a payload stamped with the time it was logged.
type Record[T any] struct {
	Time    time.Time
	Payload T
}

// New stamps payload with the current time.
func New[T any](payload T) Record[T] {
	return At(time.Now(), payload)
}

// At stamps payload with t. Timestamps are kept at millisecond precision,
// which is what the on-disk formats store.
func At[T any](t time.Time, payload T) Record[T] {
	return Record[T]{Time: Millis(t), Payload: payload}
}

// Stamped returns r with a zero Time replaced by now.
func (r Record[T]) Stamped(now time.Time) Record[T] {
	if r.Time.IsZero() {
		r.Time = Millis(now)
	}
	return r
}

// Millis truncates t to the millisecond and drops the monotonic reading.
func Millis(t time.Time) time.Time {
	return t.Round(0).Truncate(time.Millisecond)
}

// Bucket rounds t down to the minute.
func Bucket(t time.Time) time.Time {
	return t.Truncate(time.Minute)
}

// BucketUp rounds t up to the minute. Exact minutes are returned unchanged.
func BucketUp(t time.Time) time.Time {
	b := Bucket(t)
	if b.Equal(t) {
		return b
	}
	return b.Add(time.Minute)
}

// IsNil reports whether v is nil or a nil pointer, slice, map, channel,
// function or interface.
func IsNil(v any) bool {
	if v == nil {
		return true
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Pointer, reflect.Slice, reflect.Map, reflect.Chan, reflect.Func, reflect.Interface:
		return rv.IsNil()
	}
	return false
}
