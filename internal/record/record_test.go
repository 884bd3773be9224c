package record

import (
	"testing"
	"time"
)

func TestAtTruncatesToMillis(t *testing.T) {
	ts := time.Date(2024, 3, 1, 10, 4, 55, 123456789, time.UTC)
	r := At(ts, "x")

	want := time.Date(2024, 3, 1, 10, 4, 55, 123000000, time.UTC)
	if !r.Time.Equal(want) {
		t.Errorf("Time = %v, want %v", r.Time, want)
	}
	if r.Payload != "x" {
		t.Errorf("Payload = %q, want %q", r.Payload, "x")
	}
}

func TestStamped(t *testing.T) {
	now := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)

	r := Record[int]{Payload: 1}.Stamped(now)
	if !r.Time.Equal(now) {
		t.Errorf("zero time not stamped: %v", r.Time)
	}

	earlier := now.Add(-time.Hour)
	r = Record[int]{Time: earlier, Payload: 1}.Stamped(now)
	if !r.Time.Equal(earlier) {
		t.Errorf("existing time overwritten: %v", r.Time)
	}
}

func TestBucketRounding(t *testing.T) {
	tests := []struct {
		in       time.Time
		down, up time.Time
	}{
		{
			in:   time.Date(2024, 3, 1, 10, 4, 55, 0, time.UTC),
			down: time.Date(2024, 3, 1, 10, 4, 0, 0, time.UTC),
			up:   time.Date(2024, 3, 1, 10, 5, 0, 0, time.UTC),
		},
		{
			in:   time.Date(2024, 3, 1, 10, 5, 0, 0, time.UTC),
			down: time.Date(2024, 3, 1, 10, 5, 0, 0, time.UTC),
			up:   time.Date(2024, 3, 1, 10, 5, 0, 0, time.UTC),
		},
		{
			in:   time.Date(2024, 3, 1, 23, 59, 59, 999000000, time.UTC),
			down: time.Date(2024, 3, 1, 23, 59, 0, 0, time.UTC),
			up:   time.Date(2024, 3, 2, 0, 0, 0, 0, time.UTC),
		},
	}
	for _, tt := range tests {
		if got := Bucket(tt.in); !got.Equal(tt.down) {
			t.Errorf("Bucket(%v) = %v, want %v", tt.in, got, tt.down)
		}
		if got := BucketUp(tt.in); !got.Equal(tt.up) {
			t.Errorf("BucketUp(%v) = %v, want %v", tt.in, got, tt.up)
		}
	}
}

func TestBucketMonotonic(t *testing.T) {
	base := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	prev := Bucket(base)
	for i := 0; i < 500; i++ {
		ts := base.Add(time.Duration(i) * 997 * time.Millisecond)
		b := Bucket(ts)
		if b.Before(prev) {
			t.Fatalf("Bucket not monotonic at %v: %v < %v", ts, b, prev)
		}
		prev = b
	}
}

func TestIsNil(t *testing.T) {
	var nilBytes []byte
	var nilPtr *int
	var nilMap map[string]int
	one := 1

	tests := []struct {
		name string
		v    any
		want bool
	}{
		{"nil", nil, true},
		{"nil slice", nilBytes, true},
		{"nil pointer", nilPtr, true},
		{"nil map", nilMap, true},
		{"empty slice", []byte{}, false},
		{"pointer", &one, false},
		{"int", 0, false},
		{"string", "", false},
	}
	for _, tt := range tests {
		if got := IsNil(tt.v); got != tt.want {
			t.Errorf("%s: IsNil = %v, want %v", tt.name, got, tt.want)
		}
	}
}
