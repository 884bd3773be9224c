package rolling

import (
	"testing"
	"time"
)

func TestDailyRollsOnFirstWrite(t *testing.T) {
	d := NewDaily()
	if !d.ShouldRoll(time.Now()) {
		t.Error("new daily policy should roll on first write")
	}
}

func TestDailyNextMidnight(t *testing.T) {
	loc := time.FixedZone("test", 2*60*60)
	now := time.Date(2024, 3, 1, 14, 19, 58, 500, loc)

	d := NewDaily()
	d.OnRolled(now)

	want := time.Date(2024, 3, 2, 0, 0, 0, 0, loc)
	if !d.Next().Equal(want) {
		t.Errorf("Next = %v, want %v", d.Next(), want)
	}
	if d.ShouldRoll(now.Add(time.Hour)) {
		t.Error("should not roll before midnight")
	}
	if !d.ShouldRoll(want) {
		t.Error("should roll exactly at midnight")
	}
}

func TestDailyMonthBoundary(t *testing.T) {
	now := time.Date(2024, 2, 29, 23, 59, 0, 0, time.UTC)
	d := NewDaily()
	d.OnRolled(now)

	want := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	if !d.Next().Equal(want) {
		t.Errorf("Next = %v, want %v", d.Next(), want)
	}
}

func TestPeriodicClamp(t *testing.T) {
	tests := []struct {
		in, want int
	}{
		{0, 1},
		{-5, 1},
		{1, 1},
		{30, 30},
		{1440, 1440},
		{5000, 1440},
	}
	for _, tt := range tests {
		if got := NewPeriodic(tt.in).Period(); got != tt.want {
			t.Errorf("NewPeriodic(%d).Period() = %d, want %d", tt.in, got, tt.want)
		}
	}
}

func TestPeriodicBoundaryOnMinute(t *testing.T) {
	now := time.Date(2024, 3, 1, 14, 19, 58, 0, time.UTC)
	p := NewPeriodic(1)

	if !p.ShouldRoll(now) {
		t.Fatal("new periodic policy should roll on first write")
	}
	p.OnRolled(now)

	// 14:19:58 + 1m = 14:20:58, truncated to 14:20:00
	want := time.Date(2024, 3, 1, 14, 20, 0, 0, time.UTC)
	if !p.Next().Equal(want) {
		t.Errorf("Next = %v, want %v", p.Next(), want)
	}
	if p.ShouldRoll(now.Add(time.Second)) {
		t.Error("should not roll at 14:19:59")
	}
	if !p.ShouldRoll(now.Add(3 * time.Second)) {
		t.Error("should roll at 14:20:01")
	}
}

func TestPeriodicTenMinutes(t *testing.T) {
	now := time.Date(2024, 3, 1, 9, 3, 30, 0, time.UTC)
	p := NewPeriodic(10)
	p.OnRolled(now)

	want := time.Date(2024, 3, 1, 9, 13, 0, 0, time.UTC)
	if !p.Next().Equal(want) {
		t.Errorf("Next = %v, want %v", p.Next(), want)
	}
	if !p.Next().After(now) {
		t.Error("boundary must be after the roll instant")
	}
}

func TestNever(t *testing.T) {
	n := &Never{}
	now := time.Now()
	if !n.ShouldRoll(now) {
		t.Fatal("never policy must open a file on first write")
	}
	n.OnRolled(now)
	if n.ShouldRoll(now.Add(365 * 24 * time.Hour)) {
		t.Error("never policy rolled after the first file")
	}
}

func TestParse(t *testing.T) {
	tests := []struct {
		in     string
		period int // 0 means not periodic
		daily  bool
		never  bool
	}{
		{"", DefaultPeriod, false, false},
		{"daily", 0, true, false},
		{"DAILY", 0, true, false},
		{"never", 0, false, true},
		{"minute", 1, false, false},
		{"10m", 10, false, false},
		{"15", 15, false, false},
		{"9999m", MaxPeriod, false, false},
	}
	for _, tt := range tests {
		p, err := Parse(tt.in)
		if err != nil {
			t.Fatalf("Parse(%q) failed: %v", tt.in, err)
		}
		switch v := p.(type) {
		case *Periodic:
			if v.Period() != tt.period {
				t.Errorf("Parse(%q) period = %d, want %d", tt.in, v.Period(), tt.period)
			}
		case *Daily:
			if !tt.daily {
				t.Errorf("Parse(%q) returned daily policy", tt.in)
			}
		case *Never:
			if !tt.never {
				t.Errorf("Parse(%q) returned never policy", tt.in)
			}
		}
	}
}

func TestParseInvalid(t *testing.T) {
	for _, in := range []string{"hourly", "0m", "-3", "m"} {
		if _, err := Parse(in); err == nil {
			t.Errorf("Parse(%q) expected error", in)
		}
	}
}
