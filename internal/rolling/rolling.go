// Package rolling decides when a store swaps its active file for a new time
// bucket. Policies are pure calculators: the caller passes the current time
// and owns the synchronisation.
package rolling

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

const (
	MinPeriod     = 1
	MaxPeriod     = 24 * 60
	DefaultPeriod = 30
)

// Policy computes file rollover boundaries.
type Policy interface {
	// ShouldRoll reports whether the active file must be closed at now.
	ShouldRoll(now time.Time) bool
	// OnRolled records that a new file was opened at now.
	OnRolled(now time.Time)
	// Next returns the next boundary. The zero time means "roll on next write".
	Next() time.Time
}

// Daily rolls at local midnight.
type Daily struct {
	next time.Time
}

// NewDaily returns a policy that rolls on the first write and then every midnight.
func NewDaily() *Daily {
	return &Daily{}
}

func (d *Daily) ShouldRoll(now time.Time) bool {
	return !now.Before(d.next)
}

func (d *Daily) OnRolled(now time.Time) {
	d.next = nextMidnight(now)
}

func (d *Daily) Next() time.Time {
	return d.next
}

func nextMidnight(now time.Time) time.Time {
	y, m, day := now.Date()
	return time.Date(y, m, day+1, 0, 0, 0, 0, now.Location())
}

// Periodic rolls every period minutes, always on a whole-minute boundary.
type Periodic struct {
	period int
	next   time.Time
}

// NewPeriodic returns a minute-period policy. The period is clamped to
// [MinPeriod, MaxPeriod].
func NewPeriodic(minutes int) *Periodic {
	return &Periodic{period: clamp(minutes)}
}

func clamp(minutes int) int {
	switch {
	case minutes < MinPeriod:
		return MinPeriod
	case minutes > MaxPeriod:
		return MaxPeriod
	}
	return minutes
}

// Period returns the rolling period in minutes.
func (p *Periodic) Period() int {
	return p.period
}

func (p *Periodic) ShouldRoll(now time.Time) bool {
	return !now.Before(p.next)
}

// OnRolled sets the boundary to now+period truncated to the minute, so files
// never end mid-minute.
func (p *Periodic) OnRolled(now time.Time) {
	p.next = now.Add(time.Duration(p.period) * time.Minute).Truncate(time.Minute)
}

func (p *Periodic) Next() time.Time {
	return p.next
}

// Never keeps the first file open for the life of the store.
type Never struct {
	rolled bool
}

func (n *Never) ShouldRoll(now time.Time) bool {
	return !n.rolled
}

func (n *Never) OnRolled(now time.Time) {
	n.rolled = true
}

// Next returns the zero time before the first roll and the maximum time after.
func (n *Never) Next() time.Time {
	if !n.rolled {
		return time.Time{}
	}
	return time.Unix(1<<62, 0)
}

// Parse builds a policy from a config string: "daily", "never", "minute"
// (one minute), "<n>m" or "<n>" (n minutes). An empty string selects the
// default periodic policy.
func Parse(s string) (Policy, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	switch s {
	case "":
		return NewPeriodic(DefaultPeriod), nil
	case "daily":
		return NewDaily(), nil
	case "never":
		return &Never{}, nil
	case "minute":
		return NewPeriodic(1), nil
	}

	n, err := strconv.Atoi(strings.TrimSuffix(s, "m"))
	if err != nil {
		return nil, fmt.Errorf("invalid rolling policy %q", s)
	}
	if n <= 0 {
		return nil, fmt.Errorf("invalid rolling period %q: must be > 0", s)
	}
	return NewPeriodic(n), nil
}
