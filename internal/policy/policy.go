package policy

import (
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
)

// Tier names the concurrency ceiling currently in force.
type Tier string

const (
	TierFast Tier = "fast"
	TierSlow Tier = "slow"
)

// ClockTime is a wall-clock hour:minute pair.
type ClockTime struct {
	Hour   int
	Minute int
}

func (c ClockTime) String() string {
	return pad2(c.Hour) + ":" + pad2(c.Minute)
}

func pad2(v int) string {
	if v < 10 {
		return "0" + strconv.Itoa(v)
	}
	return strconv.Itoa(v)
}

// Schedule is the immutable-per-tick set of inputs to the concurrency policy.
//
// An empty Workdays set means no day is a workday, so FastLimit always applies.
// The business window does not wrap past midnight.
type Schedule struct {
	Workdays      map[time.Weekday]bool
	BusinessStart ClockTime
	BusinessEnd   ClockTime
	FastLimit     int
	SlowLimit     int
}

// MaxConcurrency returns how many workers may run at now.
func MaxConcurrency(now time.Time, s Schedule) int {
	limit, _ := Decide(now, s)
	return limit
}

// Decide returns the limit together with the tier that produced it.
func Decide(now time.Time, s Schedule) (int, Tier) {
	if !s.Workdays[now.Weekday()] {
		return clampLimit(s.FastLimit), TierFast
	}
	if WithinWindow(now, s.BusinessStart, s.BusinessEnd) {
		return clampLimit(s.SlowLimit), TierSlow
	}
	return clampLimit(s.FastLimit), TierFast
}

// WithinWindow reports whether now falls within [start, end], both boundary minutes included.
// Each clause is evaluated on its own; a window that ends before it starts never matches
// strictly-between hours.
func WithinWindow(now time.Time, start, end ClockTime) bool {
	h, m := now.Hour(), now.Minute()
	return (h > start.Hour && h < end.Hour) ||
		(h == start.Hour && m >= start.Minute) ||
		(h == end.Hour && m <= end.Minute)
}

func clampLimit(n int) int {
	if n < 0 {
		return 0
	}
	return n
}

// ScaleLimit turns a ratio of the CPU ceiling into a worker count, rounding up.
func ScaleLimit(cpus int, ratio float64) int {
	return int(math.Ceil(float64(cpus) * ratio))
}

var weekdayNames = map[string]time.Weekday{
	"mon": time.Monday, "monday": time.Monday,
	"tue": time.Tuesday, "tuesday": time.Tuesday,
	"wed": time.Wednesday, "wednesday": time.Wednesday,
	"thu": time.Thursday, "thursday": time.Thursday,
	"fri": time.Friday, "friday": time.Friday,
	"sat": time.Saturday, "saturday": time.Saturday,
	"sun": time.Sunday, "sunday": time.Sunday,
}

// ParseWorkdays maps weekday names (case-insensitive, short or full) to a set.
func ParseWorkdays(names []string) (map[time.Weekday]bool, error) {
	out := make(map[time.Weekday]bool, len(names))
	for _, n := range names {
		d, ok := weekdayNames[strings.ToLower(strings.TrimSpace(n))]
		if !ok {
			return nil, errors.Newf("invalid weekday %q", n)
		}
		out[d] = true
	}
	return out, nil
}

// ParseClock parses "HH:MM".
func ParseClock(s string) (ClockTime, error) {
	s = strings.TrimSpace(s)
	parts := strings.Split(s, ":")
	if len(parts) != 2 {
		return ClockTime{}, errors.Newf("invalid time %q, expected HH:MM", s)
	}
	h, err := strconv.Atoi(parts[0])
	if err != nil || h < 0 || h > 23 {
		return ClockTime{}, errors.Newf("invalid hour in %q", s)
	}
	m, err := strconv.Atoi(parts[1])
	if err != nil || m < 0 || m > 59 {
		return ClockTime{}, errors.Newf("invalid minute in %q", s)
	}
	return ClockTime{Hour: h, Minute: m}, nil
}
