package progress

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"specrun/internal/policy"
)

// lineWidth is the console width the status line is padded to.
const lineWidth = 79

// minFraction keeps the remaining-time estimate finite before the first job completes.
const minFraction = 1e-7

const maxRemainingSeconds = 100 * 365 * 24 * 3600

// Snapshot is the run state rendered into one status line.
type Snapshot struct {
	Completed int
	Failed    int
	Warnings  int
	Total     int
	InFlight  int
	Elapsed   time.Duration
	Limit     int
	Tier      policy.Tier
}

// Fraction is completed/total clamped below at 1e-7.
func (s Snapshot) Fraction() float64 {
	f := 0.0
	if s.Total > 0 {
		f = float64(s.Completed) / float64(s.Total)
	}
	return math.Max(f, minFraction)
}

// Remaining extrapolates the time left from the completion rate so far.
func (s Snapshot) Remaining() time.Duration {
	el := math.Trunc(s.Elapsed.Seconds())
	left := el/s.Fraction() - el
	if left < 0 || math.IsInf(left, 0) || math.IsNaN(left) {
		return 0
	}
	// Nothing has completed yet: the estimate is meaningless but must not overflow.
	if left > maxRemainingSeconds {
		left = maxRemainingSeconds
	}
	return time.Duration(int64(left)) * time.Second
}

// Payload is the part of the line mirrored to telemetry: counts only.
func Payload(s Snapshot) string {
	pct := math.Round(s.Fraction()*1000) / 10
	return fmt.Sprintf("Done: %d (%s%%)\t Fail: %d\tWarn: %d ",
		s.Completed, strconv.FormatFloat(pct, 'f', 1, 64), s.Failed, s.Warnings)
}

// FormatLine renders the console status line. It starts with a carriage return so
// each emission overwrites the previous one, and is right-padded to 79 columns.
func FormatLine(s Snapshot) string {
	line := "\r" + Payload(s) + fmt.Sprintf("Taken: %s\tLeft: %s\tCPUs: %d",
		FormatClock(s.Elapsed), FormatClock(s.Remaining()), s.Limit)
	if pad := lineWidth - len(line); pad > 0 {
		line += strings.Repeat(" ", pad)
	}
	return line
}

// FormatClock renders whole seconds as H:MM:SS, prefixed with "N day(s), " past 24h.
func FormatClock(d time.Duration) string {
	sec := int64(d / time.Second)
	if sec < 0 {
		sec = 0
	}
	days := sec / 86400
	sec %= 86400
	clock := fmt.Sprintf("%d:%02d:%02d", sec/3600, (sec%3600)/60, sec%60)
	switch {
	case days == 1:
		return "1 day, " + clock
	case days > 1:
		return strconv.FormatInt(days, 10) + " days, " + clock
	default:
		return clock
	}
}
