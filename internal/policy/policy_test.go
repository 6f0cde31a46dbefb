package policy

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func officeSchedule(t *testing.T) Schedule {
	t.Helper()
	days, err := ParseWorkdays([]string{"mon", "tue", "wed", "thu", "fri"})
	require.NoError(t, err)
	return Schedule{
		Workdays:      days,
		BusinessStart: ClockTime{Hour: 9, Minute: 0},
		BusinessEnd:   ClockTime{Hour: 17, Minute: 0},
		FastLimit:     8,
		SlowLimit:     2,
	}
}

func TestMaxConcurrencyTiers(t *testing.T) {
	t.Parallel()
	s := officeSchedule(t)

	// 2024-06-04 is a Tuesday, 2024-06-08 a Saturday.
	tests := []struct {
		name string
		at   time.Time
		want int
		tier Tier
	}{
		{name: "saturday morning", at: time.Date(2024, 6, 8, 10, 0, 0, 0, time.Local), want: 8, tier: TierFast},
		{name: "saturday night", at: time.Date(2024, 6, 8, 23, 59, 0, 0, time.Local), want: 8, tier: TierFast},
		{name: "tuesday 10:00", at: time.Date(2024, 6, 4, 10, 0, 0, 0, time.Local), want: 2, tier: TierSlow},
		{name: "tuesday 18:00", at: time.Date(2024, 6, 4, 18, 0, 0, 0, time.Local), want: 8, tier: TierFast},
		{name: "tuesday 09:00 start boundary", at: time.Date(2024, 6, 4, 9, 0, 0, 0, time.Local), want: 2, tier: TierSlow},
		{name: "tuesday 17:00 end boundary", at: time.Date(2024, 6, 4, 17, 0, 59, 0, time.Local), want: 2, tier: TierSlow},
		{name: "tuesday 17:01", at: time.Date(2024, 6, 4, 17, 1, 0, 0, time.Local), want: 8, tier: TierFast},
		{name: "tuesday 08:59", at: time.Date(2024, 6, 4, 8, 59, 0, 0, time.Local), want: 8, tier: TierFast},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, MaxConcurrency(tt.at, s))
			_, tier := Decide(tt.at, s)
			assert.Equal(t, tt.tier, tier)
		})
	}
}

func TestEmptyWorkdaysAlwaysFast(t *testing.T) {
	t.Parallel()
	s := officeSchedule(t)
	s.Workdays = map[time.Weekday]bool{}

	at := time.Date(2024, 6, 4, 10, 0, 0, 0, time.Local)
	assert.Equal(t, 8, MaxConcurrency(at, s))
}

func TestWindowCrossingMidnightNeverSpansHours(t *testing.T) {
	t.Parallel()
	start := ClockTime{Hour: 22, Minute: 0}
	end := ClockTime{Hour: 6, Minute: 0}

	assert.True(t, WithinWindow(time.Date(2024, 6, 4, 22, 30, 0, 0, time.Local), start, end))
	assert.False(t, WithinWindow(time.Date(2024, 6, 4, 23, 30, 0, 0, time.Local), start, end))
	assert.False(t, WithinWindow(time.Date(2024, 6, 4, 3, 0, 0, 0, time.Local), start, end))
	assert.True(t, WithinWindow(time.Date(2024, 6, 4, 6, 0, 0, 0, time.Local), start, end))
}

func TestParseWorkdays(t *testing.T) {
	t.Parallel()
	days, err := ParseWorkdays([]string{"Mon", "FRIDAY", " sun "})
	require.NoError(t, err)
	assert.Equal(t, map[time.Weekday]bool{time.Monday: true, time.Friday: true, time.Sunday: true}, days)

	_, err = ParseWorkdays([]string{"someday"})
	assert.Error(t, err)
}

func TestParseClock(t *testing.T) {
	t.Parallel()
	c, err := ParseClock("09:10")
	require.NoError(t, err)
	assert.Equal(t, ClockTime{Hour: 9, Minute: 10}, c)
	assert.Equal(t, "09:10", c.String())

	for _, bad := range []string{"24:00", "9", "12:60", "ab:cd"} {
		_, err := ParseClock(bad)
		assert.Error(t, err, bad)
	}
}

func TestScaleLimitRoundsUp(t *testing.T) {
	t.Parallel()
	assert.Equal(t, 8, ScaleLimit(8, 1))
	assert.Equal(t, 6, ScaleLimit(8, 0.75))
	assert.Equal(t, 3, ScaleLimit(5, 0.5))
	assert.Equal(t, 1, ScaleLimit(3, 0.1))
}
