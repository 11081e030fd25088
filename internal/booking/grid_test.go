package booking

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestSlotsNeeded(t *testing.T) {
	grid := 30 * time.Minute

	tests := []struct {
		name     string
		duration time.Duration
		want     int
	}{
		{"exact single slot", 30 * time.Minute, 1},
		{"exact double slot", 60 * time.Minute, 2},
		{"rounds up, never truncates", 45 * time.Minute, 2},
		{"tiny duration still takes a slot", 5 * time.Minute, 1},
		{"zero duration", 0, 0},
		{"negative duration", -time.Hour, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, SlotsNeeded(tt.duration, grid))
		})
	}
}

func TestRequiredStarts(t *testing.T) {
	start := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

	starts := RequiredStarts(start, 3, 30*time.Minute)

	assert.Equal(t, []time.Time{
		start,
		start.Add(30 * time.Minute),
		start.Add(60 * time.Minute),
	}, starts)
}

func TestDayBounds(t *testing.T) {
	at := time.Date(2026, 3, 2, 14, 45, 12, 0, time.UTC)

	dayStart, dayEnd := DayBounds(at)

	assert.Equal(t, time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC), dayStart)
	assert.Equal(t, time.Date(2026, 3, 3, 0, 0, 0, 0, time.UTC), dayEnd)
}

func TestDayBoundsNormalizesZoneToUTC(t *testing.T) {
	jst := time.FixedZone("UTC+9", 9*60*60)
	// 2026-03-02 00:30 in UTC+9 is still 2026-03-01 in UTC.
	at := time.Date(2026, 3, 2, 0, 30, 0, 0, jst)

	dayStart, dayEnd := DayBounds(at)

	assert.Equal(t, time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC), dayStart)
	assert.Equal(t, time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC), dayEnd)
	assert.Equal(t, "2026-03-01", DayKey(at))

	// Two values of the same instant share one window regardless of zone.
	utcStart, _ := DayBounds(at.UTC())
	assert.Equal(t, dayStart, utcStart)
}
