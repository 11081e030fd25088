package booking

import (
	"time"
)

// SlotsNeeded converts a requested duration into a whole number of grid
// slots, rounding up. 45 minutes on a 30-minute grid needs 2 slots; the
// appointment occupies the full hour. Truncating would under-book, so the
// policy is always ceil.
func SlotsNeeded(duration, slotWidth time.Duration) int {
	if duration <= 0 || slotWidth <= 0 {
		return 0
	}
	n := int(duration / slotWidth)
	if duration%slotWidth != 0 {
		n++
	}
	return n
}

// RequiredStarts expands a run of n consecutive slots beginning at start.
func RequiredStarts(start time.Time, n int, slotWidth time.Duration) []time.Time {
	starts := make([]time.Time, 0, n)
	for i := 0; i < n; i++ {
		starts = append(starts, start.Add(time.Duration(i)*slotWidth))
	}
	return starts
}

// DayBounds returns the [midnight, next midnight) UTC window containing t.
// Doctor-days are always reckoned in UTC: the cache key is a bare date
// string, so the window it was built from must not depend on the zone of
// whichever request happened to warm it.
func DayBounds(t time.Time) (time.Time, time.Time) {
	y, m, d := t.UTC().Date()
	start := time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
	return start, start.AddDate(0, 0, 1)
}

// DayKey formats the UTC date portion used in Availability Index keys.
func DayKey(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}
