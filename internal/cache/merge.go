package cache

import (
	"sort"
	"time"
)

// Point is one row of a merged availability view: how many doctors have a
// free slot starting at Start.
type Point struct {
	Start       time.Time
	FreeDoctors int
}

// MergeFreeCounts folds per-doctor free-slot lists into counts per start
// time, ordered by start. Duplicate entries within one doctor's list are
// counted once so a redundantly warmed cache cannot inflate counts.
func MergeFreeCounts(perDoctor [][]Entry) []Point {
	counts := make(map[time.Time]int)
	for _, entries := range perDoctor {
		seen := make(map[time.Time]struct{}, len(entries))
		for _, e := range entries {
			start := e.Start.UTC()
			if _, dup := seen[start]; dup {
				continue
			}
			seen[start] = struct{}{}
			counts[start]++
		}
	}

	points := make([]Point, 0, len(counts))
	for start, n := range counts {
		points = append(points, Point{Start: start, FreeDoctors: n})
	}
	sort.Slice(points, func(i, j int) bool {
		return points[i].Start.Before(points[j].Start)
	})

	return points
}
