// Package calendar computes the common trading calendar across instruments.
package calendar

import (
	"errors"
	"sort"
	"time"
)

// ErrNoCommonDates indicates the intersection of instrument calendars within
// the requested range is empty, leaving no valid simulation days. This is
// fatal at run construction.
var ErrNoCommonDates = errors.New("calendar: no common trading dates in range")

// Day normalizes a timestamp to its UTC calendar day, the canonical key used
// throughout the engine.
func Day(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// Compute intersects the available dates of every instrument series, clips the
// result to [start, end] inclusive, and returns it in ascending order.
//
// An instrument with an empty series collapses the whole intersection, which
// surfaces as ErrNoCommonDates. This mirrors the upstream behavior and is
// deliberately loud: simulating with a silently dropped instrument would
// produce misleading results.
func Compute(series map[string][]time.Time, start, end time.Time) ([]time.Time, error) {
	if len(series) == 0 {
		return nil, ErrNoCommonDates
	}

	start, end = Day(start), Day(end)

	var common map[time.Time]struct{}
	for _, dates := range series {
		seen := make(map[time.Time]struct{}, len(dates))
		for _, d := range dates {
			seen[Day(d)] = struct{}{}
		}
		if common == nil {
			common = seen
			continue
		}
		for d := range common {
			if _, ok := seen[d]; !ok {
				delete(common, d)
			}
		}
	}

	out := make([]time.Time, 0, len(common))
	for d := range common {
		if d.Before(start) || d.After(end) {
			continue
		}
		out = append(out, d)
	}
	if len(out) == 0 {
		return nil, ErrNoCommonDates
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Before(out[j]) })
	return out, nil
}
