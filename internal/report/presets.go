package report

import (
	"fmt"
	"time"
)

// Range presets.
const (
	PresetLast7d    = "last_7d"
	PresetLast30d   = "last_30d"
	PresetThisMonth = "this_month"
	PresetLastMonth = "last_month"
	PresetYTD       = "ytd"
	PresetAllTime   = "all_time"
)

// allTimeLookback bounds all_time to the longest history the exchanges serve.
const allTimeLookback = 729 * 24 * time.Hour

// ResolveRange returns [start, end] in epoch ms. Explicit bounds win over the
// preset. Calendar presets are anchored in loc.
func ResolveRange(preset string, start, end *time.Time, now time.Time, loc *time.Location) (int64, int64, error) {
	if start != nil && end != nil {
		if !start.Before(*end) {
			return 0, 0, fmt.Errorf("%w: start %s not before end %s", ErrInvalidRange, start.Format(time.RFC3339), end.Format(time.RFC3339))
		}
		return start.UnixMilli(), end.UnixMilli(), nil
	}
	if start != nil || end != nil {
		return 0, 0, fmt.Errorf("%w: start and end must be given together", ErrInvalidRange)
	}
	if loc == nil {
		loc = time.UTC
	}

	local := now.In(loc)
	monthStart := time.Date(local.Year(), local.Month(), 1, 0, 0, 0, 0, loc)

	var from, to time.Time
	switch preset {
	case PresetLast7d:
		from, to = now.Add(-7*24*time.Hour), now
	case PresetLast30d:
		from, to = now.Add(-30*24*time.Hour), now
	case PresetThisMonth:
		from, to = monthStart, now
	case PresetLastMonth:
		from, to = monthStart.AddDate(0, -1, 0), monthStart.Add(-time.Millisecond)
	case PresetYTD:
		from, to = time.Date(local.Year(), time.January, 1, 0, 0, 0, 0, loc), now
	case PresetAllTime:
		from, to = now.Add(-allTimeLookback), now
	default:
		return 0, 0, fmt.Errorf("%w: unknown preset %q", ErrInvalidRange, preset)
	}
	return from.UnixMilli(), to.UnixMilli(), nil
}
