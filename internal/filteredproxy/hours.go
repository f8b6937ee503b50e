package filteredproxy

import "time"

// regularSessionStartMinute and regularSessionEndMinute fix the US
// equity regular session to 14:30-21:00 UTC, resolving spec.md §9's open
// question about an "approximate" extended-hours cutoff with an explicit,
// documented boundary.
const (
	regularSessionStartMinute = 14*60 + 30
	regularSessionEndMinute   = 21 * 60
)

// isRegularSession reports whether a millisecond upstream timestamp
// falls inside the regular US equity session. End is exclusive, matching
// the rest of this codebase's boundary convention for time windows.
func isRegularSession(tsMs int64) bool {
	t := time.UnixMilli(tsMs).UTC()
	minute := t.Hour()*60 + t.Minute()
	return minute >= regularSessionStartMinute && minute < regularSessionEndMinute
}
