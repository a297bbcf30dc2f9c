package timeparsing

import (
	"fmt"
	"time"
)

// ParseRelativeTime tries, in order: a compact duration ("+1d"), a
// natural-language expression ("next monday"), a date-only timestamp
// ("2025-02-01"), then RFC3339. The first layer that accepts the input
// wins, so a string valid as a compact duration is never reinterpreted
// by the NLP layer.
func ParseRelativeTime(s string, now time.Time) (time.Time, error) {
	if IsCompactDuration(s) {
		return ParseCompactDuration(s, now)
	}
	if t, err := ParseNaturalLanguage(s, now); err == nil {
		return t, nil
	}
	if t, err := time.ParseInLocation("2006-01-02", s, now.Location()); err == nil {
		return t, nil
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	return time.Time{}, fmt.Errorf("timeparsing: %q is not a recognized time expression", s)
}
