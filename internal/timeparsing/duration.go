// Package timeparsing turns the relative-time expressions AQL queries
// and changefeed retention policies accept (compact durations like
// "+7d", natural-language phrases like "3 days ago", date-only and
// RFC3339 timestamps) into concrete time.Time values.
package timeparsing

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

var compactDurationRe = regexp.MustCompile(`^([+-]?)(\d+)([hdwmyHDWMY])$`)

// IsCompactDuration reports whether s matches the compact duration
// grammar (optional sign, digits, single unit letter) without
// attempting to resolve it against a reference time.
func IsCompactDuration(s string) bool {
	return compactDurationRe.MatchString(s)
}

// ParseCompactDuration resolves a compact duration like "+7d", "-6h", or
// "3m" (sign-less means positive) against now. Recognized units are h
// (hours), d (days), w (weeks), m (calendar months), y (calendar years);
// month/year arithmetic uses time.AddDate's calendar-overflow semantics.
func ParseCompactDuration(s string, now time.Time) (time.Time, error) {
	m := compactDurationRe.FindStringSubmatch(s)
	if m == nil {
		return time.Time{}, fmt.Errorf("timeparsing: %q is not a compact duration", s)
	}

	n, err := strconv.Atoi(m[2])
	if err != nil {
		return time.Time{}, fmt.Errorf("timeparsing: invalid amount in %q: %w", s, err)
	}
	if m[1] == "-" {
		n = -n
	}

	switch strings.ToLower(m[3]) {
	case "h":
		return now.Add(time.Duration(n) * time.Hour), nil
	case "d":
		return now.AddDate(0, 0, n), nil
	case "w":
		return now.AddDate(0, 0, 7*n), nil
	case "m":
		return now.AddDate(0, n, 0), nil
	case "y":
		return now.AddDate(n, 0, 0), nil
	default:
		return time.Time{}, fmt.Errorf("timeparsing: unknown unit in %q", s)
	}
}
