// Package period parses coarse durations such as "30s", "2h", "8w" or "10y".
//
// These are the units accepted by the checker's -d flag and by result
// retention settings. A week is seven days and a year is 365 days.
package period

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// Calendar-ish units on top of time.Duration.
const (
	Day  = 24 * time.Hour
	Week = 7 * Day
	Year = 365 * Day
)

var periodPattern = regexp.MustCompile(`^\s*(\d+)\s*([a-zA-Z]+)\s*$`)

var units = map[string]time.Duration{
	"s": time.Second,
	"m": time.Minute,
	"h": time.Hour,
	"d": Day,
	"w": Week,
	"y": Year,
}

// Parse parses a period like "30s", "30m", "2h", "1d", "8w" or "10y".
// A unit is required and the amount must be a positive integer.
func Parse(s string) (time.Duration, error) {
	matches := periodPattern.FindStringSubmatch(s)
	if matches == nil {
		return 0, fmt.Errorf("invalid period: %q (expected <number><s|m|h|d|w|y>)", s)
	}

	n, err := strconv.ParseInt(matches[1], 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid period amount %q: %w", matches[1], err)
	}
	if n <= 0 {
		return 0, fmt.Errorf("period must be positive: %q", s)
	}

	unit, ok := units[strings.ToLower(matches[2])]
	if !ok {
		return 0, fmt.Errorf("unknown period unit: %q", matches[2])
	}
	if n > int64(1<<63-1)/int64(unit) {
		return 0, fmt.Errorf("period too large: %q", s)
	}

	return time.Duration(n) * unit, nil
}

// Period is a duration that unmarshals from YAML period strings.
type Period time.Duration

// UnmarshalYAML implements yaml.Unmarshaler for Period.
func (p *Period) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var str string
	if err := unmarshal(&str); err != nil {
		return fmt.Errorf("period must be a string like 30m, 8w or 10y")
	}
	d, err := Parse(str)
	if err != nil {
		return err
	}
	*p = Period(d)
	return nil
}

// Duration returns the period as a time.Duration.
func (p Period) Duration() time.Duration {
	return time.Duration(p)
}
