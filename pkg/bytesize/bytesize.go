// Package bytesize parses and formats byte sizes such as asset store quotas.
package bytesize

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// Binary byte size units.
const (
	B  int64 = 1
	KB int64 = 1024
	MB int64 = 1024 * KB
	GB int64 = 1024 * MB
	TB int64 = 1024 * GB
)

// sizePattern matches size strings like "100MB", "1.5 GB", "1024"
var sizePattern = regexp.MustCompile(`^\s*(\d+(?:\.\d+)?)\s*([a-zA-Z]*)\s*$`)

var multipliers = map[string]int64{
	"": B, "B": B,
	"K": KB, "KB": KB, "KI": KB, "KIB": KB,
	"M": MB, "MB": MB, "MI": MB, "MIB": MB,
	"G": GB, "GB": GB, "GI": GB, "GIB": GB,
	"T": TB, "TB": TB, "TI": TB, "TIB": TB,
}

// Parse parses a byte size string like "100MB", "1.5GB", "10Gi" or "1024".
// Units are case-insensitive; a bare number is bytes.
func Parse(s string) (int64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("empty size string")
	}

	matches := sizePattern.FindStringSubmatch(s)
	if matches == nil {
		return 0, fmt.Errorf("invalid size format: %q", s)
	}

	value, err := strconv.ParseFloat(matches[1], 64)
	if err != nil {
		return 0, fmt.Errorf("invalid number: %q", matches[1])
	}

	multiplier, ok := multipliers[strings.ToUpper(matches[2])]
	if !ok {
		return 0, fmt.Errorf("unknown unit: %q", matches[2])
	}

	return int64(value * float64(multiplier)), nil
}

// Format formats a byte count into a human-readable string.
func Format(bytes int64) string {
	switch {
	case bytes >= TB:
		return fmt.Sprintf("%.2f TB", float64(bytes)/float64(TB))
	case bytes >= GB:
		return fmt.Sprintf("%.2f GB", float64(bytes)/float64(GB))
	case bytes >= MB:
		return fmt.Sprintf("%.2f MB", float64(bytes)/float64(MB))
	case bytes >= KB:
		return fmt.Sprintf("%.2f KB", float64(bytes)/float64(KB))
	default:
		return fmt.Sprintf("%d B", bytes)
	}
}

// Size is a byte size that can be unmarshaled from YAML as either
// a number (bytes) or a string with units ("10Gi", "500MB").
type Size int64

// UnmarshalYAML implements yaml.Unmarshaler for Size.
func (s *Size) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var i int64
	if err := unmarshal(&i); err == nil {
		*s = Size(i)
		return nil
	}

	var str string
	if err := unmarshal(&str); err != nil {
		return fmt.Errorf("size must be a number or string with units (e.g., 10Gi, 500MB)")
	}
	bytes, err := Parse(str)
	if err != nil {
		return fmt.Errorf("invalid size %q: %w", str, err)
	}
	*s = Size(bytes)
	return nil
}

// Bytes returns the size in bytes.
func (s Size) Bytes() int64 {
	return int64(s)
}

// String returns a human-readable representation.
func (s Size) String() string {
	return Format(int64(s))
}
