// Package bytesize parses and formats human-readable byte sizes such as "64MB" or "5Mi".
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

// sizePattern matches "100MB", "1.5 GB", "1024".
var sizePattern = regexp.MustCompile(`^\s*(\d+(?:\.\d+)?)\s*([a-zA-Z]*)\s*$`)

var multipliers = map[string]int64{
	"": B, "B": B,
	"K": KB, "KB": KB, "KI": KB, "KIB": KB,
	"M": MB, "MB": MB, "MI": MB, "MIB": MB,
	"G": GB, "GB": GB, "GI": GB, "GIB": GB,
	"T": TB, "TB": TB, "TI": TB, "TIB": TB,
}

// Parse converts a size string into bytes. Units are case-insensitive and
// binary; a bare number is bytes.
func Parse(s string) (int64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("empty size string")
	}

	m := sizePattern.FindStringSubmatch(s)
	if m == nil {
		return 0, fmt.Errorf("invalid size format: %q", s)
	}
	value, err := strconv.ParseFloat(m[1], 64)
	if err != nil {
		return 0, fmt.Errorf("invalid number: %q", m[1])
	}
	mult, ok := multipliers[strings.ToUpper(m[2])]
	if !ok {
		return 0, fmt.Errorf("unknown unit: %q", m[2])
	}
	return int64(value * float64(mult)), nil
}

// Format renders bytes with two decimals in the largest fitting unit.
func Format(bytes int64) string {
	for _, u := range []struct {
		size int64
		name string
	}{{TB, "TB"}, {GB, "GB"}, {MB, "MB"}, {KB, "KB"}} {
		if bytes >= u.size {
			return fmt.Sprintf("%.2f %s", float64(bytes)/float64(u.size), u.name)
		}
	}
	return fmt.Sprintf("%d B", bytes)
}

// Size is a byte count that unmarshals from YAML as a number of bytes or a
// string with units.
type Size int64

// UnmarshalYAML implements yaml.Unmarshaler.
func (s *Size) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var i int64
	if err := unmarshal(&i); err == nil {
		*s = Size(i)
		return nil
	}
	var str string
	if err := unmarshal(&str); err != nil {
		return fmt.Errorf("size must be a number or a string with units (e.g. 64MB)")
	}
	n, err := Parse(str)
	if err != nil {
		return fmt.Errorf("invalid size %q: %w", str, err)
	}
	*s = Size(n)
	return nil
}

// Bytes returns the size in bytes.
func (s Size) Bytes() int64 {
	return int64(s)
}

func (s Size) String() string {
	return Format(int64(s))
}
