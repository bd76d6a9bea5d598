// Package units parses and formats byte sizes for user facing input and output.
package units

import (
	"fmt"
	"strings"

	"github.com/dustin/go-humanize"
)

// ParseSize accepts sizes such as "512M", "20G", "1.5T", "4GiB" or a plain
// byte count. Single letter suffixes are decimal, matching parted's units.
func ParseSize(s string) (uint64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("empty size")
	}
	if strings.HasPrefix(s, "-") {
		return 0, fmt.Errorf("size %q must not be negative", s)
	}
	n, err := humanize.ParseBytes(s)
	if err != nil {
		return 0, fmt.Errorf("invalid size %q: %w", s, err)
	}
	if n == 0 {
		return 0, fmt.Errorf("size %q must be greater than zero", s)
	}
	return n, nil
}

// FormatSize renders bytes with decimal units, e.g. "500 GB"
func FormatSize(n uint64) string {
	return humanize.Bytes(n)
}

// FormatIEC renders bytes with binary units, e.g. "465 GiB"
func FormatIEC(n uint64) string {
	return humanize.IBytes(n)
}

// Percent returns used/(used+available) as a percentage
func Percent(used, available uint64) float64 {
	total := used + available
	if total == 0 {
		return 0
	}
	return float64(used) / float64(total) * 100
}
