package jobs

import (
	"fmt"
	"regexp"
	"strconv"
	"time"
)

var durationPattern = regexp.MustCompile(`^(?:(\d+)d)?(?:(\d+)h)?(?:(\d+)m)?(?:(\d+)s)?$`)

// FormatDuration renders seconds as e.g. "1h1m1s". Zero units are left
// out, and seconds are dropped once the duration is a day or longer.
func FormatDuration(seconds int64) string {
	if seconds < 0 {
		seconds = 0
	}
	m, s := seconds/60, seconds%60
	h, m := m/60, m%60
	d, h := h/24, h%24

	value := ""
	if d > 0 {
		value += fmt.Sprintf("%dd", d)
	}
	if h > 0 {
		value += fmt.Sprintf("%dh", h)
	}
	if m > 0 {
		value += fmt.Sprintf("%dm", m)
	}
	if (s > 0 && d == 0) || value == "" {
		value += fmt.Sprintf("%ds", s)
	}
	return value
}

// FormatSince formats the time elapsed between from and now.
func FormatSince(from, now time.Time) string {
	return FormatDuration(int64(now.Sub(from).Seconds()))
}

// ParseDuration is the inverse of FormatDuration.
func ParseDuration(value string) (int64, error) {
	match := durationPattern.FindStringSubmatch(value)
	if value == "" || match == nil {
		return 0, fmt.Errorf("invalid duration %q", value)
	}

	multipliers := []int64{86400, 3600, 60, 1}
	var total int64
	for i, mult := range multipliers {
		if match[i+1] == "" {
			continue
		}
		n, err := strconv.ParseInt(match[i+1], 10, 64)
		if err != nil {
			return 0, fmt.Errorf("invalid duration %q: %w", value, err)
		}
		total += n * mult
	}
	return total, nil
}
