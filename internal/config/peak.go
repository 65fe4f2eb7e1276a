package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// HourRange is a local-time hour range [From, To) with To exclusive.
// A range may wrap midnight (From > To, e.g. 22-02).
type HourRange struct {
	From int
	To   int
}

func (r HourRange) contains(hour int) bool {
	if r.From == r.To {
		return false
	}
	if r.From < r.To {
		return hour >= r.From && hour < r.To
	}
	// wraps midnight
	return hour >= r.From || hour < r.To
}

// PeakWindows is the set of configured peak-hour ranges.
type PeakWindows []HourRange

// Contains reports whether t falls inside any configured window.
// The caller is responsible for passing t already in the scheduler location.
func (w PeakWindows) Contains(t time.Time) bool {
	h := t.Hour()
	for _, r := range w {
		if r.contains(h) {
			return true
		}
	}
	return false
}

// ParsePeakWindows parses "HH-HH" entries (end hour exclusive).
func ParsePeakWindows(raw []string) (PeakWindows, error) {
	out := make(PeakWindows, 0, len(raw))
	for _, s := range raw {
		parts := strings.Split(strings.TrimSpace(s), "-")
		if len(parts) != 2 {
			return nil, fmt.Errorf("invalid window %q, expected HH-HH", s)
		}
		from, err := parseHour(parts[0])
		if err != nil {
			return nil, fmt.Errorf("invalid window %q: %w", s, err)
		}
		to, err := parseHour(parts[1])
		if err != nil {
			return nil, fmt.Errorf("invalid window %q: %w", s, err)
		}
		out = append(out, HourRange{From: from, To: to})
	}
	return out, nil
}

func parseHour(s string) (int, error) {
	h, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil || h < 0 || h > 23 {
		return 0, fmt.Errorf("hour %q out of range 0-23", s)
	}
	return h, nil
}
