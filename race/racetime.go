package race

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Hundredths converts a duration to the integer resolution race times are
// stored in.
func Hundredths(d time.Duration) int {
	if d < 0 {
		return 0
	}
	return int(d / (10 * time.Millisecond))
}

// FormatTime renders hundredths of a second as [h:]m:ss.hh. Negative values
// (no time) render as "--".
func FormatTime(hundredths int) string {
	if hundredths < 0 {
		return "--"
	}
	h := hundredths / 360000
	m := (hundredths / 6000) % 60
	s := (hundredths / 100) % 60
	cs := hundredths % 100
	if h > 0 {
		return fmt.Sprintf("%d:%02d:%02d.%02d", h, m, s, cs)
	}
	return fmt.Sprintf("%d:%02d.%02d", m, s, cs)
}

// ParseTime parses [[h:]m:]s[.hh] into hundredths of a second.
func ParseTime(s string) (int, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("empty time")
	}
	frac := 0
	if i := strings.IndexByte(s, '.'); i >= 0 {
		fs := s[i+1:]
		s = s[:i]
		if len(fs) == 0 || len(fs) > 2 {
			return 0, fmt.Errorf("bad fractional seconds %q", fs)
		}
		n, err := strconv.Atoi(fs)
		if err != nil || n < 0 {
			return 0, fmt.Errorf("bad fractional seconds %q", fs)
		}
		if len(fs) == 1 {
			n *= 10
		}
		frac = n
	}
	parts := strings.Split(s, ":")
	if len(parts) > 3 {
		return 0, fmt.Errorf("too many fields in %q", s)
	}
	total := 0
	for i, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil || n < 0 {
			return 0, fmt.Errorf("bad time field %q", p)
		}
		if i > 0 && n >= 60 {
			return 0, fmt.Errorf("time field %q out of range", p)
		}
		total = total*60 + n
	}
	return total*100 + frac, nil
}
