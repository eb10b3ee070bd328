package league

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ToUTC is the single conversion point for stored match times. Go times
// always carry a location, so a time built without an explicit zone is
// already UTC.
func ToUTC(t time.Time) time.Time { return t.UTC() }

// ScheduleArgs is a parsed "<month> <day> <h:mm[a|am|p|pm]>" triple.
type ScheduleArgs struct {
	Month  time.Month
	Day    int
	Hour   int
	Minute int
}

// ParseScheduleArgs parses the three schedule arguments. Hours without a
// suffix are read as 24-hour time.
func ParseScheduleArgs(args []string) (ScheduleArgs, error) {
	var out ScheduleArgs
	if len(args) != 3 {
		return out, fmt.Errorf("expected <month> <day> <time>: %w", ErrParse)
	}
	month, ok := parseMonth(args[0])
	if !ok {
		return out, fmt.Errorf("month %q: %w", args[0], ErrParse)
	}
	out.Month = month

	day, err := strconv.Atoi(args[1])
	if err != nil || day < 1 || day > 31 {
		return out, fmt.Errorf("day %q: %w", args[1], ErrParse)
	}
	out.Day = day

	hh, mm, found := strings.Cut(strings.ToLower(args[2]), ":")
	if !found {
		return out, fmt.Errorf("time %q: %w", args[2], ErrParse)
	}
	suffix := ""
	for _, s := range []string{"am", "pm", "a", "p"} {
		if strings.HasSuffix(mm, s) {
			suffix, mm = s[:1], strings.TrimSuffix(mm, s)
			break
		}
	}
	hour, err := strconv.Atoi(hh)
	if err != nil {
		return out, fmt.Errorf("hour %q: %w", hh, ErrParse)
	}
	minute, err := strconv.Atoi(mm)
	if err != nil || len(mm) != 2 || minute > 59 || minute < 0 {
		return out, fmt.Errorf("minute %q: %w", mm, ErrParse)
	}
	switch suffix {
	case "p":
		if hour < 1 || hour > 12 {
			return out, fmt.Errorf("hour %d: %w", hour, ErrParse)
		}
		if hour != 12 {
			hour += 12
		}
	case "a":
		if hour < 1 || hour > 12 {
			return out, fmt.Errorf("hour %d: %w", hour, ErrParse)
		}
		if hour == 12 {
			hour = 0
		}
	default:
		if hour < 0 || hour > 23 {
			return out, fmt.Errorf("hour %d: %w", hour, ErrParse)
		}
	}
	out.Hour, out.Minute = hour, minute
	return out, nil
}

// In resolves the arguments to an instant in loc. Dates that do not exist
// in the calendar (Feb 30) are rejected.
func (a ScheduleArgs) In(year int, loc *time.Location) (time.Time, error) {
	t := time.Date(year, a.Month, a.Day, a.Hour, a.Minute, 0, 0, loc)
	if t.Month() != a.Month || t.Day() != a.Day {
		return time.Time{}, fmt.Errorf("%s %d is not a date in %d: %w", a.Month, a.Day, year, ErrParse)
	}
	return t, nil
}

func parseMonth(s string) (time.Month, bool) {
	s = strings.ToLower(s)
	for m := time.January; m <= time.December; m++ {
		name := strings.ToLower(m.String())
		if s == name || (len(s) >= 3 && strings.HasPrefix(name, s)) {
			return m, true
		}
	}
	return 0, false
}

// TimeString renders t like "Saturday, Mar 9 @ 5:00pm EST".
func TimeString(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.Format("Monday, Jan 2 @ 3:04pm MST")
}

// TimeString24 renders t like "Saturday, Mar 9 @ 17:00 EST".
func TimeString24(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.Format("Monday, Jan 2 @ 15:04 MST")
}

// DateString renders t like "Saturday, Mar 9".
func DateString(t time.Time) string { return t.Format("Monday, Jan 2") }

// ClockString renders t like "5:00pm".
func ClockString(t time.Time) string { return t.Format("3:04pm") }

// SheetTimeString is the spreadsheet cell format.
func SheetTimeString(t time.Time) string { return t.Format("01/02/2006 15:04:05") }

// Ordinal renders 1 as "1st", 2 as "2nd" and so on.
func Ordinal(n int) string {
	suffix := "th"
	switch n % 100 {
	case 11, 12, 13:
	default:
		switch n % 10 {
		case 1:
			suffix = "st"
		case 2:
			suffix = "nd"
		case 3:
			suffix = "rd"
		}
	}
	return strconv.Itoa(n) + suffix
}

// RaceOrdinal names the nth race of a match.
func RaceOrdinal(n int) string {
	switch n {
	case 1:
		return "first"
	case 2:
		return "second"
	case 3:
		return "third"
	}
	return Ordinal(n)
}

// offsetString formats the UTC offset of loc at t as "UTC-5" or "UTC+5:30".
func offsetString(t time.Time, loc *time.Location) string {
	_, off := t.In(loc).Zone()
	sign := "+"
	if off < 0 {
		sign, off = "-", -off
	}
	h, m := off/3600, (off%3600)/60
	if m == 0 {
		return fmt.Sprintf("UTC%s%d", sign, h)
	}
	return fmt.Sprintf("UTC%s%d:%02d", sign, h, m)
}
