package budget

import "time"

// DayStart returns 00:00 UTC of t's calendar day.
func DayStart(t time.Time) time.Time {
	u := t.UTC()
	return time.Date(u.Year(), u.Month(), u.Day(), 0, 0, 0, 0, time.UTC)
}

// WeekStart returns Monday 00:00 UTC of t's ISO week.
func WeekStart(t time.Time) time.Time {
	day := DayStart(t)
	offset := (int(day.Weekday()) + 6) % 7 // Monday=0 ... Sunday=6
	return day.AddDate(0, 0, -offset)
}

// MonthStart returns 00:00 UTC on the first day of t's calendar month.
func MonthStart(t time.Time) time.Time {
	u := t.UTC()
	return time.Date(u.Year(), u.Month(), 1, 0, 0, 0, 0, time.UTC)
}

// WindowStart returns the start of the window containing t.
func WindowStart(w Window, t time.Time) time.Time {
	switch w {
	case WindowWeekly:
		return WeekStart(t)
	case WindowMonthly:
		return MonthStart(t)
	default:
		return DayStart(t)
	}
}
