package policy

import (
	"fmt"
	"time"
)

func parseClock(s string) (int, error) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return 0, fmt.Errorf("invalid time %q: want HH:MM", s)
	}
	return t.Hour()*60 + t.Minute(), nil
}

// Location resolves the window's timezone; empty means UTC.
func (w *TimeWindow) Location() (*time.Location, error) {
	if w.Timezone == "" {
		return time.UTC, nil
	}
	return time.LoadLocation(w.Timezone)
}

// Validate checks the bounds and timezone.
func (w *TimeWindow) Validate() error {
	if _, err := parseClock(w.Start); err != nil {
		return err
	}
	if _, err := parseClock(w.End); err != nil {
		return err
	}
	if _, err := w.Location(); err != nil {
		return fmt.Errorf("invalid timezone %q: %w", w.Timezone, err)
	}
	return nil
}

// Contains reports whether t falls inside the window, in the window's timezone.
// Start is inclusive and End exclusive.
func (w *TimeWindow) Contains(t time.Time) (bool, error) {
	start, err := parseClock(w.Start)
	if err != nil {
		return false, err
	}
	end, err := parseClock(w.End)
	if err != nil {
		return false, err
	}
	loc, err := w.Location()
	if err != nil {
		return false, err
	}
	local := t.In(loc)
	m := local.Hour()*60 + local.Minute()

	switch {
	case start == end:
		return true, nil
	case start < end:
		return m >= start && m < end, nil
	default: // spans midnight
		return m >= start || m < end, nil
	}
}
