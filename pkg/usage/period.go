package usage

import "time"

// PeriodFor returns the monthly period containing now, aligned to anchor.
// Periods start on the anchor's day of month at the anchor's time of day.
// When a month is shorter than the anchor day the period starts on its last
// day instead, so an anchor on the 31st yields Feb 28 (or 29).
func PeriodFor(anchor, now time.Time) (start, end time.Time) {
	anchor = anchor.UTC()
	now = now.UTC()

	months := (now.Year()-anchor.Year())*12 + int(now.Month()-anchor.Month())
	start = addMonths(anchor, months)
	if start.After(now) {
		months--
		start = addMonths(anchor, months)
	}
	return start, addMonths(anchor, months+1)
}

// addMonths shifts anchor by n calendar months, clamping the day.
func addMonths(anchor time.Time, n int) time.Time {
	first := time.Date(anchor.Year(), anchor.Month()+time.Month(n), 1,
		anchor.Hour(), anchor.Minute(), anchor.Second(), anchor.Nanosecond(), time.UTC)
	lastDay := first.AddDate(0, 1, -1).Day()
	day := anchor.Day()
	if day > lastDay {
		day = lastDay
	}
	return time.Date(first.Year(), first.Month(), day,
		anchor.Hour(), anchor.Minute(), anchor.Second(), anchor.Nanosecond(), time.UTC)
}
