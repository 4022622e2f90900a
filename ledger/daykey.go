// daykey.go - Calendar-day identifiers for rate-limit buckets and streaks.
//
// A DayKey names one UTC calendar day ("2025-03-10"). Day keys are used as
// rate-limit bucket identifiers and as the unit of the daily-login state
// machine. All day math is done in UTC so the bucket a mutation lands in does
// not depend on which service instance handled it.
package ledger

import "time"

const dayKeyLayout = "2006-01-02"

// DayKey identifies one UTC calendar day.
type DayKey string

// DayKeyAt returns the day key for the given instant.
func DayKeyAt(t time.Time) DayKey {
	return DayKey(t.UTC().Format(dayKeyLayout))
}

// Today returns the current day key.
func Today() DayKey {
	return DayKeyAt(time.Now())
}

// Time returns midnight UTC of the day, or the zero time for a malformed key.
func (d DayKey) Time() time.Time {
	t, err := time.Parse(dayKeyLayout, string(d))
	if err != nil {
		return time.Time{}
	}
	return t
}

// Next returns the key of the following calendar day.
func (d DayKey) Next() DayKey {
	return DayKeyAt(d.Time().AddDate(0, 0, 1))
}

// Prev returns the key of the preceding calendar day.
func (d DayKey) Prev() DayKey {
	return DayKeyAt(d.Time().AddDate(0, 0, -1))
}
