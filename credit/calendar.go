package credit

import (
	"time"
)

// =============================================================================
// CALENDAR - Date-only helpers for settlement scheduling
// =============================================================================

// Settlement dates are calendar days in UTC. Timestamps on transactions keep
// full precision; only the profile's settlement dates are truncated.

// DateOf truncates t to midnight UTC of the same calendar day.
func DateOf(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

func StartOfMonth(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
}

// NextSettlementDate is the first day of the month after t.
func NextSettlementDate(t time.Time) time.Time {
	return StartOfMonth(t).AddDate(0, 1, 0)
}

func SameDay(a, b time.Time) bool {
	return DateOf(a).Equal(DateOf(b))
}

// MonthsBetween counts calendar-month boundaries crossed from `from` to `to`.
// Day of month is ignored, so Jan 31 to Feb 1 is one month.
func MonthsBetween(from, to time.Time) int {
	from, to = from.UTC(), to.UTC()
	return (to.Year()-from.Year())*12 + int(to.Month()) - int(from.Month())
}

// SettlementDue reports whether a profile should be settled on day now:
// it has a scheduled date on or before today and was not settled today.
func SettlementDue(p *CreditProfile, now time.Time) bool {
	if p.NextSettlementDate == nil {
		return false
	}
	today := DateOf(now)
	if DateOf(*p.NextSettlementDate).After(today) {
		return false
	}
	if p.LastSettlementDate != nil && SameDay(*p.LastSettlementDate, today) {
		return false
	}
	return true
}
