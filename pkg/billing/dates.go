package billing

import (
	"time"

	"github.com/platinummonkey/subscriptionfu/pkg/gateway"
)

// AddMonths moves t by n calendar months, clamping the day to the end of the
// target month (Jan 31 + 1 month is Feb 28 or Feb 29).
func AddMonths(t time.Time, n int) time.Time {
	y, m, d := t.Date()
	first := time.Date(y, m+time.Month(n), 1, t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), t.Location())
	if last := daysIn(first.Year(), first.Month(), t.Location()); d > last {
		d = last
	}
	return first.AddDate(0, 0, d-1)
}

func daysIn(year int, month time.Month, loc *time.Location) int {
	return time.Date(year, month+1, 0, 0, 0, 0, 0, loc).Day()
}

// BillingDates holds the gateway-reported dates of one subscription. The zero
// value describes a subscription without a gateway profile.
type BillingDates struct {
	Next *time.Time
	Last *time.Time
}

// BillingDatesFrom extracts dates from gateway profile details
func BillingDatesFrom(details *gateway.RecurringDetails) BillingDates {
	if details == nil {
		return BillingDates{}
	}
	return BillingDates{Next: details.NextBillingDate, Last: details.LastPaymentDate}
}

// EstimatedNext is one calendar month after the last payment, if known
func (d BillingDates) EstimatedNext() *time.Time {
	if d.Last == nil {
		return nil
	}
	next := AddMonths(*d.Last, 1)
	return &next
}

// SuccessorBillingStart resolves when a successor of sub starts billing: the
// cancellation date, else the next billing date, else the estimate, else now.
func SuccessorBillingStart(sub *Subscription, dates BillingDates, now time.Time) time.Time {
	switch {
	case sub.CanceledAt != nil:
		return *sub.CanceledAt
	case dates.Next != nil:
		return *dates.Next
	}
	if est := dates.EstimatedNext(); est != nil {
		return *est
	}
	return now
}
