package billing

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/subscriptionfu/pkg/gateway"
)

func date(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 9, 30, 0, 0, time.UTC)
}

func TestAddMonths(t *testing.T) {
	tests := []struct {
		in   time.Time
		n    int
		want time.Time
	}{
		{date(2023, time.January, 31), 1, date(2023, time.February, 28)},
		{date(2024, time.January, 31), 1, date(2024, time.February, 29)},
		{date(2024, time.March, 31), 1, date(2024, time.April, 30)},
		{date(2024, time.January, 15), 1, date(2024, time.February, 15)},
		{date(2024, time.December, 31), 1, date(2025, time.January, 31)},
		{date(2024, time.August, 31), 6, date(2025, time.February, 28)},
		{date(2024, time.March, 31), -1, date(2024, time.February, 29)},
	}
	for _, tt := range tests {
		t.Run(tt.in.Format("2006-01-02"), func(t *testing.T) {
			assert.Equal(t, tt.want, AddMonths(tt.in, tt.n))
		})
	}
}

func TestBillingDates_EstimatedNext(t *testing.T) {
	assert.Nil(t, BillingDates{}.EstimatedNext())

	last := date(2023, time.January, 31)
	est := BillingDates{Last: &last}.EstimatedNext()
	require.NotNil(t, est)
	assert.Equal(t, date(2023, time.February, 28), *est)

	leap := date(2024, time.January, 31)
	est = BillingDates{Last: &leap}.EstimatedNext()
	require.NotNil(t, est)
	assert.Equal(t, date(2024, time.February, 29), *est)
}

func TestBillingDatesFrom(t *testing.T) {
	assert.Equal(t, BillingDates{}, BillingDatesFrom(nil))

	next, last := date(2024, time.March, 1), date(2024, time.February, 1)
	dates := BillingDatesFrom(&gateway.RecurringDetails{NextBillingDate: &next, LastPaymentDate: &last})
	assert.Equal(t, &next, dates.Next)
	assert.Equal(t, &last, dates.Last)
}

func TestSuccessorBillingStart(t *testing.T) {
	now := date(2024, time.May, 5)
	canceled := date(2024, time.April, 20)
	next := date(2024, time.May, 10)
	last := date(2024, time.April, 30)

	sub := validSubscription()
	assert.Equal(t, now, SuccessorBillingStart(sub, BillingDates{}, now), "falls back to now")
	assert.Equal(t, date(2024, time.May, 30), SuccessorBillingStart(sub, BillingDates{Last: &last}, now), "estimate")
	assert.Equal(t, next, SuccessorBillingStart(sub, BillingDates{Next: &next, Last: &last}, now), "gateway next date")

	sub.CanceledAt = &canceled
	sub.CancelReason = CancelReasonCancel
	assert.Equal(t, canceled, SuccessorBillingStart(sub, BillingDates{Next: &next}, now), "cancellation wins")
}
