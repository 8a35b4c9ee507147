package calendar

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func date(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func TestIsTradingDay(t *testing.T) {
	cal := NewWeekdayCalendar()

	assert.True(t, cal.IsTradingDay(date(2025, time.October, 17)))  // Friday
	assert.False(t, cal.IsTradingDay(date(2025, time.October, 18))) // Saturday
	assert.False(t, cal.IsTradingDay(date(2025, time.October, 19))) // Sunday
	assert.True(t, cal.IsTradingDay(date(2025, time.October, 20)))  // Monday
}

func TestMostRecentTradingDay(t *testing.T) {
	cal := NewWeekdayCalendar()

	// Sunday resolves back to Friday
	got := cal.MostRecentTradingDay(date(2025, time.October, 19))
	assert.Equal(t, date(2025, time.October, 17), got)

	// A weekday resolves to itself
	got = cal.MostRecentTradingDay(date(2025, time.October, 16))
	assert.Equal(t, date(2025, time.October, 16), got)

	// Time-of-day is dropped
	got = cal.MostRecentTradingDay(time.Date(2025, time.October, 16, 14, 30, 0, 0, time.UTC))
	assert.Equal(t, date(2025, time.October, 16), got)
}

func TestTradingDaysBetween(t *testing.T) {
	cal := NewWeekdayCalendar()

	// Thursday -> next Tuesday: Fri, Mon, Tue
	days := cal.TradingDaysBetween(date(2025, time.October, 16), date(2025, time.October, 21))
	assert.Equal(t, []time.Time{
		date(2025, time.October, 17),
		date(2025, time.October, 20),
		date(2025, time.October, 21),
	}, days)

	// Empty range
	assert.Nil(t, cal.TradingDaysBetween(date(2025, time.October, 17), date(2025, time.October, 17)))

	// Weekend-only range
	assert.Nil(t, cal.TradingDaysBetween(date(2025, time.October, 17), date(2025, time.October, 19)))
}
