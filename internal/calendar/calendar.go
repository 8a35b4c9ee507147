// Package calendar provides trading-day arithmetic for the batch pipeline.
package calendar

import "time"

// TradingCalendar answers which calendar days the market is open.
// The pipeline treats this as a collaborator so exchange-specific
// holiday calendars can be plugged in without touching the runners.
type TradingCalendar interface {
	IsTradingDay(t time.Time) bool
	// MostRecentTradingDay returns the latest trading day at or before t.
	MostRecentTradingDay(t time.Time) time.Time
	// TradingDaysBetween returns all trading days in (after, until],
	// ascending. Returns nil when the range is empty.
	TradingDaysBetween(after, until time.Time) []time.Time
}

// WeekdayCalendar is a trading calendar that treats every weekday as a
// trading day. Exchange holidays are not modelled; a missed holiday run
// simply processes a day with no new bars.
type WeekdayCalendar struct{}

// NewWeekdayCalendar creates a weekday-only trading calendar.
func NewWeekdayCalendar() *WeekdayCalendar {
	return &WeekdayCalendar{}
}

// IsTradingDay reports whether t falls on a weekday.
func (c *WeekdayCalendar) IsTradingDay(t time.Time) bool {
	wd := t.Weekday()
	return wd != time.Saturday && wd != time.Sunday
}

// MostRecentTradingDay returns the latest weekday at or before t.
func (c *WeekdayCalendar) MostRecentTradingDay(t time.Time) time.Time {
	day := truncate(t)
	for !c.IsTradingDay(day) {
		day = day.AddDate(0, 0, -1)
	}
	return day
}

// TradingDaysBetween returns all weekdays in (after, until], ascending.
func (c *WeekdayCalendar) TradingDaysBetween(after, until time.Time) []time.Time {
	var days []time.Time

	day := truncate(after).AddDate(0, 0, 1)
	end := truncate(until)
	for !day.After(end) {
		if c.IsTradingDay(day) {
			days = append(days, day)
		}
		day = day.AddDate(0, 0, 1)
	}

	return days
}

// truncate drops the time-of-day component, keeping UTC dates stable
// regardless of the server timezone.
func truncate(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}
