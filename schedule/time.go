package schedule

import (
	"fmt"
	"time"
)

// =============================================================================
// DAY DATE - Day-granularity calendar date (UTC)
// =============================================================================

// DayDate is a calendar date with no time-of-day component.
// All schedule resolution and billing math is keyed by whole days;
// time-of-day lives in ClockTime.
type DayDate struct {
	Time time.Time
}

func NewDayDate(year int, month time.Month, day int) DayDate {
	return DayDate{Time: time.Date(year, month, day, 0, 0, 0, 0, time.UTC)}
}

// DayOf truncates an instant to its calendar date.
func DayOf(t time.Time) DayDate {
	t = t.UTC()
	return NewDayDate(t.Year(), t.Month(), t.Day())
}

// ParseDayDate parses "2006-01-02".
func ParseDayDate(s string) (DayDate, error) {
	t, err := time.Parse("2006-01-02", s)
	if err != nil {
		return DayDate{}, fmt.Errorf("invalid date %q: %w", s, err)
	}
	return DayOf(t), nil
}

// Comparison
func (d DayDate) Before(other DayDate) bool        { return d.Time.Before(other.Time) }
func (d DayDate) After(other DayDate) bool         { return d.Time.After(other.Time) }
func (d DayDate) Equal(other DayDate) bool         { return d.Time.Equal(other.Time) }
func (d DayDate) BeforeOrEqual(other DayDate) bool { return !d.After(other) }
func (d DayDate) AfterOrEqual(other DayDate) bool  { return !d.Before(other) }

// Arithmetic
func (d DayDate) AddDays(n int) DayDate   { return DayDate{Time: d.Time.AddDate(0, 0, n)} }
func (d DayDate) AddMonths(n int) DayDate { return DayDate{Time: d.Time.AddDate(0, n, 0)} }

// Properties
func (d DayDate) Year() int             { return d.Time.Year() }
func (d DayDate) Month() time.Month     { return d.Time.Month() }
func (d DayDate) Day() int              { return d.Time.Day() }
func (d DayDate) Weekday() time.Weekday { return d.Time.Weekday() }
func (d DayDate) IsZero() bool          { return d.Time.IsZero() }

// SlotWeekday maps the date onto the 1-5 (Monday-Friday) weekday numbering
// used by recurring assignments. Weekend dates return 0: the gym runs no
// recurring classes on weekends.
func (d DayDate) SlotWeekday() int {
	switch wd := d.Weekday(); wd {
	case time.Saturday, time.Sunday:
		return 0
	default:
		return int(wd)
	}
}

func (d DayDate) IsWeekend() bool { return d.SlotWeekday() == 0 }

func (d DayDate) String() string { return d.Time.Format("2006-01-02") }

// FirstOfNextMonth returns the first day of the month after d.
// Member deactivation always takes effect on this boundary.
func FirstOfNextMonth(d DayDate) DayDate {
	ym := YearMonth{Year: d.Year(), Month: d.Month()}.Next()
	return ym.First()
}

// =============================================================================
// CLOCK TIME - Time of day as minutes since midnight
// =============================================================================

// ClockTime is a time of day, stored as minutes since midnight.
// Integer minutes avoid timezone and DST ambiguity in slot keys.
type ClockTime int

func NewClockTime(hour, minute int) ClockTime {
	return ClockTime(hour*60 + minute)
}

// ParseClockTime parses "15:04".
func ParseClockTime(s string) (ClockTime, error) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return 0, fmt.Errorf("invalid time %q: %w", s, err)
	}
	return NewClockTime(t.Hour(), t.Minute()), nil
}

func (c ClockTime) Hour() int    { return int(c) / 60 }
func (c ClockTime) Minute() int  { return int(c) % 60 }
func (c ClockTime) Minutes() int { return int(c) }

// At anchors the clock time on a concrete date, producing an instant.
func (c ClockTime) At(d DayDate) time.Time {
	return time.Date(d.Year(), d.Month(), d.Day(), c.Hour(), c.Minute(), 0, 0, time.UTC)
}

func (c ClockTime) String() string { return fmt.Sprintf("%02d:%02d", c.Hour(), c.Minute()) }

// =============================================================================
// YEAR MONTH - Billing and resolution period
// =============================================================================

// YearMonth identifies one calendar month. Invoices are keyed by it, and
// the resolver always expands exactly one YearMonth at a time.
type YearMonth struct {
	Year  int
	Month time.Month
}

func YearMonthOf(t time.Time) YearMonth {
	t = t.UTC()
	return YearMonth{Year: t.Year(), Month: t.Month()}
}

// ParseYearMonth parses "2006-01".
func ParseYearMonth(s string) (YearMonth, error) {
	t, err := time.Parse("2006-01", s)
	if err != nil {
		return YearMonth{}, fmt.Errorf("invalid month %q: %w", s, err)
	}
	return YearMonth{Year: t.Year(), Month: t.Month()}, nil
}

func (ym YearMonth) Prev() YearMonth {
	first := ym.First().AddMonths(-1)
	return YearMonth{Year: first.Year(), Month: first.Month()}
}

func (ym YearMonth) Next() YearMonth {
	first := ym.First().AddMonths(1)
	return YearMonth{Year: first.Year(), Month: first.Month()}
}

func (ym YearMonth) First() DayDate { return NewDayDate(ym.Year, ym.Month, 1) }

func (ym YearMonth) Last() DayDate { return ym.Next().First().AddDays(-1) }

func (ym YearMonth) Contains(d DayDate) bool {
	return d.Year() == ym.Year && d.Month() == ym.Month
}

// Days returns every calendar day of the month in order.
func (ym YearMonth) Days() []DayDate {
	var days []DayDate
	last := ym.Last()
	for d := ym.First(); d.BeforeOrEqual(last); d = d.AddDays(1) {
		days = append(days, d)
	}
	return days
}

func (ym YearMonth) String() string { return fmt.Sprintf("%04d-%02d", ym.Year, int(ym.Month)) }

// =============================================================================
// SLOT KEY - The identity of one class occurrence / vacancy
// =============================================================================

// SlotKey identifies a single class occurrence: one date, one time window.
// Cancellations, vacancies and variable bookings all share this key, which
// is what makes "one cancellation opens exactly one seat" enforceable.
type SlotKey struct {
	Date  DayDate
	Start ClockTime
	End   ClockTime
}

func (k SlotKey) StartAt() time.Time { return k.Start.At(k.Date) }

func (k SlotKey) String() string {
	return fmt.Sprintf("%s %s-%s", k.Date, k.Start, k.End)
}
