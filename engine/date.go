package engine

import (
	"fmt"
	"time"
)

// =============================================================================
// DATE - Day-granularity point in time (due dates, payment dates, sweeps)
// =============================================================================

// Date is a calendar day in UTC. Everything the engine schedules or compares
// (due dates, payment dates, overdue sweeps) happens at day granularity.
type Date struct {
	t time.Time
}

func NewDate(year int, month time.Month, day int) Date {
	return Date{t: time.Date(year, month, day, 0, 0, 0, 0, time.UTC)}
}

// DateOf truncates a time.Time to its UTC calendar day.
func DateOf(t time.Time) Date {
	u := t.UTC()
	return NewDate(u.Year(), u.Month(), u.Day())
}

func Today() Date { return DateOf(time.Now()) }

// ParseDate parses a YYYY-MM-DD string.
func ParseDate(s string) (Date, error) {
	t, err := time.Parse("2006-01-02", s)
	if err != nil {
		return Date{}, fmt.Errorf("parse date %q: %w", s, err)
	}
	return DateOf(t), nil
}

// Comparison
func (d Date) Before(o Date) bool        { return d.t.Before(o.t) }
func (d Date) After(o Date) bool         { return d.t.After(o.t) }
func (d Date) Equal(o Date) bool         { return d.t.Equal(o.t) }
func (d Date) BeforeOrEqual(o Date) bool { return !d.After(o) }
func (d Date) AfterOrEqual(o Date) bool  { return !d.Before(o) }

// Arithmetic
func (d Date) AddDays(n int) Date   { return Date{t: d.t.AddDate(0, 0, n)} }
func (d Date) AddMonths(n int) Date { return Date{t: d.t.AddDate(0, n, 0)} }

func (d Date) IsZero() bool    { return d.t.IsZero() }
func (d Date) Time() time.Time { return d.t }
func (d Date) String() string  { return d.t.Format("2006-01-02") }

// DaysBetween returns the whole days from one date to another.
// Negative when to is before from.
func DaysBetween(from, to Date) int {
	return int(to.t.Sub(from.t).Hours() / 24)
}

// =============================================================================
// PERIOD - Reporting period a premium is assessed for
// =============================================================================

// Period identifies one quarterly reporting period, e.g. 2025-Q1.
// Premiums, invoices, penalties, and reconciliations are all scoped to a
// (institution, period) pair.
type Period struct {
	Year    int
	Quarter int // 1..4
}

func NewPeriod(year, quarter int) Period { return Period{Year: year, Quarter: quarter} }

// ParsePeriod parses a YYYY-Qn label, e.g. "2025-Q3".
func ParsePeriod(s string) (Period, error) {
	var p Period
	if _, err := fmt.Sscanf(s, "%d-Q%d", &p.Year, &p.Quarter); err != nil {
		return Period{}, fmt.Errorf("parse period %q: %w", s, err)
	}
	if !p.Valid() {
		return Period{}, fmt.Errorf("parse period %q: quarter out of range", s)
	}
	return p, nil
}

func (p Period) Valid() bool {
	return p.Year > 0 && p.Quarter >= 1 && p.Quarter <= 4
}

func (p Period) String() string {
	return fmt.Sprintf("%d-Q%d", p.Year, p.Quarter)
}

// Start returns the first day of the period.
func (p Period) Start() Date {
	return NewDate(p.Year, time.Month((p.Quarter-1)*3+1), 1)
}

// End returns the last day of the period.
func (p Period) End() Date {
	return p.Next().Start().AddDays(-1)
}

func (p Period) Next() Period {
	if p.Quarter == 4 {
		return Period{Year: p.Year + 1, Quarter: 1}
	}
	return Period{Year: p.Year, Quarter: p.Quarter + 1}
}

func (p Period) Previous() Period {
	if p.Quarter == 1 {
		return Period{Year: p.Year - 1, Quarter: 4}
	}
	return Period{Year: p.Year, Quarter: p.Quarter - 1}
}

func (p Period) Contains(d Date) bool {
	return d.AfterOrEqual(p.Start()) && d.BeforeOrEqual(p.End())
}

// PeriodFor returns the period containing a date.
func PeriodFor(d Date) Period {
	return Period{Year: d.t.Year(), Quarter: (int(d.t.Month())-1)/3 + 1}
}
