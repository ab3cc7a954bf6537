// Package period resolves registry reporting periods relative to a clock.
package period

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// DefaultOffset selects the period immediately preceding the current one.
const DefaultOffset = -1

// ErrUnknownPeriodType is returned for calendar schemes the calculator does not know.
// It is a configuration error: retrying with the same dataset cannot succeed.
var ErrUnknownPeriodType = errors.New("unknown period type")

// Type is a registry calendar scheme, e.g. "Monthly".
type Type string

const (
	Daily          Type = "Daily"
	Weekly         Type = "Weekly"
	Monthly        Type = "Monthly"
	BiMonthly      Type = "BiMonthly"
	Quarterly      Type = "Quarterly"
	SixMonthly     Type = "SixMonthly"
	Yearly         Type = "Yearly"
	FinancialApril Type = "FinancialApril"
	FinancialJuly  Type = "FinancialJuly"
	FinancialOct   Type = "FinancialOct"
)

var known = []Type{Daily, Weekly, Monthly, BiMonthly, Quarterly, SixMonthly, Yearly, FinancialApril, FinancialJuly, FinancialOct}

// ParseType matches s case-insensitively against the supported schemes.
func ParseType(s string) (Type, error) {
	s = strings.TrimSpace(s)
	for _, t := range known {
		if strings.EqualFold(s, string(t)) {
			return t, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownPeriodType, s)
}

// Period is a derived reporting period. It is never persisted.
type Period struct {
	Type   Type
	ID     string
	Start  time.Time
	Offset int
}

func (p Period) String() string { return p.ID }

// Calculator computes periods against Now. A nil Now uses time.Now.
type Calculator struct {
	Now      func() time.Time
	Location *time.Location
}

func (c Calculator) now() time.Time {
	now := time.Now
	if c.Now != nil {
		now = c.Now
	}
	t := now()
	if c.Location != nil {
		t = t.In(c.Location)
	}
	return t
}

// Current returns the period that lies offset periods away from the one containing now.
func (c Calculator) Current(periodType string, offset int) (Period, error) {
	t, err := ParseType(periodType)
	if err != nil {
		return Period{}, err
	}
	return At(c.now(), t, offset), nil
}

// At computes the period of type t containing now, shifted by offset periods.
func At(now time.Time, t Type, offset int) Period {
	loc := now.Location()
	day := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, loc)

	p := Period{Type: t, Offset: offset}
	switch t {
	case Daily:
		p.Start = day.AddDate(0, 0, offset)
		p.ID = p.Start.Format("20060102")
	case Weekly:
		// ISO weeks start on Monday.
		wd := (int(day.Weekday()) + 6) % 7
		p.Start = day.AddDate(0, 0, -wd+7*offset)
		y, w := p.Start.ISOWeek()
		p.ID = fmt.Sprintf("%dW%d", y, w)
	case Monthly:
		p.Start = monthAligned(now, 1, 1, offset)
		p.ID = p.Start.Format("200601")
	case BiMonthly:
		p.Start = monthAligned(now, 2, 1, offset)
		p.ID = fmt.Sprintf("%d%02dB", p.Start.Year(), (int(p.Start.Month())-1)/2+1)
	case Quarterly:
		p.Start = monthAligned(now, 3, 1, offset)
		p.ID = fmt.Sprintf("%dQ%d", p.Start.Year(), (int(p.Start.Month())-1)/3+1)
	case SixMonthly:
		p.Start = monthAligned(now, 6, 1, offset)
		p.ID = fmt.Sprintf("%dS%d", p.Start.Year(), (int(p.Start.Month())-1)/6+1)
	case Yearly:
		p.Start = monthAligned(now, 12, 1, offset)
		p.ID = fmt.Sprintf("%d", p.Start.Year())
	case FinancialApril:
		p.Start = monthAligned(now, 12, 4, offset)
		p.ID = fmt.Sprintf("%dApril", p.Start.Year())
	case FinancialJuly:
		p.Start = monthAligned(now, 12, 7, offset)
		p.ID = fmt.Sprintf("%dJuly", p.Start.Year())
	case FinancialOct:
		p.Start = monthAligned(now, 12, 10, offset)
		p.ID = fmt.Sprintf("%dOct", p.Start.Year())
	}
	return p
}

// monthAligned returns the first day of the span of n months (anchored at
// startMonth) containing now, moved by offset spans.
func monthAligned(now time.Time, n, startMonth, offset int) time.Time {
	m := now.Year()*12 + int(now.Month()) - startMonth
	idx := floorDiv(m, n) + offset
	first := idx*n + startMonth - 1
	return time.Date(floorDiv(first, 12), time.Month(first-floorDiv(first, 12)*12+1), 1, 0, 0, 0, 0, now.Location())
}

func floorDiv(a, b int) int {
	q := a / b
	if (a%b != 0) && ((a < 0) != (b < 0)) {
		q--
	}
	return q
}
