package dividend

import (
	"fmt"
	"time"
)

// Period is a half-open window [Start, End) in the configured zone.
type Period struct {
	Start time.Time
	End   time.Time
}

// Day returns the calendar day containing t, with boundaries at local
// midnight in loc.
func Day(t time.Time, loc *time.Location) Period {
	if loc == nil {
		loc = time.UTC
	}
	local := t.In(loc)
	start := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, loc)
	return Period{Start: start, End: start.AddDate(0, 0, 1)}
}

// Yesterday returns the full day before now in loc, independent of the time
// of day the job runs.
func Yesterday(now time.Time, loc *time.Location) Period {
	today := Day(now, loc)
	return Period{Start: today.Start.AddDate(0, 0, -1), End: today.Start}
}

// ParseDay parses a YYYY-MM-DD label in loc.
func ParseDay(label string, loc *time.Location) (Period, error) {
	if loc == nil {
		loc = time.UTC
	}
	t, err := time.ParseInLocation(time.DateOnly, label, loc)
	if err != nil {
		return Period{}, fmt.Errorf("dividend: parse period %q: %w", label, err)
	}
	return Day(t, loc), nil
}

func (p Period) Label() string { return p.Start.Format(time.DateOnly) }

func (p Period) Contains(t time.Time) bool {
	return !t.Before(p.Start) && t.Before(p.End)
}

func (p Period) String() string {
	return fmt.Sprintf("%s [%s, %s)", p.Label(), p.Start.Format(time.RFC3339), p.End.Format(time.RFC3339))
}
