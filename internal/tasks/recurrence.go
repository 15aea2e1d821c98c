package tasks

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ErrBadRule is returned for recurrence text that cannot be parsed.
var ErrBadRule = errors.New("unrecognised recurrence rule")

// Unit is the step of a recurrence rule.
type Unit int

const (
	Day Unit = iota
	Week
	Month
	Year
	Weekday
)

var unitNames = map[string]Unit{
	"day": Day, "days": Day,
	"week": Week, "weeks": Week,
	"month": Month, "months": Month,
	"year": Year, "years": Year,
	"weekday": Weekday, "weekdays": Weekday,
}

var adverbs = map[string]Unit{
	"daily":   Day,
	"weekly":  Week,
	"monthly": Month,
	"yearly":  Year,
}

// Rule is a parsed recurrence such as "every 2 weeks".
type Rule struct {
	Every int
	Unit  Unit
}

// ParseRule accepts "every day|week|month|year", "every N days|weeks|...",
// "daily|weekly|monthly|yearly" and "every weekday". A trailing "when done"
// is ignored.
func ParseRule(s string) (Rule, error) {
	text := strings.ToLower(strings.TrimSpace(s))
	text = strings.TrimSpace(strings.TrimSuffix(text, "when done"))
	words := strings.Fields(text)

	switch {
	case len(words) == 1:
		if u, ok := adverbs[words[0]]; ok {
			return Rule{Every: 1, Unit: u}, nil
		}
	case len(words) == 2 && words[0] == "every":
		if u, ok := unitNames[words[1]]; ok {
			return Rule{Every: 1, Unit: u}, nil
		}
	case len(words) == 3 && words[0] == "every":
		n, err := strconv.Atoi(words[1])
		u, ok := unitNames[words[2]]
		if err == nil && n > 0 && ok && u != Weekday {
			return Rule{Every: n, Unit: u}, nil
		}
	}
	return Rule{}, fmt.Errorf("%w: %q", ErrBadRule, s)
}

// Next returns the first occurrence after from. Month and year steps clamp
// to the last day of a shorter month.
func (r Rule) Next(from time.Time) time.Time {
	switch r.Unit {
	case Week:
		return from.AddDate(0, 0, 7*r.Every)
	case Month:
		return addMonths(from, r.Every)
	case Year:
		return addMonths(from, 12*r.Every)
	case Weekday:
		next := from.AddDate(0, 0, 1)
		for next.Weekday() == time.Saturday || next.Weekday() == time.Sunday {
			next = next.AddDate(0, 0, 1)
		}
		return next
	default:
		return from.AddDate(0, 0, r.Every)
	}
}

func (r Rule) String() string {
	if r.Unit == Weekday {
		return "every weekday"
	}
	names := [...]string{Day: "day", Week: "week", Month: "month", Year: "year"}
	if r.Every == 1 {
		return "every " + names[r.Unit]
	}
	return fmt.Sprintf("every %d %ss", r.Every, names[r.Unit])
}

func addMonths(t time.Time, n int) time.Time {
	y, m, d := t.Date()
	last := time.Date(y, m+time.Month(n)+1, 0, 0, 0, 0, 0, t.Location()).Day()
	if d > last {
		d = last
	}
	return time.Date(y, m+time.Month(n), d, t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), t.Location())
}
