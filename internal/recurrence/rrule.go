// Package recurrence parses repeat rules and expands them into bounded,
// ordered occurrence sequences. Rules use the RRULE subset the engine stores
// and exchanges with the calendar provider: FREQ, INTERVAL, BYDAY, BYMONTHDAY,
// COUNT, UNTIL. A rule carries no start of its own; callers anchor it at an
// event or reminder instant.
package recurrence

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"
)

type Freq int

const (
	FreqDaily Freq = iota
	FreqWeekly
	FreqMonthly
	FreqYearly
)

var freqNames = map[Freq]string{
	FreqDaily:   "DAILY",
	FreqWeekly:  "WEEKLY",
	FreqMonthly: "MONTHLY",
	FreqYearly:  "YEARLY",
}

var freqFromName = map[string]Freq{
	"DAILY":   FreqDaily,
	"WEEKLY":  FreqWeekly,
	"MONTHLY": FreqMonthly,
	"YEARLY":  FreqYearly,
}

var dayNames = map[string]time.Weekday{
	"SU": time.Sunday,
	"MO": time.Monday,
	"TU": time.Tuesday,
	"WE": time.Wednesday,
	"TH": time.Thursday,
	"FR": time.Friday,
	"SA": time.Saturday,
}

var dayAbbrev = map[time.Weekday]string{
	time.Sunday:    "SU",
	time.Monday:    "MO",
	time.Tuesday:   "TU",
	time.Wednesday: "WE",
	time.Thursday:  "TH",
	time.Friday:    "FR",
	time.Saturday:  "SA",
}

type Rule struct {
	Freq       Freq
	Interval   int            // default 1; 2 = biweekly when Freq=FreqWeekly
	ByDay      []time.Weekday // for WEEKLY: which days, kept chronological Mon..Sun (empty = same weekday as anchor)
	ByMonthDay int            // for MONTHLY: day of month (0 = same as anchor)
	Count      int            // max occurrences counted from the anchor (0 = unlimited)
	Until      *time.Time     // no occurrences after this instant (nil = no limit)
}

// Bounded reports whether the rule can be exhausted at all.
func (r Rule) Bounded() bool {
	return r.Count > 0 || r.Until != nil
}

// Parse parses a rule string like "FREQ=WEEKLY;BYDAY=MO,WE;INTERVAL=2".
// A leading "RRULE:" prefix, as delivered in provider recurrence lines, is
// accepted and stripped.
func Parse(rule string) (Rule, error) {
	rule = strings.TrimPrefix(strings.TrimSpace(rule), "RRULE:")
	if rule == "" {
		return Rule{}, fmt.Errorf("empty rule")
	}

	r := Rule{Interval: 1}
	var hasFreq bool

	for _, part := range strings.Split(rule, ";") {
		kv := strings.SplitN(part, "=", 2)
		if len(kv) != 2 {
			return Rule{}, fmt.Errorf("invalid rule part: %q", part)
		}
		key, val := kv[0], kv[1]

		switch key {
		case "FREQ":
			f, ok := freqFromName[val]
			if !ok {
				return Rule{}, fmt.Errorf("unknown frequency: %q", val)
			}
			r.Freq = f
			hasFreq = true

		case "INTERVAL":
			n, err := strconv.Atoi(val)
			if err != nil || n < 1 {
				return Rule{}, fmt.Errorf("invalid interval: %q", val)
			}
			r.Interval = n

		case "BYDAY":
			for _, d := range strings.Split(val, ",") {
				wd, ok := dayNames[strings.TrimSpace(d)]
				if !ok {
					return Rule{}, fmt.Errorf("unknown day: %q", d)
				}
				r.ByDay = append(r.ByDay, wd)
			}
			// Keeping the days in week order means expansion emits
			// in-week occurrences chronologically.
			sortWeekdays(r.ByDay)

		case "BYMONTHDAY":
			n, err := strconv.Atoi(val)
			if err != nil || n < 1 || n > 31 {
				return Rule{}, fmt.Errorf("invalid BYMONTHDAY: %q", val)
			}
			r.ByMonthDay = n

		case "COUNT":
			n, err := strconv.Atoi(val)
			if err != nil || n < 1 {
				return Rule{}, fmt.Errorf("invalid count: %q", val)
			}
			r.Count = n

		case "UNTIL":
			t, err := time.Parse("20060102T150405Z", val)
			if err != nil {
				t, err = time.Parse("20060102", val)
				if err != nil {
					return Rule{}, fmt.Errorf("invalid UNTIL: %q", val)
				}
			}
			r.Until = &t

		default:
			return Rule{}, fmt.Errorf("unsupported rule key: %q", key)
		}
	}

	if !hasFreq {
		return Rule{}, fmt.Errorf("FREQ is required")
	}

	return r, nil
}

// sortWeekdays orders days chronologically within a Monday-start week.
func sortWeekdays(days []time.Weekday) {
	sort.Slice(days, func(i, j int) bool {
		return mondayOffset(days[i]) < mondayOffset(days[j])
	})
}

func mondayOffset(d time.Weekday) int {
	return (int(d) - int(time.Monday) + 7) % 7
}

// String serializes the rule back to an RRULE string.
func (r Rule) String() string {
	parts := []string{"FREQ=" + freqNames[r.Freq]}

	if r.Interval > 1 {
		parts = append(parts, fmt.Sprintf("INTERVAL=%d", r.Interval))
	}

	if len(r.ByDay) > 0 {
		days := make([]string, len(r.ByDay))
		for i, d := range r.ByDay {
			days[i] = dayAbbrev[d]
		}
		parts = append(parts, "BYDAY="+strings.Join(days, ","))
	}

	if r.ByMonthDay > 0 {
		parts = append(parts, fmt.Sprintf("BYMONTHDAY=%d", r.ByMonthDay))
	}

	if r.Count > 0 {
		parts = append(parts, fmt.Sprintf("COUNT=%d", r.Count))
	}

	if r.Until != nil {
		parts = append(parts, "UNTIL="+r.Until.Format("20060102T150405Z"))
	}

	return strings.Join(parts, ";")
}

// Describe returns a human-readable description of the rule, used when
// composing notification and event detail text.
func (r Rule) Describe() string {
	switch r.Freq {
	case FreqDaily:
		if r.Interval > 1 {
			return fmt.Sprintf("Repeats every %d days", r.Interval)
		}
		return "Repeats daily"
	case FreqWeekly:
		prefix := "Repeats weekly"
		if r.Interval == 2 {
			prefix = "Repeats every 2 weeks"
		} else if r.Interval > 2 {
			prefix = fmt.Sprintf("Repeats every %d weeks", r.Interval)
		}
		if len(r.ByDay) > 0 {
			names := make([]string, len(r.ByDay))
			for i, d := range r.ByDay {
				names[i] = d.String()[:3]
			}
			return prefix + " on " + strings.Join(names, ", ")
		}
		return prefix
	case FreqMonthly:
		if r.Interval > 1 {
			return fmt.Sprintf("Repeats every %d months", r.Interval)
		}
		return "Repeats monthly"
	case FreqYearly:
		if r.Interval > 1 {
			return fmt.Sprintf("Repeats every %d years", r.Interval)
		}
		return "Repeats yearly"
	}
	return ""
}
