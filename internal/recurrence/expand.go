package recurrence

import "time"

// Expansion bounds. A single expansion never yields more than MaxInstances
// occurrences and never looks further than Horizon past the window start;
// hitting either bound truncates the result rather than failing.
const (
	MaxInstances = 1000
	Horizon      = 730 * 24 * time.Hour
)

// maxIterations caps iterator steps so malformed rules cannot spin forever.
const maxIterations = 10000

// skipLimit bounds how many periods the monthly and yearly advances may skip
// while hunting for a month that contains the wanted day.
const skipLimit = 48

// Occurrence is a single generated instance of a recurring item.
type Occurrence struct {
	Start time.Time
	End   time.Time
}

// Expand generates the occurrences of rule that overlap [windowStart,
// windowEnd), in ascending order. anchorStart fixes the first occurrence and
// the time of day; anchorEnd fixes the duration carried to every occurrence
// (equal to anchorStart for instantaneous items). max caps the result size;
// values outside (0, MaxInstances] collapse to MaxInstances. truncated
// reports that occurrences inside the window were cut off by the cap or the
// horizon, as opposed to the rule being exhausted.
func Expand(rule Rule, anchorStart, anchorEnd, windowStart, windowEnd time.Time, max int) (results []Occurrence, truncated bool) {
	duration := anchorEnd.Sub(anchorStart)
	if duration < 0 {
		duration = 0
	}
	limit := max
	if limit <= 0 || limit > MaxInstances {
		limit = MaxInstances
	}

	end := windowEnd
	horizonEnd := windowStart.Add(Horizon)
	clamped := false
	if horizonEnd.Before(end) {
		end = horizonEnd
		clamped = true
	}

	generated := 0
	iter := newIterator(rule, anchorStart)
	for {
		occStart := iter.next()
		if occStart.IsZero() {
			break
		}
		if rule.Until != nil && occStart.After(*rule.Until) {
			break
		}
		generated++
		if rule.Count > 0 && generated > rule.Count {
			break
		}
		if !occStart.Before(end) {
			if clamped && occStart.Before(windowEnd) {
				truncated = true
			}
			break
		}

		occEnd := occStart.Add(duration)
		if !overlaps(occStart, occEnd, windowStart) {
			continue
		}
		if len(results) == limit {
			truncated = true
			break
		}
		results = append(results, Occurrence{Start: occStart, End: occEnd})
	}

	return results, truncated
}

// Next returns the first occurrence of rule strictly after the given instant.
// ok is false when the rule is exhausted before reaching it (COUNT or UNTIL
// hit, or the day never exists), so callers can retire the item.
func Next(rule Rule, anchor, after time.Time) (next time.Time, ok bool) {
	generated := 0
	iter := newIterator(rule, anchor)
	for {
		occ := iter.next()
		if occ.IsZero() {
			return time.Time{}, false
		}
		if rule.Until != nil && occ.After(*rule.Until) {
			return time.Time{}, false
		}
		generated++
		if rule.Count > 0 && generated > rule.Count {
			return time.Time{}, false
		}
		if occ.After(after) {
			return occ, true
		}
	}
}

// overlaps reports whether [start, end) reaches into the window beginning at
// windowStart. A zero-length occurrence counts when it sits at or past the
// window start.
func overlaps(start, end, windowStart time.Time) bool {
	return end.After(windowStart) || !start.Before(windowStart)
}

type iterator struct {
	rule       Rule
	anchor     time.Time
	current    time.Time
	weekDayIdx int
	started    bool
	calls      int
}

func newIterator(rule Rule, anchor time.Time) *iterator {
	return &iterator{
		rule:    rule,
		anchor:  anchor,
		current: anchor,
	}
}

// next returns the next occurrence start, or the zero time when the rule can
// produce no more.
func (it *iterator) next() time.Time {
	if it.calls >= maxIterations {
		return time.Time{}
	}
	it.calls++

	switch it.rule.Freq {
	case FreqDaily:
		return it.advanceDaily()
	case FreqWeekly:
		if len(it.rule.ByDay) > 0 {
			return it.advanceWeeklyByDay()
		}
		return it.advanceWeeklySimple()
	case FreqMonthly:
		return it.advanceMonthly()
	case FreqYearly:
		return it.advanceYearly()
	}
	return time.Time{}
}

func (it *iterator) advanceDaily() time.Time {
	if !it.started {
		it.started = true
		return it.current
	}
	it.current = it.current.AddDate(0, 0, it.rule.Interval)
	return it.current
}

func (it *iterator) advanceWeeklySimple() time.Time {
	if !it.started {
		it.started = true
		return it.current
	}
	it.current = it.current.AddDate(0, 0, 7*it.rule.Interval)
	return it.current
}

func (it *iterator) advanceWeeklyByDay() time.Time {
	if !it.started {
		it.started = true
		// Anchor the pattern on the Monday of the anchor's week.
		it.current = weekStart(it.anchor)
		it.weekDayIdx = 0
		return it.findNextByDay()
	}

	it.weekDayIdx++
	if it.weekDayIdx >= len(it.rule.ByDay) {
		it.current = weekStart(it.current.AddDate(0, 0, 7*it.rule.Interval))
		it.weekDayIdx = 0
	}
	return it.findNextByDay()
}

func (it *iterator) findNextByDay() time.Time {
	for {
		for it.weekDayIdx < len(it.rule.ByDay) {
			day := it.rule.ByDay[it.weekDayIdx]
			monday := it.current
			candidate := time.Date(
				monday.Year(), monday.Month(), monday.Day()+mondayOffset(day),
				it.anchor.Hour(), it.anchor.Minute(), it.anchor.Second(), 0,
				it.anchor.Location(),
			)

			// Days earlier in the anchor week than the anchor itself
			// are not occurrences.
			if !candidate.Before(it.anchor) {
				return candidate
			}
			it.weekDayIdx++
		}

		it.current = weekStart(it.current.AddDate(0, 0, 7*it.rule.Interval))
		it.weekDayIdx = 0
	}
}

// weekStart returns midnight on the Monday of t's week.
func weekStart(t time.Time) time.Time {
	monday := t.AddDate(0, 0, -mondayOffset(t.Weekday()))
	return time.Date(monday.Year(), monday.Month(), monday.Day(), 0, 0, 0, 0, t.Location())
}

func (it *iterator) advanceMonthly() time.Time {
	if !it.started {
		it.started = true
		return it.current
	}

	day := it.rule.ByMonthDay
	if day == 0 {
		day = it.anchor.Day()
	}

	// Months too short for the wanted day are skipped, not clamped. The
	// skip is bounded so a rule like BYMONTHDAY=31;INTERVAL=12 anchored in
	// February exhausts instead of spinning.
	year, month, _ := it.current.Date()
	for i := 0; i < skipLimit; i++ {
		norm := time.Date(year, month+time.Month(it.rule.Interval), 1, 0, 0, 0, 0, it.anchor.Location())
		year, month = norm.Year(), norm.Month()
		if day <= daysInMonth(year, month) {
			it.current = time.Date(
				year, month, day,
				it.anchor.Hour(), it.anchor.Minute(), it.anchor.Second(), 0,
				it.anchor.Location(),
			)
			return it.current
		}
	}
	return time.Time{}
}

func (it *iterator) advanceYearly() time.Time {
	if !it.started {
		it.started = true
		return it.current
	}

	// A Feb 29 anchor only recurs on leap years; the bounded skip turns a
	// pattern that never lands on one into exhaustion.
	month, day := it.anchor.Month(), it.anchor.Day()
	year := it.current.Year()
	for i := 0; i < skipLimit; i++ {
		year += it.rule.Interval
		if day <= daysInMonth(year, month) {
			it.current = time.Date(
				year, month, day,
				it.anchor.Hour(), it.anchor.Minute(), it.anchor.Second(), 0,
				it.anchor.Location(),
			)
			return it.current
		}
	}
	return time.Time{}
}

func daysInMonth(year int, month time.Month) int {
	return time.Date(year, month+1, 0, 0, 0, 0, 0, time.UTC).Day()
}
