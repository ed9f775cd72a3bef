package model

import "time"

type ReminderStatus string

const (
	ReminderActive    ReminderStatus = "active"
	ReminderSnoozed   ReminderStatus = "snoozed"
	ReminderDone      ReminderStatus = "done"
	ReminderCancelled ReminderStatus = "cancelled"
)

// LocalTimeLayout is the wall-clock form stored in due_at_local. It is a
// display value; scheduling always works from the UTC instant.
const LocalTimeLayout = "2006-01-02 15:04"

// LocalWallTime renders a UTC instant as wall time in the given IANA zone.
// Unknown zones fall back to UTC rather than failing the write.
func LocalWallTime(utc time.Time, tz string) string {
	loc, err := time.LoadLocation(tz)
	if err != nil {
		loc = time.UTC
	}
	return utc.In(loc).Format(LocalTimeLayout)
}

// reminderTransitions is the closed set of legal status changes. Stores reject
// anything not listed here; callers never write status strings directly.
var reminderTransitions = map[ReminderStatus][]ReminderStatus{
	ReminderActive:  {ReminderSnoozed, ReminderDone, ReminderCancelled},
	ReminderSnoozed: {ReminderActive},
}

// CanTransition reports whether a reminder may move from one status to another.
func (s ReminderStatus) CanTransition(to ReminderStatus) bool {
	for _, t := range reminderTransitions[s] {
		if t == to {
			return true
		}
	}
	return false
}

// Valid reports whether s is one of the four known statuses.
func (s ReminderStatus) Valid() bool {
	switch s {
	case ReminderActive, ReminderSnoozed, ReminderDone, ReminderCancelled:
		return true
	}
	return false
}

type Reminder struct {
	ID              int64          `json:"id"`
	UserID          int64          `json:"user_id"`
	Title           string         `json:"title"`
	Body            string         `json:"body,omitempty"`
	DueAtUTC        time.Time      `json:"due_at_utc"`
	DueAtLocal      string         `json:"due_at_local"`
	Timezone        string         `json:"timezone"`
	RepeatRule      string         `json:"repeat_rule,omitempty"`
	Status          ReminderStatus `json:"status"`
	NoteID          *int64         `json:"note_id,omitempty"`
	CalendarEventID *int64         `json:"calendar_event_id,omitempty"`
	TaskID          *int64         `json:"task_id,omitempty"`
	CreatedAt       time.Time      `json:"created_at"`
	UpdatedAt       time.Time      `json:"updated_at"`
}

// LinkCount returns how many of the exclusive link fields are set. The schema
// and the service both enforce LinkCount() <= 1.
func (r *Reminder) LinkCount() int {
	n := 0
	if r.NoteID != nil {
		n++
	}
	if r.CalendarEventID != nil {
		n++
	}
	if r.TaskID != nil {
		n++
	}
	return n
}
