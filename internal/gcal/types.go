package gcal

import (
	"strings"
	"time"
)

// Event is the provider-neutral view of a remote calendar entry. The sync
// engine works entirely in these; the wire types below stay inside this
// package.
type Event struct {
	ID          string
	Title       string
	Description string
	Location    string
	StartsAt    time.Time
	EndsAt      time.Time
	RRule       string // bare rule, no "RRULE:" prefix
	Status      string // "confirmed", "tentative", "cancelled"
	UpdatedAt   time.Time
}

const allDayLayout = "2006-01-02"

type wireTime struct {
	DateTime string `json:"dateTime,omitempty"`
	Date     string `json:"date,omitempty"`
}

type wireEvent struct {
	ID          string    `json:"id,omitempty"`
	Status      string    `json:"status,omitempty"`
	Summary     string    `json:"summary,omitempty"`
	Description string    `json:"description,omitempty"`
	Location    string    `json:"location,omitempty"`
	Start       *wireTime `json:"start,omitempty"`
	End         *wireTime `json:"end,omitempty"`
	Recurrence  []string  `json:"recurrence,omitempty"`
	Updated     string    `json:"updated,omitempty"`
}

type eventsPage struct {
	Items         []wireEvent `json:"items"`
	NextPageToken string      `json:"nextPageToken"`
	NextSyncToken string      `json:"nextSyncToken"`
}

type calendarResource struct {
	ID       string `json:"id,omitempty"`
	Summary  string `json:"summary,omitempty"`
	TimeZone string `json:"timeZone,omitempty"`
}

type calendarListPage struct {
	Items         []calendarResource `json:"items"`
	NextPageToken string             `json:"nextPageToken"`
}

func toWire(ev Event) wireEvent {
	w := wireEvent{
		Status:      ev.Status,
		Summary:     ev.Title,
		Description: ev.Description,
		Location:    ev.Location,
	}
	if !ev.StartsAt.IsZero() {
		w.Start = &wireTime{DateTime: ev.StartsAt.UTC().Format(time.RFC3339)}
	}
	if !ev.EndsAt.IsZero() {
		w.End = &wireTime{DateTime: ev.EndsAt.UTC().Format(time.RFC3339)}
	}
	if ev.RRule != "" {
		w.Recurrence = []string{"RRULE:" + ev.RRule}
	}
	return w
}

func (w wireEvent) event() Event {
	ev := Event{
		ID:          w.ID,
		Title:       w.Summary,
		Description: w.Description,
		Location:    w.Location,
		Status:      w.Status,
	}
	ev.StartsAt = parseWireTime(w.Start)
	ev.EndsAt = parseWireTime(w.End)
	// Recurrence arrives as iCalendar lines; only the RRULE one matters here.
	for _, line := range w.Recurrence {
		if rest, ok := strings.CutPrefix(line, "RRULE:"); ok {
			ev.RRule = rest
			break
		}
	}
	if w.Updated != "" {
		if t, err := time.Parse(time.RFC3339, w.Updated); err == nil {
			ev.UpdatedAt = t.UTC()
		}
	}
	return ev
}

// parseWireTime accepts both timed and all-day forms; all-day dates become
// midnight UTC.
func parseWireTime(w *wireTime) time.Time {
	if w == nil {
		return time.Time{}
	}
	if w.DateTime != "" {
		if t, err := time.Parse(time.RFC3339, w.DateTime); err == nil {
			return t.UTC()
		}
	}
	if w.Date != "" {
		if t, err := time.Parse(allDayLayout, w.Date); err == nil {
			return t
		}
	}
	return time.Time{}
}
