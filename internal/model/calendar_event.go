package model

import "time"

type EventStatus string

const (
	EventConfirmed EventStatus = "confirmed"
	EventTentative EventStatus = "tentative"
	EventCancelled EventStatus = "cancelled"
)

// Valid reports whether s is a known event status.
func (s EventStatus) Valid() bool {
	switch s {
	case EventConfirmed, EventTentative, EventCancelled:
		return true
	}
	return false
}

type EventSource string

const (
	SourceInternal EventSource = "internal"
	SourceGoogle   EventSource = "google"
)

type CalendarEvent struct {
	ID               int64       `json:"id"`
	UserID           int64       `json:"user_id"`
	Title            string      `json:"title"`
	Description      string      `json:"description,omitempty"`
	StartsAt         time.Time   `json:"starts_at"`
	EndsAt           time.Time   `json:"ends_at"`
	Timezone         string      `json:"timezone"`
	Location         string      `json:"location,omitempty"`
	RRule            string      `json:"rrule,omitempty"`
	Status           EventStatus `json:"status"`
	Source           EventSource `json:"source"`
	GoogleEventID    string      `json:"google_event_id,omitempty"`
	GoogleCalendarID string      `json:"google_calendar_id,omitempty"`
	CategoryID       *int64      `json:"category_id,omitempty"`
	CreatedAt        time.Time   `json:"created_at"`
	UpdatedAt        time.Time   `json:"updated_at"`
}

// EventInstance is a calendar event materialized for a display window. For a
// recurring event each expanded occurrence becomes one instance row.
type EventInstance struct {
	CalendarEvent
	InstanceStart time.Time `json:"instance_start"`
	InstanceEnd   time.Time `json:"instance_end"`
	Recurring     bool      `json:"recurring"`
}

type Category struct {
	ID        int64     `json:"id"`
	UserID    int64     `json:"user_id"`
	Name      string    `json:"name"`
	Color     string    `json:"color"`
	CreatedAt time.Time `json:"created_at"`
}
