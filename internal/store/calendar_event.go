package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/dukerupert/chime/internal/model"
)

type EventStore struct {
	db *sql.DB
}

func NewEventStore(db *sql.DB) *EventStore {
	return &EventStore{db: db}
}

const eventCols = `id, user_id, title, description, starts_at, ends_at, timezone, location, rrule, status, source, google_event_id, google_calendar_id, category_id, created_at, updated_at`

func scanEvent(scanner interface{ Scan(...any) error }) (*model.CalendarEvent, error) {
	var e model.CalendarEvent
	var googleEventID, googleCalendarID sql.NullString
	var categoryID sql.NullInt64

	err := scanner.Scan(
		&e.ID, &e.UserID, &e.Title, &e.Description, &e.StartsAt, &e.EndsAt,
		&e.Timezone, &e.Location, &e.RRule, &e.Status, &e.Source,
		&googleEventID, &googleCalendarID, &categoryID, &e.CreatedAt, &e.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	e.GoogleEventID = googleEventID.String
	e.GoogleCalendarID = googleCalendarID.String
	if categoryID.Valid {
		e.CategoryID = &categoryID.Int64
	}
	return &e, nil
}

// EventDraft carries the fields for a new calendar event. Status defaults to
// confirmed and Source to internal when unset.
type EventDraft struct {
	UserID           int64
	Title            string
	Description      string
	StartsAt         time.Time
	EndsAt           time.Time
	Timezone         string
	Location         string
	RRule            string
	Status           model.EventStatus
	Source           model.EventSource
	GoogleEventID    string
	GoogleCalendarID string
	CategoryID       *int64
}

func (s *EventStore) Create(d EventDraft) (*model.CalendarEvent, error) {
	if d.Status == "" {
		d.Status = model.EventConfirmed
	}
	if d.Source == "" {
		d.Source = model.SourceInternal
	}

	// Empty remote ids are stored as NULL so the per-user remote-id unique
	// index only covers pushed events.
	var remoteID, remoteCal sql.NullString
	if d.GoogleEventID != "" {
		remoteID = sql.NullString{String: d.GoogleEventID, Valid: true}
	}
	if d.GoogleCalendarID != "" {
		remoteCal = sql.NullString{String: d.GoogleCalendarID, Valid: true}
	}

	now := time.Now().UTC()
	result, err := s.db.Exec(
		`INSERT INTO calendar_events (user_id, title, description, starts_at, ends_at, timezone, location, rrule, status, source, google_event_id, google_calendar_id, category_id, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		d.UserID, d.Title, d.Description, d.StartsAt.UTC(), d.EndsAt.UTC(), d.Timezone,
		d.Location, d.RRule, d.Status, d.Source, remoteID, remoteCal, nullInt64(d.CategoryID),
		now, now,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, ErrDuplicate
		}
		return nil, fmt.Errorf("insert calendar event: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("last insert id: %w", err)
	}
	return s.GetByID(id)
}

func (s *EventStore) GetByID(id int64) (*model.CalendarEvent, error) {
	row := s.db.QueryRow(`SELECT `+eventCols+` FROM calendar_events WHERE id = ?`, id)
	e, err := scanEvent(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get calendar event: %w", err)
	}
	return e, nil
}

// GetByRemoteID looks an event up by the id the provider assigned it.
func (s *EventStore) GetByRemoteID(userID int64, googleEventID string) (*model.CalendarEvent, error) {
	row := s.db.QueryRow(
		`SELECT `+eventCols+` FROM calendar_events WHERE user_id = ? AND google_event_id = ?`,
		userID, googleEventID,
	)
	e, err := scanEvent(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get calendar event by remote id: %w", err)
	}
	return e, nil
}

// ListForWindow returns the user's non-cancelled events that either overlap
// [from, to) or carry a recurrence rule anchored before the window end; the
// caller expands the recurring ones. An empty status means no extra filter.
func (s *EventStore) ListForWindow(userID int64, from, to time.Time, status model.EventStatus) ([]model.CalendarEvent, error) {
	rows, err := s.db.Query(
		`SELECT `+eventCols+` FROM calendar_events
		 WHERE user_id = ? AND status != ?
		   AND (? = '' OR status = ?)
		   AND starts_at < ?
		   AND (ends_at > ? OR rrule != '')
		 ORDER BY starts_at ASC`,
		userID, model.EventCancelled, string(status), string(status), to.UTC(), from.UTC(),
	)
	if err != nil {
		return nil, fmt.Errorf("list calendar events: %w", err)
	}
	defer rows.Close()

	var events []model.CalendarEvent
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan calendar event: %w", err)
		}
		events = append(events, *e)
	}
	return events, rows.Err()
}

// ListBySource returns all of a user's events with the given origin,
// including cancelled ones; the sync push pass needs those to propagate
// deletions.
func (s *EventStore) ListBySource(userID int64, source model.EventSource) ([]model.CalendarEvent, error) {
	rows, err := s.db.Query(
		`SELECT `+eventCols+` FROM calendar_events WHERE user_id = ? AND source = ? ORDER BY id ASC`,
		userID, source,
	)
	if err != nil {
		return nil, fmt.Errorf("list calendar events by source: %w", err)
	}
	defer rows.Close()

	var events []model.CalendarEvent
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan calendar event: %w", err)
		}
		events = append(events, *e)
	}
	return events, rows.Err()
}

// EventUpdate is a typed partial update: nil fields are left unchanged.
// ClearCategory detaches the event from its category.
type EventUpdate struct {
	Title         *string
	Description   *string
	StartsAt      *time.Time
	EndsAt        *time.Time
	Timezone      *string
	Location      *string
	RRule         *string
	Status        *model.EventStatus
	CategoryID    *int64
	ClearCategory bool
}

// Update applies the supplied fields to one event. The updated_at stamp this
// writes is what pull-side conflict resolution compares against, so it is
// always set here rather than left to the schema default. Returns nil, nil
// when the event does not exist.
func (s *EventStore) Update(id int64, u EventUpdate) (*model.CalendarEvent, error) {
	var status sql.NullString
	if u.Status != nil {
		status = sql.NullString{String: string(*u.Status), Valid: true}
	}

	result, err := s.db.Exec(
		`UPDATE calendar_events SET
			title       = COALESCE(?, title),
			description = COALESCE(?, description),
			starts_at   = COALESCE(?, starts_at),
			ends_at     = COALESCE(?, ends_at),
			timezone    = COALESCE(?, timezone),
			location    = COALESCE(?, location),
			rrule       = COALESCE(?, rrule),
			status      = COALESCE(?, status),
			category_id = CASE WHEN ? THEN NULL ELSE COALESCE(?, category_id) END,
			updated_at  = ?
		 WHERE id = ?`,
		nullString(u.Title), nullString(u.Description), nullTime(u.StartsAt), nullTime(u.EndsAt),
		nullString(u.Timezone), nullString(u.Location), nullString(u.RRule), status,
		u.ClearCategory, nullInt64(u.CategoryID), time.Now().UTC(), id,
	)
	if err != nil {
		return nil, fmt.Errorf("update calendar event: %w", err)
	}

	n, err := result.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return nil, nil
	}
	return s.GetByID(id)
}

// SetRemoteIDs records, or clears with empty strings, the provider-side ids
// after a push. Does not touch updated_at: bookkeeping writes must not make
// the local copy look newer than the remote one it mirrors.
func (s *EventStore) SetRemoteIDs(id int64, googleEventID, googleCalendarID string) error {
	var remoteID, remoteCal sql.NullString
	if googleEventID != "" {
		remoteID = sql.NullString{String: googleEventID, Valid: true}
	}
	if googleCalendarID != "" {
		remoteCal = sql.NullString{String: googleCalendarID, Valid: true}
	}

	_, err := s.db.Exec(
		`UPDATE calendar_events SET google_event_id = ?, google_calendar_id = ? WHERE id = ?`,
		remoteID, remoteCal, id,
	)
	if err != nil {
		return fmt.Errorf("set remote ids: %w", err)
	}
	return nil
}

// ApplyRemote overwrites the synchronized fields with the remote copy and
// stamps updated_at with the remote modification instant, keeping later
// conflict comparisons anchored to provider time.
func (s *EventStore) ApplyRemote(id int64, title, description string, startsAt, endsAt time.Time, location, rrule string, status model.EventStatus, remoteUpdated time.Time) error {
	_, err := s.db.Exec(
		`UPDATE calendar_events
		 SET title = ?, description = ?, starts_at = ?, ends_at = ?, location = ?, rrule = ?, status = ?, updated_at = ?
		 WHERE id = ?`,
		title, description, startsAt.UTC(), endsAt.UTC(), location, rrule, status, remoteUpdated.UTC(), id,
	)
	if err != nil {
		return fmt.Errorf("apply remote event: %w", err)
	}
	return nil
}
