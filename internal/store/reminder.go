package store

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/dukerupert/chime/internal/model"
)

// dedupWindow bounds how far back the duplicate-create read check looks.
const dedupWindow = 5 * time.Minute

type ReminderStore struct {
	db *sql.DB
}

func NewReminderStore(db *sql.DB) *ReminderStore {
	return &ReminderStore{db: db}
}

const reminderCols = `id, user_id, title, body, due_at_utc, due_at_local, timezone, repeat_rule, status, note_id, calendar_event_id, task_id, created_at, updated_at`

func scanReminder(scanner interface{ Scan(...any) error }) (*model.Reminder, error) {
	var r model.Reminder
	var noteID, eventID, taskID sql.NullInt64

	err := scanner.Scan(
		&r.ID, &r.UserID, &r.Title, &r.Body, &r.DueAtUTC, &r.DueAtLocal,
		&r.Timezone, &r.RepeatRule, &r.Status, &noteID, &eventID, &taskID,
		&r.CreatedAt, &r.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if noteID.Valid {
		r.NoteID = &noteID.Int64
	}
	if eventID.Valid {
		r.CalendarEventID = &eventID.Int64
	}
	if taskID.Valid {
		r.TaskID = &taskID.Int64
	}
	return &r, nil
}

// titleKey normalizes a title for duplicate matching: case-folded with runs
// of whitespace collapsed.
func titleKey(title string) string {
	return strings.Join(strings.Fields(strings.ToLower(title)), " ")
}

// dueBucket buckets a due instant to whole seconds; adjacent buckets cover
// the one-second tolerance of the duplicate check.
func dueBucket(t time.Time) int64 {
	return t.Unix()
}

// ReminderDraft carries the caller-supplied fields for a new reminder.
type ReminderDraft struct {
	UserID          int64
	Title           string
	Body            string
	DueAtUTC        time.Time
	DueAtLocal      string
	Timezone        string
	RepeatRule      string
	NoteID          *int64
	CalendarEventID *int64
	TaskID          *int64
}

// Create inserts an active reminder. A collision with the active-reminder
// dedup index is reported as ErrDuplicate so the caller can fetch and return
// the winning row instead.
func (s *ReminderStore) Create(d ReminderDraft) (*model.Reminder, error) {
	now := time.Now().UTC()
	result, err := s.db.Exec(
		`INSERT INTO reminders (user_id, title, body, due_at_utc, due_at_local, timezone, repeat_rule, status, note_id, calendar_event_id, task_id, title_key, due_bucket, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		d.UserID, d.Title, d.Body, d.DueAtUTC.UTC(), d.DueAtLocal, d.Timezone, d.RepeatRule,
		model.ReminderActive, nullInt64(d.NoteID), nullInt64(d.CalendarEventID), nullInt64(d.TaskID),
		titleKey(d.Title), dueBucket(d.DueAtUTC), now, now,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, ErrDuplicate
		}
		return nil, fmt.Errorf("insert reminder: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("last insert id: %w", err)
	}
	return s.GetByID(id)
}

// FindDuplicate returns a recently created active reminder for the user with
// the same normalized title and a due instant within one second, or nil.
func (s *ReminderStore) FindDuplicate(userID int64, title string, dueAt time.Time) (*model.Reminder, error) {
	bucket := dueBucket(dueAt)
	row := s.db.QueryRow(
		`SELECT `+reminderCols+` FROM reminders
		 WHERE user_id = ? AND title_key = ? AND status = ?
		   AND due_bucket BETWEEN ? AND ?
		   AND created_at >= ?
		 LIMIT 1`,
		userID, titleKey(title), model.ReminderActive, bucket-1, bucket+1,
		time.Now().UTC().Add(-dedupWindow),
	)
	r, err := scanReminder(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find duplicate reminder: %w", err)
	}
	return r, nil
}

func (s *ReminderStore) GetByID(id int64) (*model.Reminder, error) {
	row := s.db.QueryRow(`SELECT `+reminderCols+` FROM reminders WHERE id = ?`, id)
	r, err := scanReminder(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get reminder: %w", err)
	}
	return r, nil
}

// ListByUser returns the user's reminders ordered by due instant, optionally
// filtered to one status (empty = all).
func (s *ReminderStore) ListByUser(userID int64, status model.ReminderStatus) ([]model.Reminder, error) {
	rows, err := s.db.Query(
		`SELECT `+reminderCols+` FROM reminders
		 WHERE user_id = ? AND (? = '' OR status = ?)
		 ORDER BY due_at_utc ASC`,
		userID, string(status), string(status),
	)
	if err != nil {
		return nil, fmt.Errorf("list reminders: %w", err)
	}
	defer rows.Close()

	var reminders []model.Reminder
	for rows.Next() {
		r, err := scanReminder(rows)
		if err != nil {
			return nil, fmt.Errorf("scan reminder: %w", err)
		}
		reminders = append(reminders, *r)
	}
	return reminders, rows.Err()
}

// ListActiveDueAfter returns active reminders whose due instant is strictly
// after t. The fire scheduler rebuilds its timer registry from this at start.
func (s *ReminderStore) ListActiveDueAfter(t time.Time) ([]model.Reminder, error) {
	rows, err := s.db.Query(
		`SELECT `+reminderCols+` FROM reminders
		 WHERE status = ? AND due_at_utc > ?
		 ORDER BY due_at_utc ASC`,
		model.ReminderActive, t.UTC(),
	)
	if err != nil {
		return nil, fmt.Errorf("list active reminders: %w", err)
	}
	defer rows.Close()

	var reminders []model.Reminder
	for rows.Next() {
		r, err := scanReminder(rows)
		if err != nil {
			return nil, fmt.Errorf("scan reminder: %w", err)
		}
		reminders = append(reminders, *r)
	}
	return reminders, rows.Err()
}

// ReminderUpdate is a typed partial update: nil fields are left unchanged.
type ReminderUpdate struct {
	Title      *string
	Body       *string
	DueAtUTC   *time.Time
	DueAtLocal *string
	Timezone   *string
	RepeatRule *string
}

// Update applies the supplied fields to one reminder. Returns nil, nil when
// the reminder does not exist.
func (s *ReminderStore) Update(id int64, u ReminderUpdate) (*model.Reminder, error) {
	var key sql.NullString
	if u.Title != nil {
		key = sql.NullString{String: titleKey(*u.Title), Valid: true}
	}
	var bucket sql.NullInt64
	if u.DueAtUTC != nil {
		bucket = sql.NullInt64{Int64: dueBucket(*u.DueAtUTC), Valid: true}
	}

	result, err := s.db.Exec(
		`UPDATE reminders SET
			title        = COALESCE(?, title),
			title_key    = COALESCE(?, title_key),
			body         = COALESCE(?, body),
			due_at_utc   = COALESCE(?, due_at_utc),
			due_bucket   = COALESCE(?, due_bucket),
			due_at_local = COALESCE(?, due_at_local),
			timezone     = COALESCE(?, timezone),
			repeat_rule  = COALESCE(?, repeat_rule),
			updated_at   = ?
		 WHERE id = ?`,
		nullString(u.Title), key, nullString(u.Body), nullTime(u.DueAtUTC), bucket,
		nullString(u.DueAtLocal), nullString(u.Timezone), nullString(u.RepeatRule),
		time.Now().UTC(), id,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, ErrDuplicate
		}
		return nil, fmt.Errorf("update reminder: %w", err)
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

// UpdateStatus applies a status transition, rejecting anything the transition
// table does not allow. Returns nil, nil when the reminder does not exist.
func (s *ReminderStore) UpdateStatus(id int64, to model.ReminderStatus) (*model.Reminder, error) {
	r, err := s.GetByID(id)
	if err != nil {
		return nil, err
	}
	if r == nil {
		return nil, nil
	}
	if !r.Status.CanTransition(to) {
		return nil, fmt.Errorf("reminder %d: %s to %s: %w", id, r.Status, to, ErrIllegalTransition)
	}

	// Conditional on the status we read so a concurrent transition loses
	// cleanly instead of overwriting.
	result, err := s.db.Exec(
		`UPDATE reminders SET status = ?, updated_at = ? WHERE id = ? AND status = ?`,
		to, time.Now().UTC(), id, r.Status,
	)
	if err != nil {
		return nil, fmt.Errorf("update reminder status: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return nil, fmt.Errorf("reminder %d: %s to %s: %w", id, r.Status, to, ErrIllegalTransition)
	}
	return s.GetByID(id)
}

// Snooze moves the due instant and forces the reminder active. Valid from
// active or snoozed only; done and cancelled reminders cannot come back.
func (s *ReminderStore) Snooze(id int64, dueUTC time.Time, dueLocal string) (*model.Reminder, error) {
	result, err := s.db.Exec(
		`UPDATE reminders
		 SET due_at_utc = ?, due_at_local = ?, due_bucket = ?, status = ?, updated_at = ?
		 WHERE id = ? AND status IN (?, ?)`,
		dueUTC.UTC(), dueLocal, dueBucket(dueUTC), model.ReminderActive, time.Now().UTC(),
		id, model.ReminderActive, model.ReminderSnoozed,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, ErrDuplicate
		}
		return nil, fmt.Errorf("snooze reminder: %w", err)
	}

	n, err := result.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		r, err := s.GetByID(id)
		if err != nil {
			return nil, err
		}
		if r == nil {
			return nil, nil
		}
		return nil, fmt.Errorf("reminder %d: %s to %s: %w", id, r.Status, model.ReminderActive, ErrIllegalTransition)
	}
	return s.GetByID(id)
}

// CompleteFired marks a fired reminder done. Reports false when the reminder
// was no longer active, which makes duplicate fire attempts a no-op.
func (s *ReminderStore) CompleteFired(id int64) (bool, error) {
	result, err := s.db.Exec(
		`UPDATE reminders SET status = ?, updated_at = ? WHERE id = ? AND status = ?`,
		model.ReminderDone, time.Now().UTC(), id, model.ReminderActive,
	)
	if err != nil {
		return false, fmt.Errorf("complete reminder: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return n > 0, nil
}

// RescheduleFired moves a repeating reminder to its next occurrence, keeping
// it active. Reports false when the reminder was no longer active.
func (s *ReminderStore) RescheduleFired(id int64, dueUTC time.Time, dueLocal string) (bool, error) {
	result, err := s.db.Exec(
		`UPDATE reminders
		 SET due_at_utc = ?, due_at_local = ?, due_bucket = ?, updated_at = ?
		 WHERE id = ? AND status = ?`,
		dueUTC.UTC(), dueLocal, dueBucket(dueUTC), time.Now().UTC(), id, model.ReminderActive,
	)
	if err != nil {
		return false, fmt.Errorf("reschedule reminder: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return n > 0, nil
}

// SetEventLink points the reminder at a calendar event, or clears the link
// when eventID is nil. Returns nil, nil when the reminder does not exist.
func (s *ReminderStore) SetEventLink(id int64, eventID *int64) (*model.Reminder, error) {
	result, err := s.db.Exec(
		`UPDATE reminders SET calendar_event_id = ?, updated_at = ? WHERE id = ?`,
		nullInt64(eventID), time.Now().UTC(), id,
	)
	if err != nil {
		return nil, fmt.Errorf("set event link: %w", err)
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

// UnlinkEvent clears the event link on every reminder pointing at eventID and
// reports how many were unlinked.
func (s *ReminderStore) UnlinkEvent(eventID int64) (int64, error) {
	result, err := s.db.Exec(
		`UPDATE reminders SET calendar_event_id = NULL, updated_at = ? WHERE calendar_event_id = ?`,
		time.Now().UTC(), eventID,
	)
	if err != nil {
		return 0, fmt.Errorf("unlink event reminders: %w", err)
	}
	return result.RowsAffected()
}
