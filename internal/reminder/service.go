// Package reminder implements reminder CRUD on top of the store's dedup and
// status-transition rules, registering a fire timer for every instant a
// reminder becomes due.
package reminder

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/dukerupert/chime/internal/errs"
	"github.com/dukerupert/chime/internal/model"
	"github.com/dukerupert/chime/internal/recurrence"
	"github.com/dukerupert/chime/internal/schedule"
	"github.com/dukerupert/chime/internal/store"
)

type Service struct {
	reminders *store.ReminderStore
	sched     schedule.Client
	logger    *slog.Logger
}

func NewService(reminders *store.ReminderStore, sched schedule.Client, logger *slog.Logger) *Service {
	return &Service{
		reminders: reminders,
		sched:     sched,
		logger:    logger.With("component", "reminder"),
	}
}

// CreateInput carries the caller-supplied fields for a new reminder. DueAt is
// the absolute instant; the stored wall time is derived from it and Timezone
// (empty means UTC). At most one of the link ids may be set.
type CreateInput struct {
	Title           string
	Body            string
	DueAt           time.Time
	Timezone        string
	RepeatRule      string
	NoteID          *int64
	CalendarEventID *int64
	TaskID          *int64
}

// Create inserts an active reminder and registers its fire timer. A recent
// active duplicate (same title, due within a second) is returned with
// deduplicated=true instead of inserting a second copy; the store's
// uniqueness constraint backstops the read check under concurrent creates.
func (s *Service) Create(ctx context.Context, userID int64, in CreateInput) (r *model.Reminder, deduplicated bool, err error) {
	if in.Title == "" {
		return nil, false, errs.Validation("title is required")
	}
	if in.DueAt.IsZero() {
		return nil, false, errs.Validation("due_at is required")
	}
	if countLinks(in.NoteID, in.CalendarEventID, in.TaskID) > 1 {
		return nil, false, errs.Validation("a reminder links to at most one of note, event, or task")
	}
	if in.Timezone == "" {
		in.Timezone = "UTC"
	}
	if _, err := time.LoadLocation(in.Timezone); err != nil {
		return nil, false, errs.Validation("unknown timezone %q", in.Timezone)
	}
	if in.RepeatRule != "" {
		if _, err := recurrence.Parse(in.RepeatRule); err != nil {
			return nil, false, errs.Validation("invalid repeat rule: %v", err)
		}
	}

	due := in.DueAt.UTC()

	if dup, err := s.reminders.FindDuplicate(userID, in.Title, due); err != nil {
		return nil, false, errs.Internal("duplicate check", err)
	} else if dup != nil {
		return dup, true, s.registerFire(ctx, dup)
	}

	created, err := s.reminders.Create(store.ReminderDraft{
		UserID:          userID,
		Title:           in.Title,
		Body:            in.Body,
		DueAtUTC:        due,
		DueAtLocal:      model.LocalWallTime(due, in.Timezone),
		Timezone:        in.Timezone,
		RepeatRule:      in.RepeatRule,
		NoteID:          in.NoteID,
		CalendarEventID: in.CalendarEventID,
		TaskID:          in.TaskID,
	})
	if errors.Is(err, store.ErrDuplicate) {
		// Lost the constraint race: the winner's row is the caller's result.
		dup, derr := s.reminders.FindDuplicate(userID, in.Title, due)
		if derr != nil {
			return nil, false, errs.Internal("duplicate refetch", derr)
		}
		if dup == nil {
			return nil, false, errs.Internal("duplicate refetch", err)
		}
		return dup, true, s.registerFire(ctx, dup)
	}
	if err != nil {
		return nil, false, errs.Internal("create reminder", err)
	}

	return created, false, s.registerFire(ctx, created)
}

// UpdateInput is a typed partial update: nil fields are left unchanged. An
// empty RepeatRule clears the rule, turning the reminder one-shot.
type UpdateInput struct {
	Title      *string
	Body       *string
	DueAt      *time.Time
	Timezone   *string
	RepeatRule *string
}

func (s *Service) Update(ctx context.Context, userID, reminderID int64, in UpdateInput) (*model.Reminder, error) {
	r, err := s.owned(userID, reminderID)
	if err != nil {
		return nil, err
	}

	if in.Title != nil && *in.Title == "" {
		return nil, errs.Validation("title cannot be empty")
	}
	if in.Timezone != nil {
		if _, err := time.LoadLocation(*in.Timezone); err != nil {
			return nil, errs.Validation("unknown timezone %q", *in.Timezone)
		}
	}
	if in.RepeatRule != nil && *in.RepeatRule != "" {
		if _, err := recurrence.Parse(*in.RepeatRule); err != nil {
			return nil, errs.Validation("invalid repeat rule: %v", err)
		}
	}

	u := store.ReminderUpdate{
		Title:      in.Title,
		Body:       in.Body,
		Timezone:   in.Timezone,
		RepeatRule: in.RepeatRule,
	}

	// The stored wall time mirrors due instant and zone; recompute it when
	// either moves.
	if in.DueAt != nil || in.Timezone != nil {
		due := r.DueAtUTC
		if in.DueAt != nil {
			due = in.DueAt.UTC()
			u.DueAtUTC = &due
		}
		tz := r.Timezone
		if in.Timezone != nil {
			tz = *in.Timezone
		}
		local := model.LocalWallTime(due, tz)
		u.DueAtLocal = &local
	}

	updated, err := s.reminders.Update(reminderID, u)
	if errors.Is(err, store.ErrDuplicate) {
		return nil, errs.Validation("another active reminder has the same title and due time")
	}
	if err != nil {
		return nil, errs.Internal("update reminder", err)
	}
	if updated == nil {
		return nil, errs.NotFound("reminder %d not found", reminderID)
	}

	if in.DueAt != nil && updated.Status == model.ReminderActive {
		if err := s.registerFire(ctx, updated); err != nil {
			return nil, err
		}
	}
	return updated, nil
}

// Snooze pushes the due instant forward by d from the reminder's current due
// time and forces it back to active.
func (s *Service) Snooze(ctx context.Context, userID, reminderID int64, d time.Duration) (*model.Reminder, error) {
	r, err := s.owned(userID, reminderID)
	if err != nil {
		return nil, err
	}
	if d <= 0 {
		return nil, errs.Validation("snooze duration must be positive")
	}

	due := r.DueAtUTC.Add(d)
	snoozed, err := s.reminders.Snooze(reminderID, due, model.LocalWallTime(due, r.Timezone))
	if errors.Is(err, store.ErrIllegalTransition) {
		return nil, errs.Validation("cannot snooze a %s reminder", r.Status)
	}
	if err != nil {
		return nil, errs.Internal("snooze reminder", err)
	}
	if snoozed == nil {
		return nil, errs.NotFound("reminder %d not found", reminderID)
	}

	if err := s.registerFire(ctx, snoozed); err != nil {
		return nil, err
	}
	return snoozed, nil
}

// Cancel retires the reminder. Its pending timer is dropped best-effort; a
// fire that already claimed the job sees the status and aborts.
func (s *Service) Cancel(ctx context.Context, userID, reminderID int64) (*model.Reminder, error) {
	r, err := s.owned(userID, reminderID)
	if err != nil {
		return nil, err
	}

	cancelled, err := s.reminders.UpdateStatus(reminderID, model.ReminderCancelled)
	if errors.Is(err, store.ErrIllegalTransition) {
		return nil, errs.Validation("cannot cancel a %s reminder", r.Status)
	}
	if err != nil {
		return nil, errs.Internal("cancel reminder", err)
	}
	if cancelled == nil {
		return nil, errs.NotFound("reminder %d not found", reminderID)
	}

	if err := s.sched.Cancel(ctx, schedule.KindReminderFire, schedule.ReminderKey(reminderID)); err != nil {
		s.logger.Error("cancel fire timer", "reminder_id", reminderID, "error", err)
	}
	return cancelled, nil
}

func (s *Service) Get(ctx context.Context, userID, reminderID int64) (*model.Reminder, error) {
	return s.owned(userID, reminderID)
}

// List returns the user's reminders by due instant, optionally filtered to
// one status.
func (s *Service) List(ctx context.Context, userID int64, status model.ReminderStatus) ([]model.Reminder, error) {
	if status != "" && !status.Valid() {
		return nil, errs.Validation("unknown reminder status %q", status)
	}
	rs, err := s.reminders.ListByUser(userID, status)
	if err != nil {
		return nil, errs.Internal("list reminders", err)
	}
	return rs, nil
}

func (s *Service) owned(userID, reminderID int64) (*model.Reminder, error) {
	r, err := s.reminders.GetByID(reminderID)
	if err != nil {
		return nil, errs.Internal("load reminder", err)
	}
	if r == nil || r.UserID != userID {
		return nil, errs.NotFound("reminder %d not found", reminderID)
	}
	return r, nil
}

// registerFire upserts the reminder's single fire timer at its due instant.
func (s *Service) registerFire(ctx context.Context, r *model.Reminder) error {
	err := s.sched.ScheduleAt(ctx, schedule.KindReminderFire, schedule.ReminderKey(r.ID), r.DueAtUTC)
	if err != nil {
		return errs.Internal("register fire timer", err)
	}
	return nil
}

func countLinks(ids ...*int64) int {
	n := 0
	for _, id := range ids {
		if id != nil {
			n++
		}
	}
	return n
}
