// Package calendar implements event CRUD with recurrence-aware window
// listings and the reminder-to-event links.
package calendar

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"time"

	"github.com/dukerupert/chime/internal/errs"
	"github.com/dukerupert/chime/internal/model"
	"github.com/dukerupert/chime/internal/recurrence"
	"github.com/dukerupert/chime/internal/schedule"
	"github.com/dukerupert/chime/internal/store"
)

type Service struct {
	events     *store.EventStore
	categories *store.CategoryStore
	reminders  *store.ReminderStore
	syncStates *store.SyncStateStore
	sched      schedule.Client
	logger     *slog.Logger
}

func NewService(
	events *store.EventStore,
	categories *store.CategoryStore,
	reminders *store.ReminderStore,
	syncStates *store.SyncStateStore,
	sched schedule.Client,
	logger *slog.Logger,
) *Service {
	return &Service{
		events:     events,
		categories: categories,
		reminders:  reminders,
		syncStates: syncStates,
		sched:      sched,
		logger:     logger.With("component", "calendar"),
	}
}

// CreateInput carries the caller-supplied fields for a new event. A zero
// EndsAt defaults to one hour after StartsAt; an empty Status means confirmed.
type CreateInput struct {
	Title       string
	Description string
	StartsAt    time.Time
	EndsAt      time.Time
	Timezone    string
	Location    string
	RRule       string
	Status      model.EventStatus
	CategoryID  *int64
}

func (s *Service) Create(ctx context.Context, userID int64, in CreateInput) (*model.CalendarEvent, error) {
	if in.Title == "" {
		return nil, errs.Validation("title is required")
	}
	if in.StartsAt.IsZero() {
		return nil, errs.Validation("starts_at is required")
	}
	if in.EndsAt.IsZero() {
		in.EndsAt = in.StartsAt.Add(time.Hour)
	}
	if !in.EndsAt.After(in.StartsAt) {
		return nil, errs.Validation("ends_at must be after starts_at")
	}
	if in.Status != "" && !in.Status.Valid() {
		return nil, errs.Validation("unknown event status %q", in.Status)
	}
	if in.RRule != "" {
		if err := validateRule(in.RRule, in.StartsAt); err != nil {
			return nil, err
		}
	}
	if err := s.checkCategory(userID, in.CategoryID); err != nil {
		return nil, err
	}

	ev, err := s.events.Create(store.EventDraft{
		UserID:      userID,
		Title:       in.Title,
		Description: in.Description,
		StartsAt:    in.StartsAt,
		EndsAt:      in.EndsAt,
		Timezone:    in.Timezone,
		Location:    in.Location,
		RRule:       in.RRule,
		Status:      in.Status,
		CategoryID:  in.CategoryID,
	})
	if err != nil {
		return nil, errs.Internal("create event", err)
	}

	s.queuePush(ctx, userID)
	return ev, nil
}

// UpdateInput is a typed partial update: nil fields are left unchanged.
type UpdateInput struct {
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

func (s *Service) Update(ctx context.Context, userID, eventID int64, in UpdateInput) (*model.CalendarEvent, error) {
	ev, err := s.events.GetByID(eventID)
	if err != nil {
		return nil, errs.Internal("load event", err)
	}
	if ev == nil || ev.UserID != userID {
		return nil, errs.NotFound("event %d not found", eventID)
	}

	// Validate against the times and rule the row will end up with, not the
	// ones it had.
	starts, ends := ev.StartsAt, ev.EndsAt
	if in.StartsAt != nil {
		starts = *in.StartsAt
	}
	if in.EndsAt != nil {
		ends = *in.EndsAt
	}
	if !ends.After(starts) {
		return nil, errs.Validation("ends_at must be after starts_at")
	}

	rule := ev.RRule
	if in.RRule != nil {
		rule = *in.RRule
	}
	if rule != "" {
		if err := validateRule(rule, starts); err != nil {
			return nil, err
		}
	}

	if in.Title != nil && *in.Title == "" {
		return nil, errs.Validation("title cannot be empty")
	}
	if in.Status != nil && !in.Status.Valid() {
		return nil, errs.Validation("unknown event status %q", *in.Status)
	}
	if in.CategoryID != nil {
		if err := s.checkCategory(userID, in.CategoryID); err != nil {
			return nil, err
		}
	}

	updated, err := s.events.Update(eventID, store.EventUpdate{
		Title:         in.Title,
		Description:   in.Description,
		StartsAt:      in.StartsAt,
		EndsAt:        in.EndsAt,
		Timezone:      in.Timezone,
		Location:      in.Location,
		RRule:         in.RRule,
		Status:        in.Status,
		CategoryID:    in.CategoryID,
		ClearCategory: in.ClearCategory,
	})
	if err != nil {
		return nil, errs.Internal("update event", err)
	}
	if updated == nil {
		return nil, errs.NotFound("event %d not found", eventID)
	}

	if in.Status != nil && *in.Status == model.EventCancelled && ev.Status != model.EventCancelled {
		n, err := s.reminders.UnlinkEvent(eventID)
		if err != nil {
			return nil, errs.Internal("unlink reminders", err)
		}
		if n > 0 {
			s.logger.Info("reminders unlinked from cancelled event", "event_id", eventID, "count", n)
		}
	}

	s.queuePush(ctx, userID)
	return updated, nil
}

// Cancel marks the event cancelled, which also detaches any linked reminders.
func (s *Service) Cancel(ctx context.Context, userID, eventID int64) (*model.CalendarEvent, error) {
	cancelled := model.EventCancelled
	return s.Update(ctx, userID, eventID, UpdateInput{Status: &cancelled})
}

// List returns the user's events materialized over [from, to): single events
// that overlap the window plus every expanded occurrence of recurring ones.
// Expansion across the whole request is capped; hitting the cap truncates and
// logs rather than failing. An empty status returns confirmed and tentative
// events alike.
func (s *Service) List(ctx context.Context, userID int64, from, to time.Time, status model.EventStatus) ([]model.EventInstance, error) {
	if !to.After(from) {
		return nil, errs.Validation("window end must be after window start")
	}
	if status != "" && !status.Valid() {
		return nil, errs.Validation("unknown event status %q", status)
	}

	events, err := s.events.ListForWindow(userID, from, to, status)
	if err != nil {
		return nil, errs.Internal("list events", err)
	}

	var (
		instances []model.EventInstance
		budget    = recurrence.MaxInstances
		truncated bool
	)
	for i := range events {
		ev := events[i]
		if ev.RRule == "" {
			instances = append(instances, model.EventInstance{
				CalendarEvent: ev,
				InstanceStart: ev.StartsAt,
				InstanceEnd:   ev.EndsAt,
			})
			continue
		}

		if budget <= 0 {
			truncated = true
			continue
		}

		rule, err := recurrence.Parse(ev.RRule)
		if err != nil {
			// The rule was validated at write time; if it rotted, fall back
			// to the anchor occurrence.
			s.logger.Error("invalid recurrence rule", "event_id", ev.ID, "rule", ev.RRule, "error", err)
			if ev.EndsAt.After(from) && ev.StartsAt.Before(to) {
				instances = append(instances, model.EventInstance{
					CalendarEvent: ev,
					InstanceStart: ev.StartsAt,
					InstanceEnd:   ev.EndsAt,
				})
			}
			continue
		}

		occs, trunc := recurrence.Expand(rule, ev.StartsAt, ev.EndsAt, from, to, budget)
		budget -= len(occs)
		if trunc {
			truncated = true
		}
		for _, occ := range occs {
			instances = append(instances, model.EventInstance{
				CalendarEvent: ev,
				InstanceStart: occ.Start,
				InstanceEnd:   occ.End,
				Recurring:     true,
			})
		}
	}

	if truncated {
		s.logger.Warn("event expansion truncated",
			"user_id", userID,
			"cap", recurrence.MaxInstances,
			"from", from,
			"to", to,
		)
	}

	sort.Slice(instances, func(i, j int) bool {
		if instances[i].InstanceStart.Equal(instances[j].InstanceStart) {
			return instances[i].ID < instances[j].ID
		}
		return instances[i].InstanceStart.Before(instances[j].InstanceStart)
	})
	return instances, nil
}

// Link points a reminder at a calendar event. A reminder carries at most one
// link, so one already attached to a note or task is rejected; relinking from
// one event to another is allowed.
func (s *Service) Link(ctx context.Context, userID, reminderID, eventID int64) (*model.Reminder, error) {
	r, err := s.reminders.GetByID(reminderID)
	if err != nil {
		return nil, errs.Internal("load reminder", err)
	}
	if r == nil || r.UserID != userID {
		return nil, errs.NotFound("reminder %d not found", reminderID)
	}
	if r.NoteID != nil || r.TaskID != nil {
		return nil, errs.Validation("reminder %d is already linked elsewhere", reminderID)
	}

	ev, err := s.events.GetByID(eventID)
	if err != nil {
		return nil, errs.Internal("load event", err)
	}
	if ev == nil || ev.UserID != userID {
		return nil, errs.NotFound("event %d not found", eventID)
	}
	if ev.Status == model.EventCancelled {
		return nil, errs.Validation("cannot link to a cancelled event")
	}

	linked, err := s.reminders.SetEventLink(reminderID, &eventID)
	if err != nil {
		return nil, errs.Internal("link reminder", err)
	}
	if linked == nil {
		return nil, errs.NotFound("reminder %d not found", reminderID)
	}
	return linked, nil
}

// Unlink detaches the reminder from whatever event it points at. Unlinking an
// unlinked reminder is a no-op.
func (s *Service) Unlink(ctx context.Context, userID, reminderID int64) (*model.Reminder, error) {
	r, err := s.reminders.GetByID(reminderID)
	if err != nil {
		return nil, errs.Internal("load reminder", err)
	}
	if r == nil || r.UserID != userID {
		return nil, errs.NotFound("reminder %d not found", reminderID)
	}

	unlinked, err := s.reminders.SetEventLink(reminderID, nil)
	if err != nil {
		return nil, errs.Internal("unlink reminder", err)
	}
	if unlinked == nil {
		return nil, errs.NotFound("reminder %d not found", reminderID)
	}
	return unlinked, nil
}

func (s *Service) CreateCategory(ctx context.Context, userID int64, name, color string) (*model.Category, error) {
	if name == "" {
		return nil, errs.Validation("category name is required")
	}
	cat, err := s.categories.Create(userID, name, color)
	if errors.Is(err, store.ErrDuplicate) {
		return nil, errs.Validation("category %q already exists", name)
	}
	if err != nil {
		return nil, errs.Internal("create category", err)
	}
	return cat, nil
}

func (s *Service) ListCategories(ctx context.Context, userID int64) ([]model.Category, error) {
	cats, err := s.categories.ListByUser(userID)
	if err != nil {
		return nil, errs.Internal("list categories", err)
	}
	return cats, nil
}

// DeleteCategory removes a category; events keep running with their category
// detached by the schema.
func (s *Service) DeleteCategory(ctx context.Context, userID, categoryID int64) error {
	cat, err := s.categories.GetByID(categoryID)
	if err != nil {
		return errs.Internal("load category", err)
	}
	if cat == nil || cat.UserID != userID {
		return errs.NotFound("category %d not found", categoryID)
	}
	if err := s.categories.Delete(categoryID); err != nil {
		return errs.Internal("delete category", err)
	}
	return nil
}

// checkCategory verifies the referenced category exists and belongs to the
// caller. A nil id is fine.
func (s *Service) checkCategory(userID int64, categoryID *int64) error {
	if categoryID == nil {
		return nil
	}
	cat, err := s.categories.GetByID(*categoryID)
	if err != nil {
		return errs.Internal("load category", err)
	}
	if cat == nil || cat.UserID != userID {
		return errs.InvalidCategory("category %d not found", *categoryID)
	}
	return nil
}

// validateRule rejects recurrence rules that fail to parse or that would
// produce more occurrences inside the expansion horizon than a listing may
// return.
func validateRule(raw string, anchor time.Time) error {
	rule, err := recurrence.Parse(raw)
	if err != nil {
		return errs.Validation("invalid recurrence rule: %v", err)
	}
	_, truncated := recurrence.Expand(rule, anchor, anchor, anchor, anchor.Add(recurrence.Horizon), recurrence.MaxInstances)
	if truncated {
		return errs.Validation("recurrence rule expands to more than %d occurrences within two years", recurrence.MaxInstances)
	}
	return nil
}

// queuePush schedules a provider push after a local mutation when the user
// has sync switched on. Failures are logged, not returned: the local write
// already happened and the periodic driver will catch the user up.
func (s *Service) queuePush(ctx context.Context, userID int64) {
	st, err := s.syncStates.Get(userID)
	if err != nil {
		s.logger.Error("load sync state", "user_id", userID, "error", err)
		return
	}
	if st == nil || !st.SyncEnabled {
		return
	}
	if err := s.sched.Enqueue(ctx, schedule.KindSyncPush, schedule.UserKey(userID)); err != nil {
		s.logger.Error("enqueue sync push", "user_id", userID, "error", err)
	}
}
