package calendar

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/jmhodges/clock"

	"github.com/dukerupert/chime/internal/database"
	"github.com/dukerupert/chime/internal/errs"
	"github.com/dukerupert/chime/internal/model"
	"github.com/dukerupert/chime/internal/schedule"
	"github.com/dukerupert/chime/internal/store"
)

type fixture struct {
	svc        *Service
	events     *store.EventStore
	categories *store.CategoryStore
	reminders  *store.ReminderStore
	syncStates *store.SyncStateStore
	jobs       *store.JobStore
	clk        clock.FakeClock
}

func setupService(t *testing.T) *fixture {
	t.Helper()
	db, err := database.Open(":memory:")
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	// Ensure foreign keys are enforced (modernc/sqlite may not honor DSN param for :memory:)
	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		t.Fatalf("enable foreign keys: %v", err)
	}

	clk := clock.NewFake()
	clk.Set(time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC))

	f := &fixture{
		events:     store.NewEventStore(db),
		categories: store.NewCategoryStore(db),
		reminders:  store.NewReminderStore(db),
		syncStates: store.NewSyncStateStore(db),
		jobs:       store.NewJobStore(db),
		clk:        clk,
	}
	f.svc = NewService(f.events, f.categories, f.reminders, f.syncStates,
		schedule.NewStoreClient(f.jobs, clk), slog.Default())
	return f
}

func (f *fixture) draft(title string) CreateInput {
	return CreateInput{
		Title:    title,
		StartsAt: time.Date(2026, 4, 10, 14, 0, 0, 0, time.UTC),
		EndsAt:   time.Date(2026, 4, 10, 15, 0, 0, 0, time.UTC),
		Timezone: "America/New_York",
	}
}

func TestCreateDefaults(t *testing.T) {
	f := setupService(t)

	in := f.draft("Dentist")
	in.EndsAt = time.Time{}
	ev, err := f.svc.Create(context.Background(), 1, in)
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	if want := in.StartsAt.Add(time.Hour); !ev.EndsAt.Equal(want) {
		t.Errorf("ends_at = %v, want %v", ev.EndsAt, want)
	}
	if ev.Status != model.EventConfirmed {
		t.Errorf("status = %q, want confirmed", ev.Status)
	}
	if ev.Source != model.SourceInternal {
		t.Errorf("source = %q, want internal", ev.Source)
	}
}

func TestCreateValidation(t *testing.T) {
	f := setupService(t)
	ctx := context.Background()

	cases := []struct {
		name   string
		mutate func(*CreateInput)
	}{
		{"missing title", func(in *CreateInput) { in.Title = "" }},
		{"missing start", func(in *CreateInput) { in.StartsAt = time.Time{} }},
		{"inverted range", func(in *CreateInput) { in.EndsAt = in.StartsAt.Add(-time.Minute) }},
		{"bad rule", func(in *CreateInput) { in.RRule = "FREQ=SOMETIMES" }},
		{"bad status", func(in *CreateInput) { in.Status = "maybe" }},
	}
	for _, tc := range cases {
		in := f.draft("Dentist")
		tc.mutate(&in)
		_, err := f.svc.Create(ctx, 1, in)
		if !errs.IsCode(err, errs.CodeValidation) {
			t.Errorf("%s: err = %v, want VALIDATION_ERROR", tc.name, err)
		}
	}
}

func TestCreateCategoryOwnership(t *testing.T) {
	f := setupService(t)
	ctx := context.Background()

	mine, err := f.categories.Create(1, "Health", "#00ff00")
	if err != nil {
		t.Fatalf("create category: %v", err)
	}
	theirs, err := f.categories.Create(2, "Work", "#0000ff")
	if err != nil {
		t.Fatalf("create category: %v", err)
	}

	in := f.draft("Dentist")
	in.CategoryID = &theirs.ID
	if _, err := f.svc.Create(ctx, 1, in); !errs.IsCode(err, errs.CodeInvalidCategory) {
		t.Errorf("foreign category: err = %v, want INVALID_CATEGORY", err)
	}

	missing := int64(999)
	in.CategoryID = &missing
	if _, err := f.svc.Create(ctx, 1, in); !errs.IsCode(err, errs.CodeInvalidCategory) {
		t.Errorf("missing category: err = %v, want INVALID_CATEGORY", err)
	}

	in.CategoryID = &mine.ID
	ev, err := f.svc.Create(ctx, 1, in)
	if err != nil {
		t.Fatalf("create with own category: %v", err)
	}
	if ev.CategoryID == nil || *ev.CategoryID != mine.ID {
		t.Errorf("category_id = %v, want %d", ev.CategoryID, mine.ID)
	}
}

func TestCreateQueuesSyncPush(t *testing.T) {
	f := setupService(t)
	ctx := context.Background()

	if _, err := f.syncStates.Ensure(1); err != nil {
		t.Fatalf("ensure sync state: %v", err)
	}

	if _, err := f.svc.Create(ctx, 1, f.draft("Dentist")); err != nil {
		t.Fatalf("create: %v", err)
	}
	job, err := f.jobs.Get(schedule.KindSyncPush, schedule.UserKey(1))
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	if job == nil {
		t.Fatal("no sync push queued for sync-enabled user")
	}

	// A user without sync gets no push job.
	if _, err := f.svc.Create(ctx, 2, f.draft("Standup")); err != nil {
		t.Fatalf("create: %v", err)
	}
	job, err = f.jobs.Get(schedule.KindSyncPush, schedule.UserKey(2))
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	if job != nil {
		t.Error("sync push queued for user without sync state")
	}
}

func TestUpdatePartial(t *testing.T) {
	f := setupService(t)
	ctx := context.Background()

	ev, err := f.svc.Create(ctx, 1, f.draft("Dentist"))
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	loc := "Room 4"
	updated, err := f.svc.Update(ctx, 1, ev.ID, UpdateInput{Location: &loc})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if updated.Location != "Room 4" {
		t.Errorf("location = %q, want Room 4", updated.Location)
	}
	if updated.Title != "Dentist" {
		t.Errorf("title = %q, want unchanged Dentist", updated.Title)
	}

	// Moving the start past the current end must fail against the resulting
	// times, not the stored ones.
	late := ev.EndsAt.Add(time.Hour)
	if _, err := f.svc.Update(ctx, 1, ev.ID, UpdateInput{StartsAt: &late}); !errs.IsCode(err, errs.CodeValidation) {
		t.Errorf("inverted update: err = %v, want VALIDATION_ERROR", err)
	}

	empty := ""
	if _, err := f.svc.Update(ctx, 1, ev.ID, UpdateInput{Title: &empty}); !errs.IsCode(err, errs.CodeValidation) {
		t.Errorf("empty title: err = %v, want VALIDATION_ERROR", err)
	}
}

func TestUpdateOwnership(t *testing.T) {
	f := setupService(t)
	ctx := context.Background()

	ev, err := f.svc.Create(ctx, 1, f.draft("Dentist"))
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	loc := "elsewhere"
	if _, err := f.svc.Update(ctx, 2, ev.ID, UpdateInput{Location: &loc}); !errs.IsCode(err, errs.CodeNotFound) {
		t.Errorf("other user's update: err = %v, want NOT_FOUND", err)
	}
	if _, err := f.svc.Update(ctx, 1, 999, UpdateInput{Location: &loc}); !errs.IsCode(err, errs.CodeNotFound) {
		t.Errorf("missing event: err = %v, want NOT_FOUND", err)
	}
}

func TestCancelUnlinksReminders(t *testing.T) {
	f := setupService(t)
	ctx := context.Background()

	ev, err := f.svc.Create(ctx, 1, f.draft("Dentist"))
	if err != nil {
		t.Fatalf("create event: %v", err)
	}

	var linked []int64
	for _, title := range []string{"Leave now", "Bring insurance card"} {
		r, err := f.reminders.Create(store.ReminderDraft{
			UserID:          1,
			Title:           title,
			DueAtUTC:        ev.StartsAt.Add(-time.Hour),
			DueAtLocal:      "2026-04-10 09:00",
			Timezone:        "America/New_York",
			CalendarEventID: &ev.ID,
		})
		if err != nil {
			t.Fatalf("create reminder: %v", err)
		}
		linked = append(linked, r.ID)
	}

	cancelled, err := f.svc.Cancel(ctx, 1, ev.ID)
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if cancelled.Status != model.EventCancelled {
		t.Errorf("status = %q, want cancelled", cancelled.Status)
	}

	for _, id := range linked {
		r, err := f.reminders.GetByID(id)
		if err != nil {
			t.Fatalf("get reminder: %v", err)
		}
		if r.CalendarEventID != nil {
			t.Errorf("reminder %d still linked to cancelled event", id)
		}
	}
}

func TestListMergesAndSorts(t *testing.T) {
	f := setupService(t)
	ctx := context.Background()

	from := time.Date(2026, 4, 6, 0, 0, 0, 0, time.UTC)
	to := time.Date(2026, 4, 13, 0, 0, 0, 0, time.UTC)

	single := f.draft("Dentist") // Apr 10, 14:00
	if _, err := f.svc.Create(ctx, 1, single); err != nil {
		t.Fatalf("create single: %v", err)
	}

	weekly := CreateInput{
		Title:    "Standup",
		StartsAt: time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC), // a Monday, weeks before the window
		EndsAt:   time.Date(2026, 3, 2, 9, 15, 0, 0, time.UTC),
		Timezone: "UTC",
		RRule:    "FREQ=WEEKLY;BYDAY=MO,WE",
	}
	if _, err := f.svc.Create(ctx, 1, weekly); err != nil {
		t.Fatalf("create weekly: %v", err)
	}

	outside := f.draft("Next month")
	outside.StartsAt = time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)
	outside.EndsAt = time.Date(2026, 5, 1, 11, 0, 0, 0, time.UTC)
	if _, err := f.svc.Create(ctx, 1, outside); err != nil {
		t.Fatalf("create outside: %v", err)
	}

	instances, err := f.svc.List(ctx, 1, from, to, "")
	if err != nil {
		t.Fatalf("list: %v", err)
	}

	// Mon Apr 6, Wed Apr 8 from the rule, then the single on Apr 10.
	if len(instances) != 3 {
		t.Fatalf("got %d instances, want 3: %+v", len(instances), instances)
	}
	for i := 1; i < len(instances); i++ {
		if instances[i].InstanceStart.Before(instances[i-1].InstanceStart) {
			t.Errorf("instances out of order at %d", i)
		}
	}

	first := instances[0]
	if first.Title != "Standup" || !first.Recurring {
		t.Errorf("first instance = %+v, want recurring Standup", first)
	}
	if want := time.Date(2026, 4, 6, 9, 0, 0, 0, time.UTC); !first.InstanceStart.Equal(want) {
		t.Errorf("first start = %v, want %v", first.InstanceStart, want)
	}
	if got := first.InstanceEnd.Sub(first.InstanceStart); got != 15*time.Minute {
		t.Errorf("occurrence duration = %v, want 15m", got)
	}
	if last := instances[2]; last.Title != "Dentist" || last.Recurring {
		t.Errorf("last instance = %+v, want single Dentist", last)
	}
}

func TestListCapSharedAcrossRules(t *testing.T) {
	f := setupService(t)
	ctx := context.Background()

	anchor := time.Date(2026, 4, 1, 8, 0, 0, 0, time.UTC)
	for _, title := range []string{"Meds morning", "Meds evening"} {
		in := CreateInput{
			Title:    title,
			StartsAt: anchor,
			EndsAt:   anchor.Add(5 * time.Minute),
			Timezone: "UTC",
			RRule:    "FREQ=DAILY",
		}
		if _, err := f.svc.Create(ctx, 1, in); err != nil {
			t.Fatalf("create %s: %v", title, err)
		}
		anchor = anchor.Add(10 * time.Hour)
	}

	// Two years of two daily rules is ~1460 occurrences; the shared cap
	// truncates the request at 1000.
	instances, err := f.svc.List(ctx, 1, anchor.AddDate(0, 0, -1), anchor.AddDate(2, 0, 0), "")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(instances) != 1000 {
		t.Errorf("got %d instances, want the 1000 cap", len(instances))
	}
}

func TestListStatusFilter(t *testing.T) {
	f := setupService(t)
	ctx := context.Background()

	confirmed := f.draft("Dentist")
	if _, err := f.svc.Create(ctx, 1, confirmed); err != nil {
		t.Fatalf("create: %v", err)
	}
	tentative := f.draft("Maybe lunch")
	tentative.Status = model.EventTentative
	if _, err := f.svc.Create(ctx, 1, tentative); err != nil {
		t.Fatalf("create: %v", err)
	}

	from := time.Date(2026, 4, 6, 0, 0, 0, 0, time.UTC)
	to := time.Date(2026, 4, 13, 0, 0, 0, 0, time.UTC)

	all, err := f.svc.List(ctx, 1, from, to, "")
	if err != nil {
		t.Fatalf("list all: %v", err)
	}
	if len(all) != 2 {
		t.Errorf("got %d instances, want 2", len(all))
	}

	only, err := f.svc.List(ctx, 1, from, to, model.EventTentative)
	if err != nil {
		t.Fatalf("list tentative: %v", err)
	}
	if len(only) != 1 || only[0].Title != "Maybe lunch" {
		t.Errorf("filtered list = %+v, want just Maybe lunch", only)
	}

	if _, err := f.svc.List(ctx, 1, to, from, ""); !errs.IsCode(err, errs.CodeValidation) {
		t.Errorf("inverted window: err = %v, want VALIDATION_ERROR", err)
	}
}

func TestLink(t *testing.T) {
	f := setupService(t)
	ctx := context.Background()

	ev, err := f.svc.Create(ctx, 1, f.draft("Dentist"))
	if err != nil {
		t.Fatalf("create event: %v", err)
	}
	r, err := f.reminders.Create(store.ReminderDraft{
		UserID:     1,
		Title:      "Leave now",
		DueAtUTC:   ev.StartsAt.Add(-time.Hour),
		DueAtLocal: "2026-04-10 09:00",
		Timezone:   "America/New_York",
	})
	if err != nil {
		t.Fatalf("create reminder: %v", err)
	}

	linked, err := f.svc.Link(ctx, 1, r.ID, ev.ID)
	if err != nil {
		t.Fatalf("link: %v", err)
	}
	if linked.CalendarEventID == nil || *linked.CalendarEventID != ev.ID {
		t.Errorf("calendar_event_id = %v, want %d", linked.CalendarEventID, ev.ID)
	}

	unlinked, err := f.svc.Unlink(ctx, 1, r.ID)
	if err != nil {
		t.Fatalf("unlink: %v", err)
	}
	if unlinked.CalendarEventID != nil {
		t.Errorf("calendar_event_id = %v after unlink, want nil", unlinked.CalendarEventID)
	}
}

func TestLinkRejections(t *testing.T) {
	f := setupService(t)
	ctx := context.Background()

	ev, err := f.svc.Create(ctx, 1, f.draft("Dentist"))
	if err != nil {
		t.Fatalf("create event: %v", err)
	}
	r, err := f.reminders.Create(store.ReminderDraft{
		UserID:     1,
		Title:      "Leave now",
		DueAtUTC:   ev.StartsAt.Add(-time.Hour),
		DueAtLocal: "2026-04-10 09:00",
		Timezone:   "America/New_York",
	})
	if err != nil {
		t.Fatalf("create reminder: %v", err)
	}

	if _, err := f.svc.Link(ctx, 2, r.ID, ev.ID); !errs.IsCode(err, errs.CodeNotFound) {
		t.Errorf("foreign caller: err = %v, want NOT_FOUND", err)
	}
	if _, err := f.svc.Link(ctx, 1, r.ID, 999); !errs.IsCode(err, errs.CodeNotFound) {
		t.Errorf("missing event: err = %v, want NOT_FOUND", err)
	}

	noteID := int64(5)
	noted, err := f.reminders.Create(store.ReminderDraft{
		UserID:     1,
		Title:      "Read note",
		DueAtUTC:   ev.StartsAt,
		DueAtLocal: "2026-04-10 10:00",
		Timezone:   "America/New_York",
		NoteID:     &noteID,
	})
	if err != nil {
		t.Fatalf("create noted reminder: %v", err)
	}
	if _, err := f.svc.Link(ctx, 1, noted.ID, ev.ID); !errs.IsCode(err, errs.CodeValidation) {
		t.Errorf("note-linked reminder: err = %v, want VALIDATION_ERROR", err)
	}

	if _, err := f.svc.Cancel(ctx, 1, ev.ID); err != nil {
		t.Fatalf("cancel event: %v", err)
	}
	if _, err := f.svc.Link(ctx, 1, r.ID, ev.ID); !errs.IsCode(err, errs.CodeValidation) {
		t.Errorf("cancelled event: err = %v, want VALIDATION_ERROR", err)
	}
}

func TestCategoryService(t *testing.T) {
	f := setupService(t)
	ctx := context.Background()

	cat, err := f.svc.CreateCategory(ctx, 1, "Health", "#00ff00")
	if err != nil {
		t.Fatalf("create category: %v", err)
	}
	if _, err := f.svc.CreateCategory(ctx, 1, "Health", "#111111"); !errs.IsCode(err, errs.CodeValidation) {
		t.Errorf("duplicate name: err = %v, want VALIDATION_ERROR", err)
	}
	if _, err := f.svc.CreateCategory(ctx, 1, "", "#111111"); !errs.IsCode(err, errs.CodeValidation) {
		t.Errorf("empty name: err = %v, want VALIDATION_ERROR", err)
	}

	cats, err := f.svc.ListCategories(ctx, 1)
	if err != nil {
		t.Fatalf("list categories: %v", err)
	}
	if len(cats) != 1 {
		t.Errorf("got %d categories, want 1", len(cats))
	}

	if err := f.svc.DeleteCategory(ctx, 2, cat.ID); !errs.IsCode(err, errs.CodeNotFound) {
		t.Errorf("foreign delete: err = %v, want NOT_FOUND", err)
	}
	if err := f.svc.DeleteCategory(ctx, 1, cat.ID); err != nil {
		t.Fatalf("delete category: %v", err)
	}
}
