package schedule

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jmhodges/clock"

	"github.com/dukerupert/chime/internal/metrics"
	"github.com/dukerupert/chime/internal/model"
	"github.com/dukerupert/chime/internal/recurrence"
	"github.com/dukerupert/chime/internal/store"
)

// Dispatcher delivers one fired reminder to one device. Implementations
// record the delivery ledger row themselves.
type Dispatcher interface {
	Deliver(ctx context.Context, r *model.Reminder, d model.Device) error
}

// Broadcaster pushes fire events to the owner's live sessions.
type Broadcaster interface {
	ReminderFired(userID, reminderID int64, title string)
}

// FireHandler executes reminder.fire jobs: re-check status, record lag,
// dispatch to every device, then reschedule or complete the reminder.
type FireHandler struct {
	reminders *store.ReminderStore
	devices   *store.DeviceStore
	dispatch  Dispatcher
	hub       Broadcaster
	sched     Client
	metrics   *metrics.Metrics
	clk       clock.Clock
	logger    *slog.Logger
}

func NewFireHandler(
	reminders *store.ReminderStore,
	devices *store.DeviceStore,
	dispatch Dispatcher,
	hub Broadcaster,
	sched Client,
	m *metrics.Metrics,
	clk clock.Clock,
	logger *slog.Logger,
) *FireHandler {
	return &FireHandler{
		reminders: reminders,
		devices:   devices,
		dispatch:  dispatch,
		hub:       hub,
		sched:     sched,
		metrics:   m,
		clk:       clk,
		logger:    logger.With("component", "fire"),
	}
}

// Handle fires one reminder. Errors bubble up only for store failures, which
// the runner retries; everything about the reminder itself is settled here.
func (h *FireHandler) Handle(ctx context.Context, job model.Job) error {
	id, err := ReminderID(job.DedupKey)
	if err != nil {
		h.logger.Error("drop fire job", "key", job.DedupKey, "error", err)
		return nil
	}

	r, err := h.reminders.GetByID(id)
	if err != nil {
		return fmt.Errorf("load reminder %d: %w", id, err)
	}
	// Cancelled, snoozed, done, or already handled by another worker.
	if r == nil || r.Status != model.ReminderActive {
		return nil
	}

	now := h.clk.Now().UTC()

	// A due instant still in the future means the reminder moved after this
	// job was claimed. Put the timer back and let it fire then.
	if r.DueAtUTC.After(now) {
		return h.sched.ScheduleAt(ctx, KindReminderFire, job.DedupKey, r.DueAtUTC)
	}

	lag := now.Sub(r.DueAtUTC)
	h.metrics.ReminderFired(lag)
	h.logger.Info("reminder fired",
		"reminder_id", r.ID,
		"user_id", r.UserID,
		"lag_ms", lag.Milliseconds(),
	)

	// Delivery failures never block the status flip below; each device is
	// its own attempt and the ledger keeps the outcome.
	devices, err := h.devices.ListByUser(r.UserID)
	if err != nil {
		h.logger.Error("list devices", "reminder_id", r.ID, "error", err)
		devices = nil
	}
	for _, d := range devices {
		if err := h.dispatch.Deliver(ctx, r, d); err != nil {
			h.logger.Error("deliver reminder",
				"reminder_id", r.ID,
				"device_id", d.ID,
				"platform", d.Platform,
				"error", err,
			)
		}
	}

	if h.hub != nil {
		h.hub.ReminderFired(r.UserID, r.ID, r.Title)
	}

	if r.RepeatRule == "" {
		_, err := h.reminders.CompleteFired(r.ID)
		return err
	}
	return h.reschedule(ctx, job, r, now)
}

func (h *FireHandler) reschedule(ctx context.Context, job model.Job, r *model.Reminder, now time.Time) error {
	rule, err := recurrence.Parse(r.RepeatRule)
	if err != nil {
		// The rule was validated at write time; if it rotted, stop the series.
		h.logger.Error("unparseable repeat rule", "reminder_id", r.ID, "error", err)
		_, err := h.reminders.CompleteFired(r.ID)
		return err
	}

	next, ok := recurrence.Next(rule, r.DueAtUTC, now)
	if !ok {
		_, err := h.reminders.CompleteFired(r.ID)
		return err
	}

	moved, err := h.reminders.RescheduleFired(r.ID, next, model.LocalWallTime(next, r.Timezone))
	if err != nil {
		return fmt.Errorf("reschedule reminder %d: %w", r.ID, err)
	}
	if !moved {
		// Another writer changed the status mid-fire; their state wins.
		return nil
	}
	h.logger.Info("reminder rescheduled", "reminder_id", r.ID, "next", next)
	return h.sched.ScheduleAt(ctx, KindReminderFire, job.DedupKey, next)
}

// RebuildFromStore registers a fire timer for every active reminder still due
// in the future. Run at process start: reminder rows are authoritative and
// the jobs table is derived from them. Past-due pending jobs survive in the
// table on their own and are claimed on the first tick.
func (h *FireHandler) RebuildFromStore(ctx context.Context) (int, error) {
	now := h.clk.Now().UTC()
	active, err := h.reminders.ListActiveDueAfter(now)
	if err != nil {
		return 0, fmt.Errorf("list active reminders: %w", err)
	}

	n := 0
	for _, r := range active {
		if err := h.sched.ScheduleAt(ctx, KindReminderFire, ReminderKey(r.ID), r.DueAtUTC); err != nil {
			h.logger.Error("rebuild timer", "reminder_id", r.ID, "error", err)
			continue
		}
		n++
	}
	return n, nil
}
