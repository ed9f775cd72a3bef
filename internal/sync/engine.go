// Package sync moves calendar events between the local store and the user's
// external calendar. Push mirrors internally-sourced events out; pull applies
// remote changes back with last-writer-wins conflict handling. Both
// directions run as background jobs, never on a request path.
package sync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jmhodges/clock"
	"golang.org/x/oauth2"

	"github.com/dukerupert/chime/internal/gcal"
	"github.com/dukerupert/chime/internal/metrics"
	"github.com/dukerupert/chime/internal/model"
	"github.com/dukerupert/chime/internal/schedule"
	"github.com/dukerupert/chime/internal/store"
	"github.com/dukerupert/chime/internal/vault"
)

// calendarName is the dedicated secondary calendar provisioned on the
// provider; the engine never writes into the user's primary calendar.
const calendarName = "Chime"

// Provider is the narrow calendar-provider surface the engine drives.
// *gcal.Client implements it.
type Provider interface {
	EnsureCalendar(ctx context.Context, name string) (string, error)
	ListChanges(ctx context.Context, calendarID, syncToken string) ([]gcal.Event, string, error)
	Insert(ctx context.Context, calendarID string, ev gcal.Event) (string, error)
	Update(ctx context.Context, calendarID, remoteID string, ev gcal.Event) error
	Delete(ctx context.Context, calendarID, remoteID string) error
}

// ProviderFactory builds a provider client bound to one user's token source.
type ProviderFactory func(ts oauth2.TokenSource) Provider

// errNotConnected marks a user whose sync is on but whose credentials are
// gone or unreadable. Retrying cannot fix that, so cycles log and complete
// instead of failing.
var errNotConnected = errors.New("provider not connected")

// PushReport aggregates one push pass. Failed counts per-event provider
// errors that were logged and skipped.
type PushReport struct {
	Created int
	Updated int
	Deleted int
	Failed  int
}

// PullReport aggregates one pull pass. Skipped counts remote changes dropped
// by the conflict check.
type PullReport struct {
	Created   int
	Applied   int
	Cancelled int
	Skipped   int
	Failed    int
}

type Engine struct {
	events      *store.EventStore
	reminders   *store.ReminderStore
	syncStates  *store.SyncStateStore
	vault       *vault.Vault
	newProvider ProviderFactory
	metrics     *metrics.Metrics
	clk         clock.Clock
	logger      *slog.Logger
}

func NewEngine(
	events *store.EventStore,
	reminders *store.ReminderStore,
	syncStates *store.SyncStateStore,
	v *vault.Vault,
	newProvider ProviderFactory,
	m *metrics.Metrics,
	clk clock.Clock,
	logger *slog.Logger,
) *Engine {
	return &Engine{
		events:      events,
		reminders:   reminders,
		syncStates:  syncStates,
		vault:       v,
		newProvider: newProvider,
		metrics:     m,
		clk:         clk,
		logger:      logger.With("component", "sync"),
	}
}

// HandlePush adapts Push to the job runner. Keys that cannot name a user are
// dropped, and disconnected users complete rather than retry.
func (e *Engine) HandlePush(ctx context.Context, job model.Job) error {
	userID, err := schedule.UserID(job.DedupKey)
	if err != nil {
		e.logger.Error("drop malformed sync job", "key", job.DedupKey, "error", err)
		return nil
	}
	_, err = e.Push(ctx, userID)
	return err
}

// HandlePull adapts Pull to the job runner.
func (e *Engine) HandlePull(ctx context.Context, job model.Job) error {
	userID, err := schedule.UserID(job.DedupKey)
	if err != nil {
		e.logger.Error("drop malformed sync job", "key", job.DedupKey, "error", err)
		return nil
	}
	_, err = e.Pull(ctx, userID)
	return err
}

// Push mirrors the user's internally-sourced events to the provider:
// unpushed events are inserted, pushed ones updated, cancelled-and-pushed
// ones deleted remotely. Per-event provider errors are logged and counted
// without aborting the batch. Returns a nil report when sync is off.
func (e *Engine) Push(ctx context.Context, userID int64) (*PushReport, error) {
	st, err := e.syncStates.Get(userID)
	if err != nil {
		return nil, fmt.Errorf("load sync state: %w", err)
	}
	if st == nil || !st.SyncEnabled {
		return nil, nil
	}

	p, calID, err := e.providerFor(ctx, st)
	if errors.Is(err, errNotConnected) {
		e.logger.Error("sync enabled but provider not connected; reconnect required", "user_id", userID)
		return nil, nil
	}
	if err != nil {
		e.metrics.SyncFinished("push", err)
		return nil, err
	}

	events, err := e.events.ListBySource(userID, model.SourceInternal)
	if err != nil {
		e.metrics.SyncFinished("push", err)
		return nil, fmt.Errorf("list events: %w", err)
	}

	report := &PushReport{}
	for i := range events {
		ev := events[i]
		if err := e.pushOne(ctx, p, calID, &ev, report); err != nil {
			e.logger.Error("push event", "user_id", userID, "event_id", ev.ID, "error", err)
			report.Failed++
		}
	}

	if err := e.syncStates.Touch(userID, e.clk.Now()); err != nil {
		e.logger.Error("stamp last sync", "user_id", userID, "error", err)
	}
	e.metrics.SyncFinished("push", nil)
	e.logger.Info("push finished",
		"user_id", userID,
		"created", report.Created,
		"updated", report.Updated,
		"deleted", report.Deleted,
		"failed", report.Failed,
	)
	return report, nil
}

func (e *Engine) pushOne(ctx context.Context, p Provider, calID string, ev *model.CalendarEvent, report *PushReport) error {
	switch {
	case ev.Status == model.EventCancelled && ev.GoogleEventID != "":
		if err := p.Delete(ctx, calID, ev.GoogleEventID); err != nil {
			return fmt.Errorf("delete remote: %w", err)
		}
		if err := e.events.SetRemoteIDs(ev.ID, "", ""); err != nil {
			return err
		}
		report.Deleted++

	case ev.Status == model.EventCancelled:
		// Cancelled before it was ever pushed; the provider never saw it.

	case ev.GoogleEventID == "":
		remoteID, err := p.Insert(ctx, calID, toRemote(ev))
		if err != nil {
			return fmt.Errorf("insert remote: %w", err)
		}
		if err := e.events.SetRemoteIDs(ev.ID, remoteID, calID); err != nil {
			return err
		}
		report.Created++

	default:
		if err := p.Update(ctx, calID, ev.GoogleEventID, toRemote(ev)); err != nil {
			return fmt.Errorf("update remote: %w", err)
		}
		report.Updated++
	}
	return nil
}

// Pull applies remote changes to the local store. It reads incrementally from
// the stored cursor, falling back to a full listing when the provider expires
// it. Runs only for two-way users. Returns a nil report when skipped.
func (e *Engine) Pull(ctx context.Context, userID int64) (*PullReport, error) {
	st, err := e.syncStates.Get(userID)
	if err != nil {
		return nil, fmt.Errorf("load sync state: %w", err)
	}
	if st == nil || !st.SyncEnabled || st.SyncDirection != model.SyncTwoWay {
		return nil, nil
	}

	p, calID, err := e.providerFor(ctx, st)
	if errors.Is(err, errNotConnected) {
		e.logger.Error("sync enabled but provider not connected; reconnect required", "user_id", userID)
		return nil, nil
	}
	if err != nil {
		e.metrics.SyncFinished("pull", err)
		return nil, err
	}

	changes, nextToken, err := p.ListChanges(ctx, calID, st.SyncToken)
	if errors.Is(err, gcal.ErrSyncTokenExpired) {
		// Stale cursor: clear it and let the next pull run a full listing.
		e.logger.Warn("sync cursor expired, forcing full resync", "user_id", userID)
		if err := e.syncStates.SetCursor(userID, ""); err != nil {
			return nil, fmt.Errorf("clear sync cursor: %w", err)
		}
		return &PullReport{}, nil
	}
	if err != nil {
		e.metrics.SyncFinished("pull", err)
		return nil, fmt.Errorf("list changes: %w", err)
	}

	report := &PullReport{}
	for i := range changes {
		if err := e.pullOne(userID, calID, changes[i], report); err != nil {
			e.logger.Error("pull event", "user_id", userID, "remote_id", changes[i].ID, "error", err)
			report.Failed++
		}
	}

	if nextToken != "" {
		if err := e.syncStates.SetCursor(userID, nextToken); err != nil {
			e.logger.Error("store sync cursor", "user_id", userID, "error", err)
		}
	}
	if err := e.syncStates.Touch(userID, e.clk.Now()); err != nil {
		e.logger.Error("stamp last sync", "user_id", userID, "error", err)
	}
	e.metrics.SyncFinished("pull", nil)
	e.logger.Info("pull finished",
		"user_id", userID,
		"created", report.Created,
		"applied", report.Applied,
		"cancelled", report.Cancelled,
		"skipped", report.Skipped,
		"failed", report.Failed,
	)
	return report, nil
}

func (e *Engine) pullOne(userID int64, calID string, re gcal.Event, report *PullReport) error {
	local, err := e.events.GetByRemoteID(userID, re.ID)
	if err != nil {
		return err
	}

	if re.Status == string(model.EventCancelled) {
		// A remote tombstone cancels the local match; an unknown one is
		// nothing to us.
		if local == nil || local.Status == model.EventCancelled {
			return nil
		}
		cancelled := model.EventCancelled
		if _, err := e.events.Update(local.ID, store.EventUpdate{Status: &cancelled}); err != nil {
			return err
		}
		if _, err := e.reminders.UnlinkEvent(local.ID); err != nil {
			return err
		}
		report.Cancelled++
		return nil
	}

	starts, ends := re.StartsAt, re.EndsAt
	if !ends.After(starts) {
		ends = starts.Add(time.Hour)
	}

	if local == nil {
		_, err := e.events.Create(store.EventDraft{
			UserID:           userID,
			Title:            re.Title,
			Description:      re.Description,
			StartsAt:         starts,
			EndsAt:           ends,
			Timezone:         "UTC",
			Location:         re.Location,
			RRule:            re.RRule,
			Status:           localStatus(re.Status),
			Source:           model.SourceGoogle,
			GoogleEventID:    re.ID,
			GoogleCalendarID: calID,
		})
		if err != nil {
			return err
		}
		report.Created++
		return nil
	}

	// A local edit to an internally-sourced event wins over an older remote
	// change; ties go to the local copy.
	if local.Source == model.SourceInternal && !local.UpdatedAt.Before(re.UpdatedAt) {
		report.Skipped++
		return nil
	}

	err = e.events.ApplyRemote(local.ID, re.Title, re.Description, starts, ends,
		re.Location, re.RRule, localStatus(re.Status), re.UpdatedAt)
	if err != nil {
		return err
	}
	report.Applied++
	return nil
}

// providerFor builds the user's provider client and resolves the dedicated
// calendar, provisioning it on first contact.
func (e *Engine) providerFor(ctx context.Context, st *model.SyncState) (Provider, string, error) {
	ts, err := e.vault.TokenSource(ctx, st.UserID)
	if err != nil {
		return nil, "", fmt.Errorf("token source: %w", err)
	}
	if ts == nil {
		return nil, "", errNotConnected
	}
	p := e.newProvider(ts)

	if st.GoogleCalendarID != "" {
		return p, st.GoogleCalendarID, nil
	}
	calID, err := p.EnsureCalendar(ctx, calendarName)
	if err != nil {
		return nil, "", fmt.Errorf("ensure calendar: %w", err)
	}
	if err := e.syncStates.SetCalendarID(st.UserID, calID); err != nil {
		return nil, "", fmt.Errorf("store calendar id: %w", err)
	}
	return p, calID, nil
}

func toRemote(ev *model.CalendarEvent) gcal.Event {
	return gcal.Event{
		Title:       ev.Title,
		Description: ev.Description,
		Location:    ev.Location,
		StartsAt:    ev.StartsAt,
		EndsAt:      ev.EndsAt,
		RRule:       ev.RRule,
		Status:      string(ev.Status),
	}
}

func localStatus(s string) model.EventStatus {
	switch s {
	case string(model.EventTentative):
		return model.EventTentative
	case string(model.EventCancelled):
		return model.EventCancelled
	default:
		return model.EventConfirmed
	}
}
