// Package schedule runs durable timers. Pending work lives in the jobs table
// and is claimed by a polling runner, so timers survive restarts and any
// worker process may pick them up. The table is a derived registry: it is
// rebuilt from the reminder rows at startup, never trusted on its own.
package schedule

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/jmhodges/clock"

	"github.com/dukerupert/chime/internal/store"
)

// Job kinds dispatched by the runner.
const (
	KindReminderFire = "reminder.fire"
	KindSyncPush     = "sync.push"
	KindSyncPull     = "sync.pull"
	KindBackup       = "backup.run"
)

// Client schedules background work. Services hold this interface rather than
// the runner itself, so triggering logic is testable without a live timer
// backend.
type Client interface {
	// ScheduleAt registers work to run at a future instant. Scheduling an
	// already-pending (kind, key) pair moves it instead of duplicating it.
	ScheduleAt(ctx context.Context, kind, key string, runAt time.Time) error

	// Enqueue registers work to run as soon as a worker is free.
	Enqueue(ctx context.Context, kind, key string) error

	// Cancel removes pending work. Work already claimed by a worker is left
	// to finish; handlers re-check state at run time instead.
	Cancel(ctx context.Context, kind, key string) error
}

// StoreClient is the durable Client backed by the jobs table.
type StoreClient struct {
	jobs *store.JobStore
	clk  clock.Clock
}

func NewStoreClient(jobs *store.JobStore, clk clock.Clock) *StoreClient {
	return &StoreClient{jobs: jobs, clk: clk}
}

func (c *StoreClient) ScheduleAt(_ context.Context, kind, key string, runAt time.Time) error {
	return c.jobs.Schedule(kind, key, runAt.UTC())
}

func (c *StoreClient) Enqueue(_ context.Context, kind, key string) error {
	return c.jobs.Schedule(kind, key, c.clk.Now().UTC())
}

func (c *StoreClient) Cancel(_ context.Context, kind, key string) error {
	return c.jobs.Cancel(kind, key)
}

// ReminderKey builds the dedup key for a reminder's fire job.
func ReminderKey(reminderID int64) string {
	return "reminder:" + strconv.FormatInt(reminderID, 10)
}

// UserKey builds the dedup key for per-user work such as sync runs.
func UserKey(userID int64) string {
	return "user:" + strconv.FormatInt(userID, 10)
}

func parseKey(key, prefix string) (int64, error) {
	raw, ok := strings.CutPrefix(key, prefix)
	if !ok {
		return 0, fmt.Errorf("malformed job key %q", key)
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("malformed job key %q: %w", key, err)
	}
	return id, nil
}

// ReminderID extracts the reminder id from a fire-job key.
func ReminderID(key string) (int64, error) {
	return parseKey(key, "reminder:")
}

// UserID extracts the user id from a per-user job key.
func UserID(key string) (int64, error) {
	return parseKey(key, "user:")
}
