package sync

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/jmhodges/clock"

	"github.com/dukerupert/chime/internal/model"
	"github.com/dukerupert/chime/internal/schedule"
	"github.com/dukerupert/chime/internal/store"
)

const (
	// sweepInterval is how often the driver looks for users due a cycle.
	sweepInterval = time.Minute

	// syncCadence is the minimum gap between cycles for one user. Local
	// writes enqueue pushes directly, so the periodic cadence only bounds
	// how stale a pull can get.
	syncCadence = 5 * time.Minute
)

// Driver enqueues the periodic sync jobs. It never talks to the provider
// itself; it only decides which users are due and hands them to the runner.
type Driver struct {
	syncStates *store.SyncStateStore
	sched      schedule.Client
	clk        clock.Clock
	logger     *slog.Logger

	mu     sync.RWMutex
	cancel context.CancelFunc
	done   chan struct{}
}

func NewDriver(syncStates *store.SyncStateStore, sched schedule.Client, clk clock.Clock, logger *slog.Logger) *Driver {
	return &Driver{
		syncStates: syncStates,
		sched:      sched,
		clk:        clk,
		logger:     logger.With("component", "sync_driver"),
	}
}

// Start begins the sweep loop. An immediate sweep runs first so users left
// overdue by downtime are picked up without waiting a full interval.
func (d *Driver) Start(ctx context.Context) {
	d.mu.Lock()
	ctx, d.cancel = context.WithCancel(ctx)
	d.done = make(chan struct{})
	d.mu.Unlock()

	go func() {
		defer close(d.done)
		ticker := time.NewTicker(sweepInterval)
		defer ticker.Stop()

		d.sweep(ctx)
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				d.sweep(ctx)
			}
		}
	}()
}

// Stop cancels the sweep loop and waits for it to exit.
func (d *Driver) Stop() {
	d.mu.RLock()
	cancel := d.cancel
	done := d.done
	d.mu.RUnlock()

	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}
}

func (d *Driver) sweep(ctx context.Context) {
	states, err := d.syncStates.ListEnabled()
	if err != nil {
		d.logger.Error("list sync states", "error", err)
		return
	}

	now := d.clk.Now()
	for _, st := range states {
		if st.LastSyncAt != nil && now.Sub(*st.LastSyncAt) < syncCadence {
			continue
		}
		key := schedule.UserKey(st.UserID)
		if err := d.sched.Enqueue(ctx, schedule.KindSyncPush, key); err != nil {
			d.logger.Error("enqueue push", "user_id", st.UserID, "error", err)
		}
		if st.SyncDirection != model.SyncTwoWay {
			continue
		}
		if err := d.sched.Enqueue(ctx, schedule.KindSyncPull, key); err != nil {
			d.logger.Error("enqueue pull", "user_id", st.UserID, "error", err)
		}
	}
}
