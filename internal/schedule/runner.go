package schedule

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/jmhodges/clock"
	"golang.org/x/sync/errgroup"

	"github.com/dukerupert/chime/internal/model"
	"github.com/dukerupert/chime/internal/store"
)

// HandlerFunc executes one claimed job. A nil return completes the job; an
// error leaves it in the table for a later retry.
type HandlerFunc func(ctx context.Context, job model.Job) error

const (
	defaultTick   = time.Second
	defaultBatch  = 64
	defaultWorker = 8

	// retryDelay spaces out attempts for jobs whose handler errored.
	retryDelay = 30 * time.Second

	// staleAfter is how long a claim may sit before it is assumed to belong
	// to a crashed worker and released.
	staleAfter = 5 * time.Minute

	staleSweepEvery = time.Minute
)

// Runner polls the jobs table and executes due jobs through registered
// handlers. Claims are conditional updates, so several runners may share one
// table without double-executing a job.
type Runner struct {
	jobs    *store.JobStore
	clk     clock.Clock
	logger  *slog.Logger
	tick    time.Duration
	batch   int
	workers int

	mu        sync.RWMutex
	handlers  map[string]HandlerFunc
	cancel    context.CancelFunc
	done      chan struct{}
	lastSweep time.Time
}

func NewRunner(jobs *store.JobStore, clk clock.Clock, logger *slog.Logger) *Runner {
	return &Runner{
		jobs:     jobs,
		clk:      clk,
		logger:   logger.With("component", "schedule"),
		tick:     defaultTick,
		batch:    defaultBatch,
		workers:  defaultWorker,
		handlers: make(map[string]HandlerFunc),
	}
}

// Register binds a handler to a job kind. Must be called before Start.
func (r *Runner) Register(kind string, h HandlerFunc) {
	r.mu.Lock()
	r.handlers[kind] = h
	r.mu.Unlock()
}

// Start begins the polling loop.
func (r *Runner) Start(ctx context.Context) {
	r.mu.Lock()
	ctx, r.cancel = context.WithCancel(ctx)
	r.done = make(chan struct{})
	r.mu.Unlock()

	go func() {
		defer close(r.done)
		ticker := time.NewTicker(r.tick)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				r.RunDue(ctx)
			}
		}
	}()
}

// Stop cancels the loop and waits for in-flight jobs to finish.
func (r *Runner) Stop() {
	r.mu.RLock()
	cancel := r.cancel
	done := r.done
	r.mu.RUnlock()

	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}
}

// RunDue claims and executes every job due at this instant. The loop calls it
// each tick; tests call it directly against a fake clock.
func (r *Runner) RunDue(ctx context.Context) {
	now := r.clk.Now().UTC()
	r.sweepStale(now)

	jobs, err := r.jobs.ClaimDue(now, r.batch)
	if err != nil {
		r.logger.Error("claim due jobs", "error", err)
		return
	}
	if len(jobs) == 0 {
		return
	}

	g := new(errgroup.Group)
	g.SetLimit(r.workers)
	for _, job := range jobs {
		g.Go(func() error {
			r.runJob(ctx, job)
			return nil
		})
	}
	g.Wait()
}

func (r *Runner) runJob(ctx context.Context, job model.Job) {
	r.mu.RLock()
	h, ok := r.handlers[job.Kind]
	r.mu.RUnlock()

	if !ok {
		// A kind nothing handles would otherwise be reclaimed forever.
		r.logger.Error("no handler for job kind", "kind", job.Kind, "key", job.DedupKey)
		if err := r.jobs.Complete(job.ID); err != nil {
			r.logger.Error("drop unhandled job", "error", err)
		}
		return
	}

	if err := h(ctx, job); err != nil {
		r.logger.Error("job failed", "kind", job.Kind, "key", job.DedupKey, "error", err)
		if err := r.jobs.Retry(job.ID, r.clk.Now().UTC().Add(retryDelay)); err != nil {
			r.logger.Error("requeue failed job", "error", err)
		}
		return
	}

	// No-op if the handler rescheduled its own (kind, key) while running.
	if err := r.jobs.Complete(job.ID); err != nil {
		r.logger.Error("complete job", "kind", job.Kind, "key", job.DedupKey, "error", err)
	}
}

func (r *Runner) sweepStale(now time.Time) {
	r.mu.Lock()
	due := now.Sub(r.lastSweep) >= staleSweepEvery
	if due {
		r.lastSweep = now
	}
	r.mu.Unlock()
	if !due {
		return
	}

	n, err := r.jobs.ReleaseStale(now.Add(-staleAfter))
	if err != nil {
		r.logger.Error("release stale claims", "error", err)
		return
	}
	if n > 0 {
		r.logger.Warn("released stale job claims", "count", n)
	}
}
