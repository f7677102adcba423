package reaper

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/p-arndt/icebox/internal/store"
)

// StartGrace is how long a run may stay running without a recorded PID
// before reconcile treats its supervisor as dead.
const StartGrace = time.Minute

type Reaper struct {
	store     ReaperStore
	runtime   ReaperRuntime
	interval  time.Duration
	retention time.Duration
	logger    *slog.Logger
	now       func() time.Time
}

func New(st ReaperStore, rt ReaperRuntime, interval, retention time.Duration, logger *slog.Logger) *Reaper {
	return &Reaper{
		store:     st,
		runtime:   rt,
		interval:  interval,
		retention: retention,
		logger:    logger,
		now:       time.Now,
	}
}

func (r *Reaper) Run(ctx context.Context) {
	r.logger.Info("reaper started", "interval", r.interval, "retention", r.retention)

	r.reconcile(ctx)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("reaper stopped")
			return
		case <-ticker.C:
			r.prune(ctx)
		}
	}
}

// Once reconciles and prunes a single time.
func (r *Reaper) Once(ctx context.Context) {
	r.reconcile(ctx)
	r.prune(ctx)
}

func (r *Reaper) prune(ctx context.Context) {
	r.pruneHistory()
	r.pruneScratch(ctx)
}

func (r *Reaper) pruneHistory() {
	if r.retention <= 0 {
		return
	}
	n, err := r.store.DeleteFinishedBefore(r.now().Add(-r.retention))
	if err != nil {
		r.logger.Error("reaper: delete finished runs", "error", err)
		return
	}
	if n > 0 {
		r.logger.Info("reaper: deleted finished runs", "count", n)
	}
}

// pruneScratch removes scratch roots that belong to no running run.
func (r *Reaper) pruneScratch(ctx context.Context) {
	ids, err := r.runtime.ListScratchIDs(ctx)
	if err != nil {
		r.logger.Error("reaper: list scratch", "error", err)
		return
	}
	if len(ids) == 0 {
		return
	}

	running, err := r.store.ListRunningRuns()
	if err != nil {
		r.logger.Error("reaper: list running runs", "error", err)
		return
	}
	live := make(map[string]bool, len(running))
	for _, run := range running {
		live[run.ID] = true
	}

	for _, id := range ids {
		if live[id] {
			continue
		}
		r.logger.Info("reaper: removing orphaned scratch", "task_id", id)
		if err := r.runtime.RemoveScratch(ctx, id); err != nil {
			r.logger.Error("reaper: remove scratch", "task_id", id, "error", err)
		}
	}
}

func (r *Reaper) reconcile(ctx context.Context) {
	r.logger.Info("reconciliation starting")

	running, err := r.store.ListRunningRuns()
	if err != nil {
		r.logger.Error("reconcile: list running runs", "error", err)
		return
	}

	crashed := 0
	for _, run := range running {
		if run.PID == 0 {
			if r.now().Sub(run.CreatedAt) < StartGrace {
				continue
			}
		} else {
			isRunning, err := r.runtime.IsRunning(ctx, run.PID)
			if err != nil {
				r.logger.Warn("reconcile: error checking run status",
					"task_id", run.ID, "pid", run.PID, "error", err)
				continue
			}
			if isRunning {
				continue
			}
		}

		r.logger.Warn("reconcile: run process not running, marking crashed",
			"task_id", run.ID, "pid", run.PID)
		if r.markCrashed(ctx, run) {
			crashed++
		}
	}

	r.logger.Info("reconciliation complete", "crashed", crashed)
}

func (r *Reaper) markCrashed(ctx context.Context, run *store.Run) bool {
	err := r.store.FinishRun(&store.Run{
		ID:        run.ID,
		Status:    store.StatusCrashed,
		Stage:     "supervisor",
		ErrorKind: "setup",
		Error:     "supervisor exited before the run finished",
		Requeue:   true,
	})
	if errors.Is(err, store.ErrNotFound) {
		// Finished by its supervisor in the meantime.
		return false
	}
	if err != nil {
		r.logger.Error("reconcile: mark crashed", "task_id", run.ID, "error", err)
		return false
	}
	if err := r.runtime.RemoveScratch(ctx, run.ID); err != nil {
		r.logger.Error("reconcile: remove scratch", "task_id", run.ID, "error", err)
	}
	return true
}
