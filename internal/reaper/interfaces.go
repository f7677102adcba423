package reaper

import (
	"context"
	"time"

	"github.com/p-arndt/icebox/internal/store"
)

// ReaperStore abstracts store operations needed by the reaper.
type ReaperStore interface {
	ListRunningRuns() ([]*store.Run, error)
	FinishRun(run *store.Run) error
	DeleteFinishedBefore(cutoff time.Time) (int64, error)
}

// ReaperRuntime abstracts the sandbox host operations needed by the reaper.
type ReaperRuntime interface {
	IsRunning(ctx context.Context, pid int) (bool, error)
	ListScratchIDs(ctx context.Context) ([]string, error)
	RemoveScratch(ctx context.Context, taskID string) error
}
