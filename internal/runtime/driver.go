package runtime

import (
	"context"
	"os"
	"time"
)

// Task is one submission to run in a fresh sandbox. InDir and OutDir are
// owned by the task for the lifetime of the run.
type Task struct {
	ID      string
	InDir   string
	OutDir  string
	Argv    []string
	Env     []string
	WorkDir string
	Timeout time.Duration

	// Host files for the submission's stdio. Empty means /dev/null for stdin
	// and discard for stdout and stderr.
	Stdin  string
	Stdout string
	Stderr string
	// Terminal, when set, replaces all three streams and becomes the
	// controlling terminal of the submission.
	Terminal *os.File

	// Optional per-task overrides of the configured limits.
	MemoryLimit int64
	PidsLimit   int
}

type Outcome string

const (
	OutcomeOK          Outcome = "ok"
	OutcomeExited      Outcome = "exited"
	OutcomeSignaled    Outcome = "signaled"
	OutcomeTimeout     Outcome = "timeout"
	OutcomeSystemError Outcome = "system_error"
)

// Result describes how a run ended. For system errors Status is 0 and
// ErrorKind names the setup step class that failed.
type Result struct {
	Outcome Outcome
	// Status is the exit code, or the negated signal number.
	Status    int
	PID       int
	Stage     string
	ErrorKind string
	Error     string
	Duration  time.Duration

	MemoryPeak   int64
	CPUUsageUsec int64
}

// Requeue reports whether the task failed for reasons unrelated to the
// submission and may be retried.
func (r *Result) Requeue() bool {
	return r.Outcome == OutcomeSystemError
}

// Launcher runs tasks in sandboxes.
type Launcher interface {
	Run(ctx context.Context, task Task, started func(pid int)) (*Result, error)
	Ping(ctx context.Context) error
}
