package task

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/p-arndt/icebox/internal/config"
	"github.com/p-arndt/icebox/internal/runtime"
	"github.com/p-arndt/icebox/internal/store"
)

var (
	ErrInvalidSpec = errors.New("invalid task")
	ErrOverlap     = errors.New("overlapping task directories")
)

// Spec is a submission as written in a batch file or on the command line.
type Spec struct {
	Name    string          `yaml:"name"`
	InDir   string          `yaml:"in"`
	OutDir  string          `yaml:"out"`
	Argv    []string        `yaml:"argv"`
	Env     []string        `yaml:"env"`
	WorkDir string          `yaml:"workdir"`
	Timeout time.Duration   `yaml:"timeout"`
	Stdin   string          `yaml:"stdin"`
	Stdout  string          `yaml:"stdout"`
	Stderr  string          `yaml:"stderr"`
	Memory  config.ByteSize `yaml:"memory"`
	Pids    int             `yaml:"pids"`

	Terminal *os.File `yaml:"-"`
}

func (s Spec) Validate() error {
	if len(s.Argv) == 0 {
		return fmt.Errorf("%w: argv is required", ErrInvalidSpec)
	}
	if !filepath.IsAbs(s.InDir) {
		return fmt.Errorf("%w: in dir %q must be absolute", ErrInvalidSpec, s.InDir)
	}
	if !filepath.IsAbs(s.OutDir) {
		return fmt.Errorf("%w: out dir %q must be absolute", ErrInvalidSpec, s.OutDir)
	}
	if s.Timeout < 0 {
		return fmt.Errorf("%w: negative timeout", ErrInvalidSpec)
	}
	return nil
}

func (s Spec) task(id string) runtime.Task {
	return runtime.Task{
		ID:          id,
		InDir:       filepath.Clean(s.InDir),
		OutDir:      filepath.Clean(s.OutDir),
		Argv:        s.Argv,
		Env:         s.Env,
		WorkDir:     s.WorkDir,
		Timeout:     s.Timeout,
		Stdin:       s.Stdin,
		Stdout:      s.Stdout,
		Stderr:      s.Stderr,
		Terminal:    s.Terminal,
		MemoryLimit: int64(s.Memory),
		PidsLimit:   s.Pids,
	}
}

type Manager struct {
	launcher runtime.Launcher
	store    RunStore
	logger   *slog.Logger
	now      func() time.Time
}

func NewManager(launcher runtime.Launcher, st RunStore, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		launcher: launcher,
		store:    st,
		logger:   logger,
		now:      time.Now,
	}
}

// Submit runs one task to completion and returns its ledger entry. A task
// that fails inside the sandbox is not an error; the outcome is recorded on
// the returned run.
func (m *Manager) Submit(ctx context.Context, spec Spec) (*store.Run, error) {
	if err := spec.Validate(); err != nil {
		return nil, err
	}

	id := uuid.NewString()
	logger := m.logger.With("task_id", id)
	run := &store.Run{
		ID:        id,
		Status:    store.StatusRunning,
		InDir:     filepath.Clean(spec.InDir),
		OutDir:    filepath.Clean(spec.OutDir),
		Argv:      spec.Argv,
		CreatedAt: m.now().UTC(),
	}
	if err := m.store.CreateRun(run); err != nil {
		return nil, fmt.Errorf("record run: %w", err)
	}
	logger.Info("task submitted", "argv", strings.Join(spec.Argv, " "), "in", run.InDir, "out", run.OutDir)

	started := func(pid int) {
		run.PID = pid
		if err := m.store.UpdateRunPID(id, pid); err != nil {
			logger.Warn("record pid", "pid", pid, "error", err)
		}
	}

	res, err := m.launcher.Run(ctx, spec.task(id), started)
	if err != nil {
		res = &runtime.Result{
			Outcome:   runtime.OutcomeSystemError,
			Stage:     "launch",
			ErrorKind: "setup",
			Error:     err.Error(),
		}
	}
	applyResult(run, res)

	if ferr := m.store.FinishRun(run); ferr != nil {
		return run, fmt.Errorf("record outcome: %w", ferr)
	}

	attrs := []any{
		"outcome", run.Status,
		"status", run.ExitStatus,
		"duration_ms", run.DurationMs,
	}
	if run.Status == store.StatusSystemError {
		logger.Warn("task failed to run", append(attrs, "stage", run.Stage, "kind", run.ErrorKind, "error", run.Error)...)
	} else {
		logger.Info("task finished", attrs...)
	}

	return run, err
}

func applyResult(run *store.Run, res *runtime.Result) {
	run.Status = string(res.Outcome)
	run.ExitStatus = res.Status
	if res.PID > 0 {
		run.PID = res.PID
	}
	run.Stage = res.Stage
	run.ErrorKind = res.ErrorKind
	run.Error = res.Error
	run.Requeue = res.Requeue()
	run.DurationMs = res.Duration.Milliseconds()
	run.MemoryPeak = res.MemoryPeak
	run.CPUUsageUsec = res.CPUUsageUsec
}

// Batch runs specs with at most concurrency sandboxes alive at once. Results
// are returned in input order. Overlapping task directories are rejected
// before anything starts.
func (m *Manager) Batch(ctx context.Context, specs []Spec, concurrency int) ([]*store.Run, error) {
	for i, spec := range specs {
		if err := spec.Validate(); err != nil {
			return nil, fmt.Errorf("task %d: %w", i, err)
		}
	}
	if err := CheckOverlap(specs); err != nil {
		return nil, err
	}
	if concurrency < 1 {
		concurrency = 1
	}

	runs := make([]*store.Run, len(specs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(concurrency)
	for i, spec := range specs {
		g.Go(func() error {
			run, err := m.Submit(gctx, spec)
			runs[i] = run
			if err != nil {
				return fmt.Errorf("task %d: %w", i, err)
			}
			return nil
		})
	}
	err := g.Wait()
	return runs, err
}

// CheckOverlap reports an error if any two specs share, or nest, an in or
// out directory. One spec may name the same directory as both in and out.
func CheckOverlap(specs []Spec) error {
	type owned struct {
		task int
		path string
	}
	var dirs []owned
	for i, spec := range specs {
		dirs = append(dirs,
			owned{i, filepath.Clean(spec.InDir)},
			owned{i, filepath.Clean(spec.OutDir)},
		)
	}
	for a := 0; a < len(dirs); a++ {
		for b := a + 1; b < len(dirs); b++ {
			if dirs[a].task == dirs[b].task && dirs[a].path == dirs[b].path {
				continue
			}
			if nested(dirs[a].path, dirs[b].path) {
				return fmt.Errorf("%w: %s (task %d) and %s (task %d)",
					ErrOverlap, dirs[a].path, dirs[a].task, dirs[b].path, dirs[b].task)
			}
		}
	}
	return nil
}

func nested(a, b string) bool {
	if a == b {
		return true
	}
	return isWithin(a, b) || isWithin(b, a)
}

func isWithin(parent, child string) bool {
	rel, err := filepath.Rel(parent, child)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}
