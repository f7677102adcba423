//go:build linux

package linux

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"syscall"
	"time"

	"github.com/p-arndt/icebox/internal/config"
	"github.com/p-arndt/icebox/internal/runtime"
	"github.com/p-arndt/icebox/protocol"
)

type Driver struct {
	cfg        *config.Config
	scratchDir string
	self       string
	logger     *slog.Logger
}

func NewDriver(cfg *config.Config, logger *slog.Logger) (*Driver, error) {
	if cfg.Limits.Enabled {
		if err := DetectCgroupV2(); err != nil {
			return nil, fmt.Errorf("cgroup v2 check failed: %w", err)
		}
		if err := EnsureCgroupRoot(cfg.Limits.CgroupRoot); err != nil {
			return nil, err
		}
	}

	self, err := os.Executable()
	if err != nil {
		return nil, fmt.Errorf("get executable path: %w", err)
	}

	d := &Driver{
		cfg:        cfg,
		scratchDir: cfg.ScratchDir(),
		self:       self,
		logger:     logger,
	}
	if err := os.MkdirAll(d.scratchDir, 0755); err != nil {
		return nil, fmt.Errorf("mkdir %s: %w", d.scratchDir, err)
	}
	return d, nil
}

func (d *Driver) Ping(ctx context.Context) error {
	if err := DetectUserNamespaces(); err != nil {
		return err
	}
	if d.cfg.Limits.Enabled {
		return DetectCgroupV2()
	}
	return nil
}

// ScratchRoot is the mountpoint a task's sandbox root is assembled on.
func (d *Driver) ScratchRoot(taskID string) string {
	return filepath.Join(d.scratchDir, taskID)
}

// ListScratchIDs returns task IDs that have a scratch directory on disk.
func (d *Driver) ListScratchIDs(ctx context.Context) ([]string, error) {
	entries, err := os.ReadDir(d.scratchDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read scratch dir: %w", err)
	}
	var ids []string
	for _, e := range entries {
		if e.IsDir() {
			ids = append(ids, e.Name())
		}
	}
	return ids, nil
}

// RemoveScratch deletes a task's scratch root and its cgroup, if any.
func (d *Driver) RemoveScratch(ctx context.Context, taskID string) error {
	if d.cfg.Limits.Enabled {
		cgPath := CgroupPath(d.cfg.Limits.CgroupRoot, taskID)
		_ = KillCgroup(cgPath)
		_ = RemoveCgroup(cgPath)
	}
	if err := os.RemoveAll(d.ScratchRoot(taskID)); err != nil {
		return fmt.Errorf("remove scratch %s: %w", taskID, err)
	}
	return nil
}

// IsRunning reports whether pid still exists.
func (d *Driver) IsRunning(ctx context.Context, pid int) (bool, error) {
	if pid <= 0 {
		return false, nil
	}
	err := syscall.Kill(pid, 0)
	switch {
	case err == nil, errors.Is(err, syscall.EPERM):
		return true, nil
	case errors.Is(err, syscall.ESRCH):
		return false, nil
	default:
		return false, err
	}
}

// TrustedPaths returns the configured trusted host paths, or the built-in
// list when none are configured.
func (d *Driver) TrustedPaths() []TrustedPath {
	if d.cfg.Sandbox.TrustedPaths == nil {
		return DefaultTrustedPaths()
	}
	return d.cfg.Sandbox.TrustedPaths
}

func (d *Driver) initSpec(task runtime.Task, root string) protocol.InitSpec {
	sb := d.cfg.Sandbox
	host := CaptureIdentity()

	trusted := d.TrustedPaths()
	homes := sb.InterpreterHomes
	if homes == nil {
		homes = DefaultInterpreterHomes()
	}
	workDir := task.WorkDir
	if workDir == "" {
		workDir = sb.WorkDir
	}
	env := task.Env
	if len(env) == 0 {
		env = sb.Env
	}

	return protocol.InitSpec{
		TaskID:           task.ID,
		HostUID:          host.UID,
		HostGID:          host.GID,
		Root:             root,
		InDir:            task.InDir,
		OutDir:           task.OutDir,
		Trusted:          trusted,
		InterpreterHomes: homes,
		TmpSize:          int64(sb.TmpSize),
		TmpInodes:        sb.TmpInodes,
		WorkDir:          workDir,
		Argv:             task.Argv,
		Env:              env,
		Seccomp:          sb.Seccomp,
		SeccompDeny:      sb.SeccompDeny,
	}
}

func systemError(stage, kind string, err error) *runtime.Result {
	return &runtime.Result{
		Outcome:   runtime.OutcomeSystemError,
		Stage:     stage,
		ErrorKind: kind,
		Error:     err.Error(),
	}
}

// validateTaskDir checks a task directory before anything is created.
func validateTaskDir(dir string) error {
	if !filepath.IsAbs(dir) {
		return fmt.Errorf("%s: path must be absolute", dir)
	}
	fi, err := os.Stat(dir)
	if err != nil {
		return err
	}
	if !fi.IsDir() {
		return fmt.Errorf("%s: not a directory", dir)
	}
	return nil
}

// Run executes task in a fresh sandbox and waits for it. Construction
// failures are reported as an OutcomeSystemError result, not as an error;
// the error return is for tasks that could never run.
func (d *Driver) Run(ctx context.Context, task runtime.Task, started func(pid int)) (*runtime.Result, error) {
	if task.ID == "" {
		return nil, errors.New("task id is required")
	}
	if len(task.Argv) == 0 {
		return nil, errors.New("task has no command")
	}
	logger := d.logger.With("task_id", task.ID)

	for _, dir := range []string{task.InDir, task.OutDir} {
		if err := validateTaskDir(dir); err != nil {
			return systemError("validate", string(KindMissingPath), err), nil
		}
	}

	root := d.ScratchRoot(task.ID)
	if err := os.Mkdir(root, 0755); err != nil {
		return systemError("scratch", string(classify(err)), err), nil
	}
	defer func() {
		if err := os.Remove(root); err != nil {
			logger.Warn("remove scratch root", "error", err)
		}
	}()

	spec := d.initSpec(task, root)
	specJSON, err := json.Marshal(spec)
	if err != nil {
		return nil, fmt.Errorf("marshal init spec: %w", err)
	}

	timeout := task.Timeout
	if timeout <= 0 {
		timeout = d.cfg.Run.Timeout
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, d.self)
	cmd.Args = []string{"icebox-init"}
	cmd.Env = []string{
		EnvInit + "=1",
		EnvInitSpec + "=" + string(specJSON),
	}
	cmd.SysProcAttr = sysProcAttr()
	cmd.WaitDelay = time.Second

	streams, err := openStdio(task)
	if err != nil {
		return systemError("stdio", string(classify(err)), err), nil
	}
	defer streams.Close()
	streams.attach(cmd)
	if task.Terminal != nil {
		cmd.SysProcAttr.Setsid = true
		cmd.SysProcAttr.Setctty = true
		cmd.SysProcAttr.Ctty = 0
	}

	var cgPath string
	if d.cfg.Limits.Enabled {
		cgPath, err = d.createCgroup(task)
		if cgPath != "" {
			defer func() {
				_ = KillCgroup(cgPath)
				if err := RemoveCgroup(cgPath); err != nil {
					logger.Warn("remove cgroup", "error", err)
				}
			}()
		}
		if err != nil {
			return systemError("cgroup", string(classify(err)), err), nil
		}
		cgFile, err := OpenCgroup(cgPath)
		if err != nil {
			return systemError("cgroup", string(classify(err)), err), nil
		}
		defer cgFile.Close()
		cmd.SysProcAttr.UseCgroupFD = true
		cmd.SysProcAttr.CgroupFD = int(cgFile.Fd())
	}

	statusR, statusW, err := os.Pipe()
	if err != nil {
		return systemError("handshake", string(classify(err)), err), nil
	}
	defer statusR.Close()
	cmd.ExtraFiles = []*os.File{statusW}

	begin := time.Now()
	if err := cmd.Start(); err != nil {
		statusW.Close()
		logger.Error("start init", "error", err)
		return systemError("clone", string(classify(err)), err), nil
	}
	statusW.Close()

	pid := cmd.Process.Pid
	logger.Debug("sandbox started", "pid", pid)
	if started != nil {
		started(pid)
	}

	stage, hsErr := protocol.ReadHandshake(statusR)
	waitErr := cmd.Wait()

	res := classifyRun(stage, hsErr, waitErr, cmd.ProcessState, runCtx.Err(), ctx.Err())
	res.PID = pid
	res.Duration = time.Since(begin)
	if cgPath != "" {
		stats := ReadCgroupStats(cgPath)
		res.MemoryPeak = stats.MemoryPeak
		res.CPUUsageUsec = stats.CPUUsageUsec
	}

	logger.Debug("sandbox finished",
		"pid", pid,
		"outcome", res.Outcome,
		"status", res.Status,
		"stage", res.Stage,
		"kind", res.ErrorKind,
		"duration", res.Duration,
	)
	return res, nil
}

func (d *Driver) createCgroup(task runtime.Task) (string, error) {
	cfg := CgroupConfig{
		CPULimit:    d.cfg.Limits.CPU,
		MemoryBytes: int64(d.cfg.Limits.Memory),
		PidsLimit:   d.cfg.Limits.Pids,
	}
	if task.MemoryLimit > 0 {
		cfg.MemoryBytes = task.MemoryLimit
	}
	if task.PidsLimit > 0 {
		cfg.PidsLimit = task.PidsLimit
	}
	return CreateCgroup(d.cfg.Limits.CgroupRoot, task.ID, cfg)
}

// classifyRun turns the handshake and wait results into a Result. A deadline
// always wins, so a submission that hangs is a timeout even if it never got
// past setup.
func classifyRun(stage protocol.Stage, hsErr, waitErr error, ps *os.ProcessState, runErr, parentErr error) *runtime.Result {
	if parentErr != nil {
		return systemError(string(stage), string(KindSetup), parentErr)
	}
	if errors.Is(runErr, context.DeadlineExceeded) {
		res := &runtime.Result{Outcome: runtime.OutcomeTimeout, Stage: string(stage)}
		if ps != nil {
			if ws, ok := ps.Sys().(syscall.WaitStatus); ok {
				_, res.Status = classifyWait(ws)
			}
		}
		return res
	}
	if hsErr != nil {
		kind := string(KindSetup)
		var he *protocol.HandshakeError
		if errors.As(hsErr, &he) && he.Status.Kind != "" {
			kind = he.Status.Kind
		}
		return systemError(string(stage), kind, hsErr)
	}
	if ps == nil {
		return systemError(string(stage), string(KindSetup), waitErr)
	}
	ws, ok := ps.Sys().(syscall.WaitStatus)
	if !ok {
		return systemError(string(stage), string(KindSetup), fmt.Errorf("unexpected wait status %T", ps.Sys()))
	}
	outcome, status := classifyWait(ws)
	return &runtime.Result{Outcome: outcome, Status: status, Stage: string(stage)}
}

// classifyWait returns the exit code, or the negated signal number for a
// signaled process.
func classifyWait(ws syscall.WaitStatus) (runtime.Outcome, int) {
	switch {
	case ws.Signaled():
		return runtime.OutcomeSignaled, -int(ws.Signal())
	case ws.Exited() && ws.ExitStatus() == 0:
		return runtime.OutcomeOK, 0
	default:
		return runtime.OutcomeExited, ws.ExitStatus()
	}
}

type stdio struct {
	in, out, err *os.File
	owned        []*os.File
}

// openStdio opens the task's stdio files on the host. Unset streams are
// left nil, which exec maps to /dev/null.
func openStdio(task runtime.Task) (*stdio, error) {
	if task.Terminal != nil {
		return &stdio{in: task.Terminal, out: task.Terminal, err: task.Terminal}, nil
	}
	s := &stdio{}
	open := func(path string, flag int) (*os.File, error) {
		if path == "" {
			return nil, nil
		}
		f, err := os.OpenFile(path, flag, 0644)
		if err != nil {
			return nil, err
		}
		s.owned = append(s.owned, f)
		return f, nil
	}

	var err error
	if s.in, err = open(task.Stdin, os.O_RDONLY); err != nil {
		s.Close()
		return nil, err
	}
	if s.out, err = open(task.Stdout, os.O_WRONLY|os.O_CREATE|os.O_TRUNC); err != nil {
		s.Close()
		return nil, err
	}
	if task.Stderr != "" && task.Stderr == task.Stdout {
		s.err = s.out
	} else if s.err, err = open(task.Stderr, os.O_WRONLY|os.O_CREATE|os.O_TRUNC); err != nil {
		s.Close()
		return nil, err
	}
	return s, nil
}

func (s *stdio) attach(cmd *exec.Cmd) {
	if s.in != nil {
		cmd.Stdin = s.in
	}
	if s.out != nil {
		cmd.Stdout = s.out
	}
	if s.err != nil {
		cmd.Stderr = s.err
	}
}

func (s *stdio) Close() {
	for _, f := range s.owned {
		_ = f.Close()
	}
}
