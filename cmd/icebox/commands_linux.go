//go:build linux

package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/creack/pty"
	"github.com/google/uuid"
	"golang.org/x/sys/unix"
	"golang.org/x/term"
	"gopkg.in/yaml.v3"

	"github.com/p-arndt/icebox/internal/config"
	"github.com/p-arndt/icebox/internal/runtime"
	"github.com/p-arndt/icebox/internal/runtime/linux"
	"github.com/p-arndt/icebox/internal/store"
	"github.com/p-arndt/icebox/internal/task"
)

// Exit codes of "icebox run" for runs that did not exit on their own.
const (
	exitTimeout     = 124
	exitSystemError = 125
	exitSignalBase  = 128
)

type doctorCheck struct {
	Name    string
	Status  string
	Details string
}

// batchFile is the format read by "icebox batch".
type batchFile struct {
	Concurrency int         `yaml:"concurrency"`
	Tasks       []task.Spec `yaml:"tasks"`
}

func dispatch(name string, args []string, opts globalOpts) int {
	switch name {
	case "run":
		return runRun(args, opts)
	case "batch":
		return runBatch(args, opts)
	case "shell":
		return runShell(args, opts)
	case "history":
		return runHistory(args, opts)
	case "show":
		return runShow(args, opts)
	case "reap":
		return runReap(args, opts)
	case "doctor":
		return runDoctor(args, opts)
	case "help", "-h", "--help":
		printMainUsage()
		return 0
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n", name)
		printMainUsage()
		return 2
	}
}

type stringList []string

func (l *stringList) String() string { return strings.Join(*l, ",") }

func (l *stringList) Set(v string) error {
	*l = append(*l, v)
	return nil
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

// absPath resolves p against the working directory. Empty stays empty.
func absPath(p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	abs, err := filepath.Abs(p)
	if err != nil {
		return p
	}
	return abs
}

type specFlags struct {
	in, out, stdin, stdout, stderr, workDir, memory *string
	timeout                                         *time.Duration
	pids                                            *int
	env                                             stringList
}

func addSpecFlags(fs *flag.FlagSet, defaultTimeout time.Duration) *specFlags {
	f := &specFlags{
		in:      fs.String("in", "", "host directory exposed at /in"),
		out:     fs.String("out", "", "host directory exposed read-write at /out"),
		stdin:   fs.String("stdin", "", "host file fed to the command's stdin"),
		stdout:  fs.String("stdout", "", "host file receiving the command's stdout"),
		stderr:  fs.String("stderr", "", "host file receiving the command's stderr"),
		workDir: fs.String("workdir", "", "working directory inside the sandbox (default /out)"),
		memory:  fs.String("memory", "", "memory limit, e.g. 256MiB (needs limits.enabled)"),
		timeout: fs.Duration("timeout", defaultTimeout, "wall-clock limit (0 = config default)"),
		pids:    fs.Int("pids", 0, "process limit (needs limits.enabled)"),
	}
	fs.Var(&f.env, "env", "environment variable KEY=VALUE for the command (repeatable)")
	return f
}

func (f *specFlags) spec(argv []string) (task.Spec, error) {
	spec := task.Spec{
		InDir:   absPath(*f.in),
		OutDir:  absPath(*f.out),
		Argv:    argv,
		Env:     f.env,
		WorkDir: *f.workDir,
		Timeout: *f.timeout,
		Stdin:   absPath(*f.stdin),
		Stdout:  absPath(*f.stdout),
		Stderr:  absPath(*f.stderr),
		Pids:    *f.pids,
	}
	if *f.memory != "" {
		size, err := config.ParseByteSize(*f.memory)
		if err != nil {
			return spec, fmt.Errorf("invalid --memory: %w", err)
		}
		spec.Memory = size
	}
	return spec, spec.Validate()
}

func runRun(args []string, opts globalOpts) int {
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	flags := addSpecFlags(fs, 0)
	jsonOut := fs.Bool("json", false, "print the run record as JSON")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if fs.NArg() == 0 {
		fmt.Fprintln(os.Stderr, "Usage: icebox run --in <dir> --out <dir> [options] -- <command> [args...]")
		return 2
	}

	spec, err := flags.spec(fs.Args())
	if err != nil {
		fmt.Fprintf(os.Stderr, "run: %v\n", err)
		return 2
	}

	a, err := newApp(opts)
	if err != nil {
		fmt.Fprintf(os.Stderr, "run: %v\n", err)
		return exitSystemError
	}
	defer a.Close()

	ctx, stop := signalContext()
	defer stop()

	run, err := a.tasks.Submit(ctx, spec)
	if err != nil {
		fmt.Fprintf(os.Stderr, "run: %v\n", err)
		if run == nil {
			return exitSystemError
		}
	}
	printRun(os.Stdout, run, *jsonOut)
	return exitCode(run)
}

// exitCode maps a finished run to the exit status of "icebox run", the
// way timeout(1) and container runtimes report theirs.
func exitCode(run *store.Run) int {
	switch run.Status {
	case store.StatusOK:
		return 0
	case store.StatusExited:
		return run.ExitStatus
	case store.StatusSignaled:
		return exitSignalBase - run.ExitStatus
	case store.StatusTimeout:
		return exitTimeout
	default:
		return exitSystemError
	}
}

func describeRun(run *store.Run) string {
	switch run.Status {
	case store.StatusExited:
		return fmt.Sprintf("exited status=%d", run.ExitStatus)
	case store.StatusSignaled:
		return fmt.Sprintf("signaled signal=%d", -run.ExitStatus)
	case store.StatusSystemError, store.StatusCrashed:
		return fmt.Sprintf("%s stage=%s kind=%s requeue=%t: %s", run.Status, run.Stage, run.ErrorKind, run.Requeue, run.Error)
	default:
		return run.Status
	}
}

func printRun(w io.Writer, run *store.Run, asJSON bool) {
	if asJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		_ = enc.Encode(run)
		return
	}
	fmt.Fprintf(w, "%s %s (%dms)\n", run.ID, describeRun(run), run.DurationMs)
}

func runBatch(args []string, opts globalOpts) int {
	fs := flag.NewFlagSet("batch", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	concurrency := fs.Int("concurrency", 0, "maximum sandboxes alive at once (default from file, then config)")
	jsonOut := fs.Bool("json", false, "print run records as JSON")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if fs.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "Usage: icebox batch [--concurrency <n>] [--json] <file.yaml>")
		return 2
	}

	batch, err := readBatchFile(fs.Arg(0))
	if err != nil {
		fmt.Fprintf(os.Stderr, "batch: %v\n", err)
		return 2
	}

	a, err := newApp(opts)
	if err != nil {
		fmt.Fprintf(os.Stderr, "batch: %v\n", err)
		return 1
	}
	defer a.Close()

	limit := a.cfg.Run.Concurrency
	if batch.Concurrency > 0 {
		limit = batch.Concurrency
	}
	if *concurrency > 0 {
		limit = *concurrency
	}

	ctx, stop := signalContext()
	defer stop()

	reapCtx, stopReaper := context.WithCancel(ctx)
	defer stopReaper()
	go a.reaper().Run(reapCtx)

	runs, err := a.tasks.Batch(ctx, batch.Tasks, limit)
	stopReaper()

	if *jsonOut {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		_ = enc.Encode(runs)
	} else {
		fmt.Printf("%-20s %-36s %-12s %-8s %s\n", "NAME", "RUN ID", "OUTCOME", "STATUS", "DURATION")
		for i, run := range runs {
			if run == nil {
				continue
			}
			name := batch.Tasks[i].Name
			if name == "" {
				name = fmt.Sprintf("#%d", i)
			}
			fmt.Printf("%-20s %-36s %-12s %-8d %dms\n", name, run.ID, run.Status, run.ExitStatus, run.DurationMs)
		}
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "batch: %v\n", err)
		return 1
	}
	return 0
}

// readBatchFile parses a batch file. Relative paths in tasks are resolved
// against the file's directory.
func readBatchFile(path string) (*batchFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var batch batchFile
	if err := yaml.Unmarshal(data, &batch); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	if len(batch.Tasks) == 0 {
		return nil, fmt.Errorf("%s: no tasks", path)
	}

	base, err := filepath.Abs(filepath.Dir(path))
	if err != nil {
		return nil, err
	}
	resolve := func(p string) string {
		if p == "" || filepath.IsAbs(p) {
			return p
		}
		return filepath.Join(base, p)
	}
	for i := range batch.Tasks {
		t := &batch.Tasks[i]
		t.InDir = resolve(t.InDir)
		t.OutDir = resolve(t.OutDir)
		t.Stdin = resolve(t.Stdin)
		t.Stdout = resolve(t.Stdout)
		t.Stderr = resolve(t.Stderr)
	}
	return &batch, nil
}

func runShell(args []string, opts globalOpts) int {
	fs := flag.NewFlagSet("shell", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	flags := addSpecFlags(fs, time.Hour)
	if err := fs.Parse(args); err != nil {
		return 2
	}
	argv := fs.Args()
	if len(argv) == 0 {
		argv = []string{"/bin/bash"}
	}

	spec, err := flags.spec(argv)
	if err != nil {
		fmt.Fprintf(os.Stderr, "shell: %v\n", err)
		return 2
	}
	if len(spec.Env) == 0 {
		spec.Env = append(spec.Env, linux.DefaultEnv...)
		if t := os.Getenv("TERM"); t != "" {
			spec.Env = append(spec.Env, "TERM="+t)
		}
	}

	a, err := newApp(opts)
	if err != nil {
		fmt.Fprintf(os.Stderr, "shell: %v\n", err)
		return 1
	}
	defer a.Close()

	ptmx, tty, err := pty.Open()
	if err != nil {
		fmt.Fprintf(os.Stderr, "shell: open pty: %v\n", err)
		return 1
	}
	defer ptmx.Close()
	spec.Terminal = tty

	stdinFd := int(os.Stdin.Fd())
	restore := func() {}
	if term.IsTerminal(stdinFd) {
		oldState, err := term.MakeRaw(stdinFd)
		if err != nil {
			fmt.Fprintf(os.Stderr, "shell: raw mode: %v\n", err)
			return 1
		}
		restore = func() { _ = term.Restore(stdinFd, oldState) }

		winch := make(chan os.Signal, 1)
		signal.Notify(winch, syscall.SIGWINCH)
		defer signal.Stop(winch)
		go func() {
			for range winch {
				_ = pty.InheritSize(os.Stdin, ptmx)
			}
		}()
		winch <- syscall.SIGWINCH
	}

	go func() { _, _ = io.Copy(ptmx, os.Stdin) }()
	copied := make(chan struct{})
	go func() {
		_, _ = io.Copy(os.Stdout, ptmx)
		close(copied)
	}()

	ctx, stop := signalContext()
	defer stop()

	run, err := a.tasks.Submit(ctx, spec)
	tty.Close()
	select {
	case <-copied:
	case <-time.After(time.Second):
	}
	restore()

	if err != nil {
		fmt.Fprintf(os.Stderr, "shell: %v\n", err)
		if run == nil {
			return 1
		}
	}
	if run.Status != store.StatusOK && run.Status != store.StatusExited {
		printRun(os.Stderr, run, false)
	}
	return exitCode(run)
}

func runHistory(args []string, opts globalOpts) int {
	fs := flag.NewFlagSet("history", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	limit := fs.Int("limit", 20, "number of runs to list (0 = all)")
	jsonOut := fs.Bool("json", false, "print run records as JSON")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	st, err := openStore(opts)
	if err != nil {
		fmt.Fprintf(os.Stderr, "history: %v\n", err)
		return 1
	}
	defer st.Close()

	runs, err := st.ListRuns(*limit)
	if err != nil {
		fmt.Fprintf(os.Stderr, "history: %v\n", err)
		return 1
	}

	if *jsonOut {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		_ = enc.Encode(runs)
		return 0
	}

	now := time.Now()
	fmt.Printf("%-36s %-12s %-8s %-10s %-10s %s\n", "RUN ID", "OUTCOME", "STATUS", "DURATION", "CREATED", "COMMAND")
	fmt.Printf("%-36s %-12s %-8s %-10s %-10s %s\n", "------", "-------", "------", "--------", "-------", "-------")
	for _, run := range runs {
		created := run.CreatedAt.Local().Format("2006-01-02")
		if t := run.CreatedAt.Local(); t.Year() == now.Year() && t.YearDay() == now.YearDay() {
			created = t.Format("15:04:05")
		}
		fmt.Printf("%-36s %-12s %-8d %-10s %-10s %s\n",
			run.ID, run.Status, run.ExitStatus, fmt.Sprintf("%dms", run.DurationMs), created, strings.Join(run.Argv, " "))
	}
	return 0
}

func runShow(args []string, opts globalOpts) int {
	if len(args) != 1 {
		fmt.Fprintln(os.Stderr, "Usage: icebox show <run-id>")
		return 2
	}

	st, err := openStore(opts)
	if err != nil {
		fmt.Fprintf(os.Stderr, "show: %v\n", err)
		return 1
	}
	defer st.Close()

	run, err := st.GetRun(args[0])
	if errors.Is(err, store.ErrNotFound) {
		fmt.Fprintf(os.Stderr, "show: no run %s\n", args[0])
		return 1
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "show: %v\n", err)
		return 1
	}
	printRun(os.Stdout, run, true)
	return 0
}

// openStore opens the run ledger without touching the sandbox host.
func openStore(opts globalOpts) (*store.Store, error) {
	cfg, _, err := loadConfig(opts)
	if err != nil {
		return nil, err
	}
	if _, err := os.Stat(cfg.DBPath); err != nil {
		return nil, fmt.Errorf("no run history at %s: %w", cfg.DBPath, err)
	}
	return store.New(cfg.DBPath, 0)
}

func runReap(args []string, opts globalOpts) int {
	if len(args) != 0 {
		fmt.Fprintln(os.Stderr, "Usage: icebox reap")
		return 2
	}

	a, err := newApp(opts)
	if err != nil {
		fmt.Fprintf(os.Stderr, "reap: %v\n", err)
		return 1
	}
	defer a.Close()

	ctx, stop := signalContext()
	defer stop()

	a.reaper().Once(ctx)
	return 0
}

func runDoctor(args []string, opts globalOpts) int {
	fs := flag.NewFlagSet("doctor", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	probe := fs.Bool("probe", true, "start a sandbox running /bin/true")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	cfg, logger, err := loadConfig(opts)
	if err != nil {
		fmt.Fprintf(os.Stderr, "doctor: %v\n", err)
		return 1
	}

	checks := make([]doctorCheck, 0, 8)
	failures := 0
	add := func(name string, ok bool, failStatus, details string) {
		status := "OK"
		if !ok {
			status = failStatus
			if failStatus == "FAIL" {
				failures++
			}
		}
		checks = append(checks, doctorCheck{Name: name, Status: status, Details: details})
	}

	ok, details := checkKernelVersion()
	add("Kernel >= 5.7", ok, "FAIL", details)

	usernsErr := linux.DetectUserNamespaces()
	if usernsErr == nil {
		add("User namespaces", true, "FAIL", "unprivileged creation allowed")
	} else {
		add("User namespaces", false, "FAIL", usernsErr.Error())
	}

	cgroupStatus := "WARN"
	if cfg.Limits.Enabled {
		cgroupStatus = "FAIL"
	}
	ok, details = checkCgroupV2()
	add("cgroups v2", ok, cgroupStatus, details)

	trusted := cfg.Sandbox.TrustedPaths
	if trusted == nil {
		trusted = linux.DefaultTrustedPaths()
	}
	if missing := linux.MissingTrustedPaths(trusted); len(missing) > 0 {
		add("Trusted paths", false, "FAIL", "missing: "+strings.Join(missing, ", "))
	} else {
		add("Trusted paths", true, "FAIL", fmt.Sprintf("%d paths present", len(trusted)))
	}

	if os.Geteuid() == 0 {
		checks = append(checks, doctorCheck{Name: "Privileges", Status: "OK", Details: "running as root"})
	} else {
		checks = append(checks, doctorCheck{Name: "Privileges", Status: "OK", Details: fmt.Sprintf("unprivileged (uid %d)", os.Geteuid())})
	}

	ok, status, details := checkDataDir(cfg.DataDir)
	add("Data directory", ok, status, details)

	if *probe {
		if usernsErr != nil {
			checks = append(checks, doctorCheck{Name: "Sandbox probe", Status: "SKIP", Details: "user namespaces unavailable"})
		} else {
			ok, details := probeSandbox(cfg, logger)
			add("Sandbox probe", ok, "FAIL", details)
		}
	}

	fmt.Println("icebox doctor")
	for _, check := range checks {
		fmt.Printf("[%s] %-16s %s\n", check.Status, check.Name, check.Details)
	}

	if failures > 0 {
		fmt.Printf("\nDoctor found %d blocking issue(s).\n", failures)
		return 1
	}

	fmt.Println("\nDoctor checks passed.")
	return 0
}

// probeSandbox builds a real sandbox around throwaway directories and runs
// /bin/true in it.
func probeSandbox(cfg *config.Config, logger *slog.Logger) (bool, string) {
	driver, err := linux.NewDriver(cfg, logger)
	if err != nil {
		return false, err.Error()
	}

	in, err := os.MkdirTemp("", "icebox-doctor-in-")
	if err != nil {
		return false, err.Error()
	}
	defer os.RemoveAll(in)
	out, err := os.MkdirTemp("", "icebox-doctor-out-")
	if err != nil {
		return false, err.Error()
	}
	defer os.RemoveAll(out)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	res, err := driver.Run(ctx, runtime.Task{
		ID:      "doctor-" + uuid.NewString(),
		InDir:   in,
		OutDir:  out,
		Argv:    []string{"/bin/true"},
		Timeout: 10 * time.Second,
	}, nil)
	if err != nil {
		return false, err.Error()
	}
	logger.Debug("doctor probe finished", "outcome", res.Outcome, "duration", res.Duration)
	switch res.Outcome {
	case runtime.OutcomeOK:
		return true, fmt.Sprintf("/bin/true ran in %s", res.Duration.Round(time.Millisecond))
	case runtime.OutcomeSystemError:
		return false, fmt.Sprintf("stage=%s kind=%s: %s", res.Stage, res.ErrorKind, res.Error)
	default:
		return false, fmt.Sprintf("/bin/true ended with %s (status %d)", res.Outcome, res.Status)
	}
}

func checkKernelVersion() (bool, string) {
	var uts unix.Utsname
	if err := unix.Uname(&uts); err != nil {
		return false, fmt.Sprintf("uname failed: %v", err)
	}
	release := charsToString(uts.Release[:])
	major, minor := parseKernelVersion(release)
	if major > 5 || (major == 5 && minor >= 7) {
		return true, release
	}
	return false, fmt.Sprintf("%s (need >= 5.7)", release)
}

func checkCgroupV2() (bool, string) {
	if err := linux.DetectCgroupV2(); err != nil {
		return false, err.Error()
	}
	return true, "/sys/fs/cgroup is cgroup2"
}

func checkDataDir(dataDir string) (bool, string, string) {
	if !filepath.IsAbs(dataDir) {
		return false, "FAIL", fmt.Sprintf("%s is not an absolute path", dataDir)
	}

	checkPath := nearestExistingDir(dataDir)
	if err := unix.Access(checkPath, unix.W_OK|unix.X_OK); err != nil {
		return false, "FAIL", fmt.Sprintf("%s is not writable: %v", checkPath, err)
	}

	if _, err := os.Stat(dataDir); errors.Is(err, os.ErrNotExist) {
		return false, "WARN", fmt.Sprintf("%s does not exist yet (created on first run)", dataDir)
	}

	return true, "OK", fmt.Sprintf("%s looks usable", dataDir)
}

func charsToString(chars []byte) string {
	var out strings.Builder
	for _, c := range chars {
		if c == 0 {
			break
		}
		out.WriteByte(c)
	}
	return out.String()
}

func parseKernelVersion(release string) (int, int) {
	parts := strings.SplitN(release, "-", 2)
	core := parts[0]
	bits := strings.Split(core, ".")
	if len(bits) < 2 {
		return 0, 0
	}
	major, _ := strconv.Atoi(bits[0])
	minor, _ := strconv.Atoi(bits[1])
	return major, minor
}

func nearestExistingDir(pathValue string) string {
	current := filepath.Clean(pathValue)
	for {
		if info, err := os.Stat(current); err == nil && info.IsDir() {
			return current
		}
		next := filepath.Dir(current)
		if next == current {
			return "/"
		}
		current = next
	}
}
