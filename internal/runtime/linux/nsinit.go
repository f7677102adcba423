//go:build linux

package linux

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"runtime"
	"strings"

	"golang.org/x/sys/unix"

	"github.com/p-arndt/icebox/protocol"
)

const (
	EnvInit     = "ICEBOX_INIT"
	EnvInitSpec = "ICEBOX_INIT_SPEC"
)

// DefaultEnv is the environment of a submission unless the task overrides it.
var DefaultEnv = []string{"PATH=/usr/bin:/bin", "HOME=/"}

func IsInit() bool {
	return os.Getenv(EnvInit) == "1"
}

// RunInit is the entrypoint of a freshly cloned child. It only returns on
// failure; on success the process has become the submission.
func RunInit() error {
	// Capabilities and no_new_privs are per thread. The thread stays locked
	// until exec.
	runtime.LockOSThread()

	unix.CloseOnExec(protocol.StatusFD)
	status := os.NewFile(protocol.StatusFD, "icebox-status")
	if status == nil {
		return errors.New("status pipe not inherited")
	}

	spec, err := readInitSpec()
	if err != nil {
		report(status, protocol.StageNamespace, err)
		return err
	}
	stage, err := initMain(spec, SelfKernel(), HostSyscalls(), status)
	if err != nil {
		report(status, stage, err)
	}
	return err
}

func readInitSpec() (*protocol.InitSpec, error) {
	raw := os.Getenv(EnvInitSpec)
	if raw == "" {
		return nil, fmt.Errorf("missing %s", EnvInitSpec)
	}
	var spec protocol.InitSpec
	if err := json.Unmarshal([]byte(raw), &spec); err != nil {
		return nil, fmt.Errorf("parse init spec: %w", err)
	}
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	// Nothing of the supervisor's environment reaches the submission.
	os.Clearenv()
	return &spec, nil
}

func report(w io.Writer, stage protocol.Stage, err error) {
	_ = protocol.WriteStatus(w, protocol.Status{Stage: stage, Error: err.Error(), Kind: string(KindOf(err))})
}

func initMain(spec *protocol.InitSpec, k Kernel, sys Syscalls, status io.Writer) (protocol.Stage, error) {
	ns, err := CreateNamespace(k, Identity{UID: spec.HostUID, GID: spec.HostGID}, Hostname)
	if err != nil {
		return protocol.StageNamespace, err
	}
	if err := protocol.WriteStatus(status, protocol.Status{Stage: protocol.StageNamespace}); err != nil {
		return protocol.StageNamespace, err
	}

	sealed, err := EnterNamespace(ns, sys, Layout{
		Root:             spec.Root,
		In:               spec.InDir,
		Out:              spec.OutDir,
		Trusted:          spec.Trusted,
		InterpreterHomes: spec.InterpreterHomes,
		TmpSize:          spec.TmpSize,
		TmpInodes:        spec.TmpInodes,
	})
	if err != nil {
		return protocol.StageRootfs, err
	}
	if err := protocol.WriteStatus(status, protocol.Status{Stage: protocol.StageRootfs}); err != nil {
		return protocol.StageRootfs, err
	}

	ready := func() error {
		return protocol.WriteStatus(status, protocol.Status{Stage: protocol.StageReady})
	}
	return protocol.StageExec, sealed.Exec(ExecSpec{
		WorkDir:     spec.WorkDir,
		Argv:        spec.Argv,
		Env:         spec.Env,
		Seccomp:     spec.Seccomp,
		SeccompDeny: spec.SeccompDeny,
	}, ready)
}

// ExecSpec is the submission to run in a sealed sandbox.
type ExecSpec struct {
	WorkDir     string
	Argv        []string
	Env         []string
	Seccomp     bool
	SeccompDeny []string
}

// Exec gives up every capability and replaces the process with the
// submission. ready is called right before execve.
func (s *Sealed) Exec(spec ExecSpec, ready func() error) error {
	if len(spec.Argv) == 0 {
		return setupErr("exec", "argv", "", unix.EINVAL)
	}
	workDir := spec.WorkDir
	if workDir == "" {
		workDir = "/" + OutDir
	}
	env := spec.Env
	if len(env) == 0 {
		env = DefaultEnv
	}

	if err := s.sys.Chdir(workDir); err != nil {
		return setupErr("exec", "chdir", workDir, err)
	}
	if err := dropCapabilities(); err != nil {
		return err
	}
	if err := unix.Prctl(unix.PR_SET_NO_NEW_PRIVS, 1, 0, 0, 0); err != nil {
		return setupErr("exec", "no_new_privs", "", err)
	}
	if spec.Seccomp {
		if err := loadSeccomp(spec.SeccompDeny); err != nil {
			return setupErr("exec", "seccomp", "", err)
		}
	}

	path, err := lookPath(spec.Argv[0], env)
	if err != nil {
		return setupErr("exec", "lookpath", spec.Argv[0], err)
	}
	if err := ready(); err != nil {
		return setupErr("exec", "report ready", "", err)
	}
	if err := unix.Exec(path, spec.Argv, env); err != nil {
		return setupErr("exec", "execve", path, err)
	}
	return nil
}

// lookPath resolves file against the PATH of the submission's environment.
func lookPath(file string, env []string) (string, error) {
	for _, kv := range env {
		if v, ok := strings.CutPrefix(kv, "PATH="); ok {
			if err := os.Setenv("PATH", v); err != nil {
				return "", err
			}
		}
	}
	return exec.LookPath(file)
}

// dropCapabilities clears the ambient set and empties the bounding set, so
// the submission cannot regain anything across exec.
func dropCapabilities() error {
	if err := unix.Prctl(unix.PR_CAP_AMBIENT, unix.PR_CAP_AMBIENT_CLEAR_ALL, 0, 0, 0); err != nil {
		return setupErr("exec", "clear ambient caps", "", err)
	}
	for c := 0; c <= unix.CAP_LAST_CAP; c++ {
		err := unix.Prctl(unix.PR_CAPBSET_DROP, uintptr(c), 0, 0, 0)
		// EINVAL: the running kernel does not know this capability.
		if err != nil && !errors.Is(err, unix.EINVAL) {
			return setupErr("exec", "drop bounding cap", fmt.Sprint(c), err)
		}
	}
	return nil
}
