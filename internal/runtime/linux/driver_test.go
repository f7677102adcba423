//go:build linux

package linux

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"syscall"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/p-arndt/icebox/internal/config"
	"github.com/p-arndt/icebox/internal/runtime"
	"github.com/p-arndt/icebox/protocol"
)

func TestClassifyWait(t *testing.T) {
	outcome, status := classifyWait(syscall.WaitStatus(0))
	assert.Equal(t, runtime.OutcomeOK, outcome)
	assert.Equal(t, 0, status)

	outcome, status = classifyWait(syscall.WaitStatus(3 << 8))
	assert.Equal(t, runtime.OutcomeExited, outcome)
	assert.Equal(t, 3, status)

	outcome, status = classifyWait(syscall.WaitStatus(syscall.SIGKILL))
	assert.Equal(t, runtime.OutcomeSignaled, outcome)
	assert.Equal(t, -9, status)

	outcome, status = classifyWait(syscall.WaitStatus(syscall.SIGSEGV))
	assert.Equal(t, runtime.OutcomeSignaled, outcome)
	assert.Equal(t, -11, status)
}

func TestClassifyRunTimeoutWins(t *testing.T) {
	res := classifyRun(protocol.StageRootfs, protocol.ErrNoReady, errors.New("signal: killed"), nil, context.DeadlineExceeded, nil)
	assert.Equal(t, runtime.OutcomeTimeout, res.Outcome)
	assert.False(t, res.Requeue())
}

func TestClassifyRunHandshakeError(t *testing.T) {
	hsErr := &protocol.HandshakeError{Status: protocol.Status{Stage: protocol.StageRootfs, Error: "boom", Kind: string(KindMissingPath)}}
	res := classifyRun(protocol.StageRootfs, hsErr, nil, nil, nil, nil)

	assert.Equal(t, runtime.OutcomeSystemError, res.Outcome)
	assert.Equal(t, "missing_path", res.ErrorKind)
	assert.Equal(t, "rootfs", res.Stage)
	assert.True(t, res.Requeue())
}

func TestClassifyRunNoReady(t *testing.T) {
	res := classifyRun(protocol.StageNamespace, protocol.ErrNoReady, nil, nil, nil, nil)
	assert.Equal(t, runtime.OutcomeSystemError, res.Outcome)
	assert.Equal(t, string(KindSetup), res.ErrorKind)
	assert.Contains(t, res.Error, "before reporting ready")
}

func TestClassifyRunCancelled(t *testing.T) {
	res := classifyRun(protocol.StageReady, nil, nil, nil, context.Canceled, context.Canceled)
	assert.Equal(t, runtime.OutcomeSystemError, res.Outcome)
	assert.True(t, res.Requeue())
}

func TestValidateTaskDir(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "f")
	require.NoError(t, os.WriteFile(file, nil, 0644))

	assert.NoError(t, validateTaskDir(dir))
	assert.Error(t, validateTaskDir("relative/out"))
	assert.Error(t, validateTaskDir(filepath.Join(dir, "missing")))
	assert.Error(t, validateTaskDir(file))
}

func TestOpenStdio(t *testing.T) {
	dir := t.TempDir()
	stdin := filepath.Join(dir, "input.txt")
	require.NoError(t, os.WriteFile(stdin, []byte("1 2\n"), 0644))

	s, err := openStdio(runtime.Task{
		Stdin:  stdin,
		Stdout: filepath.Join(dir, "out.txt"),
		Stderr: filepath.Join(dir, "out.txt"),
	})
	require.NoError(t, err)
	defer s.Close()

	assert.NotNil(t, s.in)
	assert.Same(t, s.out, s.err)
	assert.FileExists(t, filepath.Join(dir, "out.txt"))
	assert.Len(t, s.owned, 2)
}

func TestOpenStdioMissingInput(t *testing.T) {
	_, err := openStdio(runtime.Task{Stdin: filepath.Join(t.TempDir(), "nope")})
	require.Error(t, err)
	assert.Equal(t, KindMissingPath, classify(err))
}

func TestInitSpecDefaults(t *testing.T) {
	cfg, err := config.Load("")
	require.NoError(t, err)
	d := &Driver{cfg: cfg}

	spec := d.initSpec(runtime.Task{ID: "t1", InDir: "/in", OutDir: "/out", Argv: []string{"./a.out"}}, "/scratch/t1")

	assert.Equal(t, "/scratch/t1", spec.Root)
	assert.Equal(t, DefaultTrustedPaths(), spec.Trusted)
	assert.Equal(t, DefaultInterpreterHomes(), spec.InterpreterHomes)
	assert.Equal(t, "/out", spec.WorkDir)
	assert.Equal(t, int64(16<<20), spec.TmpSize)
	assert.Equal(t, os.Geteuid(), spec.HostUID)
	assert.True(t, spec.Seccomp)
	assert.NoError(t, spec.Validate())
}

func TestScratchIDs(t *testing.T) {
	dir := t.TempDir()
	d := &Driver{cfg: &config.Config{}, scratchDir: dir}

	ids, err := d.ListScratchIDs(context.Background())
	require.NoError(t, err)
	assert.Empty(t, ids)

	require.NoError(t, os.Mkdir(d.ScratchRoot("a"), 0755))
	require.NoError(t, os.Mkdir(d.ScratchRoot("b"), 0755))
	ids, err = d.ListScratchIDs(context.Background())
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"a", "b"}, ids)

	require.NoError(t, d.RemoveScratch(context.Background(), "a"))
	assert.NoDirExists(t, d.ScratchRoot("a"))
}

func TestIsRunning(t *testing.T) {
	d := &Driver{}
	running, err := d.IsRunning(context.Background(), os.Getpid())
	require.NoError(t, err)
	assert.True(t, running)

	running, err = d.IsRunning(context.Background(), 0)
	require.NoError(t, err)
	assert.False(t, running)
}
