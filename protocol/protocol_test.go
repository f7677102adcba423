package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteStatusIsOneLine(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteStatus(&buf, Status{Stage: StageReady}))
	assert.Equal(t, "{\"stage\":\"ready\"}\n", buf.String())
}

func TestReadHandshakeReady(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteStatus(&buf, Status{Stage: StageNamespace}))
	require.NoError(t, WriteStatus(&buf, Status{Stage: StageRootfs}))
	require.NoError(t, WriteStatus(&buf, Status{Stage: StageReady}))

	stage, err := ReadHandshake(&buf)
	require.NoError(t, err)
	assert.Equal(t, StageReady, stage)
}

func TestReadHandshakeError(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteStatus(&buf, Status{Stage: StageNamespace}))
	require.NoError(t, WriteStatus(&buf, Status{Stage: StageRootfs, Error: "rootfs: lstat /usr/include: no such file or directory", Kind: "missing_path"}))

	stage, err := ReadHandshake(&buf)
	assert.Equal(t, StageRootfs, stage)

	var he *HandshakeError
	require.True(t, errors.As(err, &he))
	assert.Equal(t, "missing_path", he.Status.Kind)
	assert.Contains(t, err.Error(), "/usr/include")
}

func TestReadHandshakeEOFBeforeReady(t *testing.T) {
	stage, err := ReadHandshake(strings.NewReader("{\"stage\":\"namespace\"}\n"))
	assert.Equal(t, StageNamespace, stage)
	assert.ErrorIs(t, err, ErrNoReady)

	_, err = ReadHandshake(strings.NewReader(""))
	assert.ErrorIs(t, err, ErrNoReady)
}

func TestReadHandshakeGarbage(t *testing.T) {
	_, err := ReadHandshake(strings.NewReader("not json\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "decode handshake")
}

func TestInitSpecValidate(t *testing.T) {
	spec := InitSpec{Root: "/r", InDir: "/i", OutDir: "/o", Argv: []string{"/bin/true"}}
	assert.NoError(t, spec.Validate())

	noArgv := spec
	noArgv.Argv = nil
	assert.Error(t, noArgv.Validate())

	noOut := spec
	noOut.OutDir = ""
	assert.Error(t, noOut.Validate())
}

func TestInitSpecOmitsEmptyHomes(t *testing.T) {
	data, err := json.Marshal(InitSpec{Root: "/r"})
	require.NoError(t, err)
	assert.NotContains(t, string(data), "interpreter_homes")
	assert.NotContains(t, string(data), "seccomp_deny")
}
