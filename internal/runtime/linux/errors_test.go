//go:build linux

package linux

import (
	"errors"
	"fmt"
	"io/fs"
	"testing"

	"github.com/stretchr/testify/assert"
	"golang.org/x/sys/unix"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		err  error
		want ErrorKind
	}{
		{unix.EPERM, KindPrivilege},
		{unix.EACCES, KindPrivilege},
		{unix.ENOSPC, KindResource},
		{unix.ENOMEM, KindResource},
		{unix.EUSERS, KindResource},
		{unix.EMFILE, KindResource},
		{unix.ENOENT, KindMissingPath},
		{&fs.PathError{Op: "lstat", Path: "/usr/include", Err: unix.ENOENT}, KindMissingPath},
		{unix.EINVAL, KindSetup},
		{errors.New("plain"), KindSetup},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, classify(tt.err), "%v", tt.err)
	}
}

func TestSetupErrorMessage(t *testing.T) {
	err := setupErr("mount", "bind", "/usr/bin -> /root/usr/bin", unix.EPERM)
	assert.Equal(t, "mount: bind /usr/bin -> /root/usr/bin: operation not permitted", err.Error())

	err = setupErr("namespace", "setresuid", "", unix.EPERM)
	assert.Equal(t, "namespace: setresuid: operation not permitted", err.Error())
}

func TestKindOfWrapped(t *testing.T) {
	err := fmt.Errorf("sandbox: %w", pivotErr("umount", "/old_root", unix.EBUSY))
	assert.Equal(t, KindPivot, KindOf(err))
	assert.ErrorIs(t, err, unix.EBUSY)

	assert.Equal(t, KindSetup, KindOf(errors.New("not a setup error")))
}
