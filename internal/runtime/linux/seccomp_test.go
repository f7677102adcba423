//go:build linux

package linux

import (
	"testing"

	"github.com/elastic/go-seccomp-bpf"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func TestDenyPolicyAssembles(t *testing.T) {
	policy := DenyPolicy(DefaultSeccompDeny)
	assert.Equal(t, seccomp.ActionAllow, policy.DefaultAction)
	require.Len(t, policy.Syscalls, 1)
	assert.Equal(t, DefaultSeccompDeny, policy.Syscalls[0].Names)

	_, err := policy.Assemble()
	require.NoError(t, err)
}

func TestDenyPolicyUnknownSyscall(t *testing.T) {
	policy := DenyPolicy([]string{"not_a_syscall"})
	_, err := policy.Assemble()
	assert.Error(t, err)
}

func TestErrnoAction(t *testing.T) {
	action := errnoAction(unix.EPERM)
	assert.Equal(t, uint32(unix.EPERM), uint32(action)&0xffff)
	assert.Equal(t, uint32(seccomp.ActionErrno)&^0xffff, uint32(action)&^0xffff)
}

func TestDefaultSeccompDenyCoversMountTable(t *testing.T) {
	for _, name := range []string{"mount", "umount2", "pivot_root", "unshare", "setns"} {
		assert.Contains(t, DefaultSeccompDeny, name)
	}
}
