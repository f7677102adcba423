//go:build linux

package linux

import (
	"fmt"
	"io/fs"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func TestCreateNamespaceOrder(t *testing.T) {
	k := newFakeKernel()

	ns, err := CreateNamespace(k, Identity{UID: 2000, GID: 2001}, Hostname)
	require.NoError(t, err)
	assert.Equal(t, SetgroupsApplied, ns.Setgroups)

	assert.Equal(t, []string{
		"write uid_map",
		"write setgroups",
		"write gid_map",
		"setresuid 1000 1000 1000",
		"setresgid 1000 1000 1000",
		"sethostname icebox",
	}, k.calls)
	assert.Equal(t, "deny", k.writes["setgroups"])
}

func TestCreateNamespaceMapsAnyHostIdentity(t *testing.T) {
	for _, host := range []Identity{{UID: 0, GID: 0}, {UID: 2000, GID: 2000}, {UID: 1000, GID: 100}} {
		t.Run(fmt.Sprintf("host_%d_%d", host.UID, host.GID), func(t *testing.T) {
			k := newFakeKernel()
			_, err := CreateNamespace(k, host, Hostname)
			require.NoError(t, err)

			assert.Equal(t, fmt.Sprintf("1000 %d 1\n", host.UID), k.writes["uid_map"])
			assert.Equal(t, fmt.Sprintf("1000 %d 1\n", host.GID), k.writes["gid_map"])
			// The identity inside never depends on the host.
			assert.Contains(t, k.calls, "setresuid 1000 1000 1000")
			assert.Contains(t, k.calls, "setresgid 1000 1000 1000")
		})
	}
}

func TestLockSetgroupsNotSupported(t *testing.T) {
	k := newFakeKernel()
	k.fail["write setgroups"] = &fs.PathError{Op: "open", Path: "/proc/self/setgroups", Err: os.ErrNotExist}

	ns, err := CreateNamespace(k, Identity{UID: 1000, GID: 1000}, Hostname)
	require.NoError(t, err)
	assert.Equal(t, SetgroupsNotSupported, ns.Setgroups)
	assert.Equal(t, "not_supported", ns.Setgroups.String())
	// the gid map is still written after a missing control file
	assert.Equal(t, "1000 1000 1\n", k.writes["gid_map"])
}

func TestLockSetgroupsFailureAborts(t *testing.T) {
	k := newFakeKernel()
	k.fail["write setgroups"] = &fs.PathError{Op: "write", Path: "/proc/self/setgroups", Err: unix.EPERM}

	uidMapped, err := Adopt(k, Identity{UID: 1000, GID: 1000}).MapUID()
	require.NoError(t, err)

	next, result, err := uidMapped.LockSetgroups()
	require.Error(t, err)
	assert.Nil(t, next)
	assert.Equal(t, SetgroupsFailed, result)
	assert.Equal(t, KindPrivilege, KindOf(err))

	_, err = CreateNamespace(newFakeKernelFailing("write setgroups", unix.EPERM), Identity{}, Hostname)
	require.Error(t, err)
}

func newFakeKernelFailing(key string, err error) *fakeKernel {
	k := newFakeKernel()
	k.fail[key] = err
	return k
}

func TestCreateNamespaceStopsAtFirstFailure(t *testing.T) {
	tests := []struct {
		failKey   string
		err       error
		wantCalls int
		wantKind  ErrorKind
	}{
		{failKey: "write uid_map", err: unix.EPERM, wantCalls: 1, wantKind: KindPrivilege},
		{failKey: "write gid_map", err: unix.EINVAL, wantCalls: 3, wantKind: KindSetup},
		{failKey: "setresuid", err: unix.EPERM, wantCalls: 4, wantKind: KindPrivilege},
		{failKey: "setresgid", err: unix.EAGAIN, wantCalls: 5, wantKind: KindResource},
		{failKey: "sethostname", err: unix.EPERM, wantCalls: 6, wantKind: KindPrivilege},
	}

	for _, tt := range tests {
		t.Run(tt.failKey, func(t *testing.T) {
			k := newFakeKernelFailing(tt.failKey, tt.err)
			ns, err := CreateNamespace(k, Identity{UID: 1000, GID: 1000}, Hostname)
			require.Error(t, err)
			assert.Nil(t, ns)
			assert.Len(t, k.calls, tt.wantCalls)
			assert.Equal(t, tt.wantKind, KindOf(err))
			assert.ErrorIs(t, err, tt.err)
		})
	}
}

func TestSysProcAttrCreatesAllNamespaces(t *testing.T) {
	attr := sysProcAttr()
	for _, flag := range []uintptr{
		unix.CLONE_NEWNS, unix.CLONE_NEWUTS, unix.CLONE_NEWIPC,
		unix.CLONE_NEWUSER, unix.CLONE_NEWPID, unix.CLONE_NEWNET,
	} {
		assert.NotZero(t, attr.Cloneflags&flag, "missing clone flag %#x", flag)
	}
	assert.Contains(t, attr.AmbientCaps, uintptr(unix.CAP_SYS_ADMIN))
	assert.Nil(t, attr.UidMappings)
}

func TestIDMapLine(t *testing.T) {
	assert.Equal(t, "1000 0 1\n", string(idMapLine(SandboxUID, 0)))
	assert.Equal(t, "1000 2000 1\n", string(idMapLine(SandboxUID, 2000)))
}
