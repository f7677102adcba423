//go:build linux

package linux

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"syscall"

	"golang.org/x/sys/unix"
)

const (
	SandboxUID = 1000
	SandboxGID = 1000
	Hostname   = "icebox"
)

// CloneFlags creates every namespace of the sandbox in one clone(2).
const CloneFlags = unix.CLONE_NEWNS |
	unix.CLONE_NEWUTS |
	unix.CLONE_NEWIPC |
	unix.CLONE_NEWUSER |
	unix.CLONE_NEWPID |
	unix.CLONE_NEWNET

// Identity is the host-side half of the ID mapping.
type Identity struct {
	UID int `json:"uid"`
	GID int `json:"gid"`
}

// CaptureIdentity returns the effective IDs of the caller. It must run before
// the clone: inside a fresh user namespace the IDs read back as unmapped.
func CaptureIdentity() Identity {
	return Identity{UID: unix.Geteuid(), GID: unix.Getegid()}
}

// Kernel is the process-capability handle the initiator mutates. Calls apply
// to the calling process.
type Kernel interface {
	WriteProc(name string, data []byte) error
	Setresuid(ruid, euid, suid int) error
	Setresgid(rgid, egid, sgid int) error
	Sethostname(name string) error
}

type procKernel struct {
	dir string
}

// SelfKernel operates on the current process through /proc/self.
func SelfKernel() Kernel {
	return procKernel{dir: "/proc/self"}
}

func (k procKernel) WriteProc(name string, data []byte) error {
	f, err := os.OpenFile(filepath.Join(k.dir, name), os.O_WRONLY, 0)
	if err != nil {
		return err
	}
	// The map files accept exactly one write.
	if _, err := f.Write(data); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func (procKernel) Setresuid(ruid, euid, suid int) error { return unix.Setresuid(ruid, euid, suid) }
func (procKernel) Setresgid(rgid, egid, sgid int) error { return unix.Setresgid(rgid, egid, sgid) }
func (procKernel) Sethostname(name string) error        { return unix.Sethostname([]byte(name)) }

// SetgroupsResult is the outcome of the best-effort setgroups lock.
type SetgroupsResult int

const (
	SetgroupsApplied SetgroupsResult = iota
	SetgroupsNotSupported
	SetgroupsFailed
)

func (r SetgroupsResult) String() string {
	switch r {
	case SetgroupsApplied:
		return "applied"
	case SetgroupsNotSupported:
		return "not_supported"
	default:
		return "failed"
	}
}

// Unshared is a process that has just been cloned into fresh namespaces and
// has no ID mapping yet.
type Unshared struct {
	k    Kernel
	host Identity
}

// UIDMapped has its UID map written.
type UIDMapped struct {
	k    Kernel
	host Identity
}

// GroupsLocked has attempted to deny setgroups(2).
type GroupsLocked struct {
	k    Kernel
	host Identity
}

// GIDMapped has both maps written.
type GIDMapped struct {
	k Kernel
}

// Dropped runs as the sandbox identity.
type Dropped struct {
	k Kernel
}

// Namespace is a fully initiated sandbox process: mapped, dropped, and named.
// Its resources have no lifetime of their own; they end with the process.
type Namespace struct {
	Setgroups SetgroupsResult
}

// Adopt starts the initiator chain in a process created with CloneFlags.
func Adopt(k Kernel, host Identity) *Unshared {
	return &Unshared{k: k, host: host}
}

func idMapLine(inside, outside int) []byte {
	return []byte(fmt.Sprintf("%d %d 1\n", inside, outside))
}

// MapUID writes "1000 <host uid> 1" to uid_map.
func (u *Unshared) MapUID() (*UIDMapped, error) {
	if err := u.k.WriteProc("uid_map", idMapLine(SandboxUID, u.host.UID)); err != nil {
		return nil, setupErr("namespace", "write", "uid_map", err)
	}
	return &UIDMapped{k: u.k, host: u.host}, nil
}

// LockSetgroups denies setgroups(2) for the namespace. A kernel without the
// control file yields SetgroupsNotSupported and no error; any other failure
// is returned.
func (m *UIDMapped) LockSetgroups() (*GroupsLocked, SetgroupsResult, error) {
	next := &GroupsLocked{k: m.k, host: m.host}
	err := m.k.WriteProc("setgroups", []byte("deny"))
	switch {
	case err == nil:
		return next, SetgroupsApplied, nil
	case errors.Is(err, fs.ErrNotExist):
		return next, SetgroupsNotSupported, nil
	default:
		return nil, SetgroupsFailed, setupErr("namespace", "write", "setgroups", err)
	}
}

// MapGID writes "1000 <host gid> 1" to gid_map.
func (g *GroupsLocked) MapGID() (*GIDMapped, error) {
	if err := g.k.WriteProc("gid_map", idMapLine(SandboxGID, g.host.GID)); err != nil {
		return nil, setupErr("namespace", "write", "gid_map", err)
	}
	return &GIDMapped{k: g.k}, nil
}

// SetIdentity sets real, effective and saved UID, then GID, to the sandbox
// identity.
func (g *GIDMapped) SetIdentity() (*Dropped, error) {
	if err := g.k.Setresuid(SandboxUID, SandboxUID, SandboxUID); err != nil {
		return nil, setupErr("namespace", "setresuid", "", err)
	}
	if err := g.k.Setresgid(SandboxGID, SandboxGID, SandboxGID); err != nil {
		return nil, setupErr("namespace", "setresgid", "", err)
	}
	return &Dropped{k: g.k}, nil
}

// SetHostname names the private UTS namespace.
func (d *Dropped) SetHostname(name string) (*Namespace, error) {
	if err := d.k.Sethostname(name); err != nil {
		return nil, setupErr("namespace", "sethostname", "", err)
	}
	return &Namespace{}, nil
}

// CreateNamespace runs the initiator chain in order. The clone itself already
// happened; see CloneFlags and Driver.
func CreateNamespace(k Kernel, host Identity, hostname string) (*Namespace, error) {
	uidMapped, err := Adopt(k, host).MapUID()
	if err != nil {
		return nil, err
	}
	locked, sg, err := uidMapped.LockSetgroups()
	if err != nil {
		return nil, err
	}
	gidMapped, err := locked.MapGID()
	if err != nil {
		return nil, err
	}
	dropped, err := gidMapped.SetIdentity()
	if err != nil {
		return nil, err
	}
	ns, err := dropped.SetHostname(hostname)
	if err != nil {
		return nil, err
	}
	ns.Setgroups = sg
	return ns, nil
}

// sysProcAttr returns the clone attributes for an init child. The ambient
// capabilities are confined to the child's own user namespace and are cleared
// again before the submission runs.
func sysProcAttr() *syscall.SysProcAttr {
	return &syscall.SysProcAttr{
		Cloneflags: CloneFlags,
		AmbientCaps: []uintptr{
			unix.CAP_SYS_ADMIN,
			unix.CAP_SETUID,
			unix.CAP_SETGID,
			unix.CAP_SETPCAP,
		},
		Pdeathsig: syscall.SIGKILL,
	}
}
