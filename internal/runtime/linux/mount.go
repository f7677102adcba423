//go:build linux

package linux

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/moby/sys/mountinfo"
	"golang.org/x/sys/unix"
)

// Syscalls is the mount surface used by the root assembler.
type Syscalls interface {
	Mount(source, target, fstype string, flags uintptr, data string) error
	Unmount(target string, flags int) error
	PivotRoot(newRoot, putOld string) error
	Chdir(dir string) error
	Rmdir(path string) error
	// LockedFlags returns the per-mount flags of path that a user namespace
	// may not clear on remount.
	LockedFlags(path string) (uintptr, error)
	// SetReadOnlyRecursive marks target and every mount below it read-only.
	SetReadOnlyRecursive(target string) error
	Submounts(target string) ([]string, error)
}

type hostSyscalls struct{}

// HostSyscalls performs real system calls.
func HostSyscalls() Syscalls {
	return hostSyscalls{}
}

func (hostSyscalls) Mount(source, target, fstype string, flags uintptr, data string) error {
	return unix.Mount(source, target, fstype, flags, data)
}

func (hostSyscalls) Unmount(target string, flags int) error {
	return unix.Unmount(target, flags)
}

func (hostSyscalls) PivotRoot(newRoot, putOld string) error {
	return unix.PivotRoot(newRoot, putOld)
}

func (hostSyscalls) Chdir(dir string) error {
	return unix.Chdir(dir)
}

func (hostSyscalls) Rmdir(path string) error {
	return unix.Rmdir(path)
}

// lockableOptions maps per-mount options in mountinfo to the remount flags
// that keep them. statfs(2) has no bit for strictatime, so the atime mode is
// read from mountinfo.
var lockableOptions = map[string]uintptr{
	"nosuid":      unix.MS_NOSUID,
	"nodev":       unix.MS_NODEV,
	"noexec":      unix.MS_NOEXEC,
	"noatime":     unix.MS_NOATIME,
	"nodiratime":  unix.MS_NODIRATIME,
	"relatime":    unix.MS_RELATIME,
	"strictatime": unix.MS_STRICTATIME,
}

// parseLockedFlags turns a mountinfo per-mount option string such as
// "rw,nosuid,relatime" into remount flags.
func parseLockedFlags(opts string) uintptr {
	var flags uintptr
	for _, opt := range strings.Split(opts, ",") {
		flags |= lockableOptions[opt]
	}
	// No atime option means strictatime.
	if flags&(unix.MS_NOATIME|unix.MS_RELATIME|unix.MS_STRICTATIME) == 0 {
		flags |= unix.MS_STRICTATIME
	}
	return flags
}

var lockableStatfs = []struct {
	st uint64
	ms uintptr
}{
	{unix.ST_NOSUID, unix.MS_NOSUID},
	{unix.ST_NODEV, unix.MS_NODEV},
	{unix.ST_NOEXEC, unix.MS_NOEXEC},
	{unix.ST_NOATIME, unix.MS_NOATIME},
	{unix.ST_NODIRATIME, unix.MS_NODIRATIME},
	{unix.ST_RELATIME, unix.MS_RELATIME},
}

func (hostSyscalls) LockedFlags(path string) (uintptr, error) {
	infos, err := mountinfo.GetMounts(func(i *mountinfo.Info) (skip, stop bool) {
		return i.Mountpoint != path, false
	})
	if err != nil {
		return 0, err
	}
	if len(infos) > 0 {
		// The last entry is the mount on top.
		return parseLockedFlags(infos[len(infos)-1].Options), nil
	}

	// path is not spelled as in mountinfo, e.g. below a symlink.
	var st unix.Statfs_t
	if err := unix.Statfs(path, &st); err != nil {
		return 0, err
	}
	var flags uintptr
	for _, f := range lockableStatfs {
		if uint64(st.Flags)&f.st != 0 {
			flags |= f.ms
		}
	}
	return flags, nil
}

func (hostSyscalls) SetReadOnlyRecursive(target string) error {
	attr := &unix.MountAttr{Attr_set: unix.MOUNT_ATTR_RDONLY | unix.MOUNT_ATTR_NOSUID}
	return unix.MountSetattr(-1, target, unix.AT_RECURSIVE, attr)
}

func (hostSyscalls) Submounts(target string) ([]string, error) {
	infos, err := mountinfo.GetMounts(mountinfo.PrefixFilter(target))
	if err != nil {
		return nil, err
	}
	var out []string
	for _, info := range infos {
		if info.Mountpoint != target {
			out = append(out, info.Mountpoint)
		}
	}
	return out, nil
}

// MountOp is one toggle of a MountIntent.
type MountOp uint8

const (
	OpMkdir MountOp = 1 << iota
	OpMknode
	OpBind
	OpReadOnly
)

func (o MountOp) Has(op MountOp) bool {
	return o&op != 0
}

// MountIntent describes one exposure decision. It is consumed exactly once by
// BindMount.
type MountIntent struct {
	Source    string
	Target    string
	Ops       MountOp
	Recursive bool
}

// ExposeReadOnly binds a trusted host directory and seals it read-only.
func ExposeReadOnly(source, target string, recursive bool) MountIntent {
	return MountIntent{Source: source, Target: target, Ops: OpMkdir | OpBind | OpReadOnly, Recursive: recursive}
}

// ExposeReadWrite binds a task-owned directory writable.
func ExposeReadWrite(source, target string) MountIntent {
	return MountIntent{Source: source, Target: target, Ops: OpMkdir | OpBind}
}

// ExposeDevice binds a single host device node onto an empty file.
func ExposeDevice(source, target string) MountIntent {
	return MountIntent{Source: source, Target: target, Ops: OpMknode | OpBind}
}

func bindFlags(recursive bool) uintptr {
	flags := uintptr(unix.MS_BIND | unix.MS_NOSUID)
	if recursive {
		flags |= unix.MS_REC
	}
	return flags
}

// BindMount applies a MountIntent. The toggles run in a fixed order: create
// the target, bind, then remount. A fresh bind ignores every flag but
// MS_REC, so nosuid and read-only only take effect on the remount.
func BindMount(sys Syscalls, m MountIntent) error {
	if m.Ops.Has(OpMkdir) {
		if err := os.MkdirAll(m.Target, 0755); err != nil {
			return setupErr("mount", "mkdir", m.Target, err)
		}
	}
	if m.Ops.Has(OpMknode) {
		if err := os.MkdirAll(filepath.Dir(m.Target), 0755); err != nil {
			return setupErr("mount", "mkdir", filepath.Dir(m.Target), err)
		}
		f, err := os.OpenFile(m.Target, os.O_CREATE|os.O_WRONLY, 0644)
		if err != nil {
			return setupErr("mount", "create", m.Target, err)
		}
		f.Close()
	}
	if m.Ops.Has(OpBind) {
		if err := sys.Mount(m.Source, m.Target, "", bindFlags(m.Recursive), ""); err != nil {
			return setupErr("mount", "bind", m.Source+" -> "+m.Target, err)
		}
		if !m.Ops.Has(OpReadOnly) {
			if err := remount(sys, m.Target, 0); err != nil {
				return err
			}
		}
	}
	if m.Ops.Has(OpReadOnly) {
		if err := remountReadOnly(sys, m.Target); err != nil {
			return err
		}
		if m.Recursive {
			if err := readOnlySubmounts(sys, m.Target); err != nil {
				return err
			}
		}
	}
	return nil
}

func remountReadOnly(sys Syscalls, target string) error {
	return remount(sys, target, unix.MS_RDONLY)
}

// remount adds nosuid plus extra to the bind at target, keeping the flags a
// user namespace may not clear.
func remount(sys Syscalls, target string, extra uintptr) error {
	locked, err := sys.LockedFlags(target)
	if err != nil {
		return setupErr("mount", "mount flags", target, err)
	}
	flags := uintptr(unix.MS_BIND|unix.MS_REMOUNT|unix.MS_NOSUID) | extra | locked
	op := "remount nosuid"
	if extra&unix.MS_RDONLY != 0 {
		op = "remount ro"
	}
	if err := sys.Mount(target, target, "", flags, ""); err != nil {
		return setupErr("mount", op, target, err)
	}
	return nil
}

// readOnlySubmounts seals mounts nested below target. remount(2) ignores
// MS_REC, so nested mounts need mount_setattr or one remount each.
func readOnlySubmounts(sys Syscalls, target string) error {
	err := sys.SetReadOnlyRecursive(target)
	if err == nil {
		return nil
	}
	if !errors.Is(err, unix.ENOSYS) {
		return setupErr("mount", "mount_setattr", target, err)
	}
	subs, err := sys.Submounts(target)
	if err != nil {
		return setupErr("mount", "mountinfo", target, err)
	}
	for _, sub := range subs {
		if err := remountReadOnly(sys, sub); err != nil {
			return err
		}
	}
	return nil
}

func MakePrivate(sys Syscalls, mountPoint string) error {
	if err := sys.Mount("", mountPoint, "", unix.MS_REC|unix.MS_PRIVATE, ""); err != nil {
		return setupErr("mount", "make private", mountPoint, err)
	}
	return nil
}

func MountTmpfs(sys Syscalls, target string, flags uintptr, opts string) error {
	if err := sys.Mount("tmpfs", target, "tmpfs", flags, opts); err != nil {
		return setupErr("mount", "tmpfs", target, err)
	}
	return nil
}

func MountProc(sys Syscalls, target string) error {
	if err := os.MkdirAll(target, 0755); err != nil {
		return setupErr("mount", "mkdir", target, err)
	}
	if err := sys.Mount("proc", target, "proc", unix.MS_NOSUID|unix.MS_NODEV|unix.MS_NOEXEC, ""); err != nil {
		return setupErr("mount", "proc", target, err)
	}
	return nil
}

// TmpfsOptions renders the size and inode caps of a tmpfs mount.
func TmpfsOptions(sizeBytes int64, inodes int, mode uint32) string {
	opts := fmt.Sprintf("mode=%04o", mode)
	if sizeBytes > 0 {
		opts += fmt.Sprintf(",size=%d", sizeBytes)
	}
	if inodes > 0 {
		opts += fmt.Sprintf(",nr_inodes=%d", inodes)
	}
	return opts
}
