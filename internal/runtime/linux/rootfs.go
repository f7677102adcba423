//go:build linux

package linux

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"

	"github.com/p-arndt/icebox/protocol"
)

const (
	DefaultTmpSize   = 16 << 20
	DefaultTmpInodes = 4096

	OldRootName = "old_root"
	InDir       = "in"
	OutDir      = "out"
	TmpDir      = "tmp"

	PasswdEntry = "icebox:x:1000:1000:icebox:/:/bin/bash\n"
)

// Devices are the only device nodes visible in a sandbox.
var Devices = []string{"/dev/null", "/dev/urandom"}

type (
	TrustedPath     = protocol.TrustedPath
	InterpreterHome = protocol.InterpreterHome
)

func DefaultTrustedPaths() []TrustedPath {
	return []TrustedPath{
		{Path: "/bin"},
		{Path: "/etc/alternatives"},
		{Path: "/lib"},
		{Path: "/lib64"},
		{Path: "/usr/bin"},
		{Path: "/usr/include"},
		{Path: "/usr/lib"},
		{Path: "/usr/lib64"},
		{Path: "/usr/libexec"},
		{Path: "/usr/share"},
		{Path: "/usr/local", Recursive: true},
		{Path: "/var/lib/ghc", Optional: true},
	}
}

func DefaultInterpreterHomes() []InterpreterHome {
	return []InterpreterHome{
		{Source: "/var/lib/icebox/home/.octave", Target: "/.octave"},
		{Source: "/var/lib/icebox/home/.opam", Target: "/.opam"},
	}
}

// Layout is everything the root assembler needs for one sandbox.
type Layout struct {
	Root             string
	In               string
	Out              string
	Trusted          []TrustedPath
	InterpreterHomes []InterpreterHome
	TmpSize          int64
	TmpInodes        int
}

// Assembler builds the sandbox root. Steps that can still be abandoned
// without harm run in Build; Pivot is the point of no return.
type Assembler struct {
	sys    Syscalls
	layout Layout
}

// Built is an assembled root that has not been pivoted into.
type Built struct {
	sys  Syscalls
	root string
}

// Pivoted runs with the new root as "/" and no reference to the old one.
type Pivoted struct {
	sys Syscalls
}

// Sealed is a read-only root with writable in, out and tmp.
type Sealed struct {
	sys Syscalls
}

// NewAssembler requires a Namespace: mounts are only private once the mount
// namespace exists.
func NewAssembler(ns *Namespace, sys Syscalls, layout Layout) *Assembler {
	if ns == nil {
		panic("linux: NewAssembler called without a namespace")
	}
	if layout.TmpSize <= 0 {
		layout.TmpSize = DefaultTmpSize
	}
	if layout.TmpInodes <= 0 {
		layout.TmpInodes = DefaultTmpInodes
	}
	return &Assembler{sys: sys, layout: layout}
}

// EnterNamespace assembles the root at rootDir, exposing inDir and outDir
// writable, and pivots into it.
func EnterNamespace(ns *Namespace, sys Syscalls, layout Layout) (*Sealed, error) {
	built, err := NewAssembler(ns, sys, layout).Build()
	if err != nil {
		return nil, err
	}
	pivoted, err := built.Pivot()
	if err != nil {
		return nil, err
	}
	return pivoted.Seal()
}

func (a *Assembler) path(rel string) string {
	return filepath.Join(a.layout.Root, rel)
}

func requireDir(path string) error {
	fi, err := os.Stat(path)
	if err != nil {
		return setupErr("rootfs", "stat", path, err)
	}
	if !fi.IsDir() {
		return &SetupError{Kind: KindMissingPath, Stage: "rootfs", Op: "stat", Path: path, Err: unix.ENOTDIR}
	}
	return nil
}

// Build runs every abortable step: tmpfs root, proc, devices, tmp, trusted
// paths, task directories, interpreter homes and passwd.
func (a *Assembler) Build() (*Built, error) {
	l := a.layout
	if !filepath.IsAbs(l.Root) {
		return nil, &SetupError{Kind: KindSetup, Stage: "rootfs", Op: "validate", Path: l.Root, Err: errors.New("root must be absolute")}
	}
	for _, dir := range []string{l.In, l.Out} {
		if err := requireDir(dir); err != nil {
			return nil, err
		}
	}

	if err := MakePrivate(a.sys, "/"); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(l.Root, 0755); err != nil {
		return nil, setupErr("rootfs", "mkdir", l.Root, err)
	}
	if err := MountTmpfs(a.sys, l.Root, unix.MS_NOSUID, TmpfsOptions(0, 0, 0755)); err != nil {
		return nil, err
	}
	if err := a.sys.Chdir(l.Root); err != nil {
		return nil, setupErr("rootfs", "chdir", l.Root, err)
	}

	if err := MountProc(a.sys, a.path("proc")); err != nil {
		return nil, err
	}

	for _, dev := range Devices {
		if err := BindMount(a.sys, ExposeDevice(dev, a.path(dev))); err != nil {
			return nil, err
		}
	}

	tmp := a.path(TmpDir)
	if err := os.MkdirAll(tmp, 0755); err != nil {
		return nil, setupErr("rootfs", "mkdir", tmp, err)
	}
	if err := MountTmpfs(a.sys, tmp, unix.MS_NOSUID|unix.MS_NODEV, TmpfsOptions(l.TmpSize, l.TmpInodes, 01777)); err != nil {
		return nil, err
	}

	for _, tp := range l.Trusted {
		if err := a.exposeTrusted(tp); err != nil {
			return nil, err
		}
	}

	if err := BindMount(a.sys, ExposeReadWrite(l.In, a.path(InDir))); err != nil {
		return nil, err
	}
	if err := BindMount(a.sys, ExposeReadWrite(l.Out, a.path(OutDir))); err != nil {
		return nil, err
	}

	for _, home := range l.InterpreterHomes {
		if _, err := os.Lstat(home.Source); errors.Is(err, fs.ErrNotExist) {
			continue
		} else if err != nil {
			return nil, setupErr("rootfs", "lstat", home.Source, err)
		}
		if err := BindMount(a.sys, ExposeReadOnly(home.Source, a.path(home.Target), true)); err != nil {
			return nil, err
		}
	}

	etc := a.path("etc")
	if err := os.MkdirAll(etc, 0755); err != nil {
		return nil, setupErr("rootfs", "mkdir", etc, err)
	}
	if err := os.WriteFile(filepath.Join(etc, "passwd"), []byte(PasswdEntry), 0644); err != nil {
		return nil, setupErr("rootfs", "write", filepath.Join(etc, "passwd"), err)
	}

	return &Built{sys: a.sys, root: l.Root}, nil
}

// exposeTrusted recreates a host symlink as a symlink, and binds anything
// else read-only.
func (a *Assembler) exposeTrusted(tp TrustedPath) error {
	fi, err := os.Lstat(tp.Path)
	if errors.Is(err, fs.ErrNotExist) && tp.Optional {
		return nil
	}
	if err != nil {
		return setupErr("rootfs", "lstat", tp.Path, err)
	}

	target := a.path(tp.Path)
	switch {
	case fi.Mode()&fs.ModeSymlink != 0:
		link, err := os.Readlink(tp.Path)
		if err != nil {
			return setupErr("rootfs", "readlink", tp.Path, err)
		}
		if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
			return setupErr("rootfs", "mkdir", filepath.Dir(target), err)
		}
		if err := os.Symlink(link, target); err != nil {
			return setupErr("rootfs", "symlink", target, err)
		}
		return nil
	case fi.IsDir():
		return BindMount(a.sys, ExposeReadOnly(tp.Path, target, tp.Recursive))
	default:
		return BindMount(a.sys, MountIntent{Source: tp.Path, Target: target, Ops: OpMknode | OpBind | OpReadOnly})
	}
}

// Pivot makes the built root "/" and detaches the old root. Failures from
// here on leave the process unusable; the caller must exit.
func (b *Built) Pivot() (*Pivoted, error) {
	oldRoot := filepath.Join(b.root, OldRootName)
	if err := os.Mkdir(oldRoot, 0700); err != nil {
		return nil, setupErr("rootfs", "mkdir", oldRoot, err)
	}
	if err := b.sys.PivotRoot(b.root, oldRoot); err != nil {
		return nil, pivotErr("pivot_root", b.root, err)
	}
	if err := b.sys.Chdir("/"); err != nil {
		return nil, pivotErr("chdir", "/", err)
	}
	if err := b.sys.Unmount("/"+OldRootName, unix.MNT_DETACH); err != nil {
		return nil, pivotErr("umount", "/"+OldRootName, err)
	}
	if err := b.sys.Rmdir("/" + OldRootName); err != nil {
		return nil, pivotErr("rmdir", "/"+OldRootName, err)
	}
	return &Pivoted{sys: b.sys}, nil
}

// Seal remounts the root read-only. Mounts bound before the seal keep their
// own flags, so in, out and tmp stay writable.
func (p *Pivoted) Seal() (*Sealed, error) {
	if err := BindMount(p.sys, MountIntent{Source: "/", Target: "/", Ops: OpReadOnly}); err != nil {
		var se *SetupError
		if errors.As(err, &se) {
			se.Kind = KindPivot
			return nil, se
		}
		return nil, pivotErr("seal", "/", err)
	}
	return &Sealed{sys: p.sys}, nil
}
