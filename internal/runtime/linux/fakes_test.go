//go:build linux

package linux

import (
	"fmt"
	"strings"
)

type fakeKernel struct {
	calls  []string
	writes map[string]string
	fail   map[string]error
}

func newFakeKernel() *fakeKernel {
	return &fakeKernel{writes: map[string]string{}, fail: map[string]error{}}
}

// record logs call and returns the failure registered for it. Writes are
// keyed by "write <file>", everything else by the syscall name.
func (k *fakeKernel) record(call string) error {
	k.calls = append(k.calls, call)
	key := call
	if !strings.HasPrefix(call, "write ") {
		key = strings.Fields(call)[0]
	}
	return k.fail[key]
}

func (k *fakeKernel) WriteProc(name string, data []byte) error {
	if err := k.record("write " + name); err != nil {
		return err
	}
	k.writes[name] = string(data)
	return nil
}

func (k *fakeKernel) Setresuid(r, e, s int) error {
	return k.record(fmt.Sprintf("setresuid %d %d %d", r, e, s))
}

func (k *fakeKernel) Setresgid(r, e, s int) error {
	return k.record(fmt.Sprintf("setresgid %d %d %d", r, e, s))
}

func (k *fakeKernel) Sethostname(name string) error {
	return k.record("sethostname " + name)
}

type sysCall struct {
	Op     string
	Source string
	Target string
	FSType string
	Flags  uintptr
	Data   string
}

// fakeSyscalls records mount-table operations instead of performing them.
type fakeSyscalls struct {
	calls        []sysCall
	failOn       func(c sysCall) error
	locked       uintptr
	recursiveErr error
	submounts    map[string][]string
}

func (f *fakeSyscalls) record(c sysCall) error {
	f.calls = append(f.calls, c)
	if f.failOn != nil {
		return f.failOn(c)
	}
	return nil
}

func (f *fakeSyscalls) Mount(source, target, fstype string, flags uintptr, data string) error {
	return f.record(sysCall{Op: "mount", Source: source, Target: target, FSType: fstype, Flags: flags, Data: data})
}

func (f *fakeSyscalls) Unmount(target string, flags int) error {
	return f.record(sysCall{Op: "umount", Target: target, Flags: uintptr(flags)})
}

func (f *fakeSyscalls) PivotRoot(newRoot, putOld string) error {
	return f.record(sysCall{Op: "pivot_root", Source: newRoot, Target: putOld})
}

func (f *fakeSyscalls) Chdir(dir string) error {
	return f.record(sysCall{Op: "chdir", Target: dir})
}

func (f *fakeSyscalls) Rmdir(path string) error {
	return f.record(sysCall{Op: "rmdir", Target: path})
}

func (f *fakeSyscalls) LockedFlags(path string) (uintptr, error) {
	return f.locked, nil
}

func (f *fakeSyscalls) SetReadOnlyRecursive(target string) error {
	if err := f.record(sysCall{Op: "setattr", Target: target}); err != nil {
		return err
	}
	return f.recursiveErr
}

func (f *fakeSyscalls) Submounts(target string) ([]string, error) {
	return f.submounts[target], nil
}

func (f *fakeSyscalls) ops() []string {
	out := make([]string, 0, len(f.calls))
	for _, c := range f.calls {
		out = append(out, c.Op+" "+c.Target)
	}
	return out
}

// index returns the position of the first call matching op and target, or -1.
func (f *fakeSyscalls) index(op, target string) int {
	for i, c := range f.calls {
		if c.Op == op && c.Target == target {
			return i
		}
	}
	return -1
}

func (f *fakeSyscalls) mountsOn(target string) []sysCall {
	var out []sysCall
	for _, c := range f.calls {
		if c.Op == "mount" && c.Target == target {
			out = append(out, c)
		}
	}
	return out
}
