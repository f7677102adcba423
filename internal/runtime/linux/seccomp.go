//go:build linux

package linux

import (
	"github.com/elastic/go-seccomp-bpf"
	"golang.org/x/sys/unix"
)

// DefaultSeccompDeny lists syscalls that could loosen the sandbox once the
// submission runs. They fail with EPERM.
var DefaultSeccompDeny = []string{
	"mount",
	"umount2",
	"pivot_root",
	"chroot",
	"unshare",
	"setns",
	"ptrace",
	"process_vm_readv",
	"process_vm_writev",
	"keyctl",
	"add_key",
	"request_key",
	"bpf",
	"perf_event_open",
	"userfaultfd",
	"init_module",
	"finit_module",
	"delete_module",
	"kexec_load",
	"reboot",
	"swapon",
	"swapoff",
	"acct",
	"quotactl",
	"open_by_handle_at",
	"name_to_handle_at",
}

func errnoAction(errno unix.Errno) seccomp.Action {
	return seccomp.Action(uint32(seccomp.ActionErrno)&^0xffff | uint32(errno)&0xffff)
}

// DenyPolicy allows everything except names.
func DenyPolicy(names []string) seccomp.Policy {
	return seccomp.Policy{
		DefaultAction: seccomp.ActionAllow,
		Syscalls: []seccomp.SyscallGroup{
			{Action: errnoAction(unix.EPERM), Names: names},
		},
	}
}

// loadSeccomp installs the deny-list on every thread of the process. It also
// sets no_new_privs, which the kernel requires for an unprivileged filter.
func loadSeccomp(names []string) error {
	if len(names) == 0 {
		names = DefaultSeccompDeny
	}
	return seccomp.LoadFilter(seccomp.Filter{
		NoNewPrivs: true,
		Flag:       seccomp.FilterFlagTSync,
		Policy:     DenyPolicy(names),
	})
}
