//go:build linux

package linux

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

const procSys = "/proc/sys"

// DetectUserNamespaces verifies that this process may create a user
// namespace without privileges.
func DetectUserNamespaces() error {
	return detectUserNamespaces(procSys, os.Geteuid())
}

func detectUserNamespaces(sysDir string, euid int) error {
	limit, err := readSysctl(sysDir, "user/max_user_namespaces")
	if err != nil {
		return fmt.Errorf("user namespaces unavailable: %w", err)
	}
	if limit == 0 {
		return fmt.Errorf("user namespaces disabled (user.max_user_namespaces = 0)")
	}
	if euid == 0 {
		return nil
	}

	// Debian and Ubuntu kernels gate unprivileged use separately.
	if v, err := readSysctl(sysDir, "kernel/unprivileged_userns_clone"); err == nil && v == 0 {
		return fmt.Errorf("unprivileged user namespaces disabled (kernel.unprivileged_userns_clone = 0)")
	}
	if v, err := readSysctl(sysDir, "kernel/apparmor_restrict_unprivileged_userns"); err == nil && v == 1 {
		return fmt.Errorf("unprivileged user namespaces restricted by AppArmor (kernel.apparmor_restrict_unprivileged_userns = 1)")
	}
	return nil
}

func readSysctl(sysDir, name string) (int64, error) {
	data, err := os.ReadFile(filepath.Join(sysDir, name))
	if err != nil {
		return 0, err
	}
	v, err := strconv.ParseInt(strings.TrimSpace(string(data)), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", name, err)
	}
	return v, nil
}

// MissingTrustedPaths returns required trusted paths that do not exist on
// this host. Each of them would fail every sandbox.
func MissingTrustedPaths(paths []TrustedPath) []string {
	var missing []string
	for _, tp := range paths {
		if tp.Optional {
			continue
		}
		if _, err := os.Lstat(tp.Path); err != nil {
			missing = append(missing, tp.Path)
		}
	}
	return missing
}
