//go:build linux

package linux

import (
	"bufio"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"
)

type CgroupConfig struct {
	CPULimit    float64 // CPUs (e.g., 1.0 = 1 CPU)
	MemoryBytes int64
	PidsLimit   int
}

// CgroupStats is the accounting read from a task cgroup after the run.
type CgroupStats struct {
	MemoryPeak   int64
	CPUUsageUsec int64
}

func CgroupPath(root, taskID string) string {
	return filepath.Join(root, taskID)
}

// EnsureCgroupRoot creates the parent of all task cgroups and delegates the
// controllers it needs to its children.
func EnsureCgroupRoot(root string) error {
	if err := os.MkdirAll(root, 0755); err != nil {
		return fmt.Errorf("create cgroup root %s: %w", root, err)
	}
	ctl := filepath.Join(root, "cgroup.subtree_control")
	if err := os.WriteFile(ctl, []byte("+memory +pids +cpu"), 0644); err != nil {
		return fmt.Errorf("enable controllers in %s: %w", root, err)
	}
	return nil
}

func CreateCgroup(root, taskID string, cfg CgroupConfig) (string, error) {
	cgPath := CgroupPath(root, taskID)
	if err := os.Mkdir(cgPath, 0755); err != nil {
		return "", fmt.Errorf("create cgroup %s: %w", cgPath, err)
	}

	if cfg.MemoryBytes > 0 {
		if err := writeCgroupFile(cgPath, "memory.max", strconv.FormatInt(cfg.MemoryBytes, 10)); err != nil {
			return cgPath, err
		}
		_ = writeCgroupFile(cgPath, "memory.swap.max", "0")
	}

	if cfg.PidsLimit > 0 {
		if err := writeCgroupFile(cgPath, "pids.max", strconv.Itoa(cfg.PidsLimit)); err != nil {
			return cgPath, err
		}
	}

	if cfg.CPULimit > 0 {
		quota := int64(cfg.CPULimit * 100000)
		if err := writeCgroupFile(cgPath, "cpu.max", fmt.Sprintf("%d 100000", quota)); err != nil {
			return cgPath, err
		}
	}

	return cgPath, nil
}

func writeCgroupFile(cgPath, name, value string) error {
	if err := os.WriteFile(filepath.Join(cgPath, name), []byte(value), 0644); err != nil {
		return fmt.Errorf("set %s: %w", name, err)
	}
	return nil
}

// OpenCgroup returns a directory descriptor for clone3's CLONE_INTO_CGROUP.
func OpenCgroup(cgPath string) (*os.File, error) {
	f, err := os.OpenFile(cgPath, unix.O_PATH|unix.O_DIRECTORY|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("open cgroup %s: %w", cgPath, err)
	}
	return f, nil
}

// KillCgroup kills every process in the cgroup, preferring cgroup.kill and
// falling back to signalling each listed pid.
func KillCgroup(cgPath string) error {
	if err := os.WriteFile(filepath.Join(cgPath, "cgroup.kill"), []byte("1"), 0644); err == nil {
		return nil
	}

	data, err := os.ReadFile(filepath.Join(cgPath, "cgroup.procs"))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("read cgroup.procs: %w", err)
	}

	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		pid, err := strconv.Atoi(line)
		if err != nil {
			continue
		}
		_ = unix.Kill(pid, unix.SIGKILL)
	}
	return nil
}

// ReadCgroupStats reads peak memory and CPU usage. Missing files leave the
// field zero.
func ReadCgroupStats(cgPath string) CgroupStats {
	var stats CgroupStats

	if data, err := os.ReadFile(filepath.Join(cgPath, "memory.peak")); err == nil {
		stats.MemoryPeak, _ = strconv.ParseInt(strings.TrimSpace(string(data)), 10, 64)
	}

	if f, err := os.Open(filepath.Join(cgPath, "cpu.stat")); err == nil {
		defer f.Close()
		sc := bufio.NewScanner(f)
		for sc.Scan() {
			if v, ok := strings.CutPrefix(sc.Text(), "usage_usec "); ok {
				stats.CPUUsageUsec, _ = strconv.ParseInt(strings.TrimSpace(v), 10, 64)
				break
			}
		}
	}

	return stats
}

// RemoveCgroup removes an empty task cgroup. Interface files cannot be
// unlinked, so this is a single rmdir.
func RemoveCgroup(cgPath string) error {
	if err := unix.Rmdir(cgPath); err != nil && !errors.Is(err, unix.ENOENT) {
		return fmt.Errorf("remove cgroup %s: %w", cgPath, err)
	}
	return nil
}

func DetectCgroupV2() error {
	var stat unix.Statfs_t
	if err := unix.Statfs("/sys/fs/cgroup", &stat); err != nil {
		return fmt.Errorf("stat /sys/fs/cgroup: %w", err)
	}
	if stat.Type != unix.CGROUP2_SUPER_MAGIC {
		return fmt.Errorf("cgroup v2 not mounted at /sys/fs/cgroup")
	}
	return nil
}
