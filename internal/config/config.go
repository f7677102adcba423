package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/docker/go-units"
	"gopkg.in/yaml.v3"

	"github.com/p-arndt/icebox/protocol"
)

// ByteSize is a size in bytes written as "16m", "256MiB" or a plain number.
type ByteSize int64

func ParseByteSize(s string) (ByteSize, error) {
	n, err := units.RAMInBytes(strings.TrimSpace(s))
	if err != nil {
		return 0, err
	}
	if n < 0 {
		return 0, fmt.Errorf("negative size %q", s)
	}
	return ByteSize(n), nil
}

func (b *ByteSize) UnmarshalYAML(value *yaml.Node) error {
	n, err := ParseByteSize(value.Value)
	if err != nil {
		return fmt.Errorf("line %d: %w", value.Line, err)
	}
	*b = n
	return nil
}

func (b ByteSize) String() string {
	return units.BytesSize(float64(b))
}

// SandboxConfig shapes the filesystem and process of every sandbox. Nil
// TrustedPaths, InterpreterHomes and SeccompDeny select the built-in lists.
type SandboxConfig struct {
	TmpSize          ByteSize                   `yaml:"tmp_size"`
	TmpInodes        int                        `yaml:"tmp_inodes"`
	TrustedPaths     []protocol.TrustedPath     `yaml:"trusted_paths"`
	InterpreterHomes []protocol.InterpreterHome `yaml:"interpreter_homes"`
	WorkDir          string                     `yaml:"work_dir"`
	Env              []string                   `yaml:"env"`
	Seccomp          bool                       `yaml:"seccomp"`
	SeccompDeny      []string                   `yaml:"seccomp_deny"`
}

type LimitsConfig struct {
	Enabled    bool     `yaml:"enabled"`
	CgroupRoot string   `yaml:"cgroup_root"`
	Memory     ByteSize `yaml:"memory"`
	Pids       int      `yaml:"pids"`
	CPU        float64  `yaml:"cpu"` // CPUs (e.g., 1.0 = 1 CPU)
}

type RunConfig struct {
	Timeout     time.Duration `yaml:"timeout"`
	Concurrency int           `yaml:"concurrency"`
	Retention   time.Duration `yaml:"retention"`
}

type Config struct {
	DataDir  string        `yaml:"data_dir"`
	DBPath   string        `yaml:"db_path"`
	LogLevel string        `yaml:"log_level"`
	Sandbox  SandboxConfig `yaml:"sandbox"`
	Limits   LimitsConfig  `yaml:"limits"`
	Run      RunConfig     `yaml:"run"`
}

func Load(yamlPath string) (*Config, error) {
	cfg := &Config{
		DataDir:  "/var/lib/icebox",
		LogLevel: "info",
		Sandbox: SandboxConfig{
			TmpSize:   16 * units.MiB,
			TmpInodes: 4096,
			WorkDir:   "/out",
			Seccomp:   true,
		},
		Limits: LimitsConfig{
			Enabled:    false,
			CgroupRoot: "/sys/fs/cgroup/icebox",
			Memory:     512 * units.MiB,
			Pids:       64,
			CPU:        1.0,
		},
		Run: RunConfig{
			Timeout:     10 * time.Second,
			Concurrency: 4,
			Retention:   7 * 24 * time.Hour,
		},
	}

	if yamlPath != "" {
		data, err := os.ReadFile(yamlPath)
		if err == nil {
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, err
			}
		} else if !os.IsNotExist(err) {
			return nil, err
		}
	}

	applyEnvOverrides(cfg)

	if cfg.DBPath == "" {
		cfg.DBPath = filepath.Join(cfg.DataDir, "icebox.db")
	}
	if cfg.Run.Concurrency < 1 {
		cfg.Run.Concurrency = 1
	}

	return cfg, nil
}

// ScratchDir holds one empty mountpoint per running task.
func (c *Config) ScratchDir() string {
	return filepath.Join(c.DataDir, "scratch")
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("ICEBOX_DATA_DIR"); v != "" {
		cfg.DataDir = v
	}
	if v := os.Getenv("ICEBOX_DB_PATH"); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv("ICEBOX_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("ICEBOX_TMP_SIZE"); v != "" {
		if n, err := ParseByteSize(v); err == nil {
			cfg.Sandbox.TmpSize = n
		}
	}
	if v := os.Getenv("ICEBOX_TMP_INODES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Sandbox.TmpInodes = n
		}
	}
	if v := os.Getenv("ICEBOX_WORK_DIR"); v != "" {
		cfg.Sandbox.WorkDir = v
	}
	if v := os.Getenv("ICEBOX_SECCOMP"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Sandbox.Seccomp = b
		}
	}
	if v := os.Getenv("ICEBOX_LIMITS_ENABLED"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Limits.Enabled = b
		}
	}
	if v := os.Getenv("ICEBOX_CGROUP_ROOT"); v != "" {
		cfg.Limits.CgroupRoot = v
	}
	if v := os.Getenv("ICEBOX_MEMORY_LIMIT"); v != "" {
		if n, err := ParseByteSize(v); err == nil {
			cfg.Limits.Memory = n
		}
	}
	if v := os.Getenv("ICEBOX_PIDS_LIMIT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Limits.Pids = n
		}
	}
	if v := os.Getenv("ICEBOX_CPU_LIMIT"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Limits.CPU = f
		}
	}
	if v := os.Getenv("ICEBOX_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Run.Timeout = d
		}
	}
	if v := os.Getenv("ICEBOX_CONCURRENCY"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Run.Concurrency = n
		}
	}
	if v := os.Getenv("ICEBOX_RETENTION"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Run.Retention = d
		}
	}
}
