// Package policy defines the immutable sandbox policy applied to every worker.
package policy

import (
	"path/filepath"
	"time"

	appErr "boxd/pkg/errors"
)

// FSAccess is the access mode granted to a filesystem rule.
type FSAccess string

const (
	AccessReadOnly  FSAccess = "ro"
	AccessReadWrite FSAccess = "rw"
	AccessExecute   FSAccess = "exec"
)

// PathRule grants one path subtree to the worker with an explicit access mode.
type PathRule struct {
	Path   string   `yaml:"path"`
	Access FSAccess `yaml:"access"`
}

// SandboxConfig is the policy for one worker. It is validated once at daemon
// start; an invalid config is a startup failure, never a per-job error.
type SandboxConfig struct {
	// MemoryLimitBytes is the cgroup memory ceiling (memory.max).
	MemoryLimitBytes int64 `yaml:"memoryLimitBytes"`

	// CPUQuota is the fraction of one core the worker may use (cpu.max).
	CPUQuota float64 `yaml:"cpuQuota"`

	// MaxPids bounds processes and threads inside the sandbox (pids.max).
	MaxPids int64 `yaml:"maxPids"`

	// JobTimeout is the wall-clock deadline applied to each job.
	JobTimeout time.Duration `yaml:"jobTimeout"`

	// Filesystem is the Landlock allow-list. Empty means no filesystem access.
	Filesystem []PathRule `yaml:"filesystem"`

	// AllowNetwork keeps the worker in the host network namespace when true.
	AllowNetwork bool `yaml:"allowNetwork"`

	// WorkDir is the working directory inside the sandbox mount view.
	WorkDir string `yaml:"workDir"`

	// Env is the environment allow-list passed to the worker process.
	Env []string `yaml:"env"`

	// SeccompAllow extends the default allow-list of syscall names whose
	// invocation proceeds without supervisor mediation.
	SeccompAllow []string `yaml:"seccompAllow"`

	// SeccompDeny names syscalls that fail immediately with EPERM inside the
	// worker, without a supervisor round trip.
	SeccompDeny []string `yaml:"seccompDeny"`
}

// Default returns the baseline policy used when the daemon config leaves the
// sandbox section empty.
func Default() SandboxConfig {
	return SandboxConfig{
		MemoryLimitBytes: 256 * 1024 * 1024,
		CPUQuota:         1.0,
		MaxPids:          32,
		JobTimeout:       30 * time.Second,
		Filesystem:       nil,
		AllowNetwork:     false,
		WorkDir:          "/tmp/box",
		Env: []string{
			"PATH=/usr/bin:/bin",
			"HOME=/tmp/box",
			"TMPDIR=/tmp",
		},
	}
}

// Validate checks the policy for enforceable values. Every field matters at
// the enforcement boundary, so zero values that would disable a limit are
// rejected here rather than silently weakening the profile.
func (c SandboxConfig) Validate() error {
	if c.MemoryLimitBytes <= 0 {
		return appErr.ConfigError("memoryLimitBytes", "must be positive")
	}
	if c.CPUQuota <= 0 || c.CPUQuota > 4.0 {
		return appErr.ConfigError("cpuQuota", "must be in (0, 4]")
	}
	if c.MaxPids <= 0 {
		return appErr.ConfigError("maxPids", "must be positive")
	}
	if c.JobTimeout <= 0 {
		return appErr.ConfigError("jobTimeout", "must be positive")
	}
	if c.WorkDir == "" || !filepath.IsAbs(c.WorkDir) {
		return appErr.ConfigError("workDir", "must be an absolute path")
	}
	for i, rule := range c.Filesystem {
		if rule.Path == "" || !filepath.IsAbs(rule.Path) {
			return appErr.ConfigError("filesystem", "rule path must be absolute").
				WithDetail("index", i)
		}
		switch rule.Access {
		case AccessReadOnly, AccessReadWrite, AccessExecute:
		default:
			return appErr.ConfigError("filesystem", "unknown access mode").
				WithDetail("index", i).
				WithDetail("access", string(rule.Access))
		}
	}
	return nil
}
