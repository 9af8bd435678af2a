//go:build linux

package isolation

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"boxd/internal/policy"
	appErr "boxd/pkg/errors"
)

// cpuPeriodUsec is the cgroup v2 cpu.max accounting period.
const cpuPeriodUsec = 100000

// Cgroup is one worker's cgroup v2 directory. Created before the worker
// process so the kernel can place the process into it atomically at clone
// time via CLONE_INTO_CGROUP.
type Cgroup struct {
	path string
	dir  *os.File
}

// CreateCgroup makes the cgroup under root and writes the policy limits into
// it. The returned handle holds the directory fd used for CLONE_INTO_CGROUP.
func CreateCgroup(root string, workerID uint32, cfg policy.SandboxConfig) (*Cgroup, error) {
	if root == "" {
		return nil, appErr.ConfigError("cgroupRoot", "required")
	}
	path := filepath.Join(root, fmt.Sprintf("worker-%d", workerID))
	if err := os.MkdirAll(path, 0750); err != nil {
		return nil, appErr.Wrapf(err, appErr.CgroupError, "create cgroup dir failed")
	}

	cg := &Cgroup{path: path}
	if err := cg.applyLimits(cfg); err != nil {
		_ = cg.Remove()
		return nil, err
	}

	dir, err := os.Open(path)
	if err != nil {
		_ = cg.Remove()
		return nil, appErr.Wrapf(err, appErr.CgroupError, "open cgroup dir failed")
	}
	cg.dir = dir
	return cg, nil
}

func (c *Cgroup) applyLimits(cfg policy.SandboxConfig) error {
	if err := c.write("memory.max", strconv.FormatInt(cfg.MemoryLimitBytes, 10)); err != nil {
		return err
	}
	// Swap would let the workload dodge the memory ceiling.
	if err := c.write("memory.swap.max", "0"); err != nil {
		return err
	}
	if err := c.write("pids.max", strconv.FormatInt(cfg.MaxPids, 10)); err != nil {
		return err
	}
	quota := int64(cfg.CPUQuota * cpuPeriodUsec)
	if quota <= 0 {
		return appErr.ConfigError("cpuQuota", "rounds to zero quota")
	}
	return c.write("cpu.max", fmt.Sprintf("%d %d", quota, cpuPeriodUsec))
}

// FD returns the cgroup directory fd for CLONE_INTO_CGROUP.
func (c *Cgroup) FD() int {
	if c.dir == nil {
		return -1
	}
	return int(c.dir.Fd())
}

// Path returns the cgroup directory path.
func (c *Cgroup) Path() string { return c.path }

// Kill writes cgroup.kill, taking down every process in the group at once.
func (c *Cgroup) Kill() error {
	if err := c.write("cgroup.kill", "1"); err != nil {
		return appErr.Wrap(err, appErr.CgroupError)
	}
	return nil
}

// MemoryPeak returns the high-water memory mark in bytes, or 0 if the kernel
// does not expose memory.peak.
func (c *Cgroup) MemoryPeak() uint64 {
	val, err := c.readInt("memory.peak")
	if err != nil || val < 0 {
		return 0
	}
	return uint64(val)
}

// OOMKilled reports whether the kernel OOM killer fired inside the group.
func (c *Cgroup) OOMKilled() bool {
	data, err := os.ReadFile(filepath.Join(c.path, "memory.events"))
	if err != nil {
		return false
	}
	for _, line := range strings.Split(string(data), "\n") {
		fields := strings.Fields(line)
		if len(fields) == 2 && fields[0] == "oom_kill" {
			val, _ := strconv.ParseInt(fields[1], 10, 64)
			return val > 0
		}
	}
	return false
}

// Remove closes the directory fd and deletes the cgroup. The group must be
// empty; callers kill and reap the worker first.
func (c *Cgroup) Remove() error {
	if c.dir != nil {
		_ = c.dir.Close()
		c.dir = nil
	}
	if err := os.Remove(c.path); err != nil && !os.IsNotExist(err) {
		return appErr.Wrapf(err, appErr.CgroupError, "remove cgroup failed")
	}
	return nil
}

func (c *Cgroup) write(name, value string) error {
	if err := os.WriteFile(filepath.Join(c.path, name), []byte(value), 0640); err != nil {
		return appErr.Wrapf(err, appErr.CgroupError, "write %s failed", name)
	}
	return nil
}

func (c *Cgroup) readInt(name string) (int64, error) {
	data, err := os.ReadFile(filepath.Join(c.path, name))
	if err != nil {
		return 0, appErr.Wrapf(err, appErr.CgroupError, "read %s failed", name)
	}
	return strconv.ParseInt(strings.TrimSpace(string(data)), 10, 64)
}
