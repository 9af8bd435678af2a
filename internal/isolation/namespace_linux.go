//go:build linux

package isolation

import (
	"os"
	"syscall"

	"boxd/internal/policy"
)

// NamespaceFlags returns the clone flags for a worker under the given policy.
// User, pid, mount, ipc, and uts namespaces are unconditional; the network
// namespace is skipped only when the policy explicitly allows network access.
func NamespaceFlags(cfg policy.SandboxConfig) uintptr {
	flags := uintptr(syscall.CLONE_NEWUSER |
		syscall.CLONE_NEWPID |
		syscall.CLONE_NEWNS |
		syscall.CLONE_NEWIPC |
		syscall.CLONE_NEWUTS)
	if !cfg.AllowNetwork {
		flags |= syscall.CLONE_NEWNET
	}
	return flags
}

// SysProcAttr builds the clone-time attributes for a worker process: new
// namespaces, a single-uid mapping into the user namespace, and the cgroup fd
// so the kernel places the process in its cgroup atomically with creation
// (CLONE_INTO_CGROUP). cgroupFD < 0 disables cgroup placement; callers treat
// that as a setup failure unless cgroups are disabled wholesale.
func SysProcAttr(cfg policy.SandboxConfig, cgroupFD int) *syscall.SysProcAttr {
	attr := &syscall.SysProcAttr{
		Cloneflags: NamespaceFlags(cfg),
		UidMappings: []syscall.SysProcIDMap{
			{ContainerID: 0, HostID: os.Getuid(), Size: 1},
		},
		GidMappings: []syscall.SysProcIDMap{
			{ContainerID: 0, HostID: os.Getgid(), Size: 1},
		},
		GidMappingsEnableSetgroups: false,
		Setpgid:                    true,
	}
	if cgroupFD >= 0 {
		attr.UseCgroupFD = true
		attr.CgroupFD = cgroupFD
	}
	return attr
}
