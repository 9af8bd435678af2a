//go:build linux

package isolation

import (
	"boxd/internal/policy"
	appErr "boxd/pkg/errors"

	seccomp "github.com/seccomp/libseccomp-golang"
	"golang.org/x/sys/unix"
)

// defaultAllowSyscalls is the bootstrap set: syscalls the worker runtime
// needs before and between jobs. Anything outside this set (plus the policy
// extension) traps to the supervisor instead of failing, so the list only
// has to cover the hot path, not completeness.
var defaultAllowSyscalls = []string{
	// io on already-open fds
	"read", "write", "readv", "writev", "pread64", "pwrite64",
	"close", "lseek", "fstat", "fcntl", "dup", "dup3",
	"ppoll", "pselect6", "epoll_create1", "epoll_ctl", "epoll_pwait",

	// memory management
	"mmap", "munmap", "mprotect", "mremap", "madvise", "brk",

	// scheduling and threads
	"futex", "sched_yield", "nanosleep", "clock_nanosleep",
	"clone", "set_robust_list", "rseq", "gettid", "tgkill",
	"sched_getaffinity", "setpriority",

	// signals
	"rt_sigaction", "rt_sigprocmask", "rt_sigreturn", "sigaltstack",

	// identity and time
	"getpid", "getuid", "getgid", "geteuid", "getegid",
	"clock_gettime", "clock_getres", "gettimeofday",

	// misc runtime bootstrap
	"getrandom", "exit", "exit_group", "restart_syscall",
	"sendmsg", "recvmsg", "socket", "socketpair",
	"pipe2", "eventfd2", "prctl", "membarrier",
}

// ApplySeccomp installs the worker's syscall filter and returns the
// notification fd for the supervisor. Defaults:
//
//   - unlisted syscalls notify the supervisor (never kill)
//   - policy-denied syscalls fail immediately with EPERM
//   - allow-listed syscalls proceed unmediated
//
// Must run last in the child profile: once loaded, any non-allowlisted
// syscall blocks until the supervisor answers.
func ApplySeccomp(cfg policy.SandboxConfig) (seccomp.ScmpFd, error) {
	filter, err := seccomp.NewFilter(seccomp.ActNotify)
	if err != nil {
		return -1, appErr.Wrapf(err, appErr.SeccompError, "create filter failed")
	}

	for _, name := range append(defaultAllowSyscalls, cfg.SeccompAllow...) {
		sc, err := seccomp.GetSyscallFromName(name)
		if err != nil {
			// Allow-list entries for syscalls this kernel/arch lacks are
			// skipped; the notify default still covers the call.
			continue
		}
		if err := filter.AddRule(sc, seccomp.ActAllow); err != nil {
			return -1, appErr.Wrapf(err, appErr.SeccompError, "allow %s failed", name)
		}
	}

	denyAction := seccomp.ActErrno.SetReturnCode(int16(unix.EPERM))
	for _, name := range cfg.SeccompDeny {
		sc, err := seccomp.GetSyscallFromName(name)
		if err != nil {
			return -1, appErr.Wrapf(err, appErr.SeccompError, "unknown denied syscall %q", name)
		}
		if err := filter.AddRule(sc, denyAction); err != nil {
			return -1, appErr.Wrapf(err, appErr.SeccompError, "deny %s failed", name)
		}
	}

	if err := filter.Load(); err != nil {
		return -1, appErr.Wrapf(err, appErr.SeccompError, "load filter failed")
	}

	fd, err := filter.GetNotifFd()
	if err != nil {
		return -1, appErr.Wrapf(err, appErr.SeccompError, "get notify fd failed")
	}
	return fd, nil
}
