// Package supervisor resolves seccomp user-notify events from all workers to
// allow/deny verdicts without ever terminating the calling worker.
package supervisor

import (
	appErr "boxd/pkg/errors"

	seccomp "github.com/seccomp/libseccomp-golang"
	"golang.org/x/sys/unix"
)

// Verdict is the supervisor's decision for one intercepted syscall.
type Verdict int

const (
	// VerdictAllow lets the kernel continue the syscall.
	VerdictAllow Verdict = iota
	// VerdictDeny fails the syscall with the policy errno.
	VerdictDeny
)

func (v Verdict) String() string {
	if v == VerdictDeny {
		return "deny"
	}
	return "allow"
}

// Policy is the syscall number to verdict table. Resolved from names once at
// daemon start so the per-event path is a single map lookup.
type Policy struct {
	deny map[seccomp.ScmpSyscall]int32
}

// NewPolicy builds the table from denied syscall names. Unknown names are a
// configuration error: a typo must not silently allow a syscall the operator
// meant to deny.
func NewPolicy(denyNames []string) (Policy, error) {
	deny := make(map[seccomp.ScmpSyscall]int32, len(denyNames))
	for _, name := range denyNames {
		sc, err := seccomp.GetSyscallFromName(name)
		if err != nil {
			return Policy{}, appErr.ConfigError("supervisorDeny", "unknown syscall "+name)
		}
		deny[sc] = int32(unix.EPERM)
	}
	return Policy{deny: deny}, nil
}

// Decide resolves a syscall to a verdict and, for denials, the errno returned
// to the worker. The default for unlisted syscalls is allow-and-continue: the
// filter's allow-list covers the hot path, and everything else is permitted
// but audited.
func (p Policy) Decide(sc seccomp.ScmpSyscall) (Verdict, int32) {
	if errno, ok := p.deny[sc]; ok {
		return VerdictDeny, errno
	}
	return VerdictAllow, 0
}

// DenyCount returns the number of denied syscalls in the table.
func (p Policy) DenyCount() int { return len(p.deny) }
