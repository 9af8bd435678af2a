//go:build linux

package isolation

import (
	"boxd/internal/policy"
	appErr "boxd/pkg/errors"

	"golang.org/x/sys/unix"
)

// landlockAccess maps a policy access mode to the Landlock rights it grants.
func landlockAccess(mode policy.FSAccess) uint64 {
	const read = unix.LANDLOCK_ACCESS_FS_READ_FILE | unix.LANDLOCK_ACCESS_FS_READ_DIR
	switch mode {
	case policy.AccessReadOnly:
		return read
	case policy.AccessReadWrite:
		return read |
			unix.LANDLOCK_ACCESS_FS_WRITE_FILE |
			unix.LANDLOCK_ACCESS_FS_REMOVE_DIR |
			unix.LANDLOCK_ACCESS_FS_REMOVE_FILE |
			unix.LANDLOCK_ACCESS_FS_MAKE_DIR |
			unix.LANDLOCK_ACCESS_FS_MAKE_REG |
			unix.LANDLOCK_ACCESS_FS_MAKE_SYM |
			unix.LANDLOCK_ACCESS_FS_MAKE_FIFO |
			unix.LANDLOCK_ACCESS_FS_MAKE_SOCK
	case policy.AccessExecute:
		return unix.LANDLOCK_ACCESS_FS_READ_FILE | unix.LANDLOCK_ACCESS_FS_EXECUTE
	default:
		return 0
	}
}

// handledAccess is every filesystem right the ruleset mediates. Anything not
// granted by a rule is denied, so an empty allow-list means no filesystem
// access at all.
const handledAccess = unix.LANDLOCK_ACCESS_FS_EXECUTE |
	unix.LANDLOCK_ACCESS_FS_WRITE_FILE |
	unix.LANDLOCK_ACCESS_FS_READ_FILE |
	unix.LANDLOCK_ACCESS_FS_READ_DIR |
	unix.LANDLOCK_ACCESS_FS_REMOVE_DIR |
	unix.LANDLOCK_ACCESS_FS_REMOVE_FILE |
	unix.LANDLOCK_ACCESS_FS_MAKE_CHAR |
	unix.LANDLOCK_ACCESS_FS_MAKE_DIR |
	unix.LANDLOCK_ACCESS_FS_MAKE_REG |
	unix.LANDLOCK_ACCESS_FS_MAKE_SOCK |
	unix.LANDLOCK_ACCESS_FS_MAKE_FIFO |
	unix.LANDLOCK_ACCESS_FS_MAKE_BLOCK |
	unix.LANDLOCK_ACCESS_FS_MAKE_SYM

// ApplyLandlock installs the filesystem allow-list on the current process.
// The working directory always gets read-write access; everything else comes
// from the policy rules. A rule whose path cannot be opened aborts the
// profile rather than silently narrowing it.
func ApplyLandlock(cfg policy.SandboxConfig) error {
	attr := unix.LandlockRulesetAttr{Access_fs: handledAccess}
	rulesetFd, err := unix.LandlockCreateRuleset(&attr, 0)
	if err != nil {
		return appErr.Wrapf(err, appErr.LandlockError, "create ruleset failed")
	}
	defer unix.Close(rulesetFd)

	rules := append([]policy.PathRule{
		{Path: cfg.WorkDir, Access: policy.AccessReadWrite},
	}, cfg.Filesystem...)

	for _, rule := range rules {
		if err := addPathRule(rulesetFd, rule); err != nil {
			return err
		}
	}

	// Landlock and seccomp both require no_new_privs.
	if err := unix.Prctl(unix.PR_SET_NO_NEW_PRIVS, 1, 0, 0, 0); err != nil {
		return appErr.Wrapf(err, appErr.LandlockError, "set no_new_privs failed")
	}
	if err := unix.LandlockRestrictSelf(rulesetFd, 0); err != nil {
		return appErr.Wrapf(err, appErr.LandlockError, "restrict self failed")
	}
	return nil
}

func addPathRule(rulesetFd int, rule policy.PathRule) error {
	access := landlockAccess(rule.Access)
	if access == 0 {
		return appErr.Newf(appErr.LandlockError, "unknown access mode %q for %s", rule.Access, rule.Path)
	}
	fd, err := unix.Open(rule.Path, unix.O_PATH|unix.O_CLOEXEC, 0)
	if err != nil {
		return appErr.Wrapf(err, appErr.LandlockError, "open rule path %s failed", rule.Path)
	}
	defer unix.Close(fd)

	pathBeneath := unix.LandlockPathBeneathAttr{
		Allowed_access: access,
		Parent_fd:      int32(fd),
	}
	if err := unix.LandlockAddPathBeneathRule(rulesetFd, &pathBeneath, 0); err != nil {
		return appErr.Wrapf(err, appErr.LandlockError, "add rule for %s failed", rule.Path)
	}
	return nil
}
