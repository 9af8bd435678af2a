//go:build linux

package isolation

import (
	"errors"
	"os"

	"boxd/internal/policy"
	appErr "boxd/pkg/errors"

	"golang.org/x/sys/unix"
)

// ApplyMounts constructs the worker's private mount view. Runs inside the
// worker's mount namespace, before Landlock and seccomp.
func ApplyMounts(cfg policy.SandboxConfig) error {
	// Stop mount events propagating back to the host table.
	if err := unix.Mount("", "/", "", unix.MS_REC|unix.MS_PRIVATE, ""); err != nil {
		return appErr.Wrapf(err, appErr.MountError, "make mounts private failed")
	}

	// Private tmpfs working directory; everything the job writes dies with
	// the worker.
	if err := os.MkdirAll(cfg.WorkDir, 0750); err != nil {
		return appErr.Wrapf(err, appErr.MountError, "create workdir failed")
	}
	if err := unix.Mount("tmpfs", cfg.WorkDir, "tmpfs", unix.MS_NOSUID|unix.MS_NODEV, "size=64m"); err != nil {
		return appErr.Wrapf(err, appErr.MountError, "mount workdir tmpfs failed")
	}

	// Fresh proc scoped to the new pid namespace.
	if err := unix.Mount("proc", "/proc", "proc", unix.MS_NOSUID|unix.MS_NODEV|unix.MS_NOEXEC, ""); err != nil && !errors.Is(err, unix.EBUSY) {
		return appErr.Wrapf(err, appErr.MountError, "mount proc failed")
	}

	if err := os.Chdir(cfg.WorkDir); err != nil {
		return appErr.Wrapf(err, appErr.MountError, "chdir workdir failed")
	}
	return nil
}
