//go:build linux

package isolation

import (
	"syscall"
	"testing"

	"boxd/internal/policy"

	"golang.org/x/sys/unix"
)

func TestNamespaceFlagsDefaultIncludesNet(t *testing.T) {
	flags := NamespaceFlags(policy.Default())
	want := uintptr(syscall.CLONE_NEWUSER | syscall.CLONE_NEWPID | syscall.CLONE_NEWNS |
		syscall.CLONE_NEWIPC | syscall.CLONE_NEWUTS | syscall.CLONE_NEWNET)
	if flags != want {
		t.Fatalf("flags = %#x, want %#x", flags, want)
	}
}

func TestNamespaceFlagsAllowNetwork(t *testing.T) {
	cfg := policy.Default()
	cfg.AllowNetwork = true
	flags := NamespaceFlags(cfg)
	if flags&syscall.CLONE_NEWNET != 0 {
		t.Fatal("network namespace must be skipped when the policy allows network")
	}
	if flags&syscall.CLONE_NEWUSER == 0 || flags&syscall.CLONE_NEWPID == 0 {
		t.Fatal("user and pid namespaces are unconditional")
	}
}

func TestSysProcAttrCgroupPlacement(t *testing.T) {
	attr := SysProcAttr(policy.Default(), 7)
	if !attr.UseCgroupFD || attr.CgroupFD != 7 {
		t.Fatalf("cgroup fd not wired: %+v", attr)
	}
	if len(attr.UidMappings) != 1 || attr.UidMappings[0].Size != 1 {
		t.Fatalf("uid mapping must cover exactly one id: %+v", attr.UidMappings)
	}
	if attr.GidMappingsEnableSetgroups {
		t.Fatal("setgroups must stay disabled in the user namespace")
	}

	attr = SysProcAttr(policy.Default(), -1)
	if attr.UseCgroupFD {
		t.Fatal("negative fd must disable cgroup placement")
	}
}

func TestChildStepOrder(t *testing.T) {
	steps := ChildSteps()
	want := []string{StepMounts, StepLandlock, StepSeccomp}
	if len(steps) != len(want) {
		t.Fatalf("steps = %v", steps)
	}
	for i := range want {
		if steps[i] != want[i] {
			t.Fatalf("step %d = %s, want %s; seccomp must come last", i, steps[i], want[i])
		}
	}
}

func TestLandlockAccessModes(t *testing.T) {
	ro := landlockAccess(policy.AccessReadOnly)
	rw := landlockAccess(policy.AccessReadWrite)
	ex := landlockAccess(policy.AccessExecute)

	if ro&unix.LANDLOCK_ACCESS_FS_READ_FILE == 0 {
		t.Fatal("ro must grant file reads")
	}
	if ro&unix.LANDLOCK_ACCESS_FS_WRITE_FILE != 0 {
		t.Fatal("ro must not grant writes")
	}
	if rw&unix.LANDLOCK_ACCESS_FS_WRITE_FILE == 0 || rw&unix.LANDLOCK_ACCESS_FS_MAKE_REG == 0 {
		t.Fatal("rw must grant writes and creates")
	}
	if ex&unix.LANDLOCK_ACCESS_FS_EXECUTE == 0 {
		t.Fatal("exec must grant execute")
	}
	if ex&unix.LANDLOCK_ACCESS_FS_WRITE_FILE != 0 {
		t.Fatal("exec must not grant writes")
	}
}
