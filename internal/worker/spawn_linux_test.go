//go:build linux

package worker

import (
	"reflect"
	"strings"
	"testing"

	"boxd/internal/policy"
)

func TestWorkerCommandEnvIsAllowListOnly(t *testing.T) {
	t.Setenv("BOXD_TEST_SECRET", "hunter2")

	allow := []string{"PATH=/usr/bin:/bin", "LANG=C"}
	s := &Spawner{
		BinPath: "/usr/local/bin/boxd-worker",
		Policy:  policy.SandboxConfig{Env: allow},
	}
	cmd := s.command(strings.NewReader(""), nil, -1)

	if !reflect.DeepEqual(cmd.Env, allow) {
		t.Fatalf("cmd.Env = %v, want %v", cmd.Env, allow)
	}
	for _, kv := range cmd.Env {
		if strings.HasPrefix(kv, "BOXD_TEST_SECRET=") {
			t.Fatalf("daemon environment leaked into worker: %s", kv)
		}
	}
}

func TestWorkerCommandEmptyAllowListInheritsNothing(t *testing.T) {
	s := &Spawner{BinPath: "/usr/local/bin/boxd-worker"}
	cmd := s.command(strings.NewReader(""), nil, -1)

	// A nil Env makes exec inherit the parent's environment wholesale.
	if cmd.Env == nil {
		t.Fatal("cmd.Env is nil, worker would inherit the daemon environment")
	}
	if len(cmd.Env) != 0 {
		t.Fatalf("cmd.Env = %v, want empty", cmd.Env)
	}
}
