//go:build linux

package worker

import (
	"bytes"
	"context"
	"io"
	"net"
	"os"
	"os/exec"
	"sync"
	"time"

	"boxd/internal/arena"
	"boxd/internal/isolation"
	"boxd/internal/policy"
	"boxd/internal/protocol"
	"boxd/internal/supervisor"
	appErr "boxd/pkg/errors"
	"boxd/pkg/utils/logger"

	seccomp "github.com/seccomp/libseccomp-golang"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

// setupTimeout bounds the handshake with a freshly cloned child. A worker
// that cannot confine itself inside this window is treated as failed.
const setupTimeout = 5 * time.Second

// Child fd layout, fixed by the spawn contract. ExtraFiles begin at fd 3.
const (
	fdCode  = 3 // code pipe, read end
	fdRes   = 4 // result pipe, write end
	fdCtrl  = 5 // socketpair for passing the seccomp notify fd back
	fdArena = 6 // arena memfd
)

// Proc is the parent-side handle for one live worker process.
type Proc struct {
	id      uint32
	cmd     *exec.Cmd
	cg      *isolation.Cgroup
	codeW   *os.File
	resultR *os.File
	sup     *supervisor.Supervisor
	state   State

	fdMu     sync.Mutex
	notifyFD seccomp.ScmpFd

	waitOnce sync.Once
	waitErr  error
}

// Spawner creates confined worker processes. One Spawner serves the whole
// pool; every worker it produces shares the daemon's arena and supervisor.
type Spawner struct {
	BinPath    string
	CgroupRoot string
	Policy     policy.SandboxConfig
	Arena      *arena.Arena
	Supervisor *supervisor.Supervisor
}

// Spawn clones a worker into its namespaces and cgroup, waits for the child
// to confirm its isolation profile, and registers its seccomp notification
// fd with the supervisor. The returned worker is idle and ready for jobs.
func (s *Spawner) Spawn(ctx context.Context, id uint32) (p *Proc, err error) {
	cg, err := isolation.CreateCgroup(s.CgroupRoot, id, s.Policy)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err != nil {
			cg.Kill()
			cg.Remove()
		}
	}()

	codeR, codeW, err := os.Pipe()
	if err != nil {
		return nil, appErr.Wrap(err, appErr.WorkerSpawnFailed)
	}
	resultR, resultW, err := os.Pipe()
	if err != nil {
		codeR.Close()
		codeW.Close()
		return nil, appErr.Wrap(err, appErr.WorkerSpawnFailed)
	}
	ctrlFDs, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		codeR.Close()
		codeW.Close()
		resultR.Close()
		resultW.Close()
		return nil, appErr.Wrap(err, appErr.WorkerSpawnFailed)
	}
	ctrlParent := os.NewFile(uintptr(ctrlFDs[0]), "ctrl-parent")
	ctrlChild := os.NewFile(uintptr(ctrlFDs[1]), "ctrl-child")

	setup := protocol.WorkerSetup{
		WorkerID: id,
		Policy:   s.Policy,
		Geometry: s.Arena.Geometry(),
	}
	var stdin bytes.Buffer
	if err := protocol.WriteFrame(&stdin, &setup); err != nil {
		closeAll(codeR, codeW, resultR, resultW, ctrlParent, ctrlChild)
		return nil, err
	}

	cmd := s.command(&stdin, []*os.File{codeR, resultW, ctrlChild, s.Arena.File()}, cg.FD())

	if err := cmd.Start(); err != nil {
		closeAll(codeR, codeW, resultR, resultW, ctrlParent, ctrlChild)
		return nil, appErr.Wrapf(err, appErr.WorkerSpawnFailed, "start worker %d", id)
	}
	// The child owns these now.
	codeR.Close()
	resultW.Close()
	ctrlChild.Close()

	p = &Proc{id: id, cmd: cmd, cg: cg, codeW: codeW, resultR: resultR, sup: s.Supervisor, state: StateSpawning, notifyFD: -1}
	defer func() {
		if err != nil {
			p.Kill()
			p.Close()
			p = nil
		}
	}()

	if err := Transition(&p.state, StateIsolating); err != nil {
		return nil, err
	}
	resultR.SetReadDeadline(time.Now().Add(setupTimeout))
	var report protocol.SetupReport
	if err := protocol.ReadFrame(resultR, &report); err != nil {
		return nil, appErr.Wrapf(err, appErr.SetupFailed, "worker %d setup report", id)
	}
	resultR.SetReadDeadline(time.Time{})
	if report.FailedStep != "" {
		return nil, appErr.Newf(appErr.SetupFailed, "worker %d failed at %s: %s", id, report.FailedStep, report.Detail)
	}

	nfd, err := recvNotifyFD(ctrlParent)
	ctrlParent.Close()
	if err != nil {
		return nil, appErr.Wrapf(err, appErr.SetupFailed, "worker %d notify fd", id)
	}
	p.notifyFD = nfd

	if err := s.Supervisor.Register(id, nfd); err != nil {
		return nil, err
	}
	if err := Transition(&p.state, StateIdle); err != nil {
		return nil, err
	}

	logger.Info(ctx, "worker spawned",
		zap.Uint32("worker_id", id),
		zap.Int("pid", cmd.Process.Pid),
		zap.String("state", p.state.String()),
		zap.String("cgroup", cg.Path()))
	return p, nil
}

// command builds the worker's exec.Cmd. The environment is exactly the
// policy allow-list; a nil Env would let the child inherit the daemon's
// full environment across the trust boundary.
func (s *Spawner) command(stdin io.Reader, extra []*os.File, cgFD int) *exec.Cmd {
	cmd := exec.Command(s.BinPath)
	cmd.Stdin = stdin
	cmd.Stderr = os.Stderr
	cmd.Env = append(make([]string, 0, len(s.Policy.Env)), s.Policy.Env...)
	cmd.ExtraFiles = extra
	cmd.SysProcAttr = isolation.SysProcAttr(s.Policy, cgFD)
	return cmd
}

// recvNotifyFD receives the child's seccomp notification fd over the control
// socketpair via SCM_RIGHTS.
func recvNotifyFD(ctrl *os.File) (seccomp.ScmpFd, error) {
	conn, err := net.FileConn(ctrl)
	if err != nil {
		return -1, err
	}
	defer conn.Close()
	uc, ok := conn.(*net.UnixConn)
	if !ok {
		return -1, appErr.New(appErr.Internal).WithMessage("control socket is not a unix conn")
	}
	uc.SetReadDeadline(time.Now().Add(setupTimeout))

	buf := make([]byte, 1)
	oob := make([]byte, unix.CmsgSpace(4))
	_, oobn, _, _, err := uc.ReadMsgUnix(buf, oob)
	if err != nil {
		return -1, err
	}
	cmsgs, err := unix.ParseSocketControlMessage(oob[:oobn])
	if err != nil || len(cmsgs) == 0 {
		return -1, appErr.New(appErr.SetupFailed).WithMessage("no control message with notify fd")
	}
	fds, err := unix.ParseUnixRights(&cmsgs[0])
	if err != nil || len(fds) != 1 {
		return -1, appErr.New(appErr.SetupFailed).WithMessage("expected exactly one notify fd")
	}
	unix.CloseOnExec(fds[0])
	return seccomp.ScmpFd(fds[0]), nil
}

func closeAll(files ...*os.File) {
	for _, f := range files {
		f.Close()
	}
}

// ID returns the pool-assigned worker id.
func (p *Proc) ID() uint32 { return p.id }

// PID returns the worker's pid in the daemon's namespace.
func (p *Proc) PID() int { return p.cmd.Process.Pid }

// State returns the lifecycle position the spawn handshake reached.
func (p *Proc) State() State { return p.state }

// NotifyFD exposes the seccomp notification fd for supervisor bookkeeping.
func (p *Proc) NotifyFD() seccomp.ScmpFd {
	p.fdMu.Lock()
	defer p.fdMu.Unlock()
	return p.notifyFD
}

// unwatch drops the notify fd from the supervisor's wait set so a planned
// kill does not surface as a lost-channel crash.
func (p *Proc) unwatch() {
	p.fdMu.Lock()
	defer p.fdMu.Unlock()
	if p.sup != nil && p.notifyFD >= 0 {
		p.sup.Unregister(p.notifyFD)
	}
}

// Send writes one job frame to the worker's code pipe.
func (p *Proc) Send(job protocol.Job) error {
	if err := protocol.WriteFrame(p.codeW, &job); err != nil {
		return appErr.Wrapf(err, appErr.WorkerCrashed, "send job to worker %d", p.id)
	}
	return nil
}

// Await blocks until the worker reports a job result or its result pipe
// breaks. A broken pipe means the process died mid-job.
func (p *Proc) Await() (protocol.JobResult, error) {
	var res protocol.JobResult
	if err := protocol.ReadFrame(p.resultR, &res); err != nil {
		return protocol.JobResult{}, appErr.Wrapf(err, appErr.WorkerCrashed, "worker %d result", p.id)
	}
	return res, nil
}

// Kill force-terminates the worker: cgroup-wide kill first so descendants
// die with it, then SIGKILL on the leader, then a confirmed reap. It is the
// only path that guarantees the process is gone before resources are reused.
func (p *Proc) Kill() error {
	p.unwatch()
	if p.cg != nil {
		p.cg.Kill()
	}
	if p.cmd.Process != nil {
		p.cmd.Process.Kill()
	}
	p.waitOnce.Do(func() { p.waitErr = p.cmd.Wait() })
	return nil
}

// MemoryPeak reads the high-water mark from the worker's cgroup. Valid until
// Close removes the cgroup, including after the process died.
func (p *Proc) MemoryPeak() uint64 {
	if p.cg == nil {
		return 0
	}
	return p.cg.MemoryPeak()
}

// OOMKilled reports whether the kernel killed the worker for exceeding its
// memory limit.
func (p *Proc) OOMKilled() bool {
	if p.cg == nil {
		return false
	}
	return p.cg.OOMKilled()
}

// Close releases everything pinned to the worker. The process must already
// be dead; Close reaps it if nothing else has.
func (p *Proc) Close() error {
	if p.codeW != nil {
		p.codeW.Close()
	}
	if p.resultR != nil {
		p.resultR.Close()
	}
	p.waitOnce.Do(func() { p.waitErr = p.cmd.Wait() })
	p.fdMu.Lock()
	if p.notifyFD >= 0 {
		if p.sup != nil {
			p.sup.Unregister(p.notifyFD)
		}
		unix.Close(int(p.notifyFD))
		p.notifyFD = -1
	}
	p.fdMu.Unlock()
	if p.cg != nil {
		p.cg.Remove()
		p.cg = nil
	}
	return nil
}
