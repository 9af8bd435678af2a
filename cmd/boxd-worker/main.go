//go:build linux

// boxd-worker is the confined half of the daemon. It is spawned into fresh
// namespaces and a dedicated cgroup, applies its in-process isolation steps
// (mounts, landlock, seccomp), hands its seccomp notify fd back to the
// daemon, and then loops on its private pipe pair running one job at a time.
//
// Fd contract with the parent: 3 code pipe (read), 4 result pipe (write),
// 5 control socketpair, 6 arena memfd. Setup parameters arrive on stdin.
package main

import (
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"time"

	"boxd/internal/arena"
	"boxd/internal/isolation"
	"boxd/internal/protocol"

	lua "github.com/yuin/gopher-lua"
	"golang.org/x/sys/unix"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "boxd-worker: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var setup protocol.WorkerSetup
	if err := protocol.ReadFrame(os.Stdin, &setup); err != nil {
		return fmt.Errorf("read setup: %w", err)
	}

	codeR := os.NewFile(3, "code")
	resultW := os.NewFile(4, "result")
	ctrl := os.NewFile(5, "ctrl")
	arenaFile := os.NewFile(6, "arena")
	if codeR == nil || resultW == nil || ctrl == nil || arenaFile == nil {
		return fmt.Errorf("missing inherited fd")
	}

	view, err := arena.MapView(arenaFile, setup.Geometry, true)
	if err != nil {
		report(resultW, "arena", err)
		return err
	}
	arenaFile.Close()

	// Warm the interpreter before confinement so library loading never
	// happens on the job path.
	warm := newInterp()
	warm.Close()

	// In-process isolation, strictest last. The parent already put us in
	// our namespaces and cgroup; from here any failure aborts the worker
	// before it ever sees a job.
	if err := isolation.ApplyMounts(setup.Policy); err != nil {
		report(resultW, isolation.StepMounts, err)
		return err
	}
	if err := isolation.ApplyLandlock(setup.Policy); err != nil {
		report(resultW, isolation.StepLandlock, err)
		return err
	}
	notifyFD, err := isolation.ApplySeccomp(setup.Policy)
	if err != nil {
		report(resultW, isolation.StepSeccomp, err)
		return err
	}
	if err := sendNotifyFD(ctrl, int(notifyFD)); err != nil {
		report(resultW, isolation.StepSeccomp, err)
		return err
	}
	ctrl.Close()
	if err := protocol.WriteFrame(resultW, &protocol.SetupReport{}); err != nil {
		return err
	}

	capt, err := newCapture(setup.Policy.WorkDir)
	if err != nil {
		return err
	}

	for {
		var job protocol.Job
		if err := protocol.ReadFrame(codeR, &job); err != nil {
			// Pipe closed: the daemon is recycling us.
			return nil
		}
		res := runJob(view, capt, job)
		if err := protocol.WriteFrame(resultW, &res); err != nil {
			return err
		}
	}
}

// report writes a failed setup step to the result pipe. Best effort; the
// parent also enforces a handshake deadline.
func report(resultW *os.File, step string, err error) {
	protocol.WriteFrame(resultW, &protocol.SetupReport{
		FailedStep: step,
		Detail:     err.Error(),
	})
}

// sendNotifyFD passes the seccomp notification fd to the daemon over the
// control socketpair.
func sendNotifyFD(ctrl *os.File, fd int) error {
	conn, err := net.FileConn(ctrl)
	if err != nil {
		return err
	}
	defer conn.Close()
	uc, ok := conn.(*net.UnixConn)
	if !ok {
		return fmt.Errorf("control socket is not a unix conn")
	}
	_, _, err = uc.WriteMsgUnix([]byte{0}, unix.UnixRights(fd), nil)
	return err
}

// runJob executes one payload in a fresh interpreter and writes the packed
// output into the job's response slot. The interpreter state never survives
// a job; only the process and its mappings do.
func runJob(view *arena.View, capt *capture, job protocol.Job) protocol.JobResult {
	res := protocol.JobResult{Slot: job.Slot, CorrelationID: job.CorrelationID}

	code, err := view.ReadRequest(job.Slot)
	if err != nil {
		res.Failed = true
		res.Detail = err.Error()
		return res
	}

	if err := capt.begin(); err != nil {
		res.Failed = true
		res.Detail = err.Error()
		return res
	}
	start := time.Now()
	runErr := execLua(string(code))
	elapsed := time.Since(start)
	stdout, stderr, stdoutTrunc, stderrTrunc, capErr := capt.end(job.StdoutLimit, job.StderrLimit)
	if capErr != nil {
		res.Failed = true
		res.Detail = capErr.Error()
		return res
	}

	if runErr != nil {
		stderr = append(stderr, []byte(runErr.Error()+"\n")...)
		res.ExitCode = 1
	}
	res.DurationMS = uint64(elapsed / time.Millisecond)
	res.StdoutTruncated = stdoutTrunc
	res.StderrTruncated = stderrTrunc

	payload, err := protocol.EncodeStreams(stdout, stderr)
	if err != nil {
		res.Failed = true
		res.Detail = err.Error()
		return res
	}
	slotTrunc, err := view.WriteResponse(job.Slot, payload)
	if err != nil {
		res.Failed = true
		res.Detail = err.Error()
		return res
	}
	if slotTrunc {
		res.StdoutTruncated = true
		res.StderrTruncated = true
	}
	return res
}

// newInterp builds an interpreter with the safe library subset. os and
// debug stay closed; the filesystem surface is landlock's problem, process
// control is nobody's.
func newInterp() *lua.LState {
	l := lua.NewState(lua.Options{SkipOpenLibs: true})
	for _, open := range []struct {
		name string
		fn   lua.LGFunction
	}{
		{lua.BaseLibName, lua.OpenBase},
		{lua.TabLibName, lua.OpenTable},
		{lua.StringLibName, lua.OpenString},
		{lua.MathLibName, lua.OpenMath},
	} {
		l.Push(l.NewFunction(open.fn))
		l.Push(lua.LString(open.name))
		l.Call(1, 0)
	}
	return l
}

func execLua(code string) error {
	l := newInterp()
	defer l.Close()
	return l.DoString(code)
}

// capture redirects the process stdout/stderr onto files in the private
// tmpfs for the duration of a job.
type capture struct {
	stdout *os.File
	stderr *os.File
}

func newCapture(workDir string) (*capture, error) {
	so, err := os.OpenFile(filepath.Join(workDir, ".stdout"), os.O_CREATE|os.O_RDWR|os.O_TRUNC, 0600)
	if err != nil {
		return nil, err
	}
	se, err := os.OpenFile(filepath.Join(workDir, ".stderr"), os.O_CREATE|os.O_RDWR|os.O_TRUNC, 0600)
	if err != nil {
		so.Close()
		return nil, err
	}
	return &capture{stdout: so, stderr: se}, nil
}

func (c *capture) begin() error {
	if err := c.stdout.Truncate(0); err != nil {
		return err
	}
	if _, err := c.stdout.Seek(0, 0); err != nil {
		return err
	}
	if err := c.stderr.Truncate(0); err != nil {
		return err
	}
	if _, err := c.stderr.Seek(0, 0); err != nil {
		return err
	}
	if err := unix.Dup2(int(c.stdout.Fd()), 1); err != nil {
		return err
	}
	return unix.Dup2(int(c.stderr.Fd()), 2)
}

// end reads back at most limit bytes per stream and reports whether either
// overflowed.
func (c *capture) end(stdoutLimit, stderrLimit int) (stdout, stderr []byte, stdoutTrunc, stderrTrunc bool, err error) {
	stdout, stdoutTrunc, err = readBack(c.stdout, stdoutLimit)
	if err != nil {
		return
	}
	stderr, stderrTrunc, err = readBack(c.stderr, stderrLimit)
	return
}

func readBack(f *os.File, limit int) ([]byte, bool, error) {
	size, err := f.Seek(0, 2)
	if err != nil {
		return nil, false, err
	}
	if _, err := f.Seek(0, 0); err != nil {
		return nil, false, err
	}
	n := int(size)
	truncated := false
	if limit > 0 && n > limit {
		n = limit
		truncated = true
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(f, buf); err != nil {
		return nil, false, err
	}
	return buf, truncated, nil
}
