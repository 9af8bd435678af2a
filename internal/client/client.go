//go:build linux

// Package client is the reference consumer of the daemon socket. Any
// out-of-process caller, including foreign-language bindings, speaks exactly
// this sequence: hello, execute, map the response slot read-only, release.
package client

import (
	"bytes"
	"context"
	"io"
	"net"
	"os"
	"sync"
	"time"

	"boxd/internal/arena"
	"boxd/internal/protocol"
	appErr "boxd/pkg/errors"

	"github.com/google/uuid"
	"golang.org/x/sys/unix"
)

// Result is one finished execution with its output copied out of the arena.
type Result struct {
	CorrelationID   string
	Status          protocol.ExecStatus
	Stdout          []byte
	Stderr          []byte
	StdoutTruncated bool
	StderrTruncated bool
	ExitCode        int
	DurationMS      uint64
	PeakMemoryBytes uint64
	DeniedSyscalls  uint32
	Detail          string
}

// Client holds one daemon connection and a read-only mapping of the arena.
// Operations serialize on the connection; callers wanting pipelining open
// more clients.
type Client struct {
	mu    sync.Mutex
	conn  *net.UnixConn
	rd    io.Reader
	view  *arena.View
	hello protocol.Hello
}

// Dial connects, consumes the hello frame, and maps the arena memfd the
// daemon attached to it.
func Dial(socketPath string) (*Client, error) {
	conn, err := net.DialUnix("unix", nil, &net.UnixAddr{Name: socketPath, Net: "unix"})
	if err != nil {
		return nil, appErr.Wrapf(err, appErr.DaemonUnreachable, "dial %s", socketPath)
	}

	buf := make([]byte, 8192)
	oob := make([]byte, unix.CmsgSpace(4))
	n, oobn, _, _, err := conn.ReadMsgUnix(buf, oob)
	if err != nil {
		conn.Close()
		return nil, appErr.Wrapf(err, appErr.DaemonUnreachable, "read hello")
	}
	cmsgs, err := unix.ParseSocketControlMessage(oob[:oobn])
	if err != nil || len(cmsgs) == 0 {
		conn.Close()
		return nil, appErr.New(appErr.ProtocolViolation).WithMessage("hello carried no arena fd")
	}
	fds, err := unix.ParseUnixRights(&cmsgs[0])
	if err != nil || len(fds) != 1 {
		conn.Close()
		return nil, appErr.New(appErr.ProtocolViolation).WithMessage("hello carried unexpected fds")
	}
	unix.CloseOnExec(fds[0])
	arenaFile := fdFile(fds[0])

	// The hello frame may not have arrived whole in the first segment.
	rd := io.MultiReader(bytes.NewReader(buf[:n]), conn)
	var env protocol.Envelope
	if err := protocol.ReadFrame(rd, &env); err != nil {
		conn.Close()
		arenaFile.Close()
		return nil, err
	}
	if env.Type != protocol.MsgHello || env.Hello == nil {
		conn.Close()
		arenaFile.Close()
		return nil, appErr.New(appErr.ProtocolViolation).WithMessage("first frame was not hello")
	}
	if env.Hello.Version != protocol.Version {
		conn.Close()
		arenaFile.Close()
		return nil, appErr.Newf(appErr.ProtocolViolation, "protocol version %d, want %d",
			env.Hello.Version, protocol.Version)
	}

	geo := arena.Geometry{
		Slots:            env.Hello.ArenaSlots,
		RequestSlotSize:  env.Hello.RequestSlotSize,
		ResponseSlotSize: env.Hello.ResponseSlotSize,
	}
	view, err := arena.MapView(arenaFile, geo, false)
	arenaFile.Close()
	if err != nil {
		conn.Close()
		return nil, err
	}
	return &Client{conn: conn, rd: rd, view: view, hello: *env.Hello}, nil
}

// Hello returns the geometry the daemon advertised.
func (c *Client) Hello() protocol.Hello { return c.hello }

// Execute runs one code payload and copies its output out of the arena. A
// zero timeout leaves the daemon's default in force.
func (c *Client) Execute(ctx context.Context, code []byte, timeout time.Duration) (*Result, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.applyDeadline(ctx)

	req := protocol.ExecuteRequest{
		CorrelationID: uuid.NewString(),
		Code:          code,
		TimeoutMS:     uint64(timeout / time.Millisecond),
	}
	if err := protocol.WriteFrame(c.conn, &protocol.Envelope{Type: protocol.MsgExecute, Execute: &req}); err != nil {
		return nil, appErr.Wrap(err, appErr.DaemonUnreachable)
	}

	var env protocol.Envelope
	if err := protocol.ReadFrame(c.rd, &env); err != nil {
		return nil, appErr.Wrap(err, appErr.DaemonUnreachable)
	}
	if env.Type == protocol.MsgError && env.Error != nil {
		return nil, appErr.New(appErr.ErrorCode(env.Error.Code)).WithMessage(env.Error.Message)
	}
	if env.Type != protocol.MsgResult || env.Result == nil {
		return nil, appErr.Newf(appErr.ProtocolViolation, "expected result, got %q", env.Type)
	}
	resp := env.Result

	out := &Result{
		CorrelationID:   resp.CorrelationID,
		Status:          resp.Status,
		StdoutTruncated: resp.StdoutTruncated,
		StderrTruncated: resp.StderrTruncated,
		ExitCode:        resp.ExitCode,
		DurationMS:      resp.DurationMS,
		PeakMemoryBytes: resp.PeakMemoryBytes,
		DeniedSyscalls:  resp.DeniedSyscalls,
		Detail:          resp.Detail,
	}
	if resp.StdoutRef >= 0 {
		payload, err := c.view.ReadResponse(resp.StdoutRef)
		if err == nil {
			if streams, derr := protocol.DecodeStreams(payload); derr == nil {
				out.Stdout = streams.Stdout
				out.Stderr = streams.Stderr
			}
		}
		if rerr := c.release(resp.StdoutRef, resp.CorrelationID); rerr != nil {
			return out, rerr
		}
	}
	return out, nil
}

// release hands the slot back and waits for the acknowledgement so the next
// call starts with a clean channel.
func (c *Client) release(slot int, correlationID string) error {
	rel := protocol.ReleaseRequest{CorrelationID: correlationID, Slot: slot}
	if err := protocol.WriteFrame(c.conn, &protocol.Envelope{Type: protocol.MsgRelease, Release: &rel}); err != nil {
		return appErr.Wrap(err, appErr.DaemonUnreachable)
	}
	var env protocol.Envelope
	if err := protocol.ReadFrame(c.rd, &env); err != nil {
		return appErr.Wrap(err, appErr.DaemonUnreachable)
	}
	if env.Type != protocol.MsgReleased {
		return appErr.Newf(appErr.ProtocolViolation, "expected released, got %q", env.Type)
	}
	return nil
}

// Status queries the pool snapshot.
func (c *Client) Status(ctx context.Context) (protocol.StatusInfo, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.applyDeadline(ctx)

	if err := protocol.WriteFrame(c.conn, &protocol.Envelope{Type: protocol.MsgStatus}); err != nil {
		return protocol.StatusInfo{}, appErr.Wrap(err, appErr.DaemonUnreachable)
	}
	var env protocol.Envelope
	if err := protocol.ReadFrame(c.rd, &env); err != nil {
		return protocol.StatusInfo{}, appErr.Wrap(err, appErr.DaemonUnreachable)
	}
	if env.Type != protocol.MsgStatusInfo || env.Status == nil {
		return protocol.StatusInfo{}, appErr.Newf(appErr.ProtocolViolation, "expected status_info, got %q", env.Type)
	}
	return *env.Status, nil
}

// Ping checks liveness.
func (c *Client) Ping(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.applyDeadline(ctx)

	if err := protocol.WriteFrame(c.conn, &protocol.Envelope{Type: protocol.MsgPing}); err != nil {
		return appErr.Wrap(err, appErr.DaemonUnreachable)
	}
	var env protocol.Envelope
	if err := protocol.ReadFrame(c.rd, &env); err != nil {
		return appErr.Wrap(err, appErr.DaemonUnreachable)
	}
	if env.Type != protocol.MsgPong {
		return appErr.Newf(appErr.ProtocolViolation, "expected pong, got %q", env.Type)
	}
	return nil
}

// Close drops the connection and the arena mapping.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.view != nil {
		c.view.Close()
		c.view = nil
	}
	return c.conn.Close()
}

func fdFile(fd int) *os.File { return os.NewFile(uintptr(fd), "boxd-arena") }

func (c *Client) applyDeadline(ctx context.Context) {
	if dl, ok := ctx.Deadline(); ok {
		c.conn.SetDeadline(dl)
	} else {
		c.conn.SetDeadline(time.Time{})
	}
}
