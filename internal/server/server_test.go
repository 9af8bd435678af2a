//go:build linux

package server

import (
	"context"
	"net"
	"path/filepath"
	"testing"
	"time"

	"boxd/internal/arena"
	"boxd/internal/client"
	"boxd/internal/pool"
	"boxd/internal/protocol"
)

// echoRunner plays a worker that writes the request payload back as stdout.
type echoRunner struct {
	id   uint32
	view *arena.View
	jobs chan protocol.Job
}

func (e *echoRunner) ID() uint32                { return e.id }
func (e *echoRunner) Send(j protocol.Job) error { e.jobs <- j; return nil }
func (e *echoRunner) MemoryPeak() uint64        { return 2048 }
func (e *echoRunner) OOMKilled() bool           { return false }
func (e *echoRunner) Kill() error               { return nil }
func (e *echoRunner) Close() error              { e.view.Close(); return nil }

func (e *echoRunner) Await() (protocol.JobResult, error) {
	job := <-e.jobs
	code, err := e.view.ReadRequest(job.Slot)
	if err != nil {
		return protocol.JobResult{Slot: job.Slot, CorrelationID: job.CorrelationID, Failed: true, Detail: err.Error()}, nil
	}
	payload, err := protocol.EncodeStreams(code, nil)
	if err != nil {
		return protocol.JobResult{Slot: job.Slot, CorrelationID: job.CorrelationID, Failed: true, Detail: err.Error()}, nil
	}
	if _, err := e.view.WriteResponse(job.Slot, payload); err != nil {
		return protocol.JobResult{Slot: job.Slot, CorrelationID: job.CorrelationID, Failed: true, Detail: err.Error()}, nil
	}
	return protocol.JobResult{Slot: job.Slot, CorrelationID: job.CorrelationID, DurationMS: 1}, nil
}

type noDenials struct{}

func (noDenials) Denials(uint32) uint32 { return 0 }

func startDaemon(t *testing.T) (string, *arena.Arena) {
	t.Helper()
	ar, err := arena.New(arena.Geometry{Slots: 8, RequestSlotSize: 256, ResponseSlotSize: 512})
	if err != nil {
		t.Fatalf("new arena: %v", err)
	}
	t.Cleanup(func() { ar.Close() })

	cfg := pool.DefaultConfig()
	cfg.Size = 2
	sp := pool.SpawnerFunc(func(ctx context.Context, id uint32) (pool.Runner, error) {
		view, err := arena.MapView(ar.File(), ar.Geometry(), true)
		if err != nil {
			return nil, err
		}
		return &echoRunner{id: id, view: view, jobs: make(chan protocol.Job, 1)}, nil
	})
	mgr := pool.New(cfg, sp, noDenials{}, ar)
	if err := mgr.Start(context.Background()); err != nil {
		t.Fatalf("start pool: %v", err)
	}
	t.Cleanup(mgr.Stop)

	socketPath := filepath.Join(t.TempDir(), "boxd.sock")
	srv := New(socketPath, mgr, ar)
	if err := srv.Listen(); err != nil {
		t.Fatalf("listen: %v", err)
	}
	go srv.Serve(context.Background())
	t.Cleanup(srv.Shutdown)
	return socketPath, ar
}

func TestExecuteRoundTripOverSocket(t *testing.T) {
	socketPath, _ := startDaemon(t)

	c, err := client.Dial(socketPath)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer c.Close()

	if c.Hello().ArenaSlots != 8 {
		t.Fatalf("advertised slots = %d", c.Hello().ArenaSlots)
	}

	res, err := c.Execute(context.Background(), []byte(`print("echo me")`), 0)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if res.Status != protocol.StatusCompleted {
		t.Fatalf("status = %s", res.Status)
	}
	if string(res.Stdout) != `print("echo me")` {
		t.Fatalf("stdout = %q", res.Stdout)
	}
}

func TestSlotsReleasedAcrossManyExecutes(t *testing.T) {
	socketPath, ar := startDaemon(t)

	c, err := client.Dial(socketPath)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer c.Close()

	// More executes than slots proves the release cycle returns them.
	for i := 0; i < 20; i++ {
		if _, err := c.Execute(context.Background(), []byte("x"), 0); err != nil {
			t.Fatalf("execute %d: %v", i, err)
		}
	}
	if ar.InUse() != 0 {
		t.Fatalf("slots still in use after release: %d", ar.InUse())
	}
}

func TestStatusAndPing(t *testing.T) {
	socketPath, _ := startDaemon(t)

	c, err := client.Dial(socketPath)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer c.Close()

	if err := c.Ping(context.Background()); err != nil {
		t.Fatalf("ping: %v", err)
	}
	info, err := c.Status(context.Background())
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if info.PoolSize != 2 || info.Healthy != 2 {
		t.Fatalf("status = %+v", info)
	}
}

func TestMalformedEnvelopeKillsOnlyThatConnection(t *testing.T) {
	socketPath, _ := startDaemon(t)

	good, err := client.Dial(socketPath)
	if err != nil {
		t.Fatalf("dial good: %v", err)
	}
	defer good.Close()

	raw, err := net.Dial("unix", socketPath)
	if err != nil {
		t.Fatalf("dial raw: %v", err)
	}
	defer raw.Close()
	// Discard the hello, then send an envelope claiming a daemon-only body.
	buf := make([]byte, 4096)
	raw.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := raw.Read(buf); err != nil {
		t.Fatalf("read hello: %v", err)
	}
	bad := protocol.Envelope{Type: protocol.MsgExecute, Result: &protocol.ExecuteResponse{}}
	if err := protocol.WriteFrame(raw, &bad); err != nil {
		t.Fatalf("write bad frame: %v", err)
	}
	// The daemon answers with an error frame and then closes the connection.
	closed := false
	for i := 0; i < 8; i++ {
		if _, err := raw.Read(buf); err != nil {
			closed = true
			break
		}
	}
	if !closed {
		t.Fatal("connection must be closed after a protocol violation")
	}

	// The well-behaved connection keeps working.
	if _, err := good.Execute(context.Background(), []byte("still alive"), 0); err != nil {
		t.Fatalf("execute on surviving connection: %v", err)
	}
}

func TestConcurrentClients(t *testing.T) {
	socketPath, _ := startDaemon(t)

	done := make(chan error, 4)
	for i := 0; i < 4; i++ {
		go func() {
			c, err := client.Dial(socketPath)
			if err != nil {
				done <- err
				return
			}
			defer c.Close()
			for j := 0; j < 5; j++ {
				if _, err := c.Execute(context.Background(), []byte("y"), 0); err != nil {
					done <- err
					return
				}
			}
			done <- nil
		}()
	}
	for i := 0; i < 4; i++ {
		if err := <-done; err != nil {
			t.Fatalf("client %d: %v", i, err)
		}
	}
}
