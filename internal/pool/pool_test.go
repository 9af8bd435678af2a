//go:build linux

package pool

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"boxd/internal/arena"
	"boxd/internal/protocol"
	appErr "boxd/pkg/errors"
)

// fakeRunner stands in for a worker process. Jobs complete only when the
// test says so, which makes scheduling order observable.
type fakeRunner struct {
	id     uint32
	view   *arena.View
	jobs   chan protocol.Job
	done   chan protocol.JobResult
	failed chan error
	killed chan struct{}

	mu       sync.Mutex
	killOnce bool
}

func newFakeRunner(id uint32, ar *arena.Arena) *fakeRunner {
	view, err := arena.MapView(ar.File(), ar.Geometry(), true)
	if err != nil {
		panic(err)
	}
	return &fakeRunner{
		id:     id,
		view:   view,
		jobs:   make(chan protocol.Job, 8),
		done:   make(chan protocol.JobResult, 8),
		failed: make(chan error, 1),
		killed: make(chan struct{}),
	}
}

func (f *fakeRunner) ID() uint32                { return f.id }
func (f *fakeRunner) Send(j protocol.Job) error { f.jobs <- j; return nil }
func (f *fakeRunner) MemoryPeak() uint64        { return 4096 }
func (f *fakeRunner) OOMKilled() bool           { return false }
func (f *fakeRunner) Close() error              { f.view.Close(); return nil }

func (f *fakeRunner) Await() (protocol.JobResult, error) {
	select {
	case res := <-f.done:
		return res, nil
	case err := <-f.failed:
		return protocol.JobResult{}, err
	case <-f.killed:
		return protocol.JobResult{}, appErr.New(appErr.WorkerCrashed)
	}
}

func (f *fakeRunner) Kill() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.killOnce {
		f.killOnce = true
		close(f.killed)
	}
	return nil
}

func (f *fakeRunner) wasKilled() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.killOnce
}

// nextJob returns the job the pool handed this runner, or fails the test.
func (f *fakeRunner) nextJob(t *testing.T) protocol.Job {
	t.Helper()
	select {
	case j := <-f.jobs:
		return j
	case <-time.After(2 * time.Second):
		t.Fatal("no job arrived")
		return protocol.Job{}
	}
}

// hasJob reports whether a job is waiting without consuming it.
func (f *fakeRunner) hasJob() bool { return len(f.jobs) > 0 }

// complete writes output into the job's response slot and reports success.
func (f *fakeRunner) complete(t *testing.T, job protocol.Job, stdout string, exitCode int) {
	t.Helper()
	payload, err := protocol.EncodeStreams([]byte(stdout), nil)
	if err != nil {
		t.Fatalf("encode streams: %v", err)
	}
	if _, err := f.view.WriteResponse(job.Slot, payload); err != nil {
		t.Fatalf("write response: %v", err)
	}
	f.done <- protocol.JobResult{
		Slot:          job.Slot,
		CorrelationID: job.CorrelationID,
		ExitCode:      exitCode,
		DurationMS:    1,
	}
}

type fakeSpawner struct {
	mu      sync.Mutex
	arena   *arena.Arena
	runners []*fakeRunner
	fail    int // fail the first N spawns
}

func (s *fakeSpawner) Spawn(ctx context.Context, id uint32) (Runner, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail > 0 {
		s.fail--
		return nil, appErr.New(appErr.WorkerSpawnFailed)
	}
	r := newFakeRunner(id, s.arena)
	s.runners = append(s.runners, r)
	return r, nil
}

func (s *fakeSpawner) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.runners)
}

func (s *fakeSpawner) runner(i int) *fakeRunner {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.runners[i]
}

type fakeDenials struct {
	mu sync.Mutex
	m  map[uint32]uint32
}

func (d *fakeDenials) Denials(id uint32) uint32 {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := d.m[id]
	delete(d.m, id)
	return n
}

func (d *fakeDenials) set(id, n uint32) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.m == nil {
		d.m = map[uint32]uint32{}
	}
	d.m[id] = n
}

func testArena(t *testing.T) *arena.Arena {
	t.Helper()
	ar, err := arena.New(arena.Geometry{Slots: 8, RequestSlotSize: 256, ResponseSlotSize: 512})
	if err != nil {
		t.Fatalf("new arena: %v", err)
	}
	t.Cleanup(func() { ar.Close() })
	return ar
}

func startPool(t *testing.T, cfg Config, ar *arena.Arena) (*Manager, *fakeSpawner, *fakeDenials) {
	t.Helper()
	sp := &fakeSpawner{arena: ar}
	den := &fakeDenials{}
	m := New(cfg, sp, den, ar)
	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("start pool: %v", err)
	}
	t.Cleanup(m.Stop)
	return m, sp, den
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func recvResponse(t *testing.T, ch <-chan protocol.ExecuteResponse) protocol.ExecuteResponse {
	t.Helper()
	select {
	case resp := <-ch:
		return resp
	case <-time.After(2 * time.Second):
		t.Fatal("no response arrived")
		return protocol.ExecuteResponse{}
	}
}

func baseConfig() Config {
	cfg := DefaultConfig()
	cfg.Size = 1
	cfg.QueueBound = 4
	cfg.ScanInterval = 5 * time.Millisecond
	return cfg
}

func TestSubmitRoundTrip(t *testing.T) {
	ar := testArena(t)
	m, sp, den := startPool(t, baseConfig(), ar)

	ch, err := m.Submit(context.Background(), protocol.ExecuteRequest{
		CorrelationID: "job-1",
		Code:          []byte(`print("hi")`),
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	r := sp.runner(0)
	job := r.nextJob(t)
	if job.CorrelationID != "job-1" {
		t.Fatalf("job correlation = %q", job.CorrelationID)
	}
	den.set(r.id, 0)
	r.complete(t, job, "hi\n", 0)

	resp := recvResponse(t, ch)
	if resp.Status != protocol.StatusCompleted {
		t.Fatalf("status = %s, want completed", resp.Status)
	}
	if resp.StdoutRef != job.Slot || resp.StderrRef != job.Slot {
		t.Fatalf("refs = %d/%d, want %d", resp.StdoutRef, resp.StderrRef, job.Slot)
	}
	if resp.ExitCode != 0 || resp.PeakMemoryBytes != 4096 {
		t.Fatalf("resp = %+v", resp)
	}
	if ar.SlotState(job.Slot) != arena.SlotWritten {
		t.Fatalf("slot state = %s, want written", ar.SlotState(job.Slot))
	}

	payload, err := ar.ReadResponse(job.Slot, "job-1")
	if err != nil {
		t.Fatalf("read response: %v", err)
	}
	streams, err := protocol.DecodeStreams(payload)
	if err != nil {
		t.Fatalf("decode streams: %v", err)
	}
	if string(streams.Stdout) != "hi\n" {
		t.Fatalf("stdout = %q", streams.Stdout)
	}
}

func TestOneJobPerWorkerAndFIFODispatch(t *testing.T) {
	ar := testArena(t)
	m, sp, _ := startPool(t, baseConfig(), ar)
	r := sp.runner(0)

	var chans []<-chan protocol.ExecuteResponse
	for i := 0; i < 3; i++ {
		ch, err := m.Submit(context.Background(), protocol.ExecuteRequest{
			CorrelationID: fmt.Sprintf("job-%d", i),
			Code:          []byte("x"),
		})
		if err != nil {
			t.Fatalf("submit %d: %v", i, err)
		}
		chans = append(chans, ch)
	}

	first := r.nextJob(t)
	if first.CorrelationID != "job-0" {
		t.Fatalf("first job = %q, want job-0", first.CorrelationID)
	}
	// The worker is busy; nothing else may be dispatched to it.
	time.Sleep(20 * time.Millisecond)
	if r.hasJob() {
		t.Fatal("second job dispatched to a busy worker")
	}

	r.complete(t, first, "", 0)
	recvResponse(t, chans[0])

	second := r.nextJob(t)
	if second.CorrelationID != "job-1" {
		t.Fatalf("second job = %q, want job-1 (FIFO)", second.CorrelationID)
	}
	r.complete(t, second, "", 0)
	recvResponse(t, chans[1])

	third := r.nextJob(t)
	if third.CorrelationID != "job-2" {
		t.Fatalf("third job = %q, want job-2 (FIFO)", third.CorrelationID)
	}
	r.complete(t, third, "", 0)
	recvResponse(t, chans[2])
}

func TestQueueOverflowRejects(t *testing.T) {
	ar := testArena(t)
	cfg := baseConfig()
	cfg.QueueBound = 1
	m, sp, _ := startPool(t, cfg, ar)
	r := sp.runner(0)

	chBusy, err := m.Submit(context.Background(), protocol.ExecuteRequest{CorrelationID: "busy", Code: []byte("x")})
	if err != nil {
		t.Fatalf("submit busy: %v", err)
	}
	job := r.nextJob(t)

	if _, err := m.Submit(context.Background(), protocol.ExecuteRequest{CorrelationID: "queued", Code: []byte("x")}); err != nil {
		t.Fatalf("submit queued: %v", err)
	}

	chOver, err := m.Submit(context.Background(), protocol.ExecuteRequest{CorrelationID: "over", Code: []byte("x")})
	if err != nil {
		t.Fatalf("submit over: %v", err)
	}
	resp := recvResponse(t, chOver)
	if resp.Status != protocol.StatusRejected {
		t.Fatalf("status = %s, want rejected", resp.Status)
	}

	r.complete(t, job, "", 0)
	recvResponse(t, chBusy)
}

func TestCodeTooLargeRejectedUpfront(t *testing.T) {
	ar := testArena(t)
	m, _, _ := startPool(t, baseConfig(), ar)

	big := make([]byte, ar.Geometry().MaxRequestPayload()+1)
	_, err := m.Submit(context.Background(), protocol.ExecuteRequest{CorrelationID: "big", Code: big})
	if err == nil {
		t.Fatal("oversized code accepted")
	}
	if appErr.GetCode(err) != appErr.CodeTooLarge {
		t.Fatalf("code = %d, want CodeTooLarge", appErr.GetCode(err))
	}
}

func TestRecycleAfterThreshold(t *testing.T) {
	ar := testArena(t)
	cfg := baseConfig()
	cfg.RecycleAfter = 2
	m, sp, _ := startPool(t, cfg, ar)
	r := sp.runner(0)

	for i := 0; i < 2; i++ {
		ch, err := m.Submit(context.Background(), protocol.ExecuteRequest{
			CorrelationID: fmt.Sprintf("job-%d", i),
			Code:          []byte("x"),
		})
		if err != nil {
			t.Fatalf("submit %d: %v", i, err)
		}
		job := r.nextJob(t)
		r.complete(t, job, "", 0)
		resp := recvResponse(t, ch)
		if resp.Status != protocol.StatusCompleted {
			t.Fatalf("status = %s", resp.Status)
		}
	}

	waitFor(t, "replacement spawn", func() bool { return sp.count() == 2 })
	waitFor(t, "old worker killed", r.wasKilled)

	// The replacement serves jobs with a fresh counter.
	ch, err := m.Submit(context.Background(), protocol.ExecuteRequest{CorrelationID: "after", Code: []byte("x")})
	if err != nil {
		t.Fatalf("submit after recycle: %v", err)
	}
	r2 := sp.runner(1)
	job := r2.nextJob(t)
	r2.complete(t, job, "", 0)
	recvResponse(t, ch)
}

func TestCrashMidJobResolvesAndReplaces(t *testing.T) {
	ar := testArena(t)
	m, sp, _ := startPool(t, baseConfig(), ar)
	r := sp.runner(0)

	ch, err := m.Submit(context.Background(), protocol.ExecuteRequest{CorrelationID: "doomed", Code: []byte("x")})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	job := r.nextJob(t)

	r.failed <- appErr.New(appErr.WorkerCrashed)

	resp := recvResponse(t, ch)
	if resp.Status != protocol.StatusCrashed {
		t.Fatalf("status = %s, want crashed", resp.Status)
	}
	if ar.SlotState(job.Slot) != arena.SlotFree {
		t.Fatalf("crashed job slot = %s, want free", ar.SlotState(job.Slot))
	}
	waitFor(t, "replacement spawn", func() bool { return sp.count() == 2 })
}

func TestDeadlineKillsWorkerProcess(t *testing.T) {
	ar := testArena(t)
	cfg := baseConfig()
	cfg.DefaultTimeout = 30 * time.Millisecond
	m, sp, _ := startPool(t, cfg, ar)
	r := sp.runner(0)

	ch, err := m.Submit(context.Background(), protocol.ExecuteRequest{CorrelationID: "slow", Code: []byte("x")})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	job := r.nextJob(t)

	resp := recvResponse(t, ch)
	if resp.Status != protocol.StatusTimedOut {
		t.Fatalf("status = %s, want timed_out", resp.Status)
	}
	if !r.wasKilled() {
		t.Fatal("overrunning worker must be force-terminated")
	}
	if ar.SlotState(job.Slot) != arena.SlotFree {
		t.Fatalf("timed-out job slot = %s, want free", ar.SlotState(job.Slot))
	}
	waitFor(t, "replacement spawn", func() bool { return sp.count() == 2 })
}

func TestTimeoutOverridePerRequest(t *testing.T) {
	ar := testArena(t)
	cfg := baseConfig()
	cfg.DefaultTimeout = time.Hour
	m, sp, _ := startPool(t, cfg, ar)
	r := sp.runner(0)

	ch, err := m.Submit(context.Background(), protocol.ExecuteRequest{
		CorrelationID: "quick-deadline",
		Code:          []byte("x"),
		TimeoutMS:     25,
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	r.nextJob(t)
	resp := recvResponse(t, ch)
	if resp.Status != protocol.StatusTimedOut {
		t.Fatalf("status = %s, want timed_out", resp.Status)
	}
}

func TestDeniedClassification(t *testing.T) {
	ar := testArena(t)
	m, sp, den := startPool(t, baseConfig(), ar)
	r := sp.runner(0)

	// Denial with a clean exit stays completed; the count still surfaces.
	ch, _ := m.Submit(context.Background(), protocol.ExecuteRequest{CorrelationID: "soft", Code: []byte("x")})
	job := r.nextJob(t)
	den.set(r.id, 2)
	r.complete(t, job, "", 0)
	resp := recvResponse(t, ch)
	if resp.Status != protocol.StatusCompleted || resp.DeniedSyscalls != 2 {
		t.Fatalf("resp = %+v, want completed with 2 denials", resp)
	}

	// Denial plus a failing exit is classified as denied.
	ch, _ = m.Submit(context.Background(), protocol.ExecuteRequest{CorrelationID: "hard", Code: []byte("x")})
	job = r.nextJob(t)
	den.set(r.id, 1)
	r.complete(t, job, "", 1)
	resp = recvResponse(t, ch)
	if resp.Status != protocol.StatusDenied {
		t.Fatalf("status = %s, want denied", resp.Status)
	}
}

func TestCrashedIdleWorkerReplaced(t *testing.T) {
	ar := testArena(t)
	m, sp, _ := startPool(t, baseConfig(), ar)

	m.MarkCrashed(sp.runner(0).id)
	waitFor(t, "replacement spawn", func() bool { return sp.count() == 2 })

	ch, err := m.Submit(context.Background(), protocol.ExecuteRequest{CorrelationID: "after-crash", Code: []byte("x")})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	r2 := sp.runner(1)
	job := r2.nextJob(t)
	r2.complete(t, job, "", 0)
	recvResponse(t, ch)
}

func TestPartialStartDegrades(t *testing.T) {
	ar := testArena(t)
	cfg := baseConfig()
	cfg.Size = 3
	sp := &fakeSpawner{arena: ar, fail: 1}
	m := New(cfg, sp, &fakeDenials{}, ar)
	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("partial start must succeed: %v", err)
	}
	t.Cleanup(m.Stop)
	if got := m.Status().Healthy; got != 2 {
		t.Fatalf("healthy = %d, want 2", got)
	}
}

func TestAllSpawnsFailingIsFatal(t *testing.T) {
	ar := testArena(t)
	cfg := baseConfig()
	cfg.Size = 2
	sp := &fakeSpawner{arena: ar, fail: 2}
	m := New(cfg, sp, &fakeDenials{}, ar)
	if err := m.Start(context.Background()); err == nil {
		m.Stop()
		t.Fatal("zero healthy workers must fail startup")
	}
}

func TestStatusSnapshot(t *testing.T) {
	ar := testArena(t)
	cfg := baseConfig()
	cfg.Size = 2
	m, sp, _ := startPool(t, cfg, ar)

	if _, err := m.Submit(context.Background(), protocol.ExecuteRequest{CorrelationID: "s", Code: []byte("x")}); err != nil {
		t.Fatalf("submit: %v", err)
	}
	waitFor(t, "one busy worker", func() bool { return m.Status().Busy == 1 })

	info := m.Status()
	if info.PoolSize != 2 || info.Healthy != 2 || info.Idle != 1 {
		t.Fatalf("status = %+v", info)
	}
	if info.SlotsInUse != 1 {
		t.Fatalf("slots in use = %d", info.SlotsInUse)
	}

	// Drain so Stop does not report the job as interrupted.
	for i := 0; i < sp.count(); i++ {
		r := sp.runner(i)
		if r.hasJob() {
			r.complete(t, r.nextJob(t), "", 0)
		}
	}
}

func TestSubmitAfterStop(t *testing.T) {
	ar := testArena(t)
	m, _, _ := startPool(t, baseConfig(), ar)
	m.Stop()
	_, err := m.Submit(context.Background(), protocol.ExecuteRequest{CorrelationID: "late", Code: []byte("x")})
	if err == nil {
		t.Fatal("submit after stop must fail")
	}
	if appErr.GetCode(err) != appErr.PoolStopped {
		t.Fatalf("code = %d, want PoolStopped", appErr.GetCode(err))
	}
}

func TestDuplicateCorrelationIDRejected(t *testing.T) {
	ar := testArena(t)
	m, sp, _ := startPool(t, baseConfig(), ar)

	ch, err := m.Submit(context.Background(), protocol.ExecuteRequest{CorrelationID: "dup", Code: []byte("x")})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	_, err = m.Submit(context.Background(), protocol.ExecuteRequest{CorrelationID: "dup", Code: []byte("y")})
	if err == nil {
		t.Fatal("duplicate correlation id must be rejected while the first is in flight")
	}
	if appErr.GetCode(err) != appErr.InvalidParams {
		t.Fatalf("code = %d, want InvalidParams", appErr.GetCode(err))
	}

	r := sp.runner(0)
	r.complete(t, r.nextJob(t), "", 0)
	if resp := recvResponse(t, ch); resp.Status != protocol.StatusCompleted {
		t.Fatalf("status = %s, want completed", resp.Status)
	}

	// The id is free for reuse once its job resolved.
	ch2, err := m.Submit(context.Background(), protocol.ExecuteRequest{CorrelationID: "dup", Code: []byte("z")})
	if err != nil {
		t.Fatalf("resubmit after completion: %v", err)
	}
	r.complete(t, r.nextJob(t), "", 0)
	if resp := recvResponse(t, ch2); resp.Status != protocol.StatusCompleted {
		t.Fatalf("second status = %s, want completed", resp.Status)
	}
}

func TestEmptyCorrelationIDRejected(t *testing.T) {
	ar := testArena(t)
	m, _, _ := startPool(t, baseConfig(), ar)

	_, err := m.Submit(context.Background(), protocol.ExecuteRequest{Code: []byte("x")})
	if err == nil {
		t.Fatal("empty correlation id must be rejected")
	}
}

func TestReclaimedSlotDropsResponseRefs(t *testing.T) {
	ar := testArena(t)
	m, sp, _ := startPool(t, baseConfig(), ar)

	ch, err := m.Submit(context.Background(), protocol.ExecuteRequest{CorrelationID: "raced", Code: []byte("x")})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	r := sp.runner(0)
	job := r.nextJob(t)
	ar.Reclaim(job.Slot)
	r.complete(t, job, "late", 0)

	resp := recvResponse(t, ch)
	if resp.Status != protocol.StatusCompleted {
		t.Fatalf("status = %s, want completed", resp.Status)
	}
	if resp.StdoutRef != -1 || resp.StderrRef != -1 {
		t.Fatalf("refs = %d/%d, must not reference a reclaimed slot", resp.StdoutRef, resp.StderrRef)
	}
}
