//go:build linux

// Package pool schedules execution requests onto a fixed set of pre-warmed
// sandboxed workers. A worker runs at most one job at a time; requests that
// find no idle worker wait in a bounded FIFO queue and are rejected once the
// queue is full.
package pool

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"boxd/internal/arena"
	"boxd/internal/observe"
	"boxd/internal/protocol"
	"boxd/internal/worker"
	appErr "boxd/pkg/errors"
	"boxd/pkg/utils/logger"

	"go.uber.org/zap"
)

// Runner is the pool's view of one live worker process.
type Runner interface {
	ID() uint32
	Send(protocol.Job) error
	Await() (protocol.JobResult, error)
	Kill() error
	Close() error
	MemoryPeak() uint64
	OOMKilled() bool
}

// Spawner produces confined workers on demand, both at startup and as
// replacements for crashed or recycled ones.
type Spawner interface {
	Spawn(ctx context.Context, id uint32) (Runner, error)
}

// SpawnerFunc adapts a function to the Spawner interface.
type SpawnerFunc func(ctx context.Context, id uint32) (Runner, error)

func (f SpawnerFunc) Spawn(ctx context.Context, id uint32) (Runner, error) { return f(ctx, id) }

// DenialSource reports and clears the syscall denial count a worker
// accumulated since the last job.
type DenialSource interface {
	Denials(workerID uint32) uint32
}

// Config carries the pool's tuning knobs.
type Config struct {
	Size           int           `yaml:"size"`
	RecycleAfter   uint32        `yaml:"recycleAfter"`
	QueueBound     int           `yaml:"queueBound"`
	DefaultTimeout time.Duration `yaml:"defaultTimeout"`
	ScanInterval   time.Duration `yaml:"scanInterval"`
	StdoutLimit    int           `yaml:"stdoutLimit"`
	StderrLimit    int           `yaml:"stderrLimit"`
}

// DefaultConfig mirrors the daemon defaults: four workers recycled every
// hundred jobs, deadlines checked on a 10ms sweep.
func DefaultConfig() Config {
	return Config{
		Size:           4,
		RecycleAfter:   100,
		QueueBound:     64,
		DefaultTimeout: 30 * time.Second,
		ScanInterval:   10 * time.Millisecond,
	}
}

// Validate rejects configurations the scheduler cannot operate under.
func (c Config) Validate() error {
	if c.Size <= 0 {
		return appErr.ConfigError("pool.size", "must be positive")
	}
	if c.RecycleAfter == 0 {
		return appErr.ConfigError("pool.recycleAfter", "must be positive")
	}
	if c.QueueBound < 0 {
		return appErr.ConfigError("pool.queueBound", "must not be negative")
	}
	if c.DefaultTimeout <= 0 {
		return appErr.ConfigError("pool.defaultTimeout", "must be positive")
	}
	return nil
}

// inflight binds one accepted request to its arena slot and its caller.
type inflight struct {
	correlationID string
	slot          int
	timeout       time.Duration
	deadline      time.Time
	started       time.Time
	ch            chan protocol.ExecuteResponse
	resolved      bool
}

type entry struct {
	runner    Runner
	state     worker.State
	execCount uint32
	job       *inflight
}

// Manager owns the worker table, the idle and pending queues, and the
// deadline monitor. All bookkeeping sits under one mutex; the hot path
// touches it twice per job (assign, complete).
type Manager struct {
	cfg    Config
	spawn  Spawner
	den    DenialSource
	arena  *arena.Arena
	nextID atomic.Uint32

	mu          sync.Mutex
	workers     map[uint32]*entry
	idle        []uint32
	pending     []*inflight
	inflightIDs map[string]struct{} // correlation ids currently accepted
	stopped     bool

	baseCtx context.Context
	cancel  context.CancelFunc
	started time.Time
	wg      sync.WaitGroup
}

// New wires the manager to its collaborators. Call Start before Submit.
func New(cfg Config, sp Spawner, den DenialSource, ar *arena.Arena) *Manager {
	if cfg.ScanInterval <= 0 {
		cfg.ScanInterval = 10 * time.Millisecond
	}
	if cfg.StdoutLimit <= 0 || cfg.StdoutLimit > ar.Geometry().MaxResponsePayload() {
		cfg.StdoutLimit = ar.Geometry().MaxResponsePayload() / 2
	}
	if cfg.StderrLimit <= 0 || cfg.StderrLimit > ar.Geometry().MaxResponsePayload() {
		cfg.StderrLimit = ar.Geometry().MaxResponsePayload() / 2
	}
	return &Manager{
		cfg:         cfg,
		spawn:       sp,
		den:         den,
		arena:       ar,
		workers:     make(map[uint32]*entry),
		inflightIDs: make(map[string]struct{}),
	}
}

// Start spawns the initial worker set synchronously. Individual spawn
// failures shrink the pool with a warning; a pool with zero healthy workers
// is a startup failure.
func (m *Manager) Start(ctx context.Context) error {
	m.baseCtx, m.cancel = context.WithCancel(ctx)
	m.started = time.Now()

	var lastErr error
	for i := 0; i < m.cfg.Size; i++ {
		id := m.nextID.Add(1)
		r, err := m.spawn.Spawn(m.baseCtx, id)
		if err != nil {
			lastErr = err
			logger.Warn(ctx, "worker failed to start", zap.Uint32("worker_id", id), zap.Error(err))
			continue
		}
		m.mu.Lock()
		m.workers[id] = &entry{runner: r, state: worker.StateIdle}
		m.idle = append(m.idle, id)
		m.mu.Unlock()
	}

	m.mu.Lock()
	healthy := len(m.workers)
	m.updateGauges()
	m.mu.Unlock()
	if healthy == 0 {
		return appErr.Wrapf(lastErr, appErr.SetupFailed, "no worker reached idle")
	}
	if healthy < m.cfg.Size {
		logger.Warn(ctx, "pool started degraded",
			zap.Int("healthy", healthy), zap.Int("configured", m.cfg.Size))
	}

	m.wg.Add(1)
	go m.monitorDeadlines()
	return nil
}

// Submit accepts one execution request and returns a channel that will carry
// exactly one response. Overload is reported as a response with status
// rejected, not as an error; errors are reserved for requests the pool
// cannot represent at all.
func (m *Manager) Submit(ctx context.Context, req protocol.ExecuteRequest) (<-chan protocol.ExecuteResponse, error) {
	if req.CorrelationID == "" {
		return nil, appErr.ValidationError("correlation_id", "must not be empty")
	}
	if len(req.Code) == 0 {
		return nil, appErr.ValidationError("code", "must not be empty")
	}
	if len(req.Code) > m.arena.Geometry().MaxRequestPayload() {
		return nil, appErr.Newf(appErr.CodeTooLarge, "code is %d bytes, slot holds %d",
			len(req.Code), m.arena.Geometry().MaxRequestPayload())
	}

	ch := make(chan protocol.ExecuteResponse, 1)

	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return nil, appErr.New(appErr.PoolStopped).WithMessage("pool is shut down")
	}
	// One in-flight job per correlation id; a duplicate would give two
	// workers and two slots the same owner.
	if _, dup := m.inflightIDs[req.CorrelationID]; dup {
		m.mu.Unlock()
		return nil, appErr.Newf(appErr.InvalidParams, "correlation id %q is already in flight", req.CorrelationID)
	}
	m.inflightIDs[req.CorrelationID] = struct{}{}
	m.mu.Unlock()

	slot, err := m.arena.Reserve(req.CorrelationID)
	if err != nil {
		// Slot exhaustion is backpressure, same as a full queue.
		m.forgetID(req.CorrelationID)
		ch <- rejected(req.CorrelationID, "no arena slot available")
		observe.Executions.WithLabelValues(string(protocol.StatusRejected)).Inc()
		return ch, nil
	}
	if err := m.arena.WriteRequest(slot, req.CorrelationID, req.Code); err != nil {
		m.arena.Reclaim(slot)
		m.forgetID(req.CorrelationID)
		return nil, err
	}

	timeout := m.cfg.DefaultTimeout
	if req.TimeoutMS > 0 {
		timeout = time.Duration(req.TimeoutMS) * time.Millisecond
	}
	inf := &inflight{
		correlationID: req.CorrelationID,
		slot:          slot,
		timeout:       timeout,
		ch:            ch,
	}

	m.mu.Lock()
	if m.stopped {
		delete(m.inflightIDs, req.CorrelationID)
		m.mu.Unlock()
		m.arena.Reclaim(slot)
		return nil, appErr.New(appErr.PoolStopped).WithMessage("pool is shut down")
	}
	if id, ok := m.popIdle(); ok {
		m.assignLocked(id, inf)
		m.updateGauges()
		m.mu.Unlock()
		return ch, nil
	}
	if len(m.pending) >= m.cfg.QueueBound {
		delete(m.inflightIDs, req.CorrelationID)
		m.updateGauges()
		m.mu.Unlock()
		m.arena.Reclaim(slot)
		ch <- rejected(req.CorrelationID, "queue full")
		observe.Executions.WithLabelValues(string(protocol.StatusRejected)).Inc()
		return ch, nil
	}
	m.pending = append(m.pending, inf)
	m.updateGauges()
	m.mu.Unlock()
	return ch, nil
}

// forgetID releases a correlation id for reuse.
func (m *Manager) forgetID(id string) {
	m.mu.Lock()
	delete(m.inflightIDs, id)
	m.mu.Unlock()
}

// setState moves a worker through its lifecycle. A move the state machine
// rejects is a pool bookkeeping bug, surfaced loudly instead of corrupting
// the tables.
func (m *Manager) setState(id uint32, e *entry, next worker.State) {
	if err := worker.Transition(&e.state, next); err != nil {
		logger.Error(m.baseCtx, "worker state bookkeeping error",
			zap.Uint32("worker_id", id), zap.Error(err))
	}
}

// popIdle takes the oldest idle worker, if any.
func (m *Manager) popIdle() (uint32, bool) {
	for len(m.idle) > 0 {
		id := m.idle[0]
		m.idle = m.idle[1:]
		if e, ok := m.workers[id]; ok && e.state == worker.StateIdle {
			return id, true
		}
	}
	return 0, false
}

// assignLocked moves a worker to busy and hands it the job. Caller holds mu.
func (m *Manager) assignLocked(id uint32, inf *inflight) {
	e := m.workers[id]
	m.setState(id, e, worker.StateBusy)
	e.job = inf
	inf.started = time.Now()
	inf.deadline = inf.started.Add(inf.timeout)

	job := protocol.Job{
		Slot:          inf.slot,
		CorrelationID: inf.correlationID,
		TimeoutMS:     uint64(inf.timeout / time.Millisecond),
		StdoutLimit:   m.cfg.StdoutLimit,
		StderrLimit:   m.cfg.StderrLimit,
	}
	r := e.runner
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		if err := r.Send(job); err != nil {
			m.complete(id, protocol.JobResult{}, err)
			return
		}
		res, err := r.Await()
		m.complete(id, res, err)
	}()
}

// complete resolves one job. Late results for already-resolved jobs (a
// worker answering after its deadline kill) are dropped.
func (m *Manager) complete(id uint32, res protocol.JobResult, err error) {
	m.mu.Lock()
	e, ok := m.workers[id]
	if !ok || e.job == nil || e.job.resolved {
		m.mu.Unlock()
		return
	}
	inf := e.job
	inf.resolved = true
	delete(m.inflightIDs, inf.correlationID)
	e.job = nil

	if err != nil {
		m.setState(id, e, worker.StateCrashed)
		delete(m.workers, id)
		m.updateGauges()
		m.mu.Unlock()
		m.arena.Reclaim(inf.slot)
		inf.ch <- crashed(inf.correlationID, err.Error())
		observe.Executions.WithLabelValues(string(protocol.StatusCrashed)).Inc()
		observe.WorkerCrashes.Inc()
		m.teardownAndReplace(id, e)
		return
	}

	resp := m.buildResponse(e, inf, res)
	e.execCount++
	recycle := e.execCount >= m.cfg.RecycleAfter
	if recycle {
		m.setState(id, e, worker.StateRecycling)
		delete(m.workers, id)
	} else {
		m.setState(id, e, worker.StateIdle)
		m.idle = append(m.idle, id)
		m.dispatchLocked()
	}
	m.updateGauges()
	m.mu.Unlock()

	inf.ch <- resp
	observe.Executions.WithLabelValues(string(resp.Status)).Inc()
	observe.JobDuration.Observe(time.Since(inf.started).Seconds())
	if recycle {
		observe.WorkerRecycles.Inc()
		logger.Info(m.baseCtx, "worker recycled",
			zap.Uint32("worker_id", id), zap.Uint32("jobs", e.execCount))
		m.teardownAndReplace(id, e)
	}
}

// buildResponse classifies the worker's report. A denial only changes the
// status when the workload itself failed; a job that shrugged off a denied
// syscall and exited cleanly completes, with the count on the result.
func (m *Manager) buildResponse(e *entry, inf *inflight, res protocol.JobResult) protocol.ExecuteResponse {
	ref := inf.slot
	if err := m.arena.MarkWritten(inf.slot, inf.correlationID); err != nil {
		// The slot was reclaimed out from under the job; the response must
		// not reference freed memory.
		ref = -1
	}

	var denials uint32
	if m.den != nil {
		denials = m.den.Denials(e.runner.ID())
	}
	status := protocol.StatusCompleted
	detail := res.Detail
	switch {
	case res.Failed:
		status = protocol.StatusCrashed
	case res.ExitCode != 0 && denials > 0:
		status = protocol.StatusDenied
	}
	if e.runner.OOMKilled() && detail == "" {
		detail = "memory limit exceeded"
	}
	return protocol.ExecuteResponse{
		CorrelationID:   inf.correlationID,
		Status:          status,
		StdoutRef:       ref,
		StderrRef:       ref,
		StdoutTruncated: res.StdoutTruncated,
		StderrTruncated: res.StderrTruncated,
		ExitCode:        res.ExitCode,
		DurationMS:      res.DurationMS,
		PeakMemoryBytes: e.runner.MemoryPeak(),
		DeniedSyscalls:  denials,
		Detail:          detail,
	}
}

// dispatchLocked feeds queued requests to idle workers. Caller holds mu.
func (m *Manager) dispatchLocked() {
	for len(m.pending) > 0 {
		id, ok := m.popIdle()
		if !ok {
			return
		}
		inf := m.pending[0]
		m.pending = m.pending[1:]
		m.assignLocked(id, inf)
	}
}

// monitorDeadlines is the sole authority for force-terminating overrunning
// jobs. It sweeps busy workers on a fixed interval; a passed deadline kills
// the worker process, not just the job, and only a confirmed reap frees the
// worker's resources for reuse.
func (m *Manager) monitorDeadlines() {
	defer m.wg.Done()
	ticker := time.NewTicker(m.cfg.ScanInterval)
	defer ticker.Stop()
	for {
		select {
		case <-m.baseCtx.Done():
			return
		case now := <-ticker.C:
			m.sweepDeadlines(now)
		}
	}
}

func (m *Manager) sweepDeadlines(now time.Time) {
	type victim struct {
		id uint32
		e  *entry
	}
	var victims []victim

	m.mu.Lock()
	for id, e := range m.workers {
		if e.state != worker.StateBusy || e.job == nil || e.job.resolved {
			continue
		}
		if now.Before(e.job.deadline) {
			continue
		}
		e.job.resolved = true
		delete(m.inflightIDs, e.job.correlationID)
		delete(m.workers, id)
		victims = append(victims, victim{id: id, e: e})
	}
	if len(victims) > 0 {
		m.updateGauges()
	}
	m.mu.Unlock()

	for _, v := range victims {
		inf := v.e.job
		v.e.job = nil
		// Kill waits for the reap; the slot and the worker's place in the
		// pool are only reused once the process is confirmed gone.
		v.e.runner.Kill()
		m.arena.Reclaim(inf.slot)
		inf.ch <- protocol.ExecuteResponse{
			CorrelationID: inf.correlationID,
			Status:        protocol.StatusTimedOut,
			StdoutRef:     -1,
			StderrRef:     -1,
			ExitCode:      -1,
			DurationMS:    uint64(inf.timeout / time.Millisecond),
			Detail:        "deadline exceeded",
		}
		observe.Executions.WithLabelValues(string(protocol.StatusTimedOut)).Inc()
		logger.Warn(m.baseCtx, "job deadline exceeded",
			zap.Uint32("worker_id", v.id),
			zap.String("correlation_id", inf.correlationID))
		m.teardownAndReplace(v.id, v.e)
	}
}

// MarkCrashed is the supervisor's crash callback. A worker already removed
// from the table is mid-teardown by another path and is ignored.
func (m *Manager) MarkCrashed(id uint32) {
	m.mu.Lock()
	e, ok := m.workers[id]
	if !ok {
		m.mu.Unlock()
		return
	}
	m.setState(id, e, worker.StateCrashed)
	delete(m.workers, id)
	var inf *inflight
	if e.job != nil && !e.job.resolved {
		e.job.resolved = true
		delete(m.inflightIDs, e.job.correlationID)
		inf = e.job
		e.job = nil
	}
	m.updateGauges()
	m.mu.Unlock()

	if inf != nil {
		m.arena.Reclaim(inf.slot)
		inf.ch <- crashed(inf.correlationID, "worker process died")
		observe.Executions.WithLabelValues(string(protocol.StatusCrashed)).Inc()
	}
	observe.WorkerCrashes.Inc()
	logger.Warn(m.baseCtx, "worker crashed", zap.Uint32("worker_id", id))
	m.teardownAndReplace(id, e)
}

// teardownAndReplace reaps a dead or condemned worker and spawns its
// replacement off the hot path. Replacement workers start with a fresh
// recycle counter.
func (m *Manager) teardownAndReplace(id uint32, e *entry) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		e.runner.Kill()
		e.runner.Close()
		m.setState(id, e, worker.StateTerminated)

		m.mu.Lock()
		stopped := m.stopped
		m.mu.Unlock()
		if stopped {
			return
		}

		for attempt := 0; attempt < 3; attempt++ {
			id := m.nextID.Add(1)
			nr, err := m.spawn.Spawn(m.baseCtx, id)
			if err == nil {
				m.mu.Lock()
				if m.stopped {
					m.mu.Unlock()
					nr.Kill()
					nr.Close()
					return
				}
				m.workers[id] = &entry{runner: nr, state: worker.StateIdle}
				m.idle = append(m.idle, id)
				m.dispatchLocked()
				m.updateGauges()
				m.mu.Unlock()
				return
			}
			logger.Warn(m.baseCtx, "replacement worker failed",
				zap.Uint32("worker_id", id), zap.Error(err))
			select {
			case <-m.baseCtx.Done():
				return
			case <-time.After(100 * time.Millisecond):
			}
		}
		logger.Error(m.baseCtx, "pool shrank, replacement attempts exhausted")
	}()
}

// Status snapshots the pool for the status operation and the admin surface.
func (m *Manager) Status() protocol.StatusInfo {
	m.mu.Lock()
	defer m.mu.Unlock()
	var busy int
	for _, e := range m.workers {
		if e.state == worker.StateBusy {
			busy++
		}
	}
	return protocol.StatusInfo{
		PoolSize:         m.cfg.Size,
		Healthy:          len(m.workers),
		Idle:             len(m.idle),
		Busy:             busy,
		QueueDepth:       len(m.pending),
		SlotsInUse:       m.arena.InUse(),
		RecycleThreshold: uint64(m.cfg.RecycleAfter),
		UptimeMS:         uint64(time.Since(m.started) / time.Millisecond),
	}
}

// Stop rejects queued work, kills every worker, and waits for bookkeeping
// goroutines to drain.
func (m *Manager) Stop() {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return
	}
	m.stopped = true
	pending := m.pending
	m.pending = nil
	m.inflightIDs = make(map[string]struct{})
	type condemned struct {
		id uint32
		e  *entry
	}
	workers := make([]condemned, 0, len(m.workers))
	for id, e := range m.workers {
		workers = append(workers, condemned{id: id, e: e})
		delete(m.workers, id)
	}
	m.idle = nil
	m.updateGauges()
	m.mu.Unlock()

	for _, inf := range pending {
		if inf.resolved {
			continue
		}
		inf.resolved = true
		m.arena.Reclaim(inf.slot)
		inf.ch <- rejected(inf.correlationID, "daemon shutting down")
	}
	for _, c := range workers {
		if c.e.job != nil && !c.e.job.resolved {
			c.e.job.resolved = true
			m.arena.Reclaim(c.e.job.slot)
			c.e.job.ch <- crashed(c.e.job.correlationID, "daemon shutting down")
		}
		c.e.runner.Kill()
		c.e.runner.Close()
		m.setState(c.id, c.e, worker.StateTerminated)
	}
	if m.cancel != nil {
		m.cancel()
	}
	m.wg.Wait()
}

// updateGauges refreshes the pool gauges. Caller holds mu.
func (m *Manager) updateGauges() {
	var idle, busy int
	for _, e := range m.workers {
		switch e.state {
		case worker.StateIdle:
			idle++
		case worker.StateBusy:
			busy++
		}
	}
	observe.WorkersIdle.Set(float64(idle))
	observe.WorkersBusy.Set(float64(busy))
	observe.QueueDepth.Set(float64(len(m.pending)))
}

func rejected(correlationID, detail string) protocol.ExecuteResponse {
	return protocol.ExecuteResponse{
		CorrelationID: correlationID,
		Status:        protocol.StatusRejected,
		StdoutRef:     -1,
		StderrRef:     -1,
		ExitCode:      -1,
		Detail:        detail,
	}
}

func crashed(correlationID, detail string) protocol.ExecuteResponse {
	return protocol.ExecuteResponse{
		CorrelationID: correlationID,
		Status:        protocol.StatusCrashed,
		StdoutRef:     -1,
		StderrRef:     -1,
		ExitCode:      -1,
		Detail:        detail,
	}
}
