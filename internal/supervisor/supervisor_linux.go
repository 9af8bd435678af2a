//go:build linux

package supervisor

import (
	"context"
	"errors"
	"sync"
	"time"

	"boxd/internal/observe"
	appErr "boxd/pkg/errors"
	"boxd/pkg/utils/logger"

	seccomp "github.com/seccomp/libseccomp-golang"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

// CrashFunc notifies the pool that a worker violated the notification
// protocol or vanished. Called off the event loop.
type CrashFunc func(workerID uint32)

type workerEntry struct {
	id uint32
	fd seccomp.ScmpFd
}

// Supervisor multiplexes every worker's seccomp notify fd through one epoll
// instance and answers each event synchronously. No verdict ever depends on
// anything a worker produces, so per-notification latency is bounded.
type Supervisor struct {
	policy  Policy
	onCrash CrashFunc

	epfd int

	mu      sync.Mutex
	workers map[int]workerEntry // epoll key (raw fd) -> entry
	denials map[uint32]uint32   // worker id -> denials since last reset
}

// New creates the supervisor with its epoll instance.
func New(policy Policy, onCrash CrashFunc) (*Supervisor, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, appErr.Wrapf(err, appErr.Internal, "epoll_create1 failed")
	}
	return &Supervisor{
		policy:  policy,
		onCrash: onCrash,
		epfd:    epfd,
		workers: make(map[int]workerEntry),
		denials: make(map[uint32]uint32),
	}, nil
}

// Register adds a worker's notify fd to the wait set.
func (s *Supervisor) Register(workerID uint32, fd seccomp.ScmpFd) error {
	s.mu.Lock()
	s.workers[int(fd)] = workerEntry{id: workerID, fd: fd}
	s.mu.Unlock()

	ev := unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(fd)}
	if err := unix.EpollCtl(s.epfd, unix.EPOLL_CTL_ADD, int(fd), &ev); err != nil {
		s.mu.Lock()
		delete(s.workers, int(fd))
		s.mu.Unlock()
		return appErr.Wrapf(err, appErr.Internal, "register notify fd failed")
	}
	return nil
}

// Unregister removes a worker's notify fd, typically during recycle or after
// termination. Safe to call for an fd that was already dropped.
func (s *Supervisor) Unregister(fd seccomp.ScmpFd) {
	_ = unix.EpollCtl(s.epfd, unix.EPOLL_CTL_DEL, int(fd), nil)
	s.mu.Lock()
	delete(s.workers, int(fd))
	s.mu.Unlock()
}

// Denials returns and clears the denial count for a worker. The pool calls
// this at job completion to surface denials in the result.
func (s *Supervisor) Denials(workerID uint32) uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := s.denials[workerID]
	delete(s.denials, workerID)
	return n
}

// Run processes notification events until the context is cancelled.
func (s *Supervisor) Run(ctx context.Context) error {
	events := make([]unix.EpollEvent, 64)
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		n, err := unix.EpollWait(s.epfd, events, int((500 * time.Millisecond).Milliseconds()))
		if err != nil {
			if errors.Is(err, unix.EINTR) {
				continue
			}
			return appErr.Wrapf(err, appErr.Internal, "epoll_wait failed")
		}
		for i := 0; i < n; i++ {
			s.handleEvent(ctx, int(events[i].Fd), events[i].Events)
		}
	}
}

func (s *Supervisor) handleEvent(ctx context.Context, fd int, evs uint32) {
	s.mu.Lock()
	entry, ok := s.workers[fd]
	s.mu.Unlock()
	if !ok {
		return
	}

	if evs&(unix.EPOLLHUP|unix.EPOLLERR) != 0 {
		s.workerGone(ctx, entry)
		return
	}

	req, err := seccomp.NotifReceive(entry.fd)
	if err != nil {
		// ENOENT means the worker died between the event and the read;
		// anything else is a protocol violation on the channel.
		if errors.Is(err, unix.ENOENT) {
			return
		}
		s.workerGone(ctx, entry)
		return
	}

	verdict, errno := s.policy.Decide(req.Data.Syscall)
	resp := &seccomp.ScmpNotifResp{ID: req.ID}
	if verdict == VerdictDeny {
		resp.Error = -errno
		s.mu.Lock()
		s.denials[entry.id]++
		s.mu.Unlock()
	} else {
		resp.Flags = seccomp.NotifRespFlagContinue
	}

	// Guard against the notification id being recycled under us.
	if err := seccomp.NotifIDValid(entry.fd, req.ID); err != nil {
		return
	}
	if err := seccomp.NotifRespond(entry.fd, resp); err != nil {
		if errors.Is(err, unix.ENOENT) {
			return
		}
		s.workerGone(ctx, entry)
		return
	}

	name, nameErr := req.Data.Syscall.GetName()
	if nameErr != nil {
		name = "unknown"
	}
	observe.SyscallVerdicts.WithLabelValues(verdict.String()).Inc()
	// Audit event; a logging failure must never affect the verdict, and the
	// logger wrapper already swallows sink errors.
	logger.Debug(ctx, "syscall verdict",
		zap.Uint32("worker_id", entry.id),
		zap.String("syscall", name),
		zap.String("verdict", verdict.String()),
	)
}

func (s *Supervisor) workerGone(ctx context.Context, entry workerEntry) {
	s.Unregister(entry.fd)
	logger.Warn(ctx, "worker notification channel lost", zap.Uint32("worker_id", entry.id))
	if s.onCrash != nil {
		go s.onCrash(entry.id)
	}
}

// Close tears down the epoll instance.
func (s *Supervisor) Close() error {
	return unix.Close(s.epfd)
}
