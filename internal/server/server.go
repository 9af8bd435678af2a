//go:build linux

// Package server exposes the pool over a unix domain socket. The first frame
// on every connection is a hello carrying the arena memfd as SCM_RIGHTS; all
// later frames are length-prefixed CBOR envelopes.
package server

import (
	"context"
	"errors"
	"io"
	"net"
	"os"
	"sync"

	"boxd/internal/arena"
	"boxd/internal/pool"
	"boxd/internal/protocol"
	appErr "boxd/pkg/errors"
	"boxd/pkg/utils/contextkey"
	"boxd/pkg/utils/logger"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

// Server accepts client connections and moves envelopes between clients and
// the pool.
type Server struct {
	socketPath string
	pool       *pool.Manager
	arena      *arena.Arena

	mu     sync.Mutex
	ln     *net.UnixListener
	conns  map[*net.UnixConn]struct{}
	closed bool
}

// New builds a server for an already-started pool.
func New(socketPath string, p *pool.Manager, ar *arena.Arena) *Server {
	return &Server{
		socketPath: socketPath,
		pool:       p,
		arena:      ar,
		conns:      make(map[*net.UnixConn]struct{}),
	}
}

// Listen binds the socket, replacing a stale file from a previous run.
func (s *Server) Listen() error {
	if err := os.Remove(s.socketPath); err != nil && !os.IsNotExist(err) {
		return appErr.Wrapf(err, appErr.Internal, "remove stale socket %s", s.socketPath)
	}
	ln, err := net.ListenUnix("unix", &net.UnixAddr{Name: s.socketPath, Net: "unix"})
	if err != nil {
		return appErr.Wrapf(err, appErr.Internal, "listen on %s", s.socketPath)
	}
	s.mu.Lock()
	s.ln = ln
	s.mu.Unlock()
	return nil
}

// Serve accepts connections until Shutdown closes the listener.
func (s *Server) Serve(ctx context.Context) error {
	for {
		conn, err := s.ln.AcceptUnix()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			return appErr.Wrapf(err, appErr.Internal, "accept failed")
		}
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			conn.Close()
			return nil
		}
		s.conns[conn] = struct{}{}
		s.mu.Unlock()
		go s.handleConn(ctx, conn)
	}
}

// Shutdown stops accepting and closes every live connection.
func (s *Server) Shutdown() {
	s.mu.Lock()
	s.closed = true
	ln := s.ln
	conns := make([]*net.UnixConn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	if ln != nil {
		ln.Close()
	}
	for _, c := range conns {
		c.Close()
	}
	os.Remove(s.socketPath)
}

func (s *Server) dropConn(conn *net.UnixConn) {
	s.mu.Lock()
	delete(s.conns, conn)
	s.mu.Unlock()
	conn.Close()
}

// connState tracks what one connection owes the arena: slots delivered in
// results but not yet released. A vanished client must not leak slots.
type connState struct {
	conn *net.UnixConn
	wmu  sync.Mutex
	mu   sync.Mutex
	owed map[int]string // slot -> correlation id
	wg   sync.WaitGroup
}

func (cs *connState) writeEnvelope(env *protocol.Envelope) error {
	cs.wmu.Lock()
	defer cs.wmu.Unlock()
	return protocol.WriteFrame(cs.conn, env)
}

func (cs *connState) owe(slot int, correlationID string) {
	cs.mu.Lock()
	cs.owed[slot] = correlationID
	cs.mu.Unlock()
}

func (cs *connState) settle(slot int) (string, bool) {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	id, ok := cs.owed[slot]
	if ok {
		delete(cs.owed, slot)
	}
	return id, ok
}

func (s *Server) handleConn(ctx context.Context, conn *net.UnixConn) {
	ctx = context.WithValue(ctx, contextkey.ClientConn, conn.RemoteAddr().String())
	defer s.dropConn(conn)

	cs := &connState{conn: conn, owed: make(map[int]string)}
	defer func() {
		// Wait for in-flight result writers, then reclaim anything the
		// client never released.
		cs.wg.Wait()
		cs.mu.Lock()
		for slot := range cs.owed {
			s.arena.Reclaim(slot)
		}
		cs.mu.Unlock()
	}()

	if err := s.sendHello(cs); err != nil {
		logger.Warn(ctx, "hello failed", zap.Error(err))
		return
	}

	for {
		var env protocol.Envelope
		if err := protocol.ReadFrame(conn, &env); err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				logger.Warn(ctx, "connection read failed", zap.Error(err))
			}
			return
		}
		if err := validateEnvelope(&env); err != nil {
			// A malformed envelope kills this connection and only this
			// connection.
			s.sendError(cs, err)
			logger.Warn(ctx, "protocol violation", zap.Error(err))
			return
		}

		switch env.Type {
		case protocol.MsgExecute:
			if err := s.handleExecute(ctx, cs, env.Execute); err != nil {
				s.sendError(cs, err)
			}
		case protocol.MsgStatus:
			info := s.pool.Status()
			cs.writeEnvelope(&protocol.Envelope{Type: protocol.MsgStatusInfo, Status: &info})
		case protocol.MsgPing:
			cs.writeEnvelope(&protocol.Envelope{Type: protocol.MsgPong})
		case protocol.MsgRelease:
			s.handleRelease(cs, env.Release)
		}
	}
}

// sendHello advertises the protocol version and arena geometry, with the
// arena memfd riding along as ancillary data so the client can map it.
func (s *Server) sendHello(cs *connState) error {
	geo := s.arena.Geometry()
	env := protocol.Envelope{
		Type: protocol.MsgHello,
		Hello: &protocol.Hello{
			Version:          protocol.Version,
			ArenaSlots:       geo.Slots,
			RequestSlotSize:  geo.RequestSlotSize,
			ResponseSlotSize: geo.ResponseSlotSize,
		},
	}
	var buf frameBuffer
	if err := protocol.WriteFrame(&buf, &env); err != nil {
		return err
	}
	rights := unix.UnixRights(int(s.arena.File().Fd()))
	cs.wmu.Lock()
	defer cs.wmu.Unlock()
	_, _, err := cs.conn.WriteMsgUnix(buf.b, rights, nil)
	return err
}

func (s *Server) handleExecute(ctx context.Context, cs *connState, req *protocol.ExecuteRequest) error {
	if req.CorrelationID == "" {
		req.CorrelationID = uuid.NewString()
	}
	ctx = context.WithValue(ctx, contextkey.CorrelationID, req.CorrelationID)

	ch, err := s.pool.Submit(ctx, *req)
	if err != nil {
		return err
	}
	cs.wg.Add(1)
	go func() {
		defer cs.wg.Done()
		resp := <-ch
		if resp.StdoutRef >= 0 {
			cs.owe(resp.StdoutRef, resp.CorrelationID)
		}
		if err := cs.writeEnvelope(&protocol.Envelope{Type: protocol.MsgResult, Result: &resp}); err != nil {
			// Client is gone; take the slot back immediately.
			if _, ok := cs.settle(resp.StdoutRef); ok {
				s.arena.Reclaim(resp.StdoutRef)
			}
		}
	}()
	return nil
}

func (s *Server) handleRelease(cs *connState, req *protocol.ReleaseRequest) {
	if _, ok := cs.settle(req.Slot); ok {
		if err := s.arena.Consume(req.Slot, req.CorrelationID); err == nil {
			s.arena.Release(req.Slot, req.CorrelationID)
		} else {
			s.arena.Reclaim(req.Slot)
		}
	}
	cs.writeEnvelope(&protocol.Envelope{Type: protocol.MsgReleased})
}

func (s *Server) sendError(cs *connState, err error) {
	info := protocol.ErrorInfo{
		Code:    int(appErr.GetCode(err)),
		Message: err.Error(),
	}
	cs.writeEnvelope(&protocol.Envelope{Type: protocol.MsgError, Error: &info})
}

// validateEnvelope enforces the exactly-one-body rule.
func validateEnvelope(env *protocol.Envelope) error {
	bodies := 0
	if env.Execute != nil {
		bodies++
	}
	if env.Release != nil {
		bodies++
	}
	if env.Hello != nil || env.Result != nil || env.Status != nil || env.Error != nil {
		return appErr.New(appErr.ProtocolViolation).WithMessage("client sent a daemon-only body")
	}
	switch env.Type {
	case protocol.MsgExecute:
		if env.Execute == nil || bodies != 1 {
			return appErr.New(appErr.ProtocolViolation).WithMessage("execute envelope must carry exactly the execute body")
		}
	case protocol.MsgRelease:
		if env.Release == nil || bodies != 1 {
			return appErr.New(appErr.ProtocolViolation).WithMessage("release envelope must carry exactly the release body")
		}
	case protocol.MsgStatus, protocol.MsgPing:
		if bodies != 0 {
			return appErr.New(appErr.ProtocolViolation).WithMessage("query envelope must carry no body")
		}
	default:
		return appErr.Newf(appErr.ProtocolViolation, "unknown message type %q", env.Type)
	}
	return nil
}

// frameBuffer collects one encoded frame for WriteMsgUnix, which needs the
// bytes and the ancillary data in a single sendmsg.
type frameBuffer struct {
	b []byte
}

func (f *frameBuffer) Write(p []byte) (int, error) {
	f.b = append(f.b, p...)
	return len(p), nil
}
