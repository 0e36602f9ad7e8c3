package server

import (
	"context"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"

	"polyrpc/dispatch"
	"polyrpc/protocol"
)

// Loop runs tasks cooperatively: at most one task executes at a time, and a task yields
// only while it waits inside Await. Code between two Await calls therefore runs without
// interleaving with other tasks of the same Loop.
type Loop struct {
	run   sync.Mutex // held by the running task
	tasks sync.WaitGroup
}

// Go starts task on the loop. It may be called from inside or outside a task.
func (l *Loop) Go(task func()) {
	l.tasks.Add(1)
	go func() {
		defer l.tasks.Done()
		l.run.Lock()
		defer l.run.Unlock()
		task()
	}()
}

// Await yields the loop while fn blocks and resumes the calling task once fn returns.
// It must only be called from inside a task.
func (l *Loop) Await(fn func()) {
	l.run.Unlock()
	defer l.run.Lock()
	fn()
}

// Wait blocks until every started task has returned.
func (l *Loop) Wait() { l.tasks.Wait() }

// EventLoopServer serves many connections on one cooperative Loop.
//
// Each connection is a task that reads its frame in partial reads, dispatches while it
// holds the loop, and yields while writing the response. A connection keeps being served
// until the peer closes it or a read fails, so one connection carries many requests.
type EventLoopServer struct {
	base

	mu       sync.Mutex
	listener net.Listener
	conns    connSet
	loop     Loop
}

func NewEventLoopServer(cfg Config, d dispatch.Dispatcher, logger *zap.Logger) *EventLoopServer {
	s := &EventLoopServer{}
	s.init(KindEventLoop, cfg, d, logger)
	return s
}

func (s *EventLoopServer) Listen() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.shutdown.Load() {
		return ErrServerClosed
	}
	if s.listener != nil {
		return nil
	}
	l, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return err
	}
	s.listener = l
	return nil
}

func (s *EventLoopServer) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// ActiveConns reports how many connection tasks are alive.
func (s *EventLoopServer) ActiveConns() int { return s.conns.len() }

// Serve runs the acceptor task and returns once it and every connection task are done.
func (s *EventLoopServer) Serve(ctx context.Context) error {
	if err := s.Listen(); err != nil {
		return err
	}
	stop := context.AfterFunc(ctx, func() {
		s.stop()
		s.conns.closeAll()
	})
	defer stop()

	s.announce(s.listener.Addr())
	s.logger.Info("serving", zap.Stringer("addr", s.listener.Addr()))

	dctx := context.WithoutCancel(ctx)
	var acceptErr error
	s.loop.Go(func() { acceptErr = s.accept(dctx) })
	s.loop.Wait()
	return acceptErr
}

// accept is the acceptor task. It spawns one task per connection.
func (s *EventLoopServer) accept(ctx context.Context) error {
	for {
		var (
			conn net.Conn
			err  error
		)
		s.loop.Await(func() { conn, err = s.listener.Accept() })
		if err != nil {
			if s.shutdown.Load() {
				return nil
			}
			return err
		}
		if !s.conns.add(conn) {
			conn.Close()
			return nil
		}
		s.loop.Go(func() {
			defer s.conns.remove(conn)
			s.serveConn(ctx, conn)
		})
	}
}

func (s *EventLoopServer) serveConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	log := s.logger.With(zap.Stringer("remote", conn.RemoteAddr()))
	frame := protocol.NewDecoder(s.cfg.MaxFrameSize)
	buf := make([]byte, 64*1024)
	for {
		chunk := buf
		if need := frame.Need(); need < len(chunk) {
			chunk = chunk[:need]
		}
		var (
			n   int
			err error
		)
		s.loop.Await(func() { n, err = conn.Read(chunk) })
		if n > 0 {
			_, msg, ferr := frame.Feed(chunk[:n])
			if ferr != nil {
				log.Warn("bad frame", zap.Error(ferr))
				return
			}
			if msg != nil {
				if !s.respond(ctx, log, conn, msg) {
					return
				}
				continue
			}
		}
		if err != nil {
			s.logConnErr(log, "read request", err)
			return
		}
	}
}

// respond dispatches msg on the loop and yields while the response is written.
func (s *EventLoopServer) respond(ctx context.Context, log *zap.Logger, conn net.Conn, msg []byte) bool {
	out, err := s.process(ctx, msg)
	if err != nil {
		log.Error("encode response", zap.Error(err))
		return false
	}
	s.loop.Await(func() { err = protocol.WriteFrame(conn, out) })
	if err != nil {
		s.logConnErr(log, "write response", err)
		return false
	}
	return true
}

func (s *EventLoopServer) stop() {
	s.markClosed()
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		s.listener.Close()
	}
}

func (s *EventLoopServer) Shutdown(timeout time.Duration) error {
	s.withdraw()
	s.stop()
	err := s.waitIdle(timeout)
	s.conns.closeAll()
	return err
}
