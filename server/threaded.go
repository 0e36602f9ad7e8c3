package server

import (
	"context"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"

	"polyrpc/dispatch"
)

// ThreadedServer serves every accepted connection on its own goroutine.
//
// A connection is answered request after request until it fails; a failure only ends that
// connection. With MaxConns set the accept loop waits for a free slot before accepting,
// so at most MaxConns connections are served at once.
type ThreadedServer struct {
	base

	mu       sync.Mutex
	listener net.Listener
	conns    connSet
	slots    chan struct{} // nil when unlimited
}

func NewThreadedServer(cfg Config, d dispatch.Dispatcher, logger *zap.Logger) *ThreadedServer {
	s := &ThreadedServer{}
	s.init(KindThreaded, cfg, d, logger)
	if cfg.MaxConns > 0 {
		s.slots = make(chan struct{}, cfg.MaxConns)
	}
	return s
}

func (s *ThreadedServer) Listen() error {
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

func (s *ThreadedServer) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// ActiveConns reports how many connections are being served.
func (s *ThreadedServer) ActiveConns() int { return s.conns.len() }

func (s *ThreadedServer) Serve(ctx context.Context) error {
	if err := s.Listen(); err != nil {
		return err
	}
	stop := context.AfterFunc(ctx, func() {
		s.stop()
		s.conns.closeAll()
	})
	defer stop()

	s.announce(s.listener.Addr())
	s.logger.Info("serving", zap.Stringer("addr", s.listener.Addr()), zap.Int("max_conns", s.cfg.MaxConns))

	dctx := context.WithoutCancel(ctx)
	for {
		if !s.acquire() {
			return nil
		}
		conn, err := s.listener.Accept()
		if err != nil {
			s.release()
			if s.shutdown.Load() {
				return nil
			}
			return err
		}
		if !s.conns.add(conn) {
			s.release()
			conn.Close()
			return nil
		}
		go func() {
			defer s.release()
			defer s.conns.remove(conn)
			s.serveStream(dctx, conn)
		}()
	}
}

// acquire waits for a connection slot; it returns false when the server is shutting down.
func (s *ThreadedServer) acquire() bool {
	if s.slots == nil {
		return !s.shutdown.Load()
	}
	select {
	case s.slots <- struct{}{}:
		return true
	case <-s.done:
		return false
	}
}

func (s *ThreadedServer) release() {
	if s.slots != nil {
		<-s.slots
	}
}

func (s *ThreadedServer) stop() {
	s.markClosed()
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		s.listener.Close()
	}
}

// Shutdown deregisters first so clients stop routing here, then closes the listener and
// waits for in-flight requests before closing the remaining connections.
func (s *ThreadedServer) Shutdown(timeout time.Duration) error {
	s.withdraw()
	s.stop()
	err := s.waitIdle(timeout)
	s.conns.closeAll()
	return err
}
