package server

import (
	"context"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"

	"polyrpc/dispatch"
)

// BlockingServer serves one peer at a time on the goroutine that calls Serve.
//
// It accepts a connection, answers its requests until the connection fails, closes it,
// and only then accepts the next one. A peer that stops sending stalls everyone else, so
// it suits single-client and diagnostic use.
type BlockingServer struct {
	base

	mu       sync.Mutex
	listener net.Listener
	conns    connSet // holds at most the current peer
}

func NewBlockingServer(cfg Config, d dispatch.Dispatcher, logger *zap.Logger) *BlockingServer {
	s := &BlockingServer{}
	s.init(KindBlocking, cfg, d, logger)
	return s
}

func (s *BlockingServer) Listen() error {
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

func (s *BlockingServer) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

func (s *BlockingServer) Serve(ctx context.Context) error {
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
	for {
		conn, err := s.listener.Accept()
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
		s.serveStream(dctx, conn)
		s.conns.remove(conn)
	}
}

func (s *BlockingServer) stop() {
	s.markClosed()
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		s.listener.Close()
	}
}

func (s *BlockingServer) Shutdown(timeout time.Duration) error {
	s.withdraw()
	s.stop()
	err := s.waitIdle(timeout)
	s.conns.closeAll()
	return err
}
