//go:build !linux

package server

import (
	"context"
	"errors"
	"net"
	"time"

	"go.uber.org/zap"

	"polyrpc/dispatch"
)

// ErrReactorUnsupported is returned by the reactor model on platforms without epoll.
var ErrReactorUnsupported = errors.New("server: reactor model requires linux epoll")

// ReactorServer is unavailable on this platform; every operation fails.
type ReactorServer struct {
	base
}

func NewReactorServer(cfg Config, d dispatch.Dispatcher, logger *zap.Logger) *ReactorServer {
	s := &ReactorServer{}
	s.init(KindReactor, cfg, d, logger)
	return s
}

func (s *ReactorServer) Listen() error                   { return ErrReactorUnsupported }
func (s *ReactorServer) Serve(ctx context.Context) error { return ErrReactorUnsupported }
func (s *ReactorServer) Addr() net.Addr                  { return nil }
func (s *ReactorServer) ActiveConns() int                { return 0 }

func (s *ReactorServer) Shutdown(timeout time.Duration) error {
	s.markClosed()
	return nil
}
