package server

import (
	"bytes"
	"context"
	"errors"
	"net"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"

	"polyrpc/dispatch"
	"polyrpc/protocol"
)

// WorkItem is one received datagram waiting for a worker.
type WorkItem struct {
	Message []byte
	Peer    net.Addr
}

// DatagramServer answers UDP requests with a fixed pool of workers.
//
// A single receiver reads datagrams and pushes them onto a queue of QueueSize items,
// blocking while the queue is full. Workers pop items, run the request pipeline and send
// the response back to the sender's address. Each datagram carries exactly one framed
// request; responses from different workers may leave in any order.
type DatagramServer struct {
	base

	mu      sync.Mutex
	conn    net.PacketConn
	queue   chan WorkItem
	workers sync.WaitGroup
	serving bool
	drained chan struct{} // closed once Serve has released the socket
}

func NewDatagramServer(cfg Config, d dispatch.Dispatcher, logger *zap.Logger) *DatagramServer {
	s := &DatagramServer{}
	s.init(KindDatagram, cfg, d, logger)
	s.queue = make(chan WorkItem, s.cfg.QueueSize)
	s.drained = make(chan struct{})
	return s
}

func (s *DatagramServer) Listen() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.shutdown.Load() {
		return ErrServerClosed
	}
	if s.conn != nil {
		return nil
	}
	conn, err := net.ListenPacket("udp", s.cfg.Addr)
	if err != nil {
		return err
	}
	s.conn = conn
	return nil
}

func (s *DatagramServer) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		return nil
	}
	return s.conn.LocalAddr()
}

// Serve starts the workers and runs the receiver on the calling goroutine. After shutdown
// it stops receiving, lets workers drain the queue, and closes the socket.
func (s *DatagramServer) Serve(ctx context.Context) error {
	if err := s.Listen(); err != nil {
		return err
	}
	s.mu.Lock()
	if s.shutdown.Load() || s.serving {
		s.mu.Unlock()
		return ErrServerClosed
	}
	s.serving = true
	s.mu.Unlock()
	defer close(s.drained)

	stop := context.AfterFunc(ctx, s.stop)
	defer stop()

	s.announce(s.conn.LocalAddr())
	s.logger.Info("serving",
		zap.Stringer("addr", s.conn.LocalAddr()),
		zap.Int("workers", s.cfg.Workers),
		zap.Int("queue_size", s.cfg.QueueSize))

	dctx := context.WithoutCancel(ctx)
	for i := 0; i < s.cfg.Workers; i++ {
		s.workers.Add(1)
		go s.work(dctx, i)
	}

	err := s.receive()
	close(s.queue)
	s.workers.Wait()
	s.conn.Close()
	return err
}

// receive pushes datagrams onto the queue until the server stops.
func (s *DatagramServer) receive() error {
	buf := make([]byte, s.cfg.MaxDatagramSize)
	for {
		n, peer, err := s.conn.ReadFrom(buf)
		if err != nil {
			if s.shutdown.Load() {
				return nil
			}
			if errors.Is(err, os.ErrDeadlineExceeded) {
				continue
			}
			return err
		}
		item := WorkItem{Message: append([]byte(nil), buf[:n]...), Peer: peer}
		select {
		case s.queue <- item:
		case <-s.done:
			return nil
		}
	}
}

func (s *DatagramServer) work(ctx context.Context, id int) {
	defer s.workers.Done()
	log := s.logger.With(zap.Int("worker", id))
	for item := range s.queue {
		s.serveItem(ctx, log, item)
	}
}

func (s *DatagramServer) serveItem(ctx context.Context, log *zap.Logger, item WorkItem) {
	log = log.With(zap.Stringer("peer", item.Peer))
	msg, err := protocol.ReadFrame(bytes.NewReader(item.Message), s.cfg.MaxFrameSize)
	if err != nil {
		log.Debug("dropping datagram", zap.Int("size", len(item.Message)), zap.Error(err))
		return
	}
	out, err := s.process(ctx, msg)
	if err != nil {
		log.Error("encode response", zap.Error(err))
		return
	}
	framed, err := protocol.Frame(out)
	if err != nil {
		log.Error("frame response", zap.Error(err))
		return
	}
	if _, err := s.conn.WriteTo(framed, item.Peer); err != nil {
		log.Warn("send response", zap.Error(err))
	}
}

// stop ends the receiver; queued items are still answered.
func (s *DatagramServer) stop() {
	s.markClosed()
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn != nil {
		s.conn.SetReadDeadline(time.Now())
	}
}

func (s *DatagramServer) Shutdown(timeout time.Duration) error {
	s.withdraw()
	s.stop()

	s.mu.Lock()
	serving := s.serving
	conn := s.conn
	s.mu.Unlock()
	if !serving {
		if conn != nil {
			conn.Close()
		}
		return nil
	}
	select {
	case <-s.drained:
		return nil
	case <-time.After(timeout):
		return ErrShutdownTimeout
	}
}
