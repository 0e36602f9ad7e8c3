//go:build linux

package server

import (
	"context"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"polyrpc/dispatch"
	"polyrpc/protocol"
)

const (
	listenBacklog = 128
	maxEvents     = 128
	readChunk     = 64 * 1024
)

type direction int

const (
	reading direction = iota
	writing
)

// connState is the reactor's per-descriptor state machine:
//
//	ACCEPTED → reading (frame accumulates) → writing (response drains) → CLOSED
type connState struct {
	fd      int
	dir     direction
	frame   *protocol.Decoder // partial length prefix, expected and received byte counts
	pending []byte            // framed response waiting for write readiness
	written int
}

// ReactorServer multiplexes all connections on one goroutine with epoll.
//
// Sockets are non-blocking; a readable socket is drained into its connection's frame
// decoder and the request is dispatched once the frame is complete. The framed response
// is written when the socket reports write readiness, and the connection is closed as soon
// as the response is flushed: this model answers exactly one request per connection.
type ReactorServer struct {
	base

	mu      sync.Mutex
	lfd     int
	epfd    int
	wakefd  int
	addr    net.Addr
	serving bool

	conns    map[int]*connState // owned by the loop goroutine
	open     atomic.Int64
	buf      []byte
	loopDone chan struct{}
}

func NewReactorServer(cfg Config, d dispatch.Dispatcher, logger *zap.Logger) *ReactorServer {
	s := &ReactorServer{
		lfd:      -1,
		epfd:     -1,
		wakefd:   -1,
		conns:    make(map[int]*connState),
		buf:      make([]byte, readChunk),
		loopDone: make(chan struct{}),
	}
	s.init(KindReactor, cfg, d, logger)
	return s
}

func (s *ReactorServer) Listen() (err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.shutdown.Load() {
		return ErrServerClosed
	}
	if s.lfd >= 0 {
		return nil
	}

	tcpAddr, err := net.ResolveTCPAddr("tcp", s.cfg.Addr)
	if err != nil {
		return err
	}
	sa, family := toSockaddr(tcpAddr)

	lfd, err := unix.Socket(family, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, unix.IPPROTO_TCP)
	if err != nil {
		return fmt.Errorf("reactor: socket: %w", err)
	}
	epfd, wakefd := -1, -1
	defer func() {
		if err != nil {
			closeFDs(lfd, epfd, wakefd)
		}
	}()

	if err = unix.SetsockoptInt(lfd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		return fmt.Errorf("reactor: setsockopt: %w", err)
	}
	if err = unix.Bind(lfd, sa); err != nil {
		return fmt.Errorf("reactor: bind %s: %w", s.cfg.Addr, err)
	}
	if err = unix.Listen(lfd, listenBacklog); err != nil {
		return fmt.Errorf("reactor: listen: %w", err)
	}
	bound, err := unix.Getsockname(lfd)
	if err != nil {
		return fmt.Errorf("reactor: getsockname: %w", err)
	}

	if epfd, err = unix.EpollCreate1(unix.EPOLL_CLOEXEC); err != nil {
		return fmt.Errorf("reactor: epoll create: %w", err)
	}
	if wakefd, err = unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC); err != nil {
		return fmt.Errorf("reactor: eventfd: %w", err)
	}
	if err = epollCtl(epfd, unix.EPOLL_CTL_ADD, lfd, unix.EPOLLIN); err != nil {
		return err
	}
	if err = epollCtl(epfd, unix.EPOLL_CTL_ADD, wakefd, unix.EPOLLIN); err != nil {
		return err
	}

	s.lfd, s.epfd, s.wakefd = lfd, epfd, wakefd
	s.addr = fromSockaddr(bound)
	return nil
}

func (s *ReactorServer) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}

func (s *ReactorServer) Serve(ctx context.Context) error {
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
	defer close(s.loopDone)
	defer s.cleanup()

	stop := context.AfterFunc(ctx, s.stop)
	defer stop()

	s.announce(s.addr)
	s.logger.Info("serving", zap.Stringer("addr", s.addr), zap.Duration("poll_timeout", s.cfg.PollTimeout))

	dctx := context.WithoutCancel(ctx)
	timeout := int(s.cfg.PollTimeout / time.Millisecond)
	events := make([]unix.EpollEvent, maxEvents)
	for !s.shutdown.Load() {
		n, err := unix.EpollWait(s.epfd, events, timeout)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			return fmt.Errorf("reactor: epoll wait: %w", err)
		}
		// n == 0: poll timeout with nothing ready, poll again
		for i := 0; i < n; i++ {
			s.handleEvent(dctx, events[i])
		}
	}
	return nil
}

func (s *ReactorServer) handleEvent(ctx context.Context, ev unix.EpollEvent) {
	fd := int(ev.Fd)
	switch fd {
	case s.wakefd:
		var b [8]byte
		unix.Read(s.wakefd, b[:])
		return
	case s.lfd:
		s.acceptAll()
		return
	}

	st, ok := s.conns[fd]
	if !ok {
		return
	}
	switch {
	case ev.Events&(unix.EPOLLHUP|unix.EPOLLERR) != 0:
		s.closeConn(st, "hang-up")
	case ev.Events&unix.EPOLLIN != 0 && st.dir == reading:
		s.onReadable(ctx, st)
	case ev.Events&unix.EPOLLOUT != 0 && st.dir == writing:
		s.onWritable(st)
	}
}

func (s *ReactorServer) acceptAll() {
	for {
		nfd, _, err := unix.Accept4(s.lfd, unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
		if err != nil {
			switch err {
			case unix.EINTR, unix.ECONNABORTED:
				continue
			case unix.EAGAIN:
			default:
				s.logger.Warn("accept failed", zap.Error(err))
			}
			return
		}
		if err := epollCtl(s.epfd, unix.EPOLL_CTL_ADD, nfd, unix.EPOLLIN); err != nil {
			s.logger.Warn("register connection", zap.Error(err))
			unix.Close(nfd)
			continue
		}
		s.open.Add(1)
		s.conns[nfd] = &connState{
			fd:    nfd,
			dir:   reading,
			frame: protocol.NewDecoder(s.cfg.MaxFrameSize),
		}
	}
}

// onReadable drains the socket into the frame decoder. It reads at most what the current
// frame stage needs, so bytes past the request frame stay in the socket.
func (s *ReactorServer) onReadable(ctx context.Context, st *connState) {
	for {
		chunk := s.buf
		if need := st.frame.Need(); need < len(chunk) {
			chunk = chunk[:need]
		}
		n, err := unix.Read(st.fd, chunk)
		if err != nil {
			switch err {
			case unix.EAGAIN:
				return // incomplete, stay armed for read readiness
			case unix.EINTR:
				continue
			}
			s.closeConn(st, err.Error())
			return
		}
		if n == 0 {
			s.closeConn(st, "peer closed before a complete request")
			return
		}

		_, msg, err := st.frame.Feed(chunk[:n])
		if err != nil {
			s.closeConn(st, err.Error())
			return
		}
		if msg == nil {
			continue
		}

		out, err := s.process(ctx, msg)
		if err != nil {
			s.closeConn(st, err.Error())
			return
		}
		if st.pending, err = protocol.Frame(out); err != nil {
			s.closeConn(st, err.Error())
			return
		}
		st.dir = writing
		if err := epollCtl(s.epfd, unix.EPOLL_CTL_MOD, st.fd, unix.EPOLLOUT); err != nil {
			s.closeConn(st, err.Error())
		}
		return
	}
}

// onWritable flushes the stashed response and closes the connection once it is out.
func (s *ReactorServer) onWritable(st *connState) {
	for st.written < len(st.pending) {
		n, err := unix.Write(st.fd, st.pending[st.written:])
		if err != nil {
			switch err {
			case unix.EAGAIN:
				return // wait for the next write readiness
			case unix.EINTR:
				continue
			}
			s.closeConn(st, err.Error())
			return
		}
		st.written += n
	}
	s.closeConn(st, "")
}

func (s *ReactorServer) closeConn(st *connState, reason string) {
	unix.EpollCtl(s.epfd, unix.EPOLL_CTL_DEL, st.fd, nil)
	unix.Close(st.fd)
	delete(s.conns, st.fd)
	s.open.Add(-1)
	if reason != "" && !s.shutdown.Load() {
		s.logger.Debug("connection closed", zap.Int("fd", st.fd), zap.String("reason", reason))
	}
}

// ActiveConns reports how many accepted connections are still open.
func (s *ReactorServer) ActiveConns() int { return int(s.open.Load()) }

// stop makes the loop exit at its next wake-up and wakes it immediately.
func (s *ReactorServer) stop() {
	s.markClosed()
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.wakefd >= 0 {
		var one [8]byte
		one[0] = 1
		unix.Write(s.wakefd, one[:])
	}
}

// cleanup releases every descriptor. Stashed responses are dropped.
func (s *ReactorServer) cleanup() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, st := range s.conns {
		unix.Close(st.fd)
		delete(s.conns, st.fd)
		s.open.Add(-1)
	}
	closeFDs(s.lfd, s.epfd, s.wakefd)
	s.lfd, s.epfd, s.wakefd = -1, -1, -1
}

func (s *ReactorServer) Shutdown(timeout time.Duration) error {
	s.withdraw()
	s.stop()

	s.mu.Lock()
	serving := s.serving
	s.mu.Unlock()
	if !serving {
		s.cleanup()
		return nil
	}

	select {
	case <-s.loopDone:
		return nil
	case <-time.After(timeout):
		return ErrShutdownTimeout
	}
}

func epollCtl(epfd, op, fd int, events uint32) error {
	ev := unix.EpollEvent{Events: events, Fd: int32(fd)}
	if err := unix.EpollCtl(epfd, op, fd, &ev); err != nil {
		return fmt.Errorf("reactor: epoll ctl fd %d: %w", fd, err)
	}
	return nil
}

func closeFDs(fds ...int) {
	for _, fd := range fds {
		if fd >= 0 {
			unix.Close(fd)
		}
	}
}

func toSockaddr(addr *net.TCPAddr) (unix.Sockaddr, int) {
	if addr.IP == nil || addr.IP.To4() != nil {
		sa := &unix.SockaddrInet4{Port: addr.Port}
		if ip4 := addr.IP.To4(); ip4 != nil {
			copy(sa.Addr[:], ip4)
		}
		return sa, unix.AF_INET
	}
	sa := &unix.SockaddrInet6{Port: addr.Port}
	copy(sa.Addr[:], addr.IP.To16())
	return sa, unix.AF_INET6
}

func fromSockaddr(sa unix.Sockaddr) net.Addr {
	switch a := sa.(type) {
	case *unix.SockaddrInet4:
		return &net.TCPAddr{IP: net.IP(append([]byte(nil), a.Addr[:]...)), Port: a.Port}
	case *unix.SockaddrInet6:
		return &net.TCPAddr{IP: net.IP(append([]byte(nil), a.Addr[:]...)), Port: a.Port}
	}
	return nil
}
