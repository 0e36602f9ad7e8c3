// Package server implements the polyrpc execution models.
//
// Every model runs the same pipeline for each request:
//
//	read frame → message.DecodeRequest → Dispatcher.Dispatch → message.EncodeResponse → write frame
//
// and differs only in how peers are multiplexed:
//
//	BlockingServer   one connection at a time on the serving goroutine
//	ThreadedServer   one goroutine per connection, optionally capped
//	ReactorServer    one goroutine, epoll readiness, one request per connection
//	EventLoopServer  cooperative tasks that switch only while waiting for I/O
//	DatagramServer   UDP receiver feeding a bounded queue and a fixed worker pool
//
// Dispatch failures never reach the models: they arrive as failed responses and are sent
// to the caller like any other result.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"polyrpc/codec"
	"polyrpc/dispatch"
	"polyrpc/message"
	"polyrpc/protocol"
	"polyrpc/registry"
)

var (
	// ErrServerClosed is returned by Listen and Serve after Shutdown.
	ErrServerClosed = errors.New("server: closed")
	// ErrShutdownTimeout is returned by Shutdown when in-flight work outlives the timeout.
	ErrShutdownTimeout = errors.New("server: timeout waiting for ongoing requests to finish")
)

// Kind names an execution model.
type Kind string

const (
	KindBlocking  Kind = "blocking"
	KindThreaded  Kind = "threaded"
	KindReactor   Kind = "reactor"
	KindEventLoop Kind = "eventloop"
	KindDatagram  Kind = "datagram"
)

// Kinds lists every execution model.
var Kinds = []Kind{KindBlocking, KindThreaded, KindReactor, KindEventLoop, KindDatagram}

// ParseKind maps a configured model name to its Kind.
func ParseKind(name string) (Kind, error) {
	k := Kind(strings.ToLower(strings.TrimSpace(name)))
	for _, known := range Kinds {
		if k == known {
			return k, nil
		}
	}
	return "", fmt.Errorf("server: unknown model %q", name)
}

// Defaults applied by DefaultConfig.
const (
	DefaultQueueSize       = 100000
	DefaultPollTimeout     = 10 * time.Second
	DefaultMaxDatagramSize = 64 * 1024
)

// Config holds the settings of all models; each model reads the fields it needs.
type Config struct {
	Addr  string
	Codec codec.CodecType
	// MaxFrameSize bounds request payloads; 0 disables the check.
	MaxFrameSize int

	// MaxConns caps concurrently served connections in the threaded model; 0 is unlimited.
	MaxConns int

	// Workers and QueueSize size the datagram worker pool and its queue.
	Workers         int
	QueueSize       int
	MaxDatagramSize int

	// PollTimeout is the reactor's epoll wait interval.
	PollTimeout time.Duration
}

// DefaultConfig returns a Config listening on addr with default limits.
func DefaultConfig(addr string) Config {
	return Config{
		Addr:            addr,
		Codec:           codec.CodecTypeJSON,
		MaxFrameSize:    protocol.DefaultMaxFrameSize,
		Workers:         runtime.NumCPU(),
		QueueSize:       DefaultQueueSize,
		MaxDatagramSize: DefaultMaxDatagramSize,
		PollTimeout:     DefaultPollTimeout,
	}
}

// Server is implemented by every execution model.
type Server interface {
	// Listen binds the configured address. Serve calls it when needed; calling it first
	// makes Addr available before serving starts.
	Listen() error
	// Serve runs the model until Shutdown is called or ctx is done, then returns nil.
	Serve(ctx context.Context) error
	Addr() net.Addr
	// Shutdown deregisters from discovery, stops accepting, and waits up to timeout for
	// in-flight requests before releasing connections.
	Shutdown(timeout time.Duration) error
	// SetDiscovery makes Serve announce the server once before accepting peers.
	SetDiscovery(reg registry.Registry, r registry.Registration)
}

// New builds the server for kind.
func New(kind Kind, cfg Config, d dispatch.Dispatcher, logger *zap.Logger) (Server, error) {
	switch kind {
	case KindBlocking:
		return NewBlockingServer(cfg, d, logger), nil
	case KindThreaded:
		return NewThreadedServer(cfg, d, logger), nil
	case KindReactor:
		return NewReactorServer(cfg, d, logger), nil
	case KindEventLoop:
		return NewEventLoopServer(cfg, d, logger), nil
	case KindDatagram:
		return NewDatagramServer(cfg, d, logger), nil
	}
	return nil, fmt.Errorf("server: unknown model %q", kind)
}

// base is the state and pipeline shared by all models.
type base struct {
	cfg        Config
	codec      codec.Codec
	dispatcher dispatch.Dispatcher
	logger     *zap.Logger

	discoMu      sync.Mutex
	discovery    registry.Registry
	registration *registry.Registration
	announced    *registry.ServiceInstance

	shutdown  atomic.Bool
	done      chan struct{}
	closeOnce sync.Once
	inflight  atomic.Int64
}

func (b *base) init(kind Kind, cfg Config, d dispatch.Dispatcher, logger *zap.Logger) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Workers <= 0 {
		cfg.Workers = runtime.NumCPU()
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultQueueSize
	}
	if cfg.MaxDatagramSize <= 0 {
		cfg.MaxDatagramSize = DefaultMaxDatagramSize
	}
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = DefaultPollTimeout
	}
	b.cfg = cfg
	b.codec = codec.GetCodec(cfg.Codec)
	b.dispatcher = d
	b.logger = logger.With(zap.String("model", string(kind)))
	b.done = make(chan struct{})
}

func (b *base) SetDiscovery(reg registry.Registry, r registry.Registration) {
	b.discoMu.Lock()
	defer b.discoMu.Unlock()
	b.discovery = reg
	b.registration = &r
}

// markClosed flips the server into shutdown; it reports whether this call did so.
func (b *base) markClosed() bool {
	first := false
	b.closeOnce.Do(func() {
		b.shutdown.Store(true)
		close(b.done)
		first = true
	})
	return first
}

// announce performs the one-time discovery registration. Failures are logged, not
// retried: the registration is fire-and-forget.
func (b *base) announce(addr net.Addr) {
	b.discoMu.Lock()
	defer b.discoMu.Unlock()
	if b.shutdown.Load() || b.discovery == nil || b.registration == nil || b.announced != nil {
		return
	}
	r := *b.registration
	inst := r.Instance()
	if tcp, ok := addr.(*net.TCPAddr); ok && inst.Port == 0 {
		inst.Port = tcp.Port
	} else if udp, ok := addr.(*net.UDPAddr); ok && inst.Port == 0 {
		inst.Port = udp.Port
	}
	if err := b.discovery.Register(r.ServiceName, inst, r.LeaseTTL()); err != nil {
		b.logger.Error("discovery registration failed", zap.String("service", r.ServiceName), zap.Error(err))
		return
	}
	b.announced = &inst
	b.logger.Info("registered with discovery",
		zap.String("service", r.ServiceName),
		zap.String("addr", inst.Addr()),
		zap.Bool("heartbeat", r.Heartbeat))
}

func (b *base) withdraw() {
	b.discoMu.Lock()
	defer b.discoMu.Unlock()
	if b.announced == nil {
		return
	}
	if err := b.discovery.Deregister(b.registration.ServiceName, b.announced.Addr()); err != nil {
		b.logger.Warn("discovery deregistration failed", zap.Error(err))
	}
	b.announced = nil
}

// process runs one framed payload through decode, dispatch and encode, and returns the
// response payload. It only fails when not even a failure response can be encoded.
func (b *base) process(ctx context.Context, msg []byte) ([]byte, error) {
	b.inflight.Add(1)
	defer b.inflight.Add(-1)

	resp := b.handle(ctx, msg)
	out, err := message.EncodeResponse(b.codec, resp)
	if err == nil {
		return out, nil
	}
	b.logger.Warn("result not encodable", zap.Error(err))
	return message.EncodeResponse(b.codec, message.Failure("encode result: %v", err))
}

func (b *base) handle(ctx context.Context, msg []byte) *message.Response {
	req, err := message.DecodeRequest(b.codec, msg)
	if err != nil {
		b.logger.Debug("bad request payload", zap.Error(err))
		return message.Failure("%v", err)
	}
	return b.dispatcher.Dispatch(ctx, req)
}

// waitIdle polls until no request is being processed or timeout elapses.
func (b *base) waitIdle(timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for b.inflight.Load() > 0 {
		if time.Now().After(deadline) {
			return ErrShutdownTimeout
		}
		time.Sleep(5 * time.Millisecond)
	}
	return nil
}

// connSet tracks live connections so shutdown can release them.
type connSet struct {
	mu     sync.Mutex
	conns  map[net.Conn]struct{}
	closed bool
}

// add registers conn; it returns false once closeAll has run.
func (s *connSet) add(conn net.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	if s.conns == nil {
		s.conns = make(map[net.Conn]struct{})
	}
	s.conns[conn] = struct{}{}
	return true
}

func (s *connSet) remove(conn net.Conn) {
	s.mu.Lock()
	delete(s.conns, conn)
	s.mu.Unlock()
}

func (s *connSet) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

func (s *connSet) closeAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	for conn := range s.conns {
		conn.Close()
	}
}
