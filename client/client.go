// Package client calls functions on polyrpc servers.
//
// A Client sends [function, args...] requests over pooled TCP connections and turns the
// tagged response back into a value or an error. Target addresses come either from a
// fixed address or from a registry plus a load balancer.
package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"polyrpc/codec"
	"polyrpc/loadbalance"
	"polyrpc/message"
	"polyrpc/protocol"
	"polyrpc/registry"
	"polyrpc/transport"
)

// ErrClientClosed is returned by Call after Close.
var ErrClientClosed = errors.New("client: closed")

// RemoteError is a failure reported by the server, such as an unknown function or an
// error raised by the handler. It is never retried.
type RemoteError struct {
	Function string
	Message  string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("remote %s: %s", e.Function, e.Message)
}

type options struct {
	codec        codec.CodecType
	poolSize     int
	maxRetries   int
	baseDelay    time.Duration
	maxFrameSize int
	dialTimeout  time.Duration
	logger       *zap.Logger
}

// Option configures a Client.
type Option func(*options)

func WithCodec(t codec.CodecType) Option { return func(o *options) { o.codec = t } }

// WithPoolSize caps the connections held per server address.
func WithPoolSize(n int) Option { return func(o *options) { o.poolSize = n } }

// WithRetry retries transport failures up to max times, sleeping baseDelay, 2*baseDelay,
// 4*baseDelay and so on between attempts.
func WithRetry(max int, baseDelay time.Duration) Option {
	return func(o *options) {
		o.maxRetries = max
		o.baseDelay = baseDelay
	}
}

// WithMaxFrameSize bounds accepted response payloads; 0 disables the check.
func WithMaxFrameSize(n int) Option { return func(o *options) { o.maxFrameSize = n } }

func WithDialTimeout(d time.Duration) Option { return func(o *options) { o.dialTimeout = d } }

func WithLogger(l *zap.Logger) Option { return func(o *options) { o.logger = l } }

func defaultOptions() options {
	return options{
		codec:        codec.CodecTypeJSON,
		poolSize:     4,
		maxFrameSize: protocol.DefaultMaxFrameSize,
		dialTimeout:  5 * time.Second,
		logger:       zap.NewNop(),
	}
}

type Client struct {
	opts  options
	codec codec.Codec

	// exactly one of addr and registry is set
	addr     string
	registry registry.Registry
	balancer loadbalance.Balancer
	service  string

	mu     sync.Mutex
	pools  map[string]*transport.ConnPool // pool for each server address
	closed bool
}

// New returns a Client for the server at addr.
func New(addr string, opts ...Option) *Client {
	c := newClient(opts)
	c.addr = addr
	return c
}

// NewWithDiscovery returns a Client that looks up service in reg on every call and picks
// one of its instances with bal.
func NewWithDiscovery(reg registry.Registry, bal loadbalance.Balancer, service string, opts ...Option) *Client {
	c := newClient(opts)
	c.registry = reg
	c.balancer = bal
	c.service = service
	return c
}

func newClient(opts []Option) *Client {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = zap.NewNop()
	}
	return &Client{
		opts:  o,
		codec: codec.GetCodec(o.codec),
		pools: make(map[string]*transport.ConnPool),
	}
}

// Call invokes function with args and returns its result. A failure reported by the
// server comes back as *RemoteError; anything else is a transport error.
func (c *Client) Call(ctx context.Context, function string, args ...any) (any, error) {
	payload, err := message.EncodeRequest(c.codec, &message.Request{Function: function, Args: args})
	if err != nil {
		return nil, fmt.Errorf("client: encode request: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt <= c.opts.maxRetries; attempt++ {
		if attempt > 0 {
			delay := c.opts.baseDelay * time.Duration(1<<(attempt-1))
			c.opts.logger.Debug("retrying call",
				zap.String("function", function),
				zap.Int("attempt", attempt),
				zap.Duration("delay", delay),
				zap.Error(lastErr))
			if err := sleep(ctx, delay); err != nil {
				return nil, err
			}
		}

		addr, err := c.target()
		if err != nil {
			lastErr = err
			continue
		}
		resp, err := c.roundTrip(ctx, addr, payload)
		if err != nil {
			lastErr = err
			if ctx.Err() != nil {
				return nil, err
			}
			continue
		}
		if resp.Failed() {
			return nil, &RemoteError{Function: function, Message: resp.Error}
		}
		return resp.Result, nil
	}
	return nil, lastErr
}

// target returns the address for the next attempt.
func (c *Client) target() (string, error) {
	if c.registry == nil {
		return c.addr, nil
	}
	instances, err := c.registry.Discover(c.service)
	if err != nil {
		return "", fmt.Errorf("client: discover %s: %w", c.service, err)
	}
	inst, err := c.balancer.Pick(instances)
	if err != nil {
		return "", fmt.Errorf("client: %s: %w", c.service, err)
	}
	return inst.Addr(), nil
}

// roundTrip sends one framed request to addr and reads the framed response. A pooled
// connection the server closed while it sat idle is replaced by a fresh one once. Once
// any byte of the response has arrived the request is never sent again.
func (c *Client) roundTrip(ctx context.Context, addr string, payload []byte) (*message.Response, error) {
	pool, err := c.pool(addr)
	if err != nil {
		return nil, err
	}
	for {
		conn, err := pool.Get(ctx)
		if err != nil {
			return nil, err
		}
		resp, stale, err := c.exchange(ctx, conn, payload)
		if err != nil {
			conn.MarkUnusable()
		}
		pool.Put(conn)
		if err != nil && conn.Reused && stale {
			c.opts.logger.Debug("redialing stale connection", zap.String("addr", addr), zap.Error(err))
			continue
		}
		return resp, err
	}
}

// exchange performs one call on conn. stale reports a failure that happened before any
// response byte was read, the signature of a peer that dropped an idle connection.
func (c *Client) exchange(ctx context.Context, conn net.Conn, payload []byte) (resp *message.Response, stale bool, err error) {
	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
	} else {
		conn.SetDeadline(time.Time{})
	}
	if err := protocol.WriteFrame(conn, payload); err != nil {
		return nil, isReset(err), fmt.Errorf("client: send: %w", err)
	}
	r := &countingReader{r: conn}
	msg, err := protocol.ReadFrame(r, c.opts.maxFrameSize)
	if err != nil {
		stale = r.n == 0 && (errors.Is(err, io.EOF) || isReset(err))
		return nil, stale, fmt.Errorf("client: receive: %w", err)
	}
	resp, err = message.DecodeResponse(c.codec, msg)
	if err != nil {
		return nil, false, fmt.Errorf("client: %w", err)
	}
	return resp, false, nil
}

func isReset(err error) bool {
	return errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.EPIPE)
}

type countingReader struct {
	r io.Reader
	n int
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += n
	return n, err
}

func (c *Client) pool(addr string) (*transport.ConnPool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, ErrClientClosed
	}
	p, ok := c.pools[addr]
	if !ok {
		p = transport.NewTCPPool(addr, c.opts.poolSize, c.opts.dialTimeout)
		c.pools[addr] = p
	}
	return p, nil
}

// Close releases every pooled connection.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	for addr, p := range c.pools {
		p.Close()
		delete(c.pools, addr)
	}
	return nil
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
