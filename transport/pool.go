// Package transport provides the client-side connection pool.
//
// The polyrpc wire format has no request IDs: responses come back in request order on a
// connection. A connection therefore carries one call at a time, and concurrency comes
// from holding several connections. The pool hands out connections exclusively and takes
// them back when the call is done.
//
// Pool design: a buffered channel holds idle connections (FIFO, goroutine-safe), and a
// second buffered channel of tokens bounds how many connections exist at once.
package transport

import (
	"context"
	"errors"
	"net"
	"sync"
	"time"
)

// ErrPoolClosed is returned by Get after Close.
var ErrPoolClosed = errors.New("transport: pool closed")

// DialFunc opens a new connection.
type DialFunc func(ctx context.Context) (net.Conn, error)

// ConnPool manages reusable connections to a single address.
type ConnPool struct {
	idle   chan *PoolConn
	tokens chan struct{} // one token per open connection
	dial   DialFunc

	mu     sync.Mutex
	closed bool
}

// PoolConn is a pooled connection. Reused reports whether it served an earlier call,
// which lets callers tell a stale connection from a fresh failure.
type PoolConn struct {
	net.Conn
	Reused   bool
	unusable bool
}

// MarkUnusable makes Put close the connection instead of returning it to the pool.
func (c *PoolConn) MarkUnusable() { c.unusable = true }

// NewConnPool creates a pool of at most maxConns connections, dialed lazily.
func NewConnPool(maxConns int, dial DialFunc) *ConnPool {
	if maxConns <= 0 {
		maxConns = 1
	}
	return &ConnPool{
		idle:   make(chan *PoolConn, maxConns),
		tokens: make(chan struct{}, maxConns),
		dial:   dial,
	}
}

// NewTCPPool is NewConnPool dialing addr over TCP, giving up on a dial after dialTimeout
// (0 means no limit beyond the caller's context).
func NewTCPPool(addr string, maxConns int, dialTimeout time.Duration) *ConnPool {
	d := net.Dialer{Timeout: dialTimeout}
	return NewConnPool(maxConns, func(ctx context.Context) (net.Conn, error) {
		return d.DialContext(ctx, "tcp", addr)
	})
}

// Get returns an idle connection, dials a new one while under the limit, or waits for
// one to be returned.
func (p *ConnPool) Get(ctx context.Context) (*PoolConn, error) {
	if p.isClosed() {
		return nil, ErrPoolClosed
	}
	select {
	case conn := <-p.idle:
		conn.Reused = true
		return conn, nil
	default:
	}

	select {
	case conn := <-p.idle:
		conn.Reused = true
		return conn, nil
	case p.tokens <- struct{}{}:
		netConn, err := p.dial(ctx)
		if err != nil {
			<-p.tokens
			return nil, err
		}
		return &PoolConn{Conn: netConn}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Put returns conn to the pool, or closes it when it was marked unusable or the pool is closed.
func (p *ConnPool) Put(conn *PoolConn) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if conn.unusable || p.closed {
		conn.Close()
		<-p.tokens
		return
	}
	p.idle <- conn
}

// Len reports how many connections are currently open.
func (p *ConnPool) Len() int {
	return len(p.tokens)
}

// Close closes idle connections; connections still in use are closed when Put back.
func (p *ConnPool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	for {
		select {
		case conn := <-p.idle:
			conn.Close()
			<-p.tokens
		default:
			return nil
		}
	}
}

func (p *ConnPool) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}
