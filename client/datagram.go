package client

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"polyrpc/codec"
	"polyrpc/message"
	"polyrpc/protocol"
)

// DefaultDatagramTimeout bounds a datagram call when the context carries no deadline.
const DefaultDatagramTimeout = 5 * time.Second

// DatagramClient calls a DatagramServer over UDP. Each call sends one framed request in a
// single datagram and waits for the single datagram answering it. Calls are serialized
// on the socket; a lost datagram surfaces as a timeout.
//
// A failed call discards its socket, so a reply arriving after the timeout lands on a
// closed port and can never be mistaken for the answer to a later call.
type DatagramClient struct {
	mu     sync.Mutex
	addr   string
	conn   net.Conn // nil after a failed call until the next one redials
	closed bool
	codec  codec.Codec
	opts   options
}

// NewDatagram returns a DatagramClient for the server at addr. Only WithCodec,
// WithMaxFrameSize and WithDialTimeout apply.
func NewDatagram(addr string, opts ...Option) (*DatagramClient, error) {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	conn, err := net.DialTimeout("udp", addr, o.dialTimeout)
	if err != nil {
		return nil, err
	}
	return &DatagramClient{addr: addr, conn: conn, codec: codec.GetCodec(o.codec), opts: o}, nil
}

func (c *DatagramClient) Call(ctx context.Context, function string, args ...any) (any, error) {
	payload, err := message.EncodeRequest(c.codec, &message.Request{Function: function, Args: args})
	if err != nil {
		return nil, fmt.Errorf("client: encode request: %w", err)
	}

	framed, err := protocol.Frame(payload)
	if err != nil {
		return nil, fmt.Errorf("client: send: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, ErrClientClosed
	}
	if c.conn == nil {
		if c.conn, err = net.DialTimeout("udp", c.addr, c.opts.dialTimeout); err != nil {
			return nil, fmt.Errorf("client: dial: %w", err)
		}
	}

	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(DefaultDatagramTimeout)
	}
	c.conn.SetDeadline(deadline)

	msg, err := c.exchange(framed)
	if err != nil {
		c.conn.Close()
		c.conn = nil
		return nil, err
	}
	resp, err := message.DecodeResponse(c.codec, msg)
	if err != nil {
		return nil, fmt.Errorf("client: %w", err)
	}
	if resp.Failed() {
		return nil, &RemoteError{Function: function, Message: resp.Error}
	}
	return resp.Result, nil
}

func (c *DatagramClient) exchange(framed []byte) ([]byte, error) {
	if _, err := c.conn.Write(framed); err != nil {
		return nil, fmt.Errorf("client: send: %w", err)
	}
	buf := make([]byte, 64*1024)
	n, err := c.conn.Read(buf)
	if err != nil {
		return nil, fmt.Errorf("client: receive: %w", err)
	}
	msg, err := protocol.ReadFrame(bytes.NewReader(buf[:n]), c.opts.maxFrameSize)
	if err != nil {
		return nil, fmt.Errorf("client: receive: %w", err)
	}
	return msg, nil
}

func (c *DatagramClient) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	if c.conn == nil {
		return nil
	}
	return c.conn.Close()
}
