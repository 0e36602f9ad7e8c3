package client

import (
	"context"
	"errors"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"polyrpc/codec"
	"polyrpc/dispatch"
	"polyrpc/loadbalance"
	"polyrpc/message"
	"polyrpc/protocol"
	"polyrpc/registry"
	"polyrpc/server"
)

func testRegistry() *dispatch.Registry {
	r := dispatch.NewRegistry()
	r.Register("echo", func(args ...any) (any, error) { return args[0], nil })
	r.Register("add", func(args ...any) (any, error) {
		sum := 0.0
		for _, a := range args {
			f, ok := a.(float64)
			if !ok {
				return nil, errors.New("add: arguments must be numbers")
			}
			sum += f
		}
		return sum, nil
	})
	r.Register("slow", func(args ...any) (any, error) {
		time.Sleep(200 * time.Millisecond)
		return "slow-result", nil
	})
	return r
}

func startServer(t *testing.T, kind server.Kind, cfg server.Config) server.Server {
	t.Helper()
	srv, err := server.New(kind, cfg, testRegistry(), nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := srv.Listen(); err != nil {
		t.Fatal(err)
	}
	done := make(chan struct{})
	go func() {
		defer close(done)
		srv.Serve(context.Background())
	}()
	t.Cleanup(func() {
		srv.Shutdown(time.Second)
		<-done
	})
	return srv
}

func TestClientCall(t *testing.T) {
	srv := startServer(t, server.KindThreaded, server.DefaultConfig("127.0.0.1:0"))
	c := New(srv.Addr().String())
	defer c.Close()

	ctx := context.Background()
	got, err := c.Call(ctx, "add", 1, 2)
	if err != nil {
		t.Fatal(err)
	}
	if got != 3.0 {
		t.Fatalf("expect 3, got %v", got)
	}

	got, err = c.Call(ctx, "add", 10, 20)
	if err != nil {
		t.Fatal(err)
	}
	if got != 30.0 {
		t.Fatalf("expect 30, got %v", got)
	}
}

func TestClientCodecs(t *testing.T) {
	for _, ct := range []codec.CodecType{codec.CodecTypeJSON, codec.CodecTypeCBOR, codec.CodecTypeProto} {
		t.Run(ct.String(), func(t *testing.T) {
			cfg := server.DefaultConfig("127.0.0.1:0")
			cfg.Codec = ct
			srv := startServer(t, server.KindEventLoop, cfg)
			c := New(srv.Addr().String(), WithCodec(ct))
			defer c.Close()

			got, err := c.Call(context.Background(), "echo", "hello")
			if err != nil {
				t.Fatal(err)
			}
			if got != "hello" {
				t.Fatalf("expect hello, got %#v", got)
			}
		})
	}
}

func TestClientRemoteError(t *testing.T) {
	srv := startServer(t, server.KindThreaded, server.DefaultConfig("127.0.0.1:0"))
	c := New(srv.Addr().String(), WithRetry(3, time.Millisecond))
	defer c.Close()

	_, err := c.Call(context.Background(), "missing_fn")
	var remote *RemoteError
	if !errors.As(err, &remote) {
		t.Fatalf("expect RemoteError, got %v", err)
	}
	if remote.Function != "missing_fn" || !strings.Contains(remote.Message, "function not found") {
		t.Fatalf("unexpected remote error: %+v", remote)
	}
}

func TestClientConcurrentCallsShareThePool(t *testing.T) {
	srv := startServer(t, server.KindThreaded, server.DefaultConfig("127.0.0.1:0"))
	c := New(srv.Addr().String(), WithPoolSize(2))
	defer c.Close()

	var wg sync.WaitGroup
	errs := make(chan error, 20)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			got, err := c.Call(context.Background(), "echo", i)
			if err != nil {
				errs <- err
				return
			}
			if got != float64(i) {
				errs <- errors.New("response routed to the wrong caller")
			}
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatal(err)
	}
	if n := c.pools[srv.Addr().String()].Len(); n > 2 {
		t.Fatalf("expect at most 2 pooled connections, got %d", n)
	}
}

// oneShotServer answers one request per connection and then closes it.
func oneShotServer(t *testing.T) (addr string, accepted *atomic.Int32) {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { l.Close() })
	jsonCodec := codec.GetCodec(codec.CodecTypeJSON)
	accepted = new(atomic.Int32)
	go func() {
		for {
			conn, err := l.Accept()
			if err != nil {
				return
			}
			accepted.Add(1)
			msg, err := protocol.ReadFrame(conn, 0)
			if err == nil {
				req, _ := message.DecodeRequest(jsonCodec, msg)
				out, _ := message.EncodeResponse(jsonCodec, message.Success(req.Args[0]))
				protocol.WriteFrame(conn, out)
			}
			conn.Close()
		}
	}()
	return l.Addr().String(), accepted
}

func TestClientRedialsStaleConnection(t *testing.T) {
	addr, accepted := oneShotServer(t)
	c := New(addr, WithPoolSize(1))
	defer c.Close()

	for i := 0; i < 3; i++ {
		got, err := c.Call(context.Background(), "echo", i)
		if err != nil {
			t.Fatalf("call %d: %v", i, err)
		}
		if got != float64(i) {
			t.Fatalf("call %d: got %v", i, got)
		}
	}
	if n := accepted.Load(); n != 3 {
		t.Fatalf("expect one connection per call, got %d", n)
	}
}

// truncatingServer answers the first request on each connection, then answers the second
// with half a length prefix and hangs up.
func truncatingServer(t *testing.T) (addr string, requests *atomic.Int32) {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { l.Close() })
	jsonCodec := codec.GetCodec(codec.CodecTypeJSON)
	requests = new(atomic.Int32)
	go func() {
		for {
			conn, err := l.Accept()
			if err != nil {
				return
			}
			go func(conn net.Conn) {
				defer conn.Close()
				for i := 0; ; i++ {
					msg, err := protocol.ReadFrame(conn, 0)
					if err != nil {
						return
					}
					requests.Add(1)
					if i > 0 {
						conn.Write([]byte{0, 0})
						return
					}
					req, _ := message.DecodeRequest(jsonCodec, msg)
					out, _ := message.EncodeResponse(jsonCodec, message.Success(req.Args[0]))
					protocol.WriteFrame(conn, out)
				}
			}(conn)
		}
	}()
	return l.Addr().String(), requests
}

func TestClientDoesNotResendAfterPartialResponse(t *testing.T) {
	addr, requests := truncatingServer(t)
	c := New(addr, WithPoolSize(1))
	defer c.Close()

	if _, err := c.Call(context.Background(), "echo", "first"); err != nil {
		t.Fatal(err)
	}
	if _, err := c.Call(context.Background(), "echo", "second"); err == nil {
		t.Fatal("expect the truncated response to fail the call")
	}
	if n := requests.Load(); n != 2 {
		t.Fatalf("expect the second request to be sent once, server saw %d requests", n)
	}
}

func TestClientRetriesTransportFailures(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	addr := l.Addr().String()
	l.Close()

	c := New(addr, WithRetry(2, 5*time.Millisecond), WithDialTimeout(100*time.Millisecond))
	defer c.Close()

	start := time.Now()
	_, err = c.Call(context.Background(), "echo", 1)
	if err == nil {
		t.Fatal("expect error from a closed port")
	}
	var remote *RemoteError
	if errors.As(err, &remote) {
		t.Fatalf("transport failure reported as remote error: %v", err)
	}
	// two backoff sleeps: 5ms then 10ms
	if elapsed := time.Since(start); elapsed < 15*time.Millisecond {
		t.Fatalf("expect backoff between attempts, finished in %v", elapsed)
	}
}

func TestClientCallHonorsContext(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer l.Close()
	// accepts but never answers
	go func() {
		for {
			conn, err := l.Accept()
			if err != nil {
				return
			}
			defer conn.Close()
		}
	}()

	c := New(l.Addr().String(), WithRetry(5, time.Millisecond))
	defer c.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, err := c.Call(ctx, "echo", 1); err == nil {
		t.Fatal("expect deadline error")
	}
}

func TestClientWithDiscovery(t *testing.T) {
	reg := registry.NewMemoryRegistry()
	for i := 0; i < 2; i++ {
		srv := startServer(t, server.KindThreaded, server.DefaultConfig("127.0.0.1:0"))
		tcp := srv.Addr().(*net.TCPAddr)
		reg.Register("calc", registry.ServiceInstance{Host: "127.0.0.1", Port: tcp.Port}, 0)
	}
	bal, err := loadbalance.New("round_robin")
	if err != nil {
		t.Fatal(err)
	}
	c := NewWithDiscovery(reg, bal, "calc")
	defer c.Close()

	for i := 0; i < 4; i++ {
		got, err := c.Call(context.Background(), "add", i, 1)
		if err != nil {
			t.Fatal(err)
		}
		if got != float64(i+1) {
			t.Fatalf("expect %d, got %v", i+1, got)
		}
	}
	if n := len(c.pools); n != 2 {
		t.Fatalf("expect calls spread over 2 instances, got %d", n)
	}

	empty := NewWithDiscovery(reg, bal, "nobody")
	defer empty.Close()
	if _, err := empty.Call(context.Background(), "add"); !errors.Is(err, loadbalance.ErrNoInstances) {
		t.Fatalf("expect ErrNoInstances, got %v", err)
	}
}

func TestClientClosed(t *testing.T) {
	c := New("127.0.0.1:1")
	c.Close()
	if _, err := c.Call(context.Background(), "echo", 1); !errors.Is(err, ErrClientClosed) {
		t.Fatalf("expect ErrClientClosed, got %v", err)
	}
}

func TestDatagramClient(t *testing.T) {
	srv := startServer(t, server.KindDatagram, server.DefaultConfig("127.0.0.1:0"))
	c, err := NewDatagram(srv.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()

	got, err := c.Call(context.Background(), "add", 4, 5)
	if err != nil {
		t.Fatal(err)
	}
	if got != 9.0 {
		t.Fatalf("expect 9, got %v", got)
	}

	_, err = c.Call(context.Background(), "missing_fn")
	var remote *RemoteError
	if !errors.As(err, &remote) {
		t.Fatalf("expect RemoteError, got %v", err)
	}
}

func TestDatagramClientDiscardsLateReply(t *testing.T) {
	cfg := server.DefaultConfig("127.0.0.1:0")
	cfg.Workers = 2
	srv := startServer(t, server.KindDatagram, cfg)
	c, err := NewDatagram(srv.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	_, err = c.Call(ctx, "slow")
	cancel()
	if err == nil {
		t.Fatal("expect the slow call to time out")
	}

	// the slow reply is sent while we wait
	time.Sleep(300 * time.Millisecond)

	got, err := c.Call(context.Background(), "echo", "fresh")
	if err != nil {
		t.Fatal(err)
	}
	if got != "fresh" {
		t.Fatalf("expect fresh, got %v", got)
	}
}

func TestDatagramClientClosed(t *testing.T) {
	srv := startServer(t, server.KindDatagram, server.DefaultConfig("127.0.0.1:0"))
	c, err := NewDatagram(srv.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	c.Close()
	if _, err := c.Call(context.Background(), "echo", 1); !errors.Is(err, ErrClientClosed) {
		t.Fatalf("expect ErrClientClosed, got %v", err)
	}
	if err := c.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
}
