package middleware

import (
	"context"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"polyrpc/dispatch"
	"polyrpc/message"
)

func echoHandler(ctx context.Context, req *message.Request) *message.Response {
	return message.Success("ok")
}

func slowHandler(ctx context.Context, req *message.Request) *message.Response {
	time.Sleep(200 * time.Millisecond)
	return message.Success("ok")
}

func failingHandler(ctx context.Context, req *message.Request) *message.Response {
	return message.Failure("boom")
}

var req = &message.Request{Function: "echo", Args: []any{1.0}}

func TestLogging(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	logged := LoggingMiddleware(zap.New(core))

	resp := logged(echoHandler)(context.Background(), req)
	if resp.Result != "ok" {
		t.Fatalf("expect payload 'ok', got %#v", resp.Result)
	}
	logged(failingHandler)(context.Background(), req)

	entries := logs.All()
	if len(entries) != 2 {
		t.Fatalf("expect 2 log entries, got %d", len(entries))
	}
	if entries[0].Level != zap.DebugLevel || entries[1].Level != zap.WarnLevel {
		t.Fatalf("expect debug then warn, got %s then %s", entries[0].Level, entries[1].Level)
	}
	if entries[1].ContextMap()["error"] != "boom" {
		t.Fatalf("expect error field, got %v", entries[1].ContextMap())
	}
}

func TestTimeoutPass(t *testing.T) {
	handler := TimeOutMiddleware(500 * time.Millisecond)(echoHandler)
	if resp := handler(context.Background(), req); resp.Failed() {
		t.Fatalf("expect no error, got '%s'", resp.Error)
	}
}

func TestTimeoutExceeded(t *testing.T) {
	handler := TimeOutMiddleware(50 * time.Millisecond)(slowHandler)
	if resp := handler(context.Background(), req); resp.Error != "request timed out" {
		t.Fatalf("expect timeout error, got '%s'", resp.Error)
	}
}

func TestRateLimit(t *testing.T) {
	// 1 per second with burst 2: the first two pass, the third is rejected
	handler := RateLimitMiddleware(1, 2)(echoHandler)
	for i := 0; i < 2; i++ {
		if resp := handler(context.Background(), req); resp.Failed() {
			t.Fatalf("request %d should pass, got error: %s", i, resp.Error)
		}
	}
	if resp := handler(context.Background(), req); resp.Error != "rate limit exceeded" {
		t.Fatalf("request 3 should be rate limited, got: '%s'", resp.Error)
	}
}

func TestChainOrder(t *testing.T) {
	var order []string
	mark := func(name string) Middleware {
		return func(next HandlerFunc) HandlerFunc {
			return func(ctx context.Context, req *message.Request) *message.Response {
				order = append(order, name+".before")
				resp := next(ctx, req)
				order = append(order, name+".after")
				return resp
			}
		}
	}
	Chain(mark("A"), mark("B"))(echoHandler)(context.Background(), req)

	want := []string{"A.before", "B.before", "B.after", "A.after"}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("expect %v, got %v", want, order)
		}
	}
}

func TestChainAsDispatcher(t *testing.T) {
	reg := dispatch.NewRegistry()
	reg.Register("echo", func(args ...any) (any, error) { return args[0], nil })

	var d dispatch.Dispatcher = Chain(LoggingMiddleware(nil), TimeOutMiddleware(time.Second))(reg.Dispatch)
	resp := d.Dispatch(context.Background(), req)
	if resp.Failed() || resp.Result != 1.0 {
		t.Fatalf("expect echo of 1, got %+v", resp)
	}
	resp = d.Dispatch(context.Background(), &message.Request{Function: "missing_fn"})
	if !resp.Failed() {
		t.Fatal("expect failure for missing function through the chain")
	}
}
