package middleware

import (
	"context"
	"time"

	"polyrpc/message"
)

// TimeOutMiddleware answers with a "request timed out" failure when next takes longer than
// timeout. The handler is not interrupted; it keeps running and its result is discarded.
func TimeOutMiddleware(timeout time.Duration) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.Request) *message.Response {
			ctx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()

			done := make(chan *message.Response, 1)
			go func() {
				done <- next(ctx, req)
			}()

			select {
			case resp := <-done:
				return resp
			case <-ctx.Done():
				return message.Failure("request timed out")
			}
		}
	}
}
