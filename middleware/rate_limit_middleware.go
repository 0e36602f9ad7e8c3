package middleware

import (
	"context"

	"golang.org/x/time/rate"

	"polyrpc/message"
)

// RateLimitMiddleware admits r calls per second with bursts of up to burst calls, using a
// token bucket shared by every connection of the server. Rejected calls get a
// "rate limit exceeded" failure.
func RateLimitMiddleware(r float64, burst int) Middleware {
	limiter := rate.NewLimiter(rate.Limit(r), burst)
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.Request) *message.Response {
			if !limiter.Allow() {
				return message.Failure("rate limit exceeded")
			}
			return next(ctx, req)
		}
	}
}
