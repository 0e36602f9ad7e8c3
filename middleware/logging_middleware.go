package middleware

import (
	"context"
	"time"

	"go.uber.org/zap"

	"polyrpc/message"
)

// LoggingMiddleware logs every call with its duration; failed calls are logged at warn level.
func LoggingMiddleware(logger *zap.Logger) Middleware {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.Request) *message.Response {
			start := time.Now()
			resp := next(ctx, req)
			fields := []zap.Field{
				zap.String("function", req.Function),
				zap.Int("args", len(req.Args)),
				zap.Duration("duration", time.Since(start)),
			}
			if resp.Failed() {
				logger.Warn("call failed", append(fields, zap.String("error", resp.Error))...)
			} else {
				logger.Debug("call", fields...)
			}
			return resp
		}
	}
}
