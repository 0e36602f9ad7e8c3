// Package middleware wraps a dispatcher with cross-cutting behavior.
//
// Middlewares follow the onion model: Chain(A, B, C)(h) runs A, then B, then C around h.
// Like the dispatcher itself, a middleware reports problems as failed responses and never
// as errors, so the chain can stand in for the dispatcher in every server.
package middleware

import (
	"context"

	"polyrpc/message"
)

type HandlerFunc func(ctx context.Context, req *message.Request) *message.Response

// Dispatch lets a HandlerFunc be used wherever a dispatch.Dispatcher is expected.
func (f HandlerFunc) Dispatch(ctx context.Context, req *message.Request) *message.Response {
	return f(ctx, req)
}

type Middleware func(next HandlerFunc) HandlerFunc

// Chain combines middlewares into one; the first one listed is the outermost.
func Chain(middlewares ...Middleware) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		for i := len(middlewares) - 1; i >= 0; i-- {
			next = middlewares[i](next)
		}
		return next
	}
}
