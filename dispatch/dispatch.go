// Package dispatch holds the function registry every polyrpc execution model calls into.
//
// Dispatch never fails: an unknown name, a handler error and a handler panic all come back
// as a failed message.Response, so servers can send the outcome to the caller without any
// error handling of their own.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"

	"polyrpc/message"
)

// ErrFuncNotFound is the cause reported when a request names an unregistered function.
var ErrFuncNotFound = errors.New("function not found")

// Func is a remotely callable function. It receives the request arguments as decoded by
// the codec; a call without arguments invokes it with none.
type Func func(args ...any) (any, error)

// Dispatcher executes one request and always produces a response.
type Dispatcher interface {
	Dispatch(ctx context.Context, req *message.Request) *message.Response
}

// Registry maps function names to Funcs. It is safe for concurrent use.
type Registry struct {
	mu    sync.RWMutex
	funcs map[string]Func
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{funcs: make(map[string]Func)}
}

// Register stores fn under name, replacing any earlier registration.
func (r *Registry) Register(name string, fn Func) {
	r.mu.Lock()
	r.funcs[name] = fn
	r.mu.Unlock()
}

// Lookup returns the function registered under name.
func (r *Registry) Lookup(name string) (Func, bool) {
	r.mu.RLock()
	fn, ok := r.funcs[name]
	r.mu.RUnlock()
	return fn, ok
}

// Names returns the registered names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	names := maps.Keys(r.funcs)
	r.mu.RUnlock()
	slices.Sort(names)
	return names
}

// Dispatch looks up req.Function and calls it.
func (r *Registry) Dispatch(ctx context.Context, req *message.Request) *message.Response {
	fn, ok := r.Lookup(req.Function)
	if !ok {
		return message.Failure("%v: %s", ErrFuncNotFound, req.Function)
	}
	result, err := call(fn, req.Args)
	if err != nil {
		return message.Failure("server exception, %v", err)
	}
	return message.Success(result)
}

func call(fn Func, args []any) (result any, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("panic: %v", p)
		}
	}()
	if len(args) == 0 {
		return fn()
	}
	return fn(args...)
}
