package main

import (
	"errors"
	"fmt"
	"time"

	"polyrpc/dispatch"
)

// registerDemo installs the functions served by the demo binary.
func registerDemo(r *dispatch.Registry) {
	r.Register("ping", func(args ...any) (any, error) { return "pong", nil })
	r.Register("echo", echo)
	r.Register("add", add)
	r.Register("sleep", sleep)
	r.Register("fail", func(args ...any) (any, error) {
		msg := "failed on request"
		if len(args) > 0 {
			msg = fmt.Sprint(args[0])
		}
		return nil, errors.New(msg)
	})
}

func echo(args ...any) (any, error) {
	switch len(args) {
	case 0:
		return nil, nil
	case 1:
		return args[0], nil
	}
	return args, nil
}

func add(args ...any) (any, error) {
	sum := 0.0
	for i, a := range args {
		f, ok := number(a)
		if !ok {
			return nil, fmt.Errorf("add: argument %d is %T, not a number", i, a)
		}
		sum += f
	}
	return sum, nil
}

// sleep waits the given number of seconds and returns it.
func sleep(args ...any) (any, error) {
	if len(args) != 1 {
		return nil, errors.New("sleep: expects one argument (seconds)")
	}
	secs, ok := number(args[0])
	if !ok || secs < 0 {
		return nil, fmt.Errorf("sleep: invalid duration %v", args[0])
	}
	time.Sleep(time.Duration(secs * float64(time.Second)))
	return secs, nil
}

// number accepts the numeric types the codecs decode into.
func number(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint64:
		return float64(n), true
	}
	return 0, false
}
