// Command polyrpc-call invokes one function on a polyrpc server and prints the result.
//
//	polyrpc-call -addr 127.0.0.1:9000 add 1 2
//	polyrpc-call -udp -addr 127.0.0.1:9000 echo '{"k": [1, 2]}'
//
// Arguments are parsed as JSON; anything that is not valid JSON is sent as a string.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"time"

	"polyrpc/client"
	"polyrpc/codec"
)

func main() {
	addr := flag.String("addr", "127.0.0.1:9000", "server address")
	udp := flag.Bool("udp", false, "call a datagram server")
	codecName := flag.String("codec", "json", "codec: json|cbor|proto")
	timeout := flag.Duration("timeout", 5*time.Second, "call timeout")
	retries := flag.Int("retries", 0, "retries on transport failure")
	flag.Parse()

	if flag.NArg() < 1 {
		fmt.Fprintln(os.Stderr, "usage: polyrpc-call [flags] function [arg...]")
		flag.PrintDefaults()
		os.Exit(2)
	}
	ct, err := codec.ParseType(*codecName)
	if err != nil {
		fatalf("%v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	fn, args := flag.Arg(0), parseArgs(flag.Args()[1:])
	var result any
	if *udp {
		c, err := client.NewDatagram(*addr, client.WithCodec(ct))
		if err != nil {
			fatalf("dial: %v", err)
		}
		defer c.Close()
		result, err = c.Call(ctx, fn, args...)
		exitOnCallError(err)
	} else {
		c := client.New(*addr, client.WithCodec(ct), client.WithPoolSize(1), client.WithRetry(*retries, 100*time.Millisecond))
		defer c.Close()
		result, err = c.Call(ctx, fn, args...)
		exitOnCallError(err)
	}

	out, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		fmt.Printf("%v\n", result)
		return
	}
	fmt.Println(string(out))
}

func parseArgs(raw []string) []any {
	args := make([]any, 0, len(raw))
	for _, s := range raw {
		var v any
		if err := json.Unmarshal([]byte(s), &v); err != nil {
			v = s
		}
		args = append(args, v)
	}
	return args
}

func exitOnCallError(err error) {
	if err == nil {
		return
	}
	var remote *client.RemoteError
	if errors.As(err, &remote) {
		fatalf("remote error: %s", remote.Message)
	}
	fatalf("call failed: %v", err)
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}
